package store

import "encoding/json"

// Article is one aggregated news item.
type Article struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Summary     string `json:"summary"`
	Content     string `json:"content"`
	Source      string `json:"source"`
	SourceURL   string `json:"source_url"`
	CategoryID  string `json:"category_id"`
	AIScore     int    `json:"ai_score"`
	ViewCount   int    `json:"view_count"`
	PublishedAt *int64 `json:"published_at,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// Category is an article category.
type Category struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	SortOrder   int    `json:"sort_order"`
	CreatedAt   int64  `json:"created_at"`
}

// User is a backend user (admin console login).
type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	Role         string `json:"role"`
	CreatedAt    int64  `json:"created_at"`
}

// APIKey grants programmatic access to the HTTP API.
type APIKey struct {
	ID        string `json:"id"`
	APIKey    string `json:"api_key"`
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
	CreatedAt int64  `json:"created_at"`
}

// SearchRecord is one search run, manual or scheduled. ArticlesJSON holds
// the full result set of the run serialized as a JSON array.
type SearchRecord struct {
	ID           string          `json:"id"`
	Keyword      string          `json:"keyword"`
	SearchType   string          `json:"search_type"` // "manual" | "batch_fetch"
	ResultsCount int             `json:"results_count"`
	ArticlesJSON json.RawMessage `json:"articles_json"`
	Status       string          `json:"status"` // "success" | "failed"
	ErrorMessage string          `json:"error_message"`
	ExecutedAt   int64           `json:"executed_at"`
}

// FilterResult is a stored AI filter run.
type FilterResult struct {
	ID         string `json:"id"`
	Rule       string `json:"rule"`
	InputCount int    `json:"input_count"`
	KeptCount  int    `json:"kept_count"`
	ItemsJSON  string `json:"items_json"`
	CreatedAt  int64  `json:"created_at"`
}

// SearchStats aggregates search history counters.
type SearchStats struct {
	TotalSearches int `json:"total_searches"`
	TotalResults  int `json:"total_results"`
	TodaySearches int `json:"today_searches"`
	TodayResults  int `json:"today_results"`
	FailedCount   int `json:"failed_count"`
}

// ArticleFilter narrows an article listing. Zero values mean no constraint.
type ArticleFilter struct {
	Page       int
	PageSize   int
	CategoryID string
	Keyword    string // substring match on title and summary
	Source     string
	ScoreMin   int
	ScoreMax   int
	Since      int64 // created_at >= Since (unix ms)
	Until      int64 // created_at < Until
	SortBy     string // "created_at" | "ai_score" | "view_count"
}
