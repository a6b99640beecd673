package news

import (
	"github.com/waterflow/waterflow/news/internal/aiclient"
	"github.com/waterflow/waterflow/news/internal/store"
	"github.com/waterflow/waterflow/news/internal/websearch"
)

// Re-exported storage and pipeline types, so HTTP handlers never import the
// internal packages directly.
type (
	Article       = store.Article
	ArticleFilter = store.ArticleFilter
	Category      = store.Category
	User          = store.User
	APIKey        = store.APIKey
	SearchRecord  = store.SearchRecord
	SearchStats   = store.SearchStats
	FilterResult  = store.FilterResult

	NewsItem = aiclient.Item
	Verdict  = aiclient.Ranked
	Analysis = aiclient.Analysis
	Fetched  = websearch.Result
)

// KeywordReport is the outcome of one keyword within a batch fetch.
type KeywordReport struct {
	Keyword string `json:"keyword"`
	Fetched int    `json:"fetched"`
	Saved   int    `json:"saved"`
	Skipped int    `json:"skipped"`
	Failed  int    `json:"failed"`
}

// BatchReport is the outcome of a whole batch fetch run.
type BatchReport struct {
	Articles     []*Article      `json:"results"`
	Keywords     []KeywordReport `json:"keywords"`
	TotalFetched int             `json:"total_fetched"`
	TotalSaved   int             `json:"total_saved"`
	TotalSkipped int             `json:"total_skipped"`
	TotalFailed  int             `json:"total_failed"`
	Remaining    int             `json:"remaining"`
}

// Stats is the ai-search stats payload: the quota state plus all-time search
// counters.
type Stats struct {
	DailyLimit     int `json:"daily_limit"`
	DailyUsed      int `json:"daily_used"`
	DailyRemaining int `json:"daily_remaining"`
	TotalSearches  int `json:"total_searches"`
	TotalResults   int `json:"total_results"`
	FailedSearches int `json:"failed_searches"`
}
