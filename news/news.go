// Package news aggregates water-utility news: it scrapes search engines,
// scores candidates with an LLM, enforces the daily result quota and stores
// what survives.
package news

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/waterflow/waterflow/idgen"
	"github.com/waterflow/waterflow/news/internal/aiclient"
	"github.com/waterflow/waterflow/news/internal/store"
	"github.com/waterflow/waterflow/news/internal/websearch"
)

const (
	defaultSearchCount  = 20
	maxFilterItems      = 100
	maxBatchFilterItems = 500
	filterChunkSize     = 10

	batchKeyword    = "批量抓取"
	batchSearchType = "batch_fetch"
)

// Fetcher produces scored news candidates for a keyword.
type Fetcher interface {
	FetchNews(ctx context.Context, keyword string, categories []string) []websearch.Result
}

// AIClient is the slice of the AI client the service uses directly.
type AIClient interface {
	Rank(ctx context.Context, items []aiclient.Item, categories []string, rule string) ([]aiclient.Ranked, error)
	Analyze(ctx context.Context, item aiclient.Item) (*aiclient.Analysis, error)
	MockArticles(ctx context.Context, keyword string) []aiclient.Item
}

// Service is the main news orchestrator.
type Service struct {
	store     *store.Store
	ai        AIClient
	fetcher   Fetcher
	scheduler *DailyScheduler
	logger    *slog.Logger
	config    *Config

	newArticleID idgen.Generator
	now          func() time.Time
}

// New creates a news Service on an already-opened database.
func New(db *sql.DB, cfg *Config, logger *slog.Logger, opts ...ServiceOption) *Service {
	if cfg == nil {
		cfg = defaultConfig()
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	st := store.NewStore(db)
	ai := aiclient.New(st, logger)

	svc := &Service{
		store:        st,
		ai:           ai,
		logger:       logger,
		config:       cfg,
		newArticleID: idgen.Article(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.fetcher == nil {
		svc.fetcher = websearch.NewFetcher(svc.ai, logger)
	}
	svc.scheduler = NewDailyScheduler(svc.runScheduledFetch, logger)
	return svc
}

// ServiceOption configures a Service during creation.
type ServiceOption func(*Service)

// WithFetcher overrides the search engine fetcher. Used in tests.
func WithFetcher(f Fetcher) ServiceOption {
	return func(svc *Service) { svc.fetcher = f }
}

// WithAIClient overrides the AI client. Used in tests.
func WithAIClient(ai AIClient) ServiceOption {
	return func(svc *Service) { svc.ai = ai }
}

// WithClock overrides the service clock. Used in tests for quota day
// boundaries.
func WithClock(now func() time.Time) ServiceOption {
	return func(svc *Service) { svc.now = now }
}

// Start configures the daily scheduler from the stored update_time and
// launches it. Non-blocking.
func (svc *Service) Start(ctx context.Context) error {
	updateTime, err := svc.store.Setting(ctx, "update_time", "02:00")
	if err != nil {
		return err
	}
	if err := svc.scheduler.Reconfigure(updateTime); err != nil {
		svc.logger.Warn("invalid stored update_time, using default", "value", updateTime, "error", err)
		svc.scheduler.Reconfigure("02:00")
	}
	svc.scheduler.Start()
	svc.logger.Info("news: started", "update_time", updateTime)
	return nil
}

// Close stops the scheduler.
func (svc *Service) Close() error {
	svc.scheduler.Stop()
	svc.logger.Info("news: closed")
	return nil
}

// Scheduler exposes the daily scheduler for settings updates.
func (svc *Service) Scheduler() *DailyScheduler {
	return svc.scheduler
}

// ApplySchema creates all tables on a database. Exported for the binary and
// migration scripts.
func ApplySchema(db *sql.DB) error {
	return store.ApplySchema(db)
}

// SeedDefaults inserts default categories, settings and the initial admin
// user. Idempotent.
func SeedDefaults(db *sql.DB, adminPassword string) error {
	return store.Seed(db, adminPassword)
}

// --- Quota ---

// Quota returns the number of results stored today and the remaining
// allowance. The quota counts stored results, not requests, and resets at
// local midnight.
func (svc *Service) Quota(ctx context.Context) (used, remaining int, err error) {
	used, err = svc.store.DailyResultCount(ctx, svc.now())
	if err != nil {
		return 0, 0, err
	}
	remaining = svc.config.DailyLimit - used
	if remaining < 0 {
		remaining = 0
	}
	return used, remaining, nil
}

// --- Search ---

// RunManualSearch fetches and scores news for one keyword and returns the
// truncated list plus the remaining quota after the run. The results are not
// persisted as articles; only the history row is written, and it is what
// charges the quota. A quota-exhausted run is recorded as failed.
func (svc *Service) RunManualSearch(ctx context.Context, keyword string, maxCount int) ([]Fetched, int, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, 0, fmt.Errorf("%w: keyword is required", ErrInvalidInput)
	}

	_, remaining, err := svc.Quota(ctx)
	if err != nil {
		return nil, 0, err
	}
	if remaining <= 0 {
		svc.recordRun(ctx, keyword, "manual", 0, nil, ErrQuotaExhausted)
		return nil, 0, ErrQuotaExhausted
	}

	limit := clampCount(maxCount, defaultSearchCount, remaining, svc.config.DailyLimit)

	labels, _, err := svc.categoryResolver(ctx)
	if err != nil {
		svc.recordRun(ctx, keyword, "manual", 0, nil, err)
		return nil, 0, err
	}

	fetched := svc.fetcher.FetchNews(ctx, keyword, labels)
	if len(fetched) > limit {
		fetched = fetched[:limit]
	}

	svc.recordRun(ctx, keyword, "manual", len(fetched), fetched, nil)
	svc.logger.Info("manual search done", "keyword", keyword, "count", len(fetched))
	return fetched, remaining - len(fetched), nil
}

// RunBatchFetch walks the seed keywords until the requested count or the
// daily quota is reached. One history row is written for the whole run.
func (svc *Service) RunBatchFetch(ctx context.Context, maxCount int) (*BatchReport, error) {
	_, remaining, err := svc.Quota(ctx)
	if err != nil {
		return nil, err
	}
	if remaining <= 0 {
		svc.recordRun(ctx, batchKeyword, batchSearchType, 0, nil, ErrQuotaExhausted)
		return nil, ErrQuotaExhausted
	}

	limit := clampCount(maxCount, svc.config.DailyLimit, remaining, svc.config.DailyLimit)

	labels, resolve, err := svc.categoryResolver(ctx)
	if err != nil {
		svc.recordRun(ctx, batchKeyword, batchSearchType, 0, nil, err)
		return nil, err
	}

	report := &BatchReport{}
	seen := map[string]bool{} // dedupe across keywords within the run
	for _, keyword := range svc.config.SeedKeywords {
		if report.TotalSaved >= limit {
			break
		}
		kr := KeywordReport{Keyword: keyword}

		fetched := svc.fetcher.FetchNews(ctx, keyword, labels)
		kr.Fetched = len(fetched)

		saved, skipped, failed := svc.persistResults(ctx, fetched, limit-report.TotalSaved, resolve, seen)
		kr.Saved = len(saved)
		kr.Skipped = skipped
		kr.Failed = failed

		report.Articles = append(report.Articles, saved...)
		report.Keywords = append(report.Keywords, kr)
		report.TotalFetched += kr.Fetched
		report.TotalSaved += kr.Saved
		report.TotalSkipped += kr.Skipped
		report.TotalFailed += kr.Failed
	}

	svc.recordRun(ctx, batchKeyword, batchSearchType, report.TotalSaved, report.Articles, nil)
	report.Remaining = remaining - report.TotalSaved
	if report.Remaining < 0 {
		report.Remaining = 0
	}
	svc.logger.Info("batch fetch done",
		"fetched", report.TotalFetched, "saved", report.TotalSaved,
		"skipped", report.TotalSkipped, "failed", report.TotalFailed)
	return report, nil
}

// clampCount bounds a requested result count by the default, the remaining
// quota and the daily limit.
func clampCount(requested, fallback, remaining, dailyLimit int) int {
	n := requested
	if n <= 0 {
		n = fallback
	}
	if n > dailyLimit {
		n = dailyLimit
	}
	if n > remaining {
		n = remaining
	}
	return n
}

// categoryResolver loads the category table once and returns the label list
// plus a resolver mapping an AI category label to a category id. Unknown
// labels fall back to the first category unless StrictCategories is set.
func (svc *Service) categoryResolver(ctx context.Context) ([]string, func(string) string, error) {
	cats, err := svc.store.ListCategories(ctx)
	if err != nil {
		return nil, nil, err
	}
	labels := make([]string, len(cats))
	byName := make(map[string]string, len(cats))
	for i, c := range cats {
		labels[i] = c.Name
		byName[c.Name] = c.ID
	}
	fallback := ""
	if len(cats) > 0 && !svc.config.StrictCategories {
		fallback = cats[0].ID
	}
	resolve := func(label string) string {
		if id, ok := byName[label]; ok {
			return id
		}
		return fallback
	}
	return labels, resolve, nil
}

// persistResults stores fetched results up to limit, skipping low scores and
// duplicate titles. seen carries normalized titles across calls so a batch
// run dedupes across keywords. Items that fail to persist are logged, counted
// as failed and skipped; the rest of the batch continues.
func (svc *Service) persistResults(ctx context.Context, fetched []websearch.Result, limit int, resolve func(string) string, seen map[string]bool) (saved []*Article, skipped, failed int) {
	for _, r := range fetched {
		if len(saved) >= limit {
			break
		}
		if r.Score < svc.config.MinScore {
			skipped++
			continue
		}
		norm := NormalizeTitle(r.Title)
		if norm == "" || seen[norm] {
			skipped++
			continue
		}
		exists, err := svc.store.TitleExists(ctx, r.Title)
		if err != nil {
			svc.logger.Warn("title lookup failed, item skipped", "title", r.Title, "error", err)
			failed++
			continue
		}
		if exists {
			seen[norm] = true
			skipped++
			continue
		}

		a := &Article{
			ID:         svc.newArticleID(),
			Title:      r.Title,
			Summary:    r.Summary,
			Source:     r.Source,
			SourceURL:  r.URL,
			CategoryID: resolve(r.Category),
			AIScore:    r.Score,
		}
		if err := svc.store.InsertArticle(ctx, a); err != nil {
			svc.logger.Warn("article not saved", "title", r.Title, "error", err)
			failed++
			continue
		}
		seen[norm] = true
		saved = append(saved, a)
	}
	return saved, skipped, failed
}

// recordRun writes one search history row carrying the run's result set as
// JSON. Best-effort: a history write failure is logged, never propagated.
func (svc *Service) recordRun(ctx context.Context, keyword, searchType string, count int, results any, runErr error) {
	r := &SearchRecord{
		Keyword:      keyword,
		SearchType:   searchType,
		ResultsCount: count,
		Status:       "success",
		ExecutedAt:   svc.now().UnixMilli(),
	}
	if results != nil {
		if payload, err := json.Marshal(results); err == nil {
			r.ArticlesJSON = payload
		}
	}
	if runErr != nil {
		r.Status = "failed"
		r.ErrorMessage = runErr.Error()
	}
	if err := svc.store.InsertSearchRecord(ctx, r); err != nil {
		svc.logger.Error("record search run", "error", err)
	}
}

// runScheduledFetch is the cron job body.
func (svc *Service) runScheduledFetch() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	svc.logger.Info("scheduled batch fetch starting")
	report, err := svc.RunBatchFetch(ctx, svc.config.DailyLimit)
	if err != nil {
		svc.logger.Error("scheduled batch fetch failed", "error", err)
		return
	}
	svc.logger.Info("scheduled batch fetch finished",
		"saved", report.TotalSaved, "remaining", report.Remaining)
}

// --- History and stats ---

// History returns a page of search history, newest first.
func (svc *Service) History(ctx context.Context, limit, offset int, status string) ([]SearchRecord, int, error) {
	return svc.store.ListSearchHistory(ctx, limit, offset, status)
}

// Stats combines the quota state with all-time search counters. Calling it
// twice with no intervening fetch returns identical values.
func (svc *Service) Stats(ctx context.Context) (*Stats, error) {
	st, err := svc.store.SearchStats(ctx, svc.now())
	if err != nil {
		return nil, err
	}
	used, remaining, err := svc.Quota(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		DailyLimit:     svc.config.DailyLimit,
		DailyUsed:      used,
		DailyRemaining: remaining,
		TotalSearches:  st.TotalSearches,
		TotalResults:   st.TotalResults,
		FailedSearches: st.FailedCount,
	}, nil
}

// --- AI filtering ---

// FilterNews scores up to 100 caller-supplied items against the category
// list and an optional rule, returns every verdict and stores the run. A
// chunk the model cannot score fails the whole call.
func (svc *Service) FilterNews(ctx context.Context, items []NewsItem, rule string) ([]Verdict, *FilterResult, error) {
	return svc.filter(ctx, items, rule, maxFilterItems, false)
}

// BatchFilterNews is FilterNews with a 500-item ceiling for bulk imports.
// A failed chunk degrades to not-relevant placeholder verdicts instead of
// failing the run, so one bad chunk never sinks a large import.
func (svc *Service) BatchFilterNews(ctx context.Context, items []NewsItem, rule string) ([]Verdict, *FilterResult, error) {
	return svc.filter(ctx, items, rule, maxBatchFilterItems, true)
}

func (svc *Service) filter(ctx context.Context, items []NewsItem, rule string, max int, degrade bool) ([]Verdict, *FilterResult, error) {
	if len(items) == 0 {
		return nil, nil, fmt.Errorf("%w: no items to filter", ErrInvalidInput)
	}
	if len(items) > max {
		return nil, nil, fmt.Errorf("%w: at most %d items per request", ErrInvalidInput, max)
	}

	labels, _, err := svc.categoryResolver(ctx)
	if err != nil {
		return nil, nil, err
	}

	var verdicts []Verdict
	for start := 0; start < len(items); start += filterChunkSize {
		end := start + filterChunkSize
		if end > len(items) {
			end = len(items)
		}
		chunk := items[start:end]
		ranked, err := svc.ai.Rank(ctx, chunk, labels, rule)
		if err != nil {
			if !degrade {
				if errors.Is(err, aiclient.ErrNoAPIKey) {
					err = fmt.Errorf("%w: %v", ErrAIService, err)
				}
				return nil, nil, err
			}
			svc.logger.Warn("filter chunk failed", "start", start, "error", err)
			for _, it := range chunk {
				verdicts = append(verdicts, Verdict{
					ID:       it.ID,
					Title:    it.Title,
					Category: "未分类",
					Summary:  "AI处理失败",
				})
			}
			continue
		}
		verdicts = append(verdicts, ranked...)
	}

	kept := 0
	for _, v := range verdicts {
		if v.IsRelevant {
			kept++
		}
	}

	payload, err := json.Marshal(verdicts)
	if err != nil {
		return nil, nil, err
	}
	fr := &FilterResult{
		Rule:       rule,
		InputCount: len(items),
		KeptCount:  kept,
		ItemsJSON:  string(payload),
	}
	if err := svc.store.InsertFilterResult(ctx, fr); err != nil {
		return nil, nil, err
	}
	return verdicts, fr, nil
}

// AnalyzeNews produces a detailed verdict for one item.
func (svc *Service) AnalyzeNews(ctx context.Context, item NewsItem) (*Analysis, error) {
	if strings.TrimSpace(item.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	a, err := svc.ai.Analyze(ctx, item)
	if errors.Is(err, aiclient.ErrNoAPIKey) {
		return nil, fmt.Errorf("%w: %v", ErrAIService, err)
	}
	return a, err
}

// FilterResults returns stored filter runs, newest first.
func (svc *Service) FilterResults(ctx context.Context, limit, offset int) ([]FilterResult, int, error) {
	return svc.store.ListFilterResults(ctx, limit, offset)
}

// FilterResultByID returns one stored filter run.
func (svc *Service) FilterResultByID(ctx context.Context, id string) (*FilterResult, error) {
	fr, err := svc.store.GetFilterResult(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return fr, err
}

// DeleteFilterResult removes one stored filter run.
func (svc *Service) DeleteFilterResult(ctx context.Context, id string) error {
	err := svc.store.DeleteFilterResult(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// --- Articles ---

// Articles returns a page of articles plus the total matching count.
func (svc *Service) Articles(ctx context.Context, f ArticleFilter) ([]*Article, int, error) {
	return svc.store.ListArticles(ctx, f)
}

// CreateArticle stores a manually authored article. The ID and timestamps
// are assigned here; a missing category is left empty.
func (svc *Service) CreateArticle(ctx context.Context, a *Article) (*Article, error) {
	if strings.TrimSpace(a.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	a.ID = svc.newArticleID()
	now := svc.now().UnixMilli()
	a.CreatedAt = now
	a.UpdatedAt = now
	if err := svc.store.InsertArticle(ctx, a); err != nil {
		return nil, fmt.Errorf("create article: %w", err)
	}
	return a, nil
}

// ArticleByID returns one article and counts the view.
func (svc *Service) ArticleByID(ctx context.Context, id string) (*Article, error) {
	a, err := svc.store.GetArticle(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return a, err
}

// UpdateArticle updates an article's editable fields.
func (svc *Service) UpdateArticle(ctx context.Context, a *Article) error {
	if strings.TrimSpace(a.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	err := svc.store.UpdateArticle(ctx, a)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// DeleteArticle removes an article.
func (svc *Service) DeleteArticle(ctx context.Context, id string) error {
	err := svc.store.DeleteArticle(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// Categories returns all categories in sort order.
func (svc *Service) Categories(ctx context.Context) ([]Category, error) {
	return svc.store.ListCategories(ctx)
}

// --- Settings and auth ---

// Settings returns all settings with secrets masked.
func (svc *Service) Settings(ctx context.Context) (map[string]string, error) {
	settings, err := svc.store.AllSettings(ctx)
	if err != nil {
		return nil, err
	}
	if key := settings["openai_api_key"]; key != "" {
		settings["openai_api_key"] = maskSecret(key)
	}
	return settings, nil
}

// UpdateSettings stores the given settings. A changed update_time
// reconfigures the daily scheduler immediately.
func (svc *Service) UpdateSettings(ctx context.Context, values map[string]string) error {
	if t, ok := values["update_time"]; ok {
		if _, _, err := parseUpdateTime(t); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	for key, value := range values {
		if err := svc.store.PutSetting(ctx, key, value); err != nil {
			return err
		}
	}
	if t, ok := values["update_time"]; ok {
		if err := svc.scheduler.Reconfigure(t); err != nil {
			return err
		}
		svc.logger.Info("daily fetch rescheduled", "update_time", t)
	}
	return nil
}

// Login verifies username/password against the users table.
func (svc *Service) Login(ctx context.Context, username, password string) (*User, error) {
	u, err := svc.store.UserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, ErrUnauthorized
	}
	return u, nil
}

// AuthenticateAPIKey returns the enabled key row for a raw key value.
func (svc *Service) AuthenticateAPIKey(ctx context.Context, key string) (*APIKey, error) {
	k, err := svc.store.LookupAPIKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	return k, err
}

// LogAPIRequest records one authenticated request. Fire-and-forget.
func (svc *Service) LogAPIRequest(ctx context.Context, apiKeyID, endpoint, method, ip string, status int) {
	svc.store.InsertAPILog(ctx, apiKeyID, endpoint, method, ip, status)
}

// maskSecret keeps the first and last four characters of a secret.
func maskSecret(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
