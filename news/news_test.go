package news

// WHAT: end-to-end service behavior over in-memory SQLite with a fake
// fetcher and fake AI.
// WHY: quota clamping, dedupe and failure bookkeeping are the contract of
// the whole pipeline; these are the bugs that silently corrupt the feed.

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/waterflow/waterflow/dbopen"
	"github.com/waterflow/waterflow/news/internal/aiclient"
	"github.com/waterflow/waterflow/news/internal/websearch"
)

type fakeFetcher struct {
	results map[string][]websearch.Result
	calls   []string
}

func (f *fakeFetcher) FetchNews(ctx context.Context, keyword string, categories []string) []websearch.Result {
	f.calls = append(f.calls, keyword)
	return f.results[keyword]
}

type fakeAI struct {
	rankErr   error
	rankCalls int
	relevant  map[string]bool // item id -> verdict; default relevant
}

func (f *fakeAI) Rank(ctx context.Context, items []aiclient.Item, categories []string, rule string) ([]aiclient.Ranked, error) {
	f.rankCalls++
	if f.rankErr != nil {
		return nil, f.rankErr
	}
	out := make([]aiclient.Ranked, len(items))
	for i, it := range items {
		relevant := true
		if f.relevant != nil {
			relevant = f.relevant[it.ID]
		}
		out[i] = aiclient.Ranked{ID: it.ID, Title: it.Title, IsRelevant: relevant, Score: 75, Category: "市场动态"}
	}
	return out, nil
}

func (f *fakeAI) Analyze(ctx context.Context, item aiclient.Item) (*aiclient.Analysis, error) {
	return &aiclient.Analysis{
		Ranked:    aiclient.Ranked{ID: item.ID, Title: item.Title, IsRelevant: true, Score: 90, Category: "水务政策"},
		KeyPoints: []string{"要点一"},
	}, nil
}

func (f *fakeAI) MockArticles(ctx context.Context, keyword string) []aiclient.Item {
	return nil
}

func newTestService(t *testing.T, fetcher Fetcher, opts ...ServiceOption) (*Service, *sql.DB) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := ApplySchema(db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	if err := SeedDefaults(db, "admin123"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	opts = append([]ServiceOption{WithFetcher(fetcher), WithAIClient(&fakeAI{})}, opts...)
	svc := New(db, nil, slog.Default(), opts...)
	return svc, db
}

func results(n int, prefix string, score int) []websearch.Result {
	out := make([]websearch.Result, n)
	for i := range out {
		out[i] = websearch.Result{
			Title:    fmt.Sprintf("%s相关行业新闻标题第%d号", prefix, i),
			Summary:  "摘要",
			URL:      fmt.Sprintf("https://example.com/%s/%d", prefix, i),
			Source:   "百度",
			Category: "市场动态",
			Score:    score,
		}
	}
	return out
}

func TestManualSearch_ReturnsWithoutPersisting(t *testing.T) {
	fetcher := &fakeFetcher{results: map[string][]websearch.Result{
		"智慧水务": results(4, "智慧水务", 80),
	}}
	svc, db := newTestService(t, fetcher)
	ctx := context.Background()

	got, remaining, err := svc.RunManualSearch(ctx, "智慧水务", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("results = %d, want 4", len(got))
	}
	if remaining != 46 {
		t.Fatalf("remaining = %d, want 46", remaining)
	}

	// Manual runs only report; the article table stays untouched.
	var articles int
	if err := db.QueryRow("SELECT COUNT(*) FROM articles").Scan(&articles); err != nil {
		t.Fatal(err)
	}
	if articles != 0 {
		t.Fatalf("articles stored = %d, want 0", articles)
	}

	history, total, err := svc.History(ctx, 10, 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || history[0].ResultsCount != 4 || history[0].Status != "success" {
		t.Fatalf("history = %+v", history)
	}
	var recorded []websearch.Result
	if err := json.Unmarshal(history[0].ArticlesJSON, &recorded); err != nil {
		t.Fatalf("articles_json: %v", err)
	}
	if len(recorded) != 4 || recorded[0].Title != got[0].Title {
		t.Fatalf("recorded articles = %+v", recorded)
	}
}

func TestManualSearch_ClampsToRemainingQuota(t *testing.T) {
	fetcher := &fakeFetcher{results: map[string][]websearch.Result{
		"供水": results(20, "供水", 80),
	}}
	svc, _ := newTestService(t, fetcher)
	ctx := context.Background()

	// Use up most of the quota.
	svc.recordRun(ctx, "预热", "manual", 47, nil, nil)

	got, remaining, err := svc.RunManualSearch(ctx, "供水", 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("results = %d, want 3 (clamped to remaining quota)", len(got))
	}
	if remaining != 0 {
		t.Fatalf("remaining = %d, want 0", remaining)
	}
}

func TestManualSearch_QuotaExhausted(t *testing.T) {
	fetcher := &fakeFetcher{}
	svc, _ := newTestService(t, fetcher)
	ctx := context.Background()

	svc.recordRun(ctx, "预热", "manual", 50, nil, nil)

	_, _, err := svc.RunManualSearch(ctx, "水务", 5)
	if !errors.Is(err, ErrQuotaExhausted) {
		t.Fatalf("err = %v, want ErrQuotaExhausted", err)
	}
	if len(fetcher.calls) != 0 {
		t.Fatal("no engine call should happen when the quota is exhausted")
	}

	history, _, err := svc.History(ctx, 10, 0, "failed")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].ErrorMessage != ErrQuotaExhausted.Error() {
		t.Fatalf("failed history = %+v", history)
	}
}

func TestBatchFetch_DedupeAndScoreFilter(t *testing.T) {
	dup := websearch.Result{Title: "同 一条新闻标题重复", URL: "https://example.com/a", Source: "百度", Category: "市场动态", Score: 80}
	dupSpaced := dup
	dupSpaced.Title = "同一条 新闻标题重复" // same title modulo whitespace
	low := websearch.Result{Title: "低分新闻条目标题", URL: "https://example.com/b", Source: "谷歌", Category: "市场动态", Score: 30}

	fetcher := &fakeFetcher{results: map[string][]websearch.Result{
		"水务": {dup, dupSpaced, low},
	}}
	svc, _ := newTestService(t, fetcher)
	ctx := context.Background()

	report, err := svc.RunBatchFetch(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if report.TotalSaved != 1 || report.TotalSkipped != 2 {
		t.Fatalf("saved/skipped = %d/%d, want 1/2 (dup and low score dropped)", report.TotalSaved, report.TotalSkipped)
	}
	if !strings.HasPrefix(report.Articles[0].ID, "art-") {
		t.Fatalf("article id = %q, want art- prefix", report.Articles[0].ID)
	}

	// A second run must also skip the already-stored title.
	report, err = svc.RunBatchFetch(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if report.TotalSaved != 0 {
		t.Fatalf("second run saved = %d, want 0", report.TotalSaved)
	}
}

func TestBatchFetch_InsertFailureSkipsItem(t *testing.T) {
	fetcher := &fakeFetcher{results: map[string][]websearch.Result{
		"水务": results(3, "水务", 80),
	}}
	svc, _ := newTestService(t, fetcher)
	svc.newArticleID = func() string { return "art-fixed" } // every insert after the first collides
	ctx := context.Background()

	report, err := svc.RunBatchFetch(ctx, 10)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if report.TotalSaved != 1 || report.TotalFailed != 2 {
		t.Fatalf("saved/failed = %d/%d, want 1/2 (bad rows skipped, run continues)", report.TotalSaved, report.TotalFailed)
	}
	if report.Keywords[0].Failed != 2 {
		t.Fatalf("keyword report = %+v", report.Keywords[0])
	}
}

func TestManualSearch_EmptyKeyword(t *testing.T) {
	svc, _ := newTestService(t, &fakeFetcher{})
	_, _, err := svc.RunManualSearch(context.Background(), "  ", 5)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestBatchFetch_WalksKeywordsAndStops(t *testing.T) {
	fetcher := &fakeFetcher{results: map[string][]websearch.Result{
		"水务":   results(3, "水务", 80),
		"智慧水务": results(3, "智慧水务", 80),
		"污水处理": results(3, "污水处理", 80),
	}}
	svc, _ := newTestService(t, fetcher)
	ctx := context.Background()

	report, err := svc.RunBatchFetch(ctx, 5)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if report.TotalSaved != 5 || len(report.Articles) != 5 {
		t.Fatalf("saved = %d articles = %d, want 5/5", report.TotalSaved, len(report.Articles))
	}
	// Third keyword reached, later seeds skipped once the target was hit.
	if len(report.Keywords) != 2 {
		t.Fatalf("keyword reports = %d, want 2", len(report.Keywords))
	}

	history, _, err := svc.History(ctx, 10, 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Keyword != "批量抓取" || history[0].SearchType != "batch_fetch" {
		t.Fatalf("history = %+v", history)
	}
	if history[0].ResultsCount != 5 {
		t.Fatalf("history count = %d, want 5", history[0].ResultsCount)
	}
}

func TestBatchFetch_QuotaExhausted(t *testing.T) {
	svc, _ := newTestService(t, &fakeFetcher{})
	ctx := context.Background()
	svc.recordRun(ctx, "预热", "manual", 50, nil, nil)

	_, err := svc.RunBatchFetch(ctx, 10)
	if !errors.Is(err, ErrQuotaExhausted) {
		t.Fatalf("err = %v, want ErrQuotaExhausted", err)
	}
}

func TestQuota_DayBoundary(t *testing.T) {
	now := time.Now()
	svc, _ := newTestService(t, &fakeFetcher{}, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	svc.recordRun(ctx, "今天", "manual", 10, nil, nil)
	r := &SearchRecord{Keyword: "昨天", SearchType: "manual", ResultsCount: 40, Status: "success",
		ExecutedAt: now.AddDate(0, 0, -1).UnixMilli()}
	if err := svc.store.InsertSearchRecord(ctx, r); err != nil {
		t.Fatal(err)
	}

	used, remaining, err := svc.Quota(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if used != 10 || remaining != 40 {
		t.Fatalf("quota = %d used / %d remaining, want 10/40", used, remaining)
	}
}

func TestFilterNews_ChunksAndStores(t *testing.T) {
	ai := &fakeAI{relevant: map[string]bool{}}
	items := make([]NewsItem, 25)
	for i := range items {
		id := fmt.Sprintf("n-%d", i)
		items[i] = NewsItem{ID: id, Title: fmt.Sprintf("待筛选新闻条目%d", i)}
		ai.relevant[id] = i%2 == 0
	}
	svc, _ := newTestService(t, &fakeFetcher{}, WithAIClient(ai))
	ctx := context.Background()

	verdicts, fr, err := svc.FilterNews(ctx, items, "只保留政策类")
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if ai.rankCalls != 3 {
		t.Fatalf("rank calls = %d, want 3 (chunks of 10)", ai.rankCalls)
	}
	// Every verdict comes back, relevant or not.
	if len(verdicts) != 25 {
		t.Fatalf("verdicts = %d, want 25", len(verdicts))
	}
	if fr.InputCount != 25 || fr.KeptCount != 13 {
		t.Fatalf("stored run = %+v", fr)
	}

	got, err := svc.FilterResultByID(ctx, fr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Rule != "只保留政策类" {
		t.Fatalf("rule = %q", got.Rule)
	}
}

func TestFilterNews_Limits(t *testing.T) {
	svc, _ := newTestService(t, &fakeFetcher{})
	ctx := context.Background()

	if _, _, err := svc.FilterNews(ctx, nil, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty input: err = %v", err)
	}
	big := make([]NewsItem, maxFilterItems+1)
	for i := range big {
		big[i] = NewsItem{ID: fmt.Sprintf("n-%d", i), Title: "标题"}
	}
	if _, _, err := svc.FilterNews(ctx, big, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("oversize input: err = %v", err)
	}
}

func TestBatchFilterNews_DegradesFailedChunks(t *testing.T) {
	ai := &fakeAI{rankErr: errors.New("model timeout")}
	items := make([]NewsItem, 15)
	for i := range items {
		items[i] = NewsItem{ID: fmt.Sprintf("n-%d", i), Title: fmt.Sprintf("批量待筛选条目%d", i)}
	}
	svc, _ := newTestService(t, &fakeFetcher{}, WithAIClient(ai))

	verdicts, fr, err := svc.BatchFilterNews(context.Background(), items, "")
	if err != nil {
		t.Fatalf("batch filter: %v", err)
	}
	if len(verdicts) != 15 {
		t.Fatalf("verdicts = %d, want 15 (placeholders for failed chunks)", len(verdicts))
	}
	for _, v := range verdicts {
		if v.IsRelevant || v.Score != 0 || v.Category != "未分类" || v.Summary != "AI处理失败" {
			t.Fatalf("placeholder verdict = %+v", v)
		}
	}
	if fr.KeptCount != 0 || fr.InputCount != 15 {
		t.Fatalf("stored run = %+v", fr)
	}
}

func TestFilterNews_AIServiceError(t *testing.T) {
	ai := &fakeAI{rankErr: fmt.Errorf("%w: down", aiclient.ErrAIService)}
	svc, _ := newTestService(t, &fakeFetcher{}, WithAIClient(ai))

	_, _, err := svc.FilterNews(context.Background(), []NewsItem{{ID: "1", Title: "标题"}}, "")
	if !errors.Is(err, ErrAIService) {
		t.Fatalf("err = %v, want ErrAIService", err)
	}
}

func TestLogin(t *testing.T) {
	svc, _ := newTestService(t, &fakeFetcher{})
	ctx := context.Background()

	u, err := svc.Login(ctx, "admin", "admin123")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if u.Username != "admin" || u.Role != "admin" {
		t.Fatalf("user = %+v", u)
	}

	if _, err := svc.Login(ctx, "admin", "wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("bad password: err = %v", err)
	}
	if _, err := svc.Login(ctx, "ghost", "admin123"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("unknown user: err = %v", err)
	}
}

func TestUpdateSettings_ReschedulesDailyFetch(t *testing.T) {
	svc, _ := newTestService(t, &fakeFetcher{})
	ctx := context.Background()

	if err := svc.UpdateSettings(ctx, map[string]string{"update_time": "05:30"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := svc.Scheduler().Spec(); got != "0 30 5 * * *" {
		t.Fatalf("spec = %q, want 0 30 5 * * *", got)
	}

	if err := svc.UpdateSettings(ctx, map[string]string{"update_time": "half past"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad time: err = %v", err)
	}
}

func TestSettings_MasksAPIKey(t *testing.T) {
	svc, _ := newTestService(t, &fakeFetcher{})
	ctx := context.Background()

	if err := svc.UpdateSettings(ctx, map[string]string{"openai_api_key": "sk-verysecretkey123"}); err != nil {
		t.Fatal(err)
	}
	settings, err := svc.Settings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if settings["openai_api_key"] != "sk-v****y123" {
		t.Fatalf("masked key = %q", settings["openai_api_key"])
	}
}

func TestStats(t *testing.T) {
	fetcher := &fakeFetcher{results: map[string][]websearch.Result{
		"水务": results(2, "水务", 80),
	}}
	svc, _ := newTestService(t, fetcher)
	ctx := context.Background()

	if _, _, err := svc.RunManualSearch(ctx, "水务", 5); err != nil {
		t.Fatal(err)
	}
	st, err := svc.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalSearches != 1 || st.TotalResults != 2 {
		t.Fatalf("stats = %+v", st)
	}
	if st.DailyLimit != 50 || st.DailyUsed != 2 || st.DailyRemaining != 48 {
		t.Fatalf("quota stats = %+v", st)
	}

	// Idempotent: a second read with no intervening fetch is identical.
	again, err := svc.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if *again != *st {
		t.Fatalf("stats changed between reads: %+v vs %+v", again, st)
	}
}
