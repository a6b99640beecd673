// Package aiclient wraps the LLM used for scoring, filtering and generating
// news items.
//
// Credentials are read from the settings store on every call, so an API key
// saved through the admin API takes effect without a restart.
package aiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// ErrAIService marks failures of the upstream LLM after all retries.
var ErrAIService = errors.New("ai service unavailable")

// ErrNoAPIKey is returned when no API key is configured. Callers treat this
// like any other AI failure but skip the retry loop.
var ErrNoAPIKey = errors.New("openai api key not configured")

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	maxAttempts    = 3
)

// SettingsReader provides live AI credentials.
type SettingsReader interface {
	Setting(ctx context.Context, key, fallback string) (string, error)
}

// Item is one candidate news item submitted for scoring.
type Item struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
	URL     string `json:"url"`
	Source  string `json:"source"`
}

// Ranked is the model's verdict on one item.
type Ranked struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	IsRelevant bool   `json:"is_relevant"`
	Score      int    `json:"relevance_score"`
	Category   string `json:"category"`
	Summary    string `json:"summary"`
}

// Analysis is the detailed verdict on a single item.
type Analysis struct {
	Ranked
	KeyPoints []string `json:"key_points"`
}

// Client talks to an OpenAI-compatible chat endpoint via langchaingo.
type Client struct {
	settings SettingsReader
	logger   *slog.Logger

	// newModel builds the LLM from live credentials; swapped in tests.
	newModel func(key, baseURL, model string) (llms.Model, error)
	// sleep between retry attempts; swapped in tests.
	sleep func(time.Duration)
}

// New creates a Client reading credentials from settings.
func New(settings SettingsReader, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		settings: settings,
		logger:   logger,
		newModel: func(key, baseURL, model string) (llms.Model, error) {
			return openai.New(
				openai.WithToken(key),
				openai.WithBaseURL(baseURL),
				openai.WithModel(model),
			)
		},
		sleep: time.Sleep,
	}
}

// model builds an LLM handle from the current settings.
func (c *Client) model(ctx context.Context) (llms.Model, error) {
	key, err := c.settings.Setting(ctx, "openai_api_key", "")
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, ErrNoAPIKey
	}
	baseURL, err := c.settings.Setting(ctx, "openai_base_url", defaultBaseURL)
	if err != nil {
		return nil, err
	}
	model, err := c.settings.Setting(ctx, "openai_model", defaultModel)
	if err != nil {
		return nil, err
	}
	return c.newModel(key, baseURL, model)
}

// generate runs one prompt with linear-backoff retries. The final error wraps
// ErrAIService so callers can map it to a 503.
func (c *Client) generate(ctx context.Context, prompt string) (string, error) {
	llm, err := c.model(ctx)
	if err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			c.sleep(time.Duration(attempt) * time.Second)
		}
		out, err := llms.GenerateFromSinglePrompt(ctx, llm, prompt, llms.WithTemperature(0.3))
		if err == nil {
			return out, nil
		}
		lastErr = err
		c.logger.Warn("ai call failed", "attempt", attempt+1, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return "", fmt.Errorf("%w: %v", ErrAIService, lastErr)
}

// Rank scores a batch of items against the category list and an optional
// filter rule. A malformed model response degrades to placeholder verdicts
// instead of failing the batch.
func (c *Client) Rank(ctx context.Context, items []Item, categories []string, rule string) ([]Ranked, error) {
	if len(items) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString("你是水务行业新闻分析专家。请评估以下新闻条目与水务行业（供水、污水处理、智慧水务、水资源管理）的相关性。\n\n")
	if rule != "" {
		sb.WriteString("额外筛选规则：" + rule + "\n\n")
	}
	sb.WriteString("新闻条目（JSON）：\n")
	sb.Write(payload)
	sb.WriteString("\n\n要求：\n")
	sb.WriteString("1. 为每条新闻打出 0-100 的相关性分数（relevance_score），50 分以上视为相关（is_relevant=true）。\n")
	sb.WriteString("2. 从以下分类中为每条新闻选择最贴切的一个（category）：" + strings.Join(categories, "、") + "。\n")
	sb.WriteString("3. 用一两句中文改写摘要（summary）。\n")
	sb.WriteString(`4. 严格返回 JSON 数组，元素格式：{"id": "...", "title": "...", "is_relevant": true, "relevance_score": 85, "category": "...", "summary": "..."}，不要输出其他内容。`)

	out, err := c.generate(ctx, sb.String())
	if err != nil {
		return nil, err
	}

	var ranked []Ranked
	if err := json.Unmarshal([]byte(extractJSON(out)), &ranked); err != nil {
		c.logger.Warn("ai response not parseable, degrading", "error", err)
		ranked = make([]Ranked, len(items))
		for i, it := range items {
			ranked[i] = Ranked{ID: it.ID, Title: it.Title, Score: 0, Category: "未分类", Summary: it.Summary}
		}
		return ranked, nil
	}
	return ranked, nil
}

// Analyze produces a detailed verdict for a single item, including key points.
func (c *Client) Analyze(ctx context.Context, item Item) (*Analysis, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(`你是水务行业新闻分析专家。请深入分析以下新闻条目：

%s

要求：
1. 打出 0-100 的相关性分数（relevance_score），50 分以上视为相关（is_relevant=true）。
2. 给出最贴切的分类（category）。
3. 用中文写出简洁摘要（summary）。
4. 提炼 2-4 条关键要点（key_points，中文字符串数组）。
5. 严格返回一个 JSON 对象：{"id": "...", "title": "...", "is_relevant": true, "relevance_score": 85, "category": "...", "summary": "...", "key_points": ["..."]}，不要输出其他内容。`, payload)

	out, err := c.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var a Analysis
	if err := json.Unmarshal([]byte(extractJSON(out)), &a); err != nil {
		return nil, fmt.Errorf("%w: unparseable analysis: %v", ErrAIService, err)
	}
	if a.ID == "" {
		a.ID = item.ID
	}
	return &a, nil
}

// MockArticles asks the model to write five plausible articles for a keyword,
// all sourced "AI生成". When the model is unreachable or its output does not
// parse, the result is empty and the run proceeds with whatever the scrapers
// found.
func (c *Client) MockArticles(ctx context.Context, keyword string) []Item {
	prompt := fmt.Sprintf(`请围绕关键词「%s」生成 5 条贴近现实的中文水务行业新闻。
严格返回 JSON 数组，元素格式：{"title": "...", "summary": "..."}，标题不少于 10 个字，不要输出其他内容。`, keyword)

	out, err := c.generate(ctx, prompt)
	if err != nil {
		c.logger.Warn("mock article generation failed", "error", err)
		return nil
	}
	var items []Item
	if err := json.Unmarshal([]byte(extractJSON(out)), &items); err != nil {
		c.logger.Warn("mock article response unparsable", "error", err)
		return nil
	}
	if len(items) > 5 {
		items = items[:5]
	}
	for i := range items {
		items[i].Source = "AI生成"
	}
	return items
}

// extractJSON strips markdown fences and surrounding prose from a model
// response, returning the outermost JSON value.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	for _, pair := range [][2]byte{{'[', ']'}, {'{', '}'}} {
		start := strings.IndexByte(s, pair[0])
		end := strings.LastIndexByte(s, pair[1])
		if start >= 0 && end > start {
			return s[start : end+1]
		}
	}
	return s
}
