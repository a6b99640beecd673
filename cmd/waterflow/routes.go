package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/waterflow/waterflow/news"
	"github.com/waterflow/waterflow/shield"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps service errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, news.ErrInvalidInput):
		code = http.StatusBadRequest
	case errors.Is(err, news.ErrUnauthorized):
		code = http.StatusUnauthorized
	case errors.Is(err, news.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, news.ErrAIService):
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// apiKeyAuth validates the x-api-key header (or api_key query parameter) and
// records the request in the API log. When required is false a missing key
// passes through; a supplied but invalid key is always rejected.
func apiKeyAuth(svc *news.Service, required bool) func(http.Handler) http.Handler {
	open := []string{"/api/health", "/api/auth/login"}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range open {
				if r.URL.Path == p {
					next.ServeHTTP(w, r)
					return
				}
			}

			key := r.Header.Get("x-api-key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key == "" {
				if required {
					writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "缺少 API Key"})
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			k, err := svc.AuthenticateAPIKey(r.Context(), key)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "无效的 API Key"})
				return
			}
			svc.LogAPIRequest(r.Context(), k.ID, r.URL.Path, r.Method, shield.ExtractIP(r), http.StatusOK)
			next.ServeHTTP(w, r)
		})
	}
}

func registerRoutes(r chi.Router, svc *news.Service) {
	r.Get("/api/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		})
	})

	r.Post("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, 400, map[string]string{"error": "请求格式错误"})
			return
		}
		u, err := svc.Login(r.Context(), req.Username, req.Password)
		if err != nil {
			writeJSON(w, 401, map[string]string{"error": "用户名或密码错误"})
			return
		}
		writeJSON(w, 200, map[string]string{"id": u.ID, "username": u.Username, "role": u.Role})
	})

	// AI search.
	r.Route("/api/ai-search", func(r chi.Router) {
		r.Get("/search", func(w http.ResponseWriter, r *http.Request) {
			keyword := strings.TrimSpace(r.URL.Query().Get("keyword"))
			if keyword == "" {
				writeJSON(w, 400, map[string]string{"error": "请提供搜索关键词"})
				return
			}
			maxCount := queryInt(r, "max_count", 0)
			results, remaining, err := svc.RunManualSearch(r.Context(), keyword, maxCount)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, map[string]any{
				"success":   true,
				"keyword":   keyword,
				"count":     len(results),
				"remaining": remaining,
				"results":   results,
			})
		})

		r.Post("/fetch", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				MaxCount int `json:"max_count"`
			}
			json.NewDecoder(r.Body).Decode(&req) // empty body means defaults
			report, err := svc.RunBatchFetch(r.Context(), req.MaxCount)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, map[string]any{
				"success":   true,
				"count":     report.TotalSaved,
				"remaining": report.Remaining,
				"results":   report.Articles,
				"keywords":  report.Keywords,
			})
		})

		r.Get("/history", func(w http.ResponseWriter, r *http.Request) {
			limit := queryInt(r, "limit", 20)
			offset := queryInt(r, "offset", 0)
			status := r.URL.Query().Get("status")
			records, total, err := svc.History(r.Context(), limit, offset, status)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, map[string]any{
				"total":   total,
				"limit":   limit,
				"offset":  offset,
				"results": records,
			})
		})

		r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
			stats, err := svc.Stats(r.Context())
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, stats)
		})
	})

	// AI filtering.
	r.Route("/api/ai-filter", func(r chi.Router) {
		filterHandler := func(batch bool) http.HandlerFunc {
			return func(w http.ResponseWriter, r *http.Request) {
				var req struct {
					Items []news.NewsItem `json:"data_items"`
					Rule  string          `json:"filter_rule"`
				}
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					writeJSON(w, 400, map[string]string{"error": "请求格式错误"})
					return
				}
				var (
					verdicts []news.Verdict
					fr       *news.FilterResult
					err      error
				)
				if batch {
					verdicts, fr, err = svc.BatchFilterNews(r.Context(), req.Items, req.Rule)
				} else {
					verdicts, fr, err = svc.FilterNews(r.Context(), req.Items, req.Rule)
				}
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, 200, map[string]any{
					"success":   true,
					"result_id": fr.ID,
					"count":     len(verdicts),
					"results":   verdicts,
				})
			}
		}
		r.Post("/filter", filterHandler(false))
		r.Post("/batch-filter", filterHandler(true))

		r.Post("/analyze", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Item news.NewsItem `json:"data_item"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSON(w, 400, map[string]string{"error": "请求格式错误"})
				return
			}
			analysis, err := svc.AnalyzeNews(r.Context(), req.Item)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, map[string]any{"success": true, "result": analysis})
		})

		r.Get("/results", func(w http.ResponseWriter, r *http.Request) {
			limit := queryInt(r, "limit", 20)
			offset := queryInt(r, "offset", 0)
			results, total, err := svc.FilterResults(r.Context(), limit, offset)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, map[string]any{"results": results, "total": total})
		})

		r.Get("/results/{id}", func(w http.ResponseWriter, r *http.Request) {
			fr, err := svc.FilterResultByID(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, fr)
		})

		r.Delete("/results/{id}", func(w http.ResponseWriter, r *http.Request) {
			if err := svc.DeleteFilterResult(r.Context(), chi.URLParam(r, "id")); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "deleted"})
		})
	})

	// Articles.
	r.Route("/api/articles", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			f := news.ArticleFilter{
				Page:       queryInt(r, "page", 1),
				PageSize:   queryInt(r, "pageSize", 20),
				CategoryID: r.URL.Query().Get("category"),
				Keyword:    strings.TrimSpace(r.URL.Query().Get("keyword")),
				Source:     r.URL.Query().Get("source"),
				ScoreMin:   queryInt(r, "aiScoreMin", 0),
				ScoreMax:   queryInt(r, "aiScoreMax", 0),
				SortBy:     r.URL.Query().Get("sortBy"),
			}
			f.Since = timeRangeStart(r.URL.Query().Get("timeRange"))
			articles, total, err := svc.Articles(r.Context(), f)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, map[string]any{
				"data":     articles,
				"total":    total,
				"page":     f.Page,
				"pageSize": f.PageSize,
			})
		})

		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			var a news.Article
			if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
				writeJSON(w, 400, map[string]string{"error": "请求格式错误"})
				return
			}
			created, err := svc.CreateArticle(r.Context(), &a)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 201, created)
		})

		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			a, err := svc.ArticleByID(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, a)
		})

		r.Put("/{id}", func(w http.ResponseWriter, r *http.Request) {
			var a news.Article
			if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
				writeJSON(w, 400, map[string]string{"error": "请求格式错误"})
				return
			}
			a.ID = chi.URLParam(r, "id")
			if err := svc.UpdateArticle(r.Context(), &a); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, a)
		})

		r.Delete("/{id}", func(w http.ResponseWriter, r *http.Request) {
			if err := svc.DeleteArticle(r.Context(), chi.URLParam(r, "id")); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "deleted"})
		})
	})

	r.Get("/api/categories", func(w http.ResponseWriter, r *http.Request) {
		cats, err := svc.Categories(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, 200, cats)
	})

	// Settings.
	r.Get("/api/settings", func(w http.ResponseWriter, r *http.Request) {
		settings, err := svc.Settings(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, 200, settings)
	})

	r.Put("/api/settings", func(w http.ResponseWriter, r *http.Request) {
		var values map[string]string
		if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
			writeJSON(w, 400, map[string]string{"error": "请求格式错误"})
			return
		}
		if err := svc.UpdateSettings(r.Context(), values); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, 200, map[string]string{"status": "updated"})
	})

	r.Get("/api/settings/{key}", func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		settings, err := svc.Settings(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		value, ok := settings[key]
		if !ok {
			writeJSON(w, 404, map[string]string{"error": "设置项不存在"})
			return
		}
		writeJSON(w, 200, map[string]string{"key": key, "value": value})
	})

	r.Put("/api/settings/{key}", func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		var req struct {
			Value string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, 400, map[string]string{"error": "请求格式错误"})
			return
		}
		if err := svc.UpdateSettings(r.Context(), map[string]string{key: req.Value}); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, 200, map[string]string{"status": "updated"})
	})
}

// timeRangeStart converts a named range into a unix-milli lower bound for
// article queries. Unknown values mean no bound.
func timeRangeStart(name string) int64 {
	now := time.Now()
	switch name {
	case "today":
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, now.Location()).UnixMilli()
	case "week":
		return now.AddDate(0, 0, -7).UnixMilli()
	case "month":
		return now.AddDate(0, -1, 0).UnixMilli()
	default:
		return 0
	}
}
