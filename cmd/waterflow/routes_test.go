package main

// WHAT: HTTP surface smoke tests over a seeded in-memory database.
// WHY: handlers glue JSON shapes, status codes and the API key middleware
// together; these are the contracts the frontend depends on.

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	_ "modernc.org/sqlite"

	"github.com/waterflow/waterflow/dbopen"
	"github.com/waterflow/waterflow/news"
)

func newTestRouter(t *testing.T, required bool) (chi.Router, *news.Service, *sql.DB) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := news.ApplySchema(db); err != nil {
		t.Fatalf("schema: %v", err)
	}
	if err := news.SeedDefaults(db, "admin123"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO api_keys (id, api_key, name, enabled, created_at) VALUES ('k1', 'valid-key', 'test', 1, 0)`); err != nil {
		t.Fatal(err)
	}

	svc := news.New(db, nil, nil)
	r := chi.NewRouter()
	r.Use(apiKeyAuth(svc, required))
	registerRoutes(r, svc)
	return r, svc, db
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	r, _, _ := newTestRouter(t, false)
	rec := doJSON(t, r, "GET", "/api/health", nil)
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestLogin(t *testing.T) {
	r, _, _ := newTestRouter(t, false)

	rec := doJSON(t, r, "POST", "/api/auth/login", map[string]string{"username": "admin", "password": "admin123"})
	if rec.Code != 200 {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["username"] != "admin" || resp["role"] != "admin" {
		t.Fatalf("resp = %v", resp)
	}

	rec = doJSON(t, r, "POST", "/api/auth/login", map[string]string{"username": "admin", "password": "nope"})
	if rec.Code != 401 {
		t.Fatalf("bad password status = %d", rec.Code)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	r, _, _ := newTestRouter(t, true)

	// Health and login stay open.
	if rec := doJSON(t, r, "GET", "/api/health", nil); rec.Code != 200 {
		t.Fatalf("health status = %d", rec.Code)
	}

	// Missing key rejected when required.
	if rec := doJSON(t, r, "GET", "/api/categories", nil); rec.Code != 401 {
		t.Fatalf("missing key status = %d, want 401", rec.Code)
	}

	// Invalid key always rejected.
	req := httptest.NewRequest("GET", "/api/categories", nil)
	req.Header.Set("x-api-key", "wrong")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != 401 {
		t.Fatalf("invalid key status = %d, want 401", rec.Code)
	}

	// Valid key passes, also via query parameter.
	if rec := doJSON(t, r, "GET", "/api/categories?api_key=valid-key", nil); rec.Code != 200 {
		t.Fatalf("valid key status = %d, body %s", rec.Code, rec.Body)
	}
}

func TestCategoriesAndSettings(t *testing.T) {
	r, _, _ := newTestRouter(t, false)

	rec := doJSON(t, r, "GET", "/api/categories", nil)
	if rec.Code != 200 {
		t.Fatalf("categories status = %d", rec.Code)
	}
	var cats []news.Category
	json.Unmarshal(rec.Body.Bytes(), &cats)
	if len(cats) != 4 {
		t.Fatalf("categories = %d, want 4", len(cats))
	}

	rec = doJSON(t, r, "PUT", "/api/settings", map[string]string{"update_time": "06:15"})
	if rec.Code != 200 {
		t.Fatalf("settings put status = %d, body %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, r, "GET", "/api/settings", nil)
	var settings map[string]string
	json.Unmarshal(rec.Body.Bytes(), &settings)
	if settings["update_time"] != "06:15" {
		t.Fatalf("update_time = %q", settings["update_time"])
	}

	rec = doJSON(t, r, "PUT", "/api/settings", map[string]string{"update_time": "25:99"})
	if rec.Code != 400 {
		t.Fatalf("bad time status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, r, "PUT", "/api/settings/update_time", map[string]string{"value": "07:45"})
	if rec.Code != 200 {
		t.Fatalf("single put status = %d, body %s", rec.Code, rec.Body)
	}
	rec = doJSON(t, r, "GET", "/api/settings/update_time", nil)
	if rec.Code != 200 {
		t.Fatalf("single get status = %d", rec.Code)
	}
	var one map[string]string
	json.Unmarshal(rec.Body.Bytes(), &one)
	if one["value"] != "07:45" {
		t.Fatalf("value = %q", one["value"])
	}
	rec = doJSON(t, r, "GET", "/api/settings/no_such_key", nil)
	if rec.Code != 404 {
		t.Fatalf("missing key status = %d, want 404", rec.Code)
	}
}

func TestArticleCRUDAndErrors(t *testing.T) {
	r, svc, _ := newTestRouter(t, false)
	_ = svc

	rec := doJSON(t, r, "GET", "/api/articles/missing-id", nil)
	if rec.Code != 404 {
		t.Fatalf("missing article status = %d, want 404", rec.Code)
	}

	rec = doJSON(t, r, "POST", "/api/articles", map[string]any{"title": "手动添加的文章", "summary": "测试"})
	if rec.Code != 201 {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body)
	}
	var created news.Article
	json.Unmarshal(rec.Body.Bytes(), &created)
	if created.ID == "" {
		t.Fatal("created article has no id")
	}

	rec = doJSON(t, r, "POST", "/api/articles", map[string]any{"title": "  "})
	if rec.Code != 400 {
		t.Fatalf("blank title status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, r, "GET", "/api/articles?page=1&pageSize=10", nil)
	if rec.Code != 200 {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &list)
	if list.Total != 1 {
		t.Fatalf("total = %d, want 1", list.Total)
	}

	rec = doJSON(t, r, "GET", "/api/articles/"+created.ID, nil)
	if rec.Code != 200 {
		t.Fatalf("get status = %d", rec.Code)
	}
}

func TestManualSearchValidation(t *testing.T) {
	r, _, _ := newTestRouter(t, false)

	rec := doJSON(t, r, "GET", "/api/ai-search/search?keyword=", nil)
	if rec.Code != 400 {
		t.Fatalf("empty keyword status = %d, want 400", rec.Code)
	}
}

func TestManualSearchQuotaExhausted(t *testing.T) {
	r, _, db := newTestRouter(t, false)

	_, err := db.Exec(`INSERT INTO search_history (id, keyword, results_count, executed_at) VALUES ('h1', '预热', 50, ?)`,
		time.Now().UnixMilli())
	if err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, r, "GET", "/api/ai-search/search?keyword=水务", nil)
	if rec.Code != 500 {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !strings.Contains(resp["error"], "每日搜索限额已用完") {
		t.Fatalf("error = %q", resp["error"])
	}
}

func TestStatsEndpoint(t *testing.T) {
	r, _, _ := newTestRouter(t, false)

	rec := doJSON(t, r, "GET", "/api/ai-search/stats", nil)
	if rec.Code != 200 {
		t.Fatalf("stats status = %d", rec.Code)
	}
	var st map[string]int
	json.Unmarshal(rec.Body.Bytes(), &st)
	if st["daily_limit"] != 50 || st["daily_used"] != 0 || st["daily_remaining"] != 50 {
		t.Fatalf("stats = %v", st)
	}
}

func TestFilterValidation(t *testing.T) {
	r, _, _ := newTestRouter(t, false)

	rec := doJSON(t, r, "POST", "/api/ai-filter/filter", map[string]any{"data_items": []any{}})
	if rec.Code != 400 {
		t.Fatalf("empty items status = %d, want 400", rec.Code)
	}
}
