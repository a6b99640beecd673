package store

import (
	"database/sql"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/waterflow/waterflow/idgen"
)

// Schema is the complete news database schema.
const Schema = `
-- Article categories
CREATE TABLE IF NOT EXISTS categories (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT '',
    sort_order  INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL
);

-- Aggregated news articles
CREATE TABLE IF NOT EXISTS articles (
    id           TEXT PRIMARY KEY,
    title        TEXT NOT NULL,
    summary      TEXT NOT NULL DEFAULT '',
    content      TEXT NOT NULL DEFAULT '',
    source       TEXT NOT NULL DEFAULT '',
    source_url   TEXT NOT NULL DEFAULT '',
    category_id  TEXT REFERENCES categories(id) ON DELETE SET NULL,
    ai_score     INTEGER NOT NULL DEFAULT 0,
    view_count   INTEGER NOT NULL DEFAULT 0,
    published_at INTEGER,
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_articles_category ON articles(category_id);
CREATE INDEX IF NOT EXISTS idx_articles_created ON articles(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_articles_score ON articles(ai_score DESC);

-- Backend users
CREATE TABLE IF NOT EXISTS users (
    id            TEXT PRIMARY KEY,
    username      TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    role          TEXT NOT NULL DEFAULT 'admin',
    created_at    INTEGER NOT NULL
);

-- API keys for programmatic access
CREATE TABLE IF NOT EXISTS api_keys (
    id         TEXT PRIMARY KEY,
    api_key    TEXT NOT NULL UNIQUE,
    name       TEXT NOT NULL DEFAULT '',
    enabled    INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL
);

-- Per-request API access log
CREATE TABLE IF NOT EXISTS api_logs (
    id          TEXT PRIMARY KEY,
    api_key_id  TEXT,
    endpoint    TEXT NOT NULL,
    method      TEXT NOT NULL,
    status_code INTEGER NOT NULL DEFAULT 0,
    ip          TEXT NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_api_logs_time ON api_logs(created_at DESC);

-- Key/value settings (AI credentials, schedule time)
CREATE TABLE IF NOT EXISTS settings (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL
);

-- Search history: one row per search run, manual or scheduled
CREATE TABLE IF NOT EXISTS search_history (
    id            TEXT PRIMARY KEY,
    keyword       TEXT NOT NULL,
    search_type   TEXT NOT NULL DEFAULT 'manual',
    results_count INTEGER NOT NULL DEFAULT 0,
    articles_json TEXT NOT NULL DEFAULT '[]',
    status        TEXT NOT NULL DEFAULT 'success',
    error_message TEXT NOT NULL DEFAULT '',
    executed_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_search_history_time ON search_history(executed_at DESC);

-- Stored AI filter runs
CREATE TABLE IF NOT EXISTS ai_filter_results (
    id          TEXT PRIMARY KEY,
    rule        TEXT NOT NULL DEFAULT '',
    input_count INTEGER NOT NULL DEFAULT 0,
    kept_count  INTEGER NOT NULL DEFAULT 0,
    items_json  TEXT NOT NULL DEFAULT '[]',
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_filter_results_time ON ai_filter_results(created_at DESC);
`

// ApplySchema creates all tables and indexes on the given database.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// DefaultSettings are inserted on first run; existing values are preserved.
var DefaultSettings = map[string]string{
	"update_time":     "02:00",
	"openai_api_key":  "",
	"openai_base_url": "https://api.openai.com/v1",
	"openai_model":    "gpt-4o-mini",
}

// defaultCategories are the built-in article categories.
var defaultCategories = []struct{ id, name, description string }{
	{"cat-001", "水务政策", "行业政策与监管动态"},
	{"cat-002", "技术创新", "水处理与智慧水务技术"},
	{"cat-003", "市场动态", "行业市场与企业动态"},
	{"cat-004", "案例研究", "项目案例与实践经验"},
}

// Seed inserts the default categories, settings and the initial admin user.
// Idempotent: existing rows are left untouched.
func Seed(db *sql.DB, adminPassword string) error {
	now := time.Now().UnixMilli()

	for i, c := range defaultCategories {
		if _, err := db.Exec(
			`INSERT OR IGNORE INTO categories (id, name, description, sort_order, created_at) VALUES (?, ?, ?, ?, ?)`,
			c.id, c.name, c.description, i, now); err != nil {
			return err
		}
	}

	for key, value := range DefaultSettings {
		if _, err := db.Exec(
			`INSERT OR IGNORE INTO settings (key, value, updated_at) VALUES (?, ?, ?)`,
			key, value, now); err != nil {
			return err
		}
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		if _, err := db.Exec(
			`INSERT INTO users (id, username, password_hash, role, created_at) VALUES (?, 'admin', ?, 'admin', ?)`,
			idgen.New(), string(hash), now); err != nil {
			return err
		}
	}
	return nil
}
