package store

import (
	"context"
	"fmt"
	"time"

	"github.com/waterflow/waterflow/idgen"
)

// InsertSearchRecord appends one search run to the history.
func (s *Store) InsertSearchRecord(ctx context.Context, r *SearchRecord) error {
	if r.ID == "" {
		r.ID = idgen.New()
	}
	if r.ExecutedAt == 0 {
		r.ExecutedAt = time.Now().UnixMilli()
	}
	if len(r.ArticlesJSON) == 0 {
		r.ArticlesJSON = []byte("[]")
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO search_history (id, keyword, search_type, results_count, articles_json, status, error_message, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Keyword, r.SearchType, r.ResultsCount, string(r.ArticlesJSON), r.Status, r.ErrorMessage, r.ExecutedAt)
	if err != nil {
		return fmt.Errorf("insert search record: %w", err)
	}
	return nil
}

// dayRange returns [start, end) unix-milli bounds of the local calendar day
// containing now.
func dayRange(now time.Time) (int64, int64) {
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return start.UnixMilli(), start.AddDate(0, 0, 1).UnixMilli()
}

// DailyResultCount sums results_count across all runs of the local calendar
// day containing now. The daily quota is charged against stored results, not
// against requests.
func (s *Store) DailyResultCount(ctx context.Context, now time.Time) (int, error) {
	start, end := dayRange(now)
	var total int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(results_count), 0) FROM search_history WHERE executed_at >= ? AND executed_at < ?`,
		start, end).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("daily result count: %w", err)
	}
	return total, nil
}

// ListSearchHistory returns a page of search history, newest first, plus the
// total number of matching rows. status filters by run status when non-empty.
func (s *Store) ListSearchHistory(ctx context.Context, limit, offset int, status string) ([]SearchRecord, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	clause := ""
	var args []any
	if status != "" {
		clause = " WHERE status = ?"
		args = append(args, status)
	}

	var total int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM search_history"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count search history: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, keyword, search_type, results_count, articles_json, status, error_message, executed_at
		FROM search_history`+clause+` ORDER BY executed_at DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list search history: %w", err)
	}
	defer rows.Close()

	var records []SearchRecord
	for rows.Next() {
		var r SearchRecord
		var articles string
		if err := rows.Scan(&r.ID, &r.Keyword, &r.SearchType, &r.ResultsCount, &articles, &r.Status, &r.ErrorMessage, &r.ExecutedAt); err != nil {
			return nil, 0, err
		}
		r.ArticlesJSON = []byte(articles)
		records = append(records, r)
	}
	return records, total, rows.Err()
}

// SearchStats aggregates search history counters, overall and for the local
// calendar day containing now.
func (s *Store) SearchStats(ctx context.Context, now time.Time) (*SearchStats, error) {
	start, end := dayRange(now)
	var st SearchStats
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(results_count), 0),
			COALESCE(SUM(CASE WHEN executed_at >= ? AND executed_at < ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN executed_at >= ? AND executed_at < ? THEN results_count ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM search_history`,
		start, end, start, end).
		Scan(&st.TotalSearches, &st.TotalResults, &st.TodaySearches, &st.TodayResults, &st.FailedCount)
	if err != nil {
		return nil, fmt.Errorf("search stats: %w", err)
	}
	return &st, nil
}
