package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/waterflow/waterflow/idgen"
)

// InsertFilterResult stores one AI filter run.
func (s *Store) InsertFilterResult(ctx context.Context, r *FilterResult) error {
	if r.ID == "" {
		r.ID = idgen.New()
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO ai_filter_results (id, rule, input_count, kept_count, items_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Rule, r.InputCount, r.KeptCount, r.ItemsJSON, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert filter result: %w", err)
	}
	return nil
}

// ListFilterResults returns stored filter runs, newest first, plus the total.
func (s *Store) ListFilterResults(ctx context.Context, limit, offset int) ([]FilterResult, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM ai_filter_results`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count filter results: %w", err)
	}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, rule, input_count, kept_count, items_json, created_at
		FROM ai_filter_results ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list filter results: %w", err)
	}
	defer rows.Close()

	var results []FilterResult
	for rows.Next() {
		var r FilterResult
		if err := rows.Scan(&r.ID, &r.Rule, &r.InputCount, &r.KeptCount, &r.ItemsJSON, &r.CreatedAt); err != nil {
			return nil, 0, err
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// GetFilterResult returns one stored filter run.
func (s *Store) GetFilterResult(ctx context.Context, id string) (*FilterResult, error) {
	var r FilterResult
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, rule, input_count, kept_count, items_json, created_at FROM ai_filter_results WHERE id = ?`, id).
		Scan(&r.ID, &r.Rule, &r.InputCount, &r.KeptCount, &r.ItemsJSON, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// DeleteFilterResult removes one stored filter run.
func (s *Store) DeleteFilterResult(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM ai_filter_results WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete filter result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
