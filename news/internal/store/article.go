package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// InsertArticle stores a new article.
func (s *Store) InsertArticle(ctx context.Context, a *Article) error {
	now := time.Now().UnixMilli()
	if a.CreatedAt == 0 {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	var categoryID any
	if a.CategoryID != "" {
		categoryID = a.CategoryID
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO articles (id, title, summary, content, source, source_url, category_id, ai_score, view_count, published_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Title, a.Summary, a.Content, a.Source, a.SourceURL, categoryID,
		a.AIScore, a.ViewCount, a.PublishedAt, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert article: %w", err)
	}
	return nil
}

// ListArticles returns a page of articles matching the filter plus the total
// count of matching rows.
func (s *Store) ListArticles(ctx context.Context, f ArticleFilter) ([]*Article, int, error) {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 100 {
		f.PageSize = 20
	}

	var where []string
	var args []any
	if f.CategoryID != "" {
		where = append(where, "category_id = ?")
		args = append(args, f.CategoryID)
	}
	if f.Keyword != "" {
		where = append(where, "(title LIKE ? OR summary LIKE ?)")
		pat := "%" + f.Keyword + "%"
		args = append(args, pat, pat)
	}
	if f.Source != "" {
		where = append(where, "source = ?")
		args = append(args, f.Source)
	}
	if f.ScoreMin > 0 {
		where = append(where, "ai_score >= ?")
		args = append(args, f.ScoreMin)
	}
	if f.ScoreMax > 0 {
		where = append(where, "ai_score <= ?")
		args = append(args, f.ScoreMax)
	}
	if f.Since > 0 {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since)
	}
	if f.Until > 0 {
		where = append(where, "created_at < ?")
		args = append(args, f.Until)
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM articles"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count articles: %w", err)
	}

	order := "created_at DESC"
	switch f.SortBy {
	case "ai_score":
		order = "ai_score DESC, created_at DESC"
	case "view_count":
		order = "view_count DESC, created_at DESC"
	}

	query := `SELECT id, title, summary, content, source, source_url, COALESCE(category_id, ''), ai_score, view_count, published_at, created_at, updated_at
		FROM articles` + clause + " ORDER BY " + order + " LIMIT ? OFFSET ?"
	args = append(args, f.PageSize, (f.Page-1)*f.PageSize)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list articles: %w", err)
	}
	defer rows.Close()

	var articles []*Article
	for rows.Next() {
		var a Article
		if err := rows.Scan(&a.ID, &a.Title, &a.Summary, &a.Content, &a.Source, &a.SourceURL,
			&a.CategoryID, &a.AIScore, &a.ViewCount, &a.PublishedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan article: %w", err)
		}
		articles = append(articles, &a)
	}
	return articles, total, rows.Err()
}

// GetArticle returns one article and increments its view counter.
func (s *Store) GetArticle(ctx context.Context, id string) (*Article, error) {
	var a Article
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, title, summary, content, source, source_url, COALESCE(category_id, ''), ai_score, view_count, published_at, created_at, updated_at
		FROM articles WHERE id = ?`, id).
		Scan(&a.ID, &a.Title, &a.Summary, &a.Content, &a.Source, &a.SourceURL,
			&a.CategoryID, &a.AIScore, &a.ViewCount, &a.PublishedAt, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get article: %w", err)
	}

	// View counter is best-effort.
	s.DB.ExecContext(ctx, `UPDATE articles SET view_count = view_count + 1 WHERE id = ?`, id)
	a.ViewCount++
	return &a, nil
}

// UpdateArticle updates the editable fields of an article.
func (s *Store) UpdateArticle(ctx context.Context, a *Article) error {
	var categoryID any
	if a.CategoryID != "" {
		categoryID = a.CategoryID
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE articles SET title = ?, summary = ?, content = ?, source = ?, source_url = ?, category_id = ?, ai_score = ?, published_at = ?, updated_at = ?
		WHERE id = ?`,
		a.Title, a.Summary, a.Content, a.Source, a.SourceURL, categoryID,
		a.AIScore, a.PublishedAt, time.Now().UnixMilli(), a.ID)
	if err != nil {
		return fmt.Errorf("update article: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteArticle removes an article.
func (s *Store) DeleteArticle(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM articles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete article: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TitleExists reports whether an article with the exact title already exists.
func (s *Store) TitleExists(ctx context.Context, title string) (bool, error) {
	var count int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM articles WHERE title = ?`, title).Scan(&count)
	return count > 0, err
}
