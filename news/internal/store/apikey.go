package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/waterflow/waterflow/idgen"
)

// LookupAPIKey returns the enabled key row matching the raw key value.
// ErrNotFound when the key is unknown or disabled.
func (s *Store) LookupAPIKey(ctx context.Context, key string) (*APIKey, error) {
	var k APIKey
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, api_key, name, enabled, created_at FROM api_keys WHERE api_key = ? AND enabled = 1`, key).
		Scan(&k.ID, &k.APIKey, &k.Name, &k.Enabled, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// InsertAPILog records one authenticated API request. Fire-and-forget: a
// logging failure never fails the request.
func (s *Store) InsertAPILog(ctx context.Context, apiKeyID, endpoint, method, ip string, statusCode int) {
	s.DB.ExecContext(ctx,
		`INSERT INTO api_logs (id, api_key_id, endpoint, method, status_code, ip, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		idgen.New(), apiKeyID, endpoint, method, statusCode, ip, time.Now().UnixMilli())
}

// UserByUsername returns the user with the given login name.
func (s *Store) UserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, created_at FROM users WHERE username = ?`, username).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
