// Package store provides the data access layer for the news service.
//
// The service receives a *sql.DB opened by dbopen; every timestamp column
// holds unix milliseconds.
package store

import "database/sql"

// Store wraps the news database.
type Store struct {
	DB *sql.DB
}

// NewStore creates a Store from an already-opened database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}
