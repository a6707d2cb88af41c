// Package store persists inbound form submissions for the back office.
// Persistence is strictly best-effort: a write failure is logged and
// must never block or fail the email pipeline.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// RequestRecord mirrors one form submission.
type RequestRecord struct {
	ID          int64     `json:"id"`
	Type        string    `json:"type"`
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	Phone       string    `json:"phone,omitempty"`
	Message     string    `json:"message,omitempty"`
	EmailSent   bool      `json:"email_sent"`
	RequestDate time.Time `json:"request_date"`
}

// Store writes request records to an embedded SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type TEXT NOT NULL,
	name TEXT NOT NULL,
	email TEXT NOT NULL,
	phone TEXT,
	message TEXT,
	email_sent INTEGER NOT NULL DEFAULT 0,
	request_date TIMESTAMP NOT NULL
);
`

// Open creates or opens the request store at the given path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open request store: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize request store schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: slog.Default().With("component", "request-store"),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save inserts a request record and returns its row id.
func (s *Store) Save(ctx context.Context, rec RequestRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO requests (type, name, email, phone, message, email_sent, request_date)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Type, rec.Name, rec.Email, rec.Phone, rec.Message, rec.EmailSent, rec.RequestDate)
	if err != nil {
		return 0, fmt.Errorf("failed to save request record: %w", err)
	}
	return res.LastInsertId()
}

// MarkEmailSent flips the email_sent flag once delivery succeeded.
func (s *Store) MarkEmailSent(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE requests SET email_sent = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to update request record: %w", err)
	}
	return nil
}

// List returns the most recent records, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]RequestRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, name, email, phone, message, email_sent, request_date
		 FROM requests ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query request store: %w", err)
	}
	defer rows.Close()

	var records []RequestRecord
	for rows.Next() {
		var rec RequestRecord
		if err := rows.Scan(&rec.ID, &rec.Type, &rec.Name, &rec.Email,
			&rec.Phone, &rec.Message, &rec.EmailSent, &rec.RequestDate); err != nil {
			return nil, fmt.Errorf("failed to scan request record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
