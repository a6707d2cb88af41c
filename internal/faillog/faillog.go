// Package faillog is the append-only record of messages the pipeline
// gave up on. Records exist for offline inspection and manual resend;
// nothing in the pipeline reads them back automatically.
package faillog

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/solistra/mailroom/internal/message"
)

// Record is one failed-message entry.
type Record struct {
	ID          int64     `json:"id"`
	MessageID   string    `json:"message_id"`
	Recipients  []string  `json:"recipients"`
	Subject     string    `json:"subject"`
	Attachments []string  `json:"attachments,omitempty"`
	Error       string    `json:"error"`
	Attempts    int       `json:"attempts"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Log appends failure records to an embedded SQLite database. Writes
// are serialized through a single mutex: both the immediate-failure
// path and the retry-exhaustion path go through the same writer.
type Log struct {
	db      *sql.DB
	writeMu sync.Mutex
	logger  *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS failures (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL,
	recipients TEXT NOT NULL,
	subject TEXT,
	attachments TEXT,
	error TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_failures_message_id ON failures(message_id);
`

// Open creates or opens the failure log at the given path.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create faillog directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open failure log: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize failure log schema: %w", err)
	}

	return &Log{
		db:     db,
		logger: slog.Default().With("component", "faillog"),
	}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

// RecordFailure appends a record for a message the pipeline has given
// up on (either all transports failed immediately, or the retry budget
// ran out).
func (l *Log) RecordFailure(msg *message.OutboundMessage, attempts int, cause string) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	_, err := l.db.Exec(
		`INSERT INTO failures (message_id, recipients, subject, attachments, error, attempts, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID,
		strings.Join(msg.To, ","),
		msg.Subject,
		strings.Join(msg.AttachmentFilenames(), ","),
		cause,
		attempts,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to write failure record: %w", err)
	}

	l.logger.Info("failure recorded",
		"message_id", msg.ID,
		"attempts", attempts,
	)
	return nil
}

// List returns the most recent records, newest first.
func (l *Log) List(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := l.db.Query(
		`SELECT id, message_id, recipients, subject, attachments, error, attempts, recorded_at
		 FROM failures ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query failure log: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var recipients, attachments string
		if err := rows.Scan(&rec.ID, &rec.MessageID, &recipients, &rec.Subject,
			&attachments, &rec.Error, &rec.Attempts, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan failure record: %w", err)
		}
		rec.Recipients = splitNonEmpty(recipients)
		rec.Attachments = splitNonEmpty(attachments)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
