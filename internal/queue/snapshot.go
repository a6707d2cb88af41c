package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// snapshotFile is the on-disk representation of the queue.
type snapshotFile struct {
	SavedAt time.Time `json:"saved_at"`
	Items   []Item    `json:"items"`
}

// Load restores the queue from its snapshot file. A missing file is
// not an error: the queue simply starts empty. Items resume from their
// stored attempt counts and retry times.
func (q *Queue) Load() error {
	items, err := ReadSnapshot(q.cfg.SnapshotPath)
	if err != nil {
		return err
	}

	q.mu.Lock()
	for i := range items {
		item := items[i]
		q.items[item.Message.ID] = &item
	}
	depth := len(q.items)
	q.mu.Unlock()

	q.metrics.QueueDepth.Set(float64(depth))
	if depth > 0 {
		q.logger.Info("restored retry queue from snapshot",
			"path", q.cfg.SnapshotPath,
			"items", depth,
		)
	}
	return nil
}

// saveSnapshot writes the current queue contents atomically
// (temp file + rename), so a crash mid-write never corrupts the
// snapshot.
func (q *Queue) saveSnapshot() error {
	if q.cfg.SnapshotPath == "" {
		return nil
	}
	return WriteSnapshot(q.cfg.SnapshotPath, q.Items())
}

// ReadSnapshot reads a queue snapshot file. Used by the queue itself
// on startup and by the CLI for offline inspection.
func ReadSnapshot(path string) ([]Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	return snap.Items, nil
}

// WriteSnapshot writes items to a snapshot file atomically.
func WriteSnapshot(path string, items []Item) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	data, err := json.MarshalIndent(snapshotFile{
		SavedAt: time.Now().UTC(),
		Items:   items,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}
