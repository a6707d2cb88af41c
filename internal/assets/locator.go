// Package assets resolves static files (brochures) across a
// prioritized list of candidate locations. The list is injected from
// configuration so deployments with different layouts, and tests, can
// swap it out.
package assets

import (
	"errors"
	"log/slog"
	"os"
)

// ErrNotFound is returned when none of the candidate paths exist.
var ErrNotFound = errors.New("assets: no candidate path exists")

// Locator finds the first existing path from an ordered candidate list.
type Locator struct {
	candidates []string
	logger     *slog.Logger
}

// NewLocator creates a locator over the given candidate paths, checked
// in order on every Resolve call.
func NewLocator(candidates []string) *Locator {
	return &Locator{
		candidates: candidates,
		logger:     slog.Default().With("component", "assets"),
	}
}

// Resolve returns the first candidate path that exists and is a
// regular file. Existence is re-checked on every call since the files
// can be replaced underneath a running server.
func (l *Locator) Resolve() (string, error) {
	for _, path := range l.candidates {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.IsDir() {
			continue
		}
		return path, nil
	}
	l.logger.Debug("no candidate path resolved", "candidates", len(l.candidates))
	return "", ErrNotFound
}

// Candidates returns the configured path list, for diagnostics.
func (l *Locator) Candidates() []string {
	out := make([]string, len(l.candidates))
	copy(out, l.candidates)
	return out
}
