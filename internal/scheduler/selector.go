package scheduler

import (
	"context"
	"strings"
	"sync"
)

// Selector supplies buy candidates for the trading cycle, best first
type Selector interface {
	Candidates(ctx context.Context) ([]string, error)
}

// StaticWatchlist is a Selector over a fixed, editable symbol list
type StaticWatchlist struct {
	mu      sync.RWMutex
	symbols []string
}

// NewStaticWatchlist creates a watchlist. Symbols are upper-cased and
// de-duplicated, keeping the first occurrence.
func NewStaticWatchlist(symbols []string) *StaticWatchlist {
	w := &StaticWatchlist{}
	w.Set(symbols)
	return w
}

// Candidates returns a copy of the list
func (w *StaticWatchlist) Candidates(context.Context) ([]string, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]string(nil), w.symbols...), nil
}

// Set replaces the list
func (w *StaticWatchlist) Set(symbols []string) {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}

	w.mu.Lock()
	w.symbols = out
	w.mu.Unlock()
}
