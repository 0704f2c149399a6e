package sizing

import (
	"strings"
	"sync"
)

// RestrictedList decides whether a symbol may be bought at all
type RestrictedList interface {
	IsRestricted(symbol string) bool
}

// StaticRestrictedList is a fixed, case-insensitive symbol set
type StaticRestrictedList struct {
	mu      sync.RWMutex
	symbols map[string]struct{}
}

// NewStaticRestrictedList builds a list from symbols
func NewStaticRestrictedList(symbols []string) *StaticRestrictedList {
	l := &StaticRestrictedList{symbols: make(map[string]struct{}, len(symbols))}
	for _, s := range symbols {
		l.Add(s)
	}
	return l
}

// Add restricts a symbol
func (l *StaticRestrictedList) Add(symbol string) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.symbols[symbol] = struct{}{}
}

// IsRestricted implements RestrictedList
func (l *StaticRestrictedList) IsRestricted(symbol string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.symbols[strings.ToUpper(symbol)]
	return ok
}
