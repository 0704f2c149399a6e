package utils

import "strings"

// ParseCSV splits a comma-separated string and returns trimmed non-empty
// values. Returns nil for empty or whitespace-only input.
func ParseCSV(s string) []string {
	if s == "" {
		return nil
	}

	var result []string
	for _, v := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// ParseSymbols parses a comma-separated symbol list, upper-casing each
// symbol and dropping duplicates while keeping the first occurrence order.
func ParseSymbols(s string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, v := range ParseCSV(s) {
		sym := strings.ToUpper(v)
		if seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, sym)
	}
	return out
}
