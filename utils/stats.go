package utils

import (
	"sort"
	"strings"
)

// ParseStats reads athletic stats typed as one "key: value" per line.
// Blank lines and lines without a colon are ignored; later keys win.
func ParseStats(text string) map[string]string {
	stats := map[string]string{}
	for _, line := range strings.Split(text, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		stats[key] = strings.TrimSpace(value)
	}
	return stats
}

// FormatStats is the inverse of ParseStats, sorted by key.
func FormatStats(stats map[string]string) string {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(stats[k])
	}
	return b.String()
}
