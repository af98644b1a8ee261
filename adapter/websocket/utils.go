package websocket

import (
	"io"
	"log/slog"
	"strconv"
	"strings"
)

// joinKeys builds the comma separated keys parameter.
func joinKeys(keys []string) string {
	return strings.Join(keys, ",")
}

// joinFields builds the comma separated fields parameter.
func joinFields(fields []int) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = strconv.Itoa(f)
	}
	return strings.Join(parts, ",")
}

// normalizeSymbols trims and upper-cases symbols and drops empty entries.
func normalizeSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
