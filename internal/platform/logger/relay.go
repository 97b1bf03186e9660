package logger

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
)

// RelayLines reads worker stderr until EOF and re-emits each line on log.
func RelayLines(log *slog.Logger, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		Relay(log, sc.Bytes())
	}
}

// Relay re-emits one line written by a FormatJSON logger. The record keeps its level,
// message and attributes but takes log's time and attributes. A line that is not a
// JSON record, such as a panic trace, is logged verbatim at info.
func Relay(log *slog.Logger, line []byte) {
	var rec map[string]any
	if err := json.Unmarshal(line, &rec); err != nil {
		log.Info(string(line))
		return
	}

	msg, _ := rec[slog.MessageKey].(string)
	var level slog.Level
	if s, ok := rec[slog.LevelKey].(string); ok {
		_ = level.UnmarshalText([]byte(s))
	}
	delete(rec, slog.MessageKey)
	delete(rec, slog.LevelKey)
	delete(rec, slog.TimeKey)

	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, rec[k]))
	}
	log.LogAttrs(context.Background(), level, msg, attrs...)
}
