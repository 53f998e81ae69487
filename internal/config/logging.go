package config

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// SetupLogger installs a logger writing text to stderr and JSON to logFile
// as the default. The returned function closes the file. An empty logFile,
// or one that cannot be opened, leaves only the stderr handler.
func SetupLogger(logFile string, level slog.Level) func() error {
	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})

	if logFile == "" {
		slog.SetDefault(slog.New(stderrHandler))
		return func() error { return nil }
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec // operator-chosen path
	if err != nil {
		slog.SetDefault(slog.New(stderrHandler))
		slog.Error("failed to open log file, using stderr only", "error", err, "file", logFile)
		return func() error { return nil }
	}

	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(slogmulti.Fanout(stderrHandler, fileHandler)))
	return file.Close
}

// NewLogger builds the same fanout over arbitrary writers.
func NewLogger(stderr, file io.Writer, level slog.Level) *slog.Logger {
	stderrHandler := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(stderrHandler, fileHandler))
}
