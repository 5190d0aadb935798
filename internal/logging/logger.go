package logging

import (
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// Init builds the process logger: JSON to stdout, plus a JSON file
// handler when logFile is non-empty. Extra attrs (worker_id, service)
// are attached to every record. The logger is also installed as the
// slog default.
func Init(level slog.Level, logFile string, attrs ...slog.Attr) *slog.Logger {
	stdout := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})

	var handler slog.Handler = stdout
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			slog.Error("failed to open log file, using stdout only", "error", err, "file", logFile)
		} else {
			fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level})
			handler = slogmulti.Fanout(stdout, fileHandler)
		}
	}

	logger := slog.New(handler)
	if len(attrs) > 0 {
		args := make([]any, 0, len(attrs))
		for _, a := range attrs {
			args = append(args, a)
		}
		logger = logger.With(args...)
	}
	slog.SetDefault(logger)
	return logger
}
