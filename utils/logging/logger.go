package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LevelCritical sits above slog's error level for failures that stop a daemon.
const LevelCritical = slog.LevelError + 4

// ServiceLogger is a JSON slog logger that writes to stdout and to
// <dir>/<name>_<timestamp>.log.
type ServiceLogger struct {
	*slog.Logger
	level   *slog.LevelVar
	logFile *os.File
}

// New creates the log file and the tee'd handler
func New(name, dir string, level slog.Level) (*ServiceLogger, error) {
	return newLogger(name, dir, level, os.Stdout)
}

func newLogger(name, dir string, level slog.Level, console io.Writer) (*ServiceLogger, error) {
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.log", name, timestamp))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	lv := new(slog.LevelVar)
	lv.Set(level)
	h := slog.NewJSONHandler(io.MultiWriter(console, file), &slog.HandlerOptions{
		Level: lv,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if l, ok := a.Value.Any().(slog.Level); ok && l >= LevelCritical {
					a.Value = slog.StringValue("CRITICAL")
				}
			}
			return a
		},
	})
	return &ServiceLogger{
		Logger:  slog.New(h).With("service", name),
		level:   lv,
		logFile: file,
	}, nil
}

// SetLevel changes the log level
func (l *ServiceLogger) SetLevel(level slog.Level) { l.level.Set(level) }

// Path is the file the logger writes to.
func (l *ServiceLogger) Path() string {
	if l.logFile == nil {
		return ""
	}
	return l.logFile.Name()
}

// Close closes the log file
func (l *ServiceLogger) Close() error {
	if l.logFile != nil {
		return l.logFile.Close()
	}
	return nil
}

// ParseLevel maps config names (debug, info, warn, error, critical) to levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "critical":
		return LevelCritical, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}
