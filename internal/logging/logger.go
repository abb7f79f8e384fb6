package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"decoy-sentinel/internal/config"
)

type Logger struct {
	l *slog.Logger
}

func New(cfg *config.Config) *Logger {
	// log file lives next to the store
	var out io.Writer = os.Stdout
	level := slog.LevelInfo
	if cfg != nil {
		level = parseLevel(cfg.LogLevel)
		if dir := storeDir(cfg); dir != "" {
			_ = os.MkdirAll(dir, 0o755)
			f, err := os.OpenFile(filepath.Join(dir, "decoy.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err == nil {
				out = io.MultiWriter(os.Stdout, f)
			}
		}
	}
	return NewWriter(out, level)
}

// NewWriter builds a JSON logger on an arbitrary writer.
func NewWriter(w io.Writer, level slog.Level) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{AddSource: false, Level: level})
	return &Logger{l: slog.New(handler)}
}

// Nop discards everything; handy in tests.
func Nop() *Logger { return NewWriter(io.Discard, slog.LevelError+1) }

func storeDir(cfg *config.Config) string {
	switch {
	case cfg.StoreBackend == config.BackendJSON && cfg.JSONPath != "":
		return filepath.Dir(cfg.JSONPath)
	case cfg.DBPath != "":
		return filepath.Dir(cfg.DBPath)
	}
	return ""
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func (lg *Logger) With(args ...any) *Logger { return &Logger{l: lg.l.With(args...)} }

func (lg *Logger) Slog() *slog.Logger { return lg.l }

func (lg *Logger) Info(msg string, args ...any)  { lg.l.Info(msg, args...) }
func (lg *Logger) Warn(msg string, args ...any)  { lg.l.Warn(msg, args...) }
func (lg *Logger) Error(msg string, args ...any) { lg.l.Error(msg, args...) }
func (lg *Logger) Debug(msg string, args ...any) { lg.l.Debug(msg, args...) }
