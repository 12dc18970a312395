package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tessera/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New writing to w.
func NewWithWriter(w io.Writer, level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Setup configures global logging. With file output enabled every line also
// goes to a daily file in the log directory and tessera-current.log points
// at it.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	level := ParseLevel(cfg.Logging.Level)

	writers := []io.Writer{os.Stderr}
	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("tessera-%s.log", time.Now().Format("2006-01-02")))
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, file)

		currentLogPath := filepath.Join(cfg.Logging.LogDir, "tessera-current.log")
		_ = os.Remove(currentLogPath)
		// Not critical: the dated file is still written.
		_ = os.Symlink(filepath.Base(logFile), currentLogPath)
	}
	out := io.MultiWriter(writers...)

	var logger *slog.Logger
	if strings.ToLower(cfg.Logging.Format) == "json" {
		logger = slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
	} else {
		logger = slog.New(NewTraditionalHandler(out, level))
	}
	slog.SetDefault(logger)

	logger.Debug("tessera logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)
	return logger, nil
}

// TraditionalHandler implements slog.Handler with "[LEVEL] message [k=v ...]" lines.
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []string
	group  string
}

// NewTraditionalHandler writes timestamped lines to w.
func NewTraditionalHandler(w io.Writer, level slog.Level) *TraditionalHandler {
	return &TraditionalHandler{logger: log.New(w, "", log.LstdFlags), level: level}
}

func (h *TraditionalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(_ context.Context, r slog.Record) error {
	msg := r.Message
	attrs := append(make([]string, 0, len(h.attrs)+r.NumAttrs()), h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, h.format(a))
		return true
	})
	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}
	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) format(a slog.Attr) string {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	return fmt.Sprintf("%s=%v", key, a.Value)
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]string(nil), h.attrs...)
	for _, a := range attrs {
		next.attrs = append(next.attrs, h.format(a))
	}
	return &next
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	next := *h
	if next.group != "" {
		name = next.group + "." + name
	}
	next.group = name
	return &next
}

// ParseLevel maps a level name to a slog level. Unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogRunStart logs the beginning of a stitch run.
func LogRunStart(logger *slog.Logger, kind, runID, manifest string, options map[string]any) {
	logger.Info("run started",
		"type", kind,
		"id", runID,
		"manifest", manifest,
		"options", options,
	)
}

// LogRunComplete logs successful run completion.
func LogRunComplete(logger *slog.Logger, kind, runID string, duration time.Duration, resultInfo map[string]any) {
	logger.Info("run completed successfully",
		"type", kind,
		"id", runID,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
		"result", resultInfo,
	)
}

// LogRunError logs run failures.
func LogRunError(logger *slog.Logger, kind, runID string, duration time.Duration, err error, context map[string]any) {
	logger.Error("run failed",
		"type", kind,
		"id", runID,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
		"context", context,
	)
}
