// Package logging wires forge's structured event log: one JSON record per
// line written to a date-partitioned file, plus a human-readable coloured
// rendering on stderr. It mirrors the teacher's initSlog() but adds run-id
// correlation, daily rotation and a log_timed duration decorator.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level mirrors the CLI's --log-level values mapped to slog levels.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config controls where and how forge logs.
type Config struct {
	// LogDir is the root logs/ directory, e.g. <state-root>/logs.
	LogDir string
	Level  Level
	RunID  string
	// HumanWriter receives the coloured, human-readable rendering.
	// Defaults to os.Stderr when nil.
	HumanWriter io.Writer
}

// Logger bundles the slog.Logger used for JSONL events with the rotation
// bookkeeping and a handle on the human writer.
type Logger struct {
	*slog.Logger
	cfg      Config
	fileOut  *lumberjack.Logger
}

// New builds a Logger that appends JSON records to
// <LogDir>/<YYYY-MM-DD>/run.log and renders a parallel human summary to
// cfg.HumanWriter (or stderr). Log emission is best-effort: failures to open
// or write the file never propagate to the caller, matching spec.md §4.3.
func New(cfg Config) *Logger {
	human := cfg.HumanWriter
	if human == nil {
		human = os.Stderr
	}

	day := time.Now().UTC().Format("2006-01-02")
	dir := filepath.Join(cfg.LogDir, day)
	_ = os.MkdirAll(dir, 0o755)

	fileOut := &lumberjack.Logger{
		Filename: filepath.Join(dir, "run.log"),
		MaxSize:  50, // MB, guards a single day's file from growing unbounded
	}

	writer := &bestEffortWriter{w: fileOut}
	jsonHandler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: cfg.Level.slogLevel()})
	humanHandler := newHumanHandler(human, cfg.Level.slogLevel())

	base := slog.New(fanoutHandler{handlers: []slog.Handler{jsonHandler, humanHandler}})
	if cfg.RunID != "" {
		base = base.With("run_id", cfg.RunID)
	}

	return &Logger{Logger: base, cfg: cfg, fileOut: fileOut}
}

// Close flushes the underlying rotation writer.
func (l *Logger) Close() error {
	if l.fileOut != nil {
		return l.fileOut.Close()
	}
	return nil
}

// WithContext returns a Logger whose records carry the given (tool, host,
// subsystem) command context.
func (l *Logger) WithContext(tool, host, subsystem string) *Logger {
	attrs := []any{}
	if tool != "" {
		attrs = append(attrs, "tool", tool)
	}
	if host != "" {
		attrs = append(attrs, "host", host)
	}
	if subsystem != "" {
		attrs = append(attrs, "subsystem", subsystem)
	}
	return &Logger{Logger: l.Logger.With(attrs...), cfg: l.cfg, fileOut: l.fileOut}
}

// bestEffortWriter swallows write errors so that logging can never fail an
// otherwise-successful operation.
type bestEffortWriter struct {
	w io.Writer
}

func (b *bestEffortWriter) Write(p []byte) (int, error) {
	n, err := b.w.Write(p)
	if err != nil {
		// Deliberately ignored: logging must never be fatal.
		return len(p), nil
	}
	return n, nil
}

// LogTimed runs fn, then emits an info (or error, on failure) record
// carrying duration_ms and exit_code, matching the teacher's log-wrapped
// subprocess style (cmd/sand/git_cmd.go logs the command before Run()).
func LogTimed(ctx context.Context, l *Logger, msg string, fn func() error) error {
	start := time.Now()
	err := fn()
	dur := time.Since(start).Milliseconds()
	exitCode := 0
	if err != nil {
		exitCode = 1
		l.ErrorContext(ctx, msg, "duration_ms", dur, "exit_code", exitCode, "error", err)
		return err
	}
	l.InfoContext(ctx, msg, "duration_ms", dur, "exit_code", exitCode)
	return nil
}

// MaybeRotate performs at most one rotation pass per day, guarded by a
// marker file under logDir: compresses run.log files older than 7 days and
// deletes anything older than 30.
func MaybeRotate(logDir string) error {
	today := time.Now().UTC().Format("2006-01-02")
	marker := filepath.Join(logDir, fmt.Sprintf(".rotated-%s", today))
	if _, err := os.Stat(marker); err == nil {
		return nil // already rotated today
	}

	entries, err := os.ReadDir(logDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("rotate: read log dir: %w", err)
	}

	now := time.Now().UTC()
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		t, err := time.Parse("2006-01-02", e.Name())
		if err != nil {
			continue
		}
		age := now.Sub(t)
		dirPath := filepath.Join(logDir, e.Name())
		switch {
		case age > 30*24*time.Hour:
			_ = os.RemoveAll(dirPath)
		case age > 7*24*time.Hour:
			if err := compressDir(dirPath); err != nil {
				return fmt.Errorf("rotate: compress %s: %w", dirPath, err)
			}
		}
	}

	return os.WriteFile(marker, []byte(now.Format(time.RFC3339)), 0o644)
}
