package logging

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/forgebay/forge/internal/guardrails"
)

// fanoutHandler dispatches every record to each wrapped handler, so the same
// record reaches both the JSONL file and the human stderr renderer.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range f.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return fanoutHandler{handlers: next}
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithGroup(name)
	}
	return fanoutHandler{handlers: next}
}

// humanHandler renders a terse, coloured one-line-per-record view to a
// writer, honouring NO_COLOR/TTY via guardrails.ColorEnabled.
type humanHandler struct {
	w     io.Writer
	level slog.Level
	attrs []slog.Attr
	color bool
}

func newHumanHandler(w io.Writer, level slog.Level) *humanHandler {
	return &humanHandler{w: w, level: level, color: guardrails.ColorEnabled()}
}

func (h *humanHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *humanHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time.UTC().Format("15:04:05")
	levelStr, color := levelLabel(r.Level)
	reset := ""
	if h.color {
		reset = "\033[0m"
	} else {
		color = ""
	}

	line := fmt.Sprintf("%s%s %-5s%s %s", color, ts, levelStr, reset, r.Message)
	for _, a := range h.attrs {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
		return true
	})
	_, err := fmt.Fprintln(h.w, line)
	return err
}

func (h *humanHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &humanHandler{w: h.w, level: h.level, color: h.color}
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return next
}

func (h *humanHandler) WithGroup(_ string) slog.Handler { return h }

func levelLabel(l slog.Level) (string, string) {
	switch {
	case l >= slog.LevelError:
		return "ERROR", "\033[31m"
	case l >= slog.LevelWarn:
		return "WARN", "\033[33m"
	case l >= slog.LevelInfo:
		return "INFO", "\033[36m"
	default:
		return "DEBUG", "\033[90m"
	}
}

// compressDir tars and gzips a date-partitioned log directory in place,
// replacing it with <dir>.tar.gz.
func compressDir(dir string) error {
	out, err := os.Create(dir + ".tar.gz")
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}

	return os.RemoveAll(dir)
}
