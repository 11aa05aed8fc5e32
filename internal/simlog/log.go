// Package simlog builds the slog loggers of a session. Records are stamped
// with the session's virtual clock instead of the host's, so two runs of the
// same guest produce the same log.
package simlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jellevandenhooff/wasmsim/internal/prettylog"
)

// Clock is the source of record timestamps, in nanoseconds.
type Clock interface {
	Now() uint64
}

type Format string

const (
	FormatRaw      Format = "raw"
	FormatIndented Format = "indented"
	FormatPretty   Format = "pretty"
)

func ParseFormat(s string) (Format, error) {
	f := Format(s)
	if f != FormatRaw && f != FormatIndented && f != FormatPretty {
		return "", fmt.Errorf("bad log format %q", s)
	}
	return f, nil
}

// New returns a JSON logger writing to out in the given format. If clock is
// nil records keep their host timestamps.
func New(out io.Writer, level slog.Leveler, format Format, clock Clock) *slog.Logger {
	ho := slog.HandlerOptions{
		Level:     level,
		AddSource: true,
	}
	handler := slog.NewJSONHandler(Console(out, format), &ho)
	return slog.New(wrapHandler{inner: handler, clock: clock})
}

type wrapHandler struct {
	inner slog.Handler
	clock Clock
}

func (w wrapHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return w.inner.Enabled(ctx, level)
}

func (w wrapHandler) Handle(ctx context.Context, r slog.Record) error {
	if w.clock != nil {
		r.Time = time.Unix(0, int64(w.clock.Now())).UTC()
	}
	return w.inner.Handle(ctx, r)
}

func (w wrapHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return wrapHandler{
		inner: w.inner.WithAttrs(attrs),
		clock: w.clock,
	}
}

func (w wrapHandler) WithGroup(name string) slog.Handler {
	return wrapHandler{
		inner: w.inner.WithGroup(name),
		clock: w.clock,
	}
}

type indentedWriter struct {
	out io.Writer
}

func (w *indentedWriter) Write(p []byte) (n int, err error) {
	if len(p) > 0 && p[len(p)-1] == '\n' {
		var x any
		if err := json.Unmarshal(p, &x); err == nil {
			o := json.NewEncoder(w.out)
			o.SetIndent("", "  ")
			if err := o.Encode(x); err != nil {
				return 0, err
			}
			return len(p), nil
		}
	}
	return w.out.Write(p)
}

// Console wraps out to render JSON log lines in format.
func Console(out io.Writer, format Format) io.Writer {
	switch format {
	case FormatRaw, "":
		return out
	case FormatIndented:
		return &indentedWriter{
			out: out,
		}
	case FormatPretty:
		return prettylog.NewWriter(out)
	default:
		panic(format)
	}
}
