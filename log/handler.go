// Copyright 2026 The relaymesh Authors
// This file is part of relaymesh.
//
// relaymesh is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// relaymesh is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with relaymesh. If not, see <http://www.gnu.org/licenses/>.

package log

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

var termTimeFormat = "01-02|15:04:05.000"

var levelColor = map[slog.Level]int{
	slog.Level(LevelTrace): 90, // bright black
	slog.Level(LevelDebug): 36, // cyan
	slog.Level(LevelInfo):  32, // green
	slog.Level(LevelWarn):  33, // yellow
	slog.Level(LevelError): 31, // red
	slog.Level(LevelCrit):  35, // magenta
}

func levelLabel(lvl slog.Level) string {
	switch lvl {
	case slog.Level(LevelTrace):
		return "TRACE"
	case slog.Level(LevelDebug):
		return "DEBUG"
	case slog.Level(LevelInfo):
		return "INFO "
	case slog.Level(LevelWarn):
		return "WARN "
	case slog.Level(LevelError):
		return "ERROR"
	case slog.Level(LevelCrit):
		return "CRIT "
	default:
		return lvl.String()
	}
}

// terminalHandler formats records the way an operator watching a broker's
// stderr wants to read them: a fixed-width timestamp and level, the
// message padded for alignment, then key=value pairs sorted for stable
// diffing across runs.
type terminalHandler struct {
	mu     sync.Mutex
	wr     io.Writer
	level  slog.Level
	useColor bool
	attrs  []slog.Attr
}

// NewTerminalHandlerWithLevel returns a handler suitable for interactive
// use. useColor is honored only when wr is a terminal.
func NewTerminalHandlerWithLevel(wr io.Writer, level Level, useColor bool) slog.Handler {
	if useColor {
		if f, ok := wr.(interface{ Fd() uintptr }); ok && !isatty.IsTerminal(f.Fd()) {
			useColor = false
		}
		wr = colorable.NewColorable(asFile(wr))
	}
	return &terminalHandler{wr: wr, level: slog.Level(level), useColor: useColor}
}

func asFile(w io.Writer) io.Writer {
	if f, ok := w.(interface {
		Write([]byte) (int, error)
		Fd() uintptr
	}); ok {
		return f
	}
	return w
}

func (h *terminalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *terminalHandler) Handle(_ context.Context, r slog.Record) error {
	var buf bytes.Buffer
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	label := levelLabel(r.Level)
	if h.useColor {
		fmt.Fprintf(&buf, "\x1b[%dm%s\x1b[0m[%s] %-40s", levelColor[r.Level], label, ts.Format(termTimeFormat), r.Message)
	} else {
		fmt.Fprintf(&buf, "%s[%s] %-40s", label, ts.Format(termTimeFormat), r.Message)
	}

	attrs := append([]slog.Attr{}, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})
	sort.SliceStable(attrs, func(i, j int) bool { return attrs[i].Key < attrs[j].Key })
	for _, a := range attrs {
		fmt.Fprintf(&buf, " %s=%v", a.Key, a.Value.Any())
	}
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.wr.Write(buf.Bytes())
	return err
}

func (h *terminalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := &terminalHandler{wr: h.wr, level: h.level, useColor: h.useColor}
	n.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return n
}

func (h *terminalHandler) WithGroup(_ string) slog.Handler { return h }
