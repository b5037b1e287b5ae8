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

// Package log provides the structured logging facade used by every
// component of the relay broker and transport core. It wraps log/slog
// the way the rest of the ecosystem does: a small Logger interface,
// a colorized terminal handler for interactive use, and a verbosity
// filter that can be tuned at runtime without restarting a broker.
package log

import (
	"context"
	"log/slog"
	"os"
)

// Level mirrors slog.Level with names matched to the rest of the stack's
// vocabulary (Trace below Debug, Crit above Error).
type Level slog.Level

const (
	LevelTrace Level = Level(slog.LevelDebug - 4)
	LevelDebug Level = Level(slog.LevelDebug)
	LevelInfo  Level = Level(slog.LevelInfo)
	LevelWarn  Level = Level(slog.LevelWarn)
	LevelError Level = Level(slog.LevelError)
	LevelCrit  Level = Level(slog.LevelError + 4)
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelCrit:
		return "crit"
	default:
		return "unknown"
	}
}

// Logger is the interface every component depends on. Components never
// reference *slog.Logger directly so that the handler (terminal, glog,
// discard) can be swapped per process without touching call sites.
type Logger interface {
	Trace(msg string, ctx ...any)
	Debug(msg string, ctx ...any)
	Info(msg string, ctx ...any)
	Warn(msg string, ctx ...any)
	Error(msg string, ctx ...any)
	Crit(msg string, ctx ...any)

	// New returns a sub-logger with ctx merged into every future record.
	New(ctx ...any) Logger

	// Handler returns the underlying slog.Handler, for composing with
	// GlogHandler or swapping at runtime.
	Handler() slog.Handler
}

type logger struct {
	inner *slog.Logger
}

// NewLogger wraps an slog.Handler as a Logger.
func NewLogger(h slog.Handler) Logger {
	return &logger{inner: slog.New(h)}
}

func (l *logger) write(level slog.Level, msg string, ctx []any) {
	if !l.inner.Enabled(context.Background(), level) {
		return
	}
	l.inner.Log(context.Background(), level, msg, ctx...)
}

func (l *logger) Trace(msg string, ctx ...any) { l.write(slog.Level(LevelTrace), msg, ctx) }
func (l *logger) Debug(msg string, ctx ...any) { l.write(slog.Level(LevelDebug), msg, ctx) }
func (l *logger) Info(msg string, ctx ...any)  { l.write(slog.Level(LevelInfo), msg, ctx) }
func (l *logger) Warn(msg string, ctx ...any)  { l.write(slog.Level(LevelWarn), msg, ctx) }
func (l *logger) Error(msg string, ctx ...any) { l.write(slog.Level(LevelError), msg, ctx) }
func (l *logger) Crit(msg string, ctx ...any)  { l.write(slog.Level(LevelCrit), msg, ctx) }

func (l *logger) New(ctx ...any) Logger {
	return &logger{inner: slog.New(l.inner.Handler()).With(ctx...)}
}

func (l *logger) Handler() slog.Handler { return l.inner.Handler() }

var root = NewLogger(NewTerminalHandlerWithLevel(os.Stderr, LevelInfo, true))

// SetDefault replaces the package-level root logger, e.g. to point it at
// a GlogHandler with vmodule support, or to silence it in tests.
func SetDefault(l Logger) { root = l }

// Root returns the package-level default logger.
func Root() Logger { return root }

func Trace(msg string, ctx ...any) { root.Trace(msg, ctx...) }
func Debug(msg string, ctx ...any) { root.Debug(msg, ctx...) }
func Info(msg string, ctx ...any)  { root.Info(msg, ctx...) }
func Warn(msg string, ctx ...any)  { root.Warn(msg, ctx...) }
func Error(msg string, ctx ...any) { root.Error(msg, ctx...) }
func Crit(msg string, ctx ...any)  { root.Crit(msg, ctx...) }

// New returns a sub-logger of the root logger with the given context.
func New(ctx ...any) Logger { return root.New(ctx...) }

// Discard returns a Logger that drops every record, for tests that want
// components wired but silent.
func Discard() Logger {
	return NewLogger(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.Level(LevelCrit) + 100}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
