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
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileHandlerConfig configures rotation for a broker's persistent log
// file, independent of the terminal handler attached to stderr.
type FileHandlerConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Level      Level
}

// NewFileHandler returns a JSON handler writing to a rotated file, for
// long-running broker deployments that ship logs to a collector.
func NewFileHandler(cfg FileHandlerConfig) slog.Handler {
	w := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.Level(cfg.Level)})
}
