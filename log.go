// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package mesh

import (
	"log/slog"
	"os"
)

// Component identifies a part of the controller in log records.
type Component string

const (
	ComponentChip      Component = "chip"
	ComponentProgram   Component = "program"
	ComponentMessage   Component = "message"
	ComponentInterrupt Component = "interrupt"
	ComponentDispatch  Component = "dispatch"
	ComponentReselect  Component = "reselect"
)

var (
	// DefaultLogger is used by controllers whose Config carries no logger.
	DefaultLogger *slog.Logger

	logLevel = new(slog.LevelVar)
)

func init() {
	logLevel.Set(slog.LevelWarn)
	DefaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
}

// SetLogLevel sets the minimum level of DefaultLogger.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}

func (c *Controller) logDebug(comp Component, msg string, args ...any) {
	c.logger.Debug(msg, append([]any{"component", comp}, args...)...)
}

func (c *Controller) logInfo(comp Component, msg string, args ...any) {
	c.logger.Info(msg, append([]any{"component", comp}, args...)...)
}

func (c *Controller) logWarn(comp Component, msg string, args ...any) {
	c.logger.Warn(msg, append([]any{"component", comp}, args...)...)
}
