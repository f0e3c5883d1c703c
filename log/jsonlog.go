// SPDX-FileCopyrightText: Copyright (c) The go-mail Authors
//
// SPDX-License-Identifier: MIT

package log

import (
	"fmt"
	"io"
	"log/slog"
)

// JSONlog is the structured JSON logger that satisfies the Logger interface
type JSONlog struct {
	level Level
	log   *slog.Logger
}

// NewJSON returns a new JSONlog type that satisfies the Logger interface
func NewJSON(output io.Writer, level Level) *JSONlog {
	logOpts := slog.HandlerOptions{}
	switch level {
	case LevelDebug:
		logOpts.Level = slog.LevelDebug
	case LevelInfo:
		logOpts.Level = slog.LevelInfo
	case LevelWarn:
		logOpts.Level = slog.LevelWarn
	case LevelError:
		logOpts.Level = slog.LevelError
	default:
		logOpts.Level = slog.LevelDebug
	}
	logHandler := slog.NewJSONHandler(output, &logOpts)
	return &JSONlog{
		level: level,
		log:   slog.New(logHandler),
	}
}

// entry returns a slog.Logger carrying the relay label and direction group of the Log
func (l *JSONlog) entry(log Log) *slog.Logger {
	logger := l.log
	if log.Relay != "" {
		logger = logger.With(slog.String(RelayString, log.Relay))
	}
	if log.Direction == DirNone {
		return logger
	}
	return logger.WithGroup(DirString).With(
		slog.String(DirFromString, log.directionFrom()),
		slog.String(DirToString, log.directionTo()),
	)
}

// Debugf logs a debug message via the structured JSON logger
func (l *JSONlog) Debugf(log Log) {
	if l.level >= LevelDebug {
		l.entry(log).Debug(fmt.Sprintf(log.Format, log.Messages...))
	}
}

// Infof logs a info message via the structured JSON logger
func (l *JSONlog) Infof(log Log) {
	if l.level >= LevelInfo {
		l.entry(log).Info(fmt.Sprintf(log.Format, log.Messages...))
	}
}

// Warnf logs a warn message via the structured JSON logger
func (l *JSONlog) Warnf(log Log) {
	if l.level >= LevelWarn {
		l.entry(log).Warn(fmt.Sprintf(log.Format, log.Messages...))
	}
}

// Errorf logs an error message via the structured JSON logger
func (l *JSONlog) Errorf(log Log) {
	if l.level >= LevelError {
		l.entry(log).Error(fmt.Sprintf(log.Format, log.Messages...))
	}
}
