// Package logging adapts logrus, zerolog and slog to cqrs.Logger and provides
// logging decorators for command and event handlers.
package logging

import (
	"context"
	"log/slog"

	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"
	cqrs "github.com/terraskye/cqrs"
)

// ScopeField is the field holding the name of the component that logged.
const ScopeField = "scope"

var (
	_ cqrs.ScopedLogger = (*Logrus)(nil)
	_ cqrs.ScopedLogger = (*Zerolog)(nil)
	_ cqrs.ScopedLogger = (*Slog)(nil)
)

// joinScope nests name under parent.
func joinScope(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}

// Logrus writes to a logrus entry.
type Logrus struct {
	entry *logrus.Entry
	scope string
}

func NewLogrusLogger(entry *logrus.Entry) *Logrus {
	return &Logrus{entry: entry}
}

func (l *Logrus) Log(level cqrs.LogLevel, msg string, meta map[string]any) {
	entry := l.entry.WithFields(logrus.Fields(meta))
	if l.scope != "" {
		entry = entry.WithField(ScopeField, l.scope)
	}
	entry.Log(logrusLevel(level), msg)
}

func (l *Logrus) Scope(name string) cqrs.Logger {
	return &Logrus{entry: l.entry, scope: joinScope(l.scope, name)}
}

func logrusLevel(level cqrs.LogLevel) logrus.Level {
	switch level {
	case cqrs.LevelDebug:
		return logrus.DebugLevel
	case cqrs.LevelWarn:
		return logrus.WarnLevel
	case cqrs.LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Zerolog writes to a zerolog logger.
type Zerolog struct {
	logger zerolog.Logger
	scope  string
}

func NewZerologLogger(logger zerolog.Logger) *Zerolog {
	return &Zerolog{logger: logger}
}

func (l *Zerolog) Log(level cqrs.LogLevel, msg string, meta map[string]any) {
	ev := l.logger.WithLevel(zerologLevel(level))
	if l.scope != "" {
		ev = ev.Str(ScopeField, l.scope)
	}
	ev.Fields(meta).Msg(msg)
}

func (l *Zerolog) Scope(name string) cqrs.Logger {
	return &Zerolog{logger: l.logger, scope: joinScope(l.scope, name)}
}

func zerologLevel(level cqrs.LogLevel) zerolog.Level {
	switch level {
	case cqrs.LevelDebug:
		return zerolog.DebugLevel
	case cqrs.LevelWarn:
		return zerolog.WarnLevel
	case cqrs.LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Slog writes to a log/slog logger.
type Slog struct {
	logger *slog.Logger
	scope  string
}

func NewSlogLogger(logger *slog.Logger) *Slog {
	return &Slog{logger: logger}
}

func (l *Slog) Log(level cqrs.LogLevel, msg string, meta map[string]any) {
	attrs := make([]slog.Attr, 0, len(meta)+1)
	if l.scope != "" {
		attrs = append(attrs, slog.String(ScopeField, l.scope))
	}
	for k, v := range meta {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.logger.LogAttrs(context.Background(), slogLevel(level), msg, attrs...)
}

func (l *Slog) Scope(name string) cqrs.Logger {
	return &Slog{logger: l.logger, scope: joinScope(l.scope, name)}
}

func slogLevel(level cqrs.LogLevel) slog.Level {
	switch level {
	case cqrs.LevelDebug:
		return slog.LevelDebug
	case cqrs.LevelWarn:
		return slog.LevelWarn
	case cqrs.LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
