package cqrs

// LogLevel is the severity passed to Logger.Log.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Logger is the optional logging sink of every component. Adapters for logrus,
// zerolog and slog live in the logging package.
type Logger interface {
	Log(level LogLevel, msg string, meta map[string]any)
}

// ScopedLogger is a Logger able to create named child loggers.
type ScopedLogger interface {
	Logger
	Scope(name string) Logger
}

type nopLogger struct{}

func (nopLogger) Log(LogLevel, string, map[string]any) {}

// ScopeLogger returns a child of l named scope, l itself if it cannot scope,
// and a no-op logger for nil.
func ScopeLogger(l Logger, scope string) Logger {
	if l == nil {
		return nopLogger{}
	}
	if s, ok := l.(ScopedLogger); ok {
		return s.Scope(scope)
	}
	return l
}
