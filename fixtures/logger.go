package fixtures

import (
	"sync"

	cqrs "github.com/terraskye/cqrs"
)

// LogEntry is a message captured by LoggerSpy.
type LogEntry struct {
	Level cqrs.LogLevel
	Msg   string
	Meta  map[string]any
}

// LoggerSpy records log messages.
type LoggerSpy struct {
	mu      sync.Mutex
	Entries []LogEntry
}

func (l *LoggerSpy) Log(level cqrs.LogLevel, msg string, meta map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Entries = append(l.Entries, LogEntry{Level: level, Msg: msg, Meta: meta})
}

// Find returns the first entry with msg.
func (l *LoggerSpy) Find(msg string) (LogEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.Entries {
		if e.Msg == msg {
			return e, true
		}
	}
	return LogEntry{}, false
}
