package workspace

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Severity classifies a progress line
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityCommand Severity = "command"
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
)

// ProgressSink receives human-readable progress for a role
type ProgressSink interface {
	Log(role, message string, severity Severity)
}

// ProgressEntry is one recorded progress line
type ProgressEntry struct {
	Role      string    `json:"role"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// LogSink writes progress to a zerolog logger
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink over logger
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "progress").Logger()}
}

func (s *LogSink) Log(role, message string, severity Severity) {
	event := s.logger.Info()
	if severity == SeverityError {
		event = s.logger.Warn()
	}
	event.Str("role", role).Str("severity", string(severity)).Msg(message)
}

// SinkFunc adapts a function to ProgressSink
type SinkFunc func(role, message string, severity Severity)

func (f SinkFunc) Log(role, message string, severity Severity) { f(role, message, severity) }

// MultiSink fans out to several sinks
type MultiSink []ProgressSink

func (m MultiSink) Log(role, message string, severity Severity) {
	for _, s := range m {
		if s != nil {
			s.Log(role, message, severity)
		}
	}
}

// Recorder keeps the last entries per role in memory
type Recorder struct {
	mu      sync.RWMutex
	limit   int
	entries map[string][]ProgressEntry
}

// NewRecorder keeps up to limit entries per role
func NewRecorder(limit int) *Recorder {
	if limit <= 0 {
		limit = 100
	}
	return &Recorder{limit: limit, entries: make(map[string][]ProgressEntry)}
}

func (r *Recorder) Log(role, message string, severity Severity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := append(r.entries[role], ProgressEntry{
		Role:      role,
		Message:   message,
		Severity:  severity,
		Timestamp: time.Now(),
	})
	if len(list) > r.limit {
		list = list[len(list)-r.limit:]
	}
	r.entries[role] = list
}

// Entries returns a copy of role's entries, oldest first
func (r *Recorder) Entries(role string) []ProgressEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ProgressEntry(nil), r.entries[role]...)
}

// Messages returns just the message text of role's entries
func (r *Recorder) Messages(role string) []string {
	entries := r.Entries(role)
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}
