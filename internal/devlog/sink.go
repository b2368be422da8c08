// Package devlog carries unsolicited device output (monitor lines, continuous
// search results, unexpected ingest messages) to the operator.
package devlog

import (
	"log/slog"
	"sync"
	"time"
)

// Kind classifies an entry.
type Kind string

const (
	KindMonitor    Kind = "monitor"
	KindContinuous Kind = "continuous"
	KindStatus     Kind = "status"
	KindUnexpected Kind = "unexpected"
	KindConnection Kind = "connection"
)

// Entry is one line of device output.
type Entry struct {
	Time    time.Time
	Source  string
	Kind    Kind
	Message string
}

// Sink receives device output. Implementations must be safe for concurrent
// use; the monitor, the ingest server and the arbiter all write to it.
type Sink interface {
	Emit(e Entry)
}

// Logger writes entries to a structured logger.
type Logger struct {
	log *slog.Logger
}

func NewLogger(log *slog.Logger) *Logger {
	return &Logger{log: log.With("component", "devlog")}
}

func (l *Logger) Emit(e Entry) {
	l.log.Info(e.Message, "source", e.Source, "kind", string(e.Kind))
}

// Memory keeps entries in memory, newest last. The operator API reads it back
// and tests inspect it.
type Memory struct {
	mu      sync.Mutex
	limit   int
	entries []Entry
}

// NewMemory returns a sink retaining at most limit entries; limit <= 0 keeps
// everything.
func NewMemory(limit int) *Memory {
	return &Memory{limit: limit}
}

func (m *Memory) Emit(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	if m.limit > 0 && len(m.entries) > m.limit {
		m.entries = append(m.entries[:0:0], m.entries[len(m.entries)-m.limit:]...)
	}
}

// Entries returns a copy of the retained entries.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Tee fans every entry out to all sinks.
type Tee []Sink

func (t Tee) Emit(e Entry) {
	for _, s := range t {
		s.Emit(e)
	}
}

// Emitf stamps and emits a message.
func Emitf(s Sink, kind Kind, source, msg string) {
	if s == nil {
		return
	}
	s.Emit(Entry{Time: time.Now(), Source: source, Kind: kind, Message: msg})
}
