package core

import (
	"time"

	"github.com/zsiec/screenmirror/internal/loadstate"
)

// DefaultLogCapacity is the number of entries kept by the model's log.
const DefaultLogCapacity = 1000

// LogLevel classifies user-facing log entries.
type LogLevel int

const (
	LogInfo LogLevel = iota
	LogError
	LogSuccess
)

func (l LogLevel) String() string {
	switch l {
	case LogError:
		return "error"
	case LogSuccess:
		return "success"
	default:
		return "info"
	}
}

func (l LogLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// LogEntry is one line of the user-facing log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Level     LogLevel  `json:"level"`
}

// LogStore is a bounded FIFO; the oldest entry goes first when full.
type LogStore struct {
	entries  []LogEntry
	capacity int
	now      func() time.Time
}

func NewLogStore(capacity int) *LogStore {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &LogStore{
		entries:  make([]LogEntry, 0, capacity),
		capacity: capacity,
		now:      time.Now,
	}
}

func (s *LogStore) Info(msg string)    { s.push(msg, LogInfo) }
func (s *LogStore) Error(msg string)   { s.push(msg, LogError) }
func (s *LogStore) Success(msg string) { s.push(msg, LogSuccess) }

// Trace records a load outcome. A nil trace is ignored.
func (s *LogStore) Trace(t *loadstate.Trace) {
	if t == nil {
		return
	}
	if t.Success {
		s.Success(t.Message)
	} else {
		s.Error(t.Message)
	}
}

func (s *LogStore) push(msg string, level LogLevel) {
	if len(s.entries) >= s.capacity {
		copy(s.entries, s.entries[1:])
		s.entries = s.entries[:len(s.entries)-1]
	}
	s.entries = append(s.entries, LogEntry{Timestamp: s.now().UTC(), Message: msg, Level: level})
}

// Entries returns a copy, oldest first.
func (s *LogStore) Entries() []LogEntry {
	return append([]LogEntry(nil), s.entries...)
}

func (s *LogStore) Len() int { return len(s.entries) }

func (s *LogStore) Clear() {
	s.entries = s.entries[:0]
}
