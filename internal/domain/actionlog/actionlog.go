// Package actionlog records a bounded, human-readable trail of what a
// conversation session did.
package actionlog

import (
	"sync"
	"time"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 50

// Entry is a single recorded action.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
}

// Log is a fixed-size ring of entries. When full, the oldest entry is dropped.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	start   int
	size    int
	now     func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// New creates a Log holding at most capacity entries.
func New(capacity int, opts ...Option) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Log{
		entries: make([]Entry, capacity),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records an action and returns the stored entry.
func (l *Log) Append(action string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{Timestamp: l.now().UTC(), Action: action}
	capacity := len(l.entries)
	if l.size < capacity {
		l.entries[(l.start+l.size)%capacity] = entry
		l.size++
		return entry
	}
	l.entries[l.start] = entry
	l.start = (l.start + 1) % capacity
	return entry
}

// Entries returns the recorded entries, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, l.size)
	for i := 0; i < l.size; i++ {
		out[i] = l.entries[(l.start+i)%len(l.entries)]
	}
	return out
}

// Last returns the most recent entry.
func (l *Log) Last() (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.size == 0 {
		return Entry{}, false
	}
	return l.entries[(l.start+l.size-1)%len(l.entries)], true
}

// Len returns the number of stored entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Capacity returns the maximum number of stored entries.
func (l *Log) Capacity() int {
	return len(l.entries)
}

// Clear drops every entry. Clearing an empty log is a no-op.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.entries {
		l.entries[i] = Entry{}
	}
	l.start = 0
	l.size = 0
}
