package supervisor

import (
	"sync"
	"time"
)

// DiagnosticKind classifies a diagnostic entry.
type DiagnosticKind string

// Diagnostic kinds.
const (
	DiagnosticTransition DiagnosticKind = "transition"
	DiagnosticDiscarded  DiagnosticKind = "discarded"
	DiagnosticReconnect  DiagnosticKind = "reconnect"
	DiagnosticFault      DiagnosticKind = "fault"
	DiagnosticRefused    DiagnosticKind = "refused"
)

// Diagnostic is one recorded event.
type Diagnostic struct {
	ID      int64          `json:"id"`
	At      time.Time      `json:"at"`
	Kind    DiagnosticKind `json:"kind"`
	Session string         `json:"session,omitempty"`
	Message string         `json:"message"`
}

// Ring keeps the most recent diagnostics, oldest first.
type Ring struct {
	mu       sync.RWMutex
	events   []Diagnostic
	capacity int
	nextID   int64
}

// NewRing returns a ring holding at most capacity entries.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{capacity: capacity, nextID: 1}
}

// Add records d, assigning its ID.
func (r *Ring) Add(d Diagnostic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d.ID = r.nextID
	r.nextID++
	r.events = append(r.events, d)
	if len(r.events) > r.capacity {
		r.events = append(r.events[:0], r.events[1:]...)
	}
}

// Snapshot copies the held entries.
func (r *Ring) Snapshot() []Diagnostic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Diagnostic(nil), r.events...)
}

// Since returns entries with an ID above lastID.
func (r *Ring) Since(lastID int64) []Diagnostic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Diagnostic
	for _, d := range r.events {
		if d.ID > lastID {
			out = append(out, d)
		}
	}
	return out
}

// Len returns the number of held entries.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}
