// Package integrity holds the append-only ledger of proctoring violations
// recorded during an interview session.
package integrity

import (
	"sync"
	"time"
)

// Kind names a class of integrity violation. The string values are the wire
// names consumed by the reporting collaborator.
type Kind string

const (
	NoFace          Kind = "NO_FACE"
	MultipleFaces   Kind = "MULTIPLE_FACES"
	LookingAway     Kind = "LOOKING_AWAY"
	TabSwitch       Kind = "TAB_SWITCH"
	BackgroundVoice Kind = "BACKGROUND_VOICE"
)

// Kinds lists every violation kind in a stable order.
var Kinds = []Kind{NoFace, MultipleFaces, LookingAway, TabSwitch, BackgroundVoice}

// Event is one recorded violation.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"type"`
}

// Log is an append-only, timestamp-ordered list of events. The zero value is
// ready to use and safe for concurrent use.
type Log struct {
	mu     sync.Mutex
	events []Event
}

// Append records ev. Events are never removed or reordered.
func (l *Log) Append(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

// Snapshot returns a copy of all events in insertion order.
func (l *Log) Snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// Len returns the number of recorded events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Counts returns the number of events per kind.
func (l *Log) Counts() map[Kind]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[Kind]int, len(Kinds))
	for _, ev := range l.events {
		out[ev.Kind]++
	}
	return out
}
