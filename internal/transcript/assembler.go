// Package transcript assembles streamed transcription fragments from the
// remote agent into an ordered list of conversational turns.
//
// Only the last turn can be open. A fragment extends it when the roles match
// and otherwise closes it and opens a new turn. A turn-complete signal closes
// the open turn and an interruption closes an open agent turn with a marker.
package transcript

import (
	"strings"
	"sync"
)

// Role identifies the speaker of a turn.
type Role string

const (
	// Candidate is the interviewee ("user" on the wire).
	Candidate Role = "user"

	// Agent is the interviewer ("model" on the wire).
	Agent Role = "model"
)

// InterruptedSuffix is appended to an agent turn cut off by the candidate.
const InterruptedSuffix = " [Interrupted]"

// Turn is one contiguous utterance.
type Turn struct {
	Role     Role   `json:"role"`
	Text     string `json:"text"`
	Complete bool   `json:"complete"`
}

// Assembler is safe for concurrent use.
type Assembler struct {
	mu    sync.Mutex
	turns []Turn
}

// New returns an empty Assembler.
func New() *Assembler {
	return &Assembler{}
}

// Append adds a fragment for role. Empty fragments are ignored.
func (a *Assembler) Append(role Role, fragment string) {
	if fragment == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if i := a.openLocked(); i >= 0 {
		if a.turns[i].Role == role {
			a.turns[i].Text += fragment
			return
		}
		a.turns[i].Complete = true
	}
	a.turns = append(a.turns, Turn{Role: role, Text: fragment})
}

// CompleteTurn closes the open turn. It is a no-op when no turn is open.
func (a *Assembler) CompleteTurn() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i := a.openLocked(); i >= 0 {
		a.turns[i].Complete = true
	}
}

// Interrupt closes the open agent turn, if any, and marks it as interrupted.
// It reports whether a turn was closed.
func (a *Assembler) Interrupt() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.openLocked()
	if i < 0 || a.turns[i].Role != Agent {
		return false
	}
	if !strings.HasSuffix(a.turns[i].Text, InterruptedSuffix) {
		a.turns[i].Text += InterruptedSuffix
	}
	a.turns[i].Complete = true
	return true
}

// Turns returns a copy of all turns in order.
func (a *Assembler) Turns() []Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Turn(nil), a.turns...)
}

// openLocked returns the index of the open turn or -1.
func (a *Assembler) openLocked() int {
	if n := len(a.turns); n > 0 && !a.turns[n-1].Complete {
		return n - 1
	}
	return -1
}
