package session

import (
	"time"

	"github.com/MrWong99/proctorlive/internal/integrity"
	"github.com/MrWong99/proctorlive/internal/transcript"
)

// Result is everything a finished session hands to the reporting side. It is
// assembled once, at teardown, and never changes afterwards.
type Result struct {
	SessionID       string            `json:"session_id"`
	CandidateID     string            `json:"candidate_id"`
	CandidateName   string            `json:"candidate_name"`
	StartedAt       time.Time         `json:"started_at"`
	EndedAt         time.Time         `json:"ended_at"`
	Duration        time.Duration     `json:"duration"`
	Transcript      []transcript.Turn `json:"transcript"`
	Snapshots       [][]byte          `json:"snapshots"`
	IntegrityEvents []integrity.Event `json:"integrity_events"`
	Violations      int               `json:"violations"`
	EndReason       EndReason         `json:"end_reason"`
}
