package session

import (
	"github.com/MrWong99/proctorlive/internal/proctor"
	"github.com/MrWong99/proctorlive/internal/transcript"
)

// Observer receives display updates from a session. Methods may be called
// from several goroutines and must not block.
type Observer interface {
	// OnState reports every lifecycle transition.
	OnState(s State)

	// OnLevel reports the mean absolute amplitude of each microphone block.
	OnLevel(level float64)

	// OnTranscript reports the full transcript after every change.
	OnTranscript(turns []transcript.Turn)

	// OnProctor reports proctoring status changes.
	OnProctor(st proctor.Status)

	// OnResult reports the final result once teardown has finished.
	OnResult(r Result)
}

// NopObserver ignores every update.
type NopObserver struct{}

func (NopObserver) OnState(State)                  {}
func (NopObserver) OnLevel(float64)                {}
func (NopObserver) OnTranscript([]transcript.Turn) {}
func (NopObserver) OnProctor(proctor.Status)       {}
func (NopObserver) OnResult(Result)                {}

var _ Observer = NopObserver{}
