package transcript_test

import (
	"reflect"
	"testing"

	"github.com/MrWong99/proctorlive/internal/transcript"
)

type step struct {
	role      transcript.Role
	text      string
	complete  bool
	interrupt bool
}

func apply(a *transcript.Assembler, steps []step) {
	for _, s := range steps {
		switch {
		case s.complete:
			a.CompleteTurn()
		case s.interrupt:
			a.Interrupt()
		default:
			a.Append(s.role, s.text)
		}
	}
}

func TestAssembler(t *testing.T) {
	t.Parallel()

	const (
		user  = transcript.Candidate
		model = transcript.Agent
	)

	tests := []struct {
		name  string
		steps []step
		want  []transcript.Turn
	}{
		{
			name: "fragments merge until turn complete",
			steps: []step{
				{role: user, text: "hel"},
				{role: user, text: "lo"},
				{complete: true},
				{role: model, text: "hi"},
			},
			want: []transcript.Turn{
				{Role: user, Text: "hello", Complete: true},
				{Role: model, Text: "hi"},
			},
		},
		{
			name: "role change closes the previous turn",
			steps: []step{
				{role: model, text: "Tell me "},
				{role: user, text: "um"},
				{role: model, text: "about Go."},
			},
			want: []transcript.Turn{
				{Role: model, Text: "Tell me ", Complete: true},
				{Role: user, Text: "um", Complete: true},
				{Role: model, Text: "about Go."},
			},
		},
		{
			name: "candidate fragment never extends a turn before the agent reply",
			steps: []step{
				{role: user, text: "a"},
				{role: model, text: "b"},
				{role: user, text: "c"},
			},
			want: []transcript.Turn{
				{Role: user, Text: "a", Complete: true},
				{Role: model, Text: "b", Complete: true},
				{Role: user, Text: "c"},
			},
		},
		{
			name: "turn complete without open turn is a no-op",
			steps: []step{
				{role: model, text: "Hi."},
				{complete: true},
				{complete: true},
				{role: model, text: "Next."},
			},
			want: []transcript.Turn{
				{Role: model, Text: "Hi.", Complete: true},
				{Role: model, Text: "Next."},
			},
		},
		{
			name: "interrupt closes agent turn with suffix",
			steps: []step{
				{role: model, text: "So the next question"},
				{interrupt: true},
				{role: user, text: "sorry"},
				{role: model, text: "Go ahead."},
			},
			want: []transcript.Turn{
				{Role: model, Text: "So the next question [Interrupted]", Complete: true},
				{Role: user, Text: "sorry", Complete: true},
				{Role: model, Text: "Go ahead."},
			},
		},
		{
			name: "interrupt leaves candidate turn open",
			steps: []step{
				{role: user, text: "I think"},
				{interrupt: true},
				{role: user, text: " so"},
			},
			want: []transcript.Turn{
				{Role: user, Text: "I think so"},
			},
		},
		{
			name: "empty fragments are ignored",
			steps: []step{
				{role: user, text: ""},
				{complete: true},
			},
			want: nil,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			a := transcript.New()
			apply(a, tc.steps)
			if got := a.Turns(); !reflect.DeepEqual(got, tc.want) {
				t.Errorf("Turns() =\n  %+v\nwant\n  %+v", got, tc.want)
			}
		})
	}
}

func TestAssembler_InterruptWithoutOpenAgentTurn(t *testing.T) {
	t.Parallel()

	a := transcript.New()
	if a.Interrupt() {
		t.Error("Interrupt on empty transcript reported a closed turn")
	}

	a.Append(transcript.Agent, "done")
	a.CompleteTurn()
	if a.Interrupt() {
		t.Error("Interrupt after turn complete reported a closed turn")
	}
	if got := a.Turns()[0].Text; got != "done" {
		t.Errorf("text = %q, want unchanged", got)
	}
}

func TestAssembler_TurnsReturnsCopy(t *testing.T) {
	t.Parallel()

	a := transcript.New()
	a.Append(transcript.Candidate, "x")
	turns := a.Turns()
	turns[0].Text = "mutated"
	if a.Turns()[0].Text != "x" {
		t.Error("Turns() aliases internal storage")
	}
}
