// Package agent defines the contract with the remote conversational agent
// that conducts the interview.
//
// An agent provider wraps a realtime multimodal model service: it accepts a
// continuous stream of microphone audio and sampled camera frames, and returns
// synthesised speech together with transcriptions of both sides of the
// conversation. Examples include the Gemini Live API and the OpenAI Realtime
// API.
//
// The central abstraction is SessionHandle. Everything the remote side sends
// arrives on a single ordered Events channel so that consumers observe audio,
// transcript fragments, turn boundaries and interruptions in exactly the order
// the transport delivered them.
//
// All implementations must be safe for concurrent use.
package agent

import (
	"context"
	"errors"
	"time"
)

// Media MIME types exchanged with the agent.
const (
	// MIMEAudioPCM16 is 16 kHz mono signed 16-bit little-endian PCM.
	MIMEAudioPCM16 = "audio/pcm;rate=16000"

	// MIMEImageJPEG is a single JPEG-compressed camera frame.
	MIMEImageJPEG = "image/jpeg"
)

var (
	// ErrSessionClosed is returned by SendMedia after Close or after the
	// remote side ended the stream.
	ErrSessionClosed = errors.New("agent: session closed")

	// ErrUnsupportedMedia is returned by SendMedia when the provider cannot
	// accept the given MIME type.
	ErrUnsupportedMedia = errors.New("agent: unsupported media type")
)

// Media is one realtime input chunk.
type Media struct {
	// MIMEType is one of the MIME* constants.
	MIMEType string

	// Data is the raw (not base64-encoded) payload.
	Data []byte
}

// EventKind discriminates the variants of [Event].
type EventKind int

const (
	// EventAudio carries a chunk of synthesised speech in Event.Audio
	// (24 kHz mono PCM16 LE).
	EventAudio EventKind = iota + 1

	// EventInputTranscript carries a fragment of the candidate's recognised
	// speech in Event.Text.
	EventInputTranscript

	// EventOutputTranscript carries a fragment of the agent's speech in
	// Event.Text.
	EventOutputTranscript

	// EventTurnComplete marks the end of the current exchange.
	EventTurnComplete

	// EventInterrupted reports that the agent stopped speaking because the
	// candidate barged in. Already queued audio must be discarded.
	EventInterrupted
)

// String returns a short lowercase name for k.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventInputTranscript:
		return "input_transcript"
	case EventOutputTranscript:
		return "output_transcript"
	case EventTurnComplete:
		return "turn_complete"
	case EventInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Event is one message from the agent.
type Event struct {
	Kind  EventKind
	Audio []byte
	Text  string
	At    time.Time
}

// SessionConfig is the initial configuration for a new agent session.
type SessionConfig struct {
	// Voice is the prebuilt voice name used for speech output.
	Voice string

	// Instructions is the behaviour directive for the interviewer persona.
	Instructions string

	// InputTranscription requests transcription of the candidate's speech.
	InputTranscription bool

	// OutputTranscription requests transcription of the agent's speech.
	OutputTranscription bool
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// OutputSampleRate is the rate of EventAudio payloads in Hz.
	OutputSampleRate int

	// AcceptsImages reports whether SendMedia accepts MIMEImageJPEG.
	AcceptsImages bool

	// MaxSessionDuration is the provider-imposed upper bound on a session.
	// Zero means no documented limit.
	MaxSessionDuration time.Duration

	// Voices lists the prebuilt voice names.
	Voices []string
}

// SessionHandle represents an open agent stream. It is an interface so that
// test code can supply mock implementations without a live connection.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendMedia sends one realtime input chunk. It returns ErrSessionClosed
	// once the session has ended and ErrUnsupportedMedia for MIME types the
	// provider cannot handle.
	SendMedia(m Media) error

	// Events returns the channel of remote events. The channel is closed when
	// the remote side closes the stream, on a transport error, or after
	// Close. After it closes, Err reports whether the end was clean.
	Events() <-chan Event

	// Err returns the error that caused the Events channel to close, or nil if
	// the session ended cleanly.
	Err() error

	// Close terminates the session and releases all resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any realtime agent backend.
type Provider interface {
	// Connect opens a new session and blocks until the remote side has
	// acknowledged the configuration. A session returned without error is
	// ready for media.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
