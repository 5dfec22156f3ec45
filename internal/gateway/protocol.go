package gateway

import (
	"github.com/MrWong99/proctorlive/internal/proctor"
	"github.com/MrWong99/proctorlive/internal/session"
	"github.com/MrWong99/proctorlive/internal/transcript"
)

// Binary frames carry a one-byte tag followed by the payload.
const (
	TagAudioFloat32 byte = 0x01
	TagVideoJPEG    byte = 0x02
	TagAudioOpus    byte = 0x03
)

// Client → server message types.
const (
	MsgHello      = "hello"
	MsgPermission = "permission"
	MsgVisibility = "visibility"
	MsgMic        = "mic"
	MsgPlayed     = "played"
	MsgEnd        = "end"
)

// Server → client message types.
const (
	MsgState      = "state"
	MsgLevel      = "level"
	MsgAudio      = "audio"
	MsgStop       = "stop"
	MsgTranscript = "transcript"
	MsgProctor    = "proctor"
	MsgResult     = "result"
	MsgError      = "error"
)

// Permission values of the hello and permission messages.
const (
	PermissionGranted = "granted"
	PermissionDenied  = "denied"
)

// Error codes of the error message.
const (
	CodeBadRequest       = "bad_request"
	CodePermissionDenied = "permission_denied"
	CodeConnectFailed    = "connect_failed"
	CodeUnavailable      = "unavailable"
)

// ClientMessage is any text message sent by the candidate's browser. Only
// the fields of the given Type are meaningful.
type ClientMessage struct {
	Type string `json:"type"`

	// hello
	CandidateID   string `json:"candidate_id,omitempty"`
	CandidateName string `json:"candidate_name,omitempty"`

	// hello, permission: "granted" or "denied". An empty permission in hello
	// means a permission message follows.
	Permission string `json:"permission,omitempty"`

	// visibility
	Hidden bool `json:"hidden,omitempty"`

	// mic
	Enabled bool `json:"enabled,omitempty"`

	// played
	ID uint64 `json:"id,omitempty"`
}

// StateMessage reports a lifecycle transition. Audio start offsets are
// relative to ClockOrigin, which the active transition carries as Unix
// milliseconds.
type StateMessage struct {
	Type        string        `json:"type"`
	State       session.State `json:"state"`
	SessionID   string        `json:"session_id"`
	ClockOrigin int64         `json:"clock_origin_ms,omitempty"`
}

type LevelMessage struct {
	Type  string  `json:"type"`
	Level float64 `json:"level"`
}

// AudioMessage schedules one buffer of agent speech.
type AudioMessage struct {
	Type       string  `json:"type"`
	ID         uint64  `json:"id"`
	Start      float64 `json:"start"` // seconds on the output clock
	SampleRate int     `json:"sample_rate"`
	Data       []byte  `json:"data"` // PCM16 LE, base64 in JSON
}

type StopMessage struct {
	Type string   `json:"type"`
	IDs  []uint64 `json:"ids"`
}

type TranscriptMessage struct {
	Type  string            `json:"type"`
	Turns []transcript.Turn `json:"turns"`
}

type ProctorMessage struct {
	Type   string         `json:"type"`
	Status proctor.Status `json:"status"`
	Alert  bool           `json:"alert"`
}

// ResultMessage carries the final result without the snapshot images.
type ResultMessage struct {
	Type          string         `json:"type"`
	Result        session.Result `json:"result"`
	SnapshotCount int            `json:"snapshot_count"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
