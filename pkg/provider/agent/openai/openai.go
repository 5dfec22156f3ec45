// Package openai implements the agent.Provider interface for OpenAI's Realtime
// API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime protocol.
// The Realtime API consumes 24 kHz PCM16, so 16 kHz microphone audio is
// resampled on send. Camera frames are not accepted by this provider.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/proctorlive/pkg/audio"
	"github.com/MrWong99/proctorlive/pkg/provider/agent"
	"github.com/coder/websocket"
)

// Compile-time assertions that Provider and session satisfy the agent interfaces.
var _ agent.Provider = (*Provider)(nil)
var _ agent.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// realtimeRate is the only PCM16 rate the Realtime API accepts and emits.
	realtimeRate = 24000

	transcriptionModel = "whisper-1"
	eventBuffer        = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithLogger sets the logger for protocol diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements agent.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	log     *slog.Logger
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() agent.Capabilities {
	return agent.Capabilities{
		OutputSampleRate:   realtimeRate,
		AcceptsImages:      false,
		MaxSessionDuration: 30 * time.Minute,
		Voices:             []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
	}
}

// Connect dials the Realtime endpoint, sends a session.update and waits for
// the matching session.updated acknowledgement.
func (p *Provider) Connect(ctx context.Context, cfg agent.SessionConfig) (agent.SessionHandle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(4 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan agent.Event, eventBuffer),
		ctx:    sessCtx,
		cancel: sessCancel,
		log:    p.log,
	}

	if err := sess.sendSessionUpdate(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	if err := sess.awaitSessionUpdated(ctx); err != nil {
		sessCancel()
		conn.Close(websocket.StatusPolicyViolation, "session update rejected")
		return nil, fmt.Errorf("openai: await session: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *inputTranscription  `json:"input_audio_transcription,omitempty"`
	TurnDetection           turnDetectionOptions `json:"turn_detection"`
}

type inputTranscription struct {
	Model string `json:"model"`
}

type turnDetectionOptions struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta /
	// conversation.item.input_audio_transcription.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

func (e *serverEvent) err() error {
	msg := "unknown error"
	if e.Error != nil && e.Error.Message != "" {
		msg = e.Error.Message
	}
	return fmt.Errorf("openai: remote error: %s", msg)
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan agent.Event
	log    *slog.Logger

	mu     sync.Mutex
	errVal error
	closed bool

	// streamedInput is set once input transcription deltas are seen, so the
	// completed event does not repeat the text.
	streamedInput bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	stopOnce  sync.Once
}

// sendSessionUpdate configures voice, instructions, audio formats, server
// side turn detection and candidate transcription.
func (s *session) sendSessionUpdate(cfg agent.SessionConfig) error {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     turnDetectionOptions{Type: "server_vad"},
	}
	if cfg.InputTranscription {
		params.InputAudioTranscription = &inputTranscription{Model: transcriptionModel}
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// awaitSessionUpdated reads until the server confirms the session.update.
// The session.created greeting that precedes it is skipped.
func (s *session) awaitSessionUpdated(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "error":
			return evt.err()
		case "session.updated":
			return nil
		}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer s.closeEvents()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			s.setErr(fmt.Errorf("openai: read: %w", err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.log.Debug("openai: skipping malformed event", "err", err)
			continue
		}

		if evt.Type == "error" {
			s.setErr(evt.err())
			return
		}
		if !s.handleServerEvent(&evt) {
			return
		}
	}
}

// handleServerEvent translates one Realtime event. It reports false once the
// session context is done.
func (s *session) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "response.audio.delta":
		// Undecodable payloads are forwarded empty so the scheduler counts
		// them as decode failures.
		audioData, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			audioData = nil
		}
		return s.emit(agent.Event{Kind: agent.EventAudio, Audio: audioData})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return true
		}
		return s.emit(agent.Event{Kind: agent.EventOutputTranscript, Text: evt.Delta})

	case "conversation.item.input_audio_transcription.delta":
		if evt.Delta == "" {
			return true
		}
		s.streamedInput = true
		return s.emit(agent.Event{Kind: agent.EventInputTranscript, Text: evt.Delta})

	case "conversation.item.input_audio_transcription.completed":
		if s.streamedInput {
			s.streamedInput = false
			return true
		}
		if evt.Transcript == "" {
			return true
		}
		return s.emit(agent.Event{Kind: agent.EventInputTranscript, Text: evt.Transcript})

	case "input_audio_buffer.speech_started":
		// The response is usually generated long before the client finishes
		// playing it, so any candidate speech may be a barge-in.
		return s.emit(agent.Event{Kind: agent.EventInterrupted})

	case "response.done":
		return s.emit(agent.Event{Kind: agent.EventTurnComplete})
	}
	return true
}

func (s *session) emit(ev agent.Event) bool {
	ev.At = time.Now()
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeEvents() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.events)
	})
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendMedia appends 16 kHz PCM16 microphone audio to the input buffer after
// resampling it to 24 kHz. Images return agent.ErrUnsupportedMedia.
func (s *session) SendMedia(m agent.Media) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return agent.ErrSessionClosed
	}

	if m.MIMEType != agent.MIMEAudioPCM16 {
		return fmt.Errorf("openai: %w: %q", agent.ErrUnsupportedMedia, m.MIMEType)
	}

	pcm := audio.ResampleMono16(m.Data, audio.CaptureSampleRate, realtimeRate)
	msg := appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	}
	if err := s.writeJSON(msg); err != nil {
		if s.ctx.Err() != nil {
			return agent.ErrSessionClosed
		}
		return fmt.Errorf("openai: send audio: %w", err)
	}
	return nil
}

// Events returns the ordered stream of remote events.
func (s *session) Events() <-chan agent.Event { return s.events }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.cancel()
		if err := s.conn.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
			s.log.Debug("openai: close", "err", err)
		}
	})
	return nil
}
