// Package mock provides test doubles for the agent package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to script remote events and inspect the media the caller sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Push(agent.Event{Kind: agent.EventTurnComplete})
//	sess.Finish(nil) // remote side closes the stream
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/proctorlive/pkg/provider/agent"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg agent.SessionConfig
}

// Provider is a mock implementation of agent.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a fresh Session from NewSession.
	Session agent.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectHook, if set, runs before Connect returns. Tests use it to block
	// Connect and observe the connecting state.
	ConnectHook func(ctx context.Context) error

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities agent.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg agent.SessionConfig) (agent.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	hook := p.ConnectHook
	connectErr := p.ConnectErr
	sess := p.Session
	p.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}
	if connectErr != nil {
		return nil, connectErr
	}
	if sess != nil {
		return sess, nil
	}
	return NewSession(), nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() agent.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Calls returns a copy of the recorded Connect calls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

// Ensure Provider implements agent.Provider at compile time.
var _ agent.Provider = (*Provider)(nil)

// Session is a mock implementation of agent.SessionHandle.
type Session struct {
	mu sync.Mutex

	events   chan agent.Event
	finished bool
	err      error

	// SendMediaErr, if non-nil, is returned by every SendMedia call.
	SendMediaErr error

	// SendMediaCalls records a copy of every media chunk passed to SendMedia.
	SendMediaCalls []agent.Media

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	// sent is signalled after each recorded SendMedia call.
	sent chan struct{}
}

// NewSession creates a Session with a buffered events channel.
func NewSession() *Session {
	return &Session{
		events: make(chan agent.Event, 64),
		sent:   make(chan struct{}, 1024),
	}
}

// Push delivers ev to the consumer. It is a no-op after Finish or Close.
func (s *Session) Push(ev agent.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.events <- ev
}

// Finish simulates the remote side ending the stream with err (nil for a
// clean close).
func (s *Session) Finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked(err)
}

func (s *Session) finishLocked(err error) {
	if s.finished {
		return
	}
	s.finished = true
	s.err = err
	close(s.events)
}

// SendMedia records the call and returns SendMediaErr. After Finish or Close
// it returns agent.ErrSessionClosed.
func (s *Session) SendMedia(m agent.Media) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return agent.ErrSessionClosed
	}
	if s.SendMediaErr != nil {
		return s.SendMediaErr
	}
	s.SendMediaCalls = append(s.SendMediaCalls, agent.Media{
		MIMEType: m.MIMEType,
		Data:     append([]byte(nil), m.Data...),
	})
	select {
	case s.sent <- struct{}{}:
	default:
	}
	return nil
}

// Sent is signalled after each recorded SendMedia call.
func (s *Session) Sent() <-chan struct{} { return s.sent }

// Media returns a copy of the recorded media chunks with the given MIME type.
func (s *Session) Media(mimeType string) []agent.Media {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []agent.Media
	for _, m := range s.SendMediaCalls {
		if m.MIMEType == mimeType {
			out = append(out, m)
		}
	}
	return out
}

// Closes returns the number of Close calls so far.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Events returns the scripted event channel.
func (s *Session) Events() <-chan agent.Event { return s.events }

// Err returns the error passed to Finish.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close records the call and closes the event channel if still open.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.finishLocked(nil)
	return nil
}

// Ensure Session implements agent.SessionHandle at compile time.
var _ agent.SessionHandle = (*Session)(nil)
