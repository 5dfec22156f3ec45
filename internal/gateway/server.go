// Package gateway connects a candidate's browser to an interview session
// over a WebSocket.
//
// The browser opens GET /v1/interview and sends a hello message naming the
// candidate and whether camera and microphone access was granted. The
// gateway then creates a [session.Session] through its [Launcher], feeds
// captured media into it and streams state, agent speech, transcript and
// proctoring updates back. The connection ends once the session's result
// has been sent.
//
// Binary frames carry capture media: a one-byte tag ([TagAudioFloat32],
// [TagAudioOpus] or [TagVideoJPEG]) followed by the payload. Everything else
// is JSON text, see [ClientMessage] and the server message types.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/proctorlive/internal/capture"
	"github.com/MrWong99/proctorlive/internal/playback"
	"github.com/MrWong99/proctorlive/internal/session"
)

// Path is the route the gateway is served on.
const Path = "/v1/interview"

// LaunchRequest describes the session a new connection needs.
type LaunchRequest struct {
	CandidateID   string
	CandidateName string
	Device        capture.Device
	Output        playback.Output
	Observer      session.Observer
}

// Launcher creates idle sessions for new connections.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (*session.Session, error)
}

// Option configures a [Server].
type Option func(*Server)

// WithOriginPatterns allows cross-origin connections from the given host
// patterns. Without it only same-origin browsers may connect.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// WithReadLimit sets the largest accepted message in bytes. Default 1 MiB.
func WithReadLimit(n int64) Option {
	return func(s *Server) { s.readLimit = n }
}

// WithHelloTimeout bounds the wait for the hello message. Default 10 s.
func WithHelloTimeout(d time.Duration) Option {
	return func(s *Server) { s.helloTimeout = d }
}

// WithWriteTimeout bounds each outgoing message. Default 5 s.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

// WithEndTimeout bounds how long a dropped connection waits for its
// session's teardown. Default 15 s.
func WithEndTimeout(d time.Duration) Option {
	return func(s *Server) { s.endTimeout = d }
}

// WithFeedOptions configures the capture feed of every connection.
func WithFeedOptions(opts ...capture.FeedOption) Option {
	return func(s *Server) { s.feedOpts = opts }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// Server is an [http.Handler] serving candidate connections.
type Server struct {
	launcher     Launcher
	origins      []string
	readLimit    int64
	helloTimeout time.Duration
	writeTimeout time.Duration
	endTimeout   time.Duration
	feedOpts     []capture.FeedOption
	log          *slog.Logger
}

// NewServer creates a gateway that launches sessions through l.
func NewServer(l Launcher, opts ...Option) *Server {
	s := &Server{
		launcher:     l,
		readLimit:    1 << 20,
		helloTimeout: 10 * time.Second,
		writeTimeout: 5 * time.Second,
		endTimeout:   15 * time.Second,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the gateway route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("GET "+Path, s)
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.log.Warn("gateway: accept", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer ws.CloseNow()
	ws.SetReadLimit(s.readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	p := newPeer(ws, s.writeTimeout, s.log)
	go p.writeLoop(ctx)

	hello, err := s.readHello(ctx, ws)
	if err != nil {
		s.log.Debug("gateway: bad hello", "remote", r.RemoteAddr, "err", err)
		p.finish(errorMessage(CodeBadRequest, err), websocket.StatusPolicyViolation)
		p.wait(s.writeTimeout)
		return
	}

	feed := capture.NewFeed(s.feedOpts...)
	defer feed.Close()

	sess, err := s.launcher.Launch(ctx, LaunchRequest{
		CandidateID:   hello.CandidateID,
		CandidateName: hello.CandidateName,
		Device:        feed,
		Output:        p,
		Observer:      p,
	})
	if err != nil {
		s.log.Warn("gateway: launch session", "candidate_id", hello.CandidateID, "err", err)
		p.finish(errorMessage(CodeUnavailable, err), websocket.StatusTryAgainLater)
		p.wait(s.writeTimeout)
		return
	}
	p.sessionID = sess.ID()
	p.clockOrigin = sess.ClockOrigin
	log := s.log.With("session_id", sess.ID(), "candidate_id", hello.CandidateID)
	log.Info("gateway: candidate connected", "remote", r.RemoteAddr)
	applyPermission(feed, hello.Permission)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.start(ctx, sess, p, log)
	}()

	s.readLoop(ctx, ws, sess, feed, &wg, log)

	// The candidate is gone or the result was sent. Releasing the feed
	// first fails a Start that is still waiting for permission.
	_ = feed.Close()
	endCtx, endCancel := context.WithTimeout(context.WithoutCancel(ctx), s.endTimeout)
	if _, err := sess.End(endCtx, session.ReasonDisconnect); err != nil && !errors.Is(err, session.ErrNotActive) {
		log.Warn("gateway: end session on disconnect", "err", err)
	}
	endCancel()
	cancel()
	wg.Wait()
	log.Info("gateway: candidate disconnected")
}

func (s *Server) readHello(ctx context.Context, ws *websocket.Conn) (ClientMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, s.helloTimeout)
	defer cancel()

	typ, data, err := ws.Read(ctx)
	if err != nil {
		return ClientMessage{}, fmt.Errorf("read hello: %w", err)
	}
	if typ != websocket.MessageText {
		return ClientMessage{}, errors.New("expected a hello text message")
	}
	var m ClientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ClientMessage{}, fmt.Errorf("decode hello: %w", err)
	}
	if m.Type != MsgHello {
		return ClientMessage{}, fmt.Errorf("expected %q, got %q", MsgHello, m.Type)
	}
	return m, nil
}

func applyPermission(feed *capture.Feed, permission string) {
	switch permission {
	case PermissionGranted:
		feed.Grant()
	case PermissionDenied:
		feed.Deny()
	}
}

// start runs the session's start sequence and closes the connection when it
// fails.
func (s *Server) start(ctx context.Context, sess *session.Session, p *peer, log *slog.Logger) {
	err := sess.Start(ctx)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrPermissionDenied):
		p.finish(errorMessage(CodePermissionDenied, err), websocket.StatusNormalClosure)
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		p.finish(nil, websocket.StatusNormalClosure)
	default:
		log.Warn("gateway: start session", "err", err)
		p.finish(errorMessage(CodeConnectFailed, err), websocket.StatusTryAgainLater)
	}
}

// readLoop dispatches client messages until the connection closes.
func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, sess *session.Session, feed *capture.Feed, wg *sync.WaitGroup, log *slog.Logger) {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				log.Debug("gateway: read", "err", err)
			}
			return
		}

		if typ == websocket.MessageBinary {
			handleMedia(feed, data, log)
			continue
		}

		var m ClientMessage
		if err := json.Unmarshal(data, &m); err != nil {
			log.Debug("gateway: undecodable message", "err", err)
			continue
		}
		switch m.Type {
		case MsgPermission:
			applyPermission(feed, m.Permission)
		case MsgVisibility:
			sess.SetHidden(m.Hidden)
		case MsgMic:
			sess.SetMicEnabled(m.Enabled)
		case MsgPlayed:
			sess.PlaybackEnded(m.ID)
		case MsgEnd:
			wg.Add(1)
			go func() {
				defer wg.Done()
				endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.endTimeout)
				defer cancel()
				if _, err := sess.End(endCtx, session.ReasonUser); err != nil && !errors.Is(err, session.ErrNotActive) {
					log.Warn("gateway: end session", "err", err)
				}
			}()
		default:
			log.Debug("gateway: unexpected message", "type", m.Type)
		}
	}
}

func handleMedia(feed *capture.Feed, data []byte, log *slog.Logger) {
	if len(data) < 2 {
		return
	}
	payload := data[1:]
	switch data[0] {
	case TagAudioFloat32:
		if err := feed.PushFloat32(payload); err != nil {
			log.Debug("gateway: audio frame", "err", err)
		}
	case TagAudioOpus:
		if err := feed.PushOpus(payload); err != nil {
			log.Debug("gateway: opus frame", "err", err)
		}
	case TagVideoJPEG:
		feed.PushFrame(payload)
	default:
		log.Debug("gateway: unknown media tag", "tag", data[0])
	}
}

func errorMessage(code string, err error) ErrorMessage {
	return ErrorMessage{Type: MsgError, Code: code, Message: err.Error()}
}
