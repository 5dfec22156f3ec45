package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/proctorlive/internal/config"
	"github.com/MrWong99/proctorlive/internal/gateway"
	"github.com/MrWong99/proctorlive/internal/observe"
	"github.com/MrWong99/proctorlive/internal/session"
	"github.com/MrWong99/proctorlive/pkg/provider/agent"
	"github.com/MrWong99/proctorlive/pkg/provider/vision"
)

var (
	// ErrCapacity is returned by Launch when server.max_sessions live
	// sessions already exist.
	ErrCapacity = errors.New("app: session capacity reached")

	// ErrDraining is returned by Launch once shutdown has begun.
	ErrDraining = errors.New("app: server is shutting down")
)

// SessionInfo holds metadata about a live session.
type SessionInfo struct {
	SessionID     string
	CandidateID   string
	CandidateName string
	LaunchedAt    time.Time
	State         session.State
}

type managed struct {
	sess *session.Session
	info SessionInfo
}

// SessionManager creates interview sessions for the gateway and tracks them
// until they end or their connection goes away.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu       sync.Mutex
	live     map[string]*managed
	draining bool

	// Dependencies injected at construction.
	config    func() *config.Config
	agent     agent.Provider
	agentName string
	detector  vision.Detector
	sink      session.ResultSink
	metrics   *observe.Metrics
	log       *slog.Logger
}

var _ gateway.Launcher = (*SessionManager)(nil)

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	// Config returns the configuration new sessions are built from. It is
	// called on every launch so reloaded settings apply to new sessions.
	Config func() *config.Config

	Agent     agent.Provider
	AgentName string
	Detector  vision.Detector
	Sink      session.ResultSink
	Metrics   *observe.Metrics
	Logger    *slog.Logger
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &SessionManager{
		live:      make(map[string]*managed),
		config:    cfg.Config,
		agent:     cfg.Agent,
		agentName: cfg.AgentName,
		detector:  cfg.Detector,
		sink:      cfg.Sink,
		metrics:   cfg.Metrics,
		log:       log,
	}
}

// Launch implements [gateway.Launcher]. The session is tracked until it has
// ended or ctx is done, whichever comes first.
func (sm *SessionManager) Launch(ctx context.Context, req gateway.LaunchRequest) (*session.Session, error) {
	cfg := sm.config()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.draining {
		return nil, ErrDraining
	}
	if limit := cfg.Server.MaxSessions; limit > 0 && len(sm.live) >= limit {
		return nil, fmt.Errorf("%w (%d)", ErrCapacity, limit)
	}

	sess, err := session.New(session.Config{
		CandidateID:    req.CandidateID,
		CandidateName:  req.CandidateName,
		Agent:          cfg.AgentSession(),
		Proctor:        cfg.Proctor(),
		Frames:         cfg.Frames(),
		UplinkQueue:    cfg.UplinkQueue,
		MaxDuration:    cfg.Interview.MaxDuration,
		HandoffTimeout: cfg.Storage.HandoffTimeout,
	}, session.Deps{
		Device:    req.Device,
		Agent:     sm.agent,
		AgentName: sm.agentName,
		Detector:  sm.detector,
		Output:    req.Output,
		Sink:      sm.sink,
		Observer:  req.Observer,
		Metrics:   sm.metrics,
		Logger:    sm.log,
	})
	if err != nil {
		return nil, fmt.Errorf("app: launch: %w", err)
	}

	m := &managed{
		sess: sess,
		info: SessionInfo{
			SessionID:     sess.ID(),
			CandidateID:   req.CandidateID,
			CandidateName: req.CandidateName,
			LaunchedAt:    time.Now().UTC(),
		},
	}
	sm.live[sess.ID()] = m
	go sm.track(ctx, m)

	sm.log.Info("session launched", "session_id", sess.ID(), "candidate_id", req.CandidateID, "live", len(sm.live))
	return sess, nil
}

func (sm *SessionManager) track(ctx context.Context, m *managed) {
	select {
	case <-m.sess.Done():
	case <-ctx.Done():
	}
	sm.mu.Lock()
	delete(sm.live, m.info.SessionID)
	sm.mu.Unlock()
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.live)
}

// List returns the live sessions ordered by launch time.
func (sm *SessionManager) List() []SessionInfo {
	sm.mu.Lock()
	out := make([]SessionInfo, 0, len(sm.live))
	for _, m := range sm.live {
		info := m.info
		info.State = m.sess.State()
		out = append(out, info)
	}
	sm.mu.Unlock()

	slices.SortFunc(out, func(a, b SessionInfo) int { return a.LaunchedAt.Compare(b.LaunchedAt) })
	return out
}

// Shutdown rejects new launches and ends every live session with the
// shutdown reason, waiting for their results until ctx is done.
func (sm *SessionManager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	sm.draining = true
	live := make([]*session.Session, 0, len(sm.live))
	for _, m := range sm.live {
		live = append(live, m.sess)
	}
	sm.mu.Unlock()

	sm.log.Info("ending live sessions", "count", len(live))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range live {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.End(ctx, session.ReasonShutdown); err != nil && !errors.Is(err, session.ErrNotActive) {
				mu.Lock()
				errs = append(errs, fmt.Errorf("session %s: %w", s.ID(), err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
