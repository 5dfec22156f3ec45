// Package session runs one live proctored interview.
//
// A [Session] owns everything an interview needs for its lifetime: the
// candidate's capture device, the remote agent stream, the frame router and
// fusion engine that watch the camera and microphone, the downlink playback
// scheduler and the transcript. It moves through idle, connecting, active
// and ended exactly once. Ending is idempotent and may be triggered
// concurrently by the candidate, the remote agent, a deadline or shutdown;
// every resource is released exactly once and the final [Result] is handed
// to the configured [ResultSink].
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/proctorlive/internal/capture"
	"github.com/MrWong99/proctorlive/internal/frames"
	"github.com/MrWong99/proctorlive/internal/integrity"
	"github.com/MrWong99/proctorlive/internal/observe"
	"github.com/MrWong99/proctorlive/internal/playback"
	"github.com/MrWong99/proctorlive/internal/proctor"
	"github.com/MrWong99/proctorlive/internal/transcript"
	"github.com/MrWong99/proctorlive/pkg/audio"
	"github.com/MrWong99/proctorlive/pkg/provider/agent"
	"github.com/MrWong99/proctorlive/pkg/provider/vision"
)

var (
	// ErrPermissionDenied is returned by Start when the candidate refused
	// microphone or camera access. The session stays idle.
	ErrPermissionDenied = errors.New("session: permission denied")

	// ErrAlreadyStarted is returned by Start on a session that is not idle.
	ErrAlreadyStarted = errors.New("session: already started")

	// ErrNotActive is returned by End on a session that never became active.
	ErrNotActive = errors.New("session: not active")
)

// ResultSink receives the result of every ended session.
type ResultSink interface {
	Deliver(ctx context.Context, r Result) error
}

// Config holds per-session settings.
type Config struct {
	// CandidateID and CandidateName identify the interviewee.
	CandidateID   string
	CandidateName string

	// Agent is sent to the remote agent on connect.
	Agent agent.SessionConfig

	// Proctor holds the fusion thresholds.
	Proctor proctor.Config

	// Frames controls detection cadence and frame forwarding.
	Frames frames.Config

	// UplinkQueue is the number of media chunks buffered for the agent
	// before new ones are dropped. Default 64.
	UplinkQueue int

	// MaxDuration ends the session with [ReasonTimeout]. The provider's own
	// limit applies when it is shorter. Zero means no configured limit.
	MaxDuration time.Duration

	// HandoffTimeout bounds result delivery. Default 10 s.
	HandoffTimeout time.Duration
}

// Deps are the collaborators of a session. Device, Agent, Detector and
// Output are required.
type Deps struct {
	Device    capture.Device
	Agent     agent.Provider
	AgentName string
	Detector  vision.Detector
	Output    playback.Output

	// Clock is the output clock. Default: a wall clock started when the
	// session becomes active.
	Clock playback.Clock

	Sink     ResultSink
	Observer Observer
	Metrics  *observe.Metrics
	Logger   *slog.Logger
}

// Session is safe for concurrent use.
type Session struct {
	id   string
	cfg  Config
	deps Deps
	log  *slog.Logger

	mu            sync.Mutex
	state         State
	micOn         bool
	connectCancel context.CancelFunc
	aborted       bool
	startedAt     time.Time
	endedAt       time.Time
	reason        EndReason

	// Set on activation and never changed afterwards.
	clock  playback.Clock
	stream capture.Stream
	handle agent.SessionHandle
	engine *proctor.Engine
	router *frames.Router
	sched  *playback.Scheduler
	turns  *transcript.Assembler
	ledger *integrity.Log
	uplink chan agent.Media
	cancel context.CancelFunc
	group  *errgroup.Group

	unsupportedOnce sync.Once
	endOnce         sync.Once
	done            chan struct{}
	result          Result
}

// New creates an idle session with a fresh random ID.
func New(cfg Config, deps Deps) (*Session, error) {
	var errs []error
	if deps.Device == nil {
		errs = append(errs, errors.New("capture device is required"))
	}
	if deps.Agent == nil {
		errs = append(errs, errors.New("agent provider is required"))
	}
	if deps.Detector == nil {
		errs = append(errs, errors.New("vision detector is required"))
	}
	if deps.Output == nil {
		errs = append(errs, errors.New("playback output is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("session: new: %w", err)
	}

	if cfg.UplinkQueue <= 0 {
		cfg.UplinkQueue = 64
	}
	if cfg.HandoffTimeout <= 0 {
		cfg.HandoffTimeout = 10 * time.Second
	}
	if deps.Observer == nil {
		deps.Observer = NopObserver{}
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.AgentName == "" {
		deps.AgentName = "agent"
	}

	id := uuid.NewString()
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("session_id", id)

	return &Session{
		id:    id,
		cfg:   cfg,
		deps:  deps,
		log:   log,
		micOn: true,
		done:  make(chan struct{}),
	}, nil
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once an active session has ended and its result is final.
func (s *Session) Done() <-chan struct{} { return s.done }

// ── Lifecycle ──────────────────────────────────────────────────────────────────

// Start acquires the capture device, connects the remote agent and, once the
// agent acknowledges the stream, makes the session active. Any failure
// releases what was acquired and returns the session to idle; nothing is
// retried.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.connectCancel = cancel
	s.state = StateConnecting
	s.mu.Unlock()
	s.deps.Observer.OnState(StateConnecting)

	ctx, span := observe.StartSessionSpan(ctx, "session.start", s.id)
	defer span.End()

	stream, err := s.deps.Device.Open(ctx)
	if err != nil {
		s.toIdle()
		if errors.Is(err, capture.ErrPermissionDenied) {
			s.log.Info("session: capture permission denied")
			return ErrPermissionDenied
		}
		return fmt.Errorf("session: open capture: %w", err)
	}

	began := time.Now()
	handle, err := s.deps.Agent.Connect(ctx, s.cfg.Agent)
	if err != nil {
		if cerr := stream.Close(); cerr != nil {
			s.log.Warn("session: release capture after failed connect", "err", cerr)
		}
		s.toIdle()
		s.deps.Metrics.RecordAgentError(ctx, s.deps.AgentName, "connect")
		return fmt.Errorf("session: connect agent: %w", err)
	}
	s.deps.Metrics.AgentConnectDuration.Record(ctx, time.Since(began).Seconds())

	return s.activate(ctx, stream, handle)
}

func (s *Session) toIdle() {
	s.mu.Lock()
	s.state = StateIdle
	s.connectCancel = nil
	s.aborted = false
	s.mu.Unlock()
	s.deps.Observer.OnState(StateIdle)
}

func (s *Session) activate(ctx context.Context, stream capture.Stream, handle agent.SessionHandle) error {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		_ = handle.Close()
		_ = stream.Close()
		s.toIdle()
		return fmt.Errorf("session: start: %w", context.Canceled)
	}

	caps := s.deps.Agent.Capabilities()
	clock := s.deps.Clock
	if clock == nil {
		clock = playback.NewWallClock()
	}
	schedOpts := []playback.Option{
		playback.WithMetrics(s.deps.Metrics),
		playback.WithLogger(s.log),
	}
	if caps.OutputSampleRate > 0 {
		schedOpts = append(schedOpts, playback.WithSampleRate(caps.OutputSampleRate))
	}

	s.ledger = &integrity.Log{}
	s.turns = transcript.New()
	s.engine = proctor.New(s.cfg.Proctor, s.ledger,
		proctor.WithMetrics(s.deps.Metrics),
		proctor.WithLogger(s.log),
		proctor.WithOnChange(s.deps.Observer.OnProctor),
	)
	s.sched = playback.NewScheduler(clock, s.deps.Output, schedOpts...)
	s.router = frames.NewRouter(s.deps.Detector, s.cfg.Frames,
		frames.WithLandmarkHandler(s.engine.ObserveLandmarks),
		frames.WithUplink(s.uplinkFrame),
		frames.WithLogger(s.log),
	)
	s.uplink = make(chan agent.Media, s.cfg.UplinkQueue)
	s.clock = clock
	s.stream = stream
	s.handle = handle

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	s.cancel = cancel
	s.group = g
	s.state = StateActive
	s.startedAt = time.Now().UTC()
	s.connectCancel = nil

	stream.Start()
	g.Go(func() error { return s.sendLoop(gctx) })
	g.Go(func() error { return s.audioLoop(stream) })
	g.Go(func() error { return s.videoLoop(stream) })
	g.Go(func() error { return s.router.Run(gctx) })
	g.Go(func() error { return s.eventLoop(handle) })
	if d := effectiveLimit(s.cfg.MaxDuration, caps.MaxSessionDuration); d > 0 {
		g.Go(func() error { return s.deadline(gctx, d) })
	}
	s.mu.Unlock()

	s.deps.Metrics.ActiveSessions.Add(ctx, 1)
	s.log.Info("session: active",
		"candidate_id", s.cfg.CandidateID,
		"agent", s.deps.AgentName,
		"voice", s.cfg.Agent.Voice,
	)
	s.deps.Observer.OnState(StateActive)
	return nil
}

// effectiveLimit returns the smaller positive duration, or zero if neither
// is set.
func effectiveLimit(a, b time.Duration) time.Duration {
	switch {
	case a <= 0:
		return max(b, 0)
	case b <= 0:
		return a
	default:
		return min(a, b)
	}
}

// End stops the session and waits for its result. A session that is still
// connecting is aborted and returns to idle; End then reports ErrNotActive.
// Calling End on an ended session returns the same result again.
func (s *Session) End(ctx context.Context, reason EndReason) (Result, error) {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
		s.mu.Unlock()
		return Result{}, ErrNotActive
	case StateConnecting:
		s.aborted = true
		cancel := s.connectCancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return Result{}, ErrNotActive
	}
	s.mu.Unlock()

	s.terminate(reason)

	select {
	case <-s.done:
		return s.result, nil
	case <-ctx.Done():
		return Result{}, fmt.Errorf("session: end: %w", ctx.Err())
	}
}

// Result returns the final result once the session has ended.
func (s *Session) Result() (Result, bool) {
	select {
	case <-s.done:
		return s.result, true
	default:
		return Result{}, false
	}
}

// ClockOrigin returns the wall time at offset zero of the output clock. It is
// the zero time before activation and for clocks without a fixed origin.
func (s *Session) ClockOrigin() time.Time {
	s.mu.Lock()
	clock := s.clock
	s.mu.Unlock()
	if c, ok := clock.(interface{ Origin() time.Time }); ok {
		return c.Origin()
	}
	return time.Time{}
}

// terminate moves an active session to ended and releases its resources.
// It never waits for the session's goroutines, so any of them may call it.
func (s *Session) terminate(reason EndReason) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.state = StateEnded
		s.reason = reason
		s.endedAt = time.Now().UTC()
		s.mu.Unlock()

		s.log.Info("session: ending", "reason", reason)
		s.deps.Observer.OnState(StateEnded)
		s.release()
		go s.finalize()
	})
}

// release frees every resource held by an active session. Failures are
// logged and otherwise ignored.
func (s *Session) release() {
	s.cancel()
	if err := s.handle.Close(); err != nil {
		s.log.Warn("session: close agent stream", "err", err)
	}
	if err := s.stream.Close(); err != nil {
		s.log.Warn("session: release capture", "err", err)
	}
	s.engine.Close()
	s.sched.Close()
}

// finalize waits for the session's goroutines, assembles the result and
// hands it off.
func (s *Session) finalize() {
	if err := s.group.Wait(); err != nil {
		s.log.Warn("session: background worker failed", "err", err)
	}

	s.mu.Lock()
	r := Result{
		SessionID:       s.id,
		CandidateID:     s.cfg.CandidateID,
		CandidateName:   s.cfg.CandidateName,
		StartedAt:       s.startedAt,
		EndedAt:         s.endedAt,
		Duration:        s.endedAt.Sub(s.startedAt),
		Transcript:      s.turns.Turns(),
		Snapshots:       s.router.Snapshots(),
		IntegrityEvents: s.ledger.Snapshot(),
		Violations:      s.engine.Violations(),
		EndReason:       s.reason,
	}
	s.result = r
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandoffTimeout)
	defer cancel()
	s.deps.Metrics.ActiveSessions.Add(ctx, -1)
	s.deps.Metrics.RecordSessionEnd(ctx, string(r.EndReason), r.Duration.Seconds())

	if s.deps.Sink != nil {
		if err := s.deps.Sink.Deliver(ctx, r); err != nil {
			s.log.Error("session: result handoff failed", "err", err)
		}
	}

	s.log.Info("session: ended",
		"reason", r.EndReason,
		"duration", r.Duration,
		"turns", len(r.Transcript),
		"violations", r.Violations,
		"integrity_events", s.ledger.Len(),
		"events_by_kind", s.ledger.Counts(),
		"snapshots", len(r.Snapshots),
	)
	s.deps.Observer.OnResult(r)
	close(s.done)
}

// ── Candidate inputs ───────────────────────────────────────────────────────────

// SetMicEnabled mutes or unmutes the microphone. Muted blocks are neither
// sent to the agent nor used for background-voice detection.
func (s *Session) SetMicEnabled(on bool) {
	s.mu.Lock()
	s.micOn = on
	s.mu.Unlock()
}

// SetHidden reports a page visibility change. Only a change to hidden during
// an active session is recorded.
func (s *Session) SetHidden(hidden bool) {
	s.mu.Lock()
	active := s.state == StateActive
	engine := s.engine
	s.mu.Unlock()
	if active {
		engine.ObserveVisibility(hidden)
	}
}

// PlaybackEnded tells the scheduler that a voice finished playing.
func (s *Session) PlaybackEnded(id uint64) {
	s.mu.Lock()
	sched := s.sched
	s.mu.Unlock()
	if sched != nil {
		sched.Ended(id)
	}
}

// Status returns the proctoring status of an active or ended session.
func (s *Session) Status() proctor.Status {
	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()
	if engine == nil {
		return proctor.Status{Attention: proctor.AttentionOK}
	}
	return engine.Status()
}

// Transcript returns the transcript so far.
func (s *Session) Transcript() []transcript.Turn {
	s.mu.Lock()
	turns := s.turns
	s.mu.Unlock()
	if turns == nil {
		return nil
	}
	return turns.Turns()
}

// ── Workers ────────────────────────────────────────────────────────────────────

func (s *Session) capturing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateActive && s.micOn
}

// enqueue hands m to the sender without blocking. A full queue drops m.
func (s *Session) enqueue(m agent.Media, kind string) {
	select {
	case s.uplink <- m:
	default:
		s.deps.Metrics.RecordUplinkDrop(context.Background(), kind)
		s.log.Debug("session: uplink queue full, dropping", "media", kind)
	}
}

func (s *Session) uplinkFrame(f vision.Frame) {
	if s.State() != StateActive {
		return
	}
	s.enqueue(agent.Media{MIMEType: agent.MIMEImageJPEG, Data: f.JPEG}, "video")
}

func (s *Session) audioLoop(stream capture.Stream) error {
	for b := range stream.Audio() {
		if !s.capturing() {
			continue
		}
		s.deps.Observer.OnLevel(audio.MeanAbs(b.Samples))
		s.engine.ObserveAudio(audio.RMS(b.Samples))

		pcm := audio.Encode(b.Samples)
		if b.SampleRate > 0 && b.SampleRate != audio.CaptureSampleRate {
			pcm = audio.ResampleMono16(pcm, b.SampleRate, audio.CaptureSampleRate)
		}
		s.enqueue(agent.Media{MIMEType: agent.MIMEAudioPCM16, Data: pcm}, "audio")
	}
	return nil
}

func (s *Session) videoLoop(stream capture.Stream) error {
	for f := range stream.Video() {
		if s.State() == StateActive {
			s.router.Push(f)
		}
	}
	return nil
}

func (s *Session) sendLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-s.uplink:
			err := s.handle.SendMedia(m)
			switch {
			case err == nil:
			case errors.Is(err, agent.ErrUnsupportedMedia):
				s.unsupportedOnce.Do(func() {
					s.log.Info("session: agent does not accept media, dropping", "mime", m.MIMEType)
				})
			case errors.Is(err, agent.ErrSessionClosed):
				return nil
			default:
				s.log.Warn("session: send media", "mime", m.MIMEType, "err", err)
			}
		}
	}
}

func (s *Session) eventLoop(handle agent.SessionHandle) error {
	for ev := range handle.Events() {
		switch ev.Kind {
		case agent.EventAudio:
			if _, err := s.sched.Enqueue(ev.Audio); err != nil &&
				!errors.Is(err, playback.ErrDecode) && !errors.Is(err, playback.ErrClosed) {
				s.log.Warn("session: schedule downlink audio", "err", err)
			}
		case agent.EventInputTranscript:
			s.turns.Append(transcript.Candidate, ev.Text)
			s.publishTranscript()
		case agent.EventOutputTranscript:
			s.turns.Append(transcript.Agent, ev.Text)
			s.publishTranscript()
		case agent.EventTurnComplete:
			s.turns.CompleteTurn()
			s.publishTranscript()
		case agent.EventInterrupted:
			s.turns.Interrupt()
			stopped := s.sched.Interrupt()
			s.log.Debug("session: agent interrupted", "stopped_voices", stopped)
			s.publishTranscript()
		}
	}

	if s.State() == StateEnded {
		return nil
	}
	reason := ReasonAgentClosed
	if err := handle.Err(); err != nil {
		reason = ReasonAgentError
		s.deps.Metrics.RecordAgentError(context.Background(), s.deps.AgentName, "stream")
		s.log.Warn("session: agent stream failed", "err", err)
	}
	s.terminate(reason)
	return nil
}

func (s *Session) publishTranscript() {
	s.deps.Observer.OnTranscript(s.turns.Turns())
}

func (s *Session) deadline(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
		s.terminate(ReasonTimeout)
	}
	return nil
}
