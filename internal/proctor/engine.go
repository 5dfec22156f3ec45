// Package proctor fuses face landmarks, microphone energy and page
// visibility into integrity events.
//
// The [Engine] never ends a session. It classifies what it sees, records
// violations in the session's [integrity.Log] and exposes a [Status]
// snapshot for display. Face classification is edge-triggered: a state is
// recorded when it first appears, not on every tick it persists. Background
// voice is level-triggered with a cooldown, and tab switches are recorded on
// every hide notification.
package proctor

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/proctorlive/internal/integrity"
	"github.com/MrWong99/proctorlive/internal/observe"
	"github.com/MrWong99/proctorlive/pkg/provider/vision"
)

// Attention is the classified face state of the latest landmark result.
type Attention string

const (
	AttentionOK            Attention = "OK"
	AttentionNoFace        Attention = "NO_FACE"
	AttentionMultipleFaces Attention = "MULTIPLE_FACES"
	AttentionLookingAway   Attention = "LOOKING_AWAY"
)

// kind maps a non-OK attention state to its integrity event kind.
func (a Attention) kind() integrity.Kind {
	switch a {
	case AttentionNoFace:
		return integrity.NoFace
	case AttentionMultipleFaces:
		return integrity.MultipleFaces
	case AttentionLookingAway:
		return integrity.LookingAway
	}
	return ""
}

// Config holds the fusion thresholds. The zero value of any field is
// replaced by the matching [DefaultConfig] value in [New].
type Config struct {
	// GazeOffset is the maximum horizontal distance between the nose tip and
	// the cheek midpoint, as a fraction of frame width, before the candidate
	// counts as looking away.
	GazeOffset float64

	// MouthOpenRatio is the inter-lip distance over face height above which
	// the candidate counts as speaking.
	MouthOpenRatio float64

	// VoiceRMS is the microphone RMS above which sound counts as voice.
	VoiceRMS float64

	// MouthWindow is how long voice may be heard without mouth movement
	// before it counts as a background voice.
	MouthWindow time.Duration

	// VoiceCooldown suppresses further background-voice events after one is
	// raised. The display flag stays set for the same period.
	VoiceCooldown time.Duration

	// MouthPullForward is how far behind "now" the last mouth movement is
	// placed whenever background voice is detected.
	MouthPullForward time.Duration

	// TabFlagDuration is how long the tab-switch display flag stays set.
	TabFlagDuration time.Duration
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		GazeOffset:       0.10,
		MouthOpenRatio:   0.02,
		VoiceRMS:         0.03,
		MouthWindow:      2 * time.Second,
		VoiceCooldown:    3 * time.Second,
		MouthPullForward: 1500 * time.Millisecond,
		TabFlagDuration:  3 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.GazeOffset <= 0 {
		c.GazeOffset = d.GazeOffset
	}
	if c.MouthOpenRatio <= 0 {
		c.MouthOpenRatio = d.MouthOpenRatio
	}
	if c.VoiceRMS <= 0 {
		c.VoiceRMS = d.VoiceRMS
	}
	if c.MouthWindow <= 0 {
		c.MouthWindow = d.MouthWindow
	}
	if c.VoiceCooldown <= 0 {
		c.VoiceCooldown = d.VoiceCooldown
	}
	if c.MouthPullForward <= 0 {
		c.MouthPullForward = d.MouthPullForward
	}
	if c.TabFlagDuration <= 0 {
		c.TabFlagDuration = d.TabFlagDuration
	}
	return c
}

// Status is a point-in-time view of the engine for display.
type Status struct {
	Attention       Attention `json:"attention"`
	TabSwitch       bool      `json:"tab_switch"`
	BackgroundVoice bool      `json:"background_voice"`
	Violations      int       `json:"violations"`
}

// Alert reports whether anything in s warrants highlighting the candidate
// view.
func (s Status) Alert() bool {
	return s.Attention != AttentionOK || s.TabSwitch || s.BackgroundVoice
}

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithAfterFunc replaces time.AfterFunc for the display-flag timers.
func WithAfterFunc(fn func(time.Duration, func()) Timer) Option {
	return func(e *Engine) { e.afterFunc = fn }
}

// WithMetrics records every violation by kind.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger used for violation records.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithOnChange registers fn to be called with the new status whenever it
// changes. fn is called without the engine lock held.
func WithOnChange(fn func(Status)) Option {
	return func(e *Engine) { e.onChange = fn }
}

// ── Engine ─────────────────────────────────────────────────────────────────────

// Engine is safe for concurrent use. Each session owns one Engine.
type Engine struct {
	cfg       Config
	ledger    *integrity.Log
	now       func() time.Time
	afterFunc func(time.Duration, func()) Timer
	metrics   *observe.Metrics
	log       *slog.Logger
	onChange  func(Status)

	mu            sync.Mutex
	attention     Attention
	lastMouthOpen time.Time
	voiceUntil    time.Time
	tabUntil      time.Time
	violations    int
	timers        map[Timer]struct{}
	closed        bool
}

// New creates an Engine that records into ledger. The last mouth movement
// starts at the current time so that sound in the first moments of a session
// is not flagged.
func New(cfg Config, ledger *integrity.Log, opts ...Option) *Engine {
	e := &Engine{
		cfg:    cfg.withDefaults(),
		ledger: ledger,
		now:    time.Now,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		log:       slog.Default(),
		attention: AttentionOK,
		timers:    make(map[Timer]struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	e.lastMouthOpen = e.now()
	return e
}

// Config returns the effective thresholds.
func (e *Engine) Config() Config { return e.cfg }

// ObserveLandmarks classifies one landmark result. A new integrity event is
// recorded only when the classification differs from the previous one and
// is not OK. The mouth-open proxy is evaluated on every call.
func (e *Engine) ObserveLandmarks(res vision.Result) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	now := e.now()

	state := classify(res, e.cfg.GazeOffset)
	if len(res.Faces) == 1 {
		if ratio, ok := mouthRatio(res.Faces[0]); ok && ratio > e.cfg.MouthOpenRatio {
			e.lastMouthOpen = now
		}
	}

	changed := state != e.attention
	if changed {
		e.attention = state
		if state != AttentionOK {
			e.raiseLocked(now, state.kind())
		}
	}
	st := e.statusLocked(now)
	e.mu.Unlock()

	if changed {
		e.notify(st)
	}
}

// ObserveAudio evaluates the RMS energy of one microphone block. Voice with
// no recent mouth movement raises a background-voice event at most once per
// cooldown; while it persists the last mouth movement is pulled forward so
// the detector does not fire on every block.
func (e *Engine) ObserveAudio(rms float64) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	now := e.now()
	if rms <= e.cfg.VoiceRMS || now.Sub(e.lastMouthOpen) <= e.cfg.MouthWindow {
		e.mu.Unlock()
		return
	}

	raised := false
	if !now.Before(e.voiceUntil) {
		raised = true
		e.voiceUntil = now.Add(e.cfg.VoiceCooldown)
		e.raiseLocked(now, integrity.BackgroundVoice)
		e.scheduleLocked(e.cfg.VoiceCooldown)
	}
	e.lastMouthOpen = now.Add(-e.cfg.MouthPullForward)
	st := e.statusLocked(now)
	e.mu.Unlock()

	if raised {
		e.notify(st)
	}
}

// ObserveVisibility handles a page visibility change. Every transition to
// hidden records a tab switch and sets the display flag for
// Config.TabFlagDuration.
func (e *Engine) ObserveVisibility(hidden bool) {
	if !hidden {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	now := e.now()
	e.tabUntil = now.Add(e.cfg.TabFlagDuration)
	e.raiseLocked(now, integrity.TabSwitch)
	e.scheduleLocked(e.cfg.TabFlagDuration)
	st := e.statusLocked(now)
	e.mu.Unlock()

	e.notify(st)
}

// Status returns the current status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked(e.now())
}

// Violations returns the running violation count.
func (e *Engine) Violations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.violations
}

// Close stops all pending display timers. Further observations are ignored.
// Idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for t := range e.timers {
		t.Stop()
	}
	clear(e.timers)
}

func (e *Engine) raiseLocked(now time.Time, kind integrity.Kind) {
	e.violations++
	e.ledger.Append(integrity.Event{Timestamp: now, Kind: kind})
	if e.metrics != nil {
		e.metrics.RecordViolation(context.Background(), string(kind))
	}
	e.log.Info("proctor: integrity violation", "kind", kind, "violations", e.violations)
}

func (e *Engine) statusLocked(now time.Time) Status {
	return Status{
		Attention:       e.attention,
		TabSwitch:       now.Before(e.tabUntil),
		BackgroundVoice: now.Before(e.voiceUntil),
		Violations:      e.violations,
	}
}

// scheduleLocked arranges a status notification after d, when a display
// flag set now expires.
func (e *Engine) scheduleLocked(d time.Duration) {
	var t Timer
	t = e.afterFunc(d, func() {
		e.mu.Lock()
		delete(e.timers, t)
		if e.closed {
			e.mu.Unlock()
			return
		}
		st := e.statusLocked(e.now())
		e.mu.Unlock()
		e.notify(st)
	})
	e.timers[t] = struct{}{}
}

func (e *Engine) notify(st Status) {
	if e.onChange != nil {
		e.onChange(st)
	}
}

// ── Landmark geometry ──────────────────────────────────────────────────────────

// classify maps a landmark result to an attention state. A single face
// without the nose or cheek landmarks is treated as OK.
func classify(res vision.Result, gazeOffset float64) Attention {
	switch len(res.Faces) {
	case 0:
		return AttentionNoFace
	case 1:
	default:
		return AttentionMultipleFaces
	}
	face := res.Faces[0]
	nose, ok1 := face.At(vision.NoseTip)
	left, ok2 := face.At(vision.LeftCheek)
	right, ok3 := face.At(vision.RightCheek)
	if !ok1 || !ok2 || !ok3 {
		return AttentionOK
	}
	mid := (left.X + right.X) / 2
	if math.Abs(nose.X-mid) > gazeOffset {
		return AttentionLookingAway
	}
	return AttentionOK
}

// mouthRatio returns the inter-lip distance over the forehead-to-chin
// distance. It reports false when a landmark is missing or the face height
// is zero.
func mouthRatio(face vision.Face) (float64, bool) {
	upper, ok1 := face.At(vision.UpperLip)
	lower, ok2 := face.At(vision.LowerLip)
	top, ok3 := face.At(vision.Forehead)
	chin, ok4 := face.At(vision.Chin)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return 0, false
	}
	height := math.Hypot(top.X-chin.X, top.Y-chin.Y)
	if height <= 0 {
		return 0, false
	}
	return math.Hypot(upper.X-lower.X, upper.Y-lower.Y) / height, true
}
