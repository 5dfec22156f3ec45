// Package frames drives face detection on the candidate's camera stream.
//
// The [Router] keeps only the most recent camera frame. On every tick it runs
// the detector on that frame and hands the landmarks to the fusion engine.
// Every Nth frame is also forwarded to the remote agent, and a random sample
// of those is retained as snapshots for the session result.
package frames

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/MrWong99/proctorlive/pkg/provider/vision"
)

// Config controls tick cadence and frame forwarding.
type Config struct {
	// Interval is the tick period. Default 200 ms.
	Interval time.Duration

	// FrameMaxAge is how old the latest frame may be before the camera counts
	// as delivering nothing. Default three intervals.
	FrameMaxAge time.Duration

	// UplinkEvery forwards one in every UplinkEvery frames. Default 5.
	UplinkEvery int

	// SnapshotProbability is the chance that a forwarded frame is kept as a
	// snapshot. Default 0.05. Negative disables snapshots.
	SnapshotProbability float64

	// MaxSnapshots caps retained snapshots. Default 64.
	MaxSnapshots int

	// DetectTimeout bounds a single detector call. Default one interval.
	DetectTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 200 * time.Millisecond
	}
	if c.FrameMaxAge <= 0 {
		c.FrameMaxAge = 3 * c.Interval
	}
	if c.UplinkEvery <= 0 {
		c.UplinkEvery = 5
	}
	if c.SnapshotProbability == 0 {
		c.SnapshotProbability = 0.05
	}
	if c.MaxSnapshots <= 0 {
		c.MaxSnapshots = 64
	}
	if c.DetectTimeout <= 0 {
		c.DetectTimeout = c.Interval
	}
	return c
}

// Option configures a Router.
type Option func(*Router)

// WithLandmarkHandler sets the receiver of every tick's landmark result.
func WithLandmarkHandler(fn func(vision.Result)) Option {
	return func(r *Router) { r.onLandmarks = fn }
}

// WithUplink sets the receiver of forwarded frames.
func WithUplink(fn func(vision.Frame)) Option {
	return func(r *Router) { r.uplink = fn }
}

// WithClock replaces time.Now for frame age checks.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithRand replaces the snapshot sampler. fn must return values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(r *Router) { r.rand = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.log = l }
}

// Router is safe for concurrent use.
type Router struct {
	det         vision.Detector
	cfg         Config
	onLandmarks func(vision.Result)
	uplink      func(vision.Frame)
	now         func() time.Time
	rand        func() float64
	log         *slog.Logger

	mu        sync.Mutex
	latest    *vision.Frame
	counter   int
	snapshots [][]byte
}

// NewRouter creates a Router around det.
func NewRouter(det vision.Detector, cfg Config, opts ...Option) *Router {
	r := &Router{
		det:  det,
		cfg:  cfg.withDefaults(),
		now:  time.Now,
		rand: rand.Float64,
		log:  slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Push replaces the latest frame. Frames with a zero CapturedAt are stamped
// with the current time.
func (r *Router) Push(f vision.Frame) {
	if f.CapturedAt.IsZero() {
		f.CapturedAt = r.now()
	}
	r.mu.Lock()
	r.latest = &f
	r.mu.Unlock()
}

// Run ticks until ctx is cancelled. It always returns nil.
func (r *Router) Run(ctx context.Context) error {
	t := time.NewTicker(r.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one detection cycle. With no usable frame the landmark handler
// receives an empty result, which classifies as no face. A detector error
// skips the cycle entirely.
func (r *Router) Tick(ctx context.Context) {
	frame, ok := r.current()
	if !ok {
		r.deliver(vision.Result{})
		return
	}

	dctx, cancel := context.WithTimeout(ctx, r.cfg.DetectTimeout)
	res, err := r.det.Detect(dctx, frame)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn("vision: detection failed, skipping tick", "err", err)
		}
		return
	}
	r.deliver(res)

	if r.shouldUplink(frame) && r.uplink != nil {
		r.uplink(frame)
	}
}

// Snapshots returns the retained snapshots in capture order.
func (r *Router) Snapshots() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.snapshots...)
}

func (r *Router) current() (vision.Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latest == nil || len(r.latest.JPEG) == 0 {
		return vision.Frame{}, false
	}
	if r.now().Sub(r.latest.CapturedAt) > r.cfg.FrameMaxAge {
		return vision.Frame{}, false
	}
	return *r.latest, true
}

func (r *Router) deliver(res vision.Result) {
	if r.onLandmarks != nil {
		r.onLandmarks(res)
	}
}

// shouldUplink advances the frame counter and reports whether this frame is
// forwarded. Forwarded frames may be retained as snapshots.
func (r *Router) shouldUplink(f vision.Frame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counter++
	if r.counter < r.cfg.UplinkEvery {
		return false
	}
	r.counter = 0
	if r.cfg.SnapshotProbability > 0 && len(r.snapshots) < r.cfg.MaxSnapshots && r.rand() < r.cfg.SnapshotProbability {
		r.snapshots = append(r.snapshots, f.JPEG)
	}
	return true
}
