// Package playback schedules the agent's synthesised speech for gap-free,
// in-order playback on the candidate's output clock.
//
// Every decoded chunk is placed at max(now, cursor) where cursor is the end
// of the previously scheduled chunk, so consecutive chunks play back to back
// and a chunk that arrives late starts immediately instead of in the past.
// An interruption stops every live chunk and resets the cursor.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/proctorlive/internal/observe"
	"github.com/MrWong99/proctorlive/pkg/audio"
)

// ErrDecode is returned by [Scheduler.Enqueue] for payloads that are empty or
// not a whole number of PCM16 samples.
var ErrDecode = errors.New("playback: undecodable audio payload")

// ErrClosed is returned by [Scheduler.Enqueue] after Close.
var ErrClosed = errors.New("playback: scheduler closed")

// Clock reports the current position of the output clock as an offset from
// its origin.
type Clock interface {
	Now() time.Duration
}

// Output plays scheduled voices. Implementations must not block for long;
// the scheduler calls them with its lock held so that start times reach the
// output in scheduling order.
type Output interface {
	// Play starts v at v.Start on the output clock.
	Play(v Voice) error

	// Stop halts the given voices immediately.
	Stop(ids []uint64)
}

// Buffer is decoded mono audio.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length of b.
func (b Buffer) Duration() time.Duration {
	return audio.SamplesDuration(len(b.Samples), b.SampleRate)
}

// Voice is one scheduled buffer.
type Voice struct {
	ID     uint64
	Start  time.Duration
	Buffer Buffer

	// PCM is the original PCM16 payload, for outputs that forward raw bytes.
	PCM []byte
}

// End returns the output-clock offset at which v finishes.
func (v Voice) End() time.Duration {
	return v.Start + v.Buffer.Duration()
}

// Decode converts a PCM16 LE payload at rate Hz into a Buffer.
func Decode(payload []byte, rate int) (Buffer, error) {
	if len(payload) == 0 {
		return Buffer{}, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	samples, err := audio.DecodePCM16(payload)
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return Buffer{Samples: samples, SampleRate: rate}, nil
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSampleRate sets the rate of incoming payloads. Default 24 kHz.
func WithSampleRate(rate int) Option {
	return func(s *Scheduler) { s.rate = rate }
}

// WithMetrics records decode failures, interruptions and scheduled durations.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger sets the logger for decode failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// ── Scheduler ──────────────────────────────────────────────────────────────────

// Scheduler is safe for concurrent use.
type Scheduler struct {
	clock   Clock
	out     Output
	rate    int
	metrics *observe.Metrics
	log     *slog.Logger

	mu     sync.Mutex
	cursor time.Duration
	live   map[uint64]Voice
	nextID uint64
	closed bool
}

// NewScheduler creates a Scheduler that places voices on clock and hands
// them to out.
func NewScheduler(clock Clock, out Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock: clock,
		out:   out,
		rate:  audio.PlaybackSampleRate,
		log:   slog.Default(),
		live:  make(map[uint64]Voice),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue decodes payload and schedules it directly after the previously
// scheduled voice, or immediately if the output clock has already passed
// that point. Decode failures are logged, counted and returned without
// touching the cursor.
func (s *Scheduler) Enqueue(payload []byte) (Voice, error) {
	buf, err := Decode(payload, s.rate)
	if err != nil {
		s.log.Warn("playback: dropping downlink chunk", "bytes", len(payload), "err", err)
		if s.metrics != nil {
			s.metrics.DecodeFailures.Add(context.Background(), 1)
		}
		return Voice{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Voice{}, ErrClosed
	}

	s.nextID++
	v := Voice{
		ID:     s.nextID,
		Start:  max(s.clock.Now(), s.cursor),
		Buffer: buf,
		PCM:    payload,
	}
	if err := s.out.Play(v); err != nil {
		return Voice{}, fmt.Errorf("playback: play: %w", err)
	}
	s.cursor = v.End()
	s.live[v.ID] = v

	if s.metrics != nil {
		s.metrics.DownlinkScheduled.Record(context.Background(), buf.Duration().Seconds())
	}
	return v, nil
}

// Ended removes a voice that finished playing from the live set. Unknown
// IDs are ignored.
func (s *Scheduler) Ended(id uint64) {
	s.mu.Lock()
	delete(s.live, id)
	s.mu.Unlock()
}

// Interrupt stops every live voice, empties the live set and resets the
// cursor to the clock origin. It returns the number of voices stopped.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.stopAllLocked()
	s.cursor = 0
	if s.metrics != nil {
		s.metrics.Interruptions.Add(context.Background(), 1)
	}
	return n
}

// Cursor returns the end of the most recently scheduled voice.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Live returns the number of voices that are scheduled or playing.
func (s *Scheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Close stops every live voice and rejects further chunks. Idempotent.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.stopAllLocked()
}

func (s *Scheduler) stopAllLocked() int {
	if len(s.live) == 0 {
		return 0
	}
	ids := make([]uint64, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	s.out.Stop(ids)
	clear(s.live)
	return len(ids)
}

// ── Clocks ─────────────────────────────────────────────────────────────────────

// WallClock measures output time from a fixed origin using the monotonic
// clock. The candidate's client anchors its audio timeline to the same origin
// when the session becomes active.
type WallClock struct {
	origin time.Time
}

// NewWallClock returns a clock whose origin is now.
func NewWallClock() *WallClock {
	return &WallClock{origin: time.Now()}
}

// Now returns the time elapsed since the origin.
func (c *WallClock) Now() time.Duration {
	return time.Since(c.origin)
}

// Origin returns the wall time of offset zero.
func (c *WallClock) Origin() time.Time {
	return c.origin
}
