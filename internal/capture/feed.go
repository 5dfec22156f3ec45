package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/proctorlive/pkg/audio"
	"github.com/MrWong99/proctorlive/pkg/audio/opus"
	"github.com/MrWong99/proctorlive/pkg/provider/vision"
)

// Compile-time interface assertions.
var (
	_ Device = (*Feed)(nil)
	_ Stream = (*Feed)(nil)
)

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithBuffer sets the capacity of the audio and video channels. Default 32
// audio blocks and 4 frames.
func WithBuffer(audioBlocks, videoFrames int) FeedOption {
	return func(f *Feed) {
		f.audioCap = audioBlocks
		f.videoCap = videoFrames
	}
}

// WithSampleRate sets the capture rate of pushed audio. Default 16 kHz.
func WithSampleRate(rate int) FeedOption {
	return func(f *Feed) { f.rate = rate }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) FeedOption {
	return func(f *Feed) { f.log = l }
}

// Feed is a [Device] whose media is pushed in by a remote client. The
// transport calls Grant or Deny once the client has resolved its permission
// prompt, then pushes media with the Push methods. Media pushed before the
// stream is started is discarded, and media pushed while a channel is full is
// dropped.
type Feed struct {
	rate     int
	audioCap int
	videoCap int
	log      *slog.Logger

	decided  chan struct{}
	decideMu sync.Once
	granted  bool

	mu      sync.RWMutex
	audio   chan audio.Block
	video   chan vision.Frame
	opened  bool
	started bool
	closed  bool
	elapsed time.Duration

	opusMu sync.Mutex
	opus   *opus.Decoder

	dropped  atomic.Int64
	releases atomic.Int32
}

// NewFeed creates a Feed awaiting a permission decision.
func NewFeed(opts ...FeedOption) *Feed {
	f := &Feed{
		rate:     audio.CaptureSampleRate,
		audioCap: 32,
		videoCap: 4,
		log:      slog.Default(),
		decided:  make(chan struct{}),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Grant records that the candidate allowed access.
func (f *Feed) Grant() { f.decide(true) }

// Deny records that the candidate refused access.
func (f *Feed) Deny() { f.decide(false) }

func (f *Feed) decide(granted bool) {
	f.decideMu.Do(func() {
		f.granted = granted
		close(f.decided)
	})
}

// Open waits for the permission decision and acquires the feed.
func (f *Feed) Open(ctx context.Context) (Stream, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("capture: open: %w", ctx.Err())
	case <-f.decided:
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	if !f.granted {
		return nil, ErrPermissionDenied
	}
	if !f.opened {
		f.audio = make(chan audio.Block, f.audioCap)
		f.video = make(chan vision.Frame, f.videoCap)
		f.opened = true
	}
	return f, nil
}

// Start implements [Stream].
func (f *Feed) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.opened && !f.closed {
		f.started = true
	}
}

// Audio implements [Stream].
func (f *Feed) Audio() <-chan audio.Block {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.audio
}

// Video implements [Stream].
func (f *Feed) Video() <-chan vision.Frame {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.video
}

// PushSamples delivers one block of mono samples at the capture rate.
func (f *Feed) PushSamples(samples []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started || f.closed || len(samples) == 0 {
		return
	}
	b := audio.Block{Samples: samples, SampleRate: f.rate, Timestamp: f.elapsed}
	f.elapsed += b.Duration()
	select {
	case f.audio <- b:
	default:
		f.dropped.Add(1)
	}
}

// PushFloat32 delivers one block of little-endian float32 samples.
func (f *Feed) PushFloat32(payload []byte) error {
	samples, err := audio.DecodeFloat32(payload)
	if err != nil {
		return fmt.Errorf("capture: push float32: %w", err)
	}
	f.PushSamples(samples)
	return nil
}

// PushOpus decodes one Opus packet and delivers it as a block. The decoder
// is created on first use and keeps its state across packets.
func (f *Feed) PushOpus(packet []byte) error {
	f.opusMu.Lock()
	if f.opus == nil {
		dec, err := opus.NewDecoder(f.rate)
		if err != nil {
			f.opusMu.Unlock()
			return fmt.Errorf("capture: push opus: %w", err)
		}
		f.opus = dec
	}
	samples, err := f.opus.Decode(packet)
	f.opusMu.Unlock()
	if err != nil {
		return fmt.Errorf("capture: push opus: %w", err)
	}
	f.PushSamples(samples)
	return nil
}

// PushFrame delivers one JPEG camera frame.
func (f *Feed) PushFrame(jpeg []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started || f.closed || len(jpeg) == 0 {
		return
	}
	select {
	case f.video <- vision.Frame{JPEG: jpeg, CapturedAt: time.Now()}:
	default:
		f.dropped.Add(1)
	}
}

// Dropped returns the number of pushed items dropped on full channels.
func (f *Feed) Dropped() int64 { return f.dropped.Load() }

// Releases returns how many times the device was actually released. It is
// at most one.
func (f *Feed) Releases() int { return int(f.releases.Load()) }

// Close releases the feed and closes its channels. A feed that was never
// opened is still marked closed and cannot be opened afterwards.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	if f.opened {
		close(f.audio)
		close(f.video)
	}
	f.releases.Add(1)
	f.mu.Unlock()

	// Unblock a pending Open.
	f.decide(false)
	f.log.Debug("capture: device released", "dropped", f.dropped.Load())
	return nil
}
