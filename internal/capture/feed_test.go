package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/proctorlive/pkg/audio/opus"
)

func TestOpen_WaitsForDecision(t *testing.T) {
	t.Parallel()

	f := NewFeed()
	done := make(chan error, 1)
	go func() {
		_, err := f.Open(context.Background())
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("Open returned before a permission decision")
	case <-time.After(20 * time.Millisecond):
	}

	f.Grant()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Open did not return after Grant")
	}
}

func TestOpen_Denied(t *testing.T) {
	t.Parallel()

	f := NewFeed()
	f.Deny()
	f.Grant() // later decisions are ignored

	if _, err := f.Open(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Open = %v, want ErrPermissionDenied", err)
	}
}

func TestOpen_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewFeed().Open(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Open = %v, want context.Canceled", err)
	}
}

func TestOpen_AfterClose(t *testing.T) {
	t.Parallel()

	f := NewFeed()
	_ = f.Close()
	if _, err := f.Open(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Open = %v, want ErrClosed", err)
	}
}

func TestPush_DeliversBlocksWithTimestamps(t *testing.T) {
	t.Parallel()

	f := NewFeed()
	f.PushSamples(make([]float32, 100)) // before open: dropped silently
	f.Grant()
	s, err := f.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Start()

	f.PushSamples(make([]float32, 1600))
	f.PushSamples(make([]float32, 1600))

	first := <-s.Audio()
	second := <-s.Audio()
	if first.SampleRate != 16000 || first.Timestamp != 0 {
		t.Errorf("first block = rate %d ts %v", first.SampleRate, first.Timestamp)
	}
	if second.Timestamp != 100*time.Millisecond {
		t.Errorf("second timestamp = %v, want 100ms", second.Timestamp)
	}
}

func TestPushFloat32(t *testing.T) {
	t.Parallel()

	f := NewFeed()
	f.Grant()
	s, _ := f.Open(context.Background())
	s.Start()

	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload, math.Float32bits(0.5))
	binary.LittleEndian.PutUint32(payload[4:], math.Float32bits(-0.25))
	if err := f.PushFloat32(payload); err != nil {
		t.Fatalf("PushFloat32: %v", err)
	}
	b := <-s.Audio()
	if len(b.Samples) != 2 || b.Samples[0] != 0.5 || b.Samples[1] != -0.25 {
		t.Errorf("samples = %v", b.Samples)
	}

	if err := f.PushFloat32([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for a truncated payload")
	}
}

func TestPushOpus(t *testing.T) {
	t.Parallel()

	enc, err := opus.NewEncoder()
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	frame := make([]int16, 960) // 20 ms at 48 kHz
	for i := range frame {
		frame[i] = int16(8000 * math.Sin(float64(i)*2*math.Pi*440/48000))
	}
	packet, err := enc.Encode(frame)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	f := NewFeed()
	f.Grant()
	s, _ := f.Open(context.Background())
	s.Start()
	if err := f.PushOpus(packet); err != nil {
		t.Fatalf("PushOpus: %v", err)
	}
	b := <-s.Audio()
	if len(b.Samples) != 320 {
		t.Errorf("samples = %d, want 320 (20 ms at 16 kHz)", len(b.Samples))
	}
}

func TestPush_DiscardsUntilStarted(t *testing.T) {
	t.Parallel()

	f := NewFeed()
	f.Grant()
	s, err := f.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for range 3 {
		f.PushSamples(make([]float32, 4096))
	}
	f.PushFrame([]byte{1})
	if n, m := len(s.Audio()), len(s.Video()); n != 0 || m != 0 {
		t.Fatalf("queued before Start: %d blocks, %d frames", n, m)
	}
	if got := f.Dropped(); got != 0 {
		t.Errorf("dropped = %d, want 0 (pre-start media is discarded, not counted)", got)
	}

	s.Start()
	f.PushSamples(make([]float32, 1600))
	b := <-s.Audio()
	if b.Timestamp != 0 {
		t.Errorf("first started block timestamp = %v, want 0", b.Timestamp)
	}
}

func TestPush_DropsWhenFull(t *testing.T) {
	t.Parallel()

	f := NewFeed(WithBuffer(2, 1))
	f.Grant()
	s, _ := f.Open(context.Background())
	s.Start()

	for range 5 {
		f.PushSamples([]float32{0.1})
	}
	f.PushFrame([]byte{1})
	f.PushFrame([]byte{2})

	if got := f.Dropped(); got != 4 {
		t.Errorf("dropped = %d, want 4", got)
	}
}

func TestClose_ReleasesOnce(t *testing.T) {
	t.Parallel()

	f := NewFeed()
	f.Grant()
	s, _ := f.Open(context.Background())

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Close(); err != nil {
				t.Errorf("Close: %v", err)
			}
		}()
	}
	wg.Wait()

	if f.Releases() != 1 {
		t.Errorf("releases = %d, want 1", f.Releases())
	}
	if _, ok := <-s.Audio(); ok {
		t.Error("audio channel still open")
	}
	if _, ok := <-s.Video(); ok {
		t.Error("video channel still open")
	}

	// Pushing after close is a no-op.
	f.PushSamples([]float32{1})
	f.PushFrame([]byte{1})
}
