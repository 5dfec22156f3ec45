package proctor

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/proctorlive/internal/integrity"
	"github.com/MrWong99/proctorlive/internal/observe"
	"github.com/MrWong99/proctorlive/pkg/provider/vision"
)

// ── Helpers ────────────────────────────────────────────────────────────────────

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type timerRecorder struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (r *timerRecorder) AfterFunc(d time.Duration, fn func()) Timer {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := &fakeTimer{d: d, fn: fn}
	r.timers = append(r.timers, t)
	return t
}

func (r *timerRecorder) all() []*fakeTimer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*fakeTimer(nil), r.timers...)
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *integrity.Log, *fakeClock, *timerRecorder) {
	t.Helper()
	clock := newFakeClock()
	timers := &timerRecorder{}
	ledger := &integrity.Log{}
	base := []Option{WithClock(clock.Now), WithAfterFunc(timers.AfterFunc)}
	e := New(DefaultConfig(), ledger, append(base, opts...)...)
	t.Cleanup(e.Close)
	return e, ledger, clock, timers
}

// face builds a full FaceMesh with the nose at noseX, cheeks at 0.4/0.6 and
// the lips mouthGap apart on a face of height 0.5.
func face(noseX, mouthGap float64) vision.Face {
	f := make(vision.Face, 468)
	f[vision.NoseTip] = vision.Landmark{X: noseX, Y: 0.5}
	f[vision.LeftCheek] = vision.Landmark{X: 0.4, Y: 0.5}
	f[vision.RightCheek] = vision.Landmark{X: 0.6, Y: 0.5}
	f[vision.Forehead] = vision.Landmark{X: 0.5, Y: 0.25}
	f[vision.Chin] = vision.Landmark{X: 0.5, Y: 0.75}
	f[vision.UpperLip] = vision.Landmark{X: 0.5, Y: 0.6}
	f[vision.LowerLip] = vision.Landmark{X: 0.5, Y: 0.6 + mouthGap}
	return f
}

func faces(fs ...vision.Face) vision.Result { return vision.Result{Faces: fs} }

func kinds(events []integrity.Event) []integrity.Kind {
	out := make([]integrity.Kind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

// ── Classification ─────────────────────────────────────────────────────────────

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		res  vision.Result
		want Attention
	}{
		{"no faces", faces(), AttentionNoFace},
		{"two faces", faces(face(0.5, 0), face(0.5, 0)), AttentionMultipleFaces},
		{"centred", faces(face(0.5, 0)), AttentionOK},
		{"slightly off", faces(face(0.59, 0)), AttentionOK},
		{"looking left", faces(face(0.35, 0)), AttentionLookingAway},
		{"looking right", faces(face(0.65, 0)), AttentionLookingAway},
		{"truncated mesh", faces(vision.Face{{X: 0.9}, {X: 0.9}}), AttentionOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := classify(tc.res, 0.10); got != tc.want {
				t.Errorf("classify = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestMouthRatio(t *testing.T) {
	t.Parallel()

	ratio, ok := mouthRatio(face(0.5, 0.05))
	if !ok {
		t.Fatal("mouthRatio ok = false")
	}
	if ratio < 0.0999 || ratio > 0.1001 {
		t.Errorf("ratio = %v, want 0.1", ratio)
	}

	flat := face(0.5, 0)
	flat[vision.Chin] = flat[vision.Forehead]
	if _, ok := mouthRatio(flat); ok {
		t.Error("zero face height should not yield a ratio")
	}
	if _, ok := mouthRatio(vision.Face{{}}); ok {
		t.Error("missing landmarks should not yield a ratio")
	}
}

// ── Face state ─────────────────────────────────────────────────────────────────

func TestObserveLandmarks_EdgeTriggered(t *testing.T) {
	t.Parallel()
	e, ledger, clock, _ := newTestEngine(t)

	for range 5 {
		e.ObserveLandmarks(faces())
		clock.Advance(200 * time.Millisecond)
	}

	if got := e.Status().Attention; got != AttentionNoFace {
		t.Errorf("attention = %s, want NO_FACE", got)
	}
	if ledger.Len() != 1 {
		t.Errorf("events = %v, want exactly one", kinds(ledger.Snapshot()))
	}
	if e.Violations() != 1 {
		t.Errorf("violations = %d, want 1", e.Violations())
	}
}

func TestObserveLandmarks_Transitions(t *testing.T) {
	t.Parallel()
	e, ledger, clock, _ := newTestEngine(t)

	sequence := []vision.Result{
		faces(face(0.5, 0)),                   // OK: nothing
		faces(),                               // NO_FACE
		faces(),                               // unchanged
		faces(face(0.5, 0), face(0.5, 0)),     // MULTIPLE_FACES
		faces(face(0.5, 0)),                   // back to OK: nothing
		faces(face(0.8, 0)),                   // LOOKING_AWAY
		faces(face(0.8, 0)),                   // unchanged
		faces(),                               // NO_FACE again
	}
	for _, res := range sequence {
		e.ObserveLandmarks(res)
		clock.Advance(200 * time.Millisecond)
	}

	want := []integrity.Kind{integrity.NoFace, integrity.MultipleFaces, integrity.LookingAway, integrity.NoFace}
	got := kinds(ledger.Snapshot())
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
	if e.Violations() != len(want) {
		t.Errorf("violations = %d, want %d", e.Violations(), len(want))
	}
}

func TestObserveLandmarks_Timestamps(t *testing.T) {
	t.Parallel()
	e, ledger, clock, _ := newTestEngine(t)

	clock.Advance(time.Second)
	at := clock.Now()
	e.ObserveLandmarks(faces())

	events := ledger.Snapshot()
	if len(events) != 1 || !events[0].Timestamp.Equal(at) {
		t.Errorf("events = %+v, want one at %v", events, at)
	}
}

// ── Background voice ───────────────────────────────────────────────────────────

func TestObserveAudio_QuietIsIgnored(t *testing.T) {
	t.Parallel()
	e, ledger, clock, _ := newTestEngine(t)

	clock.Advance(10 * time.Second)
	e.ObserveAudio(0.01)
	if ledger.Len() != 0 {
		t.Errorf("events = %v, want none", kinds(ledger.Snapshot()))
	}
}

func TestObserveAudio_SpeakingCandidateIsNotFlagged(t *testing.T) {
	t.Parallel()
	e, ledger, clock, _ := newTestEngine(t)

	for range 50 {
		e.ObserveLandmarks(faces(face(0.5, 0.05)))
		clock.Advance(200 * time.Millisecond)
		e.ObserveAudio(0.2)
	}
	if ledger.Len() != 0 {
		t.Errorf("events = %v, want none", kinds(ledger.Snapshot()))
	}
}

func TestObserveAudio_WithinStartupWindow(t *testing.T) {
	t.Parallel()
	e, ledger, clock, _ := newTestEngine(t)

	clock.Advance(1500 * time.Millisecond)
	e.ObserveAudio(0.5)
	if ledger.Len() != 0 {
		t.Errorf("voice within the mouth window was flagged")
	}
}

func TestObserveAudio_OncePerCooldown(t *testing.T) {
	t.Parallel()
	e, ledger, clock, timers := newTestEngine(t)

	// Sustained noise for 10 s with the mouth closed, one block every 256 ms.
	clock.Advance(2100 * time.Millisecond)
	start := clock.Now()
	for clock.Now().Sub(start) < 10*time.Second {
		e.ObserveAudio(0.1)
		clock.Advance(256 * time.Millisecond)
	}

	events := ledger.Snapshot()
	if len(events) < 3 || len(events) > 4 {
		t.Fatalf("events = %d, want one per 3 s cooldown over 10 s", len(events))
	}
	for i, ev := range events {
		if ev.Kind != integrity.BackgroundVoice {
			t.Errorf("event %d kind = %s", i, ev.Kind)
		}
		if i > 0 && ev.Timestamp.Sub(events[i-1].Timestamp) < 3*time.Second {
			t.Errorf("event %d raised %v after previous, within cooldown", i, ev.Timestamp.Sub(events[i-1].Timestamp))
		}
	}
	if e.Violations() != len(events) {
		t.Errorf("violations = %d, want %d", e.Violations(), len(events))
	}
	if got := len(timers.all()); got != len(events) {
		t.Errorf("flag timers = %d, want %d", got, len(events))
	}
}

func TestObserveAudio_FlagClears(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var seen []Status
	e, _, clock, timers := newTestEngine(t, WithOnChange(func(st Status) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	}))

	clock.Advance(3 * time.Second)
	e.ObserveAudio(0.1)
	if !e.Status().BackgroundVoice {
		t.Fatal("background voice flag not set")
	}

	clock.Advance(3 * time.Second)
	timers.all()[0].fn()

	if e.Status().BackgroundVoice {
		t.Error("background voice flag still set after cooldown")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || !seen[0].BackgroundVoice || seen[1].BackgroundVoice {
		t.Errorf("notifications = %+v, want set then cleared", seen)
	}
}

// ── Tab switch ─────────────────────────────────────────────────────────────────

func TestObserveVisibility(t *testing.T) {
	t.Parallel()
	e, ledger, clock, timers := newTestEngine(t)

	e.ObserveVisibility(false)
	if ledger.Len() != 0 {
		t.Fatal("becoming visible raised an event")
	}

	e.ObserveVisibility(true)
	e.ObserveVisibility(false)
	e.ObserveVisibility(true)

	if got := kinds(ledger.Snapshot()); len(got) != 2 || got[0] != integrity.TabSwitch || got[1] != integrity.TabSwitch {
		t.Errorf("events = %v, want two TAB_SWITCH", got)
	}
	if !e.Status().TabSwitch {
		t.Error("tab flag not set")
	}
	ts := timers.all()
	if len(ts) != 2 || ts[0].d != 3*time.Second {
		t.Errorf("timers = %d, want two of 3s", len(ts))
	}

	clock.Advance(3 * time.Second)
	if e.Status().TabSwitch {
		t.Error("tab flag still set after display window")
	}
}

func TestCounterIsShared(t *testing.T) {
	t.Parallel()
	e, ledger, clock, _ := newTestEngine(t)

	e.ObserveLandmarks(faces())
	e.ObserveVisibility(true)
	clock.Advance(5 * time.Second)
	e.ObserveAudio(0.5)

	if e.Violations() != 3 || ledger.Len() != 3 {
		t.Errorf("violations = %d, events = %d, want 3 and 3", e.Violations(), ledger.Len())
	}
	if st := e.Status(); !st.Alert() || st.Violations != 3 {
		t.Errorf("status = %+v", st)
	}
}

// ── Lifecycle ──────────────────────────────────────────────────────────────────

func TestClose_StopsTimersAndIgnoresInput(t *testing.T) {
	t.Parallel()
	e, ledger, clock, timers := newTestEngine(t)

	e.ObserveVisibility(true)
	clock.Advance(5 * time.Second)
	e.ObserveAudio(0.5)

	e.Close()
	e.Close()

	for i, tm := range timers.all() {
		if !tm.stopped {
			t.Errorf("timer %d not stopped", i)
		}
	}

	before := ledger.Len()
	e.ObserveLandmarks(faces())
	e.ObserveVisibility(true)
	if ledger.Len() != before {
		t.Error("closed engine recorded events")
	}
}

func TestEnginesAreIndependent(t *testing.T) {
	t.Parallel()
	a, la, _, _ := newTestEngine(t)
	b, lb, _, _ := newTestEngine(t)

	a.ObserveLandmarks(faces())
	if b.Violations() != 0 || lb.Len() != 0 {
		t.Error("violation leaked into another engine")
	}
	if a.Violations() != 1 || la.Len() != 1 {
		t.Error("engine a did not record")
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	e := New(Config{GazeOffset: 0.2}, &integrity.Log{})
	defer e.Close()
	cfg := e.Config()
	if cfg.GazeOffset != 0.2 {
		t.Errorf("GazeOffset = %v, want 0.2", cfg.GazeOffset)
	}
	if cfg.VoiceCooldown != 3*time.Second || cfg.MouthWindow != 2*time.Second {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestMetrics_RecordsViolations(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	e, _, _, _ := newTestEngine(t, WithMetrics(m))

	e.ObserveLandmarks(faces())
	e.ObserveVisibility(true)
	e.ObserveVisibility(true)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "proctorlive.integrity.violations" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", met.Data)
			}
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(attribute.Key("kind"))
				got[v.AsString()] += dp.Value
			}
		}
	}
	if got["NO_FACE"] != 1 || got["TAB_SWITCH"] != 2 {
		t.Errorf("violations by kind = %v", got)
	}
}
