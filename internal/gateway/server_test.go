package gateway_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/proctorlive/internal/frames"
	"github.com/MrWong99/proctorlive/internal/gateway"
	"github.com/MrWong99/proctorlive/internal/handoff"
	"github.com/MrWong99/proctorlive/internal/observe"
	"github.com/MrWong99/proctorlive/internal/proctor"
	"github.com/MrWong99/proctorlive/internal/session"
	"github.com/MrWong99/proctorlive/pkg/provider/agent"
	agentmock "github.com/MrWong99/proctorlive/pkg/provider/agent/mock"
	visionmock "github.com/MrWong99/proctorlive/pkg/provider/vision/mock"
)

// ── Test helpers ───────────────────────────────────────────────────────────────

type testLauncher struct {
	provider *agentmock.Provider
	agent    *agentmock.Session
	sink     *handoff.Memory
	err      error
}

func newTestLauncher() *testLauncher {
	sess := agentmock.NewSession()
	return &testLauncher{
		provider: &agentmock.Provider{Session: sess},
		agent:    sess,
		sink:     handoff.NewMemory(0),
	}
}

func (l *testLauncher) Launch(_ context.Context, req gateway.LaunchRequest) (*session.Session, error) {
	if l.err != nil {
		return nil, l.err
	}
	met, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		return nil, err
	}
	s, err := session.New(session.Config{
		CandidateID:   req.CandidateID,
		CandidateName: req.CandidateName,
		Proctor:       proctor.DefaultConfig(),
		Frames:        frames.Config{Interval: time.Hour},
	}, session.Deps{
		Device:   req.Device,
		Agent:    l.provider,
		Detector: &visionmock.Detector{},
		Output:   req.Output,
		Observer: req.Observer,
		Sink:     l.sink,
		Metrics:  met,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func startServer(t *testing.T, l gateway.Launcher) string {
	t.Helper()
	mux := http.NewServeMux()
	gateway.NewServer(l, gateway.WithHelloTimeout(time.Second)).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + gateway.Path
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, v); err != nil {
		t.Fatalf("writeJSON: %v", err)
	}
}

type envelope struct {
	Type string `json:"type"`
}

// readUntil reads server messages until one of type typ arrives and decodes
// it into v. It returns the types of the messages skipped on the way.
func readUntil(t *testing.T, conn *websocket.Conn, typ string, v any) []envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var seen []envelope
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for %q: %v (seen %v)", typ, err, types(seen))
		}
		var e envelope
		if err := json.Unmarshal(data, &e); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if e.Type == typ {
			if v != nil {
				if err := json.Unmarshal(data, v); err != nil {
					t.Fatalf("decode %s: %v", typ, err)
				}
			}
			return seen
		}
		seen = append(seen, e)
	}
}

func types(es []envelope) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Type
	}
	return out
}

func waitState(t *testing.T, conn *websocket.Conn, want session.State) gateway.StateMessage {
	t.Helper()
	for {
		var m gateway.StateMessage
		readUntil(t, conn, gateway.MsgState, &m)
		if m.State == want {
			return m
		}
	}
}

func float32Frame(samples int, value float32) []byte {
	b := make([]byte, 1+4*samples)
	b[0] = gateway.TagAudioFloat32
	for i := range samples {
		binary.LittleEndian.PutUint32(b[1+4*i:], math.Float32bits(value))
	}
	return b
}

// ── Tests ──────────────────────────────────────────────────────────────────────

func TestGateway_FullInterview(t *testing.T) {
	t.Parallel()

	l := newTestLauncher()
	conn := dial(t, startServer(t, l))

	helloAt := time.Now().UnixMilli()
	writeJSON(t, conn, gateway.ClientMessage{
		Type:          gateway.MsgHello,
		CandidateID:   "cand-7",
		CandidateName: "Grace",
		Permission:    gateway.PermissionGranted,
	})
	active := waitState(t, conn, session.StateActive)
	if active.SessionID == "" {
		t.Error("state message has no session id")
	}
	if o := active.ClockOrigin; o < helloAt || o > time.Now().UnixMilli() {
		t.Errorf("clock origin = %d, want between hello (%d) and now", o, helloAt)
	}

	// Candidate audio reaches the agent as PCM16.
	ctx := context.Background()
	if err := conn.Write(ctx, websocket.MessageBinary, float32Frame(1600, 0.1)); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	select {
	case <-l.agent.Sent():
	case <-time.After(3 * time.Second):
		t.Fatal("no media reached the agent")
	}
	if got := l.agent.Media(agent.MIMEAudioPCM16); len(got) != 1 || len(got[0].Data) != 3200 {
		t.Errorf("uplinked audio = %d chunks", len(got))
	}

	// Agent speech and transcript reach the browser.
	l.agent.Push(agent.Event{Kind: agent.EventOutputTranscript, Text: "Hello Grace."})
	l.agent.Push(agent.Event{Kind: agent.EventAudio, Audio: make([]byte, 960)})

	var audioMsg gateway.AudioMessage
	readUntil(t, conn, gateway.MsgAudio, &audioMsg)
	if len(audioMsg.Data) != 960 || audioMsg.Start < 0 {
		t.Errorf("audio message = %+v", audioMsg)
	}
	writeJSON(t, conn, gateway.ClientMessage{Type: gateway.MsgPlayed, ID: audioMsg.ID})

	writeJSON(t, conn, gateway.ClientMessage{Type: gateway.MsgEnd})
	var res gateway.ResultMessage
	readUntil(t, conn, gateway.MsgResult, &res)

	if res.Result.EndReason != session.ReasonUser {
		t.Errorf("end reason = %q, want %q", res.Result.EndReason, session.ReasonUser)
	}
	if res.Result.CandidateID != "cand-7" || res.Result.SessionID != active.SessionID {
		t.Errorf("result = %+v", res.Result)
	}
	if len(res.Result.Transcript) != 1 || res.Result.Transcript[0].Text != "Hello Grace." {
		t.Errorf("transcript = %+v", res.Result.Transcript)
	}
	if _, err := l.sink.Get(ctx, active.SessionID); err != nil {
		t.Error("result was not handed off")
	}

	// The server closes the connection after the result.
	rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(rctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("close = %v, want normal closure", err)
	}
}

func TestGateway_PermissionDenied(t *testing.T) {
	t.Parallel()

	l := newTestLauncher()
	conn := dial(t, startServer(t, l))

	writeJSON(t, conn, gateway.ClientMessage{Type: gateway.MsgHello, Permission: gateway.PermissionDenied})

	var e gateway.ErrorMessage
	seen := readUntil(t, conn, gateway.MsgError, &e)
	if e.Code != gateway.CodePermissionDenied {
		t.Errorf("code = %q, want %q", e.Code, gateway.CodePermissionDenied)
	}
	if len(seen) != 2 {
		t.Errorf("messages before error = %v, want connecting and idle states", types(seen))
	}
	if n := len(l.provider.Calls()); n != 0 {
		t.Errorf("agent connects = %d, want 0", n)
	}
}

func TestGateway_PermissionAfterHello(t *testing.T) {
	t.Parallel()

	l := newTestLauncher()
	conn := dial(t, startServer(t, l))

	writeJSON(t, conn, gateway.ClientMessage{Type: gateway.MsgHello, CandidateID: "c"})
	waitState(t, conn, session.StateConnecting)
	writeJSON(t, conn, gateway.ClientMessage{Type: gateway.MsgPermission, Permission: gateway.PermissionGranted})
	waitState(t, conn, session.StateActive)
}

func TestGateway_BadHello(t *testing.T) {
	t.Parallel()

	l := newTestLauncher()
	conn := dial(t, startServer(t, l))

	writeJSON(t, conn, gateway.ClientMessage{Type: gateway.MsgMic, Enabled: true})

	var e gateway.ErrorMessage
	readUntil(t, conn, gateway.MsgError, &e)
	if e.Code != gateway.CodeBadRequest {
		t.Errorf("code = %q, want %q", e.Code, gateway.CodeBadRequest)
	}
}

func TestGateway_LaunchFailure(t *testing.T) {
	t.Parallel()

	l := newTestLauncher()
	l.err = errors.New("at capacity")
	conn := dial(t, startServer(t, l))

	writeJSON(t, conn, gateway.ClientMessage{Type: gateway.MsgHello, Permission: gateway.PermissionGranted})

	var e gateway.ErrorMessage
	readUntil(t, conn, gateway.MsgError, &e)
	if e.Code != gateway.CodeUnavailable || !strings.Contains(e.Message, "at capacity") {
		t.Errorf("error = %+v", e)
	}
}

func TestGateway_ConnectFailure(t *testing.T) {
	t.Parallel()

	l := newTestLauncher()
	l.provider.ConnectErr = errors.New("dial tcp: refused")
	conn := dial(t, startServer(t, l))

	writeJSON(t, conn, gateway.ClientMessage{Type: gateway.MsgHello, Permission: gateway.PermissionGranted})

	var e gateway.ErrorMessage
	readUntil(t, conn, gateway.MsgError, &e)
	if e.Code != gateway.CodeConnectFailed {
		t.Errorf("code = %q, want %q", e.Code, gateway.CodeConnectFailed)
	}
}

func TestGateway_DisconnectEndsSession(t *testing.T) {
	t.Parallel()

	l := newTestLauncher()
	conn := dial(t, startServer(t, l))

	writeJSON(t, conn, gateway.ClientMessage{Type: gateway.MsgHello, Permission: gateway.PermissionGranted})
	active := waitState(t, conn, session.StateActive)
	conn.CloseNow()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if r, err := l.sink.Get(context.Background(), active.SessionID); err == nil {
			if r.EndReason != session.ReasonDisconnect {
				t.Errorf("end reason = %q, want %q", r.EndReason, session.ReasonDisconnect)
			}
			if l.agent.Closes() == 0 {
				t.Error("agent stream was not closed")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no result after disconnect")
}

func TestGateway_AgentCloseSendsResult(t *testing.T) {
	t.Parallel()

	l := newTestLauncher()
	conn := dial(t, startServer(t, l))

	writeJSON(t, conn, gateway.ClientMessage{Type: gateway.MsgHello, Permission: gateway.PermissionGranted})
	waitState(t, conn, session.StateActive)

	writeJSON(t, conn, gateway.ClientMessage{Type: gateway.MsgVisibility, Hidden: true})
	var st gateway.ProctorMessage
	readUntil(t, conn, gateway.MsgProctor, &st)

	l.agent.Finish(errors.New("remote went away"))

	var res gateway.ResultMessage
	readUntil(t, conn, gateway.MsgResult, &res)
	if res.Result.EndReason != session.ReasonAgentError {
		t.Errorf("end reason = %q, want %q", res.Result.EndReason, session.ReasonAgentError)
	}
}
