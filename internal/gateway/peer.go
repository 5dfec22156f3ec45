package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/proctorlive/internal/playback"
	"github.com/MrWong99/proctorlive/internal/proctor"
	"github.com/MrWong99/proctorlive/internal/session"
	"github.com/MrWong99/proctorlive/internal/transcript"
)

var errPeerGone = errors.New("gateway: connection closed")

// outboundQueue is the number of server messages buffered per connection.
const outboundQueue = 256

type outbound struct {
	msg    any
	final  bool
	status websocket.StatusCode
}

// peer is the server side of one candidate connection. It is the session's
// playback output and observer; every message goes through a single writer
// goroutine.
type peer struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	log          *slog.Logger

	// Set before the session starts and read-only afterwards.
	sessionID   string
	clockOrigin func() time.Time

	out      chan outbound
	done     chan struct{}
	finished atomic.Bool
	dropped  atomic.Int64
}

var (
	_ playback.Output  = (*peer)(nil)
	_ session.Observer = (*peer)(nil)
)

func newPeer(ws *websocket.Conn, writeTimeout time.Duration, log *slog.Logger) *peer {
	return &peer{
		ws:           ws,
		writeTimeout: writeTimeout,
		log:          log,
		out:          make(chan outbound, outboundQueue),
		done:         make(chan struct{}),
	}
}

func (p *peer) writeLoop(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-p.out:
			if o.msg != nil {
				wctx, cancel := context.WithTimeout(ctx, p.writeTimeout)
				err := wsjson.Write(wctx, p.ws, o.msg)
				cancel()
				if err != nil {
					p.log.Debug("gateway: write", "err", err)
					p.ws.CloseNow()
					return
				}
			}
			if o.final {
				if err := p.ws.Close(o.status, ""); err != nil {
					p.log.Debug("gateway: close", "err", err)
				}
				return
			}
		}
	}
}

// send queues msg, waiting while the queue is full.
func (p *peer) send(msg any) error {
	if p.finished.Load() {
		return errPeerGone
	}
	select {
	case p.out <- outbound{msg: msg}:
		return nil
	case <-p.done:
		return errPeerGone
	}
}

// sendLossy queues msg unless the queue is full.
func (p *peer) sendLossy(msg any) {
	if p.finished.Load() {
		return
	}
	select {
	case p.out <- outbound{msg: msg}:
	default:
		p.dropped.Add(1)
	}
}

// finish queues a last message, which may be nil, and closes the connection
// after it has been written. Only the first call has an effect.
func (p *peer) finish(msg any, status websocket.StatusCode) {
	if !p.finished.CompareAndSwap(false, true) {
		return
	}
	select {
	case p.out <- outbound{msg: msg, final: true, status: status}:
	case <-p.done:
	}
}

// wait blocks until the writer has exited or d has elapsed.
func (p *peer) wait(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.done:
	case <-t.C:
	}
}

// ── playback.Output ────────────────────────────────────────────────────────────

func (p *peer) Play(v playback.Voice) error {
	return p.send(AudioMessage{
		Type:       MsgAudio,
		ID:         v.ID,
		Start:      v.Start.Seconds(),
		SampleRate: v.Buffer.SampleRate,
		Data:       v.PCM,
	})
}

func (p *peer) Stop(ids []uint64) {
	if err := p.send(StopMessage{Type: MsgStop, IDs: ids}); err != nil {
		p.log.Debug("gateway: stop voices", "err", err)
	}
}

// ── session.Observer ───────────────────────────────────────────────────────────

func (p *peer) OnState(st session.State) {
	msg := StateMessage{Type: MsgState, State: st, SessionID: p.sessionID}
	if st == session.StateActive && p.clockOrigin != nil {
		if origin := p.clockOrigin(); !origin.IsZero() {
			msg.ClockOrigin = origin.UnixMilli()
		}
	}
	_ = p.send(msg)
}

func (p *peer) OnLevel(level float64) {
	p.sendLossy(LevelMessage{Type: MsgLevel, Level: level})
}

func (p *peer) OnTranscript(turns []transcript.Turn) {
	_ = p.send(TranscriptMessage{Type: MsgTranscript, Turns: turns})
}

func (p *peer) OnProctor(st proctor.Status) {
	_ = p.send(ProctorMessage{Type: MsgProctor, Status: st, Alert: st.Alert()})
}

func (p *peer) OnResult(r session.Result) {
	n := len(r.Snapshots)
	r.Snapshots = nil
	p.finish(ResultMessage{Type: MsgResult, Result: r, SnapshotCount: n}, websocket.StatusNormalClosure)
}
