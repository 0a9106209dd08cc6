package streamer

import (
	"io"
	"sync"
	"testing"
	"time"

	"shacodriver/internal/link"
	"shacodriver/internal/monitor"
	"shacodriver/internal/sender"
	"shacodriver/internal/wire"
)

// fakePort records every write and lets the test inject inbound frames
// through an io.Pipe, exercising the real link/sender/monitor stack instead
// of poking unexported state directly.
type fakePort struct {
	mu      sync.Mutex
	written [][]byte
	pr      *io.PipeReader
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	cp := append([]byte(nil), b...)
	p.written = append(p.written, cp)
	p.mu.Unlock()
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) { return p.pr.Read(b) }
func (p *fakePort) Close() error               { return p.pr.Close() }

type testRig struct {
	link     *link.MachineLink
	sender   *sender.Sender
	monitor  *monitor.Monitor
	wire     *wire.Controller
	streamer *Streamer
	port     *fakePort
	pw       *io.PipeWriter
}

func newTestRig() *testRig {
	pr, pw := io.Pipe()
	port := &fakePort{pr: pr}

	l := link.New(0, 0)
	s := sender.New(l)
	m := monitor.New(l, time.Hour, time.Hour) // polling/watchdog disabled for the test
	w := wire.New(l, s, 0)
	st := New(l, s, w, m)

	l.Adopt(port)

	return &testRig{link: l, sender: s, monitor: m, wire: w, streamer: st, port: port, pw: pw}
}

func (r *testRig) send(frame string) {
	r.pw.Write([]byte(frame))
}

// waitPhase polls until the streamer reaches want or a second passes, and
// returns the phase it ended on. Inbound frames are handled on the link's
// reader goroutine, which can still be working after send returns.
func (r *testRig) waitPhase(want Phase) Phase {
	deadline := time.Now().Add(time.Second)
	for r.streamer.Phase() != want && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	return r.streamer.Phase()
}

type endObserver struct {
	ended chan Reason
}

func (o *endObserver) StreamingStarted(int) {}
func (o *endObserver) LineSent(int, int)    {}
func (o *endObserver) StreamingEnded(reason Reason, description string) {
	o.ended <- reason
}

func TestStreamCompletesAfterAcksAndIdle(t *testing.T) {
	r := newTestRig()
	obs := &endObserver{ended: make(chan Reason, 1)}
	r.streamer.Subscribe(obs)

	if !r.streamer.Load([][]byte{[]byte("G1 X1"), []byte("G1 X2")}) {
		t.Fatalf("expected Load to succeed while Armed")
	}
	if !r.streamer.Start() {
		t.Fatalf("expected Start to succeed")
	}
	if r.streamer.Phase() != WaitingIdle {
		t.Fatalf("expected WaitingIdle before the machine reports Idle, got %v", r.streamer.Phase())
	}

	r.send("<Idle|MPos:0,0,0>\r\n")

	if got := r.waitPhase(Draining); got != Draining {
		t.Fatalf("expected Draining once both short lines fit the window, got %v", got)
	}

	// Five commands are in flight: the M5 and S0 the wire controller sent
	// when the port was adopted, the M3 wire-on issued by priming, then the
	// two G-code lines — the firmware acks all five in submission order.
	r.send("ok\r\n")
	r.send("ok\r\n")
	r.send("ok\r\n")
	r.send("ok\r\n")
	r.send("ok\r\n")

	select {
	case reason := <-obs.ended:
		if reason != Completed {
			t.Fatalf("expected stream to complete successfully, got %v", reason)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for StreamingEnded")
	}

	if r.streamer.Phase() != Ended {
		t.Fatalf("expected Ended, got %v", r.streamer.Phase())
	}
}

func TestPrematureIdleDoesNotCompleteBeforeAcksSettle(t *testing.T) {
	r := newTestRig()
	obs := &endObserver{ended: make(chan Reason, 1)}
	r.streamer.Subscribe(obs)

	r.streamer.Load([][]byte{[]byte("G1 X1")})
	r.streamer.Start()
	r.send("<Idle|MPos:0,0,0>\r\n")

	// Only one line was queued, so the window already holds it; the stream
	// must stay in Draining until its ok comes back, even though the
	// machine already reports Idle again (e.g. a very short move).
	if got := r.waitPhase(Draining); got != Draining {
		t.Fatalf("expected Draining, got %v", got)
	}
	select {
	case <-obs.ended:
		t.Fatalf("stream completed before its ack settled")
	default:
	}

	// The acks for the adoption-time M5 and S0 and for the M3 wire-on settle
	// first, then the line's own ack.
	r.send("ok\r\n")
	r.send("ok\r\n")
	r.send("ok\r\n")
	r.send("ok\r\n")

	select {
	case reason := <-obs.ended:
		if reason != Completed {
			t.Fatalf("expected successful completion, got %v", reason)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for completion after the ack arrived")
	}
}

func TestStopAbortsAndHardResets(t *testing.T) {
	r := newTestRig()
	obs := &endObserver{ended: make(chan Reason, 1)}
	r.streamer.Subscribe(obs)

	r.streamer.Load([][]byte{[]byte("G1 X1")})
	r.streamer.Start()
	r.send("<Idle|MPos:0,0,0>\r\n")

	r.streamer.Stop()

	select {
	case reason := <-obs.ended:
		if reason != UserInterrupted {
			t.Fatalf("expected UserInterrupted, got %v", reason)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for StreamingEnded after Stop")
	}

	r.port.mu.Lock()
	defer r.port.mu.Unlock()
	hardReset := false
	for _, w := range r.port.written {
		if len(w) == 1 && w[0] == link.CmdHardReset {
			hardReset = true
		}
	}
	if !hardReset {
		t.Fatalf("expected the hard-reset byte on the wire after Stop")
	}
}
