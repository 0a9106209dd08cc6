package monitor

import (
	"testing"
	"time"

	"shacodriver/internal/link"
	"shacodriver/internal/machine"
)

type recordingObserver struct {
	transitions [][2]machine.State
}

func (r *recordingObserver) StateChanged(old, current machine.State) {
	r.transitions = append(r.transitions, [2]machine.State{old, current})
}

func TestHandleMessageDecodesStatusFrame(t *testing.T) {
	l := link.New(0, 0)
	m := New(l, time.Hour, time.Hour)
	obs := &recordingObserver{}
	m.Subscribe(obs)

	m.handleMessage([]byte("<Idle|MPos:0.0,0.0,0.0>"))

	if m.State() != machine.Idle {
		t.Fatalf("expected Idle, got %v", m.State())
	}
	if len(obs.transitions) != 1 || obs.transitions[0][1] != machine.Idle {
		t.Fatalf("expected one transition to Idle, got %v", obs.transitions)
	}
}

func TestHandleMessageIgnoresNonStatusFrames(t *testing.T) {
	l := link.New(0, 0)
	m := New(l, time.Hour, time.Hour)
	obs := &recordingObserver{}
	m.Subscribe(obs)

	m.handleMessage([]byte("ok"))

	if len(obs.transitions) != 0 {
		t.Fatalf("expected no state transition for a non-status message")
	}
}

func TestStateChangedOnlyFiresOnActualChange(t *testing.T) {
	l := link.New(0, 0)
	m := New(l, time.Hour, time.Hour)
	obs := &recordingObserver{}
	m.Subscribe(obs)

	m.handleMessage([]byte("<Run|MPos:0,0,0>"))
	m.handleMessage([]byte("<Run|MPos:1,1,1>"))

	if len(obs.transitions) != 1 {
		t.Fatalf("expected exactly one transition despite two Run frames, got %v", obs.transitions)
	}
}

func TestWatchdogFiresOnSilence(t *testing.T) {
	l := link.New(0, 0)
	m := New(l, time.Hour, 20*time.Millisecond)
	closed := make(chan struct{})
	l.Subscribe(closeSpy{closed})
	l.Adopt(&blockingPort{})
	m.Start()
	defer m.Stop()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatalf("expected watchdog to close the link on silence")
	}
}

func TestWatchdogResetBySimulatedTraffic(t *testing.T) {
	l := link.New(0, 0)
	m := New(l, time.Hour, 60*time.Millisecond)
	closed := make(chan struct{})
	l.Subscribe(closeSpy{closed})
	l.Adopt(&blockingPort{})
	m.Start()
	defer m.Stop()

	stop := time.After(150 * time.Millisecond)
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-time.After(20 * time.Millisecond):
			m.resetWatchdog()
		}
	}

	select {
	case <-closed:
		t.Fatalf("watchdog fired despite repeated traffic resets")
	default:
	}
}

type closeSpy struct {
	closed chan struct{}
}

func (c closeSpy) DataSent([]byte)       {}
func (c closeSpy) DataReceived([]byte)   {}
func (c closeSpy) MessageReceived([]byte) {}
func (c closeSpy) PortClosed()           {}
func (c closeSpy) MachineInitialized()   {}

func (c closeSpy) PortClosedWithError(reason string) {
	close(c.closed)
}

// blockingPort stands in for a real serial handle: Read blocks forever
// (nothing to receive in these tests), Write/Close are no-ops.
type blockingPort struct{}

func (*blockingPort) Read(p []byte) (int, error)  { select {} }
func (*blockingPort) Write(p []byte) (int, error) { return len(p), nil }
func (*blockingPort) Close() error                { return nil }
