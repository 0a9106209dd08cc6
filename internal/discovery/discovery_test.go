package discovery

import (
	"io"
	"testing"
	"time"

	"go.bug.st/serial/enumerator"

	"shacodriver/internal/machine"
)

func TestEqualHex(t *testing.T) {
	if !equalHex("2341", "2341") {
		t.Fatalf("expected equal")
	}
	if equalHex("2341", "0043") {
		t.Fatalf("expected not equal")
	}
	if equalHex("not-hex", "2341") {
		t.Fatalf("expected malformed input to not match")
	}
}

func TestVendorAndProductMatch(t *testing.T) {
	match := &enumerator.PortDetails{IsUSB: true, VID: "2341", PID: "0043"}
	if !vendorAndProductMatch(match) {
		t.Fatalf("expected VID/PID match")
	}

	wrongPID := &enumerator.PortDetails{IsUSB: true, VID: "2341", PID: "9999"}
	if vendorAndProductMatch(wrongPID) {
		t.Fatalf("expected mismatch on PID")
	}

	notUSB := &enumerator.PortDetails{IsUSB: false, VID: "2341", PID: "0043"}
	if vendorAndProductMatch(notUSB) {
		t.Fatalf("expected non-USB port to never match")
	}
}

// fakePipePort answers the $I handshake with a canned identity reply.
type fakePipePort struct {
	reply  []byte
	offset int
}

func (p *fakePipePort) Write(b []byte) (int, error) { return len(b), nil }

func (p *fakePipePort) Read(b []byte) (int, error) {
	if p.offset >= len(p.reply) {
		return 0, io.EOF
	}
	n := copy(b, p.reply[p.offset:])
	p.offset += n
	return n, nil
}

func (p *fakePipePort) Close() error { return nil }

type fakeLister struct {
	ports []*enumerator.PortDetails
}

func (f fakeLister) List() ([]*enumerator.PortDetails, error) { return f.ports, nil }

type fakeOpener struct {
	port io.ReadWriteCloser
}

func (f fakeOpener) Open(name string) (io.ReadWriteCloser, error) { return f.port, nil }

type captureObserver struct {
	found chan machine.Identity
}

func (c *captureObserver) ScanStarted() {}
func (c *captureObserver) PortFound(id machine.Identity) {
	c.found <- id
}

func TestScanOnceFindsMatchingPort(t *testing.T) {
	reply := []byte("[PolyShaper Oranje][PN1 SN1 1.0.0]\r\nok\r\n")
	port := &fakePipePort{reply: reply}

	lister := fakeLister{ports: []*enumerator.PortDetails{
		{Name: "COM3", IsUSB: true, VID: "2341", PID: "0043"},
	}}
	opener := fakeOpener{port: port}
	obs := &captureObserver{found: make(chan machine.Identity, 1)}

	d := NewWithBackend(lister, opener, time.Hour, 5, obs)
	if !d.scanOnce() {
		t.Fatalf("expected scanOnce to find the matching port")
	}

	select {
	case id := <-obs.found:
		if id.Name != "Oranje" {
			t.Fatalf("unexpected identity: %+v", id)
		}
	default:
		t.Fatalf("expected PortFound to have fired")
	}

	if obtained := d.Obtain(); obtained == nil {
		t.Fatalf("expected the opened port to be obtainable")
	}
	if d.Obtain() != nil {
		t.Fatalf("expected Obtain to be one-shot")
	}
}

func TestScanOnceSkipsNonMatchingPorts(t *testing.T) {
	lister := fakeLister{ports: []*enumerator.PortDetails{
		{Name: "COM1", IsUSB: true, VID: "0000", PID: "0000"},
	}}
	opener := fakeOpener{port: &fakePipePort{reply: []byte("ok\r\n")}}
	obs := &captureObserver{found: make(chan machine.Identity, 1)}

	d := NewWithBackend(lister, opener, time.Hour, 5, obs)
	if d.scanOnce() {
		t.Fatalf("expected no match for a non-matching VID/PID")
	}
}

func TestScanOnceSkipsPortThatNeverAnswers(t *testing.T) {
	lister := fakeLister{ports: []*enumerator.PortDetails{
		{Name: "COM3", IsUSB: true, VID: "2341", PID: "0043"},
	}}
	opener := fakeOpener{port: &fakePipePort{reply: nil}}
	obs := &captureObserver{found: make(chan machine.Identity, 1)}

	d := NewWithBackend(lister, opener, time.Millisecond, 2, obs)
	if d.scanOnce() {
		t.Fatalf("expected no match when the candidate port never answers")
	}
}
