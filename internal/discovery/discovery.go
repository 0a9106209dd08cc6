// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package discovery probes USB serial ports for a PolyShaper-compatible
// controller: filter by VID/PID, open, send $I, and wait for a well-formed
// identity reply.
package discovery

import (
	"bytes"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"shacodriver/internal/machine"
)

const (
	vendorID  = "2341"
	productID = "0043"
	baudRate  = 115200
)

// PortLister abstracts port enumeration so tests can fake it without real
// hardware.
type PortLister interface {
	List() ([]*enumerator.PortDetails, error)
}

// PortOpener abstracts opening a named serial port.
type PortOpener interface {
	Open(name string) (io.ReadWriteCloser, error)
}

type realLister struct{}

func (realLister) List() ([]*enumerator.PortDetails, error) {
	return enumerator.GetDetailedPortsList()
}

type realOpener struct{}

func (realOpener) Open(name string) (io.ReadWriteCloser, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	// go.bug.st/serial does not model hardware flow control in serial.Mode;
	// asserting RTS is the closest approximation it offers (see DESIGN.md).
	_ = port.SetRTS(true)
	return port, nil
}

// Observer is notified of discovery lifecycle events.
type Observer interface {
	ScanStarted()
	PortFound(id machine.Identity)
}

// PortDiscovery runs a periodic scan for a matching controller. Contract:
// emits ScanStarted once on Start, emits PortFound exactly once, then stops
// scanning. After PortFound the caller retrieves the open port via Obtain
// (a one-shot transfer; later calls return nil).
type PortDiscovery struct {
	lister       PortLister
	opener       PortOpener
	scanInterval time.Duration
	maxAttempts  int
	observer     Observer
	stop         chan struct{}
	stopOnce     sync.Once
	mu           sync.Mutex
	obtainedPort io.ReadWriteCloser
}

// New builds a PortDiscovery with the default real port lister/opener.
func New(scanInterval time.Duration, maxAttempts int, observer Observer) *PortDiscovery {
	return NewWithBackend(realLister{}, realOpener{}, scanInterval, maxAttempts, observer)
}

// NewWithBackend builds a PortDiscovery against an injected lister/opener,
// for testing without real hardware.
func NewWithBackend(lister PortLister, opener PortOpener, scanInterval time.Duration, maxAttempts int, observer Observer) *PortDiscovery {
	return &PortDiscovery{
		lister:       lister,
		opener:       opener,
		scanInterval: scanInterval,
		maxAttempts:  maxAttempts,
		observer:     observer,
		stop:         make(chan struct{}),
	}
}

// Start begins the scan loop. Runs until a matching port is found or Stop
// is called. Meant to run on its own goroutine — the discovered-port
// transfer happens through Obtain, not a return value, so the caller can
// stop watching this goroutine once PortFound fires.
func (d *PortDiscovery) Start() {
	d.observer.ScanStarted()
	ticker := time.NewTicker(d.scanInterval)
	defer ticker.Stop()

	if d.scanOnce() {
		return
	}
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			if d.scanOnce() {
				return
			}
		}
	}
}

// Stop halts scanning early (e.g. shell shutdown before a port was found).
func (d *PortDiscovery) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
}

// Obtain returns the discovered, already-open port exactly once. Subsequent
// calls return nil.
func (d *PortDiscovery) Obtain() io.ReadWriteCloser {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.obtainedPort
	d.obtainedPort = nil
	return p
}

// scanOnce lists ports, tries each VID/PID match in listing order, and
// returns true once a port has been adopted.
func (d *PortDiscovery) scanOnce() bool {
	ports, err := d.lister.List()
	if err != nil {
		slog.Warn("failed to list serial ports", "error", err)
		return false
	}

	for _, p := range ports {
		if !vendorAndProductMatch(p) {
			continue
		}

		port, err := d.opener.Open(p.Name)
		if err != nil {
			slog.Debug("failed to open candidate port", "port", p.Name, "error", err)
			continue
		}

		id, ok := d.probeIdentity(port)
		if !ok {
			port.Close()
			continue
		}

		d.mu.Lock()
		d.obtainedPort = port
		d.mu.Unlock()
		d.observer.PortFound(id)
		return true
	}
	return false
}

func vendorAndProductMatch(p *enumerator.PortDetails) bool {
	if !p.IsUSB {
		return false
	}
	return equalHex(p.VID, vendorID) && equalHex(p.PID, productID)
}

func equalHex(a, b string) bool {
	av, erra := strconv.ParseUint(a, 16, 32)
	bv, errb := strconv.ParseUint(b, 16, 32)
	return erra == nil && errb == nil && av == bv
}

// probeIdentity writes $I and reads up to maxAttempts chunks (100 bytes /
// 1s each) until the accumulated buffer ends with "ok\r\n", then tries to
// parse the identity frame out of it.
func (d *PortDiscovery) probeIdentity(port io.ReadWriteCloser) (machine.Identity, bool) {
	if _, err := port.Write([]byte("$I\n")); err != nil {
		return machine.Identity{}, false
	}

	var answer []byte
	for i := 0; i < d.maxAttempts && !bytes.HasSuffix(answer, []byte("ok\r\n")); i++ {
		// A fresh buffer each attempt. Any read error, a timeout included,
		// ends the probe; on timeout the read goroutine is abandoned still
		// blocked in Read until the caller closes the port.
		chunk := make([]byte, 100)
		n, err := readWithTimeout(port, chunk, time.Second)
		if n > 0 {
			answer = append(answer, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}

	return machine.ParseIdentity(answer)
}
