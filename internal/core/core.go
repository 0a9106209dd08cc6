// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package core

import (
	"log/slog"

	"shacodriver/internal/discovery"
	"shacodriver/internal/link"
	"shacodriver/internal/machine"
	"shacodriver/internal/monitor"
	"shacodriver/internal/sender"
	"shacodriver/internal/streamer"
	"shacodriver/internal/wire"
)

// Observer is the single facade an external shell subscribes to for every
// event the driver produces, across discovery, connection lifecycle,
// machine state, wire state and streaming progress.
type Observer interface {
	ScanStarted()
	MachineConnected(identity machine.Identity)
	MachineDisconnected(reason string)
	StateChanged(old, current machine.State)
	WireOn()
	WireOff()
	TemperatureChanged(value float64)
	StreamingStarted(total int)
	LineSent(index, total int)
	StreamingEnded(reason streamer.Reason, description string)
}

// ControlCore owns the full component graph:
// SerialLink ⊂ MachineLink ⊂ {CommandSender, StatusMonitor, WireController} ⊂ GCodeStreamer,
// with PortDiscovery handing a live port to MachineLink once found.
type ControlCore struct {
	cfg Config

	link      *link.MachineLink
	sender    *sender.Sender
	monitor   *monitor.Monitor
	wire      *wire.Controller
	streamer  *streamer.Streamer
	discovery *discovery.PortDiscovery

	observers []Observer
}

// New builds the full component graph, wired but not yet scanning for a
// port. Call Start to begin discovery.
func New(cfg Config) *ControlCore {
	c := &ControlCore{cfg: cfg}

	c.link = link.New(cfg.CharSendDelay, cfg.HardResetDelay)
	c.sender = sender.New(c.link)
	c.monitor = monitor.New(c.link, cfg.PollingInterval, cfg.WatchdogDelay)
	c.wire = wire.New(c.link, c.sender, 0)
	c.streamer = streamer.New(c.link, c.sender, c.wire, c.monitor)
	c.discovery = discovery.New(cfg.ScanInterval, cfg.MaxIdentityAttempts, c)

	c.monitor.Subscribe(c)
	c.wire.Subscribe(c)
	c.streamer.Subscribe(c)
	c.link.Subscribe(coreLinkObserver{c})

	c.monitor.Start()

	return c
}

type coreLinkObserver struct{ c *ControlCore }

func (o coreLinkObserver) DataSent([]byte)        {}
func (o coreLinkObserver) DataReceived([]byte)    {}
func (o coreLinkObserver) MessageReceived([]byte) {}
func (o coreLinkObserver) MachineInitialized()    {}

func (o coreLinkObserver) PortClosed() {
	o.c.disconnected("port closed")
}

func (o coreLinkObserver) PortClosedWithError(reason string) {
	o.c.disconnected(reason)
}

func (c *ControlCore) disconnected(reason string) {
	for _, o := range c.observers {
		o.MachineDisconnected(reason)
	}
	go c.discovery.Start()
}

// Subscribe registers an external observer (the operator-facing shell).
func (c *ControlCore) Subscribe(o Observer) {
	c.observers = append(c.observers, o)
}

// Start begins the scan for a controller. Runs discovery on its own
// goroutine; MachineConnected fires once a port is adopted.
func (c *ControlCore) Start() {
	go c.discovery.Start()
}

// Stop halts any in-progress scan and tears down the link.
func (c *ControlCore) Stop() {
	c.discovery.Stop()
	c.monitor.Stop()
	c.link.Close()
}

// Streamer exposes the G-code streamer to the shell (Load/Start/Stop).
func (c *ControlCore) Streamer() *streamer.Streamer { return c.streamer }

// Wire exposes the wire controller to the shell.
func (c *ControlCore) Wire() *wire.Controller { return c.wire }

// ScanStarted implements discovery.Observer.
func (c *ControlCore) ScanStarted() {
	for _, o := range c.observers {
		o.ScanStarted()
	}
}

// PortFound implements discovery.Observer: adopts the discovered port and
// resyncs the wire controller's temperature ceiling from the identity.
func (c *ControlCore) PortFound(identity machine.Identity) {
	port := c.discovery.Obtain()
	if port == nil {
		slog.Error("discovery reported a port but none was obtainable")
		return
	}

	c.wire.SetMaxTemperature(identity.MaxWireTemperature())
	c.link.Adopt(port)

	for _, o := range c.observers {
		o.MachineConnected(identity)
	}
}

// StateChanged implements monitor.Observer.
func (c *ControlCore) StateChanged(old, current machine.State) {
	for _, o := range c.observers {
		o.StateChanged(old, current)
	}
}

// WireOn implements wire.Observer.
func (c *ControlCore) WireOn() {
	for _, o := range c.observers {
		o.WireOn()
	}
}

// WireOff implements wire.Observer.
func (c *ControlCore) WireOff() {
	for _, o := range c.observers {
		o.WireOff()
	}
}

// TemperatureChanged implements wire.Observer.
func (c *ControlCore) TemperatureChanged(value float64) {
	for _, o := range c.observers {
		o.TemperatureChanged(value)
	}
}

// StreamingStarted implements streamer.Observer.
func (c *ControlCore) StreamingStarted(total int) {
	for _, o := range c.observers {
		o.StreamingStarted(total)
	}
}

// LineSent implements streamer.Observer.
func (c *ControlCore) LineSent(index, total int) {
	for _, o := range c.observers {
		o.LineSent(index, total)
	}
}

// StreamingEnded implements streamer.Observer.
func (c *ControlCore) StreamingEnded(reason streamer.Reason, description string) {
	for _, o := range c.observers {
		o.StreamingEnded(reason, description)
	}
}
