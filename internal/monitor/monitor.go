// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package monitor polls the machine's status line and watches for silence.
// StatusMonitor sends periodic "?" immediate queries and tracks a watchdog
// timer reset by every inbound message; if the watchdog expires the link is
// torn down as a communication failure.
package monitor

import (
	"regexp"
	"sync"
	"time"

	"shacodriver/internal/link"
	"shacodriver/internal/machine"
)

var statusFramePattern = regexp.MustCompile(`^<([^>]*)>`)

// Observer is notified when the decoded machine state changes.
type Observer interface {
	StateChanged(old, current machine.State)
}

// Monitor polls for status frames and enforces a liveness watchdog.
type Monitor struct {
	link *link.MachineLink

	pollInterval     time.Duration
	watchdogInterval time.Duration

	mu        sync.Mutex
	state     machine.State
	observers []Observer

	stop     chan struct{}
	stopOnce sync.Once
	kick     chan struct{}
	reinit   chan struct{}
}

// New builds a Monitor and subscribes it to the link. pollInterval governs
// how often "?" is sent; watchdogInterval is the silence tolerance before
// the link is declared dead. Call Start to begin the timers.
func New(l *link.MachineLink, pollInterval, watchdogInterval time.Duration) *Monitor {
	m := &Monitor{
		link:             l,
		pollInterval:     pollInterval,
		watchdogInterval: watchdogInterval,
		state:            machine.Unknown,
		stop:             make(chan struct{}),
		kick:             make(chan struct{}, 1),
		reinit:           make(chan struct{}, 1),
	}
	l.Subscribe(monitorObserver{m})
	return m
}

type monitorObserver struct{ m *Monitor }

func (o monitorObserver) DataSent([]byte) {}

func (o monitorObserver) DataReceived([]byte) {
	o.m.resetWatchdog()
}

func (o monitorObserver) MessageReceived(msg []byte) {
	o.m.handleMessage(msg)
}

func (o monitorObserver) PortClosed()                {}
func (o monitorObserver) PortClosedWithError(string) {}

func (o monitorObserver) MachineInitialized() {
	o.m.setState(machine.Unknown)
	o.m.link.StatusQuery()
	o.m.signalReinit()
}

// Subscribe registers an observer for state-change notifications.
func (m *Monitor) Subscribe(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// State returns the last decoded machine state.
func (m *Monitor) State() machine.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start launches the monitor's goroutine. The polling and watchdog timers
// stay dormant until the first MachineInitialized. Stop tears it down.
func (m *Monitor) Start() {
	go m.run()
}

// Stop halts the polling and watchdog timers.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// run owns both timers but starts them stopped: per spec §4.6 polling and
// the watchdog only begin once a machine has actually initialized. Start
// just launches this idle loop; the first MachineInitialized arms them via
// reinit.
func (m *Monitor) run() {
	poll := time.NewTicker(m.pollInterval)
	poll.Stop()
	defer poll.Stop()
	watchdog := time.NewTimer(m.watchdogInterval)
	if !watchdog.Stop() {
		<-watchdog.C
	}
	defer watchdog.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-poll.C:
			m.link.StatusQuery()
		case <-m.kick:
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(m.watchdogInterval)
		case <-m.reinit:
			poll.Reset(m.pollInterval)
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(m.watchdogInterval)
		case <-watchdog.C:
			poll.Stop()
			m.link.CloseWithError("machine not answering")
		}
	}
}

// resetWatchdog signals run's select loop to restart the watchdog timer.
// Non-blocking: a pending unconsumed kick already implies the same effect.
func (m *Monitor) resetWatchdog() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// signalReinit tells run's select loop to restart both timers, following a
// machine initialization event (the MachineInitialized handler sends the
// immediate status query itself).
func (m *Monitor) signalReinit() {
	select {
	case m.reinit <- struct{}{}:
	default:
	}
}

func (m *Monitor) handleMessage(msg []byte) {
	match := statusFramePattern.FindSubmatch(msg)
	if match == nil {
		return
	}
	fields := match[1]
	stateField := fields
	if idx := indexByte(fields, '|'); idx >= 0 {
		stateField = fields[:idx]
	}
	m.setState(machine.ParseState(string(stateField)))
}

func (m *Monitor) setState(s machine.State) {
	m.mu.Lock()
	old := m.state
	if old == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	for _, o := range observers {
		o.StateChanged(old, s)
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
