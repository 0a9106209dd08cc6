// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package streamer drives a loaded G-code program through the sender's
// flow-controlled window, coordinating with the wire controller and the
// machine's reported run state so the wire switches on before cutting
// starts and the program is only considered finished once every
// acknowledgement has come back and the machine has returned to idle.
package streamer

import (
	"strconv"

	"shacodriver/internal/link"
	"shacodriver/internal/machine"
	"shacodriver/internal/monitor"
	"shacodriver/internal/sender"
	"shacodriver/internal/wire"
)

// Phase is the streamer's position in its run.
type Phase int

const (
	// Armed: a program is loaded but streaming hasn't been requested.
	Armed Phase = iota
	// WaitingIdle: streaming was requested; waiting for the machine to
	// report Idle before priming begins.
	WaitingIdle
	// Priming: wire switched on, first line submitted.
	Priming
	// Running: pumping lines into the sender's window as space frees up.
	Running
	// Draining: every line has been sent; waiting for outstanding
	// acknowledgements and a return to Idle.
	Draining
	// Ended: the stream finished or was aborted.
	Ended
)

func (p Phase) String() string {
	switch p {
	case Armed:
		return "armed"
	case WaitingIdle:
		return "waiting_idle"
	case Priming:
		return "priming"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

// Reason classifies why a stream ended.
type Reason int

const (
	// Completed: every line ran and the machine settled back to Idle.
	Completed Reason = iota
	// UserInterrupted: Stop was called mid-stream.
	UserInterrupted
	// PortError: the serial port closed or failed while streaming.
	PortError
	// StreamError: the program itself is malformed (a line failed
	// validation).
	StreamError
	// MachineError: the firmware rejected a command, or the machine
	// reported a state the stream can't continue through.
	MachineError
)

func (r Reason) String() string {
	switch r {
	case Completed:
		return "Completed"
	case UserInterrupted:
		return "UserInterrupted"
	case PortError:
		return "PortError"
	case StreamError:
		return "StreamError"
	case MachineError:
		return "MachineError"
	default:
		return "Unknown"
	}
}

// maxPendingLines bounds how far the pump runs ahead of the sender's
// window: once the sender holds this many not-yet-dispatched commands, the
// streamer waits for CommandSent before queuing more.
const maxPendingLines = 10

// Observer is notified of streaming lifecycle events.
type Observer interface {
	StreamingStarted(total int)
	LineSent(index, total int)
	StreamingEnded(reason Reason, description string)
}

// Streamer pumps a loaded program's lines through the sender. Not safe for
// concurrent use; driven from the single domain goroutine.
type Streamer struct {
	link    *link.MachineLink
	sender  *sender.Sender
	wire    *wire.Controller
	monitor *monitor.Monitor

	lines        [][]byte
	nextIndex    int
	expectedAcks int
	hasRun       bool
	phase        Phase

	observers []Observer
}

// New builds a Streamer wired to the given components. Subscribes to the
// link (for abrupt disconnects) and the monitor (for state transitions).
func New(l *link.MachineLink, s *sender.Sender, w *wire.Controller, m *monitor.Monitor) *Streamer {
	st := &Streamer{
		link:    l,
		sender:  s,
		wire:    w,
		monitor: m,
		phase:   Armed,
	}
	l.Subscribe(streamerLinkObserver{st})
	m.Subscribe(streamerMonitorObserver{st})
	return st
}

type streamerLinkObserver struct{ s *Streamer }

func (o streamerLinkObserver) DataSent([]byte)        {}
func (o streamerLinkObserver) DataReceived([]byte)    {}
func (o streamerLinkObserver) MessageReceived([]byte) {}

func (o streamerLinkObserver) PortClosed() {
	o.s.terminate(PortError, "Port closed")
}

func (o streamerLinkObserver) PortClosedWithError(reason string) {
	o.s.terminate(PortError, reason)
}

func (o streamerLinkObserver) MachineInitialized() {
	o.s.terminate(MachineError, "Machine was reinitialized")
}

type streamerMonitorObserver struct{ s *Streamer }

func (o streamerMonitorObserver) StateChanged(old, current machine.State) {
	o.s.stateChanged(current)
}

// Subscribe registers an observer for streaming lifecycle notifications.
func (s *Streamer) Subscribe(o Observer) {
	s.observers = append(s.observers, o)
}

// Phase returns the streamer's current phase.
func (s *Streamer) Phase() Phase {
	return s.phase
}

// Load arms the streamer with a new program. Only valid while Armed or
// Ended; a program in progress must be stopped first.
func (s *Streamer) Load(lines [][]byte) bool {
	if s.phase != Armed && s.phase != Ended {
		return false
	}
	s.lines = lines
	s.nextIndex = 0
	s.expectedAcks = 0
	s.hasRun = false
	s.phase = Armed
	return true
}

// Start requests streaming to begin. If the machine is already idle,
// priming starts immediately; otherwise the streamer waits for the next
// Idle transition.
func (s *Streamer) Start() bool {
	if s.phase != Armed || len(s.lines) == 0 {
		return false
	}
	s.phase = WaitingIdle
	if s.monitor.State() == machine.Idle {
		s.beginPriming()
	}
	return true
}

// Stop requests an immediate abort of an in-progress stream.
func (s *Streamer) Stop() {
	if s.phase == Armed || s.phase == Ended {
		return
	}
	s.terminate(UserInterrupted, "Stopped by user")
}

// isTerminatingState reports whether the machine reporting this state mid
// stream means the stream can no longer continue (spec §7).
func isTerminatingState(s machine.State) bool {
	switch s {
	case machine.Alarm, machine.Door, machine.Check, machine.Home, machine.Sleep, machine.Jog:
		return true
	default:
		return false
	}
}

func (s *Streamer) stateChanged(current machine.State) {
	switch s.phase {
	case WaitingIdle:
		if current == machine.Idle {
			s.beginPriming()
		} else if isTerminatingState(current) {
			s.terminate(MachineError, "Machine changed to unexpected state: "+current.String())
		}
	case Draining:
		if current == machine.Idle {
			s.tryComplete()
		} else if isTerminatingState(current) {
			s.terminate(MachineError, "Machine changed to unexpected state: "+current.String())
		}
	case Running:
		if isTerminatingState(current) {
			s.terminate(MachineError, "Machine changed to unexpected state: "+current.String())
		}
	}
}

func (s *Streamer) beginPriming() {
	s.phase = Priming
	s.wire.SwitchWireOn()
	for _, o := range s.observers {
		o.StreamingStarted(len(s.lines))
	}
	s.phase = Running
	s.pump()
}

// pump submits lines into the sender as long as fewer than maxPendingLines
// are sitting in its pending queue, itself as the listener so acks are
// counted against this run. CommandSent re-enters pump so the pipeline
// keeps itself topped up as the sender's window frees space, instead of
// shoving the whole remaining program into the pending queue at once.
func (s *Streamer) pump() {
	if s.phase != Running {
		return
	}

	for s.nextIndex < len(s.lines) && s.sender.PendingCount() < maxPendingLines {
		idx := s.nextIndex
		line := s.lines[idx]
		s.nextIndex++

		if !s.sender.SendCommand(line, sender.CorrelationID(idx), streamerListener{s}) {
			s.terminate(StreamError, "Invalid command in GCode stream")
			return
		}
	}

	if s.atEnd() && s.phase == Running {
		s.phase = Draining
		s.tryComplete()
	}
}

// atEnd reports whether every line has been submitted.
func (s *Streamer) atEnd() bool {
	return s.nextIndex >= len(s.lines)
}

// tryComplete checks the completion predicate: every line submitted, at
// least one line actually ran, no acknowledgement still outstanding, and
// the machine has settled back to Idle.
func (s *Streamer) tryComplete() {
	if s.phase != Draining {
		return
	}
	if s.atEnd() && s.hasRun && s.expectedAcks == 0 && s.monitor.State() == machine.Idle {
		s.terminate(Completed, "Streaming completed")
	}
}

// terminate ends an in-progress stream exactly once; a no-op while Armed
// (nothing running to end) or already Ended. Completion switches the wire
// off before announcing the end; every other reason hard-resets the machine
// instead, matching the original's finishStreaming()/onError() split.
func (s *Streamer) terminate(reason Reason, description string) {
	if s.phase == Armed || s.phase == Ended {
		return
	}
	s.phase = Ended

	if reason == Completed {
		s.wire.SwitchWireOff()
	} else {
		s.link.HardReset()
	}

	for _, o := range s.observers {
		o.StreamingEnded(reason, description)
	}
}

// streamerListener implements sender.Listener, counting acks back down as
// they settle so the completion predicate can observe expected_acks==0.
type streamerListener struct{ s *Streamer }

// CommandSent fires once the sender actually dispatches the line onto the
// wire (immediately, or later out of its pending queue as the window frees
// up) — only then is a reply actually expected, and only then has the line
// truly been "sent". Re-enters pump so the window stays topped up.
func (l streamerListener) CommandSent(id sender.CorrelationID) {
	l.s.expectedAcks++
	l.s.hasRun = true
	for _, o := range l.s.observers {
		o.LineSent(int(id), len(l.s.lines))
	}
	l.s.pump()
}

func (l streamerListener) OkReply(sender.CorrelationID) {
	l.s.ackSettled()
}

func (l streamerListener) ErrorReply(id sender.CorrelationID, code int) {
	l.s.terminate(MachineError, "Firmware replied with error:"+strconv.Itoa(code))
}

func (l streamerListener) ReplyLost(sender.CorrelationID, bool) {
	l.s.terminate(PortError, "Replies lost for submitted commands")
}

func (s *Streamer) ackSettled() {
	if s.expectedAcks > 0 {
		s.expectedAcks--
	}
	if s.phase == Draining {
		s.tryComplete()
	}
}
