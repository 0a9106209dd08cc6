// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sender implements windowed G-code flow control against the
// firmware's bounded receive buffer: CommandSender tracks an in-flight
// window and a pending queue, draining pending commands into the window as
// "ok"/"error" replies free up space.
package sender

import (
	"bytes"
	"log/slog"
	"regexp"
	"strconv"

	"shacodriver/internal/link"
)

// grblBufferSize is the firmware's receive-buffer bound in bytes.
const grblBufferSize = 128

var (
	okPattern    = regexp.MustCompile(`^ok$`)
	errorPattern = regexp.MustCompile(`^error:([0-9]+)$`)
)

// CorrelationID is an opaque identifier the caller attaches to a command to
// match it up with the reply it eventually produces.
type CorrelationID uint64

// Listener receives per-command lifecycle events. A command submitted
// without a listener (nil) is fire-and-forget.
type Listener interface {
	CommandSent(id CorrelationID)
	OkReply(id CorrelationID)
	ErrorReply(id CorrelationID, code int)
	ReplyLost(id CorrelationID, commandSent bool)
}

type inFlightCommand struct {
	id       CorrelationID
	listener Listener
	size     int
}

type queuedCommand struct {
	id       CorrelationID
	listener Listener
	data     []byte
}

// Sender implements windowed flow control. It is not safe for concurrent
// use from multiple goroutines; callers are expected to drive it from a
// single domain goroutine, same as the rest of the driver's components.
type Sender struct {
	link *link.MachineLink

	inFlight  []inFlightCommand
	sentBytes int
	pending   []queuedCommand

	listeners map[Listener]struct{}
	resetting bool
}

// New builds a CommandSender writing through the given link. Subscribes
// itself to the link's observer list to hear replies and reset triggers.
func New(l *link.MachineLink) *Sender {
	s := &Sender{
		link:      l,
		listeners: make(map[Listener]struct{}),
	}
	l.Subscribe(senderObserver{s})
	return s
}

// senderObserver adapts Sender to link.Observer without exposing the
// Observer methods on Sender's own public surface.
type senderObserver struct {
	s *Sender
}

func (o senderObserver) DataSent([]byte)     {}
func (o senderObserver) DataReceived([]byte) {}

func (o senderObserver) MessageReceived(msg []byte) {
	o.s.messageReceived(msg)
}

func (o senderObserver) PortClosed()               { o.s.resetState() }
func (o senderObserver) PortClosedWithError(string) { o.s.resetState() }
func (o senderObserver) MachineInitialized()        { o.s.resetState() }

// Unsubscribe revokes a listener's registration. Commands already queued
// under that listener are still dispatched against the window; only their
// callbacks are skipped from this point on. This is the explicit analogue
// of the original's weak-reference-plus-destruction-hook: Go has no
// deterministic object-destroyed notification, so callers that own a
// listener revoke it themselves when it goes away.
func (s *Sender) Unsubscribe(l Listener) {
	delete(s.listeners, l)
}

// PendingCount returns the number of commands accepted but not yet written
// (the pending queue only — in-flight commands awaiting a reply don't
// count).
func (s *Sender) PendingCount() int {
	return len(s.pending)
}

// SendCommand validates and submits a command. Returns false without any
// side effect if the command fails validation.
func (s *Sender) SendCommand(command []byte, id CorrelationID, listener Listener) bool {
	fixed, ok := validateAndFixCommand(command)
	if !ok {
		return false
	}

	if listener != nil {
		if _, seen := s.listeners[listener]; !seen {
			s.listeners[listener] = struct{}{}
		}
	}

	if len(s.pending) == 0 && s.canSend(fixed) {
		s.enqueueAndSend(id, listener, fixed)
	} else {
		s.pending = append(s.pending, queuedCommand{id: id, listener: listener, data: fixed})
	}

	return true
}

func (s *Sender) canSend(command []byte) bool {
	return s.sentBytes+len(command) <= grblBufferSize
}

func (s *Sender) enqueueAndSend(id CorrelationID, listener Listener, data []byte) {
	s.inFlight = append(s.inFlight, inFlightCommand{id: id, listener: listener, size: len(data)})
	s.sentBytes += len(data)
	s.link.WriteData(data)

	if s.validListener(listener) {
		listener.CommandSent(id)
	}
}

func (s *Sender) validListener(l Listener) bool {
	if l == nil {
		return false
	}
	_, ok := s.listeners[l]
	return ok
}

func (s *Sender) messageReceived(msg []byte) {
	if okPattern.Match(msg) {
		s.dequeueSuccessful()
		s.drainPending()
		return
	}

	if m := errorPattern.FindSubmatch(msg); m != nil {
		code, err := strconv.Atoi(string(m[1]))
		if err != nil {
			return
		}
		s.dequeueFailed(code)
		s.drainPending()
		return
	}

	// Any other message is ignored — it belongs to StatusMonitor or is
	// diagnostic text.
}

func (s *Sender) dequeueSuccessful() {
	if len(s.inFlight) == 0 {
		slog.Warn("unexpected ok reply with empty in-flight window")
		return
	}
	cmd := s.popInFlight()
	if s.validListener(cmd.listener) {
		cmd.listener.OkReply(cmd.id)
	}
}

func (s *Sender) dequeueFailed(code int) {
	if len(s.inFlight) == 0 {
		slog.Warn("unexpected error reply with empty in-flight window", "code", code)
		return
	}
	cmd := s.popInFlight()
	if s.validListener(cmd.listener) {
		cmd.listener.ErrorReply(cmd.id, code)
	}
}

func (s *Sender) popInFlight() inFlightCommand {
	cmd := s.inFlight[0]
	s.inFlight = s.inFlight[1:]
	s.sentBytes -= cmd.size
	return cmd
}

func (s *Sender) drainPending() {
	for len(s.pending) > 0 && s.canSend(s.pending[0].data) {
		c := s.pending[0]
		s.pending = s.pending[1:]
		s.enqueueAndSend(c.id, c.listener, c.data)
	}
}

// resetState clears both queues and notifies every listener that its
// reply is lost. Guarded against re-entrancy: a ReplyLost callback that
// itself triggers another reset (e.g. by calling link.HardReset, which
// re-emits MachineInitialized synchronously) must not recurse.
func (s *Sender) resetState() {
	if s.resetting {
		return
	}
	s.resetting = true
	defer func() { s.resetting = false }()

	inFlight := s.inFlight
	pending := s.pending
	s.inFlight = nil
	s.pending = nil
	s.sentBytes = 0

	for _, c := range inFlight {
		if s.validListener(c.listener) {
			c.listener.ReplyLost(c.id, true)
		}
	}
	for _, c := range pending {
		if s.validListener(c.listener) {
			c.listener.ReplyLost(c.id, false)
		}
	}
}

// validateAndFixCommand normalizes a command: appends '\n' if missing,
// then rejects it if the result exceeds the firmware buffer, contains a
// '\n' anywhere but the very end, or contains '\r' at all.
func validateAndFixCommand(command []byte) ([]byte, bool) {
	fixed := command
	if len(fixed) == 0 || fixed[len(fixed)-1] != '\n' {
		fixed = append(append([]byte{}, command...), '\n')
	}

	if len(fixed) > grblBufferSize {
		return nil, false
	}
	if bytes.IndexByte(fixed, '\n') != len(fixed)-1 {
		return nil, false
	}
	if bytes.IndexByte(fixed, '\r') != -1 {
		return nil, false
	}

	return fixed, true
}
