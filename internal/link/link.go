// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package link implements the framing and immediate-command layer over the
// serial port: MachineLink assembles \r\n-delimited messages out of a raw
// byte stream and exposes the single-byte immediate commands (feed-hold,
// resume, soft/hard reset) plus line writes for G-code.
package link

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"time"
)

// MachineLink owns the serial handle once a port has been adopted from
// discovery. At most one port is owned at a time; writes while no port is
// owned are silent no-ops, matching the original's behavior before a
// machine has been found.
type MachineLink struct {
	charSendDelay  time.Duration
	hardResetDelay time.Duration

	mu        sync.Mutex
	port      io.ReadWriteCloser
	buf       []byte
	observers []Observer
	readDone  chan struct{}
}

// New creates a MachineLink with no port adopted yet. charSendDelay paces
// outbound bytes (0 means back-to-back writes); hardResetDelay is the sleep
// after a hard reset byte is written, to give the firmware time to restart.
func New(charSendDelay, hardResetDelay time.Duration) *MachineLink {
	return &MachineLink{
		charSendDelay:  charSendDelay,
		hardResetDelay: hardResetDelay,
	}
}

// Subscribe registers an observer for link events. Not safe to call
// concurrently with link activity; subscribe everyone before Adopt.
func (l *MachineLink) Subscribe(o Observer) {
	l.mu.Lock()
	l.observers = append(l.observers, o)
	l.mu.Unlock()
}

func (l *MachineLink) snapshotObservers() []Observer {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Observer, len(l.observers))
	copy(out, l.observers)
	return out
}

// Adopt takes ownership of an already-open port (handed over by discovery)
// and starts the background reader goroutine. Emits MachineInitialized
// immediately, same as port adoption in the original.
func (l *MachineLink) Adopt(port io.ReadWriteCloser) {
	l.mu.Lock()
	l.port = port
	l.buf = nil
	l.readDone = make(chan struct{})
	l.mu.Unlock()

	go l.readLoop(port, l.readDone)

	for _, o := range l.snapshotObservers() {
		o.MachineInitialized()
	}
}

func (l *MachineLink) readLoop(port io.ReadWriteCloser, done chan struct{}) {
	buf := make([]byte, 4096)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			l.handleInbound(chunk)
		}
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			l.CloseWithError(err.Error())
			return
		}
	}
}

func (l *MachineLink) handleInbound(data []byte) {
	l.mu.Lock()
	l.buf = append(l.buf, data...)
	var messages [][]byte
	for {
		idx := bytes.Index(l.buf, []byte("\r\n"))
		if idx == -1 {
			break
		}
		msg := make([]byte, idx)
		copy(msg, l.buf[:idx])
		messages = append(messages, msg)
		l.buf = l.buf[idx+2:]
	}
	l.mu.Unlock()

	observers := l.snapshotObservers()
	for _, o := range observers {
		o.DataReceived(data)
	}
	for _, msg := range messages {
		for _, o := range observers {
			o.MessageReceived(msg)
		}
	}
}

// hasPort reports whether a port is currently owned.
func (l *MachineLink) hasPort() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port != nil
}

// WriteData writes raw bytes to the port. A no-op if no port is owned. On
// failure the link is closed with the OS-supplied error.
func (l *MachineLink) WriteData(data []byte) {
	l.mu.Lock()
	port := l.port
	delay := l.charSendDelay
	l.mu.Unlock()

	if port == nil {
		return
	}

	if delay <= 0 {
		if _, err := port.Write(data); err != nil {
			l.CloseWithError(err.Error())
			return
		}
	} else {
		for _, b := range data {
			if _, err := port.Write([]byte{b}); err != nil {
				l.CloseWithError(err.Error())
				return
			}
			time.Sleep(delay)
		}
	}

	for _, o := range l.snapshotObservers() {
		o.DataSent(data)
	}
}

// WriteLine appends '\n' and writes the result.
func (l *MachineLink) WriteLine(data []byte) {
	buf := make([]byte, len(data)+1)
	copy(buf, data)
	buf[len(data)] = '\n'
	l.WriteData(buf)
}

// FeedHold writes the single feed-hold byte ('!').
func (l *MachineLink) FeedHold() { l.WriteData([]byte{CmdFeedHold}) }

// Resume writes the single resume byte ('~').
func (l *MachineLink) Resume() { l.WriteData([]byte{CmdResumeFeedHold}) }

// SoftReset writes the single soft-reset byte (0x18).
func (l *MachineLink) SoftReset() { l.WriteData([]byte{CmdSoftReset}) }

// StatusQuery writes the single status-query byte ('?').
func (l *MachineLink) StatusQuery() { l.WriteData([]byte{CmdStatusQuery}) }

// HardReset writes the hard-reset byte, sleeps hardResetDelay to let the
// firmware restart, then emits MachineInitialized unconditionally — the
// downstream state machines all need to see this even if the write itself
// failed and closed the link.
func (l *MachineLink) HardReset() {
	l.WriteData([]byte{CmdHardReset})
	time.Sleep(l.hardResetDelay)
	for _, o := range l.snapshotObservers() {
		o.MachineInitialized()
	}
}

// Close drops the handle and emits PortClosed.
func (l *MachineLink) Close() {
	l.closeInternal(func(observers []Observer) {
		for _, o := range observers {
			o.PortClosed()
		}
	})
}

// CloseWithError drops the handle and emits PortClosedWithError(reason).
func (l *MachineLink) CloseWithError(reason string) {
	l.closeInternal(func(observers []Observer) {
		for _, o := range observers {
			o.PortClosedWithError(reason)
		}
	})
	slog.Error("serial port closed with error", "reason", reason)
}

func (l *MachineLink) closeInternal(emit func([]Observer)) {
	l.mu.Lock()
	port := l.port
	done := l.readDone
	l.port = nil
	l.buf = nil
	l.mu.Unlock()

	if port == nil {
		return
	}
	if done != nil {
		close(done)
	}
	port.Close()

	emit(l.snapshotObservers())
}
