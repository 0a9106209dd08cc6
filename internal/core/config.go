// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package core wires discovery, the link, the sender, the monitor, the wire
// controller and the streamer together into a single ControlCore facade —
// the one piece an external shell (CLI, GUI, test harness) talks to.
package core

import "time"

// Config holds every tunable the driver exposes. Plain exported fields, not
// a parsed-file format — persistence is out of scope.
type Config struct {
	// CharSendDelay paces outbound bytes to work around firmware receive
	// overruns. 0 means back-to-back writes.
	CharSendDelay time.Duration
	// PollingInterval is how often the status monitor sends "?".
	PollingInterval time.Duration
	// WatchdogDelay is how long the status monitor tolerates silence before
	// declaring the link dead.
	WatchdogDelay time.Duration
	// HardResetDelay is how long to wait after a hard-reset byte for the
	// firmware to come back up.
	HardResetDelay time.Duration
	// ScanInterval is how often port discovery re-lists candidate ports.
	ScanInterval time.Duration
	// MaxIdentityAttempts bounds how many read attempts the identity
	// handshake makes before giving up on a candidate port.
	MaxIdentityAttempts int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		CharSendDelay:       0,
		PollingInterval:     time.Second,
		WatchdogDelay:       3 * time.Second,
		HardResetDelay:      time.Second,
		ScanInterval:        time.Second,
		MaxIdentityAttempts: 5,
	}
}
