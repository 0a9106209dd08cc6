// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command shacodriver is a thin entry point: parse flags into a Config,
// wire a ControlCore, log events to stderr, and block until interrupted.
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shacodriver/internal/core"
	"shacodriver/internal/machine"
	"shacodriver/internal/streamer"
)

func main() {
	cfg := core.DefaultConfig()

	flag.DurationVar(&cfg.CharSendDelay, "char-send-delay", cfg.CharSendDelay, "delay between outbound bytes")
	flag.DurationVar(&cfg.PollingInterval, "polling-interval", cfg.PollingInterval, "status query interval")
	flag.DurationVar(&cfg.WatchdogDelay, "watchdog-delay", cfg.WatchdogDelay, "silence tolerance before declaring the link dead")
	flag.DurationVar(&cfg.HardResetDelay, "hard-reset-delay", cfg.HardResetDelay, "settle time after a hard reset")
	flag.DurationVar(&cfg.ScanInterval, "scan-interval", cfg.ScanInterval, "port discovery rescan interval")
	flag.IntVar(&cfg.MaxIdentityAttempts, "max-identity-attempts", cfg.MaxIdentityAttempts, "identity handshake read attempts before giving up on a candidate port")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cc := core.New(cfg)
	cc.Subscribe(logObserver{})
	cc.Start()

	slog.Info("shacodriver started", "scan_interval", cfg.ScanInterval)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	slog.Info("shutting down")
	cc.Stop()
	time.Sleep(100 * time.Millisecond)
}

// logObserver reports every core event through structured logging. A real
// shell would instead forward these to its UI or API layer.
type logObserver struct{}

func (logObserver) ScanStarted() {
	slog.Info("scanning for controller")
}

func (logObserver) MachineConnected(identity machine.Identity) {
	slog.Info("machine connected",
		"name", identity.Name,
		"part_number", identity.PartNumber,
		"serial_number", identity.SerialNumber,
		"firmware_version", identity.FirmwareVersion,
	)
}

func (logObserver) MachineDisconnected(reason string) {
	slog.Warn("machine disconnected", "reason", reason)
}

func (logObserver) StateChanged(old, current machine.State) {
	slog.Info("machine state changed", "from", old.String(), "to", current.String())
}

func (logObserver) WireOn() {
	slog.Info("wire on")
}

func (logObserver) WireOff() {
	slog.Info("wire off")
}

func (logObserver) TemperatureChanged(value float64) {
	slog.Info("wire temperature changed", "value", value)
}

func (logObserver) StreamingStarted(total int) {
	slog.Info("streaming started", "total_lines", total)
}

func (logObserver) LineSent(index, total int) {
	slog.Debug("line sent", "index", index, "total", total)
}

func (logObserver) StreamingEnded(reason streamer.Reason, description string) {
	slog.Info("streaming ended", "reason", reason.String(), "description", description)
}
