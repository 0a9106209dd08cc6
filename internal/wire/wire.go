// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package wire implements on/off and temperature control for the cutting
// wire: an absolute set-point plus a discrete real-time override applied as
// a run of coarse (±10%) and fine (±1%) immediate-command bytes.
package wire

import (
	"math"
	"strconv"

	"shacodriver/internal/link"
	"shacodriver/internal/sender"
)

const (
	minRealtimePercent = 10
	maxRealtimePercent = 200
)

// Observer is notified of wire state changes.
type Observer interface {
	WireOn()
	WireOff()
	TemperatureChanged(value float64)
}

// Controller holds on/off and temperature state and drives the link and
// sender to realize changes. Not safe for concurrent use; driven from the
// single domain goroutine like the rest of the components.
type Controller struct {
	link   *link.MachineLink
	sender *sender.Sender

	maxTemperature float64 // 0 means unlimited

	wireOn          bool
	baseTemperature float64
	realtimePercent int
	observers       []Observer
}

// New builds a WireController. maxTemperature is the optional ceiling
// looked up from the machine identity (0 means no limit enforced) — see
// SPEC_FULL.md's supplemented-feature section.
func New(l *link.MachineLink, s *sender.Sender, maxTemperature float64) *Controller {
	c := &Controller{
		link:            l,
		sender:          s,
		maxTemperature:  maxTemperature,
		realtimePercent: 100,
	}
	l.Subscribe(wireObserver{c})
	return c
}

type wireObserver struct{ c *Controller }

func (o wireObserver) DataSent([]byte)           {}
func (o wireObserver) DataReceived([]byte)       {}
func (o wireObserver) MessageReceived([]byte)    {}
func (o wireObserver) PortClosed()               {}
func (o wireObserver) PortClosedWithError(string) {}
func (o wireObserver) MachineInitialized()       { o.c.machineInitialized() }

// Subscribe registers an observer for WireOn/WireOff/TemperatureChanged.
func (c *Controller) Subscribe(o Observer) {
	c.observers = append(c.observers, o)
}

// Temperature returns the effective reported temperature:
// base_temp * realtime_percent / 100.
func (c *Controller) Temperature() float64 {
	return c.baseTemperature * float64(c.realtimePercent) / 100.0
}

// SetMaxTemperature installs the rated ceiling looked up from the machine's
// identity once discovery resolves it (0 disables clamping).
func (c *Controller) SetMaxTemperature(maxTemp float64) {
	c.maxTemperature = maxTemp
}

// IsWireOn reports whether the wire is currently switched on.
func (c *Controller) IsWireOn() bool {
	return c.wireOn
}

// RealtimePercent returns the current override percentage, always within
// [10, 200].
func (c *Controller) RealtimePercent() int {
	return c.realtimePercent
}

// SetTemperature sets an absolute base temperature and resets the
// real-time override to 100%. Clamped to the machine's rated maximum when
// one is known.
func (c *Controller) SetTemperature(t float64) {
	if c.maxTemperature > 0 && t > c.maxTemperature {
		t = c.maxTemperature
	}

	c.link.WriteData([]byte{link.CmdResetTemperature})
	c.realtimePercent = 100

	intTemp := int(math.Round(t))
	c.sender.SendCommand([]byte("S"+strconv.Itoa(intTemp)), 0, nil)

	c.baseTemperature = t
	c.emitTemperatureChanged()
}

// SetRealtimeTemperature applies a discrete override to reach as close to t
// as a whole percentage (clamped to [10, 200]) allows, emitting one coarse
// step per 10 and one fine step per 1 of the distance from the current
// percentage. The step direction follows whether t is below or above the
// base temperature, not whether the target percentage is below or above
// the current one.
func (c *Controller) SetRealtimeTemperature(t float64) {
	if c.baseTemperature == 0 {
		return
	}

	prev := c.realtimePercent
	target := int(math.Round(t / c.baseTemperature * 100.0))
	if target < minRealtimePercent {
		target = minRealtimePercent
	}
	if target > maxRealtimePercent {
		target = maxRealtimePercent
	}

	if target == prev {
		return
	}

	delta := target - prev
	if delta < 0 {
		delta = -delta
	}
	coarse := delta / 10
	fine := delta % 10

	var coarseOp, fineOp byte
	if t < c.baseTemperature {
		coarseOp, fineOp = link.CmdCoarseTempDown, link.CmdFineTempDown
	} else {
		coarseOp, fineOp = link.CmdCoarseTempUp, link.CmdFineTempUp
	}

	msg := make([]byte, 0, coarse+fine)
	for i := 0; i < coarse; i++ {
		msg = append(msg, coarseOp)
	}
	for i := 0; i < fine; i++ {
		msg = append(msg, fineOp)
	}
	c.link.WriteData(msg)

	c.realtimePercent = target
	c.emitTemperatureChanged()
}

// ResetRealtimeTemperature clears any real-time override back to 100%.
func (c *Controller) ResetRealtimeTemperature() {
	if c.realtimePercent == 100 {
		return
	}

	c.link.WriteData([]byte{link.CmdResetTemperature})
	c.realtimePercent = 100
	c.emitTemperatureChanged()
}

// SwitchWireOn submits M3 if the wire isn't already on. Idempotent.
func (c *Controller) SwitchWireOn() {
	if c.wireOn {
		return
	}
	c.sender.SendCommand([]byte("M3\n"), 0, nil)
	c.wireOn = true
	for _, o := range c.observers {
		o.WireOn()
	}
}

// SwitchWireOff submits M5 if the wire is currently on. Idempotent.
func (c *Controller) SwitchWireOff() {
	if !c.wireOn {
		return
	}
	c.forceWireOff()
}

func (c *Controller) forceWireOff() {
	c.sender.SendCommand([]byte("M5\n"), 0, nil)
	c.wireOn = false
	for _, o := range c.observers {
		o.WireOff()
	}
}

func (c *Controller) machineInitialized() {
	c.forceWireOff()
	c.SetTemperature(c.Temperature())
}

func (c *Controller) emitTemperatureChanged() {
	v := c.Temperature()
	for _, o := range c.observers {
		o.TemperatureChanged(v)
	}
}

