// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package machine

import "regexp"

// identityPattern matches the $I handshake reply:
// "[PolyShaper NAME][PART SERIAL VERSION]"
var identityPattern = regexp.MustCompile(`\[PolyShaper (.+)\]\[(\S+) (\S+) (\S+)\]`)

// Identity is the immutable record parsed from the firmware's $I response.
// Created once at discovery and shared read-only thereafter.
type Identity struct {
	Name            string
	PartNumber      string
	SerialNumber    string
	FirmwareVersion string
}

// maxWireTemperature maps a machine name to the highest wire temperature it
// is rated for. Names absent from this table have no enforced limit.
var maxWireTemperature = map[string]float64{
	"Oranje": 300,
	"Blauw":  260,
}

// MaxWireTemperature returns the temperature ceiling for this machine, or 0
// if the machine name carries no known limit.
func (id Identity) MaxWireTemperature() float64 {
	return maxWireTemperature[id.Name]
}

// ParseIdentity parses a raw $I handshake reply. ok is false if the buffer
// does not contain a well-formed identity frame.
func ParseIdentity(raw []byte) (Identity, bool) {
	m := identityPattern.FindSubmatch(raw)
	if m == nil {
		return Identity{}, false
	}
	return Identity{
		Name:            string(m[1]),
		PartNumber:      string(m[2]),
		SerialNumber:    string(m[3]),
		FirmwareVersion: string(m[4]),
	}, true
}
