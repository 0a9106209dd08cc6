// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package link

// Immediate commands bypass the line buffer entirely: a single byte written
// straight to the wire. Exported because WireController issues the
// temperature-override bytes directly through MachineLink.WriteData.
const (
	CmdFeedHold         byte = '!'
	CmdResumeFeedHold   byte = '~'
	CmdSoftReset        byte = 0x18
	CmdHardReset        byte = 0xC0
	CmdResetTemperature byte = 0x99
	CmdCoarseTempUp     byte = 0x9A
	CmdCoarseTempDown   byte = 0x9B
	CmdFineTempUp       byte = 0x9C
	CmdFineTempDown     byte = 0x9D
	CmdStatusQuery      byte = '?'
)
