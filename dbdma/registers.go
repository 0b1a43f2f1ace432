// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package dbdma

// Register identifies a DBDMA channel register.
type Register uint8

const (
	REG_CONTROL Register = iota
	REG_STATUS
	REG_COMMAND_PTR_HI
	REG_COMMAND_PTR
	REG_INTERRUPT_SELECT
	REG_BRANCH_SELECT
	REG_WAIT_SELECT
)

// Channel control and status bits. A control write carries a mask in the upper 16 bits and the
// new values in the lower 16 bits.
const (
	RUN    = 0x8000
	PAUSE  = 0x4000
	FLUSH  = 0x2000
	WAKE   = 0x1000
	DEAD   = 0x0800
	ACTIVE = 0x0400
	BT     = 0x0100

	// Device status lines s0-s7
	STATUS_DEVICE_MASK = 0x00ff
)

// SetBits returns a control word that sets the given bits.
func SetBits(bits uint32) uint32 {
	return bits<<16 | bits
}

// ClearBits returns a control word that clears the given bits.
func ClearBits(bits uint32) uint32 {
	return bits << 16
}

// Select returns a select register value testing (status & mask) == value.
func Select(mask, value uint8) uint32 {
	return uint32(mask)<<16 | uint32(value)
}

// Selected evaluates a select register value against the channel status.
func Selected(sel uint32, status uint32) bool {
	mask := uint32(sel>>16) & STATUS_DEVICE_MASK
	return status&mask == sel&mask
}
