// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// MESH register map and bit definitions.

package hal

// Register identifies a MESH chip register. Registers are spaced RegisterStride bytes apart.
type Register uint8

const (
	REG_COUNT0 Register = iota
	REG_COUNT1
	REG_FIFO
	REG_SEQUENCE
	REG_BUS_STATUS0
	REG_BUS_STATUS1
	REG_FIFO_COUNT
	REG_EXCEPTION
	REG_ERROR
	REG_INTERRUPT_MASK
	REG_INTERRUPT
	REG_SOURCE_ID
	REG_DEST_ID
	REG_SYNC_PARAMS
	REG_CHIP_ID
	REG_SEL_TIMEOUT

	NUM_REGISTERS = 16

	RegisterStride = 0x10
)

// Sequence register commands and flags.
const (
	SEQ_ARBITRATE      = 0x01
	SEQ_SELECT         = 0x02
	SEQ_COMMAND        = 0x03
	SEQ_STATUS         = 0x04
	SEQ_DATA_OUT       = 0x05
	SEQ_DATA_IN        = 0x06
	SEQ_MSG_OUT        = 0x07
	SEQ_MSG_IN         = 0x08
	SEQ_BUS_FREE       = 0x09
	SEQ_ENABLE_PARITY  = 0x0a
	SEQ_DISABLE_PARITY = 0x0b
	SEQ_ENABLE_RESEL   = 0x0c
	SEQ_DISABLE_RESEL  = 0x0d
	SEQ_RESET_MESH     = 0x0e
	SEQ_FLUSH_FIFO     = 0x0f

	SEQ_CMD_MASK = 0x0f
	SEQ_ATN      = 0x20
	SEQ_TMODE    = 0x40
	SEQ_DMA      = 0x80
)

// Bus status 0 bits.
const (
	BS0_IO  = 0x01
	BS0_CD  = 0x02
	BS0_MSG = 0x04
	BS0_ATN = 0x08
	BS0_ACK = 0x10
	BS0_REQ = 0x20

	BS0_PHASE_MASK = BS0_MSG | BS0_CD | BS0_IO
)

// Bus phases as encoded in bus status 0.
const (
	PHASE_DATA_OUT = 0
	PHASE_DATA_IN  = BS0_IO
	PHASE_COMMAND  = BS0_CD
	PHASE_STATUS   = BS0_CD | BS0_IO
	PHASE_MSG_OUT  = BS0_MSG | BS0_CD
	PHASE_MSG_IN   = BS0_MSG | BS0_CD | BS0_IO
)

// Bus status 1 bits.
const (
	BS1_SEL = 0x20
	BS1_BSY = 0x40
	BS1_RST = 0x80
)

// Exception register bits.
const (
	EXC_SEL_TIMEOUT    = 0x01
	EXC_PHASE_MISMATCH = 0x02
	EXC_ARB_LOST       = 0x04
	EXC_RESELECTED     = 0x08
	EXC_SELECTED       = 0x10
	EXC_SELECTED_ATN   = 0x20
)

// Error register bits.
const (
	ERR_PARITY_MASK   = 0x0f
	ERR_SEQUENCE      = 0x10
	ERR_SCSI_RESET    = 0x20
	ERR_UNEXPECT_DISC = 0x40
)

// Interrupt and interrupt mask register bits.
const (
	INT_CMD_DONE  = 0x01
	INT_EXCEPTION = 0x02
	INT_ERROR     = 0x04
	INT_ALL       = INT_CMD_DONE | INT_EXCEPTION | INT_ERROR
)

const (
	CHIP_ID_MASK = 0x1f
	CHIP_ID_MESH = 0x02

	// Synchronous parameters: offset in the high nibble, period code in the low nibble.
	SYNC_ASYNC      = 0x02
	SYNC_FAST_CODE  = 0x00
	SYNC_OFFSET_MAX = 0x0f

	FIFO_SIZE = 16

	MAX_TARGETS = 8
)

// DBDMA device status lines driven by the chip into the channel status register.
const (
	// STATUS_CHIP_EVENT is asserted while any interrupt register bit is set.
	STATUS_CHIP_EVENT = 0x01
	// STATUS_CHIP_PROBLEM is asserted while the exception or error interrupt bit is set.
	STATUS_CHIP_PROBLEM = 0x02
)

// PhaseName returns a human readable bus phase name.
func PhaseName(bs0 uint8) string {
	switch bs0 & BS0_PHASE_MASK {
	case PHASE_DATA_OUT:
		return "data-out"
	case PHASE_DATA_IN:
		return "data-in"
	case PHASE_COMMAND:
		return "command"
	case PHASE_STATUS:
		return "status"
	case PHASE_MSG_OUT:
		return "msg-out"
	case PHASE_MSG_IN:
		return "msg-in"
	default:
		return "reserved"
	}
}
