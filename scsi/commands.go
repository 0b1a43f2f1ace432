// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// SCSI command definitions.

package scsi

const (
	// SCSI commands used by this package
	SCSI_TEST_UNIT_READY  = 0x00
	SCSI_REQUEST_SENSE    = 0x03
	SCSI_READ_6           = 0x08
	SCSI_WRITE_6          = 0x0a
	SCSI_INQUIRY          = 0x12
	SCSI_MODE_SENSE_6     = 0x1a
	SCSI_READ_CAPACITY_10 = 0x25
	SCSI_READ_10          = 0x28
	SCSI_WRITE_10         = 0x2a

	// Minimum length of standard INQUIRY response
	INQ_REPLY_LEN = 36

	// Block size used by the simulated direct-access devices
	DEFAULT_BLOCK_SIZE = 512
)

// SCSI CDB types
type CDB6 [6]byte
type CDB10 [10]byte
type CDB16 [16]byte

// CDBLength returns the length of a CDB as implied by the group code in its opcode. Vendor
// specific groups 6 and 7 are treated as 6-byte commands.
func CDBLength(opcode byte) int {
	switch opcode >> 5 {
	case 1, 2:
		return 10
	case 4:
		return 16
	case 5:
		return 12
	default:
		return 6
	}
}

// Read10 builds a READ(10) CDB for the given LBA and block count.
func Read10(lba uint32, blocks uint16) CDB10 {
	return CDB10{SCSI_READ_10, 0, byte(lba >> 24), byte(lba >> 16), byte(lba >> 8), byte(lba),
		0, byte(blocks >> 8), byte(blocks), 0}
}

// Write10 builds a WRITE(10) CDB for the given LBA and block count.
func Write10(lba uint32, blocks uint16) CDB10 {
	cdb := Read10(lba, blocks)
	cdb[0] = SCSI_WRITE_10
	return cdb
}

// Inquiry builds a standard INQUIRY CDB.
func Inquiry(allocLen uint8) CDB6 {
	return CDB6{SCSI_INQUIRY, 0, 0, 0, allocLen, 0}
}
