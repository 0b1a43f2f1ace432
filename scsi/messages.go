// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// SCSI-2 message codes (SCSI-2 section 6.5).

package scsi

const (
	MSG_COMMAND_COMPLETE        = 0x00
	MSG_EXTENDED                = 0x01
	MSG_SAVE_DATA_POINTERS      = 0x02
	MSG_RESTORE_POINTERS        = 0x03
	MSG_DISCONNECT              = 0x04
	MSG_INITIATOR_DETECTED_ERR  = 0x05
	MSG_ABORT                   = 0x06
	MSG_MESSAGE_REJECT          = 0x07
	MSG_NOP                     = 0x08
	MSG_PARITY_ERROR            = 0x09
	MSG_LINKED_CMD_COMPLETE     = 0x0a
	MSG_LINKED_CMD_COMPLETE_FLG = 0x0b
	MSG_BUS_DEVICE_RESET        = 0x0c
	MSG_ABORT_TAG               = 0x0d
	MSG_CLEAR_QUEUE             = 0x0e

	// Two-byte messages
	MSG_SIMPLE_QUEUE_TAG  = 0x20
	MSG_HEAD_OF_QUEUE_TAG = 0x21
	MSG_ORDERED_QUEUE_TAG = 0x22

	// Extended message codes
	MSG_EXT_SDTR     = 0x01
	MSG_EXT_WDTR     = 0x03
	MSG_EXT_SDTR_LEN = 0x03

	// Identify message bits
	MSG_IDENTIFY            = 0x80
	MSG_IDENTIFY_DISCONNECT = 0x40
	MSG_IDENTIFY_LUN_MASK   = 0x07
)

// IsIdentify reports whether a message byte is an Identify message.
func IsIdentify(b byte) bool {
	return b&MSG_IDENTIFY != 0
}

// Identify builds an Identify message byte for the given LUN.
func Identify(lun uint8, disconnect bool) byte {
	b := byte(MSG_IDENTIFY) | (lun & MSG_IDENTIFY_LUN_MASK)
	if disconnect {
		b |= MSG_IDENTIFY_DISCONNECT
	}
	return b
}

// SDTR builds a Synchronous Data Transfer Request extended message. Period is in 4 ns units.
func SDTR(period, offset uint8) []byte {
	return []byte{MSG_EXTENDED, MSG_EXT_SDTR_LEN, MSG_EXT_SDTR, period, offset}
}
