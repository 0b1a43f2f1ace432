// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Descriptor-based DMA (DBDMA) channel command format.
//
// A channel program is a sequence of 16-byte descriptors in physically addressed memory. All
// multi-byte fields are little-endian, regardless of host byte order:
//
//	0-1   request count
//	2-3   command word: cmd<<12 | key<<8 | i<<4 | b<<2 | w
//	4-7   address
//	8-11  command dependent (branch address or store/load data)
//	12-13 residual count (written by hardware)
//	14-15 transfer status (written by hardware)
package dbdma

import (
	"encoding/binary"
	"fmt"
)

const DescriptorSize = 16

type Command uint8

const (
	OUTPUT_MORE Command = 0
	OUTPUT_LAST Command = 1
	INPUT_MORE  Command = 2
	INPUT_LAST  Command = 3
	STORE_QUAD  Command = 4
	LOAD_QUAD   Command = 5
	NOP         Command = 6
	STOP        Command = 7
)

func (c Command) String() string {
	switch c {
	case OUTPUT_MORE:
		return "OUTPUT_MORE"
	case OUTPUT_LAST:
		return "OUTPUT_LAST"
	case INPUT_MORE:
		return "INPUT_MORE"
	case INPUT_LAST:
		return "INPUT_LAST"
	case STORE_QUAD:
		return "STORE_QUAD"
	case LOAD_QUAD:
		return "LOAD_QUAD"
	case NOP:
		return "NOP"
	case STOP:
		return "STOP"
	default:
		return fmt.Sprintf("Command(%d)", uint8(c))
	}
}

// IsTransfer reports whether the command moves data through the stream.
func (c Command) IsTransfer() bool {
	return c <= INPUT_LAST
}

// IsInput reports whether a transfer command moves data from the device to memory.
func (c Command) IsInput() bool {
	return c == INPUT_MORE || c == INPUT_LAST
}

// Key selects the address space of a descriptor.
type Key uint8

const (
	KEY_STREAM0 Key = 0
	KEY_SYSTEM  Key = 6
)

// Cond is a 2-bit interrupt, branch or wait condition field. It is evaluated against the
// corresponding select register of the channel.
type Cond uint8

const (
	COND_NEVER    Cond = 0
	COND_IF_TRUE  Cond = 1
	COND_IF_FALSE Cond = 2
	COND_ALWAYS   Cond = 3
)

// Eval reports whether the condition holds given the outcome of the select register test.
func (c Cond) Eval(selected bool) bool {
	switch c {
	case COND_ALWAYS:
		return true
	case COND_IF_TRUE:
		return selected
	case COND_IF_FALSE:
		return !selected
	default:
		return false
	}
}

// Descriptor is the decoded form of one channel command.
type Descriptor struct {
	Command    Command
	Key        Key
	Interrupt  Cond
	Branch     Cond
	Wait       Cond
	ReqCount   uint16
	Address    uint32
	CmdDep     uint32
	ResCount   uint16
	XferStatus uint16
}

func (d *Descriptor) commandWord() uint16 {
	return uint16(d.Command&0xf)<<12 | uint16(d.Key&0x7)<<8 |
		uint16(d.Interrupt&0x3)<<4 | uint16(d.Branch&0x3)<<2 | uint16(d.Wait&0x3)
}

// Encode writes the descriptor into b in bus byte order.
func (d *Descriptor) Encode(b []byte) {
	_ = b[DescriptorSize-1]
	binary.LittleEndian.PutUint16(b[0:], d.ReqCount)
	binary.LittleEndian.PutUint16(b[2:], d.commandWord())
	binary.LittleEndian.PutUint32(b[4:], d.Address)
	binary.LittleEndian.PutUint32(b[8:], d.CmdDep)
	binary.LittleEndian.PutUint16(b[12:], d.ResCount)
	binary.LittleEndian.PutUint16(b[14:], d.XferStatus)
}

// Decode reads a descriptor from b.
func Decode(b []byte) Descriptor {
	_ = b[DescriptorSize-1]
	cw := binary.LittleEndian.Uint16(b[2:])

	return Descriptor{
		Command:    Command(cw >> 12),
		Key:        Key(cw>>8) & 0x7,
		Interrupt:  Cond(cw>>4) & 0x3,
		Branch:     Cond(cw>>2) & 0x3,
		Wait:       Cond(cw) & 0x3,
		ReqCount:   binary.LittleEndian.Uint16(b[0:]),
		Address:    binary.LittleEndian.Uint32(b[4:]),
		CmdDep:     binary.LittleEndian.Uint32(b[8:]),
		ResCount:   binary.LittleEndian.Uint16(b[12:]),
		XferStatus: binary.LittleEndian.Uint16(b[14:]),
	}
}

// PutResult writes the hardware result fields of the descriptor at b.
func PutResult(b []byte, xferStatus, resCount uint16) {
	binary.LittleEndian.PutUint16(b[12:], resCount)
	binary.LittleEndian.PutUint16(b[14:], xferStatus)
}

// Result returns the hardware result fields of the descriptor at b.
func Result(b []byte) (xferStatus, resCount uint16) {
	return binary.LittleEndian.Uint16(b[14:]), binary.LittleEndian.Uint16(b[12:])
}

// ClearResult zeroes the hardware result fields of the descriptor at b.
func ClearResult(b []byte) {
	PutResult(b, 0, 0)
}

// PutCmdDep patches the command dependent field of the descriptor at b.
func PutCmdDep(b []byte, v uint32) {
	binary.LittleEndian.PutUint32(b[8:], v)
}
