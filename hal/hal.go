// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package hal defines the hardware abstraction consumed by the SCSI engine: the MESH protocol
// chip registers, the DBDMA channel registers, and DMA-visible memory.
package hal

import (
	"io"

	"github.com/dswarbrick/mesh/dbdma"
)

// Chip is the register interface of a MESH parallel SCSI protocol chip.
type Chip interface {
	Read(r Register) uint8
	Write(r Register, v uint8)

	// PhysBase returns the bus-physical address of register 0. Register r lives at
	// PhysBase() + r*RegisterStride, which is what channel programs store to.
	PhysBase() uint32
}

// Channel is the register interface of a DBDMA channel.
type Channel interface {
	Read(r dbdma.Register) uint32
	Write(r dbdma.Register, v uint32)
}

// Region is a physically contiguous, DMA-visible memory allocation.
type Region interface {
	Bytes() []byte
	Phys() uint32
	Close() error
}

// Allocator hands out DMA-visible memory.
type Allocator interface {
	Alloc(size int) (Region, error)
}

// Range is a physically contiguous span of a caller buffer.
type Range struct {
	Addr uint32
	Len  uint32
}

// Buffer is a caller-supplied data buffer. PhysicalRanges translates the span [offset,
// offset+length) into at most max contiguous physical ranges; fewer bytes than requested may be
// covered if max is reached. An empty result means the translation failed.
type Buffer interface {
	io.ReaderAt
	io.WriterAt
	Len() int
	PhysicalRanges(offset, length uint32, max int) []Range
}
