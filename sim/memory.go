// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package sim is a software model of a MESH SCSI chip, its DBDMA channel, physical memory and a
// SCSI bus with simulated targets. It implements the hal interfaces so that the controller can
// run unmodified against it.
package sim

import (
	"errors"
	"fmt"
	"io"

	"github.com/dswarbrick/mesh/hal"
)

const (
	PageSize = 4096

	// Bus address of the chip register block.
	ChipBase = 0xf3010000

	memBase = 0x00100000
)

// Memory is a sparse bus-physical address space. Each allocation is followed by an unmapped
// guard page, so separate allocations are never physically adjacent.
type Memory struct {
	next   uint32
	blocks []*Block
}

func NewMemory() *Memory {
	return &Memory{next: memBase}
}

// Block is one physically contiguous allocation.
type Block struct {
	mem  *Memory
	base uint32
	data []byte
}

func (b *Block) Bytes() []byte { return b.data }
func (b *Block) Phys() uint32  { return b.base }

func (b *Block) Close() error {
	m := b.mem
	for i, x := range m.blocks {
		if x == b {
			m.blocks = append(m.blocks[:i], m.blocks[i+1:]...)
			return nil
		}
	}
	return errors.New("block already released")
}

// Alloc implements hal.Allocator.
func (m *Memory) Alloc(size int) (hal.Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid allocation size %d", size)
	}
	return m.alloc(size), nil
}

func (m *Memory) alloc(size int) *Block {
	pages := (size + PageSize - 1) / PageSize

	b := &Block{mem: m, base: m.next, data: make([]byte, size)}
	m.next += uint32(pages+1) * PageSize
	m.blocks = append(m.blocks, b)
	return b
}

// slice returns the n bytes at bus address addr, if they lie within one allocation.
func (m *Memory) slice(addr uint32, n int) ([]byte, bool) {
	for _, b := range m.blocks {
		if addr >= b.base && uint64(addr)+uint64(n) <= uint64(b.base)+uint64(len(b.data)) {
			off := addr - b.base
			return b.data[off : off+uint32(n)], true
		}
	}
	return nil, false
}

// Buffer is a caller data buffer made of one or more physically discontiguous chunks. It
// implements hal.Buffer.
type Buffer struct {
	chunks []*Block
	start  int
	length int

	// FailTranslate makes PhysicalRanges fail, as for an unmapped buffer.
	FailTranslate bool
}

// NewBuffer allocates a buffer of length bytes that starts offset bytes into its first chunk.
// With scattered set every page is a separate chunk; otherwise the buffer is contiguous.
func (m *Memory) NewBuffer(length, offset int, scattered bool) *Buffer {
	b := &Buffer{start: offset, length: length}
	total := offset + length

	if !scattered {
		if total == 0 {
			total = 1
		}
		b.chunks = []*Block{m.alloc(total)}
		return b
	}

	for n := 0; n < total || n == 0; n += PageSize {
		b.chunks = append(b.chunks, m.alloc(PageSize))
	}
	return b
}

func (b *Buffer) Len() int {
	return b.length
}

// locate maps a position within the chunks to a chunk index and offset.
func (b *Buffer) locate(pos int) (int, int) {
	for i, c := range b.chunks {
		if pos < len(c.data) {
			return i, pos
		}
		pos -= len(c.data)
	}
	return len(b.chunks), 0
}

func (b *Buffer) PhysicalRanges(offset, length uint32, max int) []hal.Range {
	if b.FailTranslate || int(offset)+int(length) > b.length {
		return nil
	}

	var ranges []hal.Range

	pos := b.start + int(offset)
	left := int(length)

	for left > 0 && len(ranges) < max {
		i, off := b.locate(pos)
		if i >= len(b.chunks) {
			break
		}

		c := b.chunks[i]
		n := len(c.data) - off
		if n > left {
			n = left
		}

		ranges = append(ranges, hal.Range{Addr: c.base + uint32(off), Len: uint32(n)})
		pos += n
		left -= n
	}

	return ranges
}

func (b *Buffer) copy(p []byte, off int64, write bool) (int, error) {
	if off < 0 || off > int64(b.length) {
		return 0, io.EOF
	}

	done := 0
	pos := b.start + int(off)
	end := b.start + b.length

	for done < len(p) && pos < end {
		i, o := b.locate(pos)
		c := b.chunks[i].data[o:]
		if len(c) > end-pos {
			c = c[:end-pos]
		}

		var n int
		if write {
			n = copy(c, p[done:])
		} else {
			n = copy(p[done:], c)
		}

		done += n
		pos += n
	}

	if done < len(p) {
		return done, io.EOF
	}
	return done, nil
}

func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	return b.copy(p, off, false)
}

func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	return b.copy(p, off, true)
}

// Bytes returns a copy of the buffer contents.
func (b *Buffer) Bytes() []byte {
	p := make([]byte, b.length)
	b.ReadAt(p, 0)
	return p
}

// Addr returns the bus address of byte off of the buffer.
func (b *Buffer) Addr(off int) uint32 {
	i, o := b.locate(b.start + off)
	return b.chunks[i].base + uint32(o)
}
