// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package dma provides DMA-visible memory on Linux: locked anonymous pages whose bus-physical
// addresses are looked up in /proc/self/pagemap.
package dma

import (
	"errors"
	"fmt"

	"github.com/dswarbrick/mesh/hal"
	"github.com/dswarbrick/mesh/utils"
)

// Bits of a /proc/<pid>/pagemap entry (Documentation/admin-guide/mm/pagemap.rst)
const (
	PM_PFN_MASK   = 1<<55 - 1
	PM_SOFT_DIRTY = 1 << 55
	PM_EXCLUSIVE  = 1 << 56
	PM_FILE       = 1 << 61
	PM_SWAPPED    = 1 << 62
	PM_PRESENT    = 1 << 63

	pagemapEntrySize = 8

	// DBDMA descriptors carry 32-bit addresses
	maxPhys = 1 << 32
)

var (
	ErrNotPresent    = errors.New("dma: page not present")
	ErrSwapped       = errors.New("dma: page swapped out")
	ErrNoPFN         = errors.New("dma: page frame numbers hidden (CAP_SYS_ADMIN required)")
	ErrHighMem       = errors.New("dma: page above 4 GiB")
	ErrNotContiguous = errors.New("dma: region not physically contiguous")
)

// parseEntry decodes a raw pagemap entry, which the kernel writes in host byte order.
func parseEntry(b []byte, pageSize int) (uint64, error) {
	if len(b) != pagemapEntrySize {
		return 0, fmt.Errorf("dma: short pagemap entry (%d bytes)", len(b))
	}
	return decodeEntry(utils.NativeEndian.Uint64(b), pageSize)
}

// decodeEntry returns the physical address of the page described by a pagemap entry.
func decodeEntry(e uint64, pageSize int) (uint64, error) {
	switch {
	case e&PM_PRESENT == 0:
		return 0, ErrNotPresent
	case e&PM_SWAPPED != 0:
		return 0, ErrSwapped
	}

	pfn := e & PM_PFN_MASK
	if pfn == 0 {
		return 0, ErrNoPFN
	}

	phys := pfn * uint64(pageSize)
	if phys+uint64(pageSize) > maxPhys {
		return 0, fmt.Errorf("%w: %#x", ErrHighMem, phys)
	}

	return phys, nil
}

// pageRanges covers [offset, offset+length) of a buffer whose pages start at the given
// physical addresses, merging physically adjacent pages, and returns at most max ranges.
func pageRanges(pages []uint32, pageSize int, offset, length uint32, max int) []hal.Range {
	var ranges []hal.Range

	ps := uint32(pageSize)
	end := offset + length

	for pos := offset; pos < end; {
		i := int(pos / ps)
		if i >= len(pages) {
			break
		}

		in := pos % ps
		n := ps - in
		if pos+n > end {
			n = end - pos
		}
		addr := pages[i] + in

		if k := len(ranges) - 1; k >= 0 && ranges[k].Addr+ranges[k].Len == addr {
			ranges[k].Len += n
		} else {
			if len(ranges) == max {
				break
			}
			ranges = append(ranges, hal.Range{Addr: addr, Len: n})
		}

		pos += n
	}

	return ranges
}
