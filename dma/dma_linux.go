// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

//go:build linux

package dma

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/dswarbrick/mesh/hal"
	"golang.org/x/sys/unix"
)

// Allocator hands out locked, physically addressed memory. Reading physical frame numbers
// requires CAP_SYS_ADMIN.
type Allocator struct {
	fd       int
	pageSize int
}

func Open() (*Allocator, error) {
	fd, err := unix.Open("/proc/self/pagemap", unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("dma: open pagemap: %w", err)
	}

	return &Allocator{fd: fd, pageSize: unix.Getpagesize()}, nil
}

func (a *Allocator) Close() error {
	return unix.Close(a.fd)
}

func (a *Allocator) PageSize() int {
	return a.pageSize
}

// translate returns the physical address of the page mapped at addr.
func (a *Allocator) translate(addr uintptr) (uint32, error) {
	var e [pagemapEntrySize]byte

	off := int64(addr/uintptr(a.pageSize)) * pagemapEntrySize
	if _, err := unix.Pread(a.fd, e[:], off); err != nil {
		return 0, fmt.Errorf("dma: read pagemap: %w", err)
	}

	phys, err := parseEntry(e[:], a.pageSize)
	return uint32(phys), err
}

// mapLocked maps size bytes, rounded up to whole pages, locks them and looks up every page.
func (a *Allocator) mapLocked(size int) (*Block, error) {
	if size <= 0 {
		return nil, fmt.Errorf("dma: invalid size %d", size)
	}

	n := (size + a.pageSize - 1) / a.pageSize * a.pageSize

	mem, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("dma: mmap: %w", err)
	}

	if err := unix.Mlock(mem); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("dma: mlock: %w", err)
	}

	b := &Block{mem: mem, size: size, pageSize: a.pageSize}

	for off := 0; off < n; off += a.pageSize {
		// Fault the page in before asking where it lives
		mem[off] = 0

		phys, err := a.translate(pageAddr(mem, off))
		if err != nil {
			b.Close()
			return nil, err
		}
		b.pages = append(b.pages, phys)
	}

	return b, nil
}

// Alloc returns a physically contiguous region, which in practice means at most one page.
func (a *Allocator) Alloc(size int) (hal.Region, error) {
	b, err := a.mapLocked(size)
	if err != nil {
		return nil, err
	}

	for i := 1; i < len(b.pages); i++ {
		if b.pages[i] != b.pages[i-1]+uint32(a.pageSize) {
			b.Close()
			return nil, ErrNotContiguous
		}
	}

	return b, nil
}

// NewBuffer returns a caller data buffer of size bytes. Its pages need not be contiguous.
func (a *Allocator) NewBuffer(size int) (*Block, error) {
	return a.mapLocked(size)
}

// Block is locked memory with known physical page addresses. It serves both as a hal.Region and
// as a hal.Buffer.
type Block struct {
	mem      []byte
	size     int
	pageSize int
	pages    []uint32
}

func (b *Block) Bytes() []byte {
	return b.mem[:b.size]
}

func (b *Block) Phys() uint32 {
	return b.pages[0]
}

func (b *Block) Len() int {
	return b.size
}

func (b *Block) PhysicalRanges(offset, length uint32, max int) []hal.Range {
	if uint64(offset)+uint64(length) > uint64(b.size) {
		return nil
	}
	return pageRanges(b.pages, b.pageSize, offset, length, max)
}

func (b *Block) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(b.size) {
		return 0, fmt.Errorf("dma: offset %d out of range", off)
	}

	n := copy(p, b.mem[off:b.size])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *Block) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(b.size) {
		return 0, fmt.Errorf("dma: offset %d out of range", off)
	}

	n := copy(b.mem[off:b.size], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

func (b *Block) Close() error {
	if b.mem == nil {
		return fmt.Errorf("dma: block already closed")
	}

	unix.Munlock(b.mem)
	err := unix.Munmap(b.mem)
	b.mem, b.pages = nil, nil
	return err
}

// pageAddr returns the virtual address of mem[off].
func pageAddr(mem []byte, off int) uintptr {
	return uintptr(unsafe.Pointer(&mem[off]))
}
