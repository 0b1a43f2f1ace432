// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

//go:build linux

package dma

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openOrSkip returns an allocator, skipping the test where physical addresses cannot be read.
func openOrSkip(t *testing.T, size int) (*Allocator, *Block) {
	a, err := Open()
	if err != nil {
		t.Skipf("pagemap unavailable: %v", err)
	}
	t.Cleanup(func() { a.Close() })

	b, err := a.NewBuffer(size)
	if err != nil {
		if errors.Is(err, ErrNoPFN) || errors.Is(err, ErrHighMem) {
			t.Skipf("cannot translate pages: %v", err)
		}
		t.Skipf("cannot lock memory: %v", err)
	}

	return a, b
}

func TestBlock(t *testing.T) {
	assert := assert.New(t)

	a, b := openOrSkip(t, 3*4096+100)
	ps := a.PageSize()

	assert.Equal(3*4096+100, b.Len())
	assert.Len(b.Bytes(), b.Len())
	assert.Zero(b.Phys() % uint32(ps))

	ranges := b.PhysicalRanges(10, uint32(b.Len()-10), 16)
	require.NotEmpty(t, ranges)

	var n uint32
	for _, r := range ranges {
		n += r.Len
	}
	assert.Equal(uint32(b.Len()-10), n)
	assert.Equal(b.Phys()+10, ranges[0].Addr)

	assert.Nil(b.PhysicalRanges(0, uint32(b.Len()+1), 16))

	data := []byte("physically addressed")
	_, err := b.WriteAt(data, 4090)
	assert.NoError(err)

	got := make([]byte, len(data))
	_, err = b.ReadAt(got, 4090)
	assert.NoError(err)
	assert.Equal(data, got)

	assert.NoError(b.Close())
	assert.Error(b.Close())
}

func TestAllocRegion(t *testing.T) {
	a, b := openOrSkip(t, 64)
	b.Close()

	r, err := a.Alloc(2048)
	require.NoError(t, err)
	defer r.Close()

	assert.Len(t, r.Bytes(), 2048)
	assert.NotZero(t, r.Phys())
}
