// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package mesh

import (
	"errors"
	"fmt"
	"testing"

	"github.com/dswarbrick/mesh/hal"
	"github.com/stretchr/testify/assert"
)

func TestAdapterStatus(t *testing.T) {
	assert := assert.New(t)

	assert.NoError(AdapterOK.Err())
	assert.Equal("ok", AdapterOK.String())
	assert.Equal("data overrun", AdapterDataOverrun.String())
	assert.Equal("AdapterStatus(99)", AdapterStatus(99).String())

	assert.ErrorIs(AdapterSelectionTimeout.Err(), ErrSelectionTimeout)
	assert.ErrorIs(AdapterBusReset.Err(), ErrBusReset)
	assert.ErrorIs(AdapterTranslateError.Err(), ErrTranslate)
	assert.EqualError(AdapterAborted.Err(), "mesh: aborted")
}

func TestStageString(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("sync-cleanup", StageSyncCleanup.String())
	assert.Equal("stop", StageStop.String())
	assert.Equal("Stage(42)", Stage(42).String())
}

func TestChipError(t *testing.T) {
	assert := assert.New(t)

	err := fmt.Errorf("select: %w", &ChipError{
		Stage:  StageSelect,
		Shadow: Shadow{Interrupt: hal.INT_ERROR, Error: hal.ERR_SCSI_RESET},
		Err:    ErrBusReset,
	})

	assert.ErrorIs(err, ErrBusReset)

	var ce *ChipError
	if assert.True(errors.As(err, &ce)) {
		assert.Equal(StageSelect, ce.Stage)
	}
	assert.Contains(err.Error(), "at stage select")
}

func TestRegistry(t *testing.T) {
	assert := assert.New(t)

	r := NewRegistry()
	a := &Request{Target: 1}
	b := &Request{Target: 1, Tag: 4, TagType: 0x20}
	c := &Request{Target: 2, LUN: 3}

	r.Park(a)
	r.Park(b)
	r.Park(c)
	assert.Equal(3, r.Len())

	assert.Equal([]*Request{a}, r.Match(Nexus{Target: 1}))
	assert.Equal([]*Request{b}, r.Match(Nexus{Target: 1, Tag: 4, Tagged: true}))
	assert.Empty(r.Match(Nexus{Target: 2}))
	assert.Equal("2:3", c.Nexus().String())
	assert.Equal("1:0:4", b.Nexus().String())

	r.Unpark(b)
	assert.Equal(2, r.Len())
	assert.Empty(r.Match(b.Nexus()))

	assert.ElementsMatch([]*Request{a, c}, r.Drain())
	assert.Zero(r.Len())
}
