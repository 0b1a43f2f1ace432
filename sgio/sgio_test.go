// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package sgio

import (
	"errors"
	"testing"

	"github.com/dswarbrick/mesh/scsi"
	"github.com/stretchr/testify/assert"
)

type fakeDevice struct {
	cdbs   [][]byte
	status uint8
	data   []byte
	sense  []byte
	err    error
}

func (f *fakeDevice) exec(cdb []byte, dataIn bool) (uint8, []byte, []byte, error) {
	f.cdbs = append(f.cdbs, cdb)
	if !dataIn {
		return f.status, nil, f.sense, f.err
	}
	return f.status, f.data, f.sense, f.err
}

func TestPassthroughRead(t *testing.T) {
	assert := assert.New(t)

	dev := &fakeDevice{data: []byte{1, 2, 3, 4}}
	tgt := &Target{dev: dev}

	cdb := scsi.Read10(0, 1)
	resp := tgt.Handle(0, cdb[:])
	assert.Equal(uint8(scsi.SAM_STAT_GOOD), resp.Status)
	assert.Equal([]byte{1, 2, 3, 4}, resp.DataIn)

	resp = tgt.Handle(0, []byte{scsi.SCSI_TEST_UNIT_READY, 0, 0, 0, 0, 0})
	assert.Equal(uint8(scsi.SAM_STAT_GOOD), resp.Status)
	assert.Nil(resp.DataIn)

	assert.Len(dev.cdbs, 2)
}

func TestPassthroughRefusesWrites(t *testing.T) {
	assert := assert.New(t)

	dev := &fakeDevice{}
	tgt := &Target{dev: dev}

	cdb := scsi.Write10(0, 1)
	resp := tgt.Handle(0, cdb[:])
	assert.Equal(uint8(scsi.SAM_STAT_CHECK_CONDITION), resp.Status)
	assert.Zero(resp.DataOut)
	assert.Empty(dev.cdbs)

	// The refusal is reported locally
	resp = tgt.Handle(0, []byte{scsi.SCSI_REQUEST_SENSE, 0, 0, 0, 18, 0})
	assert.Equal(uint8(scsi.SAM_STAT_GOOD), resp.Status)
	if assert.Len(resp.DataIn, 18) {
		assert.Equal(byte(senseDataProtect), resp.DataIn[2])
		assert.Equal(byte(ascWriteProtect), resp.DataIn[12])
	}
	assert.Empty(dev.cdbs)

	// Without pending sense the device is asked
	dev.data = make([]byte, 18)
	resp = tgt.Handle(0, []byte{scsi.SCSI_REQUEST_SENSE, 0, 0, 0, 18, 0})
	assert.Equal(uint8(scsi.SAM_STAT_GOOD), resp.Status)
	assert.Len(dev.cdbs, 1)
}

func TestPassthroughDeviceSense(t *testing.T) {
	assert := assert.New(t)

	dev := &fakeDevice{status: scsi.SAM_STAT_CHECK_CONDITION, sense: []byte{0x70, 0, 0x02}}
	tgt := &Target{dev: dev}

	resp := tgt.Handle(0, []byte{scsi.SCSI_TEST_UNIT_READY, 0, 0, 0, 0, 0})
	assert.Equal(uint8(scsi.SAM_STAT_CHECK_CONDITION), resp.Status)

	resp = tgt.Handle(0, []byte{scsi.SCSI_REQUEST_SENSE, 0, 0, 0, 2, 0})
	assert.Equal([]byte{0x70, 0}, resp.DataIn)

	dev.err = errors.New("no such device")
	resp = tgt.Handle(0, []byte{scsi.SCSI_INQUIRY, 0, 0, 0, 36, 0})
	assert.Equal(uint8(scsi.SAM_STAT_CHECK_CONDITION), resp.Status)
	assert.Equal(byte(0x04), tgt.sense[2])
}

func TestAttach(t *testing.T) {
	tgt := &Target{dev: &fakeDevice{}}
	st := tgt.Attach(5)

	assert.Equal(t, uint8(5), st.ID)
	assert.NotNil(t, st.Handler)
}
