// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package sim

import (
	"encoding/binary"
	"testing"

	"github.com/dswarbrick/mesh/scsi"
	"github.com/stretchr/testify/assert"
)

func TestDiskInquiry(t *testing.T) {
	assert := assert.New(t)
	d := NewDisk("APPLE", "HDD RAM", 16)

	cdb := scsi.Inquiry(scsi.INQ_REPLY_LEN)
	resp := d.Handle(0, cdb[:])
	assert.Equal(uint8(scsi.SAM_STAT_GOOD), resp.Status)
	assert.Len(resp.DataIn, scsi.INQ_REPLY_LEN)
	assert.Equal("APPLE   ", string(resp.DataIn[8:16]))
	assert.Equal("HDD RAM         ", string(resp.DataIn[16:32]))

	// Allocation length truncates the response
	cdb = scsi.Inquiry(8)
	assert.Len(d.Handle(0, cdb[:]).DataIn, 8)

	cdb = scsi.Inquiry(scsi.INQ_REPLY_LEN)
	assert.Equal(uint8(0x7f), d.Handle(1, cdb[:]).DataIn[0])
}

func TestDiskReadWrite(t *testing.T) {
	assert := assert.New(t)
	d := NewDisk("APPLE", "HDD RAM", 16)

	wr := scsi.Write10(2, 2)
	resp := d.Handle(0, wr[:])
	assert.Equal(uint8(scsi.SAM_STAT_GOOD), resp.Status)
	assert.Equal(2*scsi.DEFAULT_BLOCK_SIZE, resp.DataOut)

	data := make([]byte, resp.DataOut)
	for i := range data {
		data[i] = byte(i)
	}
	resp.Sink(data)

	rd := scsi.Read10(2, 2)
	resp = d.Handle(0, rd[:])
	assert.Equal(data, resp.DataIn)

	// READ(6) of the same blocks
	resp = d.Handle(0, []byte{scsi.SCSI_READ_6, 0, 0, 2, 2, 0})
	assert.Equal(data, resp.DataIn)

	rd = scsi.Read10(15, 2)
	assert.Equal(uint8(scsi.SAM_STAT_CHECK_CONDITION), d.Handle(0, rd[:]).Status)

	// The failure is reported by REQUEST SENSE
	resp = d.Handle(0, []byte{scsi.SCSI_REQUEST_SENSE, 0, 0, 0, 18, 0})
	assert.Equal(uint8(senseIllegalRequest), resp.DataIn[2])
}

func TestDiskCapacity(t *testing.T) {
	assert := assert.New(t)
	d := NewDisk("APPLE", "HDD RAM", 16)

	resp := d.Handle(0, []byte{scsi.SCSI_READ_CAPACITY_10, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	assert.Equal(uint32(15), binary.BigEndian.Uint32(resp.DataIn))
	assert.Equal(uint32(scsi.DEFAULT_BLOCK_SIZE), binary.BigEndian.Uint32(resp.DataIn[4:]))

	assert.Equal(uint8(scsi.SAM_STAT_GOOD), d.Handle(0, []byte{scsi.SCSI_TEST_UNIT_READY, 0, 0, 0, 0, 0}).Status)
	assert.Equal(uint8(scsi.SAM_STAT_CHECK_CONDITION), d.Handle(0, []byte{0xff, 0, 0, 0, 0, 0}).Status)
}
