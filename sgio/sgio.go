// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package sgio attaches a real SCSI device, opened through the Linux SCSI generic driver, to a
// simulated bus. Commands the simulated target receives are passed through with the SG_IO ioctl.
// Only commands that do not modify the medium are forwarded.
package sgio

import (
	"github.com/dswarbrick/mesh/scsi"
	"github.com/dswarbrick/mesh/sim"
)

const (
	SG_DXFER_NONE     = -1
	SG_DXFER_TO_DEV   = -2
	SG_DXFER_FROM_DEV = -3

	SG_IO = 0x2285

	SG_INFO_OK_MASK = 0x1

	// Sense key and additional sense code of a refused command: DATA PROTECT, write protected
	senseDataProtect = 0x07
	ascWriteProtect  = 0x27

	senseLen = 32

	// Largest data-in phase forwarded for one command
	maxDataIn = 1 << 20
)

// Allowed commands and whether they return data.
var passthrough = map[byte]bool{
	scsi.SCSI_TEST_UNIT_READY:  false,
	scsi.SCSI_INQUIRY:          true,
	scsi.SCSI_MODE_SENSE_6:     true,
	scsi.SCSI_READ_CAPACITY_10: true,
	scsi.SCSI_READ_6:           true,
	scsi.SCSI_READ_10:          true,
}

// executor runs one CDB on the device. It returns the SCSI status, the data received and the
// sense data.
type executor interface {
	exec(cdb []byte, dataIn bool) (uint8, []byte, []byte, error)
}

// Target forwards commands from a simulated target to an executor.
type Target struct {
	dev   executor
	sense []byte
}

// refuse answers a command with CHECK CONDITION and keeps sense data for REQUEST SENSE.
func (t *Target) refuse(key, asc uint8) sim.Response {
	t.sense = make([]byte, 18)
	t.sense[0] = 0x70
	t.sense[2] = key
	t.sense[7] = 10
	t.sense[12] = asc
	return sim.Response{Status: scsi.SAM_STAT_CHECK_CONDITION}
}

// Handle is a sim.Handler.
func (t *Target) Handle(lun uint8, cdb []byte) sim.Response {
	if cdb[0] == scsi.SCSI_REQUEST_SENSE && t.sense != nil {
		sense := t.sense
		t.sense = nil
		if n := int(cdb[4]); n < len(sense) {
			sense = sense[:n]
		}
		return sim.Response{Status: scsi.SAM_STAT_GOOD, DataIn: sense}
	}

	dataIn, ok := passthrough[cdb[0]]
	if !ok && cdb[0] != scsi.SCSI_REQUEST_SENSE {
		return t.refuse(senseDataProtect, ascWriteProtect)
	}
	if !ok {
		dataIn = true
	}

	status, data, sense, err := t.dev.exec(cdb, dataIn)
	if err != nil {
		// Hardware error, internal target failure
		return t.refuse(0x04, 0x44)
	}

	if status == scsi.SAM_STAT_CHECK_CONDITION && len(sense) > 0 {
		t.sense = sense
	}

	return sim.Response{Status: status, DataIn: data}
}

// Attach returns a simulated target with the given id backed by the device.
func (t *Target) Attach(id uint8) *sim.Target {
	return &sim.Target{ID: id, Handler: t.Handle}
}
