// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package sim

import (
	"encoding/binary"

	"github.com/dswarbrick/mesh/scsi"
)

// Sense keys reported by the RAM disk.
const (
	senseNoSense        = 0x00
	senseIllegalRequest = 0x05
)

// Disk is a RAM-backed direct-access device.
type Disk struct {
	Vendor    string
	Product   string
	Revision  string
	BlockSize int

	data  []byte
	sense uint8
}

func NewDisk(vendor, product string, blocks int) *Disk {
	return &Disk{
		Vendor:    vendor,
		Product:   product,
		Revision:  "1.0",
		BlockSize: scsi.DEFAULT_BLOCK_SIZE,
		data:      make([]byte, blocks*scsi.DEFAULT_BLOCK_SIZE),
	}
}

// Target returns a target at id backed by the disk.
func (d *Disk) Target(id uint8) *Target {
	return &Target{ID: id, Handler: d.Handle}
}

func (d *Disk) Blocks() int {
	return len(d.data) / d.BlockSize
}

// Data returns the disk contents.
func (d *Disk) Data() []byte {
	return d.data
}

func (d *Disk) checkCondition() Response {
	d.sense = senseIllegalRequest
	return Response{Status: scsi.SAM_STAT_CHECK_CONDITION}
}

// Handle executes a CDB against the disk.
func (d *Disk) Handle(lun uint8, cdb []byte) Response {
	if lun != 0 && cdb[0] != scsi.SCSI_INQUIRY && cdb[0] != scsi.SCSI_REQUEST_SENSE {
		return d.checkCondition()
	}

	switch cdb[0] {
	case scsi.SCSI_TEST_UNIT_READY:
		d.sense = senseNoSense
		return Response{Status: scsi.SAM_STAT_GOOD}

	case scsi.SCSI_REQUEST_SENSE:
		buf := make([]byte, 18)
		buf[0] = 0x70
		buf[2] = d.sense
		buf[7] = 10
		d.sense = senseNoSense
		return Response{Status: scsi.SAM_STAT_GOOD, DataIn: truncate(buf, int(cdb[4]))}

	case scsi.SCSI_INQUIRY:
		return Response{Status: scsi.SAM_STAT_GOOD, DataIn: truncate(d.inquiry(lun), int(cdb[4]))}

	case scsi.SCSI_READ_CAPACITY_10:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint32(buf, uint32(d.Blocks()-1))
		binary.BigEndian.PutUint32(buf[4:], uint32(d.BlockSize))
		return Response{Status: scsi.SAM_STAT_GOOD, DataIn: buf}

	case scsi.SCSI_READ_6, scsi.SCSI_READ_10:
		lba, n := rwParams(cdb)
		start, end, ok := d.span(lba, n)
		if !ok {
			return d.checkCondition()
		}
		return Response{Status: scsi.SAM_STAT_GOOD, DataIn: append([]byte(nil), d.data[start:end]...)}

	case scsi.SCSI_WRITE_6, scsi.SCSI_WRITE_10:
		lba, n := rwParams(cdb)
		start, end, ok := d.span(lba, n)
		if !ok {
			return d.checkCondition()
		}
		return Response{
			Status:  scsi.SAM_STAT_GOOD,
			DataOut: end - start,
			Sink:    func(b []byte) { copy(d.data[start:end], b) },
		}
	}

	return d.checkCondition()
}

func (d *Disk) inquiry(lun uint8) []byte {
	buf := make([]byte, scsi.INQ_REPLY_LEN)
	if lun != 0 {
		// Logical unit not present
		buf[0] = 0x7f
		return buf
	}

	buf[2] = 0x02 // SCSI-2
	buf[3] = 0x02
	buf[4] = scsi.INQ_REPLY_LEN - 5
	buf[7] = 0x10 // synchronous transfers
	pad(buf[8:16], d.Vendor)
	pad(buf[16:32], d.Product)
	pad(buf[32:36], d.Revision)
	return buf
}

func (d *Disk) span(lba uint32, n int) (int, int, bool) {
	start := int(lba) * d.BlockSize
	end := start + n*d.BlockSize
	if end > len(d.data) {
		return 0, 0, false
	}
	return start, end, true
}

func rwParams(cdb []byte) (uint32, int) {
	if cdb[0] == scsi.SCSI_READ_6 || cdb[0] == scsi.SCSI_WRITE_6 {
		lba := uint32(cdb[1]&0x1f)<<16 | uint32(cdb[2])<<8 | uint32(cdb[3])
		n := int(cdb[4])
		if n == 0 {
			n = 256
		}
		return lba, n
	}

	return binary.BigEndian.Uint32(cdb[2:]), int(binary.BigEndian.Uint16(cdb[7:]))
}

func truncate(b []byte, n int) []byte {
	if n < len(b) {
		return b[:n]
	}
	return b
}

func pad(dst []byte, s string) {
	for i := range dst {
		dst[i] = ' '
	}
	copy(dst, s)
}
