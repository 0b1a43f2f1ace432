// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

//go:build linux

package sgio

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/dswarbrick/mesh/scsi"
)

// SCSI generic IO
type sgIoHdr struct {
	interface_id    int32
	dxfer_direction int32
	cmd_len         uint8
	mx_sb_len       uint8
	iovec_count     uint16
	dxfer_len       uint32
	dxferp          uintptr
	cmdp            uintptr // Command pointer
	sbp             uintptr // Sense buf pointer
	timeout         uint32
	flags           uint32
	pack_id         int32
	usr_ptr         uintptr
	status          uint8
	masked_status   uint8
	msg_status      uint8
	sb_len_wr       uint8
	host_status     uint16
	driver_status   uint16
	resid           int32
	duration        uint32
	info            uint32
}

// Device is an open SCSI generic device node.
type Device struct {
	fd int
}

// Open opens a device such as /dev/sg0 and returns a passthrough target for it.
func Open(path string) (*Device, *Target, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0600)
	if err != nil {
		return nil, nil, err
	}

	d := &Device{fd: fd}
	return d, &Target{dev: d}, nil
}

func (d *Device) Close() error {
	return unix.Close(d.fd)
}

// ioctl executes an ioctl command on the device
func (d *Device) ioctl(cmd, ptr uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), cmd, ptr)
	if errno != 0 {
		return errno
	}
	return nil
}

func (d *Device) exec(cdb []byte, dataIn bool) (uint8, []byte, []byte, error) {
	sense := make([]byte, senseLen)

	hdr := sgIoHdr{
		interface_id:    'S',
		dxfer_direction: SG_DXFER_NONE,
		cmd_len:         uint8(len(cdb)),
		mx_sb_len:       senseLen,
		cmdp:            uintptr(unsafe.Pointer(&cdb[0])),
		sbp:             uintptr(unsafe.Pointer(&sense[0])),
		timeout:         scsi.DEFAULT_TIMEOUT,
	}

	var buf []byte
	if dataIn {
		buf = make([]byte, maxDataIn)
		hdr.dxfer_direction = SG_DXFER_FROM_DEV
		hdr.dxfer_len = uint32(len(buf))
		hdr.dxferp = uintptr(unsafe.Pointer(&buf[0]))
	}

	if err := d.ioctl(SG_IO, uintptr(unsafe.Pointer(&hdr))); err != nil {
		return 0, nil, nil, err
	}

	if hdr.host_status != 0 || hdr.driver_status&^0x08 != 0 {
		// DRIVER_SENSE (0x08) only reports that sense data is valid
		return 0, nil, nil, fmt.Errorf("SG_IO failed: host status %#x, driver status %#x",
			hdr.host_status, hdr.driver_status)
	}

	if dataIn {
		n := len(buf) - int(hdr.resid)
		if n < 0 {
			n = 0
		}
		buf = buf[:n]
	}

	return hdr.status, buf, sense[:hdr.sb_len_wr], nil
}
