// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/dswarbrick/mesh/dma"
)

const (
	_LINUX_CAPABILITY_VERSION_3 = 0x20080522

	CAP_IPC_LOCK  = 1 << 14
	CAP_SYS_ADMIN = 1 << 21
)

type capHeader struct {
	version uint32
	pid     int
}

type capData struct {
	effective   uint32
	permitted   uint32
	inheritable uint32
}

type capsV3 struct {
	hdr  capHeader
	data [2]capData
}

// checkCaps invokes the capget syscall to check for the capabilities needed to lock memory and
// read physical page frame numbers. Root has all capabilities set.
func checkCaps() {
	caps := new(capsV3)
	caps.hdr.version = _LINUX_CAPABILITY_VERSION_3

	// Use RawSyscall since we do not expect it to block
	_, _, e1 := unix.RawSyscall(unix.SYS_CAPGET, uintptr(unsafe.Pointer(&caps.hdr)), uintptr(unsafe.Pointer(&caps.data)), 0)
	if e1 != 0 {
		fmt.Println("capget() failed:", e1.Error())
		return
	}

	if caps.data[0].effective&CAP_SYS_ADMIN == 0 {
		fmt.Println("cap_sys_admin is not in effect. Physical addresses will be hidden.")
	}

	if caps.data[0].effective&CAP_IPC_LOCK == 0 {
		fmt.Println("cap_ipc_lock is not in effect. Locking may exceed RLIMIT_MEMLOCK.")
	}
}

// checkDMA allocates a channel program region and a scattered buffer from host memory and
// prints their physical layout.
func checkDMA() {
	a, err := dma.Open()
	if err != nil {
		fmt.Println(err)
		return
	}
	defer a.Close()

	r, err := a.Alloc(2048)
	if err != nil {
		fmt.Println("channel program:", err)
		return
	}
	defer r.Close()
	fmt.Printf("channel program at %#08x\n", r.Phys())

	b, err := a.NewBuffer(16 * a.PageSize())
	if err != nil {
		fmt.Println("data buffer:", err)
		return
	}
	defer b.Close()

	for _, rg := range b.PhysicalRanges(0, uint32(b.Len()), 16) {
		fmt.Printf("data range %#08x-%#08x\n", rg.Addr, rg.Addr+rg.Len-1)
	}
}
