// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package sim

import (
	"encoding/binary"

	"github.com/dswarbrick/mesh/dbdma"
	"github.com/dswarbrick/mesh/hal"
)

// Upper bound on descriptors executed per wakeup. A program that loops forever goes DEAD.
const maxSteps = 1 << 20

// Channel models a DBDMA channel wired to the chip. It executes descriptors synchronously
// whenever it is started or woken by a chip event, until it stops or stalls.
type Channel struct {
	bus *Bus

	status  uint32
	cmdPtr  uint32
	selects [3]uint32

	intPending bool

	// stalled is set while the current descriptor cannot make progress. waiting means its
	// transfer part is complete and it only waits for the wait condition.
	stalled bool
	waiting bool
	running bool
	partial int

	// Interrupts counts descriptor interrupts raised.
	Interrupts int
}

const (
	selInterrupt = iota
	selBranch
	selWait
)

func (ch *Channel) Read(r dbdma.Register) uint32 {
	switch r {
	case dbdma.REG_CONTROL, dbdma.REG_STATUS:
		return ch.status | uint32(ch.bus.Chip.lines())
	case dbdma.REG_COMMAND_PTR:
		return ch.cmdPtr
	case dbdma.REG_INTERRUPT_SELECT:
		return ch.selects[selInterrupt]
	case dbdma.REG_BRANCH_SELECT:
		return ch.selects[selBranch]
	case dbdma.REG_WAIT_SELECT:
		return ch.selects[selWait]
	}
	return 0
}

func (ch *Channel) Write(r dbdma.Register, v uint32) {
	switch r {
	case dbdma.REG_CONTROL:
		mask := v >> 16
		bits := v & 0xffff & mask

		if mask&dbdma.RUN != 0 && bits&dbdma.RUN == 0 {
			ch.stop()
		}

		ch.status = ch.status&^(mask&(dbdma.RUN|dbdma.PAUSE|dbdma.WAKE|dbdma.FLUSH)) | bits&(dbdma.RUN|dbdma.PAUSE|dbdma.WAKE)

		if bits&(dbdma.RUN|dbdma.WAKE) != 0 && ch.status&dbdma.RUN != 0 {
			if ch.status&dbdma.ACTIVE == 0 {
				ch.status |= dbdma.ACTIVE
				ch.stalled, ch.waiting, ch.partial = false, false, 0
			}
			ch.run()
		}
	case dbdma.REG_COMMAND_PTR:
		ch.cmdPtr = v
	case dbdma.REG_INTERRUPT_SELECT:
		ch.selects[selInterrupt] = v
	case dbdma.REG_BRANCH_SELECT:
		ch.selects[selBranch] = v
	case dbdma.REG_WAIT_SELECT:
		ch.selects[selWait] = v
	}
}

// IntPending reports whether a descriptor interrupt is waiting for the host.
func (ch *Channel) IntPending() bool {
	return ch.intPending
}

func (ch *Channel) active() bool {
	return ch.status&dbdma.ACTIVE != 0
}

func (ch *Channel) stop() {
	ch.status &^= dbdma.ACTIVE | dbdma.RUN
	ch.stalled, ch.waiting, ch.partial = false, false, 0
	ch.intPending = false
}

// poke resumes a stalled program after a chip state change.
func (ch *Channel) poke() {
	if ch.stalled && !ch.running && ch.active() {
		ch.stalled = false
		ch.run()
	}
}

func (ch *Channel) run() {
	if ch.running {
		return
	}
	ch.running = true
	defer func() { ch.running = false }()

	for n := 0; ch.active() && !ch.stalled; n++ {
		if n == maxSteps {
			ch.status = ch.status&^(dbdma.ACTIVE|dbdma.RUN) | dbdma.DEAD
			return
		}
		ch.step()
	}
}

func (ch *Channel) lineStatus() uint32 {
	return ch.status | uint32(ch.bus.Chip.lines())
}

func (ch *Channel) step() {
	raw, ok := ch.bus.Mem.slice(ch.cmdPtr, dbdma.DescriptorSize)
	if !ok {
		ch.status = ch.status&^(dbdma.ACTIVE|dbdma.RUN) | dbdma.DEAD
		return
	}
	d := dbdma.Decode(raw)

	if !ch.waiting {
		switch {
		case d.Command == dbdma.STOP:
			ch.status &^= dbdma.ACTIVE
			return

		case d.Command == dbdma.NOP:

		case d.Command == dbdma.STORE_QUAD:
			ch.store(d)

		case d.Command == dbdma.LOAD_QUAD:
			if b, ok := ch.bus.Mem.slice(d.Address, 4); ok {
				dbdma.PutCmdDep(raw, binary.LittleEndian.Uint32(b))
			}

		case d.Command.IsTransfer():
			if !ch.transfer(d, raw) {
				return
			}
		}

		if d.Command != dbdma.STOP {
			dbdma.PutResult(raw, uint16(ch.lineStatus()), resCount(d, ch.partial))
		}
		ch.partial = 0
	}

	if d.Wait.Eval(dbdma.Selected(ch.selects[selWait], ch.lineStatus())) {
		ch.waiting = true
		ch.stalled = true
		return
	}
	ch.waiting = false

	if d.Interrupt.Eval(dbdma.Selected(ch.selects[selInterrupt], ch.lineStatus())) {
		ch.intPending = true
		ch.Interrupts++
	}

	if d.Command != dbdma.STORE_QUAD && d.Command != dbdma.LOAD_QUAD &&
		d.Branch.Eval(dbdma.Selected(ch.selects[selBranch], ch.lineStatus())) {
		ch.status |= dbdma.BT
		ch.cmdPtr = d.CmdDep
		return
	}

	ch.status &^= dbdma.BT
	ch.cmdPtr += dbdma.DescriptorSize
}

func resCount(d dbdma.Descriptor, moved int) uint16 {
	if !d.Command.IsTransfer() {
		return 0
	}
	return d.ReqCount - uint16(moved)
}

func (ch *Channel) store(d dbdma.Descriptor) {
	if d.Address >= ChipBase && d.Address < ChipBase+hal.NUM_REGISTERS*hal.RegisterStride {
		ch.bus.Chip.Write(hal.Register((d.Address-ChipBase)/hal.RegisterStride), uint8(d.CmdDep))
		return
	}

	n := int(d.ReqCount)
	if n != 1 && n != 2 {
		n = 4
	}

	b, ok := ch.bus.Mem.slice(d.Address, n)
	if !ok {
		return
	}

	var v [4]byte
	binary.LittleEndian.PutUint32(v[:], d.CmdDep)
	copy(b, v[:n])
}

// transfer moves bytes between memory and the chip. It reports whether the descriptor is
// finished; a short transfer without a wait condition stalls until the chip has more data.
func (ch *Channel) transfer(d dbdma.Descriptor, raw []byte) bool {
	buf, ok := ch.bus.Mem.slice(d.Address, int(d.ReqCount))
	if !ok {
		ch.status = ch.status&^(dbdma.ACTIVE|dbdma.RUN) | dbdma.DEAD
		return false
	}

	chip := ch.bus.Chip
	for ch.partial < len(buf) {
		if d.Command.IsInput() {
			b, ok := chip.dmaPull()
			if !ok {
				break
			}
			buf[ch.partial] = b
		} else if !chip.dmaPush(buf[ch.partial]) {
			break
		}
		ch.partial++
	}

	if ch.partial < len(buf) && d.Wait == dbdma.COND_NEVER {
		dbdma.PutResult(raw, uint16(ch.lineStatus()), resCount(d, ch.partial))
		ch.stalled = true
		return false
	}

	return true
}
