// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package sim

import (
	"github.com/dswarbrick/mesh/hal"
)

// Chip models the MESH register interface and sequencer. Commands complete synchronously.
type Chip struct {
	bus *Bus

	count     uint16
	fifo      []byte
	seq       uint8
	exception uint8
	err       uint8
	intr      uint8
	intMask   uint8
	sourceID  uint8
	destID    uint8
	sync      uint8
	selTO     uint8

	atn          bool
	rst          bool
	reselEnabled bool

	target *Target
	xfer   struct {
		active    bool
		input     bool
		phase     uint8
		remaining int
	}

	contend        *Target
	contendErratum bool

	// Commands records every sequence register write.
	Commands []uint8
}

func (c *Chip) PhysBase() uint32 {
	return ChipBase
}

func (c *Chip) Read(r hal.Register) uint8 {
	switch r {
	case hal.REG_COUNT0:
		return uint8(c.count)
	case hal.REG_COUNT1:
		return uint8(c.count >> 8)
	case hal.REG_FIFO:
		if len(c.fifo) == 0 {
			return 0
		}
		b := c.fifo[0]
		c.fifo = c.fifo[1:]
		return b
	case hal.REG_SEQUENCE:
		return c.seq
	case hal.REG_BUS_STATUS0:
		var v uint8
		if c.target != nil {
			phase, req := c.target.signals()
			v = phase
			if req {
				v |= hal.BS0_REQ
			}
		}
		if c.atn {
			v |= hal.BS0_ATN
		}
		return v
	case hal.REG_BUS_STATUS1:
		var v uint8
		if c.target != nil {
			v |= hal.BS1_BSY
		}
		if c.rst {
			v |= hal.BS1_RST
		}
		return v
	case hal.REG_FIFO_COUNT:
		return uint8(len(c.fifo))
	case hal.REG_EXCEPTION:
		return c.exception
	case hal.REG_ERROR:
		return c.err
	case hal.REG_INTERRUPT_MASK:
		return c.intMask
	case hal.REG_INTERRUPT:
		return c.intr
	case hal.REG_SOURCE_ID:
		return c.sourceID
	case hal.REG_DEST_ID:
		return c.destID
	case hal.REG_SYNC_PARAMS:
		return c.sync
	case hal.REG_CHIP_ID:
		return hal.CHIP_ID_MESH
	case hal.REG_SEL_TIMEOUT:
		return c.selTO
	}
	return 0
}

func (c *Chip) Write(r hal.Register, v uint8) {
	switch r {
	case hal.REG_COUNT0:
		c.count = c.count&0xff00 | uint16(v)
	case hal.REG_COUNT1:
		c.count = c.count&0x00ff | uint16(v)<<8
	case hal.REG_FIFO:
		if len(c.fifo) < hal.FIFO_SIZE {
			c.fifo = append(c.fifo, v)
		}
	case hal.REG_SEQUENCE:
		c.seq = v
		c.Commands = append(c.Commands, v)
		c.execute(v)
	case hal.REG_BUS_STATUS0:
		c.setATN(v&hal.BS0_ATN != 0)
	case hal.REG_BUS_STATUS1:
		rst := v&hal.BS1_RST != 0
		if rst && !c.rst {
			c.bus.reset()
		}
		c.rst = rst
	case hal.REG_INTERRUPT:
		c.intr &^= v
		if v&hal.INT_EXCEPTION != 0 {
			c.exception = 0
		}
		if v&hal.INT_ERROR != 0 {
			c.err = 0
		}
		c.changed()
	case hal.REG_INTERRUPT_MASK:
		c.intMask = v
	case hal.REG_SOURCE_ID:
		c.sourceID = v
	case hal.REG_DEST_ID:
		c.destID = v
	case hal.REG_SYNC_PARAMS:
		c.sync = v
	case hal.REG_SEL_TIMEOUT:
		c.selTO = v
	}
}

// Line reports whether the chip asserts its host interrupt.
func (c *Chip) Line() bool {
	return c.intr&c.intMask != 0
}

// SyncParams returns the synchronous parameter register.
func (c *Chip) SyncParams() uint8 {
	return c.sync
}

// lines returns the DBDMA device status lines driven by the chip.
func (c *Chip) lines() uint8 {
	var s uint8
	if c.intr != 0 {
		s |= hal.STATUS_CHIP_EVENT
	}
	if c.intr&(hal.INT_EXCEPTION|hal.INT_ERROR) != 0 {
		s |= hal.STATUS_CHIP_PROBLEM
	}
	return s
}

func (c *Chip) changed() {
	c.bus.DMA.poke()
}

func (c *Chip) done() {
	c.intr |= hal.INT_CMD_DONE
	c.changed()
}

func (c *Chip) raise(exc uint8) {
	c.exception |= exc
	c.intr |= hal.INT_EXCEPTION
	c.changed()
}

func (c *Chip) fail(e uint8) {
	c.err |= e
	c.intr |= hal.INT_ERROR
	c.changed()
}

func (c *Chip) mismatch() {
	c.xfer.active = false
	if c.target != nil {
		c.target.mismatch()
	}
	c.raise(hal.EXC_PHASE_MISMATCH)
}

func (c *Chip) setATN(on bool) {
	prev := c.atn
	c.atn = on
	if on && !prev && c.target != nil {
		c.target.attention()
	}
}

func phaseOf(cmd uint8) uint8 {
	switch cmd {
	case hal.SEQ_COMMAND:
		return hal.PHASE_COMMAND
	case hal.SEQ_STATUS:
		return hal.PHASE_STATUS
	case hal.SEQ_DATA_OUT:
		return hal.PHASE_DATA_OUT
	case hal.SEQ_DATA_IN:
		return hal.PHASE_DATA_IN
	case hal.SEQ_MSG_OUT:
		return hal.PHASE_MSG_OUT
	default:
		return hal.PHASE_MSG_IN
	}
}

func (c *Chip) execute(v uint8) {
	cmd := v & hal.SEQ_CMD_MASK

	switch cmd {
	case hal.SEQ_ARBITRATE:
		if t := c.contend; t != nil && t.Pending() && c.target == nil {
			c.contend = nil
			c.reselect(t)
			c.raise(hal.EXC_ARB_LOST)
			if c.contendErratum {
				c.fail(hal.ERR_UNEXPECT_DISC)
			}
			return
		}
		if c.target != nil {
			c.raise(hal.EXC_ARB_LOST)
			return
		}
		c.done()

	case hal.SEQ_SELECT:
		t := c.bus.targets[c.destID&7]
		if c.target != nil || t == nil || c.destID == c.sourceID {
			c.raise(hal.EXC_SEL_TIMEOUT)
			return
		}
		c.atn = v&hal.SEQ_ATN != 0
		c.target = t
		t.selected(c.atn)
		c.done()

	case hal.SEQ_COMMAND, hal.SEQ_STATUS, hal.SEQ_DATA_OUT, hal.SEQ_DATA_IN, hal.SEQ_MSG_OUT, hal.SEQ_MSG_IN:
		if cmd == hal.SEQ_MSG_OUT {
			c.atn = v&hal.SEQ_ATN != 0
		}
		c.transfer(phaseOf(cmd), v&hal.SEQ_DMA != 0)

	case hal.SEQ_BUS_FREE:
		switch {
		case c.target == nil:
			c.done()
		case c.target.releasing():
			c.disconnect()
			c.done()
		default:
			c.mismatch()
		}

	case hal.SEQ_ENABLE_RESEL:
		c.reselEnabled = true
	case hal.SEQ_DISABLE_RESEL:
		c.reselEnabled = false
	case hal.SEQ_RESET_MESH:
		c.reset()
	case hal.SEQ_FLUSH_FIFO:
		c.fifo = nil
	}
}

func (c *Chip) transfer(phase uint8, dma bool) {
	t := c.target
	if t == nil {
		c.raise(hal.EXC_PHASE_MISMATCH)
		return
	}

	if t.releasing() {
		c.disconnect()
		c.fail(hal.ERR_UNEXPECT_DISC)
		return
	}

	if p, req := t.signals(); p != phase || !req {
		c.mismatch()
		return
	}

	input := phase&hal.BS0_IO != 0
	n := int(c.count)

	if dma {
		c.xfer.active = n > 0
		c.xfer.input = input
		c.xfer.phase = phase
		c.xfer.remaining = n
		if n == 0 {
			c.done()
		}
		return
	}

	for i := 0; i < n; i++ {
		if p, req := t.signals(); p != phase || !req {
			c.mismatch()
			return
		}

		if input {
			c.fifo = append(c.fifo, t.send())
		} else {
			if len(c.fifo) == 0 {
				c.fail(hal.ERR_SEQUENCE)
				return
			}
			b := c.fifo[0]
			c.fifo = c.fifo[1:]
			t.receive(b)
		}
		c.count--
	}

	c.done()
}

// dmaPull delivers one byte of an input transfer to the DMA channel.
func (c *Chip) dmaPull() (byte, bool) {
	t := c.target
	if !c.xfer.active || !c.xfer.input || t == nil {
		return 0, false
	}

	if p, req := t.signals(); p != c.xfer.phase || !req {
		c.mismatch()
		return 0, false
	}

	if c.xfer.phase == hal.PHASE_DATA_IN && t.StrandBytes > 0 {
		// The tail of a short data-in phase stays in the FIFO
		left := t.dataInLeft()
		if left <= t.StrandBytes && left < c.xfer.remaining {
			for i := 0; i < left; i++ {
				c.fifo = append(c.fifo, t.send())
			}
			c.mismatch()
			return 0, false
		}
	}

	b := t.send()
	c.step()
	return b, true
}

// dmaPush accepts one byte of an output transfer from the DMA channel. If the target has left
// the phase the byte is stranded in the FIFO.
func (c *Chip) dmaPush(b byte) bool {
	t := c.target
	if !c.xfer.active || c.xfer.input || t == nil {
		return false
	}

	if p, req := t.signals(); p != c.xfer.phase || !req {
		c.fifo = append(c.fifo, b)
		c.mismatch()
		return true
	}

	t.receive(b)
	c.step()
	return true
}

func (c *Chip) step() {
	c.xfer.remaining--
	c.count--
	if c.xfer.remaining == 0 {
		c.xfer.active = false
		c.done()
	}
}

func (c *Chip) reselect(t *Target) {
	c.target = t
	t.reconnect()
	c.fifo = []byte{1<<t.ID | 1<<(c.sourceID&7)}
	c.raise(hal.EXC_RESELECTED)
}

func (c *Chip) disconnect() {
	if c.target != nil {
		c.target.busFree()
	}
	c.target = nil
	c.atn = false
	c.xfer.active = false
}

// reset returns the chip to its power-on state. A target caught mid-reselection retries later.
func (c *Chip) reset() {
	if c.target != nil {
		c.target.abandon()
	}

	*c = Chip{bus: c.bus, Commands: c.Commands, rst: c.rst, sync: hal.SYNC_ASYNC}
}
