// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package mesh

import (
	"fmt"
	"time"

	"github.com/dswarbrick/mesh/dbdma"
	"github.com/dswarbrick/mesh/hal"
)

// Shadow is the most recent snapshot of the chip's volatile registers. Interrupt-time decisions
// are made against the shadow, never the live registers.
type Shadow struct {
	Interrupt  uint8
	Error      uint8
	Exception  uint8
	BusStatus0 uint8
	BusStatus1 uint8
	FIFOCount  uint8
	Count      uint16
}

// Phase returns the bus phase signalled by the target.
func (s Shadow) Phase() uint8 {
	return s.BusStatus0 & hal.BS0_PHASE_MASK
}

// Requesting reports whether the target is requesting a transfer in the given phase.
func (s Shadow) Requesting(phase uint8) bool {
	return s.BusStatus0&hal.BS0_REQ != 0 && s.Phase() == phase
}

// BusFree reports whether no device is driving BSY.
func (s Shadow) BusFree() bool {
	return s.BusStatus1&hal.BS1_BSY == 0
}

// readRegisters refreshes the shadow. A non-zero exception register always implies a pending
// exception interrupt. With clear set, the observed interrupt bits are acknowledged.
func (c *Controller) readRegisters(clear bool) {
	s := &c.shadow

	s.Interrupt = c.chip.Read(hal.REG_INTERRUPT)
	s.Error = c.chip.Read(hal.REG_ERROR)
	s.Exception = c.chip.Read(hal.REG_EXCEPTION)
	s.BusStatus0 = c.chip.Read(hal.REG_BUS_STATUS0)
	s.BusStatus1 = c.chip.Read(hal.REG_BUS_STATUS1)
	s.FIFOCount = c.chip.Read(hal.REG_FIFO_COUNT)
	s.Count = uint16(c.chip.Read(hal.REG_COUNT0)) | uint16(c.chip.Read(hal.REG_COUNT1))<<8

	if s.Exception != 0 {
		s.Interrupt |= hal.INT_EXCEPTION
	}

	if clear && s.Interrupt != 0 {
		c.chip.Write(hal.REG_INTERRUPT, s.Interrupt)
	}
}

func (c *Controller) clearInterrupts() {
	c.chip.Write(hal.REG_INTERRUPT, hal.INT_ALL)
}

// command writes the sequence register and waits out the chip's settle time.
func (c *Controller) command(seq uint8) {
	c.chip.Write(hal.REG_SEQUENCE, seq)
	if c.cfg.SettleDelay > 0 {
		time.Sleep(c.cfg.SettleDelay)
	}
}

func (c *Controller) setInterruptMask(mask uint8) {
	c.chip.Write(hal.REG_INTERRUPT_MASK, mask)
}

func (c *Controller) setTransferCount(n uint16) {
	c.chip.Write(hal.REG_COUNT0, uint8(n))
	c.chip.Write(hal.REG_COUNT1, uint8(n>>8))
}

// busyWait polls the chip until any interrupt bit is set.
func (c *Controller) busyWait() error {
	deadline := time.Now().Add(c.cfg.BusyWaitTimeout)

	for {
		c.readRegisters(false)
		if c.shadow.Interrupt != 0 {
			return nil
		}

		if time.Now().After(deadline) {
			c.logWarn(ComponentChip, "busy wait timed out", "timeout", c.cfg.BusyWaitTimeout)
			return ErrRegisterWaitTimeout
		}

		time.Sleep(time.Microsecond)
	}
}

// initChip programs the chip's static registers and the DMA channel select registers.
func (c *Controller) initChip() error {
	id := c.chip.Read(hal.REG_CHIP_ID) & hal.CHIP_ID_MASK
	if id != hal.CHIP_ID_MESH {
		return fmt.Errorf("unsupported chip id %#02x", id)
	}

	c.chip.Write(hal.REG_SOURCE_ID, c.cfg.InitiatorID)
	c.chip.Write(hal.REG_SEL_TIMEOUT, selTimeoutUnits(c.cfg.SelectionTimeout))
	c.chip.Write(hal.REG_SYNC_PARAMS, hal.SYNC_ASYNC)
	c.command(hal.SEQ_FLUSH_FIFO)
	c.clearInterrupts()
	c.setInterruptMask(hal.INT_EXCEPTION | hal.INT_ERROR)
	c.command(hal.SEQ_ENABLE_RESEL)

	// Programs wait for any chip event and branch when it is an exception or error.
	c.dma.Write(dbdma.REG_WAIT_SELECT, dbdma.Select(hal.STATUS_CHIP_EVENT, hal.STATUS_CHIP_EVENT))
	c.dma.Write(dbdma.REG_BRANCH_SELECT, dbdma.Select(hal.STATUS_CHIP_PROBLEM, hal.STATUS_CHIP_PROBLEM))
	c.dma.Write(dbdma.REG_INTERRUPT_SELECT, 0)

	c.logDebug(ComponentChip, "chip initialised", "initiator", c.cfg.InitiatorID)
	return nil
}

// The selection timeout register counts in 10 ms units.
func selTimeoutUnits(d time.Duration) uint8 {
	n := d / (10 * time.Millisecond)
	if n < 1 {
		n = 1
	}
	if n > 0xff {
		n = 0xff
	}
	return uint8(n)
}

func (c *Controller) stopChannel() {
	c.dma.Write(dbdma.REG_CONTROL, dbdma.ClearBits(dbdma.RUN|dbdma.PAUSE|dbdma.WAKE))

	deadline := time.Now().Add(c.cfg.BusyWaitTimeout)
	for c.dma.Read(dbdma.REG_STATUS)&dbdma.ACTIVE != 0 {
		if time.Now().After(deadline) {
			c.logWarn(ComponentChip, "DMA channel did not stop")
			return
		}
		time.Sleep(time.Microsecond)
	}
}

// startChannel runs the channel program from the given skeleton label.
func (c *Controller) startChannel(l label) {
	c.logDebug(ComponentProgram, "run", "entry", l)
	c.dma.Write(dbdma.REG_COMMAND_PTR, c.prog.labelAddr(l))
	c.dma.Write(dbdma.REG_CONTROL, dbdma.SetBits(dbdma.RUN|dbdma.WAKE))
}

// resetBus stops everything, pulses the SCSI bus reset line and reinitialises the chip. The
// active command and every parked command are completed with AdapterBusReset.
func (c *Controller) resetBus() {
	c.logWarn(ComponentChip, "resetting SCSI bus")

	c.stopChannel()
	c.command(hal.SEQ_RESET_MESH)

	c.chip.Write(hal.REG_BUS_STATUS1, hal.BS1_RST)
	time.Sleep(c.cfg.ResetPulse)
	c.chip.Write(hal.REG_BUS_STATUS1, 0)
	time.Sleep(c.cfg.ResetSettle)

	if err := c.initChip(); err != nil {
		c.logWarn(ComponentChip, "chip init after reset failed", "err", err)
	}
	c.readRegisters(true)

	for i := range c.sync {
		c.sync[i] = hal.SYNC_ASYNC
	}

	c.reselecting = false
	c.latched = false
	c.prog.setStage(StageIdle)

	if c.active != nil {
		c.finish(AdapterBusReset)
	}

	for _, req := range c.nexus.Drain() {
		c.complete(req, AdapterBusReset)
	}

	c.enableDispatch()
}
