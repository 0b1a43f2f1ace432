// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package sim

import (
	"errors"

	"github.com/dswarbrick/mesh/hal"
)

// Upper bound on interrupts serviced by one Service call.
const maxServiceSteps = 10000

var ErrInterruptStorm = errors.New("interrupt storm")

// Bus ties together memory, the chip, its DMA channel and the targets on the SCSI bus.
type Bus struct {
	Mem  *Memory
	Chip *Chip
	DMA  *Channel

	targets [hal.MAX_TARGETS]*Target
}

func NewBus() *Bus {
	b := &Bus{Mem: NewMemory()}
	b.Chip = &Chip{bus: b, sync: hal.SYNC_ASYNC}
	b.DMA = &Channel{bus: b}
	return b
}

// Attach connects a target to the bus at its ID.
func (b *Bus) Attach(t *Target) {
	t.bus = b
	b.targets[t.ID&7] = t
}

func (b *Bus) Target(id uint8) *Target {
	return b.targets[id&7]
}

// InterruptPending reports whether the host interrupt line is asserted.
func (b *Bus) InterruptPending() bool {
	return b.Chip.Line() || b.DMA.IntPending()
}

// Reset asserts bus reset from a device other than the initiator.
func (b *Bus) Reset() {
	b.reset()
}

func (b *Bus) reset() {
	for _, t := range b.targets {
		if t != nil {
			t.busReset()
		}
	}

	c := b.Chip
	c.target = nil
	c.atn = false
	c.xfer.active = false
	c.contend = nil
	c.fifo = nil
	c.fail(hal.ERR_SCSI_RESET)
}

// ContendArbitration makes target id win the next arbitration and reselect instead. With
// erratum set the chip also reports an unexpected disconnect.
func (b *Bus) ContendArbitration(id uint8, erratum bool) {
	b.Chip.contend = b.targets[id&7]
	b.Chip.contendErratum = erratum
}

// deliverReselection lets a target with a disconnected command reselect the initiator.
func (b *Bus) deliverReselection() bool {
	c := b.Chip
	if c.target != nil || !c.reselEnabled || c.intr != 0 || b.DMA.active() || b.DMA.IntPending() {
		return false
	}

	for _, t := range b.targets {
		if t != nil && t.wantsBus() {
			c.reselect(t)
			return true
		}
	}
	return false
}

// InterruptHandler is the host side of the interrupt line.
type InterruptHandler interface {
	HandleInterrupt() error
}

// Service delivers interrupts and pending reselections to h until the bus is quiet. Errors
// returned by the handler are collected.
func (b *Bus) Service(h InterruptHandler) error {
	var errs []error

	for n := 0; n < maxServiceSteps; n++ {
		switch {
		case b.InterruptPending():
			if err := h.HandleInterrupt(); err != nil {
				errs = append(errs, err)
			}
		case b.deliverReselection():
		default:
			return errors.Join(errs...)
		}
	}

	return errors.Join(append(errs, ErrInterruptStorm)...)
}
