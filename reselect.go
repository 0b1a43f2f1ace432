// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package mesh

import (
	"fmt"

	"github.com/dswarbrick/mesh/hal"
	"github.com/dswarbrick/mesh/scsi"
	"github.com/dswarbrick/mesh/utils"
)

// decodeReselectID extracts the reselecting target from the bus ID mask latched during
// reselection. Exactly one bit other than our own must be set.
func decodeReselectID(ids, own uint8) (uint8, error) {
	ids &^= 1 << own

	if utils.OnesCount(ids) != 1 {
		return 0, fmt.Errorf("%w: bus id mask %#02x", ErrNoTarget, ids)
	}

	return uint8(utils.Log2b(uint(ids))), nil
}

// reselect identifies the reselecting target, matches the nexus against the parked commands and
// resumes the matching one.
func (c *Controller) reselect() error {
	c.reselecting = true
	c.dispatchEnabled = false
	c.stage = StageIdle

	defer func() { c.reselecting = false }()

	// Status may be stale when reselection and disconnect are reported together
	c.clearInterrupts()
	c.readRegisters(false)

	if c.shadow.FIFOCount == 0 {
		return c.rejectReselection(fmt.Errorf("%w: no bus id in FIFO", ErrNoTarget))
	}

	target, err := decodeReselectID(c.chip.Read(hal.REG_FIFO), c.cfg.InitiatorID)
	if err != nil {
		return c.rejectReselection(err)
	}

	msg, err := c.readMessage()
	if err != nil {
		return c.rejectReselection(err)
	}

	if !scsi.IsIdentify(msg[0]) {
		return c.rejectReselection(fmt.Errorf("%w: target %d sent %#02x instead of identify",
			ErrProtocolReject, target, msg[0]))
	}

	n := Nexus{Target: target, LUN: msg[0] & scsi.MSG_IDENTIFY_LUN_MASK}
	var tagType uint8

	c.readRegisters(false)
	if c.shadow.Requesting(hal.PHASE_MSG_IN) {
		tag, err := c.readMessage()
		if err != nil {
			return c.rejectReselection(err)
		}

		if len(tag) == 2 && tag[0] >= scsi.MSG_SIMPLE_QUEUE_TAG && tag[0] <= scsi.MSG_ORDERED_QUEUE_TAG {
			n.Tagged = true
			n.Tag = tag[1]
			tagType = tag[0]
		} else {
			c.logInfo(ComponentReselect, "ignoring message after identify", "target", target,
				"msg", fmt.Sprintf("% x", tag))
		}
	}

	matches := c.nexus.Match(n)
	if len(matches) != 1 {
		// None of the matching commands can be resumed safely once the target is aborted.
		for _, req := range matches {
			c.nexus.Unpark(req)
			c.complete(req, AdapterProtocolError)
		}

		return c.rejectReselection(fmt.Errorf("%w: %d commands match nexus %s",
			ErrProtocolReject, len(matches), n))
	}

	req := matches[0]
	c.nexus.Unpark(req)
	c.active = req

	ext := req.ext
	ext.transferred = ext.saved
	ext.sdtrPending = false
	if n.Tagged {
		ext.tagType, ext.tag = tagType, n.Tag
	}

	c.logDebug(ComponentReselect, "reselected", "nexus", n, "restart", ext.transferred)

	c.chip.Write(hal.REG_DEST_ID, target)
	c.chip.Write(hal.REG_SYNC_PARAMS, c.sync[target])
	c.prog.clearResults()

	if err := c.buildDataProgram(true); err != nil {
		c.abortActive(AdapterTranslateError)
		return err
	}

	c.stage = StageXfer
	c.setInterruptMask(hal.INT_EXCEPTION | hal.INT_ERROR)
	c.startChannel(labelXfer)
	return nil
}

// rejectReselection aborts whatever the reselecting target wanted to resume.
func (c *Controller) rejectReselection(cause error) error {
	c.logInfo(ComponentReselect, "rejecting reselection", "err", cause)

	if err := c.sendAbort(); err != nil {
		c.logWarn(ComponentReselect, "target did not release the bus", "err", err)
		c.resetBus()
	}

	c.command(hal.SEQ_ENABLE_RESEL)
	return cause
}
