// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package mesh

import (
	"errors"
	"fmt"

	"github.com/dswarbrick/mesh/hal"
)

// Execute starts a command. It returns ErrBusy if the controller cannot take it now; the request
// is then untouched and should be resubmitted after Client.Ready. On success the request is
// completed later through Client.Complete, or handed back through Client.Requeue.
func (c *Controller) Execute(req *Request) error {
	if err := req.validate(c.cfg.InitiatorID); err != nil {
		return err
	}

	msg := buildMessageOut(req)
	if len(msg) > maxMsgOut {
		return fmt.Errorf("%w: %d message bytes", ErrInvalidRequest, len(msg))
	}

	if c.active != nil || !c.dispatchEnabled || c.reselecting {
		return ErrBusy
	}

	if c.latched {
		c.readRegisters(false)
		if c.shadow.Interrupt != 0 {
			return ErrBusy
		}
		c.latched = false
	}

	req.Result = Result{}
	req.ext = &extension{msgOut: msg, sdtrPending: req.NegotiateSync}
	c.active = req

	if err := c.startCommand(); err != nil {
		c.active = nil
		req.ext = nil

		if errors.Is(err, ErrBusy) {
			c.logDebug(ComponentDispatch, "cannot start, bounced", "target", req.Target)
		}
		return err
	}

	return nil
}

// startCommand programs the chip for the active request and runs the channel program from
// arbitration.
func (c *Controller) startCommand() error {
	req := c.active

	c.readRegisters(false)
	if c.shadow.Interrupt != 0 || c.shadow.Exception&hal.EXC_RESELECTED != 0 {
		return ErrBusy
	}

	c.chip.Write(hal.REG_DEST_ID, req.Target)
	c.chip.Write(hal.REG_SEL_TIMEOUT, selTimeoutUnits(c.cfg.SelectionTimeout))
	c.chip.Write(hal.REG_SYNC_PARAMS, c.sync[req.Target])

	c.prog.clearResults()
	c.prog.setupMessageOut(req.ext.msgOut)
	c.prog.setupCommand(req.CDB)

	if err := c.buildDataProgram(false); err != nil {
		return err
	}

	c.logDebug(ComponentDispatch, "starting command", "target", req.Target, "lun", req.LUN,
		"cdb", fmt.Sprintf("% x", req.CDB), "dir", req.Direction, "length", req.Length)

	c.dispatchEnabled = false
	c.stage = StageInit
	c.prog.setStage(StageInit)
	c.setInterruptMask(hal.INT_EXCEPTION | hal.INT_ERROR)
	c.startChannel(labelArbitrate)
	return nil
}

// Cancel aborts req.Original, whether it owns the bus or is parked disconnected, and completes
// both requests. The cancel request reports the bytes the original had transferred.
func (c *Controller) Cancel(req *Request) {
	var transferred uint32

	if orig := req.Original; orig != nil && orig.ext != nil {
		switch {
		case orig == c.active:
			c.stopChannel()
			c.abortActive(AdapterAborted)
		default:
			c.nexus.Unpark(orig)
			c.complete(orig, AdapterAborted)
		}

		transferred = orig.Result.Transferred
	}

	req.Result = Result{Transferred: transferred}
	c.client.Complete(req)

	if c.active == nil && !c.dispatchEnabled {
		c.enableDispatch()
	}
}

// Reset resets the SCSI bus and completes req with a zeroed result.
func (c *Controller) Reset(req *Request) Result {
	c.resetBus()

	req.Result = Result{}
	c.client.Complete(req)
	return req.Result
}

// finish completes the active command and frees the bus slot.
func (c *Controller) finish(status AdapterStatus) {
	req := c.active
	c.active = nil

	if st, ok := c.prog.status(); ok {
		req.ext.status = st
	}

	c.complete(req, status)
}

// complete fills in the result of req, detaches the controller's state and hands it back.
func (c *Controller) complete(req *Request, status AdapterStatus) {
	res := Result{Adapter: status}

	if ext := req.ext; ext != nil {
		res.Status = ext.status
		res.Transferred = ext.transferred
		res.Negotiated = ext.negotiated
		res.Sync = ext.sync
		res.TagType = ext.tagType
		res.Tag = ext.tag
	}

	req.Result = res
	req.ext = nil

	c.logDebug(ComponentDispatch, "command complete", "target", req.Target, "lun", req.LUN,
		"status", res.Status, "adapter", res.Adapter, "transferred", res.Transferred)
	c.client.Complete(req)
}

func (c *Controller) enableDispatch() {
	c.dispatchEnabled = true
	c.client.Ready()
}
