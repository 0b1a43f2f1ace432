// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package mesh

import (
	"fmt"
	"runtime"

	"github.com/dswarbrick/mesh/hal"
	"github.com/dswarbrick/mesh/scsi"
)

// Upper bound on bit bucket passes for one command (64 KiB of excess data).
const maxBucketRuns = 1024

// HandleInterrupt services the combined chip and DMA interrupt. It resumes the protocol state
// machine at the stage recorded by the channel program. Errors describe anomalies that could
// not be absorbed; the affected command has already been completed.
func (c *Controller) HandleInterrupt() error {
	c.stopChannel()
	c.readRegisters(true)

	stage := c.prog.stage()
	c.prog.setStage(StageIdle)
	c.stage = stage

	if c.latched {
		c.latched = false
		if c.shadow.Interrupt == 0 && stage == StageIdle {
			c.logDebug(ComponentInterrupt, "coalesced duplicate interrupt")
			return nil
		}
	}

	c.logDebug(ComponentInterrupt, "interrupt", "stage", stage,
		"int", fmt.Sprintf("%#02x", c.shadow.Interrupt),
		"exc", fmt.Sprintf("%#02x", c.shadow.Exception),
		"err", fmt.Sprintf("%#02x", c.shadow.Error),
		"phase", hal.PhaseName(c.shadow.BusStatus0))

	if c.shadow.Error&hal.ERR_SCSI_RESET != 0 {
		err := c.chipError(stage, ErrBusReset)
		c.logWarn(ComponentInterrupt, "SCSI bus reset detected", "stage", stage)
		c.resetBus()
		return err
	}

	c.pendingResel = c.shadow.Exception&hal.EXC_RESELECTED != 0

	var err error
	if c.active != nil {
		err = c.handleStage(stage)
	}

	if c.active == nil {
		if c.pendingResel {
			c.pendingResel = false
			if rerr := c.reselect(); err == nil {
				err = rerr
			}
		}

		if c.active == nil {
			c.enableDispatch()
		}
	}

	return err
}

func (c *Controller) handleStage(stage Stage) error {
	if c.shadow.Error&(hal.ERR_SEQUENCE|hal.ERR_PARITY_MASK) != 0 {
		err := c.chipError(stage, ErrSequence)
		c.logWarn(ComponentInterrupt, "chip error", "err", err)
		c.abortActive(AdapterSequenceError)
		return err
	}

	switch stage {
	case StageGood:
		return c.stageGood()
	case StageInit, StageArbitrate:
		return c.stageArbitrate(stage)
	case StageSelect:
		return c.stageSelect()
	case StageMsgOut:
		return c.stageMsgOut()
	case StageCmdOut:
		return c.stageCmdOut()
	case StageXfer:
		return c.stageXfer()
	case StageBitBucket, StageSyncCleanup:
		return c.stageBitBucket()
	case StageMsgIn:
		return c.stageMsgIn()
	case StageStatus:
		return c.stageStatus()
	default:
		err := c.chipError(stage, ErrSequence)
		c.logWarn(ComponentInterrupt, "unexpected stage", "err", err)
		c.abortActive(AdapterSequenceError)
		return err
	}
}

// stageGood: the program ran to completion, or ran out of space mid-transfer.
func (c *Controller) stageGood() error {
	ext := c.active.ext

	c.accountTransfer()
	c.copyBackAlignment()

	if ext.incomplete {
		return c.continueTransfer()
	}

	msg, ok := c.prog.msgIn()
	if !ok {
		c.abortActive(AdapterProtocolError)
		return c.chipError(StageGood, ErrProtocolReject)
	}

	if !c.dispatchMessage([]byte{msg}) && c.active != nil {
		// The bus went free after a message that does not end the command
		c.finish(AdapterUnexpectedDisconnect)
		return c.chipError(StageGood, ErrUnexpectedDisconnect)
	}

	return nil
}

// continueTransfer rebuilds the data program from the bytes transferred so far and runs it.
func (c *Controller) continueTransfer() error {
	c.copyBackAlignment()
	c.prog.clearResults()

	if err := c.buildDataProgram(false); err != nil {
		c.abortActive(AdapterTranslateError)
		return err
	}

	c.clearInterrupts()
	c.startChannel(labelXfer)
	return nil
}

// stageArbitrate: arbitration was lost, usually to a reselecting target. The command goes back
// to the caller.
func (c *Controller) stageArbitrate(stage Stage) error {
	req := c.active
	c.active = nil
	req.ext = nil

	c.logInfo(ComponentInterrupt, "requeueing command", "target", req.Target,
		"err", c.chipError(stage, ErrArbitration))
	c.client.Requeue(req)

	if c.pendingResel && c.shadow.Error&hal.ERR_UNEXPECT_DISC != 0 {
		// Chip erratum: reselection and unexpected disconnect reported together leave the
		// chip wedged. Reset it; the target will retry the reselection.
		c.logInfo(ComponentInterrupt, "reselection with unexpected disconnect, resetting chip")
		c.pendingResel = false
		c.command(hal.SEQ_RESET_MESH)
		if err := c.initChip(); err != nil {
			return err
		}
		c.readRegisters(true)
	}

	return nil
}

func (c *Controller) stageSelect() error {
	if c.shadow.Exception&hal.EXC_SEL_TIMEOUT != 0 {
		c.logInfo(ComponentInterrupt, "selection timeout", "target", c.active.Target)
	} else {
		c.logInfo(ComponentInterrupt, "selection failed", "target", c.active.Target,
			"exc", c.shadow.Exception)
	}

	c.finish(AdapterSelectionTimeout)
	c.chip.Write(hal.REG_BUS_STATUS0, 0)
	return nil
}

// stageMsgOut: the message-out phase was cut short, almost always by a Message Reject.
func (c *Controller) stageMsgOut() error {
	ext := c.active.ext

	// The negotiation never went out in full; any reply is not ours
	ext.sdtrPending = false
	c.command(hal.SEQ_FLUSH_FIFO)

	ended, err := c.processMessageIn()
	if ended {
		return err
	}

	if err != nil {
		c.abortActive(AdapterProtocolError)
		return err
	}

	if ext.rejected {
		c.abortActive(AdapterProtocolError)
		return nil
	}

	return c.resumePhase()
}

func (c *Controller) stageCmdOut() error {
	req := c.active

	c.command(hal.SEQ_FLUSH_FIFO)

	switch req.Message {
	case scsi.MSG_BUS_DEVICE_RESET:
		c.sync[req.Target] = hal.SYNC_ASYNC
		fallthrough
	case scsi.MSG_ABORT, scsi.MSG_ABORT_TAG, scsi.MSG_CLEAR_QUEUE:
		c.logDebug(ComponentInterrupt, "target released bus after abort message", "target", req.Target)
		c.finish(AdapterAborted)
		return nil
	}

	if c.shadow.Error&hal.ERR_UNEXPECT_DISC != 0 {
		c.finish(AdapterUnexpectedDisconnect)
		return c.chipError(StageCmdOut, ErrUnexpectedDisconnect)
	}

	c.readRegisters(false)
	if c.shadow.Requesting(hal.PHASE_STATUS) {
		c.logDebug(ComponentInterrupt, "status phase instead of command, assuming check condition")
	}

	return c.resumePhase()
}

// stageXfer: the data program stopped before completing. Fix up the transfer count and carry on
// in the phase the target has moved to.
func (c *Controller) stageXfer() error {
	req := c.active

	c.accountTransfer()
	c.readRegisters(false)

	switch {
	case c.shadow.Requesting(hal.PHASE_STATUS), c.shadow.Requesting(hal.PHASE_MSG_IN):
		return c.resumePhase()
	case c.shadow.Requesting(hal.PHASE_DATA_IN), c.shadow.Requesting(hal.PHASE_DATA_OUT):
		err := c.chipError(StageXfer, ErrPhaseMismatch)
		c.logWarn(ComponentInterrupt, "data phase re-entered", "target", req.Target, "err", err)
		c.abortActive(AdapterPhaseMismatch)
		return err
	default:
		return c.unexpectedPhase()
	}
}

// stageBitBucket: excess data was drained, or a synchronous transfer ended short.
func (c *Controller) stageBitBucket() error {
	req := c.active
	ext := req.ext

	c.accountTransfer()

	if n := c.prog.bucketMoved(); n > 0 {
		ext.overrun = true
		c.logInfo(ComponentInterrupt, "data overrun", "target", req.Target, "excess", n)
	}

	c.readRegisters(false)
	if c.shadow.Requesting(hal.PHASE_DATA_IN) || c.shadow.Requesting(hal.PHASE_DATA_OUT) {
		return c.runBucket()
	}

	if ext.transferred < req.Length {
		c.logDebug(ComponentInterrupt, "short transfer", "transferred", ext.transferred,
			"requested", req.Length)
	}

	c.command(hal.SEQ_FLUSH_FIFO)
	c.setInterruptMask(hal.INT_EXCEPTION | hal.INT_ERROR)

	return c.resumePhase()
}

// stageMsgIn: the target asserted message-in before it had fully left the status phase.
func (c *Controller) stageMsgIn() error {
	c.readRegisters(false)

	if !c.shadow.Requesting(hal.PHASE_MSG_IN) {
		runtime.Gosched()
		c.readRegisters(false)
	}

	if c.shadow.Requesting(hal.PHASE_MSG_IN) {
		return c.resumePhase()
	}

	return c.unexpectedPhase()
}

func (c *Controller) stageStatus() error {
	c.accountTransfer()
	c.copyBackAlignment()
	c.readRegisters(false)

	switch {
	case c.shadow.Requesting(hal.PHASE_DATA_IN), c.shadow.Requesting(hal.PHASE_DATA_OUT):
		return c.runBucket()
	case c.shadow.Requesting(hal.PHASE_MSG_IN):
		return c.resumePhase()
	default:
		return c.unexpectedPhase()
	}
}

// resumePhase continues the active command in whatever phase the target is requesting,
// processing messages first.
func (c *Controller) resumePhase() error {
	req := c.active
	ext := req.ext

	for i := 0; i < maxMessages; i++ {
		c.readRegisters(false)
		s := c.shadow

		switch {
		case s.Requesting(hal.PHASE_MSG_IN):
			ended, err := c.processMessageIn()
			if ended {
				return err
			}
			if err != nil {
				c.abortActive(AdapterProtocolError)
				return err
			}
			if ext.rejected {
				c.abortActive(AdapterProtocolError)
				return nil
			}
			continue

		case s.Requesting(hal.PHASE_STATUS):
			c.proceedToStatus()

		case s.Requesting(hal.PHASE_COMMAND):
			// Negotiation may have changed the synchronous parameters
			c.prog.clearResults()
			if err := c.buildDataProgram(false); err != nil {
				c.abortActive(AdapterTranslateError)
				return err
			}
			c.clearInterrupts()
			c.startChannel(labelCmdOut)

		case s.Requesting(hal.PHASE_DATA_IN), s.Requesting(hal.PHASE_DATA_OUT):
			in := s.Phase() == hal.PHASE_DATA_IN
			if (in && req.Direction != DirIn) || (!in && req.Direction != DirOut) {
				err := c.chipError(c.stage, ErrPhaseMismatch)
				c.abortActive(AdapterPhaseMismatch)
				return err
			}
			if ext.transferred >= req.Length {
				return c.runBucket()
			}
			return c.continueTransfer()

		case s.Requesting(hal.PHASE_MSG_OUT):
			c.clearInterrupts()
			c.startChannel(labelMsgOut)

		default:
			return c.unexpectedPhase()
		}

		return nil
	}

	c.abortActive(AdapterProtocolError)
	return c.chipError(c.stage, ErrProtocolReject)
}

func (c *Controller) proceedToStatus() {
	c.clearInterrupts()
	c.setInterruptMask(hal.INT_EXCEPTION | hal.INT_ERROR)
	c.startChannel(labelStatus)
}

// runBucket drains excess data in the current data phase direction.
func (c *Controller) runBucket() error {
	ext := c.active.ext

	ext.bucketRuns++
	if ext.bucketRuns > maxBucketRuns {
		err := c.chipError(c.stage, ErrDataOverrun)
		c.abortActive(AdapterDataOverrun)
		return err
	}

	c.prog.primeBucket(c.shadow.Phase() == hal.PHASE_DATA_IN)
	c.clearInterrupts()
	c.startChannel(labelBitBucket)
	return nil
}

// unexpectedPhase completes the active command when the target is somewhere it should not be.
func (c *Controller) unexpectedPhase() error {
	if c.shadow.BusFree() {
		err := c.chipError(c.stage, ErrUnexpectedDisconnect)
		c.logInfo(ComponentInterrupt, "unexpected disconnect", "err", err)
		c.finish(AdapterUnexpectedDisconnect)
		return err
	}

	err := c.chipError(c.stage, ErrPhaseMismatch)
	c.logInfo(ComponentInterrupt, "unexpected phase", "err", err)
	c.abortActive(AdapterPhaseMismatch)
	return err
}
