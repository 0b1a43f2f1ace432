// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package mesh

import (
	"fmt"

	"github.com/dswarbrick/mesh/hal"
	"github.com/dswarbrick/mesh/scsi"
)

const (
	// Slowest period offered in a synchronous negotiation is never faster than 100 ns.
	minSyncPeriodPs = 100000
	fastPeriodNs    = 100

	// Bound on messages read in one message-in phase.
	maxMessages = 16
	maxMsgLen   = 2 + 255
)

// buildMessageOut returns the message-out bytes for a request: Identify, optional queue tag,
// optional abort or reset message, optional synchronous negotiation.
func buildMessageOut(req *Request) []byte {
	msg := []byte{scsi.Identify(req.LUN, !req.NoDisconnect)}

	if req.TagType != 0 {
		msg = append(msg, req.TagType, req.Tag)
	}

	if req.Message != 0 {
		msg = append(msg, req.Message)
	}

	if req.NegotiateSync {
		offset := req.SyncOffset
		if offset > hal.SYNC_OFFSET_MAX {
			offset = hal.SYNC_OFFSET_MAX
		}
		msg = append(msg, scsi.SDTR(syncPeriodByte(req.SyncPeriodPs), offset)...)
	}

	return msg
}

// syncPeriodByte converts a period in picoseconds to the 4 ns units of an SDTR message.
func syncPeriodByte(ps uint32) uint8 {
	if ps < minSyncPeriodPs {
		ps = minSyncPeriodPs
	}

	v := ps / 4000
	if v > 0xff {
		v = 0xff
	}
	return uint8(v)
}

// syncParams converts an SDTR period (4 ns units) and offset into the chip's synchronous
// parameter byte: offset in the high nibble, period code in the low nibble.
func syncParams(period, offset uint8) uint8 {
	if offset == 0 {
		return hal.SYNC_ASYNC
	}

	if offset > hal.SYNC_OFFSET_MAX {
		offset = hal.SYNC_OFFSET_MAX
	}

	ns := int(period) * 4
	code := hal.SYNC_FAST_CODE
	if ns != fastPeriodNs {
		code = (ns - 41) / 40
		if code < 1 {
			code = 1
		}
		if code > 0x0f {
			code = 0x0f
		}
	}

	return offset<<4 | uint8(code)
}

type msgState uint8

const (
	msgInit msgState = iota
	msgCounting
	msgReading
	msgReady
)

// msgParser assembles inbound messages one byte at a time.
type msgParser struct {
	state     msgState
	buf       []byte
	remaining int
}

// feed consumes one byte and reports whether a complete message is ready.
func (p *msgParser) feed(b byte) bool {
	p.buf = append(p.buf, b)

	switch p.state {
	case msgInit:
		switch {
		case b == scsi.MSG_EXTENDED:
			p.state = msgCounting
		case b <= 0x1f || scsi.IsIdentify(b):
			p.state = msgReady
		case b >= 0x20 && b <= 0x2f:
			p.remaining = 1
			p.state = msgReading
		default:
			p.state = msgReady
		}
	case msgCounting:
		p.remaining = int(b)
		if p.remaining == 0 {
			p.state = msgReady
		} else {
			p.state = msgReading
		}
	case msgReading:
		p.remaining--
		if p.remaining == 0 {
			p.state = msgReady
		}
	}

	return p.state == msgReady
}

func (p *msgParser) message() []byte {
	return append([]byte(nil), p.buf...)
}

func (p *msgParser) reset() {
	p.state = msgInit
	p.buf = p.buf[:0]
	p.remaining = 0
}

// readMessageByte transfers one message-in byte by programmed I/O.
func (c *Controller) readMessageByte() (byte, error) {
	c.setTransferCount(1)
	c.command(hal.SEQ_MSG_IN)

	if err := c.busyWait(); err != nil {
		return 0, err
	}

	if c.shadow.Interrupt&(hal.INT_EXCEPTION|hal.INT_ERROR) != 0 {
		c.clearInterrupts()
		return 0, c.chipError(c.stage, ErrPhaseMismatch)
	}

	b := c.chip.Read(hal.REG_FIFO)
	c.clearInterrupts()
	return b, nil
}

// writeMessageByte sends one message-out byte by programmed I/O. ATN stays asserted during the
// transfer only if atn is set.
func (c *Controller) writeMessageByte(b byte, atn bool) error {
	c.chip.Write(hal.REG_FIFO, b)
	c.setTransferCount(1)

	seq := uint8(hal.SEQ_MSG_OUT)
	if atn {
		seq |= hal.SEQ_ATN
	}
	c.command(seq)

	if err := c.busyWait(); err != nil {
		return err
	}

	if c.shadow.Interrupt&(hal.INT_EXCEPTION|hal.INT_ERROR) != 0 {
		c.command(hal.SEQ_FLUSH_FIFO)
		c.clearInterrupts()
		return c.chipError(c.stage, ErrPhaseMismatch)
	}

	c.clearInterrupts()
	return nil
}

// readMessage reads bytes until the parser holds a complete message.
func (c *Controller) readMessage() ([]byte, error) {
	c.msg.reset()

	for i := 0; i < maxMsgLen; i++ {
		b, err := c.readMessageByte()
		if err != nil {
			c.msg.reset()
			return nil, err
		}

		if c.msg.feed(b) {
			m := c.msg.message()
			c.msg.reset()
			c.logDebug(ComponentMessage, "message in", "msg", fmt.Sprintf("% x", m))
			return m, nil
		}
	}

	c.msg.reset()
	return nil, fmt.Errorf("%w: message too long", ErrProtocolReject)
}

// processMessageIn handles messages while the target stays in message-in. It reports whether
// the active command ended: completed, aborted or disconnected.
func (c *Controller) processMessageIn() (bool, error) {
	for n := 0; n < maxMessages; n++ {
		c.readRegisters(false)
		if !c.shadow.Requesting(hal.PHASE_MSG_IN) {
			return false, nil
		}

		m, err := c.readMessage()
		if err != nil {
			return false, err
		}

		if c.dispatchMessage(m) || c.active == nil {
			return true, nil
		}
	}

	return false, fmt.Errorf("%w: target stuck in message-in", ErrPhaseMismatch)
}

// dispatchMessage acts on a complete inbound message for the active command and reports whether
// the command ended.
func (c *Controller) dispatchMessage(m []byte) bool {
	ext := c.active.ext

	switch b := m[0]; {
	case b == scsi.MSG_COMMAND_COMPLETE:
		c.commandComplete()
		return true

	case b == scsi.MSG_LINKED_CMD_COMPLETE || b == scsi.MSG_LINKED_CMD_COMPLETE_FLG:
		c.logWarn(ComponentMessage, "linked commands not supported")
		c.abortActive(AdapterProtocolError)
		return true

	case b == scsi.MSG_NOP:

	case b == scsi.MSG_RESTORE_POINTERS:
		ext.transferred = ext.saved

	case b == scsi.MSG_SAVE_DATA_POINTERS:
		// The target has committed everything up to here
		c.holdAlignment()
		ext.saved = ext.transferred

	case b == scsi.MSG_DISCONNECT:
		c.disconnect()
		return true

	case b == scsi.MSG_MESSAGE_REJECT:
		if ext.sdtrPending {
			// Target does not do synchronous transfers
			ext.sdtrPending = false
			c.setSync(c.active.Target, hal.SYNC_ASYNC)
			c.logInfo(ComponentMessage, "synchronous negotiation rejected", "target", c.active.Target)
		} else {
			ext.rejected = true
		}

	case b >= scsi.MSG_SIMPLE_QUEUE_TAG && b <= scsi.MSG_ORDERED_QUEUE_TAG:
		c.recordTag(b, m[1])

	case b == scsi.MSG_EXTENDED:
		c.extendedMessage(m)

	case scsi.IsIdentify(b):
		c.logDebug(ComponentMessage, "identify", "lun", b&scsi.MSG_IDENTIFY_LUN_MASK)

	default:
		c.logInfo(ComponentMessage, "unsupported message", "msg", b)
		c.issueReject()
		c.abortActive(AdapterProtocolError)
		return true
	}

	return false
}

func (c *Controller) extendedMessage(m []byte) {
	ext := c.active.ext

	if len(m) < 3 {
		c.issueReject()
		return
	}

	switch m[2] {
	case scsi.MSG_EXT_SDTR:
		if !ext.sdtrPending || len(m) < 5 {
			c.logInfo(ComponentMessage, "unsolicited synchronous negotiation", "target", c.active.Target)
			c.issueReject()
			return
		}

		ext.sdtrPending = false
		ext.negotiated = true

		params := syncParams(m[3], m[4])
		c.setSync(c.active.Target, params)

		if params != hal.SYNC_ASYNC {
			ext.sync = SyncParams{PeriodNs: uint32(m[3]) * 4, Offset: params >> 4}
		} else {
			ext.sync = SyncParams{}
		}

		c.logInfo(ComponentMessage, "synchronous parameters negotiated", "target", c.active.Target,
			"period_ns", ext.sync.PeriodNs, "offset", ext.sync.Offset)

	default:
		// Wide transfers are never negotiated on this chip
		c.issueReject()
	}
}

// recordTag notes the queue tag the target reported for the active command.
func (c *Controller) recordTag(typ, tag uint8) {
	req := c.active
	req.ext.tagType, req.ext.tag = typ, tag

	if tag != req.Tag {
		c.logInfo(ComponentMessage, "target reported a different queue tag", "target", req.Target,
			"want", req.Tag, "got", tag)
	} else {
		c.logDebug(ComponentMessage, "queue tag", "type", typ, "tag", tag)
	}
}

func (c *Controller) setSync(target uint8, params uint8) {
	c.sync[target] = params
	c.chip.Write(hal.REG_SYNC_PARAMS, params)
}

// issueReject sends a Message Reject for the message just received.
func (c *Controller) issueReject() {
	c.logDebug(ComponentMessage, "sending message reject")

	c.chip.Write(hal.REG_BUS_STATUS0, hal.BS0_ATN)
	if err := c.forceBusFree(); err != nil {
		// The target normally stays connected in both cases
		c.logDebug(ComponentMessage, "target kept the bus after attention", "err", err)
	}
	c.chip.Write(hal.REG_BUS_STATUS0, 0)

	if err := c.writeMessageByte(scsi.MSG_MESSAGE_REJECT, false); err != nil {
		c.logWarn(ComponentMessage, "cannot send message reject", "err", err)
	}

	if err := c.forceBusFree(); err != nil {
		c.logDebug(ComponentMessage, "target kept the bus after message reject", "err", err)
	}
	c.clearInterrupts()
}

// forceBusFree issues a bus free command. It fails with a phase mismatch if the target does not
// release the bus.
func (c *Controller) forceBusFree() error {
	c.command(hal.SEQ_BUS_FREE)

	if err := c.busyWait(); err != nil {
		return err
	}

	ok := c.shadow.Interrupt&(hal.INT_EXCEPTION|hal.INT_ERROR) == 0
	c.clearInterrupts()

	if !ok {
		return c.chipError(c.stage, ErrPhaseMismatch)
	}
	return nil
}

// sendAbort asserts ATN, discards pending message-in bytes and sends an Abort message, then
// waits for the target to release the bus.
func (c *Controller) sendAbort() error {
	c.chip.Write(hal.REG_BUS_STATUS0, hal.BS0_ATN)

	for i := 0; i < maxMsgLen; i++ {
		c.readRegisters(false)
		if !c.shadow.Requesting(hal.PHASE_MSG_IN) {
			break
		}
		if _, err := c.readMessageByte(); err != nil {
			break
		}
	}

	var err error
	c.readRegisters(false)
	switch {
	case c.shadow.Requesting(hal.PHASE_MSG_OUT):
		err = c.writeMessageByte(scsi.MSG_ABORT, false)
	case !c.shadow.BusFree():
		err = c.chipError(c.stage, ErrPhaseMismatch)
	}

	c.chip.Write(hal.REG_BUS_STATUS0, 0)

	if err != nil {
		return err
	}
	return c.forceBusFree()
}

// abortActive aborts the active command on the bus and completes it with the given status. A
// target that will not release the bus gets a bus reset.
func (c *Controller) abortActive(status AdapterStatus) {
	c.logInfo(ComponentMessage, "aborting command", "target", c.active.Target, "status", status)

	err := c.sendAbort()
	c.finish(status)

	if err != nil {
		c.logWarn(ComponentMessage, "target did not release the bus", "err", err)
		c.resetBus()
	}
}

func (c *Controller) commandComplete() {
	ext := c.active.ext
	ext.sdtrPending = false

	if err := c.forceBusFree(); err != nil {
		c.logWarn(ComponentMessage, "bus free after command complete failed", "err", err)
	}

	status := AdapterOK
	if ext.overrun {
		status = AdapterDataOverrun
	}

	c.finish(status)
	c.latched = true
}

// disconnect parks the active command until its target reselects.
func (c *Controller) disconnect() {
	req := c.active
	ext := req.ext
	ext.sdtrPending = false

	c.logDebug(ComponentMessage, "target disconnected", "target", req.Target, "lun", req.LUN,
		"tag", req.Tag, "saved", ext.saved)

	c.active = nil
	c.nexus.Park(req)

	c.command(hal.SEQ_ENABLE_RESEL)
	if err := c.forceBusFree(); err != nil {
		c.logWarn(ComponentMessage, "bus free after disconnect failed", "err", err)
	}

	c.latched = true
}
