// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package sim

import (
	"github.com/dswarbrick/mesh/hal"
	"github.com/dswarbrick/mesh/scsi"
)

// SyncMode is how a target answers a synchronous transfer request.
type SyncMode uint8

const (
	SyncAccept SyncMode = iota
	SyncReject
)

const (
	defaultMinPeriod = 25 // 100 ns
	defaultMaxOffset = hal.SYNC_OFFSET_MAX
)

// Response is what a target does with a command.
type Response struct {
	Status uint8
	DataIn []byte

	// DataOut bytes are requested from the initiator and handed to Sink.
	DataOut int
	Sink    func([]byte)
}

// Handler executes a CDB received by a target.
type Handler func(lun uint8, cdb []byte) Response

// Target is a simulated SCSI target device. Its behaviour knobs must be set before it is
// attached to a bus.
type Target struct {
	ID      uint8
	Handler Handler

	Sync      SyncMode
	MinPeriod uint8
	MaxOffset uint8

	// RejectMessageOut rejects the first message-out phase after its first byte.
	RejectMessageOut bool
	// DisconnectAfterCommand disconnects once after receiving each command, if allowed.
	DisconnectAfterCommand bool
	// DisconnectAfterBytes disconnects once in the middle of the data phase, if allowed.
	DisconnectAfterBytes int
	// LingerInStatus keeps the status phase asserted without REQ after the status byte until
	// the initiator trips over it.
	LingerInStatus bool
	// StrandBytes leaves up to this many bytes at the end of a short data-in phase in the chip
	// FIFO.
	StrandBytes int
	// InitiateSync sends an unsolicited synchronous transfer request after the command.
	InitiateSync bool
	// Hold defers reselection while set. Arbitration contention ignores it.
	Hold bool

	// Observations
	MessagesOut [][]byte
	SyncPeriod  uint8
	SyncOffset  uint8
	Aborts      int
	Rejects     int
	Commands    int

	bus    *Bus
	cur    *nexus
	parked []*nexus
	conn   connState

	rejectedOnce bool
	sdtrSent     bool
}

type nexus struct {
	lun      uint8
	tag      uint8
	tagged   bool
	discPriv bool

	cdb        []byte
	commanded  bool
	resp       Response
	pos        int
	out        []byte
	statusSent bool

	midDone          bool
	disconnectedOnce bool
}

type afterMsgIn uint8

const (
	afterProceed afterMsgIn = iota
	afterRelease
	afterDisconnect
)

type connState struct {
	phase        uint8
	req          bool
	releasing    bool
	msgIn        []byte
	after        afterMsgIn
	msgOut       []byte
	lingering    bool
	reconnecting bool
}

func (t *Target) minPeriod() uint8 {
	if t.MinPeriod == 0 {
		return defaultMinPeriod
	}
	return t.MinPeriod
}

func (t *Target) maxOffset() uint8 {
	if t.MaxOffset == 0 {
		return defaultMaxOffset
	}
	return t.MaxOffset
}

// Pending reports whether the target holds a disconnected command it wants to resume.
func (t *Target) Pending() bool {
	return len(t.parked) > 0 && t.cur == nil
}

func (t *Target) wantsBus() bool {
	return !t.Hold && t.Pending()
}

func (t *Target) signals() (uint8, bool) {
	return t.conn.phase, t.conn.req && !t.conn.releasing
}

func (t *Target) releasing() bool {
	return t.conn.releasing
}

func (t *Target) enter(phase uint8) {
	t.conn.phase = phase
	t.conn.req = true
}

func (t *Target) enterMsgIn(msg []byte, after afterMsgIn) {
	t.conn.msgIn = append([]byte(nil), msg...)
	t.conn.after = after
	t.enter(hal.PHASE_MSG_IN)
}

func (t *Target) selected(atn bool) {
	t.cur = &nexus{}
	t.conn = connState{}

	if atn {
		t.enter(hal.PHASE_MSG_OUT)
	} else {
		t.enter(hal.PHASE_COMMAND)
	}
}

// send produces the next byte of an input phase.
func (t *Target) send() byte {
	n := t.cur

	switch t.conn.phase {
	case hal.PHASE_DATA_IN:
		if n == nil || n.pos >= len(n.resp.DataIn) {
			return 0
		}
		b := n.resp.DataIn[n.pos]
		n.pos++
		t.afterData()
		return b

	case hal.PHASE_STATUS:
		if n == nil {
			return 0
		}
		n.statusSent = true
		if t.LingerInStatus {
			t.conn.req = false
			t.conn.lingering = true
		} else {
			t.enterMsgIn([]byte{scsi.MSG_COMMAND_COMPLETE}, afterRelease)
		}
		return n.resp.Status

	case hal.PHASE_MSG_IN:
		if len(t.conn.msgIn) == 0 {
			return 0
		}
		b := t.conn.msgIn[0]
		t.conn.msgIn = t.conn.msgIn[1:]
		if len(t.conn.msgIn) == 0 {
			t.msgInDone()
		}
		return b
	}

	return 0
}

// receive consumes the next byte of an output phase.
func (t *Target) receive(b byte) {
	n := t.cur
	if n == nil {
		return
	}

	switch t.conn.phase {
	case hal.PHASE_DATA_OUT:
		n.out = append(n.out, b)
		t.afterData()

	case hal.PHASE_COMMAND:
		n.cdb = append(n.cdb, b)
		if len(n.cdb) == scsi.CDBLength(n.cdb[0]) {
			t.commandReceived()
		}

	case hal.PHASE_MSG_OUT:
		if t.RejectMessageOut && !t.rejectedOnce && !isAbort(b) {
			t.rejectedOnce = true
			t.conn.msgOut = nil
			t.enterMsgIn([]byte{scsi.MSG_MESSAGE_REJECT}, afterProceed)
			return
		}

		t.conn.msgOut = append(t.conn.msgOut, b)
		if !t.bus.Chip.atn {
			t.messageOut()
		}
	}
}

func isAbort(b byte) bool {
	switch b {
	case scsi.MSG_ABORT, scsi.MSG_ABORT_TAG, scsi.MSG_CLEAR_QUEUE, scsi.MSG_BUS_DEVICE_RESET:
		return true
	}
	return false
}

func (t *Target) afterData() {
	n := t.cur

	var moved, total int
	if t.conn.phase == hal.PHASE_DATA_IN {
		moved, total = n.pos, len(n.resp.DataIn)
	} else {
		moved, total = len(n.out), n.resp.DataOut
	}

	if moved == total {
		if t.conn.phase == hal.PHASE_DATA_OUT && n.resp.Sink != nil {
			n.resp.Sink(n.out)
		}
		t.proceed()
		return
	}

	if n.discPriv && t.DisconnectAfterBytes > 0 && !n.midDone && moved == t.DisconnectAfterBytes {
		n.midDone = true
		t.enterMsgIn([]byte{scsi.MSG_SAVE_DATA_POINTERS, scsi.MSG_DISCONNECT}, afterDisconnect)
	}
}

func (t *Target) dataInLeft() int {
	if t.cur == nil {
		return 0
	}
	return len(t.cur.resp.DataIn) - t.cur.pos
}

func (t *Target) commandReceived() {
	n := t.cur
	t.Commands++
	n.commanded = true

	if t.Handler != nil {
		n.resp = t.Handler(n.lun, n.cdb)
	} else {
		n.resp = Response{Status: scsi.SAM_STAT_CHECK_CONDITION}
	}

	switch {
	case t.InitiateSync && !t.sdtrSent:
		t.sdtrSent = true
		t.enterMsgIn(scsi.SDTR(t.minPeriod(), t.maxOffset()), afterProceed)
	case t.DisconnectAfterCommand && n.discPriv && !n.disconnectedOnce:
		t.enterMsgIn([]byte{scsi.MSG_DISCONNECT}, afterDisconnect)
	default:
		t.proceed()
	}
}

// proceed enters the next phase of the current command.
func (t *Target) proceed() {
	n := t.cur

	switch {
	case n == nil:
		t.release()
	case !n.commanded:
		t.enter(hal.PHASE_COMMAND)
	case n.pos < len(n.resp.DataIn):
		t.enter(hal.PHASE_DATA_IN)
	case len(n.out) < n.resp.DataOut:
		t.enter(hal.PHASE_DATA_OUT)
	case !n.statusSent:
		t.enter(hal.PHASE_STATUS)
	default:
		t.enterMsgIn([]byte{scsi.MSG_COMMAND_COMPLETE}, afterRelease)
	}
}

func (t *Target) msgInDone() {
	t.conn.reconnecting = false

	switch t.conn.after {
	case afterRelease:
		t.cur = nil
		t.release()
	case afterDisconnect:
		t.cur.disconnectedOnce = true
		t.parked = append(t.parked, t.cur)
		t.cur = nil
		t.release()
	default:
		if t.bus.Chip.atn {
			t.enter(hal.PHASE_MSG_OUT)
		} else {
			t.proceed()
		}
	}
}

// attention switches to message-out when the initiator raises ATN.
func (t *Target) attention() {
	if t.conn.releasing || t.conn.phase == hal.PHASE_MSG_OUT {
		return
	}

	t.conn.msgIn = nil
	t.conn.lingering = false
	t.enter(hal.PHASE_MSG_OUT)
}

func (t *Target) messageOut() {
	m := t.conn.msgOut
	t.conn.msgOut = nil
	t.MessagesOut = append(t.MessagesOut, m)

	var reply []byte

	for i := 0; i < len(m); {
		b := m[i]

		switch {
		case scsi.IsIdentify(b):
			t.cur.lun = b & scsi.MSG_IDENTIFY_LUN_MASK
			t.cur.discPriv = b&scsi.MSG_IDENTIFY_DISCONNECT != 0
			i++

		case b >= scsi.MSG_SIMPLE_QUEUE_TAG && b <= scsi.MSG_ORDERED_QUEUE_TAG:
			if i+1 < len(m) {
				t.cur.tagged = true
				t.cur.tag = m[i+1]
			}
			i += 2

		case isAbort(b):
			t.abort(b)
			return

		case b == scsi.MSG_MESSAGE_REJECT:
			t.Rejects++
			if t.sdtrSent {
				t.SyncPeriod, t.SyncOffset = 0, 0
			}
			i++

		case b == scsi.MSG_EXTENDED:
			if i+1 >= len(m) {
				i = len(m)
				break
			}
			end := i + 2 + int(m[i+1])
			if end > len(m) {
				end = len(m)
			}
			body := m[i+2 : end]
			if len(body) >= 3 && body[0] == scsi.MSG_EXT_SDTR {
				reply = t.sdtrReply(body[1], body[2])
			} else {
				reply = []byte{scsi.MSG_MESSAGE_REJECT}
			}
			i = end

		case b == scsi.MSG_NOP:
			i++

		default:
			reply = []byte{scsi.MSG_MESSAGE_REJECT}
			i++
		}
	}

	if reply != nil {
		t.enterMsgIn(reply, afterProceed)
		return
	}
	t.proceed()
}

func (t *Target) sdtrReply(period, offset uint8) []byte {
	if t.Sync == SyncReject {
		return []byte{scsi.MSG_MESSAGE_REJECT}
	}

	if period < t.minPeriod() {
		period = t.minPeriod()
	}
	if offset > t.maxOffset() {
		offset = t.maxOffset()
	}
	t.SyncPeriod, t.SyncOffset = period, offset

	return scsi.SDTR(period, offset)
}

func (t *Target) abort(msg byte) {
	t.Aborts++

	keep := t.parked[:0]
	for _, p := range t.parked {
		switch {
		case msg == scsi.MSG_BUS_DEVICE_RESET:
			continue
		case msg == scsi.MSG_CLEAR_QUEUE && p.lun == t.cur.lun:
			continue
		case msg == scsi.MSG_ABORT && p.lun == t.cur.lun && !p.tagged:
			continue
		case msg == scsi.MSG_ABORT_TAG && p.lun == t.cur.lun && p.tagged && p.tag == t.cur.tag:
			continue
		}
		keep = append(keep, p)
	}
	t.parked = keep

	if msg == scsi.MSG_BUS_DEVICE_RESET {
		t.SyncPeriod, t.SyncOffset = 0, 0
	}

	t.cur = nil
	t.release()
}

// mismatch is called when the initiator attempted a transfer in the wrong phase.
func (t *Target) mismatch() {
	if t.conn.lingering {
		t.conn.lingering = false
		t.enterMsgIn([]byte{scsi.MSG_COMMAND_COMPLETE}, afterRelease)
	}
}

// release starts releasing the bus. BSY drops when the initiator issues bus free.
func (t *Target) release() {
	t.conn.releasing = true
	t.conn.req = false
}

func (t *Target) busFree() {
	t.conn = connState{}
}

// reconnect resumes the oldest disconnected command.
func (t *Target) reconnect() {
	n := t.parked[0]
	t.parked = t.parked[1:]
	t.cur = n
	t.conn = connState{reconnecting: true}

	msg := []byte{scsi.Identify(n.lun, n.discPriv)}
	if n.tagged {
		msg = append(msg, scsi.MSG_SIMPLE_QUEUE_TAG, n.tag)
	}
	t.enterMsgIn(msg, afterProceed)
	t.conn.reconnecting = true
}

// abandon is called when the chip is reset under the target. An interrupted reselection is
// retried later; anything else is lost.
func (t *Target) abandon() {
	if t.conn.reconnecting && t.cur != nil {
		t.parked = append([]*nexus{t.cur}, t.parked...)
	}
	t.cur = nil
	t.conn = connState{}
}

func (t *Target) busReset() {
	t.cur = nil
	t.parked = nil
	t.conn = connState{}
	t.SyncPeriod, t.SyncOffset = 0, 0
	t.sdtrSent = false
}
