// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package mesh

import (
	"fmt"

	"github.com/dswarbrick/mesh/hal"
	"github.com/dswarbrick/mesh/scsi"
)

// Direction is the data phase direction of a request, seen from the initiator.
type Direction uint8

const (
	DirNone Direction = iota
	DirIn
	DirOut
)

func (d Direction) String() string {
	switch d {
	case DirIn:
		return "in"
	case DirOut:
		return "out"
	default:
		return "none"
	}
}

// Request is a caller-owned SCSI command. The controller attaches private state to it from
// Execute until completion, including while it is parked disconnected.
type Request struct {
	Target uint8
	LUN    uint8
	CDB    []byte

	Direction Direction
	Length    uint32
	Buffer    hal.Buffer

	// TagType is zero for an untagged command, or one of the queue tag message codes.
	TagType uint8
	Tag     uint8

	NoDisconnect bool

	// Message is an optional MSG_ABORT or MSG_BUS_DEVICE_RESET sent after Identify.
	Message uint8

	NegotiateSync bool
	SyncPeriodPs  uint32
	SyncOffset    uint8

	// Original names the command to be cancelled by a Cancel request.
	Original *Request

	Result Result

	ext *extension
}

// Nexus returns the identity used to match this request on reselection.
func (r *Request) Nexus() Nexus {
	return Nexus{Target: r.Target, LUN: r.LUN, Tag: r.Tag, Tagged: r.TagType != 0}
}

func (r *Request) validate(initiator uint8) error {
	if r.Target >= hal.MAX_TARGETS || r.Target == initiator {
		return fmt.Errorf("%w: target %d", ErrInvalidRequest, r.Target)
	}

	if r.LUN > scsi.MSG_IDENTIFY_LUN_MASK {
		return fmt.Errorf("%w: lun %d", ErrInvalidRequest, r.LUN)
	}

	if len(r.CDB) == 0 || len(r.CDB) > maxCDBLen {
		return fmt.Errorf("%w: cdb length %d", ErrInvalidRequest, len(r.CDB))
	}

	if r.Direction != DirNone {
		if r.Buffer == nil || uint32(r.Buffer.Len()) < r.Length {
			return fmt.Errorf("%w: buffer shorter than %d bytes", ErrInvalidRequest, r.Length)
		}
	}

	if r.TagType != 0 && (r.TagType < scsi.MSG_SIMPLE_QUEUE_TAG || r.TagType > scsi.MSG_ORDERED_QUEUE_TAG) {
		return fmt.Errorf("%w: tag type %#02x", ErrInvalidRequest, r.TagType)
	}

	return nil
}

// SyncParams are negotiated synchronous transfer parameters.
type SyncParams struct {
	PeriodNs uint32
	Offset   uint8
}

// Result is filled in before a request is passed to Client.Complete.
type Result struct {
	Status      uint8
	Adapter     AdapterStatus
	Transferred uint32
	Negotiated  bool
	Sync        SyncParams

	// TagType and Tag are the queue tag the target last reported, zero if it sent none.
	TagType uint8
	Tag     uint8
}

// Err returns the adapter error, or a scsi.StatusError if the target returned a status other
// than GOOD.
func (r Result) Err() error {
	if err := r.Adapter.Err(); err != nil {
		return err
	}

	if r.Status != scsi.SAM_STAT_GOOD {
		return scsi.StatusError{ScsiStatus: r.Status, HostStatus: uint16(r.Adapter)}
	}

	return nil
}

// alignFixup records a misaligned read prefix that was directed to the scratch area.
type alignFixup struct {
	pending bool
	offset  uint32
	n       uint32
	desc    int
}

// heldPrefix is a read prefix saved from the scratch area until the transfer is confirmed.
type heldPrefix struct {
	offset uint32
	data   []byte
}

// extension is the controller's per-command state.
type extension struct {
	transferred uint32
	saved       uint32
	programmed  uint32

	msgOut []byte

	incomplete  bool
	align       alignFixup
	held        []heldPrefix
	dataDescs   []int
	accounted   bool
	bucketRuns  int
	overrun     bool
	rejected    bool
	sdtrPending bool
	negotiated  bool
	sync        SyncParams
	tagType     uint8
	tag         uint8
	status      uint8
}

// Client receives completions and flow control notifications from the controller. Methods are
// called from the interrupt context and must not call back into the controller.
type Client interface {
	Complete(req *Request)
	// Requeue hands back a request that was accepted but could not be started.
	Requeue(req *Request)
	// Ready signals that the controller can accept a new command.
	Ready()
}
