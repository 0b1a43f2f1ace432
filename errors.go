// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package mesh

import (
	"errors"
	"fmt"

	"github.com/dswarbrick/mesh/hal"
)

var (
	ErrSelectionTimeout     = errors.New("mesh: selection timeout")
	ErrArbitration          = errors.New("mesh: arbitration lost")
	ErrPhaseMismatch        = errors.New("mesh: unexpected bus phase")
	ErrDataOverrun          = errors.New("mesh: data overrun")
	ErrProtocolReject       = errors.New("mesh: message rejected")
	ErrUnexpectedDisconnect = errors.New("mesh: unexpected disconnect")
	ErrSequence             = errors.New("mesh: chip sequence error")
	ErrBusReset             = errors.New("mesh: SCSI bus reset")
	ErrRegisterWaitTimeout  = errors.New("mesh: timeout waiting for chip")

	// ErrBusy is returned by Execute when the controller cannot accept a command. The caller
	// should requeue the request and retry after Client.Ready.
	ErrBusy = errors.New("mesh: controller busy")

	ErrTranslate      = errors.New("mesh: buffer translation failed")
	ErrNoTarget       = errors.New("mesh: cannot decode reselecting target")
	ErrInvalidRequest = errors.New("mesh: invalid request")
)

// AdapterStatus is the host adapter level completion code of a request.
type AdapterStatus uint8

const (
	AdapterOK AdapterStatus = iota
	AdapterSelectionTimeout
	AdapterPhaseMismatch
	AdapterDataOverrun
	AdapterProtocolError
	AdapterUnexpectedDisconnect
	AdapterSequenceError
	AdapterBusReset
	AdapterAborted
	AdapterTranslateError
)

var adapterStatusNames = map[AdapterStatus]string{
	AdapterOK:                   "ok",
	AdapterSelectionTimeout:     "selection timeout",
	AdapterPhaseMismatch:        "phase mismatch",
	AdapterDataOverrun:          "data overrun",
	AdapterProtocolError:        "protocol error",
	AdapterUnexpectedDisconnect: "unexpected disconnect",
	AdapterSequenceError:        "sequence error",
	AdapterBusReset:             "bus reset",
	AdapterAborted:              "aborted",
	AdapterTranslateError:       "buffer translation failed",
}

func (s AdapterStatus) String() string {
	if name, ok := adapterStatusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("AdapterStatus(%d)", uint8(s))
}

// Err maps the status to one of the package sentinel errors. AdapterOK maps to nil.
func (s AdapterStatus) Err() error {
	switch s {
	case AdapterOK:
		return nil
	case AdapterSelectionTimeout:
		return ErrSelectionTimeout
	case AdapterPhaseMismatch:
		return ErrPhaseMismatch
	case AdapterDataOverrun:
		return ErrDataOverrun
	case AdapterProtocolError:
		return ErrProtocolReject
	case AdapterUnexpectedDisconnect:
		return ErrUnexpectedDisconnect
	case AdapterSequenceError:
		return ErrSequence
	case AdapterBusReset:
		return ErrBusReset
	case AdapterTranslateError:
		return ErrTranslate
	default:
		return fmt.Errorf("mesh: %s", s)
	}
}

// ChipError reports a chip anomaly together with the stage the channel program had reached and
// the register shadow at the time.
type ChipError struct {
	Stage  Stage
	Shadow Shadow
	Err    error
}

func (e *ChipError) Error() string {
	return fmt.Sprintf("%v at stage %s (int %#02x exc %#02x err %#02x phase %s)",
		e.Err, e.Stage, e.Shadow.Interrupt, e.Shadow.Exception, e.Shadow.Error,
		hal.PhaseName(e.Shadow.BusStatus0))
}

func (e *ChipError) Unwrap() error {
	return e.Err
}

func (c *Controller) chipError(stage Stage, err error) error {
	return &ChipError{Stage: stage, Shadow: c.shadow, Err: err}
}
