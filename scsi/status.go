// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// SCSI status codes and completion errors.

package scsi

import (
	"fmt"
)

const (
	// See http://www.t10.org/lists/2status.htm for SCSI status codes
	SAM_STAT_GOOD                 = 0x00
	SAM_STAT_CHECK_CONDITION      = 0x02
	SAM_STAT_CONDITION_MET        = 0x04
	SAM_STAT_BUSY                 = 0x08
	SAM_STAT_INTERMEDIATE         = 0x10
	SAM_STAT_RESERVATION_CONFLICT = 0x18
	SAM_STAT_TASK_SET_FULL        = 0x28
	SAM_STAT_ACA_ACTIVE           = 0x30
	SAM_STAT_TASK_ABORTED         = 0x40

	// Timeout in milliseconds
	DEFAULT_TIMEOUT = 20000
)

// StatusError reports a command that completed with a SCSI status other than GOOD, or that the
// adapter could not complete.
type StatusError struct {
	ScsiStatus uint8
	HostStatus uint16
}

func (e StatusError) Error() string {
	return fmt.Sprintf("SCSI status: %#02x, host status: %#02x", e.ScsiStatus, e.HostStatus)
}
