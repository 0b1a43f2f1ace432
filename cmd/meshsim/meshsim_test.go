// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/dswarbrick/mesh/config"
	"github.com/dswarbrick/mesh/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHost(t *testing.T, cfg config.Config, extra ...*sim.Target) (*host, *bytes.Buffer) {
	var out bytes.Buffer

	cfg.ResetPulseUs = 1
	cfg.ResetSettleMs = 0

	h, err := newHost(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), &out, extra...)
	require.NoError(t, err)
	t.Cleanup(func() { h.ctl.Close() })

	return h, &out
}

func TestProbeDefaultBus(t *testing.T) {
	assert := assert.New(t)

	h, out := newTestHost(t, config.Default())

	assert.Zero(h.probe(8))

	s := out.String()
	assert.Contains(s, "target 0: APPLE HDD RAM rev")
	assert.Contains(s, "sync 100 ns offset 15")
	assert.Contains(s, "target 3: QUANTUM LPS540S rev")
	assert.Contains(s, "sync not negotiated")
	assert.Equal(2, strings.Count(s, "verified"))
	assert.Equal(2, strings.Count(s, "read: 4096 bytes"))
	assert.Contains(s, "capacity: 1.05 MB")
	assert.Contains(s, "capacity: 524 KB")
}

func TestProbeReadOnlyTarget(t *testing.T) {
	assert := assert.New(t)

	ro := sim.NewDisk("SEAGATE", "ST32550N", 64).Target(5)
	h, out := newTestHost(t, config.Default(), ro)

	assert.Zero(h.probe(8))

	s := out.String()
	assert.Contains(s, "target 5: SEAGATE ST32550N rev")
	assert.Contains(s, "capacity: 32.8 KB")
	assert.Equal(2, strings.Count(s, "verified"))
	assert.Equal(2, ro.Commands)

	_, err := newHost(config.Default(), nil, io.Discard, sim.NewDisk("X", "Y", 8).Target(0))
	assert.Error(err)
}

func TestProbeQuirks(t *testing.T) {
	assert := assert.New(t)

	yml := `
initiator_id: 7
targets:
  - id: 2
    sync_period_ns: 100
    sync_offset: 15
    disconnect: true
quirks:
  - model_regex: "^ACME +SLOWDISK"
    no_sync: true
    warning: "Known to hang on synchronous transfers"
sim:
  devices:
    - id: 2
      vendor: ACME
      product: SLOWDISK
      blocks: 64
      disconnect: true
`
	cfg, err := config.Parse(strings.NewReader(yml))
	require.NoError(t, err)

	h, out := newTestHost(t, cfg)
	assert.Zero(h.probe(4))

	s := out.String()
	assert.Contains(s, "WARNING: Known to hang on synchronous transfers")
	assert.Contains(s, "sync not negotiated")
	assert.Contains(s, "verified")
	assert.NotContains(s, "target 0")
}

func TestProbeReportsFailure(t *testing.T) {
	yml := `
sim:
  devices:
    - id: 1
      vendor: TINY
      product: DISK
      blocks: 2
`
	cfg, err := config.Parse(strings.NewReader(yml))
	require.NoError(t, err)

	// Four blocks do not fit on a two block disk
	h, out := newTestHost(t, cfg)
	assert.Equal(t, 1, h.probe(4))
	assert.Contains(t, out.String(), "verification failed")
}

func TestNewHostRejectsBadDevice(t *testing.T) {
	cfg := config.Default()
	cfg.Sim.Devices = []config.Device{{ID: 7, Vendor: "SELF", Product: "LOOP"}}

	_, err := newHost(cfg, nil, io.Discard)
	assert.Error(t, err)
}
