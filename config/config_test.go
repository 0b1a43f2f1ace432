// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
initiator_id: 7
selection_timeout_ms: 100
targets:
  - id: 0
    sync_period_ns: 100
    sync_offset: 15
    disconnect: true
  - id: 3
    disconnect: false
quirks:
  - model_regex: "^QUANTUM +FIREBALL"
    no_sync: true
    warning: "drops REQ on fast transfers"
sim:
  devices:
    - id: 0
      vendor: QUANTUM
      product: FIREBALL
      blocks: 2048
`

func TestParse(t *testing.T) {
	assert := assert.New(t)

	cfg, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	assert.Equal(uint8(7), cfg.InitiatorID)
	assert.Equal(100, cfg.SelectionTimeoutMs)
	// Defaults survive for absent keys
	assert.Equal(uint32(0xf000), cfg.MaxTransfer)
	assert.Equal(4096, cfg.ProgramSize)
	assert.Len(cfg.Targets, 2)
	assert.Len(cfg.Sim.Devices, 1)
	assert.Equal(uint32(2048), cfg.Sim.Devices[0].Blocks)

	tgt := cfg.Target(0)
	assert.Equal(uint32(100), tgt.SyncPeriodNs)
	assert.Equal(uint8(15), tgt.SyncOffset)

	assert.False(cfg.Target(3).Disconnect)
	// Unlisted targets default to asynchronous with disconnect allowed
	assert.Equal(Target{ID: 5, Disconnect: true}, cfg.Target(5))
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	for _, in := range []string{
		"initiator_id: 9",
		"max_transfer: 70000",
		"program_size: 512",
		"targets: [{id: 7}]",
		"quirks: [{model_regex: '('}]",
	} {
		_, err := Parse(strings.NewReader(in))
		assert.Error(t, err, in)
	}
}

func TestLookupQuirk(t *testing.T) {
	assert := assert.New(t)

	cfg, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	inq := make([]byte, 36)
	copy(inq[8:], "QUANTUM FIREBALL1080S   1Q09")

	q, ok := cfg.LookupQuirk(inq)
	assert.True(ok)
	assert.True(q.NoSync)
	assert.Equal("drops REQ on fast transfers", q.Warning)

	copy(inq[8:], "SEAGATE ST31200N        8648")
	_, ok = cfg.LookupQuirk(inq)
	assert.False(ok)

	_, ok = cfg.LookupQuirk(inq[:20])
	assert.False(ok)
}
