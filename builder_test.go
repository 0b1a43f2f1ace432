// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package mesh

import (
	"testing"

	"github.com/dswarbrick/mesh/dbdma"
	"github.com/dswarbrick/mesh/hal"
	"github.com/dswarbrick/mesh/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// programGroups walks the dynamic region and returns, per descriptor group, the count
// programmed into the chip and the sum of the group's transfer descriptors.
func programGroups(p *program) (counts, sums []uint32) {
	count0 := p.chipPhys + uint32(hal.REG_COUNT0)*hal.RegisterStride
	count1 := p.chipPhys + uint32(hal.REG_COUNT1)*hal.RegisterStride

	for i := p.dynStart; i < p.cursor; i++ {
		d := p.get(i)

		switch {
		case d.Command == dbdma.STORE_QUAD && d.Address == count0:
			counts = append(counts, d.CmdDep&0xff)
			sums = append(sums, 0)
		case d.Command == dbdma.STORE_QUAD && d.Address == count1:
			counts[len(counts)-1] |= (d.CmdDep & 0xff) << 8
		case d.Command.IsTransfer():
			sums[len(sums)-1] += uint32(d.ReqCount)
		}
	}

	return counts, sums
}

func buildFor(t *testing.T, tb *testBed, req *Request) error {
	require.NoError(t, req.validate(tb.ctl.cfg.InitiatorID))

	req.ext = &extension{}
	tb.ctl.active = req
	t.Cleanup(func() { tb.ctl.active = nil })

	return tb.ctl.buildDataProgram(false)
}

func TestGroupLengths(t *testing.T) {
	tests := []struct {
		name        string
		dir         Direction
		length      int
		offset      int
		scattered   bool
		maxTransfer uint32
	}{
		{"read contiguous", DirIn, 100000, 0, false, 0xf000},
		{"read scattered misaligned", DirIn, 70000, 13, true, 0xf000},
		{"write scattered", DirOut, 70000, 13, true, 0xf000},
		{"small max transfer", DirIn, 20000, 1, true, 4096},
		{"odd max transfer", DirOut, 9000, 0, false, 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert := assert.New(t)

			cfg := testConfig()
			cfg.MaxTransfer = tt.maxTransfer
			tb := newTestBed(t, cfg)

			buf := tb.bus.Mem.NewBuffer(tt.length, tt.offset, tt.scattered)
			req := &Request{Target: 1, CDB: []byte{0x28, 0, 0, 0, 0, 0, 0, 0, 0, 0},
				Direction: tt.dir, Length: uint32(tt.length), Buffer: buf}

			require.NoError(t, buildFor(t, tb, req))

			counts, sums := programGroups(tb.ctl.prog)
			require.NotEmpty(t, counts)

			var total uint32
			for i := range counts {
				assert.Equal(counts[i], sums[i], "group %d", i)
				assert.LessOrEqual(counts[i], tt.maxTransfer, "group %d", i)
				assert.NotZero(counts[i])
				total += counts[i]
			}

			assert.Equal(req.ext.programmed, total)
			if !req.ext.incomplete {
				assert.Equal(uint32(tt.length), total)
			}
		})
	}
}

func TestMisalignedReadPrefix(t *testing.T) {
	assert := assert.New(t)

	tb := newTestBed(t, testConfig())
	p := tb.ctl.prog

	buf := tb.bus.Mem.NewBuffer(1000, 3, false)
	req := &Request{Target: 1, CDB: []byte{0x28, 0, 0, 0, 0, 0, 0, 0, 2, 0}, Direction: DirIn,
		Length: 1000, Buffer: buf}
	require.NoError(t, buildFor(t, tb, req))

	align := req.ext.align
	assert.True(align.pending)
	assert.Equal(uint32(5), align.n)
	assert.Zero(align.offset)

	// The prefix goes to the scratch area; the rest starts on an 8-byte boundary
	d := p.get(align.desc)
	assert.Equal(dbdma.INPUT_MORE, d.Command)
	assert.Equal(uint16(5), d.ReqCount)
	assert.Equal(p.dataAddr(offScratch), d.Address)

	require.Len(t, req.ext.dataDescs, 2)
	next := p.get(req.ext.dataDescs[1])
	assert.Equal(dbdma.INPUT_LAST, next.Command)
	assert.Equal(buf.Addr(5), next.Address)
	assert.Zero(next.Address % dmaAlign)
	assert.Equal(uint16(995), next.ReqCount)

	// The last descriptor waits for the chip and stops on a problem
	assert.Equal(dbdma.COND_IF_FALSE, next.Wait)
	assert.Equal(dbdma.COND_IF_TRUE, next.Branch)
	assert.Equal(p.labelAddr(labelStop), next.CmdDep)

	// Writes are never split
	wbuf := tb.bus.Mem.NewBuffer(1000, 3, false)
	wr := &Request{Target: 1, CDB: []byte{0x2a, 0, 0, 0, 0, 0, 0, 0, 2, 0}, Direction: DirOut,
		Length: 1000, Buffer: wbuf}
	require.NoError(t, buildFor(t, tb, wr))
	assert.False(wr.ext.align.pending)
	assert.Len(wr.ext.dataDescs, 1)
}

func TestProgramTail(t *testing.T) {
	assert := assert.New(t)

	tb := newTestBed(t, testConfig())
	p := tb.ctl.prog

	req := &Request{Target: 1, CDB: []byte{0, 0, 0, 0, 0, 0}}
	require.NoError(t, buildFor(t, tb, req))

	// No data: straight to the status phase
	assert.Equal(1, p.cursor-p.dynStart)
	d := p.get(p.dynStart)
	assert.Equal(dbdma.NOP, d.Command)
	assert.Equal(dbdma.COND_ALWAYS, d.Branch)
	assert.Equal(p.labelAddr(labelStatus), d.CmdDep)

	// Synchronous transfers end with the cleanup sequence
	tb.ctl.sync[1] = 0xf0
	buf := tb.bus.Mem.NewBuffer(16, 0, false)
	wr := &Request{Target: 1, CDB: []byte{0x0a, 0, 0, 0, 1, 0}, Direction: DirOut, Length: 16, Buffer: buf}
	require.NoError(t, buildFor(t, tb, wr))

	last := p.get(wr.ext.dataDescs[0])
	assert.Equal(dbdma.OUTPUT_LAST, last.Command)
	assert.Equal(dbdma.COND_NEVER, last.Branch)

	var stages []Stage
	stageAddr := p.dataAddr(offStage)
	for i := p.dynStart; i < p.cursor; i++ {
		if d := p.get(i); d.Command == dbdma.STORE_QUAD && d.Address == stageAddr {
			stages = append(stages, Stage(d.CmdDep))
		}
	}
	assert.Equal([]Stage{StageXfer, StageSyncCleanup}, stages)

	end := p.get(p.cursor - 1)
	assert.Equal(p.labelAddr(labelStatus), end.CmdDep)
}

func TestProgramSpaceLimit(t *testing.T) {
	assert := assert.New(t)

	cfg := testConfig()
	cfg.ProgramSize = minProgramSize
	tb := newTestBed(t, cfg)
	p := tb.ctl.prog

	buf := tb.bus.Mem.NewBuffer(64*sim.PageSize, 0, true)
	req := &Request{Target: 1, CDB: []byte{0x28, 0, 0, 0, 0, 0, 0, 0, 0, 0}, Direction: DirIn,
		Length: uint32(buf.Len()), Buffer: buf}
	require.NoError(t, buildFor(t, tb, req))

	assert.True(req.ext.incomplete)
	assert.Less(req.ext.programmed, req.Length)
	assert.LessOrEqual(p.cursor, p.dynEnd)

	// Out of space: the program ends at the Good label and is continued from there
	end := p.get(p.cursor - 1)
	assert.Equal(dbdma.COND_ALWAYS, end.Branch)
	assert.Equal(p.labelAddr(labelGood), end.CmdDep)

	counts, sums := programGroups(p)
	assert.Equal(counts, sums)
}

func TestTranslateFailureBranchesToStop(t *testing.T) {
	assert := assert.New(t)

	tb := newTestBed(t, testConfig())
	p := tb.ctl.prog

	buf := tb.bus.Mem.NewBuffer(512, 0, false)
	buf.FailTranslate = true
	req := &Request{Target: 1, CDB: []byte{0x28, 0, 0, 0, 0, 0, 0, 0, 1, 0}, Direction: DirIn,
		Length: 512, Buffer: buf}

	assert.ErrorIs(buildFor(t, tb, req), ErrTranslate)

	d := p.get(p.dynStart)
	assert.Equal(dbdma.NOP, d.Command)
	assert.Equal(p.labelAddr(labelStop), d.CmdDep)
}

func TestReselectPrologue(t *testing.T) {
	assert := assert.New(t)

	tb := newTestBed(t, testConfig())
	p := tb.ctl.prog

	req := &Request{Target: 1, CDB: []byte{0, 0, 0, 0, 0, 0}}
	req.ext = &extension{}
	tb.ctl.active = req
	defer func() { tb.ctl.active = nil }()

	require.NoError(t, tb.ctl.buildDataProgram(true))

	intr := p.chipPhys + uint32(hal.REG_INTERRUPT)*hal.RegisterStride
	mask := p.chipPhys + uint32(hal.REG_INTERRUPT_MASK)*hal.RegisterStride

	d := p.get(p.dynStart)
	assert.Equal(intr, d.Address)
	assert.Equal(uint32(hal.INT_ALL), d.CmdDep)

	d = p.get(p.dynStart + 1)
	assert.Equal(mask, d.Address)
	assert.Equal(uint32(hal.INT_EXCEPTION|hal.INT_ERROR), d.CmdDep)
}

func TestSkeletonLayout(t *testing.T) {
	assert := assert.New(t)

	tb := newTestBed(t, testConfig())
	p := tb.ctl.prog

	// The program opens with arbitration; unlabelled descriptors leave it alone
	assert.Zero(p.labels[labelArbitrate])
	assert.Equal(p.phys, p.labelAddr(labelArbitrate))

	// Labels are laid out in order
	for l := labelArbitrate + 1; l < numLabels; l++ {
		assert.Greater(p.labels[l], p.labels[l-1], "label %s", l)
	}

	// Every label but Stop begins by recording its stage
	stageAddr := p.dataAddr(offStage)
	for _, l := range []label{labelArbitrate, labelSelect, labelMsgOut, labelCmdOut, labelXfer,
		labelBitBucket, labelStatus, labelMsgIn, labelBusFree, labelGood} {
		d := p.get(p.labels[l])
		assert.Equal(dbdma.STORE_QUAD, d.Command, "label %s", l)
		assert.Equal(stageAddr, d.Address, "label %s", l)
	}

	stop := p.get(p.labels[labelStop])
	assert.Equal(dbdma.COND_ALWAYS, stop.Interrupt)
	assert.Equal(dbdma.STOP, p.get(p.labels[labelStop]+1).Command)

	// Chip stores address the register block
	d := p.get(p.labels[labelArbitrate] + 2)
	assert.Equal(tb.bus.Chip.PhysBase()+uint32(hal.REG_SEQUENCE)*hal.RegisterStride, d.Address)
	assert.Equal(uint32(hal.SEQ_ARBITRATE), d.CmdDep)
	assert.Equal(dbdma.KEY_SYSTEM, d.Key)
}

func TestSetupMessageOut(t *testing.T) {
	assert := assert.New(t)

	tb := newTestBed(t, testConfig())
	p := tb.ctl.prog

	p.setupMessageOut([]byte{0xc0})
	assert.Equal(dbdma.COND_ALWAYS, p.get(p.patches[patchMsgOutSkip]).Branch)
	assert.Equal(p.dataAddr(offMsgOut), p.get(p.patches[patchMsgOutLastXfer]).Address)

	msg := []byte{0xc0, 0x01, 0x03, 0x01, 25, 15}
	p.setupMessageOut(msg)
	assert.Equal(dbdma.COND_NEVER, p.get(p.patches[patchMsgOutSkip]).Branch)
	assert.Equal(uint32(5), p.get(p.patches[patchMsgOutCount]).CmdDep)
	assert.Equal(uint16(5), p.get(p.patches[patchMsgOutXfer]).ReqCount)
	assert.Equal(p.dataAddr(offMsgOut+5), p.get(p.patches[patchMsgOutLastXfer]).Address)
	assert.Equal(msg, p.data(offMsgOut, len(msg)))
}
