// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package mesh

import (
	"encoding/binary"
	"fmt"

	"github.com/dswarbrick/mesh/dbdma"
	"github.com/dswarbrick/mesh/hal"
)

// Stage is the protocol stage last entered by the channel program. The program stores it into
// the stage word of its own buffer; the interrupt handler reads and resets it.
type Stage uint32

const (
	StageIdle Stage = iota
	StageInit
	StageArbitrate
	StageSelect
	StageMsgOut
	StageCmdOut
	StageXfer
	StageBitBucket
	StageSyncCleanup
	StageStatus
	StageMsgIn
	StageBusFree
	StageGood
	StageStop
)

var stageNames = [...]string{
	StageIdle:        "idle",
	StageInit:        "init",
	StageArbitrate:   "arbitrate",
	StageSelect:      "select",
	StageMsgOut:      "msg-out",
	StageCmdOut:      "cmd-out",
	StageXfer:        "xfer",
	StageBitBucket:   "bit-bucket",
	StageSyncCleanup: "sync-cleanup",
	StageStatus:      "status",
	StageMsgIn:       "msg-in",
	StageBusFree:     "bus-free",
	StageGood:        "good",
	StageStop:        "stop",
}

func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("Stage(%d)", uint32(s))
}

// label names an entry point in the skeleton.
type label uint8

const (
	labelArbitrate label = iota
	labelSelect
	labelMsgOut
	labelMsgOutLast
	labelCmdOut
	labelXfer
	labelBitBucket
	labelStatus
	labelMsgIn
	labelBusFree
	labelGood
	labelStop
	numLabels

	// Start of the per-command data transfer region.
	labelDynamic
	labelNone
)

var labelNames = [...]string{
	"arbitrate", "select", "msg-out", "msg-out-last", "cmd-out", "xfer", "bit-bucket",
	"status", "msg-in", "bus-free", "good", "stop", "", "dynamic", "none",
}

func (l label) String() string {
	return labelNames[l]
}

// Address relocation classes of skeleton operations.
type reloc uint8

const (
	relocNone  reloc = iota
	relocChip        // offset from the chip register base
	relocSelf        // offset into the program buffer
	relocPhys        // raw bus-physical address
	relocLabel       // branch target label
)

// Descriptors of the skeleton that are patched per command.
type patchPoint uint8

const (
	patchNone patchPoint = iota
	patchMsgOutSkip
	patchMsgOutCount
	patchMsgOutXfer
	patchMsgOutLastXfer
	patchCmdCount
	patchCmdXfer
	patchBucketSeq
	patchBucketXfer
	patchStatusXfer
	patchMsgInXfer
	numPatchPoints
)

// op is one entry of the skeleton table.
type op struct {
	at     label
	named  bool
	cmd    dbdma.Command
	count  uint16
	addr   uint32
	addrRl reloc
	dep    uint32
	depRl  reloc
	intr   dbdma.Cond
	branch dbdma.Cond
	wait   dbdma.Cond
	patch  patchPoint
}

// Layout of the data area at the end of the program buffer.
const (
	dataAreaSize = 128
	bucketSize   = 64

	offStage   = 0
	offStatus  = 4
	offMsgIn   = 8
	offScratch = 16
	offMsgOut  = 32
	offCDB     = 48
	offBucket  = 64

	maxMsgOut = offCDB - offMsgOut

	minProgramSize = 2048
)

type program struct {
	region   hal.Region
	mem      []byte
	phys     uint32
	chipPhys uint32

	labels  [numLabels]int
	patches [numPatchPoints]int

	dynStart int
	dynEnd   int
	cursor   int
	dataOff  int
}

func newProgram(region hal.Region, chipPhys uint32) *program {
	mem := region.Bytes()
	dataOff := len(mem) - dataAreaSize

	return &program{
		region:   region,
		mem:      mem,
		phys:     region.Phys(),
		chipPhys: chipPhys,
		dataOff:  dataOff,
		dynEnd:   dataOff / dbdma.DescriptorSize,
	}
}

func storeReg(r hal.Register, v uint8) op {
	return op{cmd: dbdma.STORE_QUAD, count: 1, addr: uint32(r) * hal.RegisterStride, addrRl: relocChip, dep: uint32(v)}
}

func storeStage(s Stage) op {
	return op{cmd: dbdma.STORE_QUAD, count: 4, addr: offStage, addrRl: relocSelf, dep: uint32(s)}
}

// issue stores a sequence command and waits for any chip event.
func issue(seq uint8) op {
	o := storeReg(hal.REG_SEQUENCE, seq)
	o.wait = dbdma.COND_IF_FALSE
	return o
}

func branchTo(cond dbdma.Cond, l label) op {
	return op{cmd: dbdma.NOP, branch: cond, dep: uint32(l), depRl: relocLabel}
}

// branchIfProblem stops the program when the chip reports an exception or error.
func branchIfProblem() op {
	return branchTo(dbdma.COND_IF_TRUE, labelStop)
}

// xferLast moves count bytes to or from the data area, waits for the chip and stops on a problem.
func xferLast(cmd dbdma.Command, off uint32, count uint16) op {
	return op{cmd: cmd, count: count, addr: off, addrRl: relocSelf, wait: dbdma.COND_IF_FALSE,
		branch: dbdma.COND_IF_TRUE, dep: uint32(labelStop), depRl: relocLabel}
}

func at(l label, o op) op {
	o.at, o.named = l, true
	return o
}

func patched(p patchPoint, o op) op {
	o.patch = p
	return o
}

// skeleton returns the static protocol sequences in their fixed order.
func skeleton() []op {
	var t []op

	add := func(ops ...op) { t = append(t, ops...) }

	add(at(labelArbitrate, storeStage(StageArbitrate)),
		storeReg(hal.REG_INTERRUPT, hal.INT_ALL),
		issue(hal.SEQ_ARBITRATE),
		branchIfProblem())

	add(at(labelSelect, storeStage(StageSelect)),
		storeReg(hal.REG_INTERRUPT, hal.INT_CMD_DONE),
		issue(hal.SEQ_SELECT|hal.SEQ_ATN),
		branchIfProblem())

	// All but the last message byte go out with ATN asserted. The skip branch is taken when
	// only one byte is queued.
	add(at(labelMsgOut, storeStage(StageMsgOut)),
		patched(patchMsgOutSkip, branchTo(dbdma.COND_NEVER, labelMsgOutLast)),
		storeReg(hal.REG_INTERRUPT, hal.INT_CMD_DONE),
		patched(patchMsgOutCount, storeReg(hal.REG_COUNT0, 0)),
		storeReg(hal.REG_COUNT1, 0),
		storeReg(hal.REG_SEQUENCE, hal.SEQ_MSG_OUT|hal.SEQ_ATN|hal.SEQ_DMA),
		patched(patchMsgOutXfer, xferLast(dbdma.OUTPUT_LAST, offMsgOut, 0)))

	add(at(labelMsgOutLast, storeReg(hal.REG_INTERRUPT, hal.INT_CMD_DONE)),
		storeReg(hal.REG_COUNT0, 1),
		storeReg(hal.REG_COUNT1, 0),
		storeReg(hal.REG_SEQUENCE, hal.SEQ_MSG_OUT|hal.SEQ_DMA),
		patched(patchMsgOutLastXfer, xferLast(dbdma.OUTPUT_LAST, offMsgOut, 1)))

	add(at(labelCmdOut, storeStage(StageCmdOut)),
		storeReg(hal.REG_INTERRUPT, hal.INT_CMD_DONE),
		patched(patchCmdCount, storeReg(hal.REG_COUNT0, 0)),
		storeReg(hal.REG_COUNT1, 0),
		storeReg(hal.REG_SEQUENCE, hal.SEQ_COMMAND|hal.SEQ_DMA),
		patched(patchCmdXfer, xferLast(dbdma.OUTPUT_LAST, offCDB, 0)))

	add(at(labelXfer, storeStage(StageXfer)),
		storeReg(hal.REG_INTERRUPT, hal.INT_CMD_DONE),
		branchTo(dbdma.COND_ALWAYS, labelDynamic))

	// The bucket swallows whatever the target still has to transfer. Exceptions are masked so
	// that the end of the data phase stops the program without raising a chip interrupt.
	bucket := op{cmd: dbdma.INPUT_LAST, count: bucketSize, addr: offBucket, addrRl: relocSelf,
		wait: dbdma.COND_IF_FALSE}
	add(at(labelBitBucket, storeStage(StageBitBucket)),
		storeReg(hal.REG_INTERRUPT_MASK, hal.INT_ERROR),
		storeReg(hal.REG_INTERRUPT, hal.INT_CMD_DONE|hal.INT_EXCEPTION),
		storeReg(hal.REG_COUNT0, bucketSize),
		storeReg(hal.REG_COUNT1, 0),
		patched(patchBucketSeq, storeReg(hal.REG_SEQUENCE, hal.SEQ_DATA_IN|hal.SEQ_DMA)),
		patched(patchBucketXfer, bucket),
		branchTo(dbdma.COND_ALWAYS, labelStop))

	add(at(labelStatus, storeStage(StageStatus)),
		storeReg(hal.REG_INTERRUPT_MASK, hal.INT_EXCEPTION|hal.INT_ERROR),
		storeReg(hal.REG_INTERRUPT, hal.INT_CMD_DONE),
		storeReg(hal.REG_COUNT0, 1),
		storeReg(hal.REG_COUNT1, 0),
		storeReg(hal.REG_SEQUENCE, hal.SEQ_STATUS|hal.SEQ_DMA),
		patched(patchStatusXfer, xferLast(dbdma.INPUT_LAST, offStatus, 1)))

	add(at(labelMsgIn, storeStage(StageMsgIn)),
		storeReg(hal.REG_INTERRUPT, hal.INT_CMD_DONE),
		storeReg(hal.REG_COUNT0, 1),
		storeReg(hal.REG_COUNT1, 0),
		storeReg(hal.REG_SEQUENCE, hal.SEQ_MSG_IN|hal.SEQ_DMA),
		patched(patchMsgInXfer, xferLast(dbdma.INPUT_LAST, offMsgIn, 1)))

	add(at(labelBusFree, storeStage(StageBusFree)),
		storeReg(hal.REG_INTERRUPT, hal.INT_CMD_DONE),
		issue(hal.SEQ_BUS_FREE),
		branchIfProblem())

	add(at(labelGood, storeStage(StageGood)),
		storeReg(hal.REG_INTERRUPT, hal.INT_CMD_DONE))

	add(at(labelStop, op{cmd: dbdma.NOP, intr: dbdma.COND_ALWAYS}),
		op{cmd: dbdma.STOP})

	return t
}

// initializeSkeleton lays out the skeleton at the start of the buffer, resolving labels and
// relocating addresses.
func (p *program) initializeSkeleton() {
	ops := skeleton()

	for i := range p.mem {
		p.mem[i] = 0
	}

	p.dynStart = len(ops)
	p.cursor = p.dynStart

	for i, o := range ops {
		if o.named && o.at < numLabels {
			p.labels[o.at] = i
		}
	}

	for i, o := range ops {
		if o.patch != patchNone {
			p.patches[o.patch] = i
		}
		p.put(i, p.resolve(o))
	}
}

func (p *program) resolve(o op) dbdma.Descriptor {
	d := dbdma.Descriptor{
		Command:   o.cmd,
		Key:       dbdma.KEY_STREAM0,
		Interrupt: o.intr,
		Branch:    o.branch,
		Wait:      o.wait,
		ReqCount:  o.count,
	}

	if o.cmd == dbdma.STORE_QUAD || o.cmd == dbdma.LOAD_QUAD {
		d.Key = dbdma.KEY_SYSTEM
	}

	switch o.addrRl {
	case relocChip:
		d.Address = p.chipPhys + o.addr
	case relocSelf:
		d.Address = p.phys + uint32(p.dataOff) + o.addr
	default:
		d.Address = o.addr
	}

	switch o.depRl {
	case relocLabel:
		d.CmdDep = p.labelAddr(label(o.dep))
	case relocSelf:
		d.CmdDep = p.phys + uint32(p.dataOff) + o.dep
	default:
		d.CmdDep = o.dep
	}

	return d
}

func (p *program) desc(i int) []byte {
	off := i * dbdma.DescriptorSize
	return p.mem[off : off+dbdma.DescriptorSize]
}

func (p *program) get(i int) dbdma.Descriptor {
	return dbdma.Decode(p.desc(i))
}

func (p *program) put(i int, d dbdma.Descriptor) {
	d.Encode(p.desc(i))
}

func (p *program) patch(pp patchPoint, fn func(d *dbdma.Descriptor)) {
	i := p.patches[pp]
	d := p.get(i)
	fn(&d)
	p.put(i, d)
}

// labelAddr returns the bus address of a skeleton label.
func (p *program) labelAddr(l label) uint32 {
	if l == labelDynamic {
		return p.phys + uint32(p.dynStart*dbdma.DescriptorSize)
	}
	return p.phys + uint32(p.labels[l]*dbdma.DescriptorSize)
}

func (p *program) dataAddr(off int) uint32 {
	return p.phys + uint32(p.dataOff+off)
}

func (p *program) data(off, n int) []byte {
	return p.mem[p.dataOff+off : p.dataOff+off+n]
}

func (p *program) stage() Stage {
	return Stage(binary.LittleEndian.Uint32(p.data(offStage, 4)))
}

func (p *program) setStage(s Stage) {
	binary.LittleEndian.PutUint32(p.data(offStage, 4), uint32(s))
}

// setupMessageOut copies the queued message bytes and patches the message-out sequence. The
// final byte is sent by its own transfer without ATN.
func (p *program) setupMessageOut(msg []byte) {
	n := len(msg)
	copy(p.data(offMsgOut, maxMsgOut), msg)

	p.patch(patchMsgOutSkip, func(d *dbdma.Descriptor) {
		if n == 1 {
			d.Branch = dbdma.COND_ALWAYS
		} else {
			d.Branch = dbdma.COND_NEVER
		}
	})
	p.patch(patchMsgOutCount, func(d *dbdma.Descriptor) {
		d.CmdDep = uint32(n - 1)
	})
	p.patch(patchMsgOutXfer, func(d *dbdma.Descriptor) {
		d.ReqCount = uint16(n - 1)
	})
	p.patch(patchMsgOutLastXfer, func(d *dbdma.Descriptor) {
		d.Address = p.dataAddr(offMsgOut + n - 1)
	})
}

func (p *program) setupCommand(cdb []byte) {
	copy(p.data(offCDB, maxCDBLen), cdb)

	p.patch(patchCmdCount, func(d *dbdma.Descriptor) {
		d.CmdDep = uint32(len(cdb))
	})
	p.patch(patchCmdXfer, func(d *dbdma.Descriptor) {
		d.ReqCount = uint16(len(cdb))
	})
}

// primeBucket points the bit bucket at the data direction of the current command.
func (p *program) primeBucket(input bool) {
	seq, cmd := uint32(hal.SEQ_DATA_OUT|hal.SEQ_DMA), dbdma.OUTPUT_LAST
	if input {
		seq, cmd = hal.SEQ_DATA_IN|hal.SEQ_DMA, dbdma.INPUT_LAST
	}

	p.patch(patchBucketSeq, func(d *dbdma.Descriptor) { d.CmdDep = seq })
	p.patch(patchBucketXfer, func(d *dbdma.Descriptor) {
		d.Command = cmd
		d.XferStatus, d.ResCount = 0, 0
	})
}

// clearProgramResults zeroes the hardware-written result of every descriptor.
func (p *program) clearResults() {
	for i := 0; i < p.dynEnd; i++ {
		dbdma.ClearResult(p.desc(i))
	}
}

// moved returns the number of bytes a transfer descriptor moved, or 0 if it never ran.
func (p *program) moved(i int) uint32 {
	st, res := dbdma.Result(p.desc(i))
	if st == 0 {
		return 0
	}

	req := p.get(i).ReqCount
	if res > req {
		return 0
	}
	return uint32(req - res)
}

func (p *program) bucketMoved() uint32 {
	return p.moved(p.patches[patchBucketXfer])
}

// status returns the status byte and whether the status transfer completed.
func (p *program) status() (uint8, bool) {
	return p.data(offStatus, 1)[0], p.moved(p.patches[patchStatusXfer]) == 1
}

func (p *program) msgIn() (uint8, bool) {
	return p.data(offMsgIn, 1)[0], p.moved(p.patches[patchMsgInXfer]) == 1
}

// Dynamic region emission.

func (p *program) free() int {
	return p.dynEnd - p.cursor
}

func (p *program) resetDynamic() {
	p.cursor = p.dynStart
}

func (p *program) emit(o op) int {
	i := p.cursor
	p.put(i, p.resolve(o))
	p.cursor++
	return i
}
