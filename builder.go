// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package mesh

import (
	"fmt"

	"github.com/dswarbrick/mesh/dbdma"
	"github.com/dswarbrick/mesh/hal"
)

const (
	// Physical ranges per descriptor group.
	maxRangesPerGroup = 8

	groupPreamble = 4
	groupTrailer  = 2

	// Longest tail: the synchronous cleanup sequence.
	maxTail = 7

	// Reads must start 8-byte aligned; a misaligned prefix goes to the scratch area.
	dmaAlign = 8
)

// buildDataProgram emits the data transfer descriptors for the rest of the active request,
// starting at the bytes already transferred. In reselect mode the program first restores the
// interrupt state left behind by the reselection.
func (c *Controller) buildDataProgram(reselect bool) error {
	p := c.prog
	req := c.active
	ext := req.ext

	p.resetDynamic()

	ext.programmed = 0
	ext.incomplete = false
	ext.accounted = false
	ext.align = alignFixup{}
	ext.dataDescs = ext.dataDescs[:0]

	if reselect {
		p.emit(storeReg(hal.REG_INTERRUPT, hal.INT_ALL))
		p.emit(storeReg(hal.REG_INTERRUPT_MASK, hal.INT_EXCEPTION|hal.INT_ERROR))
	}

	read := req.Direction == DirIn
	p.primeBucket(read)

	var remaining uint32
	if req.Direction != DirNone && req.Length > ext.transferred {
		remaining = req.Length - ext.transferred
	}

	offset := ext.transferred
	seq := uint8(hal.SEQ_DATA_OUT | hal.SEQ_DMA)
	more, last := dbdma.OUTPUT_MORE, dbdma.OUTPUT_LAST
	if read {
		seq = hal.SEQ_DATA_IN | hal.SEQ_DMA
		more, last = dbdma.INPUT_MORE, dbdma.INPUT_LAST
	}

	first := true
	lastDesc := -1

	for remaining > 0 {
		room := p.free() - maxTail - groupPreamble - groupTrailer - 1
		if room < 1 {
			break
		}

		maxRanges := maxRangesPerGroup
		if room < maxRanges {
			maxRanges = room
		}

		want := remaining
		if want > c.cfg.MaxTransfer {
			want = c.cfg.MaxTransfer
		}

		pre := p.cursor
		p.cursor += groupPreamble

		var group uint32
		for i, r := range req.Buffer.PhysicalRanges(offset, want, maxRanges) {
			if group+r.Len > want {
				r.Len = want - group
			}
			if r.Len == 0 {
				continue
			}

			if first && i == 0 && read && r.Addr&(dmaAlign-1) != 0 {
				n := dmaAlign - r.Addr&(dmaAlign-1)
				if n > r.Len {
					n = r.Len
				}

				idx := p.emit(op{cmd: more, count: uint16(n), addr: offScratch, addrRl: relocSelf})
				ext.align = alignFixup{pending: true, offset: offset, n: n, desc: idx}
				ext.dataDescs = append(ext.dataDescs, idx)
				lastDesc = idx

				r.Addr += n
				r.Len -= n
				group += n
				if r.Len == 0 {
					continue
				}
			}

			idx := p.emit(op{cmd: more, count: uint16(r.Len), addr: r.Addr, addrRl: relocPhys})
			ext.dataDescs = append(ext.dataDescs, idx)
			lastDesc = idx
			group += r.Len
		}

		if group == 0 {
			p.cursor = pre
			p.emit(branchTo(dbdma.COND_ALWAYS, labelStop))
			c.logWarn(ComponentProgram, "buffer translation failed", "offset", offset, "length", want)
			return fmt.Errorf("%w: offset %d", ErrTranslate, offset)
		}

		p.put(pre, p.resolve(storeStage(StageXfer)))
		p.put(pre+1, p.resolve(storeReg(hal.REG_COUNT0, uint8(group))))
		p.put(pre+2, p.resolve(storeReg(hal.REG_COUNT1, uint8(group>>8))))
		p.put(pre+3, p.resolve(storeReg(hal.REG_SEQUENCE, seq)))

		remaining -= group
		offset += group
		ext.programmed += group
		first = false

		if remaining == 0 {
			break
		}

		p.emit(op{cmd: dbdma.NOP, wait: dbdma.COND_IF_FALSE, branch: dbdma.COND_IF_TRUE,
			dep: uint32(labelStop), depRl: relocLabel})

		// Without room for the clear the tail must still see command-done
		if p.free() > maxTail+1 {
			p.emit(storeReg(hal.REG_INTERRUPT, hal.INT_CMD_DONE))
		}
	}

	sync := c.sync[req.Target]>>4 != 0

	if lastDesc >= 0 && remaining == 0 {
		d := p.get(lastDesc)
		d.Command = last
		d.Wait = dbdma.COND_IF_FALSE
		if !sync {
			d.Branch = dbdma.COND_IF_TRUE
			d.CmdDep = p.labelAddr(labelStop)
		}
		p.put(lastDesc, d)
	}

	switch {
	case remaining > 0:
		ext.incomplete = true
		p.emit(branchTo(dbdma.COND_ALWAYS, labelGood))
	case sync && ext.programmed > 0:
		c.emitSyncCleanup(read, ext.programmed)
	default:
		p.emit(branchTo(dbdma.COND_ALWAYS, labelStatus))
	}

	c.logDebug(ComponentProgram, "data program built", "offset", ext.transferred,
		"programmed", ext.programmed, "descriptors", p.cursor-p.dynStart,
		"incomplete", ext.incomplete, "sync", sync, "reselect", reselect)
	return nil
}

// emitSyncCleanup handles the end of a synchronous transfer. The target may leave the data phase
// before the chip's count reaches zero; with exceptions masked the program then drains the rest
// into the bit bucket instead of interrupting.
func (c *Controller) emitSyncCleanup(read bool, n uint32) {
	p := c.prog

	p.emit(storeStage(StageSyncCleanup))

	// A write that fits in the FIFO may complete before the target leaves the command phase
	skip := -1
	if !read && n <= hal.FIFO_SIZE {
		skip = p.emit(op{cmd: dbdma.NOP, wait: dbdma.COND_IF_FALSE, branch: dbdma.COND_IF_FALSE})
	}

	p.emit(storeReg(hal.REG_INTERRUPT_MASK, hal.INT_ERROR))
	p.emit(op{cmd: dbdma.NOP, wait: dbdma.COND_IF_FALSE, branch: dbdma.COND_IF_TRUE,
		dep: uint32(labelBitBucket), depRl: relocLabel})

	done := p.emit(storeReg(hal.REG_INTERRUPT, hal.INT_CMD_DONE))
	p.emit(storeReg(hal.REG_INTERRUPT_MASK, hal.INT_EXCEPTION|hal.INT_ERROR))
	p.emit(branchTo(dbdma.COND_ALWAYS, labelStatus))

	if skip >= 0 {
		d := p.get(skip)
		d.CmdDep = p.phys + uint32(done*dbdma.DescriptorSize)
		p.put(skip, d)
	}
}

// accountTransfer adds the bytes moved by the data descriptors to the transfer count and
// corrects it for data left in the chip FIFO. Reads copy the residue to the caller buffer.
func (c *Controller) accountTransfer() {
	req := c.active
	ext := req.ext

	if ext.accounted || req.Direction == DirNone {
		return
	}
	ext.accounted = true

	var moved uint32
	for _, i := range ext.dataDescs {
		moved += c.prog.moved(i)
	}

	c.readRegisters(false)
	fifo := uint32(c.shadow.FIFOCount)

	switch {
	case fifo == 0:
	case req.Direction == DirOut:
		// Bytes still in the FIFO never reached the target
		if fifo > moved {
			fifo = moved
		}
		moved -= fifo
		c.command(hal.SEQ_FLUSH_FIFO)
	default:
		buf := make([]byte, fifo)
		for i := range buf {
			buf[i] = c.chip.Read(hal.REG_FIFO)
		}

		at := ext.transferred + moved
		switch {
		case at >= req.Length:
			buf = nil
		case at+fifo > req.Length:
			buf = buf[:req.Length-at]
		}

		if _, err := req.Buffer.WriteAt(buf, int64(at)); err != nil {
			c.logWarn(ComponentProgram, "cannot copy FIFO residue", "err", err)
		} else {
			moved += uint32(len(buf))
		}
	}

	ext.transferred += moved
	ext.programmed = 0

	c.logDebug(ComponentProgram, "transfer accounted", "moved", moved, "fifo", fifo,
		"transferred", ext.transferred)
}

// holdAlignment saves the misaligned read prefix out of the scratch area, which the next
// program may reuse.
func (c *Controller) holdAlignment() {
	ext := c.active.ext
	if !ext.align.pending {
		return
	}
	ext.align.pending = false

	if n := c.prog.moved(ext.align.desc); n > 0 {
		data := append([]byte(nil), c.prog.data(offScratch, int(n))...)
		ext.held = append(ext.held, heldPrefix{offset: ext.align.offset, data: data})
	}
}

// copyBackAlignment moves the misaligned read prefix into the caller buffer. It runs only once
// the transfer has been confirmed by Good or Status.
func (c *Controller) copyBackAlignment() {
	c.holdAlignment()

	ext := c.active.ext
	for _, h := range ext.held {
		if _, err := c.active.Buffer.WriteAt(h.data, int64(h.offset)); err != nil {
			c.logWarn(ComponentProgram, "alignment copy-back failed", "offset", h.offset, "err", err)
		}
	}
	ext.held = nil
}
