// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package mesh implements a host adapter engine for the MESH parallel SCSI protocol chip paired
// with a DBDMA channel. Commands are executed by channel programs that the controller builds in
// DMA-visible memory; interrupts resume a protocol state machine at the stage the program halted.
//
// A Controller serves one command at a time. All entry points (Execute, Cancel, Reset and
// HandleInterrupt) must be called from a single serialised context.
package mesh

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dswarbrick/mesh/config"
	"github.com/dswarbrick/mesh/hal"
)

const (
	maxCDBLen = 16

	// Maximum DMA transfer count programmed into the chip for one descriptor group.
	MaxTransferDefault = 0xf000
)

// Config holds controller tunables.
type Config struct {
	InitiatorID      uint8
	SelectionTimeout time.Duration
	BusyWaitTimeout  time.Duration
	SettleDelay      time.Duration
	ResetPulse       time.Duration
	ResetSettle      time.Duration
	MaxTransfer      uint32
	ProgramSize      int
	Logger           *slog.Logger
}

// DefaultConfig returns the controller defaults.
func DefaultConfig() Config {
	return ConfigFrom(config.Default())
}

// ConfigFrom converts a loaded configuration file into controller tunables.
func ConfigFrom(c config.Config) Config {
	return Config{
		InitiatorID:      c.InitiatorID,
		SelectionTimeout: time.Duration(c.SelectionTimeoutMs) * time.Millisecond,
		BusyWaitTimeout:  time.Duration(c.BusyWaitTimeoutMs) * time.Millisecond,
		ResetPulse:       time.Duration(c.ResetPulseUs) * time.Microsecond,
		ResetSettle:      time.Duration(c.ResetSettleMs) * time.Millisecond,
		MaxTransfer:      c.MaxTransfer,
		ProgramSize:      c.ProgramSize,
	}
}

// Controller drives one MESH chip and its DMA channel.
type Controller struct {
	chip   hal.Chip
	dma    hal.Channel
	client Client
	nexus  NexusRegistry
	cfg    Config
	logger *slog.Logger

	shadow Shadow
	prog   *program
	msg    msgParser
	stage  Stage

	active *Request

	// Per-target synchronous parameters, in chip format.
	sync [hal.MAX_TARGETS]uint8

	dispatchEnabled bool
	reselecting     bool
	pendingResel    bool
	latched         bool
}

// New initialises the chip, allocates the channel program and returns a controller ready to
// accept commands.
func New(chip hal.Chip, dma hal.Channel, alloc hal.Allocator, client Client, nexus NexusRegistry, cfg Config) (*Controller, error) {
	if cfg.MaxTransfer == 0 || cfg.MaxTransfer > 0xffff {
		return nil, fmt.Errorf("max transfer %d out of range", cfg.MaxTransfer)
	}

	if cfg.InitiatorID >= hal.MAX_TARGETS {
		return nil, fmt.Errorf("initiator id %d out of range", cfg.InitiatorID)
	}

	if cfg.ProgramSize < minProgramSize {
		cfg.ProgramSize = minProgramSize
	}

	if cfg.BusyWaitTimeout <= 0 {
		cfg.BusyWaitTimeout = 100 * time.Millisecond
	}

	region, err := alloc.Alloc(cfg.ProgramSize)
	if err != nil {
		return nil, fmt.Errorf("cannot allocate channel program: %w", err)
	}

	c := &Controller{
		chip:   chip,
		dma:    dma,
		client: client,
		nexus:  nexus,
		cfg:    cfg,
		logger: cfg.Logger,
	}

	if c.logger == nil {
		c.logger = DefaultLogger
	}

	c.prog = newProgram(region, chip.PhysBase())
	c.prog.initializeSkeleton()
	c.logDebug(ComponentProgram, "skeleton built", "descriptors", c.prog.dynStart,
		"phys", fmt.Sprintf("%#08x", c.prog.phys))

	for i := range c.sync {
		c.sync[i] = hal.SYNC_ASYNC
	}

	if err := c.initChip(); err != nil {
		region.Close()
		return nil, err
	}

	c.dispatchEnabled = true
	return c, nil
}

// Close stops the DMA channel and releases the channel program memory.
func (c *Controller) Close() error {
	c.stopChannel()
	return c.prog.region.Close()
}

// SyncParams returns the synchronous parameter byte currently applied to a target.
func (c *Controller) SyncParams(target uint8) uint8 {
	return c.sync[target&(hal.MAX_TARGETS-1)]
}

// Active returns the request currently owning the bus, or nil.
func (c *Controller) Active() *Request {
	return c.active
}
