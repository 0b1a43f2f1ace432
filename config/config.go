// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package config loads the YAML host adapter configuration and target quirks database.
package config

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v2"
)

// Target holds the negotiation defaults for one target ID.
type Target struct {
	ID           uint8  `yaml:"id"`
	SyncPeriodNs uint32 `yaml:"sync_period_ns,omitempty"`
	SyncOffset   uint8  `yaml:"sync_offset,omitempty"`
	Disconnect   bool   `yaml:"disconnect"`
	Tagged       bool   `yaml:"tagged,omitempty"`
}

// Quirk overrides target defaults for devices whose INQUIRY product data matches ModelRegex.
type Quirk struct {
	ModelRegex     string         `yaml:"model_regex"`
	NoSync         bool           `yaml:"no_sync,omitempty"`
	NoDisconnect   bool           `yaml:"no_disconnect,omitempty"`
	Warning        string         `yaml:"warning,omitempty"`
	CompiledRegexp *regexp.Regexp `yaml:"-"`
}

// Device describes a simulated target for the meshsim tool.
type Device struct {
	ID         uint8  `yaml:"id"`
	Vendor     string `yaml:"vendor"`
	Product    string `yaml:"product"`
	Blocks     uint32 `yaml:"blocks"`
	Sync       string `yaml:"sync,omitempty"` // "accept" (default) or "reject"
	Disconnect bool   `yaml:"disconnect,omitempty"`
}

type Sim struct {
	Devices []Device `yaml:"devices"`
}

type Config struct {
	InitiatorID        uint8    `yaml:"initiator_id"`
	SelectionTimeoutMs int      `yaml:"selection_timeout_ms"`
	BusyWaitTimeoutMs  int      `yaml:"busy_wait_timeout_ms"`
	ResetPulseUs       int      `yaml:"reset_pulse_us"`
	ResetSettleMs      int      `yaml:"reset_settle_ms"`
	MaxTransfer        uint32   `yaml:"max_transfer"`
	ProgramSize        int      `yaml:"program_size"`
	Targets            []Target `yaml:"targets,omitempty"`
	Quirks             []Quirk  `yaml:"quirks,omitempty"`
	Sim                Sim      `yaml:"sim,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		InitiatorID:        7,
		SelectionTimeoutMs: 250,
		BusyWaitTimeoutMs:  100,
		ResetPulseUs:       25,
		ResetSettleMs:      250,
		MaxTransfer:        0xf000,
		ProgramSize:        4096,
	}
}

// Load opens a YAML-formatted configuration file and decodes it over the defaults.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Default(), err
	}

	defer f.Close()
	return Parse(f)
}

// Parse decodes a YAML configuration from r. Fields absent from the input keep their default
// values. Quirk regexps are compiled; an invalid regexp is an error.
func Parse(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)

	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return cfg, err
	}

	for i, q := range cfg.Quirks {
		re, err := regexp.Compile(q.ModelRegex)
		if err != nil {
			return cfg, fmt.Errorf("quirk %d: %v", i, err)
		}
		cfg.Quirks[i].CompiledRegexp = re
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks value ranges that the controller relies on.
func (c *Config) Validate() error {
	if c.InitiatorID > 7 {
		return fmt.Errorf("initiator_id %d out of range", c.InitiatorID)
	}

	if c.MaxTransfer == 0 || c.MaxTransfer > 0xffff {
		return fmt.Errorf("max_transfer %d out of range", c.MaxTransfer)
	}

	if c.ProgramSize < 2048 {
		return fmt.Errorf("program_size %d too small", c.ProgramSize)
	}

	for _, t := range c.Targets {
		if t.ID > 7 || t.ID == c.InitiatorID {
			return fmt.Errorf("invalid target id %d", t.ID)
		}
	}

	return nil
}

// Target returns the defaults for target id, or an asynchronous, disconnect-capable entry if the
// target is not listed.
func (c *Config) Target(id uint8) Target {
	for _, t := range c.Targets {
		if t.ID == id {
			return t
		}
	}

	return Target{ID: id, Disconnect: true}
}

// LookupQuirk returns the first quirk matching the product identification of an INQUIRY
// response (bytes 8-35: vendor, product and revision).
func (c *Config) LookupQuirk(inquiry []byte) (Quirk, bool) {
	if len(inquiry) < 32 {
		return Quirk{}, false
	}

	ident := inquiry[8:]
	if len(ident) > 28 {
		ident = ident[:28]
	}

	model := strings.TrimSpace(string(ident))

	for _, q := range c.Quirks {
		if q.CompiledRegexp != nil && q.CompiledRegexp.MatchString(model) {
			return q, true
		}
	}

	return Quirk{}, false
}
