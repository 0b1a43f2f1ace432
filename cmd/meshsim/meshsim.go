// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// meshsim drives the MESH host adapter engine against a simulated SCSI bus: it probes every
// configured target, applies the quirks database and verifies a write/read round trip.
package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/dswarbrick/mesh"
	"github.com/dswarbrick/mesh/config"
	"github.com/dswarbrick/mesh/scsi"
	"github.com/dswarbrick/mesh/sgio"
	"github.com/dswarbrick/mesh/sim"
	"github.com/dswarbrick/mesh/utils"
)

// Devices attached when the configuration lists none.
var defaultDevices = []config.Device{
	{ID: 0, Vendor: "APPLE", Product: "HDD RAM", Blocks: 2048, Disconnect: true},
	{ID: 3, Vendor: "QUANTUM", Product: "LPS540S", Blocks: 1024, Sync: "reject"},
}

var defaultTargets = []config.Target{
	{ID: 0, SyncPeriodNs: 100, SyncOffset: 15, Disconnect: true},
	{ID: 3, SyncPeriodNs: 200, SyncOffset: 8},
}

// client collects completions for the single command in flight.
type client struct {
	done     []*mesh.Request
	requeued []*mesh.Request
}

func (c *client) Complete(req *mesh.Request) { c.done = append(c.done, req) }
func (c *client) Requeue(req *mesh.Request)  { c.requeued = append(c.requeued, req) }
func (c *client) Ready()                     {}

type host struct {
	cfg    config.Config
	bus    *sim.Bus
	ctl    *mesh.Controller
	client *client
	out    io.Writer

	// Targets backed by real devices are never written
	readOnly map[uint8]bool
}

func newHost(cfg config.Config, logger *slog.Logger, out io.Writer, extra ...*sim.Target) (*host, error) {
	h := &host{cfg: cfg, bus: sim.NewBus(), client: &client{}, out: out, readOnly: map[uint8]bool{}}

	if len(cfg.Sim.Devices) == 0 {
		cfg.Sim.Devices = defaultDevices
		if len(cfg.Targets) == 0 {
			cfg.Targets = defaultTargets
		}
	}
	h.cfg = cfg

	for _, dev := range cfg.Sim.Devices {
		if dev.ID > 7 || dev.ID == cfg.InitiatorID || h.bus.Target(dev.ID) != nil {
			return nil, fmt.Errorf("invalid simulated device id %d", dev.ID)
		}

		blocks := int(dev.Blocks)
		if blocks == 0 {
			blocks = 1024
		}

		t := sim.NewDisk(dev.Vendor, dev.Product, blocks).Target(dev.ID)
		t.DisconnectAfterCommand = dev.Disconnect
		if strings.EqualFold(dev.Sync, "reject") {
			t.Sync = sim.SyncReject
		}
		h.bus.Attach(t)
	}

	for _, t := range extra {
		if t.ID > 7 || t.ID == cfg.InitiatorID || h.bus.Target(t.ID) != nil {
			return nil, fmt.Errorf("cannot attach device at id %d", t.ID)
		}
		h.bus.Attach(t)
		h.readOnly[t.ID] = true
	}

	mcfg := mesh.ConfigFrom(cfg)
	mcfg.Logger = logger

	ctl, err := mesh.New(h.bus.Chip, h.bus.DMA, h.bus.Mem, h.client, mesh.NewRegistry(), mcfg)
	if err != nil {
		return nil, err
	}
	h.ctl = ctl

	return h, nil
}

// exec runs one request to completion.
func (h *host) exec(req *mesh.Request) error {
	h.client.done = nil

	if err := h.ctl.Execute(req); err != nil {
		return err
	}

	for i := 0; len(h.client.done) == 0; i++ {
		if i == 16 {
			return fmt.Errorf("request to target %d never completed", req.Target)
		}

		if err := h.bus.Service(h.ctl); err != nil {
			return err
		}

		for len(h.client.requeued) > 0 {
			r := h.client.requeued[0]
			h.client.requeued = h.client.requeued[1:]
			if err := h.ctl.Execute(r); err != nil {
				return err
			}
		}
	}

	return req.Result.Err()
}

func (h *host) dataRequest(id uint8, cdb []byte, dir mesh.Direction, n int) (*mesh.Request, *sim.Buffer) {
	// Odd offsets exercise the misaligned read path
	buf := h.bus.Mem.NewBuffer(n, 3, true)
	return &mesh.Request{Target: id, CDB: cdb, Direction: dir, Length: uint32(n), Buffer: buf}, buf
}

func (h *host) inquiry(id uint8) ([]byte, error) {
	cdb := scsi.Inquiry(scsi.INQ_REPLY_LEN)
	req, buf := h.dataRequest(id, cdb[:], mesh.DirIn, scsi.INQ_REPLY_LEN)
	req.NoDisconnect = true

	if err := h.exec(req); err != nil {
		return nil, err
	}
	return buf.Bytes()[:req.Result.Transferred], nil
}

// capacity returns the size of a direct-access device in bytes.
func (h *host) capacity(id uint8) (uint64, error) {
	cdb := [10]byte{scsi.SCSI_READ_CAPACITY_10}
	req, buf := h.dataRequest(id, cdb[:], mesh.DirIn, 8)

	if err := h.exec(req); err != nil {
		return 0, err
	}

	b := buf.Bytes()
	last, size := binary.BigEndian.Uint32(b), binary.BigEndian.Uint32(b[4:])
	return (uint64(last) + 1) * uint64(size), nil
}

// verify writes a pattern of blocks and reads it back.
func (h *host) verify(id uint8, t config.Target, q config.Quirk, blocks uint16) error {
	n := int(blocks) * scsi.DEFAULT_BLOCK_SIZE

	wcdb := scsi.Write10(0, blocks)
	w, wbuf := h.dataRequest(id, wcdb[:], mesh.DirOut, n)

	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7) ^ id
	}
	if _, err := wbuf.WriteAt(data, 0); err != nil {
		return err
	}

	w.NoDisconnect = !t.Disconnect || q.NoDisconnect
	if t.SyncOffset > 0 && !q.NoSync {
		w.NegotiateSync = true
		w.SyncPeriodPs = t.SyncPeriodNs * 1000
		w.SyncOffset = t.SyncOffset
	}

	if err := h.exec(w); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	fmt.Fprintf(h.out, "  write: %d bytes, sync %s\n", w.Result.Transferred, syncString(w.Result))

	rcdb := scsi.Read10(0, blocks)
	r, rbuf := h.dataRequest(id, rcdb[:], mesh.DirIn, n)
	r.NoDisconnect = w.NoDisconnect

	if err := h.exec(r); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	fmt.Fprintf(h.out, "  read: %d bytes\n", r.Result.Transferred)

	if !bytes.Equal(data, rbuf.Bytes()) {
		return errors.New("data mismatch")
	}
	return nil
}

func syncString(r mesh.Result) string {
	switch {
	case !r.Negotiated:
		return "not negotiated"
	case r.Sync.Offset == 0:
		return "asynchronous"
	default:
		return fmt.Sprintf("%d ns offset %d", r.Sync.PeriodNs, r.Sync.Offset)
	}
}

// probe reports every target on the bus and returns the number of failed verifications.
func (h *host) probe(blocks uint16) int {
	failed := 0

	for id := uint8(0); id < 8; id++ {
		if id == h.cfg.InitiatorID {
			continue
		}

		inq, err := h.inquiry(id)
		if errors.Is(err, mesh.ErrSelectionTimeout) {
			continue
		}
		if err != nil || len(inq) < scsi.INQ_REPLY_LEN {
			fmt.Fprintf(h.out, "target %d: INQUIRY failed: %v\n", id, err)
			failed++
			continue
		}

		fmt.Fprintf(h.out, "target %d: %s %s rev %s\n", id, strings.TrimSpace(string(inq[8:16])),
			strings.TrimSpace(string(inq[16:32])), strings.TrimSpace(string(inq[32:36])))

		q, ok := h.cfg.LookupQuirk(inq)
		if ok && q.Warning != "" {
			fmt.Fprintf(h.out, "  WARNING: %s\n", q.Warning)
		}

		if size, err := h.capacity(id); err == nil {
			fmt.Fprintf(h.out, "  capacity: %s\n", utils.FormatBytes(size))
		} else {
			fmt.Fprintf(h.out, "  READ CAPACITY failed: %v\n", err)
		}

		if h.readOnly[id] {
			continue
		}

		if err := h.verify(id, h.cfg.Target(id), q, blocks); err != nil {
			fmt.Fprintf(h.out, "  verification failed: %v\n", err)
			failed++
			continue
		}
		fmt.Fprintln(h.out, "  verified")
	}

	return failed
}

func main() {
	fmt.Println("Go MESH host adapter simulator")
	fmt.Printf("Built with %s on %s (%s)\n\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)

	cfgPath := flag.String("config", "", "YAML host adapter configuration, e.g., mesh.yaml")
	debug := flag.Bool("debug", false, "Log controller stage transitions")
	blocks := flag.Uint("blocks", 64, "Number of blocks to write and read back per target")
	dmaCheck := flag.Bool("dma", false, "Check that host memory can be translated for DMA")
	sgPath := flag.String("sg", "", "SCSI generic device to attach read-only to the simulated bus, e.g., /dev/sg0")
	sgID := flag.Uint("sg-id", 5, "Target ID of the attached SCSI generic device")
	flag.Parse()

	if *dmaCheck {
		checkCaps()
		checkDMA()
		return
	}

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	}

	if *debug {
		mesh.SetLogLevel(slog.LevelDebug)
	}

	if *blocks == 0 || *blocks > 0xffff {
		fmt.Println("Invalid block count")
		os.Exit(1)
	}

	var extra []*sim.Target
	if *sgPath != "" {
		if *sgID > 7 {
			fmt.Println("Invalid target ID")
			os.Exit(1)
		}

		d, t, err := sgio.Open(*sgPath)
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		defer d.Close()

		extra = append(extra, t.Attach(uint8(*sgID)))
	}

	h, err := newHost(cfg, mesh.DefaultLogger, os.Stdout, extra...)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer h.ctl.Close()

	if failed := h.probe(uint16(*blocks)); failed > 0 {
		os.Exit(1)
	}
}
