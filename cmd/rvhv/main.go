// Command rvhv wires a guest machine description into a running hv.Context:
// it loads a MachineMeta descriptor, backs guest RAM with either a plain
// slice or an mmap'd region, loads the guest kernel image and devicetree
// blob, binds virtio device slots, and puts the host terminal into raw mode
// for the 16550 console. Actually stepping guest instructions between traps
// is the out-of-scope M-mode/CPU collaborator; this binary hands that off
// to an hv.HartDriver supplied by the embedder.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/rvhv/internal/debug"
	"github.com/tinyrange/rvhv/internal/hv"
)

func main() {
	configPath := flag.String("config", "", "path to a MachineMeta yaml descriptor")
	ramOverride := flag.Uint64("ram", 0, "override the configured guest memory size, in bytes")
	useMmap := flag.Bool("mmap", false, "back guest RAM with an mmap'd region instead of a heap slice")
	debugLog := flag.String("debug-log", "", "path to a binary debug log (see internal/debug)")
	flag.Parse()

	if *debugLog != "" {
		if err := debug.OpenFile(*debugLog); err != nil {
			fmt.Fprintf(os.Stderr, "rvhv: open debug log: %v\n", err)
			os.Exit(1)
		}
		defer debug.Close()
	}

	if err := run(*configPath, *ramOverride, *useMmap); err != nil {
		fmt.Fprintf(os.Stderr, "rvhv: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, ramOverride uint64, useMmap bool) error {
	log := debug.WithSource("rvhv")

	if configPath == "" {
		return fmt.Errorf("-config is required")
	}
	meta, err := LoadMachineMeta(configPath)
	if err != nil {
		return fmt.Errorf("load machine config: %w", err)
	}
	if ramOverride != 0 {
		meta.MemoryBytes = ramOverride
	}

	var ram *hv.MemoryRegion
	if useMmap {
		ram, err = hv.NewMmapMemoryRegion(meta.MemoryBytes)
		if err != nil {
			return fmt.Errorf("mmap guest memory: %w", err)
		}
		defer ram.Close()
	} else {
		ram = hv.NewMemoryRegion(meta.MemoryBytes)
	}

	ctx, err := hv.NewContextWithBus(hv.NewBusWithRAM(ram), meta.GuestShift, defaultShadowFrames)
	if err != nil {
		return fmt.Errorf("create hart context: %w", err)
	}
	log.Writef("guest memory: %d bytes at shift 0x%x (mmap=%v)", meta.MemoryBytes, meta.GuestShift, useMmap)

	if err := loadGuestImage(ctx, meta); err != nil {
		return fmt.Errorf("load guest image: %w", err)
	}
	if meta.DTBPath != "" {
		if err := loadAndPatchDTB(ctx, meta); err != nil {
			return fmt.Errorf("load devicetree: %w", err)
		}
	}
	if err := bindVirtioSlots(ctx, meta); err != nil {
		return fmt.Errorf("bind virtio slots: %w", err)
	}

	isTerminal := term.IsTerminal(int(os.Stdin.Fd()))
	var oldState *term.State
	if isTerminal {
		oldState, err = term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("enable raw console mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)
	}
	ctx.UART.Sink = os.Stdout

	log.Writef("machine %q ready: entry=0x%x bootargs=%q", meta.Name, meta.EntryPoint, meta.BootArgs)
	ctx.CSR.Sepc = meta.EntryPoint

	// Nothing further to do here: driving the hart to completion needs an
	// hv.HartDriver that actually executes guest instructions between
	// traps, which is the M-mode bootstrap/CPU collaborator this core
	// doesn't implement. An embedder wires one up and calls
	// ctx.Run(ctx, driver, pollEvery).
	return nil
}

const defaultShadowFrames = 4096

// MachineMeta describes a guest machine this core boots: guest memory
// layout, boot arguments, and the virtio device bindings for each slot.
type MachineMeta struct {
	Name        string          `yaml:"name"`
	MemoryBytes uint64          `yaml:"memory_bytes"`
	GuestShift  uint64          `yaml:"guest_shift"`
	EntryPoint  uint64          `yaml:"entry_point"`
	BootArgs    string          `yaml:"bootargs"`
	KernelPath  string          `yaml:"kernel_path"`
	KernelAddr  uint64          `yaml:"kernel_addr"`
	DTBPath     string          `yaml:"dtb_path,omitempty"`
	DTBAddr     uint64          `yaml:"dtb_addr,omitempty"`
	VirtioSlots []VirtioBinding `yaml:"virtio_slots,omitempty"`
}

// VirtioBinding configures one virtio-mmio slot's device-specific driver.
type VirtioBinding struct {
	Slot int    `yaml:"slot"`
	Kind string `yaml:"kind"` // "blk", "net", or "console"

	CapacitySectors uint64 `yaml:"capacity_sectors,omitempty"` // blk
	MAC             string `yaml:"mac,omitempty"`              // net
	Columns         uint16 `yaml:"columns,omitempty"`          // console
	Rows            uint16 `yaml:"rows,omitempty"`             // console
}

// LoadMachineMeta reads and decodes a MachineMeta descriptor.
func LoadMachineMeta(path string) (MachineMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return MachineMeta{}, err
	}
	var meta MachineMeta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return MachineMeta{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return meta, nil
}

func loadGuestImage(ctx *hv.Context, meta MachineMeta) error {
	if meta.KernelPath == "" {
		return nil
	}
	f, err := os.Open(meta.KernelPath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	bar := progressbar.DefaultBytes(info.Size(), fmt.Sprintf("loading %s", meta.KernelPath))
	defer bar.Close()

	w := &busWriter{bus: ctx.Bus, addr: meta.KernelAddr}
	if _, err := io.Copy(io.MultiWriter(w, bar), f); err != nil {
		return fmt.Errorf("copy into guest memory: %w", err)
	}
	return nil
}

// busWriter is an io.Writer over a fixed guest-physical address range,
// advancing as it's written, so the kernel image load can go through
// io.Copy paired with a progress bar.
type busWriter struct {
	bus  *hv.Bus
	addr uint64
}

func (w *busWriter) Write(p []byte) (int, error) {
	if err := w.bus.LoadBytes(w.addr, p); err != nil {
		return 0, err
	}
	w.addr += uint64(len(p))
	return len(p), nil
}

func loadAndPatchDTB(ctx *hv.Context, meta MachineMeta) error {
	blob, err := os.ReadFile(meta.DTBPath)
	if err != nil {
		return err
	}
	if err := hv.PatchDTB(blob, meta.MemoryBytes, meta.BootArgs); err != nil {
		return fmt.Errorf("patch devicetree: %w", err)
	}
	return ctx.Bus.LoadBytes(meta.DTBAddr, blob)
}

func bindVirtioSlots(ctx *hv.Context, meta MachineMeta) error {
	for _, b := range meta.VirtioSlots {
		if b.Slot < 0 || b.Slot >= hv.VirtioSlotCount {
			return fmt.Errorf("virtio slot %d out of range", b.Slot)
		}
		switch b.Kind {
		case "blk":
			ctx.Virtio[b.Slot].Config = &hv.BlockConfig{CapacitySectors: b.CapacitySectors}
		case "net":
			mac, err := parseMAC(b.MAC)
			if err != nil {
				return fmt.Errorf("slot %d: %w", b.Slot, err)
			}
			ctx.Virtio[b.Slot].Config = &hv.NetConfig{MAC: mac, Status: 1}
		case "console":
			ctx.Virtio[b.Slot].Config = &hv.ConsoleConfig{Columns: b.Columns, Rows: b.Rows}
		default:
			return fmt.Errorf("slot %d: unrecognized virtio kind %q", b.Slot, b.Kind)
		}
	}
	return nil
}

func parseMAC(s string) ([6]byte, error) {
	var mac [6]byte
	if s == "" {
		return mac, nil
	}
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x", &mac[0], &mac[1], &mac[2], &mac[3], &mac[4], &mac[5])
	if err != nil || n != 6 {
		return mac, fmt.Errorf("invalid MAC address %q", s)
	}
	return mac, nil
}
