package hv

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// NewMmapMemoryRegion backs a MemoryRegion with an anonymous mmap mapping
// instead of a plain heap slice, so guest RAM is page-aligned and can be
// released back to the OS with Close rather than waiting on the garbage
// collector. cmd/rvhv uses this when run with -mmap; tests use the plain
// slice-backed constructor.
func NewMmapMemoryRegion(size uint64) (*MemoryRegion, error) {
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("hv: mmap guest memory: %w", err)
	}

	region := &MemoryRegion{Data: data}
	region.unmap = func() error {
		return unix.Munmap(data)
	}
	return region, nil
}
