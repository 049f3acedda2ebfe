// Package arch carries the pieces shared by the ISA backends: host thread
// pinning, the hosted default platform, and the backend plumbing that wraps
// a register-level driver into the hv capability set.
package arch

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/perchvm/perch/internal/hv"
)

// BindThread pins the calling OS thread to the given logical core. The
// caller must hold the thread (runtime.LockOSThread).
func BindThread(id hv.HostCpuID) error {
	var set unix.CPUSet
	set.Set(int(id))
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("arch: set affinity to %v: %w", id, err)
	}
	return nil
}

// HostPlatform is the hosted default topology source: cores are the OS
// cores, and the physical identity is the OS core number. Bare-metal
// platforms replace this with device-tree or ACPI enumeration.
type HostPlatform struct{}

// CPUList implements hv.Platform.
func (HostPlatform) CPUList() ([]hv.HostHardID, error) {
	n := runtime.NumCPU()
	out := make([]hv.HostHardID, n)
	for i := range out {
		out[i] = hv.HostHardID(i)
	}
	return out, nil
}

// CurrentHardID implements hv.Platform.
func (HostPlatform) CurrentHardID() hv.HostHardID {
	cpu, _, err := unix.Getcpu()
	if err != nil {
		return 0
	}
	return hv.HostHardID(cpu)
}

var _ hv.Platform = HostPlatform{}

// Base implements the driver- and platform-independent part of hv.Backend.
// The ISA packages embed it and add their architecture identity and helper
// logic.
type Base struct {
	Platform hv.Platform
	Driver   hv.VCpuDriver

	// MinLevels/MaxLevels bound what the driver may report for the stage-2
	// depth on this ISA; NewHostCpu rejects a depth outside the range.
	MinLevels int
	MaxLevels int
}

// CPUList implements hv.Backend.
func (b *Base) CPUList() ([]hv.HostHardID, error) {
	return b.Platform.CPUList()
}

// CurrentHardID implements hv.Backend.
func (b *Base) CurrentHardID() hv.HostHardID {
	return b.Platform.CurrentHardID()
}

// BindCurrentThread implements hv.Backend.
func (b *Base) BindCurrentThread(id hv.HostCpuID) error {
	return BindThread(id)
}

// CacheFlush implements hv.Backend. Drivers that need explicit dcache
// maintenance implement hv.CacheFlusher; otherwise writes are already
// coherent and nothing is done.
func (b *Base) CacheFlush(va hv.HostVirtAddr, size uintptr) {
	if f, ok := b.Driver.(hv.CacheFlusher); ok {
		f.CacheFlush(va, size)
	}
}

// NewHostCpu implements hv.Backend. Must run on the core it describes: the
// driver enables the virtualization extension on the calling core.
func (b *Base) NewHostCpu(id hv.HostCpuID) (hv.HostCpu, error) {
	hard := b.Platform.CurrentHardID()
	caps, err := b.Driver.EnableVirtualization(id, hard)
	if err != nil {
		return nil, err
	}
	if caps.MaxGuestPageTableLevels < b.MinLevels || caps.MaxGuestPageTableLevels > b.MaxLevels {
		return nil, fmt.Errorf("arch: driver reported %d stage-2 levels, want %d..%d",
			caps.MaxGuestPageTableLevels, b.MinLevels, b.MaxLevels)
	}
	return &HostCpu{id: id, hard: hard, caps: caps}, nil
}

// NewVCpu implements hv.Backend.
func (b *Base) NewVCpu(cfg hv.VCpuCreateConfig) (hv.ArchVCpu, error) {
	return b.Driver.NewVCpu(cfg)
}

// HostCpu is the per-core state shared by all ISA backends.
type HostCpu struct {
	id   hv.HostCpuID
	hard hv.HostHardID
	caps hv.HostCpuCaps
}

func (c *HostCpu) ID() hv.HostCpuID      { return c.id }
func (c *HostCpu) HardID() hv.HostHardID { return c.hard }

// MaxGuestPageTableLevels implements hv.HostCpu.
func (c *HostCpu) MaxGuestPageTableLevels() int { return c.caps.MaxGuestPageTableLevels }

// PhysAddrBits implements hv.HostCpu.
func (c *HostCpu) PhysAddrBits() int { return c.caps.PhysAddrBits }

var _ hv.HostCpu = &HostCpu{}
