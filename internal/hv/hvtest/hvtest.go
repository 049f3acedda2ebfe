// Package hvtest provides a scripted backend so the core can be exercised
// deterministically: the "guest" is a Go callback deciding what each entry
// exits with.
package hvtest

import (
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/perchvm/perch/internal/hv"
)

// Program decides the exit reason for one guest entry of a scripted vCPU.
type Program func(v *VCpu) (hv.ExitReason, error)

// Backend is a fully in-process hv.Backend. Thread binding is tracked by OS
// thread id so CurrentHardID reflects what a pinned vCPU thread would see.
type Backend struct {
	Arch hv.CpuArchitecture
	Caps hv.HostCpuCaps

	// Run supplies exits for every vCPU; nil halts on first entry.
	Run Program

	// FailEnable makes NewHostCpu fail for specific cores.
	FailEnable map[hv.HostCpuID]error

	hards []hv.HostHardID

	mu      sync.Mutex
	binds   map[int]hv.HostHardID
	vcpus   []*VCpu
	flushes int
}

// New creates a backend with cores physical cores, hard ids 0..cores-1.
func New(cores int) *Backend {
	hards := make([]hv.HostHardID, cores)
	for i := range hards {
		hards[i] = hv.HostHardID(i)
	}
	return &Backend{
		Arch:  hv.ArchitectureARM64,
		Caps:  hv.HostCpuCaps{MaxGuestPageTableLevels: 4, PhysAddrBits: 48},
		hards: hards,
		binds: make(map[int]hv.HostHardID),
	}
}

// Architecture implements hv.Backend.
func (b *Backend) Architecture() hv.CpuArchitecture { return b.Arch }

// CPUList implements hv.Backend.
func (b *Backend) CPUList() ([]hv.HostHardID, error) {
	return append([]hv.HostHardID(nil), b.hards...), nil
}

// CurrentHardID implements hv.Backend.
func (b *Backend) CurrentHardID() hv.HostHardID {
	b.mu.Lock()
	defer b.mu.Unlock()
	if hard, ok := b.binds[unix.Gettid()]; ok {
		return hard
	}
	return b.hards[0]
}

// BindCurrentThread implements hv.Backend.
func (b *Backend) BindCurrentThread(id hv.HostCpuID) error {
	if int(id) < 0 || int(id) >= len(b.hards) {
		return fmt.Errorf("hvtest: bind to unknown %v", id)
	}
	b.mu.Lock()
	b.binds[unix.Gettid()] = b.hards[id]
	b.mu.Unlock()
	return nil
}

// CacheFlush implements hv.Backend.
func (b *Backend) CacheFlush(va hv.HostVirtAddr, size uintptr) {
	b.mu.Lock()
	b.flushes++
	b.mu.Unlock()
}

// Flushes reports how many cache flushes were requested.
func (b *Backend) Flushes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushes
}

// NewHostCpu implements hv.Backend.
func (b *Backend) NewHostCpu(id hv.HostCpuID) (hv.HostCpu, error) {
	if err := b.FailEnable[id]; err != nil {
		return nil, err
	}
	return &hostCpu{id: id, hard: b.hards[id], caps: b.Caps}, nil
}

// NewVCpu implements hv.Backend.
func (b *Backend) NewVCpu(cfg hv.VCpuCreateConfig) (hv.ArchVCpu, error) {
	v := &VCpu{backend: b, cfg: cfg, regs: make(map[int]uint64)}
	b.mu.Lock()
	b.vcpus = append(b.vcpus, v)
	b.mu.Unlock()
	return v, nil
}

// VCpus returns every scripted vCPU created so far.
func (b *Backend) VCpus() []*VCpu {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*VCpu(nil), b.vcpus...)
}

// VCpuFor returns the scripted vCPU with the given guest identity.
func (b *Backend) VCpuFor(hard hv.HostHardID) *VCpu {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, v := range b.vcpus {
		if v.cfg.HardID == hard {
			return v
		}
	}
	return nil
}

var _ hv.Backend = &Backend{}

type hostCpu struct {
	id   hv.HostCpuID
	hard hv.HostHardID
	caps hv.HostCpuCaps
}

func (c *hostCpu) ID() hv.HostCpuID             { return c.id }
func (c *hostCpu) HardID() hv.HostHardID        { return c.hard }
func (c *hostCpu) MaxGuestPageTableLevels() int { return c.caps.MaxGuestPageTableLevels }
func (c *hostCpu) PhysAddrBits() int            { return c.caps.PhysAddrBits }

var _ hv.HostCpu = &hostCpu{}

// VCpu is a scripted register-level vCPU.
type VCpu struct {
	backend *Backend
	cfg     hv.VCpuCreateConfig

	mu       sync.Mutex
	regs     map[int]uint64
	entry    hv.GuestPhysAddr
	root     hv.HostPhysAddr
	setup    *hv.VCpuSetupConfig
	injected []uint32
	entries  int
	ranOn    []hv.HostHardID
}

// HardID returns the configured guest identity.
func (v *VCpu) HardID() hv.HostHardID { return v.cfg.HardID }

// SetEntry implements hv.ArchVCpu.
func (v *VCpu) SetEntry(entry hv.GuestPhysAddr) error {
	v.mu.Lock()
	v.entry = entry
	v.mu.Unlock()
	return nil
}

// SetBootArg implements hv.ArchVCpu.
func (v *VCpu) SetBootArg(n int, value uint64) error {
	v.SetGPR(n, value)
	return nil
}

// SetStage2Root implements hv.ArchVCpu.
func (v *VCpu) SetStage2Root(root hv.HostPhysAddr) error {
	v.mu.Lock()
	v.root = root
	v.mu.Unlock()
	return nil
}

// Setup implements hv.ArchVCpu.
func (v *VCpu) Setup(cfg hv.VCpuSetupConfig) error {
	v.mu.Lock()
	v.setup = &cfg
	v.mu.Unlock()
	return nil
}

// SetGPR implements hv.ArchVCpu.
func (v *VCpu) SetGPR(reg int, value uint64) {
	v.mu.Lock()
	v.regs[reg] = value
	v.mu.Unlock()
}

// GPR implements hv.ArchVCpu.
func (v *VCpu) GPR(reg int) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.regs[reg]
}

// InjectInterrupt implements hv.ArchVCpu.
func (v *VCpu) InjectInterrupt(vector uint32) error {
	v.mu.Lock()
	v.injected = append(v.injected, vector)
	v.mu.Unlock()
	return nil
}

// Run implements hv.ArchVCpu: it records where the entry happened and asks
// the backend program for the exit reason.
func (v *VCpu) Run() (hv.ExitReason, error) {
	v.mu.Lock()
	v.entries++
	v.ranOn = append(v.ranOn, v.backend.CurrentHardID())
	v.mu.Unlock()

	// Keep scripted spin-loops cooperative.
	runtime.Gosched()

	if v.backend.Run == nil {
		return hv.ExitHalt{}, nil
	}
	return v.backend.Run(v)
}

// Entry returns the configured entry point.
func (v *VCpu) Entry() hv.GuestPhysAddr {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.entry
}

// Root returns the programmed stage-2 root.
func (v *VCpu) Root() hv.HostPhysAddr {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.root
}

// SetupConfig returns the applied setup, or nil before Setup ran.
func (v *VCpu) SetupConfig() *hv.VCpuSetupConfig {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.setup
}

// Injected returns every injected interrupt in order.
func (v *VCpu) Injected() []uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]uint32(nil), v.injected...)
}

// Entries returns how many guest entries have happened.
func (v *VCpu) Entries() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.entries
}

// RanOn returns the core identity observed at each entry.
func (v *VCpu) RanOn() []hv.HostHardID {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]hv.HostHardID(nil), v.ranOn...)
}

var _ hv.ArchVCpu = &VCpu{}
