package aspace

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/perchvm/perch/internal/hv"
)

// ramAlign is the allocation alignment for guest RAM backings.
const ramAlign = 2 * 1024 * 1024

// GuestMemory owns the backing for one GuestRam region. It is created during
// VM init, mapped into the stage-2 table at that time, and closed when the VM
// reaches Stopped.
type GuestMemory struct {
	gpa     hv.GuestPhysAddr
	size    uint64
	backing []byte
	raw     []byte // full mmap, kept for munmap
	own     bool
}

// NewIdenticalMemory allocates host pages; the guest sees the host-physical
// address of the allocation as its guest-physical address.
func NewIdenticalMemory(size uint64) (*GuestMemory, error) {
	raw, err := mapBacking(size)
	if err != nil {
		return nil, err
	}
	hpa := hv.VirtToPhys(hv.HostVirtAddr(uintptr(unsafe.Pointer(&raw[0]))))
	return &GuestMemory{
		gpa:     hv.GuestPhysAddr(hpa),
		size:    size,
		backing: raw[:size],
		raw:     raw,
		own:     true,
	}, nil
}

// NewReservedMemory adopts an existing host-physical range, identity-mapped.
// The range is not freed on close.
func NewReservedMemory(hpa hv.HostPhysAddr, size uint64) (*GuestMemory, error) {
	if size == 0 {
		return nil, fmt.Errorf("aspace: zero-size reserved memory at %v", hpa)
	}
	va := hv.PhysToVirt(hpa)
	backing := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(va))), size)
	return &GuestMemory{
		gpa:     hv.GuestPhysAddr(hpa),
		size:    size,
		backing: backing,
		own:     false,
	}, nil
}

// NewVmemMemory allocates host pages placed at an arbitrary guest-physical
// address.
func NewVmemMemory(gpa hv.GuestPhysAddr, size uint64) (*GuestMemory, error) {
	if uint64(gpa)%hv.PageSize != 0 {
		return nil, fmt.Errorf("aspace: unaligned vmem base %v", gpa)
	}
	raw, err := mapBacking(size)
	if err != nil {
		return nil, err
	}
	return &GuestMemory{
		gpa:     gpa,
		size:    size,
		backing: raw[:size],
		raw:     raw,
		own:     true,
	}, nil
}

func mapBacking(size uint64) ([]byte, error) {
	if size == 0 {
		return nil, fmt.Errorf("aspace: memory size must be greater than 0")
	}
	maxInt := uint64(^uint(0) >> 1)
	if size > maxInt {
		return nil, fmt.Errorf("aspace: size %d exceeds host address limit", size)
	}
	mem, err := unix.Mmap(
		-1,
		0,
		int(hv.AlignUp(size, ramAlign)),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("aspace: mmap guest memory: %w", err)
	}
	return mem, nil
}

// GPA returns the guest-physical base of the backing.
func (m *GuestMemory) GPA() hv.GuestPhysAddr { return m.gpa }

// Size returns the backing size in bytes.
func (m *GuestMemory) Size() uint64 { return m.size }

// HPA returns the host-physical base of the backing.
func (m *GuestMemory) HPA() hv.HostPhysAddr {
	return hv.VirtToPhys(hv.HostVirtAddr(uintptr(unsafe.Pointer(&m.backing[0]))))
}

// Bytes exposes the backing for initial content writes.
func (m *GuestMemory) Bytes() []byte { return m.backing }

// Close releases owned backings.
func (m *GuestMemory) Close() error {
	if m.backing == nil {
		return nil
	}
	raw := m.raw
	m.backing = nil
	m.raw = nil
	if !m.own {
		return nil
	}
	if err := unix.Munmap(raw); err != nil {
		return fmt.Errorf("aspace: munmap guest memory: %w", err)
	}
	return nil
}
