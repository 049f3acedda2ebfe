package aspace

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/perchvm/perch/internal/hv"
)

// Stage2Table is the second-stage translation structure programmed into the
// virtualization unit. The hardware walker lives outside the core; the core
// only needs to install, remove, and inspect mappings and to hand the root
// frame to vCPUs.
type Stage2Table interface {
	// Map installs mappings for [gpa, gpa+size), using block entries where
	// alignment allows.
	Map(gpa hv.GuestPhysAddr, hpa hv.HostPhysAddr, size uint64, flags hv.MappingFlags) error

	// Unmap removes any mappings in [gpa, gpa+size).
	Unmap(gpa hv.GuestPhysAddr, size uint64) error

	// Translate walks the table for a single address.
	Translate(gpa hv.GuestPhysAddr) (hv.HostPhysAddr, hv.MappingFlags, bool)

	// Root returns the host-physical address of the root frame.
	Root() hv.HostPhysAddr

	// Levels returns the number of table levels.
	Levels() int

	Close() error
}

// Generic stage-2 entry layout, one 64-bit word per entry. Entries carrying
// permission bits are leaves (block or page); valid entries without
// permissions point at the next-level frame.
const (
	pteValid  uint64 = 1 << 0
	pteRead   uint64 = 1 << 1
	pteWrite  uint64 = 1 << 2
	pteExec   uint64 = 1 << 3
	pteUser   uint64 = 1 << 4
	pteDevice uint64 = 1 << 5

	ptePermMask uint64 = pteRead | pteWrite | pteExec
	pteAddrMask uint64 = ^uint64(hv.PageSize - 1)

	entriesPerFrame = hv.PageSize / 8
	bitsPerLevel    = 9
)

func pteFlags(f hv.MappingFlags) uint64 {
	v := pteValid
	if f&hv.MapRead != 0 {
		v |= pteRead
	}
	if f&hv.MapWrite != 0 {
		v |= pteWrite
	}
	if f&hv.MapExecute != 0 {
		v |= pteExec
	}
	if f&hv.MapUser != 0 {
		v |= pteUser
	}
	if f&hv.MapDevice != 0 {
		v |= pteDevice
	}
	return v
}

func mappingFlags(pte uint64) hv.MappingFlags {
	var f hv.MappingFlags
	if pte&pteRead != 0 {
		f |= hv.MapRead
	}
	if pte&pteWrite != 0 {
		f |= hv.MapWrite
	}
	if pte&pteExec != 0 {
		f |= hv.MapExecute
	}
	if pte&pteUser != 0 {
		f |= hv.MapUser
	}
	if pte&pteDevice != 0 {
		f |= hv.MapDevice
	}
	return f
}

func isLeaf(pte uint64) bool {
	return pte&pteValid != 0 && pte&ptePermMask != 0
}

// levelShift is the address shift covered by one entry at the given level.
func levelShift(level int) uint {
	return uint(hv.PageShift + bitsPerLevel*level)
}

// levelSize is the span of one entry at the given level.
func levelSize(level int) uint64 {
	return 1 << levelShift(level)
}

// softTable is an in-memory radix table with frames allocated from host
// memory. Because the hypervisor runs phys==virt, the frame addresses stored
// in entries are directly dereferenceable, exactly as hardware walks them.
type softTable struct {
	levels int
	root   []uint64
	frames [][]byte
}

// NewSoftTable creates an empty stage-2 table with the given level count
// (3, 4, or 5).
func NewSoftTable(levels int) (Stage2Table, error) {
	if levels < 3 || levels > 5 {
		return nil, fmt.Errorf("aspace: unsupported page table levels %d", levels)
	}
	t := &softTable{levels: levels}
	root, err := t.allocFrame()
	if err != nil {
		return nil, err
	}
	t.root = root
	return t, nil
}

func (t *softTable) allocFrame() ([]uint64, error) {
	mem, err := unix.Mmap(
		-1,
		0,
		hv.PageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("aspace: alloc page table frame: %w", err)
	}
	t.frames = append(t.frames, mem)
	return unsafe.Slice((*uint64)(unsafe.Pointer(&mem[0])), entriesPerFrame), nil
}

func frameAt(pa hv.HostPhysAddr) []uint64 {
	va := hv.PhysToVirt(pa)
	return unsafe.Slice((*uint64)(unsafe.Pointer(uintptr(va))), entriesPerFrame)
}

func frameAddr(frame []uint64) hv.HostPhysAddr {
	return hv.VirtToPhys(hv.HostVirtAddr(uintptr(unsafe.Pointer(&frame[0]))))
}

// maxAddr returns the first guest-physical address beyond the table's reach.
func (t *softTable) maxAddr() hv.GuestPhysAddr {
	return hv.GuestPhysAddr(1) << levelShift(t.levels)
}

func (t *softTable) index(gpa hv.GuestPhysAddr, level int) int {
	return int(uint64(gpa)>>levelShift(level)) & (entriesPerFrame - 1)
}

// walkTo descends to the frame holding the entry for gpa at the target
// level, allocating intermediate frames when create is set. Returns nil when
// the path does not exist and create is unset. A leaf block found on the way
// is an error for create walks.
func (t *softTable) walkTo(gpa hv.GuestPhysAddr, target int, create bool) ([]uint64, error) {
	frame := t.root
	for level := t.levels - 1; level > target; level-- {
		idx := t.index(gpa, level)
		pte := frame[idx]
		if pte&pteValid == 0 {
			if !create {
				return nil, nil
			}
			child, err := t.allocFrame()
			if err != nil {
				return nil, err
			}
			frame[idx] = uint64(frameAddr(child)) | pteValid
			frame = child
			continue
		}
		if isLeaf(pte) {
			if create {
				return nil, fmt.Errorf("aspace: %v already covered by a block mapping", gpa)
			}
			return nil, nil
		}
		frame = frameAt(hv.HostPhysAddr(pte & pteAddrMask))
	}
	return frame, nil
}

// mapLevel picks the largest entry size usable for the next chunk.
func (t *softTable) mapLevel(gpa hv.GuestPhysAddr, hpa hv.HostPhysAddr, remaining uint64) int {
	for level := t.levels - 1; level > 0; level-- {
		size := levelSize(level)
		if remaining >= size && uint64(gpa)%size == 0 && uint64(hpa)%size == 0 {
			return level
		}
	}
	return 0
}

// Map implements Stage2Table.
func (t *softTable) Map(gpa hv.GuestPhysAddr, hpa hv.HostPhysAddr, size uint64, flags hv.MappingFlags) error {
	if uint64(gpa)%hv.PageSize != 0 || uint64(hpa)%hv.PageSize != 0 || size%hv.PageSize != 0 {
		return fmt.Errorf("aspace: unaligned mapping %v -> %v (+0x%x)", gpa, hpa, size)
	}
	if gpa.Add(size) > t.maxAddr() {
		return fmt.Errorf("aspace: %v beyond %d-level table reach %v", gpa.Add(size), t.levels, t.maxAddr())
	}

	for off := uint64(0); off < size; {
		g := gpa.Add(off)
		p := hpa + hv.HostPhysAddr(off)
		level := t.mapLevel(g, p, size-off)

		frame, err := t.walkTo(g, level, true)
		if err != nil {
			return err
		}
		idx := t.index(g, level)
		if frame[idx]&pteValid != 0 {
			return fmt.Errorf("aspace: %v already mapped", g)
		}
		frame[idx] = uint64(p) | pteFlags(flags)

		off += levelSize(level)
	}
	return nil
}

// Unmap implements Stage2Table.
func (t *softTable) Unmap(gpa hv.GuestPhysAddr, size uint64) error {
	if uint64(gpa)%hv.PageSize != 0 || size%hv.PageSize != 0 {
		return fmt.Errorf("aspace: unaligned unmap %v (+0x%x)", gpa, size)
	}

	for off := uint64(0); off < size; {
		g := gpa.Add(off)
		level, frame := t.findLeaf(g)
		if frame == nil {
			off += hv.PageSize
			continue
		}
		step := levelSize(level)
		if uint64(g)%step != 0 || size-off < step {
			return fmt.Errorf("aspace: unmap %v would split a block mapping", g)
		}
		frame[t.index(g, level)] = 0
		off += step
	}
	return nil
}

// findLeaf locates the leaf entry covering gpa, returning its level and the
// frame containing it.
func (t *softTable) findLeaf(gpa hv.GuestPhysAddr) (int, []uint64) {
	frame := t.root
	for level := t.levels - 1; level >= 0; level-- {
		pte := frame[t.index(gpa, level)]
		if pte&pteValid == 0 {
			return 0, nil
		}
		if isLeaf(pte) || level == 0 {
			return level, frame
		}
		frame = frameAt(hv.HostPhysAddr(pte & pteAddrMask))
	}
	return 0, nil
}

// Translate implements Stage2Table.
func (t *softTable) Translate(gpa hv.GuestPhysAddr) (hv.HostPhysAddr, hv.MappingFlags, bool) {
	if gpa >= t.maxAddr() {
		return 0, 0, false
	}
	level, frame := t.findLeaf(gpa)
	if frame == nil {
		return 0, 0, false
	}
	pte := frame[t.index(gpa, level)]
	if !isLeaf(pte) {
		return 0, 0, false
	}
	base := hv.HostPhysAddr(pte & pteAddrMask)
	return base + hv.HostPhysAddr(uint64(gpa)%levelSize(level)), mappingFlags(pte), true
}

// Root implements Stage2Table.
func (t *softTable) Root() hv.HostPhysAddr {
	return frameAddr(t.root)
}

// Levels implements Stage2Table.
func (t *softTable) Levels() int {
	return t.levels
}

// Close implements Stage2Table.
func (t *softTable) Close() error {
	frames := t.frames
	t.frames = nil
	t.root = nil
	for _, frame := range frames {
		if err := unix.Munmap(frame); err != nil {
			return fmt.Errorf("aspace: free page table frame: %w", err)
		}
	}
	return nil
}

var _ Stage2Table = &softTable{}

// RequiredLevels returns the smallest level count whose reach covers end.
func RequiredLevels(end hv.GuestPhysAddr) int {
	for levels := 3; levels <= 5; levels++ {
		if end <= hv.GuestPhysAddr(1)<<levelShift(levels) {
			return levels
		}
	}
	return 5
}

// Reach returns the first address beyond the reach of a table with the given
// level count.
func Reach(levels int) hv.GuestPhysAddr {
	return hv.GuestPhysAddr(1) << levelShift(levels)
}
