// Package aspace manages a guest's physical address space: the stage-2 page
// table, the typed region map, guest memory backings, and dispatch for
// emulated MMIO.
package aspace

import (
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/perchvm/perch/internal/hv"
)

// kernelOffset leaves room for boot firmware below a first-fit kernel.
const kernelOffset = 2 * 1024 * 1024

// dtbWindow caps how deep into the first RAM region the DTB is placed.
const dtbWindow = 512 * 1024 * 1024

// AddressSpace wraps the stage-2 page table root and the region map for one
// guest. All mutators serialize on an internal mutex; the mutex is released
// before device emulation handlers run.
type AddressSpace struct {
	mu sync.Mutex

	backend hv.Backend
	table   Stage2Table
	regions *regionMap

	base hv.GuestPhysAddr
	size uint64

	ram     []*GuestMemory
	mmio    []*mmioBinding
	sysregs map[uint64]MMIOHandler
	ports   map[uint16]MMIOHandler

	kernelEntry hv.GuestPhysAddr
	finalized   bool
}

// New creates an address space with the given table depth spanning
// [base, base+size). The whole range starts as a single passthrough region;
// RAM and emulated regions are carved out of it.
func New(backend hv.Backend, ptLevels int, base hv.GuestPhysAddr, size uint64) (*AddressSpace, error) {
	if size == 0 {
		return nil, fmt.Errorf("aspace: empty guest-physical range")
	}
	if base.Add(size) > Reach(ptLevels) {
		return nil, fmt.Errorf("aspace: range end %v beyond %d-level reach %v",
			base.Add(size), ptLevels, Reach(ptLevels))
	}

	table, err := NewSoftTable(ptLevels)
	if err != nil {
		return nil, err
	}

	s := &AddressSpace{
		backend: backend,
		table:   table,
		regions: newRegionMap(),
		base:    base,
		size:    size,
		sysregs: make(map[uint64]MMIOHandler),
		ports:   make(map[uint16]MMIOHandler),
	}
	if err := s.regions.insert(Region{GPA: base, Size: size, Kind: PassthroughMmio}); err != nil {
		table.Close()
		return nil, err
	}
	return s, nil
}

// AddRAM inserts a guest memory backing, maps it read-write-execute for the
// guest, and records a GuestRam region (overwriting any overlapping
// passthrough region in the map; passthrough mappings themselves are not
// installed until Finalize). The address space takes ownership of mem.
func (s *AddressSpace) AddRAM(mem *GuestMemory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return fmt.Errorf("aspace: AddRAM after finalize")
	}
	if err := s.regions.insert(Region{GPA: mem.GPA(), Size: mem.Size(), Kind: GuestRam}); err != nil {
		return err
	}
	if err := s.table.Map(mem.GPA(), mem.HPA(), hv.AlignUp(mem.Size(), hv.PageSize), hv.MapRWXU); err != nil {
		return fmt.Errorf("aspace: map ram at %v: %w", mem.GPA(), err)
	}
	s.ram = append(s.ram, mem)
	return nil
}

// AddPassthrough records a passthrough region; the identity mapping is
// deferred to Finalize so later RAM or emulated regions can still carve it.
func (s *AddressSpace) AddPassthrough(gpa hv.GuestPhysAddr, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return fmt.Errorf("aspace: AddPassthrough after finalize")
	}
	return s.regions.insert(Region{GPA: gpa, Size: size, Kind: PassthroughMmio})
}

// AddEmulatedMMIO carves an emulated region out of the address space and
// registers its device handler. The region is never mapped in the stage-2
// table: accesses must fault so the dispatcher can emulate them. The
// returned MMIORegion exposes a host-visible backing page set the device
// implementation may use for its register file.
func (s *AddressSpace) AddEmulatedMMIO(name string, gpa hv.GuestPhysAddr, size uint64, handler MMIOHandler) (*MMIORegion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return nil, fmt.Errorf("aspace: AddEmulatedMMIO after finalize")
	}
	if handler == nil {
		return nil, fmt.Errorf("aspace: nil handler for device %q", name)
	}

	region := Region{GPA: gpa, Size: size, Kind: EmulatedMmio}
	if err := s.regions.insert(region); err != nil {
		return nil, err
	}

	backing, err := NewVmemMemory(gpa, hv.AlignUp(size, hv.PageSize))
	if err != nil {
		return nil, err
	}

	s.mmio = append(s.mmio, &mmioBinding{
		name:    name,
		region:  region,
		backing: backing,
		handler: handler,
	})

	return &MMIORegion{Addr: gpa, Size: size, Bytes: backing.Bytes()[:size]}, nil
}

// Finalize is called once before any vCPU runs. It walks the region map in
// order and installs identity mappings with device attributes for the
// passthrough regions that remain uncarved. Emulated regions stay unmapped.
func (s *AddressSpace) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return fmt.Errorf("aspace: already finalized")
	}
	for _, r := range s.regions.all() {
		if r.Kind != PassthroughMmio {
			continue
		}
		if err := s.table.Map(r.GPA, hv.HostPhysAddr(r.GPA), r.Size, hv.MapDeviceRW); err != nil {
			return fmt.Errorf("aspace: map passthrough %v: %w", r, err)
		}
	}
	s.finalized = true
	return nil
}

// Translate returns the host-virtual buffers backing the guest-physical
// range [gpa, gpa+length), possibly fragmented across region boundaries.
func (s *AddressSpace) Translate(gpa hv.GuestPhysAddr, length uint64) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.translateLocked(gpa, length)
}

func (s *AddressSpace) translateLocked(gpa hv.GuestPhysAddr, length uint64) ([][]byte, error) {
	var out [][]byte
	for length > 0 {
		mem := s.ramAt(gpa)
		if mem == nil {
			return nil, fmt.Errorf("aspace: %v is not guest ram", gpa)
		}
		off := uint64(gpa - mem.GPA())
		n := min(length, mem.Size()-off)
		out = append(out, mem.Bytes()[off:off+n])
		gpa = gpa.Add(n)
		length -= n
	}
	return out, nil
}

func (s *AddressSpace) ramAt(gpa hv.GuestPhysAddr) *GuestMemory {
	for _, mem := range s.ram {
		if gpa >= mem.GPA() && gpa < mem.GPA().Add(mem.Size()) {
			return mem
		}
	}
	return nil
}

// CopyToGuest writes data at gpa and flushes the dcache on each host-virtual
// chunk: the guest may map the range with different cache attributes.
func (s *AddressSpace) CopyToGuest(gpa hv.GuestPhysAddr, data []byte) error {
	chunks, err := s.Translate(gpa, uint64(len(data)))
	if err != nil {
		return err
	}
	off := 0
	for _, chunk := range chunks {
		n := copy(chunk, data[off:])
		s.backend.CacheFlush(hv.HostVirtAddr(uintptr(unsafe.Pointer(&chunk[0]))), uintptr(n))
		off += n
	}
	return nil
}

// CopyFromGuest reads len(buf) bytes starting at gpa.
func (s *AddressSpace) CopyFromGuest(gpa hv.GuestPhysAddr, buf []byte) error {
	chunks, err := s.Translate(gpa, uint64(len(buf)))
	if err != nil {
		return err
	}
	off := 0
	for _, chunk := range chunks {
		off += copy(buf[off:], chunk)
	}
	return nil
}

// LoadKernel places the kernel image. A preferred address inside a RAM
// region is honored; otherwise the kernel goes into the first RAM region
// large enough, offset by 2 MiB to leave room for boot firmware. The chosen
// entry address is recorded.
func (s *AddressSpace) LoadKernel(data []byte, preferred *hv.GuestPhysAddr) (hv.GuestPhysAddr, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("aspace: empty kernel image")
	}

	var entry hv.GuestPhysAddr
	found := false

	s.mu.Lock()
	if preferred != nil {
		if mem := s.ramAt(*preferred); mem != nil &&
			preferred.Add(uint64(len(data))) <= mem.GPA().Add(mem.Size()) {
			entry = *preferred
			found = true
		}
	}
	if !found {
		for _, mem := range s.ram {
			if mem.Size() >= kernelOffset+uint64(len(data)) {
				entry = mem.GPA().Add(kernelOffset)
				found = true
				break
			}
		}
	}
	s.mu.Unlock()

	if !found {
		return 0, fmt.Errorf("aspace: no suitable region for %d byte kernel", len(data))
	}
	if err := s.CopyToGuest(entry, data); err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.kernelEntry = entry
	s.mu.Unlock()

	slog.Debug("aspace: kernel loaded", "entry", entry, "size", len(data))
	return entry, nil
}

// LoadDTB places the device tree at the tail of the first RAM region,
// aligned down to 4 KiB. Placement is capped 512 MiB into the region so the
// blob stays reachable for early boot code.
func (s *AddressSpace) LoadDTB(data []byte) (hv.GuestPhysAddr, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("aspace: empty dtb")
	}

	s.mu.Lock()
	if len(s.ram) == 0 {
		s.mu.Unlock()
		return 0, fmt.Errorf("aspace: no ram region for dtb")
	}
	mem := s.ram[0]
	window := min(mem.Size(), uint64(dtbWindow))
	if window < uint64(len(data)) {
		s.mu.Unlock()
		return 0, fmt.Errorf("aspace: dtb of %d bytes does not fit region %v", len(data), mem.GPA())
	}
	addr := mem.GPA().Add(window - uint64(len(data))).AlignDown(hv.PageSize)
	if addr < mem.GPA() {
		s.mu.Unlock()
		return 0, fmt.Errorf("aspace: dtb of %d bytes does not fit region %v", len(data), mem.GPA())
	}
	s.mu.Unlock()

	if err := s.CopyToGuest(addr, data); err != nil {
		return 0, err
	}
	slog.Debug("aspace: dtb loaded", "addr", addr, "size", len(data))
	return addr, nil
}

// HandleNestedPageFault attempts a lazy mapping for a stage-2 fault in an
// uncarved range. Faults outside any region, or inside emulated regions, are
// guest faults the caller escalates.
func (s *AddressSpace) HandleNestedPageFault(gpa hv.GuestPhysAddr, flags hv.MappingFlags) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.regions.find(gpa)
	if !ok {
		return fmt.Errorf("aspace: fault at %v outside the guest range", gpa)
	}
	switch r.Kind {
	case PassthroughMmio:
		page := gpa.AlignDown(hv.PageSize)
		if err := s.table.Map(page, hv.HostPhysAddr(page), hv.PageSize, hv.MapDeviceRW); err != nil {
			return fmt.Errorf("aspace: lazy map %v: %w", page, err)
		}
		return nil
	case GuestRam:
		// RAM is pre-mapped at AddRAM time; a fault here means the mapping
		// and region map disagree.
		return fmt.Errorf("aspace: unexpected fault in ram region %v at %v", r, gpa)
	default:
		return fmt.Errorf("aspace: fault in emulated region %v at %v", r, gpa)
	}
}

// Regions returns the region map in ascending guest-physical order.
func (s *AddressSpace) Regions() []Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regions.all()
}

// Memories lists the RAM backings as (gpa, size) pairs in insertion order.
func (s *AddressSpace) Memories() []Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Region, 0, len(s.ram))
	for _, mem := range s.ram {
		out = append(out, Region{GPA: mem.GPA(), Size: mem.Size(), Kind: GuestRam})
	}
	return out
}

// Root returns the stage-2 root frame address programmed into vCPUs.
func (s *AddressSpace) Root() hv.HostPhysAddr {
	return s.table.Root()
}

// Levels returns the stage-2 table depth.
func (s *AddressSpace) Levels() int {
	return s.table.Levels()
}

// KernelEntry returns the recorded kernel entry address.
func (s *AddressSpace) KernelEntry() hv.GuestPhysAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kernelEntry
}

// TranslateAddr walks the stage-2 table for a single address.
func (s *AddressSpace) TranslateAddr(gpa hv.GuestPhysAddr) (hv.HostPhysAddr, hv.MappingFlags, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.Translate(gpa)
}

// Close unmaps everything and releases backings and table frames.
func (s *AddressSpace) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, b := range s.mmio {
		if err := b.backing.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.mmio = nil
	for _, mem := range s.ram {
		if err := mem.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.ram = nil
	if s.table != nil {
		if err := s.table.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.table = nil
	}
	return firstErr
}
