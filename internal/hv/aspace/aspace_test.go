package aspace

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"unsafe"

	"github.com/perchvm/perch/internal/hv"
	"github.com/perchvm/perch/internal/hv/hvtest"
)

func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

const (
	testRAMBase hv.GuestPhysAddr = 0x8000_0000
	testRAMSize uint64           = 64 * 1024 * 1024
)

func newTestSpace(t *testing.T) *AddressSpace {
	t.Helper()
	as, err := New(hvtest.New(1), 4, 0, 1<<40)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { as.Close() })
	return as
}

func addRAM(t *testing.T, as *AddressSpace, gpa hv.GuestPhysAddr, size uint64) {
	t.Helper()
	mem, err := NewVmemMemory(gpa, size)
	if err != nil {
		t.Fatalf("NewVmemMemory: %v", err)
	}
	if err := as.AddRAM(mem); err != nil {
		t.Fatalf("AddRAM: %v", err)
	}
}

func TestCopyTranslateRoundTrip(t *testing.T) {
	as := newTestSpace(t)

	// Two adjacent RAM regions so the copy fragments across a boundary.
	addRAM(t, as, testRAMBase, 0x2000)
	addRAM(t, as, testRAMBase.Add(0x2000), 0x2000)

	data := make([]byte, 0x3000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	start := testRAMBase.Add(0x800)
	if err := as.CopyToGuest(start, data); err != nil {
		t.Fatalf("CopyToGuest: %v", err)
	}

	chunks, err := as.Translate(start, uint64(len(data)))
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("Translate returned %d chunks, want a fragmented buffer", len(chunks))
	}

	got := make([]byte, 0, len(data))
	for _, chunk := range chunks {
		got = append(got, chunk...)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("translated bytes differ from the copied data")
	}

	back := make([]byte, len(data))
	if err := as.CopyFromGuest(start, back); err != nil {
		t.Fatalf("CopyFromGuest: %v", err)
	}
	if !bytes.Equal(back, data) {
		t.Fatal("CopyFromGuest bytes differ from the copied data")
	}
}

func TestCopyToGuestFlushesCache(t *testing.T) {
	backend := hvtest.New(1)
	as, err := New(backend, 4, 0, 1<<40)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer as.Close()

	mem, err := NewVmemMemory(testRAMBase, 0x2000)
	if err != nil {
		t.Fatalf("NewVmemMemory: %v", err)
	}
	if err := as.AddRAM(mem); err != nil {
		t.Fatalf("AddRAM: %v", err)
	}

	if err := as.CopyToGuest(testRAMBase, []byte{1, 2, 3}); err != nil {
		t.Fatalf("CopyToGuest: %v", err)
	}
	if backend.Flushes() == 0 {
		t.Error("CopyToGuest issued no dcache flush")
	}
}

func TestTranslateOutsideRAM(t *testing.T) {
	as := newTestSpace(t)
	addRAM(t, as, testRAMBase, 0x1000)

	if _, err := as.Translate(testRAMBase.Add(0x800), 0x1000); err == nil {
		t.Error("Translate past the end of ram succeeded")
	}
	if _, err := as.Translate(0x1000, 0x10); err == nil {
		t.Error("Translate of unbacked range succeeded")
	}
}

func TestLoadKernelFirstFit(t *testing.T) {
	as := newTestSpace(t)
	addRAM(t, as, testRAMBase, testRAMSize)

	entry, err := as.LoadKernel([]byte{0x00, 0x00, 0x00, 0x14}, nil)
	if err != nil {
		t.Fatalf("LoadKernel: %v", err)
	}
	if want := testRAMBase.Add(2 * 1024 * 1024); entry != want {
		t.Fatalf("entry = %v, want %v", entry, want)
	}
	if as.KernelEntry() != entry {
		t.Errorf("KernelEntry() = %v, want %v", as.KernelEntry(), entry)
	}

	got := make([]byte, 4)
	if err := as.CopyFromGuest(entry, got); err != nil {
		t.Fatalf("CopyFromGuest: %v", err)
	}
	if !bytes.Equal(got, []byte{0x00, 0x00, 0x00, 0x14}) {
		t.Error("kernel bytes not present at the entry address")
	}
}

func TestLoadKernelBoundary(t *testing.T) {
	as := newTestSpace(t)
	addRAM(t, as, testRAMBase, 0x1_0000)

	// Exactly region-sized via the preferred address.
	preferred := testRAMBase
	if _, err := as.LoadKernel(make([]byte, 0x1_0000), &preferred); err != nil {
		t.Fatalf("LoadKernel exactly region-sized: %v", err)
	}

	// One byte larger fits nowhere.
	_, err := as.LoadKernel(make([]byte, 0x1_0001), &preferred)
	if err == nil {
		t.Fatal("oversized kernel load succeeded")
	}
	if !strings.Contains(err.Error(), "no suitable region") {
		t.Errorf("oversized kernel error = %v, want a no-suitable-region failure", err)
	}
}

func TestLoadDTBPlacement(t *testing.T) {
	as := newTestSpace(t)
	addRAM(t, as, testRAMBase, testRAMSize)

	dtb := make([]byte, 0x1800)
	addr, err := as.LoadDTB(dtb)
	if err != nil {
		t.Fatalf("LoadDTB: %v", err)
	}
	want := testRAMBase.Add(testRAMSize - uint64(len(dtb))).AlignDown(hv.PageSize)
	if addr != want {
		t.Fatalf("dtb at %v, want %v", addr, want)
	}
}

type recordingHandler struct {
	mu     sync.Mutex
	reads  []hv.GuestPhysAddr
	writes []struct {
		addr  hv.GuestPhysAddr
		width hv.AccessWidth
		value uint64
	}
}

func (h *recordingHandler) Read(addr hv.GuestPhysAddr, width hv.AccessWidth) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reads = append(h.reads, addr)
	return 0x5a, nil
}

func (h *recordingHandler) Write(addr hv.GuestPhysAddr, width hv.AccessWidth, value uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writes = append(h.writes, struct {
		addr  hv.GuestPhysAddr
		width hv.AccessWidth
		value uint64
	}{addr, width, value})
	return nil
}

func TestMMIODispatch(t *testing.T) {
	as := newTestSpace(t)

	handler := &recordingHandler{}
	region, err := as.AddEmulatedMMIO("chardev", 0x1000_0000, 0x1000, handler)
	if err != nil {
		t.Fatalf("AddEmulatedMMIO: %v", err)
	}
	if region.Addr != 0x1000_0000 || region.Size != 0x1000 || len(region.Bytes) != 0x1000 {
		t.Fatalf("MMIORegion = %+v, want 0x1000 bytes at GPA(0x10000000)", region)
	}

	if err := as.HandleMMIOWrite(0x1000_0000, hv.Byte, 0x41); err != nil {
		t.Fatalf("HandleMMIOWrite: %v", err)
	}
	if len(handler.writes) != 1 {
		t.Fatalf("device saw %d writes, want exactly 1", len(handler.writes))
	}
	w := handler.writes[0]
	if w.addr != 0x1000_0000 || w.width != hv.Byte || w.value != 0x41 {
		t.Errorf("write = %+v, want byte 0x41 at GPA(0x10000000)", w)
	}

	value, err := as.HandleMMIORead(0x1000_0004, hv.Dword)
	if err != nil {
		t.Fatalf("HandleMMIORead: %v", err)
	}
	if value != 0x5a {
		t.Errorf("read = 0x%x, want 0x5a", value)
	}
}

func TestMMIOBoundaryAndMisses(t *testing.T) {
	as := newTestSpace(t)
	if _, err := as.AddEmulatedMMIO("chardev", 0x1000_0000, 0x1000, &recordingHandler{}); err != nil {
		t.Fatalf("AddEmulatedMMIO: %v", err)
	}

	// An access straddling the region end is rejected.
	if _, err := as.HandleMMIORead(0x1000_0ffd, hv.Dword); err == nil {
		t.Error("read crossing the region boundary succeeded")
	}

	if _, err := as.HandleMMIORead(0x2000_0000, hv.Byte); !errors.Is(err, hv.ErrNoDevice) {
		t.Errorf("read of unclaimed address = %v, want ErrNoDevice", err)
	}
}

func TestSysRegAndPortDispatch(t *testing.T) {
	as := newTestSpace(t)

	sysreg := &recordingHandler{}
	if err := as.AddSysRegDevice(0xc663, sysreg); err != nil {
		t.Fatalf("AddSysRegDevice: %v", err)
	}
	if _, err := as.HandleSysRegRead(0xc663); err != nil {
		t.Fatalf("HandleSysRegRead: %v", err)
	}
	if err := as.HandleSysRegWrite(0xc663, 7); err != nil {
		t.Fatalf("HandleSysRegWrite: %v", err)
	}
	if _, err := as.HandleSysRegRead(0xdead); !errors.Is(err, hv.ErrNoDevice) {
		t.Errorf("unknown sysreg = %v, want ErrNoDevice", err)
	}

	port := &recordingHandler{}
	if err := as.AddPortDevice(0x3f8, 8, port); err != nil {
		t.Fatalf("AddPortDevice: %v", err)
	}
	if err := as.HandlePioWrite(0x3f8, hv.Byte, 'A'); err != nil {
		t.Fatalf("HandlePioWrite: %v", err)
	}
	if _, err := as.HandlePioRead(0x80, hv.Byte); !errors.Is(err, hv.ErrNoDevice) {
		t.Errorf("unclaimed port = %v, want ErrNoDevice", err)
	}
}

// Page-table mappings and non-lazy regions stay in bijection after finalize.
func TestFinalizeBijection(t *testing.T) {
	as := newTestSpace(t)

	addRAM(t, as, testRAMBase, 0x4000)
	if err := as.AddPassthrough(0x4000_0000, 0x2000); err != nil {
		t.Fatalf("AddPassthrough: %v", err)
	}
	if _, err := as.AddEmulatedMMIO("dev", 0x1000_0000, 0x1000, &recordingHandler{}); err != nil {
		t.Fatalf("AddEmulatedMMIO: %v", err)
	}
	if err := as.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	// RAM translates to its backing.
	hpa, flags, ok := as.TranslateAddr(testRAMBase.Add(0x1230))
	if !ok {
		t.Fatal("ram gpa not mapped after finalize")
	}
	if flags&hv.MapWrite == 0 || flags&hv.MapDevice != 0 {
		t.Errorf("ram flags = %v, want writable normal memory", flags)
	}
	chunks, err := as.Translate(testRAMBase.Add(0x1230), 1)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if hv.VirtToPhys(hv.HostVirtAddr(addrOf(chunks[0]))) != hpa {
		t.Error("stage-2 mapping and region backing disagree")
	}

	// Passthrough is identity-mapped with device attributes.
	hpa, flags, ok = as.TranslateAddr(0x4000_1000)
	if !ok || hpa != 0x4000_1000 || flags&hv.MapDevice == 0 {
		t.Errorf("passthrough mapping = %v, %v, %t, want identity device mapping", hpa, flags, ok)
	}

	// Emulated regions must fault.
	if _, _, ok := as.TranslateAddr(0x1000_0000); ok {
		t.Error("emulated region is mapped; accesses would not trap")
	}
}

func TestNestedPageFaultLazyMap(t *testing.T) {
	backend := hvtest.New(1)
	as, err := New(backend, 4, 0, 1<<32)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer as.Close()

	// Uncarved passthrough: lazily mapped on fault.
	if err := as.HandleNestedPageFault(0x4000_0123, hv.MapRead); err != nil {
		t.Fatalf("HandleNestedPageFault: %v", err)
	}
	hpa, _, ok := as.TranslateAddr(0x4000_0123)
	if !ok || hpa != 0x4000_0123 {
		t.Errorf("lazy mapping = %v, %t, want identity", hpa, ok)
	}

	// Emulated regions never lazy-map.
	if _, err := as.AddEmulatedMMIO("dev", 0x1000_0000, 0x1000, &recordingHandler{}); err != nil {
		t.Fatalf("AddEmulatedMMIO: %v", err)
	}
	if err := as.HandleNestedPageFault(0x1000_0000, hv.MapWrite); err == nil {
		t.Error("fault in an emulated region was lazily mapped")
	}

	// Outside the guest range entirely.
	if err := as.HandleNestedPageFault(1<<33, hv.MapRead); err == nil {
		t.Error("fault outside the guest range was lazily mapped")
	}
}

func TestMutatorsAfterFinalize(t *testing.T) {
	as := newTestSpace(t)
	addRAM(t, as, testRAMBase, 0x1000)
	if err := as.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	mem, err := NewVmemMemory(0x9000_0000, 0x1000)
	if err != nil {
		t.Fatalf("NewVmemMemory: %v", err)
	}
	defer mem.Close()
	if err := as.AddRAM(mem); err == nil {
		t.Error("AddRAM after finalize succeeded")
	}
	if err := as.AddPassthrough(0x5000_0000, 0x1000); err == nil {
		t.Error("AddPassthrough after finalize succeeded")
	}
	if err := as.Finalize(); err == nil {
		t.Error("double finalize succeeded")
	}
}
