package machine

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/perchvm/perch/internal/config"
	"github.com/perchvm/perch/internal/fdt"
	"github.com/perchvm/perch/internal/hv"
	"github.com/perchvm/perch/internal/hv/aspace"
)

// Default guest-physical window, clipped to the stage-2 table reach.
const (
	vmAspaceBase hv.GuestPhysAddr = 0
	vmAspaceSize uint64           = 0x7fff_ffff_f000
)

// defaultPtLevels is the preferred table depth before host capabilities and
// the configured layout adjust it.
const defaultPtLevels = 4

// machineState is the tagged union behind the VM lifecycle. Each variant
// carries exactly the data valid in that state; transitions consume the old
// variant and produce the new one. stateSwitch is the in-flight placeholder
// covering the window when the old data has been taken but the new state is
// not yet constructed.
type machineState interface {
	isMachineState()
}

type stateUninit struct {
	cfg *config.VM
}

type stateInited struct {
	vcpus  []*VCpu
	aspace *aspace.AddressSpace
	entry  hv.GuestPhysAddr
	dtb    hv.GuestPhysAddr
}

type stateRunning struct {
	run *runSet
}

type stateSwitch struct{}

type stateStopped struct{}

func (stateUninit) isMachineState()  {}
func (stateInited) isMachineState()  {}
func (stateRunning) isMachineState() {}
func (stateSwitch) isMachineState()  {}
func (stateStopped) isMachineState() {}

// runSet is the mutable heart of the Running state. It is shared between the
// management thread (spawn/drain) and vCPU threads (cpu-up requests), so its
// own mutex guards the pending pool and thread list.
type runSet struct {
	backend hv.Backend
	aspace  *aspace.AddressSpace

	running atomic.Int32

	mu       sync.Mutex
	pending  map[hv.HostHardID]*VCpu
	threads  []*vcpuThread
	draining bool
}

// spawn moves a vCPU onto its own pinned thread. It reports false once the
// run set is draining; the caller keeps ownership of the vCPU then.
func (rs *runSet) spawn(vcpu *VCpu) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.draining {
		return false
	}
	rs.running.Add(1)
	rs.threads = append(rs.threads, vcpu.runInThread(rs.backend, rs))
	return true
}

// takePending removes the not-yet-started vCPU with the given guest identity.
func (rs *runSet) takePending(target hv.HostHardID) (*VCpu, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.draining {
		return nil, false
	}
	vcpu, ok := rs.pending[target]
	if ok {
		delete(rs.pending, target)
	}
	return vcpu, ok
}

// drain joins every spawned thread and collects all vCPUs back, including
// the never-started pending ones.
func (rs *runSet) drain() ([]*VCpu, error) {
	rs.mu.Lock()
	rs.draining = true
	threads := rs.threads
	rs.threads = nil
	pending := rs.pending
	rs.pending = nil
	rs.mu.Unlock()

	var (
		vcpuMu sync.Mutex
		vcpus  []*VCpu
	)
	g := new(errgroup.Group)
	for _, t := range threads {
		g.Go(func() error {
			vcpu, err := t.join()
			vcpuMu.Lock()
			vcpus = append(vcpus, vcpu)
			vcpuMu.Unlock()
			return err
		})
	}
	err := g.Wait()

	for _, vcpu := range pending {
		vcpus = append(vcpus, vcpu)
	}
	return vcpus, err
}

// doInit runs the Uninit → Initialized transition:
//
//  1. reserve host cores and create the vCPUs,
//  2. pick the stage-2 depth from per-core maxima and the configured layout,
//  3. construct the address space,
//  4. install the configured memory regions,
//  5. load the kernel and load or generate the device tree,
//  6. install passthrough and emulated device regions,
//  7. finalize the address space,
//  8. program each vCPU's entry, boot arguments, and stage-2 root.
//
// Any failure rolls the machine back to Uninit, releasing everything built
// so far.
func (vm *VM) doInit(st stateUninit) (machineState, error) {
	cfg := st.cfg
	backend := vm.registry.Backend()

	vcpus, err := vm.newVCpus(cfg)
	if err != nil {
		return st, err
	}
	fail := func(as *aspace.AddressSpace, err error) (machineState, error) {
		if as != nil {
			as.Close()
		}
		for _, vcpu := range vcpus {
			vcpu.close()
		}
		return st, err
	}

	// Stage-2 depth: the minimum the reserved cores support, raised when
	// the configured layout needs more reach.
	maxLevels := 5
	for _, vcpu := range vcpus {
		if l := vcpu.bind.Cpu().MaxGuestPageTableLevels(); l < maxLevels {
			maxLevels = l
		}
	}
	levels := min(defaultPtLevels, maxLevels)

	mems := make([]*aspace.GuestMemory, 0, len(cfg.MemoryRegions))
	closeMems := func() {
		for _, m := range mems {
			m.Close()
		}
	}
	var layoutEnd hv.GuestPhysAddr
	for _, region := range cfg.MemoryRegions {
		var (
			mem    *aspace.GuestMemory
			memErr error
		)
		switch region.Kind {
		case config.MemoryIdentical:
			mem, memErr = aspace.NewIdenticalMemory(region.Size)
		case config.MemoryReserved:
			mem, memErr = aspace.NewReservedMemory(hv.HostPhysAddr(region.HPA), region.Size)
		case config.MemoryVmem:
			mem, memErr = aspace.NewVmemMemory(hv.GuestPhysAddr(region.GPA), region.Size)
		default:
			memErr = fmt.Errorf("machine: unknown memory kind %q", region.Kind)
		}
		if memErr != nil {
			closeMems()
			return fail(nil, memErr)
		}
		mems = append(mems, mem)
		layoutEnd = max(layoutEnd, mem.GPA().Add(mem.Size()))
	}
	for _, p := range cfg.Passthrough {
		layoutEnd = max(layoutEnd, hv.GuestPhysAddr(p.BaseGPA+p.Length))
	}
	for _, d := range cfg.EmuDevices {
		layoutEnd = max(layoutEnd, hv.GuestPhysAddr(d.BaseGPA+d.Length))
	}
	if required := aspace.RequiredLevels(layoutEnd); required > levels {
		if required > maxLevels {
			closeMems()
			return fail(nil, fmt.Errorf("machine: layout end %v needs %d-level stage-2, host supports %d",
				layoutEnd, required, maxLevels))
		}
		levels = required
	}

	size := min(vmAspaceSize, uint64(aspace.Reach(levels)-vmAspaceBase))
	as, err := aspace.New(backend, levels, vmAspaceBase, size)
	if err != nil {
		closeMems()
		return fail(nil, err)
	}

	for i, mem := range mems {
		if err := as.AddRAM(mem); err != nil {
			// Backings up to i are owned by the address space already.
			for _, m := range mems[i:] {
				m.Close()
			}
			return fail(as, err)
		}
	}

	var preferred *hv.GuestPhysAddr
	if cfg.Image.Kernel.GPA != nil {
		gpa := hv.GuestPhysAddr(*cfg.Image.Kernel.GPA)
		preferred = &gpa
	}
	entry, err := as.LoadKernel(cfg.Image.Kernel.Data, preferred)
	if err != nil {
		return fail(as, err)
	}

	var dtbAddr hv.GuestPhysAddr
	if hv.BootsFromDeviceTree(backend.Architecture()) {
		dtb, err := vm.guestDTB(cfg, as, vcpus)
		if err != nil {
			return fail(as, err)
		}
		dtbAddr, err = as.LoadDTB(dtb)
		if err != nil {
			return fail(as, err)
		}
	}

	for _, p := range cfg.Passthrough {
		if err := as.AddPassthrough(hv.GuestPhysAddr(p.BaseGPA), p.Length); err != nil {
			return fail(as, err)
		}
	}
	for _, dev := range cfg.EmuDevices {
		factory, ok := vm.deviceFactory(dev.Kind)
		if !ok {
			return fail(as, fmt.Errorf("machine: no device factory for kind %q", dev.Kind))
		}
		handler, err := factory(dev)
		if err != nil {
			return fail(as, fmt.Errorf("machine: create device %q: %w", dev.Name, err))
		}
		if _, err := as.AddEmulatedMMIO(dev.Name, hv.GuestPhysAddr(dev.BaseGPA), dev.Length, handler); err != nil {
			return fail(as, err)
		}
	}

	if err := as.Finalize(); err != nil {
		return fail(as, err)
	}

	setup := hv.VCpuSetupConfig{
		PassthroughInterrupt: cfg.InterruptMode != config.InterruptEmulated,
		PassthroughTimer:     cfg.InterruptMode != config.InterruptEmulated,
	}
	for i, vcpu := range vcpus {
		if err := vcpu.arch.SetEntry(entry); err != nil {
			return fail(as, fmt.Errorf("machine: set entry for %v: %w", vcpu.BindID(), err))
		}
		for _, arg := range hv.BootArgs(backend.Architecture(), i, dtbAddr) {
			if err := vcpu.arch.SetBootArg(arg.Reg, arg.Value); err != nil {
				return fail(as, fmt.Errorf("machine: set boot arg for %v: %w", vcpu.BindID(), err))
			}
		}
		if err := vcpu.arch.SetStage2Root(as.Root()); err != nil {
			return fail(as, fmt.Errorf("machine: set stage-2 root for %v: %w", vcpu.BindID(), err))
		}
		if err := vcpu.arch.Setup(setup); err != nil {
			return fail(as, fmt.Errorf("machine: setup vcpu %v: %w", vcpu.BindID(), err))
		}
	}

	slog.Info("machine: vm initialized",
		"vm", vm.info.Name, "vcpus", len(vcpus), "pt_levels", levels, "entry", entry)

	return stateInited{vcpus: vcpus, aspace: as, entry: entry, dtb: dtbAddr}, nil
}

// newVCpus reserves cores per the CPU spec: Fixed reserves exactly the named
// physical cores in order, otherwise any free cores are taken. Partial
// reservations are released on failure.
func (vm *VM) newVCpus(cfg *config.VM) ([]*VCpu, error) {
	var vcpus []*VCpu
	fail := func(err error) ([]*VCpu, error) {
		for _, vcpu := range vcpus {
			vcpu.close()
		}
		return nil, err
	}

	if fixed := cfg.FixedHardIDs(); len(fixed) > 0 {
		for _, hard := range fixed {
			id, ok := vm.registry.ByHardID(hard)
			if !ok {
				return fail(fmt.Errorf("machine: no host core with %v", hard))
			}
			vcpu, err := newVCpu(vm.registry, &id, vm)
			if err != nil {
				return fail(err)
			}
			slog.Debug("machine: created vcpu", "vm", vm.info.Name, "cpu", vcpu.BindID())
			vcpus = append(vcpus, vcpu)
		}
		return vcpus, nil
	}

	for range cfg.CPU.Num() {
		vcpu, err := newVCpu(vm.registry, nil, vm)
		if err != nil {
			return fail(err)
		}
		slog.Debug("machine: created vcpu", "vm", vm.info.Name, "cpu", vcpu.BindID())
		vcpus = append(vcpus, vcpu)
	}
	return vcpus, nil
}

// guestDTB returns the configured device tree or generates a minimal one
// from the memory layout and vCPU identities.
func (vm *VM) guestDTB(cfg *config.VM, as *aspace.AddressSpace, vcpus []*VCpu) ([]byte, error) {
	if cfg.Image.DTB != nil && len(cfg.Image.DTB.Data) > 0 {
		return cfg.Image.DTB.Data, nil
	}

	info := fdt.GuestInfo{Model: cfg.Name}
	for _, m := range as.Memories() {
		info.Memory = append(info.Memory, fdt.GuestMemory{Base: uint64(m.GPA), Size: m.Size})
	}
	for _, vcpu := range vcpus {
		info.CPUs = append(info.CPUs, fdt.GuestCPU{HardID: uint64(vcpu.HardID())})
	}
	if vm.registry.Backend().Architecture() == hv.ArchitectureRISCV64 {
		info.TimebaseFrequency = 10_000_000
	}
	return fdt.GuestTree(info)
}

// doStart runs the Initialized → Running transition: only the BSP thread is
// spawned; the remaining vCPUs wait in the pending pool for the guest's
// CpuUp bring-up requests.
func (vm *VM) doStart(st stateInited) (machineState, error) {
	rs := &runSet{
		backend: vm.registry.Backend(),
		aspace:  st.aspace,
		pending: make(map[hv.HostHardID]*VCpu, len(st.vcpus)-1),
	}
	for _, vcpu := range st.vcpus[1:] {
		rs.pending[vcpu.HardID()] = vcpu
	}

	vm.setRunSet(rs)
	rs.spawn(st.vcpus[0])

	slog.Info("machine: vm started", "vm", vm.info.Name, "bsp", st.vcpus[0].BindID())
	return stateRunning{run: rs}, nil
}

// doStop tears the current state down to Stopped, joining vCPU threads and
// releasing the address space and core reservations.
func (vm *VM) doStop(st machineState) (machineState, error) {
	switch s := st.(type) {
	case stateUninit:
		return stateStopped{}, nil

	case stateInited:
		for _, vcpu := range s.vcpus {
			vcpu.close()
		}
		err := s.aspace.Close()
		return stateStopped{}, err

	case stateRunning:
		vm.stopRequested.Store(true)
		vm.advance(StatusStopping)

		vcpus, err := s.run.drain()
		vm.setRunSet(nil)
		for _, vcpu := range vcpus {
			vcpu.close()
		}
		if closeErr := s.run.aspace.Close(); err == nil {
			err = closeErr
		}
		return stateStopped{}, err

	case stateStopped:
		return s, nil

	default:
		return st, fmt.Errorf("machine: cannot stop from %T", st)
	}
}
