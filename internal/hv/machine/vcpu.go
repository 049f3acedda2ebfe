package machine

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"weak"

	"github.com/perchvm/perch/internal/hv"
	"github.com/perchvm/perch/internal/hv/hostcpu"
)

// VCpu is a schedulable guest CPU bound to exactly one host core for its
// entire lifetime. It holds a weak reference back to its VM: the VM owns its
// vCPUs, and the back-edge is resolved at dispatch time so a dead VM simply
// terminates the loop.
type VCpu struct {
	bind *hostcpu.Exclusive
	arch hv.ArchVCpu
	vm   weak.Pointer[VM]
}

// newVCpu reserves a host core (exactly preferred when given) and creates the
// architecture vCPU configured with the core's physical identity.
func newVCpu(reg *hostcpu.Registry, preferred *hv.HostCpuID, vm *VM) (*VCpu, error) {
	bind, err := reg.Allocate(preferred)
	if err != nil {
		return nil, err
	}
	arch, err := reg.Backend().NewVCpu(hv.VCpuCreateConfig{HardID: bind.HardID()})
	if err != nil {
		bind.Close()
		return nil, fmt.Errorf("machine: create arch vcpu: %w", err)
	}
	return &VCpu{bind: bind, arch: arch, vm: weak.Make(vm)}, nil
}

// BindID returns the logical id of the owned host core.
func (c *VCpu) BindID() hv.HostCpuID {
	return c.bind.ID()
}

// HardID returns the physical identity of the owned host core, which is also
// the guest-visible identity of this vCPU.
func (c *VCpu) HardID() hv.HostHardID {
	return c.bind.HardID()
}

// Arch exposes the register-level vCPU for boot configuration.
func (c *VCpu) Arch() hv.ArchVCpu {
	return c.arch
}

func (c *VCpu) close() error {
	return c.bind.Close()
}

// vcpuThread is the handle for a spawned vCPU thread; joining yields the
// vCPU back together with its loop result.
type vcpuThread struct {
	vcpu *VCpu
	done chan error
}

func (t *vcpuThread) join() (*VCpu, error) {
	err := <-t.done
	return t.vcpu, err
}

// runInThread spawns a host thread pinned to the owned core and enters the
// dispatcher loop on it. A fatal loop error is recorded on the VM and
// requests a stop of the whole machine.
func (c *VCpu) runInThread(backend hv.Backend, rs *runSet) *vcpuThread {
	t := &vcpuThread{vcpu: c, done: make(chan error, 1)}

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer rs.running.Add(-1)

		var err error
		if bindErr := backend.BindCurrentThread(c.bind.ID()); bindErr != nil {
			err = fmt.Errorf("machine: pin vcpu thread to %v: %w", c.bind.ID(), bindErr)
		} else {
			err = c.runLoop(rs)
		}

		if err != nil {
			if vm := c.vm.Value(); vm != nil {
				vm.recordError(err)
				vm.stopRequested.Store(true)
			}
		}
		t.done <- err
	}()

	return t
}

// runLoop is the per-vCPU dispatcher. Each trip checks whether the VM is
// still active, drains pending virtual interrupts into the backend, enters
// the guest, and services the resulting exit.
func (c *VCpu) runLoop(rs *runSet) error {
	slog.Info("machine: vcpu running", "cpu", c.BindID(), "hard", c.HardID())

	for {
		vm := c.vm.Value()
		if vm == nil || !vm.isActive() {
			return nil
		}

		// A vCPU only ever executes on its bound core.
		if cur := rs.backend.CurrentHardID(); cur != c.HardID() {
			return fmt.Errorf("machine: vcpu for %v running on %v", c.HardID(), cur)
		}

		for _, vector := range vm.drainPendingIRQs(c.BindID()) {
			if err := c.arch.InjectInterrupt(vector); err != nil {
				return fmt.Errorf("machine: inject irq %d: %w", vector, err)
			}
		}

		exit, err := c.arch.Run()
		if err != nil {
			return fmt.Errorf("machine: enter guest on %v: %w", c.BindID(), err)
		}

		if err := c.dispatch(vm, rs, exit); err != nil {
			switch {
			case errors.Is(err, hv.ErrVCpuHalted):
				slog.Info("machine: vcpu halted", "cpu", c.BindID())
				return nil
			case errors.Is(err, hv.ErrVMShutdown):
				vm.requestStop()
				return nil
			default:
				return err
			}
		}
	}
}

func (c *VCpu) dispatch(vm *VM, rs *runSet, exit hv.ExitReason) error {
	switch e := exit.(type) {
	case hv.ExitMmioRead:
		value, err := rs.aspace.HandleMMIORead(e.Addr, e.Width)
		if err != nil {
			// Emulation failures recover locally: reads return zero so the
			// guest can keep running.
			slog.Warn("machine: mmio read failed", "cpu", c.BindID(), "addr", e.Addr, "error", err)
			value = 0
		}
		if e.Signed {
			value = e.Width.SignExtend(value)
		}
		c.arch.SetGPR(e.Reg, value)
		return nil

	case hv.ExitMmioWrite:
		if err := rs.aspace.HandleMMIOWrite(e.Addr, e.Width, e.Data); err != nil {
			slog.Warn("machine: mmio write dropped", "cpu", c.BindID(), "addr", e.Addr, "error", err)
		}
		return nil

	case hv.ExitSysRegRead:
		value, err := rs.aspace.HandleSysRegRead(e.Addr)
		if err != nil {
			slog.Warn("machine: sysreg read failed", "cpu", c.BindID(), "sysreg", e.Addr, "error", err)
			value = 0
		}
		c.arch.SetGPR(e.Reg, value)
		return nil

	case hv.ExitSysRegWrite:
		if err := rs.aspace.HandleSysRegWrite(e.Addr, e.Value); err != nil {
			slog.Warn("machine: sysreg write dropped", "cpu", c.BindID(), "sysreg", e.Addr, "error", err)
		}
		return nil

	case hv.ExitIoRead:
		value, err := rs.aspace.HandlePioRead(e.Port, e.Width)
		if err != nil {
			slog.Warn("machine: pio read failed", "cpu", c.BindID(), "port", e.Port, "error", err)
			value = 0
		}
		c.arch.SetGPR(e.Reg, value)
		return nil

	case hv.ExitIoWrite:
		if err := rs.aspace.HandlePioWrite(e.Port, e.Width, e.Data); err != nil {
			slog.Warn("machine: pio write dropped", "cpu", c.BindID(), "port", e.Port, "error", err)
		}
		return nil

	case hv.ExitHypercall:
		handler := vm.hypercallHandler()
		if handler == nil {
			slog.Warn("machine: unhandled hypercall", "cpu", c.BindID(), "nr", e.Nr)
			c.arch.SetGPR(0, ^uint64(0))
			return nil
		}
		ret, err := handler(c, e.Nr, e.Args)
		if err != nil {
			return fmt.Errorf("machine: hypercall 0x%x: %w", e.Nr, err)
		}
		c.arch.SetGPR(0, ret)
		return nil

	case hv.ExitExternalInterrupt:
		vm.handleExternalInterrupt(e.Vector)
		return nil

	case hv.ExitCpuUp:
		if err := vm.cpuUp(e.Target, e.Entry, e.Arg); err != nil {
			return fmt.Errorf("machine: cpu up %v: %w", e.Target, err)
		}
		c.arch.SetGPR(0, 0)
		return nil

	case hv.ExitCpuDown:
		return hv.ErrVCpuHalted

	case hv.ExitSystemDown:
		slog.Info("machine: guest requested shutdown", "cpu", c.BindID())
		return hv.ErrVMShutdown

	case hv.ExitNothing:
		return nil

	case hv.ExitHalt:
		return hv.ErrVCpuHalted

	case hv.ExitNestedPageFault:
		if err := rs.aspace.HandleNestedPageFault(e.Addr, e.Flags); err != nil {
			return fmt.Errorf("machine: nested page fault at %v: %w", e.Addr, err)
		}
		return nil

	default:
		return fmt.Errorf("machine: %w: %T", hv.ErrUnsupportedExit, exit)
	}
}
