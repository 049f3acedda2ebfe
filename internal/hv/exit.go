package hv

import "fmt"

// ExitReason is the sole interface between a register-level vCPU and the
// dispatcher. Every variant the dispatcher understands is enumerated here;
// anything else is a fatal run error.
type ExitReason interface {
	isExitReason()
}

// ExitMmioRead is a trapped read from an emulated MMIO address. The result
// is written back into guest register Reg, sign-extended when Signed is set.
type ExitMmioRead struct {
	Addr   GuestPhysAddr
	Width  AccessWidth
	Reg    int
	Signed bool
}

// ExitMmioWrite is a trapped write to an emulated MMIO address.
type ExitMmioWrite struct {
	Addr  GuestPhysAddr
	Width AccessWidth
	Data  uint64
}

// ExitSysRegRead is a trapped system-register read, keyed by the encoded
// system-register address.
type ExitSysRegRead struct {
	Addr uint64
	Reg  int
}

// ExitSysRegWrite is a trapped system-register write.
type ExitSysRegWrite struct {
	Addr  uint64
	Value uint64
}

// ExitIoRead is a trapped x86 port-IO read.
type ExitIoRead struct {
	Port  uint16
	Width AccessWidth
	Reg   int
}

// ExitIoWrite is a trapped x86 port-IO write.
type ExitIoWrite struct {
	Port  uint16
	Width AccessWidth
	Data  uint64
}

// ExitHypercall is a guest-initiated hypervisor call.
type ExitHypercall struct {
	Nr   uint64
	Args [6]uint64
}

// ExitExternalInterrupt is a physical interrupt that arrived while the guest
// was running.
type ExitExternalInterrupt struct {
	Vector uint64
}

// ExitCpuUp is the guest's SMP bring-up request (PSCI CPU_ON / SBI HSM start
// / SIPI): start the vCPU whose guest identity is Target at Entry with Arg in
// the boot-argument register.
type ExitCpuUp struct {
	Target HostHardID
	Entry  GuestPhysAddr
	Arg    uint64
}

// ExitCpuDown is a voluntary halt of the issuing vCPU.
type ExitCpuDown struct {
	State uint64
}

// ExitSystemDown is a guest-initiated whole-machine shutdown.
type ExitSystemDown struct{}

// ExitNothing means the exit was fully handled inside the backend; re-enter.
type ExitNothing struct{}

// ExitHalt means the vCPU idled with no wake-up source; leave the loop.
type ExitHalt struct{}

// ExitNestedPageFault is a stage-2 translation fault.
type ExitNestedPageFault struct {
	Addr  GuestPhysAddr
	Flags MappingFlags
}

func (ExitMmioRead) isExitReason()          {}
func (ExitMmioWrite) isExitReason()         {}
func (ExitSysRegRead) isExitReason()        {}
func (ExitSysRegWrite) isExitReason()       {}
func (ExitIoRead) isExitReason()            {}
func (ExitIoWrite) isExitReason()           {}
func (ExitHypercall) isExitReason()         {}
func (ExitExternalInterrupt) isExitReason() {}
func (ExitCpuUp) isExitReason()             {}
func (ExitCpuDown) isExitReason()           {}
func (ExitSystemDown) isExitReason()        {}
func (ExitNothing) isExitReason()           {}
func (ExitHalt) isExitReason()              {}
func (ExitNestedPageFault) isExitReason()   {}

func (e ExitMmioRead) String() string {
	return fmt.Sprintf("MmioRead{%v, %v, reg=%d}", e.Addr, e.Width, e.Reg)
}

func (e ExitMmioWrite) String() string {
	return fmt.Sprintf("MmioWrite{%v, %v, data=0x%x}", e.Addr, e.Width, e.Data)
}

func (e ExitCpuUp) String() string {
	return fmt.Sprintf("CpuUp{target=%v, entry=%v, arg=0x%x}", e.Target, e.Entry, e.Arg)
}

func (e ExitNestedPageFault) String() string {
	return fmt.Sprintf("NestedPageFault{%v, %v}", e.Addr, e.Flags)
}
