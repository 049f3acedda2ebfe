// Package arm64 is the AArch64 backend: EL2 virtualization capabilities over
// a register-level driver, plus the arch logic the core and drivers share
// (MPIDR packing, stage-2 depth from the PA range, ESR_EL2 syndrome
// decoding).
package arm64

import (
	"fmt"

	"github.com/perchvm/perch/internal/hv"
	"github.com/perchvm/perch/internal/hv/arch"
)

// Backend implements hv.Backend for AArch64.
type Backend struct {
	arch.Base
}

// New creates the backend over a platform (device-tree topology) and the
// register-level vCPU driver.
func New(platform hv.Platform, driver hv.VCpuDriver) *Backend {
	return &Backend{Base: arch.Base{
		Platform:  platform,
		Driver:    driver,
		MinLevels: 3,
		MaxLevels: 4,
	}}
}

// Architecture implements hv.Backend.
func (b *Backend) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureARM64
}

var _ hv.Backend = &Backend{}

// PackMPIDR builds the MPIDR affinity value for a vCPU: Aff0 carries the
// low byte, Aff1 the next, with the U bit clear (part of a cluster).
func PackMPIDR(hard hv.HostHardID) uint64 {
	aff0 := uint64(hard) & 0xff
	aff1 := (uint64(hard) >> 8) & 0xff
	aff2 := (uint64(hard) >> 16) & 0xff
	return aff0 | aff1<<8 | aff2<<16
}

// MPIDRToHard recovers the physical identity from an MPIDR affinity value.
func MPIDRToHard(mpidr uint64) hv.HostHardID {
	return hv.HostHardID(mpidr & 0x00ff_ffff)
}

// Stage2Levels returns the 4 KiB-granule stage-2 depth needed to cover the
// given intermediate physical address width.
func Stage2Levels(paBits int) int {
	if paBits <= 39 {
		return 3
	}
	return 4
}

// ESR_EL2 exception classes and data-abort ISS fields.
const (
	esrECShift = 26
	esrECMask  = 0x3f

	// ECDataAbortLowerEL is a data abort from a lower exception level, the
	// class every trapped guest MMIO access arrives with.
	ECDataAbortLowerEL = 0x24

	issISV = 1 << 24
	issSSE = 1 << 21
	issSF  = 1 << 15
	issWnR = 1 << 6

	issSASShift = 22
	issSASMask  = 0x3

	issSRTShift = 16
	issSRTMask  = 0x1f
)

// EC extracts the exception class from a syndrome value.
func EC(esr uint64) uint64 {
	return (esr >> esrECShift) & esrECMask
}

// DecodeDataAbort turns a trapped data abort into the corresponding MMIO
// exit. The fault address comes from HPFAR_EL2/FAR_EL2; data carries the
// store value for writes. Aborts without valid instruction syndrome (ISV
// clear) cannot be emulated and report an error.
func DecodeDataAbort(esr uint64, fault hv.GuestPhysAddr, data uint64) (hv.ExitReason, error) {
	if EC(esr) != ECDataAbortLowerEL {
		return nil, fmt.Errorf("arm64: esr 0x%x is not a lower-EL data abort", esr)
	}
	if esr&issISV == 0 {
		return nil, fmt.Errorf("arm64: data abort at %v without instruction syndrome", fault)
	}

	var width hv.AccessWidth
	switch (esr >> issSASShift) & issSASMask {
	case 0:
		width = hv.Byte
	case 1:
		width = hv.Word
	case 2:
		width = hv.Dword
	default:
		width = hv.Qword
	}

	reg := int((esr >> issSRTShift) & issSRTMask)

	if esr&issWnR != 0 {
		return hv.ExitMmioWrite{Addr: fault, Width: width, Data: data}, nil
	}
	return hv.ExitMmioRead{
		Addr:   fault,
		Width:  width,
		Reg:    reg,
		Signed: esr&issSSE != 0,
	}, nil
}

// PSCI function identifiers the dispatcher-relevant exits originate from.
const (
	PsciCpuOn     = 0xc400_0003
	PsciCpuOff    = 0x8400_0002
	PsciSystemOff = 0x8400_0008
)

// DecodePSCI maps a trapped PSCI call onto an exit reason, or reports that
// the call is not one the core routes.
func DecodePSCI(fn uint64, args [6]uint64) (hv.ExitReason, bool) {
	switch fn {
	case PsciCpuOn:
		return hv.ExitCpuUp{
			Target: MPIDRToHard(args[0]),
			Entry:  hv.GuestPhysAddr(args[1]),
			Arg:    args[2],
		}, true
	case PsciCpuOff:
		return hv.ExitCpuDown{}, true
	case PsciSystemOff:
		return hv.ExitSystemDown{}, true
	default:
		return nil, false
	}
}
