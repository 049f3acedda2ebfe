// Package riscv64 is the RISC-V H-extension backend: HS-mode capabilities
// over a register-level driver, plus hgatp mode selection and guest-fault
// scause decoding.
package riscv64

import (
	"fmt"

	"github.com/perchvm/perch/internal/hv"
	"github.com/perchvm/perch/internal/hv/arch"
)

// Backend implements hv.Backend for RISC-V.
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
		MaxLevels: 5,
	}}
}

// Architecture implements hv.Backend.
func (b *Backend) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureRISCV64
}

var _ hv.Backend = &Backend{}

// hgatp MODE values for the guest-stage translation.
const (
	HgatpSv39x4 = 8
	HgatpSv48x4 = 9
	HgatpSv57x4 = 10

	hgatpModeShift = 60
)

// Stage2Mode names the G-stage mode for a table depth.
func Stage2Mode(levels int) (string, error) {
	switch levels {
	case 3:
		return "Sv39x4", nil
	case 4:
		return "Sv48x4", nil
	case 5:
		return "Sv57x4", nil
	default:
		return "", fmt.Errorf("riscv64: no g-stage mode for %d levels", levels)
	}
}

// Hgatp builds the hgatp value programming the G-stage root for the given
// table depth.
func Hgatp(root hv.HostPhysAddr, levels int) (uint64, error) {
	var mode uint64
	switch levels {
	case 3:
		mode = HgatpSv39x4
	case 4:
		mode = HgatpSv48x4
	case 5:
		mode = HgatpSv57x4
	default:
		return 0, fmt.Errorf("riscv64: no g-stage mode for %d levels", levels)
	}
	if uint64(root)%0x4000 != 0 {
		return 0, fmt.Errorf("riscv64: g-stage root %v not 16 KiB aligned", root)
	}
	return mode<<hgatpModeShift | uint64(root)>>12, nil
}

// Guest-page-fault scause values.
const (
	CauseInstGuestPageFault  = 20
	CauseLoadGuestPageFault  = 21
	CauseStoreGuestPageFault = 23
)

// DecodeGuestPageFault maps a guest-page-fault trap onto a nested-page-fault
// exit. The faulting guest-physical address is htval shifted per the
// privileged spec (htval holds bits 2+).
func DecodeGuestPageFault(scause, htval uint64) (hv.ExitReason, error) {
	addr := hv.GuestPhysAddr(htval << 2)
	switch scause {
	case CauseInstGuestPageFault:
		return hv.ExitNestedPageFault{Addr: addr, Flags: hv.MapExecute}, nil
	case CauseLoadGuestPageFault:
		return hv.ExitNestedPageFault{Addr: addr, Flags: hv.MapRead}, nil
	case CauseStoreGuestPageFault:
		return hv.ExitNestedPageFault{Addr: addr, Flags: hv.MapWrite}, nil
	default:
		return nil, fmt.Errorf("riscv64: scause %d is not a guest page fault", scause)
	}
}

// SBI extension ids the dispatcher-relevant exits originate from.
const (
	SbiExtHSM   = 0x48534d
	SbiExtReset = 0x53525354

	SbiHsmHartStart = 0
	SbiHsmHartStop  = 1
)

// DecodeSBI maps a trapped SBI call onto an exit reason, or reports that the
// call is not one the core routes.
func DecodeSBI(ext, fn uint64, args [6]uint64) (hv.ExitReason, bool) {
	switch {
	case ext == SbiExtHSM && fn == SbiHsmHartStart:
		return hv.ExitCpuUp{
			Target: hv.HostHardID(args[0]),
			Entry:  hv.GuestPhysAddr(args[1]),
			Arg:    args[2],
		}, true
	case ext == SbiExtHSM && fn == SbiHsmHartStop:
		return hv.ExitCpuDown{}, true
	case ext == SbiExtReset:
		return hv.ExitSystemDown{}, true
	default:
		return nil, false
	}
}
