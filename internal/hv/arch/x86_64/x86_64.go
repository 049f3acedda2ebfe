// Package x86_64 is the VT-x backend: VMX capabilities over a register-level
// driver, plus EPT pointer construction and SIPI bring-up helpers.
package x86_64

import (
	"fmt"

	"github.com/perchvm/perch/internal/hv"
	"github.com/perchvm/perch/internal/hv/arch"
)

// eptLevels is fixed: EPT walks four levels.
const eptLevels = 4

// Backend implements hv.Backend for x86_64.
type Backend struct {
	arch.Base
}

// New creates the backend over a platform (ACPI/MP topology) and the
// register-level vCPU driver.
func New(platform hv.Platform, driver hv.VCpuDriver) *Backend {
	return &Backend{Base: arch.Base{
		Platform:  platform,
		Driver:    driver,
		MinLevels: eptLevels,
		MaxLevels: eptLevels,
	}}
}

// Architecture implements hv.Backend.
func (b *Backend) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureX86_64
}

var _ hv.Backend = &Backend{}

// EPTP memory type and structure bits.
const (
	eptpMemTypeWB   = 6
	eptpWalkShift   = 3
	eptpAccessDirty = 1 << 6
)

// EPTP builds the EPT pointer programmed into the VMCS for the given root.
func EPTP(root hv.HostPhysAddr) (uint64, error) {
	if uint64(root)%0x1000 != 0 {
		return 0, fmt.Errorf("x86_64: ept root %v not page aligned", root)
	}
	walkLen := uint64(eptLevels - 1)
	return uint64(root) | eptpMemTypeWB | walkLen<<eptpWalkShift | eptpAccessDirty, nil
}

// SIPIEntry converts a startup-IPI vector into the AP entry address.
func SIPIEntry(vector uint8) hv.GuestPhysAddr {
	return hv.GuestPhysAddr(vector) << 12
}

// DecodeSIPI maps a startup IPI onto the CpuUp exit the core dispatches: the
// target APIC id and the vector-derived entry. x86 carries no boot argument.
func DecodeSIPI(apicID uint32, vector uint8) hv.ExitReason {
	return hv.ExitCpuUp{
		Target: hv.HostHardID(apicID),
		Entry:  SIPIEntry(vector),
	}
}
