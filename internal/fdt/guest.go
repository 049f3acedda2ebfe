package fdt

import (
	"fmt"
)

// GuestCPU describes one vCPU for the generated tree.
type GuestCPU struct {
	HardID uint64
}

// GuestMemory describes one RAM region for the generated tree.
type GuestMemory struct {
	Base uint64
	Size uint64
}

// GuestInfo carries everything the generated guest tree needs.
type GuestInfo struct {
	Model    string
	Bootargs string
	CPUs     []GuestCPU
	Memory   []GuestMemory

	// TimebaseFrequency is emitted under /cpus on riscv64 guests.
	TimebaseFrequency uint32
}

// GuestTree builds a minimal device tree for a guest with no configured DTB:
// a memory node per RAM region, a cpu node per vCPU keyed by its physical
// identity, and a chosen node with the boot arguments.
func GuestTree(info GuestInfo) ([]byte, error) {
	if len(info.Memory) == 0 {
		return nil, fmt.Errorf("fdt: guest tree needs at least one memory region")
	}
	if len(info.CPUs) == 0 {
		return nil, fmt.Errorf("fdt: guest tree needs at least one cpu")
	}

	b := NewBuilder()
	b.SetBootCPU(uint32(info.CPUs[0].HardID))

	b.Begin("")
	b.PropU32("#address-cells", 2)
	b.PropU32("#size-cells", 2)
	if info.Model != "" {
		b.PropString("model", info.Model)
		b.PropString("compatible", info.Model)
	}

	if info.Bootargs != "" {
		b.Begin("chosen")
		b.PropString("bootargs", info.Bootargs)
		b.End()
	}

	for _, m := range info.Memory {
		b.Begin(fmt.Sprintf("memory@%x", m.Base))
		b.PropString("device_type", "memory")
		b.PropReg("reg", m.Base, m.Size)
		b.End()
	}

	b.Begin("cpus")
	b.PropU32("#address-cells", 1)
	b.PropU32("#size-cells", 0)
	if info.TimebaseFrequency != 0 {
		b.PropU32("timebase-frequency", info.TimebaseFrequency)
	}
	for _, cpu := range info.CPUs {
		b.Begin(fmt.Sprintf("cpu@%x", cpu.HardID))
		b.PropString("device_type", "cpu")
		b.PropU32("reg", uint32(cpu.HardID))
		b.PropString("status", "okay")
		b.End()
	}
	b.End()

	b.End()
	return b.Blob()
}
