// Package config describes a guest virtual machine: identity, CPU placement,
// memory layout, boot images, and device assignments. Configurations load
// from TOML or YAML files or are built programmatically.
package config

import (
	"fmt"

	"github.com/perchvm/perch/internal/hv"
)

// MemoryKindName selects how a RAM region is backed.
type MemoryKindName string

const (
	// MemoryIdentical allocates host pages; the guest sees the host-physical
	// address as its guest-physical address.
	MemoryIdentical MemoryKindName = "identical"

	// MemoryReserved identity-maps an existing host-physical range.
	MemoryReserved MemoryKindName = "reserved"

	// MemoryVmem allocates host pages placed at an arbitrary guest-physical
	// address.
	MemoryVmem MemoryKindName = "vmem"
)

// MemoryRegion configures one guest RAM region.
type MemoryRegion struct {
	Kind MemoryKindName `toml:"kind" yaml:"kind"`
	GPA  uint64         `toml:"gpa,omitempty" yaml:"gpa,omitempty"`
	HPA  uint64         `toml:"hpa,omitempty" yaml:"hpa,omitempty"`
	Size uint64         `toml:"size" yaml:"size"`
}

// CPUSpec selects host cores for the guest's vCPUs. With Fixed set, exactly
// those physical cores are reserved in order; otherwise Count free cores are
// taken from the pool.
type CPUSpec struct {
	Count int      `toml:"count,omitempty" yaml:"count,omitempty"`
	Fixed []uint64 `toml:"fixed,omitempty" yaml:"fixed,omitempty"`
}

// Num returns the number of vCPUs the spec produces.
func (c CPUSpec) Num() int {
	if len(c.Fixed) > 0 {
		return len(c.Fixed)
	}
	return c.Count
}

// ImageFile is a boot image plus an optional fixed load address.
type ImageFile struct {
	Path string  `toml:"path,omitempty" yaml:"path,omitempty"`
	Data []byte  `toml:"-" yaml:"-"`
	GPA  *uint64 `toml:"gpa,omitempty" yaml:"gpa,omitempty"`
}

// ImageConfig carries the guest boot images. The kernel is mandatory; with
// no DTB configured one is generated for architectures that boot from a
// device tree.
type ImageConfig struct {
	Kernel ImageFile  `toml:"kernel" yaml:"kernel"`
	DTB    *ImageFile `toml:"dtb,omitempty" yaml:"dtb,omitempty"`
}

// PassthroughRegion identity-maps a guest-physical range to real hardware.
type PassthroughRegion struct {
	BaseGPA uint64 `toml:"base_gpa" yaml:"base_gpa"`
	Length  uint64 `toml:"length" yaml:"length"`
}

// EmuDevice configures one emulated MMIO device.
type EmuDevice struct {
	Name    string `toml:"name" yaml:"name"`
	Kind    string `toml:"kind" yaml:"kind"`
	BaseGPA uint64 `toml:"base_gpa" yaml:"base_gpa"`
	Length  uint64 `toml:"length" yaml:"length"`
	IRQ     uint32 `toml:"irq,omitempty" yaml:"irq,omitempty"`
}

// InterruptMode selects how interrupts reach the guest.
type InterruptMode string

const (
	InterruptPassthrough InterruptMode = "passthrough"
	InterruptEmulated    InterruptMode = "emulated"
)

// VM is a complete guest configuration.
type VM struct {
	ID   uint32 `toml:"id" yaml:"id"`
	Name string `toml:"name" yaml:"name"`

	CPU           CPUSpec             `toml:"cpu" yaml:"cpu"`
	MemoryRegions []MemoryRegion      `toml:"memory" yaml:"memory"`
	Image         ImageConfig         `toml:"image" yaml:"image"`
	Passthrough   []PassthroughRegion `toml:"passthrough,omitempty" yaml:"passthrough,omitempty"`
	EmuDevices    []EmuDevice         `toml:"emu_devices,omitempty" yaml:"emu_devices,omitempty"`
	InterruptMode InterruptMode       `toml:"interrupt_mode,omitempty" yaml:"interrupt_mode,omitempty"`
}

// FixedHardIDs returns the Fixed list as typed hard ids.
func (c *VM) FixedHardIDs() []hv.HostHardID {
	out := make([]hv.HostHardID, 0, len(c.CPU.Fixed))
	for _, id := range c.CPU.Fixed {
		out = append(out, hv.HostHardID(id))
	}
	return out
}

// Validate checks the configuration for errors a VM init would only discover
// halfway through.
func (c *VM) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("config: vm %d has no name", c.ID)
	}
	if c.CPU.Num() <= 0 {
		return fmt.Errorf("config: vm %q requests no cpus", c.Name)
	}
	if c.CPU.Count > 0 && len(c.CPU.Fixed) > 0 {
		return fmt.Errorf("config: vm %q sets both cpu.count and cpu.fixed", c.Name)
	}
	if len(c.MemoryRegions) == 0 {
		return fmt.Errorf("config: vm %q has no memory regions", c.Name)
	}
	for i, m := range c.MemoryRegions {
		if m.Size == 0 {
			return fmt.Errorf("config: vm %q memory region %d has zero size", c.Name, i)
		}
		switch m.Kind {
		case MemoryIdentical:
			if m.GPA != 0 {
				return fmt.Errorf("config: vm %q identical region %d cannot fix a gpa", c.Name, i)
			}
		case MemoryReserved:
			if m.HPA == 0 {
				return fmt.Errorf("config: vm %q reserved region %d needs an hpa", c.Name, i)
			}
		case MemoryVmem:
			if m.GPA%0x1000 != 0 {
				return fmt.Errorf("config: vm %q vmem region %d gpa not page aligned", c.Name, i)
			}
		default:
			return fmt.Errorf("config: vm %q memory region %d has unknown kind %q", c.Name, i, m.Kind)
		}
	}
	if len(c.Image.Kernel.Data) == 0 && c.Image.Kernel.Path == "" {
		return fmt.Errorf("config: vm %q has no kernel image", c.Name)
	}
	switch c.InterruptMode {
	case "", InterruptPassthrough, InterruptEmulated:
	default:
		return fmt.Errorf("config: vm %q has unknown interrupt mode %q", c.Name, c.InterruptMode)
	}
	return nil
}
