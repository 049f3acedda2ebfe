package aspace

import (
	"fmt"

	"github.com/google/btree"

	"github.com/perchvm/perch/internal/hv"
)

// RegionKind classifies a guest-physical range.
type RegionKind int

const (
	// GuestRam is backed by host memory owned by the address space.
	GuestRam RegionKind = iota

	// PassthroughMmio is identity-mapped to real hardware with device
	// attributes. The whole guest-physical space starts as one passthrough
	// region; other kinds carve pieces out of it.
	PassthroughMmio

	// EmulatedMmio is deliberately left unmapped so accesses trap into the
	// device dispatcher.
	EmulatedMmio
)

func (k RegionKind) String() string {
	switch k {
	case GuestRam:
		return "ram"
	case PassthroughMmio:
		return "passthrough"
	case EmulatedMmio:
		return "emulated"
	default:
		return fmt.Sprintf("RegionKind(%d)", int(k))
	}
}

// overwritable reports whether later regions may overlay this kind.
func (k RegionKind) overwritable() bool {
	return k == PassthroughMmio
}

// Region is one typed guest-physical range.
type Region struct {
	GPA  hv.GuestPhysAddr
	Size uint64
	Kind RegionKind
}

// End returns the first address after the region.
func (r Region) End() hv.GuestPhysAddr {
	return r.GPA.Add(r.Size)
}

func (r Region) String() string {
	return fmt.Sprintf("[%v, %v) %v", r.GPA, r.End(), r.Kind)
}

func regionLess(a, b Region) bool {
	return a.GPA < b.GPA
}

// regionMap is the ordered set of regions, sorted by guest-physical base.
// Regions never overlap; inserting on top of an overwritable kind splits it
// around the newcomer.
type regionMap struct {
	t *btree.BTreeG[Region]
}

func newRegionMap() *regionMap {
	return &regionMap{t: btree.NewG(8, regionLess)}
}

// overlapping collects every region intersecting [gpa, gpa+size).
func (m *regionMap) overlapping(gpa hv.GuestPhysAddr, size uint64) []Region {
	end := gpa.Add(size)
	var out []Region

	// The predecessor may straddle the range start.
	m.t.DescendLessOrEqual(Region{GPA: gpa}, func(r Region) bool {
		if r.End() > gpa {
			out = append(out, r)
		}
		return false
	})

	m.t.AscendGreaterOrEqual(Region{GPA: gpa + 1}, func(r Region) bool {
		if r.GPA >= end {
			return false
		}
		out = append(out, r)
		return true
	})

	return out
}

// insert adds a region, carving overlapped overwritable regions around it.
// It fails if the range overlaps a non-overwritable region.
func (m *regionMap) insert(newR Region) error {
	if newR.Size == 0 {
		return fmt.Errorf("aspace: zero-size region at %v", newR.GPA)
	}
	if newR.End() < newR.GPA {
		return fmt.Errorf("aspace: region at %v wraps the address space", newR.GPA)
	}

	overlaps := m.overlapping(newR.GPA, newR.Size)
	for _, r := range overlaps {
		if !r.Kind.overwritable() {
			return fmt.Errorf("aspace: %v overlaps %v", newR, r)
		}
	}

	for _, r := range overlaps {
		m.t.Delete(r)
		if r.GPA < newR.GPA {
			m.t.ReplaceOrInsert(Region{
				GPA:  r.GPA,
				Size: uint64(newR.GPA - r.GPA),
				Kind: r.Kind,
			})
		}
		if r.End() > newR.End() {
			m.t.ReplaceOrInsert(Region{
				GPA:  newR.End(),
				Size: uint64(r.End() - newR.End()),
				Kind: r.Kind,
			})
		}
	}

	m.t.ReplaceOrInsert(newR)
	return nil
}

// find returns the region containing gpa.
func (m *regionMap) find(gpa hv.GuestPhysAddr) (Region, bool) {
	var out Region
	var ok bool
	m.t.DescendLessOrEqual(Region{GPA: gpa}, func(r Region) bool {
		if r.End() > gpa {
			out, ok = r, true
		}
		return false
	})
	return out, ok
}

// all returns every region in ascending guest-physical order.
func (m *regionMap) all() []Region {
	out := make([]Region, 0, m.t.Len())
	m.t.Ascend(func(r Region) bool {
		out = append(out, r)
		return true
	})
	return out
}
