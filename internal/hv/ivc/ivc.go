// Package ivc allocates inter-VM communication channels: shared
// guest-physical windows carved from a configured range. Only the allocator
// lives here; the data-plane semantics belong to the guests.
package ivc

import (
	"fmt"
	"sync"

	"github.com/perchvm/perch/internal/hv"
)

// Channel is one allocated IVC window.
type Channel struct {
	Name string
	GPA  hv.GuestPhysAddr
	Size uint64
}

// Allocator hands out page-aligned channels from [base, base+size),
// first-fit. Released channels return to the pool.
type Allocator struct {
	base hv.GuestPhysAddr
	size uint64

	mu    sync.Mutex
	inUse map[string]Channel
}

// NewAllocator creates an allocator over the given window.
func NewAllocator(base hv.GuestPhysAddr, size uint64) (*Allocator, error) {
	if size == 0 {
		return nil, fmt.Errorf("ivc: empty window")
	}
	if uint64(base)%hv.PageSize != 0 {
		return nil, fmt.Errorf("ivc: window base %v not page aligned", base)
	}
	return &Allocator{base: base, size: size, inUse: make(map[string]Channel)}, nil
}

// Open allocates a channel of at least size bytes, rounded up to whole
// pages. Opening an existing name returns the established channel so peers
// agree on the placement.
func (a *Allocator) Open(name string, size uint64) (Channel, error) {
	if name == "" {
		return Channel{}, fmt.Errorf("ivc: channel needs a name")
	}
	if size == 0 {
		return Channel{}, fmt.Errorf("ivc: channel %q has zero size", name)
	}
	size = hv.AlignUp(size, hv.PageSize)

	a.mu.Lock()
	defer a.mu.Unlock()

	if ch, ok := a.inUse[name]; ok {
		if ch.Size < size {
			return Channel{}, fmt.Errorf("ivc: channel %q exists with 0x%x bytes, want 0x%x", name, ch.Size, size)
		}
		return ch, nil
	}

	gpa, ok := a.firstFit(size)
	if !ok {
		return Channel{}, fmt.Errorf("ivc: no room for 0x%x byte channel %q", size, name)
	}
	ch := Channel{Name: name, GPA: gpa, Size: size}
	a.inUse[name] = ch
	return ch, nil
}

// Release returns a channel's window to the pool.
func (a *Allocator) Release(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.inUse[name]; !ok {
		return fmt.Errorf("ivc: unknown channel %q", name)
	}
	delete(a.inUse, name)
	return nil
}

// Channels lists the live channels.
func (a *Allocator) Channels() []Channel {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Channel, 0, len(a.inUse))
	for _, ch := range a.inUse {
		out = append(out, ch)
	}
	return out
}

// firstFit scans the window for a gap. Called with the mutex held.
func (a *Allocator) firstFit(size uint64) (hv.GuestPhysAddr, bool) {
	end := a.base.Add(a.size)
	for gpa := a.base; gpa.Add(size) <= end; {
		if next, overlaps := a.overlap(gpa, size); overlaps {
			gpa = next
			continue
		}
		return gpa, true
	}
	return 0, false
}

func (a *Allocator) overlap(gpa hv.GuestPhysAddr, size uint64) (hv.GuestPhysAddr, bool) {
	end := gpa.Add(size)
	for _, ch := range a.inUse {
		if gpa < ch.GPA.Add(ch.Size) && end > ch.GPA {
			return ch.GPA.Add(ch.Size), true
		}
	}
	return 0, false
}
