package hostcpu

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/perchvm/perch/internal/hv"
)

// maxCPUs bounds the reservation bitmap.
const maxCPUs = 256

// cpuBitmap tracks reserved logical core ids.
type cpuBitmap [maxCPUs / 64]uint64

func (b *cpuBitmap) isSet(id int) bool {
	return b[id/64]&(1<<(id%64)) != 0
}

func (b *cpuBitmap) set(id int) {
	b[id/64] |= 1 << (id % 64)
}

func (b *cpuBitmap) clear(id int) {
	b[id/64] &^= 1 << (id % 64)
}

// firstClear returns the lowest clear bit below limit, or -1.
func (b *cpuBitmap) firstClear(limit int) int {
	for w, word := range b {
		if word == ^uint64(0) {
			continue
		}
		id := w*64 + bits.TrailingZeros64(^word)
		if id >= limit {
			return -1
		}
		return id
	}
	return -1
}

// Exclusive is a unique capability handle stating "this holder exclusively
// owns host core id". No two live handles name the same core; Close returns
// the core to the pool.
type Exclusive struct {
	r    *Registry
	id   hv.HostCpuID
	once sync.Once
}

// Allocate reserves a core. With preferred set it reserves exactly that id or
// fails: with hv.ErrCPUBound when the id is taken, with hv.ErrNoFreeCPU when
// it is out of range. Otherwise it takes any free id or fails with
// hv.ErrNoFreeCPU. Allocation failures are recoverable: they mean the guest
// configuration demands more cores than the host has free.
func (r *Registry) Allocate(preferred *hv.HostCpuID) (*Exclusive, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var id int
	if preferred != nil {
		id = int(*preferred)
		if id < 0 || id >= len(r.list) {
			return nil, fmt.Errorf("hostcpu: %v out of range: %w", *preferred, hv.ErrNoFreeCPU)
		}
		if r.alloc.isSet(id) {
			return nil, fmt.Errorf("hostcpu: %v: %w", *preferred, hv.ErrCPUBound)
		}
	} else {
		id = r.alloc.firstClear(len(r.list))
		if id < 0 {
			return nil, fmt.Errorf("hostcpu: %w", hv.ErrNoFreeCPU)
		}
	}

	r.alloc.set(id)
	return &Exclusive{r: r, id: hv.HostCpuID(id)}, nil
}

// ID returns the reserved logical core id.
func (e *Exclusive) ID() hv.HostCpuID {
	return e.id
}

// HardID returns the physical identifier of the reserved core.
func (e *Exclusive) HardID() hv.HostHardID {
	return e.r.cpus[e.id].HardID()
}

// Cpu returns the per-core state of the reserved core.
func (e *Exclusive) Cpu() hv.HostCpu {
	return e.r.cpus[e.id]
}

// Close releases the reservation. Safe to call more than once.
func (e *Exclusive) Close() error {
	e.once.Do(func() {
		e.r.mu.Lock()
		e.r.alloc.clear(int(e.id))
		e.r.mu.Unlock()
	})
	return nil
}
