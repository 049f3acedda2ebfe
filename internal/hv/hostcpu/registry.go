// Package hostcpu discovers the physical cores at boot, owns their per-core
// virtualization state, and hands out exclusive core reservations to vCPUs.
package hostcpu

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/perchvm/perch/internal/hv"
)

// Registry is the process-wide core registry. It is built once by Init, which
// runs a task on every core concurrently; after that the core map is never mutated,
// so readers need no lock. Only the reservation bitmap stays mutable.
type Registry struct {
	backend hv.Backend

	// Immutable after Init.
	cpus   map[hv.HostCpuID]hv.HostCpu
	byHard map[hv.HostHardID]hv.HostCpuID
	list   []hv.HostHardID

	mu    sync.Mutex
	alloc cpuBitmap
}

// Init enumerates the physical cores and creates per-core virtualization
// state. For each core it spawns a one-shot task pinned to that core; the
// task enables the virtualization extension in hardware. Initialization is
// complete once every core has reported in. Any core that cannot enable
// virtualization fails Init hard: the hypervisor cannot proceed partially.
func Init(backend hv.Backend) (*Registry, error) {
	hards, err := backend.CPUList()
	if err != nil {
		return nil, fmt.Errorf("hostcpu: enumerate cores: %w", err)
	}
	if len(hards) == 0 {
		return nil, fmt.Errorf("hostcpu: platform reported no cores")
	}
	if len(hards) > maxCPUs {
		return nil, fmt.Errorf("hostcpu: %d cores exceeds limit of %d", len(hards), maxCPUs)
	}

	r := &Registry{
		backend: backend,
		cpus:    make(map[hv.HostCpuID]hv.HostCpu, len(hards)),
		byHard:  make(map[hv.HostHardID]hv.HostCpuID, len(hards)),
		list:    append([]hv.HostHardID(nil), hards...),
	}

	slog.Info("hostcpu: initializing cores", "count", len(hards))

	var (
		cores   atomic.Int32
		initMu  sync.Mutex
		initErr error
	)

	for i := range hards {
		id := hv.HostCpuID(i)
		go func() {
			// The only place code must execute on a specific core: the
			// per-core state is created while running there.
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			defer cores.Add(1)

			if err := backend.BindCurrentThread(id); err != nil {
				initMu.Lock()
				initErr = fmt.Errorf("hostcpu: pin init task to %v: %w", id, err)
				initMu.Unlock()
				return
			}

			cpu, err := backend.NewHostCpu(id)
			if err != nil {
				initMu.Lock()
				initErr = fmt.Errorf("hostcpu: enable virtualization on %v: %w", id, err)
				initMu.Unlock()
				return
			}

			initMu.Lock()
			r.cpus[id] = cpu
			r.byHard[cpu.HardID()] = id
			initMu.Unlock()
		}()
	}

	// Cooperative wait: yield rather than spin so the init tasks can run
	// even on a single-core host.
	for int(cores.Load()) != len(hards) {
		runtime.Gosched()
	}

	if initErr != nil {
		return nil, initErr
	}

	if len(r.byHard) != len(hards) {
		return nil, fmt.Errorf("hostcpu: duplicate hard ids reported by platform")
	}

	slog.Info("hostcpu: all cores enabled virtualization", "count", len(hards))
	return r, nil
}

// List returns the physical core identifiers in boot order.
func (r *Registry) List() []hv.HostHardID {
	return r.list
}

// Count returns the number of physical cores.
func (r *Registry) Count() int {
	return len(r.list)
}

// CurrentHardID reports the identity of the core the caller runs on.
func (r *Registry) CurrentHardID() hv.HostHardID {
	return r.backend.CurrentHardID()
}

// Backend returns the capability set the registry was built over.
func (r *Registry) Backend() hv.Backend {
	return r.backend
}

// ByHardID maps a physical identifier back to its logical id.
func (r *Registry) ByHardID(hard hv.HostHardID) (hv.HostCpuID, bool) {
	id, ok := r.byHard[hard]
	return id, ok
}

// HardID maps a logical id to its physical identifier.
func (r *Registry) HardID(id hv.HostCpuID) (hv.HostHardID, bool) {
	cpu, ok := r.cpus[id]
	if !ok {
		return 0, false
	}
	return cpu.HardID(), true
}

// WithCpu gives f read-only access to the per-core state owned by handle.
func (r *Registry) WithCpu(handle *Exclusive, f func(cpu hv.HostCpu)) {
	f(r.cpus[handle.ID()])
}
