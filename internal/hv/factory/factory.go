// Package factory resolves the backend for the architecture the hypervisor
// was built for. Register-level drivers live outside the core; an embedding
// application registers its backend constructor here and the command layer
// opens it without knowing the ISA.
package factory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/perchvm/perch/internal/hv"
)

// ErrNoBackend means no backend constructor was registered for this build's
// architecture.
var ErrNoBackend = errors.New("no backend registered for this architecture")

var (
	mu           sync.Mutex
	constructors = make(map[hv.CpuArchitecture]func() (hv.Backend, error))
)

// Register installs the constructor for one architecture. Later
// registrations for the same architecture win.
func Register(arch hv.CpuArchitecture, fn func() (hv.Backend, error)) {
	mu.Lock()
	constructors[arch] = fn
	mu.Unlock()
}

// Open builds the backend for the native architecture.
func Open() (hv.Backend, error) {
	return OpenArchitecture(hv.ArchitectureNative)
}

// OpenArchitecture builds the backend for a specific architecture.
func OpenArchitecture(arch hv.CpuArchitecture) (hv.Backend, error) {
	mu.Lock()
	fn := constructors[arch]
	mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("factory: %v: %w", arch, ErrNoBackend)
	}
	return fn()
}
