// Package machine implements the per-guest lifecycle: the tagged-union state
// machine, the management thread with its command mailbox, and the vCPU
// dispatcher loop.
package machine

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/perchvm/perch/internal/config"
	"github.com/perchvm/perch/internal/hv"
	"github.com/perchvm/perch/internal/hv/aspace"
	"github.com/perchvm/perch/internal/hv/hostcpu"
)

// pollInterval is the management thread's cadence when no command is queued.
const pollInterval = 20 * time.Millisecond

// Info identifies a VM; copied freely.
type Info struct {
	ID   uint32
	Name string
}

func (i Info) String() string {
	return fmt.Sprintf("VM %d (%s)", i.ID, i.Name)
}

// HypercallHandler services guest hypercalls. The return value lands in the
// guest's first argument register.
type HypercallHandler func(vcpu *VCpu, nr uint64, args [6]uint64) (uint64, error)

// DeviceFactory builds the MMIO handler for a configured emulated device.
type DeviceFactory func(dev config.EmuDevice) (aspace.MMIOHandler, error)

// VM is one guest. All public methods are safe for concurrent use: they post
// commands to the management thread or read atomics.
type VM struct {
	info     Info
	cfg      *config.VM
	registry *hostcpu.Registry

	box         mailbox
	workerAlive atomic.Bool

	status        atomicStatus
	stopRequested atomic.Bool

	errMu   sync.Mutex
	lastErr error

	hcMu      sync.Mutex
	hypercall HypercallHandler
	hostIRQ   func(vector uint64)
	factories map[string]DeviceFactory

	irqMu     sync.Mutex
	irqRoutes map[uint64]hv.HostCpuID
	pending   map[hv.HostCpuID][]uint32

	runMu sync.Mutex
	run   *runSet

	// state is owned by the management thread.
	state machineState
}

// New creates a VM in the Uninit state and starts its management thread.
func New(registry *hostcpu.Registry, cfg *config.VM) (*VM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	vm := &VM{
		info:      Info{ID: cfg.ID, Name: cfg.Name},
		cfg:       cfg,
		registry:  registry,
		factories: make(map[string]DeviceFactory),
		irqRoutes: make(map[uint64]hv.HostCpuID),
		pending:   make(map[hv.HostCpuID][]uint32),
		state:     stateUninit{cfg: cfg},
	}
	vm.workerAlive.Store(true)
	go vm.worker()
	return vm, nil
}

// Info returns the VM identity.
func (vm *VM) Info() Info {
	return vm.info
}

// Status returns the current lifecycle state.
func (vm *VM) Status() Status {
	return vm.status.load()
}

// LastError returns the most recent fatal error recorded by the management
// thread or a vCPU.
func (vm *VM) LastError() error {
	vm.errMu.Lock()
	defer vm.errMu.Unlock()
	return vm.lastErr
}

// SetHypercallHandler installs the hypercall hook. Call before Start.
func (vm *VM) SetHypercallHandler(h HypercallHandler) {
	vm.hcMu.Lock()
	vm.hypercall = h
	vm.hcMu.Unlock()
}

// SetHostIRQHandler installs the host interrupt forwarding hook.
func (vm *VM) SetHostIRQHandler(h func(vector uint64)) {
	vm.hcMu.Lock()
	vm.hostIRQ = h
	vm.hcMu.Unlock()
}

// RegisterDeviceKind installs the factory used for configured emulated
// devices of the given kind. Call before Init.
func (vm *VM) RegisterDeviceKind(kind string, factory DeviceFactory) {
	vm.hcMu.Lock()
	vm.factories[kind] = factory
	vm.hcMu.Unlock()
}

// SetIRQRoute targets a physical interrupt vector at the vCPU bound to the
// given core; used for passthrough devices.
func (vm *VM) SetIRQRoute(vector uint64, target hv.HostCpuID) {
	vm.irqMu.Lock()
	vm.irqRoutes[vector] = target
	vm.irqMu.Unlock()
}

// EnqueueIRQ queues a virtual interrupt for the vCPU bound to target. It is
// observed at that vCPU's next guest entry.
func (vm *VM) EnqueueIRQ(target hv.HostCpuID, vector uint32) {
	vm.irqMu.Lock()
	vm.pending[target] = append(vm.pending[target], vector)
	vm.irqMu.Unlock()
}

// Init drives Uninit → Initialized and waits for the result.
func (vm *VM) Init() error {
	return vm.send(cmdInit)
}

// Start drives Initialized → Running and waits for the result.
func (vm *VM) Start() error {
	return vm.send(cmdStart)
}

// Stop drives the machine to Stopped, draining vCPU threads and releasing
// cores. Stopping an already stopped VM is a no-op.
func (vm *VM) Stop() error {
	if vm.status.load() == StatusStopped {
		return nil
	}
	err := vm.send(cmdStop)
	if err != nil && vm.status.load() == StatusStopped {
		return nil
	}
	return err
}

func (vm *VM) send(kind commandKind) error {
	if !vm.workerAlive.Load() {
		return fmt.Errorf("machine: %v: worker already stopped", vm.info)
	}
	resp := newResponder(&vm.workerAlive)
	if err := vm.box.push(command{kind: kind, resp: resp}); err != nil {
		return err
	}
	return resp.wait()
}

// worker is the management thread: it owns the state union, executes
// commands from the mailbox, and polls for internal work at a fixed cadence.
func (vm *VM) worker() {
	defer vm.workerAlive.Store(false)

	for {
		if cmd, ok := vm.box.pop(); ok {
			vm.handleCommand(cmd)
		} else {
			vm.doWork()
			if _, stopped := vm.state.(stateStopped); stopped {
				break
			}
			time.Sleep(pollInterval)
		}
	}

	// Fail any stragglers instead of leaving their waiters to time out on
	// the dead-worker path.
	for {
		cmd, ok := vm.box.pop()
		if !ok {
			break
		}
		if cmd.resp != nil {
			if cmd.kind == cmdStop {
				cmd.resp.complete(nil)
			} else {
				cmd.resp.complete(fmt.Errorf("machine: %v is stopped", vm.info))
			}
		}
	}
}

func (vm *VM) handleCommand(cmd command) {
	var err error

	switch cmd.kind {
	case cmdInit:
		err = vm.transition(func(st machineState) (machineState, error) {
			uninit, ok := st.(stateUninit)
			if !ok {
				return st, fmt.Errorf("machine: %v is not initializable from %T", vm.info, st)
			}
			next, err := vm.doInit(uninit)
			if err == nil {
				vm.advance(StatusInitialized)
			}
			return next, err
		})

	case cmdStart:
		err = vm.transition(func(st machineState) (machineState, error) {
			inited, ok := st.(stateInited)
			if !ok {
				return st, fmt.Errorf("machine: %v is not startable from %T", vm.info, st)
			}
			next, err := vm.doStart(inited)
			if err == nil {
				vm.advance(StatusRunning)
			}
			return next, err
		})

	case cmdStop:
		err = vm.transition(func(st machineState) (machineState, error) {
			next, err := vm.doStop(st)
			if _, stopped := next.(stateStopped); stopped {
				vm.advance(StatusStopped)
			}
			return next, err
		})
	}

	if err != nil {
		vm.recordError(err)
	}
	if cmd.resp != nil {
		cmd.resp.complete(err)
	}
}

// transition swaps in the Switch placeholder while f consumes the old state
// and produces the next, preserving move semantics for per-state data.
func (vm *VM) transition(f func(machineState) (machineState, error)) error {
	st := vm.state
	vm.state = stateSwitch{}
	next, err := f(st)
	vm.state = next
	return err
}

// doWork is the idle-path check: a running machine whose stop flag is set or
// whose vCPUs have all exited is drained to Stopped.
func (vm *VM) doWork() {
	running, ok := vm.state.(stateRunning)
	if !ok {
		return
	}
	if !vm.stopRequested.Load() && running.run.running.Load() > 0 {
		return
	}

	err := vm.transition(func(st machineState) (machineState, error) {
		next, err := vm.doStop(st)
		if _, stopped := next.(stateStopped); stopped {
			vm.advance(StatusStopped)
		}
		return next, err
	})
	if err != nil {
		vm.recordError(err)
	}
	slog.Info("machine: vm stopped", "vm", vm.info.Name)
}

// advance moves the status forward; the lifecycle never goes backwards.
func (vm *VM) advance(next Status) {
	if next > vm.status.load() {
		vm.status.store(next)
	}
}

func (vm *VM) isActive() bool {
	return !vm.stopRequested.Load() && vm.status.load() <= StatusRunning
}

// requestStop is the guest-initiated path (SystemDown): the flag stops every
// vCPU loop and the management thread finishes the teardown.
func (vm *VM) requestStop() {
	vm.stopRequested.Store(true)
}

func (vm *VM) recordError(err error) {
	slog.Error("machine: vm error", "vm", vm.info.Name, "error", err)
	vm.errMu.Lock()
	if vm.lastErr == nil {
		vm.lastErr = err
	}
	vm.errMu.Unlock()
}

func (vm *VM) hypercallHandler() HypercallHandler {
	vm.hcMu.Lock()
	defer vm.hcMu.Unlock()
	return vm.hypercall
}

func (vm *VM) deviceFactory(kind string) (DeviceFactory, bool) {
	vm.hcMu.Lock()
	defer vm.hcMu.Unlock()
	f, ok := vm.factories[kind]
	return f, ok
}

func (vm *VM) setRunSet(rs *runSet) {
	vm.runMu.Lock()
	vm.run = rs
	vm.runMu.Unlock()
}

func (vm *VM) runSet() *runSet {
	vm.runMu.Lock()
	defer vm.runMu.Unlock()
	return vm.run
}

// cpuUp services the guest's SMP bring-up: the pending vCPU with the target
// identity gets the requested entry point and boot argument and is spawned
// on its reserved core.
func (vm *VM) cpuUp(target hv.HostHardID, entry hv.GuestPhysAddr, arg uint64) error {
	rs := vm.runSet()
	if rs == nil {
		return fmt.Errorf("machine: %v is not running", vm.info)
	}
	vcpu, ok := rs.takePending(target)
	if !ok {
		return fmt.Errorf("machine: no pending vcpu with %v", target)
	}
	if err := vcpu.arch.SetEntry(entry); err != nil {
		return fmt.Errorf("machine: set ap entry: %w", err)
	}
	if err := vcpu.arch.SetBootArg(0, arg); err != nil {
		return fmt.Errorf("machine: set ap boot arg: %w", err)
	}
	if !rs.spawn(vcpu) {
		// Stop won the race; hand the core straight back.
		vcpu.close()
		return nil
	}
	slog.Info("machine: ap started", "vm", vm.info.Name, "target", target, "entry", entry)
	return nil
}

// drainPendingIRQs removes and returns the queued interrupts for a vCPU.
func (vm *VM) drainPendingIRQs(target hv.HostCpuID) []uint32 {
	vm.irqMu.Lock()
	defer vm.irqMu.Unlock()
	irqs := vm.pending[target]
	if len(irqs) == 0 {
		return nil
	}
	delete(vm.pending, target)
	return irqs
}

// handleExternalInterrupt forwards a physical interrupt to the host handler
// and, when the vector belongs to a passthrough device, queues its injection
// for the routed vCPU.
func (vm *VM) handleExternalInterrupt(vector uint64) {
	vm.hcMu.Lock()
	hostIRQ := vm.hostIRQ
	vm.hcMu.Unlock()
	if hostIRQ != nil {
		hostIRQ(vector)
	}

	vm.irqMu.Lock()
	target, routed := vm.irqRoutes[vector]
	if routed {
		vm.pending[target] = append(vm.pending[target], uint32(vector))
	}
	vm.irqMu.Unlock()
}
