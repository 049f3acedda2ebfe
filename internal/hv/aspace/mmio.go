package aspace

import (
	"fmt"

	"github.com/perchvm/perch/internal/hv"
)

// MMIOHandler services trapped accesses to an emulated device. Devices are
// shared between vCPUs and are responsible for their own locking; the
// address-space mutex is never held across these calls.
type MMIOHandler interface {
	Read(addr hv.GuestPhysAddr, width hv.AccessWidth) (uint64, error)
	Write(addr hv.GuestPhysAddr, width hv.AccessWidth, value uint64) error
}

// SimpleMMIOHandler adapts plain functions into an MMIOHandler.
type SimpleMMIOHandler struct {
	ReadFunc  func(addr hv.GuestPhysAddr, width hv.AccessWidth) (uint64, error)
	WriteFunc func(addr hv.GuestPhysAddr, width hv.AccessWidth, value uint64) error
}

func (h SimpleMMIOHandler) Read(addr hv.GuestPhysAddr, width hv.AccessWidth) (uint64, error) {
	if h.ReadFunc != nil {
		return h.ReadFunc(addr, width)
	}
	return 0, fmt.Errorf("unhandled read from MMIO address %v", addr)
}

func (h SimpleMMIOHandler) Write(addr hv.GuestPhysAddr, width hv.AccessWidth, value uint64) error {
	if h.WriteFunc != nil {
		return h.WriteFunc(addr, width, value)
	}
	return fmt.Errorf("unhandled write to MMIO address %v", addr)
}

var _ MMIOHandler = SimpleMMIOHandler{}

// MMIORegion is the host-visible side of an emulated MMIO range: the guest
// address, a backing page set the device implementation may scribble into,
// and the size.
type MMIORegion struct {
	Addr  hv.GuestPhysAddr
	Size  uint64
	Bytes []byte
}

// mmioBinding associates an emulated region with its device.
type mmioBinding struct {
	name    string
	region  Region
	backing *GuestMemory
	handler MMIOHandler
}

// lookupMMIO finds the binding claiming [gpa, gpa+width). Called with the
// address-space mutex held; the caller must release it before dispatching.
func (s *AddressSpace) lookupMMIO(gpa hv.GuestPhysAddr, width hv.AccessWidth) (*mmioBinding, error) {
	for _, b := range s.mmio {
		if gpa >= b.region.GPA && gpa < b.region.End() {
			if gpa.Add(uint64(width.Bytes())) > b.region.End() {
				return nil, fmt.Errorf("aspace: %v access at %v crosses region %v", width, gpa, b.region)
			}
			return b, nil
		}
	}
	return nil, fmt.Errorf("aspace: %v: %w", gpa, hv.ErrNoDevice)
}

// HandleMMIORead services a trapped read from an emulated region.
func (s *AddressSpace) HandleMMIORead(gpa hv.GuestPhysAddr, width hv.AccessWidth) (uint64, error) {
	s.mu.Lock()
	b, err := s.lookupMMIO(gpa, width)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return b.handler.Read(gpa, width)
}

// HandleMMIOWrite services a trapped write to an emulated region.
func (s *AddressSpace) HandleMMIOWrite(gpa hv.GuestPhysAddr, width hv.AccessWidth, value uint64) error {
	s.mu.Lock()
	b, err := s.lookupMMIO(gpa, width)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return b.handler.Write(gpa, width, value)
}

// AddSysRegDevice routes a trapped system register to a handler. System
// register accesses share the emulated-device dispatch, keyed by the encoded
// register address.
func (s *AddressSpace) AddSysRegDevice(addr uint64, handler MMIOHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if handler == nil {
		return fmt.Errorf("aspace: nil handler for sysreg 0x%x", addr)
	}
	if _, exists := s.sysregs[addr]; exists {
		return fmt.Errorf("aspace: sysreg 0x%x already registered", addr)
	}
	s.sysregs[addr] = handler
	return nil
}

// HandleSysRegRead services a trapped system-register read (8-byte wide).
func (s *AddressSpace) HandleSysRegRead(addr uint64) (uint64, error) {
	s.mu.Lock()
	handler, ok := s.sysregs[addr]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("aspace: sysreg 0x%x: %w", addr, hv.ErrNoDevice)
	}
	return handler.Read(hv.GuestPhysAddr(addr), hv.Qword)
}

// HandleSysRegWrite services a trapped system-register write.
func (s *AddressSpace) HandleSysRegWrite(addr uint64, value uint64) error {
	s.mu.Lock()
	handler, ok := s.sysregs[addr]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("aspace: sysreg 0x%x: %w", addr, hv.ErrNoDevice)
	}
	return handler.Write(hv.GuestPhysAddr(addr), hv.Qword, value)
}

// AddPortDevice routes an x86 I/O port range [port, port+count) to a handler.
func (s *AddressSpace) AddPortDevice(port uint16, count int, handler MMIOHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if handler == nil {
		return fmt.Errorf("aspace: nil handler for port 0x%x", port)
	}
	for i := range count {
		p := port + uint16(i)
		if _, exists := s.ports[p]; exists {
			return fmt.Errorf("aspace: I/O port 0x%x already registered", p)
		}
	}
	for i := range count {
		s.ports[port+uint16(i)] = handler
	}
	return nil
}

// HandlePioRead services a trapped port read.
func (s *AddressSpace) HandlePioRead(port uint16, width hv.AccessWidth) (uint64, error) {
	s.mu.Lock()
	handler, ok := s.ports[port]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("aspace: I/O port 0x%x: %w", port, hv.ErrNoDevice)
	}
	return handler.Read(hv.GuestPhysAddr(port), width)
}

// HandlePioWrite services a trapped port write.
func (s *AddressSpace) HandlePioWrite(port uint16, width hv.AccessWidth, value uint64) error {
	s.mu.Lock()
	handler, ok := s.ports[port]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("aspace: I/O port 0x%x: %w", port, hv.ErrNoDevice)
	}
	return handler.Write(hv.GuestPhysAddr(port), width, value)
}
