package factory

import (
	"errors"
	"testing"

	"github.com/perchvm/perch/internal/hv"
	"github.com/perchvm/perch/internal/hv/hvtest"
)

func TestOpenUnregistered(t *testing.T) {
	if _, err := OpenArchitecture(hv.ArchitectureRISCV64); !errors.Is(err, ErrNoBackend) {
		t.Fatalf("OpenArchitecture = %v, want ErrNoBackend", err)
	}
}

func TestRegisterAndOpen(t *testing.T) {
	Register(hv.ArchitectureARM64, func() (hv.Backend, error) {
		return hvtest.New(1), nil
	})

	backend, err := OpenArchitecture(hv.ArchitectureARM64)
	if err != nil {
		t.Fatalf("OpenArchitecture: %v", err)
	}
	if backend.Architecture() != hv.ArchitectureARM64 {
		t.Errorf("architecture = %v", backend.Architecture())
	}
}
