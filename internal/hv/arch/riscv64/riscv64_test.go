package riscv64

import (
	"testing"

	"github.com/perchvm/perch/internal/hv"
)

func TestStage2Mode(t *testing.T) {
	tests := []struct {
		levels int
		want   string
	}{{3, "Sv39x4"}, {4, "Sv48x4"}, {5, "Sv57x4"}}
	for _, tt := range tests {
		got, err := Stage2Mode(tt.levels)
		if err != nil || got != tt.want {
			t.Errorf("Stage2Mode(%d) = %q, %v, want %q", tt.levels, got, err, tt.want)
		}
	}
	if _, err := Stage2Mode(2); err == nil {
		t.Error("Stage2Mode(2) succeeded")
	}
}

func TestHgatp(t *testing.T) {
	got, err := Hgatp(0x8020_4000, 3)
	if err != nil {
		t.Fatalf("Hgatp: %v", err)
	}
	want := uint64(HgatpSv39x4)<<60 | 0x8020_4000>>12
	if got != want {
		t.Errorf("Hgatp = 0x%x, want 0x%x", got, want)
	}

	if _, err := Hgatp(0x8020_1000, 3); err == nil {
		t.Error("Hgatp accepted a root without 16 KiB alignment")
	}
	if _, err := Hgatp(0x8020_4000, 6); err == nil {
		t.Error("Hgatp accepted 6 levels")
	}
}

func TestDecodeGuestPageFault(t *testing.T) {
	exit, err := DecodeGuestPageFault(CauseStoreGuestPageFault, 0x1000_0000>>2)
	if err != nil {
		t.Fatalf("DecodeGuestPageFault: %v", err)
	}
	fault := exit.(hv.ExitNestedPageFault)
	if fault.Addr != 0x1000_0000 || fault.Flags != hv.MapWrite {
		t.Errorf("fault = %+v", fault)
	}

	if _, err := DecodeGuestPageFault(13, 0); err == nil {
		t.Error("plain load page fault decoded as a guest fault")
	}
}

func TestDecodeSBI(t *testing.T) {
	exit, ok := DecodeSBI(SbiExtHSM, SbiHsmHartStart, [6]uint64{1, 0x8030_0000, 0xCAFE})
	if !ok {
		t.Fatal("HSM hart start not decoded")
	}
	up := exit.(hv.ExitCpuUp)
	if up.Target != 1 || up.Entry != 0x8030_0000 || up.Arg != 0xCAFE {
		t.Errorf("CpuUp = %+v", up)
	}

	if exit, ok := DecodeSBI(SbiExtReset, 0, [6]uint64{}); !ok {
		t.Error("system reset not decoded")
	} else if _, isDown := exit.(hv.ExitSystemDown); !isDown {
		t.Errorf("reset decoded as %T", exit)
	}

	if _, ok := DecodeSBI(0x10, 3, [6]uint64{}); ok {
		t.Error("base extension decoded as a routed exit")
	}
}
