package x86_64

import (
	"testing"

	"github.com/perchvm/perch/internal/hv"
)

func TestEPTP(t *testing.T) {
	got, err := EPTP(0x1_0000_0000)
	if err != nil {
		t.Fatalf("EPTP: %v", err)
	}
	// WB memory type, walk length 3, accessed/dirty assist.
	want := uint64(0x1_0000_0000) | 6 | 3<<3 | 1<<6
	if got != want {
		t.Errorf("EPTP = 0x%x, want 0x%x", got, want)
	}

	if _, err := EPTP(0x1234); err == nil {
		t.Error("EPTP accepted an unaligned root")
	}
}

func TestSIPIEntry(t *testing.T) {
	if got := SIPIEntry(0x9a); got != 0x9a000 {
		t.Errorf("SIPIEntry(0x9a) = %v, want GPA(0x9a000)", got)
	}
}

func TestDecodeSIPI(t *testing.T) {
	exit := DecodeSIPI(2, 0x08)
	up, ok := exit.(hv.ExitCpuUp)
	if !ok {
		t.Fatalf("exit = %T, want ExitCpuUp", exit)
	}
	if up.Target != 2 || up.Entry != 0x8000 || up.Arg != 0 {
		t.Errorf("CpuUp = %+v", up)
	}
}
