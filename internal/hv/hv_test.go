package hv

import "testing"

func TestSignExtend(t *testing.T) {
	tests := []struct {
		width AccessWidth
		value uint64
		want  uint64
	}{
		{Byte, 0x7f, 0x7f},
		{Byte, 0x80, 0xffff_ffff_ffff_ff80},
		{Word, 0x8000, 0xffff_ffff_ffff_8000},
		{Dword, 0x7fff_ffff, 0x7fff_ffff},
		{Dword, 0x8000_0000, 0xffff_ffff_8000_0000},
		{Qword, 0x8000_0000_0000_0000, 0x8000_0000_0000_0000},
	}
	for _, tt := range tests {
		if got := tt.width.SignExtend(tt.value); got != tt.want {
			t.Errorf("SignExtend(%v, 0x%x) = 0x%x, want 0x%x", tt.width, tt.value, got, tt.want)
		}
	}
}

func TestAlign(t *testing.T) {
	if got := AlignUp(0x1001, 0x1000); got != 0x2000 {
		t.Errorf("AlignUp = 0x%x, want 0x2000", got)
	}
	if got := AlignDown(0x1fff, 0x1000); got != 0x1000 {
		t.Errorf("AlignDown = 0x%x, want 0x1000", got)
	}
	if got := GuestPhysAddr(0x1234).AlignDown(0x1000); got != 0x1000 {
		t.Errorf("GuestPhysAddr.AlignDown = %v, want GPA(0x1000)", got)
	}
}

func TestBootArgs(t *testing.T) {
	dtb := GuestPhysAddr(0x8800_0000)

	args := BootArgs(ArchitectureARM64, 0, dtb)
	if len(args) != 1 || args[0].Reg != 0 || args[0].Value != uint64(dtb) {
		t.Errorf("arm64 boot args = %v, want x0 = dtb", args)
	}

	args = BootArgs(ArchitectureRISCV64, 2, dtb)
	if len(args) != 2 || args[0].Value != 2 || args[1].Value != uint64(dtb) {
		t.Errorf("riscv64 boot args = %v, want a0 = 2, a1 = dtb", args)
	}

	if args := BootArgs(ArchitectureX86_64, 0, dtb); args != nil {
		t.Errorf("x86_64 boot args = %v, want none", args)
	}
}

func TestMappingFlagsString(t *testing.T) {
	if got := MapRWXU.String(); got != "rwxu-" {
		t.Errorf("MapRWXU.String() = %q, want %q", got, "rwxu-")
	}
	if got := MapDeviceRW.String(); got != "rw-ud" {
		t.Errorf("MapDeviceRW.String() = %q, want %q", got, "rw-ud")
	}
}
