package aspace

import (
	"testing"

	"github.com/perchvm/perch/internal/hv"
)

func TestSoftTableMapTranslate(t *testing.T) {
	table, err := NewSoftTable(4)
	if err != nil {
		t.Fatalf("NewSoftTable: %v", err)
	}
	defer table.Close()

	if err := table.Map(0x8000_0000, 0x4_0000_0000, 0x3000, hv.MapRWXU); err != nil {
		t.Fatalf("Map: %v", err)
	}

	hpa, flags, ok := table.Translate(0x8000_1234)
	if !ok {
		t.Fatal("Translate missed a mapped page")
	}
	if hpa != 0x4_0000_1234 {
		t.Errorf("Translate = %v, want HPA(0x400001234)", hpa)
	}
	if flags != hv.MapRWXU {
		t.Errorf("Translate flags = %v, want %v", flags, hv.MapRWXU)
	}

	if _, _, ok := table.Translate(0x8000_3000); ok {
		t.Error("Translate hit one page past the mapping")
	}
	if _, _, ok := table.Translate(0x7fff_ffff); ok {
		t.Error("Translate hit one byte before the mapping")
	}
}

func TestSoftTableBlockMapping(t *testing.T) {
	table, err := NewSoftTable(4)
	if err != nil {
		t.Fatalf("NewSoftTable: %v", err)
	}
	defer table.Close()

	// 1 GiB aligned on both sides: a single level-2 block entry.
	if err := table.Map(0x4000_0000, 0x4000_0000, 0x4000_0000, hv.MapDeviceRW); err != nil {
		t.Fatalf("Map block: %v", err)
	}

	hpa, flags, ok := table.Translate(0x5555_5000)
	if !ok || hpa != 0x5555_5000 {
		t.Fatalf("Translate in block = %v, %t, want identity", hpa, ok)
	}
	if flags&hv.MapDevice == 0 {
		t.Errorf("block flags = %v, missing device attribute", flags)
	}

	if err := table.Map(0x4100_0000, 0x9000_0000, 0x1000, hv.MapRWXU); err == nil {
		t.Error("mapping inside an existing block was accepted")
	}
}

func TestSoftTableUnmap(t *testing.T) {
	table, err := NewSoftTable(3)
	if err != nil {
		t.Fatalf("NewSoftTable: %v", err)
	}
	defer table.Close()

	if err := table.Map(0x1000_0000, 0x2000_0000, 0x2000, hv.MapRWXU); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := table.Unmap(0x1000_0000, 0x2000); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if _, _, ok := table.Translate(0x1000_0000); ok {
		t.Error("Translate hit an unmapped page")
	}

	// Remapping the freed range must succeed.
	if err := table.Map(0x1000_0000, 0x3000_0000, 0x1000, hv.MapRWXU); err != nil {
		t.Errorf("remap after unmap: %v", err)
	}
}

func TestSoftTableDoubleMap(t *testing.T) {
	table, err := NewSoftTable(4)
	if err != nil {
		t.Fatalf("NewSoftTable: %v", err)
	}
	defer table.Close()

	if err := table.Map(0x1000, 0x2000, 0x1000, hv.MapRWXU); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := table.Map(0x1000, 0x5000, 0x1000, hv.MapRWXU); err == nil {
		t.Error("double map was accepted")
	}
}

func TestSoftTableReach(t *testing.T) {
	table, err := NewSoftTable(3)
	if err != nil {
		t.Fatalf("NewSoftTable: %v", err)
	}
	defer table.Close()

	// 3 levels reach 39 bits; one page past that must fail.
	end := hv.GuestPhysAddr(1) << 39
	if err := table.Map(end-0x1000, 0, 0x1000, hv.MapRWXU); err != nil {
		t.Errorf("map of last reachable page: %v", err)
	}
	if err := table.Map(end, 0, 0x1000, hv.MapRWXU); err == nil {
		t.Error("map beyond the table reach was accepted")
	}
}

func TestRequiredLevels(t *testing.T) {
	tests := []struct {
		end  hv.GuestPhysAddr
		want int
	}{
		{1 << 30, 3},
		{1 << 39, 3},
		{(1 << 39) + 1, 4},
		{1 << 48, 4},
		{(1 << 48) + 1, 5},
		{1 << 60, 5},
	}
	for _, tt := range tests {
		if got := RequiredLevels(tt.end); got != tt.want {
			t.Errorf("RequiredLevels(%v) = %d, want %d", tt.end, got, tt.want)
		}
	}
}
