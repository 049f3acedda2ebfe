package fdt

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// walkBlob checks structural well-formedness and collects node names.
func walkBlob(t *testing.T, blob []byte) []string {
	t.Helper()
	be := binary.BigEndian

	if got := be.Uint32(blob[0:]); got != magic {
		t.Fatalf("magic = 0x%x, want 0x%x", got, magic)
	}
	if got := be.Uint32(blob[4:]); got != uint32(len(blob)) {
		t.Fatalf("totalsize = %d, want %d", got, len(blob))
	}
	if got := be.Uint32(blob[20:]); got != version {
		t.Fatalf("version = %d, want %d", got, version)
	}

	structOff := be.Uint32(blob[8:])
	structSize := be.Uint32(blob[36:])
	stringsOff := be.Uint32(blob[12:])

	var names []string
	depth := 0
	pos := structOff
	for {
		tok := be.Uint32(blob[pos:])
		pos += 4
		switch tok {
		case tokBeginNode:
			end := bytes.IndexByte(blob[pos:], 0)
			names = append(names, string(blob[pos:pos+uint32(end)]))
			pos += uint32(end) + 1
			pos = (pos + 3) &^ 3
			depth++
		case tokEndNode:
			depth--
			if depth < 0 {
				t.Fatal("unbalanced end-node token")
			}
		case tokProp:
			length := be.Uint32(blob[pos:])
			nameOff := be.Uint32(blob[pos+4:])
			if int(stringsOff+nameOff) >= len(blob) {
				t.Fatal("property name offset out of range")
			}
			pos += 8 + length
			pos = (pos + 3) &^ 3
		case tokEnd:
			if depth != 0 {
				t.Fatalf("end token at depth %d", depth)
			}
			if pos != structOff+structSize {
				t.Fatalf("structure ends at %d, header says %d", pos, structOff+structSize)
			}
			return names
		default:
			t.Fatalf("unknown token 0x%x at %d", tok, pos-4)
		}
	}
}

func TestBuilderBlob(t *testing.T) {
	b := NewBuilder()
	b.Begin("")
	b.PropU32("#address-cells", 2)
	b.Begin("memory@80000000")
	b.PropString("device_type", "memory")
	b.PropReg("reg", 0x8000_0000, 0x400_0000)
	b.End()
	b.End()

	blob, err := b.Blob()
	if err != nil {
		t.Fatalf("Blob: %v", err)
	}

	names := walkBlob(t, blob)
	if len(names) != 2 || names[0] != "" || names[1] != "memory@80000000" {
		t.Errorf("node names = %q", names)
	}
}

func TestBuilderUnclosedNode(t *testing.T) {
	b := NewBuilder()
	b.Begin("")
	if _, err := b.Blob(); err == nil {
		t.Error("Blob succeeded with an unclosed node")
	}
}

func TestGuestTree(t *testing.T) {
	blob, err := GuestTree(GuestInfo{
		Model:    "testvm",
		Bootargs: "console=hvc0",
		CPUs:     []GuestCPU{{HardID: 0}, {HardID: 1}},
		Memory:   []GuestMemory{{Base: 0x8000_0000, Size: 64 * 1024 * 1024}},

		TimebaseFrequency: 10_000_000,
	})
	if err != nil {
		t.Fatalf("GuestTree: %v", err)
	}

	names := walkBlob(t, blob)
	want := map[string]bool{
		"":                false,
		"chosen":          false,
		"memory@80000000": false,
		"cpus":            false,
		"cpu@0":           false,
		"cpu@1":           false,
	}
	for _, name := range names {
		if _, ok := want[name]; ok {
			want[name] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("node %q missing from the guest tree", name)
		}
	}
}

func TestGuestTreeValidation(t *testing.T) {
	if _, err := GuestTree(GuestInfo{CPUs: []GuestCPU{{}}}); err == nil {
		t.Error("GuestTree without memory succeeded")
	}
	if _, err := GuestTree(GuestInfo{Memory: []GuestMemory{{Base: 0, Size: 0x1000}}}); err == nil {
		t.Error("GuestTree without cpus succeeded")
	}
}
