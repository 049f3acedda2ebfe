// Package fdt builds flattened device trees for guests that boot from one.
package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	magic       = 0xd00dfeed
	version     = 17
	lastCompVer = 16
	headerSize  = 40

	tokBeginNode = 0x1
	tokEndNode   = 0x2
	tokProp      = 0x3
	tokEnd       = 0x9
)

// Builder assembles a device-tree blob node by node. Nodes nest through
// Begin/End pairs; properties attach to the innermost open node.
type Builder struct {
	structure bytes.Buffer
	strings   bytes.Buffer
	stringOff map[string]uint32
	depth     int
	bootCPU   uint32
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{stringOff: make(map[string]uint32)}
}

// SetBootCPU records the physical id of the boot CPU in the header.
func (b *Builder) SetBootCPU(id uint32) {
	b.bootCPU = id
}

// Begin opens a node. The root node has the empty name.
func (b *Builder) Begin(name string) {
	b.putU32(tokBeginNode)
	b.structure.WriteString(name)
	b.structure.WriteByte(0)
	b.pad()
	b.depth++
}

// End closes the innermost open node.
func (b *Builder) End() {
	b.putU32(tokEndNode)
	b.depth--
}

// Prop attaches a raw property to the open node.
func (b *Builder) Prop(name string, data []byte) {
	b.putU32(tokProp)
	b.putU32(uint32(len(data)))
	b.putU32(b.internString(name))
	b.structure.Write(data)
	b.pad()
}

// PropEmpty attaches a boolean (presence-only) property.
func (b *Builder) PropEmpty(name string) {
	b.Prop(name, nil)
}

// PropString attaches a NUL-terminated string property.
func (b *Builder) PropString(name, value string) {
	b.Prop(name, append([]byte(value), 0))
}

// PropU32 attaches a big-endian 32-bit cell.
func (b *Builder) PropU32(name string, value uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], value)
	b.Prop(name, buf[:])
}

// PropU64 attaches a big-endian 64-bit value (two cells).
func (b *Builder) PropU64(name string, value uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], value)
	b.Prop(name, buf[:])
}

// PropReg attaches a reg property with 2-cell address and size.
func (b *Builder) PropReg(name string, addr, size uint64) {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:], addr)
	binary.BigEndian.PutUint64(buf[8:], size)
	b.Prop(name, buf[:])
}

// Blob finishes the tree and returns the serialized DTB.
func (b *Builder) Blob() ([]byte, error) {
	if b.depth != 0 {
		return nil, fmt.Errorf("fdt: %d unclosed nodes", b.depth)
	}

	b.putU32(tokEnd)

	const rsvmapSize = 16 // one all-zero terminator entry
	structOff := uint32(headerSize + rsvmapSize)
	structSize := uint32(b.structure.Len())
	stringsOff := structOff + structSize
	stringsSize := uint32(b.strings.Len())
	total := stringsOff + stringsSize

	blob := make([]byte, total)
	be := binary.BigEndian
	be.PutUint32(blob[0:], magic)
	be.PutUint32(blob[4:], total)
	be.PutUint32(blob[8:], structOff)
	be.PutUint32(blob[12:], stringsOff)
	be.PutUint32(blob[16:], headerSize)
	be.PutUint32(blob[20:], version)
	be.PutUint32(blob[24:], lastCompVer)
	be.PutUint32(blob[28:], b.bootCPU)
	be.PutUint32(blob[32:], stringsSize)
	be.PutUint32(blob[36:], structSize)
	copy(blob[structOff:], b.structure.Bytes())
	copy(blob[stringsOff:], b.strings.Bytes())

	return blob, nil
}

func (b *Builder) putU32(v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	b.structure.Write(buf[:])
}

func (b *Builder) pad() {
	for b.structure.Len()%4 != 0 {
		b.structure.WriteByte(0)
	}
}

func (b *Builder) internString(s string) uint32 {
	if off, ok := b.stringOff[s]; ok {
		return off
	}
	off := uint32(b.strings.Len())
	b.stringOff[s] = off
	b.strings.WriteString(s)
	b.strings.WriteByte(0)
	return off
}
