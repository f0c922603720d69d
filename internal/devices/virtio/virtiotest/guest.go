// Package virtiotest plays the driver side of a split virtqueue so device
// tests can submit descriptor chains and inspect completions.
package virtiotest

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/vrdma/internal/devices/virtio"
)

const (
	// MemoryBase is where NewMemory places guest RAM.
	MemoryBase = 0x1000_0000
	// MemorySize is large enough for rings and a few hundred buffers.
	MemorySize = 0x10_0000

	descOffset  = 0x0000
	availOffset = 0x4000
	usedOffset  = 0x6000
	dataOffset  = 0x10000
)

// Buffer describes one descriptor of a chain.
type Buffer struct {
	Addr  uint64
	Len   uint32
	Write bool
}

// Guest owns the ring layout inside a guest memory region.
type Guest struct {
	Mem       *virtio.Memory
	QueueSize uint16

	DescTable uint64
	AvailRing uint64
	UsedRing  uint64

	nextData uint64
	nextDesc uint16
	availIdx uint16
}

// NewMemory returns a zeroed, heap-backed guest memory region.
func NewMemory() *virtio.Memory {
	return virtio.NewMemoryFromBytes(MemoryBase, make([]byte, MemorySize))
}

// NewGuest lays out a queue of queueSize entries at the start of mem.
func NewGuest(mem *virtio.Memory, queueSize uint16) *Guest {
	base := mem.Base()
	return &Guest{
		Mem:       mem,
		QueueSize: queueSize,
		DescTable: base + descOffset,
		AvailRing: base + availOffset,
		UsedRing:  base + usedOffset,
		nextData:  base + dataOffset,
	}
}

// Configure programs q the way a driver would through the transport.
func (g *Guest) Configure(q *virtio.Queue) {
	q.Size = g.QueueSize
	q.Ready = true
	q.SetAddresses(g.DescTable, g.AvailRing, g.UsedRing)
}

// Alloc reserves n bytes of 16 byte aligned data space.
func (g *Guest) Alloc(n uint32) uint64 {
	addr := g.nextData
	g.nextData += (uint64(n) + 15) &^ 15
	if g.nextData > g.Mem.Base()+g.Mem.Size() {
		panic("virtiotest: out of guest data space")
	}
	return addr
}

// AddChain writes bufs as one chain and publishes its head. It returns the
// head descriptor index.
func (g *Guest) AddChain(bufs ...Buffer) uint16 {
	if len(bufs) == 0 {
		panic("virtiotest: empty chain")
	}
	head := g.nextDesc
	for i, b := range bufs {
		idx := g.nextDesc
		g.nextDesc = (g.nextDesc + 1) % g.QueueSize
		var flags uint16
		if b.Write {
			flags |= virtio.DescFlagWrite
		}
		next := uint16(0)
		if i < len(bufs)-1 {
			flags |= virtio.DescFlagNext
			next = g.nextDesc
		}
		g.WriteDescriptor(idx, b.Addr, b.Len, flags, next)
	}
	g.PublishHead(head)
	return head
}

// WriteDescriptor writes a raw descriptor table entry.
func (g *Guest) WriteDescriptor(idx uint16, addr uint64, length uint32, flags, next uint16) {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], addr)
	binary.LittleEndian.PutUint32(buf[8:12], length)
	binary.LittleEndian.PutUint16(buf[12:14], flags)
	binary.LittleEndian.PutUint16(buf[14:16], next)
	g.Write(g.DescTable+uint64(idx)*16, buf[:])
}

// PublishHead appends head to the available ring and bumps its index.
func (g *Guest) PublishHead(head uint16) {
	slot := g.AvailRing + 4 + uint64(g.availIdx%g.QueueSize)*2
	g.writeUint16(slot, head)
	g.availIdx++
	g.writeUint16(g.AvailRing+2, g.availIdx)
}

// SetAvailIdx overwrites the available index without adding entries.
func (g *Guest) SetAvailIdx(idx uint16) {
	g.availIdx = idx
	g.writeUint16(g.AvailRing+2, idx)
}

// SetAvailFlags writes the available ring flags.
func (g *Guest) SetAvailFlags(flags uint16) {
	g.writeUint16(g.AvailRing, flags)
}

// SetUsedEvent writes the used_event field that follows the available ring.
func (g *Guest) SetUsedEvent(v uint16) {
	g.writeUint16(g.AvailRing+4+uint64(g.QueueSize)*2, v)
}

// UsedIdx returns the used index published by the device.
func (g *Guest) UsedIdx() uint16 {
	return binary.LittleEndian.Uint16(g.Read(g.UsedRing+2, 2))
}

// AvailEvent returns the avail_event field written by the device.
func (g *Guest) AvailEvent() uint16 {
	return binary.LittleEndian.Uint16(g.Read(g.UsedRing+4+uint64(g.QueueSize)*8, 2))
}

// UsedElem returns used ring entry i.
func (g *Guest) UsedElem(i uint16) (id uint32, length uint32) {
	buf := g.Read(g.UsedRing+4+uint64(i%g.QueueSize)*8, 8)
	return binary.LittleEndian.Uint32(buf[0:4]), binary.LittleEndian.Uint32(buf[4:8])
}

// Write copies data into guest memory and panics on a bad address.
func (g *Guest) Write(addr uint64, data []byte) {
	if err := virtio.WriteGuest(g.Mem, addr, data); err != nil {
		panic(fmt.Sprintf("virtiotest: write %#x: %v", addr, err))
	}
}

// Read copies n bytes out of guest memory and panics on a bad address.
func (g *Guest) Read(addr uint64, n int) []byte {
	buf := make([]byte, n)
	if err := virtio.ReadGuest(g.Mem, addr, buf); err != nil {
		panic(fmt.Sprintf("virtiotest: read %#x: %v", addr, err))
	}
	return buf
}

func (g *Guest) writeUint16(addr uint64, v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	g.Write(addr, buf[:])
}
