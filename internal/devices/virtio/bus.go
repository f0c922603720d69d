package virtio

import "fmt"

// Standard placement of virtio-mmio slots.
const (
	MMIOBusBase  = 0xd0000000
	MMIOSlotSize = 0x1000
	MMIOIRQBase  = 5
)

// MMIOBus manages a contiguous region of virtio-mmio slots. Empty slots read
// as zero (magic 0 means no device) so a guest can probe every slot.
type MMIOBus struct {
	baseAddr uint64
	slotSize uint64
	slots    []*MMIOTransport
}

// NewMMIOBus creates a bus of slotCount empty slots starting at baseAddr.
func NewMMIOBus(baseAddr, slotSize uint64, slotCount int) *MMIOBus {
	return &MMIOBus{
		baseAddr: baseAddr,
		slotSize: slotSize,
		slots:    make([]*MMIOTransport, slotCount),
	}
}

// SlotConfig returns the transport placement for slot.
func (b *MMIOBus) SlotConfig(slot int) MMIOConfig {
	return MMIOConfig{
		Base:    b.SlotAddress(slot),
		Size:    b.slotSize,
		IRQLine: MMIOIRQBase + uint32(slot),
	}
}

// SlotAddress returns the MMIO base address for a given slot.
func (b *MMIOBus) SlotAddress(slot int) uint64 {
	return b.baseAddr + uint64(slot)*b.slotSize
}

// Attach places t in slot. The transport must have been created with the
// slot's configuration.
func (b *MMIOBus) Attach(slot int, t *MMIOTransport) error {
	if slot < 0 || slot >= len(b.slots) {
		return fmt.Errorf("virtio-mmio: slot %d out of range (%d slots)", slot, len(b.slots))
	}
	if t.Base() != b.SlotAddress(slot) {
		return fmt.Errorf("virtio-mmio: transport at %#x does not match slot %d at %#x",
			t.Base(), slot, b.SlotAddress(slot))
	}
	if b.slots[slot] != nil {
		return fmt.Errorf("virtio-mmio: slot %d already in use", slot)
	}
	b.slots[slot] = t
	return nil
}

// Transports returns the attached transports in slot order.
func (b *MMIOBus) Transports() []*MMIOTransport {
	var out []*MMIOTransport
	for _, t := range b.slots {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

// Contains reports whether addr falls inside the bus region.
func (b *MMIOBus) Contains(addr uint64) bool {
	return addr >= b.baseAddr && addr < b.baseAddr+b.slotSize*uint64(len(b.slots))
}

func (b *MMIOBus) lookup(addr uint64) *MMIOTransport {
	if !b.Contains(addr) {
		return nil
	}
	return b.slots[(addr-b.baseAddr)/b.slotSize]
}

// ReadMMIO dispatches a guest read to the slot owning addr.
func (b *MMIOBus) ReadMMIO(addr uint64, data []byte) error {
	if !b.Contains(addr) {
		return fmt.Errorf("virtio-mmio: read outside bus at %#x", addr)
	}
	t := b.lookup(addr)
	if t == nil {
		clear(data)
		return nil
	}
	return t.ReadMMIO(addr, data)
}

// WriteMMIO dispatches a guest write to the slot owning addr. Writes to
// empty slots are ignored.
func (b *MMIOBus) WriteMMIO(addr uint64, data []byte) error {
	if !b.Contains(addr) {
		return fmt.Errorf("virtio-mmio: write outside bus at %#x", addr)
	}
	t := b.lookup(addr)
	if t == nil {
		return nil
	}
	return t.WriteMMIO(addr, data)
}
