package virtio_test

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/tinyrange/vrdma/internal/devices/virtio"
	"github.com/tinyrange/vrdma/internal/devices/virtio/virtiotest"
	"github.com/tinyrange/vrdma/internal/eventfd"
)

const testBase = 0xd000_0000

type fakeDevice struct {
	queues      []*virtio.Queue
	events      []*eventfd.EventFd
	avail       uint64
	acked       uint64
	config      []byte
	activateErr error
	activated   bool
	mem         virtio.GuestMemory
	irq         virtio.Interrupt
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()
	evt, err := eventfd.New()
	if err != nil {
		t.Fatalf("eventfd: %v", err)
	}
	t.Cleanup(func() { evt.Close() })
	return &fakeDevice{
		queues: []*virtio.Queue{virtio.NewQueue(64)},
		events: []*eventfd.EventFd{evt},
		avail:  1<<virtio.VIRTIO_F_VERSION_1 | 1<<virtio.VIRTIO_F_RING_EVENT_IDX,
		config: []byte{0xaa, 0xbb, 0xcc, 0xdd},
	}
}

func (d *fakeDevice) DeviceType() uint32                  { return virtio.DeviceTypeRdma }
func (d *fakeDevice) ID() string                          { return "fake" }
func (d *fakeDevice) AvailFeatures() uint64               { return d.avail }
func (d *fakeDevice) AckedFeatures() uint64               { return d.acked }
func (d *fakeDevice) SetAckedFeatures(f uint64)           { d.acked = f }
func (d *fakeDevice) Queues() []*virtio.Queue             { return d.queues }
func (d *fakeDevice) QueueEvents() []*eventfd.EventFd     { return d.events }
func (d *fakeDevice) IsActivated() bool                   { return d.activated }
func (d *fakeDevice) WriteConfig(offset uint64, b []byte) {}

func (d *fakeDevice) ReadConfig(offset uint64, data []byte) {
	if offset < uint64(len(d.config)) {
		copy(data, d.config[offset:])
	}
}

func (d *fakeDevice) Activate(mem virtio.GuestMemory, irq virtio.Interrupt) error {
	if d.activateErr != nil {
		return d.activateErr
	}
	if err := d.queues[0].Initialize(mem); err != nil {
		return err
	}
	d.activated = true
	d.mem = mem
	d.irq = irq
	return nil
}

type testTransport struct {
	t   *testing.T
	tr  *virtio.MMIOTransport
	irq *eventfd.EventFd
}

func newTestTransport(t *testing.T, dev virtio.Device) (*testTransport, *virtiotest.Guest) {
	t.Helper()
	mem := virtiotest.NewMemory()
	irq, err := eventfd.New()
	if err != nil {
		t.Fatalf("eventfd: %v", err)
	}
	t.Cleanup(func() { irq.Close() })
	var mu sync.Mutex
	tr := virtio.NewMMIOTransport(virtio.MMIOConfig{Base: testBase, Size: 0x1000, IRQLine: 5}, dev, &mu, mem, irq)
	return &testTransport{t: t, tr: tr, irq: irq}, virtiotest.NewGuest(mem, 16)
}

func (tt *testTransport) read(off uint64) uint32 {
	tt.t.Helper()
	var buf [4]byte
	if err := tt.tr.ReadMMIO(testBase+off, buf[:]); err != nil {
		tt.t.Fatalf("read %#x: %v", off, err)
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func (tt *testTransport) write(off uint64, v uint32) {
	tt.t.Helper()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	if err := tt.tr.WriteMMIO(testBase+off, buf[:]); err != nil {
		tt.t.Fatalf("write %#x: %v", off, err)
	}
}

// negotiate drives the driver side of initialization up to DRIVER_OK.
func (tt *testTransport) negotiate(g *virtiotest.Guest, features uint64) {
	tt.write(virtio.VIRTIO_MMIO_STATUS, virtio.StatusAcknowledge)
	tt.write(virtio.VIRTIO_MMIO_STATUS, virtio.StatusAcknowledge|virtio.StatusDriver)
	tt.write(virtio.VIRTIO_MMIO_DRIVER_FEATURES_SEL, 0)
	tt.write(virtio.VIRTIO_MMIO_DRIVER_FEATURES, uint32(features))
	tt.write(virtio.VIRTIO_MMIO_DRIVER_FEATURES_SEL, 1)
	tt.write(virtio.VIRTIO_MMIO_DRIVER_FEATURES, uint32(features>>32))
	tt.write(virtio.VIRTIO_MMIO_STATUS, virtio.StatusAcknowledge|virtio.StatusDriver|virtio.StatusFeaturesOK)

	tt.write(virtio.VIRTIO_MMIO_QUEUE_SEL, 0)
	tt.write(virtio.VIRTIO_MMIO_QUEUE_NUM, uint32(g.QueueSize))
	tt.write(virtio.VIRTIO_MMIO_QUEUE_DESC_LOW, uint32(g.DescTable))
	tt.write(virtio.VIRTIO_MMIO_QUEUE_DESC_HIGH, uint32(g.DescTable>>32))
	tt.write(virtio.VIRTIO_MMIO_QUEUE_AVAIL_LOW, uint32(g.AvailRing))
	tt.write(virtio.VIRTIO_MMIO_QUEUE_AVAIL_HIGH, uint32(g.AvailRing>>32))
	tt.write(virtio.VIRTIO_MMIO_QUEUE_USED_LOW, uint32(g.UsedRing))
	tt.write(virtio.VIRTIO_MMIO_QUEUE_USED_HIGH, uint32(g.UsedRing>>32))
	tt.write(virtio.VIRTIO_MMIO_QUEUE_READY, 1)

	tt.write(virtio.VIRTIO_MMIO_STATUS,
		virtio.StatusAcknowledge|virtio.StatusDriver|virtio.StatusFeaturesOK|virtio.StatusDriverOK)
}

func TestMMIOIdentity(t *testing.T) {
	dev := newFakeDevice(t)
	tt, _ := newTestTransport(t, dev)

	if got := tt.read(virtio.VIRTIO_MMIO_MAGIC_VALUE); got != 0x74726976 {
		t.Fatalf("magic = %#x", got)
	}
	if got := tt.read(virtio.VIRTIO_MMIO_VERSION); got != 2 {
		t.Fatalf("version = %d", got)
	}
	if got := tt.read(virtio.VIRTIO_MMIO_DEVICE_ID); got != virtio.DeviceTypeRdma {
		t.Fatalf("device id = %d", got)
	}
	if got := tt.read(virtio.VIRTIO_MMIO_QUEUE_NUM_MAX); got != 64 {
		t.Fatalf("queue num max = %d", got)
	}

	tt.write(virtio.VIRTIO_MMIO_DEVICE_FEATURES_SEL, 1)
	if got := tt.read(virtio.VIRTIO_MMIO_DEVICE_FEATURES); got != 1 {
		t.Fatalf("device features high = %#x, want VERSION_1", got)
	}
	tt.write(virtio.VIRTIO_MMIO_DEVICE_FEATURES_SEL, 0)
	if got := tt.read(virtio.VIRTIO_MMIO_DEVICE_FEATURES); got != 1<<virtio.VIRTIO_F_RING_EVENT_IDX {
		t.Fatalf("device features low = %#x", got)
	}

	cfg := make([]byte, 2)
	if err := tt.tr.ReadMMIO(testBase+virtio.VIRTIO_MMIO_CONFIG+1, cfg); err != nil {
		t.Fatalf("config read: %v", err)
	}
	if cfg[0] != 0xbb || cfg[1] != 0xcc {
		t.Fatalf("config = %x", cfg)
	}

	if want := "virtio_mmio.device=4K@0xd0000000:5"; tt.tr.LinuxCommandLineParam() != want {
		t.Fatalf("cmdline = %q, want %q", tt.tr.LinuxCommandLineParam(), want)
	}
}

func TestMMIOAccessChecks(t *testing.T) {
	dev := newFakeDevice(t)
	tt, _ := newTestTransport(t, dev)

	if err := tt.tr.ReadMMIO(testBase-4, make([]byte, 4)); err == nil {
		t.Fatalf("read below region accepted")
	}
	if err := tt.tr.ReadMMIO(testBase+0x1000-2, make([]byte, 4)); err == nil {
		t.Fatalf("read past region accepted")
	}
	if err := tt.tr.ReadMMIO(testBase+virtio.VIRTIO_MMIO_STATUS, make([]byte, 2)); err == nil {
		t.Fatalf("2 byte register read accepted")
	}
}

func TestMMIONegotiateAndActivate(t *testing.T) {
	dev := newFakeDevice(t)
	tt, g := newTestTransport(t, dev)

	features := uint64(1<<virtio.VIRTIO_F_VERSION_1 | 1<<virtio.VIRTIO_F_RING_EVENT_IDX)
	tt.negotiate(g, features)

	if !dev.activated {
		t.Fatalf("device not activated after DRIVER_OK")
	}
	if dev.acked != features {
		t.Fatalf("acked features = %#x, want %#x", dev.acked, features)
	}
	if !dev.queues[0].EventIdx {
		t.Fatalf("EVENT_IDX not propagated to the queue")
	}
	if tt.read(virtio.VIRTIO_MMIO_STATUS)&virtio.StatusDeviceNeedsReset != 0 {
		t.Fatalf("NEEDS_RESET set after successful activation")
	}

	// Programming the queue after DRIVER_OK is ignored.
	tt.write(virtio.VIRTIO_MMIO_QUEUE_NUM, 4)
	if dev.queues[0].Size != g.QueueSize {
		t.Fatalf("queue size changed after DRIVER_OK")
	}

	tt.write(virtio.VIRTIO_MMIO_QUEUE_NOTIFY, 0)
	if v, err := dev.events[0].Read(); err != nil || v != 1 {
		t.Fatalf("queue event = %d, %v", v, err)
	}

	if err := dev.irq.Trigger(virtio.QueueInterrupt(0)); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if got := tt.read(virtio.VIRTIO_MMIO_INTERRUPT_STATUS); got != virtio.VIRTIO_MMIO_INT_VRING {
		t.Fatalf("interrupt status = %#x", got)
	}
	if v, err := tt.irq.Read(); err != nil || v != 1 {
		t.Fatalf("irqfd = %d, %v", v, err)
	}
	tt.write(virtio.VIRTIO_MMIO_INTERRUPT_ACK, virtio.VIRTIO_MMIO_INT_VRING)
	if got := tt.read(virtio.VIRTIO_MMIO_INTERRUPT_STATUS); got != 0 {
		t.Fatalf("interrupt status after ack = %#x", got)
	}

	// Reset of an activated device is refused.
	tt.write(virtio.VIRTIO_MMIO_STATUS, 0)
	if tt.read(virtio.VIRTIO_MMIO_STATUS) == 0 {
		t.Fatalf("activated device was reset")
	}
}

func TestMMIORejectsUnofferedFeatures(t *testing.T) {
	dev := newFakeDevice(t)
	dev.avail = 1 << virtio.VIRTIO_F_VERSION_1
	tt, g := newTestTransport(t, dev)

	tt.negotiate(g, 1<<virtio.VIRTIO_F_VERSION_1|1<<virtio.VIRTIO_F_RING_EVENT_IDX)

	if tt.read(virtio.VIRTIO_MMIO_STATUS)&virtio.StatusFeaturesOK != 0 {
		t.Fatalf("FEATURES_OK accepted for unoffered features")
	}
	if dev.acked != 0 {
		t.Fatalf("acked features = %#x, want none", dev.acked)
	}
}

func TestMMIOActivationFailure(t *testing.T) {
	dev := newFakeDevice(t)
	dev.activateErr = errors.New("boom")
	tt, g := newTestTransport(t, dev)

	tt.negotiate(g, 1<<virtio.VIRTIO_F_VERSION_1)

	if tt.read(virtio.VIRTIO_MMIO_STATUS)&virtio.StatusDeviceNeedsReset == 0 {
		t.Fatalf("NEEDS_RESET not set after failed activation")
	}
	if tt.read(virtio.VIRTIO_MMIO_CONFIG_GENERATION) != 1 {
		t.Fatalf("config generation not bumped")
	}
	if got := tt.read(virtio.VIRTIO_MMIO_INTERRUPT_STATUS); got != virtio.VIRTIO_MMIO_INT_CONFIG {
		t.Fatalf("interrupt status = %#x, want config", got)
	}

	// The device is still inactive, so reset goes through.
	tt.write(virtio.VIRTIO_MMIO_STATUS, 0)
	if tt.read(virtio.VIRTIO_MMIO_STATUS) != 0 {
		t.Fatalf("reset ignored")
	}
	if dev.queues[0].Ready {
		t.Fatalf("queue still ready after reset")
	}
}
