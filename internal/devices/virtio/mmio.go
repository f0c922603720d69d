package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/vrdma/internal/debug"
	"github.com/tinyrange/vrdma/internal/eventfd"
)

const (
	VIRTIO_MMIO_MAGIC_VALUE         = 0x000
	VIRTIO_MMIO_VERSION             = 0x004
	VIRTIO_MMIO_DEVICE_ID           = 0x008
	VIRTIO_MMIO_VENDOR_ID           = 0x00c
	VIRTIO_MMIO_DEVICE_FEATURES     = 0x010
	VIRTIO_MMIO_DEVICE_FEATURES_SEL = 0x014
	VIRTIO_MMIO_DRIVER_FEATURES     = 0x020
	VIRTIO_MMIO_DRIVER_FEATURES_SEL = 0x024
	VIRTIO_MMIO_QUEUE_SEL           = 0x030
	VIRTIO_MMIO_QUEUE_NUM_MAX       = 0x034
	VIRTIO_MMIO_QUEUE_NUM           = 0x038
	VIRTIO_MMIO_QUEUE_READY         = 0x044
	VIRTIO_MMIO_QUEUE_NOTIFY        = 0x050
	VIRTIO_MMIO_INTERRUPT_STATUS    = 0x060
	VIRTIO_MMIO_INTERRUPT_ACK       = 0x064
	VIRTIO_MMIO_STATUS              = 0x070
	VIRTIO_MMIO_QUEUE_DESC_LOW      = 0x080
	VIRTIO_MMIO_QUEUE_DESC_HIGH     = 0x084
	VIRTIO_MMIO_QUEUE_AVAIL_LOW     = 0x090
	VIRTIO_MMIO_QUEUE_AVAIL_HIGH    = 0x094
	VIRTIO_MMIO_QUEUE_USED_LOW      = 0x0a0
	VIRTIO_MMIO_QUEUE_USED_HIGH     = 0x0a4
	VIRTIO_MMIO_CONFIG_GENERATION   = 0x0fc
	VIRTIO_MMIO_CONFIG              = 0x100

	mmioMagic   = 0x74726976 // "virt"
	mmioVersion = 2
	mmioVendor  = 0x554d4551 // "QEMU"
)

// Device status bits written by the driver.
const (
	StatusAcknowledge      = 0x01
	StatusDriver           = 0x02
	StatusDriverOK         = 0x04
	StatusFeaturesOK       = 0x08
	StatusDeviceNeedsReset = 0x40
	StatusFailed           = 0x80
)

// MMIOConfig places a transport in the guest physical address space.
type MMIOConfig struct {
	Base    uint64
	Size    uint64
	IRQLine uint32
}

// MMIOTransport exposes a Device through the virtio-mmio register layout
// and performs feature negotiation and activation on behalf of the driver.
type MMIOTransport struct {
	mu sync.Mutex

	dev     Device
	devLock sync.Locker
	mem     GuestMemory
	irq     *mmioInterrupt

	base    uint64
	size    uint64
	irqLine uint32

	deviceFeatureSel uint32
	driverFeatureSel uint32
	driverFeatures   uint64
	queueSel         uint32
	deviceStatus     uint32
	configGeneration uint32
}

// NewMMIOTransport creates a transport for dev. devLock must be the lock that
// serializes every other user of dev; irq receives a write for each
// interrupt raised by the device.
func NewMMIOTransport(cfg MMIOConfig, dev Device, devLock sync.Locker, mem GuestMemory, irq *eventfd.EventFd) *MMIOTransport {
	return &MMIOTransport{
		dev:     dev,
		devLock: devLock,
		mem:     mem,
		irq:     &mmioInterrupt{irq: irq},
		base:    cfg.Base,
		size:    cfg.Size,
		irqLine: cfg.IRQLine,
	}
}

// Base returns the MMIO base address.
func (t *MMIOTransport) Base() uint64 { return t.base }

// Size returns the MMIO region size.
func (t *MMIOTransport) Size() uint64 { return t.size }

// IRQLine returns the interrupt line.
func (t *MMIOTransport) IRQLine() uint32 { return t.irqLine }

// Interrupt returns the interrupt capability handed to the device.
func (t *MMIOTransport) Interrupt() Interrupt { return t.irq }

// LinuxCommandLineParam returns the kernel parameter describing the device.
func (t *MMIOTransport) LinuxCommandLineParam() string {
	return fmt.Sprintf("virtio_mmio.device=4K@0x%x:%d", t.base, t.irqLine)
}

// ReadMMIO handles a guest read of len(data) bytes at addr.
func (t *MMIOTransport) ReadMMIO(addr uint64, data []byte) error {
	offset, err := t.checkBounds(addr, len(data))
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if offset >= VIRTIO_MMIO_CONFIG {
		t.devLock.Lock()
		t.dev.ReadConfig(offset-VIRTIO_MMIO_CONFIG, data)
		t.devLock.Unlock()
		return nil
	}
	if len(data) != 4 {
		return fmt.Errorf("virtio-mmio: unsupported register read length %d at %#x", len(data), offset)
	}
	binary.LittleEndian.PutUint32(data, t.readRegister(offset))
	return nil
}

// WriteMMIO handles a guest write of data at addr.
func (t *MMIOTransport) WriteMMIO(addr uint64, data []byte) error {
	offset, err := t.checkBounds(addr, len(data))
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if offset >= VIRTIO_MMIO_CONFIG {
		t.devLock.Lock()
		t.dev.WriteConfig(offset-VIRTIO_MMIO_CONFIG, data)
		t.devLock.Unlock()
		return nil
	}
	if len(data) != 4 {
		return fmt.Errorf("virtio-mmio: unsupported register write length %d at %#x", len(data), offset)
	}
	return t.writeRegister(offset, binary.LittleEndian.Uint32(data))
}

func (t *MMIOTransport) checkBounds(addr uint64, length int) (uint64, error) {
	if length == 0 || length > 8 {
		return 0, fmt.Errorf("virtio-mmio: unsupported access length %d", length)
	}
	if addr < t.base || addr+uint64(length) > t.base+t.size {
		return 0, fmt.Errorf("virtio-mmio: access outside region base=%#x size=%#x addr=%#x length=%d",
			t.base, t.size, addr, length)
	}
	return addr - t.base, nil
}

func (t *MMIOTransport) readRegister(offset uint64) uint32 {
	switch offset {
	case VIRTIO_MMIO_MAGIC_VALUE:
		return mmioMagic
	case VIRTIO_MMIO_VERSION:
		return mmioVersion
	case VIRTIO_MMIO_DEVICE_ID:
		t.devLock.Lock()
		defer t.devLock.Unlock()
		return t.dev.DeviceType()
	case VIRTIO_MMIO_VENDOR_ID:
		return mmioVendor
	case VIRTIO_MMIO_DEVICE_FEATURES:
		t.devLock.Lock()
		avail := t.dev.AvailFeatures()
		t.devLock.Unlock()
		return featureWindow(avail, t.deviceFeatureSel)
	case VIRTIO_MMIO_DEVICE_FEATURES_SEL:
		return t.deviceFeatureSel
	case VIRTIO_MMIO_DRIVER_FEATURES:
		return featureWindow(t.driverFeatures, t.driverFeatureSel)
	case VIRTIO_MMIO_DRIVER_FEATURES_SEL:
		return t.driverFeatureSel
	case VIRTIO_MMIO_QUEUE_SEL:
		return t.queueSel
	case VIRTIO_MMIO_INTERRUPT_STATUS:
		return t.irq.status.Load()
	case VIRTIO_MMIO_STATUS:
		return t.deviceStatus
	case VIRTIO_MMIO_CONFIG_GENERATION:
		return t.configGeneration
	}

	t.devLock.Lock()
	defer t.devLock.Unlock()
	q := t.selectedQueue()
	if q == nil {
		return 0
	}
	switch offset {
	case VIRTIO_MMIO_QUEUE_NUM_MAX:
		return uint32(q.MaxSize)
	case VIRTIO_MMIO_QUEUE_NUM:
		return uint32(q.Size)
	case VIRTIO_MMIO_QUEUE_READY:
		if q.Ready {
			return 1
		}
		return 0
	case VIRTIO_MMIO_QUEUE_DESC_LOW:
		return uint32(q.DescTableAddr)
	case VIRTIO_MMIO_QUEUE_DESC_HIGH:
		return uint32(q.DescTableAddr >> 32)
	case VIRTIO_MMIO_QUEUE_AVAIL_LOW:
		return uint32(q.AvailRingAddr)
	case VIRTIO_MMIO_QUEUE_AVAIL_HIGH:
		return uint32(q.AvailRingAddr >> 32)
	case VIRTIO_MMIO_QUEUE_USED_LOW:
		return uint32(q.UsedRingAddr)
	case VIRTIO_MMIO_QUEUE_USED_HIGH:
		return uint32(q.UsedRingAddr >> 32)
	}
	return 0
}

// selectedQueue requires devLock.
func (t *MMIOTransport) selectedQueue() *Queue {
	queues := t.dev.Queues()
	if int(t.queueSel) >= len(queues) {
		return nil
	}
	return queues[t.queueSel]
}

func (t *MMIOTransport) writeRegister(offset uint64, value uint32) error {
	switch offset {
	case VIRTIO_MMIO_DEVICE_FEATURES_SEL:
		t.deviceFeatureSel = value
	case VIRTIO_MMIO_DRIVER_FEATURES_SEL:
		t.driverFeatureSel = value
	case VIRTIO_MMIO_DRIVER_FEATURES:
		if t.deviceStatus&StatusFeaturesOK != 0 {
			slog.Warn("virtio-mmio: driver features written after FEATURES_OK", "value", value)
			return nil
		}
		switch t.driverFeatureSel {
		case 0:
			t.driverFeatures = (t.driverFeatures &^ 0xffffffff) | uint64(value)
		case 1:
			t.driverFeatures = (t.driverFeatures & 0xffffffff) | uint64(value)<<32
		}
	case VIRTIO_MMIO_QUEUE_SEL:
		t.queueSel = value
	case VIRTIO_MMIO_QUEUE_NOTIFY:
		return t.notifyQueue(value)
	case VIRTIO_MMIO_INTERRUPT_ACK:
		t.irq.ack(value)
	case VIRTIO_MMIO_STATUS:
		return t.setStatus(value)
	case VIRTIO_MMIO_QUEUE_NUM, VIRTIO_MMIO_QUEUE_READY,
		VIRTIO_MMIO_QUEUE_DESC_LOW, VIRTIO_MMIO_QUEUE_DESC_HIGH,
		VIRTIO_MMIO_QUEUE_AVAIL_LOW, VIRTIO_MMIO_QUEUE_AVAIL_HIGH,
		VIRTIO_MMIO_QUEUE_USED_LOW, VIRTIO_MMIO_QUEUE_USED_HIGH:
		return t.writeQueueRegister(offset, value)
	default:
		debug.Writef("virtio-mmio.write", "ignored offset=%#x value=%#x", offset, value)
	}
	return nil
}

func (t *MMIOTransport) writeQueueRegister(offset uint64, value uint32) error {
	if t.deviceStatus&StatusDriverOK != 0 {
		slog.Warn("virtio-mmio: queue programmed after DRIVER_OK", "offset", fmt.Sprintf("%#x", offset))
		return nil
	}
	t.devLock.Lock()
	defer t.devLock.Unlock()
	q := t.selectedQueue()
	if q == nil {
		return fmt.Errorf("virtio-mmio: queue %d does not exist", t.queueSel)
	}
	switch offset {
	case VIRTIO_MMIO_QUEUE_NUM:
		if value > uint32(q.MaxSize) {
			return fmt.Errorf("virtio-mmio: queue size %d exceeds max %d", value, q.MaxSize)
		}
		q.Size = uint16(value)
	case VIRTIO_MMIO_QUEUE_READY:
		q.Ready = value&0x1 != 0
	case VIRTIO_MMIO_QUEUE_DESC_LOW:
		q.DescTableAddr = (q.DescTableAddr &^ 0xffffffff) | uint64(value)
	case VIRTIO_MMIO_QUEUE_DESC_HIGH:
		q.DescTableAddr = (q.DescTableAddr & 0xffffffff) | uint64(value)<<32
	case VIRTIO_MMIO_QUEUE_AVAIL_LOW:
		q.AvailRingAddr = (q.AvailRingAddr &^ 0xffffffff) | uint64(value)
	case VIRTIO_MMIO_QUEUE_AVAIL_HIGH:
		q.AvailRingAddr = (q.AvailRingAddr & 0xffffffff) | uint64(value)<<32
	case VIRTIO_MMIO_QUEUE_USED_LOW:
		q.UsedRingAddr = (q.UsedRingAddr &^ 0xffffffff) | uint64(value)
	case VIRTIO_MMIO_QUEUE_USED_HIGH:
		q.UsedRingAddr = (q.UsedRingAddr & 0xffffffff) | uint64(value)<<32
	}
	return nil
}

func (t *MMIOTransport) notifyQueue(index uint32) error {
	t.devLock.Lock()
	events := t.dev.QueueEvents()
	t.devLock.Unlock()
	if int(index) >= len(events) {
		return fmt.Errorf("virtio-mmio: notify for unknown queue %d", index)
	}
	debug.Writef("virtio-mmio.notify", "queue=%d", index)
	return events[index].Write(1)
}

func (t *MMIOTransport) setStatus(value uint32) error {
	if value == 0 {
		t.reset()
		return nil
	}
	changed := value &^ t.deviceStatus

	if changed&StatusFeaturesOK != 0 {
		t.devLock.Lock()
		avail := t.dev.AvailFeatures()
		if t.driverFeatures&^avail != 0 {
			t.devLock.Unlock()
			slog.Warn("virtio-mmio: driver accepted features the device does not offer",
				"driver", fmt.Sprintf("%#x", t.driverFeatures), "device", fmt.Sprintf("%#x", avail))
			// Leaving FEATURES_OK clear tells the driver negotiation failed.
			t.deviceStatus = value &^ StatusFeaturesOK &^ StatusDriverOK
			return nil
		}
		t.dev.SetAckedFeatures(t.driverFeatures)
		t.devLock.Unlock()
	}

	t.deviceStatus = value

	if changed&StatusDriverOK != 0 {
		t.activate()
	}
	return nil
}

func (t *MMIOTransport) activate() {
	t.devLock.Lock()
	defer t.devLock.Unlock()

	eventIdx := t.dev.AckedFeatures()&(1<<VIRTIO_F_RING_EVENT_IDX) != 0
	for _, q := range t.dev.Queues() {
		q.EventIdx = eventIdx
	}
	if err := t.dev.Activate(t.mem, t.irq); err != nil {
		slog.Error("virtio-mmio: device activation failed", "id", t.dev.ID(), "err", err)
		t.deviceStatus |= StatusDeviceNeedsReset
		t.configGeneration++
		if err := t.irq.Trigger(ConfigInterrupt()); err != nil {
			slog.Error("virtio-mmio: failed to signal config change", "err", err)
		}
	}
}

func (t *MMIOTransport) reset() {
	t.devLock.Lock()
	defer t.devLock.Unlock()

	if t.dev.IsActivated() {
		slog.Warn("virtio-mmio: reset of an activated device is not supported", "id", t.dev.ID())
		return
	}
	t.deviceFeatureSel = 0
	t.driverFeatureSel = 0
	t.driverFeatures = 0
	t.queueSel = 0
	t.deviceStatus = 0
	t.irq.status.Store(0)
	for _, q := range t.dev.Queues() {
		q.Reset()
	}
}

func featureWindow(features uint64, sel uint32) uint32 {
	switch sel {
	case 0:
		return uint32(features)
	case 1:
		return uint32(features >> 32)
	}
	return 0
}
