// Package vmm ties the device registry, guest memory, the virtio-mmio bus and
// the event loop together and executes control-plane actions.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tinyrange/vrdma/internal/devices/virtio"
	"github.com/tinyrange/vrdma/internal/devices/virtio/rdma"
	"github.com/tinyrange/vrdma/internal/event"
	"github.com/tinyrange/vrdma/internal/eventfd"
	"github.com/tinyrange/vrdma/internal/vmmconfig"
)

const (
	guestMemoryBase = 0
	pollInterval    = 100 * time.Millisecond
)

// Vmm owns the VM state. HandleAction and Boot must only be called from the
// goroutine that runs the event loop, or before the loop starts.
type Vmm struct {
	machine vmmconfig.MachineConfig
	rdma    *vmmconfig.RdmaDeviceBuilder

	mgr  *event.Manager
	ctrl *Controller

	mem    *virtio.Memory
	bus    *virtio.MMIOBus
	irqs   []*eventfd.EventFd
	booted bool
}

// New creates an unbooted VMM and registers its controller with the event
// loop.
func New(machine vmmconfig.MachineConfig) (*Vmm, error) {
	if machine.MemSizeMib == 0 {
		machine.MemSizeMib = vmmconfig.DefaultMemSizeMib
	}
	mgr, err := event.NewManager()
	if err != nil {
		return nil, err
	}
	v := &Vmm{
		machine: machine,
		rdma:    vmmconfig.NewRdmaDeviceBuilder(),
		mgr:     mgr,
	}
	ctrl, err := newController(v.HandleAction)
	if err != nil {
		mgr.Close()
		return nil, err
	}
	v.ctrl = ctrl
	mgr.AddSubscriber(ctrl)
	return v, nil
}

// Controller returns the handle control-plane goroutines submit actions
// through.
func (v *Vmm) Controller() *Controller { return v.ctrl }

// RdmaDevices returns the device registry.
func (v *Vmm) RdmaDevices() *vmmconfig.RdmaDeviceBuilder { return v.rdma }

// Memory returns guest memory, or nil before boot.
func (v *Vmm) Memory() *virtio.Memory { return v.mem }

// Bus returns the virtio-mmio bus, or nil before boot.
func (v *Vmm) Bus() *virtio.MMIOBus { return v.bus }

// Booted reports whether StartInstance succeeded.
func (v *Vmm) Booted() bool { return v.booted }

// HandleAction executes a.
func (v *Vmm) HandleAction(a Action) (ActionResponse, error) {
	switch a := a.(type) {
	case InsertRdmaDevice:
		if v.booted {
			return ActionResponse{}, ErrOperationNotSupportedPostBoot
		}
		if err := v.rdma.Insert(a.Config); err != nil {
			return ActionResponse{}, err
		}
		slog.Info("vmm: rdma device configured", "id", a.Config.ID)
		return ActionResponse{}, nil
	case GetVMConfig:
		return ActionResponse{VMConfig: v.vmConfig()}, nil
	case StartInstance:
		return ActionResponse{}, v.Boot()
	}
	return ActionResponse{}, fmt.Errorf("vmm: unsupported action %T", a)
}

func (v *Vmm) vmConfig() *vmmconfig.VMConfig {
	return &vmmconfig.VMConfig{
		MachineConfig: v.machine,
		RdmaDevices:   v.rdma.Configs(),
	}
}

// Boot maps guest memory, places every configured device on the MMIO bus and
// registers the devices with the event loop.
func (v *Vmm) Boot() (err error) {
	if v.booted {
		return ErrAlreadyStarted
	}
	size := v.machine.MemSizeMib << 20
	if guestMemoryBase+size > virtio.MMIOBusBase {
		return fmt.Errorf("vmm: %d MiB of guest memory overlaps the MMIO region", v.machine.MemSizeMib)
	}

	mem, err := virtio.NewMemory(guestMemoryBase, size)
	if err != nil {
		return err
	}
	devices := v.rdma.Devices()
	bus := virtio.NewMMIOBus(virtio.MMIOBusBase, virtio.MMIOSlotSize, len(devices))

	var (
		irqs []*eventfd.EventFd
		subs []event.SubscriberID
	)
	defer func() {
		if err == nil {
			return
		}
		for _, id := range subs {
			v.mgr.RemoveSubscriber(id)
		}
		for _, irq := range irqs {
			irq.Close()
		}
		mem.Close()
	}()

	for i, shared := range devices {
		irq, err := eventfd.New()
		if err != nil {
			return fmt.Errorf("vmm: irq for %s: %w", shared.ID(), err)
		}
		irqs = append(irqs, irq)

		t := virtio.NewMMIOTransport(bus.SlotConfig(i), shared.Device(), shared, mem, irq)
		if err := bus.Attach(i, t); err != nil {
			return err
		}
		subs = append(subs, v.mgr.AddSubscriber(shared))
		slog.Info("vmm: attached rdma device", "id", shared.ID(),
			"base", fmt.Sprintf("%#x", t.Base()), "irq", t.IRQLine())
	}

	v.mem = mem
	v.bus = bus
	v.irqs = irqs
	v.booted = true
	slog.Info("vmm: instance started", "mem_size_mib", v.machine.MemSizeMib, "devices", len(devices))
	return nil
}

// KernelCmdline returns the kernel parameters describing the attached
// devices.
func (v *Vmm) KernelCmdline() string {
	if v.bus == nil {
		return ""
	}
	var params []string
	for _, t := range v.bus.Transports() {
		params = append(params, t.LinuxCommandLineParam())
	}
	return strings.Join(params, " ")
}

// RunOnce waits up to timeout for events and dispatches them.
func (v *Vmm) RunOnce(timeout time.Duration) (int, error) {
	return v.mgr.RunWithTimeout(int(timeout / time.Millisecond))
}

// Run drives the event loop until ctx is cancelled.
func (v *Vmm) Run(ctx context.Context) error {
	defer v.ctrl.stop()
	for ctx.Err() == nil {
		if _, err := v.RunOnce(pollInterval); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the event loop, guest memory and every device. It must not
// be called while Run is active.
func (v *Vmm) Close() error {
	v.ctrl.stop()
	errs := []error{v.ctrl.evt.Close(), v.mgr.Close()}
	for _, shared := range v.rdma.Devices() {
		shared.With(func(d *rdma.Device) { errs = append(errs, d.Close()) })
	}
	for _, irq := range v.irqs {
		errs = append(errs, irq.Close())
	}
	if v.mem != nil {
		errs = append(errs, v.mem.Close())
	}
	return errors.Join(errs...)
}
