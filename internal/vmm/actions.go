package vmm

import (
	"errors"

	"github.com/tinyrange/vrdma/internal/vmmconfig"
)

var (
	// ErrOperationNotSupportedPostBoot is returned for configuration changes
	// after StartInstance.
	ErrOperationNotSupportedPostBoot = errors.New("the requested operation is not supported after starting the microVM")
	// ErrAlreadyStarted is returned for a second StartInstance.
	ErrAlreadyStarted = errors.New("the microVM is already running")
)

// Action is a request for the VMM, executed on the event loop.
type Action interface {
	action()
}

// InsertRdmaDevice adds or replaces an RDMA device before boot.
type InsertRdmaDevice struct {
	Config vmmconfig.RdmaDeviceConfig
}

// GetVMConfig returns the current VM configuration.
type GetVMConfig struct{}

// StartInstance boots the VM.
type StartInstance struct{}

func (InsertRdmaDevice) action() {}
func (GetVMConfig) action()      {}
func (StartInstance) action()    {}

// ActionResponse carries the output of actions that produce one.
type ActionResponse struct {
	VMConfig *vmmconfig.VMConfig
}
