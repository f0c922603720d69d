package vmmconfig

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultMemSizeMib is the guest memory size when none is configured.
const DefaultMemSizeMib = 128

// MachineConfig describes the guest machine.
type MachineConfig struct {
	MemSizeMib uint64 `json:"mem_size_mib" yaml:"mem_size_mib"`
}

// VMConfig is the full VM configuration. It is both the format of the
// --config-file input and the body of GET /vm/config.
type VMConfig struct {
	MachineConfig MachineConfig      `json:"machine-config" yaml:"machine-config"`
	RdmaDevices   []RdmaDeviceConfig `json:"rdma-devices" yaml:"rdma-devices"`
}

func (c *VMConfig) normalize() {
	if c.MachineConfig.MemSizeMib == 0 {
		c.MachineConfig.MemSizeMib = DefaultMemSizeMib
	}
	if c.RdmaDevices == nil {
		c.RdmaDevices = []RdmaDeviceConfig{}
	}
}

// Validate checks that every device has a unique, non-empty ID.
func (c *VMConfig) Validate() error {
	seen := make(map[string]bool, len(c.RdmaDevices))
	for i, dev := range c.RdmaDevices {
		if dev.ID == "" {
			return fmt.Errorf("rdma-devices[%d]: empty id", i)
		}
		if seen[dev.ID] {
			return fmt.Errorf("rdma-devices[%d]: duplicate id %q", i, dev.ID)
		}
		seen[dev.ID] = true
	}
	return nil
}

// ParseVMConfig decodes a YAML (or JSON) VM configuration. Unknown keys are
// errors.
func ParseVMConfig(data []byte) (VMConfig, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg VMConfig
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return VMConfig{}, fmt.Errorf("empty vm config")
		}
		return VMConfig{}, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return VMConfig{}, err
	}
	return cfg, nil
}

// LoadVMConfig reads and parses the VM configuration file at path.
func LoadVMConfig(path string) (VMConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return VMConfig{}, fmt.Errorf("read vm config: %w", err)
	}
	cfg, err := ParseVMConfig(data)
	if err != nil {
		return VMConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}
