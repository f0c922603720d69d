// Package vmmconfig holds the configuration objects of the VMM and the
// builders that turn them into devices.
package vmmconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/tinyrange/vrdma/internal/devices/virtio/rdma"
)

// RdmaDeviceConfig configures one RDMA device before boot.
type RdmaDeviceConfig struct {
	// ID uniquely identifies the device.
	ID string `json:"id" yaml:"id"`
}

// ParseRdmaDeviceConfig decodes a JSON device configuration. Unknown fields
// and trailing data are rejected.
func ParseRdmaDeviceConfig(data []byte) (RdmaDeviceConfig, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var cfg RdmaDeviceConfig
	if err := dec.Decode(&cfg); err != nil {
		return RdmaDeviceConfig{}, fmt.Errorf("invalid rdma device config: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return RdmaDeviceConfig{}, fmt.Errorf("invalid rdma device config: trailing data")
	}
	return cfg, nil
}

// RdmaDeviceBuilder is the registry of configured RDMA devices, in insertion
// order.
type RdmaDeviceBuilder struct {
	devices []*rdma.Shared
}

// NewRdmaDeviceBuilder creates an empty registry.
func NewRdmaDeviceBuilder() *RdmaDeviceBuilder {
	return &RdmaDeviceBuilder{}
}

// Devices returns the registered devices.
func (b *RdmaDeviceBuilder) Devices() []*rdma.Shared {
	return slices.Clone(b.devices)
}

// Len returns the number of registered devices.
func (b *RdmaDeviceBuilder) Len() int {
	return len(b.devices)
}

// AddDevice appends an existing device.
func (b *RdmaDeviceBuilder) AddDevice(dev *rdma.Shared) {
	b.devices = append(b.devices, dev)
}

// Build creates a device for cfg. A device with the same ID is replaced at
// its position and closed; otherwise the new device is appended. Nothing
// changes if the device cannot be created.
func (b *RdmaDeviceBuilder) Build(cfg RdmaDeviceConfig) (*rdma.Shared, error) {
	dev, err := rdma.New(cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("unable to create the virtio-rdma device: %w", err)
	}
	shared := rdma.NewShared(dev)

	idx := slices.IndexFunc(b.devices, func(s *rdma.Shared) bool {
		return s.ID() == cfg.ID
	})
	if idx < 0 {
		b.devices = append(b.devices, shared)
		return shared, nil
	}

	old := b.devices[idx]
	b.devices[idx] = shared
	old.With(func(d *rdma.Device) {
		if err := d.Close(); err != nil {
			slog.Warn("vmmconfig: closing replaced rdma device", "id", cfg.ID, "err", err)
		}
	})
	return shared, nil
}

// Insert is Build without the returned handle.
func (b *RdmaDeviceBuilder) Insert(cfg RdmaDeviceConfig) error {
	_, err := b.Build(cfg)
	return err
}

// Configs rebuilds the configuration of every registered device.
func (b *RdmaDeviceBuilder) Configs() []RdmaDeviceConfig {
	configs := make([]RdmaDeviceConfig, 0, len(b.devices))
	for _, s := range b.devices {
		s.With(func(d *rdma.Device) {
			configs = append(configs, RdmaDeviceConfig{ID: d.ID()})
		})
	}
	return configs
}
