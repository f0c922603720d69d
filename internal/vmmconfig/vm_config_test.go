package vmmconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVMConfig(t *testing.T) {
	t.Run("YAML", func(t *testing.T) {
		cfg, err := ParseVMConfig([]byte(`
machine-config:
  mem_size_mib: 256
rdma-devices:
  - id: rdma0
  - id: rdma1
`))
		require.NoError(t, err)
		assert.Equal(t, uint64(256), cfg.MachineConfig.MemSizeMib)
		assert.Equal(t, []RdmaDeviceConfig{{ID: "rdma0"}, {ID: "rdma1"}}, cfg.RdmaDevices)
	})

	t.Run("JSON", func(t *testing.T) {
		cfg, err := ParseVMConfig([]byte(`{"rdma-devices": [{"id": "rdma0"}]}`))
		require.NoError(t, err)
		assert.Equal(t, uint64(DefaultMemSizeMib), cfg.MachineConfig.MemSizeMib)
		assert.Equal(t, []RdmaDeviceConfig{{ID: "rdma0"}}, cfg.RdmaDevices)
	})

	t.Run("Defaults", func(t *testing.T) {
		cfg, err := ParseVMConfig([]byte("machine-config: {}\n"))
		require.NoError(t, err)
		assert.Equal(t, uint64(DefaultMemSizeMib), cfg.MachineConfig.MemSizeMib)
		assert.NotNil(t, cfg.RdmaDevices)
	})

	for name, body := range map[string]string{
		"unknown top-level key": "network-interfaces: []\n",
		"unknown device field":  "rdma-devices:\n  - id: a\n    foo: 1\n",
		"empty id":              "rdma-devices:\n  - id: \"\"\n",
		"duplicate id":          "rdma-devices:\n  - id: a\n  - id: a\n",
		"empty document":        "",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseVMConfig([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestLoadVMConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rdma-devices:\n  - id: rdma0\n"), 0o644))

	cfg, err := LoadVMConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []RdmaDeviceConfig{{ID: "rdma0"}}, cfg.RdmaDevices)

	_, err = LoadVMConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
