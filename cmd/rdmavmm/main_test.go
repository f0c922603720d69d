package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vrdma/internal/debug"
)

func TestPrintTrace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vm.trace")
	require.NoError(t, debug.OpenFile(path))
	debug.Writef("virtio-rdma.request", "id=rdma0 opcode=1 qp_id=7 status=ok")
	debug.Writef("virtio-mmio.notify", "queue=0")
	debug.WriteBytes("virtio-rdma.raw", []byte{0xde, 0xad})
	debug.Writef("virtio-rdma.request", "id=rdma0 opcode=9 qp_id=1 status=err")
	require.NoError(t, debug.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	lines := func(opts traceOptions) []string {
		var out bytes.Buffer
		require.NoError(t, printTrace(&out, f, opts))
		return strings.Split(strings.TrimSpace(out.String()), "\n")
	}

	all := lines(traceOptions{})
	require.Len(t, all, 4)
	assert.True(t, strings.HasSuffix(all[0], "[virtio-rdma.request] id=rdma0 opcode=1 qp_id=7 status=ok"), all[0])
	assert.True(t, strings.HasSuffix(all[2], "[virtio-rdma.raw] dead"), all[2])

	got := lines(traceOptions{source: "^virtio-rdma.request$", match: "status=err"})
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "opcode=9")

	got = lines(traceOptions{limit: 1, tail: true})
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "status=err")

	assert.Equal(t,
		[]string{"virtio-rdma.request", "virtio-mmio.notify", "virtio-rdma.raw"},
		lines(traceOptions{list: true}))

	assert.Error(t, printTrace(&bytes.Buffer{}, f, traceOptions{source: "("}))
}

func TestSetupLogging(t *testing.T) {
	assert.NoError(t, setupLogging("debug"))
	assert.NoError(t, setupLogging("WARN"))
	assert.Error(t, setupLogging("loud"))
}

func TestRunBootsFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "vm.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
machine-config:
  mem_size_mib: 4
rdma-devices:
  - id: rdma0
`), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := run(ctx, options{
		apiAddr:    filepath.Join(dir, "api.sock"),
		configFile: cfgPath,
		memSizeMib: 2,
	})
	assert.NoError(t, err)
}

func TestRunRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "vm.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("rdma-devices:\n  - id: a\n  - id: a\n"), 0o644))

	err := run(context.Background(), options{
		apiAddr:    filepath.Join(dir, "api.sock"),
		configFile: cfgPath,
	})
	assert.Error(t, err)
}
