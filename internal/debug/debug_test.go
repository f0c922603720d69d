package debug

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestTraceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.bin")
	if err := OpenFile(path); err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if !Enabled() {
		t.Fatalf("Enabled = false after OpenFile")
	}
	Writef("virtio-rdma.chain", "head=%d status=%d", 3, 0)
	WriteBytes("virtio-rdma.request", []byte{1, 0, 0, 0, 7, 0, 0, 0})
	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	var entries []Entry
	if err := Each(f, func(e Entry) error {
		entries = append(entries, e)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Source != "virtio-rdma.chain" || string(entries[0].Data) != "head=3 status=0" {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].Kind != KindBytes || len(entries[1].Data) != 8 {
		t.Fatalf("unexpected second entry: %+v", entries[1])
	}
}

func TestTraceDisabledIsNoop(t *testing.T) {
	if Enabled() {
		t.Fatalf("trace unexpectedly enabled")
	}
	Writef("virtio-rdma.chain", "dropped")
}

func TestTraceConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.bin")
	if err := OpenFile(path); err != nil {
		t.Fatalf("OpenFile: %v", err)
	}

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				Writef("worker", "%d/%d", i, j)
			}
		}(i)
	}
	wg.Wait()
	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	count := 0
	if err := Each(f, func(Entry) error {
		count++
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}
	if count != writers*perWriter {
		t.Fatalf("got %d entries, want %d", count, writers*perWriter)
	}
}
