// Package debug is a process-wide binary trace log for device hot paths
// (queue notifications, chain processing, transport register accesses).
// Writes are lock free and become no-ops until a log is opened.
//
// Each record is a 16 byte header followed by the source and the message:
//   - 2 bytes record kind
//   - 2 bytes source length
//   - 4 bytes message length
//   - 8 bytes timestamp (nanoseconds since epoch)
//
// Concurrent writers reserve space by atomically advancing the file offset.
package debug

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"
)

const headerSize = 16

// Kind tags the payload of a record.
type Kind uint16

const (
	KindInvalid Kind = iota
	KindBytes
	KindString
)

// Writer is the destination of a trace log.
type Writer interface {
	io.WriterAt
	io.Closer
}

type writer struct {
	w Writer
}

var (
	current atomic.Pointer[writer]
	offset  atomic.Uint64
)

// OpenFile truncates filename and starts logging to it.
func OpenFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	return Open(f)
}

// Open starts logging to w. The returned error is a warning that a previous
// writer was replaced without being closed.
func Open(w Writer) error {
	offset.Store(0)
	if current.Swap(&writer{w: w}) != nil {
		return fmt.Errorf("debug: already open, discarded old writer")
	}
	return nil
}

// Close stops logging and closes the writer.
func Close() error {
	w := current.Swap(nil)
	offset.Store(0)
	if w != nil {
		return w.w.Close()
	}
	return nil
}

// Enabled reports whether a trace log is open.
func Enabled() bool {
	return current.Load() != nil
}

func writeRecord(kind Kind, source string, data []byte) {
	w := current.Load()
	if w == nil {
		return
	}

	size := headerSize + len(source) + len(data)
	rec := make([]byte, size)
	binary.LittleEndian.PutUint16(rec[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(rec[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(rec[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(rec[8:16], uint64(time.Now().UnixNano()))
	copy(rec[headerSize:], source)
	copy(rec[headerSize+len(source):], data)

	off := offset.Add(uint64(size)) - uint64(size)
	// Trace loss is not worth failing the device path over.
	_, _ = w.w.WriteAt(rec, int64(off))
}

// WriteBytes records raw bytes under source.
func WriteBytes(source string, data []byte) {
	writeRecord(KindBytes, source, data)
}

// Write records a message under source.
func Write(source string, msg string) {
	writeRecord(KindString, source, []byte(msg))
}

// Writef records a formatted message under source.
func Writef(source string, format string, args ...any) {
	if current.Load() == nil {
		return
	}
	writeRecord(KindString, source, fmt.Appendf(nil, format, args...))
}

// Entry is one decoded record.
type Entry struct {
	Time   time.Time
	Kind   Kind
	Source string
	Data   []byte
}

// Each decodes records from r in write order until the end of the log or an
// all-zero header (space reserved by a writer that never completed).
func Each(r io.ReaderAt, fn func(Entry) error) error {
	var off int64
	for {
		var header [headerSize]byte
		n, err := r.ReadAt(header[:], off)
		if n < headerSize {
			if err == nil || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		kind := Kind(binary.LittleEndian.Uint16(header[0:2]))
		if kind == KindInvalid {
			return nil
		}
		sourceLen := int(binary.LittleEndian.Uint16(header[2:4]))
		dataLen := int(binary.LittleEndian.Uint32(header[4:8]))
		ts := int64(binary.LittleEndian.Uint64(header[8:16]))

		body := make([]byte, sourceLen+dataLen)
		if n, err := r.ReadAt(body, off+headerSize); n < len(body) {
			return fmt.Errorf("debug: truncated record at %d: %w", off, err)
		}
		if err := fn(Entry{
			Time:   time.Unix(0, ts),
			Kind:   kind,
			Source: string(body[:sourceLen]),
			Data:   body[sourceLen:],
		}); err != nil {
			return err
		}
		off += int64(headerSize + len(body))
	}
}
