package rdma

import (
	"bytes"
	"testing"
)

func TestWireLayout(t *testing.T) {
	var req Request
	if err := req.UnmarshalBinary([]byte{0x01, 0x00, 0x00, 0x00, 0x07, 0x00, 0x00, 0x00}); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if req.Opcode != OpCreateQP || req.QPID != 7 {
		t.Fatalf("request = %+v", req)
	}

	raw, _ := Request{Opcode: 0x04030201, QPID: 0x08070605}.MarshalBinary()
	if !bytes.Equal(raw, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Fatalf("request bytes = % x", raw)
	}

	raw, _ = Response{Status: StatusErr}.MarshalBinary()
	if !bytes.Equal(raw, []byte{1, 0, 0, 0}) {
		t.Fatalf("response bytes = % x", raw)
	}

	if err := req.UnmarshalBinary(make([]byte, RequestSize-1)); err == nil {
		t.Fatalf("short request decoded")
	}
	var resp Response
	if err := resp.UnmarshalBinary(make([]byte, ResponseSize-1)); err == nil {
		t.Fatalf("short response decoded")
	}
	if Status(9).String() != "status(9)" {
		t.Fatalf("Status(9) = %q", Status(9).String())
	}
}
