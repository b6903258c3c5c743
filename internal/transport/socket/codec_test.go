package socket

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	in := []byte("hello")
	var b bytes.Buffer
	if err := WriteFrame(&b, in); err != nil {
		t.Fatal(err)
	}
	out, err := ReadFrame(bufio.NewReader(&b))
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != string(in) {
		t.Fatalf("got %q", out)
	}
}

func TestFrameRejectsOversized(t *testing.T) {
	tooBig := make([]byte, MaxFrameSize+1)
	var b bytes.Buffer
	if err := WriteFrame(&b, tooBig); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if b.Len() != 0 {
		t.Fatalf("oversized frame must not be written")
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff})); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge for oversized header, got %v", err)
	}
}

func TestFrameEdgeCases(t *testing.T) {
	var b bytes.Buffer
	if err := WriteFrame(&b, nil); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("expected ErrEmptyFrame, got %v", err)
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0})); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("expected ErrEmptyFrame, got %v", err)
	}
	if _, err := ReadFrame(bytes.NewReader(nil)); err != io.EOF {
		t.Fatalf("expected io.EOF between frames, got %v", err)
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 5, 'a'})); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected truncated body error, got %v", err)
	}
}

func TestFramesStayAlignedBackToBack(t *testing.T) {
	var b bytes.Buffer
	for _, p := range []string{"a", "bb", "ccc"} {
		if err := WriteFrame(&b, []byte(p)); err != nil {
			t.Fatal(err)
		}
	}
	r := bufio.NewReader(&b)
	for _, want := range []string{"a", "bb", "ccc"} {
		got, err := ReadFrame(r)
		if err != nil || string(got) != want {
			t.Fatalf("got %q, %v; want %q", got, err, want)
		}
	}
}

func TestCommandRequestRoundTrip(t *testing.T) {
	req := &SocketRequest{RequestId: "1", AuthToken: "tok", Operation: int32(OperationCommand), Command: []byte(`{"type":"ping","referenceId":"p"}`)}
	payload, err := MarshalMessage(req)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := UnmarshalRequest(payload)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.RequestId != "1" || decoded.AuthToken != "tok" || Operation(decoded.Operation) != OperationCommand || string(decoded.Command) != string(req.Command) {
		t.Fatalf("bad decode: %+v", decoded)
	}
}

func TestValidateRequest(t *testing.T) {
	if err := ValidateRequest(&SocketRequest{}); err == nil {
		t.Fatal("expected missing operation error")
	}
	if err := ValidateRequest(&SocketRequest{Operation: int32(OperationCommand)}); err == nil {
		t.Fatal("expected missing command error")
	}
	if err := ValidateRequest(&SocketRequest{Operation: int32(OperationPing)}); err != nil {
		t.Fatal(err)
	}
}
