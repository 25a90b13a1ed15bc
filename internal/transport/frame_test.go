package transport

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestReadFrameResyncsToHeader(t *testing.T) {
	want := []byte{0x01, 0x02, 0x03}
	raw := bytes.NewBuffer([]byte{
		0x00, 0x11, 0x22, // console noise before the frame
		frameStart1, frameStart1, frameStart2,
		0x00, 0x03,
		0x01, 0x02, 0x03,
	})

	got, err := readFrame(ioReadFullFunc(raw))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("payload mismatch: got %x want %x", got, want)
	}
}

func TestReadFrameSkipsImplausibleLength(t *testing.T) {
	raw := bytes.NewBuffer([]byte{
		frameStart1, frameStart2, 0xFF, 0xFF, // bogus header inside log text
		'x', 'y',
		frameStart1, frameStart2, 0x00, 0x01, 0x2a,
	})

	got, err := readFrame(ioReadFullFunc(raw))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(got, []byte{0x2a}) {
		t.Fatalf("unexpected payload %x", got)
	}
}

func TestReadFrameRejectsZeroLength(t *testing.T) {
	raw := bytes.NewBuffer([]byte{frameStart1, frameStart2, 0x00, 0x00})

	if _, err := readFrame(ioReadFullFunc(raw)); err == nil {
		t.Fatalf("expected error for zero-length frame, got nil")
	}
}

func TestEncodeFramePayloadTooLarge(t *testing.T) {
	if _, err := encodeFrame(make([]byte, maxFramePayload+1)); err == nil {
		t.Fatalf("expected payload size error, got nil")
	}
}

func TestEncodeFrameAndReadFrameRoundTrip(t *testing.T) {
	payload := []byte("hello")
	frame, err := encodeFrame(payload)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}

	got, err := readFrame(ioReadFullFunc(bytes.NewReader(frame)))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %q want %q", string(got), string(payload))
	}
}

func TestReadFramePayloadEOF(t *testing.T) {
	raw := bytes.NewBuffer([]byte{frameStart1, frameStart2, 0x00, 0x04, 0x01, 0x02})

	_, err := readFrame(ioReadFullFunc(raw))
	if err == nil {
		t.Fatalf("expected payload read error, got nil")
	}
	if err == io.ErrUnexpectedEOF || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected wrapped unexpected EOF, got %v", err)
	}
}
