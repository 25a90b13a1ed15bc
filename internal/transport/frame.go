package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	frameStart1 = 0x94
	frameStart2 = 0xC3
	// maxFramePayload is the firmware's largest ToRadio/FromRadio encoding.
	maxFramePayload = 512
)

type readFullFunc func(buf []byte) error

func encodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > maxFramePayload {
		return nil, fmt.Errorf("payload too large: %d > %d", len(payload), maxFramePayload)
	}

	frame := make([]byte, 4+len(payload))
	frame[0] = frameStart1
	frame[1] = frameStart2
	// #nosec G115 -- length is bounded by maxFramePayload above.
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[4:], payload)

	return frame, nil
}

// readFrame skips console noise until a frame header with a plausible length
// is found. Serial radios interleave debug log text with framed packets.
func readFrame(readFull readFullFunc) ([]byte, error) {
	for {
		if err := resyncToHeader(readFull); err != nil {
			return nil, err
		}

		var lenBuf [2]byte
		if err := readFull(lenBuf[:]); err != nil {
			return nil, fmt.Errorf("read frame length: %w", err)
		}
		ln := int(binary.BigEndian.Uint16(lenBuf[:]))
		if ln == 0 {
			return nil, fmt.Errorf("invalid frame length: %d", ln)
		}
		if ln > maxFramePayload {
			continue
		}

		payload := make([]byte, ln)
		if err := readFull(payload); err != nil {
			return nil, fmt.Errorf("read frame payload: %w", err)
		}

		return payload, nil
	}
}

func resyncToHeader(readFull readFullFunc) error {
	buf := make([]byte, 1)
	matched := false
	for {
		if err := readFull(buf); err != nil {
			return fmt.Errorf("read frame header: %w", err)
		}
		switch {
		case matched && buf[0] == frameStart2:
			return nil
		case buf[0] == frameStart1:
			matched = true
		default:
			matched = false
		}
	}
}

func ioReadFullFunc(r io.Reader) readFullFunc {
	return func(buf []byte) error {
		_, err := io.ReadFull(r, buf)

		return err
	}
}
