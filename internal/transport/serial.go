package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	defaultSerialBaud        = 115200
	defaultSerialReadTimeout = 300 * time.Millisecond
	serialWakeLen            = 32
)

// serialOpener is swapped in tests.
type serialOpener func(name string, mode *serial.Mode) (serial.Port, error)

// SerialTransport talks to a USB-attached radio through the framed stream API.
type SerialTransport struct {
	portName string
	baudRate int
	open     serialOpener

	mu      sync.Mutex
	port    serial.Port
	writeMu sync.Mutex
}

func NewSerialTransport(portName string, baudRate int) *SerialTransport {
	if baudRate <= 0 {
		baudRate = defaultSerialBaud
	}

	return &SerialTransport{
		portName: portName,
		baudRate: baudRate,
		open:     serial.Open,
	}
}

func (t *SerialTransport) Name() string {
	return "serial"
}

func (t *SerialTransport) StatusTarget() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.portName
}

func (t *SerialTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	logger := linkLogger("serial", "port", t.portName, "baud", t.baudRate)
	if t.port != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.portName == "" {
		return errors.New("serial port is empty")
	}

	logger.Info("opening serial port")
	port, err := t.open(t.portName, &serial.Mode{BaudRate: t.baudRate})
	if err != nil {
		logger.Warn("open serial port failed", "error", err)

		return fmt.Errorf("open serial port %q: %w", t.portName, err)
	}
	if err := port.SetReadTimeout(defaultSerialReadTimeout); err != nil {
		_ = port.Close()

		return fmt.Errorf("set serial read timeout: %w", err)
	}
	// Boot banners and console output queued before we attached are not frames.
	if err := port.ResetInputBuffer(); err != nil {
		logger.Debug("reset serial input buffer failed", "error", err)
	}
	// A run of START2 bytes wakes the firmware's serial API out of console mode.
	if err := writeFull(ctx, port, bytes.Repeat([]byte{frameStart2}, serialWakeLen)); err != nil {
		_ = port.Close()

		return fmt.Errorf("wake serial radio: %w", err)
	}
	t.port = port
	logger.Info("serial port opened")

	return nil
}

func (t *SerialTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	linkLogger("serial", "port", t.portName).Info("closed")

	return err
}

func (t *SerialTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	port, err := t.currentPort()
	if err != nil {
		return nil, err
	}

	payload, err := readFrame(func(buf []byte) error {
		return readFullWithContext(ctx, port, buf)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		return nil, fmt.Errorf("%w: %w", ErrClosed, err)
	}

	return payload, nil
}

func (t *SerialTransport) WriteFrame(ctx context.Context, payload []byte) error {
	port, err := t.currentPort()
	if err != nil {
		return err
	}

	frame, err := encodeFrame(payload)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := writeFull(ctx, port, frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	return nil
}

func (t *SerialTransport) currentPort() (serial.Port, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil, ErrNotConnected
	}

	return t.port, nil
}

// readFullWithContext relies on the port read timeout to poll ctx between reads.
func readFullWithContext(ctx context.Context, r io.Reader, buf []byte) error {
	read := 0
	for read < len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf[read:])
		if err != nil {
			return err
		}
		read += n
	}

	return nil
}

func writeFull(ctx context.Context, w io.Writer, buf []byte) error {
	written := 0
	for written < len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := w.Write(buf[written:])
		if err != nil {
			return err
		}
		written += n
	}

	return nil
}
