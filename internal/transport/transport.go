package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/config"
)

var (
	// ErrNotConnected is returned by frame I/O before Connect or after Close.
	ErrNotConnected = errors.New("transport is not connected")
	// ErrClosed is returned when the peer or the stack closed the link.
	ErrClosed = errors.New("transport is closed")
)

// Transport moves whole ToRadio/FromRadio payloads; framing is transport specific.
type Transport interface {
	Name() string
	Connect(ctx context.Context) error
	Close() error
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, payload []byte) error
}

// StatusTargetResolver is implemented by transports that can describe their endpoint.
type StatusTargetResolver interface {
	StatusTarget() string
}

// New builds the transport selected by cfg.Connector.
func New(cfg config.MeshtasticConfig) (Transport, error) {
	switch cfg.Connector {
	case config.ConnectorTCP:
		return NewTCPTransport(cfg.Host, cfg.Port), nil
	case config.ConnectorSerial:
		return NewSerialTransport(cfg.SerialPort, cfg.SerialBaud), nil
	case config.ConnectorBluetooth:
		return NewBluetoothTransport(cfg.BluetoothAddress, cfg.BluetoothAdapter), nil
	default:
		return nil, fmt.Errorf("unsupported connection_type %q", cfg.Connector)
	}
}

// Target returns a printable endpoint for t, or its name when it cannot describe one.
func Target(t Transport) string {
	if r, ok := t.(StatusTargetResolver); ok {
		if target := r.StatusTarget(); target != "" {
			return target
		}
	}

	return t.Name()
}

// linkLogger reads slog.Default on every call so it follows the logging
// manager once the runtime has configured it.
func linkLogger(name string, attrs ...any) *slog.Logger {
	return slog.Default().With(append([]any{"component", "radio.transport", "transport", name}, attrs...)...)
}
