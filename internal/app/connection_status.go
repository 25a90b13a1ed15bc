package app

import (
	"net"
	"strconv"
	"strings"

	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/config"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/connectors"
)

// TransportNameFromConnector matches the names transports report themselves.
func TransportNameFromConnector(connector config.ConnectorType) string {
	switch connector {
	case config.ConnectorTCP:
		return "tcp"
	case config.ConnectorSerial:
		return "serial"
	case config.ConnectorBluetooth:
		return "ble"
	default:
		if value := strings.TrimSpace(string(connector)); value != "" {
			return value
		}
		return "unknown"
	}
}

func ConnectionTarget(cfg config.MeshtasticConfig) string {
	switch cfg.Connector {
	case config.ConnectorTCP:
		host := strings.TrimSpace(cfg.Host)
		if host == "" {
			return ""
		}
		port := cfg.Port
		if port <= 0 {
			port = config.DefaultTCPPort
		}
		return net.JoinHostPort(host, strconv.Itoa(port))
	case config.ConnectorSerial:
		return strings.TrimSpace(cfg.SerialPort)
	case config.ConnectorBluetooth:
		return strings.TrimSpace(cfg.BluetoothAddress)
	default:
		return ""
	}
}

// ConnectionStatusFromConfig is the status reported before the link publishes
// its first transition.
func ConnectionStatusFromConfig(cfg config.MeshtasticConfig) connectors.ConnectionStatus {
	status := connectors.ConnectionStatus{
		State:         connectors.ConnectionStateDisconnected,
		TransportName: TransportNameFromConnector(cfg.Connector),
		Target:        ConnectionTarget(cfg),
	}
	if status.Target != "" {
		status.State = connectors.ConnectionStateConnecting
	}

	return status
}
