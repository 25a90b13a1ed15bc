package bluetoothutil

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tinygo.org/x/bluetooth"
)

// ErrDeviceNotFound is returned when a scan ends without a matching advertisement.
var ErrDeviceNotFound = errors.New("bluetooth device not found")

// DeviceMatcher decides whether a scan result is the radio being looked for.
type DeviceMatcher func(result bluetooth.ScanResult) bool

// MatchTarget matches a MAC address when raw parses as one, otherwise the advertised local name.
func MatchTarget(raw string) DeviceMatcher {
	raw = strings.TrimSpace(raw)
	if mac, err := bluetooth.ParseMAC(strings.ToUpper(raw)); err == nil {
		return func(result bluetooth.ScanResult) bool {
			return result.Address.MAC == mac
		}
	}

	return func(result bluetooth.ScanResult) bool {
		return raw != "" && strings.EqualFold(strings.TrimSpace(result.LocalName()), raw)
	}
}

func StopScan(adapter *bluetooth.Adapter) error {
	err := adapter.StopScan()
	if err != nil && !IsBenignStopScanError(err) {
		return err
	}

	return nil
}

// NormalizeScanError drops scan-stop noise and names the busy-adapter case.
func NormalizeScanError(err error) error {
	if err == nil || IsBenignStopScanError(err) {
		return nil
	}
	if IsScanAlreadyInProgressError(err) {
		return fmt.Errorf("adapter is busy with another scan: %w", err)
	}

	return err
}

// FindDevice scans until match accepts an advertisement or ctx ends.
func FindDevice(ctx context.Context, adapter *bluetooth.Adapter, match DeviceMatcher) (bluetooth.ScanResult, error) {
	if err := StopScan(adapter); err != nil {
		return bluetooth.ScanResult{}, fmt.Errorf("reset bluetooth scan state: %w", err)
	}

	found := make(chan bluetooth.ScanResult, 1)
	scanErr := make(chan error, 1)
	go func() {
		scanErr <- adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !match(result) {
				return
			}
			select {
			case found <- result:
			default:
			}
			_ = a.StopScan()
		})
	}()

	var (
		result bluetooth.ScanResult
		ok     bool
	)
	select {
	case result = <-found:
		ok = true
	case <-ctx.Done():
		_ = StopScan(adapter)
	}

	if err := NormalizeScanError(<-scanErr); err != nil {
		return bluetooth.ScanResult{}, fmt.Errorf("scan bluetooth devices: %w", err)
	}
	if !ok {
		// A match may still have landed between cancellation and scan stop.
		select {
		case result = <-found:
			return result, nil
		default:
		}

		return bluetooth.ScanResult{}, ErrDeviceNotFound
	}

	return result, nil
}
