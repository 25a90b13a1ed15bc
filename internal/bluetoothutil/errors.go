package bluetoothutil

import (
	"errors"
	"strings"

	"github.com/godbus/dbus/v5"
)

// BlueZ and D-Bus error names the transport reacts to.
const (
	dbusNotReady      = "org.bluez.Error.NotReady"
	dbusFailed        = "org.bluez.Error.Failed"
	dbusInProgress    = "org.bluez.Error.InProgress"
	dbusNotConnected  = "org.bluez.Error.NotConnected"
	dbusUnknownObject = "org.freedesktop.DBus.Error.UnknownObject"
)

// dbusErrorName extracts the D-Bus error name from err whether the library
// returned the error by value or by pointer.
func dbusErrorName(err error) string {
	var byPtr *dbus.Error
	if errors.As(err, &byPtr) && byPtr != nil {
		return byPtr.Name
	}
	var byVal dbus.Error
	if errors.As(err, &byVal) {
		return byVal.Name
	}

	return ""
}

func IsDBusErrorName(err error, want string) bool {
	return err != nil && dbusErrorName(err) == want
}

func messageHasAny(err error, fragments ...string) bool {
	msg := strings.ToLower(err.Error())
	for _, fragment := range fragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}

	return false
}

// IsBenignStopScanError reports StopScan failures that only mean no scan was running.
func IsBenignStopScanError(err error) bool {
	if err == nil {
		return true
	}
	switch dbusErrorName(err) {
	case dbusNotReady:
		return true
	case dbusFailed:
		if messageHasAny(err, "no discovery started") {
			return true
		}
	}

	return messageHasAny(err, "cancel", "stopped", "not scanning", "no scan in progress")
}

func IsScanAlreadyInProgressError(err error) bool {
	if err == nil {
		return false
	}

	return dbusErrorName(err) == dbusInProgress || messageHasAny(err, "already in progress")
}

// IsDeviceGoneError reports BlueZ errors meaning the radio dropped the link.
func IsDeviceGoneError(err error) bool {
	if err == nil {
		return false
	}
	switch dbusErrorName(err) {
	case dbusNotConnected, dbusUnknownObject:
		return true
	}

	return messageHasAny(err, "not connected", "disconnected")
}
