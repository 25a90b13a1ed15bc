package bluetoothutil

import (
	"fmt"
	"runtime"
	"strings"

	"tinygo.org/x/bluetooth"
)

// OpenAdapter powers on the adapter named by id ("hci1"); an empty id selects
// the system default.
func OpenAdapter(id string) (*bluetooth.Adapter, error) {
	id = strings.TrimSpace(id)
	adapter := adapterByID(id)
	if err := adapter.Enable(); err != nil && !adapterAlreadyUp(err) {
		if id == "" {
			id = "default"
		}

		return nil, fmt.Errorf("enable bluetooth adapter %s: %w", id, err)
	}

	return adapter, nil
}

// adapterAlreadyUp recognizes the Windows RoInitialize S_FALSE result, which
// the library reports as an error although COM is usable.
func adapterAlreadyUp(err error) bool {
	if runtime.GOOS != "windows" {
		return false
	}

	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(err.Error())), ".") == "incorrect function"
}
