package bluetoothutil

import (
	"errors"
	"runtime"
	"testing"
)

func TestAdapterAlreadyUp(t *testing.T) {
	if adapterAlreadyUp(errors.New("permission denied")) {
		t.Fatalf("unrelated error treated as already up")
	}

	want := runtime.GOOS == "windows"
	for _, msg := range []string{"Incorrect function.", " incorrect function "} {
		if got := adapterAlreadyUp(errors.New(msg)); got != want {
			t.Fatalf("adapterAlreadyUp(%q) = %v, want %v", msg, got, want)
		}
	}
}

func TestAdapterByID(t *testing.T) {
	for _, id := range []string{"", "hci1"} {
		if adapterByID(id) == nil {
			t.Fatalf("adapterByID(%q) returned nil", id)
		}
	}
}
