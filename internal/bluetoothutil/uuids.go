package bluetoothutil

import (
	"fmt"
	"strings"

	"tinygo.org/x/bluetooth"
)

// MeshtasticGATT holds the service and characteristic UUIDs a Meshtastic radio exposes.
type MeshtasticGATT struct {
	Service   bluetooth.UUID
	ToRadio   bluetooth.UUID
	FromRadio bluetooth.UUID
	FromNum   bluetooth.UUID
}

var meshtasticGATT = MeshtasticGATT{
	Service:   mustParseUUID("6ba1b218-15a8-461f-9fa8-5dcae273eafd"),
	ToRadio:   mustParseUUID("f75c76d2-129e-4dad-a1dd-7866124401e7"),
	FromRadio: mustParseUUID("2c55e69e-4993-11ed-b878-0242ac120002"),
	FromNum:   mustParseUUID("ed9da18c-a800-4f66-a670-aa7547e34453"),
}

func mustParseUUID(raw string) bluetooth.UUID {
	uuid, err := bluetooth.ParseUUID(strings.TrimSpace(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid bluetooth UUID %q: %v", raw, err))
	}

	return uuid
}

func Meshtastic() MeshtasticGATT {
	return meshtasticGATT
}

// Characteristics lists the characteristic UUIDs in ToRadio, FromRadio, FromNum order.
func (g MeshtasticGATT) Characteristics() []bluetooth.UUID {
	return []bluetooth.UUID{g.ToRadio, g.FromRadio, g.FromNum}
}
