package radio

import "github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/domain"

// QueueStatus is the radio's report about its own transmit queue.
type QueueStatus struct {
	Res          int32
	Free         uint32
	MaxLen       uint32
	MeshPacketID uint32
}

// Rejected reports whether the radio refused the packet it reports on.
func (q QueueStatus) Rejected() bool {
	return q.Res != 0
}

// DecodedFrame is a parsed inbound radio frame with optional event payloads.
type DecodedFrame struct {
	Packet           *domain.RadioPacket
	NodeUpdate       *domain.NodeUpdate
	MyNodeNum        uint32
	ConfigCompleteID uint32
	WantConfigReady  bool
	Rebooted         bool
	QueueStatus      *QueueStatus
	// RoutingError is the error_reason of a ROUTING_APP packet, zero when none.
	RoutingError int32
}

// OutgoingPacket is a mesh packet about to be written to the radio.
type OutgoingPacket struct {
	To      uint32
	Channel int
	PortNum domain.PortNum
	Payload []byte
	Options domain.SendOptions
}

// Codec translates between transport frames and radio events.
type Codec interface {
	EncodeWantConfig() ([]byte, uint32, error)
	EncodeHeartbeat() ([]byte, error)
	EncodeDisconnect() ([]byte, error)
	EncodePacket(pkt OutgoingPacket) ([]byte, uint32, error)
	DecodeFromRadio(payload []byte) (DecodedFrame, error)
}
