package domain

import "time"

// BroadcastNodeNum is the mesh destination address for channel broadcasts.
const BroadcastNodeNum uint32 = 0xFFFFFFFF

// PortNum identifies the application a radio payload belongs to.
type PortNum uint32

const (
	PortUnknown         PortNum = 0
	PortTextMessage     PortNum = 1
	PortPosition        PortNum = 3
	PortNodeInfo        PortNum = 4
	PortRouting         PortNum = 5
	PortAdmin           PortNum = 6
	PortDetectionSensor PortNum = 10
	PortTelemetry       PortNum = 67
)

func (p PortNum) String() string {
	switch p {
	case PortTextMessage:
		return "TEXT_MESSAGE_APP"
	case PortPosition:
		return "POSITION_APP"
	case PortNodeInfo:
		return "NODEINFO_APP"
	case PortRouting:
		return "ROUTING_APP"
	case PortAdmin:
		return "ADMIN_APP"
	case PortDetectionSensor:
		return "DETECTION_SENSOR_APP"
	case PortTelemetry:
		return "TELEMETRY_APP"
	default:
		return "UNKNOWN_APP"
	}
}

// RadioPacket is a decoded mesh packet as delivered by the radio link.
type RadioPacket struct {
	ID       uint32
	From     uint32
	To       uint32
	Channel  int
	PortNum  PortNum
	Payload  []byte
	ReplyID  uint32
	Emoji    uint32
	RxTime   time.Time
	RxSNR    float32
	RxRSSI   int32
	HopLimit uint32
	HopStart uint32
	WantAck  bool
	ViaMQTT  bool
}

// IsBroadcast reports whether the packet was addressed to the whole channel.
func (p RadioPacket) IsBroadcast() bool {
	return p.To == BroadcastNodeNum
}

// Text returns the payload as a string for text-bearing ports.
func (p RadioPacket) Text() string {
	return string(p.Payload)
}

// SendOptions carries optional mesh packet fields for outgoing sends.
type SendOptions struct {
	ReplyID uint32
	Emoji   bool
	WantAck bool
}

type Node struct {
	NodeID      string
	Num         uint32
	LongName    string
	ShortName   string
	LastHeardAt time.Time
	RSSI        *int
	SNR         *float64
	UpdatedAt   time.Time
}

type NodeUpdate struct {
	Node       Node
	LastHeard  time.Time
	FromPacket bool
}

// ChatEventKind classifies an inbound Matrix room event.
type ChatEventKind int

const (
	ChatEventText ChatEventKind = iota + 1
	ChatEventNotice
	ChatEventEmote
	ChatEventReaction
)

// ChatEvent is a decrypted, parsed Matrix room event handed to the relay.
type ChatEvent struct {
	RoomID            string
	EventID           string
	Sender            string
	SenderDisplayName string
	Kind              ChatEventKind
	Body              string
	FormattedBody     string
	// ReplyTo is the event id from m.relates_to.m.in_reply_to, if any.
	ReplyTo string
	// ReactsTo/ReactionKey are set for m.reaction annotations.
	ReactsTo    string
	ReactionKey string
	Timestamp   time.Time

	// Mesh-origin markers present on messages another relay sent into Matrix.
	MeshMeshnet   string
	MeshLongName  string
	MeshShortName string
	MeshText      string
	MeshPacketID  uint32
}

// FromMesh reports whether the event was produced by a relay from mesh traffic.
func (e ChatEvent) FromMesh() bool {
	return e.MeshMeshnet != ""
}

// Protocol identifies which side of the relay a message came from.
type Protocol string

const (
	ProtocolMesh Protocol = "mesh"
	ProtocolChat Protocol = "chat"
)

// RelayMessage is the transient, protocol-neutral form of a message in flight.
type RelayMessage struct {
	Source            Protocol
	SenderID          string
	SenderDisplayName string
	SenderShortName   string
	Body              string
	Timestamp         time.Time
	Channel           int
	RoomID            string
	Meshnet           string
	PortNum           PortNum

	// Correlation metadata.
	MeshPacketID uint32
	ChatEventID  string
	ReplyToMesh  uint32
	ReplyToChat  string
	IsReaction   bool
	IsEmote      bool
}

// RoomMapping binds one Matrix room to one mesh channel.
type RoomMapping struct {
	RoomID           string
	Alias            string
	Channel          int
	MeshnetName      string
	BroadcastEnabled bool
}

// IdentityRecord correlates a mesh packet with the Matrix event it produced or came from.
type IdentityRecord struct {
	MeshPacketID uint32
	ChatEventID  string
	RoomID       string
	Meshnet      string
	CreatedAt    time.Time
}

// PluginData is an opaque blob owned by a plugin, keyed by plugin name and node id.
type PluginData struct {
	Plugin    string
	NodeID    string
	Data      []byte
	UpdatedAt time.Time
}

// MeshOrigin marks a Matrix message as produced from mesh traffic so other
// relays can recognise it and avoid loops.
type MeshOrigin struct {
	LongName  string
	ShortName string
	Meshnet   string
	PortNum   PortNum
	PacketID  uint32
	Text      string
}

// OutgoingChatMessage is what the relay asks the chat session to post.
type OutgoingChatMessage struct {
	Kind          ChatEventKind
	Body          string
	FormattedBody string
	// ReplyTo makes the message an m.in_reply_to reply.
	ReplyTo string
	// ReactsTo/ReactionKey build an m.reaction annotation instead of a message.
	ReactsTo    string
	ReactionKey string
	Mesh        *MeshOrigin
}
