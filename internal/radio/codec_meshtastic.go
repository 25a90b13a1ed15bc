package radio

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	generated "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/proto"

	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/domain"
)

// defaultHopLimit matches the firmware default for user-originated packets.
const defaultHopLimit = 3

var errEmptyPayload = errors.New("payload is empty")

// MeshtasticCodec implements Codec for Meshtastic protobuf frames.
type MeshtasticCodec struct {
	wantConfigID atomic.Uint32
	packetID     atomic.Uint32
}

func NewMeshtasticCodec() (*MeshtasticCodec, error) {
	var seedRaw [4]byte
	if _, err := rand.Read(seedRaw[:]); err != nil {
		return nil, fmt.Errorf("seed meshtastic codec packet id: %w", err)
	}
	c := &MeshtasticCodec{}
	c.packetID.Store(binary.BigEndian.Uint32(seedRaw[:]))

	return c, nil
}

func (c *MeshtasticCodec) EncodeWantConfig() ([]byte, uint32, error) {
	id := c.nextNonZeroID()
	c.wantConfigID.Store(id)

	wire := &generated.ToRadio{PayloadVariant: &generated.ToRadio_WantConfigId{WantConfigId: id}}
	payload, err := proto.Marshal(wire)
	if err != nil {
		return nil, 0, fmt.Errorf("encode want_config: %w", err)
	}

	return payload, id, nil
}

func (c *MeshtasticCodec) EncodeHeartbeat() ([]byte, error) {
	wire := &generated.ToRadio{PayloadVariant: &generated.ToRadio_Heartbeat{Heartbeat: &generated.Heartbeat{}}}

	return proto.Marshal(wire)
}

func (c *MeshtasticCodec) EncodeDisconnect() ([]byte, error) {
	wire := &generated.ToRadio{PayloadVariant: &generated.ToRadio_Disconnect{Disconnect: true}}

	return proto.Marshal(wire)
}

func (c *MeshtasticCodec) EncodePacket(pkt OutgoingPacket) ([]byte, uint32, error) {
	if len(pkt.Payload) == 0 {
		return nil, 0, errEmptyPayload
	}
	if pkt.Channel < 0 || pkt.Channel > 7 {
		return nil, 0, fmt.Errorf("channel index %d out of range", pkt.Channel)
	}
	port := pkt.PortNum
	if port == domain.PortUnknown {
		port = domain.PortTextMessage
	}
	to := pkt.To
	if to == 0 {
		to = domain.BroadcastNodeNum
	}

	id := c.nextNonZeroID()
	data := &generated.Data{
		Portnum: generated.PortNum(port), // #nosec G115 -- port numbers are small enum values.
		Payload: pkt.Payload,
		ReplyId: pkt.Options.ReplyID,
	}
	if pkt.Options.Emoji {
		data.Emoji = 1
	}
	packet := &generated.MeshPacket{
		To:             to,
		Channel:        uint32(pkt.Channel), // #nosec G115 -- range checked above.
		Id:             id,
		HopLimit:       defaultHopLimit,
		WantAck:        pkt.Options.WantAck,
		PayloadVariant: &generated.MeshPacket_Decoded{Decoded: data},
	}

	wire := &generated.ToRadio{PayloadVariant: &generated.ToRadio_Packet{Packet: packet}}
	payload, err := proto.Marshal(wire)
	if err != nil {
		return nil, 0, fmt.Errorf("encode mesh packet: %w", err)
	}

	return payload, id, nil
}

func (c *MeshtasticCodec) DecodeFromRadio(payload []byte) (DecodedFrame, error) {
	var out DecodedFrame

	var wire generated.FromRadio
	if err := proto.Unmarshal(payload, &wire); err != nil {
		return out, fmt.Errorf("decode fromradio protobuf: %w", err)
	}

	now := time.Now()
	out.MyNodeNum = wire.GetMyInfo().GetMyNodeNum()
	out.Rebooted = wire.GetRebooted()

	if configID := wire.GetConfigCompleteId(); configID != 0 {
		out.ConfigCompleteID = configID
		expected := c.wantConfigID.Load()
		if expected != 0 && configID == expected {
			out.WantConfigReady = true
		}
	}

	if nodeInfo := wire.GetNodeInfo(); nodeInfo != nil && nodeInfo.GetNum() != 0 {
		update := decodeNodeInfo(nodeInfo, now)
		out.NodeUpdate = &update
	}

	if qs := wire.GetQueueStatus(); qs != nil {
		out.QueueStatus = &QueueStatus{
			Res:          qs.GetRes(),
			Free:         qs.GetFree(),
			MaxLen:       qs.GetMaxlen(),
			MeshPacketID: qs.GetMeshPacketId(),
		}
	}

	if packet := wire.GetPacket(); packet != nil {
		if err := decodePacket(packet, now, &out); err != nil {
			return out, err
		}
	}

	return out, nil
}

func decodePacket(packet *generated.MeshPacket, now time.Time, out *DecodedFrame) error {
	decoded := packet.GetDecoded()
	if decoded == nil {
		// Encrypted packets for channels this radio has no key for.
		return nil
	}

	pkt := domain.RadioPacket{
		ID:       packet.GetId(),
		From:     packet.GetFrom(),
		To:       packet.GetTo(),
		Channel:  int(packet.GetChannel()),
		PortNum:  domain.PortNum(decoded.GetPortnum()), // #nosec G115 -- enum values are non-negative.
		Payload:  decoded.GetPayload(),
		ReplyID:  decoded.GetReplyId(),
		Emoji:    decoded.GetEmoji(),
		RxTime:   packetTimestamp(packet.GetRxTime(), now),
		RxSNR:    packet.GetRxSnr(),
		RxRSSI:   packet.GetRxRssi(),
		HopLimit: packet.GetHopLimit(),
		HopStart: packet.GetHopStart(),
		WantAck:  packet.GetWantAck(),
		ViaMQTT:  packet.GetViaMqtt(),
	}
	out.Packet = &pkt

	switch decoded.GetPortnum() {
	case generated.PortNum_NODEINFO_APP:
		var user generated.User
		if err := proto.Unmarshal(decoded.GetPayload(), &user); err != nil {
			return fmt.Errorf("decode nodeinfo payload: %w", err)
		}
		if update, ok := decodeNodeFromUser(packet, &user, now); ok {
			out.NodeUpdate = &update
		}
	case generated.PortNum_ROUTING_APP:
		var routing generated.Routing
		if err := proto.Unmarshal(decoded.GetPayload(), &routing); err != nil {
			return fmt.Errorf("decode routing payload: %w", err)
		}
		if reason := routing.GetErrorReason(); reason != generated.Routing_NONE {
			out.RoutingError = int32(reason)
		}
	}

	return nil
}

func decodeNodeInfo(nodeInfo *generated.NodeInfo, now time.Time) domain.NodeUpdate {
	node := domain.Node{
		NodeID:      domain.FormatNodeID(nodeInfo.GetNum()),
		Num:         nodeInfo.GetNum(),
		LastHeardAt: packetTimestamp(nodeInfo.GetLastHeard(), now),
		UpdatedAt:   now,
	}
	if user := nodeInfo.GetUser(); user != nil {
		node.LongName = strings.TrimSpace(user.GetLongName())
		node.ShortName = strings.TrimSpace(user.GetShortName())
	}
	if snr := nodeInfo.GetSnr(); snr != 0 {
		snrVal := float64(snr)
		node.SNR = &snrVal
	}

	return domain.NodeUpdate{
		Node:      node,
		LastHeard: node.LastHeardAt,
	}
}

func decodeNodeFromUser(packet *generated.MeshPacket, user *generated.User, now time.Time) (domain.NodeUpdate, bool) {
	if packet.GetFrom() == 0 {
		return domain.NodeUpdate{}, false
	}
	node := domain.Node{
		NodeID:      domain.FormatNodeID(packet.GetFrom()),
		Num:         packet.GetFrom(),
		LongName:    strings.TrimSpace(user.GetLongName()),
		ShortName:   strings.TrimSpace(user.GetShortName()),
		LastHeardAt: packetTimestamp(packet.GetRxTime(), now),
		UpdatedAt:   now,
	}
	if rssi := packet.GetRxRssi(); rssi != 0 {
		v := int(rssi)
		node.RSSI = &v
	}
	if snr := packet.GetRxSnr(); snr != 0 {
		v := float64(snr)
		node.SNR = &v
	}

	return domain.NodeUpdate{
		Node:       node,
		LastHeard:  node.LastHeardAt,
		FromPacket: true,
	}, true
}

func packetTimestamp(epochSec uint32, fallback time.Time) time.Time {
	if epochSec == 0 {
		return fallback
	}

	return time.Unix(int64(epochSec), 0)
}

func (c *MeshtasticCodec) nextNonZeroID() uint32 {
	for {
		id := c.packetID.Add(1)
		if id != 0 {
			return id
		}
	}
}
