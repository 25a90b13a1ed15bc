package relay

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/bus"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/config"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/connectors"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/domain"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/plugins"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/queue"
)

const (
	DirectionMeshToChat = "mesh_to_chat"
	DirectionChatToMesh = "chat_to_mesh"

	OutcomeRelayed       = "relayed"
	OutcomeFailed        = "failed"
	OutcomeSuppressed    = "suppressed"
	OutcomeNoMapping     = "no_mapping"
	OutcomeLoop          = "loop"
	OutcomeFiltered      = "filtered"
	OutcomeEncryptionTBD = "encryption_unknown"
	OutcomeUncorrelated  = "uncorrelated"

	identityLookupTimeout = 2 * time.Second
)

// ChatSession is the Matrix side of the relay, normally *matrix.Session.
type ChatSession interface {
	Send(ctx context.Context, roomID string, msg domain.OutgoingChatMessage, encrypted bool) (string, error)
	RoomEncryption(roomID string) (bool, error)
	UserID() string
}

// Enqueuer accepts mesh sends, normally *queue.Queue.
type Enqueuer interface {
	Enqueue(item queue.Item) error
}

// Hooks is the plugin boundary, normally *plugins.Dispatcher.
type Hooks interface {
	BeforeRelay(ctx context.Context, msg domain.RelayMessage) (domain.RelayMessage, bool)
	AfterRelay(ctx context.Context, msg domain.RelayMessage, outcome plugins.Outcome)
}

type Config struct {
	Rooms               []domain.RoomMapping
	MeshnetName         string
	MatrixPrefixEnabled bool
	MatrixPrefixFormat  string
	MeshPrefixEnabled   bool
	MeshPrefixFormat    string
	MaxMessageBytes     int
	RelayReplies        bool
	RelayReactions      bool
	DetectionSensor     bool
	// StartTime filters out Matrix history older than the relay process.
	StartTime time.Time
}

// ConfigFromApp maps the loaded configuration onto pipeline settings.
// Rooms must already carry resolved room ids.
func ConfigFromApp(cfg config.AppConfig, rooms []domain.RoomMapping) Config {
	return Config{
		Rooms:               rooms,
		MeshnetName:         cfg.Meshtastic.MeshnetName,
		MatrixPrefixEnabled: cfg.Matrix.PrefixEnabled,
		MatrixPrefixFormat:  cfg.Matrix.PrefixFormat,
		MeshPrefixEnabled:   cfg.Meshtastic.PrefixEnabled,
		MeshPrefixFormat:    cfg.Meshtastic.PrefixFormat,
		MaxMessageBytes:     cfg.Meshtastic.MaxMessageBytes,
		RelayReplies:        cfg.Meshtastic.MessageInteractions.Replies,
		RelayReactions:      cfg.Meshtastic.MessageInteractions.Reactions,
		DetectionSensor:     cfg.Meshtastic.DetectionSensor,
		StartTime:           time.Now(),
	}
}

type Deps struct {
	Logger     *slog.Logger
	Session    ChatSession
	Queue      Enqueuer
	Identities domain.IdentityRepository
	Writer     domain.WriteQueue
	Hooks      Hooks
	Nodes      *domain.NodeStore
	Bus        bus.MessageBus
	// LocalNode returns the radio's own node number; packets from it are ignored.
	LocalNode func() uint32
}

// Pipeline translates between mesh packets and Matrix events.
type Pipeline struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	byChannel map[int][]domain.RoomMapping
	byRoom    map[string]domain.RoomMapping

	matrixPrefix *prefixFormatter
	meshPrefix   *prefixFormatter
}

func New(cfg Config, deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "relay")
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = config.DefaultMaxMessageBytes
	}
	if strings.TrimSpace(cfg.MeshnetName) == "" {
		cfg.MeshnetName = config.DefaultMeshnetName
	}

	p := &Pipeline{
		cfg:       cfg,
		deps:      deps,
		log:       logger,
		byChannel: make(map[int][]domain.RoomMapping),
		byRoom:    make(map[string]domain.RoomMapping),
	}
	for _, room := range cfg.Rooms {
		if room.MeshnetName == "" {
			room.MeshnetName = cfg.MeshnetName
		}
		p.byChannel[room.Channel] = append(p.byChannel[room.Channel], room)
		p.byRoom[room.RoomID] = room
	}

	warnings := &templateWarnings{}
	p.matrixPrefix = newPrefixFormatter(logger, warnings, "matrix.prefix_format", cfg.MatrixPrefixFormat, config.DefaultMatrixPrefixFormat, matrixPrefixVars)
	p.meshPrefix = newPrefixFormatter(logger, warnings, "meshtastic.prefix_format", cfg.MeshPrefixFormat, config.DefaultMeshPrefixFormat, meshPrefixVars)

	return p
}

// Run consumes both directions until ctx ends. Mesh traffic is held back
// until ready closes, so nothing is posted before room encryption is known.
func (p *Pipeline) Run(ctx context.Context, mesh <-chan domain.RadioPacket, chat <-chan domain.ChatEvent, ready <-chan struct{}) error {
	var meshIn <-chan domain.RadioPacket
	readyCh := ready
	if readyCh == nil {
		meshIn = mesh
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-readyCh:
			readyCh = nil
			meshIn = mesh
			p.log.Info("chat session ready, relaying mesh traffic")
		case pkt := <-meshIn:
			p.OnMeshPacket(ctx, pkt)
		case ev, ok := <-chat:
			if !ok {
				chat = nil
				continue
			}
			p.OnChatEvent(ctx, ev)
		}
	}
}

// OnMeshPacket relays one radio packet into every room mapped to its channel.
func (p *Pipeline) OnMeshPacket(ctx context.Context, pkt domain.RadioPacket) {
	if !p.relayablePort(pkt.PortNum) {
		return
	}
	if !pkt.IsBroadcast() {
		p.log.Debug("ignoring direct mesh message", "from", domain.FormatNodeID(pkt.From))
		return
	}
	if p.deps.LocalNode != nil && pkt.From != 0 && pkt.From == p.deps.LocalNode() {
		return
	}
	text := strings.TrimSpace(pkt.Text())
	if text == "" {
		return
	}

	rooms := p.byChannel[pkt.Channel]
	if len(rooms) == 0 {
		p.log.Debug("no room mapped to channel, dropping", "channel", pkt.Channel)
		p.publish(DirectionMeshToChat, pkt.Channel, "", OutcomeNoMapping)
		return
	}

	senderID := domain.FormatNodeID(pkt.From)
	long, short := domain.NodeNames(p.deps.Nodes, senderID)
	for _, room := range rooms {
		msg := domain.RelayMessage{
			Source:            domain.ProtocolMesh,
			SenderID:          senderID,
			SenderDisplayName: long,
			SenderShortName:   short,
			Body:              text,
			Timestamp:         pkt.RxTime,
			Channel:           pkt.Channel,
			RoomID:            room.RoomID,
			Meshnet:           room.MeshnetName,
			PortNum:           pkt.PortNum,
			MeshPacketID:      pkt.ID,
			ReplyToMesh:       pkt.ReplyID,
			IsReaction:        pkt.Emoji != 0 && pkt.ReplyID != 0,
		}
		p.relayToChat(ctx, room, msg)
	}
}

func (p *Pipeline) relayablePort(port domain.PortNum) bool {
	switch port {
	case domain.PortTextMessage:
		return true
	case domain.PortDetectionSensor:
		return p.cfg.DetectionSensor
	default:
		return false
	}
}

func (p *Pipeline) relayToChat(ctx context.Context, room domain.RoomMapping, msg domain.RelayMessage) {
	out := domain.OutgoingChatMessage{Kind: domain.ChatEventText}

	if msg.IsReaction {
		if !p.cfg.RelayReactions {
			p.publish(DirectionMeshToChat, msg.Channel, room.RoomID, OutcomeFiltered)
			return
		}
		rec, ok := p.lookupByPacket(ctx, msg.ReplyToMesh, room.RoomID)
		if !ok {
			p.log.Debug("mesh reaction target unknown, dropping", "reply_id", msg.ReplyToMesh, "room", room.RoomID)
			p.publish(DirectionMeshToChat, msg.Channel, room.RoomID, OutcomeUncorrelated)
			return
		}
		msg.ReplyToChat = rec.ChatEventID
		out.Kind = domain.ChatEventReaction
	} else if msg.ReplyToMesh != 0 && p.cfg.RelayReplies {
		if rec, ok := p.lookupByPacket(ctx, msg.ReplyToMesh, room.RoomID); ok {
			msg.ReplyToChat = rec.ChatEventID
		}
	}

	encrypted, err := p.deps.Session.RoomEncryption(room.RoomID)
	if err != nil {
		// Sending before encryption state is known could leak plaintext into an
		// encrypted room.
		p.log.Warn("room encryption state unknown, refusing to send", "room", room.RoomID, "error", err)
		p.publish(DirectionMeshToChat, msg.Channel, room.RoomID, OutcomeEncryptionTBD)
		return
	}

	msg, suppressed := p.beforeRelay(ctx, msg)
	if suppressed {
		p.afterRelay(ctx, msg, plugins.Outcome{Suppressed: true, Target: room.RoomID})
		p.publish(DirectionMeshToChat, msg.Channel, room.RoomID, OutcomeSuppressed)
		return
	}

	out.Mesh = &domain.MeshOrigin{
		LongName:  msg.SenderDisplayName,
		ShortName: msg.SenderShortName,
		Meshnet:   msg.Meshnet,
		PortNum:   msg.PortNum,
		PacketID:  msg.MeshPacketID,
		Text:      msg.Body,
	}
	if out.Kind == domain.ChatEventReaction {
		out.ReactsTo = msg.ReplyToChat
		out.ReactionKey = msg.Body
		out.Body = msg.Body
	} else {
		prefix := ""
		if p.cfg.MatrixPrefixEnabled {
			prefix = p.matrixPrefix.Render(map[string]string{
				"long":  msg.SenderDisplayName,
				"short": msg.SenderShortName,
				"mesh":  msg.Meshnet,
				"id":    msg.SenderID,
			})
		}
		out.Body = prefix + msg.Body
		out.FormattedBody = htmlBody(out.Body)
		out.ReplyTo = msg.ReplyToChat
	}

	eventID, err := p.deps.Session.Send(ctx, room.RoomID, out, encrypted)
	if err != nil {
		p.log.Error("send to matrix failed", "room", room.RoomID, "error", err)
		p.afterRelay(ctx, msg, plugins.Outcome{Err: err, Target: room.RoomID})
		p.publish(DirectionMeshToChat, msg.Channel, room.RoomID, OutcomeFailed)
		return
	}
	msg.ChatEventID = eventID

	p.recordIdentity(domain.IdentityRecord{
		MeshPacketID: msg.MeshPacketID,
		ChatEventID:  eventID,
		RoomID:       room.RoomID,
		Meshnet:      msg.Meshnet,
	})
	p.log.Debug("relayed mesh message", "from", msg.SenderID, "channel", msg.Channel, "room", room.RoomID, "event_id", eventID)
	p.afterRelay(ctx, msg, plugins.Outcome{Delivered: true, Target: room.RoomID})
	p.publish(DirectionMeshToChat, msg.Channel, room.RoomID, OutcomeRelayed)
}

// OnChatEvent relays one Matrix event onto the mesh channel mapped to its room.
func (p *Pipeline) OnChatEvent(ctx context.Context, ev domain.ChatEvent) {
	if ev.Sender == p.deps.Session.UserID() {
		return
	}
	if !p.cfg.StartTime.IsZero() && ev.Timestamp.Before(p.cfg.StartTime) {
		p.log.Debug("ignoring event older than relay start", "event_id", ev.EventID)
		return
	}
	room, ok := p.byRoom[ev.RoomID]
	if !ok {
		p.publish(DirectionChatToMesh, -1, ev.RoomID, OutcomeNoMapping)
		return
	}
	if !room.BroadcastEnabled {
		p.publish(DirectionChatToMesh, room.Channel, room.RoomID, OutcomeFiltered)
		return
	}
	if ev.FromMesh() && strings.EqualFold(ev.MeshMeshnet, room.MeshnetName) {
		// Our own mesh traffic coming back through another relay.
		p.publish(DirectionChatToMesh, room.Channel, room.RoomID, OutcomeLoop)
		return
	}

	display, username, server := splitUser(ev.Sender, ev.SenderDisplayName)
	msg := domain.RelayMessage{
		Source:            domain.ProtocolChat,
		SenderID:          ev.Sender,
		SenderDisplayName: display,
		Body:              ev.Body,
		Timestamp:         ev.Timestamp,
		Channel:           room.Channel,
		RoomID:            room.RoomID,
		Meshnet:           room.MeshnetName,
		PortNum:           domain.PortTextMessage,
		ChatEventID:       ev.EventID,
		IsEmote:           ev.Kind == domain.ChatEventEmote,
		IsReaction:        ev.Kind == domain.ChatEventReaction,
	}

	var opts domain.SendOptions
	switch {
	case msg.IsReaction:
		if !p.cfg.RelayReactions {
			p.publish(DirectionChatToMesh, room.Channel, room.RoomID, OutcomeFiltered)
			return
		}
		rec, ok := p.lookupByEvent(ctx, ev.ReactsTo, room.RoomID)
		if !ok {
			p.log.Debug("reaction target not relayed, dropping", "event_id", ev.ReactsTo)
			p.publish(DirectionChatToMesh, room.Channel, room.RoomID, OutcomeUncorrelated)
			return
		}
		msg.Body = ev.ReactionKey
		msg.ReplyToMesh = rec.MeshPacketID
		opts = domain.SendOptions{ReplyID: rec.MeshPacketID, Emoji: true}
	default:
		msg.Body = stripReplyFallback(ev.Body)
		if ev.ReplyTo != "" && p.cfg.RelayReplies {
			if rec, ok := p.lookupByEvent(ctx, ev.ReplyTo, room.RoomID); ok {
				msg.ReplyToMesh = rec.MeshPacketID
				opts.ReplyID = rec.MeshPacketID
			}
		}
	}
	if ev.FromMesh() {
		msg.SenderShortName = ev.MeshShortName
		if msg.SenderShortName == "" {
			msg.SenderShortName = truncateRunes(ev.MeshLongName, 4)
		}
		if ev.MeshText != "" {
			msg.Body = ev.MeshText
		}
	}
	if strings.TrimSpace(msg.Body) == "" {
		return
	}

	msg, suppressed := p.beforeRelay(ctx, msg)
	target := fmt.Sprintf("channel %d", room.Channel)
	if suppressed {
		p.afterRelay(ctx, msg, plugins.Outcome{Suppressed: true, Target: target})
		p.publish(DirectionChatToMesh, room.Channel, room.RoomID, OutcomeSuppressed)
		return
	}

	text := p.meshText(msg, ev, username, server)
	text = TruncateBytes(text, p.cfg.MaxMessageBytes)

	item := queue.Item{
		Channel:     room.Channel,
		Payload:     []byte(text),
		Options:     opts,
		Description: fmt.Sprintf("%s in %s", ev.EventID, room.RoomID),
		AfterSend: func(packetID uint32) {
			sent := msg
			sent.MeshPacketID = packetID
			p.recordIdentity(domain.IdentityRecord{
				MeshPacketID: packetID,
				ChatEventID:  ev.EventID,
				RoomID:       room.RoomID,
				Meshnet:      room.MeshnetName,
			})
			p.afterRelay(context.Background(), sent, plugins.Outcome{Delivered: true, Target: target})
			p.publish(DirectionChatToMesh, room.Channel, room.RoomID, OutcomeRelayed)
		},
	}
	if err := p.deps.Queue.Enqueue(item); err != nil {
		p.log.Warn("enqueue to mesh failed", "room", room.RoomID, "channel", room.Channel, "error", err)
		p.afterRelay(ctx, msg, plugins.Outcome{Err: err, Target: target})
		p.publish(DirectionChatToMesh, room.Channel, room.RoomID, OutcomeFailed)
	}
}

func (p *Pipeline) meshText(msg domain.RelayMessage, ev domain.ChatEvent, username, server string) string {
	switch {
	case msg.IsReaction:
		return msg.Body
	case ev.FromMesh():
		return fmt.Sprintf("%s/%s: %s", msg.SenderShortName, ev.MeshMeshnet, msg.Body)
	case msg.IsEmote:
		return fmt.Sprintf("* %s %s", msg.SenderDisplayName, msg.Body)
	}
	if !p.cfg.MeshPrefixEnabled {
		return msg.Body
	}
	prefix := p.meshPrefix.Render(map[string]string{
		"display":  msg.SenderDisplayName,
		"user":     msg.SenderID,
		"username": username,
		"server":   server,
		"mesh":     msg.Meshnet,
		"short":    msg.SenderShortName,
	})

	return prefix + msg.Body
}

func (p *Pipeline) beforeRelay(ctx context.Context, msg domain.RelayMessage) (domain.RelayMessage, bool) {
	if p.deps.Hooks == nil {
		return msg, false
	}

	return p.deps.Hooks.BeforeRelay(ctx, msg)
}

func (p *Pipeline) afterRelay(ctx context.Context, msg domain.RelayMessage, outcome plugins.Outcome) {
	if p.deps.Hooks != nil {
		p.deps.Hooks.AfterRelay(ctx, msg, outcome)
	}
}

func (p *Pipeline) lookupByPacket(ctx context.Context, packetID uint32, roomID string) (domain.IdentityRecord, bool) {
	if p.deps.Identities == nil || packetID == 0 {
		return domain.IdentityRecord{}, false
	}
	lookupCtx, cancel := context.WithTimeout(ctx, identityLookupTimeout)
	defer cancel()

	rec, ok, err := p.deps.Identities.GetByMeshPacketID(lookupCtx, packetID, roomID)
	if err != nil {
		p.log.Warn("identity lookup failed", "packet_id", packetID, "error", err)
		return domain.IdentityRecord{}, false
	}

	return rec, ok
}

func (p *Pipeline) lookupByEvent(ctx context.Context, eventID, roomID string) (domain.IdentityRecord, bool) {
	if p.deps.Identities == nil || eventID == "" {
		return domain.IdentityRecord{}, false
	}
	lookupCtx, cancel := context.WithTimeout(ctx, identityLookupTimeout)
	defer cancel()

	rec, ok, err := p.deps.Identities.GetByChatEventID(lookupCtx, eventID)
	if err != nil {
		p.log.Warn("identity lookup failed", "event_id", eventID, "error", err)
		return domain.IdentityRecord{}, false
	}
	if !ok || rec.RoomID != roomID {
		return domain.IdentityRecord{}, false
	}

	return rec, true
}

func (p *Pipeline) recordIdentity(rec domain.IdentityRecord) {
	if p.deps.Writer == nil || p.deps.Identities == nil || rec.MeshPacketID == 0 || rec.ChatEventID == "" {
		return
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	repo := p.deps.Identities
	p.deps.Writer.Enqueue("put_identity", func(ctx context.Context) error {
		if err := repo.Put(ctx, rec); err != nil {
			return fmt.Errorf("identity %d/%s: %w", rec.MeshPacketID, rec.RoomID, err)
		}

		return nil
	})
}

func (p *Pipeline) publish(direction string, channel int, roomID, outcome string) {
	if p.deps.Bus == nil {
		return
	}
	p.deps.Bus.Publish(connectors.TopicRelayEvent, connectors.RelayEvent{
		Direction: direction,
		Channel:   channel,
		RoomID:    roomID,
		Outcome:   outcome,
		Timestamp: time.Now(),
	})
}

// splitUser derives template variables from a Matrix user id.
func splitUser(userID, displayName string) (display, username, server string) {
	local := strings.TrimPrefix(userID, "@")
	if i := strings.IndexByte(local, ':'); i >= 0 {
		server = local[i+1:]
		local = local[:i]
	}
	username = local
	display = strings.TrimSpace(displayName)
	if display == "" {
		display = username
	}

	return display, username, server
}

func htmlBody(body string) string {
	return strings.ReplaceAll(html.EscapeString(body), "\n", "<br/>")
}
