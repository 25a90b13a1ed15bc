package matrix

import (
	"strings"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/domain"
)

// Extra content keys marking messages that were relayed from a mesh.
const (
	keyMeshLongName  = "meshtastic_longname"
	keyMeshShortName = "meshtastic_shortname"
	keyMeshMeshnet   = "meshtastic_meshnet"
	keyMeshPortNum   = "meshtastic_portnum"
	keyMeshID        = "meshtastic_id"
	keyMeshText      = "meshtastic_text"
)

// buildContent converts an outgoing relay message into a Matrix event type and content.
func buildContent(msg domain.OutgoingChatMessage) (event.Type, *event.Content) {
	if msg.Kind == domain.ChatEventReaction {
		return event.EventReaction, &event.Content{
			Parsed: &event.ReactionEventContent{
				RelatesTo: event.RelatesTo{
					Type:    event.RelAnnotation,
					EventID: id.EventID(msg.ReactsTo),
					Key:     msg.ReactionKey,
				},
			},
			Raw: meshRaw(msg.Mesh),
		}
	}

	msgType := event.MsgText
	switch msg.Kind {
	case domain.ChatEventNotice:
		msgType = event.MsgNotice
	case domain.ChatEventEmote:
		msgType = event.MsgEmote
	}
	formatted := msg.FormattedBody
	if formatted == "" {
		formatted = msg.Body
	}
	content := &event.MessageEventContent{
		MsgType:       msgType,
		Body:          msg.Body,
		Format:        event.FormatHTML,
		FormattedBody: formatted,
	}
	if msg.ReplyTo != "" {
		content.RelatesTo = (&event.RelatesTo{}).SetReplyTo(id.EventID(msg.ReplyTo))
	}

	return event.EventMessage, &event.Content{Parsed: content, Raw: meshRaw(msg.Mesh)}
}

func meshRaw(origin *domain.MeshOrigin) map[string]any {
	if origin == nil {
		return nil
	}

	return map[string]any{
		keyMeshLongName:  origin.LongName,
		keyMeshShortName: origin.ShortName,
		keyMeshMeshnet:   origin.Meshnet,
		keyMeshPortNum:   origin.PortNum.String(),
		keyMeshID:        origin.PacketID,
		keyMeshText:      origin.Text,
	}
}

// parseChatEvent turns a parsed (or decrypted) timeline event into a relay
// event. ok is false for anything the relay does not handle.
func parseChatEvent(roomID id.RoomID, evt *event.Event, displayName string) (domain.ChatEvent, bool) {
	out := domain.ChatEvent{
		RoomID:            roomID.String(),
		EventID:           evt.ID.String(),
		Sender:            evt.Sender.String(),
		SenderDisplayName: displayName,
		Timestamp:         time.UnixMilli(evt.Timestamp),
	}

	switch evt.Type.Type {
	case event.EventReaction.Type:
		reaction := evt.Content.AsReaction()
		if reaction.RelatesTo.Type != event.RelAnnotation || reaction.RelatesTo.EventID == "" {
			return domain.ChatEvent{}, false
		}
		out.Kind = domain.ChatEventReaction
		out.ReactsTo = reaction.RelatesTo.EventID.String()
		out.ReactionKey = reaction.RelatesTo.Key
	case event.EventMessage.Type:
		content := evt.Content.AsMessage()
		switch content.MsgType {
		case event.MsgText:
			out.Kind = domain.ChatEventText
		case event.MsgNotice:
			out.Kind = domain.ChatEventNotice
		case event.MsgEmote:
			out.Kind = domain.ChatEventEmote
		default:
			return domain.ChatEvent{}, false
		}
		if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
			// Edits would relay the whole message a second time.
			return domain.ChatEvent{}, false
		}
		out.Body = content.Body
		out.FormattedBody = content.FormattedBody
		if content.RelatesTo != nil {
			out.ReplyTo = content.RelatesTo.GetReplyTo().String()
		}
	default:
		return domain.ChatEvent{}, false
	}

	readMeshMarkers(evt.Content.Raw, &out)

	return out, true
}

func readMeshMarkers(raw map[string]any, out *domain.ChatEvent) {
	if raw == nil {
		return
	}
	out.MeshMeshnet = strings.TrimSpace(rawString(raw, keyMeshMeshnet))
	out.MeshLongName = rawString(raw, keyMeshLongName)
	out.MeshShortName = rawString(raw, keyMeshShortName)
	out.MeshText = rawString(raw, keyMeshText)
	if v, ok := raw[keyMeshID].(float64); ok && v > 0 {
		out.MeshPacketID = uint32(v)
	}
}

func rawString(raw map[string]any, key string) string {
	v, _ := raw[key].(string)

	return v
}
