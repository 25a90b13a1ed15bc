package plugins

import (
	"context"
	"log/slog"
	"time"

	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/domain"
)

const ActivityPluginName = "activity"

// Activity is the per-node record kept by the activity plugin.
type Activity struct {
	LastMessageAt time.Time `json:"last_message_at"`
	Messages      int       `json:"messages"`
	LastChannel   int       `json:"last_channel"`
}

// ActivityHook counts relayed mesh messages per sender node. It never
// modifies or suppresses traffic.
type ActivityHook struct {
	logger *slog.Logger
	data   *DataStore
}

func NewActivityHook(logger *slog.Logger) *ActivityHook {
	if logger == nil {
		logger = slog.Default().With("component", "plugins.activity")
	}

	return &ActivityHook{logger: logger}
}

func (h *ActivityHook) Name() string { return ActivityPluginName }

func (h *ActivityHook) SetData(store *DataStore) { h.data = store }

func (h *ActivityHook) BeforeRelay(_ context.Context, msg domain.RelayMessage) (domain.RelayMessage, bool, error) {
	return msg, false, nil
}

func (h *ActivityHook) AfterRelay(ctx context.Context, msg domain.RelayMessage, outcome Outcome) {
	if msg.Source != domain.ProtocolMesh || !outcome.Delivered || msg.SenderID == "" || h.data == nil {
		return
	}

	var rec Activity
	if _, err := h.data.Get(ctx, ActivityPluginName, msg.SenderID, &rec); err != nil {
		h.logger.Debug("load activity failed", "node", msg.SenderID, "error", err)
	}
	rec.Messages++
	rec.LastChannel = msg.Channel
	rec.LastMessageAt = msg.Timestamp
	if rec.LastMessageAt.IsZero() {
		rec.LastMessageAt = time.Now()
	}
	if err := h.data.Put(ctx, ActivityPluginName, msg.SenderID, rec); err != nil {
		h.logger.Warn("store activity failed", "node", msg.SenderID, "error", err)
	}
}
