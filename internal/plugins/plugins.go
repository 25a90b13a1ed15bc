package plugins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/domain"
)

// Outcome describes how a relay attempt ended, as reported to AfterRelay.
type Outcome struct {
	Delivered bool
	// Suppressed is set when a BeforeRelay hook dropped the message.
	Suppressed bool
	Err        error
	// Target is the room id for mesh→chat or "channel N" for chat→mesh.
	Target string
}

// Hook is the capability surface a plugin registers at startup.
type Hook interface {
	Name() string
	// BeforeRelay may rewrite msg or suppress it. Returning an error keeps the
	// original message.
	BeforeRelay(ctx context.Context, msg domain.RelayMessage) (domain.RelayMessage, bool, error)
	AfterRelay(ctx context.Context, msg domain.RelayMessage, outcome Outcome)
}

// DataAware hooks receive the plugin-data store on registration.
type DataAware interface {
	SetData(store *DataStore)
}

var errDuplicateHook = errors.New("plugin already registered")

// Dispatcher runs hooks synchronously in registration order. A failing or
// panicking hook is logged and skipped.
type Dispatcher struct {
	logger *slog.Logger
	data   *DataStore

	mu    sync.RWMutex
	hooks []Hook
}

// NewDispatcher builds a dispatcher whose plugin data goes through writer.
func NewDispatcher(logger *slog.Logger, repo domain.PluginDataRepository, writer domain.WriteQueue) *Dispatcher {
	if logger == nil {
		logger = slog.Default().With("component", "plugins")
	}

	return &Dispatcher{
		logger: logger,
		data:   NewDataStore(repo, writer),
	}
}

func (d *Dispatcher) Register(h Hook) error {
	name := strings.TrimSpace(h.Name())
	if name == "" {
		return errors.New("plugin name is empty")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.hooks {
		if existing.Name() == name {
			return fmt.Errorf("%w: %s", errDuplicateHook, name)
		}
	}
	if aware, ok := h.(DataAware); ok {
		aware.SetData(d.data)
	}
	d.hooks = append(d.hooks, h)
	d.logger.Info("plugin registered", "plugin", name)

	return nil
}

// Names lists registered hooks in call order.
func (d *Dispatcher) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.hooks))
	for _, h := range d.hooks {
		out = append(out, h.Name())
	}

	return out
}

func (d *Dispatcher) Data() *DataStore {
	return d.data
}

// BeforeRelay threads msg through every hook and reports whether any of them
// suppressed it.
func (d *Dispatcher) BeforeRelay(ctx context.Context, msg domain.RelayMessage) (domain.RelayMessage, bool) {
	for _, h := range d.snapshot() {
		next, suppress, err := d.callBefore(ctx, h, msg)
		if err != nil {
			d.logger.Warn("plugin before_relay failed", "plugin", h.Name(), "error", err)
			continue
		}
		if suppress {
			d.logger.Debug("plugin suppressed message", "plugin", h.Name(), "source", msg.Source)

			return next, true
		}
		msg = next
	}

	return msg, false
}

func (d *Dispatcher) AfterRelay(ctx context.Context, msg domain.RelayMessage, outcome Outcome) {
	for _, h := range d.snapshot() {
		if err := d.callAfter(ctx, h, msg, outcome); err != nil {
			d.logger.Warn("plugin after_relay failed", "plugin", h.Name(), "error", err)
		}
	}
}

func (d *Dispatcher) snapshot() []Hook {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return append([]Hook(nil), d.hooks...)
}

func (d *Dispatcher) callBefore(ctx context.Context, h Hook, msg domain.RelayMessage) (out domain.RelayMessage, suppress bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			d.logger.Debug("plugin panic stack", "plugin", h.Name(), "stack", string(debug.Stack()))
		}
	}()

	return h.BeforeRelay(ctx, msg)
}

func (d *Dispatcher) callAfter(ctx context.Context, h Hook, msg domain.RelayMessage, outcome Outcome) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	h.AfterRelay(ctx, msg, outcome)

	return nil
}
