package radio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/bus"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/connectors"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/domain"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/transport"
)

var (
	// ErrNotConnected is returned by Send while the link is not Connected.
	ErrNotConnected = errors.New("radio link is not connected")
	// ErrLinkFailed is returned by Connect after the reconnect budget is exhausted.
	ErrLinkFailed = errors.New("radio link failed")

	errRadioRebooted    = errors.New("radio rebooted")
	errHandshakeTimeout = errors.New("radio did not complete config handshake")
	errRadioRejecting   = errors.New("radio rejected consecutive packets")
	errLinkStopped      = errors.New("radio link stopped")
)

const (
	defaultBaseDelay        = time.Second
	defaultMaxDelay         = 60 * time.Second
	defaultHandshakeTimeout = 30 * time.Second
	defaultHeartbeat        = 5 * time.Minute
	defaultPacketBuffer     = 256
	defaultNAKThreshold     = 3
	writeTimeout            = 8 * time.Second
)

// LinkConfig tunes the reconnect state machine. Zero values select defaults.
type LinkConfig struct {
	// MaxReconnectAttempts is the number of consecutive failed cycles before
	// Failed; 0 retries forever.
	MaxReconnectAttempts int
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	HandshakeTimeout     time.Duration
	HeartbeatInterval    time.Duration
	PacketBuffer         int
	// NAKThreshold is how many consecutive queue rejections from the radio
	// force a reconnect.
	NAKThreshold int
}

func (c LinkConfig) withDefaults() LinkConfig {
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeat
	}
	if c.PacketBuffer <= 0 {
		c.PacketBuffer = defaultPacketBuffer
	}
	if c.NAKThreshold <= 0 {
		c.NAKThreshold = defaultNAKThreshold
	}

	return c
}

// Link owns one radio transport and drives it through the connection state
// machine. Received packets are delivered on Packets(); the channel survives
// reconnects and is never closed.
type Link struct {
	logger    *slog.Logger
	transport transport.Transport
	codec     Codec
	bus       bus.MessageBus
	cfg       LinkConfig

	packets chan domain.RadioPacket
	faults  chan error

	mu         sync.RWMutex
	state      connectors.ConnectionState
	retryCount int
	lastErr    error

	writeMu   sync.Mutex
	localNode atomic.Uint32
	naks      atomic.Int32
	dropped   atomic.Uint64

	stopOnce sync.Once
	stop     chan struct{}
}

func NewLink(logger *slog.Logger, b bus.MessageBus, tr transport.Transport, codec Codec, cfg LinkConfig) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	return &Link{
		logger:    logger.With("transport", tr.Name()),
		transport: tr,
		codec:     codec,
		bus:       b,
		cfg:       cfg,
		packets:   make(chan domain.RadioPacket, cfg.PacketBuffer),
		faults:    make(chan error, 1),
		state:     connectors.ConnectionStateDisconnected,
		stop:      make(chan struct{}),
	}
}

// Packets streams decoded mesh packets. When the consumer falls behind the
// oldest buffered packet is dropped.
func (l *Link) Packets() <-chan domain.RadioPacket {
	return l.packets
}

func (l *Link) State() connectors.ConnectionState {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.state
}

func (l *Link) Connected() bool {
	return l.State() == connectors.ConnectionStateConnected
}

func (l *Link) Status() connectors.ConnectionStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.statusLocked()
}

// LocalNodeNum is the radio's own node number, zero until my_info arrived.
func (l *Link) LocalNodeNum() uint32 {
	return l.localNode.Load()
}

// DroppedPackets counts inbound packets discarded because the consumer lagged.
func (l *Link) DroppedPackets() uint64 {
	return l.dropped.Load()
}

// Connect runs the state machine until ctx is cancelled, Disconnect is
// called, or the reconnect budget is exhausted (ErrLinkFailed).
func (l *Link) Connect(ctx context.Context) error {
	backoff := l.cfg.BaseDelay
	failures := 0

	for {
		if err := l.stopped(ctx); err != nil {
			l.setState(connectors.ConnectionStateDisconnected, nil)

			return err
		}

		l.setState(connectors.ConnectionStateConnecting, nil)
		reachedConnected, err := l.runSession(ctx)
		if stopErr := l.stopped(ctx); stopErr != nil {
			l.setState(connectors.ConnectionStateDisconnected, nil)

			return stopErr
		}

		if reachedConnected {
			failures = 0
			backoff = l.cfg.BaseDelay
		}
		failures++
		l.setRetryCount(failures)

		if l.cfg.MaxReconnectAttempts > 0 && failures >= l.cfg.MaxReconnectAttempts {
			l.setState(connectors.ConnectionStateFailed, err)
			l.logger.Error("radio link failed", "attempts", failures, "error", err)

			return fmt.Errorf("%w after %d attempts: %w", ErrLinkFailed, failures, err)
		}

		l.setState(connectors.ConnectionStateReconnecting, err)
		l.logger.Warn("radio link lost, reconnecting", "error", err, "attempt", failures, "backoff", backoff)
		if !l.sleep(ctx, backoff) {
			l.setState(connectors.ConnectionStateDisconnected, nil)

			return l.stopped(ctx)
		}
		backoff *= 2
		if backoff > l.cfg.MaxDelay {
			backoff = l.cfg.MaxDelay
		}
	}
}

// runSession performs one connect/handshake/read cycle. It reports whether the
// link reached Connected before failing.
func (l *Link) runSession(ctx context.Context) (bool, error) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := l.transport.Connect(sessionCtx); err != nil {
		return false, fmt.Errorf("connect %s: %w", l.transport.Name(), err)
	}
	defer func() {
		if err := l.transport.Close(); err != nil && !errors.Is(err, transport.ErrNotConnected) {
			l.logger.Debug("transport close failed", "error", err)
		}
	}()

	l.drainFaults()
	l.naks.Store(0)

	ready := make(chan struct{})
	readErr := make(chan error, 1)
	go func() {
		readErr <- l.runReader(sessionCtx, ready)
	}()

	wantConfig, id, err := l.codec.EncodeWantConfig()
	if err != nil {
		return false, fmt.Errorf("encode want_config: %w", err)
	}
	if err := l.write(sessionCtx, wantConfig); err != nil {
		return false, fmt.Errorf("send want_config: %w", err)
	}
	l.logger.Debug("want_config sent", "config_id", id)

	handshake := time.NewTimer(l.cfg.HandshakeTimeout)
	defer handshake.Stop()
	select {
	case <-ready:
	case err := <-readErr:
		return false, err
	case <-handshake.C:
		return false, errHandshakeTimeout
	case <-sessionCtx.Done():
		return false, sessionCtx.Err()
	case <-l.stop:
		return false, errLinkStopped
	}

	l.setState(connectors.ConnectionStateConnected, nil)
	l.logger.Info("radio link connected", "target", transport.Target(l.transport), "local_node", domain.FormatNodeID(l.LocalNodeNum()))

	go l.runHeartbeat(sessionCtx)

	select {
	case err := <-readErr:
		return true, err
	case err := <-l.faults:
		return true, err
	case <-sessionCtx.Done():
		return true, sessionCtx.Err()
	case <-l.stop:
		return true, errLinkStopped
	}
}

func (l *Link) runReader(ctx context.Context, ready chan<- struct{}) error {
	readyClosed := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// No per-read deadline: a quiet mesh is not a dead link. The heartbeat
		// write surfaces broken transports.
		payload, err := l.transport.ReadFrame(ctx)
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}

		decoded, err := l.codec.DecodeFromRadio(payload)
		if err != nil {
			l.logger.Warn("decode fromradio failed", "error", err)
			continue
		}

		if decoded.WantConfigReady && !readyClosed {
			readyClosed = true
			close(ready)
		}
		if err := l.handleFrame(decoded); err != nil {
			return err
		}
	}
}

func (l *Link) handleFrame(frame DecodedFrame) error {
	if frame.Rebooted {
		return errRadioRebooted
	}
	if frame.MyNodeNum != 0 {
		l.localNode.Store(frame.MyNodeNum)
	}
	if frame.NodeUpdate != nil && l.bus != nil {
		l.bus.Publish(connectors.TopicNodeInfo, *frame.NodeUpdate)
	}
	if qs := frame.QueueStatus; qs != nil {
		if qs.Rejected() {
			count := l.naks.Add(1)
			l.logger.Warn("radio rejected packet", "packet_id", qs.MeshPacketID, "res", qs.Res, "consecutive", count)
			if int(count) >= l.cfg.NAKThreshold {
				return errRadioRejecting
			}
		} else {
			l.naks.Store(0)
		}
	}
	if frame.RoutingError != 0 {
		l.logger.Debug("mesh routing error", "reason", frame.RoutingError)
	}
	if frame.Packet != nil {
		l.deliver(*frame.Packet)
	}

	return nil
}

func (l *Link) deliver(pkt domain.RadioPacket) {
	for {
		select {
		case l.packets <- pkt:
			return
		default:
		}
		select {
		case old := <-l.packets:
			l.dropped.Add(1)
			l.logger.Warn("inbound packet buffer full, dropping oldest", "packet_id", old.ID)
		default:
		}
	}
}

func (l *Link) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := l.codec.EncodeHeartbeat()
			if err != nil {
				l.logger.Debug("encode heartbeat failed", "error", err)
				continue
			}
			if err := l.write(ctx, payload); err != nil {
				l.logger.Debug("heartbeat write failed", "error", err)
				l.fault(err)

				return
			}
		}
	}
}

// Send writes one text-port packet to the given channel as a broadcast and
// returns the packet id the radio will use for it.
func (l *Link) Send(ctx context.Context, channel int, payload []byte, opts domain.SendOptions) (uint32, error) {
	return l.SendPacket(ctx, OutgoingPacket{
		To:      domain.BroadcastNodeNum,
		Channel: channel,
		PortNum: domain.PortTextMessage,
		Payload: payload,
		Options: opts,
	})
}

func (l *Link) SendPacket(ctx context.Context, pkt OutgoingPacket) (uint32, error) {
	if !l.Connected() {
		return 0, ErrNotConnected
	}
	raw, id, err := l.codec.EncodePacket(pkt)
	if err != nil {
		return 0, fmt.Errorf("encode packet: %w", err)
	}
	if err := l.write(ctx, raw); err != nil {
		if errors.Is(err, transport.ErrClosed) || errors.Is(err, transport.ErrNotConnected) {
			l.fault(err)

			return 0, fmt.Errorf("%w: %w", ErrNotConnected, err)
		}

		return 0, fmt.Errorf("write packet: %w", err)
	}

	return id, nil
}

// Disconnect stops the state machine, telling the radio goodbye when possible.
func (l *Link) Disconnect() error {
	var err error
	l.stopOnce.Do(func() {
		if l.Connected() {
			if payload, encErr := l.codec.EncodeDisconnect(); encErr == nil {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				if writeErr := l.write(ctx, payload); writeErr != nil {
					l.logger.Debug("disconnect frame write failed", "error", writeErr)
				}
				cancel()
			}
		}
		close(l.stop)
		err = l.transport.Close()
		if errors.Is(err, transport.ErrNotConnected) {
			err = nil
		}
	})

	return err
}

func (l *Link) write(ctx context.Context, payload []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return l.transport.WriteFrame(writeCtx, payload)
}

func (l *Link) fault(err error) {
	select {
	case l.faults <- err:
	default:
	}
}

func (l *Link) drainFaults() {
	for {
		select {
		case <-l.faults:
		default:
			return
		}
	}
}

func (l *Link) stopped(ctx context.Context) error {
	select {
	case <-l.stop:
		return errLinkStopped
	default:
	}

	return ctx.Err()
}

func (l *Link) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-l.stop:
		return false
	case <-timer.C:
		return true
	}
}

func (l *Link) setRetryCount(n int) {
	l.mu.Lock()
	l.retryCount = n
	l.mu.Unlock()
}

func (l *Link) setState(state connectors.ConnectionState, err error) {
	l.mu.Lock()
	l.state = state
	l.lastErr = err
	if state == connectors.ConnectionStateConnected {
		l.retryCount = 0
	}
	status := l.statusLocked()
	l.mu.Unlock()

	if l.bus != nil {
		l.bus.Publish(connectors.TopicConnStatus, status)
	}
}

func (l *Link) statusLocked() connectors.ConnectionStatus {
	status := connectors.ConnectionStatus{
		State:         l.state,
		TransportName: l.transport.Name(),
		Target:        transport.Target(l.transport),
		RetryCount:    l.retryCount,
		Timestamp:     time.Now(),
	}
	if l.lastErr != nil {
		status.Err = l.lastErr.Error()
	}

	return status
}

// IsStopped reports whether err came from Disconnect or context cancellation
// rather than a link fault.
func IsStopped(err error) bool {
	return errors.Is(err, errLinkStopped) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
