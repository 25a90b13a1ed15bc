package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/bus"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/connectors"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/domain"
)

var (
	// ErrAuthentication is fatal: the relay cannot log in or its token was revoked.
	ErrAuthentication = errors.New("matrix authentication failed")
	// ErrEncryptionUnavailable is returned when sending to an encrypted room with E2EE disabled.
	ErrEncryptionUnavailable = errors.New("end-to-end encryption is not enabled")
	ErrNotAuthenticated      = errors.New("matrix session not authenticated")
)

const (
	defaultSyncTimeout = 30 * time.Second
	defaultMinBackoff  = time.Second
	defaultMaxBackoff  = 60 * time.Second
)

type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	Password    string
	DeviceName  string
	UserAgent   string

	CredentialsPath string

	E2EE            bool
	CryptoStorePath string
	PickleKey       string

	SyncTimeout time.Duration
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	// SeenCapacity bounds the set of delivered encrypted event ids.
	SeenCapacity int
}

// Session is the relay's Matrix client: login, sync, decryption and sends.
type Session struct {
	cfg    Config
	logger *slog.Logger
	zlog   zerolog.Logger
	bus    bus.MessageBus

	client  *mautrix.Client
	state   *RoomStateCache
	crypto  cryptoEngine
	decrypt *decryptQueue
	setup   *cryptoSetup

	mu    sync.Mutex
	since string

	ready     chan struct{}
	readyOnce sync.Once
}

func NewSession(cfg Config, logger *slog.Logger, zlog zerolog.Logger, messageBus bus.MessageBus) *Session {
	if logger == nil {
		logger = slog.Default().With("component", "matrix")
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = defaultSyncTimeout
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = defaultMaxBackoff
	}

	return &Session{
		cfg:    cfg,
		logger: logger,
		zlog:   zlog,
		bus:    messageBus,
		state:  NewRoomStateCache(),
		ready:  make(chan struct{}),
	}
}

// Authenticate restores or creates a login, then loads the crypto account and
// uploads keys when E2EE is enabled. All failures wrap ErrAuthentication.
func (s *Session) Authenticate(ctx context.Context) error {
	s.publish(connectors.SessionStateStarting, nil)

	client, err := s.login(ctx)
	if err != nil {
		s.publish(connectors.SessionStateAuthFailed, err)
		return fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	client.Log = s.zlog
	if s.cfg.UserAgent != "" {
		client.UserAgent = s.cfg.UserAgent
	}
	s.client = client
	s.logger.Info("matrix login ok", "user_id", client.UserID, "device_id", client.DeviceID)

	if s.cfg.E2EE {
		setup, err := openCrypto(ctx, client, s.zlog, s.cfg.CryptoStorePath, []byte(s.cfg.PickleKey), s.state)
		if err != nil {
			s.publish(connectors.SessionStateAuthFailed, err)
			return fmt.Errorf("%w: %w", ErrAuthentication, err)
		}
		s.setup = setup
		s.useCrypto(setup.machine)
		s.logger.Info("end-to-end encryption ready", "store", s.cfg.CryptoStorePath)
	}
	s.publish(connectors.SessionStateAuthenticated, nil)

	return nil
}

func (s *Session) useCrypto(engine cryptoEngine) {
	s.crypto = engine
	s.decrypt = newDecryptQueue(s.logger, engine, s.cfg.SeenCapacity)
}

// login tries persisted credentials, then a configured token, then password.
func (s *Session) login(ctx context.Context) (*mautrix.Client, error) {
	saved, haveSaved, err := LoadCredentials(s.cfg.CredentialsPath)
	if err != nil {
		s.logger.Warn("ignoring unreadable credentials file", "path", s.cfg.CredentialsPath, "error", err)
	}
	if haveSaved && (s.cfg.Homeserver == "" || strings.EqualFold(saved.Homeserver, s.cfg.Homeserver)) {
		client, err := s.tokenClient(ctx, saved.Homeserver, saved.AccessToken, saved.DeviceID)
		if err == nil {
			return client, nil
		}
		if !isAuthError(err) {
			return nil, err
		}
		s.logger.Warn("saved matrix credentials rejected", "error", err)
	}

	if token := strings.TrimSpace(s.cfg.AccessToken); token != "" {
		client, err := s.tokenClient(ctx, s.cfg.Homeserver, token, "")
		if err != nil {
			return nil, err
		}
		s.saveCredentials(client)

		return client, nil
	}

	if s.cfg.Password == "" {
		return nil, errors.New("no saved credentials, access token, or password configured")
	}
	client, err := mautrix.NewClient(s.cfg.Homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	_, err = client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: s.cfg.UserID,
		},
		Password:                 s.cfg.Password,
		DeviceID:                 id.DeviceID(saved.DeviceID),
		InitialDeviceDisplayName: s.cfg.DeviceName,
		StoreCredentials:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("password login: %w", err)
	}
	s.saveCredentials(client)

	return client, nil
}

// tokenClient validates token with whoami and returns a client bound to the
// resolved user and device.
func (s *Session) tokenClient(ctx context.Context, homeserver, token, deviceID string) (*mautrix.Client, error) {
	client, err := mautrix.NewClient(homeserver, "", token)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	whoami, err := client.Whoami(ctx)
	if err != nil {
		return nil, fmt.Errorf("whoami: %w", err)
	}
	client.UserID = whoami.UserID
	client.DeviceID = whoami.DeviceID
	if client.DeviceID == "" {
		client.DeviceID = id.DeviceID(deviceID)
	}
	if s.cfg.UserID != "" && !strings.EqualFold(s.cfg.UserID, whoami.UserID.String()) {
		s.logger.Warn("token belongs to a different user than configured", "configured", s.cfg.UserID, "actual", whoami.UserID)
	}

	return client, nil
}

func (s *Session) saveCredentials(client *mautrix.Client) {
	if s.cfg.CredentialsPath == "" {
		return
	}
	err := SaveCredentials(s.cfg.CredentialsPath, Credentials{
		Homeserver:  client.HomeserverURL.String(),
		UserID:      client.UserID.String(),
		AccessToken: client.AccessToken,
		DeviceID:    client.DeviceID.String(),
	})
	if err != nil {
		s.logger.Warn("could not save matrix credentials", "error", err)
	}
}

// JoinRooms resolves aliases and joins every mapped room. Rooms that cannot be
// resolved are dropped with an error log; at least one must remain.
func (s *Session) JoinRooms(ctx context.Context, rooms []domain.RoomMapping) ([]domain.RoomMapping, error) {
	if s.client == nil {
		return nil, ErrNotAuthenticated
	}

	out := make([]domain.RoomMapping, 0, len(rooms))
	for _, room := range rooms {
		ref := strings.TrimSpace(room.RoomID)
		if strings.HasPrefix(ref, "#") {
			resolved, err := s.client.ResolveAlias(ctx, id.RoomAlias(ref))
			if err != nil {
				s.logger.Error("could not resolve room alias", "alias", ref, "error", err)
				continue
			}
			room.Alias = ref
			room.RoomID = resolved.RoomID.String()
		}
		if _, err := s.client.JoinRoomByID(ctx, id.RoomID(room.RoomID)); err != nil {
			s.logger.Error("could not join room", "room", room.RoomID, "error", err)
			continue
		}
		s.state.MarkJoined(id.RoomID(room.RoomID))
		out = append(out, room)
	}
	if len(out) == 0 && len(rooms) > 0 {
		return nil, errors.New("none of the configured rooms could be joined")
	}

	return out, nil
}

// InitialSync performs the full-state sync that seeds room encryption flags
// and membership. Its timeline is not relayed. The session is ready after it.
func (s *Session) InitialSync(ctx context.Context) error {
	if s.client == nil {
		return ErrNotAuthenticated
	}

	backoff := s.cfg.MinBackoff
	for {
		resp, err := s.client.SyncRequest(ctx, 0, "", "", true, event.PresenceOnline)
		if err == nil {
			if err := s.processSync(ctx, resp, "", nil); err != nil {
				return err
			}
			s.state.MarkSynced()
			s.markReady()
			s.logger.Info("initial sync complete", "rooms", len(resp.Rooms.Join), "encryption", s.state.Flags())

			return nil
		}
		if isAuthError(err) {
			s.publish(connectors.SessionStateAuthFailed, err)
			return fmt.Errorf("%w: %w", ErrAuthentication, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("initial sync failed, retrying", "error", err, "retry_in", backoff)
		s.publish(connectors.SessionStateSyncError, err)
		if !sleepCtx(ctx, backoff) {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff, s.cfg.MaxBackoff)
	}
}

// SyncLoop long-polls the homeserver and delivers parsed events to out. It
// returns nil when ctx ends and ErrAuthentication if the token is revoked.
func (s *Session) SyncLoop(ctx context.Context, out chan<- domain.ChatEvent) error {
	if s.client == nil {
		return ErrNotAuthenticated
	}

	backoff := s.cfg.MinBackoff
	failing := false
	for {
		if ctx.Err() != nil {
			return nil
		}
		since := s.syncToken()
		resp, err := s.client.SyncRequest(ctx, int(s.cfg.SyncTimeout/time.Millisecond), since, "", false, event.PresenceOnline)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isAuthError(err) {
				s.publish(connectors.SessionStateAuthFailed, err)
				return fmt.Errorf("%w: %w", ErrAuthentication, err)
			}
			failing = true
			s.logger.Warn("sync failed, retrying", "error", err, "retry_in", backoff)
			s.publish(connectors.SessionStateSyncError, err)
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, s.cfg.MaxBackoff)
			continue
		}
		if failing {
			failing = false
			s.logger.Info("sync recovered")
			s.publish(connectors.SessionStateReady, nil)
		}
		backoff = s.cfg.MinBackoff

		if err := s.processSync(ctx, resp, since, out); err != nil {
			return nil
		}
	}
}

// processSync applies crypto and state updates from resp and, when out is
// non-nil, delivers timeline events. It fails only if ctx ends mid-delivery.
func (s *Session) processSync(ctx context.Context, resp *mautrix.RespSync, since string, out chan<- domain.ChatEvent) error {
	if s.crypto != nil {
		// To-device traffic first, so forwarded keys are imported before decrypting.
		s.crypto.ProcessSyncResponse(ctx, resp, since)
	}

	for roomID, room := range resp.Rooms.Join {
		s.state.MarkJoined(roomID)
		for _, raw := range room.State.Events {
			if evt, ok := prepareEvent(raw, roomID, event.StateEventType); ok {
				s.applyState(ctx, roomID, evt)
			}
		}
		for _, raw := range room.Timeline.Events {
			if raw.StateKey != nil {
				if evt, ok := prepareEvent(raw, roomID, event.StateEventType); ok {
					s.applyState(ctx, roomID, evt)
				}
				continue
			}
			if out == nil {
				continue
			}
			evt, ok := prepareEvent(raw, roomID, event.MessageEventType)
			if !ok {
				continue
			}
			if err := s.handleTimeline(ctx, roomID, evt, out); err != nil {
				return err
			}
		}
	}

	s.setSyncToken(resp.NextBatch)

	if out == nil || s.decrypt == nil {
		return nil
	}
	for _, p := range s.decrypt.Retry(ctx) {
		if err := s.deliver(ctx, p.roomID, p.evt, out); err != nil {
			return err
		}
	}

	return nil
}

func (s *Session) applyState(ctx context.Context, roomID id.RoomID, evt *event.Event) {
	s.state.Apply(roomID, evt)
	if s.crypto != nil && evt.Type.Type == event.StateMember.Type {
		s.crypto.HandleMemberEvent(ctx, evt)
	}
}

func (s *Session) handleTimeline(ctx context.Context, roomID id.RoomID, evt *event.Event, out chan<- domain.ChatEvent) error {
	if evt.Sender == s.client.UserID {
		return nil
	}
	if evt.Type.Type == event.EventEncrypted.Type {
		if s.decrypt == nil {
			s.logger.Warn("received encrypted event but e2ee is disabled", "room", roomID, "event_id", evt.ID)
			return nil
		}
		decrypted, ok := s.decrypt.Decrypt(ctx, roomID, evt)
		if !ok {
			return nil
		}
		evt = decrypted
	}

	return s.deliver(ctx, roomID, evt, out)
}

func (s *Session) deliver(ctx context.Context, roomID id.RoomID, evt *event.Event, out chan<- domain.ChatEvent) error {
	chatEvent, ok := parseChatEvent(roomID, evt, s.state.DisplayName(roomID, evt.Sender))
	if !ok {
		return nil
	}
	select {
	case out <- chatEvent:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// prepareEvent returns a parsed copy of raw bound to roomID.
func prepareEvent(raw *event.Event, roomID id.RoomID, class event.TypeClass) (*event.Event, bool) {
	if raw == nil {
		return nil, false
	}
	evt := *raw
	evt.RoomID = roomID
	evt.Type.Class = class
	if evt.Content.Parsed == nil {
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			return nil, false
		}
	}

	return &evt, true
}

// Send posts msg to roomID, megolm-encrypting it when encrypted is set.
func (s *Session) Send(ctx context.Context, roomID string, msg domain.OutgoingChatMessage, encrypted bool) (string, error) {
	if s.client == nil {
		return "", ErrNotAuthenticated
	}
	rid := id.RoomID(roomID)
	evtType, content := buildContent(msg)

	var payload any = content
	if encrypted {
		if s.crypto == nil {
			return "", fmt.Errorf("%w: room %s is encrypted", ErrEncryptionUnavailable, roomID)
		}
		enc, err := s.encrypt(ctx, rid, evtType, content)
		if err != nil {
			return "", err
		}
		evtType = event.EventEncrypted
		payload = enc
	}

	resp, err := s.client.SendMessageEvent(ctx, rid, evtType, payload)
	if err != nil {
		return "", fmt.Errorf("send %s to %s: %w", evtType.Type, roomID, err)
	}

	return resp.EventID.String(), nil
}

func (s *Session) encrypt(ctx context.Context, roomID id.RoomID, evtType event.Type, content *event.Content) (*event.EncryptedEventContent, error) {
	enc, err := s.crypto.EncryptMegolmEvent(ctx, roomID, evtType, content)
	if err == nil {
		return enc, nil
	}
	s.logger.Debug("sharing group session before encrypting", "room", roomID, "reason", err)
	if err := s.crypto.ShareGroupSession(ctx, roomID, s.state.Members(roomID)); err != nil {
		return nil, fmt.Errorf("share group session in %s: %w", roomID, err)
	}
	enc, err = s.crypto.EncryptMegolmEvent(ctx, roomID, evtType, content)
	if err != nil {
		return nil, fmt.Errorf("encrypt for %s: %w", roomID, err)
	}

	return enc, nil
}

// RoomEncryption reports whether roomID is encrypted. It returns
// ErrRoomStateUnknown until the initial sync has completed.
func (s *Session) RoomEncryption(roomID string) (bool, error) {
	return s.state.Encrypted(roomID)
}

// EncryptionFlags returns a copy of the known per-room encryption flags.
func (s *Session) EncryptionFlags() map[string]bool {
	return s.state.Flags()
}

func (s *Session) UserID() string {
	if s.client == nil {
		return s.cfg.UserID
	}

	return s.client.UserID.String()
}

func (s *Session) DeviceID() string {
	if s.client == nil {
		return ""
	}

	return s.client.DeviceID.String()
}

// Ready is closed once the initial sync has seeded room state.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// ParkedEvents is the number of encrypted events waiting for room keys.
func (s *Session) ParkedEvents() int {
	if s.decrypt == nil {
		return 0
	}

	return s.decrypt.Parked()
}

func (s *Session) Close() error {
	s.publish(connectors.SessionStateStopped, nil)

	return s.setup.Close()
}

func (s *Session) markReady() {
	s.readyOnce.Do(func() {
		close(s.ready)
		s.publish(connectors.SessionStateReady, nil)
	})
}

func (s *Session) syncToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.since
}

func (s *Session) setSyncToken(token string) {
	if token == "" {
		return
	}
	s.mu.Lock()
	s.since = token
	s.mu.Unlock()
}

func (s *Session) publish(state connectors.SessionState, err error) {
	if s.bus == nil {
		return
	}
	status := connectors.SessionStatus{
		State:     state,
		UserID:    s.UserID(),
		DeviceID:  s.DeviceID(),
		Timestamp: time.Now(),
	}
	if err != nil {
		status.Err = err.Error()
	}
	s.bus.Publish(connectors.TopicSessionStatus, status)
}

func isAuthError(err error) bool {
	return errors.Is(err, mautrix.MUnknownToken) ||
		errors.Is(err, mautrix.MMissingToken) ||
		errors.Is(err, mautrix.MForbidden)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextBackoff(current, limit time.Duration) time.Duration {
	next := current * 2
	if next > limit {
		return limit
	}

	return next
}
