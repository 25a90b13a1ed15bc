package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/domain"
)

const testUser = "@relay:example.org"

type fakeHomeserver struct {
	t      *testing.T
	server *httptest.Server

	validToken string
	loginToken string

	mu        sync.Mutex
	loginReq  map[string]any
	sent      []map[string]any
	sentPaths []string
	syncs     atomic.Int32
	// syncReplies are served in order; the last one repeats.
	syncReplies []string
}

func newFakeHomeserver(t *testing.T) *fakeHomeserver {
	t.Helper()

	hs := &fakeHomeserver{t: t, validToken: "good-token"}
	mux := http.NewServeMux()
	mux.HandleFunc("/_matrix/client/v3/account/whoami", hs.whoami)
	mux.HandleFunc("/_matrix/client/v3/login", hs.login)
	mux.HandleFunc("/_matrix/client/v3/sync", hs.sync)
	mux.HandleFunc("/_matrix/client/v3/rooms/", hs.send)
	hs.server = httptest.NewServer(mux)
	t.Cleanup(hs.server.Close)

	return hs
}

func (hs *fakeHomeserver) authorized(r *http.Request) bool {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	return r.Header.Get("Authorization") == "Bearer "+hs.validToken
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

const unknownToken = `{"errcode":"M_UNKNOWN_TOKEN","error":"Invalid access token"}`

func (hs *fakeHomeserver) whoami(w http.ResponseWriter, r *http.Request) {
	if !hs.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, unknownToken)
		return
	}
	writeJSON(w, http.StatusOK, `{"user_id":"`+testUser+`","device_id":"DEV1"}`)
}

func (hs *fakeHomeserver) login(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	_ = json.NewDecoder(r.Body).Decode(&req)
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.loginReq = req

	if req["password"] != "hunter2" {
		writeJSON(w, http.StatusForbidden, `{"errcode":"M_FORBIDDEN","error":"Invalid password"}`)
		return
	}
	device, _ := req["device_id"].(string)
	if device == "" {
		device = "NEWDEV"
	}
	hs.validToken = hs.loginToken
	writeJSON(w, http.StatusOK, `{"user_id":"`+testUser+`","access_token":"`+hs.loginToken+`","device_id":"`+device+`"}`)
}

func (hs *fakeHomeserver) sync(w http.ResponseWriter, r *http.Request) {
	if !hs.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, unknownToken)
		return
	}
	n := int(hs.syncs.Add(1)) - 1
	if n >= len(hs.syncReplies) {
		n = len(hs.syncReplies) - 1
	}
	writeJSON(w, http.StatusOK, hs.syncReplies[n])
}

func (hs *fakeHomeserver) send(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut || !strings.Contains(r.URL.Path, "/send/") {
		writeJSON(w, http.StatusNotFound, `{"errcode":"M_UNRECOGNIZED"}`)
		return
	}
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	hs.mu.Lock()
	hs.sent = append(hs.sent, body)
	hs.sentPaths = append(hs.sentPaths, r.URL.Path)
	hs.mu.Unlock()
	writeJSON(w, http.StatusOK, `{"event_id":"$sent1"}`)
}

func newTestSession(hs *fakeHomeserver, mutate func(*Config)) *Session {
	cfg := Config{
		Homeserver:      hs.server.URL,
		UserID:          testUser,
		CredentialsPath: filepath.Join(hs.t.TempDir(), credentialsFileName),
		MinBackoff:      time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
		SyncTimeout:     10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	return NewSession(cfg, discardLogger(), zerolog.Nop(), nil)
}

const initialSync = `{
	"next_batch": "s1",
	"rooms": {"join": {
		"!enc:example.org": {
			"state": {"events": [
				{"type": "m.room.encryption", "state_key": "", "event_id": "$s1", "sender": "@admin:example.org", "origin_server_ts": 1,
				 "content": {"algorithm": "m.megolm.v1.aes-sha2"}}
			]},
			"timeline": {"events": []}
		},
		"!plain:example.org": {
			"state": {"events": [
				{"type": "m.room.member", "state_key": "@alice:example.org", "event_id": "$s2", "sender": "@alice:example.org", "origin_server_ts": 1,
				 "content": {"membership": "join", "displayname": "Alice"}}
			]},
			"timeline": {"events": [
				{"type": "m.room.message", "event_id": "$history", "sender": "@alice:example.org", "origin_server_ts": 1,
				 "content": {"msgtype": "m.text", "body": "old news"}}
			]}
		}
	}}
}`

const liveSync = `{
	"next_batch": "s2",
	"rooms": {"join": {
		"!plain:example.org": {
			"timeline": {"events": [
				{"type": "m.room.message", "event_id": "$live", "sender": "@alice:example.org", "origin_server_ts": 1700000000000,
				 "content": {"msgtype": "m.text", "body": "hello relay", "meshtastic_meshnet": "FarMesh", "meshtastic_id": 7}},
				{"type": "m.room.message", "event_id": "$own", "sender": "@relay:example.org", "origin_server_ts": 1700000000001,
				 "content": {"msgtype": "m.text", "body": "my own echo"}}
			]}
		}
	}}
}`

func TestAuthenticateWithAccessTokenSavesCredentials(t *testing.T) {
	hs := newFakeHomeserver(t)
	s := newTestSession(hs, func(c *Config) { c.AccessToken = "good-token" })

	if err := s.Authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if s.UserID() != testUser || s.DeviceID() != "DEV1" {
		t.Fatalf("unexpected identity %s/%s", s.UserID(), s.DeviceID())
	}

	creds, ok, err := LoadCredentials(s.cfg.CredentialsPath)
	if err != nil || !ok {
		t.Fatalf("expected saved credentials: %v", err)
	}
	if creds.AccessToken != "good-token" || creds.DeviceID != "DEV1" || creds.UserID != testUser {
		t.Fatalf("unexpected credentials %+v", creds)
	}
}

func TestAuthenticateRestoresSavedCredentials(t *testing.T) {
	hs := newFakeHomeserver(t)
	s := newTestSession(hs, nil)
	if err := SaveCredentials(s.cfg.CredentialsPath, Credentials{
		Homeserver:  hs.server.URL,
		UserID:      testUser,
		AccessToken: "good-token",
		DeviceID:    "DEV1",
	}); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := s.Authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if s.UserID() != testUser {
		t.Fatalf("unexpected user %s", s.UserID())
	}
}

func TestAuthenticateRejectedTokenIsFatal(t *testing.T) {
	hs := newFakeHomeserver(t)
	s := newTestSession(hs, func(c *Config) { c.AccessToken = "revoked" })

	err := s.Authenticate(context.Background())
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestPasswordLoginReusesPersistedDevice(t *testing.T) {
	hs := newFakeHomeserver(t)
	hs.loginToken = "fresh-token"
	s := newTestSession(hs, func(c *Config) { c.Password = "hunter2" })
	if err := SaveCredentials(s.cfg.CredentialsPath, Credentials{
		Homeserver:  hs.server.URL,
		UserID:      testUser,
		AccessToken: "expired-token",
		DeviceID:    "OLDDEV",
	}); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := s.Authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if hs.loginReq["device_id"] != "OLDDEV" {
		t.Fatalf("expected login to request persisted device, got %v", hs.loginReq["device_id"])
	}
	creds, _, _ := LoadCredentials(s.cfg.CredentialsPath)
	if creds.AccessToken != "fresh-token" || creds.DeviceID != "OLDDEV" {
		t.Fatalf("unexpected saved credentials %+v", creds)
	}
}

func TestWrongPasswordIsFatal(t *testing.T) {
	hs := newFakeHomeserver(t)
	s := newTestSession(hs, func(c *Config) { c.Password = "wrong" })

	if err := s.Authenticate(context.Background()); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestInitialSyncSeedsEncryptionFlags(t *testing.T) {
	hs := newFakeHomeserver(t)
	hs.syncReplies = []string{initialSync}
	s := newTestSession(hs, func(c *Config) { c.AccessToken = "good-token" })
	ctx := context.Background()

	if err := s.Authenticate(ctx); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if _, err := s.RoomEncryption("!enc:example.org"); !errors.Is(err, ErrRoomStateUnknown) {
		t.Fatalf("expected ErrRoomStateUnknown before initial sync, got %v", err)
	}
	select {
	case <-s.Ready():
		t.Fatalf("session must not be ready before initial sync")
	default:
	}

	if err := s.InitialSync(ctx); err != nil {
		t.Fatalf("initial sync: %v", err)
	}
	select {
	case <-s.Ready():
	default:
		t.Fatalf("expected session ready after initial sync")
	}

	if enc, err := s.RoomEncryption("!enc:example.org"); err != nil || !enc {
		t.Fatalf("expected encrypted room, got %v %v", enc, err)
	}
	if enc, err := s.RoomEncryption("!plain:example.org"); err != nil || enc {
		t.Fatalf("expected plain room, got %v %v", enc, err)
	}
	flags := s.EncryptionFlags()
	if len(flags) != 2 || !flags["!enc:example.org"] {
		t.Fatalf("unexpected flags %v", flags)
	}
}

func TestSyncLoopDeliversAndStopsOnRevokedToken(t *testing.T) {
	hs := newFakeHomeserver(t)
	hs.syncReplies = []string{initialSync, liveSync, `{"next_batch":"s3"}`}
	s := newTestSession(hs, func(c *Config) { c.AccessToken = "good-token" })
	ctx := context.Background()

	if err := s.Authenticate(ctx); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := s.InitialSync(ctx); err != nil {
		t.Fatalf("initial sync: %v", err)
	}

	out := make(chan domain.ChatEvent, 8)
	done := make(chan error, 1)
	go func() { done <- s.SyncLoop(ctx, out) }()

	var ev domain.ChatEvent
	select {
	case ev = <-out:
	case <-time.After(2 * time.Second):
		t.Fatalf("no event delivered")
	}
	if ev.EventID != "$live" || ev.Body != "hello relay" || ev.SenderDisplayName != "Alice" || ev.MeshMeshnet != "FarMesh" {
		t.Fatalf("unexpected event %+v", ev)
	}

	// Revoke the token; the loop must give up with an auth error.
	hs.mu.Lock()
	hs.validToken = "rotated"
	hs.mu.Unlock()

	select {
	case err := <-done:
		if !errors.Is(err, ErrAuthentication) {
			t.Fatalf("expected ErrAuthentication, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("sync loop did not stop after token revocation")
	}
	for len(out) > 0 {
		if extra := <-out; extra.EventID == "$history" || extra.EventID == "$own" {
			t.Fatalf("unexpected delivery of %s", extra.EventID)
		}
	}
}

func TestSyncLoopStopsOnContextCancel(t *testing.T) {
	hs := newFakeHomeserver(t)
	hs.syncReplies = []string{`{"next_batch":"s1"}`}
	s := newTestSession(hs, func(c *Config) { c.AccessToken = "good-token" })
	if err := s.Authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.SyncLoop(ctx, make(chan domain.ChatEvent)) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("sync loop did not stop")
	}
}

func TestSendPlainAndEncryptedWithoutE2EE(t *testing.T) {
	hs := newFakeHomeserver(t)
	s := newTestSession(hs, func(c *Config) { c.AccessToken = "good-token" })
	ctx := context.Background()
	if err := s.Authenticate(ctx); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	eventID, err := s.Send(ctx, "!plain:example.org", domain.OutgoingChatMessage{
		Kind:          domain.ChatEventText,
		Body:          "[Base/Mesh]: hi",
		FormattedBody: "[Base/Mesh]: hi",
		Mesh:          &domain.MeshOrigin{Meshnet: "Mesh", Text: "hi", PortNum: domain.PortTextMessage},
	}, false)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if eventID != "$sent1" {
		t.Fatalf("unexpected event id %q", eventID)
	}
	if !strings.Contains(hs.sentPaths[0], "/send/m.room.message/") {
		t.Fatalf("unexpected path %s", hs.sentPaths[0])
	}
	if hs.sent[0]["meshtastic_meshnet"] != "Mesh" || hs.sent[0]["formatted_body"] != "[Base/Mesh]: hi" {
		t.Fatalf("unexpected content %v", hs.sent[0])
	}

	_, err = s.Send(ctx, "!enc:example.org", domain.OutgoingChatMessage{Body: "secret"}, true)
	if !errors.Is(err, ErrEncryptionUnavailable) {
		t.Fatalf("expected ErrEncryptionUnavailable, got %v", err)
	}
	if len(hs.sent) != 1 {
		t.Fatalf("plaintext must not be sent to an encrypted room")
	}
}
