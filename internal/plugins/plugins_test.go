package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/domain"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/persistence"
)

type stubHook struct {
	name     string
	before   func(msg domain.RelayMessage) (domain.RelayMessage, bool, error)
	after    func(msg domain.RelayMessage, outcome Outcome)
	calls    *[]string
	panicMsg string
}

func (h *stubHook) Name() string { return h.name }

func (h *stubHook) BeforeRelay(_ context.Context, msg domain.RelayMessage) (domain.RelayMessage, bool, error) {
	if h.calls != nil {
		*h.calls = append(*h.calls, h.name)
	}
	if h.panicMsg != "" {
		panic(h.panicMsg)
	}
	if h.before == nil {
		return msg, false, nil
	}

	return h.before(msg)
}

func (h *stubHook) AfterRelay(_ context.Context, msg domain.RelayMessage, outcome Outcome) {
	if h.panicMsg != "" {
		panic(h.panicMsg)
	}
	if h.after != nil {
		h.after(msg, outcome)
	}
}

func TestDispatcherRunsHooksInRegistrationOrder(t *testing.T) {
	d := NewDispatcher(nil, nil, nil)
	var calls []string
	for _, name := range []string{"first", "second", "third"} {
		if err := d.Register(&stubHook{name: name, calls: &calls}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	d.BeforeRelay(context.Background(), domain.RelayMessage{Body: "x"})
	if strings.Join(calls, ",") != "first,second,third" {
		t.Fatalf("unexpected call order %v", calls)
	}
	if strings.Join(d.Names(), ",") != "first,second,third" {
		t.Fatalf("unexpected names %v", d.Names())
	}
}

func TestDispatcherChainsRewrites(t *testing.T) {
	d := NewDispatcher(nil, nil, nil)
	_ = d.Register(&stubHook{name: "upper", before: func(msg domain.RelayMessage) (domain.RelayMessage, bool, error) {
		msg.Body = strings.ToUpper(msg.Body)
		return msg, false, nil
	}})
	_ = d.Register(&stubHook{name: "suffix", before: func(msg domain.RelayMessage) (domain.RelayMessage, bool, error) {
		msg.Body += "!"
		return msg, false, nil
	}})

	out, suppressed := d.BeforeRelay(context.Background(), domain.RelayMessage{Body: "hi"})
	if suppressed || out.Body != "HI!" {
		t.Fatalf("unexpected result %q suppressed=%v", out.Body, suppressed)
	}
}

func TestDispatcherErrorAndPanicKeepOriginal(t *testing.T) {
	d := NewDispatcher(nil, nil, nil)
	_ = d.Register(&stubHook{name: "broken", before: func(msg domain.RelayMessage) (domain.RelayMessage, bool, error) {
		msg.Body = "mangled"
		return msg, true, errors.New("boom")
	}})
	_ = d.Register(&stubHook{name: "panicky", panicMsg: "kaboom"})

	out, suppressed := d.BeforeRelay(context.Background(), domain.RelayMessage{Body: "original"})
	if suppressed {
		t.Fatalf("failing hooks must not suppress")
	}
	if out.Body != "original" {
		t.Fatalf("expected original body, got %q", out.Body)
	}

	// AfterRelay panics are contained too.
	d.AfterRelay(context.Background(), out, Outcome{Delivered: true})
}

func TestDispatcherSuppressStopsChain(t *testing.T) {
	d := NewDispatcher(nil, nil, nil)
	var calls []string
	_ = d.Register(&stubHook{name: "gate", calls: &calls, before: func(msg domain.RelayMessage) (domain.RelayMessage, bool, error) {
		return msg, true, nil
	}})
	_ = d.Register(&stubHook{name: "after-gate", calls: &calls})

	_, suppressed := d.BeforeRelay(context.Background(), domain.RelayMessage{Body: "drop me"})
	if !suppressed {
		t.Fatalf("expected suppression")
	}
	if len(calls) != 1 {
		t.Fatalf("expected chain to stop at suppressing hook, calls %v", calls)
	}
}

func TestDispatcherRejectsDuplicateAndEmptyNames(t *testing.T) {
	d := NewDispatcher(nil, nil, nil)
	if err := d.Register(&stubHook{name: "dup"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := d.Register(&stubHook{name: "dup"}); !errors.Is(err, errDuplicateHook) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if err := d.Register(&stubHook{name: "  "}); err == nil {
		t.Fatalf("expected empty name error")
	}
}

func TestDataStoreWithoutRepo(t *testing.T) {
	store := NewDataStore(nil, nil)
	if err := store.Put(context.Background(), "p", "n", 1); !errors.Is(err, ErrNoDataStore) {
		t.Fatalf("expected ErrNoDataStore, got %v", err)
	}
}

func openPluginRepo(t *testing.T) domain.PluginDataRepository {
	t.Helper()

	db, err := persistence.Open(context.Background(), filepath.Join(t.TempDir(), "relay.sqlite"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return persistence.NewPluginDataRepo(db)
}

func TestDataStoreWritesLandOnlyAfterWriterFlush(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := openPluginRepo(t)
	writer := persistence.NewWriterQueue(nil, 8)
	store := NewDataStore(repo, writer)

	if err := store.Put(ctx, "weather", "!0000beef", map[string]int{"temp": 21}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok, err := repo.Get(ctx, "weather", "!0000beef"); err != nil || ok {
		t.Fatalf("expected no row before the writer runs, ok=%v err=%v", ok, err)
	}

	var got map[string]int
	if ok, err := store.Get(ctx, "weather", "!0000beef", &got); err != nil || !ok || got["temp"] != 21 {
		t.Fatalf("expected queued value to be readable, ok=%v err=%v got=%v", ok, err, got)
	}
	if rows, err := store.Raw(ctx, "weather"); err != nil || len(rows) != 1 {
		t.Fatalf("expected queued value in raw listing, got %v %v", rows, err)
	}

	writer.Start(ctx)
	if err := writer.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	row, ok, err := repo.Get(ctx, "weather", "!0000beef")
	if err != nil || !ok || string(row.Data) != `{"temp":21}` {
		t.Fatalf("expected stored row after flush, ok=%v err=%v row=%+v", ok, err, row)
	}
	if _, pending := store.pendingFor(dataKey{"weather", "!0000beef"}); pending {
		t.Fatalf("expected overlay entry to settle after the write landed")
	}

	if err := store.Delete(ctx, "weather", "!0000beef"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, _ := store.Get(ctx, "weather", "!0000beef", &got); ok {
		t.Fatalf("expected queued delete to hide the row")
	}
	if err := writer.Flush(ctx); err != nil {
		t.Fatalf("flush delete: %v", err)
	}
	if _, ok, _ := repo.Get(ctx, "weather", "!0000beef"); ok {
		t.Fatalf("expected row removed after flush")
	}
}

func TestActivityHookCountsDeliveredMeshMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := openPluginRepo(t)
	writer := persistence.NewWriterQueue(nil, 8)
	writer.Start(ctx)

	d := NewDispatcher(nil, repo, writer)
	if err := d.Register(NewActivityHook(nil)); err != nil {
		t.Fatalf("register: %v", err)
	}

	msg := domain.RelayMessage{
		Source:    domain.ProtocolMesh,
		SenderID:  "!1234abcd",
		Channel:   2,
		Timestamp: time.Unix(1_700_000_000, 0),
	}
	d.AfterRelay(ctx, msg, Outcome{Delivered: true})
	d.AfterRelay(ctx, msg, Outcome{Delivered: true})
	d.AfterRelay(ctx, msg, Outcome{Delivered: false, Err: errors.New("send failed")})
	chatMsg := msg
	chatMsg.Source = domain.ProtocolChat
	d.AfterRelay(ctx, chatMsg, Outcome{Delivered: true})

	if err := writer.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	row, ok, err := repo.Get(ctx, ActivityPluginName, "!1234abcd")
	if err != nil || !ok {
		t.Fatalf("load activity row: ok=%v err=%v", ok, err)
	}
	var rec Activity
	if err := json.Unmarshal(row.Data, &rec); err != nil {
		t.Fatalf("decode activity: %v", err)
	}
	if rec.Messages != 2 || rec.LastChannel != 2 {
		t.Fatalf("unexpected activity %+v", rec)
	}
	if !rec.LastMessageAt.Equal(msg.Timestamp) {
		t.Fatalf("unexpected last message time %v", rec.LastMessageAt)
	}
}
