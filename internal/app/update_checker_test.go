package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/connectors"
)

const releasesFixture = `[
	{"tag_name":"1.2.0-rc1","html_url":"https://example.com/r/1.2.0-rc1","prerelease":true,"published_at":"2026-09-20T01:00:00Z"},
	{"tag_name":"1.1.3","html_url":"https://example.com/r/1.1.3","published_at":"2026-09-12T01:00:00Z"},
	{"tag_name":"1.1.4","html_url":"https://example.com/r/1.1.4","published_at":"2026-09-14T01:00:00Z"},
	{"tag_name":"","html_url":"https://example.com/r/empty"}
]`

func TestNormalizeSemver(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: ""},
		{name: "plain", in: "1.1.0", want: "v1.1.0"},
		{name: "already prefixed", in: "v1.1.0", want: "v1.1.0"},
		{name: "trim spaces", in: " 1.1.0 ", want: "v1.1.0"},
	}

	for _, tt := range tests {
		if got := normalizeSemver(tt.in); got != tt.want {
			t.Fatalf("%s: normalizeSemver(%q) = %q, want %q", tt.name, tt.in, got, tt.want)
		}
	}
}

func TestIsReleaseNewer(t *testing.T) {
	tests := []struct {
		name    string
		current string
		latest  string
		want    bool
	}{
		{name: "newer release", current: "1.0.9", latest: "1.1.4", want: true},
		{name: "equal release", current: "1.1.4", latest: "v1.1.4", want: false},
		{name: "current newer", current: "1.2.0", latest: "1.1.4", want: false},
		{name: "dev current treated older", current: "dev", latest: "1.1.4", want: true},
		{name: "invalid latest ignored", current: "1.1.4", latest: "nightly", want: false},
	}

	for _, tt := range tests {
		if got := isReleaseNewer(tt.current, tt.latest); got != tt.want {
			t.Fatalf("%s: isReleaseNewer(%q, %q) = %v, want %v", tt.name, tt.current, tt.latest, got, tt.want)
		}
	}
}

func TestUpdateCheckerFetchSnapshotSkipsPrereleases(t *testing.T) {
	var userAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, releasesFixture)
	}))
	defer server.Close()

	checker := NewUpdateChecker(UpdateCheckerDependencies{
		CurrentVersion: "1.1.3",
		Endpoint:       server.URL,
		UserAgent:      "mmrelay/1.1.3",
		HTTPClient:     server.Client(),
		Logger:         discardLogger(),
	})

	snapshot, err := checker.fetchSnapshot(context.Background())
	if err != nil {
		t.Fatalf("fetchSnapshot() error = %v", err)
	}
	if userAgent != "mmrelay/1.1.3" {
		t.Fatalf("expected user agent to be sent, got %q", userAgent)
	}
	if snapshot.Latest.Version != "1.1.4" || snapshot.Latest.HTMLURL != "https://example.com/r/1.1.4" {
		t.Fatalf("unexpected latest release %+v", snapshot.Latest)
	}
	if !snapshot.UpdateAvailable {
		t.Fatalf("expected update available")
	}
}

func TestUpdateCheckerRecoversAndPublishes(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, `{"message":"API rate limit exceeded"}`)

			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, releasesFixture)
	}))
	defer server.Close()

	messageBus := newTestMessageBus(t)
	sub := messageBus.Subscribe(connectors.TopicUpdateSnapshot)
	t.Cleanup(func() {
		messageBus.Unsubscribe(sub, connectors.TopicUpdateSnapshot)
	})

	checker := NewUpdateChecker(UpdateCheckerDependencies{
		CurrentVersion: "1.1.4",
		Endpoint:       server.URL,
		HTTPClient:     server.Client(),
		Interval:       25 * time.Millisecond,
		MessageBus:     messageBus,
		Logger:         discardLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	checker.Start(ctx)

	select {
	case raw := <-sub:
		snapshot, ok := raw.(UpdateSnapshot)
		if !ok {
			t.Fatalf("expected UpdateSnapshot payload, got %T", raw)
		}
		if snapshot.UpdateAvailable || snapshot.Latest.Version != "1.1.4" {
			t.Fatalf("unexpected snapshot %+v", snapshot)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a snapshot after the failed first check")
	}

	if _, ok := checker.CurrentSnapshot(); !ok {
		t.Fatalf("expected current snapshot to be recorded")
	}
}
