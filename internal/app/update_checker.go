package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/bus"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/connectors"
)

const (
	defaultUpdateCheckInterval  = 24 * time.Hour
	defaultUpdateRequestTimeout = 15 * time.Second
	defaultReleaseQueryURL      = "https://api.github.com/repos/jeremiah-k/meshtastic-matrix-relay/releases?per_page=10"
)

// ReleaseInfo is one published relay release.
type ReleaseInfo struct {
	Version     string    `json:"version"`
	HTMLURL     string    `json:"url,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// UpdateSnapshot stores a single successful release check.
type UpdateSnapshot struct {
	CurrentVersion  string      `json:"current_version"`
	Latest          ReleaseInfo `json:"latest"`
	UpdateAvailable bool        `json:"update_available"`
	CheckedAt       time.Time   `json:"checked_at"`
}

// UpdateCheckerDependencies customizes the release checker.
type UpdateCheckerDependencies struct {
	CurrentVersion string
	Endpoint       string
	UserAgent      string
	HTTPClient     *http.Client
	Interval       time.Duration
	MessageBus     bus.MessageBus
	Logger         *slog.Logger
}

// UpdateChecker periodically asks the release API whether a newer relay
// build exists and publishes the result on the bus.
type UpdateChecker struct {
	currentVersion string
	endpoint       string
	userAgent      string
	client         *http.Client
	interval       time.Duration
	bus            bus.MessageBus
	logger         *slog.Logger

	mu          sync.RWMutex
	latest      UpdateSnapshot
	latestKnown bool

	startOnce sync.Once
}

type githubRelease struct {
	TagName     string    `json:"tag_name"`
	HTMLURL     string    `json:"html_url"`
	Draft       bool      `json:"draft"`
	Prerelease  bool      `json:"prerelease"`
	PublishedAt time.Time `json:"published_at"`
}

func NewUpdateChecker(deps UpdateCheckerDependencies) *UpdateChecker {
	endpoint := strings.TrimSpace(deps.Endpoint)
	if endpoint == "" {
		endpoint = defaultReleaseQueryURL
	}

	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultUpdateRequestTimeout}
	}

	interval := deps.Interval
	if interval <= 0 {
		interval = defaultUpdateCheckInterval
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "app.updates")
	}

	return &UpdateChecker{
		currentVersion: strings.TrimSpace(deps.CurrentVersion),
		endpoint:       endpoint,
		userAgent:      strings.TrimSpace(deps.UserAgent),
		client:         client,
		interval:       interval,
		bus:            deps.MessageBus,
		logger:         logger,
	}
}

func (c *UpdateChecker) Start(ctx context.Context) {
	if c == nil {
		return
	}

	c.startOnce.Do(func() {
		go c.run(ctx)
	})
}

func (c *UpdateChecker) CurrentSnapshot() (UpdateSnapshot, bool) {
	if c == nil {
		return UpdateSnapshot{}, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.latest, c.latestKnown
}

func (c *UpdateChecker) run(ctx context.Context) {
	c.logger.Debug("update checker started", "endpoint", c.endpoint, "interval", c.interval.String())

	if err := c.checkAndPublish(ctx); err != nil {
		c.logger.Warn("check for updates", "error", err)
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.checkAndPublish(ctx); err != nil {
				c.logger.Warn("check for updates", "error", err)
			}
		}
	}
}

func (c *UpdateChecker) checkAndPublish(ctx context.Context) error {
	snapshot, err := c.fetchSnapshot(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.latest = snapshot
	c.latestKnown = true
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.Publish(connectors.TopicUpdateSnapshot, snapshot)
	}
	c.logger.Info(
		"update check completed",
		"current_version", snapshot.CurrentVersion,
		"latest_version", snapshot.Latest.Version,
		"update_available", snapshot.UpdateAvailable,
	)

	return nil
}

func (c *UpdateChecker) fetchSnapshot(ctx context.Context) (UpdateSnapshot, error) {
	releases, err := c.fetchReleases(ctx)
	if err != nil {
		return UpdateSnapshot{}, err
	}
	if len(releases) == 0 {
		return UpdateSnapshot{}, fmt.Errorf("release API returned no stable releases")
	}

	latest := releases[0]
	for _, release := range releases[1:] {
		if isReleaseNewer(latest.Version, release.Version) {
			latest = release
		}
	}

	return UpdateSnapshot{
		CurrentVersion:  c.currentVersion,
		Latest:          latest,
		UpdateAvailable: isReleaseNewer(c.currentVersion, latest.Version),
		CheckedAt:       time.Now().UTC(),
	}, nil
}

func (c *UpdateChecker) fetchReleases(ctx context.Context) ([]ReleaseInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create releases request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request releases: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		trimmedBody := strings.TrimSpace(string(body))
		if trimmedBody == "" {
			return nil, fmt.Errorf("request releases: unexpected status %d", resp.StatusCode)
		}

		return nil, fmt.Errorf("request releases: unexpected status %d: %s", resp.StatusCode, trimmedBody)
	}

	var payload []githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode releases response: %w", err)
	}

	releases := make([]ReleaseInfo, 0, len(payload))
	for _, item := range payload {
		version := strings.TrimSpace(item.TagName)
		if version == "" || item.Draft || item.Prerelease {
			continue
		}
		releases = append(releases, ReleaseInfo{
			Version:     version,
			HTMLURL:     strings.TrimSpace(item.HTMLURL),
			PublishedAt: item.PublishedAt,
		})
	}

	return releases, nil
}

// isReleaseNewer treats an unparsable current version (dev builds) as older
// than any valid release.
func isReleaseNewer(currentVersion string, latestVersion string) bool {
	current := normalizeSemver(currentVersion)
	latest := normalizeSemver(latestVersion)

	if !semver.IsValid(latest) {
		return false
	}
	if !semver.IsValid(current) {
		return true
	}

	return semver.Compare(current, latest) < 0
}

func normalizeSemver(version string) string {
	trimmed := strings.TrimSpace(version)
	if trimmed == "" {
		return ""
	}
	if !strings.HasPrefix(trimmed, "v") {
		return "v" + trimmed
	}

	return trimmed
}
