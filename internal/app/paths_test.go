package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/config"
)

func TestResolvePaths_DefaultsToUserConfigDir(t *testing.T) {
	configHome := filepath.Join(t.TempDir(), "cfg")
	t.Setenv("XDG_CONFIG_HOME", configHome)

	paths, err := ResolvePaths("")
	if err != nil {
		t.Fatalf("resolve paths: %v", err)
	}

	if paths.RootDir != filepath.Join(configHome, Name) {
		t.Fatalf("unexpected root dir: %q", paths.RootDir)
	}
	if paths.ConfigFile != filepath.Join(configHome, Name, ConfigFilename) {
		t.Fatalf("unexpected config file: %q", paths.ConfigFile)
	}
	if _, err := os.Stat(paths.RootDir); err != nil {
		t.Fatalf("expected data directory to exist: %v", err)
	}
}

func TestResolvePaths_DataDirOverride(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "relay")

	paths, err := ResolvePaths(dataDir)
	if err != nil {
		t.Fatalf("resolve paths: %v", err)
	}
	if paths.DBFile != filepath.Join(dataDir, DBFilename) {
		t.Fatalf("unexpected db file: %q", paths.DBFile)
	}
	if paths.CryptoStoreFile != filepath.Join(dataDir, CryptoDBFilename) {
		t.Fatalf("unexpected crypto store: %q", paths.CryptoStoreFile)
	}
	if paths.CredentialsFile != filepath.Join(dataDir, CredentialsFilename) {
		t.Fatalf("unexpected credentials file: %q", paths.CredentialsFile)
	}
}

func TestPathsWithConfig(t *testing.T) {
	paths, err := ResolvePaths(t.TempDir())
	if err != nil {
		t.Fatalf("resolve paths: %v", err)
	}

	cfg := config.Default()
	cfg.Database.Path = "/srv/relay/db.sqlite"
	cfg.Matrix.E2EE.StorePath = "/srv/relay/e2ee.db"
	got := paths.WithConfig(cfg)

	if got.DBFile != "/srv/relay/db.sqlite" || got.CryptoStoreFile != "/srv/relay/e2ee.db" {
		t.Fatalf("config overrides not applied: %+v", got)
	}
	if got.LogFile != paths.LogFile {
		t.Fatalf("log file should stay default, got %q", got.LogFile)
	}
}
