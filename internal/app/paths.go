package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/config"
)

// Paths stores resolved runtime file locations under the relay data dir.
type Paths struct {
	RootDir         string
	ConfigFile      string
	DBFile          string
	LogFile         string
	CredentialsFile string
	CryptoStoreFile string
}

// ResolvePaths lays files out under dataDir, or under the user config dir
// when dataDir is empty. The directory is created.
func ResolvePaths(dataDir string) (Paths, error) {
	root := strings.TrimSpace(dataDir)
	if root == "" {
		cfgRoot, err := os.UserConfigDir()
		if err != nil {
			return Paths{}, fmt.Errorf("resolve config dir: %w", err)
		}
		root = filepath.Join(cfgRoot, Name)
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o750); err != nil {
		return Paths{}, fmt.Errorf("create data dir: %w", err)
	}

	return Paths{
		RootDir:         root,
		ConfigFile:      filepath.Join(root, ConfigFilename),
		DBFile:          filepath.Join(root, DBFilename),
		LogFile:         filepath.Join(root, LogFilename),
		CredentialsFile: filepath.Join(root, CredentialsFilename),
		CryptoStoreFile: filepath.Join(root, CryptoDBFilename),
	}, nil
}

// WithConfig applies explicit file locations from cfg.
func (p Paths) WithConfig(cfg config.AppConfig) Paths {
	if path := strings.TrimSpace(cfg.Database.Path); path != "" {
		p.DBFile = filepath.Clean(path)
	}
	if path := strings.TrimSpace(cfg.Matrix.E2EE.StorePath); path != "" {
		p.CryptoStoreFile = filepath.Clean(path)
	}
	if path := strings.TrimSpace(cfg.Logging.File); path != "" {
		p.LogFile = filepath.Clean(path)
	}

	return p
}
