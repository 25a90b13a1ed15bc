package matrix

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const credentialsFileName = "credentials.json"

// Credentials is the persisted login used to restore a session without the password.
type Credentials struct {
	Homeserver  string `json:"homeserver"`
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}

func (c Credentials) valid() bool {
	return strings.TrimSpace(c.Homeserver) != "" &&
		strings.TrimSpace(c.UserID) != "" &&
		strings.TrimSpace(c.AccessToken) != ""
}

// LoadCredentials reads credentials from path. A missing file returns ok=false.
func LoadCredentials(path string) (Credentials, bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Credentials{}, false, nil
		}

		return Credentials{}, false, fmt.Errorf("read credentials: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return Credentials{}, false, fmt.Errorf("decode credentials %s: %w", path, err)
	}
	if !creds.valid() {
		return Credentials{}, false, nil
	}

	return creds, true, nil
}

// SaveCredentials writes credentials atomically with owner-only permissions.
func SaveCredentials(path string, creds Credentials) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	raw, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("replace credentials: %w", err)
	}

	return nil
}
