package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
)

const deviceIDFile = "device-id"

// ResolveDeviceID returns a stable identifier for this desktop. An explicit
// configured ID wins; otherwise one is generated on first run and persisted
// under the user config directory so reinstalls keep the same pairing.
func (c *Config) ResolveDeviceID() (string, error) {
	if c.DeviceID != "" {
		return c.DeviceID, nil
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config dir: %w", err)
	}
	path := filepath.Join(dir, "cratelink", deviceIDFile)

	if data, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(data))
		if _, err := uuid.Parse(id); err == nil {
			return id, nil
		}
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	if err := renameio.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	return id, nil
}
