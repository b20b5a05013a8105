// Package identity issues the stable per-device identifier. The id is a
// random uuid generated on first use and persisted under the user config
// directory, so it survives restarts but is scoped to the local install.
package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const fileName = "device-id"

type Provider struct {
	path string
}

// NewProvider stores the device id under dir. An empty dir falls back to
// the OS user config directory.
func NewProvider(dir string) (*Provider, error) {
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolve config dir: %w", err)
		}
		dir = filepath.Join(base, "peak-tracker")
	}
	return &Provider{path: filepath.Join(dir, fileName)}, nil
}

// DeviceID returns the persisted identifier, creating it on first call.
func (p *Provider) DeviceID() (string, error) {
	raw, err := os.ReadFile(p.path)
	if err == nil {
		id := strings.TrimSpace(string(raw))
		if _, parseErr := uuid.Parse(id); parseErr == nil {
			return id, nil
		}
		// Corrupt file: regenerate below rather than fail forever.
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read device id: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(p.path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	return id, nil
}

// Static returns a provider-compatible fixed identity for tests and
// synthetic clients.
type Static string

func (s Static) DeviceID() (string, error) { return string(s), nil }
