package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// AgentInstanceID returns a UUID persisted at ~/.tunnelagent/id, generating
// one on first run. It identifies this agent process only for local
// support/debugging logs — it is never sent as the wire tunnelId, which is
// always assigned by the server.
func AgentInstanceID() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: user home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".tunnelagent")
	idFile := filepath.Join(dir, "id")

	if data, err := os.ReadFile(idFile); err == nil {
		return strings.TrimSpace(string(data)), nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("config: create config directory: %w", err)
	}

	id := uuid.NewString()
	if err := os.WriteFile(idFile, []byte(id), 0o644); err != nil {
		return "", fmt.Errorf("config: write id file: %w", err)
	}
	return id, nil
}
