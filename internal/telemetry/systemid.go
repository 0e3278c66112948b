package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sentinel-av/sentinel/internal/privacy"
)

const systemIDFile = ".system_id"

// LoadOrCreateSystemID reads the anonymous installation ID from dir, creating
// it on first use.
func LoadOrCreateSystemID(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	idFile := filepath.Join(dir, systemIDFile)
	if data, err := os.ReadFile(idFile); err == nil { //nolint:gosec // path under the data dir
		id := strings.TrimSpace(string(data))
		if privacy.IsValidSystemID(id) {
			return id, nil
		}
	}

	id, err := privacy.GenerateSystemID()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(idFile, []byte(id), 0o600); err != nil {
		return "", fmt.Errorf("failed to save system ID: %w", err)
	}
	return id, nil
}
