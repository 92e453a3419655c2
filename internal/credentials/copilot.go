package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/deskchat/deskchat/internal/llm"
)

// GetCopilotCredentials loads the device-flow OAuth token for the
// code-assistant backend. path overrides the default location when
// non-empty; otherwise the standard copilot credential files are searched.
func GetCopilotCredentials(path string) (*llm.CopilotCredentials, error) {
	if path != "" {
		return readCopilotToken(path)
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config")
	}

	var lastErr error
	for _, name := range []string{"apps.json", "hosts.json"} {
		creds, err := readCopilotToken(filepath.Join(configDir, "github-copilot", name))
		if err == nil {
			return creds, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("copilot OAuth token not found: %w\n"+
		"Sign in with the copilot device flow first, or set copilot.credentials in the config", lastErr)
}

// readCopilotToken parses the copilot credential file, a map keyed by host
// (hosts.json) or host:app-id (apps.json).
func readCopilotToken(path string) (*llm.CopilotCredentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var entries map[string]struct {
		OAuthToken string `json:"oauth_token"`
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	for key, entry := range entries {
		if entry.OAuthToken == "" {
			continue
		}
		if key == "github.com" || strings.HasPrefix(key, "github.com:") {
			return &llm.CopilotCredentials{OAuthToken: entry.OAuthToken}, nil
		}
	}
	return nil, fmt.Errorf("no oauth_token for github.com in %s", path)
}
