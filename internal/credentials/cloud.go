package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/deskchat/deskchat/internal/config"
	"github.com/deskchat/deskchat/internal/llm"
)

// GetCloudCredentials loads OAuth credentials for the cloud assistant
// backend. path overrides the default location when non-empty; otherwise the
// deskchat config dir is tried first, then the gemini-cli credential file,
// which uses the same schema minus the client identity.
func GetCloudCredentials(path string) (*llm.CloudCredentials, error) {
	paths := []string{path}
	if path == "" {
		if dir, err := config.GetConfigDir(); err == nil {
			paths = []string{filepath.Join(dir, "cloud_oauth.json")}
		}
		if home, err := os.UserHomeDir(); err == nil {
			paths = append(paths, filepath.Join(home, ".gemini", "oauth_creds.json"))
		}
	}

	var lastErr error
	for _, p := range paths {
		if p == "" {
			continue
		}
		creds, err := readCloudCredentials(p)
		if err == nil {
			return creds, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = os.ErrNotExist
	}
	return nil, fmt.Errorf("cloud OAuth credentials not found: %w\n"+
		"Sign in with the cloud assistant first, or set cloud.credentials in the config", lastErr)
}

func readCloudCredentials(path string) (*llm.CloudCredentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var creds llm.CloudCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}
	if creds.RefreshToken == "" && creds.AccessToken == "" {
		return nil, fmt.Errorf("invalid credentials in %s: no tokens", path)
	}
	return &creds, nil
}
