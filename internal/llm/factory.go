package llm

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Backend names accepted by NewAdapter.
const (
	BackendCloud   = "cloud"
	BackendCopilot = "copilot"
	BackendOllama  = "ollama"
)

// BackendNames lists the built-in backends in display order.
func BackendNames() []string {
	return []string{BackendCloud, BackendCopilot, BackendOllama}
}

// AdapterOptions carries per-backend settings for NewAdapter. Credential
// fields may be nil; the resulting adapter then reports Configured() false.
type AdapterOptions struct {
	Cloud          *CloudCredentials
	Copilot        *CopilotCredentials
	OllamaEndpoint string

	// CacheDir overrides the root directory for token and project caches.
	CacheDir string
}

// NewAdapter creates the adapter for the named backend.
func NewAdapter(backend string, opts AdapterOptions) (Adapter, error) {
	switch backend {
	case BackendCloud:
		a := NewCloudAdapter(opts.Cloud)
		if opts.CacheDir != "" {
			a.SetCacheDir(filepath.Join(opts.CacheDir, BackendCloud))
		}
		return a, nil
	case BackendCopilot:
		a := NewCopilotAdapter(opts.Copilot)
		if opts.CacheDir != "" {
			a.SetCacheDir(filepath.Join(opts.CacheDir, BackendCopilot))
		}
		return a, nil
	case BackendOllama:
		return NewOllamaAdapter(opts.OllamaEndpoint), nil
	default:
		return nil, fmt.Errorf("unknown backend: %s", backend)
	}
}

// ParseBackendModel parses "backend:model" or just "backend" from a flag
// value. Model is empty when not specified.
func ParseBackendModel(s string) (string, string, error) {
	parts := strings.SplitN(s, ":", 2)
	backend := strings.TrimSpace(parts[0])
	if backend == "" {
		return "", "", fmt.Errorf("invalid backend format: %q", s)
	}
	model := ""
	if len(parts) == 2 {
		model = strings.TrimSpace(parts[1])
	}
	for _, name := range BackendNames() {
		if backend == name {
			return backend, model, nil
		}
	}
	return "", "", fmt.Errorf("unknown backend: %s", backend)
}
