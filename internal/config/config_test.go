package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Backend != "ollama" {
		t.Errorf("Backend = %q, want ollama", cfg.Backend)
	}
	if cfg.Cloud.Model != "gemini-2.5-flash" {
		t.Errorf("Cloud.Model = %q", cfg.Cloud.Model)
	}
	if cfg.Copilot.Model != "gpt-4o" {
		t.Errorf("Copilot.Model = %q", cfg.Copilot.Model)
	}
	if cfg.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("Ollama.BaseURL = %q", cfg.Ollama.BaseURL)
	}
	if cfg.Ollama.Model != "llama3.1" {
		t.Errorf("Ollama.Model = %q", cfg.Ollama.Model)
	}
	if cfg.Compression.Threshold != 0.5 || cfg.Compression.Preserve != 0.3 {
		t.Errorf("Compression = %+v", cfg.Compression)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("Retry.MaxAttempts = %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.BaseDelay != time.Second {
		t.Errorf("Retry.BaseDelay = %s", cfg.Retry.BaseDelay)
	}
	if cfg.Retry.MaxDelay != 30*time.Second {
		t.Errorf("Retry.MaxDelay = %s", cfg.Retry.MaxDelay)
	}
	if !cfg.Session.Enabled {
		t.Error("Session.Enabled = false, want true")
	}
}

func TestLoadConfigFile(t *testing.T) {
	configHome := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configHome)

	dir := filepath.Join(configHome, "deskchat")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	content := `backend: copilot
copilot:
  model: gpt-4.1
ollama:
  base_url: http://box:11434
retry:
  max_attempts: 2
session:
  enabled: false
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Backend != "copilot" {
		t.Errorf("Backend = %q, want copilot", cfg.Backend)
	}
	if cfg.Copilot.Model != "gpt-4.1" {
		t.Errorf("Copilot.Model = %q", cfg.Copilot.Model)
	}
	if cfg.Ollama.BaseURL != "http://box:11434" {
		t.Errorf("Ollama.BaseURL = %q", cfg.Ollama.BaseURL)
	}
	if cfg.Retry.MaxAttempts != 2 {
		t.Errorf("Retry.MaxAttempts = %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Session.Enabled {
		t.Error("Session.Enabled = true, want false")
	}
	// Keys the file omits keep their defaults
	if cfg.Cloud.Model != "gemini-2.5-flash" {
		t.Errorf("Cloud.Model = %q", cfg.Cloud.Model)
	}
	if cfg.Retry.BaseDelay != time.Second {
		t.Errorf("Retry.BaseDelay = %s", cfg.Retry.BaseDelay)
	}
}

func TestLoadExpandsEnvInPaths(t *testing.T) {
	configHome := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configHome)
	t.Setenv("DESKCHAT_CREDS", "/secrets/oauth.json")

	dir := filepath.Join(configHome, "deskchat")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	content := `cloud:
  credentials: ${DESKCHAT_CREDS}
session:
  path: $DESKCHAT_CREDS
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cloud.Credentials != "/secrets/oauth.json" {
		t.Errorf("Cloud.Credentials = %q", cfg.Cloud.Credentials)
	}
	if cfg.Session.Path != "/secrets/oauth.json" {
		t.Errorf("Session.Path = %q", cfg.Session.Path)
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := &Config{
		Backend: "ollama",
		Cloud:   CloudConfig{Model: "gemini-2.5-flash"},
		Copilot: CopilotConfig{Model: "gpt-4o"},
		Ollama:  OllamaConfig{Model: "llama3.1"},
	}

	cfg.ApplyOverrides("", "")
	if cfg.Backend != "ollama" || cfg.Ollama.Model != "llama3.1" {
		t.Errorf("empty overrides changed config: %+v", cfg)
	}

	cfg.ApplyOverrides("", "mistral")
	if cfg.Ollama.Model != "mistral" {
		t.Errorf("Ollama.Model = %q, want mistral", cfg.Ollama.Model)
	}
	if cfg.Cloud.Model != "gemini-2.5-flash" || cfg.Copilot.Model != "gpt-4o" {
		t.Error("model override leaked to inactive backends")
	}

	// Backend override applies first, so the model lands on the new backend
	cfg.ApplyOverrides("cloud", "gemini-2.5-pro")
	if cfg.Backend != "cloud" {
		t.Errorf("Backend = %q, want cloud", cfg.Backend)
	}
	if cfg.Cloud.Model != "gemini-2.5-pro" {
		t.Errorf("Cloud.Model = %q, want gemini-2.5-pro", cfg.Cloud.Model)
	}
	if cfg.Ollama.Model != "mistral" {
		t.Errorf("Ollama.Model = %q, want mistral", cfg.Ollama.Model)
	}
}

func TestModelSelectsActiveBackend(t *testing.T) {
	cfg := &Config{
		Cloud:   CloudConfig{Model: "a"},
		Copilot: CopilotConfig{Model: "b"},
		Ollama:  OllamaConfig{Model: "c"},
	}

	cases := []struct {
		backend string
		want    string
	}{
		{"cloud", "a"},
		{"copilot", "b"},
		{"ollama", "c"},
		{"bogus", ""},
	}
	for _, tc := range cases {
		cfg.Backend = tc.backend
		if got := cfg.Model(); got != tc.want {
			t.Errorf("Model() with backend %q = %q, want %q", tc.backend, got, tc.want)
		}
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("DESKCHAT_TEST_VAR", "value")

	cases := []struct {
		in   string
		want string
	}{
		{"${DESKCHAT_TEST_VAR}", "value"},
		{"$DESKCHAT_TEST_VAR", "value"},
		{"/plain/path", "/plain/path"},
		{"", ""},
		{"${DESKCHAT_TEST_UNSET}", ""},
	}
	for _, tc := range cases {
		if got := expandEnv(tc.in); got != tc.want {
			t.Errorf("expandEnv(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSessionDBPath(t *testing.T) {
	dataHome := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dataHome)

	cfg := &Config{}
	want := filepath.Join(dataHome, "deskchat", "sessions.db")
	if got := cfg.SessionDBPath(); got != want {
		t.Errorf("SessionDBPath = %q, want %q", got, want)
	}

	cfg.Session.Path = "/custom/chat.db"
	if got := cfg.SessionDBPath(); got != "/custom/chat.db" {
		t.Errorf("SessionDBPath = %q, want /custom/chat.db", got)
	}
}

func TestSaveWritesLoadableConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if Exists() {
		t.Fatal("Exists() = true before Save")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Backend = "cloud"
	cfg.Cloud.Model = "gemini-2.5-pro"
	if err := Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if !Exists() {
		t.Fatal("Exists() = false after Save")
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load after Save: %v", err)
	}
	if loaded.Backend != "cloud" {
		t.Errorf("Backend = %q, want cloud", loaded.Backend)
	}
	if loaded.Cloud.Model != "gemini-2.5-pro" {
		t.Errorf("Cloud.Model = %q, want gemini-2.5-pro", loaded.Cloud.Model)
	}
	if loaded.Retry.MaxAttempts != 5 {
		t.Errorf("Retry.MaxAttempts = %d, want 5", loaded.Retry.MaxAttempts)
	}
}
