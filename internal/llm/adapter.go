package llm

import (
	"context"
	"encoding/json"
	"io"
)

// Adapter translates a generic conversation into one backend's wire format
// and decodes that backend's response stream back into a StreamResult.
// Differences between backends are confined to payload field naming, the
// authentication scheme, and which response encoding Decode consumes; the
// Engine never branches on adapter identity.
type Adapter interface {
	// Name returns a short identifier for the backend ("cloud", "copilot", "ollama").
	Name() string

	// Configured reports whether the adapter has the credentials and
	// endpoints it needs to make requests.
	Configured() bool

	// BuildRequest serializes curated history and tool declarations into
	// this backend's request payload. The model name selects a backend model.
	BuildRequest(history []Message, tools []ToolSpec, model string) (any, error)

	// Send performs one network attempt and returns the raw response body.
	// The caller owns closing the returned reader. Send is the unit the
	// retry executor wraps; it must classify 401/403 as *AuthError and 429
	// as *RateLimitError so the executor can tell them apart.
	Send(ctx context.Context, payload any) (io.ReadCloser, error)

	// Decode consumes the raw response body using this backend's encoding
	// and returns the accumulated result. onText, when non-nil, receives
	// incremental text as it is decoded.
	Decode(r io.Reader, onText func(string)) (*StreamResult, error)

	// Models lists the models this backend offers.
	Models(ctx context.Context) ([]ModelInfo, error)
}

// ToolProvider supplies external tools and prompt templates to the engine.
// Implementations may reach out to MCP servers; a missing or unreachable
// tool surfaces as an error from CallTool, which the dispatcher treats as a
// tool-level failure rather than an engine failure.
type ToolProvider interface {
	AllTools() []ToolSpec
	CallTool(ctx context.Context, name string, args json.RawMessage) (string, error)
	AllPrompts() []PromptInfo
	GetPrompt(ctx context.Context, server, name string, args map[string]string) (string, error)
}
