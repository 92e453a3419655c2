package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	copilotDefaultAPI     = "https://api.githubcopilot.com"
	copilotTokenURL       = "https://api.github.com/copilot_internal/v2/token"
	copilotTokenCacheFile = "bearer-token.json"
	copilotEditorVersion  = "deskchat/1.0"
	copilotIntegrationID  = "vscode-chat"
	copilotBearerBuffer   = 2 * time.Minute
)

// CopilotCredentials holds the long-lived device-flow OAuth token that gets
// exchanged for short-lived API bearer tokens.
type CopilotCredentials struct {
	OAuthToken string `json:"oauth_token"`
}

type copilotBearerCache struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// CopilotAdapter speaks the OpenAI-style chat completions dialect of the
// code-assistant API. Responses arrive as one batch JSON document rather
// than a stream.
type CopilotAdapter struct {
	creds    *CopilotCredentials
	endpoint string
	tokenURL string
	client   *http.Client
	cacheDir string

	mu           sync.Mutex
	bearer       string
	bearerExpiry time.Time
}

func NewCopilotAdapter(creds *CopilotCredentials) *CopilotAdapter {
	return &CopilotAdapter{
		creds:    creds,
		endpoint: copilotDefaultAPI,
		tokenURL: copilotTokenURL,
		client:   &http.Client{},
		cacheDir: defaultCacheDir("copilot"),
	}
}

// SetEndpoint overrides the API base URL and token exchange URL.
func (a *CopilotAdapter) SetEndpoint(endpoint, tokenURL string) {
	a.endpoint = strings.TrimSuffix(endpoint, "/")
	if tokenURL != "" {
		a.tokenURL = tokenURL
	}
}

// SetCacheDir overrides where the exchanged bearer token is cached.
func (a *CopilotAdapter) SetCacheDir(dir string) {
	a.cacheDir = dir
}

func (a *CopilotAdapter) Name() string { return "copilot" }

func (a *CopilotAdapter) Configured() bool {
	return a.creds != nil && a.creds.OAuthToken != ""
}

type copilotChatRequest struct {
	Model    string           `json:"model"`
	Messages []copilotMessage `json:"messages"`
	Tools    []copilotTool    `json:"tools,omitempty"`
	Stream   bool             `json:"stream"`
}

type copilotMessage struct {
	Role       string            `json:"role"`
	Content    string            `json:"content,omitempty"`
	ToolCalls  []copilotToolCall `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

type copilotTool struct {
	Type     string          `json:"type"`
	Function copilotFunction `json:"function"`
}

type copilotFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type copilotToolCall struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

func (a *CopilotAdapter) BuildRequest(history []Message, tools []ToolSpec, model string) (any, error) {
	var messages []copilotMessage
	for _, msg := range history {
		switch msg.Role {
		case RoleSystem:
			if text := msg.TextContent(); text != "" {
				messages = append(messages, copilotMessage{Role: "system", Content: text})
			}
		case RoleUser:
			if text := msg.TextContent(); text != "" {
				messages = append(messages, copilotMessage{Role: "user", Content: text})
			}
		case RoleAssistant:
			m := copilotMessage{Role: "assistant", Content: msg.TextContent()}
			for _, call := range msg.toolCalls() {
				tc := copilotToolCall{ID: call.ID, Type: "function"}
				tc.Function.Name = call.Name
				tc.Function.Arguments = string(call.Arguments)
				if tc.Function.Arguments == "" {
					tc.Function.Arguments = "{}"
				}
				m.ToolCalls = append(m.ToolCalls, tc)
			}
			if m.Content != "" || len(m.ToolCalls) > 0 {
				messages = append(messages, m)
			}
		case RoleTool:
			// Each tool result becomes its own message keyed by the call ID.
			for _, part := range msg.Parts {
				if part.Type != PartToolResult || part.ToolResult == nil {
					continue
				}
				messages = append(messages, copilotMessage{
					Role:       "tool",
					Content:    part.ToolResult.Content,
					ToolCallID: part.ToolResult.ID,
				})
			}
		}
	}

	req := &copilotChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, copilotTool{
			Type: "function",
			Function: copilotFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Schema,
			},
		})
	}
	return req, nil
}

func (a *CopilotAdapter) Send(ctx context.Context, payload any) (io.ReadCloser, error) {
	req, ok := payload.(*copilotChatRequest)
	if !ok {
		return nil, fmt.Errorf("copilot: unexpected payload type %T", payload)
	}
	if !a.Configured() {
		return nil, &AuthError{Backend: a.Name()}
	}

	bearer, err := a.bearerToken(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	a.setHeaders(httpReq, bearer)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat completions request failed: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		// The exchanged bearer may have just expired; drop it so the retry
		// executor's next attempt performs a fresh exchange.
		a.mu.Lock()
		a.bearer = ""
		a.mu.Unlock()
		removeCacheFile(a.cacheDir, copilotTokenCacheFile)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpStatusError(a.Name(), resp)
	}
	return resp.Body, nil
}

// Decode parses the single batch JSON document this backend returns.
func (a *CopilotAdapter) Decode(r io.Reader, onText func(string)) (*StreamResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Choices []struct {
			Message struct {
				Content   string            `json:"content"`
				ToolCalls []copilotToolCall `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s: API error: %s", a.Name(), resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s: response contained no choices", a.Name())
	}

	choice := resp.Choices[0]
	result := &StreamResult{Text: choice.Message.Content}
	if result.Text != "" && onText != nil {
		onText(result.Text)
	}
	for i, tc := range choice.Message.ToolCalls {
		args := tc.Function.Arguments
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("call-%d", i+1)
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        id,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(args),
		})
	}
	if choice.FinishReason != "" {
		result.FinishReason = choice.FinishReason
		result.SawFinish = true
	}
	if resp.Usage != nil {
		result.Usage = &Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return result, nil
}

func (a *CopilotAdapter) Models(ctx context.Context) ([]ModelInfo, error) {
	if !a.Configured() {
		return nil, &AuthError{Backend: a.Name()}
	}
	bearer, err := a.bearerToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint+"/models", nil)
	if err != nil {
		return nil, err
	}
	a.setHeaders(req, bearer)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpStatusError(a.Name(), resp)
	}
	defer resp.Body.Close()

	var modelsResp struct {
		Data []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&modelsResp); err != nil {
		return nil, fmt.Errorf("failed to parse models response: %w", err)
	}

	models := make([]ModelInfo, 0, len(modelsResp.Data))
	for _, m := range modelsResp.Data {
		name := m.Name
		if name == "" {
			name = m.ID
		}
		models = append(models, ModelInfo{ID: m.ID, DisplayName: name})
	}
	return models, nil
}

func (a *CopilotAdapter) setHeaders(req *http.Request, bearer string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Editor-Version", copilotEditorVersion)
	req.Header.Set("Copilot-Integration-Id", copilotIntegrationID)
}

// bearerToken exchanges the device-flow OAuth token for a short-lived API
// bearer, reusing the cached one until it is within the expiry buffer.
func (a *CopilotAdapter) bearerToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.bearer != "" && time.Now().Before(a.bearerExpiry.Add(-copilotBearerBuffer)) {
		return a.bearer, nil
	}

	var cache copilotBearerCache
	if err := readCacheFile(a.cacheDir, copilotTokenCacheFile, &cache); err == nil {
		expiry := time.Unix(cache.ExpiresAt, 0)
		if cache.Token != "" && time.Now().Before(expiry.Add(-copilotBearerBuffer)) {
			a.bearer = cache.Token
			a.bearerExpiry = expiry
			return a.bearer, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.tokenURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "token "+a.creds.OAuthToken)
	req.Header.Set("Editor-Version", copilotEditorVersion)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &AuthError{Backend: a.Name(), Err: fmt.Errorf("token exchange failed with status %d: %s", resp.StatusCode, string(body))}
	}

	var tokenResp struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("failed to parse token exchange response: %w", err)
	}
	if tokenResp.Token == "" {
		return "", &AuthError{Backend: a.Name(), Err: fmt.Errorf("token exchange returned empty token")}
	}

	a.bearer = tokenResp.Token
	a.bearerExpiry = time.Unix(tokenResp.ExpiresAt, 0)
	writeCacheFile(a.cacheDir, copilotTokenCacheFile, &copilotBearerCache{
		Token:     a.bearer,
		ExpiresAt: tokenResp.ExpiresAt,
	})
	return a.bearer, nil
}
