package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	cloudDefaultEndpoint  = "https://cloudcode-pa.googleapis.com"
	cloudAPIVersion       = "v1internal"
	cloudTokenEndpoint    = "https://oauth2.googleapis.com/token"
	cloudProjectCacheFile = "project.json"
	cloudTokenCacheFile   = "access-token.json"
	cloudProjectCacheTTL  = 24 * time.Hour
	cloudTokenBuffer      = 5 * time.Minute
)

// CloudCredentials holds the OAuth tokens and client identity for the cloud
// assistant backend, loaded from the credentials store on disk.
type CloudCredentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiryDate   int64  `json:"expiry_date"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type cloudProjectCache struct {
	ProjectID string `json:"project_id"`
	FetchedAt int64  `json:"fetched_at"`
}

type cloudTokenCache struct {
	AccessToken string `json:"access_token"`
	ExpiryDate  int64  `json:"expiry_date"`
	CachedAt    int64  `json:"cached_at"`
}

// CloudAdapter speaks to the cloud assistant API. Every request must carry a
// project identifier obtained through a one-time provisioning handshake; the
// identifier and the short-lived access token are both cached on disk so a
// fresh process does not repeat the handshake.
type CloudAdapter struct {
	creds    *CloudCredentials
	endpoint string
	tokenURL string
	client   *http.Client
	cacheDir string

	mu        sync.Mutex
	projectID string
}

func NewCloudAdapter(creds *CloudCredentials) *CloudAdapter {
	return &CloudAdapter{
		creds:    creds,
		endpoint: cloudDefaultEndpoint,
		tokenURL: cloudTokenEndpoint,
		client:   &http.Client{},
		cacheDir: defaultCacheDir("cloud"),
	}
}

// SetEndpoint overrides the API base URL.
func (a *CloudAdapter) SetEndpoint(endpoint, tokenURL string) {
	a.endpoint = strings.TrimSuffix(endpoint, "/")
	if tokenURL != "" {
		a.tokenURL = tokenURL
	}
}

// SetCacheDir overrides where tokens and the project ID are cached.
func (a *CloudAdapter) SetCacheDir(dir string) {
	a.cacheDir = dir
}

func (a *CloudAdapter) Name() string { return "cloud" }

func (a *CloudAdapter) Configured() bool {
	return a.creds != nil && (a.creds.AccessToken != "" || a.creds.RefreshToken != "")
}

type cloudRequest struct {
	Model        string         `json:"model"`
	Project      string         `json:"project,omitempty"`
	UserPromptID string         `json:"user_prompt_id"`
	Request      map[string]any `json:"request"`
}

func (a *CloudAdapter) BuildRequest(history []Message, tools []ToolSpec, model string) (any, error) {
	var contents []map[string]any
	var systemTexts []string

	for _, msg := range history {
		switch msg.Role {
		case RoleSystem:
			if text := msg.TextContent(); text != "" {
				systemTexts = append(systemTexts, text)
			}
		case RoleUser, RoleAssistant:
			role := "user"
			if msg.Role == RoleAssistant {
				role = "model"
			}
			parts := cloudParts(msg)
			if len(parts) > 0 {
				contents = append(contents, map[string]any{"role": role, "parts": parts})
			}
		case RoleTool:
			parts := cloudParts(msg)
			if len(parts) > 0 {
				contents = append(contents, map[string]any{"role": "user", "parts": parts})
			}
		}
	}

	inner := map[string]any{"contents": contents}
	if len(systemTexts) > 0 {
		inner["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": strings.Join(systemTexts, "\n\n")}},
		}
	}
	if len(tools) > 0 {
		var decls []map[string]any
		for _, t := range tools {
			decl := map[string]any{
				"name":        t.Name,
				"description": t.Description,
			}
			if len(t.Schema) > 0 {
				decl["parameters"] = t.Schema
			}
			decls = append(decls, decl)
		}
		inner["tools"] = []map[string]any{{"functionDeclarations": decls}}
	}

	return &cloudRequest{
		Model:        model,
		UserPromptID: fmt.Sprintf("chat-%d", time.Now().UnixNano()),
		Request:      inner,
	}, nil
}

func cloudParts(msg Message) []map[string]any {
	var parts []map[string]any
	for _, part := range msg.Parts {
		switch part.Type {
		case PartText:
			if part.Text != "" {
				parts = append(parts, map[string]any{"text": part.Text})
			}
		case PartToolCall:
			if part.ToolCall == nil {
				continue
			}
			var args any
			if len(part.ToolCall.Arguments) > 0 {
				if err := json.Unmarshal(part.ToolCall.Arguments, &args); err != nil {
					args = map[string]any{}
				}
			} else {
				args = map[string]any{}
			}
			parts = append(parts, map[string]any{
				"functionCall": map[string]any{
					"name": part.ToolCall.Name,
					"args": args,
				},
			})
		case PartToolResult:
			if part.ToolResult == nil {
				continue
			}
			parts = append(parts, map[string]any{
				"functionResponse": map[string]any{
					"name":     part.ToolResult.Name,
					"response": cloudResponsePayload(part.ToolResult.Content),
				},
			})
		}
	}
	return parts
}

// cloudResponsePayload wraps tool output as a JSON object, which the API
// requires for functionResponse parts even when the tool returned plain text.
func cloudResponsePayload(content string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(content), &obj); err == nil && obj != nil {
		return obj
	}
	return map[string]any{"output": content}
}

func (a *CloudAdapter) Send(ctx context.Context, payload any) (io.ReadCloser, error) {
	req, ok := payload.(*cloudRequest)
	if !ok {
		return nil, fmt.Errorf("cloud: unexpected payload type %T", payload)
	}
	if !a.Configured() {
		return nil, &AuthError{Backend: a.Name()}
	}

	if err := a.ensureProjectID(ctx); err != nil {
		return nil, err
	}
	token, err := a.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	req.Project = a.projectID

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	reqURL := fmt.Sprintf("%s/%s:streamGenerateContent?alt=sse", a.endpoint, cloudAPIVersion)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("streamGenerateContent request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpStatusError(a.Name(), resp)
	}
	return resp.Body, nil
}

func (a *CloudAdapter) Decode(r io.Reader, onText func(string)) (*StreamResult, error) {
	result := &StreamResult{}
	var text strings.Builder

	err := scanSSE(r, func(data string) error {
		var chunk struct {
			Response struct {
				Candidates []struct {
					Content struct {
						Parts []struct {
							Text         string `json:"text"`
							FunctionCall *struct {
								Name string          `json:"name"`
								Args json.RawMessage `json:"args"`
							} `json:"functionCall"`
						} `json:"parts"`
					} `json:"content"`
					FinishReason string `json:"finishReason"`
				} `json:"candidates"`
				UsageMetadata *struct {
					PromptTokenCount     int `json:"promptTokenCount"`
					CandidatesTokenCount int `json:"candidatesTokenCount"`
				} `json:"usageMetadata"`
			} `json:"response"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Keep-alive or unrecognized frame; skip it.
			return nil
		}

		if um := chunk.Response.UsageMetadata; um != nil {
			result.Usage = &Usage{
				InputTokens:  um.PromptTokenCount,
				OutputTokens: um.CandidatesTokenCount,
			}
		}
		if len(chunk.Response.Candidates) == 0 {
			return nil
		}
		candidate := chunk.Response.Candidates[0]
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				text.WriteString(part.Text)
				if onText != nil {
					onText(part.Text)
				}
			}
			if part.FunctionCall != nil {
				args := part.FunctionCall.Args
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				result.ToolCalls = append(result.ToolCalls, ToolCall{
					ID:        fmt.Sprintf("call-%d", len(result.ToolCalls)+1),
					Name:      part.FunctionCall.Name,
					Arguments: args,
				})
			}
		}
		if candidate.FinishReason != "" {
			result.FinishReason = candidate.FinishReason
			result.SawFinish = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.Text = text.String()
	return result, nil
}

// Models returns the fixed set of models the cloud backend serves. The API
// has no listing endpoint, so the set is curated.
func (a *CloudAdapter) Models(ctx context.Context) ([]ModelInfo, error) {
	return []ModelInfo{
		{ID: "gemini-2.5-pro", DisplayName: "Gemini 2.5 Pro"},
		{ID: "gemini-2.5-flash", DisplayName: "Gemini 2.5 Flash"},
		{ID: "gemini-2.0-flash", DisplayName: "Gemini 2.0 Flash"},
	}, nil
}

// ensureProjectID performs the provisioning handshake, preferring the disk
// cache. The returned project identifier is required on every request.
func (a *CloudAdapter) ensureProjectID(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.projectID != "" {
		return nil
	}

	var cache cloudProjectCache
	if err := readCacheFile(a.cacheDir, cloudProjectCacheFile, &cache); err == nil {
		if cache.ProjectID != "" && cache.FetchedAt != 0 &&
			time.Since(time.UnixMilli(cache.FetchedAt)) < cloudProjectCacheTTL {
			a.projectID = cache.ProjectID
			return nil
		}
	}

	token, err := a.accessTokenLocked(ctx)
	if err != nil {
		return err
	}

	reqBody, _ := json.Marshal(map[string]any{
		"metadata": map[string]string{
			"ideType":    "IDE_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	})
	reqURL := fmt.Sprintf("%s/%s:loadCodeAssist", a.endpoint, cloudAPIVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("loadCodeAssist request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return httpStatusError(a.Name(), resp)
	}
	defer resp.Body.Close()

	var loadResp struct {
		CloudaicompanionProject string `json:"cloudaicompanionProject"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&loadResp); err != nil {
		return fmt.Errorf("failed to parse loadCodeAssist response: %w", err)
	}
	if loadResp.CloudaicompanionProject == "" {
		return fmt.Errorf("loadCodeAssist returned no project")
	}

	a.projectID = loadResp.CloudaicompanionProject
	writeCacheFile(a.cacheDir, cloudProjectCacheFile, &cloudProjectCache{
		ProjectID: a.projectID,
		FetchedAt: time.Now().UnixMilli(),
	})
	return nil
}

func (a *CloudAdapter) accessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accessTokenLocked(ctx)
}

// accessTokenLocked returns a valid bearer token, refreshing through the
// OAuth endpoint when the current one is within the expiry buffer.
func (a *CloudAdapter) accessTokenLocked(ctx context.Context) (string, error) {
	now := time.Now().UnixMilli()
	buffer := cloudTokenBuffer.Milliseconds()

	if a.creds.AccessToken != "" && (a.creds.ExpiryDate == 0 || now < a.creds.ExpiryDate-buffer) {
		return a.creds.AccessToken, nil
	}

	var cache cloudTokenCache
	if err := readCacheFile(a.cacheDir, cloudTokenCacheFile, &cache); err == nil {
		if cache.AccessToken != "" && cache.ExpiryDate != 0 && now < cache.ExpiryDate-buffer {
			a.creds.AccessToken = cache.AccessToken
			a.creds.ExpiryDate = cache.ExpiryDate
			return cache.AccessToken, nil
		}
	}

	if a.creds.RefreshToken == "" || a.creds.ClientID == "" {
		return "", &AuthError{Backend: a.Name(), Err: fmt.Errorf("no refresh token")}
	}

	form := url.Values{}
	form.Set("client_id", a.creds.ClientID)
	form.Set("client_secret", a.creds.ClientSecret)
	form.Set("refresh_token", a.creds.RefreshToken)
	form.Set("grant_type", "refresh_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token refresh failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &AuthError{Backend: a.Name(), Err: fmt.Errorf("token refresh failed: %s", string(body))}
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}

	a.creds.AccessToken = tokenResp.AccessToken
	a.creds.ExpiryDate = time.Now().UnixMilli() + int64(tokenResp.ExpiresIn)*1000
	writeCacheFile(a.cacheDir, cloudTokenCacheFile, &cloudTokenCache{
		AccessToken: a.creds.AccessToken,
		ExpiryDate:  a.creds.ExpiryDate,
		CachedAt:    time.Now().UnixMilli(),
	})
	return a.creds.AccessToken, nil
}

func defaultCacheDir(backend string) string {
	base, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "deskchat", backend)
}

func readCacheFile(dir, name string, dest any) error {
	if dir == "" {
		return os.ErrNotExist
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

func removeCacheFile(dir, name string) {
	if dir == "" {
		return
	}
	os.Remove(filepath.Join(dir, name))
}

func writeCacheFile(dir, name string, src any) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), data, 0600)
}
