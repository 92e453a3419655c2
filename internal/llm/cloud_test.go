package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestCloudAdapter(t *testing.T, srv *httptest.Server, creds *CloudCredentials) *CloudAdapter {
	t.Helper()
	a := NewCloudAdapter(creds)
	a.SetEndpoint(srv.URL, srv.URL+"/token")
	a.SetCacheDir(t.TempDir())
	return a
}

func TestCloudSendProvisionsProject(t *testing.T) {
	var loadCalls, streamCalls int
	var streamedProject string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, ":loadCodeAssist"):
			loadCalls++
			if got := r.Header.Get("Authorization"); got != "Bearer tok" {
				t.Errorf("loadCodeAssist auth = %q", got)
			}
			fmt.Fprint(w, `{"cloudaicompanionProject":"proj-1"}`)
		case strings.HasSuffix(r.URL.Path, ":streamGenerateContent"):
			streamCalls++
			var req cloudRequest
			json.NewDecoder(r.Body).Decode(&req)
			streamedProject = req.Project
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"hi\"}]},\"finishReason\":\"STOP\"}]}}\n")
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	a := newTestCloudAdapter(t, srv, &CloudCredentials{AccessToken: "tok"})
	payload, err := a.BuildRequest([]Message{UserText("hello")}, nil, "gemini-2.5-flash")
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}

	body, err := a.Send(context.Background(), payload)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	body.Close()
	if loadCalls != 1 {
		t.Errorf("loadCodeAssist called %d times, want 1", loadCalls)
	}
	if streamedProject != "proj-1" {
		t.Errorf("request project = %q, want proj-1", streamedProject)
	}

	// A second send reuses the provisioned project without another handshake.
	payload, _ = a.BuildRequest([]Message{UserText("again")}, nil, "gemini-2.5-flash")
	body, err = a.Send(context.Background(), payload)
	if err != nil {
		t.Fatalf("second Send: %v", err)
	}
	body.Close()
	if loadCalls != 1 {
		t.Errorf("handshake repeated: %d calls", loadCalls)
	}
	if streamCalls != 2 {
		t.Errorf("streamGenerateContent called %d times, want 2", streamCalls)
	}
}

func TestCloudTokenRefresh(t *testing.T) {
	refreshes := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/token":
			refreshes++
			r.ParseForm()
			if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "rt" {
				t.Errorf("refresh form = %v", r.Form)
			}
			fmt.Fprint(w, `{"access_token":"fresh","expires_in":3600}`)
		case strings.HasSuffix(r.URL.Path, ":loadCodeAssist"):
			if got := r.Header.Get("Authorization"); got != "Bearer fresh" {
				t.Errorf("expected refreshed token, got %q", got)
			}
			fmt.Fprint(w, `{"cloudaicompanionProject":"p"}`)
		case strings.HasSuffix(r.URL.Path, ":streamGenerateContent"):
			fmt.Fprint(w, "data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"x\"}]},\"finishReason\":\"STOP\"}]}}\n")
		}
	}))
	defer srv.Close()

	// Access token expired a minute ago.
	creds := &CloudCredentials{
		AccessToken:  "stale",
		RefreshToken: "rt",
		ClientID:     "cid",
		ClientSecret: "secret",
		ExpiryDate:   time.Now().Add(-time.Minute).UnixMilli(),
	}
	a := newTestCloudAdapter(t, srv, creds)

	payload, _ := a.BuildRequest([]Message{UserText("q")}, nil, "gemini-2.5-flash")
	body, err := a.Send(context.Background(), payload)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	body.Close()
	if refreshes != 1 {
		t.Errorf("token refreshed %d times, want 1", refreshes)
	}
	if creds.AccessToken != "fresh" {
		t.Errorf("credentials not updated: %q", creds.AccessToken)
	}
}

func TestCloudRefreshFailureIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"invalid_grant"}`)
		}
	}))
	defer srv.Close()

	creds := &CloudCredentials{
		RefreshToken: "revoked",
		ClientID:     "cid",
	}
	a := newTestCloudAdapter(t, srv, creds)

	payload, _ := a.BuildRequest([]Message{UserText("q")}, nil, "gemini-2.5-flash")
	_, err := a.Send(context.Background(), payload)
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
}

func TestCloudSendRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ":loadCodeAssist") {
			fmt.Fprint(w, `{"cloudaicompanionProject":"p"}`)
			return
		}
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := newTestCloudAdapter(t, srv, &CloudCredentials{AccessToken: "tok"})
	payload, _ := a.BuildRequest([]Message{UserText("q")}, nil, "gemini-2.5-flash")
	_, err := a.Send(context.Background(), payload)

	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rle.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %s, want 7s", rle.RetryAfter)
	}
}

func TestCloudBuildRequestShape(t *testing.T) {
	a := NewCloudAdapter(&CloudCredentials{AccessToken: "tok"})
	history := []Message{
		SystemText("be terse"),
		UserText("list files"),
		{Role: RoleAssistant, Parts: []Part{
			{Type: PartToolCall, ToolCall: &ToolCall{ID: "c1", Name: "ls", Arguments: json.RawMessage(`{"path":"."}`)}},
		}},
		ToolResultMessage("c1", "ls", "a.txt"),
	}
	tools := []ToolSpec{{Name: "ls", Description: "list", Schema: map[string]any{"type": "object"}}}

	payload, err := a.BuildRequest(history, tools, "gemini-2.5-pro")
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	req := payload.(*cloudRequest)
	if req.Model != "gemini-2.5-pro" || req.UserPromptID == "" {
		t.Errorf("envelope = %+v", req)
	}

	inner := req.Request
	if _, ok := inner["systemInstruction"]; !ok {
		t.Error("missing systemInstruction")
	}
	contents := inner["contents"].([]map[string]any)
	if len(contents) != 3 {
		t.Fatalf("got %d contents, want 3", len(contents))
	}
	if contents[1]["role"] != "model" {
		t.Errorf("assistant role = %v, want model", contents[1]["role"])
	}
	// The tool result rides as a user turn with a functionResponse part.
	if contents[2]["role"] != "user" {
		t.Errorf("tool result role = %v, want user", contents[2]["role"])
	}
	parts := contents[2]["parts"].([]map[string]any)
	fr := parts[0]["functionResponse"].(map[string]any)
	if fr["name"] != "ls" {
		t.Errorf("functionResponse name = %v", fr["name"])
	}
	// Plain text output is wrapped as a JSON object.
	resp := fr["response"].(map[string]any)
	if resp["output"] != "a.txt" {
		t.Errorf("functionResponse payload = %v", resp)
	}

	toolsDecl := inner["tools"].([]map[string]any)
	decls := toolsDecl[0]["functionDeclarations"].([]map[string]any)
	if decls[0]["name"] != "ls" {
		t.Errorf("declaration = %v", decls[0])
	}
}

func TestCloudDecodeStream(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"Hello "}]}}]}}`,
		``,
		`: keep-alive comment`,
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"world"}]}}]}}`,
		`data: not even json`,
		`data: {"response":{"candidates":[{"content":{"parts":[]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":3}}}`,
		``,
	}, "\n")

	a := NewCloudAdapter(&CloudCredentials{AccessToken: "tok"})
	var chunks []string
	result, err := a.Decode(strings.NewReader(stream), func(s string) { chunks = append(chunks, s) })
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if result.Text != "Hello world" {
		t.Errorf("Text = %q", result.Text)
	}
	if len(chunks) != 2 {
		t.Errorf("onText called %d times, want 2", len(chunks))
	}
	if !result.SawFinish || result.FinishReason != "STOP" {
		t.Errorf("finish = %v %q", result.SawFinish, result.FinishReason)
	}
	if result.Usage == nil || result.Usage.InputTokens != 12 || result.Usage.OutputTokens != 3 {
		t.Errorf("Usage = %+v", result.Usage)
	}
}

func TestCloudDecodeFunctionCall(t *testing.T) {
	stream := `data: {"response":{"candidates":[{"content":{"parts":[{"functionCall":{"name":"search","args":{"q":"go"}}},{"functionCall":{"name":"fetch"}}]},"finishReason":"STOP"}]}}` + "\n"

	a := NewCloudAdapter(&CloudCredentials{AccessToken: "tok"})
	result, err := a.Decode(strings.NewReader(stream), nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(result.ToolCalls) != 2 {
		t.Fatalf("got %d tool calls, want 2", len(result.ToolCalls))
	}
	first := result.ToolCalls[0]
	if first.Name != "search" || string(first.Arguments) != `{"q":"go"}` {
		t.Errorf("first call = %+v", first)
	}
	if first.ID == "" || first.ID == result.ToolCalls[1].ID {
		t.Errorf("call IDs not distinct: %q %q", first.ID, result.ToolCalls[1].ID)
	}
	// Missing args default to an empty object.
	if string(result.ToolCalls[1].Arguments) != "{}" {
		t.Errorf("second args = %s", result.ToolCalls[1].Arguments)
	}
}

func TestCloudResponsePayload(t *testing.T) {
	if got := cloudResponsePayload(`{"files":["a"]}`); got["files"] == nil {
		t.Errorf("JSON object not passed through: %v", got)
	}
	if got := cloudResponsePayload("plain text"); got["output"] != "plain text" {
		t.Errorf("plain text not wrapped: %v", got)
	}
	if got := cloudResponsePayload(`["array"]`); got["output"] != `["array"]` {
		t.Errorf("non-object JSON not wrapped: %v", got)
	}
}

func TestCloudNotConfigured(t *testing.T) {
	a := NewCloudAdapter(nil)
	if a.Configured() {
		t.Error("nil credentials reported configured")
	}
	_, err := a.Send(context.Background(), &cloudRequest{})
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
}
