package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestCopilotAdapter(t *testing.T, srv *httptest.Server) *CopilotAdapter {
	t.Helper()
	a := NewCopilotAdapter(&CopilotCredentials{OAuthToken: "gho_device"})
	a.SetEndpoint(srv.URL, srv.URL+"/exchange")
	a.SetCacheDir(t.TempDir())
	return a
}

func TestCopilotTokenExchange(t *testing.T) {
	exchanges := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/exchange":
			exchanges++
			if got := r.Header.Get("Authorization"); got != "token gho_device" {
				t.Errorf("exchange auth = %q", got)
			}
			fmt.Fprintf(w, `{"token":"bearer-1","expires_at":%d}`, time.Now().Add(time.Hour).Unix())
		case "/chat/completions":
			if got := r.Header.Get("Authorization"); got != "Bearer bearer-1" {
				t.Errorf("chat auth = %q", got)
			}
			if r.Header.Get("Editor-Version") == "" || r.Header.Get("Copilot-Integration-Id") == "" {
				t.Error("missing editor identification headers")
			}
			fmt.Fprint(w, `{"choices":[{"message":{"content":"hi"},"finish_reason":"stop"}]}`)
		}
	}))
	defer srv.Close()

	a := newTestCopilotAdapter(t, srv)
	payload, _ := a.BuildRequest([]Message{UserText("hello")}, nil, "gpt-4o")

	for i := 0; i < 2; i++ {
		body, err := a.Send(context.Background(), payload)
		if err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
		io.Copy(io.Discard, body)
		body.Close()
	}
	// The exchanged bearer is reused while valid.
	if exchanges != 1 {
		t.Errorf("exchanged %d times, want 1", exchanges)
	}
}

func TestCopilotExchangeFailureIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, "bad oauth token")
	}))
	defer srv.Close()

	a := newTestCopilotAdapter(t, srv)
	payload, _ := a.BuildRequest([]Message{UserText("q")}, nil, "gpt-4o")
	_, err := a.Send(context.Background(), payload)

	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
}

func TestCopilotExpiredBearerDroppedOn401(t *testing.T) {
	exchanges := 0
	chatCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/exchange":
			exchanges++
			fmt.Fprintf(w, `{"token":"bearer-%d","expires_at":%d}`, exchanges, time.Now().Add(time.Hour).Unix())
		case "/chat/completions":
			chatCalls++
			if chatCalls == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`)
		}
	}))
	defer srv.Close()

	a := newTestCopilotAdapter(t, srv)
	payload, _ := a.BuildRequest([]Message{UserText("q")}, nil, "gpt-4o")

	_, err := a.Send(context.Background(), payload)
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError on 401, got %v", err)
	}

	// The next attempt must perform a fresh exchange, not reuse the
	// in-memory bearer that just failed.
	body, err := a.Send(context.Background(), payload)
	if err != nil {
		t.Fatalf("second Send: %v", err)
	}
	body.Close()
	if exchanges != 2 {
		t.Errorf("exchanged %d times, want 2", exchanges)
	}
}

func TestCopilotBuildRequestShape(t *testing.T) {
	a := NewCopilotAdapter(&CopilotCredentials{OAuthToken: "t"})
	history := []Message{
		SystemText("be brief"),
		UserText("read the file"),
		{Role: RoleAssistant, Parts: []Part{
			{Type: PartText, Text: "reading"},
			{Type: PartToolCall, ToolCall: &ToolCall{ID: "c1", Name: "read", Arguments: json.RawMessage(`{"path":"x"}`)}},
			{Type: PartToolCall, ToolCall: &ToolCall{ID: "c2", Name: "stat"}},
		}},
		ToolResultMessage("c1", "read", "contents"),
		ToolResultMessage("c2", "stat", "42 bytes"),
	}
	tools := []ToolSpec{{Name: "read", Description: "reads", Schema: map[string]any{"type": "object"}}}

	payload, err := a.BuildRequest(history, tools, "gpt-4o")
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	req := payload.(*copilotChatRequest)
	if req.Stream {
		t.Error("batch backend must not request streaming")
	}
	if len(req.Messages) != 5 {
		t.Fatalf("got %d messages, want 5", len(req.Messages))
	}

	assistant := req.Messages[2]
	if len(assistant.ToolCalls) != 2 {
		t.Fatalf("assistant carries %d tool calls, want 2", len(assistant.ToolCalls))
	}
	if assistant.ToolCalls[0].Function.Arguments != `{"path":"x"}` {
		t.Errorf("arguments not stringified: %q", assistant.ToolCalls[0].Function.Arguments)
	}
	if assistant.ToolCalls[1].Function.Arguments != "{}" {
		t.Errorf("empty arguments = %q, want {}", assistant.ToolCalls[1].Function.Arguments)
	}

	// Each tool result is its own message keyed by call ID.
	if req.Messages[3].Role != "tool" || req.Messages[3].ToolCallID != "c1" {
		t.Errorf("first tool message = %+v", req.Messages[3])
	}
	if req.Messages[4].ToolCallID != "c2" {
		t.Errorf("second tool message = %+v", req.Messages[4])
	}
}

func TestCopilotDecodeBatchResponse(t *testing.T) {
	resp := `{
		"choices":[{"message":{"content":"the answer","tool_calls":[
			{"id":"call_abc","type":"function","function":{"name":"search","arguments":"{\"q\":\"go\"}"}},
			{"type":"function","function":{"name":"fetch","arguments":""}}
		]},"finish_reason":"tool_calls"}],
		"usage":{"prompt_tokens":20,"completion_tokens":9}
	}`

	a := NewCopilotAdapter(&CopilotCredentials{OAuthToken: "t"})
	var texts []string
	result, err := a.Decode(strings.NewReader(resp), func(s string) { texts = append(texts, s) })
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if result.Text != "the answer" {
		t.Errorf("Text = %q", result.Text)
	}
	// Batch decode delivers the full text in one callback.
	if len(texts) != 1 || texts[0] != "the answer" {
		t.Errorf("onText calls = %v", texts)
	}
	if len(result.ToolCalls) != 2 {
		t.Fatalf("got %d tool calls", len(result.ToolCalls))
	}
	if result.ToolCalls[0].ID != "call_abc" || string(result.ToolCalls[0].Arguments) != `{"q":"go"}` {
		t.Errorf("first call = %+v", result.ToolCalls[0])
	}
	if result.ToolCalls[1].ID == "" || string(result.ToolCalls[1].Arguments) != "{}" {
		t.Errorf("second call = %+v", result.ToolCalls[1])
	}
	if !result.SawFinish || result.FinishReason != "tool_calls" {
		t.Errorf("finish = %v %q", result.SawFinish, result.FinishReason)
	}
	if result.Usage == nil || result.Usage.InputTokens != 20 || result.Usage.OutputTokens != 9 {
		t.Errorf("Usage = %+v", result.Usage)
	}
}

func TestCopilotDecodeAPIError(t *testing.T) {
	a := NewCopilotAdapter(&CopilotCredentials{OAuthToken: "t"})
	_, err := a.Decode(strings.NewReader(`{"error":{"message":"model not found"}}`), nil)
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("expected API error, got %v", err)
	}

	_, err = a.Decode(strings.NewReader(`{"choices":[]}`), nil)
	if err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestCopilotModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/exchange":
			fmt.Fprintf(w, `{"token":"b","expires_at":%d}`, time.Now().Add(time.Hour).Unix())
		case "/models":
			fmt.Fprint(w, `{"data":[{"id":"gpt-4o","name":"GPT-4o"},{"id":"o3-mini"}]}`)
		}
	}))
	defer srv.Close()

	a := newTestCopilotAdapter(t, srv)
	models, err := a.Models(context.Background())
	if err != nil {
		t.Fatalf("Models: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("got %d models", len(models))
	}
	if models[0].ID != "gpt-4o" || models[0].DisplayName != "GPT-4o" {
		t.Errorf("models[0] = %+v", models[0])
	}
	// A missing display name falls back to the ID.
	if models[1].DisplayName != "o3-mini" {
		t.Errorf("models[1] = %+v", models[1])
	}
}
