package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const ollamaDefaultEndpoint = "http://localhost:11434"

// OllamaAdapter speaks to a locally hosted model server. The server streams
// NDJSON, one JSON object per line with a done flag, and needs no
// authentication.
type OllamaAdapter struct {
	endpoint string
	client   *http.Client
}

func NewOllamaAdapter(endpoint string) *OllamaAdapter {
	if endpoint == "" {
		endpoint = ollamaDefaultEndpoint
	}
	return &OllamaAdapter{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		client:   &http.Client{},
	}
}

func (a *OllamaAdapter) Name() string { return "ollama" }

// Configured is always true: the local server needs no credentials, and
// reachability is only knowable by sending.
func (a *OllamaAdapter) Configured() bool { return true }

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaTool struct {
	Type     string         `json:"type"`
	Function ollamaFunction `json:"function"`
}

type ollamaFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

func (a *OllamaAdapter) BuildRequest(history []Message, tools []ToolSpec, model string) (any, error) {
	var messages []ollamaMessage
	for _, msg := range history {
		switch msg.Role {
		case RoleSystem:
			if text := msg.TextContent(); text != "" {
				messages = append(messages, ollamaMessage{Role: "system", Content: text})
			}
		case RoleUser:
			if text := msg.TextContent(); text != "" {
				messages = append(messages, ollamaMessage{Role: "user", Content: text})
			}
		case RoleAssistant:
			m := ollamaMessage{Role: "assistant", Content: msg.TextContent()}
			for _, call := range msg.toolCalls() {
				var tc ollamaToolCall
				tc.Function.Name = call.Name
				tc.Function.Arguments = call.Arguments
				if len(tc.Function.Arguments) == 0 {
					tc.Function.Arguments = json.RawMessage("{}")
				}
				m.ToolCalls = append(m.ToolCalls, tc)
			}
			messages = append(messages, m)
		case RoleTool:
			for _, part := range msg.Parts {
				if part.Type != PartToolResult || part.ToolResult == nil {
					continue
				}
				messages = append(messages, ollamaMessage{Role: "tool", Content: part.ToolResult.Content})
			}
		}
	}

	req := &ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, ollamaTool{
			Type: "function",
			Function: ollamaFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Schema,
			},
		})
	}
	return req, nil
}

func (a *OllamaAdapter) Send(ctx context.Context, payload any) (io.ReadCloser, error) {
	req, ok := payload.(*ollamaChatRequest)
	if !ok {
		return nil, fmt.Errorf("ollama: unexpected payload type %T", payload)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpStatusError(a.Name(), resp)
	}
	return resp.Body, nil
}

func (a *OllamaAdapter) Decode(r io.Reader, onText func(string)) (*StreamResult, error) {
	result := &StreamResult{}
	var text strings.Builder

	err := scanNDJSON(r, func(data string) error {
		var chunk struct {
			Message struct {
				Content   string           `json:"content"`
				ToolCalls []ollamaToolCall `json:"tool_calls"`
			} `json:"message"`
			Done            bool   `json:"done"`
			DoneReason      string `json:"done_reason"`
			Error           string `json:"error"`
			PromptEvalCount int    `json:"prompt_eval_count"`
			EvalCount       int    `json:"eval_count"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("malformed stream line: %w", err)
		}
		if chunk.Error != "" {
			return fmt.Errorf("%s: %s", a.Name(), chunk.Error)
		}

		if chunk.Message.Content != "" {
			text.WriteString(chunk.Message.Content)
			if onText != nil {
				onText(chunk.Message.Content)
			}
		}
		for _, tc := range chunk.Message.ToolCalls {
			args := tc.Function.Arguments
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        fmt.Sprintf("call-%d", len(result.ToolCalls)+1),
				Name:      tc.Function.Name,
				Arguments: args,
			})
		}
		if chunk.Done {
			result.SawFinish = true
			result.FinishReason = chunk.DoneReason
			if result.FinishReason == "" {
				result.FinishReason = "stop"
			}
			if chunk.PromptEvalCount > 0 || chunk.EvalCount > 0 {
				result.Usage = &Usage{
					InputTokens:  chunk.PromptEvalCount,
					OutputTokens: chunk.EvalCount,
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.Text = text.String()
	return result, nil
}

// Models lists locally installed models via the tags endpoint.
func (a *OllamaAdapter) Models(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpStatusError(a.Name(), resp)
	}
	defer resp.Body.Close()

	var tagsResp struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tagsResp); err != nil {
		return nil, fmt.Errorf("failed to parse models response: %w", err)
	}

	models := make([]ModelInfo, 0, len(tagsResp.Models))
	for _, m := range tagsResp.Models {
		models = append(models, ModelInfo{ID: m.Name, DisplayName: m.Name})
	}
	return models, nil
}
