package llm

import (
	"encoding/json"
	"strings"
	"time"
)

// Role identifies a message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType identifies a message content part.
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// Message holds one role-tagged entry of conversation history.
type Message struct {
	Role  Role
	Parts []Part
	Time  time.Time
}

// Part represents a single content part.
type Part struct {
	Type       PartType
	Text       string
	ToolCall   *ToolCall
	ToolResult *ToolResult
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolResult is the output from executing a tool call.
type ToolResult struct {
	ID      string
	Name    string
	Content string
	IsError bool // True if this result represents a denial or execution error
}

// ToolSpec describes a callable tool.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// PromptInfo describes a prompt template offered by a tool provider.
type PromptInfo struct {
	Server      string
	Name        string
	Description string
}

// ModelInfo represents a model available from a backend.
type ModelInfo struct {
	ID          string
	DisplayName string
}

// Usage captures token usage if the backend reports it.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// StreamResult is the decoded outcome of one backend response.
type StreamResult struct {
	Text         string
	ToolCalls    []ToolCall
	FinishReason string
	SawFinish    bool
	Usage        *Usage
}

func SystemText(text string) Message {
	return Message{
		Role:  RoleSystem,
		Parts: []Part{{Type: PartText, Text: text}},
		Time:  time.Now(),
	}
}

func UserText(text string) Message {
	return Message{
		Role:  RoleUser,
		Parts: []Part{{Type: PartText, Text: text}},
		Time:  time.Now(),
	}
}

func AssistantText(text string) Message {
	return Message{
		Role:  RoleAssistant,
		Parts: []Part{{Type: PartText, Text: text}},
		Time:  time.Now(),
	}
}

// ToolResultMessage creates a tool message carrying one tool's output.
func ToolResultMessage(id, name, content string) Message {
	return Message{
		Role: RoleTool,
		Parts: []Part{{
			Type:       PartToolResult,
			ToolResult: &ToolResult{ID: id, Name: name, Content: content},
		}},
		Time: time.Now(),
	}
}

// ToolErrorMessage creates a tool message that reports a denial or failure.
// The payload is fed back to the backend so it can respond gracefully
// instead of the whole exchange failing.
func ToolErrorMessage(id, name, errorText string) Message {
	return Message{
		Role: RoleTool,
		Parts: []Part{{
			Type:       PartToolResult,
			ToolResult: &ToolResult{ID: id, Name: name, Content: errorText, IsError: true},
		}},
		Time: time.Now(),
	}
}

// Valid reports whether the message carries at least one valid part.
// An empty or all-whitespace text-only message is invalid and must not
// reach a backend.
func (m Message) Valid() bool {
	for _, p := range m.Parts {
		if p.valid() {
			return true
		}
	}
	return false
}

func (p Part) valid() bool {
	switch p.Type {
	case PartText:
		return strings.TrimSpace(p.Text) != ""
	case PartToolCall:
		return p.ToolCall != nil && p.ToolCall.Name != ""
	case PartToolResult:
		return p.ToolResult != nil && p.ToolResult.Name != ""
	}
	return false
}

// TextContent concatenates the message's text parts.
func (m Message) TextContent() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// HasToolCalls reports whether the message contains any tool-call parts.
func (m Message) HasToolCalls() bool {
	for _, p := range m.Parts {
		if p.Type == PartToolCall && p.ToolCall != nil {
			return true
		}
	}
	return false
}

// HasToolResults reports whether the message contains any tool-result parts.
func (m Message) HasToolResults() bool {
	for _, p := range m.Parts {
		if p.Type == PartToolResult && p.ToolResult != nil {
			return true
		}
	}
	return false
}

// toolCalls returns the message's tool-call parts in emission order.
func (m Message) toolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range m.Parts {
		if p.Type == PartToolCall && p.ToolCall != nil {
			calls = append(calls, *p.ToolCall)
		}
	}
	return calls
}
