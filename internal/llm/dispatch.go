package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ApprovalRequest asks a human to approve one specific tool invocation.
// ID is unique per call so a UI can correlate its response with exactly
// this request, even when several prompts are outstanding.
type ApprovalRequest struct {
	ID   string
	Tool string
	Args json.RawMessage
}

// Approver decides whether a tool call may run. It is externally driven
// (typically a UI prompt) and may take arbitrary wall-clock time; the
// engine suspends until it answers or the context is canceled.
type Approver interface {
	Approve(ctx context.Context, req ApprovalRequest) (bool, error)
}

// ApproverFunc adapts a function to the Approver interface.
type ApproverFunc func(ctx context.Context, req ApprovalRequest) (bool, error)

func (f ApproverFunc) Approve(ctx context.Context, req ApprovalRequest) (bool, error) {
	return f(ctx, req)
}

// AutoApprover approves every request without prompting.
type AutoApprover struct{}

func (AutoApprover) Approve(context.Context, ApprovalRequest) (bool, error) {
	return true, nil
}

// callSignature derives a canonical key for a tool invocation: tool name
// plus key-sorted argument JSON. Two calls with the same signature are the
// same request from the approval gate's point of view.
func callSignature(name string, args json.RawMessage) string {
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		// Unparseable arguments: fall back to the raw bytes.
		return name + ":" + string(args)
	}
	// encoding/json marshals map keys in sorted order, which canonicalizes
	// the argument object at every nesting level.
	canonical, err := json.Marshal(decoded)
	if err != nil {
		return name + ":" + string(args)
	}
	return name + ":" + string(canonical)
}

// dispatcher routes tool calls through the approval gate and the tool
// provider. One dispatcher lives for the duration of a single multi-turn
// exchange; its denial set does not outlive the exchange.
type dispatcher struct {
	tools    ToolProvider
	approver Approver
	denied   map[string]bool
}

func newDispatcher(tools ToolProvider, approver Approver) *dispatcher {
	if approver == nil {
		approver = AutoApprover{}
	}
	return &dispatcher{
		tools:    tools,
		approver: approver,
		denied:   make(map[string]bool),
	}
}

const deniedPayload = `{"error":"denied"}`

// execute runs one tool call and returns the tool message to feed back to
// the backend. Denial and tool failure are normal outcomes encoded in the
// message; the only returned errors are approver failures and cancellation.
func (d *dispatcher) execute(ctx context.Context, call ToolCall) (Message, error) {
	sig := callSignature(call.Name, call.Arguments)

	// A signature denied earlier in this exchange is auto-denied without
	// re-prompting.
	if d.denied[sig] {
		return ToolErrorMessage(call.ID, call.Name, deniedPayload), nil
	}

	approved, err := d.approver.Approve(ctx, ApprovalRequest{
		ID:   uuid.NewString(),
		Tool: call.Name,
		Args: call.Arguments,
	})
	if err != nil {
		return Message{}, fmt.Errorf("tool approval: %w", err)
	}
	if !approved {
		d.denied[sig] = true
		return ToolErrorMessage(call.ID, call.Name, deniedPayload), nil
	}

	if d.tools == nil {
		return ToolErrorMessage(call.ID, call.Name, toolErrorPayload(fmt.Errorf("no tool provider available"))), nil
	}

	output, err := d.tools.CallTool(ctx, call.Name, call.Arguments)
	if err != nil {
		// One failing tool never aborts the whole exchange; the backend is
		// told about the failure and the round continues.
		return ToolErrorMessage(call.ID, call.Name, toolErrorPayload(err)), nil
	}
	return ToolResultMessage(call.ID, call.Name, output), nil
}

func toolErrorPayload(err error) string {
	payload, merr := json.Marshal(map[string]string{"error": err.Error()})
	if merr != nil {
		return deniedPayload
	}
	return string(payload)
}
