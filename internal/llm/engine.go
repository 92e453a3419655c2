package llm

import (
	"context"
	"fmt"
	"strings"
)

// maxRounds bounds the send -> maybe-call-tools -> send-again cycle.
// Exceeding it is a fatal error, not a silent truncation.
const maxRounds = 10

// RoundMetrics contains metrics collected during one round.
type RoundMetrics struct {
	InputTokens  int
	OutputTokens int
	ToolCalls    int
}

// RoundCompletedCallback is called after each round with the messages
// generated during that round, enabling incremental persistence. round is
// 0-based; messages contains the assistant message plus any tool results.
// A non-nil error aborts the run.
type RoundCompletedCallback func(ctx context.Context, round int, messages []Message, metrics RoundMetrics) error

// RunOptions configures a single Run invocation.
type RunOptions struct {
	// Model selects the backend model. Required.
	Model string

	// Tools supplies external tools. May be nil, in which case no tool
	// declarations are sent and the exchange is a plain question/answer.
	Tools ToolProvider

	// Approver gates every tool execution. Ignored when Tools is nil;
	// defaults to AutoApprover when Tools is set and Approver is nil.
	Approver Approver

	// OnText receives incremental response text as it is decoded. Optional.
	OnText func(string)

	// OnRound is called after each completed round. Optional.
	OnRound RoundCompletedCallback

	// Retry overrides the engine's retry configuration when MaxAttempts > 0.
	Retry RetryConfig
}

// Result is the outcome of one Run: the final answer plus the updated
// history, which the caller owns and persists. The engine keeps no
// conversation state between invocations.
type Result struct {
	Text    string
	History []Message
	Rounds  int
	Usage   Usage
}

// Engine drives the multi-turn exchange with one backend adapter: it
// curates history into requests, executes them through the retry executor,
// routes tool calls through the approval gate, and compresses history when
// the model's token budget is threatened.
type Engine struct {
	adapter    Adapter
	compressor *Compressor
	retry      RetryConfig
}

func NewEngine(adapter Adapter) *Engine {
	return &Engine{
		adapter:    adapter,
		compressor: NewCompressor(),
		retry:      DefaultRetryConfig(),
	}
}

// SetCompressor replaces the engine's history compressor.
func (e *Engine) SetCompressor(c *Compressor) {
	if c != nil {
		e.compressor = c
	}
}

// SetRetryConfig replaces the engine's retry configuration.
func (e *Engine) SetRetryConfig(cfg RetryConfig) {
	e.retry = cfg
}

// Compressor returns the engine's history compressor.
func (e *Engine) Compressor() *Compressor {
	return e.compressor
}

// Run appends the prompt to history and drives rounds against the backend
// until a final textual answer is produced. The input history is not
// mutated; the updated sequence is returned in the Result.
func (e *Engine) Run(ctx context.Context, history []Message, prompt string, opts RunOptions) (*Result, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("empty prompt")
	}
	if !e.adapter.Configured() {
		return nil, &AuthError{Backend: e.adapter.Name()}
	}

	work := make([]Message, len(history), len(history)+2)
	copy(work, history)
	work = append(work, UserText(prompt))

	// Shrink history before the first send if the budget threshold is
	// exceeded. Replacement is atomic; a skip leaves history untouched.
	if comp := e.compressor.Compress(work, opts.Model, false); comp.Status == CompressionCompressed {
		work = comp.History
	}

	retryCfg := e.retry
	if opts.Retry.MaxAttempts > 0 {
		retryCfg = opts.Retry
	}

	var tools []ToolSpec
	if opts.Tools != nil {
		tools = opts.Tools.AllTools()
	}

	disp := newDispatcher(opts.Tools, opts.Approver)
	var totalUsage Usage

	for round := 0; round < maxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		payload, err := e.adapter.BuildRequest(curateHistory(work), tools, opts.Model)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		// Only the network attempt is retried. Tool executions live outside
		// this closure so a retried send can never re-run a tool.
		var sr *StreamResult
		err = WithRetry(ctx, retryCfg, func(ctx context.Context) error {
			body, sendErr := e.adapter.Send(ctx, payload)
			if sendErr != nil {
				return sendErr
			}
			defer body.Close()
			decoded, decErr := e.adapter.Decode(body, opts.OnText)
			if decErr != nil {
				return decErr
			}
			sr = decoded
			return nil
		})
		if err != nil {
			return nil, err
		}

		if err := validateResult(sr); err != nil {
			return nil, err
		}
		if sr.Usage != nil {
			totalUsage.InputTokens += sr.Usage.InputTokens
			totalUsage.OutputTokens += sr.Usage.OutputTokens
		}

		// IDs must be assigned before the assistant turn is built so the
		// tool-call parts and their paired results reference the same ID.
		sr.ToolCalls = ensureToolCallIDs(sr.ToolCalls)
		assistant := assistantMessage(sr)
		work = append(work, assistant)

		if len(sr.ToolCalls) == 0 {
			if err := e.fireRound(ctx, opts, round, []Message{assistant}, sr, 0); err != nil {
				return nil, err
			}
			return &Result{
				Text:    sr.Text,
				History: work,
				Rounds:  round + 1,
				Usage:   totalUsage,
			}, nil
		}

		// Execute tool calls one at a time, in emission order: later calls
		// may depend on context from earlier ones in the same round, and
		// results are appended to history in call order.
		calls := sr.ToolCalls
		roundMsgs := []Message{assistant}
		for _, call := range calls {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			result, err := disp.execute(ctx, call)
			if err != nil {
				return nil, err
			}
			work = append(work, result)
			roundMsgs = append(roundMsgs, result)
		}

		if err := e.fireRound(ctx, opts, round, roundMsgs, sr, len(calls)); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("agentic loop exceeded %d rounds: %w", maxRounds, ErrMaxTurns)
}

func (e *Engine) fireRound(ctx context.Context, opts RunOptions, round int, msgs []Message, sr *StreamResult, toolCalls int) error {
	if opts.OnRound == nil {
		return nil
	}
	metrics := RoundMetrics{ToolCalls: toolCalls}
	if sr.Usage != nil {
		metrics.InputTokens = sr.Usage.InputTokens
		metrics.OutputTokens = sr.Usage.OutputTokens
	}
	if err := opts.OnRound(ctx, round, msgs, metrics); err != nil {
		return fmt.Errorf("round callback: %w", err)
	}
	return nil
}

// assistantMessage builds the model turn from a decoded stream result.
func assistantMessage(sr *StreamResult) Message {
	var parts []Part
	if sr.Text != "" {
		parts = append(parts, Part{Type: PartText, Text: sr.Text})
	}
	for i := range sr.ToolCalls {
		call := sr.ToolCalls[i]
		parts = append(parts, Part{Type: PartToolCall, ToolCall: &call})
	}
	msg := AssistantText("")
	msg.Parts = parts
	return msg
}

// curateHistory filters history before it is sent to a backend. A user
// message is included only when it has a non-empty part. A maximal run of
// consecutive assistant messages, together with the tool messages that
// answer it, is included as a block only when every message in the run is
// individually valid: one invalid message invalidates the whole run, so a
// backend never receives a dangling or partial tool-call reference.
func curateHistory(history []Message) []Message {
	curated := make([]Message, 0, len(history))
	i := 0
	for i < len(history) {
		msg := history[i]
		switch msg.Role {
		case RoleAssistant:
			end := i
			for end < len(history) && (history[end].Role == RoleAssistant || history[end].Role == RoleTool) {
				end++
			}
			block := history[i:end]
			if blockValid(block) {
				curated = append(curated, block...)
			}
			i = end
		case RoleUser, RoleSystem:
			if msg.Valid() {
				curated = append(curated, msg)
			}
			i++
		default:
			// A tool message outside an assistant run is dangling; drop it.
			i++
		}
	}
	return curated
}

func blockValid(block []Message) bool {
	for _, msg := range block {
		if !msg.Valid() {
			return false
		}
	}
	return true
}

func ensureToolCallIDs(calls []ToolCall) []ToolCall {
	for i := range calls {
		if strings.TrimSpace(calls[i].ID) == "" {
			calls[i].ID = fmt.Sprintf("call-%d", i+1)
		}
	}
	return calls
}
