package llm

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// CompressionStatus reports what Compress did with a history.
type CompressionStatus string

const (
	CompressionNoop       CompressionStatus = "no-op"
	CompressionCompressed CompressionStatus = "compressed"
	CompressionSkipped    CompressionStatus = "skipped-too-short"
)

// CompressionResult is the outcome of one compression pass. History is the
// full replacement sequence; it equals the input except when Status is
// CompressionCompressed, in which case it supersedes the old history as a
// unit -- compression never partially rewrites messages.
type CompressionResult struct {
	Status         CompressionStatus
	OriginalTokens int
	NewTokens      int
	History        []Message
}

// Compressor shrinks conversation history to stay under a backend token
// budget by replacing the oldest portion with a generated summary.
//
// The per-model limits are heuristic configuration, not a contract: model
// name prefixes drift, so unknown names fall back through longest-prefix
// matching to a conservative default.
type Compressor struct {
	// Threshold is the fraction of the model limit at which compression
	// triggers.
	Threshold float64
	// PreserveFraction is the fraction of history (by characters) kept
	// intact at the tail.
	PreserveFraction float64
	// Limits maps model names (or prefixes) to context-window token budgets.
	Limits map[string]int
	// DefaultLimit applies when no table entry matches.
	DefaultLimit int
}

const (
	defaultCompressThreshold = 0.5
	defaultPreserveFraction  = 0.3
	defaultTokenLimit        = 32_000

	// minCompressTurns is the minimum history length worth compressing;
	// below it there is nothing meaningful to summarize.
	minCompressTurns = 4

	// summaryMaxExchanges and summaryLineCap bound the generated summary.
	summaryMaxExchanges = 6
	summaryLineCap      = 200
)

// NewCompressor returns a Compressor with the default thresholds and the
// built-in model limit table.
func NewCompressor() *Compressor {
	return &Compressor{
		Threshold:        defaultCompressThreshold,
		PreserveFraction: defaultPreserveFraction,
		Limits:           defaultModelLimits(),
		DefaultLimit:     defaultTokenLimit,
	}
}

func defaultModelLimits() map[string]int {
	return map[string]int{
		"gemini-2.5-pro":   1_000_000,
		"gemini-2.5-flash": 1_000_000,
		"gemini":           1_000_000,
		"gpt-5":            272_000,
		"gpt-4.1":          1_000_000,
		"gpt-4o":           128_000,
		"gpt":              128_000,
		"o3":               200_000,
		"claude":           200_000,
		"llama3":           8_192,
		"llama":            8_192,
		"qwen":             32_768,
		"mistral":          32_768,
	}
}

// EstimateTokens approximates the token count of a history as
// ceil(totalCharacters / 4) across all text and serialized structured parts.
func EstimateTokens(history []Message) int {
	chars := 0
	for _, msg := range history {
		chars += messageChars(msg)
	}
	return (chars + 3) / 4
}

func messageChars(msg Message) int {
	chars := 0
	for _, p := range msg.Parts {
		switch p.Type {
		case PartText:
			chars += len(p.Text)
		case PartToolCall:
			if p.ToolCall != nil {
				chars += len(p.ToolCall.Name) + len(p.ToolCall.Arguments)
			}
		case PartToolResult:
			if p.ToolResult != nil {
				chars += len(p.ToolResult.Name) + len(p.ToolResult.Content)
			}
		}
	}
	return chars
}

// Limit returns the token budget for a model: exact table match, then the
// longest matching prefix, then the conservative default.
func (c *Compressor) Limit(model string) int {
	if limit, ok := c.Limits[model]; ok {
		return limit
	}
	bestLen := 0
	best := 0
	for prefix, limit := range c.Limits {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			bestLen = len(prefix)
			best = limit
		}
	}
	if bestLen > 0 {
		return best
	}
	return c.DefaultLimit
}

// ShouldCompress reports whether the history exceeds the compression
// threshold for the given model.
func (c *Compressor) ShouldCompress(history []Message, model string) bool {
	return float64(EstimateTokens(history)) > float64(c.Limit(model))*c.Threshold
}

// Compress replaces the oldest portion of history with a two-message
// summary when the token estimate exceeds the model's threshold (or always,
// when force is set). Skips are reported, never silent.
func (c *Compressor) Compress(history []Message, model string, force bool) CompressionResult {
	original := EstimateTokens(history)

	if !force && !c.ShouldCompress(history, model) {
		return CompressionResult{
			Status:         CompressionNoop,
			OriginalTokens: original,
			NewTokens:      original,
			History:        history,
		}
	}

	if len(history) < minCompressTurns {
		return CompressionResult{
			Status:         CompressionSkipped,
			OriginalTokens: original,
			NewTokens:      original,
			History:        history,
		}
	}

	split := c.findSplitPoint(history)
	if split <= 0 {
		return CompressionResult{
			Status:         CompressionSkipped,
			OriginalTokens: original,
			NewTokens:      original,
			History:        history,
		}
	}

	discarded := history[:split]
	preserved := history[split:]

	summary := summarize(discarded, summaryMaxExchanges, summaryLineCap)
	rewritten := make([]Message, 0, len(preserved)+2)
	rewritten = append(rewritten,
		UserText(summary),
		AssistantText("Understood. I have the earlier conversation summary and will use it as context."),
	)
	rewritten = append(rewritten, preserved...)

	return CompressionResult{
		Status:         CompressionCompressed,
		OriginalTokens: original,
		NewTokens:      EstimateTokens(rewritten),
		History:        rewritten,
	}
}

// findSplitPoint walks the history accumulating character counts and picks
// the last user message without tool-result parts at or before
// totalChars * (1 - PreserveFraction). Splitting inside a tool round-trip
// would leave a dangling call reference, so tool-result-bearing messages
// are never candidates. Returns 0 when no valid split point exists.
func (c *Compressor) findSplitPoint(history []Message) int {
	total := 0
	for _, msg := range history {
		total += messageChars(msg)
	}
	cutoff := int(float64(total) * (1 - c.PreserveFraction))

	best := 0
	acc := 0
	for i, msg := range history {
		if acc > cutoff {
			break
		}
		if msg.Role == RoleUser && !msg.HasToolResults() {
			best = i
		}
		acc += messageChars(msg)
	}
	return best
}

// summarize builds a bounded plain-text digest of the discarded messages:
// the first maxExchanges user/assistant texts, each truncated to lineCap.
func summarize(discarded []Message, maxExchanges, lineCap int) string {
	var b strings.Builder
	b.WriteString("Summary of the earlier conversation:\n")

	count := 0
	for _, msg := range discarded {
		if count >= maxExchanges {
			break
		}
		text := strings.TrimSpace(msg.TextContent())
		if text == "" {
			continue
		}
		if len(text) > lineCap {
			text = truncateAtRune(text, lineCap) + "..."
		}
		label := "User"
		if msg.Role == RoleAssistant {
			label = "Assistant"
		} else if msg.Role == RoleTool {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", label, text)
		count++
	}

	if count == 0 {
		b.WriteString("- (no textual exchanges)\n")
	}
	return b.String()
}

// truncateAtRune cuts s to at most n bytes without splitting a rune.
func truncateAtRune(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
