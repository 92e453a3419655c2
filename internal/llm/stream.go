package llm

import (
	"bufio"
	"io"
	"strings"
)

// scanSSE reads line-delimited server-sent-event frames, invoking handle for
// the JSON following each "data: " prefix. A literal [DONE] sentinel ends the
// stream. The scanner buffers a trailing partial line across chunk boundaries
// so a line is never parsed before it is complete.
func scanSSE(r io.Reader, handle func(data string) error) error {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		if err := handle(data); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// scanNDJSON reads newline-delimited JSON objects, one per complete line,
// with the same partial-line buffering as scanSSE. Blank lines are skipped.
func scanNDJSON(r io.Reader, handle func(data string) error) error {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := handle(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// validateResult enforces the invalid-stream rules: a response with no tool
// calls must have both an observed finish signal and non-empty text.
func validateResult(sr *StreamResult) error {
	if len(sr.ToolCalls) > 0 {
		return nil
	}
	if !sr.SawFinish {
		return ErrNoFinishReason
	}
	if strings.TrimSpace(sr.Text) == "" {
		return ErrEmptyResponse
	}
	return nil
}
