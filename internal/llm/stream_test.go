package llm

import (
	"errors"
	"io"
	"strings"
	"testing"
)

// chunkReader yields the input in fixed-size chunks so lines split across
// read boundaries.
type chunkReader struct {
	data []byte
	size int
	pos  int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	end := r.pos + r.size
	if end > len(r.data) {
		end = len(r.data)
	}
	n := copy(p, r.data[r.pos:end])
	r.pos += n
	return n, nil
}

func TestScanSSE(t *testing.T) {
	input := "data: {\"a\":1}\n\nevent: ping\ndata: {\"b\":2}\n\ndata: [DONE]\n\ndata: {\"c\":3}\n"
	var frames []string
	err := scanSSE(strings.NewReader(input), func(data string) error {
		frames = append(frames, data)
		return nil
	})
	if err != nil {
		t.Fatalf("scanSSE: %v", err)
	}
	// [DONE] terminates the stream; the frame after it is never delivered.
	want := []string{`{"a":1}`, `{"b":2}`}
	if len(frames) != len(want) {
		t.Fatalf("frames = %v, want %v", frames, want)
	}
	for i := range want {
		if frames[i] != want[i] {
			t.Errorf("frames[%d] = %q, want %q", i, frames[i], want[i])
		}
	}
}

func TestScanSSEPartialLinesAcrossChunks(t *testing.T) {
	input := "data: {\"text\":\"a long payload that will straddle several reads\"}\ndata: {\"second\":true}\n"
	for _, size := range []int{1, 3, 7, 16} {
		var frames []string
		err := scanSSE(&chunkReader{data: []byte(input), size: size}, func(data string) error {
			frames = append(frames, data)
			return nil
		})
		if err != nil {
			t.Fatalf("size %d: %v", size, err)
		}
		if len(frames) != 2 {
			t.Fatalf("size %d: got %d frames, want 2", size, len(frames))
		}
		if frames[0] != `{"text":"a long payload that will straddle several reads"}` {
			t.Errorf("size %d: frames[0] = %q", size, frames[0])
		}
	}
}

func TestScanSSEHandlerErrorStops(t *testing.T) {
	input := "data: {\"a\":1}\ndata: {\"b\":2}\n"
	sentinel := errors.New("stop")
	count := 0
	err := scanSSE(strings.NewReader(input), func(data string) error {
		count++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if count != 1 {
		t.Errorf("handler called %d times after error, want 1", count)
	}
}

func TestScanNDJSON(t *testing.T) {
	input := "{\"a\":1}\n\n  \n{\"b\":2}\n{\"c\":3}"
	var lines []string
	err := scanNDJSON(strings.NewReader(input), func(data string) error {
		lines = append(lines, data)
		return nil
	})
	if err != nil {
		t.Fatalf("scanNDJSON: %v", err)
	}
	want := []string{`{"a":1}`, `{"b":2}`, `{"c":3}`}
	if len(lines) != len(want) {
		t.Fatalf("lines = %v, want %v", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("lines[%d] = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestScanNDJSONPartialLinesAcrossChunks(t *testing.T) {
	input := "{\"message\":{\"content\":\"streaming tokens here\"}}\n{\"done\":true}\n"
	var lines []string
	err := scanNDJSON(&chunkReader{data: []byte(input), size: 5}, func(data string) error {
		lines = append(lines, data)
		return nil
	})
	if err != nil {
		t.Fatalf("scanNDJSON: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
}

func TestValidateResult(t *testing.T) {
	tests := []struct {
		name string
		sr   *StreamResult
		want error
	}{
		{"complete answer", &StreamResult{Text: "hi", SawFinish: true}, nil},
		{"no finish reason", &StreamResult{Text: "hi"}, ErrNoFinishReason},
		{"empty text", &StreamResult{Text: "  \n ", SawFinish: true}, ErrEmptyResponse},
		{"tool calls exempt", &StreamResult{ToolCalls: []ToolCall{{Name: "t"}}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateResult(tt.sr); !errors.Is(err, tt.want) {
				t.Errorf("validateResult = %v, want %v", err, tt.want)
			}
		})
	}
}
