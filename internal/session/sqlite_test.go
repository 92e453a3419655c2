package session

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/deskchat/deskchat/internal/llm"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSessionCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := &Session{Backend: "ollama", Model: "llama3.1"}
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.ID == "" || sess.Status != StatusActive {
		t.Errorf("Create defaults: id=%q status=%q", sess.ID, sess.Status)
	}

	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Backend != "ollama" || got.Model != "llama3.1" {
		t.Errorf("Get = %+v", got)
	}

	got.Summary = "first question"
	got.Status = StatusComplete
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ = store.Get(ctx, sess.ID)
	if got.Summary != "first question" || got.Status != StatusComplete {
		t.Errorf("after Update: %+v", got)
	}

	if err := store.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err = store.Get(ctx, sess.ID)
	if err != nil || got != nil {
		t.Errorf("Get after Delete = %+v, %v", got, err)
	}
	if err := store.Delete(ctx, sess.ID); err == nil {
		t.Error("deleting a missing session must fail")
	}
}

func TestMessagesRoundTripPreservesToolParts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := &Session{Backend: "cloud", Model: "gemini-2.5-flash"}
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create: %v", err)
	}

	assistant := llm.Message{Role: llm.RoleAssistant, Parts: []llm.Part{
		{Type: llm.PartText, Text: "checking"},
		{Type: llm.PartToolCall, ToolCall: &llm.ToolCall{ID: "c1", Name: "ls", Arguments: json.RawMessage(`{"path":"."}`)}},
	}}
	turns := []llm.Message{
		llm.UserText("list files"),
		assistant,
		llm.ToolResultMessage("c1", "ls", "a.txt\nb.txt"),
	}
	for _, m := range turns {
		if err := store.AddMessage(ctx, sess.ID, NewMessage(sess.ID, m, -1)); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}

	stored, err := store.GetMessages(ctx, sess.ID, 0, 0)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("got %d messages, want 3", len(stored))
	}
	for i, m := range stored {
		if m.Sequence != i {
			t.Errorf("stored[%d].Sequence = %d", i, m.Sequence)
		}
	}

	restored := stored[1].ToLLMMessage()
	if !restored.HasToolCalls() {
		t.Fatal("tool call lost in round trip")
	}
	call := restored.Parts[1].ToolCall
	if call.ID != "c1" || call.Name != "ls" || string(call.Arguments) != `{"path":"."}` {
		t.Errorf("restored call = %+v", call)
	}
	result := stored[2].ToLLMMessage().Parts[0].ToolResult
	if result.ID != "c1" || result.Content != "a.txt\nb.txt" {
		t.Errorf("restored result = %+v", result)
	}
}

func TestDeleteCascadesMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := &Session{Backend: "ollama", Model: "m"}
	store.Create(ctx, sess)
	store.AddMessage(ctx, sess.ID, NewMessage(sess.ID, llm.UserText("hi"), -1))

	if err := store.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	msgs, err := store.GetMessages(ctx, sess.ID, 0, 0)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("messages survived session delete: %d", len(msgs))
	}
}

func TestListFiltersAndOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := &Session{Backend: "ollama", Model: "llama3.1", Summary: "first"}
	b := &Session{Backend: "cloud", Model: "gemini-2.5-pro", Summary: "second", Status: StatusComplete}
	store.Create(ctx, a)
	store.Create(ctx, b)
	// Touch a so it sorts first by updated_at.
	store.IncrementUserTurns(ctx, a.ID)

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 || all[0].ID != a.ID {
		t.Errorf("List order = %+v", all)
	}

	onlyCloud, _ := store.List(ctx, ListOptions{Backend: "cloud"})
	if len(onlyCloud) != 1 || onlyCloud[0].ID != b.ID {
		t.Errorf("backend filter = %+v", onlyCloud)
	}

	complete, _ := store.List(ctx, ListOptions{Status: StatusComplete})
	if len(complete) != 1 || complete[0].ID != b.ID {
		t.Errorf("status filter = %+v", complete)
	}
}

func TestUpdateMetricsAccumulates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := &Session{Backend: "ollama", Model: "m"}
	store.Create(ctx, sess)

	store.UpdateMetrics(ctx, sess.ID, 1, 2, 100, 50)
	store.UpdateMetrics(ctx, sess.ID, 1, 0, 30, 10)
	store.IncrementUserTurns(ctx, sess.ID)

	got, _ := store.Get(ctx, sess.ID)
	if got.Rounds != 2 || got.ToolCalls != 2 || got.InputTokens != 130 || got.OutputTokens != 60 {
		t.Errorf("metrics = %+v", got)
	}
	if got.UserTurns != 1 {
		t.Errorf("UserTurns = %d", got.UserTurns)
	}
}

func TestSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := &Session{Backend: "ollama", Model: "m", Summary: "kubernetes help"}
	store.Create(ctx, sess)
	store.AddMessage(ctx, sess.ID, NewMessage(sess.ID, llm.UserText("how do I restart a kubernetes pod"), -1))
	store.AddMessage(ctx, sess.ID, NewMessage(sess.ID, llm.AssistantText("use kubectl delete pod"), -1))

	results, err := store.Search(ctx, "kubernetes", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].SessionID != sess.ID || results[0].Snippet == "" {
		t.Errorf("result = %+v", results[0])
	}

	none, _ := store.Search(ctx, "astrophysics", 10)
	if len(none) != 0 {
		t.Errorf("unexpected matches: %+v", none)
	}
}

func TestCurrentSessionTracking(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cur, err := store.GetCurrent(ctx)
	if err != nil || cur != nil {
		t.Fatalf("GetCurrent on empty store = %+v, %v", cur, err)
	}

	sess := &Session{Backend: "ollama", Model: "m"}
	store.Create(ctx, sess)
	if err := store.SetCurrent(ctx, sess.ID); err != nil {
		t.Fatalf("SetCurrent: %v", err)
	}

	cur, err = store.GetCurrent(ctx)
	if err != nil || cur == nil || cur.ID != sess.ID {
		t.Fatalf("GetCurrent = %+v, %v", cur, err)
	}

	if err := store.ClearCurrent(ctx); err != nil {
		t.Fatalf("ClearCurrent: %v", err)
	}
	cur, _ = store.GetCurrent(ctx)
	if cur != nil {
		t.Errorf("current not cleared: %+v", cur)
	}
}

func TestTruncateSummary(t *testing.T) {
	if got := TruncateSummary("  short question  "); got != "short question" {
		t.Errorf("got %q", got)
	}
	if got := TruncateSummary("first line\nsecond line"); got != "first line" {
		t.Errorf("got %q", got)
	}
	long := TruncateSummary(strings.Repeat("a", 150))
	if len(long) != 100 || !strings.HasSuffix(long, "...") {
		t.Errorf("summary not truncated: %d chars", len(long))
	}
}

func TestTruncateSummaryRuneBoundary(t *testing.T) {
	// 60 two-byte runes: a byte-indexed cut at 97 would split one.
	got := TruncateSummary(strings.Repeat("é", 60))
	if !utf8.ValidString(got) {
		t.Errorf("summary contains invalid UTF-8: %q", got)
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("summary missing ellipsis: %q", got)
	}
}
