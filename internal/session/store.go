package session

import (
	"context"
)

// Store is the interface for session persistence.
type Store interface {
	// Session CRUD
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error

	// Listing and search
	List(ctx context.Context, opts ListOptions) ([]SessionSummary, error)
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)

	// Message operations - stores full llm.Message with Parts
	AddMessage(ctx context.Context, sessionID string, msg *Message) error
	GetMessages(ctx context.Context, sessionID string, limit, offset int) ([]Message, error)

	// Metrics operations (for incremental saving after each round)
	UpdateMetrics(ctx context.Context, id string, rounds, toolCalls, inputTokens, outputTokens int) error
	UpdateStatus(ctx context.Context, id string, status Status) error
	IncrementUserTurns(ctx context.Context, id string) error

	// Current session tracking (for resume)
	SetCurrent(ctx context.Context, sessionID string) error
	GetCurrent(ctx context.Context) (*Session, error)
	ClearCurrent(ctx context.Context) error

	// Lifecycle
	Close() error
}

// NewStore creates a Store at dbPath, or a no-op store when disabled.
func NewStore(enabled bool, dbPath string) (Store, error) {
	if !enabled {
		return &NoopStore{}, nil
	}
	return NewSQLiteStore(dbPath)
}
