package ledger

import (
	"context"

	"github.com/happy-ai/happyd/internal/event"
)

// Store is the best-effort persistence interface for ledger shards.
// Implementations must tolerate duplicate appends (same session_id + seq or
// fingerprint) by ignoring them.
type Store interface {
	Append(ctx context.Context, e *event.Event) error
	Load(ctx context.Context, sessionID string, limit int) ([]*event.Event, error)
	Sessions(ctx context.Context) ([]string, error)
	Clear(ctx context.Context, sessionID string) error
	Close() error
}
