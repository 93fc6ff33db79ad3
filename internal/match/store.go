package match

import (
	"context"
	"time"
)

// Store persists match rows.
//
// Get returns an apperr NotFound error for an unknown id. Transition moves
// an unblocked row from status from to status to and stamps respondedAt; it
// returns NotFound when no such row exists, so a concurrent block or
// transition wins. It never touches the blocked flag. Find returns rows in
// no particular order.
type Store interface {
	Get(ctx context.Context, id string) (*Match, error)
	Find(ctx context.Context, f Filter) ([]Match, error)
	Insert(ctx context.Context, m *Match) error
	Transition(ctx context.Context, id string, from, to Status, respondedAt time.Time) error
	Delete(ctx context.Context, f Filter) (int, error)
	SetBlocked(ctx context.Context, f Filter, blocked bool) (int, error)
	// Counterparts returns the distinct other parties of every row that
	// involves userID, in any status.
	Counterparts(ctx context.Context, userID string) ([]string, error)
}

// Transactor runs fn so that store calls made with the ctx it receives
// commit or roll back together.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type noTx struct{}

func (noTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
