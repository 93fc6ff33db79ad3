package chat

import (
	"context"
	"time"

	"github.com/tripmate/realtime/internal/directory"
)

// Store persists chats and their messages.
//
// Lookups of unknown ids return an apperr NotFound error. CreateChat returns
// an apperr Conflict error when a non-archived direct chat already exists
// for the same pair. UpdatePreview never moves the preview backwards: it is
// a no-op when at is older than the stored LastMessageAt, so retrying it is
// safe.
type Store interface {
	CreateChat(ctx context.Context, c *Chat) error
	GetChat(ctx context.Context, id string) (*Chat, error)
	// FindDirect returns the non-archived direct chat of the pair, or nil.
	FindDirect(ctx context.Context, userA, userB string) (*Chat, error)
	// ListByUser returns the user's non-archived chats, most recent first.
	ListByUser(ctx context.Context, userID string) ([]Chat, error)
	// ListActiveTripChats returns non-archived group chats bound to a trip.
	ListActiveTripChats(ctx context.Context) ([]Chat, error)
	SetArchived(ctx context.Context, chatID string, archived bool) error
	SetParticipants(ctx context.Context, chatID string, participants []string, groupAdmin string) error

	InsertMessage(ctx context.Context, m *Message) error
	UpdatePreview(ctx context.Context, chatID, preview string, at time.Time) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	UpdateMessage(ctx context.Context, m *Message) error
	DeleteMessage(ctx context.Context, id string) error
	// ListMessages returns up to limit messages sent before the given time,
	// newest first. A zero before means now.
	ListMessages(ctx context.Context, chatID string, before time.Time, limit int) ([]Message, error)
	// MarkRead adds userID to ReadBy of every message in the chat the user
	// has not read yet and returns how many changed.
	MarkRead(ctx context.Context, chatID, userID string) (int, error)
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

// TripGetter resolves the trip a group chat is bound to.
type TripGetter interface {
	GetTrip(ctx context.Context, id string) (*directory.Trip, error)
}
