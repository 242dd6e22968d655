package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session record does not exist.
var ErrNotFound = errors.New("record not found")

// SessionRecord is the persisted form of a client session.
type SessionRecord struct {
	ClientID  string
	UserJSON  []byte
	UpdatedAt time.Time
}

// Membership links a client to a room it has joined.
type Membership struct {
	ClientID string
	Room     string
	JoinedAt time.Time
}

// Store defines persistence operations used by the backend.
type Store interface {
	Close() error
	Migrate(ctx context.Context) error

	// UpsertSession creates the session or replaces its user.
	UpsertSession(ctx context.Context, rec SessionRecord) error
	GetSession(ctx context.Context, clientID string) (*SessionRecord, error)
	// DeleteSession removes the session and its memberships together.
	DeleteSession(ctx context.Context, clientID string) error

	// AddMembership reports whether the pair was newly inserted.
	AddMembership(ctx context.Context, m Membership) (bool, error)
	ListRooms(ctx context.Context, clientID string) ([]Membership, error)
	ListMembers(ctx context.Context, room string) ([]Membership, error)
	CountSessions(ctx context.Context) (int64, error)
}
