package session

import (
	"context"
	"time"

	"github.com/fenggwsx/RoomRelay/internal/storage"
)

// Member is one occupant of a room.
type Member struct {
	ClientID string
	JoinedAt time.Time
}

// RoomIndex answers room membership queries straight from storage.
type RoomIndex struct {
	store storage.Store
	retry retrier
}

// NewRoomIndex builds a RoomIndex sharing the retry policy of opts.
func NewRoomIndex(st storage.Store, opts Options) *RoomIndex {
	return &RoomIndex{store: st, retry: newRetrier(opts)}
}

// MembersOf returns the members of room ordered by join time.
func (ri *RoomIndex) MembersOf(ctx context.Context, room string) ([]Member, error) {
	var memberships []storage.Membership
	err := ri.retry.do(ctx, func() error {
		var err error
		memberships, err = ri.store.ListMembers(ctx, room)
		return err
	})
	if err != nil {
		return nil, err
	}

	members := make([]Member, 0, len(memberships))
	for _, m := range memberships {
		members = append(members, Member{ClientID: m.ClientID, JoinedAt: m.JoinedAt})
	}
	return members, nil
}
