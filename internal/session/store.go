// Package session owns the durable client sessions and room membership
// lookups used by the backend dispatcher.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/fenggwsx/RoomRelay/internal/protocol"
	"github.com/fenggwsx/RoomRelay/internal/storage"
)

const lockStripes = 64

var (
	// ErrNoSession is returned when an operation requires a logged in client.
	ErrNoSession = errors.New("no session")
	// ErrStorageUnavailable is returned once storage retries are exhausted.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Session is the backend view of one logged in client.
type Session struct {
	ClientID string
	User     *protocol.User
	// Rooms lists joined rooms in join order.
	Rooms []string
}

// InRoom reports whether the session has joined room.
func (s Session) InRoom(room string) bool {
	return slices.Contains(s.Rooms, room)
}

func (s Session) clone() Session {
	out := s
	out.Rooms = slices.Clone(s.Rooms)
	if s.User != nil {
		user := *s.User
		out.User = &user
	}
	return out
}

// Options tunes cache size and storage retries.
type Options struct {
	CacheSize    int
	Retries      int
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// Store is a read-through cache in front of the durable session tables.
type Store struct {
	store  storage.Store
	cache  *lru.Cache[string, Session]
	locks  [lockStripes]sync.Mutex
	retry  retrier
	logger *zap.Logger
	now    func() time.Time
}

// NewStore wraps a storage backend with an LRU cache of opts.CacheSize entries.
func NewStore(st storage.Store, opts Options, logger *zap.Logger) (*Store, error) {
	if st == nil {
		return nil, errors.New("nil storage")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	size := opts.CacheSize
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, Session](size)
	if err != nil {
		return nil, err
	}
	return &Store{
		store:  st,
		cache:  cache,
		retry:  newRetrier(opts),
		logger: logger.With(zap.String("component", "session")),
		now:    time.Now,
	}, nil
}

// Login creates or replaces the session for clientID and reloads its rooms.
func (s *Store) Login(ctx context.Context, clientID string, user protocol.User) (Session, error) {
	mu := s.lockFor(clientID)
	mu.Lock()
	defer mu.Unlock()

	userJSON, err := json.Marshal(user)
	if err != nil {
		return Session{}, err
	}
	err = s.retry.do(ctx, func() error {
		return s.store.UpsertSession(ctx, storage.SessionRecord{
			ClientID:  clientID,
			UserJSON:  userJSON,
			UpdatedAt: s.now(),
		})
	})
	if err != nil {
		return Session{}, err
	}

	var rooms []storage.Membership
	err = s.retry.do(ctx, func() error {
		var listErr error
		rooms, listErr = s.store.ListRooms(ctx, clientID)
		return listErr
	})
	if err != nil {
		return Session{}, err
	}

	sess := Session{ClientID: clientID, User: &user, Rooms: roomNames(rooms)}
	s.cache.Add(clientID, sess)
	return sess.clone(), nil
}

// JoinRoom adds room to the session. The bool reports whether the
// membership is new.
func (s *Store) JoinRoom(ctx context.Context, clientID, room string) (Session, bool, error) {
	mu := s.lockFor(clientID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := s.getLocked(ctx, clientID)
	if err != nil {
		return Session{}, false, err
	}

	var added bool
	err = s.retry.do(ctx, func() error {
		var addErr error
		added, addErr = s.store.AddMembership(ctx, storage.Membership{
			ClientID: clientID,
			Room:     room,
			JoinedAt: s.now(),
		})
		return addErr
	})
	if err != nil {
		return Session{}, false, err
	}

	if !sess.InRoom(room) {
		sess.Rooms = append(sess.Rooms, room)
	}
	s.cache.Add(clientID, sess)
	return sess.clone(), added, nil
}

// Get returns the session for clientID, loading it on a cache miss.
func (s *Store) Get(ctx context.Context, clientID string) (Session, error) {
	if sess, ok := s.cache.Get(clientID); ok {
		return sess.clone(), nil
	}

	mu := s.lockFor(clientID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := s.getLocked(ctx, clientID)
	if err != nil {
		return Session{}, err
	}
	return sess.clone(), nil
}

// Delete removes the session and its memberships. Deleting an unknown
// session is not an error.
func (s *Store) Delete(ctx context.Context, clientID string) error {
	mu := s.lockFor(clientID)
	mu.Lock()
	defer mu.Unlock()

	err := s.retry.do(ctx, func() error {
		return s.store.DeleteSession(ctx, clientID)
	})
	if err != nil {
		return err
	}
	s.cache.Remove(clientID)
	return nil
}

// getLocked must be called with the client's stripe held.
func (s *Store) getLocked(ctx context.Context, clientID string) (Session, error) {
	if sess, ok := s.cache.Get(clientID); ok {
		return sess, nil
	}

	var rec *storage.SessionRecord
	err := s.retry.do(ctx, func() error {
		var getErr error
		rec, getErr = s.store.GetSession(ctx, clientID)
		return getErr
	})
	if errors.Is(err, storage.ErrNotFound) {
		return Session{}, ErrNoSession
	}
	if err != nil {
		return Session{}, err
	}

	var rooms []storage.Membership
	err = s.retry.do(ctx, func() error {
		var listErr error
		rooms, listErr = s.store.ListRooms(ctx, clientID)
		return listErr
	})
	if err != nil {
		return Session{}, err
	}

	sess := Session{ClientID: clientID, Rooms: roomNames(rooms)}
	if len(rec.UserJSON) > 0 && string(rec.UserJSON) != "null" {
		var user protocol.User
		if err := json.Unmarshal(rec.UserJSON, &user); err != nil {
			s.logger.Warn("discarding unreadable user", zap.String("client_id", clientID), zap.Error(err))
		} else {
			sess.User = &user
		}
	}
	s.cache.Add(clientID, sess)
	return sess, nil
}

func (s *Store) lockFor(clientID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientID))
	return &s.locks[h.Sum32()%lockStripes]
}

func roomNames(memberships []storage.Membership) []string {
	rooms := make([]string, 0, len(memberships))
	for _, m := range memberships {
		rooms = append(rooms, m.Room)
	}
	return rooms
}

type retrier struct {
	retries uint64
	initial time.Duration
	max     time.Duration
}

func newRetrier(opts Options) retrier {
	r := retrier{initial: opts.RetryInitial, max: opts.RetryMax}
	if opts.Retries > 0 {
		r.retries = uint64(opts.Retries)
	}
	if r.initial <= 0 {
		r.initial = 50 * time.Millisecond
	}
	if r.max <= 0 {
		r.max = time.Second
	}
	return r
}

// do runs op until it succeeds, hits a permanent error, or retries run out.
func (r retrier) do(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.initial
	policy.MaxInterval = r.max
	policy.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		err := op()
		if errors.Is(err, storage.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, r.retries), ctx))

	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
}
