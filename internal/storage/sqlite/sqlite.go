package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/fenggwsx/RoomRelay/internal/config"
	"github.com/fenggwsx/RoomRelay/internal/storage"
)

// Store is a GORM-backed SQLite implementation of storage.Store.
type Store struct {
	db *gorm.DB
}

type sessionModel struct {
	ID        uint   `gorm:"primaryKey"`
	ClientID  string `gorm:"uniqueIndex;not null"`
	UserJSON  []byte
	UpdatedAt time.Time
}

func (sessionModel) TableName() string { return "sessions" }

type membershipModel struct {
	ID       uint   `gorm:"primaryKey"`
	ClientID string `gorm:"uniqueIndex:idx_client_room;not null"`
	Room     string `gorm:"uniqueIndex:idx_client_room;index;not null"`
	JoinedAt time.Time
}

func (membershipModel) TableName() string { return "session_rooms" }

// NewStore opens a SQLite database at the provided path.
func NewStore(cfg config.DatabaseConfig) (*Store, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer.
	sqlDB.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate applies schema updates.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&sessionModel{}, &membershipModel{})
}

// UpsertSession stores the session, replacing the user of an existing one.
func (s *Store) UpsertSession(ctx context.Context, rec storage.SessionRecord) error {
	if rec.ClientID == "" {
		return errors.New("empty client id")
	}
	model := sessionModel{
		ClientID:  rec.ClientID,
		UserJSON:  rec.UserJSON,
		UpdatedAt: rec.UpdatedAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "client_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_json", "updated_at"}),
	}).Create(&model).Error
}

// GetSession retrieves a session by client id.
func (s *Store) GetSession(ctx context.Context, clientID string) (*storage.SessionRecord, error) {
	var model sessionModel
	err := s.db.WithContext(ctx).Where("client_id = ?", clientID).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &storage.SessionRecord{
		ClientID:  model.ClientID,
		UserJSON:  model.UserJSON,
		UpdatedAt: model.UpdatedAt,
	}, nil
}

// DeleteSession removes a session and all of its room memberships.
func (s *Store) DeleteSession(ctx context.Context, clientID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("client_id = ?", clientID).Delete(&membershipModel{}).Error; err != nil {
			return err
		}
		return tx.Where("client_id = ?", clientID).Delete(&sessionModel{}).Error
	})
}

// AddMembership inserts the membership unless it already exists.
func (s *Store) AddMembership(ctx context.Context, m storage.Membership) (bool, error) {
	model := membershipModel{ClientID: m.ClientID, Room: m.Room, JoinedAt: m.JoinedAt}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListRooms returns the memberships of one client in join order.
func (s *Store) ListRooms(ctx context.Context, clientID string) ([]storage.Membership, error) {
	var models []membershipModel
	if err := s.db.WithContext(ctx).Where("client_id = ?", clientID).Order("joined_at, id").Find(&models).Error; err != nil {
		return nil, err
	}
	return toMemberships(models), nil
}

// ListMembers returns the memberships of one room in join order.
func (s *Store) ListMembers(ctx context.Context, room string) ([]storage.Membership, error) {
	var models []membershipModel
	if err := s.db.WithContext(ctx).Where("room = ?", room).Order("joined_at, id").Find(&models).Error; err != nil {
		return nil, err
	}
	return toMemberships(models), nil
}

// CountSessions returns the number of persisted sessions.
func (s *Store) CountSessions(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&sessionModel{}).Count(&count).Error
	return count, err
}

func toMemberships(models []membershipModel) []storage.Membership {
	out := make([]storage.Membership, 0, len(models))
	for _, model := range models {
		out = append(out, storage.Membership{
			ClientID: model.ClientID,
			Room:     model.Room,
			JoinedAt: model.JoinedAt,
		})
	}
	return out
}
