package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMediaCacheTTL = 30 * time.Second
	mediaCacheCapacity   = 4
	columnID             = "id"
	columnDisplayName    = "username"
	columnFilterOptIn    = "apply_filter"
	columnMessagesSent   = "messages_sent"
	columnMessagesDelete = "messages_deleted"
	queryID              = columnID + " = ?"
)

// Config describes the dependencies of the moderation store.
type Config struct {
	Database      *gorm.DB
	Logger        *zap.Logger
	MediaCacheTTL time.Duration
}

// Store is the persistent moderation store. Every mutating call is a single statement or
// a short transaction over one row, so the store is safe for concurrent independent
// callers; interleaved writes to the same row resolve last-write-wins.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	media  *expirable.LRU[string, []string]
}

// New constructs a Store over an opened and migrated database.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDatabase, nil, errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	ttl := cfg.MediaCacheTTL
	if ttl <= 0 {
		ttl = defaultMediaCacheTTL
	}
	return &Store{
		db:     cfg.Database,
		logger: logger,
		media:  expirable.NewLRU[string, []string](mediaCacheCapacity, nil, ttl),
	}, nil
}

// Ping verifies the underlying connection is usable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return wrapError(opPing, reasonQueryFailed, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return newServiceError(opPing, "unavailable", ErrUnavailable, err)
	}
	return nil
}

// Exists reports whether a user row is present.
func (s *Store) Exists(ctx context.Context, userID string) (bool, error) {
	if err := requireValue(opExists, userID); err != nil {
		return false, err
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&User{}).Where(queryID, userID).Count(&count).Error; err != nil {
		return false, s.fail(opExists, reasonQueryFailed, err, zap.String("user_id", userID))
	}
	return count > 0, nil
}

// UpsertUser creates the user row when it is absent and reports whether it did. An
// existing row is left untouched; display names are refreshed only by SetDisplayName.
func (s *Store) UpsertUser(ctx context.Context, userID, displayName string) (bool, error) {
	if err := requireValue(opUpsertUser, userID); err != nil {
		return false, err
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: columnID}}, DoNothing: true}).
		Create(&User{ID: userID, DisplayName: displayName})
	if result.Error != nil {
		return false, s.fail(opUpsertUser, reasonWriteFailed, result.Error, zap.String("user_id", userID))
	}
	created := result.RowsAffected == 1
	if created {
		s.logger.Debug("user created", zap.String("user_id", userID))
	}
	return created, nil
}

// GetUser returns the user row or ErrNotFound.
func (s *Store) GetUser(ctx context.Context, userID string) (User, error) {
	if err := requireValue(opGetUser, userID); err != nil {
		return User{}, err
	}
	var user User
	if err := s.db.WithContext(ctx).Where(queryID, userID).Take(&user).Error; err != nil {
		return User{}, s.fail(opGetUser, reasonQueryFailed, err, zap.String("user_id", userID))
	}
	return user, nil
}

// IncrementMessagesSent adds one to the sent counter.
func (s *Store) IncrementMessagesSent(ctx context.Context, userID string) error {
	return s.updateColumn(ctx, opIncrementSent, userID, columnMessagesSent, gorm.Expr(columnMessagesSent+" + ?", 1))
}

// IncrementMessagesDeleted adds one to the deleted counter.
func (s *Store) IncrementMessagesDeleted(ctx context.Context, userID string) error {
	return s.updateColumn(ctx, opIncrementDeleted, userID, columnMessagesDelete, gorm.Expr(columnMessagesDelete+" + ?", 1))
}

// SetMessagesSent overwrites the sent counter. Used by reconciliation.
func (s *Store) SetMessagesSent(ctx context.Context, userID string, value uint64) error {
	return s.updateColumn(ctx, opSetMessagesSent, userID, columnMessagesSent, value)
}

// SetMessagesDeleted overwrites the deleted counter.
func (s *Store) SetMessagesDeleted(ctx context.Context, userID string, value uint64) error {
	return s.updateColumn(ctx, opSetMessagesDeleted, userID, columnMessagesDelete, value)
}

// SetDisplayName overwrites the stored display name.
func (s *Store) SetDisplayName(ctx context.Context, userID, displayName string) error {
	return s.updateColumn(ctx, opSetDisplayName, userID, columnDisplayName, displayName)
}

// SetFilterOptIn records whether replies to this user's messages are filtered.
func (s *Store) SetFilterOptIn(ctx context.Context, userID string, optIn bool) error {
	return s.updateColumn(ctx, opSetFilterOptIn, userID, columnFilterOptIn, optIn)
}

// ListUsers pages through users ordered by id, starting after afterID.
func (s *Store) ListUsers(ctx context.Context, afterID string, limit int) ([]User, error) {
	if limit <= 0 {
		return []User{}, nil
	}
	users := make([]User, 0, limit)
	query := s.db.WithContext(ctx).Order(columnID + " ASC").Limit(limit)
	if afterID != "" {
		query = query.Where(columnID+" > ?", afterID)
	}
	if err := query.Find(&users).Error; err != nil {
		return nil, s.fail(opListUsers, reasonQueryFailed, err)
	}
	return users, nil
}

func (s *Store) updateColumn(ctx context.Context, operation, userID, column string, value interface{}) error {
	if err := requireValue(operation, userID); err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Model(&User{}).Where(queryID, userID).UpdateColumn(column, value)
	if result.Error != nil {
		return s.fail(operation, reasonWriteFailed, result.Error, zap.String("user_id", userID))
	}
	if result.RowsAffected == 0 {
		return newServiceError(operation, reasonNotFound, ErrNotFound, nil)
	}
	return nil
}

func (s *Store) fail(operation, reason string, err error, fields ...zap.Field) error {
	wrapped := wrapError(operation, reason, err)
	if IsFatal(wrapped) {
		s.logError(operation, "unavailable", err, fields...)
	} else if !isExpected(wrapped) {
		s.logError(operation, reason, err, fields...)
	}
	return wrapped
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("store error", attrs...)
}

func isExpected(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict)
}

func requireValue(operation, value string) error {
	if strings.TrimSpace(value) == "" {
		return newServiceError(operation, reasonInvalidInput, ErrInvalidInput, nil)
	}
	return nil
}
