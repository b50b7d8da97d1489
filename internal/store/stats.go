package store

import (
	"context"

	"go.uber.org/zap"
)

// Counter selects which per-user message counter a ranking uses.
type Counter string

const (
	CounterSent    Counter = "sent"
	CounterDeleted Counter = "deleted"
)

// ParseCounter maps a user-facing counter name to a Counter. Unknown names report false.
func ParseCounter(value string) (Counter, bool) {
	switch Counter(value) {
	case CounterSent, "":
		return CounterSent, true
	case CounterDeleted:
		return CounterDeleted, true
	default:
		return "", false
	}
}

func (c Counter) column() string {
	if c == CounterDeleted {
		return columnMessagesDelete
	}
	return columnMessagesSent
}

// Value returns the counter's value for user.
func (c Counter) Value(user User) uint64 {
	if c == CounterDeleted {
		return user.MessagesDeleted
	}
	return user.MessagesSent
}

// TopBySent returns up to limit users ordered by messages sent, highest first.
func (s *Store) TopBySent(ctx context.Context, limit int) ([]User, error) {
	return s.Top(ctx, CounterSent, limit)
}

// TopByDeleted returns up to limit users ordered by messages deleted, highest first.
func (s *Store) TopByDeleted(ctx context.Context, limit int) ([]User, error) {
	return s.Top(ctx, CounterDeleted, limit)
}

// Top returns up to limit users ordered by counter descending with ties broken by id.
func (s *Store) Top(ctx context.Context, counter Counter, limit int) ([]User, error) {
	users := make([]User, 0)
	if limit <= 0 {
		return users, nil
	}
	err := s.db.WithContext(ctx).
		Order(counter.column() + " DESC").
		Order(columnID + " ASC").
		Limit(limit).
		Find(&users).Error
	if err != nil {
		return nil, s.fail(opTopUsers, reasonQueryFailed, err, zap.String("counter", string(counter)))
	}
	return users, nil
}

// RankBySent returns 1 plus the number of users who sent strictly more messages.
func (s *Store) RankBySent(ctx context.Context, userID string) (int64, error) {
	return s.Rank(ctx, CounterSent, userID)
}

// RankByDeleted returns 1 plus the number of users with strictly more deleted messages.
func (s *Store) RankByDeleted(ctx context.Context, userID string) (int64, error) {
	return s.Rank(ctx, CounterDeleted, userID)
}

// Rank returns the competition rank of userID under counter. Unknown users yield ErrNotFound.
func (s *Store) Rank(ctx context.Context, counter Counter, userID string) (int64, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	var ahead int64
	err = s.db.WithContext(ctx).
		Model(&User{}).
		Where(counter.column()+" > ?", counter.Value(user)).
		Count(&ahead).Error
	if err != nil {
		return 0, s.fail(opRankUser, reasonQueryFailed, err, zap.String("user_id", userID))
	}
	return ahead + 1, nil
}
