package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"
)

const scheduleRetryDelay = 30 * time.Second

// Starter accepts jobs; *Manager satisfies it.
type Starter interface {
	Start(kind Kind, invokerID, channelID string) (Job, error)
}

// Schedule starts a job of one kind on a cron expression.
type Schedule struct {
	Expression string
	Kind       Kind
	// ChannelID receives completion notices; empty means no notice.
	ChannelID string
	Starter   Starter
	Logger    *zap.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// ValidateExpression reports whether expr is a usable cron expression.
func ValidateExpression(expr string) error {
	if !gronx.IsValid(expr) {
		return fmt.Errorf("audit: invalid cron expression %q", expr)
	}
	return nil
}

// Run blocks until ctx ends, starting a job at every tick. A tick that finds the previous
// job of the same kind still running is skipped.
func (s Schedule) Run(ctx context.Context) error {
	if err := ValidateExpression(s.Expression); err != nil {
		return err
	}
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := s.now
	if now == nil {
		now = time.Now
	}
	after := s.after
	if after == nil {
		after = time.After
	}
	logger = logger.With(zap.String("cron", s.Expression), zap.String("kind", string(s.Kind)))
	logger.Info("audit schedule started")

	for {
		next, err := gronx.NextTickAfter(s.Expression, now().UTC(), false)
		wait := scheduleRetryDelay
		if err != nil {
			logger.Error("audit schedule next tick failed", zap.Error(err))
		} else {
			wait = next.Sub(now().UTC())
		}

		select {
		case <-ctx.Done():
			logger.Info("audit schedule stopping")
			return nil
		case <-after(wait):
		}
		if err != nil {
			continue
		}

		job, startErr := s.Starter.Start(s.Kind, "", s.ChannelID)
		switch {
		case errors.Is(startErr, ErrConflict):
			logger.Info("audit schedule tick skipped, previous run still active", zap.String("job_id", job.ID))
		case startErr != nil:
			logger.Warn("audit schedule tick failed", zap.Error(startErr))
		default:
			logger.Info("scheduled audit started", zap.String("job_id", job.ID))
		}
	}
}
