package store

import (
	"context"

	"go.uber.org/zap"
)

const (
	columnReaction  = "reaction"
	columnAppliesTo = "applies_to"
	queryAppliesTo  = columnAppliesTo + " = ?"
)

// ListReactionsFor returns the reactions subscribed for userID in insertion order. An
// unknown user has no subscriptions, so the result is an empty slice rather than ErrNotFound.
func (s *Store) ListReactionsFor(ctx context.Context, userID string) ([]string, error) {
	reactions := make([]string, 0)
	if userID == "" {
		return reactions, nil
	}
	err := s.db.WithContext(ctx).
		Model(&ReactionSubscription{}).
		Where(queryAppliesTo, userID).
		Order(columnID+" ASC").
		Pluck(columnReaction, &reactions).Error
	if err != nil {
		return nil, s.fail(opListReactions, reasonQueryFailed, err, zap.String("user_id", userID))
	}
	return reactions, nil
}

// AddReaction subscribes appliesTo to reaction. The same pair may be added more than once.
func (s *Store) AddReaction(ctx context.Context, reaction, addedBy, appliesTo string) (ReactionSubscription, error) {
	for _, value := range []string{reaction, addedBy, appliesTo} {
		if err := requireValue(opAddReaction, value); err != nil {
			return ReactionSubscription{}, err
		}
	}
	subscription := ReactionSubscription{Reaction: reaction, AddedBy: addedBy, AppliesTo: appliesTo}
	if err := s.db.WithContext(ctx).Create(&subscription).Error; err != nil {
		return ReactionSubscription{}, s.fail(opAddReaction, reasonWriteFailed, err,
			zap.String("reaction", reaction), zap.String("applies_to", appliesTo))
	}
	return subscription, nil
}

// RemoveReaction deletes every subscription of reaction for appliesTo. ErrNotFound is
// returned when none existed.
func (s *Store) RemoveReaction(ctx context.Context, reaction, appliesTo string) error {
	if err := requireValue(opRemoveReaction, reaction); err != nil {
		return err
	}
	if err := requireValue(opRemoveReaction, appliesTo); err != nil {
		return err
	}
	result := s.db.WithContext(ctx).
		Where(columnReaction+" = ? AND "+queryAppliesTo, reaction, appliesTo).
		Delete(&ReactionSubscription{})
	if result.Error != nil {
		return s.fail(opRemoveReaction, reasonWriteFailed, result.Error,
			zap.String("reaction", reaction), zap.String("applies_to", appliesTo))
	}
	if result.RowsAffected == 0 {
		return newServiceError(opRemoveReaction, reasonNotFound, ErrNotFound, nil)
	}
	return nil
}
