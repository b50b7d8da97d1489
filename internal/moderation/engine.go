// Package moderation decides what happens to each inbound message: identity sync,
// banned media removal, reply-chain filtering and auto-reactions.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gifguard/internal/gateway"
	"github.com/MarcoPoloResearchLab/gifguard/internal/store"
	"go.uber.org/zap"
)

const (
	bannedMediaDeleteReason = "Contains banned gif."
	replyFilterDeleteReason = "Reply to a filtered user."
	memberPageSize          = 1000
)

var errMissingStore = errors.New("moderation: store is required")
var errMissingClient = errors.New("moderation: gateway client is required")

// Store is the subset of the moderation store the engine reads and mutates.
type Store interface {
	UpsertUser(ctx context.Context, userID, displayName string) (bool, error)
	GetUser(ctx context.Context, userID string) (store.User, error)
	IncrementMessagesSent(ctx context.Context, userID string) error
	IncrementMessagesDeleted(ctx context.Context, userID string) error
	IsMediaBanned(ctx context.Context, body string) (bool, error)
	IsMediaWhitelisted(ctx context.Context, url string) (bool, error)
	ListReactionsFor(ctx context.Context, userID string) ([]string, error)
}

// Publisher receives every decision the engine makes.
type Publisher interface {
	Publish(decision Decision)
}

// Config wires the engine's collaborators.
type Config struct {
	Store       Store
	Client      gateway.Client
	Logger      *zap.Logger
	OwnerIDs    []string
	Classifiers []string
	Publisher   Publisher

	// CountDeletions charges observed deletions to the author's deleted counter.
	CountDeletions bool
	Clock          func() time.Time
}

// Engine runs the per-message moderation pipeline. It is safe for concurrent use.
type Engine struct {
	store       Store
	client      gateway.Client
	logger      *zap.Logger
	owners      map[string]struct{}
	classifiers []string
	publisher   Publisher
	clock       func() time.Time

	countDeletions bool

	selfMu sync.RWMutex
	selfID string
}

// NewEngine validates cfg and constructs an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	owners := make(map[string]struct{}, len(cfg.OwnerIDs))
	for _, id := range cfg.OwnerIDs {
		owners[id] = struct{}{}
	}
	classifiers := make([]string, 0, len(cfg.Classifiers))
	for _, classifier := range cfg.Classifiers {
		if classifier = strings.TrimSpace(classifier); classifier != "" {
			classifiers = append(classifiers, classifier)
		}
	}
	return &Engine{
		store:       cfg.Store,
		client:      cfg.Client,
		logger:      logger,
		owners:      owners,
		classifiers: classifiers,
		publisher:   cfg.Publisher,
		clock:       clock,

		countDeletions: cfg.CountDeletions,
	}, nil
}

// SetSelf records the bot's own user id once the session is ready.
func (e *Engine) SetSelf(userID string) {
	e.selfMu.Lock()
	defer e.selfMu.Unlock()
	e.selfID = userID
}

func (e *Engine) self() string {
	e.selfMu.RLock()
	defer e.selfMu.RUnlock()
	return e.selfID
}

// IsOwner reports whether userID is in the configured owner set.
func (e *Engine) IsOwner(userID string) bool {
	_, ok := e.owners[userID]
	return ok
}

// IsAdmin reports whether a user holding (or not holding) the platform admin role in
// scope may run administrative commands. Owners are always admins.
func (e *Engine) IsAdmin(userID string, hasAdminRole bool) bool {
	return hasAdminRole || e.IsOwner(userID)
}

// HandleMessage runs the moderation pipeline for one message. The steps are strictly
// ordered and stop at the first one that acts. Store errors are returned; platform
// denials and missing targets are logged and reflected in the Decision.
func (e *Engine) HandleMessage(ctx context.Context, message gateway.MessageCreated) (Decision, error) {
	start := e.clock()
	decision, err := e.handleMessage(ctx, message)
	messageProcessDuration.Observe(e.clock().Sub(start).Seconds())
	if err != nil {
		messageErrorCount.WithLabelValues("message").Inc()
		return decision, err
	}
	messageDecisionCount.WithLabelValues(string(decision.Action), string(decision.Reason)).Inc()
	if e.publisher != nil && decision.Action != ActionIgnored {
		e.publisher.Publish(decision)
	}
	return decision, nil
}

func (e *Engine) handleMessage(ctx context.Context, message gateway.MessageCreated) (Decision, error) {
	decision := Decision{
		MessageID: message.ID,
		GuildID:   message.GuildID,
		ChannelID: message.ChannelID,
		AuthorID:  message.AuthorID,
		Action:    ActionAllowed,
		DecidedAt: e.clock().UTC(),
	}
	logger := e.logger.With(
		zap.String("message_id", message.ID),
		zap.String("channel_id", message.ChannelID),
		zap.String("author_id", message.AuthorID),
	)
	logger.Debug("message received", zap.String("author", message.AuthorName), zap.String("body", message.Body))

	if err := e.syncIdentity(ctx, message.AuthorID, message.AuthorName, "message"); err != nil {
		return decision, err
	}
	if err := e.store.IncrementMessagesSent(ctx, message.AuthorID); err != nil {
		return decision, fmt.Errorf("moderation: count message: %w", err)
	}

	if self := e.self(); self != "" && message.AuthorID == self {
		decision.Action = ActionIgnored
		decision.Reason = ReasonSelf
		return decision, nil
	}

	banned, err := e.store.IsMediaBanned(ctx, message.Body)
	if err != nil {
		return decision, fmt.Errorf("moderation: banned media check: %w", err)
	}
	if banned && !e.IsOwner(message.AuthorID) {
		logger.Info("deleting message containing banned media")
		return e.reject(ctx, logger, decision, ReasonBannedMedia, bannedMediaDeleteReason)
	}

	filtered, err := e.violatesReplyFilter(ctx, message)
	if err != nil {
		return decision, err
	}
	if filtered {
		logger.Info("deleting reply to filtered user", zap.String("parent_author_id", message.Parent.AuthorID))
		return e.reject(ctx, logger, decision, ReasonReplyFilter, replyFilterDeleteReason)
	}

	reactions, err := e.store.ListReactionsFor(ctx, message.AuthorID)
	if err != nil {
		return decision, fmt.Errorf("moderation: list reactions: %w", err)
	}
	for _, reaction := range reactions {
		if err := e.client.AttachReaction(ctx, message.ChannelID, message.ID, reaction); err != nil {
			if !isPlatformSkip(err) {
				return decision, fmt.Errorf("moderation: attach reaction: %w", err)
			}
			reactionAttachCount.WithLabelValues(platformResult(err)).Inc()
			logger.Warn("reaction not attached", zap.String("reaction", reaction), zap.Error(err))
			decision.FailedReactions = append(decision.FailedReactions, reaction)
			continue
		}
		reactionAttachCount.WithLabelValues("attached").Inc()
		decision.Reactions = append(decision.Reactions, reaction)
	}
	return decision, nil
}

func (e *Engine) violatesReplyFilter(ctx context.Context, message gateway.MessageCreated) (bool, error) {
	if message.Parent == nil || message.System || message.Parent.AuthorID == "" {
		return false, nil
	}
	parent, err := e.store.GetUser(ctx, message.Parent.AuthorID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("moderation: load parent author: %w", err)
	}
	if !parent.FilterOptIn || e.IsAdmin(message.AuthorID, message.AuthorIsAdmin) {
		return false, nil
	}
	if !e.matchesClassifier(message.Body) {
		return false, nil
	}
	whitelisted, err := e.store.IsMediaWhitelisted(ctx, message.Body)
	if err != nil {
		return false, fmt.Errorf("moderation: whitelist check: %w", err)
	}
	return !whitelisted, nil
}

func (e *Engine) matchesClassifier(body string) bool {
	for _, classifier := range e.classifiers {
		if strings.Contains(body, classifier) {
			return true
		}
	}
	return false
}

// reject deletes the message and posts the rejection notice. A message that is already
// gone still gets the notice, so replayed events complete without error.
func (e *Engine) reject(ctx context.Context, logger *zap.Logger, decision Decision, reason Reason, auditReason string) (Decision, error) {
	decision.Reason = reason
	decision.Action = ActionDeleted
	if err := e.client.DeleteMessage(ctx, decision.ChannelID, decision.MessageID, auditReason); err != nil {
		switch {
		case errors.Is(err, gateway.ErrNotFound):
			logger.Info("message already deleted")
		case errors.Is(err, gateway.ErrForbidden):
			logger.Warn("not permitted to delete message", zap.Error(err))
			decision.Action = ActionDeleteDenied
			return decision, nil
		default:
			return decision, fmt.Errorf("moderation: delete message: %w", err)
		}
	}
	if err := e.client.SendMessage(ctx, decision.ChannelID, RejectionNotice(decision.AuthorID)); err != nil {
		if !isPlatformSkip(err) {
			return decision, fmt.Errorf("moderation: send notice: %w", err)
		}
		logger.Warn("rejection notice not sent", zap.Error(err))
		return decision, nil
	}
	decision.Noticed = true
	return decision, nil
}

// RejectionNotice is the text posted after a message is removed.
func RejectionNotice(userID string) string {
	return fmt.Sprintf("<@%s> no.", userID)
}

// HandleMessageDeleted records the author of a deleted message when the platform still
// knows who wrote it. The deleted counter only moves when CountDeletions is set.
func (e *Engine) HandleMessageDeleted(ctx context.Context, event gateway.MessageDeleted) error {
	logger := e.logger.With(zap.String("message_id", event.ID), zap.String("channel_id", event.ChannelID))
	if event.AuthorID == "" {
		logger.Info("message deleted, author unknown")
		return nil
	}
	logger.Info("message deleted", zap.String("author_id", event.AuthorID))
	if err := e.syncIdentity(ctx, event.AuthorID, event.AuthorName, "message_deleted"); err != nil {
		messageErrorCount.WithLabelValues("message_deleted").Inc()
		return err
	}
	if !e.countDeletions {
		return nil
	}
	if err := e.store.IncrementMessagesDeleted(ctx, event.AuthorID); err != nil {
		messageErrorCount.WithLabelValues("message_deleted").Inc()
		return fmt.Errorf("moderation: count deletion: %w", err)
	}
	return nil
}

// HandleReactionAdded records the reacting user.
func (e *Engine) HandleReactionAdded(ctx context.Context, event gateway.ReactionAdded) error {
	e.logger.Info("reaction added",
		zap.String("emoji", event.Emoji),
		zap.String("user_id", event.UserID),
		zap.String("message_id", event.MessageID),
	)
	if err := e.syncIdentity(ctx, event.UserID, event.UserName, "reaction"); err != nil {
		messageErrorCount.WithLabelValues("reaction").Inc()
		return err
	}
	return nil
}

// SyncMembers creates rows for every member of the given guilds. A guild whose member
// list cannot be read is logged and skipped.
func (e *Engine) SyncMembers(ctx context.Context, history gateway.History, guildIDs []string) (int, error) {
	created := 0
	for _, guildID := range guildIDs {
		after := ""
		for {
			members, err := history.Members(ctx, guildID, after, memberPageSize)
			if err != nil {
				if !isPlatformSkip(err) {
					return created, fmt.Errorf("moderation: list members: %w", err)
				}
				e.logger.Warn("guild members unavailable", zap.String("guild_id", guildID), zap.Error(err))
				break
			}
			for _, member := range members {
				isNew, err := e.store.UpsertUser(ctx, member.ID, member.Name)
				if err != nil {
					return created, fmt.Errorf("moderation: sync member: %w", err)
				}
				if isNew {
					created++
				}
			}
			if len(members) < memberPageSize {
				break
			}
			after = members[len(members)-1].ID
		}
	}
	if created > 0 {
		usersCreatedCount.WithLabelValues("ready").Add(float64(created))
	}
	e.logger.Info("guild members synchronized", zap.Int("guilds", len(guildIDs)), zap.Int("created", created))
	return created, nil
}

func (e *Engine) syncIdentity(ctx context.Context, userID, displayName, eventType string) error {
	created, err := e.store.UpsertUser(ctx, userID, displayName)
	if err != nil {
		return fmt.Errorf("moderation: sync user: %w", err)
	}
	if created {
		usersCreatedCount.WithLabelValues(eventType).Inc()
	}
	return nil
}

func isPlatformSkip(err error) bool {
	return errors.Is(err, gateway.ErrForbidden) || errors.Is(err, gateway.ErrNotFound)
}

func platformResult(err error) string {
	if errors.Is(err, gateway.ErrForbidden) {
		return "forbidden"
	}
	return "not_found"
}
