// Package audit repairs stored moderation state from platform history. Reconciliation
// runs alongside live event handling without holding any lock for the whole pass: each
// store write is an independent row update, so a live increment that lands on a row
// during a pass is resolved last-write-wins.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/gifguard/internal/gateway"
	"github.com/MarcoPoloResearchLab/gifguard/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// MaxPageSize is the largest history page the platform serves.
	MaxPageSize        = 100
	defaultConcurrency = 4
	userPageSize       = 100
	memberPageSize     = 1000
	// DeletedUserName is stored for authors the platform can no longer resolve.
	DeletedUserName = "deleted user"
)

var (
	errMissingStore   = errors.New("audit: store is required")
	errMissingHistory = errors.New("audit: history reader is required")
)

// Store is the subset of the moderation store reconciliation writes to.
type Store interface {
	UpsertUser(ctx context.Context, userID, displayName string) (bool, error)
	SetMessagesSent(ctx context.Context, userID string, value uint64) error
	SetDisplayName(ctx context.Context, userID, displayName string) error
	ListUsers(ctx context.Context, afterID string, limit int) ([]store.User, error)
}

// Config wires a Reconciler.
type Config struct {
	Store             Store
	History           gateway.History
	Logger            *zap.Logger
	PageSize          int
	RequestsPerSecond float64
	Concurrency       int
	Clock             func() time.Time
}

// Reconciler re-derives message counts and display names from platform history.
type Reconciler struct {
	store       Store
	history     gateway.History
	logger      *zap.Logger
	limiter     *rate.Limiter
	pageSize    int
	concurrency int
	clock       func() time.Time
}

// NewReconciler validates cfg and constructs a Reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.History == nil {
		return nil, errMissingHistory
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 || pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Reconciler{
		store:       cfg.Store,
		history:     cfg.History,
		logger:      logger,
		limiter:     rate.NewLimiter(limit, 1),
		pageSize:    pageSize,
		concurrency: concurrency,
		clock:       clock,
	}, nil
}

// SkippedScope is a guild or channel that could not be read.
type SkippedScope struct {
	GuildID   string `json:"guildId"`
	ChannelID string `json:"channelId,omitempty"`
	Reason    string `json:"reason"`
}

// MessageReport summarizes a message-count pass.
type MessageReport struct {
	StartedAt    time.Time      `json:"startedAt"`
	FinishedAt   time.Time      `json:"finishedAt"`
	Guilds       int            `json:"guilds"`
	Channels     int            `json:"channels"`
	Pages        int            `json:"pages"`
	Messages     uint64         `json:"messages"`
	Authors      int            `json:"authors"`
	UsersCreated int            `json:"usersCreated"`
	Skipped      []SkippedScope `json:"skipped,omitempty"`
}

// Complete reports whether every channel was read.
func (r MessageReport) Complete() bool {
	return len(r.Skipped) == 0
}

// NameReport summarizes a display-name pass.
type NameReport struct {
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Checked    int64     `json:"checked"`
	Updated    int64     `json:"updated"`
	Unresolved int64     `json:"unresolved"`
}

type countKey struct {
	guildID   string
	channelID string
	authorID  string
}

type messageTally struct {
	counts map[countKey]uint64
	names  map[string]string
	seen   map[string]struct{}
}

// ReconcileMessageCounts walks every readable channel's full history and overwrites each
// author's sent counter with the observed total. Guild members with no surviving messages
// are set to zero. Unreadable channels are skipped and listed in the report.
func (r *Reconciler) ReconcileMessageCounts(ctx context.Context) (MessageReport, error) {
	report := MessageReport{StartedAt: r.clock().UTC()}
	tally := messageTally{
		counts: map[countKey]uint64{},
		names:  map[string]string{},
		seen:   map[string]struct{}{},
	}
	r.logger.Info("message count reconciliation started")

	guilds, err := r.history.Guilds(ctx)
	if err != nil {
		return report, fmt.Errorf("audit: list guilds: %w", err)
	}
	report.Guilds = len(guilds)

	for _, guild := range guilds {
		if err := r.countGuild(ctx, guild, &tally, &report); err != nil {
			return report, err
		}
		if err := r.seedMembers(ctx, guild, &tally); err != nil {
			return report, err
		}
	}

	totals := make(map[string]uint64, len(tally.seen))
	for author := range tally.seen {
		totals[author] = 0
	}
	for key, count := range tally.counts {
		totals[key.authorID] += count
	}
	authors := make([]string, 0, len(totals))
	for author := range totals {
		authors = append(authors, author)
	}
	sort.Strings(authors)

	for _, author := range authors {
		created, err := r.store.UpsertUser(ctx, author, r.displayName(ctx, author, tally.names))
		if err != nil {
			return report, fmt.Errorf("audit: create user: %w", err)
		}
		if created {
			report.UsersCreated++
		}
		if err := r.store.SetMessagesSent(ctx, author, totals[author]); err != nil {
			return report, fmt.Errorf("audit: set messages sent: %w", err)
		}
	}
	report.Authors = len(authors)
	report.FinishedAt = r.clock().UTC()

	fields := []zap.Field{
		zap.Int("guilds", report.Guilds),
		zap.Int("channels", report.Channels),
		zap.Uint64("messages", report.Messages),
		zap.Int("authors", report.Authors),
		zap.Int("users_created", report.UsersCreated),
		zap.Int("skipped", len(report.Skipped)),
		zap.Bool("partial", !report.Complete()),
	}
	if report.Complete() {
		r.logger.Info("message count reconciliation complete", fields...)
	} else {
		r.logger.Warn("message count reconciliation partial: channels skipped", fields...)
	}
	return report, nil
}

func (r *Reconciler) countGuild(ctx context.Context, guild gateway.Guild, tally *messageTally, report *MessageReport) error {
	channels, err := r.history.Channels(ctx, guild.ID)
	if err != nil {
		if !isSkippable(err) {
			return fmt.Errorf("audit: list channels: %w", err)
		}
		r.logger.Warn("guild skipped", zap.String("guild_id", guild.ID), zap.Error(err))
		report.Skipped = append(report.Skipped, SkippedScope{GuildID: guild.ID, Reason: skipReason(err)})
		return nil
	}
	for _, channel := range channels {
		counts, pages, err := r.countChannel(ctx, guild.ID, channel.ID, tally.names)
		report.Pages += pages
		if err != nil {
			if !isSkippable(err) {
				return err
			}
			r.logger.Warn("channel skipped",
				zap.String("guild_id", guild.ID),
				zap.String("channel_id", channel.ID),
				zap.String("channel", channel.Name),
				zap.Error(err),
			)
			report.Skipped = append(report.Skipped, SkippedScope{GuildID: guild.ID, ChannelID: channel.ID, Reason: skipReason(err)})
			continue
		}
		report.Channels++
		for author, count := range counts {
			tally.counts[countKey{guildID: guild.ID, channelID: channel.ID, authorID: author}] += count
			tally.seen[author] = struct{}{}
			report.Messages += count
		}
	}
	return nil
}

// countChannel pages backwards through a channel. Counts are only merged by the caller
// once the whole channel has been read.
func (r *Reconciler) countChannel(ctx context.Context, guildID, channelID string, names map[string]string) (map[string]uint64, int, error) {
	counts := map[string]uint64{}
	before := ""
	pages := 0
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, pages, err
		}
		page, err := r.history.History(ctx, channelID, before, r.pageSize)
		if err != nil {
			if isSkippable(err) {
				return nil, pages, err
			}
			return nil, pages, fmt.Errorf("audit: read history: %w", err)
		}
		pages++
		for _, message := range page {
			if message.AuthorID == "" {
				continue
			}
			counts[message.AuthorID]++
			if message.AuthorName != "" {
				names[message.AuthorID] = message.AuthorName
			}
		}
		if len(page) < r.pageSize {
			break
		}
		before = page[len(page)-1].ID
	}
	r.logger.Debug("channel counted",
		zap.String("guild_id", guildID),
		zap.String("channel_id", channelID),
		zap.Int("pages", pages),
		zap.Int("authors", len(counts)),
	)
	return counts, pages, nil
}

func (r *Reconciler) seedMembers(ctx context.Context, guild gateway.Guild, tally *messageTally) error {
	after := ""
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		members, err := r.history.Members(ctx, guild.ID, after, memberPageSize)
		if err != nil {
			if !isSkippable(err) {
				return fmt.Errorf("audit: list members: %w", err)
			}
			r.logger.Warn("guild members unavailable", zap.String("guild_id", guild.ID), zap.Error(err))
			return nil
		}
		for _, member := range members {
			tally.seen[member.ID] = struct{}{}
			if _, ok := tally.names[member.ID]; !ok && member.Name != "" {
				tally.names[member.ID] = member.Name
			}
		}
		if len(members) < memberPageSize {
			return nil
		}
		after = members[len(members)-1].ID
	}
}

func (r *Reconciler) displayName(ctx context.Context, userID string, names map[string]string) string {
	if name, ok := names[userID]; ok {
		return name
	}
	member, err := r.history.ResolveUser(ctx, userID)
	if err != nil || member.Name == "" {
		return DeletedUserName
	}
	return member.Name
}

// ReconcileDisplayNames refreshes every stored display name that differs from the
// platform's current one. Users that can no longer be resolved keep their stored name.
func (r *Reconciler) ReconcileDisplayNames(ctx context.Context) (NameReport, error) {
	report := NameReport{StartedAt: r.clock().UTC()}
	var checked, updated, unresolved atomic.Int64
	r.logger.Info("display name reconciliation started")

	after := ""
	for {
		users, err := r.store.ListUsers(ctx, after, userPageSize)
		if err != nil {
			return report, fmt.Errorf("audit: list users: %w", err)
		}
		if len(users) == 0 {
			break
		}

		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(r.concurrency)
		for _, user := range users {
			group.Go(func() error {
				if err := r.limiter.Wait(groupCtx); err != nil {
					return err
				}
				checked.Add(1)
				member, err := r.history.ResolveUser(groupCtx, user.ID)
				if err != nil {
					if isSkippable(err) {
						unresolved.Add(1)
						return nil
					}
					return fmt.Errorf("audit: resolve user: %w", err)
				}
				if member.Name == "" || member.Name == user.DisplayName {
					return nil
				}
				if err := r.store.SetDisplayName(groupCtx, user.ID, member.Name); err != nil {
					return fmt.Errorf("audit: set display name: %w", err)
				}
				updated.Add(1)
				r.logger.Debug("display name updated",
					zap.String("user_id", user.ID),
					zap.String("from", user.DisplayName),
					zap.String("to", member.Name),
				)
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			report.Checked, report.Updated, report.Unresolved = checked.Load(), updated.Load(), unresolved.Load()
			return report, err
		}
		if len(users) < userPageSize {
			break
		}
		after = users[len(users)-1].ID
	}

	report.Checked, report.Updated, report.Unresolved = checked.Load(), updated.Load(), unresolved.Load()
	report.FinishedAt = r.clock().UTC()
	r.logger.Info("display name reconciliation complete",
		zap.Int64("checked", report.Checked),
		zap.Int64("updated", report.Updated),
		zap.Int64("unresolved", report.Unresolved),
	)
	return report, nil
}

func isSkippable(err error) bool {
	return errors.Is(err, gateway.ErrForbidden) || errors.Is(err, gateway.ErrNotFound)
}

func skipReason(err error) string {
	if errors.Is(err, gateway.ErrForbidden) {
		return "forbidden"
	}
	return "not_found"
}
