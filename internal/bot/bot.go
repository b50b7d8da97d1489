// Package bot routes gateway events to the moderation engine and the command registry.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/gifguard/internal/commands"
	"github.com/MarcoPoloResearchLab/gifguard/internal/config"
	"github.com/MarcoPoloResearchLab/gifguard/internal/gateway"
	"github.com/MarcoPoloResearchLab/gifguard/internal/moderation"
	"github.com/MarcoPoloResearchLab/gifguard/internal/store"
	"go.uber.org/zap"
)

const poolName = "events"

// PresenceSource yields the status line applied when a session becomes ready.
type PresenceSource interface {
	Current() config.Presence
}

// Config wires a Bot.
type Config struct {
	Engine   *moderation.Engine
	Registry *commands.Registry
	Gateway  gateway.Gateway
	Presence PresenceSource
	Logger   *zap.Logger
	Workers  int
	// OnFatal is called once when a handler reports that the store is unavailable.
	OnFatal func(error)
}

// Bot owns the worker pool that handles inbound events.
type Bot struct {
	engine    *moderation.Engine
	registry  *commands.Registry
	gateway   gateway.Gateway
	presence  PresenceSource
	logger    *zap.Logger
	scheduler *Scheduler
	onFatal   func(error)
	fatalOnce sync.Once
}

// New validates cfg and starts the worker pool. Handlers run with ctx.
func New(ctx context.Context, cfg Config) (*Bot, error) {
	if cfg.Engine == nil || cfg.Registry == nil || cfg.Gateway == nil {
		return nil, errors.New("bot: engine, registry and gateway are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bot{
		engine:   cfg.Engine,
		registry: cfg.Registry,
		gateway:  cfg.Gateway,
		presence: cfg.Presence,
		logger:   logger,
		onFatal:  cfg.OnFatal,
	}
	b.scheduler = NewScheduler(ctx, cfg.Workers, poolName, logger, b.handle)
	return b, nil
}

// Dispatch hands event to the worker pool. Events with the same key are handled in the
// order they were dispatched. A Ready event records the bot's own id before it is queued,
// so every message dispatched after it can recognize the bot as its author.
func (b *Bot) Dispatch(ctx context.Context, event gateway.Event) error {
	if ready, ok := event.(gateway.Ready); ok && ready.SelfID != "" {
		b.engine.SetSelf(ready.SelfID)
	}
	return b.scheduler.AddWork(ctx, event)
}

// Shutdown drains the worker pool.
func (b *Bot) Shutdown() {
	b.scheduler.Shutdown()
}

func (b *Bot) handle(ctx context.Context, event gateway.Event) error {
	eventType, err := b.route(ctx, event)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if store.IsFatal(err) {
			b.fatal(err)
		}
	}
	eventsHandled.WithLabelValues(eventType, outcome).Inc()
	return err
}

func (b *Bot) route(ctx context.Context, event gateway.Event) (string, error) {
	switch typed := event.(type) {
	case gateway.MessageCreated:
		_, err := b.engine.HandleMessage(ctx, typed)
		return "message", err
	case gateway.MessageDeleted:
		return "message_deleted", b.engine.HandleMessageDeleted(ctx, typed)
	case gateway.ReactionAdded:
		return "reaction", b.engine.HandleReactionAdded(ctx, typed)
	case gateway.Ready:
		return "ready", b.handleReady(ctx, typed)
	case gateway.CommandInvoked:
		return "command", b.handleCommand(ctx, typed)
	default:
		return "unknown", fmt.Errorf("bot: unsupported event %T", event)
	}
}

func (b *Bot) handleReady(ctx context.Context, ready gateway.Ready) error {
	b.logger.Info("session ready", zap.String("self_id", ready.SelfID), zap.String("self", ready.SelfName), zap.Int("guilds", len(ready.GuildIDs)))
	if b.presence != nil {
		current := b.presence.Current()
		if err := b.gateway.SetPresence(ctx, gateway.PresenceKind(current.Kind), current.Text); err != nil {
			b.logger.Warn("presence not applied", zap.Error(err))
		}
	}
	_, err := b.engine.SyncMembers(ctx, b.gateway, ready.GuildIDs)
	return err
}

func (b *Bot) handleCommand(ctx context.Context, invocation gateway.CommandInvoked) error {
	response, dispatchErr := b.registry.Dispatch(ctx, invocation)
	if err := b.gateway.RespondToCommand(ctx, invocation.Ref, response.Text, response.Ephemeral); err != nil {
		b.logger.Warn("command response not delivered", zap.String("command", invocation.Name), zap.Error(err))
	}
	return dispatchErr
}

func (b *Bot) fatal(err error) {
	b.fatalOnce.Do(func() {
		b.logger.Error("store unavailable, shutting down", zap.Error(err))
		if b.onFatal != nil {
			b.onFatal(err)
		}
	})
}
