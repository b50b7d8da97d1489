// Package discord adapts a discordgo session to the gateway interfaces.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/gifguard/internal/commands"
	"github.com/MarcoPoloResearchLab/gifguard/internal/gateway"
	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const (
	defaultMessageCacheSize = 1000
	intents                 = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsMessageContent
)

// Sink receives normalized events in the order the gateway delivers them.
type Sink func(ctx context.Context, event gateway.Event) error

// Config wires a Client.
type Config struct {
	Token string
	// GuildID scopes command registration to one guild; empty registers globally.
	GuildID          string
	Registry         *commands.Registry
	Logger           *zap.Logger
	MessageCacheSize int
}

// Client is a gateway.Gateway backed by a discordgo session.
type Client struct {
	session  *discordgo.Session
	guildID  string
	registry *commands.Registry
	logger   *zap.Logger
}

// New creates a session without connecting it.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("discord: token is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cacheSize := cfg.MessageCacheSize
	if cacheSize <= 0 {
		cacheSize = defaultMessageCacheSize
	}
	session.Identify.Intents = intents
	session.StateEnabled = true
	session.State.MaxMessageCount = cacheSize
	session.SyncEvents = true
	return &Client{session: session, guildID: cfg.GuildID, registry: cfg.Registry, logger: logger}, nil
}

// Run connects, forwards events to sink until ctx ends, then closes the session.
func (c *Client) Run(ctx context.Context, sink Sink) error {
	forward := func(event gateway.Event) {
		if err := sink(ctx, event); err != nil {
			c.logger.Warn("event not dispatched", zap.String("key", event.Key()), zap.Error(err))
		}
	}

	removers := []func(){
		c.session.AddHandler(func(s *discordgo.Session, ready *discordgo.Ready) {
			c.registerCommands(ctx, ready.User.ID)
			forward(readyEvent(ready))
		}),
		c.session.AddHandler(func(s *discordgo.Session, created *discordgo.MessageCreate) {
			if event, ok := c.messageCreated(created); ok {
				forward(event)
			}
		}),
		c.session.AddHandler(func(s *discordgo.Session, deleted *discordgo.MessageDelete) {
			forward(messageDeleted(deleted))
		}),
		c.session.AddHandler(func(s *discordgo.Session, added *discordgo.MessageReactionAdd) {
			forward(reactionAdded(added))
		}),
		c.session.AddHandler(func(s *discordgo.Session, interaction *discordgo.InteractionCreate) {
			if event, ok := commandInvoked(interaction); ok {
				forward(event)
			}
		}),
	}
	defer func() {
		for _, remove := range removers {
			remove()
		}
	}()

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	c.logger.Info("discord session opened")
	<-ctx.Done()
	c.logger.Info("closing discord session")
	return c.session.Close()
}

func (c *Client) registerCommands(ctx context.Context, applicationID string) {
	if c.registry == nil {
		return
	}
	definitions := applicationCommands(c.registry.Definitions())
	registered, err := c.session.ApplicationCommandBulkOverwrite(applicationID, c.guildID, definitions, discordgo.WithContext(ctx))
	if err != nil {
		c.logger.Error("command registration failed", zap.Error(err))
		return
	}
	c.logger.Info("commands registered", zap.Int("count", len(registered)), zap.String("guild_id", c.guildID))
}

func (c *Client) messageCreated(created *discordgo.MessageCreate) (gateway.MessageCreated, bool) {
	if created.Message == nil || created.Author == nil {
		return gateway.MessageCreated{}, false
	}
	event := messageEvent(created.Message)
	if created.GuildID != "" {
		permissions, err := c.session.State.UserChannelPermissions(created.Author.ID, created.ChannelID)
		if err == nil {
			event.AuthorIsAdmin = permissions&discordgo.PermissionAdministrator != 0
		} else {
			c.logger.Debug("author permissions unavailable", zap.String("author_id", created.Author.ID), zap.Error(err))
		}
	}
	return event, true
}

// DeleteMessage removes a message with an audit log reason.
func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID, reason string) error {
	options := []discordgo.RequestOption{discordgo.WithContext(ctx)}
	if reason != "" {
		options = append(options, discordgo.WithAuditLogReason(reason))
	}
	return classify(c.session.ChannelMessageDelete(channelID, messageID, options...))
}

// SendMessage posts text to a channel.
func (c *Client) SendMessage(ctx context.Context, channelID, text string) error {
	_, err := c.session.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
	return classify(err)
}

// AttachReaction adds emoji to a message as the bot.
func (c *Client) AttachReaction(ctx context.Context, channelID, messageID, emoji string) error {
	return classify(c.session.MessageReactionAdd(channelID, messageID, emoji, discordgo.WithContext(ctx)))
}

// RespondToCommand answers an interaction.
func (c *Client) RespondToCommand(ctx context.Context, ref gateway.CommandRef, text string, ephemeral bool) error {
	return classify(c.session.InteractionRespond(
		&discordgo.Interaction{ID: ref.ID, Token: ref.Token},
		interactionResponse(text, ephemeral),
		discordgo.WithContext(ctx),
	))
}

// SetPresence updates the bot's activity line.
func (c *Client) SetPresence(_ context.Context, kind gateway.PresenceKind, text string) error {
	return c.session.UpdateStatusComplex(discordgo.UpdateStatusData{
		Status:     string(discordgo.StatusOnline),
		Activities: []*discordgo.Activity{{Name: text, Type: activityType(kind)}},
	})
}

// Guilds lists the guilds in the session state.
func (c *Client) Guilds(context.Context) ([]gateway.Guild, error) {
	c.session.State.RLock()
	defer c.session.State.RUnlock()
	guilds := make([]gateway.Guild, 0, len(c.session.State.Guilds))
	for _, guild := range c.session.State.Guilds {
		guilds = append(guilds, gateway.Guild{ID: guild.ID, Name: guild.Name})
	}
	return guilds, nil
}

// Channels lists the text channels of a guild.
func (c *Client) Channels(ctx context.Context, guildID string) ([]gateway.Channel, error) {
	channels, err := c.session.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err)
	}
	return textChannels(channels), nil
}

// History returns up to limit messages older than before.
func (c *Client) History(ctx context.Context, channelID, before string, limit int) ([]gateway.HistoryMessage, error) {
	messages, err := c.session.ChannelMessages(channelID, limit, before, "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err)
	}
	return historyPage(messages), nil
}

// Members lists guild members with ids greater than after.
func (c *Client) Members(ctx context.Context, guildID, after string, limit int) ([]gateway.Member, error) {
	members, err := c.session.GuildMembers(guildID, after, limit, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err)
	}
	result := make([]gateway.Member, 0, len(members))
	for _, member := range members {
		if member.User == nil {
			continue
		}
		result = append(result, gateway.Member{ID: member.User.ID, Name: member.User.Username, Bot: member.User.Bot})
	}
	return result, nil
}

// ResolveUser looks a user up by id.
func (c *Client) ResolveUser(ctx context.Context, userID string) (gateway.Member, error) {
	user, err := c.session.User(userID, discordgo.WithContext(ctx))
	if err != nil {
		return gateway.Member{}, classify(err)
	}
	return gateway.Member{ID: user.ID, Name: user.Username, Bot: user.Bot}, nil
}

// classify maps REST status codes onto the gateway error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusForbidden:
			return fmt.Errorf("%w: %w", gateway.ErrForbidden, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %w", gateway.ErrNotFound, err)
		}
	}
	return err
}

var _ gateway.Gateway = (*Client)(nil)
