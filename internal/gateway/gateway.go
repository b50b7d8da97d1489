// Package gateway describes the chat platform as seen by the moderation core: the
// normalized inbound events and the outbound calls the core may issue.
package gateway

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrForbidden reports that the platform denied the action.
	ErrForbidden = errors.New("gateway: forbidden")
	// ErrNotFound reports that the target message, channel or user no longer exists.
	ErrNotFound = errors.New("gateway: not found")
)

// PresenceKind is the verb shown in front of the bot's status text.
type PresenceKind string

const (
	PresencePlaying   PresenceKind = "playing"
	PresenceWatching  PresenceKind = "watching"
	PresenceListening PresenceKind = "listening"
	PresenceStreaming PresenceKind = "streaming"
)

// Event is any inbound gateway event. Key groups events that must be handled in order.
type Event interface {
	Key() string
}

// ParentMessage is the resolved message a reply points at.
type ParentMessage struct {
	ID       string
	AuthorID string
}

// MessageCreated is delivered for every new message the bot can see.
type MessageCreated struct {
	ID            string
	GuildID       string
	ChannelID     string
	AuthorID      string
	AuthorName    string
	AuthorIsAdmin bool
	Body          string
	System        bool
	Parent        *ParentMessage
	SentAt        time.Time
}

func (e MessageCreated) Key() string { return e.ID }

// MessageDeleted is delivered when a message is removed. AuthorID is empty when the
// platform no longer knows who wrote it.
type MessageDeleted struct {
	ID         string
	GuildID    string
	ChannelID  string
	AuthorID   string
	AuthorName string
}

func (e MessageDeleted) Key() string { return e.ID }

// ReactionAdded is delivered when a user reacts to a message.
type ReactionAdded struct {
	Emoji     string
	UserID    string
	UserName  string
	MessageID string
	ChannelID string
}

func (e ReactionAdded) Key() string { return e.MessageID }

// Ready is delivered once the session is established.
type Ready struct {
	SelfID   string
	SelfName string
	GuildIDs []string
}

func (Ready) Key() string { return "ready" }

// CommandRef identifies an interaction so it can be answered.
type CommandRef struct {
	ID    string
	Token string
}

// CommandInvoked is delivered for every slash command. Name is the full command path,
// for example "media ban".
type CommandInvoked struct {
	Ref          CommandRef
	Name         string
	Options      map[string]string
	GuildID      string
	ChannelID    string
	InvokerID    string
	InvokerName  string
	InvokerAdmin bool
	ReceivedAt   time.Time
}

func (e CommandInvoked) Key() string { return e.Ref.ID }

// Guild is a community the bot belongs to.
type Guild struct {
	ID   string
	Name string
}

// Channel is a message-bearing channel inside a guild.
type Channel struct {
	ID      string
	GuildID string
	Name    string
}

// Member is a user as the platform currently names them.
type Member struct {
	ID   string
	Name string
	Bot  bool
}

// HistoryMessage is one entry of a channel's message history. AuthorID is empty when the
// platform did not report an author.
type HistoryMessage struct {
	ID         string
	AuthorID   string
	AuthorName string
}

// Client issues outbound actions.
type Client interface {
	DeleteMessage(ctx context.Context, channelID, messageID, reason string) error
	SendMessage(ctx context.Context, channelID, text string) error
	AttachReaction(ctx context.Context, channelID, messageID, emoji string) error
	RespondToCommand(ctx context.Context, ref CommandRef, text string, ephemeral bool) error
	SetPresence(ctx context.Context, kind PresenceKind, text string) error
}

// History reads platform state for reconciliation. History returns messages older than
// before (newest first); an empty before starts at the latest message.
type History interface {
	Guilds(ctx context.Context) ([]Guild, error)
	Channels(ctx context.Context, guildID string) ([]Channel, error)
	History(ctx context.Context, channelID, before string, limit int) ([]HistoryMessage, error)
	Members(ctx context.Context, guildID, after string, limit int) ([]Member, error)
	ResolveUser(ctx context.Context, userID string) (Member, error)
}

// Gateway is the full platform surface.
type Gateway interface {
	Client
	History
}
