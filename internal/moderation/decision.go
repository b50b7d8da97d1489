package moderation

import "time"

// Action is what the engine did with a message.
type Action string

const (
	ActionAllowed      Action = "allowed"
	ActionIgnored      Action = "ignored"
	ActionDeleted      Action = "deleted"
	ActionDeleteDenied Action = "delete_denied"
)

// Reason explains an Action.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonSelf        Reason = "self"
	ReasonBannedMedia Reason = "banned_media"
	ReasonReplyFilter Reason = "reply_filter"
)

// Decision is the outcome of one message's pipeline.
type Decision struct {
	MessageID       string    `json:"messageId"`
	GuildID         string    `json:"guildId,omitempty"`
	ChannelID       string    `json:"channelId"`
	AuthorID        string    `json:"authorId"`
	Action          Action    `json:"action"`
	Reason          Reason    `json:"reason,omitempty"`
	Noticed         bool      `json:"noticed"`
	Reactions       []string  `json:"reactions,omitempty"`
	FailedReactions []string  `json:"failedReactions,omitempty"`
	DecidedAt       time.Time `json:"decidedAt"`
}

// Deleted reports whether the message was removed by this decision.
func (d Decision) Deleted() bool {
	return d.Action == ActionDeleted
}
