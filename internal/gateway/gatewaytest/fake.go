// Package gatewaytest provides a scripted in-memory gateway for tests.
package gatewaytest

import (
	"context"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/gifguard/internal/gateway"
)

// Deletion records a DeleteMessage call that succeeded.
type Deletion struct {
	ChannelID string
	MessageID string
	Reason    string
}

// Sent records a SendMessage call.
type Sent struct {
	ChannelID string
	Text      string
}

// Reaction records a successful AttachReaction call.
type Reaction struct {
	MessageID string
	Emoji     string
}

// Response records a RespondToCommand call.
type Response struct {
	Ref       gateway.CommandRef
	Text      string
	Ephemeral bool
}

// Fake is a gateway.Gateway whose platform state is set up by the test.
type Fake struct {
	mu sync.Mutex

	GuildList      []gateway.Guild
	ChannelList    map[string][]gateway.Channel
	Messages       map[string][]gateway.HistoryMessage
	ChannelErrors  map[string]error
	MemberList     map[string][]gateway.Member
	MemberErrors   map[string]error
	Users          map[string]gateway.Member
	ReactionErrors map[string]error
	SendError      error

	deleted     map[string]bool
	deletions   []Deletion
	sent        []Sent
	reactions   []Reaction
	responses   []Response
	presence    []string
	historyHits int
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		ChannelList:    map[string][]gateway.Channel{},
		Messages:       map[string][]gateway.HistoryMessage{},
		ChannelErrors:  map[string]error{},
		MemberList:     map[string][]gateway.Member{},
		MemberErrors:   map[string]error{},
		Users:          map[string]gateway.Member{},
		ReactionErrors: map[string]error{},
		deleted:        map[string]bool{},
	}
}

func (f *Fake) DeleteMessage(_ context.Context, channelID, messageID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleted[messageID] {
		return gateway.ErrNotFound
	}
	f.deleted[messageID] = true
	f.deletions = append(f.deletions, Deletion{ChannelID: channelID, MessageID: messageID, Reason: reason})
	return nil
}

func (f *Fake) SendMessage(_ context.Context, channelID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendError != nil {
		return f.SendError
	}
	f.sent = append(f.sent, Sent{ChannelID: channelID, Text: text})
	return nil
}

func (f *Fake) AttachReaction(_ context.Context, _, messageID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ReactionErrors[emoji]; err != nil {
		return err
	}
	if f.deleted[messageID] {
		return gateway.ErrNotFound
	}
	f.reactions = append(f.reactions, Reaction{MessageID: messageID, Emoji: emoji})
	return nil
}

func (f *Fake) RespondToCommand(_ context.Context, ref gateway.CommandRef, text string, ephemeral bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, Response{Ref: ref, Text: text, Ephemeral: ephemeral})
	return nil
}

func (f *Fake) SetPresence(_ context.Context, kind gateway.PresenceKind, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence = append(f.presence, string(kind)+" "+text)
	return nil
}

func (f *Fake) Guilds(context.Context) ([]gateway.Guild, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.Guild(nil), f.GuildList...), nil
}

func (f *Fake) Channels(_ context.Context, guildID string) ([]gateway.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.Channel(nil), f.ChannelList[guildID]...), nil
}

// History serves Messages[channelID], which the test lists newest first.
func (f *Fake) History(_ context.Context, channelID, before string, limit int) ([]gateway.HistoryMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyHits++
	if err := f.ChannelErrors[channelID]; err != nil {
		return nil, err
	}
	messages := f.Messages[channelID]
	start := 0
	if before != "" {
		start = len(messages)
		for i, message := range messages {
			if message.ID == before {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	if end > len(messages) {
		end = len(messages)
	}
	return append([]gateway.HistoryMessage(nil), messages[start:end]...), nil
}

func (f *Fake) Members(_ context.Context, guildID, after string, limit int) ([]gateway.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.MemberErrors[guildID]; err != nil {
		return nil, err
	}
	members := append([]gateway.Member(nil), f.MemberList[guildID]...)
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	page := make([]gateway.Member, 0, limit)
	for _, member := range members {
		if member.ID <= after {
			continue
		}
		if len(page) == limit {
			break
		}
		page = append(page, member)
	}
	return page, nil
}

func (f *Fake) ResolveUser(_ context.Context, userID string) (gateway.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	member, ok := f.Users[userID]
	if !ok {
		return gateway.Member{}, gateway.ErrNotFound
	}
	return member, nil
}

// MarkDeleted makes later deletes and reactions for messageID fail with ErrNotFound.
func (f *Fake) MarkDeleted(messageID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted[messageID] = true
}

func (f *Fake) Deletions() []Deletion {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Deletion(nil), f.deletions...)
}

func (f *Fake) SentMessages() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sent...)
}

func (f *Fake) Reactions() []Reaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Reaction(nil), f.reactions...)
}

func (f *Fake) Responses() []Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Response(nil), f.responses...)
}

func (f *Fake) Presence() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.presence...)
}

// HistoryCalls counts History requests, including failed ones.
func (f *Fake) HistoryCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.historyHits
}

var _ gateway.Gateway = (*Fake)(nil)
