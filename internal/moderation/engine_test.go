package moderation

import (
	"context"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/gifguard/internal/gateway"
	"github.com/MarcoPoloResearchLab/gifguard/internal/gateway/gatewaytest"
	"github.com/MarcoPoloResearchLab/gifguard/internal/store"
	"github.com/MarcoPoloResearchLab/gifguard/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ownerID    = "1"
	botID      = "999"
	userA      = "100"
	userB      = "200"
	channelID  = "c1"
	tenorView  = "https://tenor.com/view/"
	tenorShare = "check this out https://tenor.com/view/abc"
)

type recordingPublisher struct {
	mu        sync.Mutex
	decisions []Decision
}

func (p *recordingPublisher) Publish(decision Decision) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decisions = append(p.decisions, decision)
}

func (p *recordingPublisher) published() []Decision {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Decision(nil), p.decisions...)
}

type fixture struct {
	engine    *Engine
	store     *store.Store
	gateway   *gatewaytest.Fake
	publisher *recordingPublisher
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	moderationStore := storetest.New(t)
	fake := gatewaytest.New()
	publisher := &recordingPublisher{}
	engine, err := NewEngine(Config{
		Store:       moderationStore,
		Client:      fake,
		OwnerIDs:    []string{ownerID},
		Classifiers: []string{tenorView, "https://media.discordapp.net/attachments/"},
		Publisher:   publisher,
	})
	require.NoError(t, err)
	engine.SetSelf(botID)
	return fixture{engine: engine, store: moderationStore, gateway: fake, publisher: publisher}
}

func message(id, author, body string) gateway.MessageCreated {
	return gateway.MessageCreated{ID: id, ChannelID: channelID, GuildID: "g1", AuthorID: author, AuthorName: "user-" + author, Body: body}
}

func reply(id, author, body, parentID, parentAuthor string) gateway.MessageCreated {
	msg := message(id, author, body)
	msg.Parent = &gateway.ParentMessage{ID: parentID, AuthorID: parentAuthor}
	return msg
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	_, err := NewEngine(Config{Client: gatewaytest.New()})
	require.Error(t, err)
	_, err = NewEngine(Config{Store: storetest.New(t)})
	require.Error(t, err)
}

func TestReplyToFilteredUserIsDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.UpsertUser(ctx, userA, "alice")
	require.NoError(t, err)
	require.NoError(t, f.store.SetFilterOptIn(ctx, userA, true))

	original, err := f.engine.HandleMessage(ctx, message("m1", userA, tenorShare))
	require.NoError(t, err)
	assert.Equal(t, ActionAllowed, original.Action)

	decision, err := f.engine.HandleMessage(ctx, reply("m2", userB, tenorShare, "m1", userA))
	require.NoError(t, err)
	assert.Equal(t, ActionDeleted, decision.Action)
	assert.Equal(t, ReasonReplyFilter, decision.Reason)
	assert.True(t, decision.Noticed)

	deletions := f.gateway.Deletions()
	require.Len(t, deletions, 1)
	assert.Equal(t, "m2", deletions[0].MessageID)
	sent := f.gateway.SentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, gatewaytest.Sent{ChannelID: channelID, Text: "<@200> no."}, sent[0])

	user, err := f.store.GetUser(ctx, userB)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), user.MessagesSent)
}

func TestWhitelistedReplyIsKept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exact := "https://tenor.com/view/approved"

	_, err := f.store.UpsertUser(ctx, userA, "alice")
	require.NoError(t, err)
	require.NoError(t, f.store.SetFilterOptIn(ctx, userA, true))
	_, err = f.store.AddWhitelistedMedia(ctx, exact, userA)
	require.NoError(t, err)

	decision, err := f.engine.HandleMessage(ctx, reply("m2", userB, exact, "m1", userA))
	require.NoError(t, err)
	assert.Equal(t, ActionAllowed, decision.Action)

	decision, err = f.engine.HandleMessage(ctx, reply("m3", userB, "lol "+exact, "m1", userA))
	require.NoError(t, err)
	assert.Equal(t, ActionDeleted, decision.Action, "only an exact whitelisted body is exempt")
}

func TestReplyFilterExemptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.UpsertUser(ctx, userA, "alice")
	require.NoError(t, err)
	require.NoError(t, f.store.SetFilterOptIn(ctx, userA, true))

	admin := reply("m2", userB, tenorShare, "m1", userA)
	admin.AuthorIsAdmin = true
	decision, err := f.engine.HandleMessage(ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, ActionAllowed, decision.Action)

	system := reply("m3", userB, tenorShare, "m1", userA)
	system.System = true
	decision, err = f.engine.HandleMessage(ctx, system)
	require.NoError(t, err)
	assert.Equal(t, ActionAllowed, decision.Action)

	plain := reply("m4", userB, "no media here", "m1", userA)
	decision, err = f.engine.HandleMessage(ctx, plain)
	require.NoError(t, err)
	assert.Equal(t, ActionAllowed, decision.Action)

	unknownParent := reply("m5", userB, tenorShare, "m0", "never-seen")
	decision, err = f.engine.HandleMessage(ctx, unknownParent)
	require.NoError(t, err)
	assert.Equal(t, ActionAllowed, decision.Action)

	assert.Empty(t, f.gateway.Deletions())
}

func TestBannedMediaDeletedAndReplaySafe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	url := "https://cdn.example/bad.gif"
	_, err := f.store.UpsertUser(ctx, ownerID, "owner")
	require.NoError(t, err)
	_, err = f.store.AddBannedMedia(ctx, url, "spam", ownerID)
	require.NoError(t, err)

	event := message("m1", userB, "see "+url+" now")
	decision, err := f.engine.HandleMessage(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, ActionDeleted, decision.Action)
	assert.Equal(t, ReasonBannedMedia, decision.Reason)
	require.Len(t, f.gateway.Deletions(), 1)
	assert.Equal(t, bannedMediaDeleteReason, f.gateway.Deletions()[0].Reason)

	replayed, err := f.engine.HandleMessage(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, ActionDeleted, replayed.Action)
	assert.Len(t, f.gateway.Deletions(), 1)
}

func TestOwnerMayPostBannedMedia(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	url := "https://cdn.example/bad.gif"
	_, err := f.store.UpsertUser(ctx, ownerID, "owner")
	require.NoError(t, err)
	_, err = f.store.AddBannedMedia(ctx, url, "", ownerID)
	require.NoError(t, err)

	decision, err := f.engine.HandleMessage(ctx, message("m1", ownerID, url))
	require.NoError(t, err)
	assert.Equal(t, ActionAllowed, decision.Action)
	assert.Empty(t, f.gateway.Deletions())
}

func TestOwnMessagesAreCountedThenIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	decision, err := f.engine.HandleMessage(ctx, message("m1", botID, "hello"))
	require.NoError(t, err)
	assert.Equal(t, ActionIgnored, decision.Action)

	user, err := f.store.GetUser(ctx, botID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), user.MessagesSent)
	assert.Empty(t, f.publisher.published())
}

func TestReactionFanOutContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.UpsertUser(ctx, ownerID, "owner")
	require.NoError(t, err)
	for _, reaction := range []string{"🔥", "🚫", "👍"} {
		_, err := f.store.AddReaction(ctx, reaction, ownerID, userA)
		require.NoError(t, err)
	}
	f.gateway.ReactionErrors["🚫"] = gateway.ErrForbidden

	decision, err := f.engine.HandleMessage(ctx, message("m1", userA, "hi"))
	require.NoError(t, err)
	assert.Equal(t, []string{"🔥", "👍"}, decision.Reactions)
	assert.Equal(t, []string{"🚫"}, decision.FailedReactions)
	assert.Len(t, f.gateway.Reactions(), 2)
	require.Len(t, f.publisher.published(), 1)
}

func TestMessageDeletedOnlyRecordsAuthorByDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.UpsertUser(ctx, userB, "bob")
	require.NoError(t, err)

	require.NoError(t, f.engine.HandleMessageDeleted(ctx, gateway.MessageDeleted{ID: "m1", ChannelID: channelID}))
	require.NoError(t, f.engine.HandleMessageDeleted(ctx, gateway.MessageDeleted{ID: "m2", ChannelID: channelID, AuthorID: userA, AuthorName: "alice"}))
	require.NoError(t, f.engine.HandleMessageDeleted(ctx, gateway.MessageDeleted{ID: "m3", ChannelID: channelID, AuthorID: userB, AuthorName: "bob"}))

	created, err := f.store.GetUser(ctx, userA)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), created.MessagesDeleted)
	assert.Equal(t, uint64(0), created.MessagesSent)

	known, err := f.store.GetUser(ctx, userB)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), known.MessagesDeleted)
}

func TestMessageDeletedCountsWhenEnabled(t *testing.T) {
	moderationStore := storetest.New(t)
	engine, err := NewEngine(Config{Store: moderationStore, Client: gatewaytest.New(), CountDeletions: true})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, engine.HandleMessageDeleted(ctx, gateway.MessageDeleted{ID: "m1", ChannelID: channelID}))
	require.NoError(t, engine.HandleMessageDeleted(ctx, gateway.MessageDeleted{ID: "m2", ChannelID: channelID, AuthorID: userA, AuthorName: "alice"}))

	user, err := moderationStore.GetUser(ctx, userA)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), user.MessagesDeleted)
}

func TestReactionAddedCreatesUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.HandleReactionAdded(ctx, gateway.ReactionAdded{Emoji: "👍", UserID: userB, UserName: "bob", MessageID: "m1"}))
	exists, err := f.store.Exists(ctx, userB)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSyncMembersSkipsUnreadableGuilds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.MemberList["g1"] = []gateway.Member{{ID: userA, Name: "alice"}, {ID: userB, Name: "bob"}}
	f.gateway.MemberErrors["g2"] = gateway.ErrForbidden

	created, err := f.engine.SyncMembers(ctx, f.gateway, []string{"g1", "g2"})
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	created, err = f.engine.SyncMembers(ctx, f.gateway, []string{"g1"})
	require.NoError(t, err)
	assert.Equal(t, 0, created)
}

func TestIsAdminIncludesOwners(t *testing.T) {
	f := newFixture(t)
	assert.True(t, f.engine.IsAdmin(ownerID, false))
	assert.True(t, f.engine.IsAdmin(userA, true))
	assert.False(t, f.engine.IsAdmin(userA, false))
	assert.True(t, f.engine.IsOwner(ownerID))
	assert.False(t, f.engine.IsOwner(userA))
}
