package commands

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gifguard/internal/audit"
	"github.com/MarcoPoloResearchLab/gifguard/internal/config"
	"github.com/MarcoPoloResearchLab/gifguard/internal/gateway"
	"github.com/MarcoPoloResearchLab/gifguard/internal/gateway/gatewaytest"
	"github.com/MarcoPoloResearchLab/gifguard/internal/store"
	"github.com/MarcoPoloResearchLab/gifguard/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	owner  = "1"
	admin  = "2"
	member = "3"
	other  = "4"
)

type staticAuth struct{}

func (staticAuth) IsOwner(userID string) bool { return userID == owner }

func (a staticAuth) IsAdmin(userID string, hasAdminRole bool) bool {
	return hasAdminRole || a.IsOwner(userID)
}

type fakeAudits struct {
	started   []audit.Kind
	startErr  error
	cancelled int
}

func (f *fakeAudits) Start(kind audit.Kind, invokerID, channelID string) (audit.Job, error) {
	if f.startErr != nil {
		return audit.Job{}, f.startErr
	}
	f.started = append(f.started, kind)
	return audit.Job{ID: "job-1", Kind: kind, InvokerID: invokerID, ChannelID: channelID, State: audit.StateRunning}, nil
}

func (f *fakeAudits) CancelAll() int {
	return f.cancelled
}

type harness struct {
	registry *Registry
	store    *store.Store
	gateway  *gatewaytest.Fake
	audits   *fakeAudits
	presence *config.PresenceStore
}

func newHarness(t *testing.T) harness {
	t.Helper()
	h := harness{
		registry: NewRegistry(nil),
		store:    storetest.New(t),
		gateway:  gatewaytest.New(),
		audits:   &fakeAudits{},
		presence: config.NewPresenceStore(nil, config.Presence{Kind: "playing", Text: "default"}),
	}
	err := RegisterDefaults(h.registry, HandlersConfig{
		Store:    h.store,
		Auth:     staticAuth{},
		Audits:   h.audits,
		Presence: h.presence,
		Client:   h.gateway,
		Clock:    func() time.Time { return time.Unix(1700000000, int64(42*time.Millisecond)) },
	})
	require.NoError(t, err)
	return h
}

func (h harness) run(t *testing.T, name, invoker string, options map[string]string) Response {
	t.Helper()
	response, err := h.registry.Dispatch(context.Background(), gateway.CommandInvoked{
		Ref:          gateway.CommandRef{ID: "i-1", Token: "tok"},
		Name:         name,
		Options:      options,
		ChannelID:    "c1",
		InvokerID:    invoker,
		InvokerName:  "user-" + invoker,
		InvokerAdmin: invoker == admin,
		ReceivedAt:   time.Unix(1700000000, 0),
	})
	require.NoError(t, err)
	return response
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	registry := NewRegistry(nil)
	handler := func(context.Context, Request) (Response, error) { return Response{}, nil }
	require.NoError(t, registry.Register(Definition{Group: "media", Name: "ban", Handler: handler}))
	require.Error(t, registry.Register(Definition{Group: "media", Name: "ban", Handler: handler}))
	require.Error(t, registry.Register(Definition{Name: "nohandler"}))

	definition, ok := registry.Lookup("media ban")
	require.True(t, ok)
	assert.Equal(t, "media ban", definition.FullName())
}

func TestDefinitionsAreSortedAndComplete(t *testing.T) {
	h := newHarness(t)
	names := make([]string, 0)
	for _, definition := range h.registry.Definitions() {
		names = append(names, definition.FullName())
	}
	assert.Equal(t, []string{
		"audit cancel", "audit messages", "audit usernames",
		"filter addexception", "filter removeexception", "filter toggle",
		"leaderboard", "media ban", "media unban", "messagecount", "ping",
		"reactions add", "reactions list", "reactions remove", "status",
	}, names)
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t)
	response := h.run(t, "does not exist", member, nil)
	assert.True(t, response.Ephemeral)
}

func TestPingReportsLatency(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, "Latency is 42ms", h.run(t, "ping", member, nil).Text)
}

func TestMediaBanRequiresAdmin(t *testing.T) {
	h := newHarness(t)
	response := h.run(t, "media ban", member, map[string]string{"link": "https://x/y.gif"})
	assert.Equal(t, Response{Text: notAdminMessage, Ephemeral: true}, response)

	banned, err := h.store.IsMediaBanned(context.Background(), "https://x/y.gif")
	require.NoError(t, err)
	assert.False(t, banned)
}

func TestMediaBanAndUnban(t *testing.T) {
	h := newHarness(t)
	link := map[string]string{"link": "https://x/y.gif"}

	assert.Equal(t, "Gif banned!", h.run(t, "media ban", admin, link).Text)
	assert.Equal(t, "This gif is already banned!", h.run(t, "media ban", owner, link).Text)

	entry, err := h.store.FindBannedMedia(context.Background(), "https://x/y.gif")
	require.NoError(t, err)
	assert.Equal(t, admin, entry.BannedBy)
	assert.Equal(t, "No reason given", entry.Reason)

	assert.Equal(t, "Gif unbanned!", h.run(t, "media unban", admin, link).Text)
	assert.Equal(t, "This gif is not banned!", h.run(t, "media unban", admin, link).Text)
}

func TestWhitelistCommands(t *testing.T) {
	h := newHarness(t)
	link := map[string]string{"link": "https://tenor.com/view/ok"}

	assert.Equal(t, "Gif whitelisted!", h.run(t, "filter addexception", admin, link).Text)
	assert.Equal(t, "This gif is already whitelisted!", h.run(t, "filter addexception", admin, link).Text)
	assert.Equal(t, "Gif unwhitelisted!", h.run(t, "filter removeexception", admin, link).Text)
	assert.Equal(t, "This gif is not whitelisted!", h.run(t, "filter removeexception", admin, link).Text)
	assert.Equal(t, notAdminMessage, h.run(t, "filter addexception", member, link).Text)
}

func TestFilterToggle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.Equal(t, "Filter toggled for <@3>! It is now `true`", h.run(t, "filter toggle", member, nil).Text)
	user, err := h.store.GetUser(ctx, member)
	require.NoError(t, err)
	assert.True(t, user.FilterOptIn)

	denied := h.run(t, "filter toggle", member, map[string]string{"user": other})
	assert.Equal(t, Response{Text: notAdminMessage, Ephemeral: true}, denied)

	h.run(t, "filter toggle", admin, map[string]string{"user": member})
	user, err = h.store.GetUser(ctx, member)
	require.NoError(t, err)
	assert.False(t, user.FilterOptIn)
}

func TestStatusRejectsUnknownKindBeforeMutation(t *testing.T) {
	h := newHarness(t)

	response := h.run(t, "status", admin, map[string]string{"type": "dancing", "status": "around"})
	assert.True(t, response.Ephemeral)
	assert.Contains(t, response.Text, "Invalid status type")
	assert.Equal(t, config.Presence{Kind: "playing", Text: "default"}, h.presence.Current())
	assert.Empty(t, h.gateway.Presence())

	response = h.run(t, "status", admin, map[string]string{"type": "Watching", "status": "the chat"})
	assert.Equal(t, "Status set to Watching the chat!", response.Text)
	assert.Equal(t, config.Presence{Kind: "watching", Text: "the chat"}, h.presence.Current())
	assert.Equal(t, []string{"watching the chat"}, h.gateway.Presence())
}

func TestReactionCommands(t *testing.T) {
	h := newHarness(t)
	options := map[string]string{"user": member, "reaction": "🔥"}

	assert.Equal(t, notAdminMessage, h.run(t, "reactions add", member, options).Text)
	assert.Equal(t, "Added reaction 🔥 to user <@3>!", h.run(t, "reactions add", admin, options).Text)
	assert.Equal(t, "Reactions for user <@3> are 🔥", h.run(t, "reactions list", member, map[string]string{"user": member}).Text)
	assert.Equal(t, notAdminMessage, h.run(t, "reactions list", other, map[string]string{"user": member}).Text)
	assert.Equal(t, "Removed reaction 🔥 from user <@3>!", h.run(t, "reactions remove", member, options).Text)
	assert.Equal(t, "User <@3> does not have reaction 🔥!", h.run(t, "reactions remove", member, options).Text)
	assert.Equal(t, "No reactions found for user <@3>!", h.run(t, "reactions list", admin, map[string]string{"user": member}).Text)
}

func TestMessageCountAndLeaderboard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for id, sent := range map[string]uint64{member: 5, other: 9} {
		_, err := h.store.UpsertUser(ctx, id, "user-"+id)
		require.NoError(t, err)
		require.NoError(t, h.store.SetMessagesSent(ctx, id, sent))
	}

	assert.Equal(t, "User <@3> has sent 5 messages! (rank #2)", h.run(t, "messagecount", other, map[string]string{"user": member}).Text)
	assert.Equal(t, "User <@3> has deleted 0 messages! (rank #1)", h.run(t, "messagecount", other, map[string]string{"user": member, "type": "deleted"}).Text)
	assert.Equal(t, "User <@99> does not exist!", h.run(t, "messagecount", other, map[string]string{"user": "99"}).Text)
	invalid := h.run(t, "messagecount", other, map[string]string{"user": member, "type": "edited"})
	assert.Equal(t, Response{Text: "Invalid message count type!", Ephemeral: true}, invalid)

	board := h.run(t, "leaderboard", member, map[string]string{"count": "1"})
	assert.Equal(t, "Top 1 by messages sent:\n1. user-4: 9 messages", board.Text)
	assert.True(t, h.run(t, "leaderboard", member, map[string]string{"count": "many"}).Ephemeral)
}

func TestClampLeaderboardSize(t *testing.T) {
	assert.Equal(t, 1, ClampLeaderboardSize(0))
	assert.Equal(t, 10, ClampLeaderboardSize(10))
	assert.Equal(t, 25, ClampLeaderboardSize(100))
}

func TestAuditCommandsAreOwnerOnly(t *testing.T) {
	h := newHarness(t)

	response := h.run(t, "audit messages", admin, nil)
	assert.Equal(t, Response{Text: notOwnerMessage, Ephemeral: true}, response)
	assert.Empty(t, h.audits.started)

	response = h.run(t, "audit messages", owner, nil)
	assert.Contains(t, response.Text, "Auditing message count")
	assert.Contains(t, response.Text, "job-1")
	response = h.run(t, "audit usernames", owner, nil)
	assert.Contains(t, response.Text, "Auditing usernames")
	assert.Equal(t, []audit.Kind{audit.KindMessages, audit.KindDisplayNames}, h.audits.started)

	h.audits.startErr = audit.ErrConflict
	assert.Equal(t, "That audit is already running.", h.run(t, "audit messages", owner, nil).Text)

	assert.Equal(t, "No audits are running.", h.run(t, "audit cancel", owner, nil).Text)
	h.audits.cancelled = 2
	assert.Equal(t, "Cancelling 2 running audit(s).", h.run(t, "audit cancel", owner, nil).Text)
}

func TestDispatchPropagatesFatalStoreErrors(t *testing.T) {
	registry := NewRegistry(nil)
	fatal := errors.Join(store.ErrUnavailable, errors.New("connection refused"))
	require.NoError(t, registry.Register(Definition{Name: "boom", Handler: func(context.Context, Request) (Response, error) {
		return Response{}, fatal
	}}))
	require.NoError(t, registry.Register(Definition{Name: "oops", Handler: func(context.Context, Request) (Response, error) {
		return Response{}, errors.New("unexpected")
	}}))

	_, err := registry.Dispatch(context.Background(), gateway.CommandInvoked{Name: "boom"})
	require.ErrorIs(t, err, store.ErrUnavailable)

	response, err := registry.Dispatch(context.Background(), gateway.CommandInvoked{Name: "oops"})
	require.NoError(t, err)
	assert.Equal(t, Response{Text: "Exception in slash command oops.", Ephemeral: true}, response)
}
