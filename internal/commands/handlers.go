package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gifguard/internal/audit"
	"github.com/MarcoPoloResearchLab/gifguard/internal/config"
	"github.com/MarcoPoloResearchLab/gifguard/internal/gateway"
	"github.com/MarcoPoloResearchLab/gifguard/internal/store"
	"go.uber.org/zap"
)

const (
	defaultLeaderboardSize = 10
	maxLeaderboardSize     = 25
	resolvedNameSuffix     = "#name"
)

// ResolvedNameKey is the option key under which a transport stores the display name of
// a user-typed option.
func ResolvedNameKey(option string) string {
	return option + resolvedNameSuffix
}

// Store is the subset of the moderation store commands use.
type Store interface {
	UpsertUser(ctx context.Context, userID, displayName string) (bool, error)
	GetUser(ctx context.Context, userID string) (store.User, error)
	SetFilterOptIn(ctx context.Context, userID string, optIn bool) error
	FindBannedMedia(ctx context.Context, url string) (store.BannedMedia, error)
	AddBannedMedia(ctx context.Context, url, reason, bannedBy string) (store.BannedMedia, error)
	RemoveBannedMedia(ctx context.Context, url string) error
	IsMediaWhitelisted(ctx context.Context, url string) (bool, error)
	AddWhitelistedMedia(ctx context.Context, url, addedBy string) (store.WhitelistedMedia, error)
	RemoveWhitelistedMedia(ctx context.Context, url string) error
	ListReactionsFor(ctx context.Context, userID string) ([]string, error)
	AddReaction(ctx context.Context, reaction, addedBy, appliesTo string) (store.ReactionSubscription, error)
	RemoveReaction(ctx context.Context, reaction, appliesTo string) error
	Top(ctx context.Context, counter store.Counter, limit int) ([]store.User, error)
	Rank(ctx context.Context, counter store.Counter, userID string) (int64, error)
}

// Authorizer answers role questions; *moderation.Engine satisfies it.
type Authorizer interface {
	IsAdmin(userID string, hasAdminRole bool) bool
	IsOwner(userID string) bool
}

// Audits accepts reconciliation jobs; *audit.Manager satisfies it.
type Audits interface {
	Start(kind audit.Kind, invokerID, channelID string) (audit.Job, error)
	CancelAll() int
}

// Presence records the bot's status line; *config.PresenceStore satisfies it.
type Presence interface {
	Set(kind, text string) error
}

// HandlersConfig wires the built-in command handlers.
type HandlersConfig struct {
	Store    Store
	Auth     Authorizer
	Audits   Audits
	Presence Presence
	Client   gateway.Client
	Logger   *zap.Logger
	Clock    func() time.Time
}

type handlers struct {
	store    Store
	auth     Authorizer
	audits   Audits
	presence Presence
	client   gateway.Client
	logger   *zap.Logger
	clock    func() time.Time
}

// RegisterDefaults registers every built-in command on registry.
func RegisterDefaults(registry *Registry, cfg HandlersConfig) error {
	if cfg.Store == nil || cfg.Auth == nil || cfg.Audits == nil || cfg.Presence == nil || cfg.Client == nil {
		return errors.New("commands: store, auth, audits, presence and client are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	h := &handlers{
		store:    cfg.Store,
		auth:     cfg.Auth,
		audits:   cfg.Audits,
		presence: cfg.Presence,
		client:   cfg.Client,
		logger:   logger,
		clock:    clock,
	}

	link := Option{Name: "link", Description: "The link to the gif", Type: OptionString, Required: true}
	user := Option{Name: "user", Description: "The user", Type: OptionUser, Required: true}
	counter := Option{Name: "type", Description: "The type of message count", Type: OptionString, Choices: []string{string(store.CounterSent), string(store.CounterDeleted)}}

	definitions := []Definition{
		{Name: "ping", Description: "Tests the bot's latency.", Handler: h.ping},
		{Group: "media", Name: "ban", Description: "Bans a gif", Handler: h.banMedia, Options: []Option{
			link,
			{Name: "reason", Description: "The reason for the ban", Type: OptionString},
		}},
		{Group: "media", Name: "unban", Description: "Unbans a gif", Handler: h.unbanMedia, Options: []Option{link}},
		{Group: "filter", Name: "addexception", Description: "Adds an exception to the gif filter", Handler: h.addException, Options: []Option{link}},
		{Group: "filter", Name: "removeexception", Description: "Removes an exception from the gif filter", Handler: h.removeException, Options: []Option{link}},
		{Group: "filter", Name: "toggle", Description: "Toggles filtering of gif replies to a user", Handler: h.toggleFilter, Options: []Option{
			{Name: "user", Description: "The user to toggle, defaults to you", Type: OptionUser},
		}},
		{Name: "status", Description: "Sets the bot's status", Handler: h.setStatus, Options: []Option{
			{Name: "type", Description: "The type of status to set", Type: OptionString, Required: true, Choices: config.PresenceKinds},
			{Name: "status", Description: "The status to set", Type: OptionString, Required: true},
		}},
		{Group: "reactions", Name: "add", Description: "Adds a reaction to all new messages from a user", Handler: h.addReaction, Options: []Option{
			user,
			{Name: "reaction", Description: "The reaction to add", Type: OptionString, Required: true},
		}},
		{Group: "reactions", Name: "remove", Description: "Removes a reaction from all new messages from a user", Handler: h.removeReaction, Options: []Option{
			user,
			{Name: "reaction", Description: "The reaction to remove", Type: OptionString, Required: true},
		}},
		{Group: "reactions", Name: "list", Description: "Lists all reactions for a user", Handler: h.listReactions, Options: []Option{user}},
		{Name: "messagecount", Description: "Gets the message count for a user", Handler: h.messageCount, Options: []Option{user, counter}},
		{Name: "leaderboard", Description: "Gets the messages leaderboard", Handler: h.leaderboard, Options: []Option{
			counter,
			{Name: "count", Description: "The number of users to list", Type: OptionInteger},
		}},
		{Group: "audit", Name: "messages", Description: "Audits message counts in all servers. Owner only.", Handler: h.startAudit(audit.KindMessages)},
		{Group: "audit", Name: "usernames", Description: "Audits usernames for all users. Owner only.", Handler: h.startAudit(audit.KindDisplayNames)},
		{Group: "audit", Name: "cancel", Description: "Cancels running audits. Owner only.", Handler: h.cancelAudits},
	}
	for _, definition := range definitions {
		if err := registry.Register(definition); err != nil {
			return err
		}
	}
	return nil
}

func (h *handlers) requireAdmin(request Request) error {
	if !h.auth.IsAdmin(request.InvokerID, request.InvokerAdmin) {
		return permissionDenied(notAdminMessage)
	}
	return nil
}

func (h *handlers) requireOwner(request Request) error {
	if !h.auth.IsOwner(request.InvokerID) {
		return permissionDenied(notOwnerMessage)
	}
	return nil
}

// requireSelfOrAdmin allows a user to act on their own settings.
func (h *handlers) requireSelfOrAdmin(request Request, targetID string) error {
	if targetID == request.InvokerID {
		return nil
	}
	return h.requireAdmin(request)
}

func (h *handlers) recordInvoker(ctx context.Context, request Request) error {
	_, err := h.store.UpsertUser(ctx, request.InvokerID, request.InvokerName)
	return err
}

func required(request Request, name string) (string, error) {
	value := request.String(name, "")
	if value == "" {
		return "", invalidArgument(fmt.Sprintf("The %s option is required.", name))
	}
	return value, nil
}

func mention(userID string) string {
	return "<@" + userID + ">"
}

func (h *handlers) ping(_ context.Context, request Request) (Response, error) {
	if request.ReceivedAt.IsZero() {
		return Response{Text: "Pong!"}, nil
	}
	latency := h.clock().Sub(request.ReceivedAt)
	if latency < 0 {
		latency = 0
	}
	return Response{Text: fmt.Sprintf("Latency is %dms", latency.Milliseconds())}, nil
}

func (h *handlers) banMedia(ctx context.Context, request Request) (Response, error) {
	if err := h.requireAdmin(request); err != nil {
		return Response{}, err
	}
	url, err := required(request, "link")
	if err != nil {
		return Response{}, err
	}
	if _, err := h.store.FindBannedMedia(ctx, url); err == nil {
		return Response{Text: "This gif is already banned!"}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Response{}, err
	}
	if err := h.recordInvoker(ctx, request); err != nil {
		return Response{}, err
	}
	if _, err := h.store.AddBannedMedia(ctx, url, request.String("reason", ""), request.InvokerID); err != nil {
		return Response{}, err
	}
	return Response{Text: "Gif banned!"}, nil
}

func (h *handlers) unbanMedia(ctx context.Context, request Request) (Response, error) {
	if err := h.requireAdmin(request); err != nil {
		return Response{}, err
	}
	url, err := required(request, "link")
	if err != nil {
		return Response{}, err
	}
	if _, err := h.store.FindBannedMedia(ctx, url); errors.Is(err, store.ErrNotFound) {
		return Response{Text: "This gif is not banned!"}, nil
	} else if err != nil {
		return Response{}, err
	}
	if err := h.store.RemoveBannedMedia(ctx, url); err != nil {
		return Response{}, err
	}
	return Response{Text: "Gif unbanned!"}, nil
}

func (h *handlers) addException(ctx context.Context, request Request) (Response, error) {
	if err := h.requireAdmin(request); err != nil {
		return Response{}, err
	}
	url, err := required(request, "link")
	if err != nil {
		return Response{}, err
	}
	whitelisted, err := h.store.IsMediaWhitelisted(ctx, url)
	if err != nil {
		return Response{}, err
	}
	if whitelisted {
		return Response{Text: "This gif is already whitelisted!"}, nil
	}
	if err := h.recordInvoker(ctx, request); err != nil {
		return Response{}, err
	}
	if _, err := h.store.AddWhitelistedMedia(ctx, url, request.InvokerID); err != nil {
		return Response{}, err
	}
	return Response{Text: "Gif whitelisted!"}, nil
}

func (h *handlers) removeException(ctx context.Context, request Request) (Response, error) {
	if err := h.requireAdmin(request); err != nil {
		return Response{}, err
	}
	url, err := required(request, "link")
	if err != nil {
		return Response{}, err
	}
	whitelisted, err := h.store.IsMediaWhitelisted(ctx, url)
	if err != nil {
		return Response{}, err
	}
	if !whitelisted {
		return Response{Text: "This gif is not whitelisted!"}, nil
	}
	if err := h.store.RemoveWhitelistedMedia(ctx, url); err != nil {
		return Response{}, err
	}
	return Response{Text: "Gif unwhitelisted!"}, nil
}

func (h *handlers) toggleFilter(ctx context.Context, request Request) (Response, error) {
	targetID := request.String("user", request.InvokerID)
	if err := h.requireSelfOrAdmin(request, targetID); err != nil {
		return Response{}, err
	}
	targetName := request.String(ResolvedNameKey("user"), "")
	if targetID == request.InvokerID {
		targetName = request.InvokerName
	}
	if _, err := h.store.UpsertUser(ctx, targetID, targetName); err != nil {
		return Response{}, err
	}
	user, err := h.store.GetUser(ctx, targetID)
	if err != nil {
		return Response{}, err
	}
	enabled := !user.FilterOptIn
	if err := h.store.SetFilterOptIn(ctx, targetID, enabled); err != nil {
		return Response{}, err
	}
	return Response{Text: fmt.Sprintf("Filter toggled for %s! It is now `%t`", mention(targetID), enabled)}, nil
}

func (h *handlers) setStatus(ctx context.Context, request Request) (Response, error) {
	if err := h.requireAdmin(request); err != nil {
		return Response{}, err
	}
	kind := strings.ToLower(request.String("type", ""))
	if !config.ValidPresenceKind(kind) {
		return Response{}, invalidArgument(fmt.Sprintf("Invalid status type! Use one of %s.", strings.Join(config.PresenceKinds, ", ")))
	}
	text, err := required(request, "status")
	if err != nil {
		return Response{}, err
	}
	if err := h.presence.Set(kind, text); err != nil {
		h.logger.Warn("presence not persisted", zap.Error(err))
	}
	if err := h.client.SetPresence(ctx, gateway.PresenceKind(kind), text); err != nil {
		return Response{}, err
	}
	return Response{Text: fmt.Sprintf("Status set to %s %s!", strings.ToUpper(kind[:1])+kind[1:], text)}, nil
}

func (h *handlers) addReaction(ctx context.Context, request Request) (Response, error) {
	if err := h.requireAdmin(request); err != nil {
		return Response{}, err
	}
	targetID, err := required(request, "user")
	if err != nil {
		return Response{}, err
	}
	reaction, err := required(request, "reaction")
	if err != nil {
		return Response{}, err
	}
	if err := h.recordInvoker(ctx, request); err != nil {
		return Response{}, err
	}
	if _, err := h.store.AddReaction(ctx, reaction, request.InvokerID, targetID); err != nil {
		return Response{}, err
	}
	return Response{Text: fmt.Sprintf("Added reaction %s to user %s!", reaction, mention(targetID))}, nil
}

func (h *handlers) removeReaction(ctx context.Context, request Request) (Response, error) {
	targetID, err := required(request, "user")
	if err != nil {
		return Response{}, err
	}
	if err := h.requireSelfOrAdmin(request, targetID); err != nil {
		return Response{}, err
	}
	reaction, err := required(request, "reaction")
	if err != nil {
		return Response{}, err
	}
	if err := h.store.RemoveReaction(ctx, reaction, targetID); errors.Is(err, store.ErrNotFound) {
		return Response{Text: fmt.Sprintf("User %s does not have reaction %s!", mention(targetID), reaction)}, nil
	} else if err != nil {
		return Response{}, err
	}
	return Response{Text: fmt.Sprintf("Removed reaction %s from user %s!", reaction, mention(targetID))}, nil
}

func (h *handlers) listReactions(ctx context.Context, request Request) (Response, error) {
	targetID, err := required(request, "user")
	if err != nil {
		return Response{}, err
	}
	if err := h.requireSelfOrAdmin(request, targetID); err != nil {
		return Response{}, err
	}
	reactions, err := h.store.ListReactionsFor(ctx, targetID)
	if err != nil {
		return Response{}, err
	}
	if len(reactions) == 0 {
		return Response{Text: fmt.Sprintf("No reactions found for user %s!", mention(targetID))}, nil
	}
	return Response{Text: fmt.Sprintf("Reactions for user %s are %s", mention(targetID), strings.Join(reactions, ", "))}, nil
}

func parseCounter(request Request) (store.Counter, error) {
	counter, ok := store.ParseCounter(request.String("type", ""))
	if !ok {
		return "", invalidArgument("Invalid message count type!")
	}
	return counter, nil
}

func (h *handlers) messageCount(ctx context.Context, request Request) (Response, error) {
	targetID, err := required(request, "user")
	if err != nil {
		return Response{}, err
	}
	counter, err := parseCounter(request)
	if err != nil {
		return Response{}, err
	}
	user, err := h.store.GetUser(ctx, targetID)
	if errors.Is(err, store.ErrNotFound) {
		return Response{Text: fmt.Sprintf("User %s does not exist!", mention(targetID))}, nil
	}
	if err != nil {
		return Response{}, err
	}
	rank, err := h.store.Rank(ctx, counter, targetID)
	if err != nil {
		return Response{}, err
	}
	return Response{Text: fmt.Sprintf("User %s has %s %d messages! (rank #%d)", mention(targetID), counter, counter.Value(user), rank)}, nil
}

func (h *handlers) leaderboard(ctx context.Context, request Request) (Response, error) {
	counter, err := parseCounter(request)
	if err != nil {
		return Response{}, err
	}
	size, err := request.Int("count", defaultLeaderboardSize)
	if err != nil {
		return Response{}, err
	}
	size = ClampLeaderboardSize(size)
	users, err := h.store.Top(ctx, counter, size)
	if err != nil {
		return Response{}, err
	}
	if len(users) == 0 {
		return Response{Text: "No users found!"}, nil
	}
	var builder strings.Builder
	fmt.Fprintf(&builder, "Top %d by messages %s:", len(users), counter)
	for i, user := range users {
		fmt.Fprintf(&builder, "\n%d. %s: %d messages", i+1, user.DisplayName, counter.Value(user))
	}
	return Response{Text: builder.String()}, nil
}

// ClampLeaderboardSize bounds a requested leaderboard length to 1..25.
func ClampLeaderboardSize(size int) int {
	if size < 1 {
		return 1
	}
	if size > maxLeaderboardSize {
		return maxLeaderboardSize
	}
	return size
}

func (h *handlers) startAudit(kind audit.Kind) HandlerFunc {
	return func(_ context.Context, request Request) (Response, error) {
		if err := h.requireOwner(request); err != nil {
			return Response{}, err
		}
		job, err := h.audits.Start(kind, request.InvokerID, request.ChannelID)
		if err != nil {
			return Response{}, err
		}
		subject := "message count for all servers"
		if kind == audit.KindDisplayNames {
			subject = "usernames for all users in all servers"
		}
		return Response{Text: fmt.Sprintf("Auditing %s. This may take a while. (job `%s`)", subject, job.ID)}, nil
	}
}

func (h *handlers) cancelAudits(_ context.Context, request Request) (Response, error) {
	if err := h.requireOwner(request); err != nil {
		return Response{}, err
	}
	cancelled := h.audits.CancelAll()
	if cancelled == 0 {
		return Response{Text: "No audits are running."}, nil
	}
	return Response{Text: fmt.Sprintf("Cancelling %d running audit(s).", cancelled)}, nil
}
