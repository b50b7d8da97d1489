package discord

import (
	"sort"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/gifguard/internal/commands"
	"github.com/MarcoPoloResearchLab/gifguard/internal/gateway"
	"github.com/bwmarrin/discordgo"
)

var groupDescriptions = map[string]string{
	"media":     "Commands for managing banned gifs",
	"filter":    "Commands for the gif reply filter",
	"reactions": "Commands for automatic reactions",
	"audit":     "Commands for reconciling stored data. Owner only.",
}

func isSystemMessage(kind discordgo.MessageType) bool {
	switch kind {
	case discordgo.MessageTypeDefault, discordgo.MessageTypeReply, discordgo.MessageTypeChatInputCommand:
		return false
	default:
		return true
	}
}

func messageEvent(message *discordgo.Message) gateway.MessageCreated {
	event := gateway.MessageCreated{
		ID:        message.ID,
		GuildID:   message.GuildID,
		ChannelID: message.ChannelID,
		Body:      message.Content,
		System:    isSystemMessage(message.Type),
		SentAt:    message.Timestamp,
	}
	if message.Author != nil {
		event.AuthorID = message.Author.ID
		event.AuthorName = message.Author.Username
	}
	if parent := message.ReferencedMessage; parent != nil && parent.Author != nil {
		event.Parent = &gateway.ParentMessage{ID: parent.ID, AuthorID: parent.Author.ID}
	}
	if event.SentAt.IsZero() {
		event.SentAt = time.Now().UTC()
	}
	return event
}

func messageDeleted(deleted *discordgo.MessageDelete) gateway.MessageDeleted {
	event := gateway.MessageDeleted{}
	if deleted.Message != nil {
		event.ID = deleted.ID
		event.GuildID = deleted.GuildID
		event.ChannelID = deleted.ChannelID
	}
	if before := deleted.BeforeDelete; before != nil && before.Author != nil {
		event.AuthorID = before.Author.ID
		event.AuthorName = before.Author.Username
	}
	return event
}

func reactionAdded(added *discordgo.MessageReactionAdd) gateway.ReactionAdded {
	event := gateway.ReactionAdded{}
	if added.MessageReaction != nil {
		event.Emoji = added.Emoji.APIName()
		event.UserID = added.UserID
		event.MessageID = added.MessageID
		event.ChannelID = added.ChannelID
	}
	if added.Member != nil && added.Member.User != nil {
		event.UserName = added.Member.User.Username
	}
	return event
}

func readyEvent(ready *discordgo.Ready) gateway.Ready {
	event := gateway.Ready{GuildIDs: make([]string, 0, len(ready.Guilds))}
	if ready.User != nil {
		event.SelfID = ready.User.ID
		event.SelfName = ready.User.Username
	}
	for _, guild := range ready.Guilds {
		event.GuildIDs = append(event.GuildIDs, guild.ID)
	}
	return event
}

// commandInvoked flattens an application command interaction. Subcommand names are
// joined onto the command name and user options carry the resolved name alongside the id.
func commandInvoked(interaction *discordgo.InteractionCreate) (gateway.CommandInvoked, bool) {
	if interaction.Interaction == nil || interaction.Type != discordgo.InteractionApplicationCommand {
		return gateway.CommandInvoked{}, false
	}
	data := interaction.ApplicationCommandData()
	event := gateway.CommandInvoked{
		Ref:        gateway.CommandRef{ID: interaction.ID, Token: interaction.Token},
		Name:       data.Name,
		Options:    map[string]string{},
		GuildID:    interaction.GuildID,
		ChannelID:  interaction.ChannelID,
		ReceivedAt: time.Now().UTC(),
	}
	switch {
	case interaction.Member != nil && interaction.Member.User != nil:
		event.InvokerID = interaction.Member.User.ID
		event.InvokerName = interaction.Member.User.Username
		event.InvokerAdmin = interaction.Member.Permissions&discordgo.PermissionAdministrator != 0
	case interaction.User != nil:
		event.InvokerID = interaction.User.ID
		event.InvokerName = interaction.User.Username
	}

	options := data.Options
	if len(options) == 1 && options[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		event.Name += " " + options[0].Name
		options = options[0].Options
	}
	for _, option := range options {
		event.Options[option.Name] = optionValue(option.Value)
		if option.Type != discordgo.ApplicationCommandOptionUser || data.Resolved == nil {
			continue
		}
		if user, ok := data.Resolved.Users[event.Options[option.Name]]; ok && user != nil {
			event.Options[commands.ResolvedNameKey(option.Name)] = user.Username
		}
	}
	return event, true
}

func optionValue(value interface{}) string {
	switch typed := value.(type) {
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(typed)
	default:
		return ""
	}
}

// applicationCommands folds grouped definitions into top-level commands with subcommands.
func applicationCommands(definitions []commands.Definition) []*discordgo.ApplicationCommand {
	var result []*discordgo.ApplicationCommand
	groups := map[string]*discordgo.ApplicationCommand{}
	for _, definition := range definitions {
		if definition.Group == "" {
			result = append(result, &discordgo.ApplicationCommand{
				Name:        definition.Name,
				Description: definition.Description,
				Options:     commandOptions(definition.Options),
			})
			continue
		}
		group, ok := groups[definition.Group]
		if !ok {
			description := groupDescriptions[definition.Group]
			if description == "" {
				description = definition.Group
			}
			group = &discordgo.ApplicationCommand{Name: definition.Group, Description: description}
			groups[definition.Group] = group
			result = append(result, group)
		}
		group.Options = append(group.Options, &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        definition.Name,
			Description: definition.Description,
			Options:     commandOptions(definition.Options),
		})
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

func commandOptions(options []commands.Option) []*discordgo.ApplicationCommandOption {
	if len(options) == 0 {
		return nil
	}
	result := make([]*discordgo.ApplicationCommandOption, 0, len(options))
	for _, option := range options {
		converted := &discordgo.ApplicationCommandOption{
			Type:        optionType(option.Type),
			Name:        option.Name,
			Description: option.Description,
			Required:    option.Required,
		}
		for _, choice := range option.Choices {
			converted.Choices = append(converted.Choices, &discordgo.ApplicationCommandOptionChoice{Name: choice, Value: choice})
		}
		result = append(result, converted)
	}
	return result
}

func optionType(kind commands.OptionType) discordgo.ApplicationCommandOptionType {
	switch kind {
	case commands.OptionUser:
		return discordgo.ApplicationCommandOptionUser
	case commands.OptionInteger:
		return discordgo.ApplicationCommandOptionInteger
	default:
		return discordgo.ApplicationCommandOptionString
	}
}

func interactionResponse(text string, ephemeral bool) *discordgo.InteractionResponse {
	data := &discordgo.InteractionResponseData{Content: text}
	if ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	}
}

func activityType(kind gateway.PresenceKind) discordgo.ActivityType {
	switch kind {
	case gateway.PresenceWatching:
		return discordgo.ActivityTypeWatching
	case gateway.PresenceListening:
		return discordgo.ActivityTypeListening
	case gateway.PresenceStreaming:
		return discordgo.ActivityTypeStreaming
	default:
		return discordgo.ActivityTypeGame
	}
}

func textChannels(channels []*discordgo.Channel) []gateway.Channel {
	result := make([]gateway.Channel, 0, len(channels))
	for _, channel := range channels {
		switch channel.Type {
		case discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildNews:
			result = append(result, gateway.Channel{ID: channel.ID, GuildID: channel.GuildID, Name: channel.Name})
		}
	}
	return result
}

// historyPage keeps every message so the page length matches what the platform served.
// Messages without an author carry an empty AuthorID.
func historyPage(messages []*discordgo.Message) []gateway.HistoryMessage {
	page := make([]gateway.HistoryMessage, 0, len(messages))
	for _, message := range messages {
		if message == nil {
			continue
		}
		entry := gateway.HistoryMessage{ID: message.ID}
		if message.Author != nil {
			entry.AuthorID = message.Author.ID
			entry.AuthorName = message.Author.Username
		}
		page = append(page, entry)
	}
	return page
}
