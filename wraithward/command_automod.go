package wraithward

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// DiscordSlashCommandAutomod is the name of the automod config command
	DiscordSlashCommandAutomod = "automod"

	colorFlag    = 0xedc531
	colorSuccess = 0x57f287
	colorFailure = 0xed4245

	flagExcerptMaxLength = 200

	flagOutcomePending = "pending"
	flagOutcomeExpired = "expired"
	flagOutcomeMuted   = "muted"
	flagOutcomeKicked  = "kicked"
	flagOutcomeFailed  = "failed"
)

var (
	errTargetNotFound     = errors.New("target is no longer in the guild")
	errTargetIsBot        = errors.New("cannot act on the bot itself")
	errTargetOutranksBot  = errors.New("target outranks the bot")
	errMissingMutePerm    = errors.New("bot lacks the Timeout Members permission")
	errMissingKickPerm    = errors.New("bot lacks the Kick Members permission")
	errGuildUnavailable   = errors.New("guild is unavailable")
	errBotMemberUnknown   = errors.New("bot member could not be resolved")
	errVoteActionInternal = errors.New("moderation action failed")
)

// appCommandAutomod returns the /automod application command definition.
// Restricted to members with Manage Guild.
func appCommandAutomod() *discordgo.ApplicationCommand {
	manageGuild := int64(discordgo.PermissionManageGuild)
	dmPerm := false
	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandAutomod,
		Description:              "Configure community-vote message flagging",
		Type:                     discordgo.ChatApplicationCommand,
		DefaultMemberPermissions: &manageGuild,
		DMPermission:             &dmPerm,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "enable",
				Description: "Enable automod flagging in this guild",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "disable",
				Description: "Disable automod flagging in this guild",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "logchannel",
				Description: "Set the channel for moderation log messages",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionChannel,
						Name:        "channel",
						Description: "Log channel",
						Required:    true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommandGroup,
				Name:        "flags",
				Description: "Manage flagged terms",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "add",
						Description: "Add a flagged term",
						Options: []*discordgo.ApplicationCommandOption{
							{
								Type:        discordgo.ApplicationCommandOptionString,
								Name:        "term",
								Description: "Term to flag",
								Required:    true,
							},
						},
					},
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "remove",
						Description: "Remove a flagged term",
						Options: []*discordgo.ApplicationCommandOption{
							{
								Type:        discordgo.ApplicationCommandOptionString,
								Name:        "term",
								Description: "Term to remove",
								Required:    true,
							},
						},
					},
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "list",
						Description: "List flagged terms",
					},
				},
			},
		},
	}
}

// handleMessageCreate is the automod trigger: it inspects every guild
// message against the guild's flag terms, and opens a vote session for
// the first match.
func (w *WraithWard) handleMessageCreate(
	_ *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}
	if m.Author.ID == w.discord.BotUserID() {
		return
	}

	ctx := context.Background()
	logger := w.logger.With(loggerNameKey, "automod")

	config, err := w.guildConfigs.Get(ctx, m.GuildID)
	if err != nil {
		logger.Error("error loading guild config", tint.Err(err), "guild_id", m.GuildID)
		return
	}
	if !config.Enabled {
		return
	}
	term, matched := matchFlagTerm(m.Content, config.Terms())
	if !matched {
		return
	}

	excerpt := truncate(m.Content, flagExcerptMaxLength)
	session, err := w.voteRegistry.NewSession(
		m.GuildID,
		m.ChannelID,
		m.ID,
		m.Author.ID,
		m.Author.String(),
		term,
		excerpt,
	)
	if err != nil {
		logger.Error("error creating vote session", tint.Err(err))
		return
	}

	voteMsg, err := w.discord.session.ChannelMessageSendComplex(
		m.ChannelID,
		&discordgo.MessageSend{
			Embeds:     []*discordgo.MessageEmbed{voteEmbed(session)},
			Components: voteComponents(session.ID, 0, 0),
		},
	)
	if err != nil {
		w.voteRegistry.Remove(session.ID)
		logger.Error("error sending vote message", tint.Err(err), "session", session)
		return
	}
	session.VoteMessageID = voteMsg.ID

	event := &FlagEvent{
		GuildID:       m.GuildID,
		ChannelID:     m.ChannelID,
		MessageID:     m.ID,
		AuthorID:      m.Author.ID,
		MatchedTerm:   term,
		Excerpt:       excerpt,
		VoteMessageID: voteMsg.ID,
		Outcome:       flagOutcomePending,
	}
	if _, err = w.writeDB.Create(ctx, event); err != nil {
		logger.Error("error recording flag event", tint.Err(err))
	}

	w.logSender.Send(ctx, m.GuildID, flagLogEmbed(session))
	w.voteRegistry.scheduleExpiry(session, w.expireVoteSession)

	logger.Info("opened vote session", "session", session)
}

// expireVoteSession handles a vote window elapsing without resolution:
// the vote message is deleted outright, and the session is dropped. The
// session stays unresolved.
func (w *WraithWard) expireVoteSession(session *VoteSession) {
	if !session.close() {
		return
	}
	logger := w.logger.With(loggerNameKey, "automod")
	w.voteRegistry.Remove(session.ID)

	if session.VoteMessageID != "" {
		if err := w.discord.session.ChannelMessageDelete(
			session.ChannelID, session.VoteMessageID,
		); err != nil {
			logger.Warn(
				"error deleting expired vote message",
				tint.Err(err),
				"session", session,
			)
		}
	}
	w.updateFlagOutcome(session, flagOutcomeExpired, "")
	logger.Info("vote session expired", "session", session)
}

// handleVoteButton processes a press of one of the vote buttons.
func (w *WraithWard) handleVoteButton(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	sessionID string,
	action VoteAction,
) {
	logger := w.ctxLogger(ctx, "automod")

	voter := getDiscordUser(i)
	if voter == nil {
		return
	}

	session := w.voteRegistry.Get(sessionID)
	if session == nil {
		w.respondEphemeral(i, "This vote is no longer active.")
		return
	}

	result, err := session.RegisterVote(voter.ID, action, w.voteRegistry.now())
	switch {
	case errors.Is(err, ErrAlreadyVoted):
		w.respondEphemeral(i, fmt.Sprintf("You've already voted to %s.", action))
		return
	case errors.Is(err, ErrVoteClosed):
		w.respondEphemeral(i, "This vote has already concluded.")
		return
	case errors.Is(err, ErrVoteWindowElapsed):
		w.respondEphemeral(i, "The voting window has closed.")
		w.expireVoteSession(session)
		return
	case err != nil:
		logger.Error("error registering vote", tint.Err(err), "session", session)
		w.respondEphemeral(i, "Something went wrong registering your vote.")
		return
	}

	if result.Passed == "" {
		// tally updated, threshold not reached: refresh the button labels
		// in place via the component interaction response
		respondErr := w.discord.session.InteractionRespond(
			i.Interaction,
			&discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseUpdateMessage,
				Data: &discordgo.InteractionResponseData{
					Embeds:     []*discordgo.MessageEmbed{voteEmbed(session)},
					Components: voteComponents(session.ID, result.MuteVotes, result.KickVotes),
				},
			},
		)
		if respondErr != nil {
			logger.Error("error updating vote message", tint.Err(respondErr))
		}
		return
	}

	// threshold reached: the session resolved inside RegisterVote, before
	// any of the following side effects
	w.voteRegistry.Remove(session.ID)
	session.stopExpiryTimer()

	actionErr := w.executeVoteAction(ctx, session, result.Passed)

	var resultEmbed *discordgo.MessageEmbed
	if actionErr != nil {
		logger.Error(
			"vote passed but action failed",
			tint.Err(actionErr),
			"session", session,
			"action", string(result.Passed),
		)
		resultEmbed = voteFailureEmbed(session, result.Passed, actionErr)
		w.updateFlagOutcome(session, flagOutcomeFailed, actionErr.Error())
	} else {
		resultEmbed = voteSuccessEmbed(session, result.Passed)
		outcome := flagOutcomeMuted
		if result.Passed == VoteActionKick {
			outcome = flagOutcomeKicked
		}
		w.updateFlagOutcome(session, outcome, "")
	}

	respondErr := w.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseUpdateMessage,
			Data: &discordgo.InteractionResponseData{
				Embeds:     []*discordgo.MessageEmbed{resultEmbed},
				Components: []discordgo.MessageComponent{},
			},
		},
	)
	if respondErr != nil {
		logger.Error("error finalizing vote message", tint.Err(respondErr))
	}

	w.logSender.Send(ctx, session.GuildID, resultEmbed)
}

// executeVoteAction carries out a passed vote. Preconditions are checked
// immediately before acting, since guild state may have changed during
// the vote window. Any failure here still leaves the session resolved.
func (w *WraithWard) executeVoteAction(
	_ context.Context,
	session *VoteSession,
	action VoteAction,
) error {
	sh := w.discord.session

	guild, err := sh.Guild(session.GuildID)
	if err != nil || guild == nil {
		return errGuildUnavailable
	}

	botID := w.discord.BotUserID()
	if session.TargetID == botID {
		return errTargetIsBot
	}

	botMember, err := sh.GuildMember(session.GuildID, botID)
	if err != nil || botMember == nil {
		return errBotMemberUnknown
	}
	target, err := sh.GuildMember(session.GuildID, session.TargetID)
	if err != nil || target == nil {
		return errTargetNotFound
	}

	switch action {
	case VoteActionMute:
		if !memberHasGuildPermission(guild, botMember, discordgo.PermissionModerateMembers) {
			return errMissingMutePerm
		}
	case VoteActionKick:
		if !memberHasGuildPermission(guild, botMember, discordgo.PermissionKickMembers) {
			return errMissingKickPerm
		}
	}

	if !rankAbove(guild, botMember, target) {
		return errTargetOutranksBot
	}

	reason := fmt.Sprintf(
		"community vote (%d votes, flagged term: %s)",
		votesRequired, session.MatchedTerm,
	)
	switch action {
	case VoteActionMute:
		until := time.Now().UTC().Add(muteDuration)
		if err = sh.GuildMemberTimeout(
			session.GuildID, session.TargetID, &until,
		); err != nil {
			return fmt.Errorf("%w: %v", errVoteActionInternal, err)
		}
	case VoteActionKick:
		if err = sh.GuildMemberDeleteWithReason(
			session.GuildID, session.TargetID, reason,
		); err != nil {
			return fmt.Errorf("%w: %v", errVoteActionInternal, err)
		}
	}
	return nil
}

// updateFlagOutcome records how a flagged message's vote concluded.
func (w *WraithWard) updateFlagOutcome(
	session *VoteSession,
	outcome string,
	errDetail string,
) {
	updates := map[string]any{"outcome": outcome}
	if errDetail != "" {
		updates["error"] = errDetail
	}
	w.writeDB.Lock()
	err := w.writeDB.DB().Model(&FlagEvent{}).
		Where("vote_message_id = ?", session.VoteMessageID).
		Updates(updates).Error
	w.writeDB.Unlock()
	if err != nil {
		w.logger.Error(
			"error updating flag event",
			tint.Err(err),
			"session", session,
		)
	}
}

// handleAutomodCommand processes the /automod slash command.
func (w *WraithWard) handleAutomodCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger := w.ctxLogger(ctx, "automod_command")
	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		w.respondEphemeral(i, "Missing subcommand.")
		return
	}
	sub := data.Options[0]

	config, err := w.guildConfigs.Get(ctx, i.GuildID)
	if err != nil {
		logger.Error("error loading guild config", tint.Err(err))
		w.respondEphemeral(i, "Unable to load the automod configuration.")
		return
	}

	switch sub.Name {
	case "enable":
		config.Enabled = true
		if err = w.guildConfigs.Save(ctx, config); err != nil {
			logger.Error("error saving guild config", tint.Err(err))
			w.respondEphemeral(i, "Unable to save the automod configuration.")
			return
		}
		w.respondEphemeral(i, "Automod flagging enabled.")
	case "disable":
		config.Enabled = false
		if err = w.guildConfigs.Save(ctx, config); err != nil {
			logger.Error("error saving guild config", tint.Err(err))
			w.respondEphemeral(i, "Unable to save the automod configuration.")
			return
		}
		w.respondEphemeral(i, "Automod flagging disabled.")
	case "logchannel":
		opts := subcommandOptions(sub)
		channelOpt := opts["channel"]
		if channelOpt == nil {
			w.respondEphemeral(i, "Missing channel option.")
			return
		}
		config.LogChannelID = channelOpt.ChannelValue(nil).ID
		if err = w.guildConfigs.Save(ctx, config); err != nil {
			logger.Error("error saving guild config", tint.Err(err))
			w.respondEphemeral(i, "Unable to save the automod configuration.")
			return
		}
		w.respondEphemeral(
			i,
			fmt.Sprintf("Log channel set to <#%s>.", config.LogChannelID),
		)
	case "flags":
		w.handleAutomodFlagsCommand(ctx, i, sub)
	default:
		w.respondEphemeral(i, fmt.Sprintf("Unknown subcommand: %s", sub.Name))
	}
}

func (w *WraithWard) handleAutomodFlagsCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	group *discordgo.ApplicationCommandInteractionDataOption,
) {
	logger := w.ctxLogger(ctx, "automod_command")
	if len(group.Options) == 0 {
		w.respondEphemeral(i, "Missing subcommand.")
		return
	}
	sub := group.Options[0]
	opts := subcommandOptions(sub)

	switch sub.Name {
	case "add":
		termOpt := opts["term"]
		if termOpt == nil {
			w.respondEphemeral(i, "Missing term option.")
			return
		}
		added, err := w.guildConfigs.AddTerm(ctx, i.GuildID, termOpt.StringValue())
		if err != nil {
			logger.Error("error adding flag term", tint.Err(err))
			w.respondEphemeral(i, "Unable to add that term.")
			return
		}
		if !added {
			w.respondEphemeral(i, "That term is already flagged.")
			return
		}
		w.respondEphemeral(i, "Term added.")
	case "remove":
		termOpt := opts["term"]
		if termOpt == nil {
			w.respondEphemeral(i, "Missing term option.")
			return
		}
		removed, err := w.guildConfigs.RemoveTerm(ctx, i.GuildID, termOpt.StringValue())
		if err != nil {
			logger.Error("error removing flag term", tint.Err(err))
			w.respondEphemeral(i, "Unable to remove that term.")
			return
		}
		if !removed {
			w.respondEphemeral(i, "That term isn't flagged.")
			return
		}
		w.respondEphemeral(i, "Term removed.")
	case "list":
		config, err := w.guildConfigs.Get(ctx, i.GuildID)
		if err != nil {
			logger.Error("error loading guild config", tint.Err(err))
			w.respondEphemeral(i, "Unable to load the automod configuration.")
			return
		}
		terms := config.Terms()
		if len(terms) == 0 {
			w.respondEphemeral(i, "No flagged terms configured.")
			return
		}
		var b []byte
		for n, term := range terms {
			if n > 0 {
				b = append(b, '\n')
			}
			b = append(b, []byte("- "+term)...)
		}
		w.respondEphemeral(
			i,
			truncate(string(b), discordMaxMessageLength),
		)
	default:
		w.respondEphemeral(i, fmt.Sprintf("Unknown subcommand: %s", sub.Name))
	}
}

// respondEphemeral sends a short ephemeral response to an interaction.
func (w *WraithWard) respondEphemeral(
	i *discordgo.InteractionCreate,
	content string,
) {
	if err := w.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	); err != nil {
		w.logger.Error("error sending ephemeral response", tint.Err(err))
	}
}

func voteEmbed(session *VoteSession) *discordgo.MessageEmbed {
	session.mu.Lock()
	muteVotes := len(session.muteVoters)
	kickVotes := len(session.kickVoters)
	session.mu.Unlock()

	return &discordgo.MessageEmbed{
		Title: "Message flagged",
		Description: fmt.Sprintf(
			"A message from <@%s> matched a flagged term. "+
				"Vote below to take action.",
			session.TargetID,
		),
		Color: colorFlag,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Matched term", Value: session.MatchedTerm, Inline: true},
			{
				Name: "Votes",
				Value: fmt.Sprintf(
					"Mute: %d/%d · Kick: %d/%d",
					muteVotes, votesRequired, kickVotes, votesRequired,
				),
				Inline: true,
			},
			{Name: "Excerpt", Value: session.Excerpt},
		},
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf(
				"Voting closes after %s",
				voteWindow,
			),
		},
	}
}

func voteComponents(
	sessionID string,
	muteVotes int,
	kickVotes int,
) []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    fmt.Sprintf("Mute (%d/%d)", muteVotes, votesRequired),
					Style:    discordgo.SecondaryButton,
					CustomID: voteButtonCustomID(sessionID, VoteActionMute),
				},
				discordgo.Button{
					Label:    fmt.Sprintf("Kick (%d/%d)", kickVotes, votesRequired),
					Style:    discordgo.DangerButton,
					CustomID: voteButtonCustomID(sessionID, VoteActionKick),
				},
			},
		},
	}
}

func voteSuccessEmbed(
	session *VoteSession,
	action VoteAction,
) *discordgo.MessageEmbed {
	var description string
	switch action {
	case VoteActionMute:
		description = fmt.Sprintf(
			"<@%s> has been muted for %s by community vote.",
			session.TargetID, muteDuration,
		)
	case VoteActionKick:
		description = fmt.Sprintf(
			"<@%s> has been kicked by community vote.",
			session.TargetID,
		)
	}
	return &discordgo.MessageEmbed{
		Title:       "Action taken",
		Description: description,
		Color:       colorSuccess,
	}
}

func voteFailureEmbed(
	session *VoteSession,
	action VoteAction,
	actionErr error,
) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: "Action failed",
		Description: fmt.Sprintf(
			"The vote to %s <@%s> passed, but the action could not be "+
				"completed: %s",
			action, session.TargetID, actionErr.Error(),
		),
		Color: colorFailure,
	}
}

func flagLogEmbed(session *VoteSession) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: "Message flagged",
		Description: fmt.Sprintf(
			"Message from %s (<@%s>) in <#%s> matched %q.",
			session.TargetName, session.TargetID,
			session.ChannelID, session.MatchedTerm,
		),
		Color: colorFlag,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Excerpt", Value: session.Excerpt},
		},
	}
}
