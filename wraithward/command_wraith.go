package wraithward

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// DiscordSlashCommandWraith is the name of the isolation command
	DiscordSlashCommandWraith = "wraith"

	colorWraith = 0x4b0082

	wraithModalPrefix = "wraith:start"

	wraithInputMessage  = "wraith:message"
	wraithInputDuration = "wraith:duration"
	wraithInputInterval = "wraith:interval"
	wraithInputMax      = "wraith:max"
	wraithInputHide     = "wraith:hide"
)

// appCommandWraith returns the /wraith application command definition.
// Restricted to members with Manage Channels.
func appCommandWraith() *discordgo.ApplicationCommand {
	manageChannels := int64(discordgo.PermissionManageChannels)
	dmPerm := false
	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandWraith,
		Description:              "Manage time-boxed isolation sessions",
		Type:                     discordgo.ChatApplicationCommand,
		DefaultMemberPermissions: &manageChannels,
		DMPermission:             &dmPerm,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "start",
				Description: "Start an isolation session (opens a form)",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        "user",
						Description: "Member to isolate",
						Required:    true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "stop",
				Description: "Stop a member's isolation session",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        "user",
						Description: "Member whose session to stop",
						Required:    true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionBoolean,
						Name:        "keep_channel",
						Description: "Keep the channel instead of deleting it",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommandGroup,
				Name:        "preset",
				Description: "Manage saved session presets",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "save",
						Description: "Save a preset",
						Options: []*discordgo.ApplicationCommandOption{
							{
								Type:        discordgo.ApplicationCommandOptionString,
								Name:        "name",
								Description: "Preset name",
								Required:    true,
							},
							{
								Type:        discordgo.ApplicationCommandOptionString,
								Name:        "message",
								Description: "Message sent on every pulse",
								Required:    true,
							},
							{
								Type:        discordgo.ApplicationCommandOptionString,
								Name:        "duration",
								Description: "Session length, e.g. 5m (max 15m)",
							},
							{
								Type:        discordgo.ApplicationCommandOptionInteger,
								Name:        "interval",
								Description: "Seconds between messages (1-60)",
							},
							{
								Type:        discordgo.ApplicationCommandOptionInteger,
								Name:        "max_messages",
								Description: "Message cap (5-500)",
							},
							{
								Type:        discordgo.ApplicationCommandOptionBoolean,
								Name:        "hide_others",
								Description: "Hide all other channels from the target",
							},
						},
					},
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "use",
						Description: "Start a session from a preset",
						Options: []*discordgo.ApplicationCommandOption{
							{
								Type:        discordgo.ApplicationCommandOptionUser,
								Name:        "user",
								Description: "Member to isolate",
								Required:    true,
							},
							{
								Type:        discordgo.ApplicationCommandOptionString,
								Name:        "name",
								Description: "Preset name (omit to use your default)",
							},
						},
					},
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "list",
						Description: "List your presets",
					},
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "delete",
						Description: "Delete a preset",
						Options: []*discordgo.ApplicationCommandOption{
							{
								Type:        discordgo.ApplicationCommandOptionString,
								Name:        "name",
								Description: "Preset name",
								Required:    true,
							},
						},
					},
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "default",
						Description: "Set or clear your default preset",
						Options: []*discordgo.ApplicationCommandOption{
							{
								Type:        discordgo.ApplicationCommandOptionString,
								Name:        "name",
								Description: "Preset name (omit to clear)",
							},
						},
					},
				},
			},
		},
	}
}

// wraithModalCustomID encodes the modal's custom ID as
// wraith:start:<operator>:<target>.
func wraithModalCustomID(operatorID, targetID string) string {
	return fmt.Sprintf(
		customIDFormat,
		wraithModalPrefix,
		fmt.Sprintf(customIDFormat, operatorID, targetID),
	)
}

// decodeWraithModalCustomID decodes a wraith modal custom ID into its
// operator and target user IDs.
func decodeWraithModalCustomID(customID string) (
	operatorID string,
	targetID string,
	err error,
) {
	parts := strings.Split(customID, ":")
	if len(parts) != 4 || parts[0]+":"+parts[1] != wraithModalPrefix {
		return "", "", fmt.Errorf("invalid wraith modal custom_id format")
	}
	return parts[2], parts[3], nil
}

// handleWraithCommand processes the /wraith slash command.
func (w *WraithWard) handleWraithCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		w.respondEphemeral(i, "Missing subcommand.")
		return
	}
	sub := data.Options[0]

	switch sub.Name {
	case "start":
		w.handleWraithStart(i, sub)
	case "stop":
		w.handleWraithStop(ctx, i, sub)
	case "preset":
		w.handleWraithPreset(ctx, i, sub)
	default:
		w.respondEphemeral(i, fmt.Sprintf("Unknown subcommand: %s", sub.Name))
	}
}

// handleWraithStart responds with the session configuration modal.
func (w *WraithWard) handleWraithStart(
	i *discordgo.InteractionCreate,
	sub *discordgo.ApplicationCommandInteractionDataOption,
) {
	operator := getDiscordUser(i)
	opts := subcommandOptions(sub)
	userOpt := opts["user"]
	if operator == nil || userOpt == nil {
		w.respondEphemeral(i, "Missing target user.")
		return
	}
	targetID := userOpt.UserValue(nil).ID

	if existing := w.isolationRegistry.Get(i.GuildID, targetID); existing != nil {
		w.respondEphemeral(i, ErrSessionExists.Error()+".")
		return
	}

	if err := w.discord.session.InteractionRespond(
		i.Interaction,
		wraithStartModal(operator.ID, targetID),
	); err != nil {
		w.logger.Error("error sending wraith modal", tint.Err(err))
	}
}

func wraithStartModal(operatorID, targetID string) *discordgo.InteractionResponse {
	textRow := func(
		customID string,
		label string,
		placeholder string,
		required bool,
		style discordgo.TextInputStyle,
		maxLength int,
	) discordgo.ActionsRow {
		return discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.TextInput{
					CustomID:    customID,
					Label:       label,
					Style:       style,
					Placeholder: placeholder,
					Required:    required,
					MaxLength:   maxLength,
				},
			},
		}
	}

	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID: wraithModalCustomID(operatorID, targetID),
			Title:    "Start isolation session",
			Components: []discordgo.MessageComponent{
				textRow(
					wraithInputMessage,
					"Message",
					"Sent on every pulse",
					true,
					discordgo.TextInputParagraph,
					isolationMessageMaxLength,
				),
				textRow(
					wraithInputDuration,
					"Duration (e.g. 5m, max 15m)",
					"15m",
					false,
					discordgo.TextInputShort,
					10,
				),
				textRow(
					wraithInputInterval,
					"Interval in seconds (1-60)",
					"5",
					false,
					discordgo.TextInputShort,
					3,
				),
				textRow(
					wraithInputMax,
					"Max messages (5-500)",
					"120",
					false,
					discordgo.TextInputShort,
					4,
				),
				textRow(
					wraithInputHide,
					"Hide other channels? (yes/no)",
					"no",
					false,
					discordgo.TextInputShort,
					5,
				),
			},
		},
	}
}

// modalTextInputs flattens all text inputs in a modal submission into a
// map keyed by component custom ID.
func modalTextInputs(
	data discordgo.ModalSubmitInteractionData,
) map[string]string {
	inputs := map[string]string{}
	for _, component := range data.Components {
		actionsRow, ok := component.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, rowComponent := range actionsRow.Components {
			if textInput, tiOK := rowComponent.(*discordgo.TextInput); tiOK {
				inputs[textInput.CustomID] = textInput.Value
			}
		}
	}
	return inputs
}

func parseHideFlag(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "yes", "y", "true", "1":
		return true
	default:
		return false
	}
}

// handleWraithModal processes a submitted session configuration modal.
// Only the operator who opened the modal may submit it.
func (w *WraithWard) handleWraithModal(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger := w.ctxLogger(ctx, "wraith_command")
	data := i.ModalSubmitData()

	operatorID, targetID, err := decodeWraithModalCustomID(data.CustomID)
	if err != nil {
		logger.Warn("bad modal custom ID", tint.Err(err), "custom_id", data.CustomID)
		return
	}
	submitter := getDiscordUser(i)
	if submitter == nil || submitter.ID != operatorID {
		w.respondEphemeral(i, "Only the operator who opened this form can submit it.")
		return
	}

	inputs := modalTextInputs(data)
	params, err := validateIsolationInput(
		inputs[wraithInputMessage],
		inputs[wraithInputDuration],
		inputs[wraithInputInterval],
		inputs[wraithInputMax],
		parseHideFlag(inputs[wraithInputHide]),
	)
	if err != nil {
		w.respondEphemeral(i, "Invalid input: "+err.Error())
		return
	}

	session, err := w.startIsolation(ctx, i.GuildID, operatorID, targetID, params)
	if err != nil {
		logger.Error("error starting isolation", tint.Err(err))
		w.respondEphemeral(i, startErrorMessage(err))
		return
	}
	w.respondEphemeral(
		i,
		fmt.Sprintf("Session started in <#%s>.", session.ChannelID),
	)
	w.logSender.Send(ctx, i.GuildID, isolationLogEmbed(session, "Isolation started"))
}

func startErrorMessage(err error) string {
	if errors.Is(err, ErrSessionExists) {
		return ErrSessionExists.Error() + "."
	}
	return "Unable to start the session."
}

// handleWraithStop processes /wraith stop.
func (w *WraithWard) handleWraithStop(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	sub *discordgo.ApplicationCommandInteractionDataOption,
) {
	logger := w.ctxLogger(ctx, "wraith_command")
	operator := getDiscordUser(i)
	opts := subcommandOptions(sub)
	userOpt := opts["user"]
	if operator == nil || userOpt == nil {
		w.respondEphemeral(i, "Missing target user.")
		return
	}
	targetID := userOpt.UserValue(nil).ID

	keepChannel := false
	if keepOpt := opts["keep_channel"]; keepOpt != nil {
		keepChannel = keepOpt.BoolValue()
	}

	session := w.isolationRegistry.Get(i.GuildID, targetID)
	results, err := w.stopIsolation(
		ctx,
		i.GuildID,
		targetID,
		operator.ID,
		keepChannel,
		"This session has been ended by its operator.",
	)
	switch {
	case errors.Is(err, ErrNoActiveSession):
		w.respondEphemeral(i, ErrNoActiveSession.Error()+".")
		return
	case errors.Is(err, ErrNotSessionOperator):
		w.respondEphemeral(i, ErrNotSessionOperator.Error()+".")
		return
	case err != nil:
		logger.Error("error stopping isolation", tint.Err(err))
		w.respondEphemeral(i, "Unable to stop the session.")
		return
	}

	restoreFailures := 0
	for _, r := range results {
		if r.Err != nil {
			restoreFailures++
		}
	}
	msg := "Session stopped."
	if restoreFailures > 0 {
		msg = fmt.Sprintf(
			"Session stopped, but %d channel(s) could not be restored.",
			restoreFailures,
		)
	}
	w.respondEphemeral(i, msg)
	if session != nil {
		w.logSender.Send(ctx, i.GuildID, isolationLogEmbed(session, "Isolation stopped"))
	}
}

// handleWraithPreset processes the /wraith preset subcommand group.
func (w *WraithWard) handleWraithPreset(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	group *discordgo.ApplicationCommandInteractionDataOption,
) {
	logger := w.ctxLogger(ctx, "wraith_command")
	operator := getDiscordUser(i)
	if operator == nil || len(group.Options) == 0 {
		w.respondEphemeral(i, "Missing subcommand.")
		return
	}
	sub := group.Options[0]
	opts := subcommandOptions(sub)

	switch sub.Name {
	case "save":
		preset := &WraithPreset{
			OwnerID: operator.ID,
			Name:    opts["name"].StringValue(),
			Message: opts["message"].StringValue(),
		}
		if durationOpt := opts["duration"]; durationOpt != nil {
			preset.DurationRaw = durationOpt.StringValue()
		}
		if intervalOpt := opts["interval"]; intervalOpt != nil {
			preset.IntervalSeconds = int(intervalOpt.IntValue())
		}
		if maxOpt := opts["max_messages"]; maxOpt != nil {
			preset.MaxPulses = int(maxOpt.IntValue())
		}
		if hideOpt := opts["hide_others"]; hideOpt != nil {
			preset.HideOthers = hideOpt.BoolValue()
		}

		// reject unusable presets up front rather than at use time
		if _, err := preset.Params(); err != nil {
			w.respondEphemeral(i, "Invalid preset: "+err.Error())
			return
		}
		if err := w.presets.Save(ctx, preset); err != nil {
			if errors.Is(err, ErrTooManyPresets) {
				w.respondEphemeral(i, ErrTooManyPresets.Error()+".")
				return
			}
			logger.Error("error saving preset", tint.Err(err))
			w.respondEphemeral(i, "Unable to save the preset.")
			return
		}
		w.respondEphemeral(i, fmt.Sprintf("Preset %q saved.", preset.Name))
	case "use":
		userOpt := opts["user"]
		if userOpt == nil {
			w.respondEphemeral(i, "Missing target user.")
			return
		}
		targetID := userOpt.UserValue(nil).ID

		var preset *WraithPreset
		var err error
		if nameOpt := opts["name"]; nameOpt != nil {
			preset, err = w.presets.Get(ctx, operator.ID, nameOpt.StringValue())
		} else {
			preset, err = w.presets.GetDefault(ctx, operator.ID)
		}
		switch {
		case errors.Is(err, ErrPresetNotFound):
			w.respondEphemeral(i, ErrPresetNotFound.Error()+".")
			return
		case errors.Is(err, ErrNoDefaultPreset):
			w.respondEphemeral(i, ErrNoDefaultPreset.Error()+".")
			return
		case err != nil:
			logger.Error("error loading preset", tint.Err(err))
			w.respondEphemeral(i, "Unable to load the preset.")
			return
		}

		params, err := preset.Params()
		if err != nil {
			w.respondEphemeral(i, "This preset is no longer valid: "+err.Error())
			return
		}
		session, err := w.startIsolation(ctx, i.GuildID, operator.ID, targetID, params)
		if err != nil {
			logger.Error("error starting isolation from preset", tint.Err(err))
			w.respondEphemeral(i, startErrorMessage(err))
			return
		}
		w.respondEphemeral(
			i,
			fmt.Sprintf(
				"Session started in <#%s> using preset %q.",
				session.ChannelID, preset.Name,
			),
		)
		w.logSender.Send(ctx, i.GuildID, isolationLogEmbed(session, "Isolation started"))
	case "list":
		presets, err := w.presets.List(ctx, operator.ID)
		if err != nil {
			logger.Error("error listing presets", tint.Err(err))
			w.respondEphemeral(i, "Unable to list presets.")
			return
		}
		if len(presets) == 0 {
			w.respondEphemeral(i, "You have no saved presets.")
			return
		}
		var b strings.Builder
		for _, p := range presets {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString("- " + p.Name)
			if p.IsDefault {
				b.WriteString(" (default)")
			}
		}
		w.respondEphemeral(i, truncate(b.String(), discordMaxMessageLength))
	case "delete":
		name := opts["name"].StringValue()
		if err := w.presets.Delete(ctx, operator.ID, name); err != nil {
			if errors.Is(err, ErrPresetNotFound) {
				w.respondEphemeral(i, ErrPresetNotFound.Error()+".")
				return
			}
			logger.Error("error deleting preset", tint.Err(err))
			w.respondEphemeral(i, "Unable to delete the preset.")
			return
		}
		w.respondEphemeral(i, fmt.Sprintf("Preset %q deleted.", name))
	case "default":
		if nameOpt := opts["name"]; nameOpt != nil {
			if err := w.presets.SetDefault(ctx, operator.ID, nameOpt.StringValue()); err != nil {
				if errors.Is(err, ErrPresetNotFound) {
					w.respondEphemeral(i, ErrPresetNotFound.Error()+".")
					return
				}
				logger.Error("error setting default preset", tint.Err(err))
				w.respondEphemeral(i, "Unable to set the default preset.")
				return
			}
			w.respondEphemeral(
				i,
				fmt.Sprintf("Default preset set to %q.", nameOpt.StringValue()),
			)
			return
		}
		if err := w.presets.ClearDefault(ctx, operator.ID); err != nil {
			logger.Error("error clearing default preset", tint.Err(err))
			w.respondEphemeral(i, "Unable to clear the default preset.")
			return
		}
		w.respondEphemeral(i, "Default preset cleared.")
	default:
		w.respondEphemeral(i, fmt.Sprintf("Unknown subcommand: %s", sub.Name))
	}
}

func isolationLogEmbed(
	session *IsolationSession,
	title string,
) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: title,
		Description: fmt.Sprintf(
			"Target <@%s> · operator <@%s> · channel <#%s>",
			session.TargetID, session.OperatorID, session.ChannelID,
		),
		Color: colorWraith,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name: "Limits",
				Value: fmt.Sprintf(
					"interval %s · max %d messages · ends %s",
					session.Params.Interval,
					session.Params.MaxPulses,
					session.StopAt.UTC().Format("15:04:05 MST"),
				),
			},
		},
	}
}
