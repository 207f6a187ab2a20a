package wraithward

import (
	"context"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

// LogSender delivers moderation log embeds to each guild's configured log
// channel. Deliveries are rate-limited so a burst of flagged messages
// can't hammer the channel. Failures are never fatal to the caller; Send
// only reports whether delivery happened.
type LogSender struct {
	session DiscordSessionHandler
	configs *GuildConfigStore
	limiter *rate.Limiter
	logger  *slog.Logger
}

func newLogSender(
	session DiscordSessionHandler,
	configs *GuildConfigStore,
	perSecond float64,
	burst int,
	logger *slog.Logger,
) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{
		session: session,
		configs: configs,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		logger:  logger.With(loggerNameKey, "log_sender"),
	}
}

// Send delivers the embed to the guild's log channel, returning true only
// if the message was actually sent. A guild with no log channel configured
// is not an error, just a false return.
func (l *LogSender) Send(
	ctx context.Context,
	guildID string,
	embed *discordgo.MessageEmbed,
) bool {
	config, err := l.configs.Get(ctx, guildID)
	if err != nil {
		l.logger.Error(
			"error loading guild config for log delivery",
			tint.Err(err),
			"guild_id", guildID,
		)
		return false
	}
	if config.LogChannelID == "" {
		return false
	}

	if err = l.limiter.Wait(ctx); err != nil {
		l.logger.Warn(
			"log delivery rate limit wait aborted",
			tint.Err(err),
			"guild_id", guildID,
		)
		return false
	}

	if _, err = l.session.ChannelMessageSendComplex(
		config.LogChannelID,
		&discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}},
	); err != nil {
		l.logger.Error(
			"error sending log message",
			tint.Err(err),
			"guild_id", guildID,
			"channel_id", config.LogChannelID,
		)
		return false
	}
	return true
}
