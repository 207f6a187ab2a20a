package wraithward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

var (
	ErrSessionExists      = errors.New("an isolation session is already active for this member")
	ErrNoActiveSession    = errors.New("no active isolation session for this member")
	ErrNotSessionOperator = errors.New("only the operator who started the session can stop it")
)

var durationPattern = regexp.MustCompile(`(?i)^(\d+)\s*([smhd])$`)

// parseIsolationDuration parses a shorthand duration like "90s", "5m",
// "1h" or "1d".
func parseIsolationDuration(raw string) (time.Duration, error) {
	m := durationPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return 0, fmt.Errorf(
			"invalid duration %q (expected a number followed by s, m, h or d)",
			raw,
		)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	var unit time.Duration
	switch strings.ToLower(m[2]) {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	return time.Duration(n) * unit, nil
}

// IsolationParams bundle the tunable inputs of an isolation session.
type IsolationParams struct {
	// Message is sent on every pulse. Required.
	Message string

	// Duration bounds the session. Zero means the ceiling applies.
	Duration time.Duration

	// Interval between pulses.
	Interval time.Duration

	// MaxPulses caps the number of messages sent.
	MaxPulses int

	// HideOthers hides every other channel the target can currently see.
	HideOthers bool
}

// normalize clamps all parameters into their allowed ranges and fills in
// defaults. Unlike validateIsolationInput, normalize never rejects: it's
// the safety net applied to every session regardless of input source.
func (p *IsolationParams) normalize() {
	if p.Interval <= 0 {
		p.Interval = defaultPulseIntervalSeconds * time.Second
	}
	if p.Interval < minPulseIntervalSeconds*time.Second {
		p.Interval = minPulseIntervalSeconds * time.Second
	}
	if p.Interval > maxPulseIntervalSeconds*time.Second {
		p.Interval = maxPulseIntervalSeconds * time.Second
	}

	if p.MaxPulses <= 0 {
		p.MaxPulses = defaultMaxPulses
	}
	if p.MaxPulses < minMaxPulses {
		p.MaxPulses = minMaxPulses
	}
	if p.MaxPulses > maxMaxPulses {
		p.MaxPulses = maxMaxPulses
	}

	if p.Duration <= 0 || p.Duration > isolationDurationCeiling {
		p.Duration = isolationDurationCeiling
	}
}

// validateIsolationInput turns raw user input into IsolationParams.
// Explicitly provided out-of-range values are rejected with a descriptive
// error rather than silently clamped; absent values get defaults.
func validateIsolationInput(
	message string,
	durationRaw string,
	intervalSecondsRaw string,
	maxPulsesRaw string,
	hideOthers bool,
) (IsolationParams, error) {
	params := IsolationParams{HideOthers: hideOthers}

	message = strings.TrimSpace(message)
	if message == "" {
		return params, errors.New("a message is required")
	}
	if len([]rune(message)) > isolationMessageMaxLength {
		return params, fmt.Errorf(
			"message too long (max %d characters)", isolationMessageMaxLength,
		)
	}
	params.Message = message

	if durationRaw != "" {
		duration, err := parseIsolationDuration(durationRaw)
		if err != nil {
			return params, err
		}
		params.Duration = duration
	}

	if intervalSecondsRaw != "" {
		seconds, err := strconv.Atoi(strings.TrimSpace(intervalSecondsRaw))
		if err != nil {
			return params, fmt.Errorf("invalid interval %q", intervalSecondsRaw)
		}
		if seconds < minPulseIntervalSeconds || seconds > maxPulseIntervalSeconds {
			return params, fmt.Errorf(
				"interval must be between %d and %d seconds",
				minPulseIntervalSeconds, maxPulseIntervalSeconds,
			)
		}
		params.Interval = time.Duration(seconds) * time.Second
	}

	if maxPulsesRaw != "" {
		maxPulses, err := strconv.Atoi(strings.TrimSpace(maxPulsesRaw))
		if err != nil {
			return params, fmt.Errorf("invalid max messages %q", maxPulsesRaw)
		}
		if maxPulses < minMaxPulses || maxPulses > maxMaxPulses {
			return params, fmt.Errorf(
				"max messages must be between %d and %d",
				minMaxPulses, maxMaxPulses,
			)
		}
		params.MaxPulses = maxPulses
	}

	params.normalize()
	return params, nil
}

// pulseTimer is a cancellable repeating timer. Stop is safe to call more
// than once and from any goroutine.
type pulseTimer struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func newPulseTimer(interval time.Duration, tick func()) *pulseTimer {
	t := &pulseTimer{
		ticker: time.NewTicker(interval),
		done:   make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-t.done:
				return
			case <-t.ticker.C:
				tick()
			}
		}
	}()
	return t
}

func (t *pulseTimer) Stop() {
	t.once.Do(
		func() {
			t.ticker.Stop()
			close(t.done)
		},
	)
}

// IsolationSession is one active time-boxed isolation. At most one exists
// per (guild, target) pair. Its compound state (pulse count, stopped
// flag) is guarded by its own mutex; the registry guards only the
// session mapping.
type IsolationSession struct {
	GuildID    string
	TargetID   string
	OperatorID string
	ChannelID  string
	Params     IsolationParams
	StartedAt  time.Time
	StopAt     time.Time

	mu      sync.Mutex
	sent    int
	stopped bool
	journal *OverwriteJournal
	timer   *pulseTimer

	// now is replaceable for tests
	now func() time.Time
}

// Sent returns the number of pulses sent so far.
func (s *IsolationSession) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// markStopped flips the session to stopped. Returns false if it already
// was, so the stop path runs exactly once.
func (s *IsolationSession) markStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.stopped = true
	return true
}

// tick runs one pulse cycle. Checks happen in a fixed order: the
// wall-clock deadline first, then the pulse cap, and only then is a
// message sent. The send itself happens outside the lock and is
// best-effort; a failed send still counts against the cap.
func (s *IsolationSession) tick(
	sh DiscordSessionHandler,
	logger *slog.Logger,
	onLimit func(s *IsolationSession, reason string),
) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if !s.now().Before(s.StopAt) {
		s.mu.Unlock()
		onLimit(s, "duration elapsed")
		return
	}
	if s.sent >= s.Params.MaxPulses {
		s.mu.Unlock()
		onLimit(s, "message cap reached")
		return
	}
	s.sent++
	s.mu.Unlock()

	if _, err := sh.ChannelMessageSend(s.ChannelID, s.Params.Message); err != nil {
		logger.Warn(
			"pulse send failed",
			tint.Err(err),
			"guild_id", s.GuildID,
			"target_id", s.TargetID,
			"channel_id", s.ChannelID,
		)
	}
}

func (s *IsolationSession) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", s.GuildID),
		slog.String("target_id", s.TargetID),
		slog.String("operator_id", s.OperatorID),
		slog.String("channel_id", s.ChannelID),
		slog.Time("stop_at", s.StopAt),
		slog.Int("sent", s.Sent()),
	)
}

type isolationKey struct {
	GuildID  string
	TargetID string
}

// IsolationRegistry owns the mapping of active isolation sessions, keyed
// by (guild, target).
type IsolationRegistry struct {
	mu       sync.Mutex
	sessions map[isolationKey]*IsolationSession
	logger   *slog.Logger

	// now is replaceable for tests
	now func() time.Time
}

func newIsolationRegistry(logger *slog.Logger) *IsolationRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &IsolationRegistry{
		sessions: map[isolationKey]*IsolationSession{},
		logger:   logger.With(loggerNameKey, "isolation_registry"),
		now:      time.Now,
	}
}

// Get returns the active session for the (guild, target) pair, or nil.
func (r *IsolationRegistry) Get(guildID, targetID string) *IsolationSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[isolationKey{guildID, targetID}]
}

// Add registers a session, failing if one already exists for the same
// (guild, target) pair.
func (r *IsolationRegistry) Add(session *IsolationSession) error {
	key := isolationKey{session.GuildID, session.TargetID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[key]; exists {
		return ErrSessionExists
	}
	r.sessions[key] = session
	return nil
}

// Remove drops the session for the (guild, target) pair, returning it if
// one was present.
func (r *IsolationRegistry) Remove(guildID, targetID string) *IsolationSession {
	key := isolationKey{guildID, targetID}
	r.mu.Lock()
	defer r.mu.Unlock()
	session := r.sessions[key]
	delete(r.sessions, key)
	return session
}

// Active returns a snapshot of all active sessions.
func (r *IsolationRegistry) Active() []*IsolationSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]*IsolationSession, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

// Len returns the number of active sessions.
func (r *IsolationRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// startIsolation creates the private channel, registers the session,
// optionally hides all other channels, sends the first pulse, and starts
// the pulse timer. The session is only registered once the channel
// exists, so no partial session is ever observable.
func (w *WraithWard) startIsolation(
	ctx context.Context,
	guildID string,
	operatorID string,
	targetID string,
	params IsolationParams,
) (*IsolationSession, error) {
	logger := w.logger.With(loggerNameKey, "isolation")
	params.normalize()

	if existing := w.isolationRegistry.Get(guildID, targetID); existing != nil {
		return nil, ErrSessionExists
	}

	sh := w.discord.session
	botID := w.discord.BotUserID()

	overwrites := []*discordgo.PermissionOverwrite{
		{
			ID:   guildID, // everyone role
			Type: discordgo.PermissionOverwriteTypeRole,
			Deny: discordgo.PermissionViewChannel,
		},
		{
			ID:   targetID,
			Type: discordgo.PermissionOverwriteTypeMember,
			Allow: discordgo.PermissionViewChannel |
				discordgo.PermissionSendMessages |
				discordgo.PermissionReadMessageHistory,
		},
		{
			ID:    operatorID,
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: discordgo.PermissionViewChannel,
		},
	}
	if botID != "" && botID != operatorID {
		overwrites = append(
			overwrites, &discordgo.PermissionOverwrite{
				ID:   botID,
				Type: discordgo.PermissionOverwriteTypeMember,
				Allow: discordgo.PermissionViewChannel |
					discordgo.PermissionSendMessages |
					discordgo.PermissionManageChannels,
			},
		)
	}

	channel, err := sh.GuildChannelCreateComplex(
		guildID, discordgo.GuildChannelCreateData{
			Name:                 fmt.Sprintf("wraith-%s", targetID),
			Type:                 discordgo.ChannelTypeGuildText,
			PermissionOverwrites: overwrites,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error creating isolation channel: %w", err)
	}

	startedAt := w.isolationRegistry.now()
	session := &IsolationSession{
		GuildID:    guildID,
		TargetID:   targetID,
		OperatorID: operatorID,
		ChannelID:  channel.ID,
		Params:     params,
		StartedAt:  startedAt,
		StopAt:     startedAt.Add(params.Duration),
		journal:    newOverwriteJournal(),
		now:        w.isolationRegistry.now,
	}

	if err = w.isolationRegistry.Add(session); err != nil {
		// lost a race for the same target: don't leave the channel behind
		if _, delErr := sh.ChannelDelete(channel.ID); delErr != nil {
			logger.Warn(
				"error deleting orphaned isolation channel",
				tint.Err(delErr),
				"channel_id", channel.ID,
			)
		}
		return nil, err
	}

	if params.HideOthers {
		if hideErrs := w.hideOtherChannels(ctx, session); len(hideErrs) > 0 {
			logger.Warn(
				"hide pass completed with failures",
				"failures", len(hideErrs),
				"session", session,
			)
		}
	}

	// first pulse goes out immediately; the timer handles the rest
	session.tick(sh, logger, w.isolationLimitReached)
	session.mu.Lock()
	session.timer = newPulseTimer(
		params.Interval,
		func() { session.tick(sh, logger, w.isolationLimitReached) },
	)
	session.mu.Unlock()

	logger.Info("started isolation session", "session", session)
	return session, nil
}

// hideOtherChannels denies the target's view of every other channel they
// can currently see, journaling each channel's prior overwrite state
// before mutating it. Per-channel failures are collected; the pass never
// aborts early.
func (w *WraithWard) hideOtherChannels(
	_ context.Context,
	session *IsolationSession,
) []error {
	logger := w.logger.With(loggerNameKey, "isolation")
	sh := w.discord.session

	guild, err := sh.Guild(session.GuildID)
	if err != nil || guild == nil {
		return []error{fmt.Errorf("error fetching guild: %w", err)}
	}
	target, err := sh.GuildMember(session.GuildID, session.TargetID)
	if err != nil || target == nil {
		return []error{fmt.Errorf("error fetching target member: %w", err)}
	}
	channels, err := sh.GuildChannels(session.GuildID)
	if err != nil {
		return []error{fmt.Errorf("error listing guild channels: %w", err)}
	}

	var failures []error
	for _, channel := range channels {
		if channel.ID == session.ChannelID {
			continue
		}
		switch channel.Type {
		case discordgo.ChannelTypeGuildNewsThread,
			discordgo.ChannelTypeGuildPublicThread,
			discordgo.ChannelTypeGuildPrivateThread:
			continue
		}
		if !memberCanView(guild, channel, target) {
			continue
		}

		var existed bool
		var allow, deny int64
		for _, ow := range channel.PermissionOverwrites {
			if ow.Type == discordgo.PermissionOverwriteTypeMember &&
				ow.ID == session.TargetID {
				existed = true
				allow = ow.Allow
				deny = ow.Deny
				break
			}
		}

		// journal before mutating, so restore always has the true
		// original state
		session.mu.Lock()
		session.journal.Record(channel.ID, existed, allow, deny)
		session.mu.Unlock()

		setErr := sh.ChannelPermissionSet(
			channel.ID,
			session.TargetID,
			discordgo.PermissionOverwriteTypeMember,
			allow&^discordgo.PermissionViewChannel,
			deny|discordgo.PermissionViewChannel,
		)
		if setErr != nil {
			failures = append(
				failures,
				fmt.Errorf("channel %s: %w", channel.ID, setErr),
			)
			logger.Warn(
				"error hiding channel",
				tint.Err(setErr),
				"channel_id", channel.ID,
				"session", session,
			)
		}
	}
	return failures
}

// isolationLimitReached is the pulse loop's stop callback, invoked when a
// tick observes the duration or cap limit. The actual teardown runs on a
// separate goroutine so a tick never blocks on Discord calls.
func (w *WraithWard) isolationLimitReached(
	session *IsolationSession,
	reason string,
) {
	logger := w.logger.With(loggerNameKey, "isolation")
	logger.Info("isolation limit reached", "reason", reason, "session", session)
	go func() {
		// the channel stays up so the closing announcement is readable
		if _, err := w.stopIsolation(
			context.Background(),
			session.GuildID,
			session.TargetID,
			"", // internal stop, no operator check
			true,
			fmt.Sprintf("Session ended: %s.", reason),
		); err != nil && !errors.Is(err, ErrNoActiveSession) {
			logger.Error("error stopping isolation", tint.Err(err), "session", session)
		}
	}()
}

// stopIsolation ends a session: the registry record is removed first so
// no new observer sees the session, then the timer is cancelled, the
// overwrite journal is replayed in reverse, and the channel is deleted
// (or kept with a closing message). An empty operatorID bypasses the
// operator check for internal stops.
func (w *WraithWard) stopIsolation(
	_ context.Context,
	guildID string,
	targetID string,
	operatorID string,
	keepChannel bool,
	closingMessage string,
) ([]RestoreResult, error) {
	logger := w.logger.With(loggerNameKey, "isolation")
	sh := w.discord.session

	session := w.isolationRegistry.Get(guildID, targetID)
	if session == nil {
		return nil, ErrNoActiveSession
	}
	if operatorID != "" && operatorID != session.OperatorID {
		return nil, ErrNotSessionOperator
	}

	w.isolationRegistry.Remove(guildID, targetID)
	if !session.markStopped() {
		return nil, ErrNoActiveSession
	}

	session.mu.Lock()
	timer := session.timer
	journal := session.journal
	session.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}

	results := journal.Restore(sh, targetID)
	for _, r := range results {
		if r.Err != nil {
			logger.Warn(
				"error restoring channel overwrite",
				tint.Err(r.Err),
				"channel_id", r.ChannelID,
				"session", session,
			)
		}
	}

	if keepChannel {
		if closingMessage != "" {
			if _, err := sh.ChannelMessageSend(
				session.ChannelID, closingMessage,
			); err != nil {
				logger.Warn(
					"error sending closing message",
					tint.Err(err),
					"session", session,
				)
			}
		}
	} else {
		if _, err := sh.ChannelDelete(session.ChannelID); err != nil {
			logger.Warn(
				"error deleting isolation channel",
				tint.Err(err),
				"session", session,
			)
		}
	}

	logger.Info("stopped isolation session", "session", session)
	return results, nil
}

// stopAllIsolations is the shutdown rollback: every active session is
// stopped concurrently, keeping channels in place but restoring all
// journaled overwrites.
func (w *WraithWard) stopAllIsolations(ctx context.Context) error {
	sessions := w.isolationRegistry.Active()
	if len(sessions) == 0 {
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, session := range sessions {
		session := session
		g.Go(
			func() error {
				_, err := w.stopIsolation(
					ctx,
					session.GuildID,
					session.TargetID,
					"",
					true,
					"The bot is shutting down; this session has ended.",
				)
				if errors.Is(err, ErrNoActiveSession) {
					return nil
				}
				return err
			},
		)
	}
	return g.Wait()
}
