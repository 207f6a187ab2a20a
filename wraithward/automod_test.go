package wraithward

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVoteSession(deadline time.Time) *VoteSession {
	return &VoteSession{
		ID:               "abc123",
		GuildID:          "guild-1",
		ChannelID:        "channel-1",
		FlaggedMessageID: "message-1",
		TargetID:         "target-1",
		TargetName:       "target#0001",
		MatchedTerm:      "spoiler",
		Excerpt:          "a spoiler excerpt",
		Deadline:         deadline,
		muteVoters:       map[string]bool{},
		kickVoters:       map[string]bool{},
	}
}

func TestRegisterVote_Threshold(t *testing.T) {
	now := time.Now()
	session := newTestVoteSession(now.Add(voteWindow))

	for n := 0; n < votesRequired-1; n++ {
		result, err := session.RegisterVote(
			fmt.Sprintf("voter-%d", n), VoteActionMute, now,
		)
		require.NoError(t, err)
		assert.Equal(t, n+1, result.MuteVotes)
		assert.Empty(t, result.Passed)
		assert.False(t, session.Resolved())
	}

	result, err := session.RegisterVote("voter-final", VoteActionMute, now)
	require.NoError(t, err)
	assert.Equal(t, votesRequired, result.MuteVotes)
	assert.Equal(t, VoteActionMute, result.Passed)
	assert.True(t, session.Resolved())

	// no votes land once the session has resolved
	_, err = session.RegisterVote("voter-late", VoteActionKick, now)
	assert.ErrorIs(t, err, ErrVoteClosed)
}

func TestRegisterVote_KickThreshold(t *testing.T) {
	now := time.Now()
	session := newTestVoteSession(now.Add(voteWindow))

	for n := 0; n < votesRequired; n++ {
		result, err := session.RegisterVote(
			fmt.Sprintf("voter-%d", n), VoteActionKick, now,
		)
		require.NoError(t, err)
		if n == votesRequired-1 {
			assert.Equal(t, VoteActionKick, result.Passed)
		} else {
			assert.Empty(t, result.Passed)
		}
	}
	assert.True(t, session.Resolved())
}

func TestRegisterVote_Duplicate(t *testing.T) {
	now := time.Now()
	session := newTestVoteSession(now.Add(voteWindow))

	_, err := session.RegisterVote("voter-1", VoteActionMute, now)
	require.NoError(t, err)

	_, err = session.RegisterVote("voter-1", VoteActionMute, now)
	assert.ErrorIs(t, err, ErrAlreadyVoted)
}

func TestRegisterVote_BothActions(t *testing.T) {
	// a single voter may vote for mute and kick independently
	now := time.Now()
	session := newTestVoteSession(now.Add(voteWindow))

	result, err := session.RegisterVote("voter-1", VoteActionMute, now)
	require.NoError(t, err)
	assert.Equal(t, 1, result.MuteVotes)
	assert.Equal(t, 0, result.KickVotes)

	result, err = session.RegisterVote("voter-1", VoteActionKick, now)
	require.NoError(t, err)
	assert.Equal(t, 1, result.MuteVotes)
	assert.Equal(t, 1, result.KickVotes)
}

func TestRegisterVote_WindowElapsed(t *testing.T) {
	now := time.Now()
	session := newTestVoteSession(now.Add(voteWindow))

	_, err := session.RegisterVote(
		"voter-1", VoteActionMute, now.Add(voteWindow+time.Second),
	)
	assert.ErrorIs(t, err, ErrVoteWindowElapsed)
	assert.False(t, session.Resolved())
}

func TestRegisterVote_UnknownAction(t *testing.T) {
	now := time.Now()
	session := newTestVoteSession(now.Add(voteWindow))

	_, err := session.RegisterVote("voter-1", VoteAction("ban"), now)
	assert.ErrorIs(t, err, ErrUnknownVoteAction)
}

func TestVoteSessionClose(t *testing.T) {
	now := time.Now()
	session := newTestVoteSession(now.Add(voteWindow))

	assert.True(t, session.close())
	assert.False(t, session.close())
	assert.False(t, session.Resolved())

	_, err := session.RegisterVote("voter-1", VoteActionMute, now)
	assert.ErrorIs(t, err, ErrVoteClosed)
}

func TestVoteSessionClose_AfterResolved(t *testing.T) {
	now := time.Now()
	session := newTestVoteSession(now.Add(voteWindow))
	for n := 0; n < votesRequired; n++ {
		_, err := session.RegisterVote(
			fmt.Sprintf("voter-%d", n), VoteActionMute, now,
		)
		require.NoError(t, err)
	}
	// the expiry path must not touch a resolved session
	assert.False(t, session.close())
	assert.True(t, session.Resolved())
}

func TestVoteRegistry(t *testing.T) {
	registry := newVoteRegistry(testLogger(t))
	frozen := time.Now()
	registry.now = func() time.Time { return frozen }

	session, err := registry.NewSession(
		"guild-1",
		"channel-1",
		"message-1",
		"target-1",
		"target#0001",
		"spoiler",
		"excerpt",
	)
	require.NoError(t, err)
	assert.Len(t, session.ID, 16)
	assert.Equal(t, frozen.Add(voteWindow), session.Deadline)
	assert.Equal(t, 1, registry.Len())
	assert.Same(t, session, registry.Get(session.ID))

	registry.Remove(session.ID)
	assert.Nil(t, registry.Get(session.ID))
	assert.Equal(t, 0, registry.Len())
}

func TestVoteRegistry_ScheduleExpiry(t *testing.T) {
	registry := newVoteRegistry(testLogger(t))

	session := newTestVoteSession(time.Now().Add(50 * time.Millisecond))
	expired := make(chan *VoteSession, 1)
	registry.scheduleExpiry(
		session, func(s *VoteSession) { expired <- s },
	)

	select {
	case s := <-expired:
		assert.Same(t, session, s)
	case <-time.After(5 * time.Second):
		t.Fatal("expiry callback never fired")
	}
}

func TestVoteCustomID(t *testing.T) {
	customID := voteButtonCustomID("abc123", VoteActionMute)
	assert.Equal(t, "av:abc123:mute", customID)

	sessionID, action, err := decodeVoteCustomID(customID)
	require.NoError(t, err)
	assert.Equal(t, "abc123", sessionID)
	assert.Equal(t, VoteActionMute, action)

	testCases := []string{
		"",
		"av:abc123",
		"av:abc123:mute:extra",
		"xx:abc123:mute",
		"av:abc123:ban",
	}
	for _, tc := range testCases {
		t.Run(
			tc, func(t *testing.T) {
				_, _, decodeErr := decodeVoteCustomID(tc)
				assert.Error(t, decodeErr)
			},
		)
	}
}

func TestMatchFlagTerm(t *testing.T) {
	testCases := []struct {
		name        string
		content     string
		terms       []string
		expected    string
		shouldMatch bool
	}{
		{
			name:        "simple match",
			content:     "this has a spoiler in it",
			terms:       []string{"spoiler"},
			expected:    "spoiler",
			shouldMatch: true,
		},
		{
			name:        "case insensitive",
			content:     "THIS HAS A SPOILER",
			terms:       []string{"Spoiler"},
			expected:    "Spoiler",
			shouldMatch: true,
		},
		{
			name:        "first term in stored order wins",
			content:     "alpha and beta",
			terms:       []string{"beta", "alpha"},
			expected:    "beta",
			shouldMatch: true,
		},
		{
			name:    "no match",
			content: "nothing to see",
			terms:   []string{"spoiler"},
		},
		{
			name:    "empty content",
			content: "",
			terms:   []string{"spoiler"},
		},
		{
			name:    "no terms",
			content: "this has a spoiler",
		},
		{
			name:        "empty term skipped",
			content:     "anything",
			terms:       []string{"", "any"},
			expected:    "any",
			shouldMatch: true,
		},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				term, matched := matchFlagTerm(tc.content, tc.terms)
				assert.Equal(t, tc.shouldMatch, matched)
				assert.Equal(t, tc.expected, term)
			},
		)
	}
}

func enableAutomod(
	t testing.TB,
	w *WraithWard,
	guildID string,
	terms ...string,
) {
	t.Helper()
	config, err := w.guildConfigs.Get(context.Background(), guildID)
	require.NoError(t, err)
	config.Enabled = true
	config.SetTerms(terms)
	require.NoError(t, w.guildConfigs.Save(context.Background(), config))
}

func newTestMessageCreate(
	guildID string,
	content string,
) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "message-1",
			GuildID:   guildID,
			ChannelID: "channel-1",
			Content:   content,
			Author:    &discordgo.User{ID: "author-1", Username: "author"},
		},
	}
}

func TestHandleMessageCreate_OpensVote(t *testing.T) {
	w, session := newTestWraithWard(t)
	enableAutomod(t, w, "guild-1", "spoiler")

	w.handleMessageCreate(nil, newTestMessageCreate("guild-1", "huge spoiler here"))

	require.Equal(t, 1, w.voteRegistry.Len())

	session.mu.Lock()
	require.Len(t, session.complexMessages, 1)
	assert.Equal(t, "channel-1", session.complexMessages[0].ChannelID)
	session.mu.Unlock()

	var event FlagEvent
	require.NoError(
		t,
		w.writeDB.DB().Where("guild_id = ?", "guild-1").First(&event).Error,
	)
	assert.Equal(t, flagOutcomePending, event.Outcome)
	assert.Equal(t, "spoiler", event.MatchedTerm)
	assert.Equal(t, "author-1", event.AuthorID)
	assert.NotEmpty(t, event.VoteMessageID)
}

func TestHandleMessageCreate_Disabled(t *testing.T) {
	w, session := newTestWraithWard(t)

	w.handleMessageCreate(nil, newTestMessageCreate("guild-1", "huge spoiler here"))

	assert.Equal(t, 0, w.voteRegistry.Len())
	session.mu.Lock()
	assert.Empty(t, session.complexMessages)
	session.mu.Unlock()
}

func TestHandleMessageCreate_IgnoresBots(t *testing.T) {
	w, session := newTestWraithWard(t)
	enableAutomod(t, w, "guild-1", "spoiler")

	m := newTestMessageCreate("guild-1", "huge spoiler here")
	m.Author.Bot = true
	w.handleMessageCreate(nil, m)

	assert.Equal(t, 0, w.voteRegistry.Len())
	session.mu.Lock()
	assert.Empty(t, session.complexMessages)
	session.mu.Unlock()
}

func TestExpireVoteSession(t *testing.T) {
	w, session := newTestWraithWard(t)
	enableAutomod(t, w, "guild-1", "spoiler")

	w.handleMessageCreate(nil, newTestMessageCreate("guild-1", "huge spoiler here"))
	require.Equal(t, 1, w.voteRegistry.Len())

	var voteSession *VoteSession
	w.voteRegistry.mu.Lock()
	for _, s := range w.voteRegistry.sessions {
		voteSession = s
	}
	w.voteRegistry.mu.Unlock()
	require.NotNil(t, voteSession)

	w.expireVoteSession(voteSession)

	assert.Equal(t, 0, w.voteRegistry.Len())
	assert.False(t, voteSession.Resolved())

	session.mu.Lock()
	require.Len(t, session.deletedMessages, 1)
	assert.Equal(t, voteSession.VoteMessageID, session.deletedMessages[0].Content)
	session.mu.Unlock()

	var event FlagEvent
	require.NoError(
		t,
		w.writeDB.DB().Where(
			"vote_message_id = ?", voteSession.VoteMessageID,
		).First(&event).Error,
	)
	assert.Equal(t, flagOutcomeExpired, event.Outcome)

	// expiring twice is harmless
	w.expireVoteSession(voteSession)
}

// setupVoteActionGuild seeds the mock with a guild where the bot has a
// moderator role outranking the target.
func setupVoteActionGuild(session *mockDiscordSession) {
	guild := &discordgo.Guild{
		ID:      "guild-1",
		OwnerID: "owner-1",
		Roles: []*discordgo.Role{
			{ID: "guild-1", Position: 0},
			{
				ID:       "mod-role",
				Position: 5,
				Permissions: discordgo.PermissionModerateMembers |
					discordgo.PermissionKickMembers,
			},
		},
	}
	session.setGuild(guild)
	session.setMember(
		"guild-1", &discordgo.Member{
			User:  &discordgo.User{ID: "bot-user-id"},
			Roles: []string{"mod-role"},
		},
	)
	session.setMember(
		"guild-1", &discordgo.Member{
			User: &discordgo.User{ID: "author-1", Username: "author"},
		},
	)
}

func newTestComponentInteraction(voterID string) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:      "interaction-1",
			Type:    discordgo.InteractionMessageComponent,
			GuildID: "guild-1",
			Member: &discordgo.Member{
				User: &discordgo.User{ID: voterID, Username: voterID},
			},
		},
	}
}

func TestHandleVoteButton_PassesMute(t *testing.T) {
	w, session := newTestWraithWard(t)
	enableAutomod(t, w, "guild-1", "spoiler")
	setupVoteActionGuild(session)

	w.handleMessageCreate(nil, newTestMessageCreate("guild-1", "huge spoiler here"))

	var voteSession *VoteSession
	w.voteRegistry.mu.Lock()
	for _, s := range w.voteRegistry.sessions {
		voteSession = s
	}
	w.voteRegistry.mu.Unlock()
	require.NotNil(t, voteSession)

	now := time.Now()
	for n := 0; n < votesRequired-1; n++ {
		_, err := voteSession.RegisterVote(
			fmt.Sprintf("voter-%d", n), VoteActionMute, now,
		)
		require.NoError(t, err)
	}

	w.handleVoteButton(
		context.Background(),
		newTestComponentInteraction("voter-final"),
		voteSession.ID,
		VoteActionMute,
	)

	assert.True(t, voteSession.Resolved())
	assert.Equal(t, 0, w.voteRegistry.Len())

	session.mu.Lock()
	require.Len(t, session.timeouts, 1)
	assert.Equal(t, "author-1", session.timeouts[0].UserID)
	require.NotNil(t, session.timeouts[0].Until)
	assert.WithinDuration(
		t,
		time.Now().UTC().Add(muteDuration),
		*session.timeouts[0].Until,
		10*time.Second,
	)
	assert.Empty(t, session.kicks)
	session.mu.Unlock()

	resp := session.lastInteraction()
	require.NotNil(t, resp)
	assert.Equal(t, discordgo.InteractionResponseUpdateMessage, resp.Type)

	var event FlagEvent
	require.NoError(
		t,
		w.writeDB.DB().Where(
			"vote_message_id = ?", voteSession.VoteMessageID,
		).First(&event).Error,
	)
	assert.Equal(t, flagOutcomeMuted, event.Outcome)
}

func TestHandleVoteButton_PassesKick(t *testing.T) {
	w, session := newTestWraithWard(t)
	enableAutomod(t, w, "guild-1", "spoiler")
	setupVoteActionGuild(session)

	w.handleMessageCreate(nil, newTestMessageCreate("guild-1", "huge spoiler here"))

	var voteSession *VoteSession
	w.voteRegistry.mu.Lock()
	for _, s := range w.voteRegistry.sessions {
		voteSession = s
	}
	w.voteRegistry.mu.Unlock()
	require.NotNil(t, voteSession)

	now := time.Now()
	for n := 0; n < votesRequired-1; n++ {
		_, err := voteSession.RegisterVote(
			fmt.Sprintf("voter-%d", n), VoteActionKick, now,
		)
		require.NoError(t, err)
	}

	w.handleVoteButton(
		context.Background(),
		newTestComponentInteraction("voter-final"),
		voteSession.ID,
		VoteActionKick,
	)

	session.mu.Lock()
	require.Len(t, session.kicks, 1)
	assert.Equal(t, "author-1", session.kicks[0].UserID)
	assert.Contains(t, session.kicks[0].Reason, "community vote")
	assert.Empty(t, session.timeouts)
	session.mu.Unlock()

	var event FlagEvent
	require.NoError(
		t,
		w.writeDB.DB().Where(
			"vote_message_id = ?", voteSession.VoteMessageID,
		).First(&event).Error,
	)
	assert.Equal(t, flagOutcomeKicked, event.Outcome)
}

func TestHandleVoteButton_BelowThreshold(t *testing.T) {
	w, session := newTestWraithWard(t)
	enableAutomod(t, w, "guild-1", "spoiler")
	setupVoteActionGuild(session)

	w.handleMessageCreate(nil, newTestMessageCreate("guild-1", "huge spoiler here"))

	var voteSession *VoteSession
	w.voteRegistry.mu.Lock()
	for _, s := range w.voteRegistry.sessions {
		voteSession = s
	}
	w.voteRegistry.mu.Unlock()
	require.NotNil(t, voteSession)

	w.handleVoteButton(
		context.Background(),
		newTestComponentInteraction("voter-1"),
		voteSession.ID,
		VoteActionMute,
	)

	// tally refreshed in place, session still open
	assert.Equal(t, 1, w.voteRegistry.Len())
	assert.False(t, voteSession.Resolved())

	resp := session.lastInteraction()
	require.NotNil(t, resp)
	assert.Equal(t, discordgo.InteractionResponseUpdateMessage, resp.Type)

	session.mu.Lock()
	assert.Empty(t, session.timeouts)
	assert.Empty(t, session.kicks)
	session.mu.Unlock()
}

func TestHandleVoteButton_UnknownSession(t *testing.T) {
	w, session := newTestWraithWard(t)

	w.handleVoteButton(
		context.Background(),
		newTestComponentInteraction("voter-1"),
		"no-such-session",
		VoteActionMute,
	)

	resp := session.lastInteraction()
	require.NotNil(t, resp)
	assert.Equal(
		t,
		discordgo.InteractionResponseChannelMessageWithSource,
		resp.Type,
	)
	assert.Contains(t, resp.Data.Content, "no longer active")
}

func TestExecuteVoteAction_Preconditions(t *testing.T) {
	newSession := func(targetID string) *VoteSession {
		s := newTestVoteSession(time.Now().Add(voteWindow))
		s.GuildID = "guild-1"
		s.TargetID = targetID
		return s
	}

	t.Run(
		"guild unavailable", func(t *testing.T) {
			w, _ := newTestWraithWard(t)
			err := w.executeVoteAction(
				context.Background(), newSession("author-1"), VoteActionMute,
			)
			assert.ErrorIs(t, err, errGuildUnavailable)
		},
	)

	t.Run(
		"target is bot", func(t *testing.T) {
			w, session := newTestWraithWard(t)
			setupVoteActionGuild(session)
			err := w.executeVoteAction(
				context.Background(), newSession("bot-user-id"), VoteActionMute,
			)
			assert.ErrorIs(t, err, errTargetIsBot)
		},
	)

	t.Run(
		"target left the guild", func(t *testing.T) {
			w, session := newTestWraithWard(t)
			setupVoteActionGuild(session)
			err := w.executeVoteAction(
				context.Background(), newSession("gone-user"), VoteActionMute,
			)
			assert.ErrorIs(t, err, errTargetNotFound)
		},
	)

	t.Run(
		"missing mute permission", func(t *testing.T) {
			w, session := newTestWraithWard(t)
			setupVoteActionGuild(session)
			session.setMember(
				"guild-1", &discordgo.Member{
					User: &discordgo.User{ID: "bot-user-id"},
				},
			)
			err := w.executeVoteAction(
				context.Background(), newSession("author-1"), VoteActionMute,
			)
			assert.ErrorIs(t, err, errMissingMutePerm)
		},
	)

	t.Run(
		"target outranks bot", func(t *testing.T) {
			w, session := newTestWraithWard(t)
			setupVoteActionGuild(session)
			session.setMember(
				"guild-1", &discordgo.Member{
					User:  &discordgo.User{ID: "author-1", Username: "author"},
					Roles: []string{"mod-role"},
				},
			)
			err := w.executeVoteAction(
				context.Background(), newSession("author-1"), VoteActionKick,
			)
			assert.ErrorIs(t, err, errTargetOutranksBot)
		},
	)
}
