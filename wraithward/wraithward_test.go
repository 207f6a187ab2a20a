package wraithward

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/require"
)

// DefaultTestConfig returns a Config suitable for tests, with a SQLite
// database in a per-test temp directory.
func DefaultTestConfig(t testing.TB) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Database = filepath.Join(t.TempDir(), "wraithward_test.sqlite3")
	cfg.DatabaseType = dbTypeSQLite
	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = "test-app-id"
	return cfg
}

func testLogger(t testing.TB) *slog.Logger {
	t.Helper()
	return slog.New(
		tint.NewHandler(
			testWriter{t}, &tint.Options{Level: slog.LevelDebug, AddSource: true},
		),
	)
}

type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// newTestDB opens a temp-dir SQLite database with all models migrated.
func newTestDB(t testing.TB) DBI {
	t.Helper()
	db, err := CreateDB(
		context.Background(),
		dbTypeSQLite,
		filepath.Join(t.TempDir(), "wraithward_test.sqlite3"),
	)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
		},
	)
	return NewDatabase(db, testLogger(t), false)
}

// newTestWraithWard assembles a WraithWard instance backed by a temp-dir
// SQLite database and a mock discord session, skipping the gateway
// entirely.
func newTestWraithWard(t testing.TB) (*WraithWard, *mockDiscordSession) {
	t.Helper()
	cfg := DefaultTestConfig(t)

	w, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, w.initDB(context.Background()))
	t.Cleanup(
		func() {
			if sqlDB, dbErr := w.db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
		},
	)

	logger := testLogger(t)
	w.logger = logger
	w.discord.logger = logger

	session := newMockDiscordSession()
	w.discord.session = session
	w.discord.botUserID.Store("bot-user-id")

	w.guildConfigs = newGuildConfigStore(w.writeDB, logger)
	w.presets = newPresetStore(w.writeDB, logger)
	w.logSender = newLogSender(
		session, w.guildConfigs, 1000, 1000, logger,
	)
	return w, session
}

type mockSentMessage struct {
	ChannelID string
	Content   string
}

type mockPermissionSet struct {
	ChannelID string
	TargetID  string
	Type      discordgo.PermissionOverwriteType
	Allow     int64
	Deny      int64
}

type mockMemberAction struct {
	GuildID string
	UserID  string
	Until   *time.Time
	Reason  string
}

// mockDiscordSession implements DiscordSessionHandler, recording every
// call and returning canned guild state. All fields are guarded by mu.
type mockDiscordSession struct {
	mu sync.Mutex

	guilds        map[string]*discordgo.Guild
	members       map[string]*discordgo.Member // key: guildID/userID
	guildChannels map[string][]*discordgo.Channel

	sentMessages      []mockSentMessage
	complexMessages   []mockSentMessage
	deletedMessages   []mockSentMessage
	createdChannels   []discordgo.GuildChannelCreateData
	deletedChannels   []string
	permissionSets    []mockPermissionSet
	permissionDeletes []mockPermissionSet
	timeouts          []mockMemberAction
	kicks             []mockMemberAction
	interactions      []*discordgo.InteractionResponse

	nextChannelID int

	sendErr              error
	channelCreateErr     error
	permissionSetErrs    map[string]error
	permissionDeleteErrs map[string]error
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{
		guilds:               map[string]*discordgo.Guild{},
		members:              map[string]*discordgo.Member{},
		guildChannels:        map[string][]*discordgo.Channel{},
		permissionSetErrs:    map[string]error{},
		permissionDeleteErrs: map[string]error{},
	}
}

func (m *mockDiscordSession) setGuild(guild *discordgo.Guild) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guilds[guild.ID] = guild
}

func (m *mockDiscordSession) setMember(guildID string, member *discordgo.Member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[guildID+"/"+member.User.ID] = member
}

func (m *mockDiscordSession) setChannels(
	guildID string,
	channels []*discordgo.Channel,
) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guildChannels[guildID] = channels
}

func (m *mockDiscordSession) Open() error  { return nil }
func (m *mockDiscordSession) Close() error { return nil }

func (m *mockDiscordSession) AddHandler(_ any) func() {
	return func() {}
}

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sentMessages = append(
		m.sentMessages,
		mockSentMessage{ChannelID: channelID, Content: message},
	)
	return &discordgo.Message{
		ID:        fmt.Sprintf("msg-%d", len(m.sentMessages)),
		ChannelID: channelID,
	}, nil
}

func (m *mockDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	content := data.Content
	if content == "" && len(data.Embeds) > 0 {
		content = data.Embeds[0].Title
	}
	m.complexMessages = append(
		m.complexMessages,
		mockSentMessage{ChannelID: channelID, Content: content},
	)
	return &discordgo.Message{
		ID:        fmt.Sprintf("complex-msg-%d", len(m.complexMessages)),
		ChannelID: channelID,
	}, nil
}

func (m *mockDiscordSession) ChannelMessageEditComplex(
	edit *discordgo.MessageEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return &discordgo.Message{ID: edit.ID, ChannelID: edit.Channel}, nil
}

func (m *mockDiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletedMessages = append(
		m.deletedMessages,
		mockSentMessage{ChannelID: channelID, Content: messageID},
	)
	return nil
}

func (m *mockDiscordSession) GuildChannelCreateComplex(
	guildID string,
	data discordgo.GuildChannelCreateData,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channelCreateErr != nil {
		return nil, m.channelCreateErr
	}
	m.createdChannels = append(m.createdChannels, data)
	m.nextChannelID++
	return &discordgo.Channel{
		ID:      fmt.Sprintf("new-channel-%d", m.nextChannelID),
		GuildID: guildID,
		Name:    data.Name,
		Type:    data.Type,
	}, nil
}

func (m *mockDiscordSession) ChannelDelete(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletedChannels = append(m.deletedChannels, channelID)
	return &discordgo.Channel{ID: channelID}, nil
}

func (m *mockDiscordSession) ChannelPermissionSet(
	channelID string,
	targetID string,
	targetType discordgo.PermissionOverwriteType,
	allow int64,
	deny int64,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.permissionSetErrs[channelID]; err != nil {
		return err
	}
	m.permissionSets = append(
		m.permissionSets, mockPermissionSet{
			ChannelID: channelID,
			TargetID:  targetID,
			Type:      targetType,
			Allow:     allow,
			Deny:      deny,
		},
	)
	return nil
}

func (m *mockDiscordSession) ChannelPermissionDelete(
	channelID string,
	targetID string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.permissionDeleteErrs[channelID]; err != nil {
		return err
	}
	m.permissionDeletes = append(
		m.permissionDeletes,
		mockPermissionSet{ChannelID: channelID, TargetID: targetID},
	)
	return nil
}

func (m *mockDiscordSession) Guild(
	guildID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	guild := m.guilds[guildID]
	if guild == nil {
		return nil, fmt.Errorf("unknown guild: %s", guildID)
	}
	return guild, nil
}

func (m *mockDiscordSession) GuildChannels(
	guildID string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.guildChannels[guildID], nil
}

func (m *mockDiscordSession) GuildMember(
	guildID string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	member := m.members[guildID+"/"+userID]
	if member == nil {
		return nil, fmt.Errorf("unknown member: %s", userID)
	}
	return member, nil
}

func (m *mockDiscordSession) GuildMemberTimeout(
	guildID string,
	userID string,
	until *time.Time,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeouts = append(
		m.timeouts,
		mockMemberAction{GuildID: guildID, UserID: userID, Until: until},
	)
	return nil
}

func (m *mockDiscordSession) GuildMemberDeleteWithReason(
	guildID string,
	userID string,
	reason string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kicks = append(
		m.kicks,
		mockMemberAction{GuildID: guildID, UserID: userID, Reason: reason},
	)
	return nil
}

func (m *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interactions = append(m.interactions, resp)
	return nil
}

func (m *mockDiscordSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	_ *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return &discordgo.Message{}, nil
}

func (m *mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return commands, nil
}

func (m *mockDiscordSession) UpdateCustomStatus(_ string) error { return nil }

func (m *mockDiscordSession) SetHTTPClient(_ *http.Client) {}

func (m *mockDiscordSession) SetIdentify(_ discordgo.Identify) {}

func (m *mockDiscordSession) SetLogLevel(_ slog.Level) error { return nil }

// lastInteraction returns the most recent interaction response, or nil.
func (m *mockDiscordSession) lastInteraction() *discordgo.InteractionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.interactions) == 0 {
		return nil
	}
	return m.interactions[len(m.interactions)-1]
}

func (m *mockDiscordSession) sentTo(channelID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var contents []string
	for _, msg := range m.sentMessages {
		if msg.ChannelID == channelID {
			contents = append(contents, msg.Content)
		}
	}
	return contents
}
