package wraithward

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// VoteAction identifies one of the two moderation actions a community
// vote can pass.
type VoteAction string

const (
	VoteActionMute VoteAction = "mute"
	VoteActionKick VoteAction = "kick"

	// voteCustomIDPrefix prefixes the custom IDs of vote buttons, so the
	// component handler can tell them apart from other components.
	voteCustomIDPrefix = "av"
)

var (
	ErrVoteClosed        = errors.New("vote is no longer active")
	ErrAlreadyVoted      = errors.New("already voted for this action")
	ErrVoteWindowElapsed = errors.New("vote window has elapsed")
	ErrUnknownVoteAction = errors.New("unknown vote action")
)

// VoteResult is the outcome of a single accepted vote registration.
type VoteResult struct {
	MuteVotes int
	KickVotes int

	// Passed is set when this registration pushed a tally over the
	// threshold. Mute is checked before kick, so a registration can
	// pass at most one action.
	Passed VoteAction
}

// VoteSession tracks a single community vote over a flagged message. One
// session exists per flagged message, keyed in the registry by a random
// session ID carried in the vote buttons' custom IDs.
//
// All state transitions happen under the session mutex. Once a threshold
// is reached, resolved is set before any moderation side effect begins,
// so late registrations and the expiry path both observe it.
type VoteSession struct {
	ID               string
	GuildID          string
	ChannelID        string
	FlaggedMessageID string
	TargetID         string
	TargetName       string
	MatchedTerm      string
	Excerpt          string

	// VoteMessageID is set once the vote message has been sent.
	VoteMessageID string

	Deadline time.Time

	mu         sync.Mutex
	resolved   bool
	closed     bool
	muteVoters map[string]bool
	kickVoters map[string]bool
	expiry     *time.Timer
}

// RegisterVote records one voter's vote for an action. Duplicate votes for
// the same action are rejected, but a voter may vote for both actions
// independently. The wall clock is re-checked here so a vote arriving
// after the window has elapsed never lands.
func (s *VoteSession) RegisterVote(
	voterID string,
	action VoteAction,
	at time.Time,
) (VoteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.resolved || s.closed {
		return VoteResult{}, ErrVoteClosed
	}
	if at.After(s.Deadline) {
		return VoteResult{}, ErrVoteWindowElapsed
	}

	var voters map[string]bool
	switch action {
	case VoteActionMute:
		voters = s.muteVoters
	case VoteActionKick:
		voters = s.kickVoters
	default:
		return VoteResult{}, fmt.Errorf("%w: %q", ErrUnknownVoteAction, action)
	}

	if voters[voterID] {
		return VoteResult{}, ErrAlreadyVoted
	}
	voters[voterID] = true

	result := VoteResult{
		MuteVotes: len(s.muteVoters),
		KickVotes: len(s.kickVoters),
	}
	// mute is always checked first, so a single registration can't pass
	// both actions
	if result.MuteVotes >= votesRequired {
		result.Passed = VoteActionMute
		s.resolved = true
	} else if result.KickVotes >= votesRequired {
		result.Passed = VoteActionKick
		s.resolved = true
	}
	return result, nil
}

// Resolved reports whether a threshold was reached before the window
// elapsed. Expiry does not set this.
func (s *VoteSession) Resolved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolved
}

// close marks the session terminal without resolving it. Returns false if
// the session already resolved or closed, in which case the expiry path
// must not touch the vote message.
func (s *VoteSession) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolved || s.closed {
		return false
	}
	s.closed = true
	return true
}

func (s *VoteSession) stopExpiryTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}
}

func (s *VoteSession) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", s.ID),
		slog.String("guild_id", s.GuildID),
		slog.String("channel_id", s.ChannelID),
		slog.String("flagged_message_id", s.FlaggedMessageID),
		slog.String("target_id", s.TargetID),
		slog.Time("deadline", s.Deadline),
	)
}

// VoteRegistry owns the mapping of active vote sessions. All map access
// goes through the registry mutex; session-level state is guarded by each
// session's own mutex.
type VoteRegistry struct {
	mu       sync.Mutex
	sessions map[string]*VoteSession
	logger   *slog.Logger

	// now is replaceable for tests
	now func() time.Time
}

func newVoteRegistry(logger *slog.Logger) *VoteRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &VoteRegistry{
		sessions: map[string]*VoteSession{},
		logger:   logger.With(loggerNameKey, "vote_registry"),
		now:      time.Now,
	}
}

// NewSession creates and registers a vote session for a flagged message,
// with the vote window deadline set from the current time.
func (r *VoteRegistry) NewSession(
	guildID string,
	channelID string,
	flaggedMessageID string,
	targetID string,
	targetName string,
	matchedTerm string,
	excerpt string,
) (*VoteSession, error) {
	id, err := generateRandomHexString(16)
	if err != nil {
		return nil, fmt.Errorf("error generating vote session ID: %w", err)
	}
	session := &VoteSession{
		ID:               id,
		GuildID:          guildID,
		ChannelID:        channelID,
		FlaggedMessageID: flaggedMessageID,
		TargetID:         targetID,
		TargetName:       targetName,
		MatchedTerm:      matchedTerm,
		Excerpt:          excerpt,
		Deadline:         r.now().Add(voteWindow),
		muteVoters:       map[string]bool{},
		kickVoters:       map[string]bool{},
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[id]; exists {
		return nil, fmt.Errorf("vote session ID collision: %s", id)
	}
	r.sessions[id] = session
	return session, nil
}

// Get returns the session with the given ID, or nil.
func (r *VoteRegistry) Get(sessionID string) *VoteSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionID]
}

// Remove drops the session from the registry and stops its expiry timer.
func (r *VoteRegistry) Remove(sessionID string) {
	r.mu.Lock()
	session := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	if session != nil {
		session.stopExpiryTimer()
	}
}

// Len returns the number of active sessions.
func (r *VoteRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// scheduleExpiry arms the session's expiry timer, invoking onExpire when
// the vote window elapses without the session resolving.
func (r *VoteRegistry) scheduleExpiry(
	session *VoteSession,
	onExpire func(*VoteSession),
) {
	session.mu.Lock()
	defer session.mu.Unlock()
	session.expiry = time.AfterFunc(
		time.Until(session.Deadline),
		func() { onExpire(session) },
	)
}

// voteButtonCustomID encodes a vote button's custom ID as
// av:<session id>:<action>.
func voteButtonCustomID(sessionID string, action VoteAction) string {
	return fmt.Sprintf(
		customIDFormat,
		voteCustomIDPrefix,
		fmt.Sprintf(customIDFormat, sessionID, action),
	)
}

// decodeVoteCustomID decodes a vote button custom ID into its session ID
// and action.
func decodeVoteCustomID(customID string) (string, VoteAction, error) {
	parts := strings.Split(customID, ":")
	if len(parts) != 3 || parts[0] != voteCustomIDPrefix {
		return "", "", fmt.Errorf("invalid vote custom_id format")
	}
	action := VoteAction(parts[2])
	if action != VoteActionMute && action != VoteActionKick {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownVoteAction, parts[2])
	}
	return parts[1], action, nil
}

// matchFlagTerm returns the first configured term found in the message
// content, matching case-insensitively on a substring basis. Terms are
// checked in their stored order.
func matchFlagTerm(content string, terms []string) (string, bool) {
	if content == "" || len(terms) == 0 {
		return "", false
	}
	normalized := strings.ToLower(content)
	for _, term := range terms {
		if term == "" {
			continue
		}
		if strings.Contains(normalized, strings.ToLower(term)) {
			return term, true
		}
	}
	return "", false
}
