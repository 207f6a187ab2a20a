package wraithward

import (
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// OverwriteJournalEntry records the state of one channel's member
// permission overwrite immediately before an isolation session mutated
// it. Entries are recorded before the mutation, so a restore pass can
// always put the channel back the way it was.
type OverwriteJournalEntry struct {
	ChannelID string

	// Existed reports whether the member already had an overwrite on the
	// channel. When false, Allow and Deny are zero and restore deletes
	// the overwrite the session created.
	Existed bool
	Allow   int64
	Deny    int64

	restored bool
}

// RestoreResult is the per-channel outcome of a journal replay.
type RestoreResult struct {
	ChannelID string
	Err       error
}

// OverwriteJournal accumulates at most one entry per channel that an
// isolation session's hide pass mutated. It is owned by a single
// session and accessed under that session's lock.
type OverwriteJournal struct {
	entries []*OverwriteJournalEntry
	byID    map[string]*OverwriteJournalEntry
}

func newOverwriteJournal() *OverwriteJournal {
	return &OverwriteJournal{
		byID: map[string]*OverwriteJournalEntry{},
	}
}

// Record journals a channel's pre-mutation overwrite state. Recording the
// same channel twice is a no-op; the first entry wins, since it holds the
// true original state.
func (j *OverwriteJournal) Record(
	channelID string,
	existed bool,
	allow int64,
	deny int64,
) {
	if _, seen := j.byID[channelID]; seen {
		return
	}
	entry := &OverwriteJournalEntry{
		ChannelID: channelID,
		Existed:   existed,
		Allow:     allow,
		Deny:      deny,
	}
	j.byID[channelID] = entry
	j.entries = append(j.entries, entry)
}

// Len returns the number of journaled channels.
func (j *OverwriteJournal) Len() int {
	return len(j.entries)
}

// Entries returns the journaled entries in recording order.
func (j *OverwriteJournal) Entries() []*OverwriteJournalEntry {
	return j.entries
}

// Restore replays the journal in reverse recording order, putting each
// channel's overwrite back to its journaled state: channels that had an
// overwrite get the exact original bits back, channels that had none get
// the session's overwrite deleted. Each entry restores at most once, so
// calling Restore again only retries entries that previously failed.
// Per-channel failures don't stop the pass; every outcome is returned.
func (j *OverwriteJournal) Restore(
	session DiscordSessionHandler,
	memberID string,
) []RestoreResult {
	results := make([]RestoreResult, 0, len(j.entries))
	for n := len(j.entries) - 1; n >= 0; n-- {
		entry := j.entries[n]
		if entry.restored {
			continue
		}
		var err error
		if entry.Existed {
			err = session.ChannelPermissionSet(
				entry.ChannelID,
				memberID,
				discordgo.PermissionOverwriteTypeMember,
				entry.Allow,
				entry.Deny,
			)
		} else {
			err = session.ChannelPermissionDelete(entry.ChannelID, memberID)
		}
		if err == nil {
			entry.restored = true
		}
		results = append(results, RestoreResult{ChannelID: entry.ChannelID, Err: err})
	}
	return results
}

func (e OverwriteJournalEntry) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("channel_id", e.ChannelID),
		slog.Bool("existed", e.Existed),
		slog.Int64("allow", e.Allow),
		slog.Int64("deny", e.Deny),
	)
}
