package wraithward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"gorm.io/gorm"
)

// AutomodGuildConfig holds a guild's automod settings. FlagTerms is stored
// as a single record-separator-joined string so terms can contain commas
// and whitespace.
//
//nolint:lll // struct tags can't be split
type AutomodGuildConfig struct {
	ModelUnixTime
	GuildID      string `json:"guild_id" gorm:"primaryKey"`
	Enabled      bool   `json:"enabled"`
	LogChannelID string `json:"log_channel_id" gorm:"type:string"`
	FlagTerms    string `json:"flag_terms" gorm:"type:string"`
}

// Terms returns the configured flag terms, in their stored order.
func (c AutomodGuildConfig) Terms() []string {
	if c.FlagTerms == "" {
		return nil
	}
	return strings.Split(c.FlagTerms, recordSeparator)
}

// SetTerms replaces the configured flag terms.
func (c *AutomodGuildConfig) SetTerms(terms []string) {
	c.FlagTerms = strings.Join(terms, recordSeparator)
}

func (c AutomodGuildConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", c.GuildID),
		slog.Bool("enabled", c.Enabled),
		slog.String("log_channel_id", c.LogChannelID),
		slog.Int("terms", len(c.Terms())),
	)
}

// GuildConfigStore provides cached access to per-guild automod
// configuration. Reads that miss the cache fall through to the database;
// a guild with no stored row gets a zero-value config (automod disabled).
type GuildConfigStore struct {
	db     DBI
	logger *slog.Logger
	mu     sync.RWMutex
	cache  map[string]*AutomodGuildConfig
}

func newGuildConfigStore(db DBI, logger *slog.Logger) *GuildConfigStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &GuildConfigStore{
		db:     db,
		logger: logger.With(loggerNameKey, "guild_config"),
		cache:  map[string]*AutomodGuildConfig{},
	}
}

// Get returns a copy of the guild's automod config, or a zero-value
// default if the guild has no stored config. The default is not
// persisted. Callers mutate their copy freely; changes only become
// visible to other readers through Save.
func (s *GuildConfigStore) Get(
	_ context.Context,
	guildID string,
) (*AutomodGuildConfig, error) {
	if guildID == "" {
		return nil, errors.New("empty guild ID")
	}

	s.mu.RLock()
	if cached := s.cache[guildID]; cached != nil {
		config := *cached
		s.mu.RUnlock()
		return &config, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached := s.cache[guildID]; cached != nil {
		config := *cached
		return &config, nil
	}

	var config AutomodGuildConfig
	err := s.db.DB().Where("guild_id = ?", guildID).First(&config).Error
	switch {
	case err == nil:
		cached := config
		s.cache[guildID] = &cached
		return &config, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return &AutomodGuildConfig{GuildID: guildID}, nil
	default:
		return nil, fmt.Errorf("error loading guild config: %w", err)
	}
}

// Save upserts the guild's config and refreshes the cache with its own
// copy, so later mutations of the caller's value don't leak through.
func (s *GuildConfigStore) Save(
	ctx context.Context,
	config *AutomodGuildConfig,
) error {
	if config == nil || config.GuildID == "" {
		return errors.New("invalid guild config")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Save(ctx, config); err != nil {
		return fmt.Errorf("error saving guild config: %w", err)
	}
	cached := *config
	s.cache[config.GuildID] = &cached
	return nil
}

// AddTerm appends a flag term to the guild's config if not already
// present (case-insensitive). Returns true if the term was added.
func (s *GuildConfigStore) AddTerm(
	ctx context.Context,
	guildID string,
	term string,
) (bool, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return false, errors.New("empty term")
	}
	config, err := s.Get(ctx, guildID)
	if err != nil {
		return false, err
	}
	terms := config.Terms()
	for _, existing := range terms {
		if strings.EqualFold(existing, term) {
			return false, nil
		}
	}
	config.SetTerms(append(terms, term))
	return true, s.Save(ctx, config)
}

// RemoveTerm deletes a flag term from the guild's config
// (case-insensitive). Returns true if the term was present.
func (s *GuildConfigStore) RemoveTerm(
	ctx context.Context,
	guildID string,
	term string,
) (bool, error) {
	config, err := s.Get(ctx, guildID)
	if err != nil {
		return false, err
	}
	terms := config.Terms()
	kept := terms[:0]
	removed := false
	for _, existing := range terms {
		if strings.EqualFold(existing, term) {
			removed = true
			continue
		}
		kept = append(kept, existing)
	}
	if !removed {
		return false, nil
	}
	config.SetTerms(kept)
	return true, s.Save(ctx, config)
}
