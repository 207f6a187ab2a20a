package wraithward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"gorm.io/gorm"
)

var (
	ErrPresetNotFound  = errors.New("no preset with that name")
	ErrTooManyPresets  = fmt.Errorf("preset limit reached (max %d)", maxPresetsPerOwner)
	ErrInvalidPreset   = errors.New("invalid preset")
	ErrNoDefaultPreset = errors.New("no default preset set")
)

// WraithPreset is a per-operator named bundle of isolation start
// parameters. Raw input strings are stored rather than normalized
// values, so using a preset goes through the same validation as a fresh
// start.
//
// Presets are hard-deleted rather than soft-deleted, so a deleted name
// can be reused without tripping the unique (owner, key) index.
//
//nolint:lll // struct tags can't be split
type WraithPreset struct {
	ModelUintID
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`

	OwnerID         string `json:"owner_id" gorm:"uniqueIndex:idx_preset_owner_key;not null"`
	Key             string `json:"key" gorm:"uniqueIndex:idx_preset_owner_key;not null"`
	Name            string `json:"name" gorm:"not null"`
	Message         string `json:"message" gorm:"type:string"`
	DurationRaw     string `json:"duration" gorm:"type:string"`
	IntervalSeconds int    `json:"interval_seconds"`
	MaxPulses       int    `json:"max_pulses"`
	HideOthers      bool   `json:"hide_others"`
	IsDefault       bool   `json:"is_default"`
}

func (p WraithPreset) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("owner_id", p.OwnerID),
		slog.String("name", p.Name),
		slog.Bool("is_default", p.IsDefault),
	)
}

// Params validates the preset's stored inputs into IsolationParams,
// applying the same contract as a fresh start.
func (p WraithPreset) Params() (IsolationParams, error) {
	var intervalRaw, maxRaw string
	if p.IntervalSeconds > 0 {
		intervalRaw = strconv.Itoa(p.IntervalSeconds)
	}
	if p.MaxPulses > 0 {
		maxRaw = strconv.Itoa(p.MaxPulses)
	}
	return validateIsolationInput(
		p.Message, p.DurationRaw, intervalRaw, maxRaw, p.HideOthers,
	)
}

// presetKey normalizes a preset name into its lookup key.
func presetKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// PresetStore persists per-operator wraith presets.
type PresetStore struct {
	db     DBI
	logger *slog.Logger
}

func newPresetStore(db DBI, logger *slog.Logger) *PresetStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PresetStore{
		db:     db,
		logger: logger.With(loggerNameKey, "preset_store"),
	}
}

// Save upserts a preset by its normalized name, enforcing the per-owner
// limit for new presets.
func (s *PresetStore) Save(
	ctx context.Context,
	preset *WraithPreset,
) error {
	if preset == nil || preset.OwnerID == "" {
		return ErrInvalidPreset
	}
	name := strings.TrimSpace(preset.Name)
	if name == "" || len([]rune(name)) > presetNameMaxLength {
		return fmt.Errorf(
			"%w: name must be 1-%d characters",
			ErrInvalidPreset, presetNameMaxLength,
		)
	}
	preset.Name = name
	preset.Key = presetKey(name)

	return s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var existing WraithPreset
			err := tx.Where(
				"owner_id = ? AND key = ?", preset.OwnerID, preset.Key,
			).First(&existing).Error
			switch {
			case err == nil:
				preset.ID = existing.ID
				preset.IsDefault = existing.IsDefault
				preset.CreatedAt = existing.CreatedAt
				return tx.Save(preset).Error
			case errors.Is(err, gorm.ErrRecordNotFound):
				var count int64
				if err = tx.Model(&WraithPreset{}).Where(
					"owner_id = ?", preset.OwnerID,
				).Count(&count).Error; err != nil {
					return err
				}
				if count >= maxPresetsPerOwner {
					return ErrTooManyPresets
				}
				return tx.Create(preset).Error
			default:
				return err
			}
		},
	)
}

// Get returns the owner's preset with the given name.
func (s *PresetStore) Get(
	_ context.Context,
	ownerID string,
	name string,
) (*WraithPreset, error) {
	var preset WraithPreset
	err := s.db.DB().Where(
		"owner_id = ? AND key = ?", ownerID, presetKey(name),
	).First(&preset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPresetNotFound
	}
	if err != nil {
		return nil, err
	}
	return &preset, nil
}

// List returns all of the owner's presets, default first, then by name.
func (s *PresetStore) List(
	_ context.Context,
	ownerID string,
) ([]WraithPreset, error) {
	var presets []WraithPreset
	err := s.db.DB().Where("owner_id = ?", ownerID).
		Order("is_default desc, key asc").
		Find(&presets).Error
	return presets, err
}

// Delete removes the owner's preset with the given name. Deleting the
// default preset simply leaves the owner with no default.
func (s *PresetStore) Delete(
	_ context.Context,
	ownerID string,
	name string,
) error {
	rv := s.db.DB().Where(
		"owner_id = ? AND key = ?", ownerID, presetKey(name),
	).Delete(&WraithPreset{})
	if rv.Error != nil {
		return rv.Error
	}
	if rv.RowsAffected == 0 {
		return ErrPresetNotFound
	}
	return nil
}

// SetDefault marks the named preset as the owner's default, clearing any
// previous default.
func (s *PresetStore) SetDefault(
	ctx context.Context,
	ownerID string,
	name string,
) error {
	key := presetKey(name)
	return s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var preset WraithPreset
			err := tx.Where(
				"owner_id = ? AND key = ?", ownerID, key,
			).First(&preset).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPresetNotFound
			}
			if err != nil {
				return err
			}
			if err = tx.Model(&WraithPreset{}).Where(
				"owner_id = ? AND is_default", ownerID,
			).Update("is_default", false).Error; err != nil {
				return err
			}
			return tx.Model(&preset).Update("is_default", true).Error
		},
	)
}

// ClearDefault removes the owner's default preset marker.
func (s *PresetStore) ClearDefault(
	_ context.Context,
	ownerID string,
) error {
	return s.db.DB().Model(&WraithPreset{}).Where(
		"owner_id = ? AND is_default", ownerID,
	).Update("is_default", false).Error
}

// GetDefault returns the owner's default preset.
func (s *PresetStore) GetDefault(
	_ context.Context,
	ownerID string,
) (*WraithPreset, error) {
	var preset WraithPreset
	err := s.db.DB().Where(
		"owner_id = ? AND is_default", ownerID,
	).First(&preset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoDefaultPreset
	}
	if err != nil {
		return nil, err
	}
	return &preset, nil
}
