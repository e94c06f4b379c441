package repository

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/models"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/pkg/validation"
)

// Seed is the initial autopay configuration read from a YAML file.
type Seed struct {
	Settings *struct {
		Enabled              bool   `yaml:"enabled"`
		GlobalDailyLimitSats uint64 `yaml:"global_daily_limit_sats"`
	} `yaml:"settings"`
	PeerLimits []struct {
		PeerPubkey string `yaml:"peer_pubkey"`
		LimitSats  uint64 `yaml:"limit_sats"`
	} `yaml:"peer_limits"`
	Rules []struct {
		Name           string   `yaml:"name"`
		PeerPubkey     string   `yaml:"peer_pubkey"`
		MaxAmountSats  uint64   `yaml:"max_amount_sats"`
		AllowedMethods []string `yaml:"allowed_methods"`
		Enabled        *bool    `yaml:"enabled"`
	} `yaml:"rules"`
}

// ParseSeed decodes and validates a seed document.
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed: %w", err)
	}

	for i := range seed.PeerLimits {
		pk, err := validation.ValidateAndNormalizePubkey(seed.PeerLimits[i].PeerPubkey)
		if err != nil {
			return nil, fmt.Errorf("peer_limits[%d]: %w", i, err)
		}
		seed.PeerLimits[i].PeerPubkey = pk
	}
	for i := range seed.Rules {
		rule := &seed.Rules[i]
		if rule.Name == "" {
			return nil, fmt.Errorf("rules[%d]: name is required", i)
		}
		pk, err := validation.ValidateAndNormalizePubkey(rule.PeerPubkey)
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		rule.PeerPubkey = pk
		for _, m := range rule.AllowedMethods {
			if err := validation.ValidateMethodID(m); err != nil {
				return nil, fmt.Errorf("rules[%d]: %w", i, err)
			}
		}
	}
	return &seed, nil
}

// SeedFromFile applies the seed at path. Each of settings, peer limits and
// rules is written only when its table is still empty, so restarts never
// overwrite what was changed through the API.
func (db *GormDB) SeedFromFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read seed file: %w", err)
	}
	seed, err := ParseSeed(data)
	if err != nil {
		return err
	}
	return db.ApplySeed(ctx, seed)
}

func (db *GormDB) ApplySeed(ctx context.Context, seed *Seed) error {
	now := db.now()

	if seed.Settings != nil {
		_, err := db.GetSettings(ctx)
		switch {
		case errors.Is(err, models.ErrNotFound):
			settings := &models.AutoPaySettings{
				ID:                   models.SettingsID,
				Enabled:              seed.Settings.Enabled,
				GlobalDailyLimitSats: seed.Settings.GlobalDailyLimitSats,
				LastResetDate:        now,
			}
			if err := db.PersistSettings(ctx, settings); err != nil {
				return err
			}
			db.logger.Info("Seeded autopay settings", "enabled", settings.Enabled, "global_daily_limit_sats", settings.GlobalDailyLimitSats)
		case err != nil:
			return fmt.Errorf("failed to get settings: %w", err)
		}
	}

	if len(seed.PeerLimits) > 0 {
		existing, err := db.GetPeerLimits(ctx)
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			limits := make([]models.PeerSpendingLimit, 0, len(seed.PeerLimits))
			for _, l := range seed.PeerLimits {
				limits = append(limits, models.PeerSpendingLimit{
					PeerPubkey:    l.PeerPubkey,
					LimitSats:     l.LimitSats,
					LastResetDate: now,
				})
			}
			if err := db.PersistPeerLimits(ctx, limits); err != nil {
				return err
			}
			db.logger.Info("Seeded peer limits", "count", len(limits))
		}
	}

	if len(seed.Rules) > 0 {
		existing, err := db.GetRules(ctx)
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			for i, r := range seed.Rules {
				enabled := true
				if r.Enabled != nil {
					enabled = *r.Enabled
				}
				rule := &models.AutoPayRule{
					ID:             uuid.New().String(),
					Name:           r.Name,
					PeerPubkey:     r.PeerPubkey,
					MaxAmountSats:  r.MaxAmountSats,
					AllowedMethods: r.AllowedMethods,
					Enabled:        enabled,
					Position:       i,
					CreatedAt:      now,
				}
				if err := db.SaveRule(ctx, rule); err != nil {
					return err
				}
			}
			db.logger.Info("Seeded autopay rules", "count", len(seed.Rules))
		}
	}
	return nil
}
