package service

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"

	"flowmint/internal/apperr"
	"flowmint/internal/models"
	"flowmint/internal/repository"
)

const (
	FeatureReservationSweep = "feature.reservation_sweep"
	FeatureWebhooks         = "feature.webhooks"
	FeatureCircuitSnapshot  = "feature.circuit_snapshot"
	FeatureLegExecution     = "feature.leg_execution"
)

const featurePrefix = "feature."

type featureSwitch struct {
	Default     bool
	Description string
}

var featureSwitches = map[string]featureSwitch{
	FeatureReservationSweep: {true, "expire stale reservations and invoices on the cron schedule"},
	FeatureWebhooks:         {true, "deliver invoice and leg events to the merchant webhook"},
	FeatureCircuitSnapshot:  {true, "log non-closed circuits on the cron schedule"},
	// Kill switch for all leg execution; flipping it off drains new work.
	FeatureLegExecution: {true, "allow payment legs to execute"},
}

func DefaultFeatureSwitches() map[string]bool {
	out := make(map[string]bool, len(featureSwitches))
	for key, sw := range featureSwitches {
		out[key] = sw.Default
	}
	return out
}

// Switch is the effective state of one feature switch.
type Switch struct {
	Name        string     `json:"name"`
	Enabled     bool       `json:"enabled"`
	Default     bool       `json:"default"`
	Description string     `json:"description"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

type SystemSettingsService struct {
	Repo repository.SettingsRepository
}

// EnsureDefaultSwitches seeds missing switches. Stored values are left alone
// so operator choices survive restarts.
func (s *SystemSettingsService) EnsureDefaultSwitches(ctx context.Context) error {
	if s == nil || s.Repo == nil {
		return nil
	}
	now := time.Now().UTC()
	for key, sw := range featureSwitches {
		existing, err := s.Repo.GetSystemSettingByKey(ctx, key)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		if err := s.Repo.UpsertSystemSetting(ctx, switchRow(key, sw.Default, now)); err != nil {
			return err
		}
	}
	return nil
}

func (s *SystemSettingsService) IsEnabled(ctx context.Context, key string, fallback bool) bool {
	if s == nil || s.Repo == nil {
		return fallback
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fallback
	}
	item, err := s.Repo.GetSystemSettingByKey(ctx, key)
	if err != nil || item == nil {
		return fallback
	}
	enabled, ok := decodeSwitch(item.Value)
	if !ok {
		return fallback
	}
	return enabled
}

// SetEnabled stores an operator override. Only known switches can be set.
func (s *SystemSettingsService) SetEnabled(ctx context.Context, key string, enabled bool) error {
	if s == nil || s.Repo == nil {
		return nil
	}
	key = strings.TrimSpace(key)
	if _, known := featureSwitches[key]; !known {
		return apperr.NotFound(apperr.CodeSwitchNotFound, "unknown switch "+key)
	}
	return s.Repo.UpsertSystemSetting(ctx, switchRow(key, enabled, time.Now().UTC()))
}

// Switches lists every known switch with its effective value. Unknown rows
// under the feature prefix are ignored.
func (s *SystemSettingsService) Switches(ctx context.Context) ([]Switch, error) {
	out := make([]Switch, 0, len(featureSwitches))
	stored := map[string]models.SystemSetting{}
	if s != nil && s.Repo != nil {
		prefix := featurePrefix
		rows, err := s.Repo.ListSystemSettings(ctx, repository.ListSystemSettingsParams{Prefix: &prefix, Limit: 200})
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			stored[row.Key] = row
		}
	}
	for key, sw := range featureSwitches {
		item := Switch{Name: key, Enabled: sw.Default, Default: sw.Default, Description: sw.Description}
		if row, ok := stored[key]; ok {
			if enabled, ok := decodeSwitch(row.Value); ok {
				item.Enabled = enabled
			}
			updated := row.UpdatedAt
			item.UpdatedAt = &updated
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func switchRow(key string, enabled bool, now time.Time) *models.SystemSetting {
	raw, _ := json.Marshal(enabled)
	return &models.SystemSetting{
		Key:         key,
		Value:       datatypes.JSON(raw),
		Description: featureSwitches[key].Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func decodeSwitch(raw datatypes.JSON) (bool, bool) {
	if len(raw) == 0 {
		return false, false
	}
	var enabled bool
	if err := json.Unmarshal(raw, &enabled); err != nil {
		return false, false
	}
	return enabled, true
}
