package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/netwall-io/netwall/pkg/model"
)

// Settings are read on almost every request; the DB row is
// authoritative and this cache is refreshed on write or after the TTL.
const settingsCacheTTL = 30 * time.Second

type cachedSetting struct {
	raw     []byte
	found   bool
	fetched time.Time
}

// GetSetting unmarshals the value stored under key into out. Returns
// false and leaves out untouched when the key has never been written.
func (s *Store) GetSetting(ctx context.Context, key string, out interface{}) (bool, error) {
	s.settingsMu.RLock()
	cached, ok := s.settingsCache[key]
	s.settingsMu.RUnlock()

	if ok && time.Since(cached.fetched) < settingsCacheTTL {
		if !cached.found {
			return false, nil
		}
		if err := json.Unmarshal(cached.raw, out); err != nil {
			return false, fmt.Errorf("failed to decode setting %s: %w", key, err)
		}
		return true, nil
	}

	var valueJSON string
	err := s.db.GetContext(ctx, &valueJSON,
		s.rebind("SELECT value_json FROM settings WHERE key = ?"), key)
	if errors.Is(err, sql.ErrNoRows) {
		s.cacheSetting(key, nil, false)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}

	s.cacheSetting(key, []byte(valueJSON), true)
	if err := json.Unmarshal([]byte(valueJSON), out); err != nil {
		return false, fmt.Errorf("failed to decode setting %s: %w", key, err)
	}
	return true, nil
}

const upsertSettingSQL = `
INSERT INTO settings (key, value_json, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (key) DO UPDATE SET
	value_json = excluded.value_json,
	updated_at = excluded.updated_at`

// PutSetting stores value as JSON under key.
func (s *Store) PutSetting(ctx context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode setting %s: %w", key, err)
	}

	err = withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, s.rebind(upsertSettingSQL),
			key, string(raw), msOf(time.Now().UTC()))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}

	s.cacheSetting(key, raw, true)
	return nil
}

func (s *Store) cacheSetting(key string, raw []byte, found bool) {
	s.settingsMu.Lock()
	if s.settingsCache == nil {
		s.settingsCache = make(map[string]cachedSetting)
	}
	s.settingsCache[key] = cachedSetting{raw: raw, found: found, fetched: time.Now()}
	s.settingsMu.Unlock()
}

// RetentionSettings returns the retention policy, defaulted when
// unset.
func (s *Store) RetentionSettings(ctx context.Context) (model.RetentionSettings, error) {
	out := model.DefaultRetention()
	if _, err := s.GetSetting(ctx, model.SettingLogRetention, &out); err != nil {
		return out, err
	}
	return out, nil
}

// LocalNetworks returns the local-networks filter. An unset or empty
// CIDR list falls back to the RFC1918 defaults.
func (s *Store) LocalNetworks(ctx context.Context) (model.LocalNetworksSettings, error) {
	var out model.LocalNetworksSettings
	if _, err := s.GetSetting(ctx, model.SettingLocalNetworks, &out); err != nil {
		return out, err
	}
	if len(out.CIDRs) == 0 {
		out.CIDRs = model.DefaultLocalNetworks()
	}
	return out, nil
}

// HADismissals returns which HA candidate banners were dismissed.
func (s *Store) HADismissals(ctx context.Context) (model.HADismissals, error) {
	out := model.HADismissals{}
	if _, err := s.GetSetting(ctx, model.SettingHABanner, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// LastCleanup returns the summary of the most recent retention run,
// or nil when cleanup has never run.
func (s *Store) LastCleanup(ctx context.Context) (*model.CleanupSummary, error) {
	var out model.CleanupSummary
	found, err := s.GetSetting(ctx, model.SettingLastCleanup, &out)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &out, nil
}
