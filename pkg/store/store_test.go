package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netwall-io/netwall/pkg/model"
	"github.com/netwall-io/netwall/pkg/store"
)

// newTestStore opens a fresh SQLite store in a temp directory with
// migrations applied.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	cfg := &store.Config{
		Type:   store.DatabaseTypeSQLite,
		SQLite: store.SQLiteConfig{Path: filepath.Join(t.TempDir(), "netwall.db")},
	}

	s, err := store.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
func i64Ptr(i int64) *int64   { return &i }

// testBase is a fixed instant so timestamp assertions are stable.
var testBase = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func TestSettings_RoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("missing key reports not found", func(t *testing.T) {
		var out map[string]string
		found, err := s.GetSetting(ctx, "never_written", &out)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("put then get", func(t *testing.T) {
		in := map[string]int{"a": 1, "b": 2}
		require.NoError(t, s.PutSetting(ctx, "test_key", in))

		var out map[string]int
		found, err := s.GetSetting(ctx, "test_key", &out)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, in, out)
	})

	t.Run("overwrite replaces the value", func(t *testing.T) {
		require.NoError(t, s.PutSetting(ctx, "test_key", map[string]int{"c": 3}))

		var out map[string]int
		found, err := s.GetSetting(ctx, "test_key", &out)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, map[string]int{"c": 3}, out)
	})

	t.Run("retention defaults when unset", func(t *testing.T) {
		r, err := s.RetentionSettings(ctx)
		require.NoError(t, err)
		assert.False(t, r.Enabled)
		assert.Equal(t, model.RetentionDefaultDays, r.KeepDays)
	})

	t.Run("local networks default to RFC1918", func(t *testing.T) {
		ln, err := s.LocalNetworks(ctx)
		require.NoError(t, err)
		assert.False(t, ln.Enabled)
		assert.Equal(t, model.DefaultLocalNetworks(), ln.CIDRs)
	})

	t.Run("last cleanup is nil before the first run", func(t *testing.T) {
		sum, err := s.LastCleanup(ctx)
		require.NoError(t, err)
		assert.Nil(t, sum)
	})

	t.Run("last cleanup round trips", func(t *testing.T) {
		in := model.CleanupSummary{
			LastRun:        testBase,
			DurationMs:     1234,
			DeletedEvents:  10,
			DeletedRawLogs: 20,
			VacuumRan:      true,
			KeepDays:       3,
			Cutoff:         testBase.AddDate(0, 0, -3),
		}
		require.NoError(t, s.PutSetting(ctx, model.SettingLastCleanup, in))

		out, err := s.LastCleanup(ctx)
		require.NoError(t, err)
		require.NotNil(t, out)
		assert.Equal(t, in.DeletedEvents, out.DeletedEvents)
		assert.True(t, out.LastRun.Equal(in.LastRun))
	})
}

func TestResolveDeviceKeys(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("plain name resolves to itself", func(t *testing.T) {
		keys, err := s.ResolveDeviceKeys(ctx, "fw-edge")
		require.NoError(t, err)
		assert.Equal(t, []string{"fw-edge"}, keys)
	})

	t.Run("empty selector resolves to nothing", func(t *testing.T) {
		keys, err := s.ResolveDeviceKeys(ctx, "   ")
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("unknown HA group resolves to nothing", func(t *testing.T) {
		keys, err := s.ResolveDeviceKeys(ctx, "ha:ghost")
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("enabled HA group resolves to members", func(t *testing.T) {
		members := []string{"gw-core-a", "gw-core-b"}
		_, err := s.UpsertHAGroup(ctx, "gw-core", members, true)
		require.NoError(t, err)

		keys, err := s.ResolveDeviceKeys(ctx, "ha:gw-core")
		require.NoError(t, err)
		assert.Equal(t, members, keys)
	})

	t.Run("disabled HA group resolves to nothing", func(t *testing.T) {
		_, err := s.UpsertHAGroup(ctx, "gw-core", []string{"gw-core-a", "gw-core-b"}, false)
		require.NoError(t, err)

		keys, err := s.ResolveDeviceKeys(ctx, "ha:gw-core")
		require.NoError(t, err)
		assert.Empty(t, keys)
	})
}

func TestHAGroup_Lifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	fw, err := s.UpsertHAGroup(ctx, "gw-mand", []string{"gw-mand_Master", "gw-mand_Slave"}, true)
	require.NoError(t, err)
	assert.Equal(t, "ha:gw-mand", fw.DeviceKey)
	assert.Equal(t, "gw-mand (HA)", fw.DisplayName)
	assert.True(t, fw.IsHA())
	assert.Equal(t, "gw-mand", fw.HABase())
	assert.True(t, fw.Enabled)
	assert.Equal(t, []string{"gw-mand_Master", "gw-mand_Slave"}, fw.Members)

	// A rename sticks across re-enables.
	require.NoError(t, s.SetFirewallDisplayName(ctx, "ha:gw-mand", "Mandatory Edge"))
	fw, err = s.UpsertHAGroup(ctx, "gw-mand", []string{"gw-mand_Master", "gw-mand_Slave"}, true)
	require.NoError(t, err)
	assert.Equal(t, "Mandatory Edge", fw.DisplayName)

	require.NoError(t, s.SetFirewallEnabled(ctx, "ha:gw-mand", false))
	fw, err = s.GetFirewall(ctx, "ha:gw-mand")
	require.NoError(t, err)
	assert.False(t, fw.Enabled)

	err = s.SetFirewallDisplayName(ctx, "ha:nope", "x")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestFirewallOverrides(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetFirewallOverride(ctx, "fw1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, s.UpsertFirewallOverride(ctx, &model.FirewallOverride{
		DeviceKey:   "fw1",
		DisplayName: strPtr("Branch Office"),
		Comment:     strPtr("rack 3"),
	}))

	o, err := s.GetFirewallOverride(ctx, "fw1")
	require.NoError(t, err)
	require.NotNil(t, o.DisplayName)
	assert.Equal(t, "Branch Office", *o.DisplayName)

	all, err := s.ListFirewallOverrides(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteFirewallOverride(ctx, "fw1"))
	_, err = s.GetFirewallOverride(ctx, "fw1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	// Deleting twice is fine.
	require.NoError(t, s.DeleteFirewallOverride(ctx, "fw1"))
}

func TestRouterMACRules(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("direction is validated", func(t *testing.T) {
		_, err := s.UpsertRouterMACRule(ctx, &model.RouterMACRule{
			DeviceKey: "fw1", MAC: "AA-BB-CC-DD-EE-FF", Direction: "sideways",
		})
		assert.ErrorIs(t, err, model.ErrValidation)
	})

	t.Run("empty direction defaults to both", func(t *testing.T) {
		rule, err := s.UpsertRouterMACRule(ctx, &model.RouterMACRule{
			DeviceKey: "fw1", MAC: "AA-BB-CC-DD-EE-FF",
		})
		require.NoError(t, err)
		assert.Equal(t, model.RouterMACDirectionBoth, rule.Direction)
		assert.NotZero(t, rule.ID)
	})

	t.Run("upsert replaces direction for the same pair", func(t *testing.T) {
		rule, err := s.UpsertRouterMACRule(ctx, &model.RouterMACRule{
			DeviceKey: "fw1", MAC: "AA-BB-CC-DD-EE-FF", Direction: model.RouterMACDirectionSrc,
		})
		require.NoError(t, err)
		assert.Equal(t, model.RouterMACDirectionSrc, rule.Direction)

		rules, err := s.ListRouterMACRules(ctx, []string{"fw1"})
		require.NoError(t, err)
		assert.Len(t, rules, 1)
	})

	t.Run("delete by id", func(t *testing.T) {
		rule, err := s.UpsertRouterMACRule(ctx, &model.RouterMACRule{
			DeviceKey: "fw2", MAC: "11-22-33-44-55-66", Direction: model.RouterMACDirectionDest,
		})
		require.NoError(t, err)

		require.NoError(t, s.DeleteRouterMACRule(ctx, rule.ID))
		err = s.DeleteRouterMACRule(ctx, rule.ID)
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}
