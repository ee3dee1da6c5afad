package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netwall-io/netwall/pkg/model"
	"github.com/netwall-io/netwall/pkg/store"
)

// seedEvent writes one minimal CONN event plus its raw line at ts.
func seedEvent(t *testing.T, s *store.Store, device string, ts time.Time) {
	t.Helper()
	require.NoError(t, s.WriteBatch(context.Background(), &store.Batch{
		RawLogs: []model.RawLog{{
			TsUTC: ts, Device: device, RawRecord: "raw", ParseStatus: model.ParseStatusOK,
		}},
		Events: []model.Event{{
			TsUTC:     ts,
			Device:    device,
			EventType: strPtr(model.EventConnOpen),
			SrcIP:     strPtr("192.168.1.10"),
			DestIP:    strPtr("10.0.0.1"),
		}},
	}))
}

func countRows(t *testing.T, s *store.Store, table, device string) int {
	t.Helper()
	col := "device"
	if table == "flows" || table == "endpoints" || table == "router_mac_rules" {
		col = "device_key"
	}
	var n int
	require.NoError(t, s.DB().Get(&n,
		s.DB().Rebind("SELECT COUNT(*) FROM "+table+" WHERE "+col+" = ?"), device))
	return n
}

func TestSyslogOnlyFirewalls(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteBatch(ctx, &store.Batch{Firewalls: []store.FirewallObservation{
		{DeviceKey: "fw-live", Source: model.FirewallSourceSyslog, Ts: testBase},
		{DeviceKey: "fw-import", Source: model.FirewallSourceImport, Ts: testBase},
		{DeviceKey: "fw-mixed", Source: model.FirewallSourceSyslog, Ts: testBase},
	}}))
	require.NoError(t, s.WriteBatch(ctx, &store.Batch{Firewalls: []store.FirewallObservation{
		{DeviceKey: "fw-mixed", Source: model.FirewallSourceImport, Ts: testBase},
	}}))

	keys, err := s.SyslogOnlyFirewalls(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fw-live"}, keys,
		"firewalls that ever received an import are not eligible for retention")
}

func TestDeleteBefore_RespectsCutoffAndDevice(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	cutoff := testBase
	seedEvent(t, s, "fw1", cutoff.Add(-2*time.Hour))
	seedEvent(t, s, "fw1", cutoff.Add(-time.Minute))
	seedEvent(t, s, "fw1", cutoff.Add(time.Minute))
	seedEvent(t, s, "fw2", cutoff.Add(-2*time.Hour))

	deletedEvents, err := s.DeleteEventsBefore(ctx, []string{"fw1"}, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deletedEvents)

	deletedRaw, err := s.DeleteRawLogsBefore(ctx, []string{"fw1"}, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deletedRaw)

	assert.Equal(t, 1, countRows(t, s, "events", "fw1"), "rows at or after the cutoff survive")
	assert.Equal(t, 1, countRows(t, s, "events", "fw2"), "other devices are untouched")

	// A second pass finds nothing.
	deletedEvents, err = s.DeleteEventsBefore(ctx, []string{"fw1"}, cutoff)
	require.NoError(t, err)
	assert.Zero(t, deletedEvents)

	// Exactly keep_days old is kept: the comparison is strict.
	deletedEvents, err = s.DeleteEventsBefore(ctx, []string{"fw2"}, cutoff.Add(-2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, deletedEvents)
}

func TestVacuum(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	seedEvent(t, s, "fw1", testBase)
	require.NoError(t, s.Vacuum(context.Background()))
}

func TestPurgeDevice(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	members := []string{"gw_Master", "gw_Slave"}
	for _, m := range members {
		seedEvent(t, s, m, testBase)
		writeOps(t, s, openOp(connKey(m), testBase))
	}
	seedEvent(t, s, "fw-other", testBase)
	writeOps(t, s, openOp(connKey("fw-other"), testBase))

	_, err := s.UpsertHAGroup(ctx, "gw", members, true)
	require.NoError(t, err)
	require.NoError(t, s.UpsertFirewallOverride(ctx, &model.FirewallOverride{
		DeviceKey: "ha:gw", DisplayName: strPtr("Gateway"),
	}))
	_, err = s.UpsertRouterMACRule(ctx, &model.RouterMACRule{
		DeviceKey: "gw_Master", MAC: "AA-BB-CC-00-00-01", Direction: model.RouterMACDirectionSrc,
	})
	require.NoError(t, err)
	_, err = s.UpsertClassification(ctx, &model.Classification{
		Device: "gw_Master", Kind: model.ClassKindZone, Name: "lan", Side: model.SideInside,
	})
	require.NoError(t, err)

	// Endpoint overrides are global, keyed by MAC; they must survive.
	require.NoError(t, s.UpsertOverride(ctx, &model.EndpointOverride{
		MAC: "AA-BB-CC-DD-EE-FF", Hostname: strPtr("laptop"),
	}))

	counts, err := s.PurgeDevice(ctx, "ha:gw", members)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts["events_deleted"])
	assert.Equal(t, int64(2), counts["raw_logs_deleted"])
	assert.Equal(t, int64(2), counts["flows_deleted"])
	assert.Equal(t, int64(1), counts["router_mac_rules_deleted"])
	assert.Equal(t, int64(1), counts["classifications_deleted"])
	assert.Equal(t, int64(1), counts["firewall_overrides_deleted"])
	assert.GreaterOrEqual(t, counts["firewalls_deleted"], int64(1))

	for _, m := range members {
		assert.Zero(t, countRows(t, s, "events", m))
		assert.Zero(t, countRows(t, s, "flows", m))
	}
	assert.Equal(t, 1, countRows(t, s, "events", "fw-other"), "other devices are untouched")
	assert.Equal(t, 1, countRows(t, s, "flows", "fw-other"))

	_, err = s.GetFirewall(ctx, "ha:gw")
	assert.ErrorIs(t, err, model.ErrNotFound)

	o, err := s.GetOverride(ctx, "AA-BB-CC-DD-EE-FF")
	require.NoError(t, err, "endpoint overrides span firewalls and survive a purge")
	require.NotNil(t, o.Hostname)
	assert.Equal(t, "laptop", *o.Hostname)
}

func TestDBStats(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	stats, err := s.DBStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", stats.Backend)
	assert.Zero(t, stats.EventsCount)
	assert.Nil(t, stats.OldestEventTs)

	seedEvent(t, s, "fw1", testBase)
	seedEvent(t, s, "fw1", testBase.Add(time.Hour))

	stats, err = s.DBStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.EventsCount)
	assert.Equal(t, int64(2), stats.RawLogsCount)
	require.NotNil(t, stats.OldestEventTs)
	assert.True(t, stats.OldestEventTs.Equal(testBase))
	require.NotNil(t, stats.NewestEventTs)
	assert.True(t, stats.NewestEventTs.Equal(testBase.Add(time.Hour)))
	require.NotNil(t, stats.FileSizeBytes)
	assert.Positive(t, *stats.FileSizeBytes)
}
