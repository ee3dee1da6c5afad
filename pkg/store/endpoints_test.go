package store_test

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netwall-io/netwall/pkg/model"
	"github.com/netwall-io/netwall/pkg/store"
)

func seedEndpoint(t *testing.T, s *store.Store, device, ip, mac, hostname string) {
	t.Helper()

	id := model.EndpointIDForIP(device, model.SideInside, ip)
	var macPtr *string
	if mac != "" {
		id = model.EndpointIDForMAC(mac)
		macPtr = &mac
	}

	obs := store.EndpointObservation{
		EndpointID: id,
		DeviceKey:  device,
		IP:         strPtr(ip),
		MAC:        macPtr,
		Side:       strPtr(model.SideInside),
		Ts:         testBase,
	}
	require.NoError(t, s.WriteBatch(context.Background(), &store.Batch{Endpoints: []store.EndpointObservation{obs}}))

	if hostname != "" && mac != "" {
		require.NoError(t, s.WriteBatch(context.Background(), &store.Batch{Devices: []model.DeviceUpdate{{
			TsUTC: testBase, Device: device, MAC: mac, IP: ip, Hostname: hostname,
		}}}))
	}
}

func TestKnownEndpoints(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	seedEndpoint(t, s, "fw1", "192.168.1.10", "AA-BB-CC-00-00-01", "printer-lobby")
	seedEndpoint(t, s, "fw1", "192.168.1.11", "AA-BB-CC-00-00-02", "nas")
	seedEndpoint(t, s, "fw1", "192.168.1.9", "", "")
	seedEndpoint(t, s, "fw1", "8.8.8.8", "", "")
	seedEndpoint(t, s, "fw2", "192.168.1.50", "", "")

	t.Run("scoped to devices", func(t *testing.T) {
		page, err := s.KnownEndpoints(ctx, store.KnownEndpointsQuery{Devices: []string{"fw1"}})
		require.NoError(t, err)
		assert.Equal(t, 4, page.Total)
	})

	t.Run("no devices yields an empty page", func(t *testing.T) {
		page, err := s.KnownEndpoints(ctx, store.KnownEndpointsQuery{})
		require.NoError(t, err)
		assert.Zero(t, page.Total)
		assert.Empty(t, page.Items)
	})

	t.Run("search matches hostname", func(t *testing.T) {
		page, err := s.KnownEndpoints(ctx, store.KnownEndpointsQuery{
			Devices: []string{"fw1"}, Search: "PRINTER",
		})
		require.NoError(t, err)
		require.Equal(t, 1, page.Total)
		require.NotNil(t, page.Items[0].Hostname)
		assert.Equal(t, "printer-lobby", *page.Items[0].Hostname)
	})

	t.Run("local only drops public addresses", func(t *testing.T) {
		page, err := s.KnownEndpoints(ctx, store.KnownEndpointsQuery{
			Devices:       []string{"fw1"},
			LocalOnly:     true,
			LocalNetworks: []netip.Prefix{netip.MustParsePrefix("192.168.0.0/16")},
		})
		require.NoError(t, err)
		assert.Equal(t, 3, page.Total)
		for _, ep := range page.Items {
			require.NotNil(t, ep.IP)
			assert.NotEqual(t, "8.8.8.8", *ep.IP)
		}
	})

	t.Run("NAT addresses are not hosts", func(t *testing.T) {
		// 8.8.8.8 shows up as a NAT translation in traffic.
		require.NoError(t, s.WriteBatch(ctx, &store.Batch{Events: []model.Event{{
			TsUTC: testBase, Device: "fw1",
			EventType: strPtr(model.EventConnOpenNATSAT),
			SrcIP:     strPtr("192.168.1.10"),
			XlatSrcIP: strPtr("8.8.8.8"),
		}}}))

		page, err := s.KnownEndpoints(ctx, store.KnownEndpointsQuery{
			Devices: []string{"fw1"}, ExcludeNATIPs: true,
		})
		require.NoError(t, err)
		assert.Equal(t, 3, page.Total)
	})

	t.Run("ip sort is numeric", func(t *testing.T) {
		page, err := s.KnownEndpoints(ctx, store.KnownEndpointsQuery{
			Devices: []string{"fw1"}, SortBy: "ip",
		})
		require.NoError(t, err)
		require.Equal(t, 4, page.Total)
		assert.Equal(t, "8.8.8.8", *page.Items[0].IP)
		assert.Equal(t, "192.168.1.9", *page.Items[1].IP)
		assert.Equal(t, "192.168.1.10", *page.Items[2].IP)
	})

	t.Run("paging", func(t *testing.T) {
		page, err := s.KnownEndpoints(ctx, store.KnownEndpointsQuery{
			Devices: []string{"fw1"}, Page: 2, PageSize: 3,
		})
		require.NoError(t, err)
		assert.Equal(t, 4, page.Total)
		assert.Len(t, page.Items, 1)

		beyond, err := s.KnownEndpoints(ctx, store.KnownEndpointsQuery{
			Devices: []string{"fw1"}, Page: 9, PageSize: 3,
		})
		require.NoError(t, err)
		assert.Empty(t, beyond.Items)
	})
}

func TestEndpointOverrides(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetOverride(ctx, "AA-BB-CC-DD-EE-FF")
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, s.UpsertOverride(ctx, &model.EndpointOverride{
		MAC:      "AA-BB-CC-DD-EE-FF",
		Hostname: strPtr("front-desk"),
		HWType:   strPtr("Workstation"),
		Note:     strPtr("asset 1042"),
	}))

	o, err := s.GetOverride(ctx, "AA-BB-CC-DD-EE-FF")
	require.NoError(t, err)
	require.NotNil(t, o.Hostname)
	assert.Equal(t, "front-desk", *o.Hostname)
	assert.False(t, o.UpdatedAt.IsZero())

	// Full replacement: omitted fields become null.
	require.NoError(t, s.UpsertOverride(ctx, &model.EndpointOverride{
		MAC:      "AA-BB-CC-DD-EE-FF",
		Hostname: strPtr("front-desk-2"),
	}))
	o, err = s.GetOverride(ctx, "AA-BB-CC-DD-EE-FF")
	require.NoError(t, err)
	assert.Equal(t, "front-desk-2", *o.Hostname)
	assert.Nil(t, o.HWType)

	all, err := s.ListOverrides(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteOverride(ctx, "AA-BB-CC-DD-EE-FF"))
	_, err = s.GetOverride(ctx, "AA-BB-CC-DD-EE-FF")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestFindEndpointByMAC(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	seedEndpoint(t, s, "fw1", "192.168.1.10", "AA-BB-CC-00-00-01", "")

	ep, err := s.FindEndpointByMAC(ctx, []string{"fw1"}, "AA-BB-CC-00-00-01")
	require.NoError(t, err)
	assert.Equal(t, model.EndpointIDForMAC("AA-BB-CC-00-00-01"), ep.EndpointID)

	_, err = s.FindEndpointByMAC(ctx, []string{"fw1"}, "11-22-33-44-55-66")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestMACInventory(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	seedTraffic := func(mac, ip string, ts time.Time) {
		require.NoError(t, s.WriteBatch(ctx, &store.Batch{Events: []model.Event{{
			TsUTC: ts, Device: "fw1",
			EventType: strPtr(model.EventConnOpen),
			SrcMAC:    strPtr(mac),
			SrcIP:     strPtr(ip),
		}}}))
	}

	// One MAC fronting four addresses: looks like a router.
	router := "AA-BB-CC-00-00-10"
	for i, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"} {
		seedTraffic(router, ip, testBase.Add(time.Duration(i)*time.Minute))
	}
	// A plain host: one address, seen twice.
	host := "AA-BB-CC-00-00-11"
	seedTraffic(host, "10.0.0.50", testBase)
	seedTraffic(host, "10.0.0.50", testBase.Add(time.Hour))

	_, err := s.UpsertRouterMACRule(ctx, &model.RouterMACRule{
		DeviceKey: "fw1", MAC: host, Direction: model.RouterMACDirectionBoth,
	})
	require.NoError(t, err)

	rows, err := s.MACInventory(ctx, store.MACInventoryQuery{
		Devices: []string{"fw1"}, Threshold: 3,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	r := rows[0]
	assert.Equal(t, router, r.MAC, "busiest MAC first")
	assert.Equal(t, int64(4), r.DistinctIPCount)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, r.SampleIPs, "at most three samples")
	assert.True(t, r.LastSeen.Equal(testBase.Add(3*time.Minute)))
	assert.True(t, r.SuggestedRouter)
	assert.False(t, r.Flagged)

	h := rows[1]
	assert.Equal(t, host, h.MAC)
	assert.Equal(t, int64(1), h.DistinctIPCount)
	assert.False(t, h.SuggestedRouter)
	assert.True(t, h.Flagged, "existing rules are reported")

	t.Run("window narrows the rollup", func(t *testing.T) {
		rows, err := s.MACInventory(ctx, store.MACInventoryQuery{
			Devices: []string{"fw1"},
			From:    testBase.Add(30 * time.Minute),
			To:      testBase.Add(2 * time.Hour),
		})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, host, rows[0].MAC)
	})
}

func TestCountEventSightings(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	mac := "AA-BB-CC-00-00-20"
	require.NoError(t, s.WriteBatch(ctx, &store.Batch{Events: []model.Event{
		{TsUTC: testBase, Device: "fw1", SrcMAC: strPtr(mac)},
		{TsUTC: testBase, Device: "fw1", DestMAC: strPtr(mac)},
		{TsUTC: testBase, Device: "fw2", SrcMAC: strPtr(mac)},
	}}))

	n, err := s.CountEventSightings(ctx, []string{"fw1"}, mac)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.CountEventSightings(ctx, []string{"fw1", "fw2"}, mac)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
