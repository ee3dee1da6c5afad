package graph_test

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netwall-io/netwall/pkg/classify"
	"github.com/netwall-io/netwall/pkg/graph"
	"github.com/netwall-io/netwall/pkg/model"
	"github.com/netwall-io/netwall/pkg/store"
)

var window = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

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

func newEngine(s *store.Store) *graph.Engine {
	return graph.New(s, classify.New(s, "zone"))
}

// seedFlow is one connection to persist through the regular batch
// path: an open op plus, when close is set, a close op with bytes.
type seedFlow struct {
	device       string
	proto        string
	srcIP        string
	srcPort      int
	destIP       string
	destPort     int
	srcMAC       string
	destMAC      string
	recvZone     string
	recvIf       string
	destZone     string
	destIf       string
	app          string
	rule         string
	open         time.Time
	close        time.Time
	bytesOrig    int64
	bytesTerm    int64
	xlatSrcIP    string
	xlatDestIP   string
	xlatDestPort int
}

func writeFlows(t *testing.T, s *store.Store, flows ...seedFlow) {
	t.Helper()

	batch := &store.Batch{}
	for i := range flows {
		f := flows[i]
		key := model.FlowKey{
			DeviceKey: f.device,
			Proto:     f.proto,
			SrcIP:     f.srcIP,
			SrcPort:   f.srcPort,
			DestIP:    f.destIP,
			DestPort:  f.destPort,
		}
		open := model.FlowOp{
			Kind:       model.FlowOpOpen,
			Key:        key,
			Ts:         f.open,
			Rule:       optStr(f.rule),
			AppName:    optStr(f.app),
			RecvZone:   optStr(f.recvZone),
			RecvIf:     optStr(f.recvIf),
			DestZone:   optStr(f.destZone),
			DestIf:     optStr(f.destIf),
			SrcMAC:     optStr(f.srcMAC),
			DestMAC:    optStr(f.destMAC),
			XlatSrcIP:  optStr(f.xlatSrcIP),
			XlatDestIP: optStr(f.xlatDestIP),
		}
		if f.xlatDestPort != 0 {
			port := f.xlatDestPort
			open.XlatDestPort = &port
		}
		batch.FlowOps = append(batch.FlowOps, open)

		if !f.close.IsZero() {
			batch.FlowOps = append(batch.FlowOps, model.FlowOp{
				Kind:        model.FlowOpClose,
				Key:         key,
				Ts:          f.close,
				BytesOrig:   f.bytesOrig,
				BytesTerm:   f.bytesTerm,
				CloseReason: model.CloseReasonClose,
				AppName:     optStr(f.app),
			})
		}
	}
	require.NoError(t, s.WriteBatch(context.Background(), batch))
}

func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func intPtr(v int) *int       { return &v }
func strPtr(s string) *string { return &s }

func baseRequest() graph.Request {
	return graph.Request{
		DeviceKey: "fw1",
		SrcKind:   graph.KindZone,
		SrcValue:  "lan",
		DstKind:   graph.KindAny,
		From:      window,
		To:        window.Add(time.Hour),
	}
}

func findEdge(t *testing.T, edges []graph.Edge, source, target string) graph.Edge {
	t.Helper()
	for _, e := range edges {
		if e.SourceNodeID == source && e.TargetNodeID == target {
			return e
		}
	}
	t.Fatalf("edge %s -> %s not found in %d edges", source, target, len(edges))
	return graph.Edge{}
}

func findGroup(t *testing.T, groups []graph.InterfaceGroup, id string) graph.InterfaceGroup {
	t.Helper()
	for _, g := range groups {
		if g.ID == id {
			return g
		}
	}
	t.Fatalf("interface group %s not found", id)
	return graph.InterfaceGroup{}
}

func TestBuild_RouterMACCollapsesSources(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertRouterMACRule(ctx, &model.RouterMACRule{
		DeviceKey: "fw1",
		MAC:       "AA-BB-CC-DD-EE-01",
		Direction: model.RouterMACDirectionSrc,
	})
	require.NoError(t, err)

	// Twenty hosts behind the router share its MAC; one host on the
	// same zone carries its own.
	flows := make([]seedFlow, 0, 21)
	for i := 1; i <= 20; i++ {
		flows = append(flows, seedFlow{
			device:   "fw1",
			proto:    "TCP",
			srcIP:    fmt.Sprintf("10.0.0.%d", i),
			srcPort:  50000 + i,
			destIP:   "93.184.216.34",
			destPort: 443,
			srcMAC:   "aa:bb:cc:dd:ee:01",
			recvZone: "trusted",
			recvIf:   "lan",
			destZone: "untrusted",
			destIf:   "wan",
			app:      "https",
			rule:     "allow-web",
			open:     window.Add(time.Duration(i) * time.Second),
		})
	}
	flows = append(flows, seedFlow{
		device:   "fw1",
		proto:    "TCP",
		srcIP:    "10.0.0.99",
		srcPort:  50999,
		destIP:   "93.184.216.34",
		destPort: 443,
		srcMAC:   "02:00:00:00:00:99",
		recvZone: "trusted",
		recvIf:   "lan",
		destZone: "untrusted",
		destIf:   "wan",
		app:      "https",
		rule:     "allow-web",
		open:     window.Add(30 * time.Second),
	})
	writeFlows(t, s, flows...)

	req := baseRequest()
	req.SrcValue = "trusted"
	resp, err := newEngine(s).Build(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, 21, resp.Meta.FlowCount)
	assert.Equal(t, 1, resp.Meta.RouterMACRules)

	require.LessOrEqual(t, len(resp.LeftNodes), 9)
	require.Len(t, resp.LeftNodes, 1, "only the non-router host stays individual")
	assert.Equal(t, "left-mac:02-00-00-00-00-99", resp.LeftNodes[0].ID)

	bucket := resp.RouterBucketLeft
	assert.Equal(t, "router-left", bucket.NodeID)
	require.GreaterOrEqual(t, bucket.Count, 11)
	assert.Equal(t, 20, bucket.Count, "every routed host hides, keyed by address")
	assert.Len(t, bucket.HiddenNodes, 20)
	assert.Len(t, bucket.HiddenEdges, 20)
	for _, id := range bucket.HiddenNodeIDs {
		assert.Contains(t, id, "left-ip:fw1/", "routed sources fall back to address identity")
	}

	routed := findEdge(t, resp.Edges, "router-left", "fw")
	assert.Equal(t, int64(20), routed.CountOpen)
	assert.Equal(t, map[string]int64{"443": 20}, routed.TopPorts)
	assert.Equal(t, map[string]int64{"https": 20}, routed.TopApps)
	assert.Equal(t, map[string]int64{"allow-web": 20}, routed.TopRules)

	own := findEdge(t, resp.Edges, "left-mac:02-00-00-00-00-99", "fw")
	assert.Equal(t, int64(1), own.CountOpen)
}

func TestBuild_LeftColumnCapsAtNine(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	var flows []seedFlow
	for i := 1; i <= 12; i++ {
		flows = append(flows, seedFlow{
			device:   "fw1",
			proto:    "UDP",
			srcIP:    fmt.Sprintf("10.1.0.%d", i),
			srcPort:  40000 + i,
			destIP:   "8.8.8.8",
			destPort: 53,
			srcMAC:   fmt.Sprintf("02:00:00:00:01:%02X", i),
			recvZone: "lan",
			destZone: "wan",
			destIf:   "wan1",
			open:     window.Add(time.Duration(i) * time.Second),
		})
	}
	// The first two hosts open a second connection so they outrank the
	// rest.
	for i := 1; i <= 2; i++ {
		flows = append(flows, seedFlow{
			device:   "fw1",
			proto:    "UDP",
			srcIP:    fmt.Sprintf("10.1.0.%d", i),
			srcPort:  41000 + i,
			destIP:   "8.8.8.8",
			destPort: 53,
			srcMAC:   fmt.Sprintf("02:00:00:00:01:%02X", i),
			recvZone: "lan",
			destZone: "wan",
			destIf:   "wan1",
			open:     window.Add(20 * time.Minute),
		})
	}
	writeFlows(t, s, flows...)

	resp, err := newEngine(s).Build(context.Background(), baseRequest())
	require.NoError(t, err)

	require.Len(t, resp.LeftNodes, 9)
	assert.Equal(t, "left-mac:02-00-00-00-01-01", resp.LeftNodes[0].ID)
	assert.Equal(t, "left-mac:02-00-00-00-01-02", resp.LeftNodes[1].ID)
	assert.Equal(t, int64(2), resp.LeftNodes[0].SeenCount)
	assert.Equal(t, 9, resp.Meta.LeftCount)

	bucket := resp.RouterBucketLeft
	assert.Equal(t, 3, bucket.Count, "overflow beyond nine hides in the bucket")
	assert.Equal(t, []string{
		"left-mac:02-00-00-00-01-0A",
		"left-mac:02-00-00-00-01-0B",
		"left-mac:02-00-00-00-01-0C",
	}, bucket.HiddenNodeIDs)
	assert.Len(t, bucket.HiddenEdges, 3)

	overflow := findEdge(t, resp.Edges, "router-left", "fw")
	assert.Equal(t, int64(3), overflow.CountOpen)
}

func TestBuild_HAUnionAggregatesMembers(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertHAGroup(ctx, "fw", []string{"fw-a", "fw-b"}, true)
	require.NoError(t, err)

	for _, member := range []string{"fw-a", "fw-b"} {
		writeFlows(t, s, seedFlow{
			device:    member,
			proto:     "UDP",
			srcIP:     "10.0.0.5",
			srcPort:   51000,
			destIP:    "8.8.4.4",
			destPort:  53,
			srcMAC:    "02:00:00:00:aa:01",
			recvZone:  "lan",
			recvIf:    "lan1",
			destZone:  "wan",
			destIf:    "wan1",
			app:       "dns",
			rule:      "allow-dns",
			open:      window.Add(5 * time.Minute),
			close:     window.Add(6 * time.Minute),
			bytesOrig: 100,
			bytesTerm: 200,
		})
	}

	req := baseRequest()
	req.DeviceKey = "ha:fw"
	resp, err := newEngine(s).Build(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, 2, resp.Meta.FlowCount, "both members contribute, no deduplication")

	require.Len(t, resp.LeftNodes, 1, "a MAC identity merges across cluster members")
	left := resp.LeftNodes[0]
	assert.Equal(t, "left-mac:02-00-00-00-AA-01", left.ID)
	assert.Equal(t, int64(2), left.SeenCount)

	edge := findEdge(t, resp.Edges, left.ID, "fw")
	assert.Equal(t, int64(2), edge.CountOpen)
	assert.Equal(t, int64(2), edge.CountClose)
	assert.Equal(t, int64(200), edge.BytesSrcToDst)
	assert.Equal(t, int64(400), edge.BytesDstToSrc)
	require.NotNil(t, edge.LastSeen)
	assert.True(t, edge.LastSeen.Equal(window.Add(6*time.Minute)))

	// Address-keyed destinations stay scoped per member, so the shared
	// resolver shows up once per unit inside one group bucket.
	group := findGroup(t, resp.InterfaceGroups, "ig-wan1-wan")
	require.NotNil(t, group.Router)
	assert.Equal(t, 2, group.Router.Count)
	assert.Equal(t, 2, resp.Meta.RightCount)

	t.Run("services view unions the same way", func(t *testing.T) {
		svcReq := req
		svcReq.DestView = graph.DestViewServices
		svcResp, err := newEngine(s).Build(ctx, svcReq)
		require.NoError(t, err)

		require.Len(t, svcResp.ServicePortNodes, 1)
		port := svcResp.ServicePortNodes[0]
		assert.Equal(t, "svcport:UDP:53", port.ID)
		assert.Equal(t, int64(2), port.Count)

		require.Len(t, svcResp.ServiceAppNodes, 1)
		app := svcResp.ServiceAppNodes[0]
		assert.Equal(t, "dns", app.AppName)
		assert.Equal(t, int64(2), app.Count)
		assert.Len(t, app.ByPair, 2, "one pair per member-scoped destination")
	})
}

func TestBuild_ServicesView(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	var flows []seedFlow
	for i := 0; i < 5; i++ {
		flows = append(flows, seedFlow{
			device: "fw1", proto: "TCP",
			srcIP: "192.168.1.10", srcPort: 50001 + i,
			destIP: "104.16.0.1", destPort: 443,
			srcMAC:   "02:00:00:00:00:10",
			recvZone: "lan", destZone: "wan", destIf: "wan1",
			app:  "https",
			open: window.Add(time.Duration(i+1) * time.Minute),
		})
	}
	for i := 0; i < 3; i++ {
		flows = append(flows, seedFlow{
			device: "fw1", proto: "TCP",
			srcIP: "192.168.1.11", srcPort: 50011 + i,
			destIP: "104.16.0.2", destPort: 443,
			srcMAC:   "02:00:00:00:00:11",
			recvZone: "lan", destZone: "wan", destIf: "wan1",
			app:  "quic-proxy",
			open: window.Add(time.Duration(i+10) * time.Minute),
		})
	}
	flows = append(flows, seedFlow{
		device: "fw1", proto: "UDP",
		srcIP: "192.168.1.10", srcPort: 50020,
		destIP: "104.16.0.3", destPort: 123,
		srcMAC:   "02:00:00:00:00:10",
		recvZone: "lan", destZone: "wan", destIf: "wan1",
		open: window.Add(15 * time.Minute),
	})
	writeFlows(t, s, flows...)

	req := baseRequest()
	req.DestView = graph.DestViewServices
	resp, err := newEngine(s).Build(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, resp.ServicePortNodes, 2)
	port := resp.ServicePortNodes[0]
	assert.Equal(t, "svcport:TCP:443", port.ID)
	assert.Equal(t, "TCP/443", port.Label)
	assert.Equal(t, int64(8), port.Count)
	assert.Equal(t, 2, port.DestIPCount)
	assert.Equal(t, "svcport:UDP:123", resp.ServicePortNodes[1].ID)

	require.Len(t, resp.ServiceAppNodes, 3)
	https := resp.ServiceAppNodes[0]
	assert.Equal(t, "svcapp:TCP:443:https", https.ID)
	assert.Equal(t, "svcport:TCP:443", https.ParentPortID)
	assert.Equal(t, int64(5), https.Count)

	quic := resp.ServiceAppNodes[1]
	assert.Equal(t, "svcapp:TCP:443:quic-proxy", quic.ID)
	assert.Equal(t, int64(3), quic.Count)

	unnamed := resp.ServiceAppNodes[2]
	assert.Equal(t, "svcapp:UDP:123:-", unnamed.ID)
	assert.Equal(t, "—", unnamed.Label, "unidentified applications render as a dash")
	assert.Empty(t, unnamed.AppName)

	require.Len(t, https.ByPair, 1)
	pair := https.ByPair[0]
	assert.Equal(t, "192.168.1.10", pair.SourceLabel, "unenriched nodes label by address")
	assert.Equal(t, "104.16.0.1", pair.DestIP)
	assert.Equal(t, int64(5), pair.Count)

	assert.Empty(t, resp.InterfaceGroups, "the services view replaces interface groups")
	assert.Equal(t, 5, resp.Meta.RightCount)

	assert.Equal(t, int64(8), findEdge(t, resp.Edges, "fw", "svcport:TCP:443").CountOpen)
	assert.Equal(t, int64(5), findEdge(t, resp.Edges, "svcport:TCP:443", "svcapp:TCP:443:https").CountOpen)
	assert.Equal(t, int64(3), findEdge(t, resp.Edges, "svcport:TCP:443", "svcapp:TCP:443:quic-proxy").CountOpen)

	assert.True(t, sort.SliceIsSorted(resp.Edges, func(i, j int) bool {
		if resp.Edges[i].SourceNodeID != resp.Edges[j].SourceNodeID {
			return resp.Edges[i].SourceNodeID < resp.Edges[j].SourceNodeID
		}
		return resp.Edges[i].TargetNodeID < resp.Edges[j].TargetNodeID
	}), "edges order by source then target")
}

func TestBuild_EndpointGroupsAndEnrichment(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	// The printer is known from a DEVICE record; the operator renamed
	// it. The override wins for its own fields only. The two clients
	// are inventoried the way ingest would have left them.
	require.NoError(t, s.WriteBatch(ctx, &store.Batch{
		Devices: []model.DeviceUpdate{{
			TsUTC:    window,
			Device:   "fw1",
			MAC:      "0A-00-00-00-00-07",
			IP:       "10.2.0.7",
			Hostname: "printer",
			Vendor:   "HP",
		}},
		Endpoints: []store.EndpointObservation{
			{
				EndpointID: "mac:02-00-00-00-00-10",
				DeviceKey:  "fw1",
				IP:         strPtr("192.168.1.10"),
				MAC:        strPtr("02-00-00-00-00-10"),
				Ts:         window,
			},
			{
				EndpointID: "mac:02-00-00-00-00-11",
				DeviceKey:  "fw1",
				IP:         strPtr("192.168.1.11"),
				MAC:        strPtr("02-00-00-00-00-11"),
				Ts:         window,
			},
		},
	}))
	require.NoError(t, s.UpsertOverride(ctx, &model.EndpointOverride{
		MAC:      "0A-00-00-00-00-07",
		Hostname: strPtr("office-printer"),
	}))

	writeFlows(t, s,
		seedFlow{
			device: "fw1", proto: "TCP",
			srcIP: "192.168.1.10", srcPort: 50001,
			destIP: "10.2.0.7", destPort: 631,
			srcMAC: "02:00:00:00:00:10", destMAC: "0a:00:00:00:00:07",
			recvZone: "lan", destZone: "dmz", destIf: "lan2",
			app:  "ipp",
			open: window.Add(1 * time.Minute),
		},
		seedFlow{
			device: "fw1", proto: "TCP",
			srcIP: "192.168.1.10", srcPort: 50002,
			destIP: "8.8.8.8", destPort: 443,
			srcMAC:   "02:00:00:00:00:10",
			recvZone: "lan", destZone: "untrusted", destIf: "wan",
			app:  "https",
			open: window.Add(2 * time.Minute),
		},
		seedFlow{
			device: "fw1", proto: "TCP",
			srcIP: "192.168.1.11", srcPort: 50003,
			destIP: "8.8.8.8", destPort: 443,
			srcMAC:   "02:00:00:00:00:11",
			recvZone: "lan", destZone: "untrusted", destIf: "wan",
			app:  "https",
			open: window.Add(3 * time.Minute),
		},
	)

	resp, err := newEngine(s).Build(ctx, baseRequest())
	require.NoError(t, err)

	require.Len(t, resp.InterfaceGroups, 2)
	assert.Equal(t, "ig-wan-untrusted", resp.InterfaceGroups[0].ID,
		"groups order by activity")

	dmz := findGroup(t, resp.InterfaceGroups, "ig-lan2-dmz")
	assert.Equal(t, "If: lan2 / Zone: dmz", dmz.Label)
	assert.Equal(t, "lan2", dmz.DestIf)
	assert.Nil(t, dmz.Router, "no bucket when every destination is local")
	require.Len(t, dmz.LocalDevices, 1)

	printer := dmz.LocalDevices[0]
	assert.Equal(t, "right-mac:0A-00-00-00-00-07", printer.ID)
	assert.Equal(t, "office-printer", printer.Label, "override hostname wins")
	require.NotNil(t, printer.Identification)
	assert.Equal(t, "office-printer", printer.Identification.Hostname)
	assert.Equal(t, "HP", printer.Identification.Vendor, "learned fields survive a partial override")
	assert.Equal(t, "override", printer.Identification.Source)

	require.Len(t, printer.Services, 1)
	assert.Equal(t, graph.Service{Proto: "TCP", Port: 631, AppName: "ipp", Count: 1}, printer.Services[0])
	assert.Equal(t, 1, printer.ServicesTotal)

	require.Len(t, printer.SourceBreakdown, 1)
	breakdown := printer.SourceBreakdown[0]
	assert.Equal(t, "left-mac:02-00-00-00-00-10", breakdown.SourceID)
	assert.Equal(t, "192.168.1.10", breakdown.SrcIP)
	require.Len(t, breakdown.Services, 1)
	assert.Equal(t, int64(1), breakdown.Services[0].Count)

	wan := findGroup(t, resp.InterfaceGroups, "ig-wan-untrusted")
	assert.Equal(t, "If: wan / Zone: untrusted", wan.Label)
	assert.Empty(t, wan.LocalDevices)
	require.NotNil(t, wan.Router)
	assert.Equal(t, "router-ig-wan-untrusted", wan.Router.NodeID)
	assert.Equal(t, 1, wan.Router.Count, "one address-keyed destination")
	require.Len(t, wan.Router.HiddenEdges, 1)
	hidden := wan.Router.HiddenEdges[0]
	assert.Equal(t, "router-ig-wan-untrusted", hidden.SourceNodeID)
	assert.Equal(t, int64(2), hidden.CountOpen, "both sources aggregate onto the hidden destination")

	assert.Equal(t, int64(2), findEdge(t, resp.Edges, "fw", "ig-wan-untrusted").CountOpen)
	assert.Equal(t, int64(1), findEdge(t, resp.Edges, "fw", "ig-lan2-dmz").CountOpen)
	assert.Equal(t, int64(2), findEdge(t, resp.Edges, "ig-wan-untrusted", "router-ig-wan-untrusted").CountOpen)

	assert.Equal(t, 2, resp.Meta.RightCount)
	assert.Equal(t, 1, resp.Meta.UnknownEndpoints,
		"only the never-inventoried WAN address counts as unknown")
}

func TestBuild_EndpointFilter(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	writeFlows(t, s,
		seedFlow{
			device: "fw1", proto: "TCP",
			srcIP: "10.0.0.1", srcPort: 50001,
			destIP: "1.1.1.1", destPort: 443,
			srcMAC:   "02:00:00:00:00:01",
			recvZone: "lan", destZone: "wan", destIf: "wan1",
			open: window.Add(1 * time.Minute),
		},
		seedFlow{
			device: "fw1", proto: "TCP",
			srcIP: "10.0.0.1", srcPort: 50002,
			destIP: "1.1.1.1", destPort: 443,
			srcMAC:   "02:00:00:00:00:01",
			recvZone: "lan", destZone: "wan", destIf: "wan1",
			open: window.Add(2 * time.Minute),
		},
		seedFlow{
			device: "fw1", proto: "TCP",
			srcIP: "10.0.0.2", srcPort: 50003,
			destIP: "1.1.1.1", destPort: 443,
			srcMAC:   "02:00:00:00:00:02",
			recvZone: "lan", destZone: "wan", destIf: "wan1",
			open: window.Add(3 * time.Minute),
		},
		seedFlow{
			device: "fw1", proto: "TCP",
			srcIP: "172.16.0.9", srcPort: 50004,
			destIP: "1.1.1.1", destPort: 443,
			recvZone: "lan", destZone: "wan", destIf: "wan1",
			open: window.Add(4 * time.Minute),
		},
	)

	eng := newEngine(s)

	t.Run("matches one MAC identity", func(t *testing.T) {
		req := baseRequest()
		req.SrcKind = graph.KindEndpoint
		req.SrcValue = "mac:02-00-00-00-00-01"
		resp, err := eng.Build(ctx, req)
		require.NoError(t, err)

		assert.Equal(t, 2, resp.Meta.FlowCount)
		require.Len(t, resp.LeftNodes, 1)
		assert.Equal(t, "left-mac:02-00-00-00-00-01", resp.LeftNodes[0].ID)
		assert.Equal(t, int64(2), resp.LeftNodes[0].SeenCount)
	})

	t.Run("matches an address identity", func(t *testing.T) {
		req := baseRequest()
		req.SrcKind = graph.KindEndpoint
		req.SrcValue = "ip:fw1/unknown/172.16.0.9"
		resp, err := eng.Build(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, 1, resp.Meta.FlowCount)
	})

	t.Run("a router-claimed MAC stops matching", func(t *testing.T) {
		_, err := s.UpsertRouterMACRule(ctx, &model.RouterMACRule{
			DeviceKey: "fw1",
			MAC:       "02-00-00-00-00-01",
			Direction: model.RouterMACDirectionSrc,
		})
		require.NoError(t, err)

		req := baseRequest()
		req.SrcKind = graph.KindEndpoint
		req.SrcValue = "mac:02-00-00-00-00-01"
		resp, err := eng.Build(ctx, req)
		require.NoError(t, err)
		assert.Zero(t, resp.Meta.FlowCount, "the MAC no longer identifies a host")
		assert.Empty(t, resp.LeftNodes)
	})
}

func TestBuild_WindowAndViewSemantics(t *testing.T) {
	t.Parallel()

	t.Run("equal bounds return an empty graph", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		writeFlows(t, s, seedFlow{
			device: "fw1", proto: "TCP",
			srcIP: "10.0.0.1", srcPort: 50001,
			destIP: "1.1.1.1", destPort: 443,
			recvZone: "lan",
			open:     window.Add(-time.Minute),
		})

		req := baseRequest()
		req.To = req.From
		resp, err := newEngine(s).Build(context.Background(), req)
		require.NoError(t, err)

		assert.Zero(t, resp.Meta.FlowCount)
		assert.Empty(t, resp.LeftNodes)
		assert.Empty(t, resp.InterfaceGroups)
		assert.Empty(t, resp.Edges)
		assert.Zero(t, resp.RouterBucketLeft.Count)
	})

	t.Run("dst any ignores a stray dst_value", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		writeFlows(t, s, seedFlow{
			device: "fw1", proto: "TCP",
			srcIP: "10.0.0.1", srcPort: 50001,
			destIP: "1.1.1.1", destPort: 443,
			recvZone: "lan", destZone: "wan",
			open: window.Add(time.Minute),
		})

		req := baseRequest()
		req.DstValue = "no-such-zone"
		resp, err := newEngine(s).Build(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, 1, resp.Meta.FlowCount)
	})

	t.Run("window is half-open on flow overlap", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		writeFlows(t, s,
			seedFlow{ // opened before the window, still open: selected
				device: "fw1", proto: "TCP",
				srcIP: "10.0.0.1", srcPort: 50001,
				destIP: "1.1.1.1", destPort: 443,
				srcMAC:   "02:00:00:00:00:A1",
				recvZone: "lan",
				open:     window.Add(-time.Hour),
			},
			seedFlow{ // fully inside: counted open and close
				device: "fw1", proto: "TCP",
				srcIP: "10.0.0.2", srcPort: 50002,
				destIP: "1.1.1.1", destPort: 443,
				srcMAC:   "02:00:00:00:00:B1",
				recvZone: "lan",
				open:     window,
				close:    window.Add(time.Minute),
			},
			seedFlow{ // opens exactly at the upper bound: excluded
				device: "fw1", proto: "TCP",
				srcIP: "10.0.0.3", srcPort: 50003,
				destIP: "1.1.1.1", destPort: 443,
				srcMAC:   "02:00:00:00:00:C1",
				recvZone: "lan",
				open:     window.Add(time.Hour),
			},
			seedFlow{ // closed before the window: excluded
				device: "fw1", proto: "TCP",
				srcIP: "10.0.0.4", srcPort: 50004,
				destIP: "1.1.1.1", destPort: 443,
				srcMAC:   "02:00:00:00:00:D1",
				recvZone: "lan",
				open:     window.Add(-2 * time.Hour),
				close:    window.Add(-90 * time.Minute),
			},
		)

		resp, err := newEngine(s).Build(context.Background(), baseRequest())
		require.NoError(t, err)

		assert.Equal(t, 2, resp.Meta.FlowCount)
		require.Len(t, resp.LeftNodes, 2)
		assert.Equal(t, "left-mac:02-00-00-00-00-B1", resp.LeftNodes[0].ID,
			"the in-window open outranks the carried-over flow")
		assert.Equal(t, int64(0), resp.LeftNodes[1].SeenCount,
			"a flow that opened earlier is visible but counts no open")

		inWindow := findEdge(t, resp.Edges, "left-mac:02-00-00-00-00-B1", "fw")
		assert.Equal(t, int64(1), inWindow.CountOpen)
		assert.Equal(t, int64(1), inWindow.CountClose)

		carried := findEdge(t, resp.Edges, "left-mac:02-00-00-00-00-A1", "fw")
		assert.Zero(t, carried.CountOpen)
		assert.Zero(t, carried.CountClose)
	})

	t.Run("translated view projects NAT addresses", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		writeFlows(t, s, seedFlow{
			device: "fw1", proto: "TCP",
			srcIP: "192.168.1.50", srcPort: 52000,
			destIP: "203.0.113.10", destPort: 443,
			srcMAC:       "02:00:00:00:00:50",
			recvZone:     "lan", destZone: "wan", destIf: "wan1",
			open:         window.Add(time.Minute),
			xlatSrcIP:    "81.2.3.4",
			xlatDestIP:   "10.9.9.9",
			xlatDestPort: 8443,
		})

		req := baseRequest()
		req.DestView = graph.DestViewServices
		original, err := newEngine(s).Build(context.Background(), req)
		require.NoError(t, err)
		require.Len(t, original.ServicePortNodes, 1)
		assert.Equal(t, "svcport:TCP:443", original.ServicePortNodes[0].ID)

		req.View = graph.ViewTranslated
		translated, err := newEngine(s).Build(context.Background(), req)
		require.NoError(t, err)
		require.Len(t, translated.ServicePortNodes, 1)
		assert.Equal(t, "svcport:TCP:8443", translated.ServicePortNodes[0].ID)
		require.Len(t, translated.LeftNodes, 1)
		assert.Equal(t, "81.2.3.4", translated.LeftNodes[0].IP,
			"the node keeps its MAC identity but shows the NAT address")
	})

	t.Run("byte counters clamp instead of wrapping", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		for i := 0; i < 2; i++ {
			writeFlows(t, s, seedFlow{
				device: "fw1", proto: "TCP",
				srcIP: "10.0.0.1", srcPort: 50001 + i,
				destIP: "1.1.1.1", destPort: 443,
				srcMAC:    "02:00:00:00:00:C0",
				recvZone:  "lan",
				open:      window.Add(time.Duration(i+1) * time.Minute),
				close:     window.Add(time.Duration(i+2) * time.Minute),
				bytesOrig: math.MaxInt64 - 5,
				bytesTerm: 1,
			})
		}

		resp, err := newEngine(s).Build(context.Background(), baseRequest())
		require.NoError(t, err)

		edge := findEdge(t, resp.Edges, "left-mac:02-00-00-00-00-C0", "fw")
		assert.Equal(t, int64(math.MaxInt64), edge.BytesSrcToDst)
		assert.Equal(t, int64(2), edge.BytesDstToSrc)
	})

	t.Run("unknown HA selector renders empty", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)

		req := baseRequest()
		req.DeviceKey = "ha:ghost"
		resp, err := newEngine(s).Build(context.Background(), req)
		require.NoError(t, err)
		assert.Empty(t, resp.LeftNodes)
		assert.Empty(t, resp.Edges)
		assert.Equal(t, "ha:ghost", resp.Meta.Device)
	})
}

func TestBuild_RejectsInvalidRequests(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	eng := newEngine(s)

	cases := []struct {
		name   string
		mutate func(*graph.Request)
	}{
		{"missing device", func(r *graph.Request) { r.DeviceKey = "" }},
		{"bad src_kind", func(r *graph.Request) { r.SrcKind = "port" }},
		{"missing src_value", func(r *graph.Request) { r.SrcValue = "" }},
		{"bad dst_kind", func(r *graph.Request) { r.DstKind = "port" }},
		{"missing dst_value", func(r *graph.Request) { r.DstKind = graph.KindZone; r.DstValue = "" }},
		{"bad view", func(r *graph.Request) { r.View = "xray" }},
		{"bad dest_view", func(r *graph.Request) { r.DestView = "flows" }},
		{"missing window", func(r *graph.Request) { r.From = time.Time{} }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := baseRequest()
			tc.mutate(&req)
			_, err := eng.Build(context.Background(), req)
			require.ErrorIs(t, err, model.ErrValidation)
		})
	}
}

func TestInspectLogs(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	ts1 := window.Add(10 * time.Minute)
	ts2 := window.Add(12 * time.Minute)
	ts3 := window.Add(14 * time.Minute)
	bytesOrig, bytesTerm := int64(1000), int64(2000)

	require.NoError(t, s.WriteBatch(ctx, &store.Batch{
		RawLogs: []model.RawLog{
			{TsUTC: ts1, Device: "fw1", RawRecord: "raw open line", ParseStatus: model.ParseStatusOK},
			{TsUTC: ts2, Device: "fw1", RawRecord: "raw close line", ParseStatus: model.ParseStatusOK},
		},
		Events: []model.Event{
			{
				TsUTC: ts1, Device: "fw1",
				EventType: strPtr(model.EventConnOpen),
				Proto:     strPtr("TCP"),
				SrcIP:     strPtr("192.168.1.10"), SrcPort: intPtr(51000),
				DestIP: strPtr("93.184.216.34"), DestPort: intPtr(443),
				RecvZone: strPtr("lan"),
			},
			{
				TsUTC: ts2, Device: "fw1",
				EventType: strPtr(model.EventConnClose),
				Proto:     strPtr("TCP"),
				SrcIP:     strPtr("192.168.1.10"), SrcPort: intPtr(51000),
				DestIP: strPtr("93.184.216.34"), DestPort: intPtr(443),
				AppName:   strPtr("https"),
				BytesOrig: &bytesOrig, BytesTerm: &bytesTerm,
			},
			{
				TsUTC: ts3, Device: "fw1",
				EventType: strPtr(model.EventConnOpen),
				Proto:     strPtr("UDP"),
				SrcIP:     strPtr("192.168.1.10"), SrcPort: intPtr(51002),
				DestIP: strPtr("8.8.8.8"), DestPort: intPtr(53),
			},
			{
				TsUTC: ts3, Device: "fw1",
				EventType: strPtr(model.EventConnOpen),
				Proto:     strPtr("TCP"),
				SrcIP:     strPtr("10.0.0.8"), SrcPort: intPtr(51003),
				DestIP: strPtr("192.168.1.99"), DestPort: intPtr(443),
				XlatDestIP: strPtr("172.17.0.5"), XlatDestPort: intPtr(8443),
			},
		},
	}))

	eng := newEngine(s)
	base := graph.InspectRequest{
		DeviceKey: "fw1",
		From:      window,
		To:        window.Add(time.Hour),
		Proto:     "tcp",
		DestPort:  443,
		SrcIP:     "192.168.1.10",
		DestIP:    "93.184.216.34",
	}

	t.Run("returns matching events newest first with raw lines", func(t *testing.T) {
		page, err := eng.InspectLogs(ctx, base)
		require.NoError(t, err)

		assert.Equal(t, 2, page.Total)
		require.Len(t, page.Rows, 2)

		closeRow := page.Rows[0]
		assert.True(t, closeRow.TsUTC.Equal(ts2))
		assert.Equal(t, model.EventConnClose, closeRow.EventType)
		assert.Equal(t, "TCP", closeRow.Proto)
		require.NotNil(t, closeRow.RawLine)
		assert.Equal(t, "raw close line", *closeRow.RawLine)
		require.NotNil(t, closeRow.BytesOrig)
		assert.Equal(t, int64(1000), *closeRow.BytesOrig)

		openRow := page.Rows[1]
		assert.True(t, openRow.TsUTC.Equal(ts1))
		require.NotNil(t, openRow.RawLine)
		assert.Equal(t, "raw open line", *openRow.RawLine)
	})

	t.Run("app filter narrows to identified events", func(t *testing.T) {
		req := base
		req.AppName = "https"
		page, err := eng.InspectLogs(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, 1, page.Total)
		require.Len(t, page.Rows, 1)
		assert.Equal(t, model.EventConnClose, page.Rows[0].EventType)
	})

	t.Run("pages with limit and offset", func(t *testing.T) {
		req := base
		req.Limit = 1
		page, err := eng.InspectLogs(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, 2, page.Total)
		require.Len(t, page.Rows, 1)
		assert.True(t, page.Rows[0].TsUTC.Equal(ts2))

		req.Offset = 1
		page, err = eng.InspectLogs(ctx, req)
		require.NoError(t, err)
		require.Len(t, page.Rows, 1)
		assert.True(t, page.Rows[0].TsUTC.Equal(ts1))
	})

	t.Run("translated view matches NAT columns", func(t *testing.T) {
		req := base
		req.View = graph.ViewTranslated
		req.SrcIP = "10.0.0.8"
		req.DestIP = "172.17.0.5"
		req.DestPort = 8443
		page, err := eng.InspectLogs(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, 1, page.Total)
		require.Len(t, page.Rows, 1)
		assert.Nil(t, page.Rows[0].RawLine, "no raw line survives for this event")
	})

	t.Run("rejects malformed addresses", func(t *testing.T) {
		req := base
		req.SrcIP = "not-an-ip"
		_, err := eng.InspectLogs(ctx, req)
		require.ErrorIs(t, err, model.ErrValidation)

		req = base
		req.DestIP = "999.1.1.1"
		_, err = eng.InspectLogs(ctx, req)
		require.ErrorIs(t, err, model.ErrValidation)

		req = base
		req.DestPort = 70000
		_, err = eng.InspectLogs(ctx, req)
		require.ErrorIs(t, err, model.ErrValidation)
	})

	t.Run("unknown HA selector returns an empty page", func(t *testing.T) {
		req := base
		req.DeviceKey = "ha:ghost"
		page, err := eng.InspectLogs(ctx, req)
		require.NoError(t, err)
		assert.Zero(t, page.Total)
		assert.Empty(t, page.Rows)
	})
}
