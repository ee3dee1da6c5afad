package ingest_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netwall-io/netwall/pkg/classify"
	"github.com/netwall-io/netwall/pkg/ingest"
	"github.com/netwall-io/netwall/pkg/ingest/parser"
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

// testParser pins the clock so BSD timestamps resolve to February 2026
// regardless of when the tests run.
func testParser(t *testing.T) *parser.Parser {
	t.Helper()

	p, err := parser.New(parser.Options{
		YearMode: parser.YearCurrent,
		Now:      func() time.Time { return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return p
}

func submitLines(t *testing.T, pipe *ingest.Pipeline, p *parser.Parser, lines ...string) {
	t.Helper()
	for _, line := range lines {
		require.NoError(t, pipe.Submit(context.Background(), p.Parse(line)))
	}
}

func stopPipeline(t *testing.T, pipe *ingest.Pipeline) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, pipe.Stop(ctx))
}

func countRows(t *testing.T, s *store.Store, table string) int {
	t.Helper()
	var n int
	require.NoError(t, s.DB().Get(&n, "SELECT COUNT(*) FROM "+table))
	return n
}

func connOpenLine(host string) string {
	return `<134>Feb 10 17:37:13 ` + host + ` EFW: CONN: conn=Open id=00600001 connipproto=TCP connrecvif=lan connsrcip=192.168.1.10 connsrcport=51000 connsrcmac=aa:bb:cc:dd:ee:ff conndestif=wan conndestip=93.184.216.34 conndestport=443 origsent=0 termsent=0`
}

func connCloseLine(host string) string {
	return `<134>Feb 10 17:38:13 ` + host + ` EFW: CONN: conn=Close id=00600002 connipproto=TCP connrecvif=lan connsrcip=192.168.1.10 connsrcport=51000 conndestif=wan conndestip=93.184.216.34 conndestport=443 origsent=1111 termsent=2222 conntime=60`
}

const (
	deviceLine   = `<134>Feb 10 17:39:00 gw-main EFW: DEVICE: id=08900001 srcmac=11:22:33:44:55:66 device_ip4=192.168.1.50 device_vendor="Apple, Inc." hostname=iphone`
	filteredLine = `<134>Feb 10 17:39:30 gw-main EFW: USERAUTH: id=03700001 event=login username=bob`
	brokenLine   = `this is not a syslog line at all`
)

func seedInterfaceRule(t *testing.T, s *store.Store, device, name, side string) {
	t.Helper()
	_, err := s.UpsertClassification(context.Background(), &model.Classification{
		Device: device, Kind: model.ClassKindInterface, Name: name, Side: side,
	})
	require.NoError(t, err)
}

func TestPipeline_EndToEnd(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	seedInterfaceRule(t, s, "gw-main", "lan", model.SideInside)
	seedInterfaceRule(t, s, "gw-main", "wan", model.SideOutside)

	stats := ingest.NewStats()
	pipe := ingest.NewPipeline(s, classify.New(s, "zone"), stats, nil, ingest.Options{
		BatchInterval: 10 * time.Millisecond,
	})
	pipe.Start()

	p := testParser(t)
	submitLines(t, pipe, p,
		connOpenLine("gw-main"),
		connCloseLine("gw-main"),
		deviceLine,
		filteredLine,
		brokenLine,
	)
	stopPipeline(t, pipe)

	t.Run("every line lands as a raw log", func(t *testing.T) {
		assert.Equal(t, 5, countRows(t, s, "raw_logs"))
	})

	t.Run("conn records become classified events", func(t *testing.T) {
		assert.Equal(t, 2, countRows(t, s, "events"))

		var inside int
		require.NoError(t, s.DB().Get(&inside,
			"SELECT COUNT(*) FROM events WHERE recv_side = 'inside' AND dest_side = 'outside'"))
		assert.Equal(t, 2, inside)
	})

	t.Run("open and close collapse into one flow", func(t *testing.T) {
		from := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
		flows, err := s.ListFlowsWindow(ctx, []string{"gw-main"}, from, from.Add(24*time.Hour))
		require.NoError(t, err)
		require.Len(t, flows, 1)

		f := flows[0]
		require.NotNil(t, f.CloseTs)
		assert.Equal(t, int64(1111), f.BytesOrig)
		assert.Equal(t, int64(2222), f.BytesTerm)
		assert.False(t, f.Synthetic)
	})

	t.Run("endpoints are sighted per side", func(t *testing.T) {
		// The open carried a source MAC, so the host merges under it.
		src, err := s.GetEndpoint(ctx, model.EndpointIDForMAC("AA-BB-CC-DD-EE-FF"))
		require.NoError(t, err)
		require.NotNil(t, src.IP)
		assert.Equal(t, "192.168.1.10", *src.IP)
		require.NotNil(t, src.Side)
		assert.Equal(t, model.SideInside, *src.Side)

		// The destination has no MAC and stays scoped to device + side.
		dest, err := s.GetEndpoint(ctx,
			model.EndpointIDForIP("gw-main", model.SideOutside, "93.184.216.34"))
		require.NoError(t, err)
		assert.Equal(t, int64(2), dest.SeenCount, "open and close both sight the destination")

		// The close carried no source MAC, so its source sighting is
		// address-scoped.
		_, err = s.GetEndpoint(ctx,
			model.EndpointIDForIP("gw-main", model.SideInside, "192.168.1.10"))
		require.NoError(t, err)
	})

	t.Run("device records merge identity by MAC", func(t *testing.T) {
		ep, err := s.GetEndpoint(ctx, model.EndpointIDForMAC("11-22-33-44-55-66"))
		require.NoError(t, err)
		require.NotNil(t, ep.Hostname)
		assert.Equal(t, "iphone", *ep.Hostname)
		require.NotNil(t, ep.Vendor)
		assert.Equal(t, "Apple, Inc.", *ep.Vendor)
	})

	t.Run("the device registers as a live firewall", func(t *testing.T) {
		fw, err := s.GetFirewall(ctx, "gw-main")
		require.NoError(t, err)
		assert.True(t, fw.SourceSyslog)
		assert.False(t, fw.SourceImport)
		assert.True(t, fw.LastSeen.Equal(time.Date(2026, 2, 10, 17, 39, 30, 0, time.UTC)),
			"liveness tracks the newest attributable record, filtered ones included")
	})

	t.Run("covered names leave no unclassified counters", func(t *testing.T) {
		names, err := s.ListUnclassified(ctx, []string{"gw-main"})
		require.NoError(t, err)
		assert.Empty(t, names)
	})

	t.Run("stats account for every record", func(t *testing.T) {
		snap := stats.Snapshot()
		assert.Equal(t, int64(5), snap.RecordsTotal)
		assert.Equal(t, int64(3), snap.RecordsOK)
		assert.Equal(t, int64(1), snap.ParseErr)
		assert.Equal(t, int64(1), snap.FilteredID)
		assert.Equal(t, int64(5), snap.DBRawLogs)
		assert.Equal(t, int64(2), snap.DBEvents)
	})
}

func TestPipeline_CountsUnclassifiedNames(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	stats := ingest.NewStats()
	pipe := ingest.NewPipeline(s, classify.New(s, "zone"), stats, nil, ingest.Options{
		BatchInterval: 10 * time.Millisecond,
	})
	pipe.Start()

	p := testParser(t)
	line := connOpenLine("gw-main")
	submitLines(t, pipe, p, line, line, line)
	stopPipeline(t, pipe)

	names, err := s.ListUnclassified(ctx, []string{"gw-main"})
	require.NoError(t, err)

	counts := make(map[string]int64)
	for _, n := range names {
		assert.Equal(t, model.ClassKindInterface, n.Kind)
		counts[n.Name] = n.Count
	}
	assert.Equal(t, map[string]int64{"lan": 3, "wan": 3}, counts)
}

func TestPipeline_HAGroupLiveness(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("enabled group absorbs member liveness", func(t *testing.T) {
		_, err := s.UpsertHAGroup(ctx, "gw-core", []string{"gw-core-a", "gw-core-b"}, true)
		require.NoError(t, err)

		pipe := ingest.NewPipeline(s, classify.New(s, "zone"), ingest.NewStats(), nil, ingest.Options{
			BatchInterval: 10 * time.Millisecond,
		})
		pipe.Start()
		submitLines(t, pipe, testParser(t), connOpenLine("gw-core-a"))
		stopPipeline(t, pipe)

		fw, err := s.GetFirewall(ctx, "ha:gw-core")
		require.NoError(t, err)
		assert.True(t, fw.SourceSyslog)

		_, err = s.GetFirewall(ctx, "gw-core-a")
		assert.ErrorIs(t, err, model.ErrNotFound, "no physical row while the group is enabled")

		// Events keep the physical device name either way.
		var n int
		require.NoError(t, s.DB().Get(&n, "SELECT COUNT(*) FROM events WHERE device = 'gw-core-a'"))
		assert.Equal(t, 1, n)
	})

	t.Run("disabled group leaves members on their own keys", func(t *testing.T) {
		_, err := s.UpsertHAGroup(ctx, "gw-edge", []string{"gw-edge-a", "gw-edge-b"}, false)
		require.NoError(t, err)

		pipe := ingest.NewPipeline(s, classify.New(s, "zone"), ingest.NewStats(), nil, ingest.Options{
			BatchInterval: 10 * time.Millisecond,
		})
		pipe.Start()
		submitLines(t, pipe, testParser(t), connOpenLine("gw-edge-a"))
		stopPipeline(t, pipe)

		fw, err := s.GetFirewall(ctx, "gw-edge-a")
		require.NoError(t, err)
		assert.True(t, fw.SourceSyslog)
	})
}

func TestPipeline_FlushesOnInterval(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	// A batch size this large never triggers; only the ticker flushes.
	pipe := ingest.NewPipeline(s, classify.New(s, "zone"), ingest.NewStats(), nil, ingest.Options{
		BatchSize:     10000,
		BatchInterval: 25 * time.Millisecond,
	})
	pipe.Start()
	defer stopPipeline(t, pipe)

	submitLines(t, pipe, testParser(t), brokenLine)

	assert.Eventually(t, func() bool {
		return countRows(t, s, "raw_logs") == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestPipeline_FlushesOnBatchSize(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	// An interval this long never fires; only the size threshold flushes.
	pipe := ingest.NewPipeline(s, classify.New(s, "zone"), ingest.NewStats(), nil, ingest.Options{
		BatchSize:     2,
		BatchInterval: time.Hour,
	})
	pipe.Start()
	defer stopPipeline(t, pipe)

	submitLines(t, pipe, testParser(t), brokenLine, brokenLine)

	assert.Eventually(t, func() bool {
		return countRows(t, s, "raw_logs") == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestPipeline_StopFlushesRemainder(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	pipe := ingest.NewPipeline(s, classify.New(s, "zone"), ingest.NewStats(), nil, ingest.Options{
		BatchSize:     10000,
		BatchInterval: time.Hour,
	})
	pipe.Start()

	submitLines(t, pipe, testParser(t), brokenLine, brokenLine, brokenLine)
	stopPipeline(t, pipe)

	assert.Equal(t, 3, countRows(t, s, "raw_logs"))
}
