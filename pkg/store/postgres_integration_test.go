//go:build integration

package store_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/netwall-io/netwall/pkg/model"
	"github.com/netwall-io/netwall/pkg/store"
)

// Shared PostgreSQL container for all integration tests. Tests isolate
// themselves with per-test device keys instead of per-test databases.
var sharedPostgres *tcpostgres.PostgresContainer

func TestMain(m *testing.M) {
	ctx := context.Background()

	// PostgreSQL logs "ready to accept connections" twice during startup
	// (bootstrap and final), so wait for the second occurrence.
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("netwall_test"),
		tcpostgres.WithUsername("netwall_test"),
		tcpostgres.WithPassword("netwall_test"),
		testcontainers.WithWaitStrategyAndDeadline(5*time.Minute,
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2),
			wait.ForListeningPort("5432/tcp"),
		),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	sharedPostgres = container

	code := m.Run()

	if err := container.Terminate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to terminate container: %v\n", err)
	}
	os.Exit(code)
}

// newPostgresStore opens a store against the shared container. Migrations
// are idempotent, so every test can open its own store.
func newPostgresStore(t *testing.T) *store.Store {
	t.Helper()

	if sharedPostgres == nil {
		t.Fatal("shared postgres container not initialized - TestMain() not run?")
	}

	ctx := context.Background()
	host, err := sharedPostgres.Host(ctx)
	require.NoError(t, err)
	port, err := sharedPostgres.MappedPort(ctx, "5432")
	require.NoError(t, err)

	cfg := &store.Config{
		Type: store.DatabaseTypePostgres,
		Postgres: store.PostgresConfig{
			Host:     host,
			Port:     port.Int(),
			Database: "netwall_test",
			User:     "netwall_test",
			Password: "netwall_test",
			SSLMode:  "disable",
		},
	}

	s, err := store.New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresMigrateAndStats(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	stats, err := s.DBStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "postgres", stats.Backend)
	assert.Nil(t, stats.FileSizeBytes, "file size only applies to sqlite")
}

func TestPostgresEventRoundTrip(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	device := "pg-events"

	seedConnEvent(t, s, model.Event{
		TsUTC:     testBase,
		Device:    device,
		EventType: strPtr(model.EventConnOpen),
		Proto:     strPtr("TCP"),
		SrcIP:     strPtr("192.168.1.10"),
		DestIP:    strPtr("93.184.216.34"),
		DestPort:  intPtr(443),
	}, "raw open line")

	page, err := s.QueryEvents(ctx, store.EventQuery{
		Devices:  []string{device},
		From:     testBase.Add(-time.Minute),
		To:       testBase.Add(time.Minute),
		SrcIP:    "192.168.1.10",
		DestIP:   "93.184.216.34",
		Proto:    "tcp",
		DestPort: 443,
	})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, model.EventConnOpen, *page.Events[0].EventType)

	raw, err := s.RawLinesFor(ctx, page.Events)
	require.NoError(t, err)
	require.Len(t, raw, 1)
	for _, line := range raw {
		assert.Equal(t, "raw open line", line)
	}
}

func TestPostgresFlowOpenClose(t *testing.T) {
	s := newPostgresStore(t)
	key := connKey("pg-flows")

	writeOps(t, s, openOp(key, testBase))
	writeOps(t, s, closeOp(key, testBase.Add(30*time.Second), 1000, 2000))

	flows := windowFlows(t, s, "pg-flows", testBase.Add(-time.Minute), testBase.Add(time.Minute))
	require.Len(t, flows, 1)
	assert.Equal(t, int64(1000), flows[0].BytesOrig)
	require.NotNil(t, flows[0].CloseTs)

	open, err := s.CountOpenFlows(context.Background(), []string{"pg-flows"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), open)
}

func TestPostgresEndpointUpsert(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	device := "pg-endpoints"

	mac := "AA-BB-CC-00-11-22"
	obs := store.EndpointObservation{
		EndpointID: model.EndpointIDForMAC(mac),
		DeviceKey:  device,
		IP:         strPtr("10.0.0.5"),
		MAC:        &mac,
		Side:       strPtr(model.SideInside),
		Ts:         testBase,
	}
	require.NoError(t, s.WriteBatch(ctx, &store.Batch{Endpoints: []store.EndpointObservation{obs}}))

	// Second sighting must update, not duplicate.
	obs.Ts = testBase.Add(time.Hour)
	require.NoError(t, s.WriteBatch(ctx, &store.Batch{Endpoints: []store.EndpointObservation{obs}}))

	eps, err := s.ListEndpoints(ctx, []string{device})
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.True(t, eps[0].LastSeen.Equal(testBase.Add(time.Hour)))
}

func TestPostgresJobLifecycle(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, model.JobKindImport, strPtr("pg-jobs"), strPtr("export.csv"))
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, job.Status)

	claimed, err := s.MarkJobRunning(ctx, job.ID, "parsing")
	require.NoError(t, err)
	assert.True(t, claimed)

	// A second claim on the same job must lose the race.
	claimed, err = s.MarkJobRunning(ctx, job.ID, "parsing")
	require.NoError(t, err)
	assert.False(t, claimed)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRunning, got.Status)
}

func TestPostgresSettingsRoundTrip(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	want := model.RetentionSettings{Enabled: true, KeepDays: 45}
	require.NoError(t, s.PutSetting(ctx, model.SettingLogRetention, want))

	got, err := s.RetentionSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestPostgresPurgeDevice(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	device := "pg-purge"

	seedConnEvent(t, s, model.Event{
		TsUTC:     testBase,
		Device:    device,
		EventType: strPtr(model.EventConnOpen),
		Proto:     strPtr("TCP"),
		SrcIP:     strPtr("192.168.1.10"),
		DestIP:    strPtr("93.184.216.34"),
		DestPort:  intPtr(443),
	}, "purge me")

	deleted, err := s.PurgeDevice(ctx, device, []string{device})
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted["events_deleted"])
	assert.Equal(t, int64(1), deleted["raw_logs_deleted"])

	page, err := s.QueryEvents(ctx, store.EventQuery{
		Devices: []string{device},
		From:    testBase.Add(-time.Minute),
		To:      testBase.Add(time.Minute),
		SrcIP:   "192.168.1.10",
		DestIP:  "93.184.216.34",
	})
	require.NoError(t, err)
	assert.Empty(t, page.Events)
}
