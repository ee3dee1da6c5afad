// Package ingest moves parsed NetWall records into the store.
//
// Two producers exist: the UDP intake (pkg/ingest/syslog) and the file
// importer. Both run records through the same batch builder, which
// stamps classification sides, derives flow operations, and collects
// endpoint and firewall observations, so a record lands identically no
// matter how it arrived. The Pipeline serializes batch writes behind a
// single goroutine; per-connection ordering is preserved because the
// intake shards lines by connection onto ordered channels.
package ingest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/netwall-io/netwall/internal/logger"
	"github.com/netwall-io/netwall/pkg/classify"
	"github.com/netwall-io/netwall/pkg/flow"
	"github.com/netwall-io/netwall/pkg/ingest/parser"
	"github.com/netwall-io/netwall/pkg/metrics"
	"github.com/netwall-io/netwall/pkg/model"
	"github.com/netwall-io/netwall/pkg/store"
)

const (
	defaultBatchSize     = 500
	defaultBatchInterval = 100 * time.Millisecond

	// How long the enabled-HA-group membership is trusted before the
	// next record reloads it. Enabling a group redirects firewall
	// liveness within this window.
	haRefreshInterval = 30 * time.Second
)

// Options configure a Pipeline.
type Options struct {
	// BatchSize is the maximum rows per batch write. Zero means 500.
	BatchSize int

	// BatchInterval is the longest a partial batch waits before being
	// flushed. Zero means 100ms.
	BatchInterval time.Duration
}

// Pipeline batches parse results and writes them to the store. Results
// are submitted from any number of producers; one goroutine assembles
// and commits batches so writes stay serialized and FIFO per producer.
type Pipeline struct {
	store *store.Store
	class *classify.Classifier
	stats *Stats
	m     metrics.IngestMetrics

	batchSize int
	interval  time.Duration

	in       chan parser.Result
	stopOnce sync.Once
	wg       sync.WaitGroup

	haMu      sync.Mutex
	haGroups  map[string]string
	haFetched time.Time
}

// NewPipeline builds a pipeline writing to st. stats must not be nil;
// m may be nil to disable instrumentation.
func NewPipeline(st *store.Store, class *classify.Classifier, stats *Stats, m metrics.IngestMetrics, opts Options) *Pipeline {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	interval := opts.BatchInterval
	if interval <= 0 {
		interval = defaultBatchInterval
	}

	return &Pipeline{
		store:     st,
		class:     class,
		stats:     stats,
		m:         m,
		batchSize: batchSize,
		interval:  interval,
		in:        make(chan parser.Result, 256),
	}
}

// Start launches the batch writer goroutine.
func (p *Pipeline) Start() {
	p.wg.Add(1)
	go p.run()
}

// Submit hands one parse result to the batch writer, blocking when the
// writer is behind. Backpressure propagates to the intake queue, where
// overflow is dropped and counted instead of blocking the socket.
// Submit must not be called after Stop.
func (p *Pipeline) Submit(ctx context.Context, res parser.Result) error {
	select {
	case p.in <- res:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop drains submitted results, flushes the final batch, and waits for
// the writer to exit or ctx to expire. Producers must be stopped first.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.in) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) run() {
	defer p.wg.Done()

	// Writes run against the background context: shutdown means "finish
	// writing what was accepted", not "abandon it".
	ctx := context.Background()

	b := newBuilder(p.class, model.FirewallSourceSyslog, func(device string) string {
		return p.firewallKeyFor(ctx, device)
	})

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case res, ok := <-p.in:
			if !ok {
				p.flush(ctx, b)
				return
			}
			p.stats.AddRecord(res.Raw.ParseStatus)
			metrics.RecordRecord(p.m, res.Raw.ParseStatus)
			b.add(ctx, &res)
			if b.rows >= p.batchSize {
				p.flush(ctx, b)
			}
		case <-ticker.C:
			p.flush(ctx, b)
		}
	}
}

// flush commits the builder's batch. A failed write is counted and
// logged but never stops the pipeline: the batch is lost, the stream
// continues.
func (p *Pipeline) flush(ctx context.Context, b *builder) {
	if b.empty() {
		return
	}

	batch := b.take()
	rows := len(batch.RawLogs) + len(batch.Events) + len(batch.Devices)

	start := time.Now()
	err := p.store.WriteBatch(ctx, batch)
	metrics.RecordBatch(p.m, rows, time.Since(start), err)

	if err != nil {
		p.stats.AddBatchError()
		logger.Error("batch write failed, dropping batch",
			"rows", rows,
			"raw_logs", len(batch.RawLogs),
			"events", len(batch.Events),
			"error", err)
		return
	}

	p.stats.AddSaved(len(batch.RawLogs), len(batch.Events))
}

// firewallKeyFor maps a physical device name to the key firewall
// liveness is recorded under: the enabled HA group that claims the
// member, or the name itself. Membership is cached and refreshed every
// haRefreshInterval; a load failure falls back to physical attribution.
func (p *Pipeline) firewallKeyFor(ctx context.Context, device string) string {
	p.haMu.Lock()
	defer p.haMu.Unlock()

	if p.haGroups == nil || time.Since(p.haFetched) >= haRefreshInterval {
		groups, err := p.store.EnabledHAMembership(ctx)
		if err != nil {
			logger.Warn("HA membership unavailable, attributing to physical devices", "error", err)
			if p.haGroups == nil {
				p.haGroups = map[string]string{}
			}
		} else {
			p.haGroups = groups
		}
		p.haFetched = time.Now()
	}

	if group, ok := p.haGroups[device]; ok {
		return group
	}
	return device
}

// builder accumulates parse results into one store.Batch. It is not
// safe for concurrent use; the pipeline and each import job own their
// own.
type builder struct {
	class       *classify.Classifier
	source      string
	firewallKey func(device string) string

	batch     store.Batch
	misses    map[classify.Miss]int64
	firewalls map[string]time.Time
	rows      int
}

// newBuilder builds a batch builder. source is the firewall observation
// source to record; empty disables firewall observations (the importer
// attributes the firewall once per job instead of per batch).
func newBuilder(class *classify.Classifier, source string, firewallKey func(string) string) *builder {
	if firewallKey == nil {
		firewallKey = func(device string) string { return device }
	}
	return &builder{
		class:       class,
		source:      source,
		firewallKey: firewallKey,
		misses:      make(map[classify.Miss]int64),
		firewalls:   make(map[string]time.Time),
	}
}

func (b *builder) empty() bool {
	return b.rows == 0 && b.batch.Empty() && len(b.misses) == 0 && len(b.firewalls) == 0
}

// add folds one parse result into the pending batch. The raw line is
// always kept; events are classified and expanded into flow ops and
// endpoint observations; device records become inventory updates.
func (b *builder) add(ctx context.Context, res *parser.Result) {
	b.batch.RawLogs = append(b.batch.RawLogs, res.Raw)
	b.rows++

	// Any record attributable to a device proves the source is alive,
	// including filtered ones. Broken lines don't: their device is a
	// guess and their timestamp is receive time.
	if res.Raw.ParseStatus != model.ParseStatusError && res.Raw.Device != "" {
		b.observeFirewall(res.Raw.Device, res.Raw.TsUTC)
	}

	switch {
	case res.Kind == parser.KindConn && res.Event != nil:
		ev := res.Event
		for _, m := range b.class.Apply(ctx, ev) {
			b.misses[m]++
		}
		b.batch.Events = append(b.batch.Events, *ev)
		b.rows++

		if op, ok := flow.OpFromEvent(ev); ok {
			b.batch.FlowOps = append(b.batch.FlowOps, op)
		}
		b.addEndpoints(ev)

	case res.Kind == parser.KindDevice && res.Device != nil:
		b.batch.Devices = append(b.batch.Devices, *res.Device)
		b.rows++
	}
}

func (b *builder) observeFirewall(device string, ts time.Time) {
	if b.source == "" {
		return
	}
	key := b.firewallKey(device)
	if key == "" {
		return
	}
	if cur, ok := b.firewalls[key]; !ok || ts.After(cur) {
		b.firewalls[key] = ts
	}
}

// addEndpoints emits the inventory sightings a CONN record implies:
// one per side that is identifiable by MAC or, failing that, by
// address scoped to the device and side.
func (b *builder) addEndpoints(ev *model.Event) {
	if id, ok := endpointID(ev.Device, ev.SrcMAC, ev.SrcIP, ev.RecvSide); ok {
		b.batch.Endpoints = append(b.batch.Endpoints, store.EndpointObservation{
			EndpointID:  id,
			DeviceKey:   ev.Device,
			IP:          ev.SrcIP,
			MAC:         ev.SrcMAC,
			Side:        ev.RecvSide,
			Zone:        ev.RecvZone,
			Iface:       ev.RecvIf,
			SrcUsername: ev.SrcUsername,
			Ts:          ev.TsUTC,
		})
	}

	if id, ok := endpointID(ev.Device, ev.DestMAC, ev.DestIP, ev.DestSide); ok {
		b.batch.Endpoints = append(b.batch.Endpoints, store.EndpointObservation{
			EndpointID: id,
			DeviceKey:  ev.Device,
			IP:         ev.DestIP,
			MAC:        ev.DestMAC,
			Side:       ev.DestSide,
			Zone:       ev.DestZone,
			Iface:      ev.DestIf,
			Ts:         ev.TsUTC,
		})
	}
}

// endpointID derives the canonical inventory key for one side of a
// CONN record. A MAC merges the host across devices and sides; an
// address stays scoped so NATed reuse cannot merge strangers. Sides
// with neither stay out of the inventory.
func endpointID(device string, mac, ip, side *string) (string, bool) {
	if m := deref(mac); m != "" {
		return model.EndpointIDForMAC(m), true
	}
	if a := deref(ip); a != "" {
		s := deref(side)
		if s == "" {
			s = model.SideUnknown
		}
		return model.EndpointIDForIP(device, s, a), true
	}
	return "", false
}

// take finalizes and returns the pending batch, resetting the builder.
// Firewall and unclassified observations are emitted in sorted order so
// concurrent writers never upsert shared rows in conflicting order.
func (b *builder) take() *store.Batch {
	batch := b.batch

	if len(b.firewalls) > 0 {
		keys := make([]string, 0, len(b.firewalls))
		for k := range b.firewalls {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			batch.Firewalls = append(batch.Firewalls, store.FirewallObservation{
				DeviceKey: k,
				Source:    b.source,
				Ts:        b.firewalls[k],
			})
		}
	}

	if len(b.misses) > 0 {
		obs := make([]store.UnclassifiedObservation, 0, len(b.misses))
		for m, n := range b.misses {
			obs = append(obs, store.UnclassifiedObservation{
				Device: m.Device,
				Kind:   m.Kind,
				Name:   m.Name,
				Count:  n,
			})
		}
		sort.Slice(obs, func(i, j int) bool {
			if obs[i].Device != obs[j].Device {
				return obs[i].Device < obs[j].Device
			}
			if obs[i].Kind != obs[j].Kind {
				return obs[i].Kind < obs[j].Kind
			}
			return obs[i].Name < obs[j].Name
		})
		batch.Unclassified = obs
	}

	b.batch = store.Batch{}
	b.misses = make(map[classify.Miss]int64)
	b.firewalls = make(map[string]time.Time)
	b.rows = 0
	return &batch
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
