package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/netwall-io/netwall/pkg/model"
)

// EndpointObservation is one sighting of a host inside a CONN event.
// Nil fields were absent from the record and never overwrite what the
// endpoint row already knows.
type EndpointObservation struct {
	EndpointID  string
	DeviceKey   string
	IP          *string
	MAC         *string
	Side        *string
	Zone        *string
	Iface       *string
	SrcUsername *string
	Ts          time.Time
}

// FirewallObservation marks a device key as alive at Ts. Source is
// one of the model.FirewallSource values and decides which source
// flag the upsert raises.
type FirewallObservation struct {
	DeviceKey string
	Source    string
	Ts        time.Time
}

// UnclassifiedObservation accumulates one batch's sightings of a zone
// or interface name no classification rule covers. Callers emit these
// sorted by (device, kind, name) so concurrent batches never upsert
// the counter rows in conflicting order.
type UnclassifiedObservation struct {
	Device string
	Kind   string
	Name   string
	Count  int64
}

// Batch is one unit of ingest work. WriteBatch applies all of it in a
// single transaction: either every row lands or none do.
type Batch struct {
	RawLogs      []model.RawLog
	Events       []model.Event
	FlowOps      []model.FlowOp
	Endpoints    []EndpointObservation
	Devices      []model.DeviceUpdate
	Firewalls    []FirewallObservation
	Unclassified []UnclassifiedObservation
}

// Empty reports whether the batch carries no work at all.
func (b *Batch) Empty() bool {
	return len(b.RawLogs) == 0 && len(b.Events) == 0 && len(b.FlowOps) == 0 &&
		len(b.Endpoints) == 0 && len(b.Devices) == 0 && len(b.Firewalls) == 0 &&
		len(b.Unclassified) == 0
}

const insertRawLogSQL = `
INSERT INTO raw_logs (ts_utc, device, raw_record, parse_status, parse_error)
VALUES (:ts_utc, :device, :raw_record, :parse_status, :parse_error)`

const insertEventSQL = `
INSERT INTO events (
	ts_utc, device, event_type, action, rule, satsrcrule, satdestrule,
	srcusername, destusername, proto, recv_if, recv_zone,
	src_ip, src_port, src_mac, src_device,
	dest_if, dest_zone, dest_ip, dest_port, dest_mac, dest_device,
	xlat_src_ip, xlat_src_port, xlat_dest_ip, xlat_dest_port,
	bytes_orig, bytes_term, duration_s,
	app_name, app_risk, app_family,
	iprep_ip, iprep_score, iprep_categories, iprep_src, iprep_dest,
	iprep_src_score, iprep_dest_score,
	recv_side, dest_side, direction_bucket, extra_json
) VALUES (
	:ts_utc, :device, :event_type, :action, :rule, :satsrcrule, :satdestrule,
	:srcusername, :destusername, :proto, :recv_if, :recv_zone,
	:src_ip, :src_port, :src_mac, :src_device,
	:dest_if, :dest_zone, :dest_ip, :dest_port, :dest_mac, :dest_device,
	:xlat_src_ip, :xlat_src_port, :xlat_dest_ip, :xlat_dest_port,
	:bytes_orig, :bytes_term, :duration_s,
	:app_name, :app_risk, :app_family,
	:iprep_ip, :iprep_score, :iprep_categories, :iprep_src, :iprep_dest,
	:iprep_src_score, :iprep_dest_score,
	:recv_side, :dest_side, :direction_bucket, :extra_json
)`

// WriteBatch persists the batch atomically, retrying transient
// failures with backoff. Flow ops are applied in slice order, which
// the callers keep as event timestamp order.
func (s *Store) WriteBatch(ctx context.Context, b *Batch) error {
	if b == nil || b.Empty() {
		return nil
	}

	return withRetry(ctx, func() error {
		return s.inTx(ctx, func(tx *sqlx.Tx) error {
			if err := s.insertRawLogs(ctx, tx, b.RawLogs); err != nil {
				return err
			}
			if err := s.insertEvents(ctx, tx, b.Events); err != nil {
				return err
			}
			if err := s.applyFlowOps(ctx, tx, b.FlowOps); err != nil {
				return err
			}
			if err := s.upsertEndpointObservations(ctx, tx, b.Endpoints); err != nil {
				return err
			}
			if err := s.upsertDeviceUpdates(ctx, tx, b.Devices); err != nil {
				return err
			}
			if err := s.upsertFirewallObservations(ctx, tx, b.Firewalls); err != nil {
				return err
			}
			if err := s.bumpUnclassifiedCounters(ctx, tx, b.Unclassified); err != nil {
				return err
			}
			return nil
		})
	})
}

func (s *Store) insertRawLogs(ctx context.Context, tx *sqlx.Tx, logs []model.RawLog) error {
	if len(logs) == 0 {
		return nil
	}

	rows := make([]rawLogRow, 0, len(logs))
	for _, l := range logs {
		rows = append(rows, newRawLogRow(l))
	}

	if _, err := tx.NamedExecContext(ctx, insertRawLogSQL, rows); err != nil {
		return fmt.Errorf("failed to insert raw logs: %w", err)
	}
	return nil
}

func (s *Store) insertEvents(ctx context.Context, tx *sqlx.Tx, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}

	rows := make([]eventRow, 0, len(events))
	for _, e := range events {
		rows = append(rows, newEventRow(e))
	}

	if _, err := tx.NamedExecContext(ctx, insertEventSQL, rows); err != nil {
		return fmt.Errorf("failed to insert events: %w", err)
	}
	return nil
}

const closeForReopenSQL = `
UPDATE flows SET close_ts = ?, close_reason = ?, bytes_orig = 0, bytes_term = 0
WHERE device_key = ? AND proto = ? AND src_ip = ? AND src_port = ? AND dest_ip = ? AND dest_port = ?
  AND close_ts IS NULL AND open_ts < ?`

const insertOpenFlowSQL = `
INSERT INTO flows (
	device_key, proto, src_ip, src_port, dest_ip, dest_port,
	open_ts, close_ts, bytes_orig, bytes_term,
	rule, app_name, recv_if, recv_zone, dest_if, dest_zone,
	src_mac, dest_mac, xlat_src_ip, xlat_src_port, xlat_dest_ip, xlat_dest_port,
	srcusername, close_reason, synthetic
) VALUES (?, ?, ?, ?, ?, ?, ?, NULL, 0, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)
ON CONFLICT (device_key, proto, src_ip, src_port, dest_ip, dest_port, open_ts) DO NOTHING`

const closeFlowSQL = `
UPDATE flows SET close_ts = ?, bytes_orig = ?, bytes_term = ?, close_reason = ?,
	app_name = COALESCE(?, app_name),
	rule = COALESCE(?, rule),
	dest_mac = COALESCE(?, dest_mac)
WHERE id = (
	SELECT id FROM flows
	WHERE device_key = ? AND proto = ? AND src_ip = ? AND src_port = ? AND dest_ip = ? AND dest_port = ?
	  AND close_ts IS NULL AND open_ts <= ?
	ORDER BY open_ts DESC, id DESC
	LIMIT 1
)`

const insertClosedFlowSQL = `
INSERT INTO flows (
	device_key, proto, src_ip, src_port, dest_ip, dest_port,
	open_ts, close_ts, bytes_orig, bytes_term,
	rule, app_name, recv_if, recv_zone, dest_if, dest_zone,
	src_mac, dest_mac, xlat_src_ip, xlat_src_port, xlat_dest_ip, xlat_dest_port,
	srcusername, close_reason, synthetic
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (device_key, proto, src_ip, src_port, dest_ip, dest_port, open_ts) DO NOTHING`

// applyFlowOps mutates the flow table per op, in order. Opens close
// any row still open for the same connection one millisecond earlier;
// closes attach to the latest candidate open; closes, blocks and
// rejects with nothing to attach to synthesize a complete flow so the
// traffic stays visible.
func (s *Store) applyFlowOps(ctx context.Context, tx *sqlx.Tx, ops []model.FlowOp) error {
	if len(ops) == 0 {
		return nil
	}

	for i := range ops {
		op := &ops[i]
		ts := msOf(op.Ts)
		k := &op.Key

		switch op.Kind {
		case model.FlowOpOpen:
			_, err := tx.ExecContext(ctx, s.rebind(closeForReopenSQL),
				ts-1, model.CloseReasonReopen,
				k.DeviceKey, k.Proto, k.SrcIP, k.SrcPort, k.DestIP, k.DestPort, ts)
			if err != nil {
				return fmt.Errorf("failed to close re-opened flows: %w", err)
			}

			_, err = tx.ExecContext(ctx, s.rebind(insertOpenFlowSQL),
				k.DeviceKey, k.Proto, k.SrcIP, k.SrcPort, k.DestIP, k.DestPort,
				ts,
				op.Rule, op.AppName, op.RecvIf, op.RecvZone, op.DestIf, op.DestZone,
				op.SrcMAC, op.DestMAC, op.XlatSrcIP, op.XlatSrcPort, op.XlatDestIP, op.XlatDestPort,
				op.SrcUsername, false)
			if err != nil {
				return fmt.Errorf("failed to insert open flow: %w", err)
			}

		case model.FlowOpClose:
			res, err := tx.ExecContext(ctx, s.rebind(closeFlowSQL),
				ts, op.BytesOrig, op.BytesTerm, op.CloseReason, op.AppName, op.Rule, op.DestMAC,
				k.DeviceKey, k.Proto, k.SrcIP, k.SrcPort, k.DestIP, k.DestPort, ts)
			if err != nil {
				return fmt.Errorf("failed to close flow: %w", err)
			}

			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read close result: %w", err)
			}
			if affected == 0 {
				// Close with no matching open: the open happened
				// before our horizon. Keep the connection visible.
				if err := s.insertSyntheticFlow(ctx, tx, op, ts); err != nil {
					return err
				}
			}

		case model.FlowOpSynthetic:
			if err := s.insertSyntheticFlow(ctx, tx, op, ts); err != nil {
				return err
			}

		default:
			return fmt.Errorf("unknown flow op kind %q", op.Kind)
		}
	}

	return nil
}

func (s *Store) insertSyntheticFlow(ctx context.Context, tx *sqlx.Tx, op *model.FlowOp, ts int64) error {
	k := &op.Key
	_, err := tx.ExecContext(ctx, s.rebind(insertClosedFlowSQL),
		k.DeviceKey, k.Proto, k.SrcIP, k.SrcPort, k.DestIP, k.DestPort,
		ts, ts, op.BytesOrig, op.BytesTerm,
		op.Rule, op.AppName, op.RecvIf, op.RecvZone, op.DestIf, op.DestZone,
		op.SrcMAC, op.DestMAC, op.XlatSrcIP, op.XlatSrcPort, op.XlatDestIP, op.XlatDestPort,
		op.SrcUsername, op.CloseReason, true)
	if err != nil {
		return fmt.Errorf("failed to insert synthetic flow: %w", err)
	}
	return nil
}

const upsertEndpointObservationSQL = `
INSERT INTO endpoints (endpoint_id, device_key, ip, mac, side, zone, iface, srcusername, first_seen, last_seen, seen_count)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
ON CONFLICT (endpoint_id) DO UPDATE SET
	ip = COALESCE(excluded.ip, endpoints.ip),
	mac = COALESCE(excluded.mac, endpoints.mac),
	side = COALESCE(excluded.side, endpoints.side),
	zone = COALESCE(excluded.zone, endpoints.zone),
	iface = COALESCE(excluded.iface, endpoints.iface),
	srcusername = COALESCE(excluded.srcusername, endpoints.srcusername),
	first_seen = CASE WHEN excluded.first_seen < endpoints.first_seen THEN excluded.first_seen ELSE endpoints.first_seen END,
	last_seen = CASE WHEN excluded.last_seen > endpoints.last_seen THEN excluded.last_seen ELSE endpoints.last_seen END,
	seen_count = endpoints.seen_count + 1`

func (s *Store) upsertEndpointObservations(ctx context.Context, tx *sqlx.Tx, obs []EndpointObservation) error {
	if len(obs) == 0 {
		return nil
	}

	query := s.rebind(upsertEndpointObservationSQL)
	for i := range obs {
		o := &obs[i]
		ts := msOf(o.Ts)
		_, err := tx.ExecContext(ctx, query,
			o.EndpointID, o.DeviceKey, o.IP, o.MAC, o.Side, o.Zone, o.Iface, o.SrcUsername,
			ts, ts)
		if err != nil {
			return fmt.Errorf("failed to upsert endpoint %s: %w", o.EndpointID, err)
		}
	}
	return nil
}

const upsertDeviceUpdateSQL = `
INSERT INTO endpoints (endpoint_id, device_key, ip, mac, hostname, vendor, hwtype, ostype, brand, model, first_seen, last_seen, seen_count)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
ON CONFLICT (endpoint_id) DO UPDATE SET
	ip = COALESCE(excluded.ip, endpoints.ip),
	hostname = COALESCE(excluded.hostname, endpoints.hostname),
	vendor = COALESCE(excluded.vendor, endpoints.vendor),
	hwtype = COALESCE(excluded.hwtype, endpoints.hwtype),
	ostype = COALESCE(excluded.ostype, endpoints.ostype),
	brand = COALESCE(excluded.brand, endpoints.brand),
	model = COALESCE(excluded.model, endpoints.model),
	first_seen = CASE WHEN excluded.first_seen < endpoints.first_seen THEN excluded.first_seen ELSE endpoints.first_seen END,
	last_seen = CASE WHEN excluded.last_seen > endpoints.last_seen THEN excluded.last_seen ELSE endpoints.last_seen END,
	seen_count = endpoints.seen_count + 1`

// upsertDeviceUpdates merges DEVICE identity records into endpoints
// keyed by MAC. Later records win per field; absent fields leave the
// stored value alone.
func (s *Store) upsertDeviceUpdates(ctx context.Context, tx *sqlx.Tx, updates []model.DeviceUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	query := s.rebind(upsertDeviceUpdateSQL)
	for i := range updates {
		u := &updates[i]
		if u.MAC == "" {
			continue
		}
		ts := msOf(u.TsUTC)
		endpointID := model.EndpointIDForMAC(u.MAC)
		_, err := tx.ExecContext(ctx, query,
			endpointID, u.Device, emptyToNil(u.IP), u.MAC,
			emptyToNil(u.Hostname), emptyToNil(u.Vendor), emptyToNil(u.HWType),
			emptyToNil(u.OSType), emptyToNil(u.Brand), emptyToNil(u.Model),
			ts, ts)
		if err != nil {
			return fmt.Errorf("failed to upsert device %s: %w", u.MAC, err)
		}
	}
	return nil
}

const upsertFirewallObservationSQL = `
INSERT INTO firewalls (device_key, display_name, source_syslog, source_import, first_seen, last_seen, last_import_ts, enabled, members_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
ON CONFLICT (device_key) DO UPDATE SET
	source_syslog = firewalls.source_syslog OR excluded.source_syslog,
	source_import = firewalls.source_import OR excluded.source_import,
	first_seen = CASE WHEN excluded.first_seen < firewalls.first_seen THEN excluded.first_seen ELSE firewalls.first_seen END,
	last_seen = CASE WHEN excluded.last_seen > firewalls.last_seen THEN excluded.last_seen ELSE firewalls.last_seen END,
	last_import_ts = COALESCE(excluded.last_import_ts, firewalls.last_import_ts)`

// upsertFirewallObservations records device keys as log sources.
// Source flags only ever turn on; a firewall that has seen both
// syslog and an import keeps both.
func (s *Store) upsertFirewallObservations(ctx context.Context, tx *sqlx.Tx, obs []FirewallObservation) error {
	if len(obs) == 0 {
		return nil
	}

	query := s.rebind(upsertFirewallObservationSQL)
	for i := range obs {
		o := &obs[i]
		ts := msOf(o.Ts)
		fromImport := o.Source == model.FirewallSourceImport
		var importTs *int64
		if fromImport {
			importTs = &ts
		}
		_, err := tx.ExecContext(ctx, query,
			o.DeviceKey, o.DeviceKey, !fromImport, fromImport, ts, ts, importTs, true)
		if err != nil {
			return fmt.Errorf("failed to upsert firewall %s: %w", o.DeviceKey, err)
		}
	}
	return nil
}

const bumpUnclassifiedSQL = `
INSERT INTO unclassified_endpoints (device, kind, name, count)
VALUES (?, ?, ?, ?)
ON CONFLICT (device, kind, name) DO UPDATE SET
	count = unclassified_endpoints.count + excluded.count`

func (s *Store) bumpUnclassifiedCounters(ctx context.Context, tx *sqlx.Tx, obs []UnclassifiedObservation) error {
	if len(obs) == 0 {
		return nil
	}

	query := s.rebind(bumpUnclassifiedSQL)
	for i := range obs {
		o := &obs[i]
		if _, err := tx.ExecContext(ctx, query, o.Device, o.Kind, o.Name, o.Count); err != nil {
			return fmt.Errorf("failed to bump unclassified counter %s/%s/%s: %w", o.Device, o.Kind, o.Name, err)
		}
	}
	return nil
}
