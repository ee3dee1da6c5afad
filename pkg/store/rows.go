package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/netwall-io/netwall/pkg/model"
)

// Timestamps are stored as Unix milliseconds in both dialects, so
// comparisons and the open/close arithmetic behave identically on
// PostgreSQL and SQLite. These row types mirror the model types with
// int64 timestamps; conversion happens only here.

func msOf(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func msOfPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UTC().UnixMilli()
	return &ms
}

func timeOf(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func timeOfPtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}

// emptyToNil converts "" to nil so COALESCE-based merge SQL treats
// absent fields as absent.
func emptyToNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type rawLogRow struct {
	ID          int64   `db:"id"`
	TsUTC       int64   `db:"ts_utc"`
	Device      string  `db:"device"`
	RawRecord   string  `db:"raw_record"`
	ParseStatus string  `db:"parse_status"`
	ParseError  *string `db:"parse_error"`
}

func newRawLogRow(r model.RawLog) rawLogRow {
	return rawLogRow{
		TsUTC:       msOf(r.TsUTC),
		Device:      r.Device,
		RawRecord:   r.RawRecord,
		ParseStatus: r.ParseStatus,
		ParseError:  r.ParseError,
	}
}

type eventRow struct {
	ID     int64  `db:"id"`
	TsUTC  int64  `db:"ts_utc"`
	Device string `db:"device"`

	EventType    *string `db:"event_type"`
	Action       *string `db:"action"`
	Rule         *string `db:"rule"`
	SatSrcRule   *string `db:"satsrcrule"`
	SatDestRule  *string `db:"satdestrule"`
	SrcUsername  *string `db:"srcusername"`
	DestUsername *string `db:"destusername"`

	Proto    *string `db:"proto"`
	RecvIf   *string `db:"recv_if"`
	RecvZone *string `db:"recv_zone"`

	SrcIP     *string `db:"src_ip"`
	SrcPort   *int    `db:"src_port"`
	SrcMAC    *string `db:"src_mac"`
	SrcDevice *string `db:"src_device"`

	DestIf     *string `db:"dest_if"`
	DestZone   *string `db:"dest_zone"`
	DestIP     *string `db:"dest_ip"`
	DestPort   *int    `db:"dest_port"`
	DestMAC    *string `db:"dest_mac"`
	DestDevice *string `db:"dest_device"`

	XlatSrcIP    *string `db:"xlat_src_ip"`
	XlatSrcPort  *int    `db:"xlat_src_port"`
	XlatDestIP   *string `db:"xlat_dest_ip"`
	XlatDestPort *int    `db:"xlat_dest_port"`

	BytesOrig *int64 `db:"bytes_orig"`
	BytesTerm *int64 `db:"bytes_term"`
	DurationS *int64 `db:"duration_s"`

	AppName   *string `db:"app_name"`
	AppRisk   *string `db:"app_risk"`
	AppFamily *string `db:"app_family"`

	IprepIP         *string `db:"iprep_ip"`
	IprepScore      *int    `db:"iprep_score"`
	IprepCategories *string `db:"iprep_categories"`
	IprepSrc        *string `db:"iprep_src"`
	IprepDest       *string `db:"iprep_dest"`
	IprepSrcScore   *int    `db:"iprep_src_score"`
	IprepDestScore  *int    `db:"iprep_dest_score"`

	RecvSide        *string `db:"recv_side"`
	DestSide        *string `db:"dest_side"`
	DirectionBucket *string `db:"direction_bucket"`

	ExtraJSON *string `db:"extra_json"`
}

func newEventRow(e model.Event) eventRow {
	return eventRow{
		TsUTC:  msOf(e.TsUTC),
		Device: e.Device,

		EventType:    e.EventType,
		Action:       e.Action,
		Rule:         e.Rule,
		SatSrcRule:   e.SatSrcRule,
		SatDestRule:  e.SatDestRule,
		SrcUsername:  e.SrcUsername,
		DestUsername: e.DestUsername,

		Proto:    e.Proto,
		RecvIf:   e.RecvIf,
		RecvZone: e.RecvZone,

		SrcIP:     e.SrcIP,
		SrcPort:   e.SrcPort,
		SrcMAC:    e.SrcMAC,
		SrcDevice: e.SrcDevice,

		DestIf:     e.DestIf,
		DestZone:   e.DestZone,
		DestIP:     e.DestIP,
		DestPort:   e.DestPort,
		DestMAC:    e.DestMAC,
		DestDevice: e.DestDevice,

		XlatSrcIP:    e.XlatSrcIP,
		XlatSrcPort:  e.XlatSrcPort,
		XlatDestIP:   e.XlatDestIP,
		XlatDestPort: e.XlatDestPort,

		BytesOrig: e.BytesOrig,
		BytesTerm: e.BytesTerm,
		DurationS: e.DurationS,

		AppName:   e.AppName,
		AppRisk:   e.AppRisk,
		AppFamily: e.AppFamily,

		IprepIP:         e.IprepIP,
		IprepScore:      e.IprepScore,
		IprepCategories: e.IprepCategories,
		IprepSrc:        e.IprepSrc,
		IprepDest:       e.IprepDest,
		IprepSrcScore:   e.IprepSrcScore,
		IprepDestScore:  e.IprepDestScore,

		RecvSide:        e.RecvSide,
		DestSide:        e.DestSide,
		DirectionBucket: e.DirectionBucket,

		ExtraJSON: e.ExtraJSON,
	}
}

func (r eventRow) toModel() model.Event {
	return model.Event{
		ID:     r.ID,
		TsUTC:  timeOf(r.TsUTC),
		Device: r.Device,

		EventType:    r.EventType,
		Action:       r.Action,
		Rule:         r.Rule,
		SatSrcRule:   r.SatSrcRule,
		SatDestRule:  r.SatDestRule,
		SrcUsername:  r.SrcUsername,
		DestUsername: r.DestUsername,

		Proto:    r.Proto,
		RecvIf:   r.RecvIf,
		RecvZone: r.RecvZone,

		SrcIP:     r.SrcIP,
		SrcPort:   r.SrcPort,
		SrcMAC:    r.SrcMAC,
		SrcDevice: r.SrcDevice,

		DestIf:     r.DestIf,
		DestZone:   r.DestZone,
		DestIP:     r.DestIP,
		DestPort:   r.DestPort,
		DestMAC:    r.DestMAC,
		DestDevice: r.DestDevice,

		XlatSrcIP:    r.XlatSrcIP,
		XlatSrcPort:  r.XlatSrcPort,
		XlatDestIP:   r.XlatDestIP,
		XlatDestPort: r.XlatDestPort,

		BytesOrig: r.BytesOrig,
		BytesTerm: r.BytesTerm,
		DurationS: r.DurationS,

		AppName:   r.AppName,
		AppRisk:   r.AppRisk,
		AppFamily: r.AppFamily,

		IprepIP:         r.IprepIP,
		IprepScore:      r.IprepScore,
		IprepCategories: r.IprepCategories,
		IprepSrc:        r.IprepSrc,
		IprepDest:       r.IprepDest,
		IprepSrcScore:   r.IprepSrcScore,
		IprepDestScore:  r.IprepDestScore,

		RecvSide:        r.RecvSide,
		DestSide:        r.DestSide,
		DirectionBucket: r.DirectionBucket,

		ExtraJSON: r.ExtraJSON,
	}
}

type flowRow struct {
	ID        int64  `db:"id"`
	DeviceKey string `db:"device_key"`
	Proto     string `db:"proto"`
	SrcIP     string `db:"src_ip"`
	SrcPort   int    `db:"src_port"`
	DestIP    string `db:"dest_ip"`
	DestPort  int    `db:"dest_port"`

	OpenTs  int64  `db:"open_ts"`
	CloseTs *int64 `db:"close_ts"`

	BytesOrig int64 `db:"bytes_orig"`
	BytesTerm int64 `db:"bytes_term"`

	Rule         *string `db:"rule"`
	AppName      *string `db:"app_name"`
	RecvIf       *string `db:"recv_if"`
	RecvZone     *string `db:"recv_zone"`
	DestIf       *string `db:"dest_if"`
	DestZone     *string `db:"dest_zone"`
	SrcMAC       *string `db:"src_mac"`
	DestMAC      *string `db:"dest_mac"`
	XlatSrcIP    *string `db:"xlat_src_ip"`
	XlatSrcPort  *int    `db:"xlat_src_port"`
	XlatDestIP   *string `db:"xlat_dest_ip"`
	XlatDestPort *int    `db:"xlat_dest_port"`
	SrcUsername  *string `db:"srcusername"`
	CloseReason  *string `db:"close_reason"`

	Synthetic bool `db:"synthetic"`
}

func (r flowRow) toModel() model.Flow {
	return model.Flow{
		ID:        r.ID,
		DeviceKey: r.DeviceKey,
		Proto:     r.Proto,
		SrcIP:     r.SrcIP,
		SrcPort:   r.SrcPort,
		DestIP:    r.DestIP,
		DestPort:  r.DestPort,

		OpenTs:  timeOf(r.OpenTs),
		CloseTs: timeOfPtr(r.CloseTs),

		BytesOrig: r.BytesOrig,
		BytesTerm: r.BytesTerm,

		Rule:         r.Rule,
		AppName:      r.AppName,
		RecvIf:       r.RecvIf,
		RecvZone:     r.RecvZone,
		DestIf:       r.DestIf,
		DestZone:     r.DestZone,
		SrcMAC:       r.SrcMAC,
		DestMAC:      r.DestMAC,
		XlatSrcIP:    r.XlatSrcIP,
		XlatSrcPort:  r.XlatSrcPort,
		XlatDestIP:   r.XlatDestIP,
		XlatDestPort: r.XlatDestPort,
		SrcUsername:  r.SrcUsername,
		CloseReason:  r.CloseReason,

		Synthetic: r.Synthetic,
	}
}

type endpointRow struct {
	ID         int64   `db:"id"`
	EndpointID string  `db:"endpoint_id"`
	DeviceKey  string  `db:"device_key"`
	IP         *string `db:"ip"`
	MAC        *string `db:"mac"`
	Side       *string `db:"side"`
	Zone       *string `db:"zone"`
	Iface      *string `db:"iface"`

	Hostname    *string `db:"hostname"`
	Vendor      *string `db:"vendor"`
	HWType      *string `db:"hwtype"`
	OSType      *string `db:"ostype"`
	Brand       *string `db:"brand"`
	Model       *string `db:"model"`
	SrcUsername *string `db:"srcusername"`

	FirstSeen int64 `db:"first_seen"`
	LastSeen  int64 `db:"last_seen"`
	SeenCount int64 `db:"seen_count"`
}

func (r endpointRow) toModel() model.Endpoint {
	return model.Endpoint{
		ID:         r.ID,
		EndpointID: r.EndpointID,
		DeviceKey:  r.DeviceKey,
		IP:         r.IP,
		MAC:        r.MAC,
		Side:       r.Side,
		Zone:       r.Zone,
		Iface:      r.Iface,

		Hostname:    r.Hostname,
		Vendor:      r.Vendor,
		HWType:      r.HWType,
		OSType:      r.OSType,
		Brand:       r.Brand,
		Model:       r.Model,
		SrcUsername: r.SrcUsername,

		FirstSeen: timeOf(r.FirstSeen),
		LastSeen:  timeOf(r.LastSeen),
		SeenCount: r.SeenCount,
	}
}

type overrideRow struct {
	MAC       string  `db:"mac"`
	Hostname  *string `db:"hostname"`
	Vendor    *string `db:"vendor"`
	HWType    *string `db:"hwtype"`
	OSType    *string `db:"ostype"`
	Brand     *string `db:"brand"`
	Model     *string `db:"model"`
	Note      *string `db:"note"`
	UpdatedAt int64   `db:"updated_at"`
}

func (r overrideRow) toModel() model.EndpointOverride {
	return model.EndpointOverride{
		MAC:       r.MAC,
		Hostname:  r.Hostname,
		Vendor:    r.Vendor,
		HWType:    r.HWType,
		OSType:    r.OSType,
		Brand:     r.Brand,
		Model:     r.Model,
		Note:      r.Note,
		UpdatedAt: timeOf(r.UpdatedAt),
	}
}

type firewallRow struct {
	DeviceKey    string  `db:"device_key"`
	DisplayName  string  `db:"display_name"`
	SourceSyslog bool    `db:"source_syslog"`
	SourceImport bool    `db:"source_import"`
	FirstSeen    int64   `db:"first_seen"`
	LastSeen     int64   `db:"last_seen"`
	LastImportTs *int64  `db:"last_import_ts"`
	Enabled      bool    `db:"enabled"`
	MembersJSON  *string `db:"members_json"`
}

func (r firewallRow) toModel() (model.Firewall, error) {
	fw := model.Firewall{
		DeviceKey:    r.DeviceKey,
		DisplayName:  r.DisplayName,
		SourceSyslog: r.SourceSyslog,
		SourceImport: r.SourceImport,
		FirstSeen:    timeOf(r.FirstSeen),
		LastSeen:     timeOf(r.LastSeen),
		LastImportTs: timeOfPtr(r.LastImportTs),
		Enabled:      r.Enabled,
	}
	if r.MembersJSON != nil && *r.MembersJSON != "" {
		if err := json.Unmarshal([]byte(*r.MembersJSON), &fw.Members); err != nil {
			return fw, fmt.Errorf("failed to decode members for %s: %w", r.DeviceKey, err)
		}
	}
	return fw, nil
}

type firewallOverrideRow struct {
	DeviceKey   string  `db:"device_key"`
	DisplayName *string `db:"display_name"`
	Comment     *string `db:"comment"`
	UpdatedAt   int64   `db:"updated_at"`
}

func (r firewallOverrideRow) toModel() model.FirewallOverride {
	return model.FirewallOverride{
		DeviceKey:   r.DeviceKey,
		DisplayName: r.DisplayName,
		Comment:     r.Comment,
		UpdatedAt:   timeOf(r.UpdatedAt),
	}
}

type jobRow struct {
	ID       string  `db:"id"`
	Kind     string  `db:"kind"`
	Device   *string `db:"device"`
	Filename *string `db:"filename"`
	Status   string  `db:"status"`
	Phase    string  `db:"phase"`

	TotalLines      int64   `db:"total_lines"`
	ProcessedLines  int64   `db:"processed_lines"`
	OKRecords       int64   `db:"ok_records"`
	ErrRecords      int64   `db:"err_records"`
	FilteredRecords int64   `db:"filtered_records"`
	Progress        float64 `db:"progress"`

	CancelRequested bool    `db:"cancel_requested"`
	ErrorType       *string `db:"error_type"`
	Error           *string `db:"error"`
	ResultJSON      *string `db:"result_json"`

	CreatedAt  int64  `db:"created_at"`
	StartedAt  *int64 `db:"started_at"`
	FinishedAt *int64 `db:"finished_at"`
}

func (r jobRow) toModel() model.IngestJob {
	return model.IngestJob{
		ID:       r.ID,
		Kind:     r.Kind,
		Device:   r.Device,
		Filename: r.Filename,
		Status:   r.Status,
		Phase:    r.Phase,

		TotalLines:      r.TotalLines,
		ProcessedLines:  r.ProcessedLines,
		OKRecords:       r.OKRecords,
		ErrRecords:      r.ErrRecords,
		FilteredRecords: r.FilteredRecords,
		Progress:        r.Progress,

		CancelRequested: r.CancelRequested,
		ErrorType:       r.ErrorType,
		Error:           r.Error,
		ResultJSON:      r.ResultJSON,

		CreatedAt:  timeOf(r.CreatedAt),
		StartedAt:  timeOfPtr(r.StartedAt),
		FinishedAt: timeOfPtr(r.FinishedAt),
	}
}

type routerMACRow struct {
	ID        int64   `db:"id"`
	DeviceKey string  `db:"device_key"`
	MAC       string  `db:"mac"`
	Direction string  `db:"direction"`
	Note      *string `db:"note"`
	CreatedAt int64   `db:"created_at"`
}

func (r routerMACRow) toModel() model.RouterMACRule {
	return model.RouterMACRule{
		ID:        r.ID,
		DeviceKey: r.DeviceKey,
		MAC:       r.MAC,
		Direction: r.Direction,
		Note:      r.Note,
		CreatedAt: timeOf(r.CreatedAt),
	}
}
