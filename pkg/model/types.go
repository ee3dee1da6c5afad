package model

import (
	"strings"
	"time"
)

// Parse status values stored on raw log rows.
const (
	ParseStatusOK       = "ok"
	ParseStatusError    = "error"
	ParseStatusFiltered = "filtered"
)

// RawLog is one received syslog line, kept verbatim whether or not it
// parsed. Device is empty when the line was too broken to attribute.
type RawLog struct {
	ID          int64     `db:"id" json:"id"`
	TsUTC       time.Time `db:"ts_utc" json:"ts_utc"`
	Device      string    `db:"device" json:"device"`
	RawRecord   string    `db:"raw_record" json:"raw_record"`
	ParseStatus string    `db:"parse_status" json:"parse_status"`
	ParseError  *string   `db:"parse_error" json:"parse_error,omitempty"`
}

// Event is a normalized NetWall log record of the CONN family.
// Nullable columns are pointers; absent keys stay nil.
type Event struct {
	ID     int64     `db:"id" json:"id"`
	TsUTC  time.Time `db:"ts_utc" json:"ts_utc"`
	Device string    `db:"device" json:"device"`

	EventType    *string `db:"event_type" json:"event_type,omitempty"`
	Action       *string `db:"action" json:"action,omitempty"`
	Rule         *string `db:"rule" json:"rule,omitempty"`
	SatSrcRule   *string `db:"satsrcrule" json:"satsrcrule,omitempty"`
	SatDestRule  *string `db:"satdestrule" json:"satdestrule,omitempty"`
	SrcUsername  *string `db:"srcusername" json:"srcusername,omitempty"`
	DestUsername *string `db:"destusername" json:"destusername,omitempty"`

	Proto    *string `db:"proto" json:"proto,omitempty"`
	RecvIf   *string `db:"recv_if" json:"recv_if,omitempty"`
	RecvZone *string `db:"recv_zone" json:"recv_zone,omitempty"`

	SrcIP     *string `db:"src_ip" json:"src_ip,omitempty"`
	SrcPort   *int    `db:"src_port" json:"src_port,omitempty"`
	SrcMAC    *string `db:"src_mac" json:"src_mac,omitempty"`
	SrcDevice *string `db:"src_device" json:"src_device,omitempty"`

	DestIf     *string `db:"dest_if" json:"dest_if,omitempty"`
	DestZone   *string `db:"dest_zone" json:"dest_zone,omitempty"`
	DestIP     *string `db:"dest_ip" json:"dest_ip,omitempty"`
	DestPort   *int    `db:"dest_port" json:"dest_port,omitempty"`
	DestMAC    *string `db:"dest_mac" json:"dest_mac,omitempty"`
	DestDevice *string `db:"dest_device" json:"dest_device,omitempty"`

	XlatSrcIP    *string `db:"xlat_src_ip" json:"xlat_src_ip,omitempty"`
	XlatSrcPort  *int    `db:"xlat_src_port" json:"xlat_src_port,omitempty"`
	XlatDestIP   *string `db:"xlat_dest_ip" json:"xlat_dest_ip,omitempty"`
	XlatDestPort *int    `db:"xlat_dest_port" json:"xlat_dest_port,omitempty"`

	BytesOrig *int64 `db:"bytes_orig" json:"bytes_orig,omitempty"`
	BytesTerm *int64 `db:"bytes_term" json:"bytes_term,omitempty"`
	DurationS *int64 `db:"duration_s" json:"duration_s,omitempty"`

	AppName   *string `db:"app_name" json:"app_name,omitempty"`
	AppRisk   *string `db:"app_risk" json:"app_risk,omitempty"`
	AppFamily *string `db:"app_family" json:"app_family,omitempty"`

	IprepIP         *string `db:"iprep_ip" json:"iprep_ip,omitempty"`
	IprepScore      *int    `db:"iprep_score" json:"iprep_score,omitempty"`
	IprepCategories *string `db:"iprep_categories" json:"iprep_categories,omitempty"`
	IprepSrc        *string `db:"iprep_src" json:"iprep_src,omitempty"`
	IprepDest       *string `db:"iprep_dest" json:"iprep_dest,omitempty"`
	IprepSrcScore   *int    `db:"iprep_src_score" json:"iprep_src_score,omitempty"`
	IprepDestScore  *int    `db:"iprep_dest_score" json:"iprep_dest_score,omitempty"`

	RecvSide        *string `db:"recv_side" json:"recv_side,omitempty"`
	DestSide        *string `db:"dest_side" json:"dest_side,omitempty"`
	DirectionBucket *string `db:"direction_bucket" json:"direction_bucket,omitempty"`

	ExtraJSON *string `db:"extra_json" json:"extra_json,omitempty"`
}

// Event type values NetWall emits on CONN records. The NATSAT
// variants carry translated addresses in the connnew* keys. Blocked
// and rejected connections never open, so they materialize as
// synthetic zero-byte flows.
const (
	EventConnOpen        = "conn_open"
	EventConnOpenNATSAT  = "conn_open_natsat"
	EventConnClose       = "conn_close"
	EventConnCloseNATSAT = "conn_close_natsat"
	EventConnBlocked     = "conn_blocked"
	EventConnReject      = "conn_reject"
)

// Close reasons recorded on flow rows.
const (
	CloseReasonClose   = "close"
	CloseReasonReopen  = "reopen"
	CloseReasonBlocked = "blocked"
	CloseReasonReject  = "reject"
)

// Flow is one reconstructed connection. A row is open while CloseTs is
// nil. Synthetic marks flows materialized from a close, block or
// reject that arrived without a matching open.
type Flow struct {
	ID        int64  `db:"id" json:"id"`
	DeviceKey string `db:"device_key" json:"device_key"`
	Proto     string `db:"proto" json:"proto"`
	SrcIP     string `db:"src_ip" json:"src_ip"`
	SrcPort   int    `db:"src_port" json:"src_port"`
	DestIP    string `db:"dest_ip" json:"dest_ip"`
	DestPort  int    `db:"dest_port" json:"dest_port"`

	OpenTs  time.Time  `db:"open_ts" json:"open_ts"`
	CloseTs *time.Time `db:"close_ts" json:"close_ts,omitempty"`

	BytesOrig int64 `db:"bytes_orig" json:"bytes_orig"`
	BytesTerm int64 `db:"bytes_term" json:"bytes_term"`

	Rule         *string `db:"rule" json:"rule,omitempty"`
	AppName      *string `db:"app_name" json:"app_name,omitempty"`
	RecvIf       *string `db:"recv_if" json:"recv_if,omitempty"`
	RecvZone     *string `db:"recv_zone" json:"recv_zone,omitempty"`
	DestIf       *string `db:"dest_if" json:"dest_if,omitempty"`
	DestZone     *string `db:"dest_zone" json:"dest_zone,omitempty"`
	SrcMAC       *string `db:"src_mac" json:"src_mac,omitempty"`
	DestMAC      *string `db:"dest_mac" json:"dest_mac,omitempty"`
	XlatSrcIP    *string `db:"xlat_src_ip" json:"xlat_src_ip,omitempty"`
	XlatSrcPort  *int    `db:"xlat_src_port" json:"xlat_src_port,omitempty"`
	XlatDestIP   *string `db:"xlat_dest_ip" json:"xlat_dest_ip,omitempty"`
	XlatDestPort *int    `db:"xlat_dest_port" json:"xlat_dest_port,omitempty"`
	SrcUsername  *string `db:"srcusername" json:"srcusername,omitempty"`
	CloseReason  *string `db:"close_reason" json:"close_reason,omitempty"`

	Synthetic bool `db:"synthetic" json:"synthetic"`
}

// FlowKey is the connection identity flows are matched on.
type FlowKey struct {
	DeviceKey string
	Proto     string
	SrcIP     string
	SrcPort   int
	DestIP    string
	DestPort  int
}

// Flow op kinds produced by the reconstruction engine.
const (
	FlowOpOpen      = "open"
	FlowOpClose     = "close"
	FlowOpSynthetic = "synthetic"
)

// FlowOp is one mutation of the flow table derived from an event.
// Ops are applied in order inside the same transaction as the events
// that produced them.
type FlowOp struct {
	Kind string
	Key  FlowKey
	Ts   time.Time

	BytesOrig   int64
	BytesTerm   int64
	CloseReason string

	// Attributes carried onto newly created rows.
	Rule         *string
	AppName      *string
	RecvIf       *string
	RecvZone     *string
	DestIf       *string
	DestZone     *string
	SrcMAC       *string
	DestMAC      *string
	XlatSrcIP    *string
	XlatSrcPort  *int
	XlatDestIP   *string
	XlatDestPort *int
	SrcUsername  *string
}

// Endpoint is a host the firewall has seen, merged across CONN and
// DEVICE records. EndpointID is the stable canonical key: "mac:<MAC>"
// when a MAC is known, otherwise "ip:<device_key>/<side>/<ip>".
type Endpoint struct {
	ID         int64   `db:"id" json:"-"`
	EndpointID string  `db:"endpoint_id" json:"endpoint_id"`
	DeviceKey  string  `db:"device_key" json:"device_key"`
	IP         *string `db:"ip" json:"ip,omitempty"`
	MAC        *string `db:"mac" json:"mac,omitempty"`
	Side       *string `db:"side" json:"side,omitempty"`
	Zone       *string `db:"zone" json:"zone,omitempty"`
	Iface      *string `db:"iface" json:"iface,omitempty"`

	Hostname    *string `db:"hostname" json:"hostname,omitempty"`
	Vendor      *string `db:"vendor" json:"vendor,omitempty"`
	HWType      *string `db:"hwtype" json:"hwtype,omitempty"`
	OSType      *string `db:"ostype" json:"ostype,omitempty"`
	Brand       *string `db:"brand" json:"brand,omitempty"`
	Model       *string `db:"model" json:"model,omitempty"`
	SrcUsername *string `db:"srcusername" json:"srcusername,omitempty"`

	FirstSeen time.Time `db:"first_seen" json:"first_seen"`
	LastSeen  time.Time `db:"last_seen" json:"last_seen"`
	SeenCount int64     `db:"seen_count" json:"seen_count"`
}

// EndpointIDForMAC builds the canonical endpoint key for a host with a
// known MAC. MAC-keyed endpoints merge across devices and sides.
func EndpointIDForMAC(mac string) string {
	return "mac:" + mac
}

// EndpointIDForIP builds the canonical endpoint key for a host known
// only by address. IP-keyed endpoints stay scoped to the device and
// side they were seen on so NATed address reuse cannot merge them.
func EndpointIDForIP(deviceKey, side, ip string) string {
	return "ip:" + deviceKey + "/" + side + "/" + ip
}

// EndpointOverride holds operator-set identity fields keyed by MAC.
// Non-nil fields win over learned DEVICE data everywhere endpoints are
// rendered.
type EndpointOverride struct {
	MAC       string    `db:"mac" json:"mac"`
	Hostname  *string   `db:"hostname" json:"hostname,omitempty"`
	Vendor    *string   `db:"vendor" json:"vendor,omitempty"`
	HWType    *string   `db:"hwtype" json:"hwtype,omitempty"`
	OSType    *string   `db:"ostype" json:"ostype,omitempty"`
	Brand     *string   `db:"brand" json:"brand,omitempty"`
	Model     *string   `db:"model" json:"model,omitempty"`
	Note      *string   `db:"note" json:"note,omitempty"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// DeviceUpdate is a parsed DEVICE identity record (id prefix 89/0890).
// Empty strings mean the field was absent; last writer wins per field.
type DeviceUpdate struct {
	TsUTC    time.Time
	Device   string
	MAC      string
	IP       string
	Vendor   string
	HWType   string
	OSType   string
	Hostname string
	Brand    string
	Model    string
}

// Firewall observation sources.
const (
	FirewallSourceSyslog = "syslog"
	FirewallSourceImport = "import"
)

// HAPrefix marks device keys that name an HA group rather than a
// physical unit.
const HAPrefix = "ha:"

// Firewall is a log source: a physical device key or an enabled HA
// group ("ha:<base>") whose Members list the physical keys. At least
// one source flag is true on every row.
type Firewall struct {
	DeviceKey    string     `db:"device_key" json:"device_key"`
	DisplayName  string     `db:"display_name" json:"display_name"`
	SourceSyslog bool       `db:"source_syslog" json:"source_syslog"`
	SourceImport bool       `db:"source_import" json:"source_import"`
	FirstSeen    time.Time  `db:"first_seen" json:"first_seen"`
	LastSeen     time.Time  `db:"last_seen" json:"last_seen"`
	LastImportTs *time.Time `db:"last_import_ts" json:"last_import_ts,omitempty"`
	Enabled      bool       `db:"enabled" json:"enabled"`
	Members      []string   `db:"-" json:"members,omitempty"`
}

// IsHA reports whether the row is a synthetic HA group.
func (f *Firewall) IsHA() bool {
	return strings.HasPrefix(f.DeviceKey, HAPrefix)
}

// HABase returns the base name of an HA group key, or the key itself.
func (f *Firewall) HABase() string {
	return strings.TrimPrefix(f.DeviceKey, HAPrefix)
}

// FirewallOverride holds operator-set presentation fields for a
// firewall or HA group. Nil fields fall back to the learned values.
type FirewallOverride struct {
	DeviceKey   string    `db:"device_key" json:"device_key"`
	DisplayName *string   `db:"display_name" json:"display_name,omitempty"`
	Comment     *string   `db:"comment" json:"comment,omitempty"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Router-MAC rule directions: which end of a flow the MAC hides.
const (
	RouterMACDirectionSrc  = "src"
	RouterMACDirectionDest = "dest"
	RouterMACDirectionBoth = "both"
)

// RouterMACRule marks a MAC that belongs to an upstream router rather
// than an endpoint. Flows whose MAC matches on the ruled direction are
// collapsed into the graph's router bucket instead of appearing as
// individual hosts. One rule per (device_key, mac).
type RouterMACRule struct {
	ID        int64     `db:"id" json:"id"`
	DeviceKey string    `db:"device_key" json:"device_key"`
	MAC       string    `db:"mac" json:"mac"`
	Direction string    `db:"direction" json:"direction"`
	Note      *string   `db:"note" json:"note,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
