package graph

import (
	"fmt"
	"time"

	"github.com/netwall-io/netwall/pkg/model"
)

// Filter kinds accepted on either side of the query.
const (
	KindZone      = "zone"
	KindInterface = "interface"
	KindEndpoint  = "endpoint"
	KindAny       = "any"
)

// Address projections. Translated substitutes the NAT addresses
// recorded on the flow wherever the firewall logged them.
const (
	ViewOriginal   = "original"
	ViewTranslated = "translated"
)

// Right-column layouts.
const (
	DestViewEndpoints = "endpoints"
	DestViewServices  = "services"
)

// Rendering caps. The left column stays readable at nine hosts;
// everything past that collapses into the router bucket.
const (
	maxLeftNodes       = 9
	maxPairStats       = 200
	maxTopEntries      = 5
	maxNodeServices    = 10
	maxSourceBreakdown = 10
	maxInspectLimit    = 100
)

// Well-known node ids the payload references without carrying a node
// record: the firewall hub every edge passes through and the left
// router bucket.
const (
	hubNodeID    = "fw"
	routerLeftID = "router-left"
)

// Request is one graph query. DeviceKey takes a physical firewall key
// or an ha:<base> selector; From/To bound a half-open window.
type Request struct {
	DeviceKey string
	SrcKind   string
	SrcValue  string
	DstKind   string
	DstValue  string
	From      time.Time
	To        time.Time
	View      string
	DestView  string
}

func (r *Request) normalize() error {
	if r.DeviceKey == "" {
		return fmt.Errorf("%w: device is required", model.ErrValidation)
	}
	switch r.SrcKind {
	case KindZone, KindInterface, KindEndpoint:
	default:
		return fmt.Errorf("%w: src_kind must be zone, interface or endpoint", model.ErrValidation)
	}
	if r.SrcValue == "" {
		return fmt.Errorf("%w: src_value is required", model.ErrValidation)
	}
	switch r.DstKind {
	case "":
		r.DstKind = KindAny
	case KindAny:
		// dst_value is ignored for any, even when present.
	case KindZone, KindInterface, KindEndpoint:
		if r.DstValue == "" {
			return fmt.Errorf("%w: dst_value is required for dst_kind %s", model.ErrValidation, r.DstKind)
		}
	default:
		return fmt.Errorf("%w: dst_kind must be zone, interface, endpoint or any", model.ErrValidation)
	}
	switch r.View {
	case "":
		r.View = ViewOriginal
	case ViewOriginal, ViewTranslated:
	default:
		return fmt.Errorf("%w: view must be original or translated", model.ErrValidation)
	}
	switch r.DestView {
	case "":
		r.DestView = DestViewEndpoints
	case DestViewEndpoints, DestViewServices:
	default:
		return fmt.Errorf("%w: dest_view must be endpoints or services", model.ErrValidation)
	}
	if r.From.IsZero() || r.To.IsZero() {
		return fmt.Errorf("%w: time_from and time_to are required", model.ErrValidation)
	}
	return nil
}

// Identification carries the merged identity of an endpoint: fields
// learned from DEVICE records with operator overrides applied on top.
// Source reports which of the two supplied anything.
type Identification struct {
	Hostname string `json:"hostname,omitempty"`
	Vendor   string `json:"vendor,omitempty"`
	HWType   string `json:"hw_type,omitempty"`
	OSType   string `json:"os_type,omitempty"`
	Brand    string `json:"brand,omitempty"`
	Model    string `json:"model,omitempty"`
	Source   string `json:"source,omitempty"`
}

// Service is one (proto, port, app) slice of traffic.
type Service struct {
	Proto         string `json:"proto"`
	Port          int    `json:"port"`
	AppName       string `json:"app_name,omitempty"`
	Count         int64  `json:"count"`
	BytesSrcToDst int64  `json:"bytes_src_to_dst"`
	BytesDstToSrc int64  `json:"bytes_dst_to_src"`
}

// SourceBreakdown lists what one source sent to a destination node,
// sliced by service. SourceID names the left node whether or not it
// was folded into the router bucket.
type SourceBreakdown struct {
	SourceID    string    `json:"source_id"`
	SourceLabel string    `json:"source_label"`
	SrcIP       string    `json:"src_ip,omitempty"`
	SrcMAC      string    `json:"src_mac,omitempty"`
	Services    []Service `json:"services"`
}

// Node is one rendered endpoint. SeenCount is the number of
// connections the node opened (left) or received (right) inside the
// window. Services and SourceBreakdown are populated on right-side
// nodes only.
type Node struct {
	ID              string            `json:"id"`
	Side            string            `json:"side"`
	Label           string            `json:"label"`
	IP              string            `json:"ip,omitempty"`
	MAC             string            `json:"mac,omitempty"`
	DeviceName      string            `json:"device_name,omitempty"`
	SeenCount       int64             `json:"seen_count"`
	Identification  *Identification   `json:"identification,omitempty"`
	Services        []Service         `json:"services,omitempty"`
	ServicesTotal   int               `json:"services_total,omitempty"`
	SourceBreakdown []SourceBreakdown `json:"source_breakdown,omitempty"`
}

// Edge is aggregated traffic between two node ids. The top maps keep
// at most five entries each, by value.
type Edge struct {
	SourceNodeID  string           `json:"source_node_id"`
	TargetNodeID  string           `json:"target_node_id"`
	CountOpen     int64            `json:"count_open"`
	CountClose    int64            `json:"count_close"`
	BytesSrcToDst int64            `json:"bytes_src_to_dst"`
	BytesDstToSrc int64            `json:"bytes_dst_to_src"`
	TopPorts      map[string]int64 `json:"top_ports"`
	TopRules      map[string]int64 `json:"top_rules"`
	TopApps       map[string]int64 `json:"top_apps"`
	TopServices   []Service        `json:"top_services"`
	LastSeen      *time.Time       `json:"last_seen,omitempty"`
}

// RouterBucket collapses hidden endpoints behind a single pseudo-node.
// HiddenNodes and HiddenEdges keep the detail available for expansion.
type RouterBucket struct {
	NodeID        string   `json:"node_id"`
	Count         int      `json:"count"`
	HiddenNodeIDs []string `json:"hidden_node_ids"`
	HiddenNodes   []Node   `json:"hidden_nodes"`
	HiddenEdges   []Edge   `json:"hidden_edges"`
}

// InterfaceGroup is one destination interface/zone pairing with its
// local devices nested inside. Router is nil when nothing was hidden.
type InterfaceGroup struct {
	ID           string        `json:"id"`
	DestIf       string        `json:"dest_if"`
	DestZone     string        `json:"dest_zone"`
	Label        string        `json:"label"`
	LocalDevices []Node        `json:"local_devices"`
	Router       *RouterBucket `json:"router"`
}

// ServicePortNode is one (proto, port) bucket in the services view.
type ServicePortNode struct {
	ID          string `json:"id"`
	Side        string `json:"side"`
	Label       string `json:"label"`
	Proto       string `json:"proto"`
	Port        int    `json:"port"`
	Count       int64  `json:"count"`
	DestIPCount int    `json:"dest_ip_count"`
}

// PairStat is one (source, destination) pair under a service leaf.
type PairStat struct {
	SourceLabel string `json:"source_label"`
	DestLabel   string `json:"dest_label"`
	SrcIP       string `json:"src_ip"`
	SrcMAC      string `json:"src_mac,omitempty"`
	DestIP      string `json:"dest_ip"`
	Count       int64  `json:"count"`
}

// ServiceAppNode is one application under a port bucket. AppName is
// empty when the firewall never identified the application.
type ServiceAppNode struct {
	ID           string     `json:"id"`
	Side         string     `json:"side"`
	ParentPortID string     `json:"parent_port_id"`
	Label        string     `json:"label"`
	Proto        string     `json:"proto"`
	Port         int        `json:"port"`
	AppName      string     `json:"app_name,omitempty"`
	Count        int64      `json:"count"`
	DestIPCount  int        `json:"dest_ip_count"`
	ByPair       []PairStat `json:"by_pair"`
}

// Meta echoes the query and summarizes the result.
type Meta struct {
	Device           string    `json:"device"`
	DeviceLabel      string    `json:"device_label"`
	SrcKind          string    `json:"src_kind"`
	SrcValue         string    `json:"src_value"`
	DstKind          string    `json:"dst_kind"`
	DstValue         string    `json:"dst_value"`
	TimeFrom         time.Time `json:"time_from"`
	TimeTo           time.Time `json:"time_to"`
	View             string    `json:"view"`
	DestView         string    `json:"dest_view"`
	LeftCount        int       `json:"left_count"`
	RightCount       int       `json:"right_count"`
	FlowCount        int       `json:"flow_count"`
	UnknownEndpoints int       `json:"unknown_endpoints"`
	RouterMACRules   int       `json:"router_mac_rules"`
}

// Response is the full graph payload. Every array is present in every
// view; the arrays the active dest_view does not use stay empty. Edges
// reference node ids only, so the payload is a DAG of plain records.
type Response struct {
	Meta             Meta              `json:"meta"`
	LeftNodes        []Node            `json:"left_nodes"`
	InterfaceGroups  []InterfaceGroup  `json:"interface_groups"`
	ServicePortNodes []ServicePortNode `json:"service_port_nodes"`
	ServiceAppNodes  []ServiceAppNode  `json:"service_app_nodes"`
	RouterBucketLeft RouterBucket      `json:"router_bucket_left"`
	Edges            []Edge            `json:"edges"`
}
