// Package graph answers the topology query: a time window plus
// source and destination filters over reconstructed flows becomes a
// two-column node/edge payload with per-service breakdowns.
//
// The engine reads flows, never raw events. Each flow side gets the
// same canonical endpoint identity ingest uses, except that a MAC
// claimed by a router rule stops identifying the host and the side
// falls back to its address. Sources beyond the left-column cap and
// router-MAC sources collapse into the left router bucket; the right
// column renders either destinations grouped by interface or a
// service hierarchy keyed by (proto, port, app). Every output array
// is deterministically ordered, so identical queries serialize
// identically.
package graph

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/netwall-io/netwall/internal/logger"
	"github.com/netwall-io/netwall/pkg/classify"
	"github.com/netwall-io/netwall/pkg/ingest/parser"
	"github.com/netwall-io/netwall/pkg/model"
	"github.com/netwall-io/netwall/pkg/store"
)

// Engine builds graph responses. The classifier supplies the side
// names address-keyed endpoint identities embed, with the same
// zone/interface precedence ingest used when it wrote the inventory.
type Engine struct {
	st    *store.Store
	class *classify.Classifier
}

// New builds an engine over the given store and classifier.
func New(st *store.Store, class *classify.Classifier) *Engine {
	return &Engine{st: st, class: class}
}

// Build runs one graph query.
func (e *Engine) Build(ctx context.Context, req Request) (*Response, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}

	resp := emptyResponse(&req)

	devices, err := e.st.ResolveDeviceKeys(ctx, req.DeviceKey)
	if err != nil {
		return nil, err
	}
	resp.Meta.DeviceLabel = e.deviceLabel(ctx, req.DeviceKey)

	// A collapsed window and an unknown HA selector both render an
	// empty graph, not an error.
	if len(devices) == 0 || !req.From.Before(req.To) {
		return resp, nil
	}

	flows, err := e.st.ListFlowsWindow(ctx, devices, req.From, req.To)
	if err != nil {
		return nil, err
	}
	rules, err := e.st.ListRouterMACRules(ctx, devices)
	if err != nil {
		return nil, err
	}
	router := newRouterSet(rules)
	resp.Meta.RouterMACRules = len(rules)

	srcs := make(map[string]*sideInfo)
	dsts := make(map[string]*sideInfo)
	pairs := make(map[pairKey]*counters)
	matched := 0

	for i := range flows {
		f := &flows[i]
		row := e.projectFlow(ctx, f, req.View, router, req.From, req.To)
		if !matchSide(req.SrcKind, req.SrcValue, f.RecvZone, f.RecvIf, row.srcID, row.srcRouter) {
			continue
		}
		if !matchSide(req.DstKind, req.DstValue, f.DestZone, f.DestIf, row.dstID, row.dstRouter) {
			continue
		}
		matched++

		observeSide(srcs, row.srcID, row.src, row.srcRouter, &row)
		di := observeSide(dsts, row.dstID, row.dst, row.dstRouter, &row)
		if !di.igSet {
			di.igIf, di.igZone, di.igSet = row.destIf, row.destZone, true
		}

		pk := pairKey{src: row.srcID, dst: row.dstID}
		c := pairs[pk]
		if c == nil {
			c = newCounters()
			pairs[pk] = c
		}
		c.add(&row)
	}
	resp.Meta.FlowCount = matched

	ids := make([]string, 0, len(srcs)+len(dsts))
	for id := range srcs {
		ids = append(ids, id)
	}
	for id := range dsts {
		if _, dup := srcs[id]; !dup {
			ids = append(ids, id)
		}
	}
	dec, unknown, err := e.newDecorator(ctx, ids)
	if err != nil {
		return nil, err
	}
	resp.Meta.UnknownEndpoints = unknown

	e.buildLeft(resp, srcs, pairs, dec)

	switch req.DestView {
	case DestViewServices:
		buildServices(resp, srcs, dsts, pairs, dec)
	default:
		buildEndpointGroups(resp, srcs, dsts, pairs, dec)
	}

	sort.Slice(resp.Edges, func(i, j int) bool {
		if resp.Edges[i].SourceNodeID != resp.Edges[j].SourceNodeID {
			return resp.Edges[i].SourceNodeID < resp.Edges[j].SourceNodeID
		}
		return resp.Edges[i].TargetNodeID < resp.Edges[j].TargetNodeID
	})

	logger.Debug("graph built",
		"device", req.DeviceKey,
		"flows", len(flows),
		"matched", matched,
		"left", resp.Meta.LeftCount,
		"right", resp.Meta.RightCount)
	return resp, nil
}

func emptyResponse(req *Request) *Response {
	return &Response{
		Meta: Meta{
			Device:      req.DeviceKey,
			DeviceLabel: req.DeviceKey,
			SrcKind:     req.SrcKind,
			SrcValue:    req.SrcValue,
			DstKind:     req.DstKind,
			DstValue:    req.DstValue,
			TimeFrom:    req.From,
			TimeTo:      req.To,
			View:        req.View,
			DestView:    req.DestView,
		},
		LeftNodes:        []Node{},
		InterfaceGroups:  []InterfaceGroup{},
		ServicePortNodes: []ServicePortNode{},
		ServiceAppNodes:  []ServiceAppNode{},
		RouterBucketLeft: RouterBucket{
			NodeID:        routerLeftID,
			HiddenNodeIDs: []string{},
			HiddenNodes:   []Node{},
			HiddenEdges:   []Edge{},
		},
		Edges: []Edge{},
	}
}

func (e *Engine) deviceLabel(ctx context.Context, deviceKey string) string {
	fw, err := e.st.GetFirewall(ctx, deviceKey)
	if err != nil || fw.DisplayName == "" {
		return deviceKey
	}
	return fw.DisplayName
}

// ── flow projection ──

// flowRow is one flow after view projection and identity resolution.
type flowRow struct {
	src, dst   sideView
	srcID      string
	dstID      string
	srcRouter  bool
	dstRouter  bool
	proto      string
	port       int
	app        string
	rule       string
	openIn     bool
	closeIn    bool
	bytesOrig  int64
	bytesTerm  int64
	lastSeen   time.Time
	destIf     string
	destZone   string
}

type sideView struct {
	ip   string
	port int
	mac  string
}

func (e *Engine) projectFlow(ctx context.Context, f *model.Flow, view string, router routerSet, from, to time.Time) flowRow {
	src := sideView{ip: f.SrcIP, port: f.SrcPort, mac: parser.NormalizeMAC(deref(f.SrcMAC))}
	dst := sideView{ip: f.DestIP, port: f.DestPort, mac: parser.NormalizeMAC(deref(f.DestMAC))}
	if view == ViewTranslated {
		if v := deref(f.XlatSrcIP); v != "" {
			src.ip = v
		}
		if f.XlatSrcPort != nil {
			src.port = *f.XlatSrcPort
		}
		if v := deref(f.XlatDestIP); v != "" {
			dst.ip = v
		}
		if f.XlatDestPort != nil {
			dst.port = *f.XlatDestPort
		}
	}

	row := flowRow{
		src:       src,
		dst:       dst,
		proto:     protoOf(f.Proto),
		port:      dst.port,
		app:       strings.TrimSpace(deref(f.AppName)),
		rule:      deref(f.Rule),
		bytesOrig: f.BytesOrig,
		bytesTerm: f.BytesTerm,
		destIf:    deref(f.DestIf),
		destZone:  deref(f.DestZone),
	}

	row.srcRouter = router.matches(f.DeviceKey, src.mac, model.RouterMACDirectionSrc)
	row.dstRouter = router.matches(f.DeviceKey, dst.mac, model.RouterMACDirectionDest)
	row.srcID = e.sideIdentity(ctx, f.DeviceKey, src, row.srcRouter, f.RecvZone, f.RecvIf)
	row.dstID = e.sideIdentity(ctx, f.DeviceKey, dst, row.dstRouter, f.DestZone, f.DestIf)

	// The selection already guarantees open_ts < to.
	row.openIn = !f.OpenTs.Before(from)
	row.lastSeen = f.OpenTs
	if f.CloseTs != nil {
		row.closeIn = !f.CloseTs.Before(from) && f.CloseTs.Before(to)
		row.lastSeen = *f.CloseTs
	}
	return row
}

// sideIdentity derives the canonical endpoint key for one flow side. A
// MAC merges the host across devices. A MAC claimed by a router rule
// does not identify the host, so that side keys by address exactly
// like a MAC-less one: scoped to the device and classified side.
func (e *Engine) sideIdentity(ctx context.Context, device string, sv sideView, routed bool, zone, iface *string) string {
	if sv.mac != "" && !routed {
		return model.EndpointIDForMAC(sv.mac)
	}
	side, _ := e.class.SideFor(ctx, device, zone, iface)
	return model.EndpointIDForIP(device, side, sv.ip)
}

// matchSide decides whether one flow side passes the kind/value
// filter. Router-MAC sides never match an individual endpoint id.
func matchSide(kind, value string, zone, iface *string, id string, routed bool) bool {
	switch kind {
	case KindZone:
		return deref(zone) == value
	case KindInterface:
		return deref(iface) == value
	case KindEndpoint:
		return !routed && id == value
	case KindAny:
		return true
	}
	return false
}

func protoOf(proto string) string {
	p := strings.ToUpper(strings.TrimSpace(proto))
	if p == "" {
		return "IP"
	}
	return p
}

// ── router rules ──

// routerSet indexes router-MAC rules by device and normalized MAC.
type routerSet map[string]map[string]string

func newRouterSet(rules []model.RouterMACRule) routerSet {
	rs := make(routerSet)
	for _, r := range rules {
		mac := parser.NormalizeMAC(r.MAC)
		if mac == "" {
			continue
		}
		byMAC := rs[r.DeviceKey]
		if byMAC == nil {
			byMAC = make(map[string]string)
			rs[r.DeviceKey] = byMAC
		}
		byMAC[mac] = r.Direction
	}
	return rs
}

func (rs routerSet) matches(device, mac, end string) bool {
	if mac == "" {
		return false
	}
	dir, ok := rs[device][mac]
	if !ok {
		return false
	}
	return dir == end || dir == model.RouterMACDirectionBoth
}

// ── aggregation ──

type pairKey struct {
	src string
	dst string
}

type serviceKey struct {
	proto string
	port  int
	app   string
}

type serviceAgg struct {
	count         int64
	bytesSrcToDst int64
	bytesDstToSrc int64
}

// counters accumulates one edge's worth of traffic. Counts follow
// events inside the window: a flow contributes an open only when it
// opened within [from, to) and a close only when it closed there.
// Byte totals always carry, since they only exist on closed flows.
type counters struct {
	countOpen     int64
	countClose    int64
	bytesSrcToDst int64
	bytesDstToSrc int64
	topPorts      map[string]int64
	topRules      map[string]int64
	topApps       map[string]int64
	services      map[serviceKey]*serviceAgg
	lastSeen      time.Time
}

func newCounters() *counters {
	return &counters{
		topPorts: map[string]int64{},
		topRules: map[string]int64{},
		topApps:  map[string]int64{},
		services: map[serviceKey]*serviceAgg{},
	}
}

func (c *counters) add(r *flowRow) {
	var inc int64
	if r.openIn {
		inc = 1
	}
	c.countOpen = addClamped(c.countOpen, inc)
	if r.closeIn {
		c.countClose = addClamped(c.countClose, 1)
	}
	c.bytesSrcToDst = addClamped(c.bytesSrcToDst, r.bytesOrig)
	c.bytesDstToSrc = addClamped(c.bytesDstToSrc, r.bytesTerm)

	if inc > 0 {
		c.topPorts[strconv.Itoa(r.port)] = addClamped(c.topPorts[strconv.Itoa(r.port)], inc)
		if r.rule != "" {
			c.topRules[r.rule] = addClamped(c.topRules[r.rule], inc)
		}
		if r.app != "" {
			c.topApps[r.app] = addClamped(c.topApps[r.app], inc)
		}
	}

	sk := serviceKey{proto: r.proto, port: r.port, app: r.app}
	sa := c.services[sk]
	if sa == nil {
		sa = &serviceAgg{}
		c.services[sk] = sa
	}
	sa.count = addClamped(sa.count, inc)
	sa.bytesSrcToDst = addClamped(sa.bytesSrcToDst, r.bytesOrig)
	sa.bytesDstToSrc = addClamped(sa.bytesDstToSrc, r.bytesTerm)

	if r.lastSeen.After(c.lastSeen) {
		c.lastSeen = r.lastSeen
	}
}

func (c *counters) merge(other *counters) {
	c.countOpen = addClamped(c.countOpen, other.countOpen)
	c.countClose = addClamped(c.countClose, other.countClose)
	c.bytesSrcToDst = addClamped(c.bytesSrcToDst, other.bytesSrcToDst)
	c.bytesDstToSrc = addClamped(c.bytesDstToSrc, other.bytesDstToSrc)
	for k, v := range other.topPorts {
		c.topPorts[k] = addClamped(c.topPorts[k], v)
	}
	for k, v := range other.topRules {
		c.topRules[k] = addClamped(c.topRules[k], v)
	}
	for k, v := range other.topApps {
		c.topApps[k] = addClamped(c.topApps[k], v)
	}
	for sk, sa := range other.services {
		into := c.services[sk]
		if into == nil {
			into = &serviceAgg{}
			c.services[sk] = into
		}
		into.count = addClamped(into.count, sa.count)
		into.bytesSrcToDst = addClamped(into.bytesSrcToDst, sa.bytesSrcToDst)
		into.bytesDstToSrc = addClamped(into.bytesDstToSrc, sa.bytesDstToSrc)
	}
	if other.lastSeen.After(c.lastSeen) {
		c.lastSeen = other.lastSeen
	}
}

// sideInfo is everything remembered about one endpoint identity on one
// side of the graph. The first flow's addresses win; activity counts
// opens within the window.
type sideInfo struct {
	id       string
	ip       string
	mac      string
	router   bool
	activity int64
	igIf     string
	igZone   string
	igSet    bool
}

func observeSide(into map[string]*sideInfo, id string, sv sideView, routed bool, row *flowRow) *sideInfo {
	si := into[id]
	if si == nil {
		si = &sideInfo{id: id, ip: sv.ip, mac: sv.mac}
		into[id] = si
	}
	if routed {
		si.router = true
	}
	if row.openIn {
		si.activity = addClamped(si.activity, 1)
	}
	return si
}

func addClamped(a, b int64) int64 {
	if b < 0 {
		b = 0
	}
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

// ── left column ──

func (e *Engine) buildLeft(resp *Response, srcs map[string]*sideInfo, pairs map[pairKey]*counters, dec *decorator) {
	var visible, hidden []*sideInfo
	for _, si := range srcs {
		if si.router {
			hidden = append(hidden, si)
		} else {
			visible = append(visible, si)
		}
	}
	sortInfos(visible)
	if len(visible) > maxLeftNodes {
		hidden = append(hidden, visible[maxLeftNodes:]...)
		visible = visible[:maxLeftNodes]
	}
	sortInfos(hidden)

	hiddenSet := make(map[string]bool, len(hidden))
	for _, si := range hidden {
		hiddenSet[si.id] = true
	}

	for _, si := range visible {
		resp.LeftNodes = append(resp.LeftNodes, dec.node(si, "left"))
	}
	resp.Meta.LeftCount = len(resp.LeftNodes)

	bucket := &resp.RouterBucketLeft
	bucket.Count = len(hidden)
	perHidden := make(map[string]*counters)
	for pk, c := range pairs {
		if !hiddenSet[pk.src] {
			continue
		}
		into := perHidden[pk.src]
		if into == nil {
			into = newCounters()
			perHidden[pk.src] = into
		}
		into.merge(c)
	}
	for _, si := range hidden {
		bucket.HiddenNodeIDs = append(bucket.HiddenNodeIDs, "left-"+si.id)
		bucket.HiddenNodes = append(bucket.HiddenNodes, dec.node(si, "left"))
		if agg := perHidden[si.id]; agg != nil {
			bucket.HiddenEdges = append(bucket.HiddenEdges, edgeFrom("left-"+si.id, hubNodeID, agg))
		}
	}

	// Left -> firewall, one edge per rendered source. Hidden sources
	// fold into the bucket's aggregate edge.
	leftEdges := make(map[string]*counters)
	for pk, c := range pairs {
		sourceID := "left-" + pk.src
		if hiddenSet[pk.src] {
			sourceID = routerLeftID
		}
		into := leftEdges[sourceID]
		if into == nil {
			into = newCounters()
			leftEdges[sourceID] = into
		}
		into.merge(c)
	}
	for sourceID, agg := range leftEdges {
		resp.Edges = append(resp.Edges, edgeFrom(sourceID, hubNodeID, agg))
	}
}

// sortInfos orders by activity descending, id ascending.
func sortInfos(infos []*sideInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].activity != infos[j].activity {
			return infos[i].activity > infos[j].activity
		}
		return infos[i].id < infos[j].id
	})
}

// ── right column: interface groups ──

type igInfo struct {
	id       string
	destIf   string
	destZone string
	label    string
	locals   []*sideInfo
	routers  []*sideInfo
}

func buildEndpointGroups(resp *Response, srcs, dsts map[string]*sideInfo, pairs map[pairKey]*counters, dec *decorator) {
	perDst := make(map[string]*counters)
	dstPairs := make(map[string][]pairRef)
	for pk, c := range pairs {
		into := perDst[pk.dst]
		if into == nil {
			into = newCounters()
			perDst[pk.dst] = into
		}
		into.merge(c)
		dstPairs[pk.dst] = append(dstPairs[pk.dst], pairRef{src: pk.src, c: c})
	}

	groups := make(map[string]*igInfo)
	igByDst := make(map[string]string)
	for _, di := range sortedInfos(dsts) {
		key := di.igIf + "|" + di.igZone
		g := groups[key]
		if g == nil {
			g = &igInfo{
				id:       igID(key),
				destIf:   di.igIf,
				destZone: di.igZone,
				label:    igLabel(di.igIf, di.igZone),
			}
			groups[key] = g
		}
		igByDst[di.id] = g.id
		if di.router || di.mac == "" {
			g.routers = append(g.routers, di)
		} else {
			g.locals = append(g.locals, di)
		}
	}

	// Firewall -> group, one edge per group.
	igEdges := make(map[string]*counters)
	for pk, c := range pairs {
		gid := igByDst[pk.dst]
		into := igEdges[gid]
		if into == nil {
			into = newCounters()
			igEdges[gid] = into
		}
		into.merge(c)
	}

	ordered := make([]*igInfo, 0, len(groups))
	for _, g := range groups {
		ordered = append(ordered, g)
	}
	sort.Slice(ordered, func(i, j int) bool {
		ai, aj := int64(0), int64(0)
		if c := igEdges[ordered[i].id]; c != nil {
			ai = c.countOpen
		}
		if c := igEdges[ordered[j].id]; c != nil {
			aj = c.countOpen
		}
		if ai != aj {
			return ai > aj
		}
		return ordered[i].id < ordered[j].id
	})

	rightCount := 0
	for _, g := range ordered {
		entry := InterfaceGroup{
			ID:           g.id,
			DestIf:       g.destIf,
			DestZone:     g.destZone,
			Label:        g.label,
			LocalDevices: []Node{},
		}
		for _, di := range g.locals {
			entry.LocalDevices = append(entry.LocalDevices, dec.rightNode(di, perDst[di.id], dstPairs[di.id], srcs))
		}
		rightCount += len(g.locals) + len(g.routers)

		if len(g.routers) > 0 {
			routerID := "router-" + g.id
			bucket := &RouterBucket{
				NodeID:        routerID,
				Count:         len(g.routers),
				HiddenNodeIDs: []string{},
				HiddenNodes:   []Node{},
				HiddenEdges:   []Edge{},
			}
			groupAgg := newCounters()
			for _, di := range g.routers {
				bucket.HiddenNodeIDs = append(bucket.HiddenNodeIDs, "right-"+di.id)
				bucket.HiddenNodes = append(bucket.HiddenNodes, dec.rightNode(di, perDst[di.id], dstPairs[di.id], srcs))
				if agg := perDst[di.id]; agg != nil {
					bucket.HiddenEdges = append(bucket.HiddenEdges, edgeFrom(routerID, "right-"+di.id, agg))
					groupAgg.merge(agg)
				}
			}
			entry.Router = bucket
			resp.Edges = append(resp.Edges, edgeFrom(g.id, routerID, groupAgg))
		}

		resp.InterfaceGroups = append(resp.InterfaceGroups, entry)
		if agg := igEdges[g.id]; agg != nil {
			resp.Edges = append(resp.Edges, edgeFrom(hubNodeID, g.id, agg))
		}
	}
	resp.Meta.RightCount = rightCount
}

func igID(key string) string {
	var b strings.Builder
	b.WriteString("ig-")
	for _, r := range strings.ToLower(key) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

func igLabel(destIf, destZone string) string {
	if destIf == "" && destZone == "" {
		return "unknown"
	}
	if destIf == "" {
		destIf = "unknown"
	}
	if destZone == "" {
		destZone = "unknown"
	}
	return "If: " + destIf + " / Zone: " + destZone
}

// ── right column: service hierarchy ──

type portKey struct {
	proto string
	port  int
}

func buildServices(resp *Response, srcs, dsts map[string]*sideInfo, pairs map[pairKey]*counters, dec *decorator) {
	type portAgg struct {
		count         int64
		bytesSrcToDst int64
		bytesDstToSrc int64
		destIPs       map[string]struct{}
	}
	type appAgg struct {
		count         int64
		bytesSrcToDst int64
		bytesDstToSrc int64
		destIPs       map[string]struct{}
		byPair        map[pairKey]int64
	}

	ports := make(map[portKey]*portAgg)
	apps := make(map[serviceKey]*appAgg)
	for pk, c := range pairs {
		destIP := ""
		if di := dsts[pk.dst]; di != nil {
			destIP = di.ip
		}
		for sk, sa := range c.services {
			p := ports[portKey{proto: sk.proto, port: sk.port}]
			if p == nil {
				p = &portAgg{destIPs: map[string]struct{}{}}
				ports[portKey{proto: sk.proto, port: sk.port}] = p
			}
			p.count = addClamped(p.count, sa.count)
			p.bytesSrcToDst = addClamped(p.bytesSrcToDst, sa.bytesSrcToDst)
			p.bytesDstToSrc = addClamped(p.bytesDstToSrc, sa.bytesDstToSrc)
			if destIP != "" {
				p.destIPs[destIP] = struct{}{}
			}

			a := apps[sk]
			if a == nil {
				a = &appAgg{destIPs: map[string]struct{}{}, byPair: map[pairKey]int64{}}
				apps[sk] = a
			}
			a.count = addClamped(a.count, sa.count)
			a.bytesSrcToDst = addClamped(a.bytesSrcToDst, sa.bytesSrcToDst)
			a.bytesDstToSrc = addClamped(a.bytesDstToSrc, sa.bytesDstToSrc)
			if destIP != "" {
				a.destIPs[destIP] = struct{}{}
			}
			a.byPair[pk] = addClamped(a.byPair[pk], sa.count)
		}
	}

	for pkk, p := range ports {
		resp.ServicePortNodes = append(resp.ServicePortNodes, ServicePortNode{
			ID:          svcPortID(pkk.proto, pkk.port),
			Side:        "right",
			Label:       pkk.proto + "/" + strconv.Itoa(pkk.port),
			Proto:       pkk.proto,
			Port:        pkk.port,
			Count:       p.count,
			DestIPCount: len(p.destIPs),
		})
	}
	sort.Slice(resp.ServicePortNodes, func(i, j int) bool {
		if resp.ServicePortNodes[i].Count != resp.ServicePortNodes[j].Count {
			return resp.ServicePortNodes[i].Count > resp.ServicePortNodes[j].Count
		}
		return resp.ServicePortNodes[i].ID < resp.ServicePortNodes[j].ID
	})

	for sk, a := range apps {
		node := ServiceAppNode{
			ID:           svcAppID(sk),
			Side:         "right",
			ParentPortID: svcPortID(sk.proto, sk.port),
			Label:        sk.app,
			Proto:        sk.proto,
			Port:         sk.port,
			AppName:      sk.app,
			Count:        a.count,
			DestIPCount:  len(a.destIPs),
			ByPair:       []PairStat{},
		}
		if node.Label == "" {
			node.Label = "—"
		}

		type rankedPair struct {
			pk    pairKey
			count int64
		}
		ranked := make([]rankedPair, 0, len(a.byPair))
		for pk, count := range a.byPair {
			ranked = append(ranked, rankedPair{pk: pk, count: count})
		}
		sort.Slice(ranked, func(i, j int) bool {
			if ranked[i].count != ranked[j].count {
				return ranked[i].count > ranked[j].count
			}
			if ranked[i].pk.src != ranked[j].pk.src {
				return ranked[i].pk.src < ranked[j].pk.src
			}
			return ranked[i].pk.dst < ranked[j].pk.dst
		})
		if len(ranked) > maxPairStats {
			ranked = ranked[:maxPairStats]
		}
		for _, rp := range ranked {
			stat := PairStat{Count: rp.count}
			if si := srcs[rp.pk.src]; si != nil {
				stat.SourceLabel = dec.label(si)
				stat.SrcIP = si.ip
				stat.SrcMAC = si.mac
			}
			if di := dsts[rp.pk.dst]; di != nil {
				stat.DestLabel = dec.label(di)
				stat.DestIP = di.ip
			}
			node.ByPair = append(node.ByPair, stat)
		}
		resp.ServiceAppNodes = append(resp.ServiceAppNodes, node)
	}
	sort.Slice(resp.ServiceAppNodes, func(i, j int) bool {
		if resp.ServiceAppNodes[i].Count != resp.ServiceAppNodes[j].Count {
			return resp.ServiceAppNodes[i].Count > resp.ServiceAppNodes[j].Count
		}
		return resp.ServiceAppNodes[i].ID < resp.ServiceAppNodes[j].ID
	})

	// Firewall -> port -> app hierarchy edges. The hierarchy is pure
	// fan-out, so the edges carry counts and bytes but no top maps.
	for pkk, p := range ports {
		c := newCounters()
		c.countOpen = p.count
		c.bytesSrcToDst = p.bytesSrcToDst
		c.bytesDstToSrc = p.bytesDstToSrc
		resp.Edges = append(resp.Edges, edgeFrom(hubNodeID, svcPortID(pkk.proto, pkk.port), c))
	}
	for sk, a := range apps {
		c := newCounters()
		c.countOpen = a.count
		c.bytesSrcToDst = a.bytesSrcToDst
		c.bytesDstToSrc = a.bytesDstToSrc
		resp.Edges = append(resp.Edges, edgeFrom(svcPortID(sk.proto, sk.port), svcAppID(sk), c))
	}

	resp.Meta.RightCount = len(resp.ServicePortNodes) + len(resp.ServiceAppNodes)
}

func svcPortID(proto string, port int) string {
	return "svcport:" + proto + ":" + strconv.Itoa(port)
}

func svcAppID(sk serviceKey) string {
	app := sk.app
	if app == "" {
		app = "-"
	}
	return "svcapp:" + sk.proto + ":" + strconv.Itoa(sk.port) + ":" + app
}

// ── node decoration ──

type pairRef struct {
	src string
	c   *counters
}

// decorator merges inventory rows and operator overrides into rendered
// nodes. Override fields win over learned ones when non-empty.
type decorator struct {
	eps map[string]model.Endpoint
	ovs map[string]model.EndpointOverride
}

func (e *Engine) newDecorator(ctx context.Context, ids []string) (*decorator, int, error) {
	eps, err := e.st.ListEndpointsByIDs(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	overrides, err := e.st.ListOverrides(ctx)
	if err != nil {
		return nil, 0, err
	}
	ovs := make(map[string]model.EndpointOverride, len(overrides))
	for _, o := range overrides {
		ovs[parser.NormalizeMAC(o.MAC)] = o
	}
	unknown := 0
	for _, id := range ids {
		if _, ok := eps[id]; !ok {
			unknown++
		}
	}
	return &decorator{eps: eps, ovs: ovs}, unknown, nil
}

func (d *decorator) node(si *sideInfo, side string) Node {
	n := Node{
		ID:        side + "-" + si.id,
		Side:      side,
		IP:        si.ip,
		MAC:       si.mac,
		SeenCount: si.activity,
	}

	var ident Identification
	if ep, ok := d.eps[si.id]; ok {
		ident = Identification{
			Hostname: deref(ep.Hostname),
			Vendor:   deref(ep.Vendor),
			HWType:   deref(ep.HWType),
			OSType:   deref(ep.OSType),
			Brand:    deref(ep.Brand),
			Model:    deref(ep.Model),
		}
		if ident != (Identification{}) {
			ident.Source = "auto"
		}
	}
	if si.mac != "" {
		if ov, ok := d.ovs[si.mac]; ok {
			overrode := false
			apply := func(dst *string, v *string) {
				if s := deref(v); s != "" {
					*dst = s
					overrode = true
				}
			}
			apply(&ident.Hostname, ov.Hostname)
			apply(&ident.Vendor, ov.Vendor)
			apply(&ident.HWType, ov.HWType)
			apply(&ident.OSType, ov.OSType)
			apply(&ident.Brand, ov.Brand)
			apply(&ident.Model, ov.Model)
			if overrode {
				ident.Source = "override"
			}
		}
	}

	n.DeviceName = ident.Hostname
	n.Label = n.DeviceName
	if n.Label == "" {
		n.Label = n.IP
	}
	if ident != (Identification{}) {
		n.Identification = &ident
	}
	return n
}

// rightNode decorates a destination with its service mix and the
// per-source breakdown clients use to drive log inspection.
func (d *decorator) rightNode(di *sideInfo, agg *counters, refs []pairRef, srcs map[string]*sideInfo) Node {
	n := d.node(di, "right")
	if agg == nil {
		return n
	}

	n.Services = topServices(agg.services, maxNodeServices)
	n.ServicesTotal = len(agg.services)

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].c.countOpen != refs[j].c.countOpen {
			return refs[i].c.countOpen > refs[j].c.countOpen
		}
		return refs[i].src < refs[j].src
	})
	if len(refs) > maxSourceBreakdown {
		refs = refs[:maxSourceBreakdown]
	}
	n.SourceBreakdown = make([]SourceBreakdown, 0, len(refs))
	for _, ref := range refs {
		entry := SourceBreakdown{
			SourceID: "left-" + ref.src,
			Services: topServices(ref.c.services, maxNodeServices),
		}
		if si := srcs[ref.src]; si != nil {
			entry.SourceLabel = d.label(si)
			entry.SrcIP = si.ip
			entry.SrcMAC = si.mac
		}
		n.SourceBreakdown = append(n.SourceBreakdown, entry)
	}
	return n
}

func (d *decorator) label(si *sideInfo) string {
	n := d.node(si, "left")
	return n.Label
}

// ── edge rendering ──

func edgeFrom(source, target string, c *counters) Edge {
	edge := Edge{
		SourceNodeID:  source,
		TargetNodeID:  target,
		CountOpen:     c.countOpen,
		CountClose:    c.countClose,
		BytesSrcToDst: c.bytesSrcToDst,
		BytesDstToSrc: c.bytesDstToSrc,
		TopPorts:      trimTop(c.topPorts),
		TopRules:      trimTop(c.topRules),
		TopApps:       trimTop(c.topApps),
		TopServices:   topServices(c.services, maxTopEntries),
	}
	if !c.lastSeen.IsZero() {
		t := c.lastSeen
		edge.LastSeen = &t
	}
	return edge
}

// trimTop keeps the five largest entries of a counter map. Ties break
// on the key so trimming is deterministic.
func trimTop(m map[string]int64) map[string]int64 {
	if len(m) <= maxTopEntries {
		return m
	}
	type kv struct {
		k string
		v int64
	}
	entries := make([]kv, 0, len(m))
	for k, v := range m {
		entries = append(entries, kv{k: k, v: v})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].v != entries[j].v {
			return entries[i].v > entries[j].v
		}
		return entries[i].k < entries[j].k
	})
	top := make(map[string]int64, maxTopEntries)
	for _, e := range entries[:maxTopEntries] {
		top[e.k] = e.v
	}
	return top
}

func topServices(services map[serviceKey]*serviceAgg, limit int) []Service {
	out := make([]Service, 0, len(services))
	for sk, sa := range services {
		out = append(out, Service{
			Proto:         sk.proto,
			Port:          sk.port,
			AppName:       sk.app,
			Count:         sa.count,
			BytesSrcToDst: sa.bytesSrcToDst,
			BytesDstToSrc: sa.bytesDstToSrc,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		bi := out[i].BytesSrcToDst + out[i].BytesDstToSrc
		bj := out[j].BytesSrcToDst + out[j].BytesDstToSrc
		if bi != bj {
			return bi > bj
		}
		if out[i].Proto != out[j].Proto {
			return out[i].Proto < out[j].Proto
		}
		if out[i].Port != out[j].Port {
			return out[i].Port < out[j].Port
		}
		return out[i].AppName < out[j].AppName
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortedInfos(m map[string]*sideInfo) []*sideInfo {
	out := make([]*sideInfo, 0, len(m))
	for _, si := range m {
		out = append(out, si)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
