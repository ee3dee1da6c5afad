package handlers

import (
	"net/http"
	"net/netip"
	"sort"
	"strings"

	"github.com/netwall-io/netwall/pkg/model"
	"github.com/netwall-io/netwall/pkg/store"
)

// LookupHandler serves the small enumeration endpoints the graph
// picker is populated from: zone and interface names, and the distinct
// hosts observed in a time window.
type LookupHandler struct {
	store *store.Store
}

// NewLookupHandler creates a lookup handler.
func NewLookupHandler(st *store.Store) *LookupHandler {
	return &LookupHandler{store: st}
}

// Names returns the distinct zone or interface names observed in
// events for the given device, depending on kind=zone|interface.
// GET /api/endpoints
func (h *LookupHandler) Names(w http.ResponseWriter, r *http.Request) {
	h.names(w, r, r.URL.Query().Get("kind"))
}

// Zones is the kind=zone shorthand.
// GET /api/zones
func (h *LookupHandler) Zones(w http.ResponseWriter, r *http.Request) {
	h.names(w, r, "zone")
}

// Interfaces is the kind=interface shorthand.
// GET /api/interfaces
func (h *LookupHandler) Interfaces(w http.ResponseWriter, r *http.Request) {
	h.names(w, r, "interface")
}

func (h *LookupHandler) names(w http.ResponseWriter, r *http.Request, kind string) {
	ctx := r.Context()
	devices, err := resolveDevices(ctx, h.store, r)
	if err != nil {
		WriteError(w, err)
		return
	}
	if len(devices) == 0 {
		WriteJSON(w, http.StatusOK, []string{})
		return
	}

	var names []string
	switch kind {
	case "zone":
		names, err = h.store.ListZones(ctx, devices)
	case "interface":
		names, err = h.store.ListInterfaces(ctx, devices)
	default:
		WriteDetail(w, http.StatusBadRequest, "kind must be zone or interface")
		return
	}
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, names)
}

// observedEntry is one row of the endpoint picker list.
type observedEntry struct {
	ID             string            `json:"id"`
	IP             string            `json:"ip"`
	MAC            *string           `json:"mac"`
	DeviceName     *string           `json:"device_name"`
	Label          string            `json:"label"`
	Identification map[string]string `json:"identification,omitempty"`
}

// Observed returns the distinct (ip, mac) hosts seen in events in the
// time window, decorated with learned identity. NAT-translated
// addresses and router MACs are excluded so the list holds only real
// hosts. has_mac=true (the default) keeps only expandable nodes.
// GET /api/endpoints/list
func (h *LookupHandler) Observed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	devices, err := resolveDevices(ctx, h.store, r)
	if err != nil {
		WriteError(w, err)
		return
	}
	if len(devices) == 0 {
		WriteJSON(w, http.StatusOK, []observedEntry{})
		return
	}

	from, to, err := timeWindow(r, false)
	if err != nil {
		WriteError(w, err)
		return
	}
	hasMAC := true
	if v := r.URL.Query().Get("has_mac"); v != "" {
		hasMAC = boolParam(r, "has_mac")
	}

	pairs, err := h.store.ObservedEndpoints(ctx, store.ObservedEndpointsQuery{
		Devices: devices,
		From:    from,
		To:      to,
		HasMAC:  hasMAC,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	natIPs, err := h.store.NATTranslatedIPs(ctx, devices)
	if err != nil {
		WriteError(w, err)
		return
	}
	routerRules, err := h.store.ListRouterMACRules(ctx, devices)
	if err != nil {
		WriteError(w, err)
		return
	}
	routerMACs := make(map[string]struct{}, len(routerRules))
	for _, rule := range routerRules {
		routerMACs[rule.MAC] = struct{}{}
	}

	known, err := h.store.ListEndpoints(ctx, devices)
	if err != nil {
		WriteError(w, err)
		return
	}
	byMAC := make(map[string]*model.Endpoint)
	byIP := make(map[string]*model.Endpoint)
	for i := range known {
		ep := &known[i]
		if ep.MAC != nil && *ep.MAC != "" {
			byMAC[*ep.MAC] = ep
		} else if ep.IP != nil && *ep.IP != "" {
			byIP[*ep.IP] = ep
		}
	}

	locals, err := h.localFilter(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].IP != pairs[j].IP {
			return pairs[i].IP < pairs[j].IP
		}
		return derefOr(pairs[i].MAC, "") < derefOr(pairs[j].MAC, "")
	})

	out := make([]observedEntry, 0, len(pairs))
	for _, pair := range pairs {
		if _, nat := natIPs[pair.IP]; nat {
			continue
		}
		var ep *model.Endpoint
		if pair.MAC != nil && *pair.MAC != "" {
			if _, router := routerMACs[*pair.MAC]; router {
				continue
			}
			ep = byMAC[*pair.MAC]
		} else {
			ep = byIP[pair.IP]
		}
		if ep == nil {
			continue
		}
		if locals != nil && !ipInPrefixes(pair.IP, locals) {
			continue
		}

		entry := observedEntry{
			ID:         ep.EndpointID,
			IP:         pair.IP,
			MAC:        pair.MAC,
			DeviceName: ep.Hostname,
			Label:      endpointLabel(ep, pair.IP),
		}
		if ident := identificationOf(ep); len(ident) > 0 {
			entry.Identification = ident
		}
		out = append(out, entry)
	}
	WriteJSON(w, http.StatusOK, out)
}

// localFilter resolves the local_only parameter against the stored
// local-network settings. A nil return means no filtering.
func (h *LookupHandler) localFilter(r *http.Request) ([]netip.Prefix, error) {
	settings, err := h.store.LocalNetworks(r.Context())
	if err != nil {
		return nil, err
	}

	apply := settings.Enabled
	if v := r.URL.Query().Get("local_only"); v != "" {
		apply = boolParam(r, "local_only")
	}
	if !apply {
		return nil, nil
	}

	cidrs := settings.CIDRs
	if len(cidrs) == 0 {
		cidrs = model.DefaultLocalNetworks()
	}
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			continue
		}
		prefixes = append(prefixes, p)
	}
	return prefixes, nil
}

func ipInPrefixes(ip string, prefixes []netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// endpointLabel prefers the learned hostname, falling back to the IP.
func endpointLabel(ep *model.Endpoint, ip string) string {
	if ep.Hostname != nil && strings.TrimSpace(*ep.Hostname) != "" {
		return *ep.Hostname
	}
	return ip
}

// identificationOf collects the non-empty DEVICE identity fields.
func identificationOf(ep *model.Endpoint) map[string]string {
	ident := make(map[string]string)
	put := func(key string, v *string) {
		if v != nil && *v != "" {
			ident[key] = *v
		}
	}
	put("hostname", ep.Hostname)
	put("vendor", ep.Vendor)
	put("hwtype", ep.HWType)
	put("ostype", ep.OSType)
	put("brand", ep.Brand)
	put("model", ep.Model)
	return ident
}

func derefOr(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}
