package handlers

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/netwall-io/netwall/pkg/model"
	"github.com/netwall-io/netwall/pkg/store"
)

// RuleHandler turns observed traffic into firewall policy drafts: it
// proposes allow-rule candidates from the flows behind a graph
// selection and renders accepted candidates as NetWall CLI lines.
type RuleHandler struct {
	store *store.Store
}

// NewRuleHandler creates a rule handler.
func NewRuleHandler(st *store.Store) *RuleHandler {
	return &RuleHandler{store: st}
}

// RuleCandidate is one proposed allow rule, aggregated from flows
// sharing a (source zone/interface, destination, service) triple.
type RuleCandidate struct {
	ID        string `json:"id"`
	Src       string `json:"src"`
	Dst       string `json:"dst"`
	Proto     string `json:"proto"`
	Port      int    `json:"port"`
	Basis     string `json:"basis"`
	FromValue string `json:"from_value"`
	ToValue   string `json:"to_value"`
	FlowCount int64  `json:"flow_count"`
	Bytes     int64  `json:"bytes"`
	Notes     string `json:"notes,omitempty"`
}

type proposeRequest struct {
	Device    string `json:"device"`
	Basis     string `json:"basis"`
	FromValue string `json:"from_value"`
	ToValue   string `json:"to_value"`
	TimeFrom  string `json:"time_from"`
	TimeTo    string `json:"time_to"`
	Metric    string `json:"metric"`
	Limit     int    `json:"limit"`
}

const defaultProposalLimit = 20

// Propose aggregates the flows between two zones or interfaces into
// per-service rule candidates, busiest first.
// POST /api/rules/propose
func (h *RuleHandler) Propose(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req proposeRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.Basis != model.ClassKindZone && req.Basis != model.ClassKindInterface {
		WriteDetail(w, http.StatusBadRequest, "basis must be zone or interface")
		return
	}
	if req.Device == "" || req.FromValue == "" || req.ToValue == "" {
		WriteDetail(w, http.StatusBadRequest, "device, from_value and to_value are required")
		return
	}
	from, err := parseTime(req.TimeFrom)
	if err != nil {
		WriteError(w, fmt.Errorf("%w: time_from", err))
		return
	}
	to, err := parseTime(req.TimeTo)
	if err != nil {
		WriteError(w, fmt.Errorf("%w: time_to", err))
		return
	}
	metric := req.Metric
	if metric == "" {
		metric = "count"
	}
	if metric != "count" && metric != "bytes" {
		WriteDetail(w, http.StatusBadRequest, "metric must be count or bytes")
		return
	}
	limit := req.Limit
	if limit <= 0 || limit > 100 {
		limit = defaultProposalLimit
	}

	devices, err := h.store.ResolveDeviceKeys(ctx, req.Device)
	if err != nil {
		WriteError(w, err)
		return
	}
	flows, err := h.store.ListFlowsWindow(ctx, devices, from, to)
	if err != nil {
		WriteError(w, err)
		return
	}

	type agg struct {
		count int64
		bytes int64
	}
	type svcKey struct {
		proto string
		port  int
	}
	buckets := make(map[svcKey]*agg)
	for i := range flows {
		f := &flows[i]
		if !matchesBasis(f, req.Basis, req.FromValue, req.ToValue) {
			continue
		}
		key := svcKey{proto: strings.ToUpper(f.Proto), port: f.DestPort}
		b := buckets[key]
		if b == nil {
			b = &agg{}
			buckets[key] = b
		}
		b.count++
		b.bytes += f.BytesOrig + f.BytesTerm
	}

	candidates := make([]RuleCandidate, 0, len(buckets))
	for key, b := range buckets {
		candidates = append(candidates, RuleCandidate{
			Src:       req.Basis + ":" + req.FromValue,
			Dst:       req.Basis + ":" + req.ToValue,
			Proto:     key.proto,
			Port:      key.port,
			Basis:     req.Basis,
			FromValue: req.FromValue,
			ToValue:   req.ToValue,
			FlowCount: b.count,
			Bytes:     b.bytes,
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if metric == "bytes" && candidates[i].Bytes != candidates[j].Bytes {
			return candidates[i].Bytes > candidates[j].Bytes
		}
		if candidates[i].FlowCount != candidates[j].FlowCount {
			return candidates[i].FlowCount > candidates[j].FlowCount
		}
		if candidates[i].Proto != candidates[j].Proto {
			return candidates[i].Proto < candidates[j].Proto
		}
		return candidates[i].Port < candidates[j].Port
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	for i := range candidates {
		candidates[i].ID = fmt.Sprintf("rule-%d", i+1)
		candidates[i].Notes = fmt.Sprintf("%d flows, %d bytes in window",
			candidates[i].FlowCount, candidates[i].Bytes)
	}
	WriteJSON(w, http.StatusOK, map[string]any{"candidates": candidates})
}

// matchesBasis reports whether a flow ran from FromValue to ToValue on
// the requested basis. Empty flow fields never match.
func matchesBasis(f *model.Flow, basis, fromValue, toValue string) bool {
	var src, dst *string
	if basis == model.ClassKindZone {
		src, dst = f.RecvZone, f.DestZone
	} else {
		src, dst = f.RecvIf, f.DestIf
	}
	return src != nil && *src == fromValue && dst != nil && *dst == toValue
}

type exportCliRequest struct {
	Candidates []RuleCandidate `json:"candidates"`
	Target     string          `json:"target"`
}

// ExportCLI renders accepted candidates as a firewall CLI script.
// The default target is the NetWall CLI's "add IPPolicy" syntax.
// POST /api/rules/export/cli
func (h *RuleHandler) ExportCLI(w http.ResponseWriter, r *http.Request) {
	var req exportCliRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	target := req.Target
	if target == "" {
		target = "netwall"
	}

	var sb strings.Builder
	switch target {
	case "netwall":
		sb.WriteString("# Generated from observed traffic\n")
		for _, c := range req.Candidates {
			service := strings.ToLower(c.Proto)
			if c.Port > 0 {
				service = fmt.Sprintf("%s/%d", service, c.Port)
			}
			fmt.Fprintf(&sb,
				"add IPPolicy SourceInterface=%s SourceNetwork=all-nets DestinationInterface=%s DestinationNetwork=all-nets Service=%s Action=Allow Name=allow_%s_%d\n",
				cliValue(c.FromValue), cliValue(c.ToValue), service,
				strings.ToLower(c.Proto), c.Port)
		}
	case "nftables":
		sb.WriteString("# Generated from observed traffic\n")
		for _, c := range req.Candidates {
			fmt.Fprintf(&sb, "add rule inet filter forward %s dport %d accept\n",
				strings.ToLower(c.Proto), c.Port)
		}
	default:
		WriteDetail(w, http.StatusBadRequest, "target must be netwall or nftables")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"target": target, "script": sb.String()})
}

// cliValue quotes values containing whitespace for the CLI script.
func cliValue(v string) string {
	if strings.ContainsAny(v, " \t") {
		return `"` + v + `"`
	}
	return v
}
