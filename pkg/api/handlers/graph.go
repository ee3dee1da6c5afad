package handlers

import (
	"net/http"

	"github.com/netwall-io/netwall/pkg/graph"
)

// GraphHandler serves the flow graph and the raw-log drill-down
// behind a rendered edge.
type GraphHandler struct {
	engine *graph.Engine
}

// NewGraphHandler creates a graph handler.
func NewGraphHandler(engine *graph.Engine) *GraphHandler {
	return &GraphHandler{engine: engine}
}

// Build answers one graph query: flows in the window, projected to the
// requested view, grouped into left nodes, service nodes and edges.
// GET /api/graph
func (h *GraphHandler) Build(w http.ResponseWriter, r *http.Request) {
	from, to, err := timeWindow(r, true)
	if err != nil {
		WriteError(w, err)
		return
	}

	q := r.URL.Query()
	resp, err := h.engine.Build(r.Context(), graph.Request{
		DeviceKey: q.Get("device"),
		SrcKind:   q.Get("src_kind"),
		SrcValue:  q.Get("src_value"),
		DstKind:   q.Get("dst_kind"),
		DstValue:  q.Get("dst_value"),
		From:      from,
		To:        to,
		View:      q.Get("view"),
		DestView:  q.Get("dest_view"),
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

// InspectLogs returns the raw CONN events behind one (source,
// destination, service) pair, newest first.
// GET /api/graph/inspect-logs
func (h *GraphHandler) InspectLogs(w http.ResponseWriter, r *http.Request) {
	from, to, err := timeWindow(r, true)
	if err != nil {
		WriteError(w, err)
		return
	}

	q := r.URL.Query()
	page, err := h.engine.InspectLogs(r.Context(), graph.InspectRequest{
		DeviceKey: q.Get("device"),
		From:      from,
		To:        to,
		View:      q.Get("view"),
		Proto:     q.Get("proto"),
		DestPort:  intParam(r, "dest_port", 0),
		AppName:   q.Get("app_name"),
		SrcIP:     q.Get("src_ip"),
		DestIP:    q.Get("dest_ip"),
		Limit:     intParam(r, "limit", 0),
		Offset:    intParam(r, "offset", 0),
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, page)
}
