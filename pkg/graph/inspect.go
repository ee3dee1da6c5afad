package graph

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/netwall-io/netwall/pkg/model"
	"github.com/netwall-io/netwall/pkg/store"
)

// InspectRequest selects the raw events behind one (source,
// destination, service) pair rendered by the graph. The window and
// view follow the graph query that produced the pair.
type InspectRequest struct {
	DeviceKey string
	From      time.Time
	To        time.Time
	View      string
	Proto     string
	DestPort  int
	AppName   string
	SrcIP     string
	DestIP    string
	Limit     int
	Offset    int
}

func (r *InspectRequest) normalize() error {
	if r.DeviceKey == "" {
		return fmt.Errorf("%w: device is required", model.ErrValidation)
	}
	if _, err := netip.ParseAddr(strings.TrimSpace(r.SrcIP)); err != nil {
		return fmt.Errorf("%w: src_ip must be a valid IP address", model.ErrValidation)
	}
	if _, err := netip.ParseAddr(strings.TrimSpace(r.DestIP)); err != nil {
		return fmt.Errorf("%w: dest_ip must be a valid IP address", model.ErrValidation)
	}
	if r.DestPort < 0 || r.DestPort > 65535 {
		return fmt.Errorf("%w: dest_port must be between 0 and 65535", model.ErrValidation)
	}
	switch r.View {
	case "":
		r.View = ViewOriginal
	case ViewOriginal, ViewTranslated:
	default:
		return fmt.Errorf("%w: view must be original or translated", model.ErrValidation)
	}
	if p := strings.ToUpper(strings.TrimSpace(r.Proto)); p != "" {
		r.Proto = p
	} else {
		r.Proto = "TCP"
	}
	if r.Limit <= 0 || r.Limit > maxInspectLimit {
		r.Limit = maxInspectLimit
	}
	if r.Offset < 0 {
		r.Offset = 0
	}
	return nil
}

// InspectRow is one raw event with the syslog line it came from.
// Nullable record fields stay null in the payload so clients can tell
// "absent" from zero.
type InspectRow struct {
	TsUTC     time.Time `json:"ts_utc"`
	Device    string    `json:"device"`
	EventType string    `json:"event_type"`
	Proto     string    `json:"proto"`
	SrcIP     *string   `json:"src_ip"`
	SrcPort   *int      `json:"src_port"`
	DestIP    *string   `json:"dest_ip"`
	DestPort  *int      `json:"dest_port"`
	RecvIf    *string   `json:"recv_if"`
	RecvZone  *string   `json:"recv_zone"`
	DestIf    *string   `json:"dest_if"`
	DestZone  *string   `json:"dest_zone"`
	Rule      *string   `json:"rule"`
	AppName   *string   `json:"app_name"`
	BytesOrig *int64    `json:"bytes_orig"`
	BytesTerm *int64    `json:"bytes_term"`
	DurationS *int64    `json:"duration_s"`
	RawLine   *string   `json:"raw_line"`
}

// InspectPage is one page of rows plus the unpaged total.
type InspectPage struct {
	Rows  []InspectRow `json:"rows"`
	Total int          `json:"total"`
}

// InspectLogs returns the CONN events behind a rendered service pair,
// newest first, with their raw lines attached when the raw log
// survived retention.
func (e *Engine) InspectLogs(ctx context.Context, req InspectRequest) (*InspectPage, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}

	page := &InspectPage{Rows: []InspectRow{}}

	devices, err := e.st.ResolveDeviceKeys(ctx, req.DeviceKey)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 || req.From.IsZero() || req.To.IsZero() {
		return page, nil
	}

	events, err := e.st.QueryEvents(ctx, store.EventQuery{
		Devices:    devices,
		From:       req.From,
		To:         req.To,
		SrcIP:      strings.TrimSpace(req.SrcIP),
		DestIP:     strings.TrimSpace(req.DestIP),
		Proto:      req.Proto,
		DestPort:   req.DestPort,
		AppName:    req.AppName,
		Translated: req.View == ViewTranslated,
		Limit:      req.Limit,
		Offset:     req.Offset,
	})
	if err != nil {
		return nil, err
	}

	raw, err := e.st.RawLinesFor(ctx, events.Events)
	if err != nil {
		return nil, err
	}

	for i := range events.Events {
		ev := &events.Events[i]
		row := InspectRow{
			TsUTC:     ev.TsUTC,
			Device:    ev.Device,
			EventType: deref(ev.EventType),
			Proto:     strings.ToUpper(deref(ev.Proto)),
			SrcIP:     ev.SrcIP,
			SrcPort:   ev.SrcPort,
			DestIP:    ev.DestIP,
			DestPort:  ev.DestPort,
			RecvIf:    ev.RecvIf,
			RecvZone:  ev.RecvZone,
			DestIf:    ev.DestIf,
			DestZone:  ev.DestZone,
			Rule:      ev.Rule,
			AppName:   ev.AppName,
			BytesOrig: ev.BytesOrig,
			BytesTerm: ev.BytesTerm,
			DurationS: ev.DurationS,
		}
		if line, ok := raw[store.RawLineKey{Device: ev.Device, TsUTC: ev.TsUTC}]; ok {
			row.RawLine = &line
		}
		page.Rows = append(page.Rows, row)
	}
	page.Total = events.Total
	return page, nil
}
