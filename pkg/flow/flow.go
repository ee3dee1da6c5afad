// Package flow derives flow table operations from CONN events.
//
// A flow row is the reconstructed connection; events only carry its
// endpoints' view of one moment. This package decides, per event,
// whether the flow table should open a row, close one, or synthesize a
// complete row (close without open, blocked, reject). The store applies
// the resulting ops inside the same transaction as the events.
package flow

import (
	"github.com/netwall-io/netwall/pkg/model"
)

// OpFromEvent derives the flow mutation a CONN event implies. Events
// that cannot drive the flow table return ok=false and stay
// event-only: unknown event types, and records missing any part of the
// connection 5-tuple.
func OpFromEvent(ev *model.Event) (model.FlowOp, bool) {
	kind, reason := dispositionOf(ev)
	if kind == "" {
		return model.FlowOp{}, false
	}
	key, ok := keyOf(ev)
	if !ok {
		return model.FlowOp{}, false
	}

	op := model.FlowOp{
		Kind:        kind,
		Key:         key,
		Ts:          ev.TsUTC,
		CloseReason: reason,

		Rule:         ev.Rule,
		AppName:      ev.AppName,
		RecvIf:       ev.RecvIf,
		RecvZone:     ev.RecvZone,
		DestIf:       ev.DestIf,
		DestZone:     ev.DestZone,
		XlatSrcIP:    ev.XlatSrcIP,
		XlatSrcPort:  ev.XlatSrcPort,
		XlatDestIP:   ev.XlatDestIP,
		XlatDestPort: ev.XlatDestPort,
		SrcUsername:  ev.SrcUsername,
	}

	switch kind {
	case model.FlowOpOpen:
		// The open side knows the source MAC; the destination MAC is
		// only reliable on the close record.
		op.SrcMAC = ev.SrcMAC

	case model.FlowOpClose:
		op.BytesOrig = derefInt64(ev.BytesOrig)
		op.BytesTerm = derefInt64(ev.BytesTerm)
		op.DestMAC = ev.DestMAC
		// Closes that find no open synthesize the whole row, so carry
		// the source MAC too.
		op.SrcMAC = ev.SrcMAC

	case model.FlowOpSynthetic:
		// Blocked and rejected connections never transferred anything.
		op.SrcMAC = ev.SrcMAC
		op.DestMAC = ev.DestMAC
	}

	return op, true
}

// dispositionOf classifies the event. The event type decides; the
// action field is only consulted for records whose type is not a
// recognized CONN state change.
func dispositionOf(ev *model.Event) (kind, reason string) {
	switch deref(ev.EventType) {
	case model.EventConnOpen, model.EventConnOpenNATSAT:
		return model.FlowOpOpen, ""
	case model.EventConnClose, model.EventConnCloseNATSAT:
		return model.FlowOpClose, model.CloseReasonClose
	case model.EventConnBlocked:
		return model.FlowOpSynthetic, model.CloseReasonBlocked
	case model.EventConnReject:
		return model.FlowOpSynthetic, model.CloseReasonReject
	}

	switch deref(ev.Action) {
	case "blocked", "block":
		return model.FlowOpSynthetic, model.CloseReasonBlocked
	case "reject":
		return model.FlowOpSynthetic, model.CloseReasonReject
	}

	return "", ""
}

func keyOf(ev *model.Event) (model.FlowKey, bool) {
	if ev.Device == "" ||
		deref(ev.Proto) == "" ||
		deref(ev.SrcIP) == "" || ev.SrcPort == nil ||
		deref(ev.DestIP) == "" || ev.DestPort == nil {
		return model.FlowKey{}, false
	}
	return model.FlowKey{
		DeviceKey: ev.Device,
		Proto:     *ev.Proto,
		SrcIP:     *ev.SrcIP,
		SrcPort:   *ev.SrcPort,
		DestIP:    *ev.DestIP,
		DestPort:  *ev.DestPort,
	}, true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
