// Package classify derives network sides for event endpoints from
// operator-managed zone and interface rules.
//
// NetWall reports a receiving and a destination zone/interface on every
// CONN record. Operators map those names to sides (inside, outside,
// remote); the classifier stamps each event with recv_side, dest_side
// and a direction bucket so queries can filter by direction without
// re-joining the rules. Names no rule covers are reported as misses and
// counted, feeding the rule proposal endpoint.
package classify

import (
	"context"
	"sync"
	"time"

	"github.com/netwall-io/netwall/internal/logger"
	"github.com/netwall-io/netwall/pkg/model"
)

// refreshInterval is how long a loaded ruleset is trusted before the
// next lookup reloads it. Rule writes invalidate immediately.
const refreshInterval = 30 * time.Second

// RuleSource is the slice of the store the classifier reads. A nil
// devices filter returns every rule.
type RuleSource interface {
	ListClassifications(ctx context.Context, devices []string) ([]model.Classification, error)
}

// Miss is a zone or interface name no rule decided. Each miss
// increments the unclassified counter for its (device, kind, name).
type Miss struct {
	Device string
	Kind   string
	Name   string
}

// ruleset maps device -> kind -> name -> side.
type ruleset map[string]map[string]map[string]string

func (r ruleset) side(device, kind, name string) (string, bool) {
	kinds, ok := r[device]
	if !ok {
		return "", false
	}
	names, ok := kinds[kind]
	if !ok {
		return "", false
	}
	side, ok := names[name]
	return side, ok
}

// Classifier stamps events with their network sides. Rules are cached
// process-wide and refreshed every refreshInterval or on Invalidate.
type Classifier struct {
	src       RuleSource
	zoneFirst bool

	mu      sync.Mutex
	rules   ruleset
	fetched time.Time
}

// New builds a classifier. precedence selects which name is consulted
// first when an event carries both: "interface" puts interface rules
// first, anything else means zone rules win.
func New(src RuleSource, precedence string) *Classifier {
	return &Classifier{
		src:       src,
		zoneFirst: precedence != "interface",
	}
}

// Invalidate drops the cached ruleset so the next lookup reloads it.
// Called whenever classification rows change.
func (c *Classifier) Invalidate() {
	c.mu.Lock()
	c.rules = nil
	c.fetched = time.Time{}
	c.mu.Unlock()
}

func (c *Classifier) currentRules(ctx context.Context) ruleset {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rules != nil && time.Since(c.fetched) < refreshInterval {
		return c.rules
	}

	rows, err := c.src.ListClassifications(ctx, nil)
	if err != nil {
		// Classification is best-effort: a load failure downgrades
		// events to unknown sides instead of failing ingest. Keep the
		// stale ruleset if there is one and retry after the interval.
		logger.Warn("classification rules unavailable", "error", err)
		if c.rules == nil {
			c.rules = ruleset{}
		}
		c.fetched = time.Now()
		return c.rules
	}

	rules := make(ruleset)
	for _, row := range rows {
		kinds := rules[row.Device]
		if kinds == nil {
			kinds = make(map[string]map[string]string)
			rules[row.Device] = kinds
		}
		names := kinds[row.Kind]
		if names == nil {
			names = make(map[string]string)
			kinds[row.Kind] = names
		}
		names[row.Name] = row.Side
	}

	c.rules = rules
	c.fetched = time.Now()
	return rules
}

// SideFor resolves one endpoint of an event from its zone and interface
// names. The first rule with a committed side wins in precedence order;
// rows parked on side unknown do not decide. When nothing decides, both
// non-empty names come back as misses.
func (c *Classifier) SideFor(ctx context.Context, device string, zone, iface *string) (string, []Miss) {
	rules := c.currentRules(ctx)

	kinds := [2]struct{ kind, name string }{
		{model.ClassKindZone, deref(zone)},
		{model.ClassKindInterface, deref(iface)},
	}
	if !c.zoneFirst {
		kinds[0], kinds[1] = kinds[1], kinds[0]
	}

	for _, k := range kinds {
		if k.name == "" {
			continue
		}
		if side, ok := rules.side(device, k.kind, k.name); ok && side != model.SideUnknown {
			return side, nil
		}
	}

	var misses []Miss
	for _, k := range kinds {
		if k.name == "" {
			continue
		}
		misses = append(misses, Miss{Device: device, Kind: k.kind, Name: k.name})
	}
	return model.SideUnknown, misses
}

// Apply stamps recv_side, dest_side and direction_bucket on a CONN
// event and returns the rule misses to count. The bucket is
// "<recv>_to_<dest>" only when both sides are known.
func (c *Classifier) Apply(ctx context.Context, ev *model.Event) []Miss {
	recvSide, recvMisses := c.SideFor(ctx, ev.Device, ev.RecvZone, ev.RecvIf)
	destSide, destMisses := c.SideFor(ctx, ev.Device, ev.DestZone, ev.DestIf)

	ev.RecvSide = &recvSide
	ev.DestSide = &destSide

	bucket := model.SideUnknown
	if recvSide != model.SideUnknown && destSide != model.SideUnknown {
		bucket = recvSide + "_to_" + destSide
	}
	ev.DirectionBucket = &bucket

	return append(recvMisses, destMisses...)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
