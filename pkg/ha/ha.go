// Package ha detects NetWall high-availability pairs from device
// naming conventions and derives the canonical group keys used across
// the store and the API. A pair shows up in syslog as two device
// names sharing a base: the unit names differ only by a recognized
// role suffix.
package ha

import (
	"sort"
	"strings"
	"time"

	"github.com/netwall-io/netwall/pkg/model"
)

// Roles a member plays within a pair.
const (
	RolePrimary   = "primary"
	RoleSecondary = "secondary"
)

// CandidateOverlap is how close together both members must have last
// been seen for the pair to be suggested. Two units that never log in
// the same day are probably a rename, not a cluster.
const CandidateOverlap = 24 * time.Hour

// suffixFamilies lists the recognized naming conventions as
// (primary, secondary) suffix pairs. Matching is case-sensitive;
// NetWall itself emits the _Master/_Slave form, the others are common
// operator conventions.
var suffixFamilies = [][2]string{
	{"_Master", "_Slave"},
	{"-primary", "-secondary"},
	{"-a", "-b"},
}

// SplitSuffix breaks a device name into its HA base and role. Returns
// ok=false when the name carries no recognized suffix or nothing would
// remain of the base.
func SplitSuffix(device string) (base, role string, ok bool) {
	for _, fam := range suffixFamilies {
		if b, found := strings.CutSuffix(device, fam[0]); found && b != "" {
			return b, RolePrimary, true
		}
		if b, found := strings.CutSuffix(device, fam[1]); found && b != "" {
			return b, RoleSecondary, true
		}
	}
	return "", "", false
}

// PeerOf returns the expected partner name for an HA member, or ""
// when the device name carries no recognized suffix.
func PeerOf(device string) string {
	for _, fam := range suffixFamilies {
		if b, found := strings.CutSuffix(device, fam[0]); found && b != "" {
			return b + fam[1]
		}
		if b, found := strings.CutSuffix(device, fam[1]); found && b != "" {
			return b + fam[0]
		}
	}
	return ""
}

// CanonicalKey maps an HA member name to its group key ("ha:<base>")
// and leaves standalone names alone. This is the pure suffix form used
// when no cluster has been configured yet, e.g. while attributing an
// imported file.
func CanonicalKey(device string) string {
	device = strings.TrimSpace(device)
	if base, _, ok := SplitSuffix(device); ok {
		return GroupKey(base)
	}
	return device
}

// GroupKey builds the firewall key for an HA base name.
func GroupKey(base string) string {
	return model.HAPrefix + base
}

// IsGroupKey reports whether a device key names an HA group.
func IsGroupKey(key string) bool {
	return strings.HasPrefix(key, model.HAPrefix)
}

// Base strips the group prefix from a key, returning plain keys
// unchanged.
func Base(key string) string {
	return strings.TrimPrefix(key, model.HAPrefix)
}

// DefaultMembers returns the legacy member names assumed when an
// operator enables a group no traffic has confirmed yet.
func DefaultMembers(base string) []string {
	return []string{base + "_Master", base + "_Slave"}
}

// Candidate is a detected but not yet confirmed HA pair.
type Candidate struct {
	Base           string `json:"base"`
	Primary        string `json:"master"`
	Secondary      string `json:"slave"`
	SuggestedLabel string `json:"suggested_label"`
}

// Members returns the candidate's device names, primary first.
func (c Candidate) Members() []string {
	return []string{c.Primary, c.Secondary}
}

// Candidates pairs up the given device names by base and keeps the
// pairs whose members were both seen within CandidateOverlap of each
// other. lastSeen maps device name to its newest log timestamp;
// devices missing from the map never qualify. Sorted by base.
func Candidates(lastSeen map[string]time.Time) []Candidate {
	type pair struct {
		primary, secondary string
		primaryTs          time.Time
		secondaryTs        time.Time
	}

	pairs := make(map[string]*pair)
	for device, ts := range lastSeen {
		base, role, ok := SplitSuffix(device)
		if !ok {
			continue
		}
		p := pairs[base]
		if p == nil {
			p = &pair{}
			pairs[base] = p
		}
		switch role {
		case RolePrimary:
			p.primary, p.primaryTs = device, ts
		case RoleSecondary:
			p.secondary, p.secondaryTs = device, ts
		}
	}

	out := make([]Candidate, 0, len(pairs))
	for base, p := range pairs {
		if p.primary == "" || p.secondary == "" {
			continue
		}
		gap := p.primaryTs.Sub(p.secondaryTs)
		if gap < 0 {
			gap = -gap
		}
		if gap > CandidateOverlap {
			continue
		}
		out = append(out, Candidate{
			Base:           base,
			Primary:        p.primary,
			Secondary:      p.secondary,
			SuggestedLabel: base + " (HA)",
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })
	return out
}
