package model

import (
	"fmt"
	"net/netip"
	"time"
)

// Setting keys.
const (
	SettingLogRetention  = "log_retention"
	SettingLocalNetworks = "local_networks"
	SettingHABanner      = "ha_banner_dismissed"
	SettingLastCleanup   = "maintenance_last_cleanup"
)

// Retention bounds, in days.
const (
	RetentionMinDays     = 1
	RetentionMaxDays     = 365
	RetentionDefaultDays = 3
)

// RetentionSettings controls how long raw logs and events are kept.
// Flows and endpoints are not subject to retention. Only firewalls fed
// purely by syslog are eligible; imported data is never aged out.
type RetentionSettings struct {
	Enabled  bool `json:"enabled"`
	KeepDays int  `json:"keep_days"`
}

// Validate checks the retention window bounds.
func (r RetentionSettings) Validate() error {
	if r.KeepDays < RetentionMinDays || r.KeepDays > RetentionMaxDays {
		return fmt.Errorf("%w: keep_days must be between %d and %d",
			ErrValidation, RetentionMinDays, RetentionMaxDays)
	}
	return nil
}

// DefaultRetention is the initial policy: disabled, three days.
func DefaultRetention() RetentionSettings {
	return RetentionSettings{Enabled: false, KeepDays: RetentionDefaultDays}
}

// DefaultLocalNetworks is the RFC1918 set used until the operator
// configures their own.
func DefaultLocalNetworks() []string {
	return []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}
}

// LocalNetworksSettings lists the IPv4 CIDRs treated as "inside"
// regardless of zone or interface naming.
type LocalNetworksSettings struct {
	Enabled bool     `json:"enabled"`
	CIDRs   []string `json:"cidrs"`
}

// Normalize parses every CIDR, rejects non-IPv4 entries and rewrites
// each to its masked form (host bits cleared). Returns the normalized
// copy.
func (l LocalNetworksSettings) Normalize() (LocalNetworksSettings, error) {
	out := LocalNetworksSettings{CIDRs: make([]string, 0, len(l.CIDRs))}
	for _, c := range l.CIDRs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return out, fmt.Errorf("%w: invalid CIDR %q", ErrValidation, c)
		}
		if !p.Addr().Is4() {
			return out, fmt.Errorf("%w: %q is not an IPv4 CIDR", ErrValidation, c)
		}
		out.CIDRs = append(out.CIDRs, p.Masked().String())
	}
	return out, nil
}

// HADismissals lists the HA base names whose candidate banner the
// operator dismissed. The raw setting value is a JSON array.
type HADismissals []string

// Contains reports whether the banner for base was dismissed.
func (h HADismissals) Contains(base string) bool {
	for _, b := range h {
		if b == base {
			return true
		}
	}
	return false
}

// Add appends base if it is not already dismissed.
func (h HADismissals) Add(base string) HADismissals {
	if h.Contains(base) {
		return h
	}
	return append(h, base)
}

// CleanupSummary is persisted under SettingLastCleanup after every
// retention run, manual or scheduled.
type CleanupSummary struct {
	LastRun        time.Time `json:"last_run"`
	DurationMs     int64     `json:"duration_ms"`
	DeletedEvents  int64     `json:"deleted_events"`
	DeletedRawLogs int64     `json:"deleted_raw_logs"`
	VacuumRan      bool      `json:"vacuum_ran"`
	KeepDays       int       `json:"keep_days"`
	Cutoff         time.Time `json:"cutoff"`
}
