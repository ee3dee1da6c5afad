package model

// Classification kinds: what the rule name refers to.
const (
	ClassKindZone      = "zone"
	ClassKindInterface = "interface"
)

// Sides a zone or interface can be assigned to. Unknown rows exist so
// an operator can park a name without committing it to a side yet.
const (
	SideInside  = "inside"
	SideOutside = "outside"
	SideRemote  = "remote"
	SideUnknown = "unknown"
)

// ValidSide reports whether s is one of the four side values.
func ValidSide(s string) bool {
	switch s {
	case SideInside, SideOutside, SideRemote, SideUnknown:
		return true
	}
	return false
}

// Classification maps a zone or interface name on one firewall to a
// network side. Higher priority wins when several rows match; a row
// whose side is unknown never decides an endpoint.
type Classification struct {
	ID       int64  `db:"id" json:"id"`
	Device   string `db:"device" json:"device"`
	Kind     string `db:"kind" json:"kind"`
	Name     string `db:"name" json:"name"`
	Side     string `db:"side" json:"side"`
	Priority int    `db:"priority" json:"priority"`
}

// UnclassifiedName counts traffic seen with a zone or interface name
// that no classification row covers. The counter feeds the rule
// proposal endpoint.
type UnclassifiedName struct {
	ID     int64  `db:"id" json:"id"`
	Device string `db:"device" json:"device"`
	Kind   string `db:"kind" json:"kind"`
	Name   string `db:"name" json:"name"`
	Count  int64  `db:"count" json:"count"`
}
