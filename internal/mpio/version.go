package mpio

import (
	"fmt"
	"strconv"
	"strings"
)

// ProtocolVersion is the inter-engine protocol level negotiated on a
// connection. Versions are totally ordered by (Major, Minor).
type ProtocolVersion struct {
	Major uint16 `json:"major"`
	Minor uint16 `json:"minor"`
}

// VersionUnknown is reported when a connection carries no negotiated metadata.
var VersionUnknown = ProtocolVersion{}

// ParseProtocolVersion accepts "major" or "major.minor".
func ParseProtocolVersion(s string) (ProtocolVersion, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return VersionUnknown, fmt.Errorf("empty protocol version")
	}
	majorStr, minorStr, hasMinor := strings.Cut(s, ".")
	major, err := strconv.ParseUint(majorStr, 10, 16)
	if err != nil {
		return VersionUnknown, fmt.Errorf("invalid protocol version %q: %w", s, err)
	}
	v := ProtocolVersion{Major: uint16(major)}
	if hasMinor {
		minor, err := strconv.ParseUint(minorStr, 10, 16)
		if err != nil {
			return VersionUnknown, fmt.Errorf("invalid protocol version %q: %w", s, err)
		}
		v.Minor = uint16(minor)
	}
	return v, nil
}

// Compare returns -1, 0 or +1.
func (v ProtocolVersion) Compare(other ProtocolVersion) int {
	switch {
	case v.Major < other.Major:
		return -1
	case v.Major > other.Major:
		return 1
	case v.Minor < other.Minor:
		return -1
	case v.Minor > other.Minor:
		return 1
	}
	return 0
}

// AtLeast reports v >= required.
func (v ProtocolVersion) AtLeast(required ProtocolVersion) bool {
	return v.Compare(required) >= 0
}

func (v ProtocolVersion) IsUnknown() bool {
	return v == VersionUnknown
}

func (v ProtocolVersion) String() string {
	if v.IsUnknown() {
		return "unknown"
	}
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}
