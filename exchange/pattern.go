package exchange

import (
	"fmt"
	"strings"
)

// Pattern describes whether an exchange expects a reply.
type Pattern int

const (
	// InOnly is a one-way exchange: only the in message is meaningful.
	InOnly Pattern = iota

	// InOut is a request-response exchange: processing may produce an out message.
	InOut
)

// String implements fmt.Stringer.
func (p Pattern) String() string {
	switch p {
	case InOut:
		return "InOut"
	default:
		return "InOnly"
	}
}

// ParsePattern parses a pattern name case-insensitively.
// An empty string yields [InOnly].
func ParsePattern(s string) (Pattern, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "inonly", "in_only", "in-only":
		return InOnly, nil
	case "inout", "in_out", "in-out":
		return InOut, nil
	default:
		return InOnly, fmt.Errorf("unknown exchange pattern %q (expected InOnly or InOut)", s)
	}
}
