package projection

import (
	"fmt"
	"strings"
)

// CombinePolicy decides how the masks of the contours of one layer merge.
type CombinePolicy int

const (
	// CombineXOR cancels regions covered an even number of times, so a
	// nested loop cuts a hole into its outer loop.
	CombineXOR CombinePolicy = iota
	// CombineUnion keeps every covered pixel.
	CombineUnion
)

func (p CombinePolicy) String() string {
	switch p {
	case CombineXOR:
		return "xor"
	case CombineUnion:
		return "union"
	default:
		return fmt.Sprintf("CombinePolicy(%d)", int(p))
	}
}

// ParseCombinePolicy parses "xor" or "union".
func ParseCombinePolicy(s string) (CombinePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "xor":
		return CombineXOR, nil
	case "union", "or":
		return CombineUnion, nil
	default:
		return CombineXOR, fmt.Errorf("unknown combine policy %q", s)
	}
}
