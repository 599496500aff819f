package agent

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the action class an intent proposes.
type Kind string

const (
	KindOpenLong   Kind = "OPEN_LONG"
	KindOpenShort  Kind = "OPEN_SHORT"
	KindClose      Kind = "CLOSE"
	KindAdjustSize Kind = "ADJUST_SIZE"
	KindNoOp       Kind = "NO_OP"
)

// Intent is one role's proposed trading action for a cycle. It is immutable
// once emitted; the orchestrator consumes it within the same cycle.
//
// Size is interpreted per Kind: a positive quantity to add for OpenLong and
// OpenShort, a quantity to unwind for Close (0 means close everything), and
// the signed target net size for AdjustSize.
type Intent struct {
	Role       string    `json:"role"`
	Kind       Kind      `json:"kind"`
	Instrument string    `json:"instrument"`
	Size       float64   `json:"size"`
	PriceLimit float64   `json:"price_limit,omitempty"`
	EmittedAt  time.Time `json:"emitted_at"`
}

// Validate reports whether the intent is well-formed enough to act on.
// NoOp intents never reach here; the orchestrator drops them first.
func (in Intent) Validate() error {
	if strings.TrimSpace(in.Role) == "" {
		return fmt.Errorf("intent: missing role")
	}
	switch in.Kind {
	case KindOpenLong, KindOpenShort, KindClose, KindAdjustSize:
	case KindNoOp:
		return fmt.Errorf("intent: no-op is not submittable")
	default:
		return fmt.Errorf("intent: unknown kind %q", in.Kind)
	}
	if strings.TrimSpace(in.Instrument) == "" {
		return fmt.Errorf("intent: missing instrument")
	}
	switch in.Kind {
	case KindOpenLong, KindOpenShort:
		if in.Size <= 0 {
			return fmt.Errorf("intent: size must be positive for %s", in.Kind)
		}
	case KindClose:
		if in.Size < 0 {
			return fmt.Errorf("intent: close size cannot be negative")
		}
	}
	if in.PriceLimit < 0 {
		return fmt.Errorf("intent: price limit cannot be negative")
	}
	return nil
}

// IsNoOp reports whether the intent proposes no action.
func (in Intent) IsNoOp() bool {
	return in.Kind == KindNoOp
}
