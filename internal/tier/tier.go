package tier

import (
	"context"
	"fmt"
)

// Tier is a discrete service class. A is the cheapest and fastest profile,
// C the most capable. The ordering A < B < C is load-bearing: escalation and
// reconciliation both compare tiers.
type Tier int

const (
	A Tier = iota
	B
	C
)

func (t Tier) String() string {
	switch t {
	case A:
		return "A"
	case B:
		return "B"
	case C:
		return "C"
	default:
		return "unknown"
	}
}

// Parse converts a tier name back to a Tier.
func Parse(s string) (Tier, error) {
	switch s {
	case "A":
		return A, nil
	case "B":
		return B, nil
	case "C":
		return C, nil
	}
	return A, fmt.Errorf("unknown tier %q", s)
}

// Next returns the tier one step up. C never escalates further.
func (t Tier) Next() Tier {
	if t >= C {
		return C
	}
	return t + 1
}

// All lists the tiers in order. Used by the bandit to enumerate arms.
var All = []Tier{A, B, C}

// Envelope is the immutable request as received at ingress. It is never
// mutated after feature extraction.
type Envelope struct {
	TenantID string                 `json:"tenant_id"`
	UserID   string                 `json:"user_id,omitempty"`
	Message  string                 `json:"message"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Validate checks the fields the router cannot do without.
func (e *Envelope) Validate() error {
	if e.TenantID == "" {
		return fmt.Errorf("envelope missing tenant_id")
	}
	return nil
}

// Outcome is what tier execution reports back to the router.
type Outcome struct {
	Success   bool
	LatencyMS float64
	Quality   float64 // [0,1]
	Cost      float64
	Output    <-chan []byte // streamed chunks, closed by the executor
}

// Executor runs the actual workload for a chosen tier. Inference itself lives
// outside this repository; the router only consumes the outcome.
type Executor interface {
	Execute(ctx context.Context, t Tier, env *Envelope) (*Outcome, error)
}
