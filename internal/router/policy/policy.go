package policy

import (
	"sync"

	"github.com/wudi/steer/internal/router/feature"
	"github.com/wudi/steer/internal/tier"
)

// Reason codes for escalation decisions.
const (
	ReasonEarlyExit       = "EARLY_EXIT"
	ReasonConfidenceLow   = "CONFIDENCE_LOW"
	ReasonComplexityHigh  = "COMPLEXITY_HIGH"
	ReasonHistoricFailure = "HISTORIC_FAILURE"
	ReasonTenantPolicy    = "TENANT_POLICY"
	ReasonNone            = "NONE"
)

// Thresholds. Early-exit requires all of its conditions; escalation fires on
// any of its triggers. Early-exit is evaluated first and the two are
// mutually exclusive.
const (
	earlyExitStrictness = 0.90
	earlyExitComplexity = 0.15
	defaultMaxTokensA   = 100

	escalateConfidence  = 0.6
	escalateComplexity  = 0.8
	escalateFailureRate = 0.3
)

// TenantPolicy is the per-tenant routing policy.
type TenantPolicy struct {
	MaxTokensA      int
	ForbidEarlyExit bool
	ForceEscalation bool
}

// Decision is the outcome of the early-exit/escalation gate.
type Decision struct {
	TargetTier     tier.Tier
	ShouldEscalate bool
	ReasonCode     string
	// Forced reports that the policy overrides the candidate outright
	// (early-exit or escalation), not merely annotates it.
	Forced bool
}

// Policy gates trivial requests to the cheapest tier and promotes risky ones.
type Policy struct {
	mu      sync.RWMutex
	tenants map[string]TenantPolicy
}

// New creates a policy gate with the given per-tenant settings.
func New(tenants map[string]TenantPolicy) *Policy {
	if tenants == nil {
		tenants = make(map[string]TenantPolicy)
	}
	return &Policy{tenants: tenants}
}

// SetTenant installs or replaces a tenant policy at runtime.
func (p *Policy) SetTenant(tenantID string, tp TenantPolicy) {
	p.mu.Lock()
	p.tenants[tenantID] = tp
	p.mu.Unlock()
}

func (p *Policy) tenant(tenantID string) TenantPolicy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tenants[tenantID]
}

// Decide applies the early-exit then escalation rules to the classifier's
// candidate.
func (p *Policy) Decide(f feature.Features, candidate tier.Tier, confidence float64, tenantID string) Decision {
	tp := p.tenant(tenantID)

	maxTokensA := tp.MaxTokensA
	if maxTokensA <= 0 {
		maxTokensA = defaultMaxTokensA
	}

	// Early-exit to tier A requires every condition.
	if !tp.ForbidEarlyExit &&
		f.SchemaStrictness >= earlyExitStrictness &&
		f.RequestComplexity <= earlyExitComplexity &&
		f.TokenCount <= maxTokensA {
		return Decision{
			TargetTier: tier.A,
			ReasonCode: ReasonEarlyExit,
			Forced:     true,
		}
	}

	// Escalation: any trigger raises the target by one tier; C is capped.
	var reason string
	switch {
	case tp.ForceEscalation:
		reason = ReasonTenantPolicy
	case confidence < escalateConfidence:
		reason = ReasonConfidenceLow
	case f.RequestComplexity >= escalateComplexity:
		reason = ReasonComplexityHigh
	case f.HistoricalFailureRate >= escalateFailureRate:
		reason = ReasonHistoricFailure
	}

	if reason != "" {
		return Decision{
			TargetTier:     candidate.Next(),
			ShouldEscalate: true,
			ReasonCode:     reason,
			Forced:         true,
		}
	}

	return Decision{TargetTier: candidate, ReasonCode: ReasonNone}
}
