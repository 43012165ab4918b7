package router

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/steer/internal/clock"
	"github.com/wudi/steer/internal/logging"
	"github.com/wudi/steer/internal/metrics"
	"github.com/wudi/steer/internal/router/bandit"
	"github.com/wudi/steer/internal/router/canary"
	"github.com/wudi/steer/internal/router/classifier"
	"github.com/wudi/steer/internal/router/feature"
	"github.com/wudi/steer/internal/router/policy"
	"github.com/wudi/steer/internal/tier"
)

// ReasonFallback marks decisions produced by the failure path.
const ReasonFallback = "FALLBACK"

// reconcileConfidenceGap: when classifier and bandit confidences are closer
// than this, the higher tier wins; otherwise the more confident proposal.
const reconcileConfidenceGap = 0.1

// quotaBiasWindow is how long a quota signal biases a tenant down-tier.
const quotaBiasWindow = time.Minute

// earlyExitConfidence is reported on early-exit decisions: the gate only
// fires on unambiguous requests.
const earlyExitConfidence = 0.95

// tierProfile carries the pre-configured expectations for a tier, used for
// the expected-vs-actual gauges.
type tierProfile struct {
	LatencyMS float64
	Cost      float64
}

var tierProfiles = map[tier.Tier]tierProfile{
	tier.A: {LatencyMS: 50, Cost: 0.001},
	tier.B: {LatencyMS: 200, Cost: 0.01},
	tier.C: {LatencyMS: 800, Cost: 0.05},
}

// CanaryInfo annotates a decision that rode the canary.
type CanaryInfo struct {
	IsCanary bool      `json:"is_canary"`
	Baseline tier.Tier `json:"-"`
	Fraction float64   `json:"fraction"`
}

// EscalationInfo annotates a decision the policy gate changed.
type EscalationInfo struct {
	From   tier.Tier `json:"-"`
	Reason string    `json:"reason"`
}

// Decision is the router's answer, emitted exactly once per request.
type Decision struct {
	TenantID       string           `json:"tenant_id"`
	UserID         string           `json:"user_id,omitempty"`
	Tier           tier.Tier        `json:"-"`
	Confidence     float64          `json:"confidence"`
	DecisionTimeMS float64          `json:"decision_time_ms"`
	Features       feature.Features `json:"features"`
	ReasonCode     string           `json:"reason_code"`
	Canary         *CanaryInfo      `json:"canary,omitempty"`
	Escalation     *EscalationInfo  `json:"escalation,omitempty"`
}

// Options wires the orchestrator's injected dependencies.
type Options struct {
	Extractor  *feature.Extractor
	State      *feature.State
	Classifier *classifier.Classifier
	Bandit     *bandit.Bandit
	Policy     *policy.Policy
	Canary     *canary.Manager
	Metrics    *metrics.Metrics
	Clock      clock.Clock
	Deadline   time.Duration
}

// Router composes the extractor, classifier, bandit, policy gate and canary
// manager into a single routing decision. Errors from any subcomponent are
// absorbed; the caller always gets a decision.
type Router struct {
	extractor  *feature.Extractor
	state      *feature.State
	classifier *classifier.Classifier
	bandit     *bandit.Bandit
	policy     *policy.Policy
	canary     *canary.Manager
	metrics    *metrics.Metrics
	clk        clock.Clock
	deadline   time.Duration

	biasMu    sync.Mutex
	biasUntil map[string]int64 // tenant -> monotonic ms
}

// New creates a router orchestrator.
func New(opts Options) *Router {
	deadline := opts.Deadline
	if deadline <= 0 {
		deadline = 300 * time.Millisecond
	}
	return &Router{
		extractor:  opts.Extractor,
		state:      opts.State,
		classifier: opts.Classifier,
		bandit:     opts.Bandit,
		policy:     opts.Policy,
		canary:     opts.Canary,
		metrics:    opts.Metrics,
		clk:        opts.Clock,
		deadline:   deadline,
		biasUntil:  make(map[string]int64),
	}
}

// fallbackDecision is returned whenever routing cannot complete normally.
func (r *Router) fallbackDecision(env *tier.Envelope, startMS int64) *Decision {
	r.metrics.Fallbacks.Inc()
	return &Decision{
		TenantID:       env.TenantID,
		UserID:         env.UserID,
		Tier:           tier.B,
		Confidence:     0.5,
		DecisionTimeMS: float64(r.clk.NowMonotonicMS() - startMS),
		ReasonCode:     ReasonFallback,
	}
}

// Route decides where the request runs. It never returns an error: any
// subcomponent failure or deadline overrun produces the default decision.
func (r *Router) Route(ctx context.Context, env *tier.Envelope) (decision *Decision) {
	startMS := r.clk.NowMonotonicMS()

	defer func() {
		if rec := recover(); rec != nil {
			logging.Error("Routing panic recovered",
				zap.String("tenant", env.TenantID),
				zap.Any("panic", rec),
			)
			r.metrics.ComponentFailures.WithLabelValues("orchestrator").Inc()
			decision = r.fallbackDecision(env, startMS)
		}
		r.observe(decision)
	}()

	ctx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()

	feats := r.extractor.Extract(ctx, env)

	// Classifier and bandit run in parallel; their results join before the
	// canary consult.
	var (
		clsRes     classifier.Result
		banditTier tier.Tier
		banditEV   float64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		clsRes = r.classifier.Classify(feats, env.TenantID)
		return nil
	})
	g.Go(func() error {
		banditTier, banditEV, _ = r.bandit.Select(gctx, feats, env.TenantID)
		return nil
	})
	g.Wait()

	if ctx.Err() != nil {
		return r.fallbackDecision(env, startMS)
	}

	pol := r.policy.Decide(feats, clsRes.Tier, clsRes.Confidence, env.TenantID)

	var (
		chosen     tier.Tier
		confidence = clsRes.Confidence
		reason     = pol.ReasonCode
		escalation *EscalationInfo
	)
	switch {
	case pol.Forced && pol.ReasonCode == policy.ReasonEarlyExit:
		chosen = pol.TargetTier
		confidence = earlyExitConfidence
	case pol.Forced:
		chosen = pol.TargetTier
		escalation = &EscalationInfo{From: clsRes.Tier, Reason: pol.ReasonCode}
	default:
		chosen = reconcile(clsRes.Tier, clsRes.Confidence, banditTier, banditEV)
		if chosen == banditTier && chosen != clsRes.Tier {
			confidence = banditEV
		}
	}

	// A recent quota signal biases the tenant one tier down, unless the
	// policy gate forced the target.
	if !pol.Forced && r.biased(env.TenantID) && chosen > tier.A {
		chosen--
	}

	var canaryInfo *CanaryInfo
	if isCanary, ct, info := r.canary.MaybeRedirect(env.TenantID, env.UserID, chosen); isCanary {
		canaryInfo = &CanaryInfo{IsCanary: true, Baseline: chosen, Fraction: info.Fraction}
		chosen = ct
	}

	// Novelty history is written by the orchestrator, not the extractor;
	// per-tenant serialization happens inside State.
	go r.state.RecordMessage(context.Background(), env.TenantID, env.Message)

	return &Decision{
		TenantID:       env.TenantID,
		UserID:         env.UserID,
		Tier:           chosen,
		Confidence:     confidence,
		DecisionTimeMS: float64(r.clk.NowMonotonicMS() - startMS),
		Features:       feats,
		ReasonCode:     reason,
		Canary:         canaryInfo,
		Escalation:     escalation,
	}
}

// reconcile merges the classifier and bandit proposals: near-equal
// confidence picks the higher tier, otherwise the more confident one wins.
func reconcile(clsTier tier.Tier, clsConf float64, bTier tier.Tier, bEV float64) tier.Tier {
	diff := clsConf - bEV
	if diff < 0 {
		diff = -diff
	}
	if diff < reconcileConfidenceGap {
		if bTier > clsTier {
			return bTier
		}
		return clsTier
	}
	if bEV > clsConf {
		return bTier
	}
	return clsTier
}

func (r *Router) observe(d *Decision) {
	if d == nil {
		return
	}
	r.metrics.DecisionLatency.WithLabelValues(d.TenantID, d.Tier.String()).Observe(d.DecisionTimeMS)
	r.metrics.TierDistribution.WithLabelValues(d.TenantID, d.Tier.String()).Inc()
}

// RecordOutcome feeds tier-execution feedback to the bandit, the canary
// manager and the failure gauges. misroute is caller-supplied: true when the
// outcome showed a different tier would have been the right call.
func (r *Router) RecordOutcome(ctx context.Context, d *Decision, success bool, latencyMS, quality, cost float64, misroute bool) {
	r.bandit.Update(ctx, d.TenantID, d.Tier, latencyMS, cost, !success)

	if d.Canary != nil && d.Canary.IsCanary {
		r.canary.RecordOutcome(ctx, d.TenantID, d.UserID, d.Tier, success, latencyMS, quality)
	}

	r.state.RecordFailure(ctx, d.TenantID, d.UserID, !success)

	if p, ok := tierProfiles[d.Tier]; ok {
		if cost > 0 {
			r.metrics.CostRatio.WithLabelValues(d.TenantID).Set(p.Cost / cost)
		}
		if latencyMS > 0 {
			r.metrics.LatencyRatio.WithLabelValues(d.TenantID).Set(p.LatencyMS / latencyMS)
		}
	}
	r.metrics.RecordMisroute(d.TenantID, misroute)
}

// RecordQuotaSignal notes a quota violation reported by the billing
// collaborator. Routing is never refused; the tenant is biased down-tier
// for a window instead.
func (r *Router) RecordQuotaSignal(tenantID string) {
	r.biasMu.Lock()
	r.biasUntil[tenantID] = r.clk.NowMonotonicMS() + quotaBiasWindow.Milliseconds()
	r.biasMu.Unlock()
}

func (r *Router) biased(tenantID string) bool {
	r.biasMu.Lock()
	defer r.biasMu.Unlock()
	return r.clk.NowMonotonicMS() < r.biasUntil[tenantID]
}

// Shutdown flushes learning state.
func (r *Router) Shutdown(ctx context.Context) {
	r.bandit.FlushAll(ctx)
}
