package canary

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/wudi/steer/internal/clock"
	"github.com/wudi/steer/internal/kv"
	"github.com/wudi/steer/internal/logging"
	"github.com/wudi/steer/internal/tier"
)

const canaryKeyPrefix = "router:canary:"

// Config is the per-tenant canary configuration.
type Config struct {
	Fraction          float64
	QualityFloor      float64
	MinSamples        int
	EvaluationWindow  time.Duration
	RollbackThreshold float64
	// CanaryTier overrides the redirect target. Nil means one step above
	// the baseline tier of each decision.
	CanaryTier *tier.Tier
}

// Info describes why a redirect did or did not fire.
type Info struct {
	Fraction   float64
	RolledBack bool
	Bucket     float64 // the user's stable hash position in [0,1)
}

type outcome struct {
	atMS    int64
	success bool
}

type tenantCanary struct {
	mu         sync.Mutex
	cfg        Config
	rolledBack bool
	window     []outcome
}

// Manager controls probabilistic per-tenant tier redirects and tracks canary
// quality, rolling the canary back when it underperforms.
type Manager struct {
	store kv.Store
	clk   clock.Clock

	mu      sync.RWMutex
	tenants map[string]*tenantCanary
}

// New creates a canary manager with the given initial tenant configs.
func New(store kv.Store, clk clock.Clock, initial map[string]Config) *Manager {
	m := &Manager{
		store:   store,
		clk:     clk,
		tenants: make(map[string]*tenantCanary),
	}
	for tenantID, cfg := range initial {
		m.tenants[tenantID] = &tenantCanary{cfg: cfg}
	}
	return m
}

func (m *Manager) tenant(tenantID string) (*tenantCanary, bool) {
	m.mu.RLock()
	tc, ok := m.tenants[tenantID]
	m.mu.RUnlock()
	return tc, ok
}

// bucket maps (tenant, user) to a stable position in [0,1). The same user
// always lands in the same bucket, so canary membership is sticky.
func bucket(tenantID, userID string) float64 {
	h := xxhash.Sum64String(tenantID + "|" + userID)
	return float64(h) / float64(^uint64(0))
}

// MaybeRedirect decides whether this request rides the canary. When it does,
// the returned tier is the tenant's configured canary tier, defaulting to
// one step above the baseline.
func (m *Manager) MaybeRedirect(tenantID, userID string, baseline tier.Tier) (bool, tier.Tier, Info) {
	tc, ok := m.tenant(tenantID)
	if !ok {
		return false, baseline, Info{}
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()

	info := Info{Fraction: tc.cfg.Fraction, RolledBack: tc.rolledBack}
	if tc.rolledBack || tc.cfg.Fraction <= 0 {
		return false, baseline, info
	}

	info.Bucket = bucket(tenantID, userID)
	if info.Bucket >= tc.cfg.Fraction {
		return false, baseline, info
	}

	target := baseline.Next()
	if tc.cfg.CanaryTier != nil {
		target = *tc.cfg.CanaryTier
	}
	return true, target, info
}

// RecordOutcome folds a canary execution result into the rolling window and
// rolls the canary back when the observed success rate breaches the
// threshold over at least MinSamples inside the evaluation window. Quality
// below the floor counts as failure.
func (m *Manager) RecordOutcome(ctx context.Context, tenantID, userID string, t tier.Tier, success bool, latencyMS, quality float64) {
	tc, ok := m.tenant(tenantID)
	if !ok {
		return
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()

	ok2 := success && quality >= tc.cfg.QualityFloor
	now := m.clk.NowMonotonicMS()
	tc.window = append(tc.window, outcome{atMS: now, success: ok2})
	tc.trim(now)

	if tc.rolledBack || len(tc.window) < tc.cfg.MinSamples || tc.cfg.MinSamples <= 0 {
		m.persist(ctx, tenantID, tc)
		return
	}

	succ := 0
	for _, o := range tc.window {
		if o.success {
			succ++
		}
	}
	rate := float64(succ) / float64(len(tc.window))
	if rate < tc.cfg.RollbackThreshold {
		tc.rolledBack = true
		tc.cfg.Fraction = 0
		logging.Warn("Canary rolled back",
			zap.String("tenant", tenantID),
			zap.Float64("success_rate", rate),
			zap.Float64("threshold", tc.cfg.RollbackThreshold),
			zap.Int("samples", len(tc.window)),
		)
	}
	m.persist(ctx, tenantID, tc)
}

// trim drops outcomes older than the evaluation window. Must hold tc.mu.
func (tc *tenantCanary) trim(nowMS int64) {
	if tc.cfg.EvaluationWindow <= 0 {
		return
	}
	cutoff := nowMS - tc.cfg.EvaluationWindow.Milliseconds()
	i := 0
	for i < len(tc.window) && tc.window[i].atMS < cutoff {
		i++
	}
	if i > 0 {
		tc.window = append([]outcome(nil), tc.window[i:]...)
	}
}

// persist mirrors config and rolling stats to the KV store. Must hold tc.mu.
func (m *Manager) persist(ctx context.Context, tenantID string, tc *tenantCanary) {
	succ := 0
	for _, o := range tc.window {
		if o.success {
			succ++
		}
	}
	fields := map[string]string{
		"fraction":           strconv.FormatFloat(tc.cfg.Fraction, 'f', 6, 64),
		"quality_floor":      strconv.FormatFloat(tc.cfg.QualityFloor, 'f', 6, 64),
		"min_samples":        strconv.Itoa(tc.cfg.MinSamples),
		"evaluation_window_s": strconv.FormatFloat(tc.cfg.EvaluationWindow.Seconds(), 'f', 0, 64),
		"rollback_threshold": strconv.FormatFloat(tc.cfg.RollbackThreshold, 'f', 6, 64),
		"rolled_back":        strconv.FormatBool(tc.rolledBack),
		"window_total":       strconv.Itoa(len(tc.window)),
		"window_success":     strconv.Itoa(succ),
	}
	if tc.cfg.CanaryTier != nil {
		fields["canary_tier"] = tc.cfg.CanaryTier.String()
	}
	m.store.HSet(ctx, canaryKeyPrefix+tenantID, fields)
}

// SetConfig installs a new canary config for a tenant and clears any
// rollback. Administrative use.
func (m *Manager) SetConfig(ctx context.Context, tenantID string, cfg Config) {
	m.mu.Lock()
	tc, ok := m.tenants[tenantID]
	if !ok {
		tc = &tenantCanary{}
		m.tenants[tenantID] = tc
	}
	m.mu.Unlock()

	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.cfg = cfg
	tc.rolledBack = false
	tc.window = nil
	m.persist(ctx, tenantID, tc)
}

// Snapshot is a point-in-time view of a tenant's canary state.
type Snapshot struct {
	Fraction          float64 `json:"fraction"`
	QualityFloor      float64 `json:"quality_floor"`
	MinSamples        int     `json:"min_samples"`
	EvaluationWindowS float64 `json:"evaluation_window_s"`
	RollbackThreshold float64 `json:"rollback_threshold"`
	CanaryTier        string  `json:"canary_tier,omitempty"`
	RolledBack        bool    `json:"rolled_back"`
	WindowTotal       int     `json:"window_total"`
	WindowSuccess     int     `json:"window_success"`
}

// Stats returns the tenant's canary snapshot.
func (m *Manager) Stats(tenantID string) (Snapshot, bool) {
	tc, ok := m.tenant(tenantID)
	if !ok {
		return Snapshot{}, false
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()

	succ := 0
	for _, o := range tc.window {
		if o.success {
			succ++
		}
	}
	snap := Snapshot{
		Fraction:          tc.cfg.Fraction,
		QualityFloor:      tc.cfg.QualityFloor,
		MinSamples:        tc.cfg.MinSamples,
		EvaluationWindowS: tc.cfg.EvaluationWindow.Seconds(),
		RollbackThreshold: tc.cfg.RollbackThreshold,
		RolledBack:        tc.rolledBack,
		WindowTotal:       len(tc.window),
		WindowSuccess:     succ,
	}
	if tc.cfg.CanaryTier != nil {
		snap.CanaryTier = tc.cfg.CanaryTier.String()
	}
	return snap, true
}
