package bandit

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/wudi/steer/internal/clock"
	"github.com/wudi/steer/internal/kv"
	"github.com/wudi/steer/internal/router/feature"
	"github.com/wudi/steer/internal/tier"
)

const (
	armKeyPrefix = "router:bandit:"

	// explorationFloor: below this many total pulls the tenant is still in
	// the cold-start regime and selection is uniform, seeded so tests are
	// reproducible.
	explorationFloor = 30

	// Reward model constants. These are part of the contract, not config.
	successWeight  = 1.0
	latencyPenalty = 0.3
	costPenalty    = 0.2

	// Normalization caps for the penalty terms.
	latencyNormMS = 10000.0
	costNorm      = 1.0

	// Persistence cadence: flush dirty arms after this many updates or this
	// much time, whichever comes first. A crash loses at most one batch.
	flushEvery    = 16
	flushInterval = 5 * time.Second

	// coldStartBucket is the width of the time bucket seeding cold-start
	// selection.
	coldStartBucket = time.Minute
)

// ArmStats are the persisted statistics for one (tenant, tier) arm.
// Monotonically nondecreasing under normal operation; reset only through
// the administrative Reset call.
type ArmStats struct {
	Pulls       int64   `json:"pulls"`
	RewardSum   float64 `json:"reward_sum"`
	RewardSqSum float64 `json:"reward_sq_sum"`
}

// Mean is the average observed reward.
func (a *ArmStats) Mean() float64 {
	if a.Pulls == 0 {
		return 0
	}
	return a.RewardSum / float64(a.Pulls)
}

// Info describes how a selection was made.
type Info struct {
	ColdStart  bool
	TotalPulls int64
	UCB        map[tier.Tier]float64
}

type tenantArms struct {
	mu        sync.Mutex
	arms      map[tier.Tier]*ArmStats
	loaded    bool
	dirty     int
	lastFlush int64 // monotonic ms
}

// Bandit is a UCB1 contextual bandit with per-tenant, per-tier arms backed
// by the KV store.
type Bandit struct {
	store kv.Store
	clk   clock.Clock

	mu      sync.Mutex
	tenants map[string]*tenantArms
}

// New creates a bandit.
func New(store kv.Store, clk clock.Clock) *Bandit {
	return &Bandit{store: store, clk: clk, tenants: make(map[string]*tenantArms)}
}

func (b *Bandit) tenant(name string) *tenantArms {
	b.mu.Lock()
	defer b.mu.Unlock()
	ta, ok := b.tenants[name]
	if !ok {
		arms := make(map[tier.Tier]*ArmStats, len(tier.All))
		for _, t := range tier.All {
			arms[t] = &ArmStats{}
		}
		ta = &tenantArms{arms: arms}
		b.tenants[name] = ta
	}
	return ta
}

// load pulls persisted stats on first touch. Must hold ta.mu.
func (b *Bandit) load(ctx context.Context, tenantID string, ta *tenantArms) {
	if ta.loaded {
		return
	}
	ta.loaded = true
	ta.lastFlush = b.clk.NowMonotonicMS()
	for _, t := range tier.All {
		h, err := b.store.HGetAll(ctx, armKey(tenantID, t))
		if err != nil {
			continue
		}
		arm := ta.arms[t]
		if v, ok := h["pulls"]; ok {
			arm.Pulls, _ = strconv.ParseInt(v, 10, 64)
		}
		if v, ok := h["reward_sum"]; ok {
			arm.RewardSum, _ = strconv.ParseFloat(v, 64)
		}
		if v, ok := h["reward_sq_sum"]; ok {
			arm.RewardSqSum, _ = strconv.ParseFloat(v, 64)
		}
	}
}

func armKey(tenantID string, t tier.Tier) string {
	return armKeyPrefix + tenantID + ":" + t.String()
}

// Select proposes a tier for the tenant. Features are accepted for parity
// with the classifier path; the current policy conditions only on the
// per-tenant reward history.
func (b *Bandit) Select(ctx context.Context, _ feature.Features, tenantID string) (tier.Tier, float64, Info) {
	ta := b.tenant(tenantID)
	ta.mu.Lock()
	defer ta.mu.Unlock()
	b.load(ctx, tenantID, ta)

	var total int64
	for _, arm := range ta.arms {
		total += arm.Pulls
	}

	info := Info{TotalPulls: total}

	// Cold start: uniform selection seeded by (tenant, time bucket).
	if total < explorationFloor {
		info.ColdStart = true
		bucket := b.clk.NowUTC().UnixNano() / int64(coldStartBucket)
		seed := xxhash.Sum64String(tenantID + "|" + strconv.FormatInt(bucket, 10))
		chosen := tier.All[seed%uint64(len(tier.All))]
		return chosen, ta.arms[chosen].Mean(), info
	}

	// Untried arms are selected first.
	for _, t := range tier.All {
		if ta.arms[t].Pulls == 0 {
			return t, 0, info
		}
	}

	// UCB1.
	info.UCB = make(map[tier.Tier]float64, len(tier.All))
	best := tier.A
	bestVal := math.Inf(-1)
	for _, t := range tier.All {
		arm := ta.arms[t]
		ucb := arm.Mean() + math.Sqrt(2.0*math.Log(float64(total))/float64(arm.Pulls))
		info.UCB[t] = ucb
		if ucb > bestVal {
			best = t
			bestVal = ucb
		}
	}
	return best, ta.arms[best].Mean(), info
}

// Reward computes the clipped reward for an outcome.
func Reward(latencyMS, cost float64, failed bool) float64 {
	r := 0.0
	if !failed {
		r = successWeight
	}
	r -= latencyPenalty * math.Min(latencyMS/latencyNormMS, 1.0)
	r -= costPenalty * math.Min(cost/costNorm, 1.0)
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// Update folds an outcome into the (tenant, tier) arm. Updates to the same
// arm serialize on the tenant lock; different tenants proceed in parallel.
func (b *Bandit) Update(ctx context.Context, tenantID string, t tier.Tier, latencyMS, cost float64, failed bool) {
	reward := Reward(latencyMS, cost, failed)

	ta := b.tenant(tenantID)
	ta.mu.Lock()
	defer ta.mu.Unlock()
	b.load(ctx, tenantID, ta)

	arm := ta.arms[t]
	arm.Pulls++
	arm.RewardSum += reward
	arm.RewardSqSum += reward * reward
	ta.dirty++

	now := b.clk.NowMonotonicMS()
	if ta.dirty >= flushEvery || now-ta.lastFlush >= flushInterval.Milliseconds() {
		b.flush(ctx, tenantID, ta, now)
	}
}

// flush persists all arms for a tenant. Must hold ta.mu.
func (b *Bandit) flush(ctx context.Context, tenantID string, ta *tenantArms, now int64) {
	for _, t := range tier.All {
		arm := ta.arms[t]
		b.store.HSet(ctx, armKey(tenantID, t), map[string]string{
			"pulls":         strconv.FormatInt(arm.Pulls, 10),
			"reward_sum":    strconv.FormatFloat(arm.RewardSum, 'f', 6, 64),
			"reward_sq_sum": strconv.FormatFloat(arm.RewardSqSum, 'f', 6, 64),
		})
	}
	ta.dirty = 0
	ta.lastFlush = now
}

// Flush persists any dirty arms for the tenant immediately. Shutdown calls
// this for every known tenant.
func (b *Bandit) Flush(ctx context.Context, tenantID string) {
	ta := b.tenant(tenantID)
	ta.mu.Lock()
	defer ta.mu.Unlock()
	if ta.dirty > 0 {
		b.flush(ctx, tenantID, ta, b.clk.NowMonotonicMS())
	}
}

// FlushAll persists every tenant's dirty arms.
func (b *Bandit) FlushAll(ctx context.Context) {
	b.mu.Lock()
	names := make([]string, 0, len(b.tenants))
	for name := range b.tenants {
		names = append(names, name)
	}
	b.mu.Unlock()
	for _, name := range names {
		b.Flush(ctx, name)
	}
}

// Reset wipes a tenant's learning state, in memory and in the KV store.
// Administrative use only.
func (b *Bandit) Reset(ctx context.Context, tenantID string) {
	ta := b.tenant(tenantID)
	ta.mu.Lock()
	defer ta.mu.Unlock()
	keys := make([]string, 0, len(tier.All))
	for _, t := range tier.All {
		ta.arms[t] = &ArmStats{}
		keys = append(keys, armKey(tenantID, t))
	}
	ta.dirty = 0
	ta.loaded = true
	b.store.Del(ctx, keys...)
}

// Stats returns a copy of the tenant's arm statistics.
func (b *Bandit) Stats(ctx context.Context, tenantID string) map[string]ArmStats {
	ta := b.tenant(tenantID)
	ta.mu.Lock()
	defer ta.mu.Unlock()
	b.load(ctx, tenantID, ta)
	out := make(map[string]ArmStats, len(ta.arms))
	for t, arm := range ta.arms {
		out[t.String()] = *arm
	}
	return out
}
