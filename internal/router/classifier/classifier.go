package classifier

import (
	"math"
	"sync"

	"github.com/wudi/steer/internal/router/feature"
	"github.com/wudi/steer/internal/tier"
)

// Fallback score weights. Fixed constants: the deterministic fallback must
// return bit-for-bit identical results across processes.
const (
	weightComplexity  = 0.30
	weightTokenCount  = 0.25
	weightLooseness   = 0.20 // 1 - schema_strictness
	weightNovelty     = 0.15
	weightFailureRate = 0.10

	boundaryAB = 0.33
	boundaryBC = 0.66

	// tieEpsilon resolves boundary ties toward the cheaper tier.
	tieEpsilon = 1e-9

	// modelConfidenceFloor: below this the calibrated model is ignored and
	// the deterministic fallback decides.
	modelConfidenceFloor = 0.5

	escalateBelow = 0.6
)

// Result is a classification outcome.
type Result struct {
	Tier           tier.Tier
	Confidence     float64
	ShouldEscalate bool
	FeatureHash    uint64
	UsedFallback   bool
}

// Model is a per-tenant calibrated classifier. Implementations are opaque;
// a stub ships for tests and local runs.
type Model interface {
	Predict(f feature.Features) (tier.Tier, float64)
}

// Classifier maps features to a tier proposal, preferring a loaded per-tenant
// model and falling back to the deterministic scorer.
type Classifier struct {
	mu     sync.RWMutex
	models map[string]Model
}

// New creates a classifier with no models loaded.
func New() *Classifier {
	return &Classifier{models: make(map[string]Model)}
}

// LoadModel installs a calibrated model for a tenant.
func (c *Classifier) LoadModel(tenant string, m Model) {
	c.mu.Lock()
	c.models[tenant] = m
	c.mu.Unlock()
}

// DropModel removes a tenant's model, reverting it to the fallback.
func (c *Classifier) DropModel(tenant string) {
	c.mu.Lock()
	delete(c.models, tenant)
	c.mu.Unlock()
}

// Classify returns (tier, confidence, should_escalate) for the features.
func (c *Classifier) Classify(f feature.Features, tenant string) Result {
	c.mu.RLock()
	m, ok := c.models[tenant]
	c.mu.RUnlock()

	if ok {
		t, conf := m.Predict(f)
		if conf >= modelConfidenceFloor {
			return Result{
				Tier:           t,
				Confidence:     conf,
				ShouldEscalate: conf < escalateBelow,
				FeatureHash:    f.Hash(),
			}
		}
	}
	return fallback(f)
}

// fallback is the deterministic scorer. For any features it returns the same
// result on every call in every process.
func fallback(f feature.Features) Result {
	tokenNorm := math.Min(float64(f.TokenCount)/1000.0, 1.0)

	score := weightComplexity*f.RequestComplexity +
		weightTokenCount*tokenNorm +
		weightLooseness*(1.0-f.SchemaStrictness) +
		weightNovelty*f.NoveltyScore +
		weightFailureRate*f.HistoricalFailureRate

	t := mapScore(score)
	conf := confidence(score)

	return Result{
		Tier:           t,
		Confidence:     conf,
		ShouldEscalate: conf < escalateBelow,
		FeatureHash:    f.Hash(),
		UsedFallback:   true,
	}
}

// mapScore buckets the score into a tier; exact boundary hits go to the
// cheaper tier.
func mapScore(score float64) tier.Tier {
	if math.Abs(score-boundaryAB) < tieEpsilon {
		return tier.A
	}
	if math.Abs(score-boundaryBC) < tieEpsilon {
		return tier.B
	}
	if score < boundaryAB {
		return tier.A
	}
	if score < boundaryBC {
		return tier.B
	}
	return tier.C
}

// confidence is 1 - min(distance to nearest boundary, 0.5) * 2.
func confidence(score float64) float64 {
	d := math.Min(math.Abs(score-boundaryAB), math.Abs(score-boundaryBC))
	conf := 1.0 - math.Min(d, 0.5)*2.0
	if conf < 0 {
		return 0
	}
	if conf > 1 {
		return 1
	}
	return conf
}
