package feature

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/wudi/steer/internal/clock"
	"github.com/wudi/steer/internal/kv"
	"github.com/wudi/steer/internal/tier"
)

const (
	cacheKeyPrefix = "router:features:cache:"
	cacheTTL       = 300 * time.Second

	// Request complexity is a fixed weighted combination:
	//   0.5 * normalized token length   (capped at complexityTokenCap tokens)
	//   0.3 * metadata nesting depth    (capped at complexityDepthCap levels)
	//   0.2 * structural fan-out        (capped at complexityFanoutCap keys)
	// These constants are the single source of truth for the weights.
	complexityTokenWeight  = 0.5
	complexityDepthWeight  = 0.3
	complexityFanoutWeight = 0.2
	complexityTokenCap     = 500.0
	complexityDepthCap     = 5.0
	complexityFanoutCap    = 10.0
)

// Extractor derives Features from an envelope plus bounded tenant-state
// reads. It never writes tenant state.
type Extractor struct {
	state *State
	store kv.Store
	clk   clock.Clock
	lru   *expirable.LRU[string, Features]

	// defaultUserTier resolves a tenant's configured default; empty answer
	// falls back to "standard".
	defaultUserTier func(tenant string) string
}

// NewExtractor creates a feature extractor.
func NewExtractor(state *State, store kv.Store, clk clock.Clock, cacheSize int, defaultUserTier func(string) string) *Extractor {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	if defaultUserTier == nil {
		defaultUserTier = func(string) string { return "" }
	}
	return &Extractor{
		state:           state,
		store:           store,
		clk:             clk,
		lru:             expirable.NewLRU[string, Features](cacheSize, nil, cacheTTL),
		defaultUserTier: defaultUserTier,
	}
}

// CacheKey is the SHA-256 of the stable sorted-key serialization of the
// envelope, truncated to 16 hex characters.
func CacheKey(env *tier.Envelope) string {
	var b strings.Builder
	b.WriteString(env.TenantID)
	b.WriteByte(0)
	b.WriteString(env.UserID)
	b.WriteByte(0)
	b.WriteString(env.Message)
	b.WriteByte(0)
	writeCanonical(&b, env.Metadata)
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:16]
}

// writeCanonical serializes a metadata value with sorted keys so the cache
// key does not depend on map iteration order.
func writeCanonical(b *strings.Builder, v interface{}) {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(k)
			b.WriteByte(':')
			writeCanonical(b, t[k])
		}
		b.WriteByte('}')
	case []interface{}:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, e)
		}
		b.WriteByte(']')
	default:
		fmt.Fprintf(b, "%v", t)
	}
}

// Extract computes the feature record for an envelope. Tenant-state read
// failures are absorbed: the affected features take their neutral defaults
// and extraction still succeeds. A cache hit returns the same record a miss
// would compute.
func (e *Extractor) Extract(ctx context.Context, env *tier.Envelope) Features {
	key := CacheKey(env)

	if f, ok := e.lru.Get(key); ok {
		return f
	}
	if raw, err := e.store.Get(ctx, cacheKeyPrefix+key); err == nil {
		var f Features
		if jerr := json.Unmarshal([]byte(raw), &f); jerr == nil {
			e.lru.Add(key, f)
			return f
		}
	}

	f := e.compute(ctx, env)

	e.lru.Add(key, f)
	if raw, err := json.Marshal(f); err == nil {
		e.store.Set(ctx, cacheKeyPrefix+key, string(raw), cacheTTL)
	}
	return f
}

func (e *Extractor) compute(ctx context.Context, env *tier.Envelope) Features {
	now := e.clk.NowUTC()
	f := Neutral(now.Hour(), int(now.Weekday()))

	f.TokenCount = tokenCount(env.Message)
	f.SchemaStrictness = schemaStrictness(env.Metadata)
	f.DomainFlags = domainFlags(env.Message)
	f.RequestComplexity = complexity(f.TokenCount, env.Metadata)

	// Bounded tenant-state reads; any failure leaves the neutral default.
	if sets, err := e.state.RecentTokenSets(ctx, env.TenantID); err == nil {
		f.NoveltyScore = novelty(Tokenize(env.Message), sets)
	}
	if rate, ok := e.state.FailureRate(ctx, env.TenantID, env.UserID); ok {
		f.HistoricalFailureRate = clamp01(rate)
	}
	if ut, ok := e.state.UserTier(ctx, env.TenantID, env.UserID); ok {
		f.UserTier = ut
	} else if def := e.defaultUserTier(env.TenantID); def != "" {
		f.UserTier = def
	}

	return f
}

// tokenCount approximates tokens as ceil(chars/4), never below 1.
func tokenCount(message string) int {
	n := len([]rune(message))
	tc := (n + 3) / 4
	if tc < 1 {
		tc = 1
	}
	return tc
}

// schemaStrictness adds 0.25 for each structural hint the envelope carries.
func schemaStrictness(metadata map[string]interface{}) float64 {
	s := 0.0
	for _, hint := range []string{"schema", "json", "validation", "constraints"} {
		if _, ok := metadata[hint]; ok {
			s += 0.25
		}
	}
	return clamp01(s)
}

// domainFlags matches message tokens against the fixed vocabularies.
func domainFlags(message string) []string {
	tokens := Tokenize(message)
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}

	var flags []string
	for domain, vocab := range domainVocabularies {
		for _, word := range vocab {
			if _, ok := set[word]; ok {
				flags = append(flags, domain)
				break
			}
		}
	}
	sort.Strings(flags)
	return flags
}

// novelty is 1 minus the best Jaccard similarity against recent history.
func novelty(tokens []string, history [][]string) float64 {
	if len(history) == 0 || len(tokens) == 0 {
		return 1.0
	}
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}

	best := 0.0
	for _, past := range history {
		inter := 0
		pastSet := make(map[string]struct{}, len(past))
		for _, t := range past {
			if _, dup := pastSet[t]; dup {
				continue
			}
			pastSet[t] = struct{}{}
			if _, ok := set[t]; ok {
				inter++
			}
		}
		union := len(set) + len(pastSet) - inter
		if union == 0 {
			continue
		}
		if sim := float64(inter) / float64(union); sim > best {
			best = sim
		}
	}
	return clamp01(1.0 - best)
}

func complexity(tokens int, metadata map[string]interface{}) float64 {
	tokenNorm := math.Min(float64(tokens)/complexityTokenCap, 1.0)
	depthNorm := math.Min(float64(depth(metadata))/complexityDepthCap, 1.0)
	fanNorm := math.Min(float64(fanout(metadata))/complexityFanoutCap, 1.0)
	return clamp01(complexityTokenWeight*tokenNorm +
		complexityDepthWeight*depthNorm +
		complexityFanoutWeight*fanNorm)
}

// depth is the deepest nesting level of the metadata mapping.
func depth(v interface{}) int {
	switch t := v.(type) {
	case map[string]interface{}:
		if len(t) == 0 {
			return 1
		}
		max := 0
		for _, e := range t {
			if d := depth(e); d > max {
				max = d
			}
		}
		return 1 + max
	case []interface{}:
		max := 0
		for _, e := range t {
			if d := depth(e); d > max {
				max = d
			}
		}
		return 1 + max
	default:
		return 0
	}
}

// fanout is the widest single mapping level in the metadata.
func fanout(v interface{}) int {
	switch t := v.(type) {
	case map[string]interface{}:
		max := len(t)
		for _, e := range t {
			if f := fanout(e); f > max {
				max = f
			}
		}
		return max
	case []interface{}:
		max := 0
		for _, e := range t {
			if f := fanout(e); f > max {
				max = f
			}
		}
		return max
	default:
		return 0
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
