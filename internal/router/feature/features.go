package feature

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// User tier names, ordered cheapest entitlement first.
const (
	UserTierBasic      = "basic"
	UserTierStandard   = "standard"
	UserTierPremium    = "premium"
	UserTierEnterprise = "enterprise"
)

// Features is the fixed-shape record the router decides on. Identical
// envelope plus identical tenant state snapshot always produce an identical
// record.
type Features struct {
	TokenCount            int      `json:"token_count"`
	SchemaStrictness      float64  `json:"schema_strictness"`
	DomainFlags           []string `json:"domain_flags"` // sorted, non-exclusive
	NoveltyScore          float64  `json:"novelty_score"`
	HistoricalFailureRate float64  `json:"historical_failure_rate"`
	UserTier              string   `json:"user_tier"`
	TimeOfDay             int      `json:"time_of_day"` // [0,23]
	DayOfWeek             int      `json:"day_of_week"` // [0,6], Sunday=0
	RequestComplexity     float64  `json:"request_complexity"`
}

// Neutral returns the all-defaults record used when tenant state cannot be
// read. Routing must keep working on it.
func Neutral(timeOfDay, dayOfWeek int) Features {
	return Features{
		TokenCount:            1,
		SchemaStrictness:      0,
		DomainFlags:           nil,
		NoveltyScore:          1.0,
		HistoricalFailureRate: 0.1,
		UserTier:              UserTierStandard,
		TimeOfDay:             timeOfDay,
		DayOfWeek:             dayOfWeek,
		RequestComplexity:     0,
	}
}

// Hash derives a stable 64-bit digest of the nine fields. Floats are rounded
// to six decimals first so the digest is bit-for-bit reproducible across
// processes regardless of how the values were computed.
func (f Features) Hash() uint64 {
	flags := append([]string(nil), f.DomainFlags...)
	sort.Strings(flags)

	var b strings.Builder
	fmt.Fprintf(&b, "%d|%.6f|%s|%.6f|%.6f|%s|%d|%d|%.6f",
		f.TokenCount,
		f.SchemaStrictness,
		strings.Join(flags, ","),
		f.NoveltyScore,
		f.HistoricalFailureRate,
		f.UserTier,
		f.TimeOfDay,
		f.DayOfWeek,
		f.RequestComplexity,
	)
	return xxhash.Sum64String(b.String())
}
