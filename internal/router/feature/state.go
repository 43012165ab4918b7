package feature

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/wudi/steer/internal/kv"
)

const (
	historyKeyPrefix  = "router:history:"
	failRateKeyPrefix = "router:failrate:"
	userTierKeyPrefix = "router:usertier:"

	// historyLen caps the recent-message window used for novelty.
	historyLen = 50
	// digestTokenCap bounds the stored token digest per message.
	digestTokenCap = 64
	// failureEWMAAlpha is the smoothing factor for failure-rate gauges.
	failureEWMAAlpha = 0.1
)

// State reads and writes per-tenant routing state in the KV store. Reads are
// concurrent; writers serialize per tenant.
type State struct {
	store kv.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewState creates tenant state backed by a KV store.
func NewState(store kv.Store) *State {
	return &State{store: store, locks: make(map[string]*sync.Mutex)}
}

func (s *State) tenantLock(tenant string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[tenant]
	if !ok {
		l = &sync.Mutex{}
		s.locks[tenant] = l
	}
	return l
}

// Tokenize splits a message into a sorted set of lowercase tokens.
func Tokenize(message string) []string {
	fields := strings.FieldsFunc(strings.ToLower(message), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// digest serializes a token set for the history list, capped so pathological
// messages cannot bloat the KV entry.
func digest(tokens []string) string {
	if len(tokens) > digestTokenCap {
		tokens = tokens[:digestTokenCap]
	}
	return strings.Join(tokens, " ")
}

// RecentTokenSets returns the token sets of the tenant's last messages,
// newest first.
func (s *State) RecentTokenSets(ctx context.Context, tenant string) ([][]string, error) {
	entries, err := s.store.LRange(ctx, historyKeyPrefix+tenant, 0, historyLen-1)
	if err != nil {
		return nil, err
	}
	sets := make([][]string, 0, len(entries))
	for _, e := range entries {
		if e == "" {
			continue
		}
		sets = append(sets, strings.Split(e, " "))
	}
	return sets, nil
}

// RecordMessage appends a message digest to the tenant history, trimming to
// the window size. Serialized per tenant.
func (s *State) RecordMessage(ctx context.Context, tenant, message string) {
	l := s.tenantLock(tenant)
	l.Lock()
	defer l.Unlock()

	key := historyKeyPrefix + tenant
	if err := s.store.LPush(ctx, key, digest(Tokenize(message))); err != nil {
		return
	}
	s.store.LTrim(ctx, key, 0, historyLen-1)
}

// FailureRate returns the user-specific failure gauge, falling back to the
// tenant gauge. The second return reports whether any gauge existed.
func (s *State) FailureRate(ctx context.Context, tenant, user string) (float64, bool) {
	if user != "" {
		if v, err := s.store.Get(ctx, failRateKeyPrefix+tenant+":"+user); err == nil {
			if f, perr := strconv.ParseFloat(v, 64); perr == nil {
				return f, true
			}
		}
	}
	if v, err := s.store.Get(ctx, failRateKeyPrefix+tenant); err == nil {
		if f, perr := strconv.ParseFloat(v, 64); perr == nil {
			return f, true
		}
	}
	return 0, false
}

// RecordFailure folds an outcome into the tenant and user failure gauges
// with an exponentially weighted moving average. Serialized per tenant.
func (s *State) RecordFailure(ctx context.Context, tenant, user string, failed bool) {
	l := s.tenantLock(tenant)
	l.Lock()
	defer l.Unlock()

	sample := 0.0
	if failed {
		sample = 1.0
	}
	s.updateGauge(ctx, failRateKeyPrefix+tenant, sample)
	if user != "" {
		s.updateGauge(ctx, failRateKeyPrefix+tenant+":"+user, sample)
	}
}

func (s *State) updateGauge(ctx context.Context, key string, sample float64) {
	prev := sample
	if v, err := s.store.Get(ctx, key); err == nil {
		if f, perr := strconv.ParseFloat(v, 64); perr == nil {
			prev = (1-failureEWMAAlpha)*f + failureEWMAAlpha*sample
		}
	}
	s.store.Set(ctx, key, strconv.FormatFloat(prev, 'f', 6, 64), 0)
}

// UserTier returns the stored tier for a user, if any.
func (s *State) UserTier(ctx context.Context, tenant, user string) (string, bool) {
	if user == "" {
		return "", false
	}
	v, err := s.store.Get(ctx, userTierKeyPrefix+tenant+":"+user)
	if err != nil {
		return "", false
	}
	switch v {
	case UserTierBasic, UserTierStandard, UserTierPremium, UserTierEnterprise:
		return v, true
	}
	return "", false
}

// SetUserTier stores a user's tier.
func (s *State) SetUserTier(ctx context.Context, tenant, user, tier string) error {
	return s.store.Set(ctx, userTierKeyPrefix+tenant+":"+user, tier, 0)
}
