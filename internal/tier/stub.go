package tier

import (
	"context"
	"time"
)

// StubExecutor is a canned executor for tests and local runs. Latency and
// cost scale with the tier so outcome feedback looks plausible to the bandit.
type StubExecutor struct {
	BaseLatencyMS float64
	FailTiers     map[Tier]bool
}

// NewStubExecutor returns a stub with 10 ms base latency.
func NewStubExecutor() *StubExecutor {
	return &StubExecutor{BaseLatencyMS: 10}
}

var stubCost = map[Tier]float64{A: 0.001, B: 0.01, C: 0.05}

func (s *StubExecutor) Execute(ctx context.Context, t Tier, env *Envelope) (*Outcome, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Millisecond):
	}

	out := make(chan []byte, 2)
	out <- []byte("stub response for " + env.TenantID)
	close(out)

	success := !s.FailTiers[t]
	quality := 0.6 + 0.15*float64(t)
	if !success {
		quality = 0
	}
	return &Outcome{
		Success:   success,
		LatencyMS: s.BaseLatencyMS * float64(t+1),
		Quality:   quality,
		Cost:      stubCost[t],
		Output:    out,
	}, nil
}
