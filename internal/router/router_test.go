package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wudi/steer/internal/clock"
	"github.com/wudi/steer/internal/kv"
	"github.com/wudi/steer/internal/metrics"
	"github.com/wudi/steer/internal/router/bandit"
	"github.com/wudi/steer/internal/router/canary"
	"github.com/wudi/steer/internal/router/classifier"
	"github.com/wudi/steer/internal/router/feature"
	"github.com/wudi/steer/internal/router/policy"
	"github.com/wudi/steer/internal/tier"
)

type testRig struct {
	router *Router
	bandit *bandit.Bandit
	canary *canary.Manager
	store  *kv.Memory
	clk    *clock.Fake
}

func newTestRig(tenantPolicies map[string]policy.TenantPolicy, canaries map[string]canary.Config) *testRig {
	store := kv.NewMemory()
	clk := clock.NewFake(time.Date(2026, 4, 10, 11, 0, 0, 0, time.UTC))
	state := feature.NewState(store)
	bnd := bandit.New(store, clk)
	can := canary.New(store, clk, canaries)

	r := New(Options{
		Extractor:  feature.NewExtractor(state, store, clk, 128, nil),
		State:      state,
		Classifier: classifier.New(),
		Bandit:     bnd,
		Policy:     policy.New(tenantPolicies),
		Canary:     can,
		Metrics:    metrics.New(),
		Clock:      clk,
		Deadline:   300 * time.Millisecond,
	})
	return &testRig{router: r, bandit: bnd, canary: can, store: store, clk: clk}
}

func TestCancelledContextFallsBack(t *testing.T) {
	rig := newTestRig(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := rig.router.Route(ctx, &tier.Envelope{TenantID: "t1", Message: "hello"})
	if d.Tier != tier.B || d.Confidence != 0.5 || d.ReasonCode != ReasonFallback {
		t.Fatalf("expected the default decision, got %+v", d)
	}
}

func TestEarlyExitPath(t *testing.T) {
	rig := newTestRig(nil, nil)

	// Short, fully schema-hinted request: strictness 1.0, ~6 tokens,
	// complexity just under the gate.
	env := &tier.Envelope{
		TenantID: "t1",
		UserID:   "u1",
		Message:  "validate this payload",
		Metadata: map[string]interface{}{
			"schema": "v1", "json": true, "validation": "strict", "constraints": "none",
		},
	}
	d := rig.router.Route(context.Background(), env)
	if d.Tier != tier.A {
		t.Fatalf("unambiguous request should short-circuit to A, got %s", d.Tier)
	}
	if d.ReasonCode != policy.ReasonEarlyExit {
		t.Fatalf("expected reason %s, got %s", policy.ReasonEarlyExit, d.ReasonCode)
	}
	if d.Confidence != 0.95 {
		t.Fatalf("early exits report fixed confidence, got %f", d.Confidence)
	}
	if d.Escalation != nil {
		t.Fatal("early exit is not an escalation")
	}
}

func TestComplexityEscalation(t *testing.T) {
	rig := newTestRig(nil, nil)

	// 2000 chars and saturated metadata push complexity to 1.0 while the
	// classifier stays confident.
	deep := map[string]interface{}{
		"a": 1, "b": 2, "c": 3, "d": 4, "e": 5, "f": 6, "g": 7, "h": 8, "i": 9,
		"j": map[string]interface{}{
			"k": map[string]interface{}{
				"l": map[string]interface{}{
					"m": map[string]interface{}{"n": 1},
				},
			},
		},
	}
	env := &tier.Envelope{
		TenantID: "t1",
		Message:  strings.Repeat("analyze ", 250),
		Metadata: deep,
	}
	d := rig.router.Route(context.Background(), env)
	if d.Escalation == nil || d.Escalation.Reason != policy.ReasonComplexityHigh {
		t.Fatalf("expected a complexity escalation, got %+v", d)
	}
	if d.Tier != tier.C {
		t.Fatalf("escalation from C stays at C, got %s", d.Tier)
	}
}

func TestQuotaSignalBiasesDownTier(t *testing.T) {
	rig := newTestRig(nil, nil)
	ctx := context.Background()

	// Train the bandit to strongly prefer C so the reconciled choice is
	// deterministic.
	for i := 0; i < 30; i++ {
		rig.bandit.Update(ctx, "t1", tier.C, 0, 0, false)
	}
	for i := 0; i < 5; i++ {
		rig.bandit.Update(ctx, "t1", tier.A, 0, 0, true)
		rig.bandit.Update(ctx, "t1", tier.B, 0, 0, true)
	}

	env := &tier.Envelope{TenantID: "t1", UserID: "u1", Message: "hello there friend"}
	before := rig.router.Route(ctx, env)
	if before.Tier != tier.C {
		t.Fatalf("setup: expected the bandit's arm C, got %s", before.Tier)
	}

	rig.router.RecordQuotaSignal("t1")
	after := rig.router.Route(ctx, env)
	if after.Tier != tier.B {
		t.Fatalf("quota signal should bias one tier down, got %s", after.Tier)
	}

	// The bias expires with the window.
	rig.clk.Advance(2 * time.Minute)
	later := rig.router.Route(ctx, env)
	if later.Tier != tier.C {
		t.Fatalf("expired bias still applied, got %s", later.Tier)
	}
}

func TestQuotaBiasNeverRefuses(t *testing.T) {
	rig := newTestRig(nil, nil)
	rig.router.RecordQuotaSignal("t1")

	d := rig.router.Route(context.Background(), &tier.Envelope{TenantID: "t1", Message: "hi"})
	if d == nil {
		t.Fatal("quota pressure must never refuse a decision")
	}
	if d.Tier < tier.A || d.Tier > tier.C {
		t.Fatalf("decision outside the tier range: %s", d.Tier)
	}
}

func TestCanaryRedirectAnnotatesDecision(t *testing.T) {
	target := tier.C
	rig := newTestRig(nil, map[string]canary.Config{
		"t1": {
			Fraction:          1.0,
			QualityFloor:      0.7,
			MinSamples:        10,
			EvaluationWindow:  10 * time.Minute,
			RollbackThreshold: 0.95,
			CanaryTier:        &target,
		},
	})
	ctx := context.Background()

	d := rig.router.Route(ctx, &tier.Envelope{TenantID: "t1", UserID: "u1", Message: "hello"})
	if d.Canary == nil || !d.Canary.IsCanary {
		t.Fatalf("fraction 1.0 should mark every decision, got %+v", d)
	}
	if d.Tier != tier.C {
		t.Fatalf("canary tier override ignored, got %s", d.Tier)
	}

	rig.router.RecordOutcome(ctx, d, true, 120, 0.9, 0.02, false)
	snap, ok := rig.canary.Stats("t1")
	if !ok || snap.WindowTotal != 1 {
		t.Fatalf("canary outcome not recorded: %+v", snap)
	}
}

func TestRecordOutcomeFeedsBandit(t *testing.T) {
	rig := newTestRig(nil, nil)
	ctx := context.Background()

	d := rig.router.Route(ctx, &tier.Envelope{TenantID: "t1", UserID: "u1", Message: "hello"})
	rig.router.RecordOutcome(ctx, d, true, 80, 0.9, 0.01, false)

	stats := rig.bandit.Stats(ctx, "t1")
	if stats[d.Tier.String()].Pulls != 1 {
		t.Fatalf("outcome did not reach the bandit: %+v", stats)
	}
}

func TestConcurrentRoutesStayInBudget(t *testing.T) {
	rig := newTestRig(nil, nil)
	ctx := context.Background()

	const calls = 100
	decisions := make([]*Decision, calls)
	var wg sync.WaitGroup
	wg.Add(calls)

	start := time.Now()
	for i := 0; i < calls; i++ {
		go func(i int) {
			defer wg.Done()
			env := &tier.Envelope{
				TenantID: fmt.Sprintf("tenant-%d", i%8),
				UserID:   fmt.Sprintf("user-%d", i),
				Message:  "summarize the quarterly report for the board",
			}
			if i%10 == 0 {
				rig.router.RecordQuotaSignal(env.TenantID)
			}
			d := rig.router.Route(ctx, env)
			rig.router.RecordOutcome(ctx, d, true, 60, 0.9, 0.01, false)
			decisions[i] = d
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	for i, d := range decisions {
		if d == nil {
			t.Fatalf("call %d produced no decision", i)
		}
		if d.Tier < tier.A || d.Tier > tier.C {
			t.Fatalf("call %d decided outside the tier range: %s", i, d.Tier)
		}
		if d.ReasonCode == ReasonFallback {
			t.Fatalf("call %d fell back with a healthy store", i)
		}
	}
	// Each call carries a 300 ms deadline; against the in-memory store the
	// whole burst finishes far inside one. Generous bound for loaded CI.
	if elapsed > 3*time.Second {
		t.Fatalf("100 concurrent routes took %v", elapsed)
	}
}

func TestExecutionFeedbackLoop(t *testing.T) {
	rig := newTestRig(nil, nil)
	ctx := context.Background()

	env := &tier.Envelope{TenantID: "t1", UserID: "u1", Message: "hello there"}
	d := rig.router.Route(ctx, env)

	exec := tier.NewStubExecutor()
	out, err := exec.Execute(ctx, d.Tier, env)
	if err != nil {
		t.Fatal(err)
	}
	if chunk, ok := <-out.Output; !ok || len(chunk) == 0 {
		t.Fatal("executor streamed no output")
	}
	if !out.Success || out.Quality <= 0 {
		t.Fatalf("healthy execution reported %+v", out)
	}
	rig.router.RecordOutcome(ctx, d, out.Success, out.LatencyMS, out.Quality, out.Cost, false)

	exec.FailTiers = map[tier.Tier]bool{d.Tier: true}
	out2, err := exec.Execute(ctx, d.Tier, env)
	if err != nil {
		t.Fatal(err)
	}
	if out2.Success || out2.Quality != 0 {
		t.Fatalf("failing tier reported %+v", out2)
	}
	rig.router.RecordOutcome(ctx, d, out2.Success, out2.LatencyMS, out2.Quality, out2.Cost, true)

	stats := rig.bandit.Stats(ctx, "t1")
	if stats[d.Tier.String()].Pulls != 2 {
		t.Fatalf("both outcomes should reach the arm: %+v", stats)
	}
}

func TestReconcile(t *testing.T) {
	cases := []struct {
		name    string
		clsTier tier.Tier
		clsConf float64
		bTier   tier.Tier
		bEV     float64
		want    tier.Tier
	}{
		{"near tie picks higher tier", tier.A, 0.80, tier.B, 0.75, tier.B},
		{"near tie keeps classifier when higher", tier.C, 0.80, tier.A, 0.75, tier.C},
		{"confident bandit wins", tier.A, 0.60, tier.C, 0.95, tier.C},
		{"confident classifier wins", tier.B, 0.95, tier.C, 0.40, tier.B},
	}
	for _, c := range cases {
		if got := reconcile(c.clsTier, c.clsConf, c.bTier, c.bEV); got != c.want {
			t.Fatalf("%s: got %s, want %s", c.name, got, c.want)
		}
	}
}
