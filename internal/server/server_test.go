package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wudi/steer/internal/clock"
	"github.com/wudi/steer/internal/config"
	"github.com/wudi/steer/internal/kv"
	"github.com/wudi/steer/internal/metrics"
	"github.com/wudi/steer/internal/realtime/session"
	"github.com/wudi/steer/internal/tier"
)

func newTestServer(t *testing.T, store kv.Store, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Realtime.PumpInterval = 5 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}
	if store == nil {
		store = kv.NewMemory()
	}
	clk := clock.NewFake(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	s, err := New(cfg, "", store, clk, metrics.New())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func postJSON(t *testing.T, h http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouteEndpoint(t *testing.T) {
	s := newTestServer(t, nil, nil)
	h := s.handler()

	rec := postJSON(t, h, "/v1/route", map[string]interface{}{
		"tenant_id": "t1",
		"user_id":   "u1",
		"message":   "summarize this document",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Tier       string  `json:"tier"`
		Confidence float64 `json:"confidence"`
		ReasonCode string  `json:"reason_code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if _, err := tier.Parse(resp.Tier); err != nil {
		t.Fatalf("tier = %q", resp.Tier)
	}
	if resp.Confidence <= 0 || resp.Confidence > 1 {
		t.Fatalf("confidence = %f", resp.Confidence)
	}
}

func TestRouteValidation(t *testing.T) {
	s := newTestServer(t, nil, nil)
	h := s.handler()

	req := httptest.NewRequest(http.MethodPost, "/v1/route", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed JSON: status = %d", rec.Code)
	}

	rec = postJSON(t, h, "/v1/route", map[string]interface{}{"message": "no tenant"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing tenant: status = %d", rec.Code)
	}
}

func TestRouteOverQuotaStillAnswers(t *testing.T) {
	s := newTestServer(t, nil, func(cfg *config.Config) {
		cfg.Tenants = map[string]config.TenantConfig{
			"limited": {RateLimit: &config.RateLimit{Rate: 1, Burst: 1, Period: time.Hour}},
		}
	})
	h := s.handler()

	body := map[string]interface{}{"tenant_id": "limited", "message": "hello"}
	for i := 0; i < 3; i++ {
		if rec := postJSON(t, h, "/v1/route", body); rec.Code != http.StatusOK {
			t.Fatalf("request %d refused: %d", i, rec.Code)
		}
	}
}

func TestOutcomeEndpoint(t *testing.T) {
	s := newTestServer(t, nil, nil)
	h := s.handler()

	rec := postJSON(t, h, "/v1/outcome", map[string]interface{}{
		"tenant_id":  "t1",
		"tier":       "B",
		"success":    true,
		"latency_ms": 120.0,
		"quality":    0.9,
		"cost":       0.01,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	stats := s.bandit.Stats(context.Background(), "t1")
	if stats["B"].Pulls != 1 {
		t.Fatalf("outcome did not reach the bandit: %+v", stats)
	}

	rec = postJSON(t, h, "/v1/outcome", map[string]interface{}{"tenant_id": "t1", "tier": "Z"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad tier: status = %d", rec.Code)
	}
}

type downStore struct {
	*kv.Memory
}

func (d *downStore) Ping(context.Context) error { return errors.New("kv unreachable") }

func TestHealthAndReadiness(t *testing.T) {
	s := newTestServer(t, nil, nil)
	h := s.handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz = %d", rec.Code)
	}

	down := newTestServer(t, &downStore{Memory: kv.NewMemory()}, nil)
	rec = httptest.NewRecorder()
	down.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with dead KV = %d", rec.Code)
	}
}

func TestAdminCalibrate(t *testing.T) {
	s := newTestServer(t, nil, nil)
	h := s.handler()

	rec := postJSON(t, h, "/admin/tenants/t1/calibrate", map[string]interface{}{"calibration": 0.9})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = postJSON(t, h, "/admin/tenants/t1/calibrate", map[string]interface{}{"calibration": 1.5})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("out-of-range calibration accepted: %d", rec.Code)
	}
}

func TestAdminCanaryAndStats(t *testing.T) {
	s := newTestServer(t, nil, nil)
	h := s.handler()

	raw, _ := json.Marshal(map[string]interface{}{
		"fraction":            0.5,
		"quality_floor":       0.7,
		"min_samples":         10,
		"evaluation_window_s": 600,
		"rollback_threshold":  0.95,
		"canary_tier":         "C",
	})
	req := httptest.NewRequest(http.MethodPut, "/admin/tenants/t1/canary", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/tenants/t1/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("stats = %d", rec.Code)
	}
	var stats map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if _, ok := stats["bandit"]; !ok {
		t.Fatalf("stats missing bandit section: %v", stats)
	}
	if _, ok := stats["canary"]; !ok {
		t.Fatalf("stats missing canary section: %v", stats)
	}
}

func TestAdminResetLearning(t *testing.T) {
	s := newTestServer(t, nil, nil)
	h := s.handler()
	ctx := context.Background()

	s.bandit.Update(ctx, "t1", tier.A, 0, 0, false)
	rec := postJSON(t, h, "/admin/tenants/t1/reset-learning", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if stats := s.bandit.Stats(ctx, "t1"); stats["A"].Pulls != 0 {
		t.Fatalf("learning state survived the reset: %+v", stats)
	}
}

func TestConnStateUnknown(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec := httptest.NewRecorder()
	s.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/connections/nope/state", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStreamRequiresTenant(t *testing.T) {
	s := newTestServer(t, nil, nil)
	ts := httptest.NewServer(s.handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

// readEnvelope reads one NDJSON frame off the stream.
func readEnvelope(t *testing.T, br *bufio.Reader) session.Envelope {
	t.Helper()
	line, err := br.ReadBytes('\n')
	if err != nil {
		t.Fatal(err)
	}
	var env session.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		t.Fatalf("bad frame %q: %v", line, err)
	}
	return env
}

func TestStreamEndToEnd(t *testing.T) {
	s := newTestServer(t, nil, nil)
	ts := httptest.NewServer(s.handler())
	defer ts.Close()

	conn, err := net.Dial("tcp", ts.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	fmt.Fprintf(conn, "GET /v1/stream?tenant_id=t1 HTTP/1.1\r\nHost: steer\r\n\r\n")
	br := bufio.NewReader(conn)

	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(status, "101") {
		t.Fatalf("expected 101, got %q", status)
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if line == "\r\n" {
			break
		}
	}

	hello := readEnvelope(t, br)
	if hello.Type != "session" {
		t.Fatalf("expected the session hello first, got %+v", hello)
	}
	var helloData struct {
		ConnectionID string `json:"connection_id"`
	}
	if err := json.Unmarshal(hello.Data, &helloData); err != nil || helloData.ConnectionID == "" {
		t.Fatalf("hello missing connection id: %s", hello.Data)
	}

	// Route a request over the stream; executor chunks arrive as
	// intermediates, then the decision as a final.
	fmt.Fprintf(conn, `{"type":"app","data":{"user_id":"u1","message":"hello there"}}`+"\n")

	env := readEnvelope(t, br)
	for env.Sequence == 0 { // skip any control frames
		env = readEnvelope(t, br)
	}

	sawChunk := false
	var lastSeq uint64
	for !env.IsFinal {
		if env.Sequence <= lastSeq {
			t.Fatalf("sequence regressed: %d after %d", env.Sequence, lastSeq)
		}
		lastSeq = env.Sequence
		var chunk struct {
			Chunk string `json:"chunk"`
		}
		if err := json.Unmarshal(env.Data, &chunk); err != nil || chunk.Chunk == "" {
			t.Fatalf("unexpected intermediate frame: %s", env.Data)
		}
		sawChunk = true
		env = readEnvelope(t, br)
		for env.Sequence == 0 {
			env = readEnvelope(t, br)
		}
	}
	if !sawChunk {
		t.Fatal("executor chunk never arrived")
	}
	if env.Sequence <= lastSeq {
		t.Fatalf("final out of order: %d after %d", env.Sequence, lastSeq)
	}
	if env.TenantID != "t1" {
		t.Fatalf("tenant = %q", env.TenantID)
	}
	var decision struct {
		Tier string `json:"tier"`
	}
	if err := json.Unmarshal(env.Data, &decision); err != nil {
		t.Fatal(err)
	}
	if _, err := tier.Parse(decision.Tier); err != nil {
		t.Fatalf("tier = %q", decision.Tier)
	}

	// Execution feedback reached the bandit before the final was pushed.
	stats := s.bandit.Stats(context.Background(), "t1")
	var total int64
	for _, arm := range stats {
		total += arm.Pulls
	}
	if total != 1 {
		t.Fatalf("execution outcome not recorded: %+v", stats)
	}
}
