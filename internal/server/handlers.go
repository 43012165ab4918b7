package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/wudi/steer/internal/logging"
	"github.com/wudi/steer/internal/realtime/queue"
	"github.com/wudi/steer/internal/router"
	"github.com/wudi/steer/internal/router/canary"
	"github.com/wudi/steer/internal/router/classifier"
	"github.com/wudi/steer/internal/tier"
)

// loadCalibratedModel installs a calibrated model for a tenant. Until a real
// model artifact format lands, calibration is the only tunable.
func (s *Server) loadCalibratedModel(tenant string, calibration float64) {
	s.classifier.LoadModel(tenant, &classifier.StubModel{Calibration: calibration})
	logging.Info("Calibrated model loaded",
		zap.String("tenant", tenant),
		zap.Float64("calibration", calibration),
	)
}

func canaryFromAdmin(fraction, qualityFloor float64, minSamples int, window time.Duration, rollbackThreshold float64, canaryTier string) canary.Config {
	cfg := canary.Config{
		Fraction:          fraction,
		QualityFloor:      qualityFloor,
		MinSamples:        minSamples,
		EvaluationWindow:  window,
		RollbackThreshold: rollbackThreshold,
	}
	if canaryTier != "" {
		if t, err := tier.Parse(canaryTier); err == nil {
			cfg.CanaryTier = &t
		}
	}
	return cfg
}

// routeRequest is the body of POST /v1/route.
type routeRequest struct {
	TenantID string                 `json:"tenant_id"`
	UserID   string                 `json:"user_id"`
	Message  string                 `json:"message"`
	Metadata map[string]interface{} `json:"metadata"`
}

// routeResponse is the routing decision on the wire. The tier rides as its
// letter name.
type routeResponse struct {
	Tier string `json:"tier"`
	*router.Decision
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	env := &tier.Envelope{
		TenantID: req.TenantID,
		UserID:   req.UserID,
		Message:  req.Message,
		Metadata: req.Metadata,
	}
	if err := env.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Over-quota tenants are never refused; the signal biases them down-tier
	// for a window instead.
	if l := s.limiter(req.TenantID); l != nil && !l.Allow() {
		s.router.RecordQuotaSignal(req.TenantID)
	}

	d := s.router.Route(r.Context(), env)
	writeJSON(w, http.StatusOK, routeResponse{Tier: d.Tier.String(), Decision: d})
}

// outcomeRequest is the body of POST /v1/outcome: execution feedback for a
// previously returned decision.
type outcomeRequest struct {
	TenantID  string  `json:"tenant_id"`
	UserID    string  `json:"user_id"`
	Tier      string  `json:"tier"`
	IsCanary  bool    `json:"is_canary"`
	Success   bool    `json:"success"`
	LatencyMS float64 `json:"latency_ms"`
	Quality   float64 `json:"quality"`
	Cost      float64 `json:"cost"`
	Misroute  bool    `json:"misroute"`
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	t, err := tier.Parse(req.Tier)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	d := &router.Decision{TenantID: req.TenantID, UserID: req.UserID, Tier: t}
	if req.IsCanary {
		d.Canary = &router.CanaryInfo{IsCanary: true}
	}
	s.router.RecordOutcome(r.Context(), d, req.Success, req.LatencyMS, req.Quality, req.Cost, req.Misroute)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"uptime":      time.Since(s.startTime).String(),
		"connections": s.sessions.Len(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": "kv unavailable: " + err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleResetLearning(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	tenant := ps.ByName("tenant")
	s.bandit.Reset(r.Context(), tenant)
	s.classifier.DropModel(tenant)
	logging.Info("Tenant learning state reset", zap.String("tenant", tenant))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "tenant": tenant})
}

func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	tenant := ps.ByName("tenant")
	var body struct {
		Calibration float64 `json:"calibration"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Calibration <= 0 || body.Calibration > 1 {
		writeError(w, http.StatusBadRequest, "calibration must be in (0,1]")
		return
	}
	s.loadCalibratedModel(tenant, body.Calibration)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"tenant":      tenant,
		"calibration": body.Calibration,
	})
}

func (s *Server) handleSetCanary(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	tenant := ps.ByName("tenant")
	var body struct {
		Fraction          float64 `json:"fraction"`
		QualityFloor      float64 `json:"quality_floor"`
		MinSamples        int     `json:"min_samples"`
		EvaluationWindowS float64 `json:"evaluation_window_s"`
		RollbackThreshold float64 `json:"rollback_threshold"`
		CanaryTier        string  `json:"canary_tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Fraction < 0 || body.Fraction > 1 {
		writeError(w, http.StatusBadRequest, "fraction must be in [0,1]")
		return
	}

	cfg := canaryFromAdmin(body.Fraction, body.QualityFloor, body.MinSamples,
		time.Duration(body.EvaluationWindowS*float64(time.Second)), body.RollbackThreshold, body.CanaryTier)
	s.canary.SetConfig(r.Context(), tenant, cfg)
	logging.Info("Canary config updated",
		zap.String("tenant", tenant),
		zap.Float64("fraction", body.Fraction),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "tenant": tenant})
}

func (s *Server) handleTenantStats(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	tenant := ps.ByName("tenant")
	stats := map[string]interface{}{
		"tenant": tenant,
		"bandit": s.bandit.Stats(r.Context(), tenant),
	}
	if snap, ok := s.canary.Stats(tenant); ok {
		stats["canary"] = snap
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleConnState(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	connID := ps.ByName("conn")
	st, ok := s.sessions.State(connID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown connection")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// onAppFrame routes application frames arriving on a stream, executes the
// decided tier, streams the executor's chunks as intermediates and pushes the
// decision back on the same connection as a final message.
func (s *Server) onAppFrame(connID, tenantID string, data json.RawMessage) {
	var req routeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		logging.Debug("Ignoring malformed app frame",
			zap.String("connection", connID), zap.Error(err))
		return
	}
	req.TenantID = tenantID

	env := &tier.Envelope{
		TenantID: tenantID,
		UserID:   req.UserID,
		Message:  req.Message,
		Metadata: req.Metadata,
	}
	if err := env.Validate(); err != nil {
		logging.Debug("Ignoring invalid app frame",
			zap.String("connection", connID), zap.Error(err))
		return
	}

	d := s.router.Route(context.Background(), env)

	execCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.WriteTimeout)
	out, err := s.executor.Execute(execCtx, d.Tier, env)
	cancel()
	if err != nil {
		logging.Warn("Tier execution failed",
			zap.String("connection", connID),
			zap.String("tier", d.Tier.String()),
			zap.Error(err))
	} else {
		for chunk := range out.Output {
			cp, merr := json.Marshal(map[string]string{"chunk": string(chunk)})
			if merr != nil {
				continue
			}
			s.sessions.Push(context.Background(), connID, cp, queue.KindIntermediate, false, 0)
		}
		s.router.RecordOutcome(context.Background(), d, out.Success, out.LatencyMS, out.Quality, out.Cost, false)
	}

	payload, err := json.Marshal(routeResponse{Tier: d.Tier.String(), Decision: d})
	if err != nil {
		return
	}
	if _, err := s.sessions.Push(context.Background(), connID, payload, queue.KindFinal, true, 0); err != nil {
		logging.Debug("Push on app frame failed",
			zap.String("connection", connID), zap.Error(err))
	}
}
