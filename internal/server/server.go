package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wudi/steer/internal/clock"
	"github.com/wudi/steer/internal/config"
	"github.com/wudi/steer/internal/kv"
	"github.com/wudi/steer/internal/logging"
	"github.com/wudi/steer/internal/metrics"
	"github.com/wudi/steer/internal/realtime/session"
	"github.com/wudi/steer/internal/router"
	"github.com/wudi/steer/internal/router/bandit"
	"github.com/wudi/steer/internal/router/canary"
	"github.com/wudi/steer/internal/router/classifier"
	"github.com/wudi/steer/internal/router/feature"
	"github.com/wudi/steer/internal/router/policy"
	"github.com/wudi/steer/internal/tier"
)

// Server wires the routing pipeline and the realtime session layer behind a
// single HTTP listener.
type Server struct {
	cfg        *config.Config
	configPath string

	store      kv.Store
	clk        clock.Clock
	metrics    *metrics.Metrics
	state      *feature.State
	classifier *classifier.Classifier
	bandit     *bandit.Bandit
	policy     *policy.Policy
	canary     *canary.Manager
	router     *router.Router
	sessions   *session.Manager
	executor   tier.Executor

	httpServer *http.Server
	watcher    *fsnotify.Watcher
	startTime  time.Time

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	tenantMu sync.RWMutex
	tenants  map[string]config.TenantConfig
}

// New builds a server from configuration. configPath enables hot reload of
// tenant policy; empty disables it.
func New(cfg *config.Config, configPath string, store kv.Store, clk clock.Clock, m *metrics.Metrics) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		configPath: configPath,
		store:      store,
		clk:        clk,
		metrics:    m,
		startTime:  time.Now(),
		limiters:   make(map[string]*rate.Limiter),
		tenants:    cfg.Tenants,
	}

	s.state = feature.NewState(store)
	extractor := feature.NewExtractor(s.state, store, clk, cfg.Router.FeatureCacheSize, s.defaultUserTier)
	s.classifier = classifier.New()
	s.bandit = bandit.New(store, clk)
	s.policy = policy.New(tenantPolicies(cfg.Tenants))
	s.canary = canary.New(store, clk, canaryConfigs(cfg.Tenants))

	s.router = router.New(router.Options{
		Extractor:  extractor,
		State:      s.state,
		Classifier: s.classifier,
		Bandit:     s.bandit,
		Policy:     s.policy,
		Canary:     s.canary,
		Metrics:    m,
		Clock:      clk,
		Deadline:   cfg.Router.DecisionDeadline,
	})

	s.sessions = session.NewManager(cfg.Realtime, store, clk, m, s.onAppFrame)

	// Inference lives outside this process; the stub executor answers
	// locally with tier-shaped latency and cost until a real client is wired.
	s.executor = tier.NewStubExecutor()

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      s.handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s, nil
}

// Router returns the routing orchestrator.
func (s *Server) Router() *router.Router { return s.router }

// Sessions returns the session manager.
func (s *Server) Sessions() *session.Manager { return s.sessions }

func tenantPolicies(tenants map[string]config.TenantConfig) map[string]policy.TenantPolicy {
	out := make(map[string]policy.TenantPolicy, len(tenants))
	for name, tc := range tenants {
		out[name] = policy.TenantPolicy{
			MaxTokensA:      tc.MaxTokensA,
			ForbidEarlyExit: tc.ForbidEarlyExit,
			ForceEscalation: tc.ForceEscalation,
		}
	}
	return out
}

func canaryConfigs(tenants map[string]config.TenantConfig) map[string]canary.Config {
	out := make(map[string]canary.Config)
	for name, tc := range tenants {
		if tc.Canary == nil {
			continue
		}
		out[name] = canaryFromConfig(tc.Canary)
	}
	return out
}

func canaryFromConfig(cc *config.CanaryConfig) canary.Config {
	c := canary.Config{
		Fraction:          cc.Fraction,
		QualityFloor:      cc.QualityFloor,
		MinSamples:        cc.MinSamples,
		EvaluationWindow:  cc.EvaluationWindow,
		RollbackThreshold: cc.RollbackThreshold,
	}
	if cc.CanaryTier != "" {
		if t, err := tier.Parse(cc.CanaryTier); err == nil {
			c.CanaryTier = &t
		}
	}
	return c
}

func (s *Server) defaultUserTier(tenantID string) string {
	s.tenantMu.RLock()
	defer s.tenantMu.RUnlock()
	if tc, ok := s.tenants[tenantID]; ok && tc.DefaultUserTier != "" {
		return tc.DefaultUserTier
	}
	return feature.UserTierStandard
}

// limiter returns the tenant's ingress limiter, or nil when the tenant has no
// rate limit configured.
func (s *Server) limiter(tenantID string) *rate.Limiter {
	s.tenantMu.RLock()
	tc, ok := s.tenants[tenantID]
	s.tenantMu.RUnlock()
	if !ok || tc.RateLimit == nil || tc.RateLimit.Rate <= 0 {
		return nil
	}

	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	if l, ok := s.limiters[tenantID]; ok {
		return l
	}
	period := tc.RateLimit.Period
	if period <= 0 {
		period = time.Second
	}
	burst := tc.RateLimit.Burst
	if burst <= 0 {
		burst = tc.RateLimit.Rate
	}
	l := rate.NewLimiter(rate.Limit(float64(tc.RateLimit.Rate)/period.Seconds()), burst)
	s.limiters[tenantID] = l
	return l
}

// applyConfig swaps in reloaded tenant policy, canary settings and rate
// limits without rebinding the listener.
func (s *Server) applyConfig(cfg *config.Config) {
	s.tenantMu.Lock()
	s.tenants = cfg.Tenants
	s.tenantMu.Unlock()

	s.limiterMu.Lock()
	s.limiters = make(map[string]*rate.Limiter)
	s.limiterMu.Unlock()

	for name, tc := range cfg.Tenants {
		s.policy.SetTenant(name, policy.TenantPolicy{
			MaxTokensA:      tc.MaxTokensA,
			ForbidEarlyExit: tc.ForbidEarlyExit,
			ForceEscalation: tc.ForceEscalation,
		})
		if tc.Canary != nil {
			s.canary.SetConfig(context.Background(), name, canaryFromConfig(tc.Canary))
		}
	}
	logging.Info("Applied reloaded configuration", zap.Int("tenants", len(cfg.Tenants)))
}

func (s *Server) handler() http.Handler {
	r := httprouter.New()

	r.HandlerFunc(http.MethodPost, "/v1/route", s.handleRoute)
	r.HandlerFunc(http.MethodPost, "/v1/outcome", s.handleOutcome)
	r.HandlerFunc(http.MethodGet, "/v1/stream", s.handleStream)

	r.HandlerFunc(http.MethodGet, "/healthz", s.handleHealth)
	r.HandlerFunc(http.MethodGet, "/readyz", s.handleReady)
	r.Handler(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Handle(http.MethodPost, "/admin/tenants/:tenant/reset-learning", s.handleResetLearning)
	r.Handle(http.MethodPost, "/admin/tenants/:tenant/calibrate", s.handleCalibrate)
	r.Handle(http.MethodPut, "/admin/tenants/:tenant/canary", s.handleSetCanary)
	r.Handle(http.MethodGet, "/admin/tenants/:tenant/stats", s.handleTenantStats)
	r.Handle(http.MethodGet, "/admin/connections/:conn/state", s.handleConnState)

	return r
}

// Start begins serving. It returns once the listener is up or has failed.
func (s *Server) Start() error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info("Listening", zap.String("addr", s.cfg.Server.Listen))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	if s.configPath != "" {
		w, err := config.Watch(s.configPath, s.applyConfig)
		if err != nil {
			logging.Warn("Config watch disabled", zap.Error(err))
		} else {
			s.watcher = w
		}
	}

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
	}
	return nil
}

// Run starts the server and blocks until SIGINT or SIGTERM, then shuts down
// gracefully. SIGHUP reloads tenant configuration.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range quit {
		if sig == syscall.SIGHUP {
			if s.configPath == "" {
				continue
			}
			cfg, err := config.NewLoader().Load(s.configPath)
			if err != nil {
				logging.Error("Config reload failed", zap.Error(err))
				continue
			}
			s.applyConfig(cfg)
			continue
		}
		logging.Info("Shutting down gracefully...")
		return s.Shutdown(s.cfg.Server.ShutdownTimeout)
	}
	return nil
}

// Shutdown drains sessions, flushes learning state and stops the listener.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.watcher != nil {
		s.watcher.Close()
	}

	s.sessions.Shutdown(ctx)
	s.router.Shutdown(ctx)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		logging.Error("HTTP shutdown error", zap.Error(err))
		return err
	}
	if err := s.store.Close(); err != nil {
		logging.Warn("KV close error", zap.Error(err))
	}
	logging.Info("Server shutdown complete")
	return nil
}
