package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the steer process.
type Config struct {
	Server   ServerConfig            `yaml:"server"`
	Logging  LoggingConfig           `yaml:"logging"`
	Redis    RedisConfig             `yaml:"redis"`
	Router   RouterConfig            `yaml:"router"`
	Realtime RealtimeConfig          `yaml:"realtime"`
	Tenants  map[string]TenantConfig `yaml:"tenants"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// RedisConfig holds KV store connection settings.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	StartupRetry time.Duration `yaml:"startup_retry"`
}

// RouterConfig holds routing settings that are genuinely operational.
// Score weights, reward constants and boundaries are code, not config.
type RouterConfig struct {
	DecisionDeadline time.Duration `yaml:"decision_deadline"`
	FeatureCacheSize int           `yaml:"feature_cache_size"`
}

// RealtimeConfig holds session and queue settings.
type RealtimeConfig struct {
	MaxQueueSize        int           `yaml:"max_queue_size"`
	DropThreshold       int           `yaml:"drop_threshold"`
	MaxMemorySize       int           `yaml:"max_memory_size"`
	MaxQueueAge         time.Duration `yaml:"max_queue_age"`
	SlowClientThreshold time.Duration `yaml:"slow_client_threshold"`
	PumpInterval        time.Duration `yaml:"pump_interval"`
	PumpBatch           int           `yaml:"pump_batch"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	StaleAfter          time.Duration `yaml:"stale_after"`
	SendDeadline        time.Duration `yaml:"send_deadline"`
	DrainTimeout        time.Duration `yaml:"drain_timeout"`
}

// TenantConfig holds per-tenant routing policy.
type TenantConfig struct {
	MaxTokensA      int           `yaml:"max_tokens_a"`
	ForbidEarlyExit bool          `yaml:"forbid_early_exit"`
	ForceEscalation bool          `yaml:"force_escalation"`
	DefaultUserTier string        `yaml:"default_user_tier"`
	Canary          *CanaryConfig `yaml:"canary"`
	RateLimit       *RateLimit    `yaml:"rate_limit"`
}

// CanaryConfig holds per-tenant canary settings.
type CanaryConfig struct {
	Fraction          float64       `yaml:"fraction"`
	QualityFloor      float64       `yaml:"quality_floor"`
	MinSamples        int           `yaml:"min_samples"`
	EvaluationWindow  time.Duration `yaml:"evaluation_window"`
	RollbackThreshold float64       `yaml:"rollback_threshold"`
	// CanaryTier names the redirect target. Empty means one step above the
	// baseline the router chose.
	CanaryTier string `yaml:"canary_tier"`
}

// RateLimit holds ingress rate limiting for /route.
type RateLimit struct {
	Rate   int           `yaml:"rate"`
	Burst  int           `yaml:"burst"`
	Period time.Duration `yaml:"period"`
}

// DefaultConfig returns a config with every default filled in.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     64,
			StartupRetry: 15 * time.Second,
		},
		Router: RouterConfig{
			DecisionDeadline: 300 * time.Millisecond,
			FeatureCacheSize: 4096,
		},
		Realtime: RealtimeConfig{
			MaxQueueSize:        1000,
			DropThreshold:       800,
			MaxMemorySize:       50,
			MaxQueueAge:         5 * time.Minute,
			SlowClientThreshold: time.Second,
			PumpInterval:        20 * time.Millisecond,
			PumpBatch:           10,
			HeartbeatInterval:   30 * time.Second,
			StaleAfter:          60 * time.Second,
			SendDeadline:        5 * time.Second,
			DrainTimeout:        10 * time.Second,
		},
		Tenants: map[string]TenantConfig{},
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must not be empty")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must not be empty")
	}
	rt := c.Realtime
	if rt.MaxQueueSize <= 0 {
		return fmt.Errorf("realtime.max_queue_size must be positive")
	}
	if rt.DropThreshold <= 0 || rt.DropThreshold >= rt.MaxQueueSize {
		return fmt.Errorf("realtime.drop_threshold must be in (0, max_queue_size)")
	}
	if rt.MaxMemorySize <= 0 {
		return fmt.Errorf("realtime.max_memory_size must be positive")
	}
	if rt.PumpInterval <= 0 || rt.PumpInterval > 20*time.Millisecond {
		return fmt.Errorf("realtime.pump_interval must be in (0, 20ms]")
	}
	for name, tc := range c.Tenants {
		if tc.Canary == nil {
			continue
		}
		cc := tc.Canary
		if cc.Fraction < 0 || cc.Fraction > 1 {
			return fmt.Errorf("tenant %s: canary.fraction must be in [0,1]", name)
		}
		if cc.QualityFloor < 0 || cc.QualityFloor > 1 {
			return fmt.Errorf("tenant %s: canary.quality_floor must be in [0,1]", name)
		}
		if cc.RollbackThreshold < 0 || cc.RollbackThreshold > 1 {
			return fmt.Errorf("tenant %s: canary.rollback_threshold must be in [0,1]", name)
		}
		if cc.CanaryTier != "" && cc.CanaryTier != "A" && cc.CanaryTier != "B" && cc.CanaryTier != "C" {
			return fmt.Errorf("tenant %s: canary.canary_tier must be A, B or C", name)
		}
	}
	return nil
}
