package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/triframe/triframe/internal/clockwork"
	"github.com/triframe/triframe/internal/domain"
)

// Mode selects the safety posture of the process. PRODUCTION refuses to
// start with any unresolved correctness debt; BETA logs warnings instead.
type Mode string

const (
	ModeProduction Mode = "PRODUCTION"
	ModeBeta       Mode = "BETA"
)

// Config is the single immutable configuration value built at startup and
// passed explicitly to every component. Nothing mutates it afterwards.
type Config struct {
	Mode Mode `yaml:"mode"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	OrderExecution struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"order_execution"`

	Persist struct {
		TickEvents       bool `yaml:"tick_events"`
		AsyncEventWriter bool `yaml:"async_event_writer"`
		EventQueueSize   int  `yaml:"event_queue_size"`
	} `yaml:"persist"`

	Reconcile struct {
		IntervalSeconds       int `yaml:"interval_seconds"`
		PendingTimeoutMinutes int `yaml:"pending_timeout_minutes"`
		MaxConcurrent         int `yaml:"max_concurrent"`
	} `yaml:"reconcile"`

	Evaluator struct {
		WindowHTF               int     `yaml:"window_htf"`
		WindowITF               int     `yaml:"window_itf"`
		WindowLTF               int     `yaml:"window_ltf"`
		BuyZoneFraction         float64 `yaml:"buy_zone_fraction"`
		PWin                    float64 `yaml:"p_win"`
		PayoffRatio             float64 `yaml:"payoff_ratio"`
		MovementGatePct         float64 `yaml:"movement_gate_pct"`
		ReanalysisSeconds       int     `yaml:"reanalysis_seconds"`
		CloseSuppressionSeconds int     `yaml:"close_suppression_seconds"`
		LTPStalenessSeconds     int     `yaml:"ltp_staleness_seconds"`
	} `yaml:"evaluator"`

	Risk struct {
		DefaultProfile string `yaml:"default_profile"`
	} `yaml:"risk"`

	Stream struct {
		DedupWindowSeconds int `yaml:"dedup_window_seconds"`
		SubscriberBuffer   int `yaml:"subscriber_buffer"`
	} `yaml:"stream"`

	Fanout struct {
		TaskTimeoutSeconds int `yaml:"task_timeout_seconds"`
	} `yaml:"fanout"`

	Exits struct {
		TrailingRetracement float64 `yaml:"trailing_retracement"`
		BrickAdverseRatio   float64 `yaml:"brick_adverse_ratio"`
		CooldownSeconds     int     `yaml:"cooldown_seconds"`
	} `yaml:"exits"`

	Calendar clockwork.CalendarConfig `yaml:"calendar"`

	Database struct {
		DSN            string `yaml:"dsn"`
		MaxOpenConns   int    `yaml:"max_open_conns"`
		MaxIdleConns   int    `yaml:"max_idle_conns"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"database"`

	Redis struct {
		Enabled    bool   `yaml:"enabled"`
		Addr       string `yaml:"addr"`
		DB         int    `yaml:"db"`
		TTLSeconds int    `yaml:"ttl_seconds"`
	} `yaml:"redis"`

	Ops struct {
		Listen string `yaml:"listen"`
	} `yaml:"ops"`

	Brokers map[string]BrokerConfig `yaml:"brokers"`
}

// BrokerConfig describes one broker integration. Env is an explicit tag and
// the only environment signal the startup gate accepts.
type BrokerConfig struct {
	Env            domain.BrokerEnv `yaml:"env"`
	CredentialsRef string           `yaml:"credentials_ref"`
	APIBaseURL     string           `yaml:"api_base_url"`
	WSURL          string           `yaml:"ws_url"`
	RateLimitRPS   float64          `yaml:"rate_limit_rps"`
	RateLimitBurst int              `yaml:"rate_limit_burst"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() Config {
	var c Config
	c.Mode = ModeBeta
	c.Log.Level = "info"
	c.OrderExecution.Enabled = false
	c.Persist.TickEvents = false
	c.Persist.AsyncEventWriter = true
	c.Persist.EventQueueSize = 4096
	c.Reconcile.IntervalSeconds = 30
	c.Reconcile.PendingTimeoutMinutes = 10
	c.Reconcile.MaxConcurrent = 5
	c.Evaluator.WindowHTF = 20
	c.Evaluator.WindowITF = 20
	c.Evaluator.WindowLTF = 60
	c.Evaluator.BuyZoneFraction = 0.35
	c.Evaluator.PWin = 0.65
	c.Evaluator.PayoffRatio = 1.8
	c.Evaluator.MovementGatePct = 0.3
	c.Evaluator.ReanalysisSeconds = 60
	c.Evaluator.CloseSuppressionSeconds = 60
	c.Evaluator.LTPStalenessSeconds = 90
	c.Risk.DefaultProfile = "balanced"
	c.Stream.DedupWindowSeconds = 30
	c.Stream.SubscriberBuffer = 1024
	c.Fanout.TaskTimeoutSeconds = 5
	c.Exits.TrailingRetracement = 0.4
	c.Exits.BrickAdverseRatio = 0.4
	c.Exits.CooldownSeconds = 30
	c.Calendar = clockwork.DefaultCalendarConfig()
	c.Database.MaxOpenConns = 16
	c.Database.MaxIdleConns = 4
	c.Database.TimeoutSeconds = 5
	c.Redis.TTLSeconds = 120
	c.Ops.Listen = ":9114"
	return c
}

// Load reads and validates a config file, applying defaults for absent keys
// and environment overrides for secrets.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read config %s: %v", domain.ErrConfig, path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config %s: %v", domain.ErrConfig, path, err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides lets deployment environments inject secrets without
// writing them to the config file.
func applyEnvOverrides(cfg *Config) {
	if dsn := os.Getenv("TRIFRAME_DB_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if addr := os.Getenv("TRIFRAME_REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
		cfg.Redis.Enabled = true
	}
}

// Validate checks every structural constraint and reports all violations at
// once so an operator fixes the file in a single pass.
func (c *Config) Validate() error {
	var problems []string

	if c.Mode != ModeProduction && c.Mode != ModeBeta {
		problems = append(problems, fmt.Sprintf("mode must be PRODUCTION or BETA, got %q", c.Mode))
	}
	if c.Reconcile.IntervalSeconds <= 0 {
		problems = append(problems, "reconcile.interval_seconds must be positive")
	}
	if c.Reconcile.PendingTimeoutMinutes <= 0 {
		problems = append(problems, "reconcile.pending_timeout_minutes must be positive")
	}
	if c.Reconcile.MaxConcurrent <= 0 {
		problems = append(problems, "reconcile.max_concurrent must be positive")
	}
	if c.Evaluator.BuyZoneFraction <= 0 || c.Evaluator.BuyZoneFraction >= 1 {
		problems = append(problems, "evaluator.buy_zone_fraction must be in (0,1)")
	}
	if c.Evaluator.PWin < 0.50 || c.Evaluator.PWin > 0.80 {
		problems = append(problems, fmt.Sprintf("evaluator.p_win must be in [0.50,0.80], got %.2f", c.Evaluator.PWin))
	}
	if c.Evaluator.PayoffRatio <= 0 {
		problems = append(problems, "evaluator.payoff_ratio must be positive")
	}
	if c.Fanout.TaskTimeoutSeconds <= 0 {
		problems = append(problems, "fanout.task_timeout_seconds must be positive")
	}
	if c.Stream.SubscriberBuffer <= 0 {
		problems = append(problems, "stream.subscriber_buffer must be positive")
	}
	if c.Persist.TickEvents && !c.Persist.AsyncEventWriter {
		problems = append(problems, "persist.tick_events requires persist.async_event_writer")
	}
	for code, b := range c.Brokers {
		switch b.Env {
		case domain.EnvProduction, domain.EnvUAT, domain.EnvSandbox:
		default:
			problems = append(problems, fmt.Sprintf("brokers.%s.env must be PRODUCTION, UAT or SANDBOX, got %q", code, b.Env))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrConfig, strings.Join(problems, "; "))
	}
	return nil
}

// DatabaseTimeout returns the per-statement database deadline.
func (c *Config) DatabaseTimeout() time.Duration {
	return time.Duration(c.Database.TimeoutSeconds) * time.Second
}

// ReconcileInterval returns the reconciler loop period.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Reconcile.IntervalSeconds) * time.Second
}

// PendingTimeout returns how long a PENDING trade may go without broker
// contact before it is timed out.
func (c *Config) PendingTimeout() time.Duration {
	return time.Duration(c.Reconcile.PendingTimeoutMinutes) * time.Minute
}

// FanoutTaskTimeout returns the per-user-broker validation deadline.
func (c *Config) FanoutTaskTimeout() time.Duration {
	return time.Duration(c.Fanout.TaskTimeoutSeconds) * time.Second
}

// ExitCooldown returns the per-reason exit episode cooldown.
func (c *Config) ExitCooldown() time.Duration {
	return time.Duration(c.Exits.CooldownSeconds) * time.Second
}

// DedupWindow returns the tick dedup window rotation period.
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.Stream.DedupWindowSeconds) * time.Second
}

// ReanalysisInterval returns the evaluator's forced re-analysis period.
func (c *Config) ReanalysisInterval() time.Duration {
	return time.Duration(c.Evaluator.ReanalysisSeconds) * time.Second
}

// CloseSuppression returns the pre-close signal quiet window.
func (c *Config) CloseSuppression() time.Duration {
	return time.Duration(c.Evaluator.CloseSuppressionSeconds) * time.Second
}

// RedisTTL returns the last-traded-price key lifetime.
func (c *Config) RedisTTL() time.Duration {
	return time.Duration(c.Redis.TTLSeconds) * time.Second
}
