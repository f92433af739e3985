package config

import (
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"ZeroDTE/pkg/util"
)

// Regime names used as keys of the regime-keyed tables below.
const (
	RegimeCalm     = "calm"
	RegimeElevated = "elevated"
	RegimeStressed = "stressed"
	RegimeExtreme  = "extreme"
)

var regimeKeys = []string{RegimeCalm, RegimeElevated, RegimeStressed, RegimeExtreme}

type Config struct {
	Environment string `yaml:"environment" default:"development" validate:"required,oneof=development staging production"`

	Server struct {
		Port            int           `yaml:"port" default:"8080" validate:"gt=0,lte=65535"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
		CORS            bool          `yaml:"cors" default:"true"`
		// MutationBurst and MutationPerSec limit operator POSTs per client.
		MutationBurst  float64 `yaml:"mutation_burst" default:"5" validate:"gte=1"`
		MutationPerSec float64 `yaml:"mutation_per_sec" default:"1" validate:"gt=0"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool   `yaml:"enabled" default:"true"`
		Path    string `yaml:"path" default:"/metrics"`
	} `yaml:"metrics"`

	Log struct {
		Level      string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
		Format     string `yaml:"format" default:"console" validate:"oneof=console json"`
		Output     string `yaml:"output" default:"stdout"`
		MaxSizeMB  int    `yaml:"max_size_mb" default:"100"`
		MaxBackups int    `yaml:"max_backups" default:"5"`
		MaxAgeDays int    `yaml:"max_age_days" default:"14"`
		Digest     struct {
			Enabled   bool          `yaml:"enabled"`
			Interval  time.Duration `yaml:"interval" default:"30s"`
			Threshold int           `yaml:"threshold" default:"100"`
		} `yaml:"digest"`
	} `yaml:"log"`

	Session SessionConfig `yaml:"session"`

	// Symbols tracked by the aggregator. Every snapshot carries all of them.
	Symbols []string          `yaml:"symbols" validate:"min=2,unique,dive,required"`
	Sectors map[string]string `yaml:"sectors"`

	Aggregator  AggregatorConfig  `yaml:"aggregator"`
	Regime      RegimeConfig      `yaml:"regime"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Signal      SignalConfig      `yaml:"signal"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Risk        RiskConfig        `yaml:"risk"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	Execution   ExecutionConfig   `yaml:"execution"`

	Scorer  ScorerConfig   `yaml:"scorer"`
	Gateway EndpointConfig `yaml:"gateway"`
	Account EndpointConfig `yaml:"account"`
	Chain   EndpointConfig `yaml:"chain"`
	Feed    FeedConfig     `yaml:"feed"`

	Kafka      KafkaConfig      `yaml:"kafka"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Redis      RedisConfig      `yaml:"redis"`
}

type SessionConfig struct {
	Timezone string   `yaml:"timezone" default:"America/New_York" validate:"required"`
	Open     string   `yaml:"open" default:"09:30" validate:"required"`
	Close    string   `yaml:"close" default:"16:00" validate:"required"`
	Holidays []string `yaml:"holidays" validate:"dive,datetime=2006-01-02"`
}

type AggregatorConfig struct {
	Interval            time.Duration `yaml:"interval" default:"2s" validate:"gt=0"`
	LowActivityInterval time.Duration `yaml:"low_activity_interval" default:"5s" validate:"gt=0"`
	IdleIntervals       int           `yaml:"idle_intervals" default:"5" validate:"gte=1"`
	StaleIntervals      int           `yaml:"stale_intervals" default:"3" validate:"gte=1"`
	BurstTicks          int           `yaml:"burst_ticks" default:"0" validate:"gte=0"`
	BufferSize          int           `yaml:"buffer_size" default:"4096" validate:"gte=1"`
}

type RegimeConfig struct {
	CalmMax     float64 `yaml:"calm_max" default:"15" validate:"gt=0"`
	ElevatedMax float64 `yaml:"elevated_max" default:"25" validate:"gtfield=CalmMax"`
	StressedMax float64 `yaml:"stressed_max" default:"35" validate:"gtfield=ElevatedMax"`
	// InversionRatio is the front/back ratio at or above which the curve counts as inverted.
	InversionRatio float64       `yaml:"inversion_ratio" default:"1.0" validate:"gt=0"`
	MinDwell       time.Duration `yaml:"min_dwell" default:"60s"`
	MinDelta       float64       `yaml:"min_delta" default:"2.0" validate:"gte=0"`
}

type CorrelationConfig struct {
	ShortWindow int     `yaml:"short_window" default:"30" validate:"gte=3"`
	LongWindow  int     `yaml:"long_window" default:"120" validate:"gtfield=ShortWindow"`
	MinSamples  int     `yaml:"min_samples" default:"20" validate:"gte=3"`
	Threshold   float64 `yaml:"threshold" default:"0.25" validate:"gt=0,lte=2"`
	// ThresholdScale widens the divergence threshold per regime.
	ThresholdScale map[string]float64 `yaml:"threshold_scale"`
	Epsilon        float64            `yaml:"epsilon" default:"1e-12" validate:"gt=0"`
}

type FactorWeights struct {
	Correlation float64 `yaml:"correlation" json:"correlation"`
	Momentum    float64 `yaml:"momentum" json:"momentum"`
	Regime      float64 `yaml:"regime" json:"regime"`
	Model       float64 `yaml:"model" json:"model"`
}

type SignalConfig struct {
	Weights       map[string]FactorWeights `yaml:"weights"`
	MinConfidence map[string]float64       `yaml:"min_confidence"`
	// RegimeScore is the regime factor value fed into the weighted sum.
	RegimeScore        map[string]float64 `yaml:"regime_score"`
	ReplaceMargin      float64            `yaml:"replace_margin" default:"0.05" validate:"gte=0,lt=1"`
	ValidityIntervals  int                `yaml:"validity_intervals" default:"15" validate:"gte=1"`
	MomentumWindow     int                `yaml:"momentum_window" default:"10" validate:"gte=2"`
	MomentumBias       float64            `yaml:"momentum_bias" default:"0.35" validate:"gt=0,lt=1"`
	VolatileDivergence float64            `yaml:"volatile_divergence" default:"0.6" validate:"gt=0,lte=1"`
	StalePenalty       float64            `yaml:"stale_penalty" default:"0.5" validate:"gte=0,lte=1"`
	MaxPerSnapshot     int                `yaml:"max_per_snapshot" default:"3" validate:"gte=1"`
	HistorySize        int                `yaml:"history_size" default:"240" validate:"gte=2"`
}

type ExitRule struct {
	ProfitTargetPct float64 `yaml:"profit_target_pct" json:"profit_target_pct"`
	StopLossPct     float64 `yaml:"stop_loss_pct" json:"stop_loss_pct"`
}

type StrategyConfig struct {
	ATMDelta       float64             `yaml:"atm_delta" default:"0.50" validate:"gt=0,lt=1"`
	ShortDelta     float64             `yaml:"short_delta" default:"0.20" validate:"gt=0,lt=1"`
	WingDelta      float64             `yaml:"wing_delta" default:"0.10" validate:"gt=0,ltfield=ShortDelta"`
	VerticalDelta  float64             `yaml:"vertical_delta" default:"0.30" validate:"gt=0,lt=1"`
	StrangleDelta  float64             `yaml:"strangle_delta" default:"0.25" validate:"gt=0,lt=1"`
	DeltaTolerance float64             `yaml:"delta_tolerance" default:"0.05" validate:"gt=0,lt=0.5"`
	Contracts      int                 `yaml:"contracts" default:"10" validate:"gte=1"`
	HardExit       string              `yaml:"hard_exit" default:"15:45" validate:"required"`
	MinTimeToExit  time.Duration       `yaml:"min_time_to_exit" default:"10m"`
	Exits          map[string]ExitRule `yaml:"exits"`
}

type RiskConfig struct {
	VaRConfidence      float64            `yaml:"var_confidence" default:"0.99" validate:"gt=0.5,lt=1"`
	VaRScale           map[string]float64 `yaml:"var_scale"`
	MaxPositionVaRPct  float64            `yaml:"max_position_var_pct" default:"0.02" validate:"gt=0,lte=1"`
	MaxPortfolioVaRPct float64            `yaml:"max_portfolio_var_pct" default:"0.06" validate:"gt=0,lte=1"`
	MaxUnderlyingPct   float64            `yaml:"max_underlying_pct" default:"0.10" validate:"gt=0,lte=1"`
	MaxSectorPct       float64            `yaml:"max_sector_pct" default:"0.25" validate:"gt=0,lte=1"`
	SessionHours       float64            `yaml:"session_hours" default:"6.5" validate:"gt=0,lte=24"`
}

type BreakerConfig struct {
	// PositionLossPct of a position's entry premium that counts as a single-position breach.
	PositionLossPct      float64       `yaml:"position_loss_pct" default:"1.0" validate:"gt=0"`
	DailyLossPct         float64       `yaml:"daily_loss_pct" default:"0.03" validate:"gt=0,lte=1"`
	Level1Escalation     int           `yaml:"level1_escalation" default:"3" validate:"gte=1"`
	ExecFailureLimit     int           `yaml:"exec_failure_limit" default:"3" validate:"gte=1"`
	EmergencyDrawdownPct float64       `yaml:"emergency_drawdown_pct" default:"0.06" validate:"gtfield=DailyLossPct"`
	ResetCheckInterval   time.Duration `yaml:"reset_check_interval" default:"1m"`
	StateKey             string        `yaml:"state_key" default:"breaker:state"`
}

type ExecutionConfig struct {
	MultiLeg       bool          `yaml:"multi_leg" default:"true"`
	SubmitTimeout  time.Duration `yaml:"submit_timeout" default:"3s"`
	SubmitRetries  int           `yaml:"submit_retries" default:"2" validate:"gte=0"`
	FillTimeout    time.Duration `yaml:"fill_timeout" default:"30s"`
	UnwindTimeout  time.Duration `yaml:"unwind_timeout" default:"10s"`
	ChainTimeout   time.Duration `yaml:"chain_timeout" default:"2s"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl" default:"24h"`
	SubmitPerSec   float64       `yaml:"submit_per_sec" default:"5" validate:"gt=0"`
	SubmitBurst    float64       `yaml:"submit_burst" default:"10" validate:"gte=1"`
}

type ScorerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	URL      string        `yaml:"url" validate:"required_if=Enabled true"`
	Timeout  time.Duration `yaml:"timeout" default:"250ms"`
	RPS      float64       `yaml:"rps" default:"20" validate:"gt=0"`
	CacheTTL time.Duration `yaml:"cache_ttl" default:"2s"`
}

type EndpointConfig struct {
	URL      string        `yaml:"url"`
	Timeout  time.Duration `yaml:"timeout" default:"3s"`
	CacheTTL time.Duration `yaml:"cache_ttl" default:"1s"`
}

type FeedConfig struct {
	Enabled        bool          `yaml:"enabled"`
	WebSocketURL   string        `yaml:"websocket_url" validate:"required_if=Enabled true"`
	APIKey         string        `yaml:"api_key"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" default:"2s"`
	PingInterval   time.Duration `yaml:"ping_interval" default:"20s"`
	MaxRPS         int           `yaml:"max_rps" default:"50"`
}

type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers" validate:"required_if=Enabled true"`
	RequiredAcks int      `yaml:"required_acks" default:"-1"`
	Compression  string   `yaml:"compression" default:"snappy" validate:"oneof=gzip snappy lz4 zstd"`
	Topics       struct {
		Ticks      string `yaml:"ticks" default:"md.ticks"`
		Vol        string `yaml:"vol" default:"md.vol"`
		ExecEvents string `yaml:"exec_events" default:"gw.exec_events"`
		CoreEvents string `yaml:"core_events" default:"core.events"`
		LogDigest  string `yaml:"log_digest" default:"ops.log_digest"`
	} `yaml:"topics"`
	Producer struct {
		MaxAttempts  int           `yaml:"max_attempts" default:"3"`
		Linger       time.Duration `yaml:"linger" default:"50ms"`
		BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
		BatchSize    int           `yaml:"batch_size" default:"100"`
		WriteTimeout time.Duration `yaml:"write_timeout" default:"5s"`
		ReadTimeout  time.Duration `yaml:"read_timeout" default:"5s"`
		Async        bool          `yaml:"async"`
	} `yaml:"producer"`
	Consumer struct {
		GroupID    string        `yaml:"group_id" default:"zerodte-core"`
		Workers    int           `yaml:"workers" default:"4"`
		BufferSize int           `yaml:"buffer_size" default:"1024"`
		RetryMax   int           `yaml:"retry_max" default:"3"`
		BackoffMin time.Duration `yaml:"backoff_min" default:"50ms"`
		BackoffMax time.Duration `yaml:"backoff_max" default:"2s"`
		DLQTopic   string        `yaml:"dlq_topic"`
		MinBytes   int           `yaml:"min_bytes" default:"1"`
		MaxBytes   int           `yaml:"max_bytes" default:"10000000"`
	} `yaml:"consumer"`
}

type ClickHouseConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Host             string        `yaml:"host" validate:"required_if=Enabled true"`
	Port             int           `yaml:"port" default:"9000"`
	Database         string        `yaml:"database" default:"zerodte"`
	User             string        `yaml:"user" default:"default"`
	Password         string        `yaml:"password"`
	UseHTTP          bool          `yaml:"use_http"`
	AsyncInsert      bool          `yaml:"async_insert" default:"true"`
	WaitForAsync     bool          `yaml:"wait_for_async_insert"`
	DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
	ReadTimeout      time.Duration `yaml:"read_timeout" default:"10s"`
	WriteTimeout     time.Duration `yaml:"write_timeout" default:"10s"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"30s"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host" default:"localhost"`
	Port     int    `yaml:"port" default:"6379"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix" default:"zerodte"`
	PoolSize int    `yaml:"pool_size" default:"10"`
	// AuditRetry replays audit rows whose ClickHouse write failed.
	AuditRetry struct {
		Enabled      bool          `yaml:"enabled" default:"true"`
		Workers      int           `yaml:"workers" default:"2" validate:"gte=1"`
		RetryLimit   int           `yaml:"retry_limit" default:"5" validate:"gte=0"`
		RetryDelay   time.Duration `yaml:"retry_delay" default:"2s"`
		PollInterval time.Duration `yaml:"poll_interval" default:"1s"`
	} `yaml:"audit_retry"`
}

var validate = validator.New()

// Default returns a configuration populated only from struct defaults.
func Default() *Config {
	var c Config
	if err := defaults.Set(&c); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	c.applyTableDefaults()
	return &c
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.applyTableDefaults()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func (c *Config) applyEnv() {
	util.EnvString("ENVIRONMENT", &c.Environment)
	util.EnvString("FEED_API_KEY", &c.Feed.APIKey)
	util.EnvString("SCORER_URL", &c.Scorer.URL)
	util.EnvString("GATEWAY_URL", &c.Gateway.URL)
	util.EnvString("ACCOUNT_URL", &c.Account.URL)
	util.EnvString("CHAIN_URL", &c.Chain.URL)
	util.EnvString("CLICKHOUSE_PASSWORD", &c.ClickHouse.Password)
	util.EnvString("REDIS_PASSWORD", &c.Redis.Password)
	if v := os.Getenv("SYMBOLS"); v != "" {
		c.Symbols = util.SplitList(v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = util.SplitList(v)
	}
	c.Server.Port = util.EnvInt("HTTP_PORT", c.Server.Port)
}

// applyTableDefaults fills regime-keyed tables that were not set in YAML.
func (c *Config) applyTableDefaults() {
	fill := func(m map[string]float64, vals ...float64) map[string]float64 {
		if m == nil {
			m = make(map[string]float64, len(regimeKeys))
		}
		for i, k := range regimeKeys {
			if _, ok := m[k]; !ok {
				m[k] = vals[i]
			}
		}
		return m
	}

	c.Correlation.ThresholdScale = fill(c.Correlation.ThresholdScale, 1.0, 1.25, 1.5, 2.0)
	c.Signal.MinConfidence = fill(c.Signal.MinConfidence, 0.55, 0.60, 0.65, 0.70)
	c.Signal.RegimeScore = fill(c.Signal.RegimeScore, 1.0, 0.75, 0.5, 0.25)
	c.Risk.VaRScale = fill(c.Risk.VaRScale, 1.0, 1.2, 1.5, 2.0)

	if c.Signal.Weights == nil {
		c.Signal.Weights = make(map[string]FactorWeights, len(regimeKeys))
	}
	defaultWeights := map[string]FactorWeights{
		RegimeCalm:     {Correlation: 0.20, Momentum: 0.40, Regime: 0.20, Model: 0.20},
		RegimeElevated: {Correlation: 0.30, Momentum: 0.30, Regime: 0.20, Model: 0.20},
		RegimeStressed: {Correlation: 0.40, Momentum: 0.20, Regime: 0.20, Model: 0.20},
		RegimeExtreme:  {Correlation: 0.45, Momentum: 0.15, Regime: 0.20, Model: 0.20},
	}
	for k, w := range defaultWeights {
		if _, ok := c.Signal.Weights[k]; !ok {
			c.Signal.Weights[k] = w
		}
	}

	if c.Strategy.Exits == nil {
		c.Strategy.Exits = make(map[string]ExitRule)
	}
	defaultExits := map[string]ExitRule{
		"iron_condor":    {ProfitTargetPct: 0.50, StopLossPct: 2.00},
		"iron_butterfly": {ProfitTargetPct: 0.25, StopLossPct: 1.00},
		"vertical":       {ProfitTargetPct: 1.00, StopLossPct: 0.50},
		"straddle":       {ProfitTargetPct: 0.50, StopLossPct: 0.40},
		"strangle":       {ProfitTargetPct: 0.75, StopLossPct: 0.50},
	}
	for k, r := range defaultExits {
		if _, ok := c.Strategy.Exits[k]; !ok {
			c.Strategy.Exits[k] = r
		}
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if _, err := time.LoadLocation(c.Session.Timezone); err != nil {
		return fmt.Errorf("session.timezone: %w", err)
	}
	for _, k := range regimeKeys {
		w := c.Signal.Weights[k]
		if w.Correlation < 0 || w.Momentum < 0 || w.Regime < 0 || w.Model < 0 {
			return fmt.Errorf("signal.weights.%s: weights must be non-negative", k)
		}
		if w.Correlation+w.Momentum+w.Regime+w.Model <= 0 {
			return fmt.Errorf("signal.weights.%s: at least one weight must be positive", k)
		}
		if mc := c.Signal.MinConfidence[k]; mc <= 0 || mc > 1 {
			return fmt.Errorf("signal.min_confidence.%s must be in (0,1], got %v", k, mc)
		}
		if s := c.Correlation.ThresholdScale[k]; s < 1 {
			return fmt.Errorf("correlation.threshold_scale.%s must be >= 1, got %v", k, s)
		}
		if s := c.Risk.VaRScale[k]; s < 1 {
			return fmt.Errorf("risk.var_scale.%s must be >= 1, got %v", k, s)
		}
	}
	if c.Correlation.MinSamples > c.Correlation.ShortWindow {
		return fmt.Errorf("correlation.min_samples (%d) exceeds short_window (%d)", c.Correlation.MinSamples, c.Correlation.ShortWindow)
	}
	for name, r := range c.Strategy.Exits {
		if r.ProfitTargetPct <= 0 || r.StopLossPct <= 0 {
			return fmt.Errorf("strategy.exits.%s: profit target and stop loss are required", name)
		}
	}
	return nil
}
