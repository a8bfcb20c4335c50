package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full application configuration, loaded once at startup and
// passed into constructors. No ambient global state.
type Config struct {
	Environment string `yaml:"environment" default:"development" validate:"required"`

	Log struct {
		Level  string `yaml:"level" default:"info"`
		Format string `yaml:"format" default:"console" validate:"oneof=console json"`
		Output string `yaml:"output" default:"stdout"`
	} `yaml:"log"`

	Server struct {
		Port            int           `yaml:"port" default:"8080" validate:"gt=0"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
	} `yaml:"server"`

	Fabric struct {
		Backend      string        `yaml:"backend" default:"memory" validate:"oneof=kafka redis memory"`
		RetryMax     int           `yaml:"retry_max" default:"3" validate:"gt=0"`
		RetryBackoff time.Duration `yaml:"retry_backoff" default:"100ms"`
		Kafka        struct {
			Brokers      []string      `yaml:"brokers"`
			Compression  string        `yaml:"compression" default:"gzip"`
			RequiredAcks int           `yaml:"required_acks" default:"-1"`
			BatchSize    int           `yaml:"batch_size" default:"100"`
			BatchTimeout time.Duration `yaml:"batch_timeout" default:"250ms"`
			WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
			ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
		} `yaml:"kafka"`
		Redis struct {
			KeyPrefix string `yaml:"key_prefix" default:"marketpulse:fabric"`
		} `yaml:"redis"`
	} `yaml:"fabric"`

	Redis struct {
		Addr     string `yaml:"addr" default:"localhost:6379"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db" default:"0"`
	} `yaml:"redis"`

	ClickHouse struct {
		Enabled      bool          `yaml:"enabled" default:"false"`
		Host         string        `yaml:"host" default:"localhost"`
		Port         int           `yaml:"port" default:"9000"`
		Database     string        `yaml:"database" default:"marketpulse"`
		User         string        `yaml:"user" default:"default"`
		Password     string        `yaml:"password"`
		DialTimeout  time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
	} `yaml:"clickhouse"`

	Pipeline struct {
		// CapabilityURL points at the external scoring service. Empty runs
		// the built-in heuristic capabilities.
		CapabilityURL     string        `yaml:"capability_url"`
		BatchWindow       time.Duration `yaml:"batch_window" default:"60s"`
		BatchMax          int           `yaml:"batch_max" default:"25" validate:"gt=0"`
		Workers           int           `yaml:"workers" default:"2" validate:"gt=0"`
		MaxProposedSize   float64       `yaml:"max_proposed_size" default:"0.25" validate:"gt=0,lte=1"`
		CapabilityTimeout time.Duration `yaml:"capability_timeout" default:"30s"`
		CapabilityRate    float64       `yaml:"capability_rate" default:"5"`
		CapabilityBurst   int           `yaml:"capability_burst" default:"5"`
		DedupTTL          time.Duration `yaml:"dedup_ttl" default:"48h"`
		SummaryTTL        time.Duration `yaml:"summary_ttl" default:"24h"`
	} `yaml:"pipeline"`

	Breaking struct {
		UrgencyThreshold int           `yaml:"urgency_threshold" default:"70" validate:"gte=0,lte=100"`
		ScanInterval     time.Duration `yaml:"scan_interval" default:"5m"`
		Workers          int           `yaml:"workers" default:"1" validate:"gt=0"`
	} `yaml:"breaking"`

	Risk struct {
		DailyLossLimit         float64       `yaml:"daily_loss_limit" default:"0.02" validate:"gt=0"`
		WeeklyLossLimit        float64       `yaml:"weekly_loss_limit" default:"0.05" validate:"gt=0"`
		HumanApprovalThreshold float64       `yaml:"human_approval_threshold" default:"0.10" validate:"gt=0"`
		CorrelationPenalty     float64       `yaml:"correlation_penalty" default:"0.5" validate:"gt=0,lte=1"`
		MiscUncertainty        float64       `yaml:"misc_uncertainty_multiplier" default:"1.5" validate:"gte=1"`
		ApprovalTimeout        time.Duration `yaml:"approval_timeout" default:"1h"`
		Profiles               []RiskProfile `yaml:"profiles" validate:"dive"`
	} `yaml:"risk"`

	MarketData struct {
		Enabled        bool          `yaml:"enabled" default:"false"`
		WebSocketURL   string        `yaml:"websocket_url"`
		APIKey         string        `yaml:"api_key"`
		Markets        []string      `yaml:"markets"`
		ReconnectDelay time.Duration `yaml:"reconnect_delay" default:"5s"`
		PingInterval   time.Duration `yaml:"ping_interval" default:"30s"`
	} `yaml:"market_data"`

	Metrics struct {
		Enabled bool   `yaml:"enabled" default:"true"`
		Path    string `yaml:"path" default:"/metrics"`
	} `yaml:"metrics"`
}

// RiskProfile is the per-category static risk configuration entry.
type RiskProfile struct {
	Category            string  `yaml:"category" validate:"required,oneof=political sports economic misc"`
	VolatilityFactor    float64 `yaml:"volatility_factor" validate:"gt=0"`
	MaxPositionFraction float64 `yaml:"max_position_fraction" validate:"gt=0,lte=1"`
}

var validate = validator.New()

// Load reads, defaults, and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// LoadWithEnv loads config and overrides broker/credential settings from
// environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("FABRIC_BACKEND"); v != "" {
		c.Fabric.Backend = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Fabric.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("CLICKHOUSE_HOST"); v != "" {
		c.ClickHouse.Host = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		c.ClickHouse.Password = v
	}
	if v := os.Getenv("MARKET_DATA_API_KEY"); v != "" {
		c.MarketData.APIKey = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, perr := strconv.Atoi(v); perr == nil {
			c.Server.Port = port
		}
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// Validate checks structural and cross-field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Fabric.Backend == "kafka" && len(c.Fabric.Kafka.Brokers) == 0 {
		return fmt.Errorf("fabric.kafka.brokers required for kafka backend")
	}
	if c.MarketData.Enabled && c.MarketData.WebSocketURL == "" {
		return fmt.Errorf("market_data.websocket_url required when market data is enabled")
	}
	seen := make(map[string]bool, len(c.Risk.Profiles))
	for _, p := range c.Risk.Profiles {
		if seen[p.Category] {
			return fmt.Errorf("duplicate risk profile for category %q", p.Category)
		}
		seen[p.Category] = true
	}
	return nil
}

// Profile returns the risk profile for a category, if configured. A missing
// profile is a fatal config error for that category's pipeline only.
func (c *Config) Profile(category string) (RiskProfile, bool) {
	for _, p := range c.Risk.Profiles {
		if p.Category == category {
			return p, true
		}
	}
	return RiskProfile{}, false
}
