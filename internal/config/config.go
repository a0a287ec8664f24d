// Package config handles configuration management with validation and a
// runtime override layer. Precedence: runtime overrides > environment >
// file values.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Exchange  ExchangeConfig  `yaml:"exchange"`
	WS        WSConfig        `yaml:"ws"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Risk      RiskConfig      `yaml:"risk"`
	Trading   TradingConfig   `yaml:"trading"`
	Signal    SignalConfig    `yaml:"signal"`
	Paths     PathsConfig     `yaml:"paths"`
	System    SystemConfig    `yaml:"system"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Alerts    AlertsConfig    `yaml:"alerts"`
}

// ExchangeConfig contains credentials and endpoints for Bitfinex v2.
type ExchangeConfig struct {
	APIKey        Secret `yaml:"api_key"`
	APISecret     Secret `yaml:"api_secret"`
	RESTPublicURL string `yaml:"rest_public_url"`
	RESTAuthURL   string `yaml:"rest_auth_url"`
	WSPublicURL   string `yaml:"ws_public_url"`
	WSAuthURL     string `yaml:"ws_auth_url"`
	TimeoutSecs   int    `yaml:"timeout_secs"`   // total deadline per call incl. retries
	MaxRetries    int    `yaml:"max_retries"`
}

// WSConfig contains websocket behaviour settings.
type WSConfig struct {
	ConnectOnStart    bool `yaml:"connect_on_start"`
	TickerStaleSecs   int  `yaml:"ticker_stale_secs"`
	CandleStaleSecs   int  `yaml:"candle_stale_secs"`
	HeartbeatSecs     int  `yaml:"heartbeat_secs"`
	MaxSubsPerSocket  int  `yaml:"max_subs_per_socket"`
	ReconnectBaseSecs int  `yaml:"reconnect_base_secs"`
	ReconnectMaxSecs  int  `yaml:"reconnect_max_secs"`
	QueueSize         int  `yaml:"queue_size"` // per-subscription bounded queue
	DeadManSwitch     bool `yaml:"dead_man_switch"`
	RetentionBars     int  `yaml:"candle_retention_bars"` // series trimmed to this on retention passes
	SeriesIdleMins    int  `yaml:"series_idle_mins"`      // idle series and tickers evicted after this
}

// RateLimitClass defines one endpoint class bucket.
type RateLimitClass struct {
	Name          string  `yaml:"name"`
	Capacity      int     `yaml:"capacity"`
	RefillPerSec  float64 `yaml:"refill_per_sec"`
	MaxConcurrent int64   `yaml:"max_concurrent"`
}

// RateLimitPattern maps an endpoint path regex to a class. First match wins.
type RateLimitPattern struct {
	Pattern string `yaml:"pattern"`
	Class   string `yaml:"class"`
}

// RateLimitConfig contains the classification table and class buckets.
type RateLimitConfig struct {
	Classes  []RateLimitClass   `yaml:"classes"`
	Patterns []RateLimitPattern `yaml:"patterns"`
	Default  string             `yaml:"default"`
}

// TradingWindow is one permitted trading interval in the configured
// timezone. Days use three-letter names (Mon, Tue, ...).
type TradingWindow struct {
	Days  []string `yaml:"days"`
	Start string   `yaml:"start"` // HH:MM wall clock
	End   string   `yaml:"end"`
}

// RiskConfig contains the policy pipeline settings.
type RiskConfig struct {
	MaxTradesPerDay          int             `yaml:"max_trades_per_day"`
	MaxTradesPerSymbolPerDay int             `yaml:"max_trades_per_symbol_per_day"`
	TradeCooldownSeconds     int             `yaml:"trade_cooldown_seconds"`
	MaxDailyLossPct          float64         `yaml:"max_daily_loss_pct"`
	KillSwitchDrawdownPct    float64         `yaml:"kill_switch_drawdown_pct"`
	KillSwitchCooldownHours  int             `yaml:"kill_switch_cooldown_hours"`
	MaxPositionPct           float64         `yaml:"max_position_pct"`
	MaxTotalExposurePct      float64         `yaml:"max_total_exposure_pct"`
	EquityFallbackUSD        float64         `yaml:"equity_fallback_usd"`
	EquityTimeoutSecs        int             `yaml:"equity_timeout_secs"`
	TradingWindows           []TradingWindow `yaml:"trading_windows"`
	Timezone                 string          `yaml:"timezone"`
}

// TradingConfig contains order pipeline settings.
type TradingConfig struct {
	Symbols            []string `yaml:"symbols"`
	Timeframe          string   `yaml:"timeframe"`
	DryRunEnabled      bool     `yaml:"dry_run_enabled"`
	IdempotencyTTLSecs int      `yaml:"idempotency_ttl_secs"`
}

// SignalConfig contains indicator and model settings.
type SignalConfig struct {
	ProbModelFile string `yaml:"prob_model_file"`
	ScoreTTLSecs  int    `yaml:"score_ttl_secs"`
	EMAFast       int    `yaml:"ema_fast"`
	EMASlow       int    `yaml:"ema_slow"`
	RSIPeriod     int    `yaml:"rsi_period"`
	ATRPeriod     int    `yaml:"atr_period"`
	ADXPeriod     int    `yaml:"adx_period"`
	CandleLimit   int    `yaml:"candle_limit"`
}

// PathsConfig contains persisted state locations.
type PathsConfig struct {
	NoncePath          string `yaml:"nonce_path"`
	BracketSnapshot    string `yaml:"bracket_snapshot_path"`
	AuditLogPath       string `yaml:"audit_log_path"`
	EquitySnapshotPath string `yaml:"equity_snapshot_path"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel          string `yaml:"log_level"`
	ShutdownGraceSecs int    `yaml:"shutdown_grace_secs"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// SchedulerConfig contains scheduler worker settings.
type SchedulerConfig struct {
	MaxWorkers  int `yaml:"max_workers"`
	MaxInFlight int `yaml:"max_in_flight"`
}

// AlertsConfig contains outbound operator notification settings. Channels
// with empty credentials are not registered.
type AlertsConfig struct {
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
	TimeoutSecs      int    `yaml:"timeout_secs"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion, applies defaults, and validates.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	for _, check := range []func() error{
		c.validateExchange,
		c.validateWS,
		c.validateRateLimit,
		c.validateRisk,
		c.validateTrading,
		c.validateSystem,
	} {
		if err := check(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateExchange() error {
	if c.Exchange.APIKey == "" {
		return ValidationError{Field: "exchange.api_key", Message: "API key is required"}
	}
	if c.Exchange.APISecret == "" {
		return ValidationError{Field: "exchange.api_secret", Message: "API secret is required"}
	}
	if c.Exchange.TimeoutSecs <= 0 || c.Exchange.TimeoutSecs > 120 {
		return ValidationError{Field: "exchange.timeout_secs", Value: c.Exchange.TimeoutSecs, Message: "must be in 1..120"}
	}
	return nil
}

func (c *Config) validateWS() error {
	if c.WS.TickerStaleSecs <= 0 {
		return ValidationError{Field: "ws.ticker_stale_secs", Value: c.WS.TickerStaleSecs, Message: "must be positive"}
	}
	if c.WS.CandleStaleSecs <= 0 {
		return ValidationError{Field: "ws.candle_stale_secs", Value: c.WS.CandleStaleSecs, Message: "must be positive"}
	}
	if c.WS.MaxSubsPerSocket <= 0 || c.WS.MaxSubsPerSocket > 250 {
		return ValidationError{Field: "ws.max_subs_per_socket", Value: c.WS.MaxSubsPerSocket, Message: "must be in 1..250"}
	}
	return nil
}

func (c *Config) validateRateLimit() error {
	names := make(map[string]bool, len(c.RateLimit.Classes))
	for _, cls := range c.RateLimit.Classes {
		if cls.Capacity <= 0 || cls.RefillPerSec <= 0 || cls.MaxConcurrent <= 0 {
			return ValidationError{
				Field:   fmt.Sprintf("rate_limit.classes.%s", cls.Name),
				Message: "capacity, refill_per_sec and max_concurrent must be positive",
			}
		}
		names[cls.Name] = true
	}
	for _, p := range c.RateLimit.Patterns {
		if _, err := regexp.Compile(p.Pattern); err != nil {
			return ValidationError{Field: "rate_limit.patterns", Value: p.Pattern, Message: "invalid regex"}
		}
		if !names[p.Class] {
			return ValidationError{Field: "rate_limit.patterns", Value: p.Class, Message: "unknown class"}
		}
	}
	if c.RateLimit.Default != "" && !names[c.RateLimit.Default] {
		return ValidationError{Field: "rate_limit.default", Value: c.RateLimit.Default, Message: "unknown class"}
	}
	return nil
}

func (c *Config) validateRisk() error {
	if c.Risk.MaxDailyLossPct <= 0 || c.Risk.MaxDailyLossPct >= 100 {
		return ValidationError{Field: "risk.max_daily_loss_pct", Value: c.Risk.MaxDailyLossPct, Message: "must be in (0, 100)"}
	}
	if c.Risk.KillSwitchDrawdownPct <= 0 || c.Risk.KillSwitchDrawdownPct >= 100 {
		return ValidationError{Field: "risk.kill_switch_drawdown_pct", Value: c.Risk.KillSwitchDrawdownPct, Message: "must be in (0, 100)"}
	}
	if _, err := time.LoadLocation(c.Risk.Timezone); err != nil {
		return ValidationError{Field: "risk.timezone", Value: c.Risk.Timezone, Message: "unknown timezone"}
	}
	for _, w := range c.Risk.TradingWindows {
		if _, err := parseWallClock(w.Start); err != nil {
			return ValidationError{Field: "risk.trading_windows.start", Value: w.Start, Message: "must be HH:MM"}
		}
		if _, err := parseWallClock(w.End); err != nil {
			return ValidationError{Field: "risk.trading_windows.end", Value: w.End, Message: "must be HH:MM"}
		}
	}
	return nil
}

func (c *Config) validateTrading() error {
	if len(c.Trading.Symbols) == 0 {
		return ValidationError{Field: "trading.symbols", Message: "at least one symbol is required"}
	}
	if c.Trading.IdempotencyTTLSecs <= 0 {
		return ValidationError{Field: "trading.idempotency_ttl_secs", Value: c.Trading.IdempotencyTTLSecs, Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// String returns a string representation of the configuration with
// sensitive data redacted by the Secret type.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// parseWallClock parses "HH:MM" into minutes after midnight.
func parseWallClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("out of range: %s", s)
	}
	return h*60 + m, nil
}

// WallClockMinutes exposes parseWallClock for the risk engine.
func WallClockMinutes(s string) (int, error) {
	return parseWallClock(s)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a configuration with sensible defaults. Loaded files
// override these values; tests use it directly.
func DefaultConfig() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			RESTPublicURL: "https://api-pub.bitfinex.com/v2",
			RESTAuthURL:   "https://api.bitfinex.com",
			WSPublicURL:   "wss://api-pub.bitfinex.com/ws/2",
			WSAuthURL:     "wss://api.bitfinex.com/ws/2",
			TimeoutSecs:   10,
			MaxRetries:    3,
		},
		WS: WSConfig{
			ConnectOnStart:    true,
			TickerStaleSecs:   10,
			CandleStaleSecs:   120,
			HeartbeatSecs:     15,
			MaxSubsPerSocket:  25,
			ReconnectBaseSecs: 1,
			ReconnectMaxSecs:  60,
			QueueSize:         256,
			DeadManSwitch:     true,
			RetentionBars:     600,
			SeriesIdleMins:    60,
		},
		RateLimit: RateLimitConfig{
			Classes: []RateLimitClass{
				{Name: "PUBLIC_MARKET", Capacity: 30, RefillPerSec: 1.5, MaxConcurrent: 10},
				{Name: "PRIVATE_ACCOUNT", Capacity: 15, RefillPerSec: 1.0, MaxConcurrent: 5},
				{Name: "PRIVATE_TRADING", Capacity: 10, RefillPerSec: 1.0, MaxConcurrent: 3},
				{Name: "PRIVATE_MARGIN", Capacity: 10, RefillPerSec: 0.5, MaxConcurrent: 2},
				{Name: "DEFAULT", Capacity: 10, RefillPerSec: 0.5, MaxConcurrent: 3},
			},
			Patterns: []RateLimitPattern{
				{Pattern: `^/?(tickers|ticker|candles|book|trades)`, Class: "PUBLIC_MARKET"},
				{Pattern: `^/?auth/r/(wallets|ledgers|info)`, Class: "PRIVATE_ACCOUNT"},
				{Pattern: `^/?auth/(w/order|r/orders|w/cancel)`, Class: "PRIVATE_TRADING"},
				{Pattern: `^/?auth/(r/positions|w/position|r/margin)`, Class: "PRIVATE_MARGIN"},
			},
			Default: "DEFAULT",
		},
		Risk: RiskConfig{
			MaxTradesPerDay:          20,
			MaxTradesPerSymbolPerDay: 5,
			TradeCooldownSeconds:     300,
			MaxDailyLossPct:          5.0,
			KillSwitchDrawdownPct:    10.0,
			KillSwitchCooldownHours:  24,
			MaxPositionPct:           20.0,
			MaxTotalExposurePct:      60.0,
			EquityFallbackUSD:        0,
			EquityTimeoutSecs:        2,
			Timezone:                 "UTC",
		},
		Trading: TradingConfig{
			Symbols:            []string{"tBTCUSD"},
			Timeframe:          "1m",
			DryRunEnabled:      false,
			IdempotencyTTLSecs: 3600,
		},
		Signal: SignalConfig{
			ScoreTTLSecs: 30,
			EMAFast:      12,
			EMASlow:      26,
			RSIPeriod:    14,
			ATRPeriod:    14,
			ADXPeriod:    14,
			CandleLimit:  120,
		},
		Paths: PathsConfig{
			NoncePath:          "state/nonce.json",
			BracketSnapshot:    "state/brackets.json",
			AuditLogPath:       "state/audit.jsonl",
			EquitySnapshotPath: "state/equity.jsonl",
		},
		System: SystemConfig{
			LogLevel:          "INFO",
			ShutdownGraceSecs: 10,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
		Scheduler: SchedulerConfig{
			MaxWorkers:  4,
			MaxInFlight: 8,
		},
		Alerts: AlertsConfig{
			TimeoutSecs: 5,
		},
	}
}
