package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for the trading engine.
type Config struct {
	Bot           BotConfig           `json:"bot" yaml:"bot"`
	Risk          RiskConfig          `json:"risk" yaml:"risk"`
	Broker        BrokerConfig        `json:"broker" yaml:"broker"`
	AI            AIConfig            `json:"ai" yaml:"ai"`
	News          NewsConfig          `json:"news" yaml:"news"`
	Sessions      SessionsConfig      `json:"sessions" yaml:"sessions"`
	Notifications *NotificationConfig `json:"notifications,omitempty" yaml:"notifications,omitempty"`
	Journal       JournalConfig       `json:"journal" yaml:"journal"`
	Monitoring    MonitoringConfig    `json:"monitoring" yaml:"monitoring"`
}

// BotConfig holds supervisor loop settings.
type BotConfig struct {
	Symbols          []string `json:"symbols" yaml:"symbols"`
	Timeframe        string   `json:"timeframe" yaml:"timeframe"`
	CheckIntervalSec int      `json:"check_interval_sec" yaml:"check_interval_sec"`
	CycleTimeoutSec  int      `json:"cycle_timeout_sec" yaml:"cycle_timeout_sec"`
	// Timezone governs day/week boundaries, session windows and news
	// windows. One timezone for everything, per the ledger rules.
	Timezone  string `json:"timezone" yaml:"timezone"`
	StateFile string `json:"state_file" yaml:"state_file"`
	Debug     bool   `json:"debug" yaml:"debug"`
}

// ConfidenceTier maps a confidence lower bound to a size multiplier.
type ConfidenceTier struct {
	Min        int     `json:"min" yaml:"min"`
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
}

// RiskConfig holds the immutable risk policy.
type RiskConfig struct {
	PerTradeRisk           float64 `json:"per_trade_risk" yaml:"per_trade_risk"`
	DailyLossCap           float64 `json:"daily_loss_cap" yaml:"daily_loss_cap"`
	WeeklyLossCap          float64 `json:"weekly_loss_cap" yaml:"weekly_loss_cap"`
	MaxOpenPositions       int     `json:"max_open_positions" yaml:"max_open_positions"`
	MaxPerCorrelationGroup int     `json:"max_per_correlation_group" yaml:"max_per_correlation_group"`
	MinConfidence          int     `json:"min_confidence" yaml:"min_confidence"`
	// StrictMinConfidence replaces MinConfidence for the rest of the day
	// once daily losses reach 80% of the cap.
	StrictMinConfidence int `json:"strict_min_confidence" yaml:"strict_min_confidence"`

	ConfidenceTiers       []ConfidenceTier    `json:"confidence_tiers" yaml:"confidence_tiers"`
	CorrelationGroups     map[string][]string `json:"correlation_groups" yaml:"correlation_groups"`
	AssetClassMultipliers map[string]float64  `json:"asset_class_multipliers" yaml:"asset_class_multipliers"`

	BreakevenTrigger      float64   `json:"breakeven_trigger" yaml:"breakeven_trigger"`
	BreakevenBufferPoints float64   `json:"breakeven_buffer_points" yaml:"breakeven_buffer_points"`
	TrailingActivationR   float64   `json:"trailing_activation_r" yaml:"trailing_activation_r"`
	TPAllocations         []float64 `json:"tp_allocations" yaml:"tp_allocations"`
	ModifyRetryCycles     int       `json:"modify_retry_cycles" yaml:"modify_retry_cycles"`

	MaxSpreadPoints float64            `json:"max_spread_points" yaml:"max_spread_points"`
	SymbolMaxSpread map[string]float64 `json:"symbol_max_spread,omitempty" yaml:"symbol_max_spread,omitempty"`
}

// BrokerConfig selects and configures the broker adapter.
type BrokerConfig struct {
	Name  string       `json:"name" yaml:"name"` // mt5, bybit or paper
	MT5   *MT5Config   `json:"mt5,omitempty" yaml:"mt5,omitempty"`
	Bybit *BybitConfig `json:"bybit,omitempty" yaml:"bybit,omitempty"`
}

// MT5Config holds MetaTrader 5 gateway settings. The gateway token
// comes from the MT5_GATEWAY_TOKEN environment variable.
type MT5Config struct {
	GatewayURL      string `json:"gateway_url" yaml:"gateway_url"`
	StreamURL       string `json:"stream_url,omitempty" yaml:"stream_url,omitempty"`
	GatewayToken    string `json:"-" yaml:"-"`
	Magic           int64  `json:"magic" yaml:"magic"`
	DeviationPoints int    `json:"deviation_points" yaml:"deviation_points"`
}

// BybitConfig holds Bybit settings. API credentials come from the
// BYBIT_API_KEY / BYBIT_API_SECRET environment variables.
type BybitConfig struct {
	APIKey    string `json:"-" yaml:"-"`
	APISecret string `json:"-" yaml:"-"`
	Demo      bool   `json:"demo" yaml:"demo"`
	Testnet   bool   `json:"testnet" yaml:"testnet"`
}

// AIConfig holds the hosted-model signal source settings. The API key
// comes from the GEMINI_API_KEY environment variable.
type AIConfig struct {
	Model       string  `json:"model" yaml:"model"`
	APIKey      string  `json:"-" yaml:"-"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
	CandleCount int     `json:"candle_count" yaml:"candle_count"`
	TimeoutSec  int     `json:"timeout_sec" yaml:"timeout_sec"`
}

// NewsConfig holds the economic-calendar gate settings.
type NewsConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	FeedURL       string `json:"feed_url" yaml:"feed_url"`
	WindowMinutes int    `json:"window_minutes" yaml:"window_minutes"`
	CacheTTLMin   int    `json:"cache_ttl_min" yaml:"cache_ttl_min"`
}

// SessionWindow is one named trading session. Windows where start hour
// is greater than end hour wrap midnight.
type SessionWindow struct {
	Name      string `json:"name" yaml:"name"`
	StartHour int    `json:"start_hour" yaml:"start_hour"`
	EndHour   int    `json:"end_hour" yaml:"end_hour"`
}

// SessionsConfig holds session windows and per-symbol preferences.
type SessionsConfig struct {
	Enabled bool            `json:"enabled" yaml:"enabled"`
	Windows []SessionWindow `json:"windows" yaml:"windows"`
	// SymbolSessions maps a symbol to the session names it prefers; a
	// symbol absent from the map trades in any session.
	SymbolSessions map[string][]string `json:"symbol_sessions,omitempty" yaml:"symbol_sessions,omitempty"`
}

// NotificationConfig holds notification settings. Telegram credentials
// come from TELEGRAM_BOT_TOKEN / TELEGRAM_CHAT_ID when not set here.
type NotificationConfig struct {
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	TelegramToken      string `json:"telegram_token,omitempty" yaml:"telegram_token,omitempty"`
	TelegramChat       string `json:"telegram_chat,omitempty" yaml:"telegram_chat,omitempty"`
	QueueSize          int    `json:"queue_size" yaml:"queue_size"`
	SummaryEveryCycles int    `json:"summary_every_cycles" yaml:"summary_every_cycles"`
}

// JournalConfig holds the trade-journal database settings.
type JournalConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// MonitoringConfig holds the metrics/health HTTP server settings.
type MonitoringConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
}

// Load reads a configuration file, applies defaults, pulls credentials
// from the environment and validates the result. A bare name resolves
// to configs/<name> with a .json or .yaml extension.
func Load(configFile string) (*Config, error) {
	path, err := resolvePath(configFile)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	config.setDefaults()
	config.applyEnv()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// resolvePath locates the config file, trying configs/ and the known
// extensions when the name is bare.
func resolvePath(configFile string) (string, error) {
	if configFile == "" {
		return "", fmt.Errorf("config file is required")
	}

	if !strings.ContainsAny(configFile, "/\\") {
		configFile = filepath.Join("configs", configFile)
	}

	if ext := filepath.Ext(configFile); ext == ".json" || ext == ".yaml" || ext == ".yml" {
		return configFile, nil
	}

	for _, ext := range []string{".json", ".yaml", ".yml"} {
		candidate := configFile + ext
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return configFile + ".json", nil
}

// setDefaults sets default values for missing configuration
func (c *Config) setDefaults() {
	if c.Bot.Timeframe == "" {
		c.Bot.Timeframe = "M15"
	}
	if c.Bot.CheckIntervalSec == 0 {
		c.Bot.CheckIntervalSec = 300
	}
	if c.Bot.CycleTimeoutSec == 0 {
		c.Bot.CycleTimeoutSec = 30
	}
	if c.Bot.Timezone == "" {
		c.Bot.Timezone = "Asia/Bangkok"
	}
	if c.Bot.StateFile == "" {
		c.Bot.StateFile = "data/engine_state.json"
	}

	if c.Risk.PerTradeRisk == 0 {
		c.Risk.PerTradeRisk = 0.01
	}
	if c.Risk.DailyLossCap == 0 {
		c.Risk.DailyLossCap = 0.03
	}
	if c.Risk.WeeklyLossCap == 0 {
		c.Risk.WeeklyLossCap = 0.05
	}
	if c.Risk.MaxOpenPositions == 0 {
		c.Risk.MaxOpenPositions = 5
	}
	if c.Risk.MaxPerCorrelationGroup == 0 {
		c.Risk.MaxPerCorrelationGroup = 2
	}
	if c.Risk.MinConfidence == 0 {
		c.Risk.MinConfidence = 60
	}
	if c.Risk.StrictMinConfidence == 0 {
		c.Risk.StrictMinConfidence = 75
	}
	if len(c.Risk.ConfidenceTiers) == 0 {
		c.Risk.ConfidenceTiers = []ConfidenceTier{
			{Min: 90, Multiplier: 1.0},
			{Min: 80, Multiplier: 0.75},
			{Min: 70, Multiplier: 0.5},
			{Min: 60, Multiplier: 0.25},
		}
	}
	if len(c.Risk.CorrelationGroups) == 0 {
		c.Risk.CorrelationGroups = map[string][]string{
			"USD_majors":  {"EURUSD", "GBPUSD", "AUDUSD", "NZDUSD", "USDCAD", "USDCHF", "USDJPY"},
			"EUR_crosses": {"EURUSD", "EURGBP", "EURJPY", "EURCHF"},
			"GOLD":        {"XAUUSD"},
			"OIL":         {"XTIUSD", "XBRUSD"},
			"INDICES":     {"US30", "US500", "USTEC", "DE40"},
		}
	}
	if len(c.Risk.AssetClassMultipliers) == 0 {
		c.Risk.AssetClassMultipliers = map[string]float64{
			"gold":    0.7,
			"indices": 0.8,
			"oil":     0.6,
			"crypto":  0.5,
			"forex":   1.0,
		}
	}
	if c.Risk.BreakevenTrigger == 0 {
		c.Risk.BreakevenTrigger = 0.5
	}
	if c.Risk.BreakevenBufferPoints == 0 {
		c.Risk.BreakevenBufferPoints = 2
	}
	if c.Risk.TrailingActivationR == 0 {
		c.Risk.TrailingActivationR = 1.5
	}
	if len(c.Risk.TPAllocations) == 0 {
		c.Risk.TPAllocations = []float64{0.5, 0.3, 0.2}
	}
	if c.Risk.ModifyRetryCycles == 0 {
		c.Risk.ModifyRetryCycles = 3
	}
	if c.Risk.MaxSpreadPoints == 0 {
		c.Risk.MaxSpreadPoints = 3.0
	}

	if c.Broker.Name == "" {
		c.Broker.Name = "mt5"
	}
	if c.Broker.MT5 != nil {
		if c.Broker.MT5.Magic == 0 {
			c.Broker.MT5.Magic = 234000
		}
		if c.Broker.MT5.DeviationPoints == 0 {
			c.Broker.MT5.DeviationPoints = 20
		}
	}

	if c.AI.Model == "" {
		c.AI.Model = "gemini-1.5-flash"
	}
	if c.AI.Temperature == 0 {
		c.AI.Temperature = 0.2
	}
	if c.AI.CandleCount == 0 {
		c.AI.CandleCount = 50
	}
	if c.AI.TimeoutSec == 0 {
		c.AI.TimeoutSec = 25
	}

	if c.News.FeedURL == "" {
		c.News.FeedURL = "https://nfs.faireconomy.media/ff_calendar_thisweek.json"
	}
	if c.News.WindowMinutes == 0 {
		c.News.WindowMinutes = 30
	}
	if c.News.CacheTTLMin == 0 {
		c.News.CacheTTLMin = 60
	}

	if len(c.Sessions.Windows) == 0 {
		c.Sessions.Windows = []SessionWindow{
			{Name: "ASIAN", StartHour: 7, EndHour: 16},
			{Name: "EUROPEAN", StartHour: 14, EndHour: 23},
			{Name: "US", StartHour: 20, EndHour: 5},
		}
	}

	if c.Notifications != nil {
		if c.Notifications.QueueSize == 0 {
			c.Notifications.QueueSize = 64
		}
	}

	if c.Journal.Path == "" {
		c.Journal.Path = "data/journal.db"
	}

	if c.Monitoring.ListenAddr == "" {
		c.Monitoring.ListenAddr = ":9090"
	}
}

// applyEnv pulls credentials from the environment. File-provided values
// are kept only where no environment variable is set.
func (c *Config) applyEnv() {
	if c.Broker.MT5 != nil {
		if v := os.Getenv("MT5_GATEWAY_TOKEN"); v != "" {
			c.Broker.MT5.GatewayToken = v
		}
	}
	if c.Broker.Bybit != nil {
		if v := os.Getenv("BYBIT_API_KEY"); v != "" {
			c.Broker.Bybit.APIKey = v
		}
		if v := os.Getenv("BYBIT_API_SECRET"); v != "" {
			c.Broker.Bybit.APISecret = v
		}
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.AI.APIKey = v
	}
	if c.Notifications != nil {
		if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
			c.Notifications.TelegramToken = v
		}
		if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
			c.Notifications.TelegramChat = v
		}
	}
}

// validate validates the configuration
func (c *Config) validate() error {
	if len(c.Bot.Symbols) == 0 {
		return fmt.Errorf("at least one trading symbol is required")
	}
	if _, err := time.LoadLocation(c.Bot.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Bot.Timezone, err)
	}
	if c.Bot.CheckIntervalSec < 5 {
		return fmt.Errorf("check interval must be at least 5 seconds")
	}

	if c.Risk.PerTradeRisk <= 0 || c.Risk.PerTradeRisk >= 1 {
		return fmt.Errorf("per-trade risk must be between 0 and 1")
	}
	if c.Risk.DailyLossCap <= 0 || c.Risk.DailyLossCap >= 1 {
		return fmt.Errorf("daily loss cap must be between 0 and 1")
	}
	if c.Risk.WeeklyLossCap < c.Risk.DailyLossCap {
		return fmt.Errorf("weekly loss cap must not be below the daily cap")
	}
	if c.Risk.MaxOpenPositions < 1 {
		return fmt.Errorf("max open positions must be at least 1")
	}
	if c.Risk.MaxPerCorrelationGroup < 1 {
		return fmt.Errorf("max positions per correlation group must be at least 1")
	}
	for _, tier := range c.Risk.ConfidenceTiers {
		if tier.Min < 0 || tier.Min > 100 {
			return fmt.Errorf("confidence tier bound %d outside 0-100", tier.Min)
		}
		if tier.Multiplier <= 0 || tier.Multiplier > 1 {
			return fmt.Errorf("confidence tier multiplier %.2f outside (0,1]", tier.Multiplier)
		}
	}
	var allocSum float64
	for _, a := range c.Risk.TPAllocations {
		if a <= 0 {
			return fmt.Errorf("take-profit allocations must be positive")
		}
		allocSum += a
	}
	if allocSum < 0.999 || allocSum > 1.001 {
		return fmt.Errorf("take-profit allocations must sum to 1.0, got %.3f", allocSum)
	}
	if c.Risk.BreakevenTrigger <= 0 || c.Risk.BreakevenTrigger > 1 {
		return fmt.Errorf("breakeven trigger must be in (0,1]")
	}
	if c.Risk.TrailingActivationR <= 0 {
		return fmt.Errorf("trailing activation must be a positive R-multiple")
	}

	switch c.Broker.Name {
	case "mt5":
		if c.Broker.MT5 == nil || c.Broker.MT5.GatewayURL == "" {
			return fmt.Errorf("mt5 broker requires a gateway_url")
		}
	case "bybit":
		if c.Broker.Bybit == nil {
			return fmt.Errorf("bybit broker requires a bybit section")
		}
	case "paper":
	default:
		return fmt.Errorf("unknown broker %q", c.Broker.Name)
	}

	for _, w := range c.Sessions.Windows {
		if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 23 {
			return fmt.Errorf("session %s hours must be within 0-23", w.Name)
		}
	}

	if c.Notifications != nil && c.Notifications.Enabled {
		if c.Notifications.TelegramToken == "" || c.Notifications.TelegramChat == "" {
			return fmt.Errorf("notifications enabled but telegram credentials are missing")
		}
	}

	return nil
}

// Location returns the configured timezone. Validation guarantees it
// parses; the fallback is only reachable on an unvalidated Config.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Bot.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
