package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server         ServerConfig         `json:"server"`
	Database       DatabaseConfig       `json:"database"`
	Redis          RedisConfig          `json:"redis"`
	Vault          VaultConfig          `json:"vault"`
	Exchange       ExchangeConfig       `json:"exchange"`
	Strategy       StrategyConfig       `json:"strategy"`
	Risk           RiskConfig           `json:"risk"`
	Recommendation RecommendationConfig `json:"recommendation"`
	Realtime       RealtimeConfig       `json:"realtime"`
	Testing        TestingConfig        `json:"testing"`
	Logging        LoggingConfig        `json:"logging"`
	Commission     float64              `json:"commission"`
	Slippage       float64              `json:"slippage"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	ProductionMode  bool   `json:"productionMode"`
	AllowedOrigins  string `json:"allowedOrigins"`
	RateLimitPerMin int    `json:"rateLimitPerMin"`
	ShutdownTimeout int    `json:"shutdownTimeoutSec"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
	Disabled bool   `json:"disabled"`
}

// RedisConfig holds Redis configuration for the optional L2 market-data cache
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"poolSize"`
}

// VaultConfig holds HashiCorp Vault configuration for exchange credentials
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mountPath"`
	SecretPath string `json:"secretPath"`
	TLSEnabled bool   `json:"tlsEnabled"`
	CACert     string `json:"caCert"`
}

// ExchangeConfig holds upstream OKX client configuration.
// Public market-data endpoints work without credentials; when credentials
// are present they are attached as OK-ACCESS-* headers.
type ExchangeConfig struct {
	BaseURL          string `json:"baseURL"`
	TimeoutMs        int64  `json:"timeoutMs"`
	MaxRetries       int    `json:"maxRetries"`
	CircuitCooldown  int64  `json:"circuitCooldownMs"`
	StaleWindowMs    int64  `json:"staleWindowMs"`
	CacheMaxBytes    int64  `json:"cacheMaxBytes"`
	APIKey           string `json:"apiKey"`
	SecretKey        string `json:"secretKey"`
	Passphrase       string `json:"passphrase"`
}

func (e ExchangeConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutMs) * time.Millisecond
}

func (e ExchangeConfig) StaleWindow() time.Duration {
	return time.Duration(e.StaleWindowMs) * time.Millisecond
}

// DirectionMillis holds a per-direction millisecond value keyed LONG/SHORT.
type DirectionMillis struct {
	Long  int64 `json:"LONG"`
	Short int64 `json:"SHORT"`
}

// DirectionFloat holds a per-direction threshold keyed LONG/SHORT.
type DirectionFloat struct {
	Long  float64 `json:"LONG"`
	Short float64 `json:"SHORT"`
}

type CooldownConfig struct {
	SameDir  DirectionMillis `json:"sameDir"`
	Opposite DirectionMillis `json:"opposite"`
}

type EntryFiltersConfig struct {
	MinCombinedStrengthLong  float64 `json:"minCombinedStrengthLong"`
	MinCombinedStrengthShort float64 `json:"minCombinedStrengthShort"`
	RequireMTFAlignment      bool    `json:"requireMTFAlignment"`
	MTFInterval              string  `json:"mtfInterval"`
}

type MarketRegimeConfig struct {
	AvoidExtremeSentiment bool    `json:"avoidExtremeSentiment"`
	ExtremeSentimentLow   int     `json:"extremeSentimentLow"`
	ExtremeSentimentHigh  int     `json:"extremeSentimentHigh"`
	AvoidHighFunding      bool    `json:"avoidHighFunding"`
	HighFundingAbs        float64 `json:"highFundingAbs"`
}

// StrategyConfig holds analysis cadence and admission parameters
type StrategyConfig struct {
	Symbol                  string             `json:"symbol"`
	Interval                string             `json:"interval"`
	AnalysisIntervalMs      int64              `json:"analysisIntervalMs"`
	SignalThreshold         float64            `json:"signalThreshold"`
	SignalCooldownMs        int64              `json:"signalCooldownMs"`
	OppositeCooldownMs      int64              `json:"oppositeCooldownMs"`
	GlobalMinIntervalMs     int64              `json:"globalMinIntervalMs"`
	MaxManualTriggersPerMin int                `json:"maxManualTriggersPerMin"`
	DuplicateWindowMinutes  int                `json:"duplicateWindowMinutes"`
	DuplicatePriceBps       float64            `json:"duplicatePriceBps"`
	KronosGateEnabled       bool               `json:"kronosGateEnabled"`
	EVThreshold             EVThreshold        `json:"evThreshold"`
	OppositeMinConfidence   float64            `json:"oppositeMinConfidence"`
	OppositeMinConfidenceBy DirectionFloat     `json:"oppositeMinConfidenceByDirection"`
	Cooldown                CooldownConfig     `json:"cooldown"`
	EntryFilters            EntryFiltersConfig `json:"entryFilters"`
	MarketRegime            MarketRegimeConfig `json:"marketRegime"`
}

func (s StrategyConfig) AnalysisInterval() time.Duration {
	return time.Duration(s.AnalysisIntervalMs) * time.Millisecond
}

// SameDirCooldown resolves the per-direction same-direction cooldown,
// falling back to signalCooldownMs when no override is set.
func (s StrategyConfig) SameDirCooldown(direction string) time.Duration {
	ms := s.SignalCooldownMs
	switch direction {
	case "LONG":
		if s.Cooldown.SameDir.Long > 0 {
			ms = s.Cooldown.SameDir.Long
		}
	case "SHORT":
		if s.Cooldown.SameDir.Short > 0 {
			ms = s.Cooldown.SameDir.Short
		}
	}
	return time.Duration(ms) * time.Millisecond
}

// OppositeCooldown resolves the per-direction opposite-direction cooldown.
// The direction argument is the direction of the NEW signal.
func (s StrategyConfig) OppositeCooldown(direction string) time.Duration {
	ms := s.OppositeCooldownMs
	switch direction {
	case "LONG":
		if s.Cooldown.Opposite.Long > 0 {
			ms = s.Cooldown.Opposite.Long
		}
	case "SHORT":
		if s.Cooldown.Opposite.Short > 0 {
			ms = s.Cooldown.Opposite.Short
		}
	}
	return time.Duration(ms) * time.Millisecond
}

// OppositeMinConfidenceFor returns the confidence needed to override the
// opposite-direction cooldown for a signal in the given direction.
func (s StrategyConfig) OppositeMinConfidenceFor(direction string) float64 {
	switch direction {
	case "LONG":
		if s.OppositeMinConfidenceBy.Long > 0 {
			return s.OppositeMinConfidenceBy.Long
		}
	case "SHORT":
		if s.OppositeMinConfidenceBy.Short > 0 {
			return s.OppositeMinConfidenceBy.Short
		}
	}
	return s.OppositeMinConfidence
}

type RiskConfig struct {
	MaxPositionSize         float64 `json:"maxPositionSize"`
	StopLossPercent         float64 `json:"stopLossPercent"`
	MaxSameDirectionActives int     `json:"maxSameDirectionActives"`
	MaxNetLong              int     `json:"maxNetLong"`
	MaxNetShort             int     `json:"maxNetShort"`
	MaxOrdersPerHour        int     `json:"maxOrdersPerHour"`
}

type FlexBand struct {
	MinProfitPct float64 `json:"minProfitPct"`
	TrailPercent float64 `json:"trailPercent"`
}

type FlexConfig struct {
	Enabled bool       `json:"enabled"`
	Bands   []FlexBand `json:"bands"`
}

type TrailingConfig struct {
	Enabled             bool       `json:"enabled"`
	Percent             float64    `json:"percent"`
	ActivateOnBreakeven bool       `json:"activateOnBreakeven"`
	ActivateProfitPct   float64    `json:"activateProfitPct"`
	Flex                FlexConfig `json:"flex"`
}

type RecommendationConfig struct {
	MaxHoldingHours          float64        `json:"maxHoldingHours"`
	ConcurrencyCountAgeHours float64        `json:"concurrencyCountAgeHours"`
	EvalIntervalMs           int64          `json:"evalIntervalMs"`
	BreakevenEpsilonPct      float64        `json:"breakevenEpsilonPct"`
	PruneAfterDays           int            `json:"pruneAfterDays"`
	PruneSchedule            string         `json:"pruneSchedule"`
	Trailing                 TrailingConfig `json:"trailing"`
}

func (r RecommendationConfig) EvalInterval() time.Duration {
	return time.Duration(r.EvalIntervalMs) * time.Millisecond
}

func (r RecommendationConfig) MaxHolding() time.Duration {
	return time.Duration(r.MaxHoldingHours * float64(time.Hour))
}

type RealtimeConfig struct {
	DedupeEnabled         bool   `json:"dedupeEnabled"`
	DedupeWindowMs        int64  `json:"dedupeWindowMs"`
	JitterEnabled         bool   `json:"jitterEnabled"`
	JitterMaxMs           int64  `json:"jitterMaxMs"`
	SnapshotEnabled       bool   `json:"snapshotEnabled"`
	SnapshotDir           string `json:"snapshotDir"`
	SnapshotRetentionDays int    `json:"snapshotRetentionDays"`
}

type TestingConfig struct {
	AllowPriceOverride          bool  `json:"allowPriceOverride"`
	AllowFGIOverride            bool  `json:"allowFGIOverride"`
	AllowFundingOverride        bool  `json:"allowFundingOverride"`
	PriceOverrideDefaultTtlMs   int64 `json:"priceOverrideDefaultTtlMs"`
	FGIOverrideDefaultTtlMs     int64 `json:"fgiOverrideDefaultTtlMs"`
	FundingOverrideDefaultTtlMs int64 `json:"fundingOverrideDefaultTtlMs"`
}

type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // console or json
}

// EVThreshold accepts either a bare number or an object keyed by market
// regime ({"default": 0.1, "volatile": 0.25, ...}). The object form takes
// precedence when present.
type EVThreshold struct {
	Base     float64
	ByRegime map[string]float64
}

func (t *EVThreshold) UnmarshalJSON(data []byte) error {
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		t.Base = num
		t.ByRegime = nil
		return nil
	}
	var obj map[string]float64
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("evThreshold must be a number or an object of numbers: %w", err)
	}
	t.ByRegime = obj
	t.Base = obj["default"]
	return nil
}

func (t EVThreshold) MarshalJSON() ([]byte, error) {
	if t.ByRegime != nil {
		return json.Marshal(t.ByRegime)
	}
	return json.Marshal(t.Base)
}

// Resolve returns the threshold for a regime, falling back regime ->
// "default" -> base value.
func (t EVThreshold) Resolve(regime string) float64 {
	if t.ByRegime != nil {
		if v, ok := t.ByRegime[regime]; ok {
			return v
		}
		if v, ok := t.ByRegime["default"]; ok {
			return v
		}
	}
	return t.Base
}

// DefaultConfig returns the configuration used when no file or environment
// override supplies a value.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			AllowedOrigins:  "*",
			RateLimitPerMin: 120,
			ShutdownTimeout: 30,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			User:    "postgres",
			DBName:  "trading_advisor",
			SSLMode: "disable",
		},
		Redis: RedisConfig{
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		Vault: VaultConfig{
			Address:    "http://localhost:8200",
			MountPath:  "secret",
			SecretPath: "trading-advisor/exchange",
		},
		Exchange: ExchangeConfig{
			BaseURL:         "https://www.okx.com",
			TimeoutMs:       12000,
			MaxRetries:      3,
			CircuitCooldown: 30000,
			StaleWindowMs:   300000,
			CacheMaxBytes:   8 << 20,
		},
		Strategy: StrategyConfig{
			Symbol:                  "ETH-USDT-SWAP",
			Interval:                "15m",
			AnalysisIntervalMs:      60000,
			SignalThreshold:         60,
			SignalCooldownMs:        30000,
			OppositeCooldownMs:      60000,
			GlobalMinIntervalMs:     5000,
			MaxManualTriggersPerMin: 6,
			DuplicateWindowMinutes:  30,
			DuplicatePriceBps:       20,
			KronosGateEnabled:       true,
			OppositeMinConfidence:   0.75,
			EntryFilters: EntryFiltersConfig{
				MinCombinedStrengthLong:  55,
				MinCombinedStrengthShort: 55,
				MTFInterval:              "1h",
			},
			MarketRegime: MarketRegimeConfig{
				AvoidExtremeSentiment: true,
				ExtremeSentimentLow:   10,
				ExtremeSentimentHigh:  90,
				AvoidHighFunding:      true,
				HighFundingAbs:        0.0015,
			},
		},
		Risk: RiskConfig{
			MaxPositionSize:         1000,
			StopLossPercent:         1.0,
			MaxSameDirectionActives: 3,
			MaxNetLong:              5,
			MaxNetShort:             5,
			MaxOrdersPerHour:        12,
		},
		Recommendation: RecommendationConfig{
			MaxHoldingHours:          24,
			ConcurrencyCountAgeHours: 24,
			EvalIntervalMs:           5000,
			BreakevenEpsilonPct:      0.01,
			PruneAfterDays:           30,
			PruneSchedule:            "0 * * * *",
			Trailing: TrailingConfig{
				Enabled:           true,
				Percent:           1.5,
				ActivateProfitPct: 1.0,
			},
		},
		Realtime: RealtimeConfig{
			DedupeEnabled:         true,
			DedupeWindowMs:        2000,
			JitterMaxMs:           150,
			SnapshotDir:           "./snapshots",
			SnapshotRetentionDays: 14,
		},
		Testing: TestingConfig{
			PriceOverrideDefaultTtlMs:   60000,
			FGIOverrideDefaultTtlMs:     60000,
			FundingOverrideDefaultTtlMs: 60000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Commission: 0.0005,
		Slippage:   0.0002,
	}
}

// Load reads config.json if present, then applies environment overrides.
// Returns the config together with any normalization warnings.
func Load(path string) (*Config, []string, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = getEnvOrDefault("CONFIG_FILE", "config.json")
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, nil, fmt.Errorf("error parsing config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	warnings := cfg.Normalize()
	return cfg, warnings, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Server.Host = getEnvOrDefault("WEB_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvIntOrDefault("WEB_PORT", cfg.Server.Port)
	cfg.Server.ProductionMode = getEnvBoolOrDefault("PRODUCTION_MODE", cfg.Server.ProductionMode)
	cfg.Server.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.Server.AllowedOrigins)

	cfg.Database.Host = getEnvOrDefault("DATABASE_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvIntOrDefault("DATABASE_PORT", cfg.Database.Port)
	cfg.Database.User = getEnvOrDefault("DATABASE_USER", cfg.Database.User)
	cfg.Database.Password = getEnvOrDefault("DATABASE_PASSWORD", cfg.Database.Password)
	cfg.Database.DBName = getEnvOrDefault("DATABASE_NAME", cfg.Database.DBName)
	cfg.Database.SSLMode = getEnvOrDefault("DATABASE_SSLMODE", cfg.Database.SSLMode)
	cfg.Database.Disabled = getEnvBoolOrDefault("DATABASE_DISABLED", cfg.Database.Disabled)

	cfg.Redis.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.Redis.Address)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvIntOrDefault("REDIS_DB", cfg.Redis.DB)

	cfg.Vault.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.Vault.Enabled)
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", cfg.Vault.Address)
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)
	cfg.Vault.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.Vault.MountPath)
	cfg.Vault.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.Vault.SecretPath)

	cfg.Exchange.BaseURL = getEnvOrDefault("OKX_BASE_URL", cfg.Exchange.BaseURL)
	cfg.Exchange.APIKey = getEnvOrDefault("OKX_API_KEY", cfg.Exchange.APIKey)
	cfg.Exchange.SecretKey = getEnvOrDefault("OKX_SECRET_KEY", cfg.Exchange.SecretKey)
	cfg.Exchange.Passphrase = getEnvOrDefault("OKX_PASSPHRASE", cfg.Exchange.Passphrase)

	cfg.Strategy.Symbol = getEnvOrDefault("STRATEGY_SYMBOL", cfg.Strategy.Symbol)
	cfg.Strategy.Interval = getEnvOrDefault("STRATEGY_INTERVAL", cfg.Strategy.Interval)

	cfg.Realtime.SnapshotEnabled = getEnvBoolOrDefault("SNAPSHOT_ENABLED", cfg.Realtime.SnapshotEnabled)
	cfg.Realtime.SnapshotDir = getEnvOrDefault("SNAPSHOT_DIR", cfg.Realtime.SnapshotDir)

	cfg.Testing.AllowPriceOverride = getEnvBoolOrDefault("ALLOW_PRICE_OVERRIDE", cfg.Testing.AllowPriceOverride)
	cfg.Testing.AllowFGIOverride = getEnvBoolOrDefault("ALLOW_FGI_OVERRIDE", cfg.Testing.AllowFGIOverride)
	cfg.Testing.AllowFundingOverride = getEnvBoolOrDefault("ALLOW_FUNDING_OVERRIDE", cfg.Testing.AllowFundingOverride)

	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnvOrDefault("LOG_FORMAT", cfg.Logging.Format)
}

// Normalize clamps out-of-range values and returns a warning per coercion.
// Fractions >= 1 for commission/slippage are interpreted as percent.
func (c *Config) Normalize() []string {
	var warnings []string

	if c.Commission >= 1 {
		c.Commission = c.Commission / 100
		warnings = append(warnings, fmt.Sprintf("commission >= 1 interpreted as percent, normalized to %g", c.Commission))
	}
	if c.Commission < 0 || math.IsNaN(c.Commission) {
		c.Commission = 0
		warnings = append(warnings, "commission must be a fraction in [0,1), reset to 0")
	}
	if c.Slippage >= 1 {
		c.Slippage = c.Slippage / 100
		warnings = append(warnings, fmt.Sprintf("slippage >= 1 interpreted as percent, normalized to %g", c.Slippage))
	}
	if c.Slippage < 0 || math.IsNaN(c.Slippage) {
		c.Slippage = 0
		warnings = append(warnings, "slippage must be a fraction in [0,1), reset to 0")
	}

	if c.Strategy.OppositeMinConfidence < 0 || c.Strategy.OppositeMinConfidence > 1 {
		c.Strategy.OppositeMinConfidence = clamp01(c.Strategy.OppositeMinConfidence)
		warnings = append(warnings, fmt.Sprintf("strategy.oppositeMinConfidence clamped to %g", c.Strategy.OppositeMinConfidence))
	}
	if c.Strategy.SignalCooldownMs < 0 {
		c.Strategy.SignalCooldownMs = 0
		warnings = append(warnings, "strategy.signalCooldownMs must be >= 0, reset to 0")
	}
	if c.Strategy.GlobalMinIntervalMs < 0 {
		c.Strategy.GlobalMinIntervalMs = 0
		warnings = append(warnings, "strategy.globalMinIntervalMs must be >= 0, reset to 0")
	}
	if c.Strategy.MaxManualTriggersPerMin <= 0 {
		c.Strategy.MaxManualTriggersPerMin = 1
		warnings = append(warnings, "strategy.maxManualTriggersPerMin must be >= 1, reset to 1")
	}
	if c.Strategy.DuplicatePriceBps < 0 {
		c.Strategy.DuplicatePriceBps = 0
		warnings = append(warnings, "strategy.duplicatePriceBps must be >= 0, reset to 0")
	}
	if c.Strategy.AnalysisIntervalMs < 1000 {
		c.Strategy.AnalysisIntervalMs = 1000
		warnings = append(warnings, "strategy.analysisIntervalMs below 1000, raised to 1000")
	}

	if c.Recommendation.MaxHoldingHours <= 0 {
		c.Recommendation.MaxHoldingHours = 24
		warnings = append(warnings, "recommendation.maxHoldingHours must be > 0, reset to 24")
	}
	if c.Recommendation.EvalIntervalMs < 100 {
		c.Recommendation.EvalIntervalMs = 100
		warnings = append(warnings, "recommendation.evalIntervalMs below 100, raised to 100")
	}
	if c.Recommendation.BreakevenEpsilonPct < 0 {
		c.Recommendation.BreakevenEpsilonPct = 0.01
		warnings = append(warnings, "recommendation.breakevenEpsilonPct must be >= 0, reset to 0.01")
	}
	if c.Recommendation.Trailing.Percent <= 0 {
		c.Recommendation.Trailing.Percent = 1.5
		warnings = append(warnings, "recommendation.trailing.percent must be > 0, reset to 1.5")
	}

	if c.Realtime.DedupeWindowMs < 0 {
		c.Realtime.DedupeWindowMs = 0
		warnings = append(warnings, "realtime.dedupeWindowMs must be >= 0, reset to 0")
	}
	if c.Realtime.JitterMaxMs < 0 {
		c.Realtime.JitterMaxMs = 0
		warnings = append(warnings, "realtime.jitterMaxMs must be >= 0, reset to 0")
	}

	if c.Risk.MaxSameDirectionActives <= 0 {
		c.Risk.MaxSameDirectionActives = 1
		warnings = append(warnings, "risk.maxSameDirectionActives must be >= 1, reset to 1")
	}
	if c.Risk.StopLossPercent <= 0 {
		c.Risk.StopLossPercent = 1.0
		warnings = append(warnings, "risk.stopLossPercent must be > 0, reset to 1.0")
	}

	return warnings
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

// GenerateSampleConfig creates a sample configuration file with defaults.
func GenerateSampleConfig(filename string) error {
	data, err := json.MarshalIndent(DefaultConfig(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
