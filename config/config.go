package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	BinanceConfig      BinanceConfig      `json:"binance"`
	FuturesConfig      FuturesConfig      `json:"futures"`
	GuardConfig        GuardConfig        `json:"guard"`
	OrchestratorConfig OrchestratorConfig `json:"orchestrator"`
	CloseAllConfig     CloseAllConfig     `json:"close_all"`
	SessionConfig      SessionConfig      `json:"session"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	ServerConfig       ServerConfig       `json:"server"`
	AuthConfig         AuthConfig         `json:"auth"`
	VaultConfig        VaultConfig        `json:"vault"`
	RedisConfig        RedisConfig        `json:"redis"`
	DatabaseConfig     DatabaseConfig     `json:"database"`

	// Jobs lists the loop jobs to start when the process boots with
	// AUTOSTART enabled. The API can start additional jobs at runtime.
	Jobs []JobConfig `json:"jobs"`

	Autostart bool `json:"autostart"`
}

// BinanceConfig holds Binance API connection configuration
type BinanceConfig struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	TestNet   bool   `json:"testnet"`
	MockMode  bool   `json:"mock_mode"` // Use simulated clients instead of the live API
}

// FuturesConfig holds Binance Futures account configuration
type FuturesConfig struct {
	AccountType       string `json:"account_type"`        // FUTURES or SPOT
	DefaultLeverage   int    `json:"default_leverage"`
	DefaultMarginType string `json:"default_margin_type"` // CROSSED or ISOLATED
	MaxLeverage       int    `json:"max_leverage"`
}

// GuardConfig holds position guard configuration
type GuardConfig struct {
	StaleTTL         time.Duration `json:"stale_ttl"`          // Ownership claims expire after this without a refresh
	PendingTTL       time.Duration `json:"pending_ttl"`        // In-flight open attempts are coalesced for this long
	StrictSymbolSide bool          `json:"strict_symbol_side"` // Block any second owner on the same symbol+side
	AllowOpposite    bool          `json:"allow_opposite"`     // Permit long and short legs together (hedge stacking)
}

// OrchestratorConfig holds loop orchestrator configuration
type OrchestratorConfig struct {
	StartStagger time.Duration `json:"start_stagger"` // Delay between job spawns to avoid bursting the API
	StopTimeout  time.Duration `json:"stop_timeout"`  // Per-job join timeout during Stop
	LoopInterval time.Duration `json:"loop_interval"` // Default poll cadence when a job has no override
}

// CloseAllConfig holds close-all procedure configuration
type CloseAllConfig struct {
	MaxPasses int  `json:"max_passes"` // Re-snapshot/retry passes for positions changing mid-procedure
	OnExit    bool `json:"on_exit"`    // Flatten the account when the process shuts down
}

// SessionConfig holds session recovery marker configuration
type SessionConfig struct {
	MarkerPath string `json:"marker_path"` // Path of the persisted session document
}

// JobConfig describes one loop job as configured
type JobConfig struct {
	Symbol       string         `json:"symbol"`
	Interval     string         `json:"interval"`
	Indicators   []string       `json:"indicators"`
	Side         string         `json:"side"` // BUY, SELL, or BOTH
	Leverage     int            `json:"leverage"`
	StopLoss     StopLossConfig `json:"stop_loss"`
	LoopInterval time.Duration  `json:"loop_interval"` // Optional per-job cadence override
}

// StopLossConfig holds stop-loss policy configuration for a job
type StopLossConfig struct {
	Enabled bool    `json:"enabled"`
	Mode    string  `json:"mode"`  // usdt, percent, or both
	Scope   string  `json:"scope"` // per_trade, cumulative, or entire_account
	USDT    float64 `json:"usdt"`
	Percent float64 `json:"percent"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

// ServerConfig holds HTTP API server configuration
type ServerConfig struct {
	Enabled         bool   `json:"enabled"`
	Port            int    `json:"port"`
	Host            string `json:"host"`
	ProductionMode  bool   `json:"production_mode"`
	AllowedOrigins  string `json:"allowed_origins"`
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

// AuthConfig holds API authentication configuration
type AuthConfig struct {
	Enabled             bool          `json:"enabled"`
	JWTSecret           string        `json:"jwt_secret"`
	AccessTokenDuration time.Duration `json:"access_token_duration"`
	Username            string        `json:"username"`
	PasswordHash        string        `json:"password_hash"` // bcrypt hash of the operator password
}

// VaultConfig holds HashiCorp Vault configuration for API key storage
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// RedisConfig holds Redis configuration for the session state mirror
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// DatabaseConfig holds PostgreSQL configuration for event persistence
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

func Load() (*Config, error) {
	// First try to load base config from file
	cfg, err := loadFromFile("config.json")
	if err != nil {
		// If no config file, start with empty config
		cfg = &Config{}
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Binance config
	cfg.BinanceConfig.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.BinanceConfig.APIKey)
	cfg.BinanceConfig.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.BinanceConfig.SecretKey)
	cfg.BinanceConfig.TestNet = getEnvOrDefault("BINANCE_TESTNET", boolString(cfg.BinanceConfig.TestNet)) == "true"
	cfg.BinanceConfig.MockMode = getEnvOrDefault("MOCK_MODE", boolString(cfg.BinanceConfig.MockMode)) == "true"

	// Futures config
	cfg.FuturesConfig.AccountType = getEnvOrDefault("ACCOUNT_TYPE", cfg.FuturesConfig.AccountType)
	cfg.FuturesConfig.DefaultLeverage = getEnvIntOrDefault("FUTURES_DEFAULT_LEVERAGE", cfg.FuturesConfig.DefaultLeverage)
	cfg.FuturesConfig.DefaultMarginType = getEnvOrDefault("FUTURES_DEFAULT_MARGIN_TYPE", cfg.FuturesConfig.DefaultMarginType)
	cfg.FuturesConfig.MaxLeverage = getEnvIntOrDefault("FUTURES_MAX_LEVERAGE", cfg.FuturesConfig.MaxLeverage)

	// Guard config
	cfg.GuardConfig.StaleTTL = getEnvDurationOrDefault("GUARD_STALE_TTL", cfg.GuardConfig.StaleTTL)
	cfg.GuardConfig.PendingTTL = getEnvDurationOrDefault("GUARD_PENDING_TTL", cfg.GuardConfig.PendingTTL)
	cfg.GuardConfig.StrictSymbolSide = getEnvOrDefault("GUARD_STRICT_SYMBOL_SIDE", boolString(cfg.GuardConfig.StrictSymbolSide)) == "true"
	cfg.GuardConfig.AllowOpposite = getEnvOrDefault("GUARD_ALLOW_OPPOSITE", boolString(cfg.GuardConfig.AllowOpposite)) == "true"

	// Orchestrator config
	cfg.OrchestratorConfig.StartStagger = getEnvDurationOrDefault("ORCH_START_STAGGER", cfg.OrchestratorConfig.StartStagger)
	cfg.OrchestratorConfig.StopTimeout = getEnvDurationOrDefault("ORCH_STOP_TIMEOUT", cfg.OrchestratorConfig.StopTimeout)
	cfg.OrchestratorConfig.LoopInterval = getEnvDurationOrDefault("ORCH_LOOP_INTERVAL", cfg.OrchestratorConfig.LoopInterval)

	// Close-all config
	cfg.CloseAllConfig.MaxPasses = getEnvIntOrDefault("CLOSE_ALL_MAX_PASSES", cfg.CloseAllConfig.MaxPasses)
	cfg.CloseAllConfig.OnExit = getEnvOrDefault("CLOSE_ALL_ON_EXIT", boolString(cfg.CloseAllConfig.OnExit)) == "true"

	// Session config
	cfg.SessionConfig.MarkerPath = getEnvOrDefault("SESSION_MARKER_PATH", cfg.SessionConfig.MarkerPath)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "INFO")
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", "stdout")
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"
	cfg.LoggingConfig.IncludeFile = getEnvOrDefault("LOG_INCLUDE_FILE", "false") == "true"

	// Server config
	cfg.ServerConfig.Enabled = getEnvOrDefault("WEB_ENABLED", "true") == "true"
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", 8088)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", "0.0.0.0")
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", "*")
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10)

	// Auth config - ALWAYS apply from environment
	cfg.AuthConfig.Enabled = getEnvOrDefault("AUTH_ENABLED", "false") == "true"
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", 15*time.Minute)
	cfg.AuthConfig.Username = getEnvOrDefault("AUTH_USERNAME", cfg.AuthConfig.Username)
	cfg.AuthConfig.PasswordHash = getEnvOrDefault("AUTH_PASSWORD_HASH", cfg.AuthConfig.PasswordHash)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", "false") == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", "http://localhost:8200")
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "loop-runner/api-keys")
	cfg.VaultConfig.TLSEnabled = getEnvOrDefault("VAULT_TLS_ENABLED", "false") == "true"

	// Redis config
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", boolString(cfg.RedisConfig.Enabled)) == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", cfg.RedisConfig.PoolSize)

	// Database config
	cfg.DatabaseConfig.Enabled = getEnvOrDefault("DB_ENABLED", boolString(cfg.DatabaseConfig.Enabled)) == "true"
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", "localhost")
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", 5432)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", "loop_runner")
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", "loop_runner")
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", "disable")

	cfg.Autostart = getEnvOrDefault("AUTOSTART", boolString(cfg.Autostart)) == "true"
}

// applyDefaults fills zero values that have operational defaults.
// The guard TTL, start stagger, stop timeout, and pass count come from field
// experience with Binance fill latency and are deliberately configurable.
func applyDefaults(cfg *Config) {
	if cfg.FuturesConfig.AccountType == "" {
		cfg.FuturesConfig.AccountType = "FUTURES"
	}
	if cfg.FuturesConfig.DefaultLeverage == 0 {
		cfg.FuturesConfig.DefaultLeverage = 5
	}
	if cfg.FuturesConfig.DefaultMarginType == "" {
		cfg.FuturesConfig.DefaultMarginType = "ISOLATED"
	}
	if cfg.FuturesConfig.MaxLeverage == 0 {
		cfg.FuturesConfig.MaxLeverage = 125
	}
	if cfg.GuardConfig.StaleTTL == 0 {
		cfg.GuardConfig.StaleTTL = 180 * time.Second
	}
	if cfg.GuardConfig.PendingTTL == 0 {
		cfg.GuardConfig.PendingTTL = 45 * time.Second
	}
	if cfg.OrchestratorConfig.StartStagger == 0 {
		cfg.OrchestratorConfig.StartStagger = 80 * time.Millisecond
	}
	if cfg.OrchestratorConfig.StopTimeout == 0 {
		cfg.OrchestratorConfig.StopTimeout = 2 * time.Second
	}
	if cfg.OrchestratorConfig.LoopInterval == 0 {
		cfg.OrchestratorConfig.LoopInterval = 5 * time.Second
	}
	if cfg.CloseAllConfig.MaxPasses == 0 {
		cfg.CloseAllConfig.MaxPasses = 3
	}
	if cfg.SessionConfig.MarkerPath == "" {
		cfg.SessionConfig.MarkerPath = "session_state.json"
	}
	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	if cfg.RedisConfig.PoolSize == 0 {
		cfg.RedisConfig.PoolSize = 10
	}
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
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

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	config := Config{
		BinanceConfig: BinanceConfig{
			APIKey:    "your_api_key_here",
			SecretKey: "your_secret_key_here",
			TestNet:   true,
		},
		FuturesConfig: FuturesConfig{
			AccountType:       "FUTURES",
			DefaultLeverage:   5,
			DefaultMarginType: "ISOLATED",
			MaxLeverage:       125,
		},
		GuardConfig: GuardConfig{
			StaleTTL:   180 * time.Second,
			PendingTTL: 45 * time.Second,
		},
		OrchestratorConfig: OrchestratorConfig{
			StartStagger: 80 * time.Millisecond,
			StopTimeout:  2 * time.Second,
			LoopInterval: 5 * time.Second,
		},
		CloseAllConfig: CloseAllConfig{
			MaxPasses: 3,
			OnExit:    false,
		},
		SessionConfig: SessionConfig{
			MarkerPath: "session_state.json",
		},
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
		Jobs: []JobConfig{
			{
				Symbol:     "BTCUSDT",
				Interval:   "1m",
				Indicators: []string{"rsi"},
				Side:       "BOTH",
				Leverage:   5,
				StopLoss: StopLossConfig{
					Enabled: false,
					Mode:    "usdt",
					Scope:   "per_trade",
				},
			},
		},
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
