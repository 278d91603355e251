package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	ServerConfig    ServerConfig    `json:"server"`
	DatabaseConfig  DatabaseConfig  `json:"database"`
	AuthConfig      AuthConfig      `json:"auth"`
	AdminConfig     AdminConfig     `json:"admin"`
	VaultConfig     VaultConfig     `json:"vault"`
	BillingConfig   BillingConfig   `json:"billing"`
	CryptoConfig    CryptoConfig    `json:"crypto"`
	EmailConfig     EmailConfig     `json:"email"`
	RedisConfig     RedisConfig     `json:"redis"`
	AMQPConfig      AMQPConfig      `json:"amqp"`
	DerivConfig     DerivConfig     `json:"deriv"`
	TradingConfig   TradingConfig   `json:"trading"`
	LearningConfig  LearningConfig  `json:"learning"`
	SchedulerConfig SchedulerConfig `json:"scheduler"`
	LoggingConfig   LoggingConfig   `json:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int      `json:"port"`
	Host            string   `json:"host"`
	SiteBase        string   `json:"site_base"` // Public base URL used in emails and payment callbacks
	AllowedOrigins  []string `json:"allowed_origins"`
	ProductionMode  bool     `json:"production_mode"`
	ReadTimeout     int      `json:"read_timeout"`     // Seconds
	WriteTimeout    int      `json:"write_timeout"`    // Seconds
	ShutdownTimeout int      `json:"shutdown_timeout"` // Seconds
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL      string `json:"url"` // Takes precedence over the discrete fields when set
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Name     string `json:"name"`
	SSLMode  string `json:"ssl_mode"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret                string        `json:"jwt_secret"`
	AccessTokenDuration      time.Duration `json:"access_token_duration"`
	VerifyTokenTTL           time.Duration `json:"verify_token_ttl"`
	ResetTokenTTL            time.Duration `json:"reset_token_ttl"`
	MinPasswordLength        int           `json:"min_password_length"`
	RequireEmailVerification bool          `json:"require_email_verification"`
	MaxLoginAttempts         int           `json:"max_login_attempts"`
	ThrottleWindow           time.Duration `json:"throttle_window"`
}

// AdminConfig holds the bootstrap admin account
type AdminConfig struct {
	Email    string `json:"email"`
	LoginID  string `json:"login_id"`
	Password string `json:"password"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV v2 secrets engine mount path
	SecretPath string `json:"secret_path"` // Path prefix for bot tokens
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// BillingConfig holds Stripe configuration
type BillingConfig struct {
	StripeSecretKey      string `json:"stripe_secret_key"`
	StripePublishableKey string `json:"stripe_publishable_key"`
	StripeWebhookSecret  string `json:"stripe_webhook_secret"`
	StripePriceID        string `json:"stripe_price_id"`
}

// CryptoConfig holds NOWPayments configuration
type CryptoConfig struct {
	APIKey        string `json:"api_key"`
	IPNSecret     string `json:"ipn_secret"`
	BaseURL       string `json:"base_url"`
	PriceAmount   string `json:"price_amount"` // Decimal string, e.g. "100"
	PriceCurrency string `json:"price_currency"`
	ExtendDays    int    `json:"extend_days"`
}

// EmailConfig holds SMTP configuration
type EmailConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
	FromName string `json:"from_name"`
	StartTLS bool   `json:"start_tls"`
}

// RedisConfig holds Redis configuration for caching and rate limiting
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// AMQPConfig holds RabbitMQ settings for domain event fan-out
type AMQPConfig struct {
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
}

// DerivConfig holds the market data feed settings
type DerivConfig struct {
	Endpoint string `json:"endpoint"`
	AppID    string `json:"app_id"`
	Token    string `json:"token"`
}

// TradingConfig holds simulated execution limits
type TradingConfig struct {
	AccountSize    float64 `json:"account_size"`
	MaxPositionPct float64 `json:"max_position_pct"`
	MinOrderUSD    float64 `json:"min_order_usd"`
	PriceWindow    int     `json:"price_window"` // Ticks retained per symbol by the bot
}

// LearningConfig holds incremental learner settings
type LearningConfig struct {
	ModelDir     string `json:"model_dir"`
	FeatureCount int    `json:"feature_count"`
}

// SchedulerConfig holds cron specs for background jobs
type SchedulerConfig struct {
	ExpirySweepSpec string `json:"expiry_sweep_spec"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level       string `json:"level"`
	Output      string `json:"output"`
	JSONFormat  bool   `json:"json_format"`
	IncludeFile bool   `json:"include_file"`
}

// Load reads .env, config.json and environment overrides, in that order
func Load() (*Config, error) {
	// .env is optional; real environment variables are never overwritten
	_ = godotenv.Load()

	cfg, err := loadFromFile(getEnvOrDefault("CONFIG_FILE", "config.json"))
	if err != nil {
		cfg = newConfig()
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// Validate checks settings the service cannot start without
func (c *Config) Validate() error {
	if strings.TrimSpace(c.AuthConfig.JWTSecret) == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.AuthConfig.MaxLoginAttempts <= 0 {
		return fmt.Errorf("max login attempts must be positive, got %d", c.AuthConfig.MaxLoginAttempts)
	}
	if c.AuthConfig.ThrottleWindow <= 0 {
		return fmt.Errorf("throttle window must be positive, got %s", c.AuthConfig.ThrottleWindow)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Server
	cfg.ServerConfig.Port = getEnvIntOrDefault("PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.SiteBase = getEnvOrDefault("SITE_BASE", cfg.ServerConfig.SiteBase)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.ServerConfig.AllowedOrigins = splitAndTrim(origins)
	}
	cfg.ServerConfig.ProductionMode = getEnvBoolOrDefault("PRODUCTION_MODE", cfg.ServerConfig.ProductionMode)

	// Database
	cfg.DatabaseConfig.URL = getEnvOrDefault("DATABASE_URL", cfg.DatabaseConfig.URL)
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Name = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Name)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Auth
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", cfg.AuthConfig.AccessTokenDuration)
	cfg.AuthConfig.VerifyTokenTTL = getEnvDurationOrDefault("AUTH_VERIFY_TOKEN_TTL", cfg.AuthConfig.VerifyTokenTTL)
	cfg.AuthConfig.ResetTokenTTL = getEnvDurationOrDefault("AUTH_RESET_TOKEN_TTL", cfg.AuthConfig.ResetTokenTTL)
	cfg.AuthConfig.MinPasswordLength = getEnvIntOrDefault("AUTH_MIN_PASSWORD_LENGTH", cfg.AuthConfig.MinPasswordLength)
	cfg.AuthConfig.RequireEmailVerification = getEnvBoolOrDefault("AUTH_REQUIRE_EMAIL_VERIFICATION", cfg.AuthConfig.RequireEmailVerification)
	cfg.AuthConfig.MaxLoginAttempts = getEnvIntOrDefault("AUTH_MAX_LOGIN_ATTEMPTS", cfg.AuthConfig.MaxLoginAttempts)
	cfg.AuthConfig.ThrottleWindow = getEnvDurationOrDefault("AUTH_THROTTLE_WINDOW", cfg.AuthConfig.ThrottleWindow)

	// Admin bootstrap
	cfg.AdminConfig.Email = getEnvOrDefault("ADMIN_EMAIL", cfg.AdminConfig.Email)
	cfg.AdminConfig.LoginID = getEnvOrDefault("ADMIN_USERNAME", cfg.AdminConfig.LoginID)
	cfg.AdminConfig.Password = getEnvOrDefault("ADMIN_PASSWORD", cfg.AdminConfig.Password)

	// Vault
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)
	cfg.VaultConfig.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", cfg.VaultConfig.TLSEnabled)
	cfg.VaultConfig.CACert = getEnvOrDefault("VAULT_CACERT", cfg.VaultConfig.CACert)

	// Stripe
	cfg.BillingConfig.StripeSecretKey = getEnvOrDefault("STRIPE_SECRET_KEY", cfg.BillingConfig.StripeSecretKey)
	cfg.BillingConfig.StripePublishableKey = getEnvOrDefault("STRIPE_PUBLISHABLE_KEY", cfg.BillingConfig.StripePublishableKey)
	cfg.BillingConfig.StripeWebhookSecret = getEnvOrDefault("STRIPE_WEBHOOK_SECRET", cfg.BillingConfig.StripeWebhookSecret)
	cfg.BillingConfig.StripePriceID = getEnvOrDefault("STRIPE_PRICE_ID", cfg.BillingConfig.StripePriceID)

	// NOWPayments
	cfg.CryptoConfig.APIKey = getEnvOrDefault("NOWPAYMENTS_API_KEY", cfg.CryptoConfig.APIKey)
	cfg.CryptoConfig.IPNSecret = getEnvOrDefault("NOWPAYMENTS_IPN_SECRET", cfg.CryptoConfig.IPNSecret)
	cfg.CryptoConfig.BaseURL = getEnvOrDefault("NOWPAYMENTS_BASE_URL", cfg.CryptoConfig.BaseURL)
	cfg.CryptoConfig.PriceAmount = getEnvOrDefault("NOWPAYMENTS_PRICE_AMOUNT", cfg.CryptoConfig.PriceAmount)
	cfg.CryptoConfig.PriceCurrency = getEnvOrDefault("NOWPAYMENTS_PRICE_CURRENCY", cfg.CryptoConfig.PriceCurrency)
	cfg.CryptoConfig.ExtendDays = getEnvIntOrDefault("NOWPAYMENTS_EXTEND_DAYS", cfg.CryptoConfig.ExtendDays)

	// SMTP
	cfg.EmailConfig.Host = getEnvOrDefault("SMTP_HOST", cfg.EmailConfig.Host)
	cfg.EmailConfig.Port = getEnvIntOrDefault("SMTP_PORT", cfg.EmailConfig.Port)
	cfg.EmailConfig.Username = getEnvOrDefault("SMTP_USER", cfg.EmailConfig.Username)
	cfg.EmailConfig.Password = getEnvOrDefault("SMTP_PASS", cfg.EmailConfig.Password)
	cfg.EmailConfig.From = getEnvOrDefault("SMTP_FROM", cfg.EmailConfig.From)
	cfg.EmailConfig.FromName = getEnvOrDefault("SMTP_FROM_NAME", cfg.EmailConfig.FromName)
	cfg.EmailConfig.StartTLS = getEnvBoolOrDefault("SMTP_TLS", true)

	// Redis
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", cfg.RedisConfig.PoolSize)

	// AMQP
	cfg.AMQPConfig.URL = getEnvOrDefault("AMQP_URL", cfg.AMQPConfig.URL)
	cfg.AMQPConfig.Exchange = getEnvOrDefault("AMQP_EXCHANGE", cfg.AMQPConfig.Exchange)

	// Deriv
	cfg.DerivConfig.Endpoint = getEnvOrDefault("DERIV_ENDPOINT", cfg.DerivConfig.Endpoint)
	cfg.DerivConfig.AppID = getEnvOrDefault("DERIV_APP_ID", cfg.DerivConfig.AppID)
	cfg.DerivConfig.Token = getEnvOrDefault("DERIV_TOKEN", cfg.DerivConfig.Token)

	// Trading
	cfg.TradingConfig.AccountSize = getEnvFloatOrDefault("TRADING_ACCOUNT_SIZE", cfg.TradingConfig.AccountSize)
	cfg.TradingConfig.MaxPositionPct = getEnvFloatOrDefault("TRADING_MAX_POSITION_PCT", cfg.TradingConfig.MaxPositionPct)
	cfg.TradingConfig.MinOrderUSD = getEnvFloatOrDefault("TRADING_MIN_ORDER_USD", cfg.TradingConfig.MinOrderUSD)
	cfg.TradingConfig.PriceWindow = getEnvIntOrDefault("TRADING_PRICE_WINDOW", cfg.TradingConfig.PriceWindow)

	// Learning
	cfg.LearningConfig.ModelDir = getEnvOrDefault("MODEL_DIR", cfg.LearningConfig.ModelDir)
	cfg.LearningConfig.FeatureCount = getEnvIntOrDefault("MODEL_FEATURE_COUNT", cfg.LearningConfig.FeatureCount)

	// Scheduler
	cfg.SchedulerConfig.ExpirySweepSpec = getEnvOrDefault("EXPIRY_SWEEP_SPEC", cfg.SchedulerConfig.ExpirySweepSpec)

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)
}

func applyDefaults(cfg *Config) {
	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 8000
	}
	if cfg.ServerConfig.Host == "" {
		cfg.ServerConfig.Host = "0.0.0.0"
	}
	if cfg.ServerConfig.SiteBase == "" {
		cfg.ServerConfig.SiteBase = "http://localhost:8000"
	}
	cfg.ServerConfig.SiteBase = strings.TrimRight(cfg.ServerConfig.SiteBase, "/")
	if len(cfg.ServerConfig.AllowedOrigins) == 0 {
		cfg.ServerConfig.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8000"}
	}
	if cfg.ServerConfig.ReadTimeout == 0 {
		cfg.ServerConfig.ReadTimeout = 15
	}
	if cfg.ServerConfig.WriteTimeout == 0 {
		cfg.ServerConfig.WriteTimeout = 15
	}
	if cfg.ServerConfig.ShutdownTimeout == 0 {
		cfg.ServerConfig.ShutdownTimeout = 30
	}

	if cfg.DatabaseConfig.Host == "" {
		cfg.DatabaseConfig.Host = "localhost"
	}
	if cfg.DatabaseConfig.Port == 0 {
		cfg.DatabaseConfig.Port = 5432
	}
	if cfg.DatabaseConfig.User == "" {
		cfg.DatabaseConfig.User = "profitpilot"
	}
	if cfg.DatabaseConfig.Name == "" {
		cfg.DatabaseConfig.Name = "profitpilot"
	}
	if cfg.DatabaseConfig.SSLMode == "" {
		cfg.DatabaseConfig.SSLMode = "disable"
	}

	if cfg.AuthConfig.AccessTokenDuration == 0 {
		cfg.AuthConfig.AccessTokenDuration = 24 * time.Hour
	}
	if cfg.AuthConfig.VerifyTokenTTL == 0 {
		cfg.AuthConfig.VerifyTokenTTL = 24 * time.Hour
	}
	if cfg.AuthConfig.ResetTokenTTL == 0 {
		cfg.AuthConfig.ResetTokenTTL = 30 * time.Minute
	}
	if cfg.AuthConfig.MinPasswordLength == 0 {
		cfg.AuthConfig.MinPasswordLength = 8
	}
	if cfg.AuthConfig.MaxLoginAttempts == 0 {
		cfg.AuthConfig.MaxLoginAttempts = 5
	}
	if cfg.AuthConfig.ThrottleWindow == 0 {
		cfg.AuthConfig.ThrottleWindow = 600 * time.Second
	}

	if cfg.VaultConfig.Address == "" {
		cfg.VaultConfig.Address = "http://localhost:8200"
	}
	if cfg.VaultConfig.MountPath == "" {
		cfg.VaultConfig.MountPath = "secret"
	}
	if cfg.VaultConfig.SecretPath == "" {
		cfg.VaultConfig.SecretPath = "profitpilot/bot-tokens"
	}

	if cfg.CryptoConfig.BaseURL == "" {
		cfg.CryptoConfig.BaseURL = "https://api.nowpayments.io/v1"
	}
	if cfg.CryptoConfig.PriceAmount == "" {
		cfg.CryptoConfig.PriceAmount = "100"
	}
	if cfg.CryptoConfig.PriceCurrency == "" {
		cfg.CryptoConfig.PriceCurrency = "usd"
	}
	if cfg.CryptoConfig.ExtendDays == 0 {
		cfg.CryptoConfig.ExtendDays = 30
	}

	if cfg.EmailConfig.Port == 0 {
		cfg.EmailConfig.Port = 587
	}
	if cfg.EmailConfig.From == "" {
		cfg.EmailConfig.From = cfg.EmailConfig.Username
	}
	if cfg.EmailConfig.From == "" {
		cfg.EmailConfig.From = "no-reply@example.com"
	}
	if cfg.EmailConfig.FromName == "" {
		cfg.EmailConfig.FromName = "ProfitPilotAI"
	}

	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	if cfg.RedisConfig.PoolSize == 0 {
		cfg.RedisConfig.PoolSize = 10
	}

	if cfg.AMQPConfig.Exchange == "" {
		cfg.AMQPConfig.Exchange = "profitpilot.events"
	}

	if cfg.DerivConfig.Endpoint == "" {
		cfg.DerivConfig.Endpoint = "wss://ws.derivws.com/websockets/v3"
	}
	if cfg.DerivConfig.AppID == "" {
		cfg.DerivConfig.AppID = "1089"
	}

	if cfg.TradingConfig.AccountSize == 0 {
		cfg.TradingConfig.AccountSize = 10000
	}
	if cfg.TradingConfig.MaxPositionPct == 0 {
		cfg.TradingConfig.MaxPositionPct = 0.5
	}
	if cfg.TradingConfig.MinOrderUSD == 0 {
		cfg.TradingConfig.MinOrderUSD = 10
	}
	if cfg.TradingConfig.PriceWindow == 0 {
		cfg.TradingConfig.PriceWindow = 50
	}

	if cfg.LearningConfig.ModelDir == "" {
		cfg.LearningConfig.ModelDir = "./models"
	}
	if cfg.LearningConfig.FeatureCount == 0 {
		cfg.LearningConfig.FeatureCount = 8
	}

	if cfg.SchedulerConfig.ExpirySweepSpec == "" {
		cfg.SchedulerConfig.ExpirySweepSpec = "@every 15m"
	}

	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "INFO"
	}
	if cfg.LoggingConfig.Output == "" {
		cfg.LoggingConfig.Output = "stdout"
	}
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	config := newConfig()
	if err := json.Unmarshal(file, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// newConfig presets the defaults that a zero value cannot express.
// config.json is decoded over it, so a file that omits a key keeps the default.
func newConfig() *Config {
	return &Config{
		AuthConfig: AuthConfig{RequireEmailVerification: true},
	}
}

// getEnvOrDefault ignores placeholder values left over from sample env files
func getEnvOrDefault(key, defaultValue string) string {
	value := strings.Trim(strings.TrimSpace(os.Getenv(key)), `"'`)
	switch value {
	case "", "...", "<set-me>", "CHANGE_ME":
		return defaultValue
	}
	return value
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
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

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
