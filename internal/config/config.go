package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"lottery/internal/lottery"
	"lottery/internal/session"
	"lottery/internal/throttle"
	"lottery/pkg/chain"
	"lottery/pkg/models"
)

// Wallet kinds.
const (
	WalletNone   = "none"
	WalletKey    = "key"
	WalletBridge = "bridge"
)

// Config holds all application configuration.
type Config struct {
	Chain       chain.Descriptor  `yaml:"chain"`
	Contract    ContractConfig    `yaml:"contract"`
	Throttle    ThrottleConfig    `yaml:"throttle"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Wallet      WalletConfig      `yaml:"wallet"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ContractConfig holds the lottery contract address.
type ContractConfig struct {
	Address string `yaml:"address"`
}

// ThrottleConfig bounds outbound read RPC calls.
type ThrottleConfig struct {
	RatePerSecond int           `yaml:"rate_per_second"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
}

// GatewayConfig holds purchase and refresh settings.
type GatewayConfig struct {
	GasMultiplierPct uint64        `yaml:"gas_multiplier_pct"`
	MaxTickets       int           `yaml:"max_tickets"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	RefreshDelay     time.Duration `yaml:"refresh_delay"`
	RefreshAttempts  int           `yaml:"refresh_attempts"`
	RefreshInterval  time.Duration `yaml:"refresh_interval"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	ErrorTTL         time.Duration `yaml:"error_ttl"`
	ReceiptTimeout   time.Duration `yaml:"receipt_timeout"`
}

// WalletConfig selects and configures the wallet provider.
type WalletConfig struct {
	Kind        string `yaml:"kind"`
	PrivateKey  string `yaml:"private_key"`
	Keystore    string `yaml:"keystore"`
	Password    string `yaml:"password"`
	BridgeURL   string `yaml:"bridge_url"`
	AutoApprove bool   `yaml:"auto_approve"`
}

// PersistenceConfig holds database settings.
type PersistenceConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SQLitePath string `yaml:"sqlite_path"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	// Set defaults
	cfg.setDefaults()

	// Read YAML file if it exists
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if len(data) > 0 {
		// Expand environment variables in YAML content
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// Apply environment variable overrides
	cfg.applyEnvOverrides()

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for all configuration options.
func (c *Config) setDefaults() {
	c.Chain = chain.MonadTestnet()
	c.Contract = ContractConfig{
		Address: chain.DefaultLotteryAddress,
	}
	c.Throttle = ThrottleConfig{
		RatePerSecond: throttle.DefaultRate,
		MaxRetries:    3,
		RetryBackoff:  100 * time.Millisecond,
	}

	gw, sess := lottery.DefaultConfig(), session.DefaultConfig()
	c.Gateway = GatewayConfig{
		GasMultiplierPct: gw.GasMultiplierPct,
		MaxTickets:       gw.MaxTickets,
		CallTimeout:      gw.CallTimeout,
		RefreshDelay:     sess.RefreshDelay,
		RefreshAttempts:  sess.RefreshAttempts,
		RefreshInterval:  sess.RefreshInterval,
		PollInterval:     sess.PollInterval,
		ErrorTTL:         sess.ErrorTTL,
		ReceiptTimeout:   sess.ReceiptTimeout,
	}
	c.Wallet = WalletConfig{
		Kind: WalletNone,
	}
	c.Persistence = PersistenceConfig{
		Enabled:    true,
		SQLitePath: "./data/lottery.db",
	}
	c.Metrics = MetricsConfig{
		Enabled: false,
		Port:    9090,
		Path:    "/metrics",
	}
	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "console",
	}
}

// applyEnvOverrides applies environment variable overrides to configuration.
func (c *Config) applyEnvOverrides() {
	// Chain config
	if v := os.Getenv("LOTTERY_RPC_URL"); v != "" {
		c.Chain.RPCURLs = append([]string{v}, c.Chain.RPCURLs...)
	}
	if v := os.Getenv("LOTTERY_CONTRACT"); v != "" {
		c.Contract.Address = v
	}

	// Throttle config
	if v := os.Getenv("THROTTLE_RATE"); v != "" {
		var rate int
		if _, err := fmt.Sscanf(v, "%d", &rate); err == nil && rate > 0 {
			c.Throttle.RatePerSecond = rate
		}
	}

	// Wallet config. A key source implies the key wallet unless a kind was
	// set explicitly.
	if v := os.Getenv("WALLET_PRIVATE_KEY"); v != "" {
		c.Wallet.PrivateKey = v
		if c.Wallet.Kind == WalletNone {
			c.Wallet.Kind = WalletKey
		}
	}
	if v := os.Getenv("WALLET_KEYSTORE"); v != "" {
		c.Wallet.Keystore = v
		if c.Wallet.Kind == WalletNone {
			c.Wallet.Kind = WalletKey
		}
	}
	if v := os.Getenv("WALLET_PASSWORD"); v != "" {
		c.Wallet.Password = v
	}
	if v := os.Getenv("WALLET_BRIDGE_URL"); v != "" {
		c.Wallet.BridgeURL = v
		if c.Wallet.Kind == WalletNone {
			c.Wallet.Kind = WalletBridge
		}
	}

	// Metrics config
	if v := os.Getenv("METRICS_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			c.Metrics.Port = port
		}
	}

	// Persistence config
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Persistence.SQLitePath = v
	}

	// Logging config
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// validate checks that all required configuration values are present and valid.
func (c *Config) validate() error {
	if c.Chain.ID <= 0 {
		return fmt.Errorf("chain.id must be positive")
	}
	if c.Chain.PrimaryRPC() == "" {
		return fmt.Errorf("chain.rpc_urls needs at least one URL (set LOTTERY_RPC_URL env var)")
	}
	if c.Chain.Currency.Symbol == "" || c.Chain.Currency.Decimals == 0 {
		return fmt.Errorf("chain.native_currency needs a symbol and decimals")
	}
	if !common.IsHexAddress(c.Contract.Address) {
		return fmt.Errorf("contract.address %q is not a valid address", c.Contract.Address)
	}
	if c.Throttle.RatePerSecond <= 0 {
		return fmt.Errorf("throttle.rate_per_second must be positive")
	}
	if c.Throttle.MaxRetries < 0 {
		return fmt.Errorf("throttle.max_retries must not be negative")
	}
	if c.Gateway.GasMultiplierPct < 100 {
		return fmt.Errorf("gateway.gas_multiplier_pct must be at least 100")
	}
	if c.Gateway.MaxTickets <= 0 || c.Gateway.MaxTickets > models.MaxTicketsPerPurchase {
		return fmt.Errorf("gateway.max_tickets must be between 1 and %d", models.MaxTicketsPerPurchase)
	}
	if c.Gateway.RefreshAttempts <= 0 {
		return fmt.Errorf("gateway.refresh_attempts must be positive")
	}
	if c.Gateway.PollInterval <= 0 {
		return fmt.Errorf("gateway.poll_interval must be positive")
	}

	switch c.Wallet.Kind {
	case WalletNone:
	case WalletKey:
		if c.Wallet.PrivateKey == "" && c.Wallet.Keystore == "" {
			return fmt.Errorf("wallet.kind key needs private_key or keystore (set WALLET_PRIVATE_KEY env var)")
		}
	case WalletBridge:
		if c.Wallet.BridgeURL == "" {
			return fmt.Errorf("wallet.kind bridge needs bridge_url (set WALLET_BRIDGE_URL env var)")
		}
	default:
		return fmt.Errorf("wallet.kind must be one of none, key, bridge")
	}

	if c.Persistence.Enabled && c.Persistence.SQLitePath == "" {
		return fmt.Errorf("persistence.sqlite_path is required when persistence is enabled")
	}
	if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be a valid port number")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}
	return nil
}

// LotteryAddress returns the configured contract address.
func (c *Config) LotteryAddress() common.Address {
	return common.HexToAddress(c.Contract.Address)
}

// LotteryConfig builds the contract gateway settings.
func (c *Config) LotteryConfig() lottery.Config {
	return lottery.Config{
		Address:          c.LotteryAddress(),
		Currency:         c.Chain.Currency,
		GasMultiplierPct: c.Gateway.GasMultiplierPct,
		MaxTickets:       c.Gateway.MaxTickets,
		CallTimeout:      c.Gateway.CallTimeout,
	}
}

// SessionConfig builds the session settings.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		PollInterval:    c.Gateway.PollInterval,
		RefreshDelay:    c.Gateway.RefreshDelay,
		RefreshInterval: c.Gateway.RefreshInterval,
		RefreshAttempts: c.Gateway.RefreshAttempts,
		ErrorTTL:        c.Gateway.ErrorTTL,
		ReceiptTimeout:  c.Gateway.ReceiptTimeout,
		RecordSnapshots: c.Persistence.Enabled,
	}
}
