// Package config loads the satsendd configuration file.
// Values not present in the file keep their defaults.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Klingon-tech/satsend/internal/backend"
	"github.com/Klingon-tech/satsend/internal/chain"
	"github.com/Klingon-tech/satsend/internal/fee"
	"github.com/Klingon-tech/satsend/pkg/logging"
)

// FileName is the default config file name.
const FileName = "config.yaml"

// DefaultDataDir is used when no data directory is given.
const DefaultDataDir = "~/.satsend"

// DefaultRPCListen stays clear of bitcoind's 8332/8333 and btcd's 8334.
const DefaultRPCListen = "127.0.0.1:8377"

// Config holds all configuration for the daemon.
type Config struct {
	Network chain.Network `yaml:"network"`

	Storage  StorageConfig   `yaml:"storage"`
	Wallet   WalletConfig    `yaml:"wallet"`
	Backend  *backend.Config `yaml:"backend"`
	Fees     FeesConfig      `yaml:"fees"`
	Payments PaymentsConfig  `yaml:"payments"`
	RPC      RPCConfig       `yaml:"rpc"`
	Logging  LoggingConfig   `yaml:"logging"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for the database and keystore.
	DataDir string `yaml:"data_dir"`
}

// WalletConfig selects the key the daemon spends from.
type WalletConfig struct {
	// Account is the BIP84 account index.
	Account uint32 `yaml:"account"`

	// AddressType is the payer address type (p2wpkh, p2sh-p2wpkh, p2pkh, p2tr).
	AddressType chain.AddressType `yaml:"address_type"`
}

// FeesConfig holds fee settings.
type FeesConfig struct {
	// DefaultTier is used when a send names neither a rate nor a tier.
	DefaultTier fee.Tier `yaml:"default_tier"`
}

// PaymentsConfig holds send-flow settings.
type PaymentsConfig struct {
	// RecheckInputs refetches UTXOs right before signing.
	RecheckInputs bool `yaml:"recheck_inputs"`
}

// RPCConfig holds API server settings.
type RPCConfig struct {
	// Listen is the JSON-RPC, WebSocket and metrics address.
	Listen string `yaml:"listen"`

	// AuthToken is the bearer token clients must present. When empty the
	// daemon writes a random one to <data_dir>/rpc.cookie on every start.
	AuthToken string `yaml:"auth_token"`

	// AllowedOrigins lists browser origins allowed to call the API.
	// Empty refuses every cross-origin request.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// Format is text, json or logfmt.
	Format string `yaml:"format"`

	// File is the log file path (empty for stderr).
	File string `yaml:"file"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: chain.Mainnet,
		Storage: StorageConfig{
			DataDir: DefaultDataDir,
		},
		Wallet: WalletConfig{
			Account:     0,
			AddressType: chain.AddressP2WPKH,
		},
		Backend: backend.DefaultConfig(),
		Fees: FeesConfig{
			DefaultTier: fee.TierHalfHour,
		},
		Payments: PaymentsConfig{
			RecheckInputs: true,
		},
		RPC: RPCConfig{
			Listen: DefaultRPCListen,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: logging.FormatText,
		},
	}
}

// IsTestnet returns true if running on testnet.
func (c *Config) IsTestnet() bool {
	return c.Network == chain.Testnet
}

// BackendURL returns the indexer URL for the configured network.
func (c *Config) BackendURL() string {
	return c.Backend.URL(c.Network)
}

// Validate checks values that cannot be caught by YAML decoding.
func (c *Config) Validate() error {
	network, err := chain.ParseNetwork(string(c.Network))
	if err != nil {
		return err
	}
	c.Network = network

	variant, err := chain.ParseAddressType(string(c.Wallet.AddressType))
	if err != nil {
		return fmt.Errorf("wallet.address_type: %w", err)
	}
	if !variant.Spendable() {
		return fmt.Errorf("wallet.address_type: %s cannot be derived from a key", variant)
	}
	c.Wallet.AddressType = variant

	tier, err := fee.ParseTier(string(c.Fees.DefaultTier))
	if err != nil {
		return fmt.Errorf("fees.default_tier: %w", err)
	}
	c.Fees.DefaultTier = tier

	if c.Backend == nil {
		return fmt.Errorf("backend section is required")
	}
	if c.BackendURL() == "" {
		return fmt.Errorf("backend has no URL for %s", c.Network)
	}
	for _, origin := range c.RPC.AllowedOrigins {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" || u.Path != "" {
			return fmt.Errorf("rpc.allowed_origins: %q is not an origin like https://host:port", origin)
		}
	}

	if c.Backend.Retry.MaxAttempts < 1 {
		return fmt.Errorf("backend.retry.max_attempts must be at least 1")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", logging.FormatText, logging.FormatJSON, logging.FormatLogfmt:
	default:
		return fmt.Errorf("logging.format: unknown format %q", c.Logging.Format)
	}

	return nil
}

// Load loads configuration from <dataDir>/config.yaml.
// If the file doesn't exist, it creates one with default values.
func Load(dataDir string) (*Config, error) {
	return LoadFile(Path(dataDir), dataDir)
}

// LoadFile loads configuration from path, creating it with defaults when
// missing. dataDir becomes the default storage directory.
func LoadFile(path, dataDir string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}

		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = dataDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# satsend configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Path returns the full path to the config file for the given data directory.
func Path(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), FileName)
}

// ExpandPath expands ~ to home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
