// Package backend provides the indexer collaborator: UTXO lookup, fee
// estimates and broadcast over an Esplora-compatible HTTP API.
// This package never handles private keys - all signing happens in txbuilder.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/Klingon-tech/satsend/internal/chain"
	"github.com/Klingon-tech/satsend/internal/fee"
)

// Common errors
var (
	ErrNotConnected       = errors.New("backend not connected")
	ErrTxNotFound         = errors.New("transaction not found")
	ErrAddressNotFound    = errors.New("address not found")
	ErrBroadcastFailed    = errors.New("broadcast failed")
	ErrRateLimited        = errors.New("rate limited")
	ErrServerError        = errors.New("indexer server error")
	ErrUnsupportedBackend = errors.New("unsupported backend type")
)

// Type represents the backend type.
type Type string

const (
	TypeMempool Type = "mempool" // mempool.space API
	TypeEsplora Type = "esplora" // blockstream.info API
)

// UTXO represents an unspent transaction output reported by the indexer.
type UTXO struct {
	TxID          string         `json:"txid"`
	Vout          uint32         `json:"vout"`
	Value         btcutil.Amount `json:"value"`
	Confirmed     bool           `json:"confirmed"`
	Confirmations int64          `json:"confirmations"`
	BlockHeight   int64          `json:"block_height,omitempty"`
}

// TxStatus is the confirmation status of a transaction.
type TxStatus struct {
	TxID          string `json:"txid"`
	Confirmed     bool   `json:"confirmed"`
	BlockHeight   int64  `json:"block_height,omitempty"`
	BlockTime     int64  `json:"block_time,omitempty"`
	Confirmations int64  `json:"confirmations"`
	Fee           int64  `json:"fee"`
}

// Backend defines the interface for blockchain data providers.
type Backend interface {
	// Type returns the backend type (mempool, esplora).
	Type() Type

	// Connect checks the indexer is reachable.
	Connect(ctx context.Context) error

	// Close releases the backend.
	Close() error

	// IsConnected returns true if connected.
	IsConnected() bool

	GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error)
	GetFeeEstimates(ctx context.Context) (*fee.Tiers, error)
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)
	GetTransactionStatus(ctx context.Context, txID string) (*TxStatus, error)
	GetBlockHeight(ctx context.Context) (int64, error)
}

// Config contains backend configuration.
type Config struct {
	Type       Type   `yaml:"type"`
	MainnetURL string `yaml:"mainnet"`
	TestnetURL string `yaml:"testnet"`

	// Timeout is the per-request HTTP timeout in seconds, default 30.
	Timeout int `yaml:"timeout,omitempty"`

	// RequestsPerSecond paces every HTTP request. Zero disables pacing.
	RequestsPerSecond int `yaml:"requests_per_second,omitempty"`

	Retry   RetryPolicy   `yaml:"retry"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// DefaultConfig returns the mempool.space configuration.
func DefaultConfig() *Config {
	return &Config{
		Type:              TypeMempool,
		MainnetURL:        "https://mempool.space/api",
		TestnetURL:        "https://mempool.space/testnet/api",
		Timeout:           30,
		RequestsPerSecond: 5,
		Retry:             DefaultRetryPolicy(),
		Breaker:           DefaultBreakerConfig(),
	}
}

// URL returns the base URL for network.
func (c *Config) URL(network chain.Network) string {
	if network == chain.Testnet {
		return c.TestnetURL
	}
	return c.MainnetURL
}

// New creates the configured backend for network, wrapped in a circuit
// breaker.
func New(cfg *Config, network chain.Network) (Backend, error) {
	url := cfg.URL(network)
	if url == "" {
		return nil, fmt.Errorf("no %s URL configured for %s", cfg.Type, network)
	}

	opts := []Option{WithRetryPolicy(cfg.Retry)}
	if cfg.Timeout > 0 {
		opts = append(opts, WithTimeout(time.Duration(cfg.Timeout)*time.Second))
	}
	if cfg.RequestsPerSecond > 0 {
		opts = append(opts, WithRateLimit(cfg.RequestsPerSecond))
	}

	var b Backend
	switch cfg.Type {
	case TypeMempool, "":
		b = NewMempoolBackend(url, opts...)
	case TypeEsplora:
		b = NewEsploraBackend(url, opts...)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, cfg.Type)
	}

	return NewGuarded(b, cfg.Breaker), nil
}
