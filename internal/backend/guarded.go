package backend

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/Klingon-tech/satsend/internal/fee"
	"github.com/Klingon-tech/satsend/pkg/logging"
)

// BreakerConfig configures the circuit breaker around the indexer.
type BreakerConfig struct {
	// MinRequests is the number of requests in a window before the failure
	// ratio is considered.
	MinRequests  uint32        `yaml:"min_requests"`
	FailureRatio float64       `yaml:"failure_ratio"`
	OpenTimeout  time.Duration `yaml:"open_timeout"`
}

// DefaultBreakerConfig trips after more than 10 requests with 60% failing.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MinRequests:  10,
		FailureRatio: 0.6,
		OpenTimeout:  30 * time.Second,
	}
}

// Guarded wraps a Backend in a circuit breaker. While the breaker is open
// calls fail fast with gobreaker.ErrOpenState.
type Guarded struct {
	Backend
	cb *gobreaker.CircuitBreaker
}

// NewGuarded wraps b.
func NewGuarded(b Backend, cfg BreakerConfig) *Guarded {
	log := logging.GetDefault().Component("backend")

	return &Guarded{
		Backend: b,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    string(b.Type()),
			Timeout: cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests > cfg.MinRequests && ratio >= cfg.FailureRatio
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("Circuit breaker state changed", "backend", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// State returns the breaker state.
func (g *Guarded) State() gobreaker.State {
	return g.cb.State()
}

func execute[T any](g *Guarded, op func() (T, error)) (T, error) {
	res, err := g.cb.Execute(func() (interface{}, error) {
		return op()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return res.(T), nil
}

// GetAddressUTXOs implements Backend.
func (g *Guarded) GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	return execute(g, func() ([]UTXO, error) {
		return g.Backend.GetAddressUTXOs(ctx, address)
	})
}

// GetFeeEstimates implements Backend.
func (g *Guarded) GetFeeEstimates(ctx context.Context) (*fee.Tiers, error) {
	return execute(g, func() (*fee.Tiers, error) {
		return g.Backend.GetFeeEstimates(ctx)
	})
}

// BroadcastTransaction implements Backend.
func (g *Guarded) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	return execute(g, func() (string, error) {
		return g.Backend.BroadcastTransaction(ctx, rawTxHex)
	})
}

// GetTransactionStatus implements Backend.
func (g *Guarded) GetTransactionStatus(ctx context.Context, txID string) (*TxStatus, error) {
	return execute(g, func() (*TxStatus, error) {
		return g.Backend.GetTransactionStatus(ctx, txID)
	})
}

// GetBlockHeight implements Backend.
func (g *Guarded) GetBlockHeight(ctx context.Context) (int64, error) {
	return execute(g, func() (int64, error) {
		return g.Backend.GetBlockHeight(ctx)
	})
}

var _ Backend = (*Guarded)(nil)
