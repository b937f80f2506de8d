package backend

import (
	"context"
	"fmt"

	"github.com/Klingon-tech/satsend/internal/fee"
)

// EsploraBackend implements Backend using the Esplora API (blockstream.info).
// The Esplora API is very similar to mempool.space, so we extend MempoolBackend.
type EsploraBackend struct {
	*MempoolBackend
}

// NewEsploraBackend creates a new Esplora backend.
func NewEsploraBackend(baseURL string, opts ...Option) *EsploraBackend {
	return &EsploraBackend{
		MempoolBackend: NewMempoolBackend(baseURL, opts...),
	}
}

// Type returns TypeEsplora.
func (e *EsploraBackend) Type() Type {
	return TypeEsplora
}

// GetFeeEstimates returns fee estimates.
// Esplora uses a different endpoint than mempool.space
func (e *EsploraBackend) GetFeeEstimates(ctx context.Context) (*fee.Tiers, error) {
	// Esplora returns map of confirmation targets to fee rates
	var result map[string]float64
	if err := e.get(ctx, "/fee-estimates", &result); err != nil {
		return nil, err
	}

	tiers := &fee.Tiers{
		Fastest:  fee.SatPerVByte(result["1"]),   // 1 block
		HalfHour: fee.SatPerVByte(result["3"]),   // 3 blocks (~30 min)
		Hour:     fee.SatPerVByte(result["6"]),   // 6 blocks (~1 hour)
		Economy:  fee.SatPerVByte(result["144"]), // 144 blocks (~1 day)
		Minimum:  1,                              // Esplora doesn't provide minimum
	}
	if tiers.Economy == 0 {
		tiers.Economy = tiers.Minimum
	}
	if err := tiers.Validate(); err != nil {
		return nil, fmt.Errorf("indexer returned unusable fee tiers: %w", err)
	}
	return tiers, nil
}

// Ensure EsploraBackend implements Backend
var _ Backend = (*EsploraBackend)(nil)
