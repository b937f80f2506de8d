package fee

import (
	"fmt"
	"strings"

	walleterr "github.com/Klingon-tech/satsend/pkg/errors"
)

// Tier names a fee-rate tier reported by the indexer.
type Tier string

const (
	TierMinimum  Tier = "minimum"
	TierEconomy  Tier = "economy"
	TierHour     Tier = "hour"
	TierHalfHour Tier = "halfhour"
	TierFastest  Tier = "fastest"
)

// ParseTier parses a tier name. Hyphens and underscores are ignored.
func ParseTier(s string) (Tier, error) {
	norm := strings.NewReplacer("-", "", "_", "", " ", "").Replace(strings.ToLower(s))
	switch Tier(norm) {
	case TierMinimum, TierEconomy, TierHour, TierHalfHour, TierFastest:
		return Tier(norm), nil
	case "min":
		return TierMinimum, nil
	case "fast":
		return TierFastest, nil
	}
	return "", walleterr.Newf(walleterr.ErrInvalidInput, "unknown fee tier %q", s)
}

// Tiers are fee rates fetched for a single preparation. They are never
// cached across preparations.
type Tiers struct {
	Minimum  SatPerVByte `json:"minimumFee"`
	Economy  SatPerVByte `json:"economyFee"`
	Hour     SatPerVByte `json:"hourFee"`
	HalfHour SatPerVByte `json:"halfHourFee"`
	// Fastest is optional; zero means the indexer did not report it.
	Fastest SatPerVByte `json:"fastestFee,omitempty"`
}

// Validate requires the four mandatory tiers to be usable rates.
func (t Tiers) Validate() error {
	for _, tier := range []Tier{TierMinimum, TierEconomy, TierHour, TierHalfHour} {
		rate, _ := t.Rate(tier)
		if err := ValidateRate(rate); err != nil {
			return fmt.Errorf("tier %s: %w", tier, err)
		}
	}
	return nil
}

// Rate returns the rate of a tier. Fastest falls back to HalfHour when the
// indexer did not report it. Positive rates below MinFeeRate, which some
// indexers report for an empty mempool, are raised to it.
func (t Tiers) Rate(tier Tier) (SatPerVByte, error) {
	var rate SatPerVByte
	switch tier {
	case TierMinimum:
		rate = t.Minimum
	case TierEconomy:
		rate = t.Economy
	case TierHour:
		rate = t.Hour
	case TierHalfHour:
		rate = t.HalfHour
	case TierFastest:
		rate = t.Fastest
		if rate <= 0 {
			rate = t.HalfHour
		}
	default:
		return 0, walleterr.Newf(walleterr.ErrInvalidInput, "unknown fee tier %q", tier)
	}

	if rate > 0 && rate < MinFeeRate {
		rate = MinFeeRate
	}
	return rate, nil
}
