// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
)

// BTCDecimals is the number of decimal places in one bitcoin.
const BTCDecimals = 8

// FormatBTC formats an amount in satoshis as a decimal BTC string without
// trailing zeros. For example, FormatBTC(150000000) returns "1.5".
func FormatBTC(amount btcutil.Amount) string {
	return decimal.New(int64(amount), -BTCDecimals).String()
}

// ParseBTC parses a decimal BTC string into satoshis. More than 8 fractional
// digits, negative values and values above 21M BTC are rejected.
func ParseBTC(s string) (btcutil.Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount string")
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("amount must not be negative: %s", s)
	}

	sats := d.Shift(BTCDecimals)
	if !sats.Equal(sats.Truncate(0)) {
		return 0, fmt.Errorf("amount has more than %d decimal places: %s", BTCDecimals, s)
	}
	if sats.GreaterThan(decimal.NewFromInt(btcutil.MaxSatoshi)) {
		return 0, fmt.Errorf("amount overflow: %s", s)
	}

	return btcutil.Amount(sats.IntPart()), nil
}

// ParseSatoshis parses either a BTC decimal ("0.001") or a satoshi count
// suffixed with "sat" ("100000sat").
func ParseSatoshis(s string) (btcutil.Amount, error) {
	s = strings.TrimSpace(s)
	if trimmed, ok := strings.CutSuffix(strings.ToLower(s), "sat"); ok {
		d, err := decimal.NewFromString(strings.TrimSpace(trimmed))
		if err != nil || !d.Equal(d.Truncate(0)) || d.IsNegative() {
			return 0, fmt.Errorf("invalid satoshi amount: %s", s)
		}
		if d.GreaterThan(decimal.NewFromInt(btcutil.MaxSatoshi)) {
			return 0, fmt.Errorf("amount overflow: %s", s)
		}
		return btcutil.Amount(d.IntPart()), nil
	}
	return ParseBTC(s)
}
