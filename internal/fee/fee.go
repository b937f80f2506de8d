// Package fee estimates transaction virtual size and computes fees from
// externally supplied fee-rate tiers.
package fee

import (
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"

	"github.com/Klingon-tech/satsend/internal/chain"
	walleterr "github.com/Klingon-tech/satsend/pkg/errors"
)

// SatPerVByte is a fee rate in satoshis per virtual byte.
type SatPerVByte float64

// VirtualBytes is a witness-discounted transaction size.
type VirtualBytes int

// MaxFeeRate bounds accepted fee rates. Anything above is almost certainly a
// unit mistake (sat/kvB passed as sat/vB).
const MaxFeeRate SatPerVByte = 1000

// MinFeeRate is the default minimum relay fee, 1000 sat/kvB.
const MinFeeRate = SatPerVByte(txrules.DefaultRelayFeePerKb) / 1000

// ValidateRate checks a caller-supplied fee rate. Rates below the minimum
// relay fee would build transactions nodes refuse to relay.
func ValidateRate(rate SatPerVByte) error {
	r := float64(rate)
	if math.IsNaN(r) || math.IsInf(r, 0) || r <= 0 {
		return walleterr.Newf(walleterr.ErrInvalidInput, "fee rate must be positive, got %v", rate)
	}
	if rate < MinFeeRate {
		return walleterr.Newf(walleterr.ErrInvalidInput, "fee rate %v is below the minimum relay fee of %v sat/vB", rate, MinFeeRate)
	}
	if rate > MaxFeeRate {
		return walleterr.Newf(walleterr.ErrInvalidInput, "fee rate %v exceeds maximum %v sat/vB", rate, MaxFeeRate)
	}
	return nil
}

// InputKind is the script type an input spends.
type InputKind int

const (
	InputP2PKH InputKind = iota
	InputNestedP2WPKH
	InputP2WPKH
	InputP2TR
)

func (k InputKind) String() string {
	switch k {
	case InputP2PKH:
		return "p2pkh"
	case InputNestedP2WPKH:
		return "p2sh-p2wpkh"
	case InputP2WPKH:
		return "p2wpkh"
	case InputP2TR:
		return "p2tr"
	default:
		return fmt.Sprintf("InputKind(%d)", int(k))
	}
}

// KindForAddressType maps a wallet address type to the input kind its
// outputs are spent as.
func KindForAddressType(t chain.AddressType) (InputKind, error) {
	switch t {
	case chain.AddressP2PKH:
		return InputP2PKH, nil
	case chain.AddressP2SH_P2WPKH:
		return InputNestedP2WPKH, nil
	case chain.AddressP2WPKH:
		return InputP2WPKH, nil
	case chain.AddressP2TR:
		return InputP2TR, nil
	default:
		return 0, walleterr.Newf(walleterr.ErrInvalidInput, "address type %q is not spendable", t)
	}
}

// ChangeScriptSize returns the output script size of a change output paying
// to an address of type t.
func ChangeScriptSize(t chain.AddressType) int {
	switch t {
	case chain.AddressP2PKH:
		return txsizes.P2PKHPkScriptSize
	case chain.AddressP2SH_P2WPKH:
		return txsizes.NestedP2WPKHPkScriptSize
	case chain.AddressP2TR:
		return txsizes.P2TRPkScriptSize
	default:
		return txsizes.P2WPKHPkScriptSize
	}
}

// Shape describes a transaction in progress: the kinds of its inputs, its
// payment outputs, and the script size of a potential change output.
type Shape struct {
	Inputs           []InputKind
	Outputs          []*wire.TxOut
	ChangeScriptSize int
}

// EstimateVirtualSize returns the worst-case virtual size of the transaction
// once signed. Witness data is discounted, so a native SegWit input costs
// 68 vB where a legacy input costs 148 vB.
func EstimateVirtualSize(shape Shape, withChange bool) VirtualBytes {
	var p2pkh, nested, p2wpkh, p2tr int
	for _, kind := range shape.Inputs {
		switch kind {
		case InputP2PKH:
			p2pkh++
		case InputNestedP2WPKH:
			nested++
		case InputP2TR:
			p2tr++
		default:
			p2wpkh++
		}
	}

	changeScriptSize := 0
	if withChange {
		changeScriptSize = shape.ChangeScriptSize
	}

	return VirtualBytes(txsizes.EstimateVirtualSize(
		p2pkh, p2tr, p2wpkh, nested, shape.Outputs, changeScriptSize,
	))
}

// ComputeFee returns floor(rate * vsize).
func ComputeFee(rate SatPerVByte, vsize VirtualBytes) btcutil.Amount {
	return btcutil.Amount(math.Floor(float64(rate) * float64(vsize)))
}

// CheckOutput rejects negative, oversized and dust outputs at the default
// relay fee.
func CheckOutput(out *wire.TxOut) error {
	if err := txrules.CheckOutput(out, txrules.DefaultRelayFeePerKb); err != nil {
		return walleterr.Wrap(walleterr.ErrInvalidInput, err)
	}
	return nil
}
