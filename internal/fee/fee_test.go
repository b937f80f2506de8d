package fee

import (
	"math"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/satsend/internal/chain"
	walleterr "github.com/Klingon-tech/satsend/pkg/errors"
)

func p2wpkhOut(value int64) *wire.TxOut {
	return wire.NewTxOut(value, append([]byte{0x00, 0x14}, make([]byte, 20)...))
}

func TestEstimateVirtualSizeNativeSegwit(t *testing.T) {
	shape := Shape{
		Inputs:           []InputKind{InputP2WPKH},
		Outputs:          []*wire.TxOut{p2wpkhOut(50_000)},
		ChangeScriptSize: ChangeScriptSize(chain.AddressP2WPKH),
	}

	withChange := EstimateVirtualSize(shape, true)
	without := EstimateVirtualSize(shape, false)

	assert.Equal(t, VirtualBytes(141), withChange)
	assert.Equal(t, VirtualBytes(110), without)
	assert.Equal(t, VirtualBytes(31), withChange-without, "a P2WPKH output is 31 vB")
}

func TestWitnessDiscount(t *testing.T) {
	outs := []*wire.TxOut{p2wpkhOut(10_000)}
	legacy := EstimateVirtualSize(Shape{Inputs: []InputKind{InputP2PKH}, Outputs: outs}, false)
	nested := EstimateVirtualSize(Shape{Inputs: []InputKind{InputNestedP2WPKH}, Outputs: outs}, false)
	native := EstimateVirtualSize(Shape{Inputs: []InputKind{InputP2WPKH}, Outputs: outs}, false)
	taproot := EstimateVirtualSize(Shape{Inputs: []InputKind{InputP2TR}, Outputs: outs}, false)

	assert.Less(t, native, nested)
	assert.Less(t, nested, legacy)
	assert.Less(t, taproot, native)
}

func TestEstimateGrowsPerInput(t *testing.T) {
	shape := Shape{Outputs: []*wire.TxOut{p2wpkhOut(1)}, ChangeScriptSize: 22}
	prev := EstimateVirtualSize(shape, true)
	for i := 0; i < 5; i++ {
		shape.Inputs = append(shape.Inputs, InputP2WPKH)
		next := EstimateVirtualSize(shape, true)
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestComputeFeeFloors(t *testing.T) {
	tests := []struct {
		rate  SatPerVByte
		vsize VirtualBytes
		want  btcutil.Amount
	}{
		{10, 141, 1410},
		{1.5, 141, 211},
		{2.5, 11, 27},
		{0.1, 5, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ComputeFee(tt.rate, tt.vsize), "rate=%v vsize=%d", tt.rate, tt.vsize)
	}
}

func TestValidateRate(t *testing.T) {
	assert.Equal(t, SatPerVByte(1), MinFeeRate)
	require.NoError(t, ValidateRate(MinFeeRate))
	require.NoError(t, ValidateRate(1.5))
	require.NoError(t, ValidateRate(MaxFeeRate))

	for _, bad := range []SatPerVByte{0, -1, 0.5, 0.999, MaxFeeRate + 1, SatPerVByte(math.NaN()), SatPerVByte(math.Inf(1))} {
		assert.ErrorIs(t, ValidateRate(bad), walleterr.ErrInvalidInput, "rate %v", bad)
	}
}

func TestTiers(t *testing.T) {
	tiers := Tiers{Minimum: 1, Economy: 2, Hour: 5, HalfHour: 8}
	require.NoError(t, tiers.Validate())

	rate, err := tiers.Rate(TierFastest)
	require.NoError(t, err)
	assert.Equal(t, SatPerVByte(8), rate, "fastest falls back to half-hour")

	tiers.Fastest = 12
	rate, err = tiers.Rate(TierFastest)
	require.NoError(t, err)
	assert.Equal(t, SatPerVByte(12), rate)

	_, err = tiers.Rate("weekly")
	assert.ErrorIs(t, err, walleterr.ErrInvalidInput)

	// Sub-minimum indexer rates are raised to the relay floor.
	quiet := Tiers{Minimum: 0.1, Economy: 0.5, Hour: 0.8, HalfHour: 1.2}
	require.NoError(t, quiet.Validate())
	rate, err = quiet.Rate(TierEconomy)
	require.NoError(t, err)
	assert.Equal(t, MinFeeRate, rate)
	rate, err = quiet.Rate(TierHalfHour)
	require.NoError(t, err)
	assert.Equal(t, SatPerVByte(1.2), rate)

	tiers.Economy = 0
	assert.ErrorIs(t, tiers.Validate(), walleterr.ErrInvalidInput)
}

func TestParseTier(t *testing.T) {
	for in, want := range map[string]Tier{
		"half-hour": TierHalfHour,
		"HalfHour":  TierHalfHour,
		"min":       TierMinimum,
		"economy":   TierEconomy,
	} {
		got, err := ParseTier(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseTier("asap")
	assert.Error(t, err)
}

func TestCheckOutputAndDust(t *testing.T) {
	script := p2wpkhOut(0).PkScript

	assert.ErrorIs(t, CheckOutput(wire.NewTxOut(100, script)), walleterr.ErrInvalidInput)
	assert.ErrorIs(t, CheckOutput(wire.NewTxOut(-1, script)), walleterr.ErrInvalidInput)
	assert.NoError(t, CheckOutput(wire.NewTxOut(50_000, script)))
}

func TestKindForAddressType(t *testing.T) {
	kind, err := KindForAddressType(chain.AddressP2SH_P2WPKH)
	require.NoError(t, err)
	assert.Equal(t, InputNestedP2WPKH, kind)
	assert.Equal(t, "p2sh-p2wpkh", kind.String())

	_, err = KindForAddressType(chain.AddressP2WSH)
	assert.ErrorIs(t, err, walleterr.ErrInvalidInput)
}
