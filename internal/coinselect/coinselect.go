// Package coinselect picks inputs for a payment with a descending-value
// greedy search and decides whether the remainder earns a change output.
package coinselect

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/satsend/internal/fee"
	walleterr "github.com/Klingon-tech/satsend/pkg/errors"
)

// DustThreshold is the smallest remainder paid back as change. Anything
// below is absorbed into the fee.
const DustThreshold btcutil.Amount = 330

// UTXO is a confirmed, spendable output owned by the wallet.
type UTXO struct {
	OutPoint wire.OutPoint
	Value    btcutil.Amount
	PkScript []byte
	Kind     fee.InputKind
}

// Request is the input to Select. Candidates are read-only and must already
// be filtered to confirmed outputs.
type Request struct {
	Candidates []UTXO
	Outputs    []*wire.TxOut
	FeeRate    fee.SatPerVByte
	// ChangePkScript pays the remainder back to the payer.
	ChangePkScript []byte
}

// Selection is a successful selection. Inputs, Outputs, Change and Fee
// always satisfy TotalIn == sum(Outputs) + Change + Fee.
type Selection struct {
	Inputs         []UTXO
	Outputs        []*wire.TxOut
	HasChange      bool
	Change         btcutil.Amount
	ChangePkScript []byte
	Fee            btcutil.Amount
	FeeRate        fee.SatPerVByte
	VirtualSize    fee.VirtualBytes
	TotalIn        btcutil.Amount
}

// TotalOut returns the sum of the payment outputs, change excluded.
func (s *Selection) TotalOut() btcutil.Amount {
	return sumOutputs(s.Outputs)
}

// CheckConservation verifies that no satoshi is created or lost.
func (s *Selection) CheckConservation() error {
	var in btcutil.Amount
	for _, u := range s.Inputs {
		in += u.Value
	}
	if in != s.TotalIn {
		return fmt.Errorf("input total %d does not match inputs %d", s.TotalIn, in)
	}
	if s.Fee < 0 || s.Change < 0 {
		return fmt.Errorf("negative fee %d or change %d", s.Fee, s.Change)
	}
	if !s.HasChange && s.Change != 0 {
		return fmt.Errorf("change %d without change output", s.Change)
	}
	if out := s.TotalOut() + s.Change + s.Fee; out != in {
		return fmt.Errorf("inputs %d != outputs+change+fee %d", in, out)
	}
	return nil
}

// InsufficientFundsError reports how much a payment needed and how much the
// candidates held. It matches errors.ErrInsufficientFunds.
type InsufficientFundsError struct {
	Required  btcutil.Amount
	Available btcutil.Amount
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %d sat, available %d sat", int64(e.Required), int64(e.Available))
}

// Unwrap lets errors.Is match the sentinel.
func (e *InsufficientFundsError) Unwrap() error {
	return walleterr.ErrInsufficientFunds
}

// Shortfall is the amount missing from the candidates.
func (e *InsufficientFundsError) Shortfall() btcutil.Amount {
	return e.Required - e.Available
}

// Select runs descending-value greedy selection:
//
//  1. sort candidates by value, descending, keeping input order on ties;
//  2. add them one at a time, re-estimating the fee with and without change;
//  3. stop once inputs cover outputs plus the no-change fee;
//  4. pay change if the remainder after the with-change fee is at least
//     DustThreshold, otherwise the remainder becomes fee.
func Select(req Request) (*Selection, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	sorted := make([]UTXO, len(req.Candidates))
	copy(sorted, req.Candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Value > sorted[j].Value
	})

	outputs := cloneOutputs(req.Outputs)
	target := sumOutputs(outputs)

	shape := fee.Shape{
		Outputs:          outputs,
		ChangeScriptSize: len(req.ChangePkScript),
	}

	var (
		total   btcutil.Amount
		feeNo   btcutil.Amount
		vsizeNo fee.VirtualBytes
	)
	for i, utxo := range sorted {
		shape.Inputs = append(shape.Inputs, utxo.Kind)
		total += utxo.Value

		vsizeNo = fee.EstimateVirtualSize(shape, false)
		feeNo = fee.ComputeFee(req.FeeRate, vsizeNo)
		if total < target+feeNo {
			continue
		}

		vsizeWith := fee.EstimateVirtualSize(shape, true)
		feeWith := fee.ComputeFee(req.FeeRate, vsizeWith)

		sel := &Selection{
			Inputs:         sorted[:i+1:i+1],
			Outputs:        outputs,
			ChangePkScript: req.ChangePkScript,
			FeeRate:        req.FeeRate,
			TotalIn:        total,
		}
		if remainder := total - (feeWith + target); remainder >= DustThreshold {
			sel.HasChange = true
			sel.Change = remainder
			sel.Fee = feeWith
			sel.VirtualSize = vsizeWith
		} else {
			sel.ChangePkScript = nil
			sel.Fee = total - target
			sel.VirtualSize = vsizeNo
		}
		return sel, nil
	}

	if len(sorted) == 0 {
		vsizeNo = fee.EstimateVirtualSize(shape, false)
		feeNo = fee.ComputeFee(req.FeeRate, vsizeNo)
	}
	return nil, &InsufficientFundsError{
		Required:  target + feeNo,
		Available: total,
	}
}

func validate(req Request) error {
	if len(req.Outputs) == 0 {
		return walleterr.Newf(walleterr.ErrInvalidInput, "at least one output is required")
	}
	if err := fee.ValidateRate(req.FeeRate); err != nil {
		return err
	}
	if len(req.ChangePkScript) == 0 {
		return walleterr.Newf(walleterr.ErrInvalidInput, "change script is required")
	}

	var total btcutil.Amount
	for i, out := range req.Outputs {
		if out == nil || out.Value <= 0 {
			return walleterr.Newf(walleterr.ErrInvalidInput, "output %d must have a positive value", i)
		}
		total += btcutil.Amount(out.Value)
		if total > btcutil.MaxSatoshi {
			return walleterr.Newf(walleterr.ErrInvalidInput, "outputs exceed the maximum supply")
		}
	}

	seen := make(map[wire.OutPoint]struct{}, len(req.Candidates))
	for _, u := range req.Candidates {
		if u.Value <= 0 {
			return walleterr.Newf(walleterr.ErrInvalidInput, "utxo %s has non-positive value", u.OutPoint)
		}
		if _, dup := seen[u.OutPoint]; dup {
			return walleterr.Newf(walleterr.ErrInvalidInput, "utxo %s listed twice", u.OutPoint)
		}
		seen[u.OutPoint] = struct{}{}
	}
	return nil
}

func sumOutputs(outs []*wire.TxOut) btcutil.Amount {
	var total btcutil.Amount
	for _, out := range outs {
		total += btcutil.Amount(out.Value)
	}
	return total
}

func cloneOutputs(outs []*wire.TxOut) []*wire.TxOut {
	cloned := make([]*wire.TxOut, len(outs))
	for i, out := range outs {
		script := make([]byte, len(out.PkScript))
		copy(script, out.PkScript)
		cloned[i] = wire.NewTxOut(out.Value, script)
	}
	return cloned
}
