// Package txbuilder assembles selected inputs and outputs into a PSBT-backed
// transaction, signs every input, and extracts the final serialization.
package txbuilder

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/satsend/internal/chain"
	"github.com/Klingon-tech/satsend/internal/coinselect"
	"github.com/Klingon-tech/satsend/internal/fee"
	"github.com/Klingon-tech/satsend/internal/wallet"
	walleterr "github.com/Klingon-tech/satsend/pkg/errors"
)

const (
	// TxVersion is the version of built transactions.
	TxVersion int32 = 2

	// RBFSequence signals replaceability on every input.
	RBFSequence = wire.MaxTxInSequenceNum - 2
)

// Output is a payment destination.
type Output struct {
	Address string
	Value   btcutil.Amount
}

// Transaction is a transaction under construction. It is safe for concurrent
// use, though callers normally drive it from a single goroutine.
type Transaction struct {
	mu      sync.Mutex
	state   State
	network chain.Network

	selection *coinselect.Selection
	tx        *wire.MsgTx
	packet    *psbt.Packet
	prevOuts  map[wire.OutPoint]*wire.TxOut

	changeIndex int
	final       *wire.MsgTx
	raw         []byte
}

// New returns an empty transaction for network.
func New(network chain.Network) *Transaction {
	return &Transaction{network: network, changeIndex: -1}
}

// BuildUnsigned creates a transaction in StateOutputsSet from a selection.
// outputs must describe the same payments the selection was computed for.
func BuildUnsigned(network chain.Network, outputs []Output, sel *coinselect.Selection) (*Transaction, error) {
	t := New(network)
	if err := t.AddInputs(sel); err != nil {
		return nil, err
	}
	if err := t.SetOutputs(outputs); err != nil {
		return nil, err
	}
	return t, nil
}

// AddInputs binds the selected inputs. Empty -> InputsSelected.
func (t *Transaction) AddInputs(sel *coinselect.Selection) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.expect(StateEmpty); err != nil {
		return err
	}
	if sel == nil || len(sel.Inputs) == 0 {
		return walleterr.Newf(walleterr.ErrInvalidInput, "selection has no inputs")
	}
	if err := sel.CheckConservation(); err != nil {
		return walleterr.Wrap(walleterr.ErrInvalidInput, err)
	}

	tx := wire.NewMsgTx(TxVersion)
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(sel.Inputs))
	for _, utxo := range sel.Inputs {
		outpoint := utxo.OutPoint
		txIn := wire.NewTxIn(&outpoint, nil, nil)
		txIn.Sequence = RBFSequence
		tx.AddTxIn(txIn)
		prevOuts[outpoint] = wire.NewTxOut(int64(utxo.Value), utxo.PkScript)
	}

	t.selection = sel
	t.tx = tx
	t.prevOuts = prevOuts
	t.state = StateInputsSelected
	return nil
}

// SetOutputs adds the payment outputs and, when the selection pays change,
// the change output last. InputsSelected -> OutputsSet.
func (t *Transaction) SetOutputs(outputs []Output) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.expect(StateInputsSelected); err != nil {
		return err
	}
	if len(outputs) != len(t.selection.Outputs) {
		return walleterr.Newf(walleterr.ErrInvalidInput,
			"%d outputs given, selection was computed for %d", len(outputs), len(t.selection.Outputs))
	}

	tx := t.tx.Copy()
	for i, out := range outputs {
		pkScript, err := wallet.PayToAddress(out.Address, t.network)
		if err != nil {
			return fmt.Errorf("output %d: %w", i, err)
		}
		txOut := wire.NewTxOut(int64(out.Value), pkScript)
		if err := fee.CheckOutput(txOut); err != nil {
			return fmt.Errorf("output %d: %w", i, err)
		}

		selected := t.selection.Outputs[i]
		if selected.Value != txOut.Value || !bytes.Equal(selected.PkScript, txOut.PkScript) {
			return walleterr.Newf(walleterr.ErrInvalidInput, "output %d does not match the selection", i)
		}
		tx.AddTxOut(txOut)
	}

	changeIndex := -1
	if t.selection.HasChange {
		changeIndex = len(tx.TxOut)
		tx.AddTxOut(wire.NewTxOut(int64(t.selection.Change), t.selection.ChangePkScript))
	}

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return fmt.Errorf("failed to create psbt: %w", err)
	}
	for i, utxo := range t.selection.Inputs {
		in := &packet.Inputs[i]
		in.WitnessUtxo = wire.NewTxOut(int64(utxo.Value), utxo.PkScript)
		switch utxo.Kind {
		case fee.InputP2TR:
			in.SighashType = txscript.SigHashDefault
		default:
			in.SighashType = txscript.SigHashAll
		}
	}

	t.tx = tx
	t.packet = packet
	t.changeIndex = changeIndex
	t.state = StateOutputsSet
	return nil
}

// SetRedeemScript records the redeem script of a nested SegWit input in the
// PSBT. Only valid in StateOutputsSet.
func (t *Transaction) SetRedeemScript(index int, redeemScript []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.expect(StateOutputsSet); err != nil {
		return err
	}
	if index < 0 || index >= len(t.packet.Inputs) {
		return walleterr.Newf(walleterr.ErrInvalidInput, "input index %d out of range", index)
	}
	t.packet.Inputs[index].RedeemScript = redeemScript
	return nil
}

// State returns the current state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Network returns the network the transaction is built for.
func (t *Transaction) Network() chain.Network {
	return t.network
}

// Selection returns the coin selection the transaction spends.
func (t *Transaction) Selection() *coinselect.Selection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.selection
}

// Fee returns the fee the transaction pays.
func (t *Transaction) Fee() btcutil.Amount {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.selection == nil {
		return 0
	}
	return t.selection.Fee
}

// ChangeIndex returns the index of the change output, or -1.
func (t *Transaction) ChangeIndex() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.changeIndex
}

// MsgTx returns a copy of the current wire transaction: unsigned before
// signing, final after.
func (t *Transaction) MsgTx() *wire.MsgTx {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.final != nil {
		return t.final.Copy()
	}
	if t.tx == nil {
		return nil
	}
	return t.tx.Copy()
}

// TxID returns the transaction id. For transactions spending legacy inputs
// the id is only final after signing.
func (t *Transaction) TxID() chainhash.Hash {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.final != nil {
		return t.final.TxHash()
	}
	if t.tx == nil {
		return chainhash.Hash{}
	}
	return t.tx.TxHash()
}

// PSBTBase64 returns the base64 PSBT of the transaction.
func (t *Transaction) PSBTBase64() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.packet == nil {
		return "", walleterr.Newf(walleterr.ErrInvalidState, "outputs not set")
	}
	return t.packet.B64Encode()
}

// CheckBalance re-verifies inputs >= outputs + fee on the wire transaction.
func (t *Transaction) CheckBalance() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.tx == nil || t.selection == nil {
		return walleterr.Newf(walleterr.ErrInvalidState, "transaction has no inputs")
	}

	var in, out btcutil.Amount
	for _, txIn := range t.tx.TxIn {
		prev, ok := t.prevOuts[txIn.PreviousOutPoint]
		if !ok {
			return fmt.Errorf("missing previous output %s", txIn.PreviousOutPoint)
		}
		in += btcutil.Amount(prev.Value)
	}
	for _, txOut := range t.tx.TxOut {
		out += btcutil.Amount(txOut.Value)
	}
	if in < out+t.selection.Fee {
		return fmt.Errorf("inputs %d < outputs %d + fee %d", in, out, t.selection.Fee)
	}
	if in-out != t.selection.Fee {
		return fmt.Errorf("implied fee %d != selected fee %d", in-out, t.selection.Fee)
	}
	return nil
}

// Finalize locks the transaction and returns its canonical serialization.
// Signed -> Finalized.
func (t *Transaction) Finalize() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.expect(StateSigned); err != nil {
		return nil, err
	}

	if err := psbt.MaybeFinalizeAll(t.packet); err != nil {
		return nil, fmt.Errorf("error finalizing PSBT: %w", err)
	}
	final, err := psbt.Extract(t.packet)
	if err != nil {
		return nil, fmt.Errorf("failed to extract transaction: %w", err)
	}

	var buf bytes.Buffer
	if err := final.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}

	t.final = final
	t.raw = buf.Bytes()
	t.state = StateFinalized
	return append([]byte(nil), t.raw...), nil
}

// Hex returns the hex serialization of a finalized transaction.
func (t *Transaction) Hex() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateFinalized {
		return "", walleterr.Newf(walleterr.ErrInvalidState, "transaction is %s, want finalized", t.state)
	}
	return hex.EncodeToString(t.raw), nil
}

// VirtualSize returns the measured virtual size of the finalized transaction.
func (t *Transaction) VirtualSize() (fee.VirtualBytes, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.final == nil {
		return 0, walleterr.Newf(walleterr.ErrInvalidState, "transaction is %s, want finalized", t.state)
	}
	weight := t.final.SerializeSizeStripped()*3 + t.final.SerializeSize()
	return fee.VirtualBytes((weight + 3) / 4), nil
}

func (t *Transaction) expect(want State) error {
	if t.state != want {
		return walleterr.Newf(walleterr.ErrInvalidState, "transaction is %s, want %s", t.state, want)
	}
	return nil
}
