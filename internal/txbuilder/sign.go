package txbuilder

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/satsend/internal/coinselect"
	"github.com/Klingon-tech/satsend/internal/fee"
	"github.com/Klingon-tech/satsend/internal/wallet"
	walleterr "github.com/Klingon-tech/satsend/pkg/errors"
)

// SignAllInputs signs every input with kp. Each signature is executed
// against its input script before the next input is signed; the first one
// that fails aborts with ErrSignatureValidationFailed and leaves the
// transaction unsigned. OutputsSet -> Signed.
func (t *Transaction) SignAllInputs(kp *wallet.KeyPair) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.expect(StateOutputsSet); err != nil {
		return err
	}
	if kp == nil || !kp.HasPrivateKey() {
		return walleterr.Newf(walleterr.ErrInvalidInput, "key pair has no private key")
	}

	signed := t.tx.Copy()
	fetcher := txscript.NewMultiPrevOutFetcher(t.prevOuts)
	sigHashes := txscript.NewTxSigHashes(signed, fetcher)

	for i, utxo := range t.selection.Inputs {
		if err := signInput(signed, i, utxo, kp, sigHashes); err != nil {
			return walleterr.WithDetail(
				walleterr.Wrap(walleterr.ErrSignatureValidationFailed, err),
				"input", strconv.Itoa(i),
			)
		}
		if err := verifyInput(signed, i, utxo, sigHashes, fetcher); err != nil {
			return walleterr.WithDetail(
				walleterr.Wrap(walleterr.ErrSignatureValidationFailed, err),
				"input", strconv.Itoa(i),
			)
		}
	}

	for i, txIn := range signed.TxIn {
		in := &t.packet.Inputs[i]
		in.FinalScriptSig = txIn.SignatureScript
		if len(txIn.Witness) > 0 {
			var witness bytes.Buffer
			if err := psbt.WriteTxWitness(&witness, txIn.Witness); err != nil {
				return fmt.Errorf("error serializing witness: %w", err)
			}
			in.FinalScriptWitness = witness.Bytes()
		}
	}

	t.tx = signed
	t.state = StateSigned
	return nil
}

func signInput(tx *wire.MsgTx, idx int, utxo coinselect.UTXO, kp *wallet.KeyPair,
	sigHashes *txscript.TxSigHashes) error {

	priv := kp.PrivateKey()
	value := int64(utxo.Value)

	switch utxo.Kind {
	case fee.InputP2WPKH:
		return signP2WPKH(tx, idx, value, utxo.PkScript, priv, sigHashes)

	case fee.InputNestedP2WPKH:
		return signNestedP2WPKH(tx, idx, value, kp, sigHashes)

	case fee.InputP2TR:
		return signP2TR(tx, idx, value, utxo.PkScript, priv, sigHashes)

	case fee.InputP2PKH:
		return signP2PKH(tx, idx, utxo.PkScript, priv, kp.Compressed())

	default:
		return fmt.Errorf("unsupported input kind %s", utxo.Kind)
	}
}

// signP2WPKH signs a native SegWit input.
func signP2WPKH(tx *wire.MsgTx, idx int, value int64, pkScript []byte, privKey *btcec.PrivateKey,
	sigHashes *txscript.TxSigHashes) error {

	witness, err := txscript.WitnessSignature(
		tx, sigHashes, idx, value, pkScript, txscript.SigHashAll, privKey, true,
	)
	if err != nil {
		return err
	}
	tx.TxIn[idx].Witness = witness
	return nil
}

// signNestedP2WPKH signs a P2SH-P2WPKH input: the witness is the same as
// for P2WPKH and the scriptSig pushes the witness program.
func signNestedP2WPKH(tx *wire.MsgTx, idx int, value int64, kp *wallet.KeyPair,
	sigHashes *txscript.TxSigHashes) error {

	redeemScript, err := wallet.NestedRedeemScript(kp.PublicKey(), kp.Network())
	if err != nil {
		return err
	}

	witness, err := txscript.WitnessSignature(
		tx, sigHashes, idx, value, redeemScript, txscript.SigHashAll, kp.PrivateKey(), true,
	)
	if err != nil {
		return err
	}

	sigScript, err := txscript.NewScriptBuilder().AddData(redeemScript).Script()
	if err != nil {
		return err
	}

	tx.TxIn[idx].Witness = witness
	tx.TxIn[idx].SignatureScript = sigScript
	return nil
}

// signP2TR signs a Taproot input using the BIP86 key-path spend.
func signP2TR(tx *wire.MsgTx, idx int, value int64, pkScript []byte, privKey *btcec.PrivateKey,
	sigHashes *txscript.TxSigHashes) error {

	witness, err := txscript.TaprootWitnessSignature(
		tx, sigHashes, idx, value, pkScript, txscript.SigHashDefault, privKey,
	)
	if err != nil {
		return err
	}
	tx.TxIn[idx].Witness = witness
	return nil
}

// signP2PKH signs a legacy input.
func signP2PKH(tx *wire.MsgTx, idx int, pkScript []byte, privKey *btcec.PrivateKey, compressed bool) error {
	sigScript, err := txscript.SignatureScript(
		tx, idx, pkScript, txscript.SigHashAll, privKey, compressed,
	)
	if err != nil {
		return err
	}
	tx.TxIn[idx].SignatureScript = sigScript
	return nil
}

// verifyInput executes the input's scripts with standard verification flags.
func verifyInput(tx *wire.MsgTx, idx int, utxo coinselect.UTXO, sigHashes *txscript.TxSigHashes,
	fetcher txscript.PrevOutputFetcher) error {

	vm, err := txscript.NewEngine(
		utxo.PkScript, tx, idx, txscript.StandardVerifyFlags, nil,
		sigHashes, int64(utxo.Value), fetcher,
	)
	if err != nil {
		return fmt.Errorf("failed to create script engine: %w", err)
	}
	if err := vm.Execute(); err != nil {
		return fmt.Errorf("script execution failed: %w", err)
	}
	return nil
}
