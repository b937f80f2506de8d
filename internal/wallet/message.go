package wallet

import (
	"bytes"
	"encoding/base64"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/Klingon-tech/satsend/internal/chain"
	walleterr "github.com/Klingon-tech/satsend/pkg/errors"
)

const (
	// MessageMagic frames signed messages so they can never be a transaction.
	MessageMagic = "Bitcoin Signed Message:\n"

	// CompactSignatureSize is header byte + 32-byte r + 32-byte s.
	CompactSignatureSize = 65

	compactHeaderBase       = 27
	compactHeaderCompressed = 4
)

// MessageHash returns double-SHA256(varstr(magic) || varstr(message)).
func MessageHash(message string) []byte {
	var buf bytes.Buffer
	// Writes to a bytes.Buffer cannot fail.
	_ = wire.WriteVarString(&buf, 0, MessageMagic)
	_ = wire.WriteVarString(&buf, 0, message)
	return chainhash.DoubleHashB(buf.Bytes())
}

// SignMessage produces a 65-byte recoverable signature over the message hash.
// The header byte is 27 + recovery id, plus 4 for compressed keys.
func SignMessage(message string, kp *KeyPair) ([]byte, error) {
	if message == "" {
		return nil, walleterr.Newf(walleterr.ErrInvalidInput, "message is empty")
	}
	if kp == nil || !kp.HasPrivateKey() {
		return nil, walleterr.Newf(walleterr.ErrInvalidInput, "key pair has no private key")
	}

	return ecdsa.SignCompact(kp.priv, MessageHash(message), kp.compressed), nil
}

// SignMessageBase64 is SignMessage with the signature base64-encoded.
func SignMessageBase64(message string, kp *KeyPair) (string, error) {
	sig, err := SignMessage(message, kp)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyMessage reports whether sig was made over message by the key behind
// address. Every address type derivable from the recovered key is tried.
// Segwit-specific headers (35-42) used by some wallets are accepted too.
func VerifyMessage(message, address string, sig []byte) (bool, error) {
	if len(sig) != CompactSignatureSize {
		return false, walleterr.WithDetail(walleterr.ErrInvalidSignatureLength, "length", strconv.Itoa(len(sig)))
	}
	if message == "" {
		return false, walleterr.Newf(walleterr.ErrInvalidInput, "message is empty")
	}

	decoded, err := DecodeAddress(address)
	if err != nil {
		return false, err
	}

	normalized := make([]byte, CompactSignatureSize)
	copy(normalized, sig)
	switch h := normalized[0]; {
	case h >= 39 && h <= 42: // BIP137 P2WPKH
		normalized[0] = h - 8
	case h >= 35 && h <= 38: // BIP137 P2SH-P2WPKH
		normalized[0] = h - 4
	}

	pubKey, compressed, err := ecdsa.RecoverCompact(normalized, MessageHash(message))
	if err != nil {
		return false, nil
	}

	if !compressed {
		legacy, err := encodeP2PKH(pubKey.SerializeUncompressed(), chain.MustGet(decoded.Network))
		if err != nil {
			return false, nil
		}
		return legacy == address, nil
	}

	candidates, err := AllAddresses(pubKey, decoded.Network)
	if err != nil {
		return false, nil
	}
	for _, candidate := range candidates {
		if candidate == address {
			return true, nil
		}
	}
	return false, nil
}

// VerifyMessageBase64 is VerifyMessage with a base64-encoded signature.
func VerifyMessageBase64(message, address, sigBase64 string) (bool, error) {
	sig, err := base64.StdEncoding.DecodeString(sigBase64)
	if err != nil {
		return false, walleterr.Wrap(walleterr.ErrInvalidInput, err)
	}
	return VerifyMessage(message, address, sig)
}
