package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"

	"github.com/Klingon-tech/satsend/internal/chain"
	walleterr "github.com/Klingon-tech/satsend/pkg/errors"
)

// KeyPair is a secp256k1 key bound to a network. The private scalar is
// optional; a watch-only pair can derive addresses and verify but not sign.
type KeyPair struct {
	priv       *btcec.PrivateKey
	pub        *btcec.PublicKey
	compressed bool
	network    chain.Network
}

func newKeyPair(priv *btcec.PrivateKey, network chain.Network, compressed bool) *KeyPair {
	return &KeyPair{
		priv:       priv,
		pub:        priv.PubKey(),
		compressed: compressed,
		network:    network,
	}
}

// NewKeyPair wraps an existing private key with compressed public key encoding.
func NewKeyPair(priv *btcec.PrivateKey, network chain.Network) *KeyPair {
	return newKeyPair(priv, network, true)
}

// NewWatchOnly creates a key pair without a private scalar.
func NewWatchOnly(pub *btcec.PublicKey, network chain.Network) *KeyPair {
	return &KeyPair{pub: pub, compressed: true, network: network}
}

// PublicKey returns the public point.
func (k *KeyPair) PublicKey() *btcec.PublicKey {
	return k.pub
}

// PrivateKey returns the private scalar, or nil for watch-only pairs.
func (k *KeyPair) PrivateKey() *btcec.PrivateKey {
	return k.priv
}

// HasPrivateKey reports whether the pair can sign.
func (k *KeyPair) HasPrivateKey() bool {
	return k.priv != nil
}

// Compressed reports whether the public key serializes in 33-byte form.
func (k *KeyPair) Compressed() bool {
	return k.compressed
}

// Network returns the network the pair is bound to.
func (k *KeyPair) Network() chain.Network {
	return k.network
}

// SerializePubKey returns the public key in the pair's encoding.
func (k *KeyPair) SerializePubKey() []byte {
	if k.compressed {
		return k.pub.SerializeCompressed()
	}
	return k.pub.SerializeUncompressed()
}

// Address derives the pair's address for variant.
func (k *KeyPair) Address(variant chain.AddressType) (string, error) {
	return DeriveAddress(k, k.network, variant)
}

// Zero wipes the private scalar. The pair becomes watch-only.
func (k *KeyPair) Zero() {
	if k.priv != nil {
		k.priv.Zero()
		k.priv = nil
	}
}

// String implements fmt.Stringer. Key material is never printed.
func (k *KeyPair) String() string {
	return fmt.Sprintf("KeyPair{network: %s, pub: %x, private: %t}",
		k.network, k.pub.SerializeCompressed(), k.priv != nil)
}

// GoString keeps %#v from dumping the scalar.
func (k *KeyPair) GoString() string {
	return k.String()
}

// DeriveAddress derives the address of the key pair's public key for network
// and variant.
func DeriveAddress(kp *KeyPair, network chain.Network, variant chain.AddressType) (string, error) {
	if kp == nil || kp.pub == nil {
		return "", walleterr.Newf(walleterr.ErrInvalidInput, "key pair is required")
	}
	if variant == chain.AddressP2PKH {
		params, ok := chain.Get(network)
		if !ok {
			return "", walleterr.Newf(walleterr.ErrInvalidInput, "unsupported network %q", network)
		}
		return encodeP2PKH(kp.SerializePubKey(), params)
	}
	if !kp.compressed {
		return "", walleterr.Newf(walleterr.ErrInvalidInput, "%s requires a compressed public key", variant)
	}
	return EncodeAddress(kp.pub, network, variant)
}

// RecoverPublicKey decodes a WIF private key and returns its public key.
func RecoverPublicKey(wif string) (*btcec.PublicKey, error) {
	decoded, err := decodeWIF(wif)
	if err != nil {
		return nil, err
	}
	return decoded.PrivKey.PubKey(), nil
}

// ImportWIF decodes a WIF private key into a key pair for the network its
// version byte names.
func ImportWIF(wif string) (*KeyPair, error) {
	decoded, err := decodeWIF(wif)
	if err != nil {
		return nil, err
	}

	for _, network := range chain.Networks() {
		if decoded.IsForNet(chain.MustGet(network).Chain) {
			return newKeyPair(decoded.PrivKey, network, decoded.CompressPubKey), nil
		}
	}
	return nil, walleterr.Newf(walleterr.ErrInvalidKeyEncoding, "unknown version byte")
}

// ExportWIF encodes the key pair's private key in Wallet Import Format.
func ExportWIF(kp *KeyPair) (string, error) {
	if !kp.HasPrivateKey() {
		return "", walleterr.Newf(walleterr.ErrInvalidInput, "key pair has no private key")
	}
	params, ok := chain.Get(kp.network)
	if !ok {
		return "", walleterr.Newf(walleterr.ErrInvalidInput, "unsupported network %q", kp.network)
	}

	wif, err := btcutil.NewWIF(kp.priv, params.Chain, kp.compressed)
	if err != nil {
		return "", fmt.Errorf("failed to create WIF: %w", err)
	}
	return wif.String(), nil
}

// decodeWIF maps every WIF failure (checksum, length, version byte) to
// ErrInvalidKeyEncoding.
func decodeWIF(wif string) (*btcutil.WIF, error) {
	decoded, err := btcutil.DecodeWIF(wif)
	if err != nil {
		return nil, walleterr.Wrap(walleterr.ErrInvalidKeyEncoding, err)
	}

	known := false
	for _, network := range chain.Networks() {
		if decoded.IsForNet(chain.MustGet(network).Chain) {
			known = true
			break
		}
	}
	if !known {
		return nil, walleterr.Newf(walleterr.ErrInvalidKeyEncoding, "unknown version byte")
	}
	return decoded, nil
}
