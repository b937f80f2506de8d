// Package wallet provides BIP39/BIP84 key derivation, address encoding and
// Bitcoin signed-message authentication.
package wallet

import (
	"fmt"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/tyler-smith/go-bip39"

	"github.com/Klingon-tech/satsend/internal/chain"
	walleterr "github.com/Klingon-tech/satsend/pkg/errors"
)

// SeedPhrase is a BIP39 mnemonic. It never prints its words.
type SeedPhrase string

// String implements fmt.Stringer without revealing the words.
func (s SeedPhrase) String() string {
	return "[REDACTED seed phrase]"
}

// GoString keeps %#v from leaking the words.
func (s SeedPhrase) GoString() string {
	return s.String()
}

// Words returns the normalized mnemonic words.
func (s SeedPhrase) Words() []string {
	return strings.Fields(strings.ToLower(string(s)))
}

// normalized joins the words with single spaces, the form the BIP39 seed is
// computed over.
func (s SeedPhrase) normalized() string {
	return strings.Join(s.Words(), " ")
}

// Valid reports whether the phrase passes BIP39 checksum validation.
func (s SeedPhrase) Valid() bool {
	return bip39.IsMnemonicValid(s.normalized())
}

// GenerateSeedPhrase generates a new 24-word BIP39 mnemonic.
func GenerateSeedPhrase() (SeedPhrase, error) {
	return GenerateSeedPhraseWithBits(256)
}

// GenerateSeedPhraseWithBits generates a mnemonic from bits of entropy
// (128 to 256 in steps of 32).
func GenerateSeedPhraseWithBits(bits int) (SeedPhrase, error) {
	entropy, err := bip39.NewEntropy(bits)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}

	return SeedPhrase(mnemonic), nil
}

// Keychain derives BIP84 keys from a seed and caches intermediate account keys.
type Keychain struct {
	masterKey *hdkeychain.ExtendedKey
	params    *chain.Params
	mu        sync.Mutex

	// account -> account-level extended key
	accounts map[uint32]*hdkeychain.ExtendedKey
}

// NewKeychain creates a keychain from a mnemonic. The passphrase is optional
// (can be empty string).
func NewKeychain(seed SeedPhrase, passphrase string, network chain.Network) (*Keychain, error) {
	params, ok := chain.Get(network)
	if !ok {
		return nil, walleterr.Newf(walleterr.ErrInvalidInput, "unsupported network %q", network)
	}
	if !seed.Valid() {
		return nil, walleterr.ErrInvalidSeed
	}

	raw := bip39.NewSeed(seed.normalized(), passphrase)

	masterKey, err := hdkeychain.NewMaster(raw, params.Chain)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	return &Keychain{
		masterKey: masterKey,
		params:    params,
		accounts:  make(map[uint32]*hdkeychain.ExtendedKey),
	}, nil
}

// Network returns the keychain's network.
func (k *Keychain) Network() chain.Network {
	return k.params.Network
}

// DerivationPath returns the path string of the key at account/change/index.
func (k *Keychain) DerivationPath(account, change, index uint32) string {
	return k.params.DerivationPathString(account, change, index)
}

// accountKey derives m/purpose'/coin'/account' with caching.
func (k *Keychain) accountKey(account uint32) (*hdkeychain.ExtendedKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if key, ok := k.accounts[account]; ok {
		return key, nil
	}

	path := k.params.DerivationPath(account, 0, 0)

	// m/purpose' (hardened)
	purposeKey, err := k.masterKey.Derive(path[0])
	if err != nil {
		return nil, fmt.Errorf("failed to derive purpose: %w", err)
	}

	// m/purpose'/coin' (hardened)
	coinKey, err := purposeKey.Derive(path[1])
	if err != nil {
		return nil, fmt.Errorf("failed to derive coin: %w", err)
	}

	// m/purpose'/coin'/account' (hardened)
	accountKey, err := coinKey.Derive(path[2])
	if err != nil {
		return nil, fmt.Errorf("failed to derive account: %w", err)
	}

	k.accounts[account] = accountKey
	return accountKey, nil
}

// KeyPair derives the key pair at m/84'/coin'/account'/change/index.
func (k *Keychain) KeyPair(account, change, index uint32) (*KeyPair, error) {
	accountKey, err := k.accountKey(account)
	if err != nil {
		return nil, err
	}

	changeKey, err := accountKey.Derive(change)
	if err != nil {
		return nil, fmt.Errorf("failed to derive change: %w", err)
	}

	addressKey, err := changeKey.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("failed to derive address: %w", err)
	}

	privKey, err := addressKey.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}

	return newKeyPair(privKey, k.params.Network, true), nil
}

// DeriveKeyPair derives the receive key at m/84'/coin'/account'/0/0.
// Same inputs always yield the same key pair.
func DeriveKeyPair(seed SeedPhrase, network chain.Network, account uint32) (*KeyPair, error) {
	kc, err := NewKeychain(seed, "", network)
	if err != nil {
		return nil, err
	}
	return kc.KeyPair(account, 0, 0)
}
