// Package chain defines Bitcoin network parameters and derivation paths.
// All network values are hardcoded here - no external configuration needed.
package chain

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network represents mainnet or testnet.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// ParseNetwork parses a network name. "main" and "test" are accepted as aliases.
func ParseNetwork(s string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mainnet", "main", "bitcoin":
		return Mainnet, nil
	case "testnet", "test", "testnet3":
		return Testnet, nil
	default:
		return "", fmt.Errorf("unknown network: %q", s)
	}
}

// AddressType represents the address encoding format.
type AddressType string

const (
	AddressP2PKH       AddressType = "p2pkh"       // Legacy (1...)
	AddressP2SH_P2WPKH AddressType = "p2sh-p2wpkh" // Nested SegWit (3...)
	AddressP2WPKH      AddressType = "p2wpkh"      // Native SegWit (bc1q...)
	AddressP2TR        AddressType = "p2tr"        // Taproot (bc1p...)
	AddressP2WSH       AddressType = "p2wsh"       // SegWit script (bc1q..., recipients only)
)

// ParseAddressType accepts both the script names and the wallet-facing
// names (legacy, nested-segwit, native-segwit, taproot).
func ParseAddressType(s string) (AddressType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "p2pkh", "legacy":
		return AddressP2PKH, nil
	case "p2sh-p2wpkh", "nested-segwit", "nested":
		return AddressP2SH_P2WPKH, nil
	case "p2wpkh", "native-segwit", "segwit", "":
		return AddressP2WPKH, nil
	case "p2tr", "taproot":
		return AddressP2TR, nil
	case "p2wsh":
		return AddressP2WSH, nil
	default:
		return "", fmt.Errorf("unknown address type: %q", s)
	}
}

// Spendable reports whether the wallet can derive and sign for this type.
func (a AddressType) Spendable() bool {
	switch a {
	case AddressP2PKH, AddressP2SH_P2WPKH, AddressP2WPKH, AddressP2TR:
		return true
	}
	return false
}

// Params contains the parameters for one Bitcoin network.
type Params struct {
	Network Network
	Name    string

	// BIP44 derivation
	CoinType       uint32 // 0 mainnet, 1 for every testnet
	DefaultPurpose uint32 // 84 (native SegWit)

	// Chain holds the btcd network parameters used for address and key encoding.
	Chain *chaincfg.Params

	DefaultAddressType AddressType
}

// DerivationPath returns the BIP44/84 derivation path.
// Format: m/purpose'/coin'/account'/change/index
func (p *Params) DerivationPath(account, change, index uint32) []uint32 {
	return []uint32{
		p.DefaultPurpose + 0x80000000, // purpose' (hardened)
		p.CoinType + 0x80000000,       // coin_type' (hardened)
		account + 0x80000000,          // account' (hardened)
		change,                        // change (0=external, 1=internal)
		index,                         // address_index
	}
}

// DerivationPathString returns the derivation path as a string.
func (p *Params) DerivationPathString(account, change, index uint32) string {
	return fmt.Sprintf("m/%d'/%d'/%d'/%d/%d", p.DefaultPurpose, p.CoinType, account, change, index)
}

var registry = map[Network]*Params{
	Mainnet: {
		Network:            Mainnet,
		Name:               "Bitcoin",
		CoinType:           0,
		DefaultPurpose:     84,
		Chain:              &chaincfg.MainNetParams,
		DefaultAddressType: AddressP2WPKH,
	},
	Testnet: {
		Network:            Testnet,
		Name:               "Bitcoin Testnet",
		CoinType:           1,
		DefaultPurpose:     84,
		Chain:              &chaincfg.TestNet3Params,
		DefaultAddressType: AddressP2WPKH,
	},
}

// Get returns params for a network.
func Get(network Network) (*Params, bool) {
	p, ok := registry[network]
	return p, ok
}

// MustGet returns params for a network and panics on an unknown network.
func MustGet(network Network) *Params {
	p, ok := registry[network]
	if !ok {
		panic(fmt.Sprintf("chain: unknown network %q", network))
	}
	return p
}

// Networks returns the supported networks, mainnet first.
func Networks() []Network {
	return []Network{Mainnet, Testnet}
}
