package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"

	"github.com/Klingon-tech/satsend/internal/chain"
	walleterr "github.com/Klingon-tech/satsend/pkg/errors"
)

// DecodedAddress is the result of decoding an address string.
type DecodedAddress struct {
	Network chain.Network
	Type    chain.AddressType
	// Program is the pubkey hash, script hash, or witness program.
	Program []byte
	// PkScript is the output script paying to the address.
	PkScript []byte
	Address  btcutil.Address
}

// EncodeAddress encodes a public key as an address of the given type.
func EncodeAddress(pubKey *btcec.PublicKey, network chain.Network, variant chain.AddressType) (string, error) {
	params, ok := chain.Get(network)
	if !ok {
		return "", walleterr.Newf(walleterr.ErrInvalidInput, "unsupported network %q", network)
	}
	if pubKey == nil {
		return "", walleterr.Newf(walleterr.ErrInvalidInput, "public key is required")
	}

	switch variant {
	case chain.AddressP2PKH:
		return encodeP2PKH(pubKey.SerializeCompressed(), params)
	case chain.AddressP2SH_P2WPKH:
		return encodeP2SHP2WPKH(pubKey, params)
	case chain.AddressP2WPKH:
		return encodeP2WPKH(pubKey, params)
	case chain.AddressP2TR:
		return encodeP2TR(pubKey, params)
	default:
		return "", walleterr.Newf(walleterr.ErrInvalidInput, "cannot derive %q address from a key", variant)
	}
}

// encodeP2PKH encodes a legacy P2PKH address (1... on mainnet). The key may
// be compressed or uncompressed.
func encodeP2PKH(serializedPubKey []byte, params *chain.Params) (string, error) {
	pubKeyHash := btcutil.Hash160(serializedPubKey)
	addr, err := btcutil.NewAddressPubKeyHash(pubKeyHash, params.Chain)
	if err != nil {
		return "", fmt.Errorf("failed to create P2PKH address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// encodeP2WPKH encodes a native SegWit address (bc1q...).
func encodeP2WPKH(pubKey *btcec.PublicKey, params *chain.Params) (string, error) {
	pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, params.Chain)
	if err != nil {
		return "", fmt.Errorf("failed to create P2WPKH address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// encodeP2SHP2WPKH encodes a nested SegWit address (3... on mainnet).
func encodeP2SHP2WPKH(pubKey *btcec.PublicKey, params *chain.Params) (string, error) {
	redeemScript, err := NestedRedeemScript(pubKey, params.Network)
	if err != nil {
		return "", err
	}

	addr, err := btcutil.NewAddressScriptHash(redeemScript, params.Chain)
	if err != nil {
		return "", fmt.Errorf("failed to create P2SH address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// encodeP2TR encodes a BIP86 key-path Taproot address (bc1p...).
func encodeP2TR(pubKey *btcec.PublicKey, params *chain.Params) (string, error) {
	taprootKey := txscript.ComputeTaprootKeyNoScript(pubKey)
	addr, err := btcutil.NewAddressTaproot(taprootKey.SerializeCompressed()[1:], params.Chain)
	if err != nil {
		return "", fmt.Errorf("failed to create Taproot address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// NestedRedeemScript returns the P2WPKH witness program a nested SegWit
// output commits to. It is the redeem script pushed when spending.
func NestedRedeemScript(pubKey *btcec.PublicKey, network chain.Network) ([]byte, error) {
	params, ok := chain.Get(network)
	if !ok {
		return nil, walleterr.Newf(walleterr.ErrInvalidInput, "unsupported network %q", network)
	}

	pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())
	witnessAddr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, params.Chain)
	if err != nil {
		return nil, fmt.Errorf("failed to create witness address: %w", err)
	}

	witnessScript, err := txscript.PayToAddrScript(witnessAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create witness script: %w", err)
	}
	return witnessScript, nil
}

// DecodeAddress decodes an address on any supported network. P2SH addresses
// are reported as nested SegWit, the only script-hash type the wallet issues.
func DecodeAddress(address string) (*DecodedAddress, error) {
	for _, network := range chain.Networks() {
		params := chain.MustGet(network)

		decoded, err := btcutil.DecodeAddress(address, params.Chain)
		if err != nil || !decoded.IsForNet(params.Chain) {
			continue
		}

		addrType, program, err := classifyAddress(decoded)
		if err != nil {
			return nil, walleterr.Wrap(walleterr.ErrInvalidAddress, err)
		}

		pkScript, err := txscript.PayToAddrScript(decoded)
		if err != nil {
			return nil, walleterr.Wrap(walleterr.ErrInvalidAddress, err)
		}

		return &DecodedAddress{
			Network:  network,
			Type:     addrType,
			Program:  program,
			PkScript: pkScript,
			Address:  decoded,
		}, nil
	}

	return nil, walleterr.Newf(walleterr.ErrInvalidAddress, "%q is not a valid address", address)
}

func classifyAddress(decoded btcutil.Address) (chain.AddressType, []byte, error) {
	switch a := decoded.(type) {
	case *btcutil.AddressPubKeyHash:
		return chain.AddressP2PKH, a.ScriptAddress(), nil
	case *btcutil.AddressScriptHash:
		return chain.AddressP2SH_P2WPKH, a.ScriptAddress(), nil
	case *btcutil.AddressWitnessPubKeyHash:
		return chain.AddressP2WPKH, a.WitnessProgram(), nil
	case *btcutil.AddressWitnessScriptHash:
		return chain.AddressP2WSH, a.WitnessProgram(), nil
	case *btcutil.AddressTaproot:
		return chain.AddressP2TR, a.WitnessProgram(), nil
	default:
		return "", nil, fmt.Errorf("unsupported address type %T", decoded)
	}
}

// ValidateAddress reports whether address decodes on expectedNetwork.
// It never fails.
func ValidateAddress(address string, expectedNetwork chain.Network) bool {
	decoded, err := DecodeAddress(address)
	if err != nil {
		return false
	}
	return decoded.Network == expectedNetwork
}

// PayToAddress returns the output script for address, which must belong to
// network.
func PayToAddress(address string, network chain.Network) ([]byte, error) {
	decoded, err := DecodeAddress(address)
	if err != nil {
		return nil, err
	}
	if decoded.Network != network {
		return nil, walleterr.Newf(walleterr.ErrInvalidAddress, "address is for %s, expected %s", decoded.Network, network)
	}
	return decoded.PkScript, nil
}

// AllAddresses derives every key-derived address type for a public key.
func AllAddresses(pubKey *btcec.PublicKey, network chain.Network) (map[chain.AddressType]string, error) {
	addresses := make(map[chain.AddressType]string, 4)
	for _, variant := range []chain.AddressType{
		chain.AddressP2PKH,
		chain.AddressP2SH_P2WPKH,
		chain.AddressP2WPKH,
		chain.AddressP2TR,
	} {
		addr, err := EncodeAddress(pubKey, network, variant)
		if err != nil {
			return nil, err
		}
		addresses[variant] = addr
	}
	return addresses, nil
}
