package wallet

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/satsend/internal/chain"
	walleterr "github.com/Klingon-tech/satsend/pkg/errors"
)

func TestEncodeKnownAddresses(t *testing.T) {
	pub, err := RecoverPublicKey(keyOneWIF)
	require.NoError(t, err)

	legacy, err := EncodeAddress(pub, chain.Mainnet, chain.AddressP2PKH)
	require.NoError(t, err)
	assert.Equal(t, keyOneP2PKH, legacy)

	native, err := EncodeAddress(pub, chain.Mainnet, chain.AddressP2WPKH)
	require.NoError(t, err)
	assert.Equal(t, keyOneP2WPKH, native)

	_, err = EncodeAddress(pub, chain.Mainnet, chain.AddressP2WSH)
	assert.ErrorIs(t, err, walleterr.ErrInvalidInput)
	_, err = EncodeAddress(pub, "regtest", chain.AddressP2WPKH)
	assert.ErrorIs(t, err, walleterr.ErrInvalidInput)
}

func TestAddressRoundTrip(t *testing.T) {
	kp, err := DeriveKeyPair(testMnemonic, chain.Mainnet, 0)
	require.NoError(t, err)

	prefixes := map[chain.Network]map[chain.AddressType]string{
		chain.Mainnet: {
			chain.AddressP2PKH:       "1",
			chain.AddressP2SH_P2WPKH: "3",
			chain.AddressP2WPKH:      "bc1q",
			chain.AddressP2TR:        "bc1p",
		},
		chain.Testnet: {
			chain.AddressP2SH_P2WPKH: "2",
			chain.AddressP2WPKH:      "tb1q",
			chain.AddressP2TR:        "tb1p",
		},
	}

	for network, variants := range prefixes {
		for variant, prefix := range variants {
			t.Run(string(network)+"/"+string(variant), func(t *testing.T) {
				addr, err := EncodeAddress(kp.PublicKey(), network, variant)
				require.NoError(t, err)
				assert.True(t, strings.HasPrefix(addr, prefix), "address %s should start with %s", addr, prefix)

				decoded, err := DecodeAddress(addr)
				require.NoError(t, err)
				assert.Equal(t, network, decoded.Network)
				assert.Equal(t, variant, decoded.Type)
				assert.NotEmpty(t, decoded.PkScript)

				assert.True(t, ValidateAddress(addr, network))
			})
		}
	}
}

func TestDecodeProgram(t *testing.T) {
	decoded, err := DecodeAddress(keyOneP2WPKH)
	require.NoError(t, err)
	assert.Equal(t, "751e76e8199196d454941c45d1b3a323f1433bd6", hex.EncodeToString(decoded.Program))
	assert.Equal(t, "0014751e76e8199196d454941c45d1b3a323f1433bd6", hex.EncodeToString(decoded.PkScript))

	p2wsh, err := DecodeAddress("bc1qrp33g0q5c5txsp9arysrx4k6zdkfs4nce4xj0gdcccefvpysxf3qccfmv3")
	require.NoError(t, err)
	assert.Equal(t, chain.AddressP2WSH, p2wsh.Type)
	assert.Len(t, p2wsh.Program, 32)
}

func TestDecodeInvalid(t *testing.T) {
	tests := []struct {
		name string
		addr string
	}{
		{"bad bech32 checksum", keyOneP2WPKH[:len(keyOneP2WPKH)-1] + "5"},
		{"bad base58 checksum", keyOneP2PKH[:len(keyOneP2PKH)-1] + "J"},
		{"garbage", "not-an-address"},
		{"empty", ""},
		{"unknown hrp", "ltc1qw508d6qejxtdg4y5r3zarvary0c5xw7kgmn4n9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeAddress(tt.addr)
			assert.ErrorIs(t, err, walleterr.ErrInvalidAddress)
			assert.False(t, ValidateAddress(tt.addr, chain.Mainnet))
		})
	}
}

func TestValidateAddressNetworkMismatch(t *testing.T) {
	assert.True(t, ValidateAddress(keyOneP2WPKH, chain.Mainnet))
	assert.False(t, ValidateAddress(keyOneP2WPKH, chain.Testnet))

	_, err := PayToAddress(keyOneP2WPKH, chain.Testnet)
	assert.ErrorIs(t, err, walleterr.ErrInvalidAddress)

	script, err := PayToAddress(keyOneP2WPKH, chain.Mainnet)
	require.NoError(t, err)
	assert.Len(t, script, 22)
}

func TestAllAddresses(t *testing.T) {
	pub, err := RecoverPublicKey(keyOneWIF)
	require.NoError(t, err)

	all, err := AllAddresses(pub, chain.Mainnet)
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Equal(t, keyOneP2PKH, all[chain.AddressP2PKH])
	assert.Equal(t, keyOneP2WPKH, all[chain.AddressP2WPKH])
}
