package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/satsend/internal/chain"
	"github.com/Klingon-tech/satsend/internal/config"
	"github.com/Klingon-tech/satsend/internal/keystore"
	"github.com/Klingon-tech/satsend/internal/wallet"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

// withFlags sets the global flags for one test.
func withFlags(t *testing.T, dir string, onTestnet bool) {
	t.Helper()
	prevDir, prevTestnet, prevConfig := dataDir, testnet, configFile
	dataDir, testnet, configFile = dir, onTestnet, ""
	t.Cleanup(func() {
		dataDir, testnet, configFile = prevDir, prevTestnet, prevConfig
	})
}

func TestWordsToBits(t *testing.T) {
	tests := map[int]int{12: 128, 15: 160, 18: 192, 21: 224, 24: 256, 13: 256}
	for words, bits := range tests {
		assert.Equal(t, bits, wordsToBits(words), "words=%d", words)
	}
}

func TestReadSeedPhrase(t *testing.T) {
	seed, err := readSeedPhrase(strings.NewReader("  " + testMnemonic + "  \n"))
	require.NoError(t, err)
	assert.Equal(t, wallet.SeedPhrase(testMnemonic), seed)

	_, err = readSeedPhrase(strings.NewReader("abandon abandon\n"))
	require.Error(t, err)
}

func TestLoadConfigTestnetOverride(t *testing.T) {
	dir := t.TempDir()
	withFlags(t, dir, true)

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, chain.Testnet, cfg.Network)
	assert.Equal(t, filepath.Join(dir, "testnet"), cfg.Storage.DataDir)
	assert.FileExists(t, config.Path(filepath.Join(dir, "testnet")))
}

func TestUnlockKeyPair(t *testing.T) {
	dir := t.TempDir()
	withFlags(t, dir, true)
	t.Setenv(EnvPassword, "Correct-Horse-9")

	cfg, err := loadConfig()
	require.NoError(t, err)

	_, err = unlockKeyPair(cfg)
	require.ErrorContains(t, err, "run satsendd init")

	ks := keystore.New(cfg.Storage.DataDir, keystore.KDFParams{Time: 1, Memory: 1024, Parallelism: 1})
	require.NoError(t, ks.Create(testMnemonic, "Correct-Horse-9", chain.Testnet))

	kp, err := unlockKeyPair(cfg)
	require.NoError(t, err)
	want, err := wallet.DeriveKeyPair(testMnemonic, chain.Testnet, 0)
	require.NoError(t, err)
	assert.Equal(t, want.SerializePubKey(), kp.SerializePubKey())

	cfg.Network = chain.Mainnet
	_, err = unlockKeyPair(cfg)
	require.ErrorContains(t, err, "keystore is for testnet")

	cfg.Network = chain.Testnet
	t.Setenv(EnvPassword, "Wrong-Horse-9")
	_, err = unlockKeyPair(cfg)
	require.ErrorIs(t, err, keystore.ErrWrongPassword)
}

func TestVerifyMessageCommand(t *testing.T) {
	kp, err := wallet.DeriveKeyPair(testMnemonic, chain.Mainnet, 0)
	require.NoError(t, err)
	address, err := kp.Address(chain.AddressP2WPKH)
	require.NoError(t, err)
	sig, err := wallet.SignMessageBase64("hello", kp)
	require.NoError(t, err)

	cmd := newVerifyMessageCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{address, sig, "hello"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "valid")

	cmd = newVerifyMessageCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{address, sig, "goodbye"})
	require.Error(t, cmd.Execute())
}

func TestVersionCommand(t *testing.T) {
	cmd := newVersionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(nil)
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), version)
}

func TestSignMessageWithWIF(t *testing.T) {
	withFlags(t, t.TempDir(), true)

	kp, err := wallet.DeriveKeyPair(testMnemonic, chain.Testnet, 0)
	require.NoError(t, err)
	wif, err := wallet.ExportWIF(kp)
	require.NoError(t, err)
	address, err := kp.Address(chain.AddressP2WPKH)
	require.NoError(t, err)

	cmd := newSignMessageCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(wif + "\n"))
	cmd.SetArgs([]string{"--wif", "hello"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), address)
	var sig string
	for _, line := range strings.Split(out.String(), "\n") {
		if rest, ok := strings.CutPrefix(line, "Signature:"); ok {
			sig = strings.TrimSpace(rest)
		}
	}
	valid, err := wallet.VerifyMessageBase64("hello", address, sig)
	require.NoError(t, err)
	assert.True(t, valid)

	mainnetKey, err := wallet.DeriveKeyPair(testMnemonic, chain.Mainnet, 0)
	require.NoError(t, err)
	mainnetWIF, err := wallet.ExportWIF(mainnetKey)
	require.NoError(t, err)

	cmd = newSignMessageCmd()
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(mainnetWIF + "\n"))
	cmd.SetArgs([]string{"--wif", "hello"})
	require.ErrorContains(t, cmd.Execute(), "WIF key is for mainnet")
}

func TestExportWIFCommand(t *testing.T) {
	dir := t.TempDir()
	withFlags(t, dir, true)
	t.Setenv(EnvPassword, "Correct-Horse-9")

	cfg, err := loadConfig()
	require.NoError(t, err)
	ks := keystore.New(cfg.Storage.DataDir, keystore.KDFParams{Time: 1, Memory: 1024, Parallelism: 1})
	require.NoError(t, ks.Create(testMnemonic, "Correct-Horse-9", chain.Testnet))

	cmd := newExportWIFCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(nil)
	require.NoError(t, cmd.Execute())

	imported, err := wallet.ImportWIF(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	want, err := wallet.DeriveKeyPair(testMnemonic, chain.Testnet, 0)
	require.NoError(t, err)
	assert.Equal(t, chain.Testnet, imported.Network())
	assert.Equal(t, want.SerializePubKey(), imported.SerializePubKey())
}
