package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/Klingon-tech/satsend/internal/chain"
	"github.com/Klingon-tech/satsend/internal/config"
	"github.com/Klingon-tech/satsend/internal/keystore"
	"github.com/Klingon-tech/satsend/internal/wallet"
	"github.com/Klingon-tech/satsend/pkg/helpers"
)

// EnvPassword supplies the keystore password to non-interactive runs.
const EnvPassword = "SATSEND_PASSWORD"

// readPassword returns the password from SATSEND_PASSWORD, or prompts with
// hidden input when stdin is a terminal.
func readPassword(prompt string) (string, error) {
	if pw, ok := os.LookupEnv(EnvPassword); ok {
		return pw, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal for password prompt; set %s", EnvPassword)
	}

	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	defer helpers.ZeroBytes(password)

	return string(password), nil
}

// readNewPassword prompts for a password twice. The environment variable, if
// set, is used as is.
func readNewPassword() (string, error) {
	if pw, ok := os.LookupEnv(EnvPassword); ok {
		return pw, keystore.ValidatePassword(pw)
	}

	password, err := readPassword("Enter encryption password: ")
	if err != nil {
		return "", err
	}
	if err := keystore.ValidatePassword(password); err != nil {
		return "", err
	}

	confirm, err := readPassword("Confirm password: ")
	if err != nil {
		return "", err
	}
	if password != confirm {
		return "", fmt.Errorf("passwords do not match")
	}
	return password, nil
}

// readSeedPhrase reads a mnemonic from r, one line.
func readSeedPhrase(r io.Reader) (wallet.SeedPhrase, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading seed phrase: %w", err)
	}
	seed := wallet.SeedPhrase(strings.TrimSpace(line))
	if !seed.Valid() {
		return "", fmt.Errorf("seed phrase is not a valid BIP39 mnemonic")
	}
	return seed, nil
}

// readWIF reads a WIF private key from r, one line. The key must be for
// network.
func readWIF(r io.Reader, network chain.Network) (*wallet.KeyPair, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("reading WIF: %w", err)
	}
	kp, err := wallet.ImportWIF(strings.TrimSpace(line))
	if err != nil {
		return nil, err
	}
	if kp.Network() != network {
		kp.Zero()
		return nil, fmt.Errorf("WIF key is for %s, config is for %s", kp.Network(), network)
	}
	return kp, nil
}

// unlockKeyPair decrypts the keystore and derives the configured account key.
// The keystore must belong to the configured network.
func unlockKeyPair(cfg *config.Config) (*wallet.KeyPair, error) {
	ks := keystore.New(config.ExpandPath(cfg.Storage.DataDir), keystore.DefaultKDFParams())
	if !ks.Exists() {
		return nil, fmt.Errorf("no keystore at %s; run satsendd init first", ks.Path())
	}

	password, err := readPassword("Keystore password: ")
	if err != nil {
		return nil, err
	}

	seed, network, err := ks.Unlock(password)
	if err != nil {
		return nil, err
	}
	if network != cfg.Network {
		return nil, fmt.Errorf("keystore is for %s, config is for %s", network, cfg.Network)
	}

	return wallet.DeriveKeyPair(seed, network, cfg.Wallet.Account)
}
