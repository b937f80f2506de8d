package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/Klingon-tech/satsend/internal/chain"
	"github.com/Klingon-tech/satsend/internal/config"
	"github.com/Klingon-tech/satsend/internal/keystore"
	"github.com/Klingon-tech/satsend/internal/wallet"
)

func newInitCmd() *cobra.Command {
	var (
		restore bool
		words   int
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the encrypted keystore",
		Long: `Generate a new seed phrase, or read one from stdin with --restore, and
store it encrypted in the data directory. The password comes from
SATSEND_PASSWORD or an interactive prompt.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ks := keystore.New(config.ExpandPath(cfg.Storage.DataDir), keystore.DefaultKDFParams())
			if ks.Exists() {
				return fmt.Errorf("keystore already exists at %s", ks.Path())
			}

			var seed wallet.SeedPhrase
			if restore {
				fmt.Fprintln(os.Stderr, "Enter seed phrase:")
				seed, err = readSeedPhrase(cmd.InOrStdin())
			} else {
				seed, err = wallet.GenerateSeedPhraseWithBits(wordsToBits(words))
			}
			if err != nil {
				return err
			}

			password, err := readNewPassword()
			if err != nil {
				return err
			}
			if err := ks.Create(seed, password, cfg.Network); err != nil {
				return err
			}

			kp, err := wallet.DeriveKeyPair(seed, cfg.Network, cfg.Wallet.Account)
			if err != nil {
				return err
			}
			address, err := kp.Address(cfg.Wallet.AddressType)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !restore {
				fmt.Fprintln(out, "Write down your seed phrase. It will not be shown again:")
				fmt.Fprintln(out)
				fmt.Fprintf(out, "  %s\n", string(seed))
				fmt.Fprintln(out)
			}
			fmt.Fprintf(out, "Keystore: %s\n", ks.Path())
			fmt.Fprintf(out, "Address:  %s (%s, %s)\n", address, cfg.Wallet.AddressType, cfg.Network)
			return nil
		},
	}

	cmd.Flags().BoolVar(&restore, "restore", false, "Read an existing seed phrase from stdin")
	cmd.Flags().IntVar(&words, "words", 24, "Number of words for a new seed phrase (12, 15, 18, 21 or 24)")
	return cmd
}

// wordsToBits maps a mnemonic length to entropy bits. Unknown lengths fall
// back to 24 words.
func wordsToBits(words int) int {
	switch words {
	case 12, 15, 18, 21:
		return words / 3 * 32
	default:
		return 256
	}
}

func newAddressCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "address",
		Short: "Print the wallet address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			kp, err := unlockKeyPair(cfg)
			if err != nil {
				return err
			}
			defer kp.Zero()

			out := cmd.OutOrStdout()
			if !all {
				address, err := kp.Address(cfg.Wallet.AddressType)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, address)
				return nil
			}

			addresses, err := wallet.AllAddresses(kp.PublicKey(), cfg.Network)
			if err != nil {
				return err
			}
			types := make([]chain.AddressType, 0, len(addresses))
			for t := range addresses {
				types = append(types, t)
			}
			sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
			for _, t := range types {
				fmt.Fprintf(out, "%-12s %s\n", t, addresses[t])
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Print every address type for the key")
	return cmd
}

func newSignMessageCmd() *cobra.Command {
	var fromWIF bool

	cmd := &cobra.Command{
		Use:   "sign-message <message>",
		Short: "Sign a message with the wallet key",
		Long: `Sign a message with the wallet's receive key. With --wif the key is
read from stdin in Wallet Import Format instead of the keystore.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			var kp *wallet.KeyPair
			if fromWIF {
				kp, err = readWIF(cmd.InOrStdin(), cfg.Network)
			} else {
				kp, err = unlockKeyPair(cfg)
			}
			if err != nil {
				return err
			}
			defer kp.Zero()

			variant := cfg.Wallet.AddressType
			if !kp.Compressed() {
				// Uncompressed keys only have a legacy address.
				variant = chain.AddressP2PKH
			}
			address, err := kp.Address(variant)
			if err != nil {
				return err
			}
			sig, err := wallet.SignMessageBase64(args[0], kp)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Address:   %s\n", address)
			fmt.Fprintf(out, "Signature: %s\n", sig)
			return nil
		},
	}

	cmd.Flags().BoolVar(&fromWIF, "wif", false, "read a WIF private key from stdin")
	return cmd
}

func newExportWIFCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export-wif",
		Short: "Print the receive key in Wallet Import Format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			kp, err := unlockKeyPair(cfg)
			if err != nil {
				return err
			}
			defer kp.Zero()

			wif, err := wallet.ExportWIF(kp)
			if err != nil {
				return err
			}

			fmt.Fprintln(os.Stderr, "WARNING: anyone with this key can spend the wallet's funds.")
			fmt.Fprintln(cmd.OutOrStdout(), wif)
			return nil
		},
	}
}

func newVerifyMessageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-message <address> <signature> <message>",
		Short: "Verify a signed message",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			valid, err := wallet.VerifyMessageBase64(args[2], args[0], args[1])
			if err != nil {
				return err
			}
			if !valid {
				return fmt.Errorf("signature is not valid for %s", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signature is valid")
			return nil
		},
	}
}
