// Package main provides satsendd, a single-key Bitcoin wallet daemon.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Klingon-tech/satsend/internal/chain"
	"github.com/Klingon-tech/satsend/internal/config"
	"github.com/Klingon-tech/satsend/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

// Global flags
var (
	dataDir    string
	configFile string
	testnet    bool
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "satsendd",
	Short: "Single-key Bitcoin wallet daemon",
	Long: `satsendd holds one encrypted BIP39 seed and exposes a two-phase send
flow (prepare, then confirm) over JSON-RPC.

Example:
  satsendd init --testnet
  satsendd serve --testnet
  satsendd sign-message "hello"`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&dataDir, "data-dir", config.DefaultDataDir, "Data directory")
	flags.StringVar(&configFile, "config", "", "Config file path (default: <data-dir>/config.yaml)")
	flags.BoolVar(&testnet, "testnet", false, "Run on testnet (separate data directory)")
	flags.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error), overrides config")
	flags.StringVar(&logFormat, "log-format", "", "Log format (text, json, logfmt), overrides config")

	rootCmd.AddCommand(
		newInitCmd(),
		newServeCmd(),
		newAddressCmd(),
		newSignMessageCmd(),
		newExportWIFCmd(),
		newVerifyMessageCmd(),
		newVersionCmd(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// effectiveDataDir returns the data directory; testnet uses a subdirectory.
func effectiveDataDir() string {
	if testnet {
		return filepath.Join(dataDir, "testnet")
	}
	return dataDir
}

// loadConfig loads or creates the config file and applies CLI overrides.
// CLI flags take precedence over the config file.
func loadConfig() (*config.Config, error) {
	dir := effectiveDataDir()
	path := config.Path(dir)
	if configFile != "" {
		path = configFile
	}

	cfg, err := config.LoadFile(path, dir)
	if err != nil {
		return nil, err
	}

	if testnet {
		cfg.Network = chain.Testnet
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setupLogging installs the default logger. The returned function closes the
// log file, if any.
func setupLogging(cfg *config.Config) (*logging.Logger, func(), error) {
	lc := &logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
		Format:     cfg.Logging.Format,
		Output:     os.Stderr,
	}

	closer := func() {}
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(config.ExpandPath(cfg.Logging.File), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		lc.Output = f
		closer = func() { f.Close() }
	}

	log := logging.New(lc)
	logging.SetDefault(log)
	return log, closer, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "satsendd %s (commit: %s)\n", version, commit)
		},
	}
}
