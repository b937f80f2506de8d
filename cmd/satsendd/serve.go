package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Klingon-tech/satsend/internal/backend"
	"github.com/Klingon-tech/satsend/internal/config"
	"github.com/Klingon-tech/satsend/internal/payments"
	"github.com/Klingon-tech/satsend/internal/rpc"
	"github.com/Klingon-tech/satsend/internal/storage"
	"github.com/Klingon-tech/satsend/pkg/logging"
)

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the JSON-RPC daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.RPC.Listen = listen
			}
			return serve(cfg)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "JSON-RPC listen address, overrides config")
	return cmd
}

func serve(cfg *config.Config) error {
	log, closeLog, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	log.Info("Config loaded", "network", cfg.Network, "data_dir", cfg.Storage.DataDir)

	kp, err := unlockKeyPair(cfg)
	if err != nil {
		return err
	}
	defer kp.Zero()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	dataPath := config.ExpandPath(cfg.Storage.DataDir)
	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		return err
	}
	defer store.Close()
	log.Info("Storage initialized", "path", store.Path())

	// Initialize indexer backend
	indexer, err := backend.New(cfg.Backend, cfg.Network)
	if err != nil {
		return err
	}
	defer indexer.Close()

	connectCtx, connectCancel := context.WithTimeout(ctx, 15*time.Second)
	if err := indexer.Connect(connectCtx); err != nil {
		// Sends fail with ErrCollaboratorUnavailable until the indexer recovers.
		log.Warn("Indexer not reachable", "url", cfg.BackendURL(), "error", err)
	} else {
		log.Info("Indexer connected", "type", indexer.Type(), "url", cfg.BackendURL())
	}
	connectCancel()

	hub := rpc.NewWSHub()
	go hub.Run(ctx)

	svc, err := payments.New(payments.Config{
		Network:       cfg.Network,
		KeyPair:       kp,
		Variant:       cfg.Wallet.AddressType,
		Collaborator:  indexer,
		Journal:       store,
		Notifier:      hub,
		Logger:        log,
		DefaultTier:   cfg.Fees.DefaultTier,
		RecheckInputs: cfg.Payments.RecheckInputs,
	})
	if err != nil {
		return err
	}

	token := cfg.RPC.AuthToken
	if token == "" {
		token, err = rpc.WriteCookie(dataPath)
		if err != nil {
			return err
		}
		defer os.Remove(filepath.Join(dataPath, rpc.CookieFile))
		log.Info("RPC cookie written", "path", filepath.Join(dataPath, rpc.CookieFile))
	}

	rpcServer := rpc.NewServer(svc, hub, rpc.Options{
		AuthToken:      token,
		AllowedOrigins: cfg.RPC.AllowedOrigins,
	})
	if err := rpcServer.Start(cfg.RPC.Listen); err != nil {
		return err
	}

	printBanner(log, cfg, svc.Address(), rpcServer.Addr().String())

	// Stop filtering outpoints the indexer has long since seen spent.
	go releaseSpent(ctx, log, store)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	cancel()
	if err := rpcServer.Stop(); err != nil {
		log.Error("Error stopping RPC server", "error", err)
	}

	log.Info("Goodbye!")
	return nil
}

// journalRetention is how long spent outpoints filter coin selection.
const journalRetention = 7 * 24 * time.Hour

func releaseSpent(ctx context.Context, log *logging.Logger, store *storage.Storage) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.ReleaseSpent(time.Now().Add(-journalRetention))
			if err != nil {
				log.Warn("Failed to release spent outpoints", "error", err)
				continue
			}
			if n > 0 {
				log.Debug("Released spent outpoints", "count", n)
			}
		}
	}
}

func printBanner(log *logging.Logger, cfg *config.Config, address, apiAddr string) {
	networkLabel := "mainnet"
	if cfg.IsTestnet() {
		networkLabel = "TESTNET"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  satsendd (%s)", networkLabel)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Address: %s (%s)", address, cfg.Wallet.AddressType)
	log.Infof("  Indexer: %s", cfg.BackendURL())
	log.Info("")
	log.Infof("  API:     http://%s", apiAddr)
	log.Infof("  WS:      ws://%s/ws", apiAddr)
	log.Infof("  Metrics: http://%s/metrics", apiAddr)
	log.Infof("  Data dir: %s", config.ExpandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
