package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/kiteadmin/internal/access"
	"github.com/MarcoPoloResearchLab/kiteadmin/internal/assets"
	"github.com/MarcoPoloResearchLab/kiteadmin/internal/blobstore"
	"github.com/MarcoPoloResearchLab/kiteadmin/internal/catalog"
	"github.com/MarcoPoloResearchLab/kiteadmin/internal/config"
	"github.com/MarcoPoloResearchLab/kiteadmin/internal/database"
	"github.com/MarcoPoloResearchLab/kiteadmin/internal/logging"
	"github.com/MarcoPoloResearchLab/kiteadmin/internal/registry"
	"github.com/MarcoPoloResearchLab/kiteadmin/internal/server"
	"github.com/MarcoPoloResearchLab/kiteadmin/internal/verification"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kiteadmin-api",
		Short: "Plugin fleet registry and update distribution service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("store-name", defaults.GetString("store.name"), "Blob store name keys are scoped to")
	cmd.PersistentFlags().String("site-base-url", "", "Public origin used in download links")
	cmd.PersistentFlags().String("asset-source", defaults.GetString("asset.source"), "Asset source (auto, store, upstream)")
	cmd.PersistentFlags().Int("asset-fetch-timeout-seconds", defaults.GetInt("asset.fetch_timeout_seconds"), "Upstream asset fetch timeout")
	cmd.PersistentFlags().Int("verification-timeout-seconds", defaults.GetInt("verification.timeout_seconds"), "Proof endpoint timeout")
	cmd.PersistentFlags().Bool("require-challenge", defaults.GetBool("verification.require_challenge"), "Only accept server-issued challenges as proof tokens")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "store.name", "store-name")
	bindFlag(cmd, "site.base_url", "site-base-url")
	bindFlag(cmd, "asset.source", "asset-source")
	bindFlag(cmd, "asset.fetch_timeout_seconds", "asset-fetch-timeout-seconds")
	bindFlag(cmd, "verification.timeout_seconds", "verification-timeout-seconds")
	bindFlag(cmd, "verification.require_challenge", "require-challenge")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if appConfig.AdminKey == "" {
		logger.Warn("admin key not configured; admin-only routes will reject every caller")
	}
	if appConfig.PublishKey == "" {
		logger.Warn("publish key not configured; publish and upload are disabled")
	}

	blobs, err := blobstore.New(blobstore.Config{
		Database: db,
		Name:     appConfig.StoreName,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	logger.Info("blob store ready", zap.String("store", blobs.Name()))

	ledger, err := registry.NewLedger(registry.LedgerConfig{Store: blobs, Clock: time.Now, Logger: logger})
	if err != nil {
		return err
	}

	var challenges *verification.ChallengeIssuer
	if appConfig.SigningSecret != "" {
		challenges, err = verification.NewChallengeIssuer(verification.ChallengeIssuerConfig{
			SigningSecret: []byte(appConfig.SigningSecret),
			TTL:           appConfig.ChallengeTTL,
		})
		if err != nil {
			return err
		}
	}

	protocolConfig := verification.ProtocolConfig{
		Ledger: ledger,
		Prover: verification.NewHTTPProver(verification.ProverConfig{
			HTTPClient: &http.Client{},
			Timeout:    appConfig.ProofTimeout,
			UserAgent:  appConfig.UserAgent,
			Logger:     logger,
		}),
		RequireChallenge: appConfig.RequireChallenge,
		Logger:           logger,
	}
	if challenges != nil {
		protocolConfig.Challenges = challenges
	}
	protocol, err := verification.NewProtocol(protocolConfig)
	if err != nil {
		return err
	}

	gate, err := access.NewGate(access.Config{
		AdminKey:   appConfig.AdminKey,
		PublishKey: appConfig.PublishKey,
		Ledger:     ledger,
		Verifier:   protocol,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	updates, err := catalog.New(catalog.Config{
		Store:   blobs,
		Digests: assets.NewVersionDigests(blobs),
		Clock:   time.Now,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	assetStore, err := assets.NewStore(assets.StoreConfig{Blobs: blobs, Catalog: updates, Logger: logger})
	if err != nil {
		return err
	}
	source, err := assets.ParseSource(appConfig.AssetSource)
	if err != nil {
		return err
	}
	distributor, err := assets.NewDistributor(assets.DistributorConfig{
		Catalog: updates,
		Direct:  assets.NewDirectStrategy(assetStore),
		Upstream: assets.NewUpstreamStrategy(assets.UpstreamConfig{
			HTTPClient: &http.Client{},
			Token:      appConfig.GitHubToken,
			UserAgent:  appConfig.UserAgent,
			Timeout:    appConfig.AssetFetchTimeout,
			Logger:     logger,
		}),
		Source: source,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	dependencies := server.Dependencies{
		Ledger:      ledger,
		Verifier:    protocol,
		Gate:        gate,
		Catalog:     updates,
		Assets:      assetStore,
		Distributor: distributor,
		Events:      server.NewRegistryEventDispatcher(),
		BaseURL:     appConfig.SiteBaseURL,
		Logger:      logger,
	}
	if challenges != nil {
		dependencies.Challenges = challenges
	}
	handler, err := server.NewHTTPHandler(dependencies)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("asset_source", string(source)),
			zap.Bool("challenges_enabled", challenges != nil))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
