package main

import (
	"context"
	"errors"
	"flag"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"elinklend/config"
	"elinklend/gateway"
	"elinklend/gateway/middleware"
	"elinklend/ledger"
	"elinklend/lending"
	"elinklend/lending/intent"
	"elinklend/lending/reconcile"
	"elinklend/lending/submit"
	"elinklend/observability"
	"elinklend/observability/logging"
	telemetry "elinklend/observability/otel"
	"elinklend/wallet"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to elinklendd configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("ELINK_ENV"))
	logger := logging.Setup("elinklendd", env)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "elinklendd",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		logger.Error("initialise telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	metrics := observability.NewMetrics()

	ledgerClient, err := ledger.New(cfg.Chain.RPCURL,
		ledger.WithAuthToken(cfg.Chain.RPCToken),
		ledger.WithRateLimit(cfg.Chain.RateLimitPerSec, cfg.Chain.RateBurst),
	)
	if err != nil {
		logger.Error("configure ledger client", "error", err)
		os.Exit(1)
	}

	registry, err := buildRegistry(cfg.Assets)
	if err != nil {
		logger.Error("configure asset registry", "error", err)
		os.Exit(1)
	}

	// An unconfigured address is allowed at startup so reads stay available
	// before deployment; submissions fail with a configuration error.
	contractAddr, err := lending.ConfiguredAddress(cfg.Contract.Address)
	if err != nil {
		if !errors.Is(err, lending.ErrNotConfigured) {
			logger.Error("parse contract address", "error", err)
			os.Exit(1)
		}
		logger.Warn("lending contract address not configured; submissions disabled")
	}

	encoder, err := intent.NewEncoder(contractAddr, registry, cfg.Contract.LoanAsset)
	if err != nil {
		logger.Error("configure intent encoder", "error", err)
		os.Exit(1)
	}

	account, err := loadOperatorAccount()
	if err != nil {
		logger.Error("load operator key", "error", err)
		os.Exit(1)
	}
	if account == nil {
		logger.Warn("no operator key loaded; mutating routes will refuse requests")
	} else {
		logger.Info("operator account loaded", "address", account.Address().Hex())
	}

	store, err := reconcile.New(reconcile.Config{
		Contract:        contractAddr,
		RefreshInterval: cfg.Store.RefreshInterval.Duration,
		FailedRetention: cfg.Store.FailedRetention.Duration,
	}, ledgerClient, metrics, logger)
	if err != nil {
		logger.Error("configure reconciliation store", "error", err)
		os.Exit(1)
	}

	submitter, err := submit.New(submit.Config{
		ChainID:        big.NewInt(cfg.Chain.ChainID),
		GasLimit:       cfg.Submitter.GasLimit,
		ConfirmTimeout: cfg.Submitter.ConfirmTimeout.Duration,
		PollInterval:   cfg.Submitter.PollInterval.Duration,
		MaxAttempts:    cfg.Submitter.MaxAttempts,
	}, ledgerClient, store, metrics, logger)
	if err != nil {
		logger.Error("configure submitter", "error", err)
		os.Exit(1)
	}

	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    cfg.Gateway.AuthEnabled,
		HMACSecret: cfg.Gateway.AuthSecret,
		Issuer:     cfg.Gateway.AuthIssuer,
		Audience:   cfg.Gateway.AuthAudience,
	}, logger)
	obs := middleware.NewObservability("elinklendd", metrics.Registry())
	limiter := middleware.NewRateLimiter(middleware.RateLimit{
		RequestsPerMinute: cfg.Gateway.RatePerMinute,
		Burst:             cfg.Gateway.RateBurst,
	})

	srv, err := gateway.NewServer(gateway.Config{
		Encoder:       encoder,
		Submitter:     submitter,
		Store:         store,
		Account:       account,
		Authenticator: auth,
		Observability: obs,
		RateLimiter:   limiter,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("configure gateway", "error", err)
		os.Exit(1)
	}

	handler := http.Handler(srv.Handler())
	if cfg.Telemetry.Traces {
		handler = otelhttp.NewHandler(handler, "elinklendd")
	}

	server := &http.Server{
		Addr:         cfg.Gateway.Listen,
		Handler:      handler,
		ReadTimeout:  cfg.Gateway.ReadTimeout.Duration,
		WriteTimeout: cfg.Gateway.WriteTimeout.Duration,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := store.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("reconciliation loop stopped", "error", err)
		}
	}()

	listener, err := net.Listen("tcp", cfg.Gateway.Listen)
	if err != nil {
		logger.Error("listen", "address", cfg.Gateway.Listen, "error", err)
		os.Exit(1)
	}
	go func() {
		logger.Info("listening", "address", listener.Addr().String())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
}

func buildRegistry(configured []config.AssetConfig) (*lending.Registry, error) {
	assets := make([]lending.Asset, 0, len(configured))
	for _, entry := range configured {
		asset := lending.Asset{
			Symbol:   entry.Symbol,
			Name:     entry.Name,
			Decimals: entry.Decimals,
			Native:   entry.Native,
		}
		if trimmed := strings.TrimSpace(entry.Address); trimmed != "" {
			asset.Address = common.HexToAddress(trimmed)
		}
		assets = append(assets, asset)
	}
	return lending.NewRegistry(assets)
}

// loadOperatorAccount reads ELINK_OPERATOR_KEY; a missing key is not fatal
// because the read-only API works without one.
func loadOperatorAccount() (wallet.Account, error) {
	raw := strings.TrimSpace(os.Getenv("ELINK_OPERATOR_KEY"))
	if raw == "" {
		return nil, nil
	}
	return wallet.LoadKeyAccount(raw)
}
