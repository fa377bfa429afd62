package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"blockclear/config"
	"blockclear/core/events"
	"blockclear/crypto"
	"blockclear/native/auction"
	"blockclear/native/custody"
	"blockclear/native/ledger"
	"blockclear/native/settle"
	"blockclear/observability/logging"
	"blockclear/observability/metrics"
	"blockclear/observability/otel"
	"blockclear/rpc"
	"blockclear/services/dispatch"
	"blockclear/storage"
)

// settlementPool is the internal vault account holding bridged value until
// the router disposes of it.
func settlementPool() crypto.Address {
	digest := ethcrypto.Keccak256([]byte("blockclear/settlement-pool/v1"))
	return crypto.MustAddress(digest[12:])
}

// logEmitter forwards engine events into the structured log.
type logEmitter struct {
	log *slog.Logger
}

func (e logEmitter) Emit(evt events.Typed) {
	payload := evt.Event()
	if payload == nil {
		return
	}
	attrs := make([]any, 0, len(payload.Attributes)*2)
	for k, v := range payload.Attributes {
		attrs = append(attrs, k, v)
	}
	e.log.Info(payload.Type, attrs...)
}

func main() {
	configPath := flag.String("config", "./config.toml", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.Setup("blockcleard", cfg.Environment, logging.Options{
		FilePath:   cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Endpoint != "" {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "blockcleard",
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     otel.ParseHeaders(cfg.Telemetry.Headers),
			Traces:      cfg.Telemetry.Traces,
			Metrics:     cfg.Telemetry.Metrics,
		})
		if err != nil {
			logger.Error("telemetry init failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown", "error", err)
			}
		}()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("create data dir", "error", err)
		os.Exit(1)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		logger.Error("open state database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	collectors := metrics.Auction()
	emitter := logEmitter{log: logger}

	// The ledger, vault and custodian share one staged store so an aborted
	// fill reverts the custodian claim and vault transfers together.
	store := storage.NewUnit(db)
	led := ledger.New(store)
	vault := custody.NewVault(store)
	custodian := custody.NewCustodian(store, vault, cfg.ChainID)
	pool := custody.NewPool(vault, settlementPool())
	custodian.SetSource(pool.Owner())
	allocator := custody.NewSequenceAllocator(store)

	engine := auction.NewEngine(cfg.ChainID, led, custodian, vault)
	engine.SetEmitter(emitter)
	engine.SetMetrics(collectors)
	engine.SetStaging(store)

	router := settle.NewRouter(led, custodian, allocator, pool)
	router.SetEmitter(emitter)
	router.SetMetrics(collectors)

	var outbox *dispatch.Outbox
	if cfg.Dispatch.Target != "" {
		timeout := time.Duration(cfg.Dispatch.TimeoutSeconds) * time.Second
		dispatcher, err := dispatch.NewHTTPDispatcher(cfg.Dispatch.Target, timeout)
		if err != nil {
			logger.Error("configure dispatcher", "error", err)
			os.Exit(1)
		}
		dispatcher.SetMetrics(collectors)
		engine.SetNotifier(dispatcher)

		outbox, err = dispatch.OpenOutbox(filepath.Join(cfg.DataDir, "outbox.db"))
		if err != nil {
			logger.Error("open dispatch outbox", "error", err)
			os.Exit(1)
		}
		defer outbox.Close()

		worker := dispatch.NewWorker(outbox, dispatcher, logger,
			dispatch.WithDrainInterval(time.Duration(cfg.Dispatch.DrainSeconds)*time.Second),
			dispatch.WithMaxAttempts(cfg.Dispatch.MaxAttempts),
			dispatch.WithRateLimit(cfg.Dispatch.RatePerSecond),
		)
		worker.SetMetrics(collectors)
		go worker.Run(ctx)
	}

	server := rpc.NewServer(engine, router, led, logger, cfg.AuthSecret, cfg.RateLimitRPS)
	if outbox != nil {
		server.SetQueue(outbox)
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("rpc listening", "address", cfg.ListenAddress, "chain_id", cfg.ChainID)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}
}
