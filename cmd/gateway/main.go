package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"ConfidentialFutures/internal/authn"
	"ConfidentialFutures/internal/eventbus"
	"ConfidentialFutures/internal/gateway"
	"ConfidentialFutures/internal/observability"
	"ConfidentialFutures/internal/rpc"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

// Config holds the gateway worker configuration, loaded from environment
// variables.
type Config struct {
	CoordinatorAddr string
	NATSURL         string
	SignerKey       string

	// At most one tracker store is used; Redis wins when both are set.
	RedisURL    string
	PostgresURL string

	// EthRPCURL enables the chain health probe.
	EthRPCURL     string
	MinBalanceWei string

	MaxRetries    int
	RetryDelay    time.Duration
	SweepInterval time.Duration
	Concurrency   int
	DecryptRate   float64

	HTTPAddr string
	Durable  string
}

func DefaultConfig() Config {
	return Config{
		CoordinatorAddr: envOrDefault("GW_COORDINATOR_ADDR", "localhost:9090"),
		NATSURL:         envOrDefault("GW_NATS_URL", "nats://localhost:4222"),
		SignerKey:       os.Getenv("GW_SIGNER_KEY"),
		RedisURL:        os.Getenv("GW_REDIS_URL"),
		PostgresURL:     os.Getenv("GW_POSTGRES_DSN"),
		EthRPCURL:       os.Getenv("GW_ETH_RPC_URL"),
		MinBalanceWei:   envOrDefault("GW_MIN_BALANCE_WEI", "10000000000000000"),
		MaxRetries:      envIntOrDefault("GW_MAX_RETRIES", 3),
		RetryDelay:      envDurationOrDefault("GW_RETRY_DELAY", 5*time.Second),
		SweepInterval:   envDurationOrDefault("GW_SWEEP_INTERVAL", 60*time.Second),
		Concurrency:     envIntOrDefault("GW_CONCURRENCY", 8),
		DecryptRate:     envFloatOrDefault("GW_DECRYPT_RATE", 20),
		HTTPAddr:        envOrDefault("GW_HTTP_ADDR", ":8090"),
		Durable:         envOrDefault("GW_DURABLE", "gateway-worker"),
	}
}

func main() {
	logger := observability.NewLogger("gateway")
	cfg := DefaultConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if cfg.SignerKey == "" {
		logger.Fatal().Msg("GW_SIGNER_KEY is required")
	}
	signer, err := authn.NewSigner(cfg.SignerKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("load signer key")
	}

	// --- Coordinator connection ---
	// The coordinator serves both the callback service and the resolver.
	conn, err := grpc.NewClient(cfg.CoordinatorAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		logger.Fatal().Err(err).Msg("dial coordinator")
	}
	defer conn.Close()

	// --- Tracker store ---
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open tracker store")
	}
	defer closeStore()

	metrics := observability.NewGatewayMetrics()
	healthChecker := observability.NewHealthChecker()

	wcfg := gateway.DefaultConfig()
	wcfg.MaxRetries = cfg.MaxRetries
	wcfg.RetryDelay = cfg.RetryDelay
	wcfg.SweepInterval = cfg.SweepInterval
	wcfg.Concurrency = cfg.Concurrency
	if cfg.DecryptRate > 0 {
		wcfg.DecryptRate = rate.Limit(cfg.DecryptRate)
	}

	worker := gateway.NewWorker(gateway.Deps{
		Config:      wcfg,
		Decrypter:   rpc.NewRemoteDecrypter(conn),
		Coordinator: rpc.NewCoordinatorClient(conn),
		Signer:      signer,
		Store:       store,
		Metrics:     metrics,
		Logger:      logger.With().Str("module", "worker").Logger(),
	})
	if err := worker.Restore(ctx); err != nil {
		logger.Fatal().Err(err).Msg("restore tracker")
	}

	// --- Chain probe ---
	var chain gateway.ChainReader
	if cfg.EthRPCURL != "" {
		client, err := ethclient.DialContext(ctx, cfg.EthRPCURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("dial eth rpc")
		}
		defer client.Close()
		chain = client
	}
	minBalance, ok := new(big.Int).SetString(cfg.MinBalanceWei, 10)
	if !ok {
		logger.Fatal().Str("value", cfg.MinBalanceWei).Msg("invalid GW_MIN_BALANCE_WEI")
	}
	probe := gateway.NewHealthProbe(chain, signer.Address(), minBalance, worker.Tracker())

	// --- NATS ---
	nc, js, err := eventbus.ConnectNATS(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	if err := eventbus.EnsureStream(ctx, js, logger); err != nil {
		logger.Fatal().Err(err).Msg("ensure stream")
	}
	healthChecker.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("nats %s", nc.Status())
		}
		return nil
	})
	healthChecker.AddCheck("coordinator", func(context.Context) error {
		if st := conn.GetState(); st == connectivity.TransientFailure || st == connectivity.Shutdown {
			return fmt.Errorf("coordinator connection %s", st)
		}
		return nil
	})

	deliveries := make(chan eventbus.Delivery, 256)
	subscriber := eventbus.NewSubscriber(js, deliveries, logger.With().Str("module", "subscriber").Logger())
	if err := subscriber.Subscribe(ctx, cfg.Durable, gateway.Subscription); err != nil {
		logger.Fatal().Err(err).Msg("subscribe")
	}

	// --- Start goroutines ---
	errChan := make(chan error, 4)
	workerDone := make(chan struct{})

	go func() {
		defer close(workerDone)
		if err := worker.Run(ctx, deliveries); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("worker: %w", err)
		}
	}()

	opsServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           gateway.NewOpsRouter(probe, healthChecker, worker.Tracker(), logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("ops server listening")
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("ops server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	logger.Info().
		Str("operator", signer.Address().Hex()).
		Str("coordinator", cfg.CoordinatorAddr).
		Int("concurrency", wcfg.Concurrency).
		Msg("gateway worker ready")

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("component failed, shutting down")
	}

	healthChecker.SetReady(false)
	subscriber.Stop()
	cancel()

	// Run waits for in-flight requests and saves the tracker.
	select {
	case <-workerDone:
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("worker did not stop in time")
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	opsServer.Shutdown(shutCtx)
	logger.Info().Msg("gateway worker stopped")
}

func openStore(ctx context.Context, cfg Config, logger zerolog.Logger) (gateway.TrackerStore, func(), error) {
	switch {
	case cfg.RedisURL != "":
		s, err := gateway.OpenRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case cfg.PostgresURL != "":
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("pgx pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres ping: %w", err)
		}
		return gateway.NewPostgresStore(pool), pool.Close, nil
	default:
		logger.Warn().Msg("no tracker store configured, tracker is memory only")
		return nil, func() {}, nil
	}
}

// --- Helpers ---

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloatOrDefault(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
