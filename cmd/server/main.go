package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	x402 "github.com/becomeliminal/x402-resource-server"
	"github.com/becomeliminal/x402-resource-server/deposit"
	"github.com/becomeliminal/x402-resource-server/evm"
	x402grpc "github.com/becomeliminal/x402-resource-server/grpc"
	"github.com/becomeliminal/x402-resource-server/transactions"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := LoadConfig()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *Config, logger *zap.Logger) error {
	verifier, err := evm.NewEVMVerifier(cfg.FacilitatorURL, evm.WithAPIKey(cfg.FacilitatorAPIKey))
	if err != nil {
		return fmt.Errorf("failed to create verifier: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	paymentCfg := cfg.paymentConfig(verifier)
	paymentCfg.Logger = logger.Named("x402")
	paymentCfg.Metrics = x402.NewMetrics(registry)

	if cfg.DepositBridgeURL != "" {
		bridge, err := deposit.NewClient(deposit.Config{
			BaseURL: cfg.DepositBridgeURL,
			APIKey:  cfg.DepositBridgeKey,
			Network: cfg.Network,
		})
		if err != nil {
			return fmt.Errorf("failed to create deposit bridge client: %w", err)
		}
		paymentCfg.DepositProvider = bridge
	}

	processor, err := x402.NewProcessor(paymentCfg)
	if err != nil {
		return fmt.Errorf("invalid payment configuration: %w", err)
	}

	repo, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	svcOpts := []transactions.Option{transactions.WithLogger(logger.Named("transactions"))}
	if len(cfg.KafkaBrokers) > 0 {
		publisher := transactions.NewKafkaPublisher(
			transactions.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic, logger.Named("kafka")))
		defer publisher.Close()
		svcOpts = append(svcOpts, transactions.WithPublisher(publisher))
		logger.Info("kafka publisher initialized",
			zap.Strings("brokers", cfg.KafkaBrokers),
			zap.String("topic", cfg.KafkaTopic))
	}
	txService := transactions.NewService(repo, svcOpts...)

	weather := &weatherService{}

	handler, err := newRouter(routerDeps{
		processor: processor,
		txHandler: transactions.NewHandler(txService, []byte(cfg.WebhookSecret), logger.Named("webhooks")),
		weather:   weather,
		registry:  registry,
		logger:    logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcServer := newGRPCServer(processor, weather)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.GRPCAddr, err)
	}

	errCh := make(chan error, 2)

	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()

	return runErr
}

func newGRPCServer(processor *x402.Processor, weather weatherServer) *grpc.Server {
	server := grpc.NewServer(
		grpc.UnaryInterceptor(x402grpc.UnaryInterceptor(processor)),
		grpc.StreamInterceptor(x402grpc.StreamInterceptor(processor)),
	)

	healthServer := health.NewServer()
	healthServer.SetServingStatus(weatherServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)

	registerWeatherServer(server, weather)
	return server
}

// openRepository selects the transaction store named by TX_STORE.
func openRepository(ctx context.Context, cfg *Config, logger *zap.Logger) (transactions.Repository, func(), error) {
	switch cfg.TxStore {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:            cfg.RedisAddr,
			Password:        cfg.RedisPassword,
			DB:              cfg.RedisDB,
			PoolSize:        100,
			MinIdleConns:    10,
			PoolTimeout:     4 * time.Second,
			ConnMaxIdleTime: 5 * time.Minute,
			MaxRetries:      3,
		})

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis ping failed: %w", err)
		}

		logger.Info("redis connected", zap.String("addr", cfg.RedisAddr))
		return transactions.NewRedisRepository(client, "x402"), func() { client.Close() }, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("database ping failed: %w", err)
		}

		repo := transactions.NewPostgresRepository(pool)
		if err := repo.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}

		logger.Info("postgres connected")
		return repo, pool.Close, nil

	default:
		return transactions.NewMemoryRepository(), func() {}, nil
	}
}
