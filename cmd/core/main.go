package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	http_adapter "github.com/JoeShih716/branch-ledger/internal/app/core/adapter/in/http"
	kafka_adapter "github.com/JoeShih716/branch-ledger/internal/app/core/adapter/out/kafka"
	memory_adapter "github.com/JoeShih716/branch-ledger/internal/app/core/adapter/out/memory"
	mysql_adapter "github.com/JoeShih716/branch-ledger/internal/app/core/adapter/out/mysql"
	redis_adapter "github.com/JoeShih716/branch-ledger/internal/app/core/adapter/out/redis"
	"github.com/JoeShih716/branch-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/branch-ledger/internal/config"
	"github.com/JoeShih716/branch-ledger/pkg/kafka"
	"github.com/JoeShih716/branch-ledger/pkg/logger"
	"github.com/JoeShih716/branch-ledger/pkg/mysql"
	"github.com/JoeShih716/branch-ledger/pkg/redis"
	"github.com/JoeShih716/branch-ledger/pkg/wal"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	// 1. 載入設定
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}

	err = run(cfg, zlog)
	if err != nil {
		zlog.Error("server exited with error", zap.Error(err))
	}
	_ = zlog.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config, zlog *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. 初始化儲存層
	store, closeStore, err := openStore(ctx, cfg, zlog)
	if err != nil {
		return err
	}
	defer closeStore()

	// 3. 可選的 Redis 去重與 Kafka 稽核外送
	var guard usecase.IdempotencyGuard = usecase.NoopIdempotencyGuard{}
	if cfg.Redis.Enabled() {
		client, err := redis.NewClient(ctx, cfg.Redis.Config, zlog)
		if err != nil {
			return err
		}
		defer client.Close()
		guard = redis_adapter.NewIdempotencyGuard(client, cfg.Redis.PendingTTL, cfg.Redis.CompletedTTL, zlog)
		zlog.Info("idempotency guard enabled", zap.String("redis", cfg.Redis.Addr))
	}

	var publisher usecase.AuditPublisher = usecase.NoopAuditPublisher{}
	if cfg.Kafka.Enabled() {
		p := kafka_adapter.NewAuditPublisher(kafka.NewWriter(cfg.Kafka), kafka_adapter.BreakerSettings{
			ConsecutiveFailures: cfg.Kafka.BreakerFailures,
			Timeout:             cfg.Kafka.BreakerTimeout,
		}, zlog)
		defer p.Close()
		publisher = p
		zlog.Info("audit publisher enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.AuditTopic))
	}

	// 4. 初始化 UseCase
	core := usecase.NewCoreUseCase(store, guard, publisher, usecase.Options{
		MaxRetries:       cfg.Ledger.MaxRetries,
		RetryBaseDelay:   cfg.Ledger.RetryBaseDelay,
		MaxRetryDelay:    cfg.Ledger.MaxRetryDelay,
		StoreTimeout:     cfg.Ledger.StoreTimeout,
		PageSize:         cfg.Ledger.PageSize,
		DefaultReviewers: cfg.Workflow.DefaultReviewers,
		Logger:           zlog,
	})

	// 5. HTTP (Driving Adapter)
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           http_adapter.NewHandler(core, zlog).Routes(cfg.HTTP.RequestTimeout),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 6. gRPC health (+ reflection 方便 grpcurl 測試)
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPC.Addr, err)
	}
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	errCh := make(chan error, 2)
	go func() {
		zlog.Info("starting grpc health server", zap.String("addr", cfg.GRPC.Addr))
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc serve: %w", err)
		}
	}()
	go func() {
		zlog.Info("starting http server", zap.String("addr", cfg.HTTP.Addr), zap.String("storage", cfg.Storage.Driver))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http serve: %w", err)
		}
	}()

	// Graceful Shutdown
	var serveErr error
	select {
	case <-ctx.Done():
		zlog.Info("shutting down server...")
	case serveErr = <-errCh:
	}

	healthServer.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("http shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()
	zlog.Info("server exited")
	return serveErr
}

// openStore 依 storage.driver 建立 memory (WAL) 或 mysql 儲存層
func openStore(ctx context.Context, cfg *config.Config, zlog *zap.Logger) (usecase.Store, func(), error) {
	switch cfg.Storage.Driver {
	case config.DriverMySQL:
		dbClient, err := mysql.NewClient(cfg.Storage.MySQL, zlog)
		if err != nil {
			return nil, nil, err
		}
		store := mysql_adapter.NewStore(dbClient.DB(), zlog)
		if cfg.Storage.MySQL.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				_ = dbClient.Close()
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		zlog.Info("connected to mysql", zap.String("host", cfg.Storage.MySQL.Host), zap.String("db", cfg.Storage.MySQL.DBName))
		return store, func() { _ = dbClient.Close() }, nil

	default:
		walFile, err := wal.NewWAL(cfg.Storage.WALPath)
		if err != nil {
			return nil, nil, fmt.Errorf("init wal: %w", err)
		}
		store, err := memory_adapter.Open(walFile, zlog)
		if err != nil {
			_ = walFile.Close()
			return nil, nil, fmt.Errorf("recover from wal: %w", err)
		}
		zlog.Info("memory store recovered", zap.String("wal", cfg.Storage.WALPath))
		return store, func() { _ = walFile.Close() }, nil
	}
}
