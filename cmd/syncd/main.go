package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/kay-ou/SimTradeData/internal/cache"
	"github.com/kay-ou/SimTradeData/internal/config"
	"github.com/kay-ou/SimTradeData/internal/handler"
	"github.com/kay-ou/SimTradeData/internal/middleware"
	"github.com/kay-ou/SimTradeData/internal/monitoring"
	"github.com/kay-ou/SimTradeData/internal/provider"
	"github.com/kay-ou/SimTradeData/internal/repository"
	"github.com/kay-ou/SimTradeData/internal/syncer"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Set up logger
	logger, err := createLogger(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Connect to database
	db, err := connectToDB(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Initialize repositories
	stockRepo := repository.NewStockRepository(db, logger)
	calendarRepo := repository.NewCalendarRepository(db, logger)
	marketDataRepo := repository.NewMarketDataRepository(db, logger)
	financialRepo := repository.NewFinancialRepository(db, logger)
	statusRepo := repository.NewSyncStatusRepository(db, logger)

	// Batch writer: every staged table flushes through its repository's
	// own transaction.
	writer := repository.NewBatchWriter(cfg.Sync.BatchSize, logger)
	writer.RegisterTable(repository.TableMarketData, func(ctx context.Context, rows []interface{}) (int, error) {
		return marketDataRepo.UpsertBatch(ctx, toMarketRecords(rows))
	})
	writer.RegisterTable(repository.TableFinancials, func(ctx context.Context, rows []interface{}) (int, error) {
		return financialRepo.UpsertFinancials(ctx, toFinancialRecords(rows))
	})
	writer.RegisterTable(repository.TableValuations, func(ctx context.Context, rows []interface{}) (int, error) {
		return financialRepo.UpsertValuations(ctx, toValuationRecords(rows))
	})

	// Provider pool
	providers := provider.NewManager(provider.ManagerConfig{
		SessionTimeout:      cfg.Provider.SessionTimeout,
		HealthCheckInterval: cfg.Provider.HealthCheckInterval,
		LockTimeout:         cfg.Provider.LockTimeout,
	}, logger)
	for _, src := range cfg.Provider.Sources {
		providers.Register(provider.NewHTTPSource(provider.HTTPSourceOptions{
			Name:      src.Name,
			BaseURL:   src.BaseURL,
			Priority:  src.Priority,
			Exclusive: src.Exclusive,
			Timeout:   src.Timeout,
			Capabilities: provider.Capabilities{
				DailyBars:             src.DailyBars,
				FinancialSnapshot:     src.FinancialSnapshot,
				BulkFinancialSnapshot: src.BulkFinancialSnapshot,
				Valuation:             src.Valuation,
				Calendar:              src.Calendar,
				StockList:             src.StockList,
			},
		}, logger))
	}
	defer providers.CloseAll()

	// Run-report publishing (no-op without brokers)
	publisher := monitoring.NewPublisher(
		cfg.Kafka.Brokers,
		cfg.Kafka.Topics["syncReports"],
		"simtradedata-syncd",
		logger,
	)
	defer publisher.Close()

	refCache := cache.NewManager(cfg.Cache.MaxBytes, logger)

	orchestrator := syncer.NewOrchestrator(cfg.Sync, cfg.Cache, syncer.Deps{
		Stocks:     stockRepo,
		Calendar:   calendarRepo,
		MarketData: marketDataRepo,
		Valuations: financialRepo,
		Financials: financialRepo,
		Status:     statusRepo,
		Writer:     writer,
		Providers:  syncer.ManagerPool{M: providers},
		Cache:      refCache,
		Reports:    publisher,
	}, logger)

	// HTTP surface
	syncHandler := handler.NewSyncHandler(orchestrator, statusRepo, marketDataRepo, logger)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	syncHandler.Register(router)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start the server in a goroutine
	go func() {
		logger.Info("Starting server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Create a deadline for server shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	// Persist anything still buffered before exit.
	if _, err := writer.FlushAll(ctx); err != nil {
		logger.Error("Final flush failed", zap.Error(err))
	}

	logger.Info("Server exited properly")
}

func createLogger(level string) (*zap.Logger, error) {
	// Parse log level
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	// Create logger config
	config := zap.Config{
		Level:            zapLevel,
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return config.Build()
}

func connectToDB(dbConfig config.DatabaseConfig) (*sqlx.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		dbConfig.Host,
		dbConfig.Port,
		dbConfig.User,
		dbConfig.Password,
		dbConfig.DBName,
		dbConfig.SSLMode,
	)

	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(dbConfig.MaxOpenConns)
	db.SetMaxIdleConns(dbConfig.MaxIdleConns)
	db.SetConnMaxLifetime(dbConfig.ConnMaxLifetime)

	return db, nil
}
