package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/denisenkom/go-mssqldb"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/sijms/go-ora/v2"
	"go.uber.org/zap"

	"github.com/oagudo/persistmsg"
	"github.com/oagudo/persistmsg/config"
	"github.com/oagudo/persistmsg/internal/booking"
	"github.com/oagudo/persistmsg/sqlfault"
)

const headerCorrelationID = "correlation-id"

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger.With(zap.String("service", cfg.Service.Name))); err != nil {
		logger.Error("booking service failed", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = level
	return zcfg.Build()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	db, err := sql.Open(cfg.Database.DriverName(), cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}

	dbCtx := persistmsg.NewDBContext(db, persistmsg.SQLDialect(cfg.Database.Dialect), persistmsg.WithTableName(cfg.Database.Table))
	store := booking.NewStore(db, dbCtx)

	if cfg.Database.Bootstrap {
		var checker persistmsg.MigrationChecker = persistmsg.NoPendingMigrations
		if cfg.Database.MigrationsTable != "" {
			checker = persistmsg.MigrationTableChecker{DBContext: dbCtx, Table: cfg.Database.MigrationsTable}
		}
		if err := persistmsg.CreateTable(ctx, dbCtx, checker); err != nil {
			return fmt.Errorf("bootstrapping message records: %w", err)
		}
		if err := store.CreateTables(ctx); err != nil {
			return err
		}
	}

	registry := persistmsg.NewRegistry()
	if err := booking.RegisterMessages(registry); err != nil {
		return err
	}

	brk, err := newBroker(cfg, registry, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := brk.close(); err != nil {
			logger.Warn("failed to close broker connection", zap.Error(err))
		}
	}()

	dispatcher := persistmsg.NewDispatchRegistry()
	processor := persistmsg.NewProcessor(store.Records(), registry, brk.publisher, dispatcher,
		persistmsg.WithLogger(logger),
		persistmsg.WithMaxRetries(cfg.Poller.MaxRetries),
		persistmsg.WithSweepLimit(cfg.Poller.SweepLimit),
	)

	strategy := persistmsg.NewExecutionStrategy(
		persistmsg.WithRetries(cfg.Retry.MaxRetries),
		persistmsg.WithRetryDelay(persistmsg.Exponential(cfg.Retry.InitialDelay, cfg.Retry.MaxDelay)),
		persistmsg.WithTransientClassifier(sqlfault.IsTransient),
	)
	uow := persistmsg.NewUnitOfWork(store, nil, processor,
		persistmsg.WithDomainEventDispatcher(booking.DomainEvents()),
		persistmsg.WithExecutionStrategy(strategy),
		persistmsg.WithHeaders(correlationHeaders),
		persistmsg.WithInlineDrain(0),
		persistmsg.WithUnitLogger(logger),
	)

	svc := booking.NewService(store, uow, logger)
	if err := svc.RegisterHandlers(dispatcher); err != nil {
		return err
	}

	poller := persistmsg.NewPoller(persistmsg.StaticUnit(processor),
		persistmsg.WithInterval(cfg.Poller.Interval()),
		persistmsg.WithPollerLogger(logger),
	)
	poller.Start()
	go func() {
		for err := range poller.Errors() {
			logger.Warn("message record sweep failed", zap.Error(err))
		}
	}()

	consumerErr := make(chan error, 1)
	inbound := persistmsg.NewDedupFilter(processor).Wrap(svc.HandleInbound)
	consumerCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()
	go func() {
		consumerErr <- brk.consume(consumerCtx, inbound)
	}()

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           booking.NewRouter(svc, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP service started", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
	case err := <-consumerErr:
		if err != nil {
			runErr = fmt.Errorf("inbound consumer: %w", err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced to shutdown", zap.Error(err))
	}
	stopConsumer()
	if err := poller.Stop(shutdownCtx); err != nil {
		logger.Warn("poller did not stop in time", zap.Error(err))
	}

	logger.Info("server exited gracefully")
	return runErr
}

// correlationHeaders attaches the HTTP request id to the messages recorded by a request.
func correlationHeaders(ctx context.Context) persistmsg.Headers {
	id := middleware.GetReqID(ctx)
	if id == "" {
		return nil
	}
	return persistmsg.Headers{headerCorrelationID: id}
}
