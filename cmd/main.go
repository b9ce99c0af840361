package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/practice-sem-2/chat-sync-service/internal/config"
	"github.com/practice-sem-2/chat-sync-service/internal/models"
	"github.com/practice-sem-2/chat-sync-service/internal/scheduler"
	"github.com/practice-sem-2/chat-sync-service/internal/server"
	"github.com/practice-sem-2/chat-sync-service/internal/state"
	storage "github.com/practice-sem-2/chat-sync-service/internal/storages"
	usecase "github.com/practice-sem-2/chat-sync-service/internal/usecases"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

func initLogger(level string) *logrus.Logger {

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{
		PrettyPrint: true,
	})

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logger.SetLevel(logrus.InfoLevel)
		logger.
			WithField("log_level", level).
			Warning("specified invalid log level")
	} else {
		logger.SetLevel(logLevel)
		logger.
			WithField("log_level", level).
			Infof("specified %s log level", logLevel.String())
	}

	return logger
}

func initDB(dsn string, logger *logrus.Logger) *sqlx.DB {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		logger.Fatalf("can't connect to database: %s", err.Error())
	}

	err = db.Ping()

	if err != nil {
		logger.Fatalf("database ping failed: %s", err.Error())
	}

	logger.Info("successfully connected to database")
	return db
}

func runMigrations(cfg config.StorageConfig, logger *logrus.Logger) {
	m, err := migrate.New(cfg.MigrationsDir, cfg.MigrationsDSN)
	if err != nil {
		logger.Fatalf("can't open migrations: %s", err.Error())
	}
	defer m.Close()

	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatalf("can't apply migrations: %s", err.Error())
	}
	logger.Info("migrations applied")
}

func initBackend(ctx context.Context, cfg config.StorageConfig, migrations bool, logger *logrus.Logger) storage.Backend {
	switch cfg.Backend {
	case "postgres":
		if migrations {
			runMigrations(cfg, logger)
		}
		return storage.NewPostgresBackend(initDB(cfg.DSN, logger))
	case "redis":
		kv, err := storage.NewRedisKVFromURL(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatalf("can't connect to redis: %s", err.Error())
		}
		logger.Info("successfully connected to redis")
		return kv
	case "mongo":
		kv, err := storage.ConnectMongoKV(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			logger.Fatalf("can't connect to mongodb: %s", err.Error())
		}
		logger.Info("successfully connected to mongodb")
		return kv
	default:
		logger.Warning("using in-memory storage, state is lost on exit")
		return storage.NewMemoryKV()
	}
}

func initMetrics(addr string, logger *logrus.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Infof("metrics are served on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server failed")
		}
	}()
	return srv
}

func main() {
	var (
		logLevel   string
		seedPath   string
		migrations bool
		console    bool
	)

	flag.StringVar(&logLevel, "log", "info", "log level")
	flag.StringVar(&seedPath, "seed", "", "JSON file with demo chats and messages for an empty store")
	flag.BoolVar(&migrations, "migrate", false, "apply SQL migrations before start (postgres backend)")
	flag.BoolVar(&console, "console", true, "read commands from stdin")

	flag.Parse()

	logger := initLogger(logLevel)

	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		logger.Fatalf("invalid configuration: %s", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	defer stop()

	backend := initBackend(ctx, cfg.Storage, migrations, logger)
	defer func(b storage.Backend) {
		if err := b.Close(); err != nil {
			logger.Errorf("during storage close an error occurred: %s", err.Error())
		}
	}(backend)

	publisher := storage.NewPublisher(storage.PublisherConfig{
		KafkaBrokers: strings.Join(cfg.Events.KafkaBrokers, ","),
		AMQPURL:      cfg.Events.AMQPURL,
		AMQPExchange: cfg.Events.AMQPExchange,
	}, logger)
	defer publisher.Close()
	logger.WithField("mode", storage.PublisherMode(publisher)).Info("event publisher ready")

	validate := models.NewValidator()
	registry := storage.NewRegistry(backend, publisher, validate, storage.RegistryConfig{
		Records: &storage.RecordsStoreConfig{KeyPrefix: cfg.Storage.KeyPrefix},
		Updates: &storage.UpdatesStoreConfig{UpdatesTopic: cfg.Events.UpdatesTopic},
	}, logger)

	store := state.NewStore(state.New(), logger)
	sched := scheduler.New(logger)
	persister := usecase.NewPersister(registry, store, validate, logger)
	store.OnCommit(persister.Hook)
	store.OnCommit(usecase.ObserveCommit)

	storeCtx, stopStore := context.WithCancel(context.Background())
	storeDone := make(chan struct{})
	go func() {
		defer close(storeDone)
		_ = store.Run(storeCtx)
	}()

	writerCtx, stopWriter := context.WithCancel(context.Background())
	go persister.Run(writerCtx)

	deps := usecase.Deps{
		Store:     store,
		Scheduler: sched,
		Validate:  validate,
		Config:    cfg.Engine,
		Logger:    logger,
	}
	sessionUsecase := usecase.NewSessionUsecase(deps)
	chatsUsecase := usecase.NewChatsUsecase(deps)
	messagesUsecase := usecase.NewMessagesUsecase(deps)
	searchUsecase := usecase.NewSearchUsecase(deps)

	saved, err := persister.Restore(ctx)
	if err != nil {
		logger.Fatalf("can't restore state: %s", err.Error())
	}

	if seedPath != "" {
		err = persister.ImportSeedFile(ctx, seedPath)
		if errors.Is(err, storage.ErrAlreadySeeded) {
			logger.Info("store already holds data, seed skipped")
		} else if err != nil {
			logger.Fatalf("can't import seed: %s", err.Error())
		}
	}

	if saved != nil {
		if _, err := sessionUsecase.Restore(ctx, saved); err != nil {
			logger.WithError(err).Warning("saved session can't be resumed")
		}
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = initMetrics(cfg.MetricsAddr, logger)
	}

	srv := server.NewChatServer(sessionUsecase, chatsUsecase, messagesUsecase, searchUsecase, validate, cfg.Engine.Location, logger)

	if console {
		snapshots, unsubscribe := store.Subscribe()
		defer unsubscribe()
		go func() {
			if err := srv.Follow(ctx, snapshots, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Error("console updates stopped")
			}
		}()

		go func() {
			if err := srv.Serve(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Error("console stopped")
			}
			stop()
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down gracefully")

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	stopWriter()
	if err := persister.Flush(shutdownCtx); err != nil {
		logger.WithError(err).Error("final flush failed")
	}

	stopStore()
	<-storeDone
}
