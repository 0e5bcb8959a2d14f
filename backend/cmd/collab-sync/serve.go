package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"collabsync/backend/config"
	"collabsync/backend/internal/auth"
	"collabsync/backend/internal/cache"
	"collabsync/backend/internal/fanout"
	"collabsync/backend/internal/httpapi"
	"collabsync/backend/internal/logging"
	"collabsync/backend/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session store HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, map[string]string{
			"running.port": "port",
			"store.driver": "store",
		})
		if err != nil {
			return fmt.Errorf("init config failed: %w", err)
		}
		logger, err := logging.New(cfg.Log.Level, cfg.Log.Sink)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func init() {
	serveCmd.Flags().Int("port", 8090, "listen port")
	serveCmd.Flags().String("store", "memory", "store driver: memory or mysql")
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.Auth.Secret == "" {
		return errors.New("auth.secret is required")
	}

	// Kafka fan-out is optional; without brokers events stay in the store.
	var pub store.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := fanout.NewSyncProducer(cfg.Kafka.Brokers)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()
		dispatcher := fanout.NewDispatcher(producer, cfg.Kafka.Topic, fanout.Options{
			QueueSize:   cfg.Kafka.QueueSize,
			Workers:     cfg.Kafka.Workers,
			MaxInFlight: cfg.Kafka.MaxInFlight,
			MaxRetry:    cfg.Kafka.MaxRetry,
			BaseBackoff: cfg.Kafka.BaseBackoff,
			MaxBackoff:  cfg.Kafka.MaxBackoff,
		}, logger)
		// drains the queue before the producer closes
		defer dispatcher.Close()
		pub = dispatcher
	}

	var st store.Store
	switch cfg.Store.Driver {
	case "", "memory":
		opts := []store.MemoryOption{store.WithRetention(cfg.Store.Retention), store.WithLogger(logger)}
		if pub != nil {
			opts = append(opts, store.WithPublisher(pub))
		}
		st = store.NewMemoryStore(opts...)
	case "mysql":
		db, err := store.OpenMySQL(cfg.Mysql.DSN)
		if err != nil {
			return fmt.Errorf("connect mysql: %w", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		gs := store.NewGormStore(db, pub, logger)
		if err := gs.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		st = gs
	default:
		return fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	var presence cache.Presence
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		presence = cache.NewRedisPresence(rdb)
	}

	if logger.Core().Enabled(zap.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpapi.NewRouter(httpapi.Options{
		Store:       st,
		Signer:      auth.NewSigner(cfg.Auth.Secret),
		Presence:    presence,
		PresenceTTL: cfg.Redis.PresenceTTL,
		CORS:        cfg.Cors.Enabled,
		RequestLog:  true,
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server_listening",
			zap.String("addr", srv.Addr),
			zap.String("store", cfg.Store.Driver),
			zap.Bool("presence", presence != nil),
			zap.Bool("fanout", pub != nil))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("server_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
