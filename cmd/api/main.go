package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"orderflow/application"
	"orderflow/auth"
	"orderflow/config"
	"orderflow/db"
	"orderflow/lifecycle"
	"orderflow/notify"
	"orderflow/offer"
	"orderflow/worker"
)

var (
	_ Engine   = (*lifecycle.Service)(nil)
	_ Accounts = (*auth.Service)(nil)
	_ Workers  = (*worker.Service)(nil)
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	if err := run(logger); err != nil {
		logger.Error("api stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnLifetime: cfg.DBMaxConnLifetime,
		MaxConnIdleTime: cfg.DBMaxConnIdleTime,
	})
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	if cfg.RunMigrations {
		if err := db.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}

	authService := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)
	workerRepo := worker.NewRepository(pool)

	sinks := notify.Multi{notify.NewLogSink(logger)}
	if cfg.RedisURL != "" {
		client, err := connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		sinks = append(sinks, notify.NewRedisPublisher(client, cfg.RedisChannel))
	}
	if cfg.MongoURI != "" {
		client, err := connectMongo(ctx, cfg.MongoURI)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(shutdownCtx)
		}()
		sinks = append(sinks, notify.NewMongoInbox(client, cfg.MongoDatabase))
	}
	dispatcher := notify.NewDispatcher(sinks, authService, workerRepo, logger, cfg.NotifyTimeout)

	engine := lifecycle.NewService(lifecycle.Deps{
		Pool:         pool,
		Applications: application.NewRepository(pool),
		Offers:       offer.NewRepository(pool),
		Accounts:     authService,
		Workers:      workerRepo,
		Notifier:     dispatcher,
		Logger:       logger,
	})

	limiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go sweepVisitors(ctx, limiter)

	server := &Server{
		engine:         engine,
		accounts:       authService,
		workers:        worker.NewService(workerRepo),
		limiter:        limiter,
		logger:         logger,
		health:         pool.Ping,
		requestTimeout: cfg.RequestTimeout,
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           server.Handler(cfg.CORSAllowedOrigins),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	if err := dispatcher.Wait(shutdownCtx); err != nil {
		logger.Warn("pending notifications dropped", slog.Any("error", err))
	}
	return nil
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

func connectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

func sweepVisitors(ctx context.Context, limiter *RateLimiter) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Sweep()
		}
	}
}
