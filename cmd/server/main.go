package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-broker/internal/alerts"
	"github.com/ksred/klear-broker/internal/auth"
	"github.com/ksred/klear-broker/internal/broker"
	"github.com/ksred/klear-broker/internal/config"
	"github.com/ksred/klear-broker/internal/connections"
	"github.com/ksred/klear-broker/internal/credentials"
	"github.com/ksred/klear-broker/internal/database"
	"github.com/ksred/klear-broker/internal/execution"
	"github.com/ksred/klear-broker/internal/jobs"
	"github.com/ksred/klear-broker/internal/oauth"
	"github.com/ksred/klear-broker/internal/positions"
	"github.com/ksred/klear-broker/internal/ratelimit"
	"github.com/ksred/klear-broker/internal/trading"
	"github.com/ksred/klear-broker/internal/vault"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// setupLogging configures the global logger. Outside production it prints
// through the console writer.
func setupLogging(cfg *config.Config) {
	if !cfg.IsProduction() && cfg.Logging.Pretty {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// main wires the broker service and runs it with graceful shutdown. The
// HTTP server, job worker, scheduler, session keep-alive and rate limit
// sweeper all stop on SIGINT or SIGTERM.
func main() {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Invalid configuration")
	}
	setupLogging(cfg)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	app, err := newApp(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize service")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	app.startBackground(ctx, &wg)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: app.router,
	}

	go func() {
		zlog.Info().Str("port", cfg.Server.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	zlog.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Background loops observe ctx; wait for in-flight jobs before closing
	// the queue they hand interrupted work back to.
	wg.Wait()
	if err := app.queue.Close(); err != nil {
		zlog.Error().Err(err).Msg("Failed to close job queue")
	}

	zlog.Info().Msg("Server exiting")
}

type app struct {
	cfg        *config.Config
	router     *gin.Engine
	queue      jobs.Queue
	factory    *broker.Factory
	worker     *jobs.Worker
	scheduler  *execution.Scheduler
	rateMemory *ratelimit.MemoryStore
}

func newApp(cfg *config.Config) (*app, error) {
	db, err := database.NewDatabase(cfg.Database, cfg.Logging.Level == "debug")
	if err != nil {
		return nil, err
	}

	cipher, err := vault.New(cfg.Security.EncryptionKey, cfg.Security.EncryptionSalt)
	if err != nil {
		return nil, fmt.Errorf("init credential encryption: %w", err)
	}
	store := credentials.NewDatabase(db, cipher)
	state := oauth.NewStateSigner(cfg.Security.StateSecret, cfg.Security.StateTTL)

	connDB := connections.NewDatabase(db)
	alertService := alerts.NewService(db)

	factory, err := broker.NewFactory(cfg.Brokers, store, state,
		broker.WithOAuthOptions(oauth.WithReconnectHook(reconnectHook(connDB, alertService))),
	)
	if err != nil {
		return nil, err
	}

	var queue jobs.Queue
	switch cfg.Jobs.Driver {
	case "kafka":
		queue = jobs.NewKafkaQueue(cfg.Jobs.Kafka)
	default:
		queue = jobs.NewMemoryQueue(cfg.Jobs.QueueSize)
	}

	orderDB := trading.NewDatabase(db)
	positionDB := positions.NewDatabase(db)
	failed := jobs.NewFailedStore(db)

	tradingService := trading.NewService(orderDB, factory, connDB, queue, alertService, cfg.Orders)
	jobHandler := execution.NewHandler(tradingService, orderDB, factory, connDB, positionDB, alertService)

	a := &app{
		cfg:       cfg,
		queue:     queue,
		factory:   factory,
		worker:    jobs.NewWorker(queue, jobHandler, failed, cfg.Jobs),
		scheduler: execution.NewScheduler(queue, orderDB, store, cfg.Jobs),
	}

	var limitStore ratelimit.Store
	switch cfg.RateLimits.Store {
	case "redis":
		limitStore = ratelimit.NewRedisStore(ratelimit.NewRedisClient(cfg.Redis))
	default:
		a.rateMemory = ratelimit.NewMemoryStore()
		limitStore = a.rateMemory
	}
	limits := limiters{
		auth:   ratelimit.New("auth", cfg.RateLimits.Auth, limitStore),
		api:    ratelimit.New("api", cfg.RateLimits.API, limitStore),
		orders: ratelimit.New("orders", cfg.RateLimits.Orders, limitStore),
	}

	a.router = gin.New()
	a.router.Use(gin.Recovery())
	a.router.Use(cors.New(cors.Config{
		AllowOrigins:  cfg.Server.CORSOrigins,
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "Idempotency-Key"},
		ExposeHeaders: []string{"Content-Length", "Retry-After"},
		MaxAge:        12 * time.Hour,
	}))

	authService := auth.NewService(cfg.Security)
	setupRoutes(a.router, cfg, limits, handlers{
		authService: authService,
		auth:        auth.NewGinHandlers(authService),
		connections: connections.NewGinHandlers(connections.NewService(connDB, factory)),
		trading:     trading.NewGinHandlers(tradingService),
		positions:   positions.NewGinHandlers(positionDB),
		alerts:      alerts.NewGinHandlers(alertService),
		execution:   execution.NewGinHandlers(queue, failed),
	})
	return a, nil
}

func (a *app) startBackground(ctx context.Context, wg *sync.WaitGroup) {
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	run(a.worker.Run)
	run(a.scheduler.Start)
	for _, mgr := range a.factory.SessionManagers() {
		run(mgr.Run)
	}
	if a.rateMemory != nil {
		run(func(ctx context.Context) { a.rateMemory.Run(ctx, a.cfg.RateLimits.SweepInterval) })
	}
}

// reconnectHook deactivates a connection whose refresh token was rejected
// and tells the user to reconnect.
func reconnectHook(conns *connections.Database, notifier *alerts.Service) oauth.ReconnectHook {
	return func(ctx context.Context, userID, brokerID string) {
		logger := zlog.With().Str("user_id", userID).Str("broker", brokerID).Logger()
		if err := conns.Deactivate(ctx, userID, brokerID, time.Now()); err != nil {
			logger.Error().Err(err).Msg("Failed to deactivate connection")
		}
		msg := fmt.Sprintf("Your %s connection expired. Reconnect to keep trading.", brokerID)
		if err := notifier.Raise(ctx, userID, alerts.KindReconnectRequired, "", msg); err != nil {
			logger.Error().Err(err).Msg("Failed to raise reconnect alert")
		}
	}
}
