package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"chainpulse.dev/pulse/common/id"
	"chainpulse.dev/pulse/common/logger"
	"chainpulse.dev/pulse/common/otel"
	"chainpulse.dev/pulse/core/config"
	"chainpulse.dev/pulse/core/db"
	"chainpulse.dev/pulse/internal/breaker"
	"chainpulse.dev/pulse/internal/condition"
	"chainpulse.dev/pulse/internal/dispatch"
	httphandler "chainpulse.dev/pulse/internal/http/handler"
	httprouter "chainpulse.dev/pulse/internal/http/router"
	"chainpulse.dev/pulse/internal/queue"
	"chainpulse.dev/pulse/internal/ratelimit"
	"chainpulse.dev/pulse/internal/store"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeProcessor)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "processor starting",
		"env", cfg.Env,
		"channel", cfg.Listener.Channel)

	if err := id.Init(1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.InfoContext(ctx, "database connected")

	redisOpts, err := redis.ParseURL(cfg.Queue.RedisURL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.InfoContext(ctx, "redis connected", "stream", cfg.Queue.Stream)

	// Rate/failure counters fail open on the dispatch side: a Redis
	// outage must not stall event routing.
	counter := ratelimit.NewRedisCounter(redisClient, true)

	pooled := store.NewStores(database.Pool())
	brk := breaker.New(pooled.Breaker, counter, cfg.Breaker)
	engine := condition.NewEngine(counter)

	producer := queue.NewRedisProducer(redisClient, cfg.Queue.Stream, nil)
	defer producer.Close()

	dispatcher := dispatch.NewDispatcher(producer)
	processor := dispatch.NewProcessor(dispatch.NewDBRunner(database), engine, brk, dispatcher, cfg.Queue.Consumer)
	listener := dispatch.NewListener(database, pooled.Events, processor, cfg.Listener)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := setupRouter(cfg, brk, pooled)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- listener.Run(ctx)
	}()
	go func() {
		slog.InfoContext(ctx, "admin server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.InfoContext(ctx, "processor initialized and running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-errCh:
		if err != nil {
			slog.ErrorContext(ctx, "fatal component error", "error", err)
		}
	}

	slog.InfoContext(ctx, "shutting down processor...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "admin server shutdown error", "error", err)
	}

	listener.Stop()

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "processor shutdown complete")
}

func setupRouter(cfg config.Config, brk *breaker.Breaker, stores *store.Stores) *gin.Engine {
	router := gin.New()

	// Order matters: OTel creates span, Recovery catches panics before
	// they reach the OTel middleware.
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(gin.Recovery())

	triggerHandler := httphandler.NewTriggerHandler(stores.Triggers, stores.ActionResults)
	breakerHandler := httphandler.NewBreakerHandler(brk, stores.Triggers)
	httprouter.SetupRoutes(router, triggerHandler, breakerHandler, httprouter.RouterConfig{
		AdminAPIKey: cfg.AdminAPIKey,
	})

	return router
}

const banner = `
██████╗ ██╗   ██╗██╗     ███████╗███████╗
██╔══██╗██║   ██║██║     ██╔════╝██╔════╝
██████╔╝██║   ██║██║     ███████╗█████╗
██╔═══╝ ██║   ██║██║     ╚════██║██╔══╝
██║     ╚██████╔╝███████╗███████║███████╗
╚═╝      ╚═════╝ ╚══════╝╚══════╝╚══════╝
`
