package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/harborwatch/alertgate/internal/config"
	"github.com/harborwatch/alertgate/internal/database"
	"github.com/harborwatch/alertgate/internal/delivery"
	"github.com/harborwatch/alertgate/internal/dlq"
	"github.com/harborwatch/alertgate/internal/gate"
	"github.com/harborwatch/alertgate/internal/handler"
	"github.com/harborwatch/alertgate/internal/intake"
	"github.com/harborwatch/alertgate/internal/push"
	"github.com/harborwatch/alertgate/internal/store"
)

func main() {
	withWorker := flag.Bool("worker", false, "also run the intake consumer and retry scheduler in-process")
	flag.Parse()

	_ = godotenv.Load()  // Load .env file
	cfg := config.Load() // Load config from environment variables

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Connect to Postgres
	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("connected to postgres")

	// Connect to Redis (dedup markers and the intake stream)
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("failed to parse redis URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()
	slog.Info("connected to redis")

	// Wire the pipeline
	s := store.New(pool)
	hub := push.NewHub(cfg.SendLimitPerMinute)
	g := gate.New(gate.NewRedisDedupStore(rdb), cfg.DedupeTTL)
	engine := delivery.NewEngine(s.Attempts, s.DeadLetters, cfg.DeliveryTimeout, cfg.RetryBaseDelay)
	runner := delivery.NewRunner(engine, g, s.Events, s.Subscriptions, hub, cfg.RateLimitPerRun, cfg.WorkerConcurrency)
	dlqMgr := dlq.NewManager(s.DeadLetters, s.Attempts, s.Events, s.Subscriptions, engine, cfg.MaxDLQRetries, cfg.RetryBaseDelay)

	alertH := handler.NewAlertHandler(s, runner, dlqMgr)
	subH := handler.NewSubscriptionHandler(s)
	healthH := handler.NewHealthHandler(pool, rdb)

	// Routes
	r := gin.Default()
	r.RedirectFixedPath = true
	r.RedirectTrailingSlash = true

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, ".")
	})
	r.GET("/health/alerts", healthH.Alerts)
	r.GET("/health/webhooks", healthH.Webhooks)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Live push channel
	r.GET("/ws", func(c *gin.Context) {
		hub.ServeWS(c.Writer, c.Request)
	})

	r.GET("/v1/alert-deliveries", alertH.ListDeliveries)

	api := r.Group("/api")
	{
		alerts := api.Group("/alerts")
		{
			alerts.POST("/run", alertH.Run)
			alerts.GET("/dlq-health", alertH.DLQHealth)
			alerts.POST("/retry-dlq", alertH.RetryDLQ)
			alerts.GET("/metrics", alertH.Metrics)
		}
		subs := api.Group("/subscriptions")
		{
			subs.GET("", subH.List)
			subs.POST("", subH.Create)
			subs.GET("/:id", subH.Get)
			subs.PATCH("/:id", subH.Update)
			subs.DELETE("/:id", subH.Delete)
		}
	}

	// Optionally run the worker side in-process for local development
	if *withWorker {
		consumer := intake.NewConsumer(rdb, s.Events, runner, cfg.WorkerConcurrency)
		if err := consumer.Start(ctx); err != nil {
			slog.Error("failed to start intake consumer", "error", err)
			os.Exit(1)
		}
		dlqMgr.StartScheduler(ctx, cfg.PollInterval, cfg.DLQBatchSize)
		slog.Info("intake consumer and retry scheduler started", "concurrency", cfg.WorkerConcurrency)
	}

	// Start HTTP server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		slog.Info("api server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("api server stopped")
}
