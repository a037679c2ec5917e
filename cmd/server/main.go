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

	"taskrelay.app/relay/common/id"
	"taskrelay.app/relay/common/logger"
	"taskrelay.app/relay/common/otel"
	"taskrelay.app/relay/core/config"
	"taskrelay.app/relay/core/db"
	"taskrelay.app/relay/internal/completion"
	"taskrelay.app/relay/internal/flow"
	"taskrelay.app/relay/internal/http/middleware"
	httprouter "taskrelay.app/relay/internal/http/router"
	"taskrelay.app/relay/internal/looptrack"
	"taskrelay.app/relay/internal/queue"
	"taskrelay.app/relay/internal/rules"
	"taskrelay.app/relay/internal/service"
	"taskrelay.app/relay/internal/store"
	"taskrelay.app/relay/internal/stream"
	"taskrelay.app/relay/internal/tasklog"
	"taskrelay.app/relay/internal/worker"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeServer)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel, config.ServiceTypeServer)
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

	slog.InfoContext(ctx, "relay server starting", "env", cfg.Env, "service", cfg.OTel.ServiceName)
	if err := id.Init(1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	ruleSource, err := rules.Load(cfg.RulesPath)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load rules", "path", cfg.RulesPath, "error", err)
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
	slog.InfoContext(ctx, "redis connected", "stream_prefix", cfg.Queue.StreamPrefix)

	tasks := store.NewTaskStore(database.Pool())
	flows := flow.NewTracker(store.NewConversationStore(database), tasks)
	loops := looptrack.NewRedisTracker(redisClient, cfg.Loop.MarkerTTL, cfg.Loop.DeliveryTTL)

	dispatcher := completion.NewDispatcher(loops, cfg.Completion)
	if err := dispatcher.RegisterConfigured(cfg.Providers); err != nil {
		slog.ErrorContext(ctx, "failed to configure providers", "error", err)
		os.Exit(1)
	}

	services := service.NewServices(service.ServiceDeps{
		Tasks:     tasks,
		Flows:     flows,
		Producer:  queue.NewRedisProducer(redisClient, cfg.Queue.StreamPrefix, nil),
		Canceller: worker.NewRedisCancelPublisher(redisClient),
		Rules:     ruleSource,
		Loops:     loops,
		Replier:   dispatcher,
		Logs:      tasklog.New(cfg.Worker.TaskLogDir),
		Agent:     cfg.Agent,
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := setupRouter(cfg, services, stream.NewRedisReader(redisClient))
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: task output streams stay open until the task ends.
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

func setupRouter(cfg config.Config, services *service.Services, output *stream.RedisReader) *gin.Engine {
	router := gin.New()

	// Order matters: OTel creates span → Recovery catches panics → Logger logs with trace context
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())

	httprouter.SetupRoutes(router, services, httprouter.RouterConfig{
		AdminAPIKey: cfg.AdminAPIKey,
		TraceHeader: cfg.Queue.TraceHeaderName,
		Output:      output,
	})

	return router
}

const banner = `
██████╗ ███████╗██╗      █████╗ ██╗   ██╗    ███████╗███████╗██████╗ ██╗   ██╗███████╗██████╗ 
██╔══██╗██╔════╝██║     ██╔══██╗╚██╗ ██╔╝    ██╔════╝██╔════╝██╔══██╗██║   ██║██╔════╝██╔══██╗
██████╔╝█████╗  ██║     ███████║ ╚████╔╝     ███████╗█████╗  ██████╔╝██║   ██║█████╗  ██████╔╝
██╔══██╗██╔══╝  ██║     ██╔══██║  ╚██╔╝      ╚════██║██╔══╝  ██╔══██╗╚██╗ ██╔╝██╔══╝  ██╔══██╗
██║  ██║███████╗███████╗██║  ██║   ██║       ███████║███████╗██║  ██║ ╚████╔╝ ███████╗██║  ██║
╚═╝  ╚═╝╚══════╝╚══════╝╚═╝  ╚═╝   ╚═╝       ╚══════╝╚══════╝╚═╝  ╚═╝  ╚═══╝  ╚══════╝╚═╝  ╚═╝
`
