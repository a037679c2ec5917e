package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"taskrelay.app/relay/common/id"
	"taskrelay.app/relay/common/logger"
	"taskrelay.app/relay/common/otel"
	"taskrelay.app/relay/core/config"
	"taskrelay.app/relay/core/db"
	"taskrelay.app/relay/internal/completion"
	"taskrelay.app/relay/internal/flow"
	"taskrelay.app/relay/internal/looptrack"
	"taskrelay.app/relay/internal/queue"
	"taskrelay.app/relay/internal/runner"
	"taskrelay.app/relay/internal/store"
	"taskrelay.app/relay/internal/stream"
	"taskrelay.app/relay/internal/tasklog"
	"taskrelay.app/relay/internal/worker"
)

// drainTimeout bounds how long shutdown waits for running tasks before
// cancelling them.
const drainTimeout = 30 * time.Second

func main() {
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeWorker)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	fmt.Printf("%s\n", banner)

	telemetry, err := otel.Setup(ctx, cfg.OTel, config.ServiceTypeWorker)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	slog.InfoContext(ctx, "relay worker starting",
		"env", cfg.Env,
		"slots", cfg.Worker.Slots,
		"consumer_group", cfg.Queue.Group,
		"consumer_name", cfg.Queue.Consumer)

	// Different node id than the server
	if err := id.Init(2); err != nil {
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
	slog.InfoContext(ctx, "redis connected", "stream_prefix", cfg.Queue.StreamPrefix)

	consumer, err := queue.NewRedisConsumer(ctx, redisClient, queue.ConsumerConfig{
		StreamPrefix: cfg.Queue.StreamPrefix,
		Group:        cfg.Queue.Group,
		Consumer:     cfg.Queue.Consumer,
		DLQStream:    cfg.Queue.DLQStream,
		Block:        5 * time.Second,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create consumer", "error", err)
		os.Exit(1)
	}

	tasks := store.NewTaskStore(database.Pool())
	flows := flow.NewTracker(store.NewConversationStore(database), tasks)
	loops := looptrack.NewRedisTracker(redisClient, cfg.Loop.MarkerTTL, cfg.Loop.DeliveryTTL)

	dispatcher := completion.NewDispatcher(loops, cfg.Completion)
	if err := dispatcher.RegisterConfigured(cfg.Providers); err != nil {
		slog.ErrorContext(ctx, "failed to configure providers", "error", err)
		os.Exit(1)
	}

	registry := worker.NewRegistry()
	executor := worker.NewExecutor(worker.ExecutorDeps{
		Tasks:     tasks,
		Runner:    runner.New(),
		Flows:     flows,
		Completer: dispatcher,
		Sink:      stream.NewRedisSink(redisClient),
		Logs:      tasklog.New(cfg.Worker.TaskLogDir),
		Registry:  registry,
	}, worker.ExecutorConfig{
		Agent:       cfg.Agent,
		Timeout:     cfg.Worker.TaskTimeout,
		GracePeriod: cfg.Worker.KillGracePeriod,
	})

	pool := worker.New(consumer, tasks, executor, worker.Config{Slots: cfg.Worker.Slots})

	reclaimer := worker.NewReclaimer(consumer, worker.ReclaimerConfig{
		MinIdle:   cfg.Worker.ReclaimMinIdle,
		Interval:  cfg.Worker.ReclaimInterval,
		BatchSize: cfg.Worker.ReclaimBatch,
	})

	cancels := worker.NewCancelListener(redisClient, registry)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	errCh := make(chan error, 1)
	go func() {
		errCh <- pool.Run(runCtx)
	}()
	go reclaimer.Run(runCtx)
	go cancels.Run(runCtx)

	slog.InfoContext(ctx, "worker initialized and running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		slog.ErrorContext(ctx, "worker pool exited", "error", err)
		os.Exit(1)
	}

	slog.InfoContext(ctx, "shutting down worker...", "running", pool.Busy())

	// Stop reclaimer first (quick)
	reclaimer.Stop()

	// Stop polling and let running tasks finish
	stopped := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(drainTimeout):
		slog.WarnContext(ctx, "shutdown timeout exceeded, cancelling running tasks", "running", pool.Busy())
		cancelRun()
		<-stopped
	}

	cancels.Stop()

	if telemetry != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(ctx, "worker shutdown complete", "peak_slots", pool.Peak())
}

const banner = `
██████╗ ███████╗██╗      █████╗ ██╗   ██╗    ██████╗ ██╗██████╗ ███████╗██╗     ██╗███╗   ██╗███████╗
██╔══██╗██╔════╝██║     ██╔══██╗╚██╗ ██╔╝    ██╔══██╗██║██╔══██╗██╔════╝██║     ██║████╗  ██║██╔════╝
██████╔╝█████╗  ██║     ███████║ ╚████╔╝     ██████╔╝██║██████╔╝█████╗  ██║     ██║██╔██╗ ██║█████╗
██╔══██╗██╔══╝  ██║     ██╔══██║  ╚██╔╝      ██╔═══╝ ██║██╔═══╝ ██╔══╝  ██║     ██║██║╚██╗██║██╔══╝
██║  ██║███████╗███████╗██║  ██║   ██║       ██║     ██║██║     ███████╗███████╗██║██║ ╚████║███████╗
╚═╝  ╚═╝╚══════╝╚══════╝╚═╝  ╚═╝   ╚═╝       ╚═╝     ╚═╝╚═╝     ╚══════╝╚══════╝╚═╝╚═╝  ╚═══╝╚══════╝
`
