package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flagforge/execd/internal/config"
	"github.com/flagforge/execd/internal/feeder"
	"github.com/flagforge/execd/internal/piston"
	"github.com/flagforge/execd/internal/queue"
)

const (
	brokerConnectAttempts = 5
	runtimeFetchAttempts  = 5
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := config.LoadFeeder()
	if err != nil {
		log.Fatal("config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := connectBroker(ctx, rdb, brokerConnectAttempts, log); err != nil {
		// Unlike the scheduler there is no degraded mode to fall back to:
		// without a broker the feeder has no work source at all.
		log.Fatal("broker unreachable", zap.Error(err))
	}

	engine := piston.NewClient(cfg.PistonURL)
	registry, err := piston.BuildRuntimeRegistry(ctx, engine, runtimeFetchAttempts, log)
	if err != nil {
		// No version data means no job can be validated; exit non-zero.
		log.Fatal("engine runtimes unavailable", zap.Error(err))
	}

	hostname, _ := os.Hostname()
	consumer := hostname + "-" + uuid.NewString()[:8]

	tasks := queue.New(rdb, cfg.TaskQueue, log).WithGroup("feeder", consumer)
	results := queue.New(rdb, cfg.ResultsQueue, log)

	proc := feeder.NewProcessor(engine, registry, results, feeder.Defaults{
		MemoryLimitMB:    cfg.DefaultMemoryLimitMB,
		CompileTimeoutMS: cfg.DefaultCompileTimeout,
		RunTimeoutMS:     cfg.DefaultRunTimeout,
	}, log)

	log.Info("feeder consuming",
		zap.String("queue", cfg.TaskQueue), zap.Int("prefetch", cfg.PrefetchCount))
	if err := tasks.Consume(ctx, cfg.PrefetchCount, proc.Handle); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("feeder stopped", zap.Error(err))
	}
	log.Info("feeder stopped")
}

func connectBroker(ctx context.Context, rdb *redis.Client, attempts int, log *zap.Logger) error {
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(2*attempt) * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = rdb.Ping(ctx).Err(); err == nil {
			log.Info("connected to broker")
			return nil
		}
		log.Error("broker connect failed",
			zap.Int("attempt", attempt+1), zap.Int("attempts", attempts), zap.Error(err))
	}
	return err
}
