package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flagforge/execd/internal/config"
	"github.com/flagforge/execd/internal/crypto"
	"github.com/flagforge/execd/internal/domain"
	"github.com/flagforge/execd/internal/queue"
	"github.com/flagforge/execd/internal/scheduler"
)

const brokerConnectAttempts = 10

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := config.LoadScheduler()
	if err != nil {
		log.Fatal("config", zap.Error(err))
	}

	// Missing keys are not fatal here: the process stays up and answers 500
	// so operators can fix the environment without a crash loop.
	var cipher *crypto.SettingsCipher
	if cfg.EncryptionKey == "" {
		log.Error("ENCRYPTION_KEY not set, submissions will be rejected")
	} else if cipher, err = crypto.NewSettingsCipher(cfg.EncryptionKey); err != nil {
		log.Error("ENCRYPTION_KEY unusable, submissions will be rejected", zap.Error(err))
	}
	var signer *crypto.FlagSigner
	if cfg.SignatureKey == "" {
		log.Error("SIGNATURE_KEY not set, submissions will be rejected")
	} else {
		signer = crypto.NewFlagSigner(cfg.SignatureKey)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A dead broker degrades the scheduler rather than killing it: submits
	// answer 503 while the consumer keeps retrying, so results for jobs
	// already in flight can still drain once the broker returns.
	if err := connectBroker(ctx, rdb, brokerConnectAttempts, log); err != nil {
		log.Error("broker unreachable at startup, serving degraded", zap.Error(err))
	}

	hostname, _ := os.Hostname()
	consumer := hostname + "-" + uuid.NewString()[:8]

	tasks := queue.New(rdb, cfg.TaskQueue, log)
	results := queue.New(rdb, cfg.ResultsQueue, log).WithGroup("scheduler", consumer)

	pending := scheduler.NewPendingRegistry[*domain.ResultMessage]()
	srv := scheduler.NewServer(tasks, pending, cipher, signer, cfg.ExecutionTimeout, log)

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: srv.Router()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return results.Consume(ctx, 1, scheduler.NewResultHandler(pending, log))
	})
	g.Go(func() error {
		log.Info("scheduler listening", zap.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("scheduler stopped", zap.Error(err))
	}
	log.Info("scheduler stopped")
}

// connectBroker probes the broker with capped exponential backoff.
func connectBroker(ctx context.Context, rdb *redis.Client, attempts int, log *zap.Logger) error {
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(1<<attempt) * time.Second):
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
