package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"smm-fulfillment/internal/config"
	"smm-fulfillment/internal/notify"
	"smm-fulfillment/internal/provider"
	"smm-fulfillment/internal/queue"
	"smm-fulfillment/internal/store"
	"smm-fulfillment/internal/telemetry"
	"smm-fulfillment/internal/wallet"
	workerproc "smm-fulfillment/internal/worker"
)

func main() {
	cfg := config.Load()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if cfg.Env == "dev" {
		log.SetFormatter(&logrus.TextFormatter{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.WithError(err).Fatal("migrations")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.New(rdb, cfg.VisibilityTimeout)

	ledger := wallet.NewPostgresLedger(st.Pool())

	providers := provider.NewRegistry()
	for _, pc := range cfg.Providers {
		client := provider.NewHTTPClient(pc.Endpoint, pc.APIKey, cfg.ProviderTimeout)
		providers.Register(pc.ID, provider.WithBreaker(pc.ID, client))
	}
	if len(cfg.Providers) == 0 {
		log.Warn("no providers configured, all process_order jobs will fail as business errors")
	}

	machine := workerproc.NewStateMachine(st, ledger, providers, workerproc.FullRefund, log)
	retry := workerproc.NewRetryPolicy(cfg.MaxRetries, cfg.RetryDelay)
	notifier := notify.NewRedisNotifier(rdb, cfg.NotifyChannel)

	processor := workerproc.NewProcessor(workerproc.Options{
		Concurrency:        cfg.Concurrency,
		JobTimeout:         cfg.JobTimeout,
		LockBusyDelay:      cfg.LockBusyDelay,
		CompensationGrace:  cfg.CompensationGrace,
		PollInterval:       cfg.WorkerPollInterval,
		ScheduledBatchSize: int64(cfg.ScheduledBatchSize),
	}, q, machine, retry, notifier, log)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	log.WithFields(logrus.Fields{
		"concurrency": cfg.Concurrency,
		"job_timeout": cfg.JobTimeout,
		"max_retries": cfg.MaxRetries,
	}).Info("worker started")
	if err := processor.Run(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Error("worker stopped")
	}
}
