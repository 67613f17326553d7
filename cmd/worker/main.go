package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/wallace/queue-entry/internal/actions"
	"github.com/wallace/queue-entry/internal/artifacts"
	"github.com/wallace/queue-entry/internal/config"
	"github.com/wallace/queue-entry/internal/engine"
	"github.com/wallace/queue-entry/internal/logging"
	"github.com/wallace/queue-entry/internal/notify"
	"github.com/wallace/queue-entry/internal/registry"
	"github.com/wallace/queue-entry/internal/store"
	"github.com/wallace/queue-entry/internal/telemetry"
	"github.com/wallace/queue-entry/internal/worker"
)

var errStale = errors.New("claimed past staleness threshold")

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logging.New(cfg.Env, cfg.LogLevel).With().Str("service", "worker").Logger()

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
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()
	st.SetMaxJobsPerServer(cfg.MaxJobsPerServer)

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	var notifier notify.Notifier = notify.NewLogNotifier(log)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		notifier = notify.NewRedisNotifier(client)
	}

	uploader, err := artifacts.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init artifact storage")
	}

	reg := registry.New()
	if err := actions.RegisterBuiltins(reg, st, uploader, log); err != nil {
		log.Fatal().Err(err).Msg("register actions")
	}

	eng := engine.New(st, st, reg, notifier, log)

	policy, err := worker.ParseRecoveryPolicy(cfg.RecoveryPolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("recovery policy")
	}
	if err := worker.Recover(ctx, st, eng, cfg.ServerID, policy, log); err != nil {
		log.Error().Err(err).Msg("startup recovery incomplete")
	}

	// Periodic staleness scan: flag entries claimed longer than the
	// threshold so operators see stuck work. No automatic preemption.
	c := cron.New()
	if _, err := c.AddFunc(cfg.StaleScanSchedule, func() {
		stale, err := st.StartedOlderThan(ctx, cfg.StaleAfter)
		if err != nil {
			log.Error().Err(err).Msg("stale scan failed")
			return
		}
		telemetry.StaleGauge.Set(float64(len(stale)))
		for i := range stale {
			entry := stale[i]
			log.Warn().
				Str("entry_id", entry.ID.String()).
				Time("started_on", *entry.StartedOn).
				Msg("entry claimed past staleness threshold")
			_ = notifier.Alert(ctx, &entry, errStale)
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("schedule stale scan")
	}
	c.Start()
	defer c.Stop()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Str("server_id", cfg.ServerID).
		Int("pollers", cfg.WorkerCount).
		Dur("poll_interval", cfg.PollInterval).
		Str("recovery_policy", string(policy)).
		Msg("worker started")

	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := worker.NewPoller(st, eng, cfg.ServerID, cfg.PollInterval, log)
			_ = p.RunForever(ctx)
		}()
	}
	wg.Wait()
	log.Info().Msg("worker stopped")
}
