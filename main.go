package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"arenacore/internal/config"
	"arenacore/internal/eventloop"
	"arenacore/internal/game"
	"arenacore/internal/matchmaking"
	"arenacore/internal/server"
	"arenacore/internal/stage"
	"arenacore/internal/tuning"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warn("could not load .env file")
	}

	logrus.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(os.Getenv("ARENACORE_LOG_LEVEL")); err == nil {
		logrus.SetLevel(lvl)
	}
	log := logrus.WithField("service", "arenacore")

	cfg := config.Load()

	var recorder game.MatchRecorder = game.NopRecorder{}
	if cfg.Redis != nil {
		rec, err := server.NewRedisRecorder(*cfg.Redis, log)
		if err != nil {
			log.WithError(err).Fatal("could not connect to redis record store")
		}
		recorder = rec
		log.WithField("addr", cfg.Redis.Addr).Info("match records persisted to redis")
	} else {
		log.Info("no record store configured, match results are not persisted")
	}

	constants := tuning.NewCachedSource(&tuning.StaticSource{Snapshot: cfg.Constants}, cfg.TuningTTL)
	if _, err := constants.Constants(context.Background()); err != nil {
		log.WithError(err).Fatal("invalid tunable constants")
	}

	registry := prometheus.NewRegistry()
	metrics := server.NewMetrics(registry)

	loop := eventloop.New(4096)
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go loop.Run(loopCtx)

	router, err := server.NewRouter(loop, cfg.Session, cfg.MessageRateLimit, server.RouterDeps{
		Stages:    stage.DefaultCatalog(),
		Constants: constants,
		Recorder:  recorder,
		Verifier:  server.NewStaticTokenVerifier(cfg.AuthTokens),
		Metrics:   metrics,
		Log:       log,
	})
	if err != nil {
		log.WithError(err).Fatal("invalid session configuration")
	}

	scheduler := matchmaking.New(cfg.Matchmaking, router, nil, log)
	router.AttachScheduler(scheduler)

	jobs, err := gocron.NewScheduler()
	if err != nil {
		log.WithError(err).Fatal("could not create job scheduler")
	}
	mustJob(log, jobs, cfg.MatchmakingInterval, func() {
		loop.Submit(func() {
			scheduler.Tick()
			metrics.QueueDepth.Set(float64(scheduler.Len()))
		})
	})
	mustJob(log, jobs, cfg.StatusInterval, func() {
		loop.Submit(scheduler.StatusTick)
	})
	idleAfter := cfg.CleanupIdleAfter
	mustJob(log, jobs, cfg.CleanupInterval, func() {
		loop.Submit(func() { router.CleanupSweep(idleAfter) })
	})
	jobs.Start()

	wsServer := server.New(cfg.Server, router)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsServer.HandleWS)
	mux.HandleFunc("/healthz", wsServer.HandleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("graceful shutdown failed")
		}
		if err := jobs.Shutdown(); err != nil {
			log.WithError(err).Error("job scheduler shutdown failed")
		}
		stopLoop()
	}()

	log.WithField("addr", cfg.Address).Info("arenacore server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("server stopped")
	}

	log.Info("server shut down cleanly")
}

func mustJob(log *logrus.Entry, jobs gocron.Scheduler, every time.Duration, task func()) {
	if _, err := jobs.NewJob(gocron.DurationJob(every), gocron.NewTask(task)); err != nil {
		log.WithError(err).Fatal("could not schedule background job")
	}
}
