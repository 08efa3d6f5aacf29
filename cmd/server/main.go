package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"stream-orchestrator/internal/diagnostics"
	"stream-orchestrator/internal/ffmpeg"
	"stream-orchestrator/internal/orchestrator"
	"stream-orchestrator/internal/platform/config"
	"stream-orchestrator/internal/platform/logger"
	"stream-orchestrator/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second
	redisTimeout    = 5 * time.Second
	lockFile        = ".orchestrator.lock"
)

func main() {
	_ = config.Load()

	st := config.FromEnv()

	cfg := orchestrator.Config{
		DrainInterval:     st.DrainInterval,
		DrainBatch:        st.DrainBatch,
		ReadyPollInterval: st.ReadyPollInterval,
		ReadyTimeout:      st.ReadyTimeout,
		Retry: orchestrator.RetryPolicy{
			MaxRetries:     st.MaxRetries,
			InitialBackoff: st.RetryInitialBackoff,
			MaxBackoff:     st.RetryMaxBackoff,
			Jitter:         orchestrator.DefaultRetryPolicy.Jitter,
		},
	}
	limit := orchestrator.RateLimit{PerSecond: st.WSRequestsPerSecond, Burst: st.WSBurst}

	log := logger.New(st.LogLevel, st.LogFormat)

	if err := os.MkdirAll(filepath.Join(st.OutputRoot, orchestrator.ArtifactDir), 0o755); err != nil {
		log.Error("create output root", "error", err)
		os.Exit(1)
	}
	lock := flock.New(filepath.Join(st.OutputRoot, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		log.Error("acquire instance lock", "error", err)
		os.Exit(1)
	}
	if !locked {
		log.Error("another instance owns the output root", "output_root", st.OutputRoot)
		os.Exit(1)
	}
	defer lock.Unlock()

	fileSink, err := diagnostics.NewFileSink(st.DiagnosticsDir)
	if err != nil {
		log.Error("diagnostics setup", "error", err)
		os.Exit(1)
	}
	sinks := diagnostics.Multi{fileSink}
	if st.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
		client, err := diagnostics.NewRedisClient(ctx, diagnostics.RedisConfig{
			Addr:     st.RedisAddr,
			Password: st.RedisPassword,
			DB:       st.RedisDB,
		})
		cancel()
		if err != nil {
			log.Warn("redis not available, diagnostics kept on disk only", "error", err)
		} else {
			defer client.Close()
			sinks = append(sinks, diagnostics.NewRedisSink(client, diagnostics.DefaultKeyPrefix, st.RedisTTL))
		}
	}

	met := metrics.New()
	hub := orchestrator.NewHub(log)
	runner := ffmpeg.NewRunner(ffmpeg.Config{
		Binary:      st.FFmpegBin,
		KillTimeout: st.KillTimeout,
	}, log)
	orch := orchestrator.New(cfg,
		orchestrator.NewResolver(st.OutputRoot, st.PublicBaseURL),
		runner,
		hub,
		orchestrator.WithLogger(log),
		orchestrator.WithMetrics(met),
		orchestrator.WithDiagnostics(sinks),
	)
	h := orchestrator.NewHandler(orch, hub, log, met, limit)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", met.Handler().ServeHTTP)
	r.Get("/healthz", h.Healthz)
	r.Get("/jobs", h.ListJobs)
	r.Get("/ws", h.ServeWS)

	addr := ":" + st.Port
	srv := &http.Server{Addr: addr, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info("server starting",
		"port", st.Port,
		"output_root", st.OutputRoot,
		"public_base_url", st.PublicBaseURL,
		"ffmpeg", st.FFmpegBin,
		"log_level", st.LogLevel,
	)

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		lock.Unlock()
		os.Exit(1)
	}

	log.Info("server stopped")
}
