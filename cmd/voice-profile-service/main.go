// main package for the voice-profile-service
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/book-expert/voice-profile-service/internal/config"
	"github.com/book-expert/voice-profile-service/internal/core"
	"github.com/book-expert/voice-profile-service/internal/dispatch"
	"github.com/book-expert/voice-profile-service/internal/health"
	"github.com/book-expert/voice-profile-service/internal/maintenance"
	"github.com/book-expert/voice-profile-service/internal/objectstore"
	"github.com/book-expert/voice-profile-service/internal/profilestore"
	"github.com/book-expert/voice-profile-service/internal/quality"
	"github.com/book-expert/voice-profile-service/internal/ratelimit"
	"github.com/book-expert/voice-profile-service/internal/service"
	"github.com/book-expert/voice-profile-service/internal/session"
	"github.com/book-expert/voice-profile-service/internal/synth"
)

const metricsReadHeaderTimeout = 5 * time.Second

// ErrUnknownBackend indicates an unrecognized synthesis backend kind in the
// configuration.
var ErrUnknownBackend = errors.New("unknown synthesis backend")

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, "voice-profile-service.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func buildSynthesizer(cfg *config.Config, log *logger.Logger) (core.SpeechSynthesizer, error) {
	switch cfg.Synthesis.Backend {
	case config.BackendHTTP:
		return synth.NewRemoteSynthesizer(cfg.RemoteSynthConfig()), nil
	case config.BackendCommand:
		return synth.NewCommandSynthesizer(cfg.CommandSynthConfig(), log), nil
	default:
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownBackend, cfg.Synthesis.Backend)
	}
}

func run() error {
	bootstrapLog, err := setupLogger(os.TempDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	bootstrapLog.Info("Bootstrap logger created.")

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runService(ctx, cfg, finalLog)
}

func runService(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to get JetStream context: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, cfg.NATS.ObjectStoreBucket)
	if err != nil {
		return fmt.Errorf("failed to initialize object store: %w", err)
	}

	synthesizer, err := buildSynthesizer(cfg, log)
	if err != nil {
		return err
	}

	profiles := profilestore.New(store, log)
	scorer := quality.NewScorer(cfg.Quality)
	sessions := session.NewManager(cfg.SessionConfig(), profiles, scorer, log)

	policies, fallback := cfg.RateLimitPolicies()
	limiter := ratelimit.New(policies, fallback)

	dispatcher := dispatch.New(cfg.DispatchConfig(), profiles, limiter, synthesizer, log)
	monitor := health.NewMonitor(dispatcher, limiter, sessions, synthesizer)
	metrics := health.NewMetrics()

	sweeper := maintenance.New(cfg.MaintenanceConfig(), sessions, limiter, profiles, log)
	go sweeper.Run(ctx)

	if cfg.Metrics.ListenAddress != "" {
		go serveMetrics(ctx, cfg.Metrics.ListenAddress, metrics, log)
	}

	svc := service.New(
		natsConnection, cfg.SubjectPrefix(),
		sessions, profiles, dispatcher, monitor, metrics, log,
	)

	log.System("Voice-profile-service initialized. Subject prefix: %s", cfg.SubjectPrefix())

	runErr := svc.Run(ctx)
	if runErr != nil {
		return fmt.Errorf("service stopped with error: %w", runErr)
	}

	return nil
}

func serveMetrics(ctx context.Context, address string, metrics *health.Metrics, log *logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsReadHeaderTimeout)
		defer cancel()

		shutdownErr := server.Shutdown(shutdownCtx)
		if shutdownErr != nil {
			log.Warn("Failed to shut down metrics listener: %v", shutdownErr)
		}
	}()

	serveErr := server.ListenAndServe()
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		log.Error("Metrics listener failed: %v", serveErr)
	}
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
