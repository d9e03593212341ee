package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/meridian-au/commandbus/internal/bus"
	"github.com/meridian-au/commandbus/internal/db"
	"github.com/meridian-au/commandbus/internal/notifications"
	"github.com/meridian-au/commandbus/internal/observability"
	"github.com/meridian-au/commandbus/internal/process"
	"github.com/meridian-au/commandbus/internal/worker"
)

// Config holds the daemon configuration loaded from environment variables
type Config struct {
	Domain       string // Domain whose command queue this daemon serves
	Port         string // HTTP port for health endpoints
	Env          string // Environment (development/production)
	SentryDSN    string // Sentry DSN for error tracking
	LogLevel     string // Log level (debug, info, warn, error)
	MetricsAddr  string // Address for Prometheus metrics endpoint (":9464" style)
	EnableRouter bool   // Run the process reply router alongside the worker
}

func main() {
	// Load .env files - .env.local takes priority for development
	godotenv.Load(".env.local", ".env")

	config := &Config{
		Domain:       os.Getenv("COMMANDBUS_DOMAIN"),
		Port:         getEnvWithDefault("PORT", "8080"),
		Env:          getEnvWithDefault("APP_ENV", "development"),
		SentryDSN:    os.Getenv("SENTRY_DSN"),
		LogLevel:     getEnvWithDefault("LOG_LEVEL", "info"),
		MetricsAddr:  getEnvWithDefault("METRICS_ADDR", ":9464"),
		EnableRouter: getEnvWithDefault("COMMANDBUS_ENABLE_ROUTER", "false") == "true",
	}

	setupLogging(config)

	if config.Domain == "" {
		log.Fatal().Msg("COMMANDBUS_DOMAIN is required")
	}

	// Initialise Sentry for error tracking and performance monitoring
	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.SentryDSN,
			Environment: config.Env,
			TracesSampleRate: func() float64 {
				if config.Env == "production" {
					return 0.1 // 10% sampling in production
				}
				return 1.0 // 100% sampling in development
			}(),
			AttachStacktrace: true,
			Debug:            config.Env == "development",
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			log.Info().Str("environment", config.Env).Msg("Sentry initialised successfully")
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
	}

	// Connect to PostgreSQL, retrying while the database comes up
	database, err := db.InitFromEnvWithRetry(context.Background())
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL database")
	}
	defer database.Close()

	log.Info().Msg("Connected to PostgreSQL database")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics()

	// Worker configuration from environment overrides
	workerCfg := worker.DefaultConfig(config.Domain)
	workerCfg.Concurrency = getEnvInt("WORKER_CONCURRENCY", workerCfg.Concurrency)
	workerCfg.BatchSize = getEnvInt("WORKER_BATCH_SIZE", workerCfg.BatchSize)
	if secs := getEnvInt("VISIBILITY_TIMEOUT_SECONDS", 0); secs > 0 {
		workerCfg.VisibilityTimeout = time.Duration(secs) * time.Second
	}
	if secs := getEnvInt("STATEMENT_TIMEOUT_SECONDS", 0); secs > 0 {
		workerCfg.StatementTimeout = time.Duration(secs) * time.Second
	}
	if secs := getEnvInt("WORKER_POLL_SECONDS", 0); secs > 0 {
		workerCfg.PollInterval = time.Duration(secs) * time.Second
	}
	workerCfg.UseNotify = getEnvWithDefault("USE_NOTIFY", "true") == "true"
	workerCfg.UseStoredProcs = getEnvWithDefault("USE_STORED_PROCS", "false") == "true"

	registry := worker.NewRegistry()
	registerHandlers(registry, config.Domain)

	w, err := worker.New(database, registry, workerCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid worker configuration")
	}
	w.SetMetrics(metrics)

	// Slack alerts when commands land in the troubleshooting queue
	if slackChannel := notifications.NewSlackChannelFromEnv(); slackChannel != nil {
		alerts := notifications.NewService()
		alerts.AddChannel(slackChannel)
		w.SetAlerts(alerts)
		log.Info().Msg("Slack troubleshooting-queue alerts enabled")
	}

	if err := w.Start(ctx); err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Failed to start worker")
	}

	producer := bus.New(database)

	var router *process.Router
	if config.EnableRouter {
		orch := process.NewOrchestrator(database, producer, config.Domain)
		registerProcessManagers(orch)

		router, err = process.NewRouter(database, orch, process.DefaultRouterConfig())
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid router configuration")
		}
		router.SetMetrics(metrics)
		if err := router.Start(ctx); err != nil {
			sentry.CaptureException(err)
			log.Fatal().Err(err).Msg("Failed to start reply router")
		}
	}

	// Metrics endpoint
	metricsSrv := &http.Server{
		Addr:              config.MetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", config.MetricsAddr).Msg("Metrics server listening")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	// Health endpoint
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(rw http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			rw.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(rw).Encode(map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
		json.NewEncoder(rw).Encode(map[string]string{"status": "ok", "domain": config.Domain})
	})
	healthSrv := &http.Server{
		Addr:              ":" + config.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("port", config.Port).Msg("Health server listening")
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("Health server failed")
		}
	}()

	log.Info().
		Str("domain", config.Domain).
		Bool("router", config.EnableRouter).
		Msg("Command bus daemon ready")

	// Wait for termination
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := healthSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn().Err(err).Msg("Graceful shutdown of health server failed")
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn().Err(err).Msg("Graceful shutdown of metrics server failed")
	}

	if router != nil {
		router.Stop()
	}
	w.Stop()
	bus.ShutdownExecutor()
	cancel()

	log.Info().Msg("Daemon stopped")
}

// registerHandlers is the integration point for a deployment's command
// handlers. The built-in ping handler exercises the full pipeline end to end
// for smoke tests.
func registerHandlers(registry *worker.Registry, domain string) {
	_ = registry.Register(domain, "ping", worker.HandlerFunc(
		func(ctx context.Context, cmd *worker.Command, hctx *worker.HandlerContext) (any, error) {
			return map[string]any{"pong": true, "echo": cmd.Data, "attempt": hctx.Attempt}, nil
		}))
}

// registerProcessManagers is the integration point for a deployment's saga
// managers. None ship by default.
func registerProcessManagers(orch *process.Orchestrator) {
}

// getEnvWithDefault retrieves an environment variable or returns a default value if not set
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt retrieves an environment variable as an integer or returns a default value if not set or invalid
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var result int
	if _, err := fmt.Sscanf(value, "%d", &result); err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
		return defaultValue
	}

	return result
}

// setupLogging configures the logging system
func setupLogging(config *Config) {
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	// Use console writer in development
	if config.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", "commandbus").
			Logger()
	}
}
