package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"llmbridge/internal/bridge"
	"llmbridge/internal/budget"
	"llmbridge/internal/config"
	"llmbridge/internal/crypto"
	"llmbridge/internal/metrics"
	"llmbridge/internal/storage"
)

func main() {
	settings, err := config.LoadSettings()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load settings")
	}

	setupLogger(settings.Log.Level)
	log.Info().
		Str("config", settings.ConfigPath).
		Bool("watch", settings.WatchConfig).
		Bool("storage", settings.DB.DSN != "").
		Bool("budget", settings.Redis.Addr != "" && settings.Redis.BudgetPerHour > 0).
		Msg("starting llmbridge")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.Global()
	manager := config.NewManager(config.ManagerConfig{
		Prober:       config.HTTPProber{Timeout: settings.HTTP.ProbeTimeout},
		ReachableTTL: settings.HTTP.ReachableTTL,
		Logger:       log.Logger,
	})

	var (
		store *storage.Store
		vault *storage.Vault
	)
	if settings.DB.DSN != "" {
		store, err = storage.Open(ctx, settings.DB.Driver, settings.DB.DSN, settings.DB.AutoMigrate)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize storage")
		}
		defer store.Close()

		sealer, err := crypto.NewSealer(settings.Crypto.CurrentKeyID, settings.Crypto.Keys)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize sealer")
		}
		vault = storage.NewVault(store, sealer, log.Logger)
		if n, err := vault.RotateKeys(ctx); err != nil {
			log.Error().Err(err).Msg("key rotation failed")
		} else if n > 0 {
			log.Info().Int("rotated", n).Msg("re-sealed stored api keys")
		}
		n, err := vault.Restore(ctx, manager)
		if err != nil {
			log.Error().Err(err).Msg("failed to restore stored credentials")
		}
		log.Info().Int("providers", n).Msg("stored credentials restored")
	}

	if records := config.FromEnv(); len(records) > 0 {
		st, err := manager.Load(ctx, records)
		logStatus("environment", st, err)
	}
	if settings.ConfigPath != "" {
		st, err := manager.LoadFile(ctx, settings.ConfigPath)
		logStatus(settings.ConfigPath, st, err)
	}

	var limiter *budget.Limiter
	if settings.Redis.Addr != "" && settings.Redis.BudgetPerHour > 0 {
		rdb := redis.NewClient(&redis.Options{
			Addr:     settings.Redis.Addr,
			Password: settings.Redis.Password,
			DB:       settings.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rdb.Close()
		limiter = budget.NewLimiter(rdb, settings.Redis.BudgetPerHour)
	}

	opts := bridge.Options{
		Config:     manager,
		HTTPClient: &http.Client{},
		Vault:      vault,
		Workers:    settings.Async.Workers,
		QueueSize:  settings.Async.QueueSize,
		MaxHandles: settings.Async.MaxHandles,
		Logger:     log.Logger,
		Metrics:    m,
	}
	// A nil *budget.Limiter must not become a non-nil interface.
	if limiter != nil {
		opts.Limiter = limiter
	}
	b := bridge.New(opts)

	if settings.WatchConfig && settings.ConfigPath != "" {
		err := config.Watch(ctx, manager, settings.ConfigPath, log.Logger, func(_ config.Status, err error) {
			if err != nil {
				m.ConfigReloads.WithLabelValues("error").Inc()
				return
			}
			m.ConfigReloads.WithLabelValues("ok").Inc()
		})
		if err != nil {
			log.Error().Err(err).Msg("failed to watch config file")
		}
	}

	errCh := make(chan error, 2)
	var httpServer *http.Server
	if settings.HTTP.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc(settings.HTTP.HealthPath, func(w http.ResponseWriter, r *http.Request) {
			if store != nil {
				if err := store.Ping(r.Context()); err != nil {
					w.WriteHeader(http.StatusServiceUnavailable)
					_, _ = w.Write([]byte("storage unavailable"))
					return
				}
			}
			st, err := b.Status(r.Context(), "")
			if err != nil || !st.Ready {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("not ready"))
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.Handle(settings.HTTP.MetricsPath, promhttp.Handler())
		httpServer = &http.Server{
			Addr:              settings.HTTP.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info().Str("addr", settings.HTTP.ListenAddr).Msg("http server started")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	inputDone := make(chan struct{})
	go func() {
		defer close(inputDone)
		serve(ctx, b, os.Stdin, os.Stdout)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case <-inputDone:
		log.Info().Msg("input closed")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to stop http server")
		}
	}
	b.Close()

	log.Info().Msg("stopped")
}

// Results are separated by a blank line.
func serve(ctx context.Context, b *bridge.Bridge, in io.Reader, out io.Writer) {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		res, err := b.Exec(ctx, sc.Text())
		if err != nil {
			res = "error: " + err.Error()
		}
		if res == "" {
			continue
		}
		fmt.Fprintf(out, "%s\n\n", res)
	}
	if err := sc.Err(); err != nil {
		log.Error().Err(err).Msg("failed to read input")
	}
}

func logStatus(source string, st config.Status, err error) {
	if err != nil {
		log.Error().Err(err).Str("source", source).Msg("failed to apply configuration")
		return
	}
	ev := log.Info()
	if !st.Ready {
		ev = log.Warn().Str("hint", st.Hint)
	}
	ev.Str("source", source).
		Str("provider", string(st.Provider)).
		Bool("ready", st.Ready).
		Msg("configuration applied")
}

// Logs go to stderr; stdout carries command results.
func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
