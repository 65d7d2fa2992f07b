package main

import (
	"context"
	"fmt"
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

	"namegen/internal/api"
	"namegen/internal/config"
	"namegen/internal/crypto"
	"namegen/internal/domaincheck"
	"namegen/internal/guard"
	"namegen/internal/metrics"
	"namegen/internal/models"
	"namegen/internal/orchestrator"
	"namegen/internal/prefs"
	"namegen/internal/queue"
	"namegen/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("mode", cfg.AppMode).
		Str("listen_addr", cfg.HTTP.ListenAddr).
		Msg("starting namegen")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	cryptoManager, err := crypto.NewManager(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize crypto manager")
	}

	m := metrics.Global()

	registry := models.NewRegistry(catalogLoader(store, cryptoManager), log.Logger)
	if _, err := registry.Reload(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to load model catalog")
	}

	jobQueue := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)
	events := queue.NewEventBus(rdb)
	admission := guard.New(rdb,
		guard.Limits{PerHour: cfg.Guard.PerHour, PerDay: cfg.Guard.PerDay},
		guard.BudgetCaps{DailyCents: cfg.Guard.DailyCents, MonthlyCents: cfg.Guard.MonthlyCents},
	)
	if cfg.Guard.Maintenance {
		if err := admission.SetMaintenance(ctx, true); err != nil {
			log.Fatal().Err(err).Msg("failed to set maintenance flag")
		}
		log.Warn().Msg("maintenance mode enabled, new generations will be denied")
	}
	checker := domaincheck.NewChecker(
		domaincheck.NewRDAPClient(domaincheck.RDAPConfig{
			BaseURL:    cfg.Domains.RDAPBaseURL,
			HTTPClient: &http.Client{Timeout: cfg.Domains.Timeout},
			MaxRetries: cfg.Domains.MaxRetries,
		}),
		store,
		domaincheck.Config{
			TTL:     cfg.Cache.DomainTTL,
			Timeout: cfg.Domains.Timeout,
			TLDs:    cfg.Domains.TLDs,
		},
		log.Logger,
	)

	errCh := make(chan error, 4)
	var httpServer *http.Server

	runAPI := cfg.AppMode == config.ModeAPI || cfg.AppMode == config.ModeAll
	runWorker := cfg.AppMode == config.ModeWorker || cfg.AppMode == config.ModeAll

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.HTTP.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.HTTP.MetricsPath, promhttp.Handler())

	if runAPI {
		if err := jobQueue.EnsureGroup(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to prepare job stream")
		}
		server := api.NewServer(api.Config{
			Store:    store,
			Guard:    admission,
			Registry: registry,
			Queue:    jobQueue,
			Dedupe:   queue.NewRequestDeduplicator(rdb, cfg.Redis.RequestDedupeTTL),
			Events:   events,
			Prefs:    prefs.NewService(store),
			Checker:  checker,
			Logger:   log.Logger,
			Metrics:  m,
		})
		mux.Handle("/v1/", server.Router(cfg.HTTP.RequestTimeout))
		log.Info().Msg("api routes registered")
	}

	httpServer = &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if runWorker {
		orc := orchestrator.New(orchestrator.Config{
			Store:           store,
			Guard:           admission,
			Registry:        registry,
			Events:          events,
			HTTPClient:      &http.Client{Timeout: cfg.Client.Timeout},
			ProviderRetries: cfg.Client.MaxRetries,
			BackoffBase:     cfg.Client.BackoffBase,
			CacheTTL:        cfg.Cache.GenerationTTL,
			Logger:          log.Logger,
			Metrics:         m,
		})
		w := orchestrator.NewWorker(orchestrator.WorkerConfig{
			Orchestrator:  orc,
			Queue:         jobQueue,
			MaxJobRetries: cfg.Worker.MaxRetries,
			Logger:        log.Logger,
			Metrics:       m,
		})
		go func() {
			if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker failed: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")

		go purgeLoop(ctx, store, cfg.Cache)
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

// catalogLoader adapts the model_configs table into registry entries,
// decrypting API keys on the way through.
func catalogLoader(store *storage.Store, cm *crypto.Manager) models.LoadFunc {
	return func(ctx context.Context) ([]models.ModelConfig, error) {
		records, err := store.ListModelConfigs(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]models.ModelConfig, 0, len(records))
		for _, rec := range records {
			apiKey := ""
			if rec.EncAPIKey != nil && strings.TrimSpace(*rec.EncAPIKey) != "" {
				apiKey, err = cm.DecryptString(*rec.EncAPIKey)
				if err != nil {
					return nil, fmt.Errorf("decrypt api key for model %q: %w", rec.ID, err)
				}
			}
			out = append(out, models.ModelConfig{
				ID:             rec.ID,
				DisplayName:    rec.DisplayName,
				Provider:       rec.Provider,
				Kind:           rec.Kind,
				BaseURL:        rec.BaseURL,
				Endpoint:       rec.Endpoint,
				APIKey:         apiKey,
				Enabled:        rec.Enabled,
				Maintenance:    rec.Maintenance,
				MaxTokens:      rec.MaxTokens,
				Temperature:    rec.Temperature,
				CostPer1KCents: rec.CostPer1KCents,
				RatePerMinute:  rec.RatePerMinute,
				TimeoutSeconds: rec.TimeoutSeconds,
				UpdatedAt:      rec.UpdatedAt,
			})
		}
		return out, nil
	}
}

func purgeLoop(ctx context.Context, store *storage.Store, cfg config.CacheConfig) {
	ticker := time.NewTicker(cfg.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := store.PurgeExpiredCache(ctx, cfg.GenerationTTL, cfg.DomainTTL)
			if err != nil {
				log.Error().Err(err).Msg("cache purge failed")
				continue
			}
			if purged > 0 {
				log.Info().Int64("rows", purged).Msg("expired cache entries purged")
			}
		}
	}
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
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
