package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"namegen/internal/guard"
	"namegen/internal/metrics"
	"namegen/internal/models"
	"namegen/internal/names"
	"namegen/internal/providers"
	"namegen/internal/providers/registry"
	"namegen/internal/queue"
	"namegen/internal/session"
	"namegen/internal/storage"
)

// BuildProviderFunc constructs the client for one resolved model. Swappable
// in tests.
type BuildProviderFunc func(registry.BuildOptions) (providers.Provider, error)

type Orchestrator struct {
	store           *storage.Store
	guard           *guard.Guard
	registry        *models.Registry
	events          *queue.EventBus
	buildProvider   BuildProviderFunc
	httpClient      *http.Client
	providerRetries int
	backoffBase     time.Duration
	cacheTTL        time.Duration
	logger          zerolog.Logger
	metrics         *metrics.Metrics
}

type Config struct {
	Store           *storage.Store
	Guard           *guard.Guard
	Registry        *models.Registry
	Events          *queue.EventBus
	BuildProvider   BuildProviderFunc
	HTTPClient      *http.Client
	ProviderRetries int
	BackoffBase     time.Duration
	CacheTTL        time.Duration
	Logger          zerolog.Logger
	Metrics         *metrics.Metrics
}

func New(cfg Config) *Orchestrator {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.BuildProvider == nil {
		cfg.BuildProvider = registry.Build
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	return &Orchestrator{
		store:           cfg.Store,
		guard:           cfg.Guard,
		registry:        cfg.Registry,
		events:          cfg.Events,
		buildProvider:   cfg.BuildProvider,
		httpClient:      cfg.HTTPClient,
		providerRetries: cfg.ProviderRetries,
		backoffBase:     cfg.BackoffBase,
		cacheTTL:        cfg.CacheTTL,
		logger:          cfg.Logger,
		metrics:         m,
	}
}

// Generate drives one session from pending to a terminal state. A non-nil
// error means infrastructure trouble worth a retry; the session's own
// generation failures are absorbed into a `failed` terminal state instead.
func (o *Orchestrator) Generate(ctx context.Context, job queue.GenerationJob) error {
	log := o.logger.With().Str("session_id", job.SessionID).Logger()
	started := time.Now()

	resolved, err := o.registry.Current().Resolve(job.ModelIDs)
	if err != nil {
		if errors.Is(err, models.ErrInvalidModel) || errors.Is(err, models.ErrNoAvailableModels) {
			return o.failSession(ctx, job.SessionID, err.Error())
		}
		return err
	}

	hash := names.InputHash(job.Description, job.Mode, job.DeepThinking)
	if cached, err := o.store.GetGenerationResults(ctx, hash, o.cacheTTL); err == nil {
		o.metrics.GenerationCacheHits.Inc()
		return o.completeFromCache(ctx, job.SessionID, cached, started)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	o.metrics.GenerationCacheMisses.Inc()

	if err := o.store.MarkRunning(ctx, job.SessionID, "initializing models"); err != nil {
		if errors.Is(err, session.ErrInvalidTransition) || errors.Is(err, storage.ErrNotFound) {
			log.Info().Msg("session no longer pending, skipping")
			return nil
		}
		return err
	}
	o.publish(ctx, job.SessionID, session.StatusRunning, 5, "initializing models")

	runCtx, stopWatch := o.events.WatchCancel(ctx, job.SessionID)
	defer stopWatch()

	modelResults := o.fanOut(runCtx, job, resolved)

	if runCtx.Err() != nil && ctx.Err() == nil {
		// Cancel signal arrived mid-flight. The cancel endpoint already moved
		// the row to `cancelled`; any write below would lose the CAS anyway.
		log.Info().Msg("generation cancelled mid-flight")
		o.metrics.SessionsCancelled.Inc()
		return nil
	}

	results := session.Results{}
	var totalCents int64
	usage := make([]storage.UsageEntry, 0, len(modelResults))
	failures := make([]string, 0)
	for _, mr := range modelResults {
		if mr.Error != "" {
			failures = append(failures, fmt.Sprintf("%s: %s", mr.Model, mr.Error))
			continue
		}
		results[mr.Model] = mr.Names
		totalCents += mr.CostCents
		usage = append(usage, storage.UsageEntry{
			SessionID: job.SessionID,
			UserID:    job.UserID,
			ModelID:   mr.Model,
			Tokens:    approxTokens(mr.Names),
			CostCents: mr.CostCents,
		})
	}

	if len(results) == 0 {
		sort.Strings(failures)
		return o.failSession(ctx, job.SessionID, "all models failed: "+strings.Join(failures, "; "))
	}

	meta := &session.ExecMeta{
		Models:     modelResults,
		TotalCents: totalCents,
		ElapsedMS:  time.Since(started).Milliseconds(),
	}
	if err := o.store.CompleteSession(ctx, job.SessionID, results, meta); err != nil {
		if errors.Is(err, session.ErrInvalidTransition) {
			log.Info().Msg("session became terminal before completion write")
			return nil
		}
		return err
	}
	o.metrics.SessionsCompleted.Inc()
	o.publish(ctx, job.SessionID, session.StatusCompleted, 100, "done")

	now := time.Now().UTC()
	if err := o.store.PutGenerationResults(ctx, hash, results, now); err != nil {
		log.Warn().Err(err).Msg("generation cache write failed")
	}
	if totalCents > 0 {
		if err := o.guard.RecordSpend(ctx, totalCents, now); err != nil {
			log.Warn().Err(err).Msg("spend recording failed")
		}
	}
	if err := o.store.InsertUsage(ctx, usage); err != nil {
		log.Warn().Err(err).Msg("usage log write failed")
	}
	return nil
}

// fanOut launches one task per resolved model and blocks until every task
// has resolved. A failing model never aborts its siblings.
func (o *Orchestrator) fanOut(ctx context.Context, job queue.GenerationJob, resolved []models.ModelConfig) []session.ModelResult {
	total := len(resolved)
	out := make([]session.ModelResult, total)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
	)
	for i, m := range resolved {
		wg.Add(1)
		go func(i int, m models.ModelConfig) {
			defer wg.Done()
			out[i] = o.callModel(ctx, job, m)

			mu.Lock()
			completed++
			progress := session.FanoutProgress(completed, total)
			mu.Unlock()

			step := "finished " + m.ID
			if applied, err := o.store.UpdateProgress(ctx, job.SessionID, progress, step); err != nil {
				o.logger.Warn().Err(err).Str("session_id", job.SessionID).Msg("progress update failed")
			} else if applied {
				o.publish(ctx, job.SessionID, session.StatusRunning, progress, step)
			}
		}(i, m)
	}
	wg.Wait()
	return out
}

func (o *Orchestrator) callModel(ctx context.Context, job queue.GenerationJob, m models.ModelConfig) session.ModelResult {
	res := session.ModelResult{Model: m.ID}
	started := time.Now()
	defer func() {
		res.DurationMS = time.Since(started).Milliseconds()
		o.metrics.ProviderDuration.WithLabelValues(m.ID).Observe(time.Since(started).Seconds())
	}()

	o.metrics.ProviderCalls.WithLabelValues(m.ID).Inc()

	p, err := o.buildProvider(registry.BuildOptions{
		Kind:        m.Kind,
		BaseURL:     m.BaseURL,
		APIKey:      m.APIKey,
		Endpoint:    m.Endpoint,
		HTTPClient:  o.httpClient,
		MaxRetries:  o.providerRetries,
		BackoffBase: o.backoffBase,
	})
	if err != nil {
		o.metrics.ProviderErrors.WithLabelValues(m.ID).Inc()
		res.Error = err.Error()
		return res
	}

	callCtx, cancel := context.WithTimeout(ctx, m.Timeout())
	defer cancel()

	system, user := names.BuildPrompt(job.Description, job.Mode, job.DeepThinking)
	resp, err := p.Complete(callCtx, providers.CompletionRequest{
		Model:        m.ID,
		SystemPrompt: system,
		UserPrompt:   user,
		MaxTokens:    m.MaxTokens,
		Temperature:  m.Temperature,
		DeepThinking: job.DeepThinking,
	})
	if err != nil {
		o.metrics.ProviderErrors.WithLabelValues(m.ID).Inc()
		if callCtx.Err() == context.DeadlineExceeded {
			res.Error = fmt.Sprintf("timed out after %s", m.Timeout())
		} else {
			res.Error = err.Error()
		}
		return res
	}

	parsed, err := names.Parse(resp.Text)
	if err != nil {
		o.metrics.ProviderErrors.WithLabelValues(m.ID).Inc()
		res.Error = err.Error()
		return res
	}

	res.Names = parsed
	res.CostCents = models.CallCents(m, responseTokens(resp.Text))
	return res
}

func (o *Orchestrator) completeFromCache(ctx context.Context, sessionID string, cached session.Results, started time.Time) error {
	if err := o.store.MarkRunning(ctx, sessionID, "serving cached results"); err != nil {
		if errors.Is(err, session.ErrInvalidTransition) || errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	meta := &session.ExecMeta{
		CacheHit:  true,
		ElapsedMS: time.Since(started).Milliseconds(),
	}
	if err := o.store.CompleteSession(ctx, sessionID, cached, meta); err != nil {
		if errors.Is(err, session.ErrInvalidTransition) {
			return nil
		}
		return err
	}
	o.metrics.SessionsCompleted.Inc()
	o.publish(ctx, sessionID, session.StatusCompleted, 100, "done")
	return nil
}

func (o *Orchestrator) failSession(ctx context.Context, sessionID, message string) error {
	if err := o.store.FailSession(ctx, sessionID, message); err != nil {
		if errors.Is(err, session.ErrInvalidTransition) || errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	o.metrics.SessionsFailed.Inc()
	o.publish(ctx, sessionID, session.StatusFailed, 100, "failed")
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, sessionID string, status session.Status, progress int, step string) {
	ev := queue.ProgressEvent{
		SessionID: sessionID,
		Status:    status,
		Progress:  progress,
		Step:      step,
	}
	if err := o.events.PublishProgress(ctx, ev); err != nil {
		o.logger.Debug().Err(err).Str("session_id", sessionID).Msg("progress publish failed")
	}
}

// responseTokens approximates token usage from the raw completion text.
// Providers in the closed set do not all report usage, so pricing uses the
// common 4-chars-per-token heuristic.
func responseTokens(text string) int {
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

func approxTokens(parsed []string) int {
	total := 0
	for _, n := range parsed {
		total += len(n)
	}
	tokens := total / 4
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}
