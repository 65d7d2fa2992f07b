package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	EnqueuedJobs  prometheus.Counter
	ProcessedJobs prometheus.Counter
	FailedJobs    prometheus.Counter

	SessionsCompleted prometheus.Counter
	SessionsFailed    prometheus.Counter
	SessionsCancelled prometheus.Counter

	ProviderCalls    *prometheus.CounterVec
	ProviderErrors   *prometheus.CounterVec
	ProviderDuration *prometheus.HistogramVec

	GenerationCacheHits   prometheus.Counter
	GenerationCacheMisses prometheus.Counter
	DomainCacheHits       prometheus.Counter
	DomainLookups         prometheus.Counter
	DomainLookupErrors    prometheus.Counter

	GuardDenials *prometheus.CounterVec
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "namegen",
				Name:      "queue_enqueued_total",
				Help:      "Total generation jobs enqueued to redis stream",
			}),
			ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "namegen",
				Name:      "queue_processed_total",
				Help:      "Total generation jobs successfully processed",
			}),
			FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "namegen",
				Name:      "queue_failed_total",
				Help:      "Total generation jobs failed during processing",
			}),
			SessionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "namegen",
				Name:      "sessions_completed_total",
				Help:      "Total sessions that reached completed",
			}),
			SessionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "namegen",
				Name:      "sessions_failed_total",
				Help:      "Total sessions that reached failed",
			}),
			SessionsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "namegen",
				Name:      "sessions_cancelled_total",
				Help:      "Total sessions that reached cancelled",
			}),
			ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "namegen",
				Name:      "provider_calls_total",
				Help:      "Total AI provider calls by model",
			}, []string{"model"}),
			ProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "namegen",
				Name:      "provider_errors_total",
				Help:      "Total AI provider call failures by model",
			}, []string{"model"}),
			ProviderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "namegen",
				Name:      "provider_call_duration_seconds",
				Help:      "AI provider call latency by model",
				Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
			}, []string{"model"}),
			GenerationCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "namegen",
				Name:      "generation_cache_hits_total",
				Help:      "Total generation requests served from cache",
			}),
			GenerationCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "namegen",
				Name:      "generation_cache_misses_total",
				Help:      "Total generation requests that missed the cache",
			}),
			DomainCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "namegen",
				Name:      "domain_cache_hits_total",
				Help:      "Total domain checks served from cache",
			}),
			DomainLookups: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "namegen",
				Name:      "domain_lookups_total",
				Help:      "Total external domain availability lookups",
			}),
			DomainLookupErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "namegen",
				Name:      "domain_lookup_errors_total",
				Help:      "Total failed external domain availability lookups",
			}),
			GuardDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "namegen",
				Name:      "guard_denials_total",
				Help:      "Total admission denials by reason",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			global.EnqueuedJobs, global.ProcessedJobs, global.FailedJobs,
			global.SessionsCompleted, global.SessionsFailed, global.SessionsCancelled,
			global.ProviderCalls, global.ProviderErrors, global.ProviderDuration,
			global.GenerationCacheHits, global.GenerationCacheMisses,
			global.DomainCacheHits, global.DomainLookups, global.DomainLookupErrors,
			global.GuardDenials,
		)
	})
	return global
}
