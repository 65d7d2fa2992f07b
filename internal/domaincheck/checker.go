package domaincheck

import (
	"context"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"namegen/internal/metrics"
	"namegen/internal/storage"
)

type Status string

const (
	StatusAvailable   Status = "available"
	StatusUnavailable Status = "unavailable"
	StatusError       Status = "error"
)

// Result carries the per-domain outcome. A lookup failure yields StatusError,
// never a guessed availability.
type Result struct {
	Domain    string    `json:"domain"`
	Status    Status    `json:"status"`
	CheckedAt time.Time `json:"checked_at"`
	Cached    bool      `json:"cached"`
}

type Config struct {
	TTL     time.Duration
	Timeout time.Duration
	TLDs    []string
}

// Checker resolves name candidates to domain availability with a two-level
// cache: an in-process layer in front of the durable domain_cache table.
type Checker struct {
	lookup Lookup
	store  *storage.Store
	mem    *gocache.Cache
	cfg    Config
	logger zerolog.Logger
}

func NewChecker(lookup Lookup, store *storage.Store, cfg Config, logger zerolog.Logger) *Checker {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if len(cfg.TLDs) == 0 {
		cfg.TLDs = []string{"com"}
	}
	return &Checker{
		lookup: lookup,
		store:  store,
		mem:    gocache.New(cfg.TTL, 10*time.Minute),
		cfg:    cfg,
		logger: logger.With().Str("component", "domaincheck").Logger(),
	}
}

// Check fans out one lookup per (name, tld) pair. Each domain resolves
// independently; a single failing lookup never aborts the batch.
func (c *Checker) Check(ctx context.Context, names, tlds []string) map[string]Result {
	if len(tlds) == 0 {
		tlds = c.cfg.TLDs
	}

	domains := make([]string, 0, len(names)*len(tlds))
	seen := make(map[string]struct{})
	for _, name := range names {
		label := DomainLabel(name)
		if label == "" {
			continue
		}
		for _, tld := range tlds {
			domain := label + "." + strings.TrimPrefix(strings.ToLower(tld), ".")
			if _, dup := seen[domain]; dup {
				continue
			}
			seen[domain] = struct{}{}
			domains = append(domains, domain)
		}
	}

	results := make(map[string]Result, len(domains))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, domain := range domains {
		wg.Add(1)
		go func(domain string) {
			defer wg.Done()
			res := c.checkOne(ctx, domain)
			mu.Lock()
			results[domain] = res
			mu.Unlock()
		}(domain)
	}
	wg.Wait()
	return results
}

func (c *Checker) checkOne(ctx context.Context, domain string) Result {
	m := metrics.Global()

	if v, ok := c.mem.Get(domain); ok {
		m.DomainCacheHits.Inc()
		return v.(Result)
	}
	if available, err := c.store.GetDomainAvailability(ctx, domain, c.cfg.TTL); err == nil {
		m.DomainCacheHits.Inc()
		res := Result{Domain: domain, Status: availabilityStatus(available), CheckedAt: time.Now().UTC(), Cached: true}
		c.mem.SetDefault(domain, res)
		return res
	}

	m.DomainLookups.Inc()
	lctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	available, err := c.lookup.Lookup(lctx, domain)
	if err != nil {
		m.DomainLookupErrors.Inc()
		c.logger.Warn().Err(err).Str("domain", domain).Msg("domain lookup failed")
		return Result{Domain: domain, Status: StatusError, CheckedAt: time.Now().UTC()}
	}

	now := time.Now().UTC()
	if err := c.store.PutDomainAvailability(ctx, domain, available, now); err != nil {
		c.logger.Warn().Err(err).Str("domain", domain).Msg("domain cache write failed")
	}
	res := Result{Domain: domain, Status: availabilityStatus(available), CheckedAt: now}
	c.mem.SetDefault(domain, res)
	return res
}

func availabilityStatus(available bool) Status {
	if available {
		return StatusAvailable
	}
	return StatusUnavailable
}

// DomainLabel normalizes a name candidate into a registrable label:
// lowercased with everything but letters and digits stripped.
func DomainLabel(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	label := b.String()
	if len(label) > 63 {
		label = label[:63]
	}
	return label
}
