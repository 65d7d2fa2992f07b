package domaincheck

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Lookup resolves a single fully-qualified domain to its availability.
type Lookup interface {
	Lookup(ctx context.Context, domain string) (available bool, err error)
}

type RDAPConfig struct {
	BaseURL     string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

// RDAPClient queries an RDAP-style registry endpoint. A 404 means the domain
// has no registration record, a 200 means it is taken.
type RDAPClient struct {
	cfg RDAPConfig
}

func NewRDAPClient(cfg RDAPConfig) *RDAPClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://rdap.org/domain"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 300 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &RDAPClient{cfg: cfg}
}

var _ Lookup = (*RDAPClient)(nil)

func (c *RDAPClient) Lookup(ctx context.Context, domain string) (bool, error) {
	endpoint, err := c.buildURL(domain)
	if err != nil {
		return false, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		available, retry, err := c.callOnce(ctx, endpoint)
		if err == nil {
			return available, nil
		}
		lastErr = err
		if !retry || attempt == c.cfg.MaxRetries {
			break
		}
		backoff := c.cfg.BackoffBase * (1 << attempt)
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return false, lastErr
}

func (c *RDAPClient) callOnce(ctx context.Context, endpoint string) (available, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/rdap+json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return false, true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return true, false, nil
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return false, false, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return false, true, fmt.Errorf("registry temporary status %d", resp.StatusCode)
	default:
		return false, false, fmt.Errorf("registry status %d", resp.StatusCode)
	}
}

func (c *RDAPClient) buildURL(domain string) (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if base == "" {
		return "", fmt.Errorf("base url is empty")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + url.PathEscape(domain)
	return u.String(), nil
}
