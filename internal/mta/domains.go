package mta

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ignite/mta-dispatch/internal/config"
)

// DomainSource provides per-domain deferral/error detail.
type DomainSource interface {
	Domains(ctx context.Context) ([]DomainDetail, error)
}

// HealthTracker classifies destination domains as normal/slow/backoff from
// a short-TTL cached sample of MTA per-domain counters. The TTL bounds the
// management-API call rate under high chunk throughput: thousands of chunk
// evaluations per second share one sample per TTL window.
type HealthTracker struct {
	source  DomainSource
	ttl     time.Duration
	timeout time.Duration

	slowDeferrals    int
	slowErrors       int
	backoffDeferrals int
	backoffErrors    int

	mu        sync.RWMutex
	sampledAt time.Time
	byDomain  map[string]DomainDetail
}

// NewHealthTracker creates a tracker from the domain health configuration.
// Slow thresholds are clamped to be no greater than backoff thresholds.
func NewHealthTracker(source DomainSource, cfg config.DomainsConfig) *HealthTracker {
	slowDef, slowErr := cfg.SlowDeferrals, cfg.SlowErrors
	if slowDef > cfg.BackoffDeferrals {
		slowDef = cfg.BackoffDeferrals
	}
	if slowErr > cfg.BackoffErrors {
		slowErr = cfg.BackoffErrors
	}

	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 20 * time.Second
	}
	timeout := time.Duration(cfg.SampleTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &HealthTracker{
		source:           source,
		ttl:              ttl,
		timeout:          timeout,
		slowDeferrals:    slowDef,
		slowErrors:       slowErr,
		backoffDeferrals: cfg.BackoffDeferrals,
		backoffErrors:    cfg.BackoffErrors,
		byDomain:         make(map[string]DomainDetail),
	}
}

// Classify returns the current health classification for a destination
// domain. A cache miss triggers a fresh sample bounded by the configured
// timeout; on failure the last cached counts are used, and with no cache at
// all the domain is treated as normal (fail open).
func (t *HealthTracker) Classify(ctx context.Context, domain string) DomainStatus {
	t.mu.RLock()
	fresh := time.Since(t.sampledAt) < t.ttl && len(t.byDomain) > 0
	detail := t.byDomain[domain]
	t.mu.RUnlock()

	if !fresh {
		if err := t.refresh(ctx); err != nil {
			log.Printf("[DomainHealth] Sample failed, using cached counts: %v", err)
		}
		t.mu.RLock()
		detail = t.byDomain[domain]
		t.mu.RUnlock()
	}

	return DomainStatus{
		Domain:    domain,
		Deferrals: detail.Deferrals,
		Errors:    detail.Errors,
		Class:     t.classify(detail.Deferrals, detail.Errors),
	}
}

// Statuses returns classifications for every domain in the current sample.
func (t *HealthTracker) Statuses(ctx context.Context) []DomainStatus {
	t.mu.RLock()
	fresh := time.Since(t.sampledAt) < t.ttl && len(t.byDomain) > 0
	t.mu.RUnlock()

	if !fresh {
		if err := t.refresh(ctx); err != nil {
			log.Printf("[DomainHealth] Sample failed, using cached counts: %v", err)
		}
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]DomainStatus, 0, len(t.byDomain))
	for _, d := range t.byDomain {
		out = append(out, DomainStatus{
			Domain:    d.Domain,
			Deferrals: d.Deferrals,
			Errors:    d.Errors,
			Class:     t.classify(d.Deferrals, d.Errors),
		})
	}
	return out
}

func (t *HealthTracker) refresh(ctx context.Context) error {
	sampleCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	details, err := t.source.Domains(sampleCtx)
	if err != nil {
		return err
	}

	byDomain := make(map[string]DomainDetail, len(details))
	for _, d := range details {
		byDomain[d.Domain] = d
	}

	t.mu.Lock()
	t.byDomain = byDomain
	t.sampledAt = time.Now()
	t.mu.Unlock()
	return nil
}

// classify applies the two threshold pairs. Backoff wins over slow; either
// counter alone can trip a class.
func (t *HealthTracker) classify(deferrals, errors int) Class {
	if (t.backoffDeferrals > 0 && deferrals >= t.backoffDeferrals) ||
		(t.backoffErrors > 0 && errors >= t.backoffErrors) {
		return ClassBackoff
	}
	if (t.slowDeferrals > 0 && deferrals >= t.slowDeferrals) ||
		(t.slowErrors > 0 && errors >= t.slowErrors) {
		return ClassSlow
	}
	return ClassNormal
}
