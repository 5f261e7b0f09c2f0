package mta

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/ignite/mta-dispatch/internal/config"
)

// MetricsSource provides the MTA load sample the gauge derives pressure from.
type MetricsSource interface {
	QueueStatus(ctx context.Context) (*QueueStatus, error)
}

// Gauge periodically samples MTA queue/spool/deferred metrics and derives a
// discrete pressure level with its dispatch-parameter bundle. The latest
// snapshot is published through an atomic pointer: every running job reads
// the same value lock-free, and each sample replaces it wholesale.
type Gauge struct {
	source   MetricsSource
	cfg      config.PressureConfig
	resolver *config.Resolver
	snap     atomic.Pointer[Snapshot]
}

// NewGauge creates a pressure gauge. The resolver is consulted each sample
// for the strict-mode flag so it can be flipped at runtime.
func NewGauge(source MetricsSource, cfg config.PressureConfig, resolver *config.Resolver) *Gauge {
	g := &Gauge{source: source, cfg: cfg, resolver: resolver}
	// Until the first sample lands, report an unrestricted stale snapshot
	// so jobs are not blocked on gauge startup (fail open).
	g.snap.Store(&Snapshot{Stale: true, SampledAt: time.Now()})
	return g
}

// Snapshot returns the latest pressure snapshot. Never nil.
func (g *Gauge) Snapshot() *Snapshot {
	return g.snap.Load()
}

// Run samples on the configured interval until ctx is cancelled.
func (g *Gauge) Run(ctx context.Context) {
	interval := time.Duration(g.cfg.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	log.Printf("[PressureGauge] Sampling every %s", interval)

	g.Sample(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sample(ctx)
		}
	}
}

// Sample performs one sampling cycle and publishes the resulting snapshot.
func (g *Gauge) Sample(ctx context.Context) *Snapshot {
	strict := g.resolver.Bool(config.KeyPressureStrict, g.cfg.Strict)

	qs, err := g.source.QueueStatus(ctx)
	if err != nil {
		snap := g.failedSample(strict, err)
		g.snap.Store(snap)
		return snap
	}

	snap := g.compute(qs)
	g.snap.Store(snap)
	if snap.Level > 0 {
		log.Printf("[PressureGauge] Level %d (queued=%d spool=%d deferred=%d)",
			snap.Level, qs.QueuedRecipients, qs.SpoolRecipients, qs.DeferredCount)
	}
	return snap
}

// failedSample implements the unreachable-metrics policy: retain the last
// snapshot marked stale (fail open), or clamp to level 3 in strict mode
// (fail closed).
func (g *Gauge) failedSample(strict bool, err error) *Snapshot {
	log.Printf("[PressureGauge] Sample failed: %v (strict=%v)", err, strict)

	if strict {
		params := g.cfg.Levels[2]
		return &Snapshot{
			Level:     3,
			Delay:     time.Duration(params.DelayMS) * time.Millisecond,
			WorkerCap: params.WorkerCap,
			ChunkCap:  params.ChunkCap,
			MinSleep:  time.Duration(params.MinSleepMS) * time.Millisecond,
			Stale:     true,
			SampledAt: time.Now(),
		}
	}

	last := g.snap.Load()
	stale := *last
	stale.Stale = true
	return &stale
}

func (g *Gauge) compute(qs *QueueStatus) *Snapshot {
	queueLevel := levelFor(qs.QueuedRecipients, g.cfg.QueueThresholds)
	if ml := levelFor(qs.QueuedMessages, g.cfg.QueueThresholds); ml > queueLevel {
		queueLevel = ml
	}
	spoolLevel := levelFor(qs.SpoolRecipients, g.cfg.SpoolThresholds)
	if ml := levelFor(qs.SpoolMessages, g.cfg.SpoolThresholds); ml > spoolLevel {
		spoolLevel = ml
	}
	deferredLevel := levelFor(qs.DeferredCount, g.cfg.DeferredThresholds)

	// Any single overloaded resource dominates.
	level := queueLevel
	if spoolLevel > level {
		level = spoolLevel
	}
	if deferredLevel > level {
		level = deferredLevel
	}

	snap := &Snapshot{
		QueuedRecipients: qs.QueuedRecipients,
		QueuedMessages:   qs.QueuedMessages,
		SpoolRecipients:  qs.SpoolRecipients,
		SpoolMessages:    qs.SpoolMessages,
		DeferredCount:    qs.DeferredCount,
		Level:            level,
		SampledAt:        qs.CheckedAt,
	}
	if level > 0 {
		params := g.cfg.Levels[level-1]
		snap.Delay = time.Duration(params.DelayMS) * time.Millisecond
		snap.WorkerCap = params.WorkerCap
		snap.ChunkCap = params.ChunkCap
		snap.MinSleep = time.Duration(params.MinSleepMS) * time.Millisecond
	}
	return snap
}

// levelFor counts how many ordered thresholds the value exceeds (0–3).
func levelFor(value int, thresholds [3]int) int {
	level := 0
	for _, t := range thresholds {
		if t > 0 && value > t {
			level++
		}
	}
	return level
}
