package accounting

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/mta-dispatch/internal/config"
	"github.com/ignite/mta-dispatch/internal/pkg/distlock"
	"github.com/ignite/mta-dispatch/internal/store"
)

var (
	metricEventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_accounting_events_received_total",
		Help: "Accounting events pulled from the bridge.",
	})
	metricEventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_accounting_events_ingested_total",
		Help: "Accounting events applied to job counters.",
	})
	metricDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_accounting_duplicates_total",
		Help: "Accounting events dropped as already-seen.",
	})
	metricJobNotFound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_accounting_job_not_found_total",
		Help: "Accounting events that resolved to no known job.",
	})
	metricUnknownOutcome = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_accounting_unknown_outcome_total",
		Help: "Accounting events with an unrecognized record type.",
	})
	metricWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_accounting_write_failures_total",
		Help: "Accounting batches aborted on a database write failure.",
	})
	metricPollCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_accounting_poll_cycles_total",
		Help: "Bridge poll cycles executed.",
	})
)

// OutcomeStore is the durable side of ingestion.
type OutcomeStore interface {
	ApplyOutcome(ctx context.Context, lineHash, jobID, outcome string) (store.ApplyResult, error)
	MarkSeen(ctx context.Context, lineHash, outcome string) (bool, error)
	LoadCursor(ctx context.Context, sourceKind string) (*store.CursorState, error)
	CommitCursor(ctx context.Context, sourceKind string, d store.CursorDelta) error
}

// LiveJobs lets ingestion update in-memory job views as events land. Best
// effort; the job row is the durable truth.
type LiveJobs interface {
	RecordOutcome(jobID, outcome string, n int64)
}

// CycleStats summarizes one poll cycle.
type CycleStats struct {
	Received       int64  `json:"received"`
	Ingested       int64  `json:"ingested"`
	Duplicates     int64  `json:"duplicates"`
	JobNotFound    int64  `json:"job_not_found"`
	UnknownOutcome int64  `json:"unknown_outcome"`
	WriteFailures  int64  `json:"write_failures"`
	Cursor         string `json:"cursor"`
	Batches        int    `json:"batches"`
}

// Poller drives the accounting ingestion loop: pull a batch after the stored
// cursor, dedup and apply each event, advance the cursor only when every
// write landed, and chase has_more immediately.
type Poller struct {
	client   *BridgeClient
	store    OutcomeStore
	resolver *Resolver
	live     LiveJobs
	redis    *redis.Client
	lock     distlock.DistLock
	cfgres   *config.Resolver
	kind     string
	maxLines int
	interval time.Duration

	// cycleMu serializes poll cycles so PullNow and the ticker never
	// interleave batches.
	cycleMu sync.Mutex
}

// NewPoller wires the ingestion loop. redis and lock may be nil; ingestion
// then runs on Postgres alone.
func NewPoller(client *BridgeClient, st OutcomeStore, resolver *Resolver, live LiveJobs, rdb *redis.Client, lock distlock.DistLock, cfgres *config.Resolver, cfg config.AccountingConfig) *Poller {
	kind := cfg.SourceKind
	if kind == "" {
		kind = "acct"
	}
	maxLines := cfg.MaxRecords
	if maxLines <= 0 {
		maxLines = 2000
	}
	interval := time.Duration(cfg.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Poller{
		client:   client,
		store:    st,
		resolver: resolver,
		live:     live,
		redis:    rdb,
		lock:     lock,
		cfgres:   cfgres,
		kind:     kind,
		maxLines: maxLines,
		interval: interval,
	}
}

// Run polls on the configured interval until the context ends. The first
// cycle fires immediately so restarts resume ingestion without waiting out
// an interval.
func (p *Poller) Run(ctx context.Context) {
	log.Printf("[Accounting] Poller started: kind=%s interval=%s", p.kind, p.interval)
	for {
		if _, err := p.Cycle(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[Accounting] Poll cycle failed: %v", err)
		}

		interval := p.interval
		if p.cfgres != nil {
			interval = p.cfgres.Duration(config.KeyBridgePollInterval, p.interval)
		}
		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			log.Printf("[Accounting] Poller stopped")
			return
		}
	}
}

// Cycle runs one full poll cycle, chasing has_more batches until the bridge
// reports caught-up or a write failure withholds the cursor. Safe to call
// concurrently with Run; cycles serialize.
func (p *Poller) Cycle(ctx context.Context) (CycleStats, error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	var stats CycleStats

	if p.lock != nil {
		ok, err := p.lock.Acquire(ctx)
		if err != nil {
			return stats, fmt.Errorf("poller lock: %w", err)
		}
		if !ok {
			// Another instance holds the cursor; polling twice would fight
			// over it.
			return stats, nil
		}
		defer func() {
			if err := p.lock.Release(context.WithoutCancel(ctx)); err != nil {
				log.Printf("[Accounting] Lock release failed: %v", err)
			}
		}()
	}

	cur, err := p.store.LoadCursor(ctx, p.kind)
	if err != nil {
		return stats, fmt.Errorf("load cursor: %w", err)
	}
	cursor := cur.CursorToken
	stats.Cursor = cursor
	metricPollCycles.Inc()

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		maxLines := p.maxLines
		if p.cfgres != nil {
			maxLines = p.cfgres.Int(config.KeyBridgeMaxRecords, p.maxLines)
		}
		resp, err := p.client.Pull(ctx, cursor, maxLines)
		if err != nil {
			p.commit(ctx, store.CursorDelta{LastError: err.Error()})
			return stats, err
		}
		stats.Batches++

		delta, batchErr := p.ingestBatch(ctx, resp.Items, &stats)
		advanced := false
		if batchErr == nil {
			if resp.NextCursor == "" {
				// Legacy bridges omit next_cursor; the stored token stays
				// put and the next cycle re-pulls from the same position.
				log.Printf("[Accounting] Bridge response carried no cursor (legacy format); holding position for kind=%s", p.kind)
			} else if resp.NextCursor != cursor {
				next := resp.NextCursor
				delta.AdvanceTo = &next
				cursor = next
				stats.Cursor = next
				advanced = true
			}
		}
		p.commit(ctx, delta)

		if batchErr != nil {
			return stats, batchErr
		}
		if !resp.HasMore {
			return stats, nil
		}
		if !advanced {
			// has_more with an unchanged cursor would re-pull the same batch
			// forever; let the next interval retry instead.
			log.Printf("[Accounting] Bridge reports has_more without advancing the cursor; ending cycle for kind=%s", p.kind)
			return stats, nil
		}
		// Backlog behind the bridge; chase it down without waiting out the
		// poll interval.
	}
}

// ingestBatch applies one pulled batch. A database write failure aborts the
// batch and the returned delta carries no cursor advance, so every line from
// the failed write onward replays next cycle.
func (p *Poller) ingestBatch(ctx context.Context, items []json.RawMessage, stats *CycleStats) (store.CursorDelta, error) {
	var delta store.CursorDelta

	for _, raw := range items {
		delta.EventsReceived++
		stats.Received++
		metricEventsReceived.Inc()

		line := string(raw)
		hash := HashLine(line)

		if p.seenInRedis(ctx, hash) {
			delta.DuplicatesDropped++
			stats.Duplicates++
			metricDuplicates.Inc()
			continue
		}

		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			log.Printf("[Accounting] Skipping unparseable record: %v", err)
			if _, err := p.store.MarkSeen(ctx, hash, "unknown"); err != nil {
				delta.DBWriteFailures++
				stats.WriteFailures++
				metricWriteFailures.Inc()
				delta.LastError = err.Error()
				return delta, fmt.Errorf("mark seen: %w", err)
			}
			p.cacheSeen(ctx, hash)
			continue
		}

		outcome := NormalizeOutcome(rec.Type)
		if outcome == "unknown" {
			stats.UnknownOutcome++
			metricUnknownOutcome.Inc()
		}

		jobID := p.resolver.Resolve(ctx, rec)
		if jobID == "" {
			inserted, err := p.store.MarkSeen(ctx, hash, outcome)
			if err != nil {
				delta.DBWriteFailures++
				stats.WriteFailures++
				metricWriteFailures.Inc()
				delta.LastError = err.Error()
				return delta, fmt.Errorf("mark seen: %w", err)
			}
			if inserted {
				delta.JobNotFound++
				stats.JobNotFound++
				metricJobNotFound.Inc()
			} else {
				delta.DuplicatesDropped++
				stats.Duplicates++
				metricDuplicates.Inc()
			}
			p.cacheSeen(ctx, hash)
			continue
		}

		result, err := p.store.ApplyOutcome(ctx, hash, jobID, outcome)
		if err != nil {
			delta.DBWriteFailures++
			stats.WriteFailures++
			metricWriteFailures.Inc()
			delta.LastError = err.Error()
			return delta, fmt.Errorf("apply outcome: %w", err)
		}
		p.cacheSeen(ctx, hash)

		switch result {
		case store.Applied:
			delta.EventsIngested++
			stats.Ingested++
			metricEventsIngested.Inc()
			if p.live != nil && outcome != "unknown" {
				p.live.RecordOutcome(jobID, outcome, 1)
			}
		case store.Duplicate:
			delta.DuplicatesDropped++
			stats.Duplicates++
			metricDuplicates.Inc()
		case store.JobNotFound:
			delta.JobNotFound++
			stats.JobNotFound++
			metricJobNotFound.Inc()
		}
	}
	return delta, nil
}

func (p *Poller) commit(ctx context.Context, delta store.CursorDelta) {
	if err := p.store.CommitCursor(context.WithoutCancel(ctx), p.kind, delta); err != nil {
		log.Printf("[Accounting] Cursor commit failed: %v", err)
	}
}

// seenInRedis is a fast-path duplicate check. Postgres remains the dedup
// authority; a Redis miss just means the hash pays the insert round trip.
func (p *Poller) seenInRedis(ctx context.Context, hash string) bool {
	if p.redis == nil {
		return false
	}
	seen, err := p.redis.SIsMember(ctx, p.seenKey(), hash).Result()
	return err == nil && seen
}

func (p *Poller) cacheSeen(ctx context.Context, hash string) {
	if p.redis == nil {
		return
	}
	pipe := p.redis.Pipeline()
	pipe.SAdd(ctx, p.seenKey(), hash)
	pipe.Expire(ctx, p.seenKey(), 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[Accounting] Redis seen-cache write failed: %v", err)
	}
}

func (p *Poller) seenKey() string {
	return "dispatch:acct:seen:" + p.kind
}
