package dispatch

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/ignite/mta-dispatch/internal/config"
	"github.com/ignite/mta-dispatch/internal/mta"
)

// Submitter hands a chunk to the MTA submission port.
type Submitter interface {
	Submit(ctx context.Context, c *Chunk) error
}

// JobStore persists job rows and dispatch-side counters. Implementations
// retry transient database errors internally; a returned error means the
// write did not land.
type JobStore interface {
	CreateJob(ctx context.Context, v StatusView) error
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, note string) error
	AddDispatchCounts(ctx context.Context, jobID string, attempted, abandoned int64) error
}

// storeFailureLimit is how many consecutive failed counter/status writes the
// engine tolerates before declaring the job failed.
const storeFailureLimit = 3

// Engine drives one job through per-bucket dispatch workers. Each bucket
// runs its chunks in sequence, independent of the others: a bucket parked in
// retry_wait holds back only its own recipients. Concurrent submission
// attempts across buckets are bounded by the effective worker cap.
type Engine struct {
	scheduler *Scheduler
	submitter Submitter
	pressure  PressureSource
	health    HealthSource
	store     JobStore
	resolver  *config.Resolver
	clock     Clock
	kill      config.KillSwitchConfig
	slowCap   int64
}

// NewEngine wires an engine from the dispatch configuration.
func NewEngine(scheduler *Scheduler, submitter Submitter, pressure PressureSource, health HealthSource, store JobStore, resolver *config.Resolver, clock Clock, cfg config.DispatchConfig) *Engine {
	if clock == nil {
		clock = RealClock()
	}
	slowCap := int64(cfg.SlowWorkerCap)
	if slowCap <= 0 {
		slowCap = 4
	}
	return &Engine{
		scheduler: scheduler,
		submitter: submitter,
		pressure:  pressure,
		health:    health,
		store:     store,
		resolver:  resolver,
		clock:     clock,
		kill:      cfg.KillSwitch,
		slowCap:   slowCap,
	}
}

// attemptGate bounds concurrent submission attempts across a job's bucket
// workers. The cap is re-read per attempt; a cap change swaps in a fresh
// semaphore for new acquisitions while in-flight holders release on the one
// they acquired from.
type attemptGate struct {
	mu  sync.Mutex
	cap int64
	sem *semaphore.Weighted
}

func (g *attemptGate) acquire(ctx context.Context, cap int64) (func(), error) {
	g.mu.Lock()
	if g.sem == nil || g.cap != cap {
		g.cap = cap
		g.sem = semaphore.NewWeighted(cap)
	}
	sem := g.sem
	g.mu.Unlock()
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}

// Run executes the job to a terminal status. It blocks; callers run it in a
// goroutine and use the job's Pause/Resume/Stop for control.
func (e *Engine) Run(ctx context.Context, j *Job) {
	j.mu.Lock()
	j.status = StatusRunning
	j.startedAt = e.clock.Now()
	buckets := append([]*Bucket(nil), j.buckets...)
	j.mu.Unlock()

	// cond.Wait has no context hook; wake waiters when the run context dies.
	unblock := context.AfterFunc(ctx, func() {
		j.mu.Lock()
		j.cond.Broadcast()
		j.mu.Unlock()
	})
	defer unblock()

	var storeFailures atomic.Int64
	e.persist(ctx, j, &storeFailures, StatusRunning, "")
	log.Printf("[Engine] Job %s started: campaign=%s recipients=%d buckets=%d",
		j.ID, j.CampaignID, j.TotalRecipients(), len(buckets))

	gate := &attemptGate{}
	var wg sync.WaitGroup
	for _, b := range buckets {
		wg.Add(1)
		go func(b *Bucket) {
			defer wg.Done()
			e.runBucket(ctx, j, b, gate, &storeFailures)
		}(b)
	}
	wg.Wait()

	if storeFailures.Load() >= storeFailureLimit {
		e.fail(ctx, j, "job store unavailable")
		return
	}
	e.finish(ctx, j, &storeFailures)
}

// runBucket drives one bucket's chunks in sequence until the bucket drains
// or the job halts. Each settled chunk advances the bucket's sender
// rotation; a chunk interrupted by pause resumes under the same rotation.
func (e *Engine) runBucket(ctx context.Context, j *Job, b *Bucket, gate *attemptGate, failures *atomic.Int64) {
	for {
		if stop := e.awaitRunnable(ctx, j); stop {
			return
		}

		j.mu.Lock()
		remaining := b.Remaining()
		rotation := b.rotation
		j.mu.Unlock()
		if remaining == 0 {
			return
		}

		snap := e.pressure.Snapshot()
		c := e.buildChunk(j, b, rotation, snap)
		e.runChunk(ctx, j, b, c, gate, failures)

		if snap.MinSleep > 0 {
			if err := e.clock.Sleep(ctx, snap.MinSleep); err != nil {
				return
			}
		}
	}
}

// awaitRunnable blocks while the job is paused. It returns true when the run
// should terminate (stop requested or context cancelled).
func (e *Engine) awaitRunnable(ctx context.Context, j *Job) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for j.status == StatusPaused && !j.stopReq && ctx.Err() == nil {
		j.cond.Wait()
	}
	return j.stopReq || ctx.Err() != nil
}

func (e *Engine) runnableBuckets(j *Job) []*Bucket {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []*Bucket
	for _, b := range j.buckets {
		if b.Remaining() > 0 {
			out = append(out, b)
		}
	}
	return out
}

// workerCap is the minimum of the job's limit, the pressure-level cap, and
// the slow-domain cap when any runnable bucket is classified slow.
func (e *Engine) workerCap(ctx context.Context, j *Job, snap *mta.Snapshot, buckets []*Bucket) int64 {
	cap := int64(j.WorkerLimit)
	if v := e.resolver.Int(config.KeyWorkerLimit, j.WorkerLimit); v > 0 {
		cap = int64(v)
	}
	if snap.WorkerCap > 0 && int64(snap.WorkerCap) < cap {
		cap = int64(snap.WorkerCap)
	}
	for _, b := range buckets {
		if e.health.Classify(ctx, b.Domain).Class == mta.ClassSlow {
			if e.slowCap < cap {
				cap = e.slowCap
			}
			break
		}
	}
	if cap < 1 {
		cap = 1
	}
	return cap
}

// buildChunk peeks the next slice of a bucket without advancing its cursor;
// the cursor moves only on a terminal sent/abandoned transition.
func (e *Engine) buildChunk(j *Job, b *Bucket, rotation int, snap *mta.Snapshot) *Chunk {
	size := e.resolver.Int(config.KeyChunkSize, j.ChunkSize)
	if size <= 0 {
		size = 100
	}
	if snap.ChunkCap > 0 && snap.ChunkCap < size {
		size = snap.ChunkCap
	}

	j.mu.Lock()
	recipients := append([]string(nil), b.peek(size)...)
	j.mu.Unlock()

	return &Chunk{
		JobID:           j.ID,
		CampaignID:      j.CampaignID,
		Domain:          b.Domain,
		Recipients:      recipients,
		Subject:         j.Subject,
		SubjectVariants: j.SubjectVariants,
		HTMLBody:        j.HTMLBody,
		TextBody:        j.TextBody,
		Sender:          j.senderFor(rotation, 0),
		State:           ChunkPending,
		rotation:        rotation,
	}
}

// runChunk drives one chunk through the state machine to a terminal state or
// an interruption (pause/stop), in which case the cursor is left untouched.
func (e *Engine) runChunk(ctx context.Context, j *Job, b *Bucket, c *Chunk, gate *attemptGate, failures *atomic.Int64) {
	for {
		if ctx.Err() != nil || j.interrupted() {
			return
		}

		j.mu.Lock()
		c.State = ChunkAttempting
		j.attempting++
		j.mu.Unlock()

		ev := e.scheduler.Evaluate(ctx, c)
		switch ev.Decision {
		case DecisionAbandon:
			j.mu.Lock()
			j.attempting--
			j.mu.Unlock()
			log.Printf("[Engine] Job %s abandoning %d recipients for %s: %s",
				j.ID, len(c.Recipients), c.Domain, ev.Reason)
			e.settle(ctx, j, b, c, ChunkAbandoned, failures)
			return

		case DecisionWait:
			if !e.retryWait(ctx, j, c, ev.Wait) {
				return
			}

		case DecisionSend, DecisionSendSlow:
			if ev.Delay > 0 {
				if err := e.clock.Sleep(ctx, ev.Delay); err != nil {
					j.mu.Lock()
					j.attempting--
					j.mu.Unlock()
					return
				}
			}
			if err := waitQuota(ctx, b.limiter, len(c.Recipients)); err != nil {
				j.mu.Lock()
				j.attempting--
				j.mu.Unlock()
				return
			}

			cap := e.workerCap(ctx, j, e.pressure.Snapshot(), e.runnableBuckets(j))
			release, err := gate.acquire(ctx, cap)
			if err != nil {
				j.mu.Lock()
				j.attempting--
				j.mu.Unlock()
				return
			}
			err = e.submitter.Submit(ctx, c)
			release()
			if err == nil {
				j.mu.Lock()
				j.attempting--
				j.mu.Unlock()
				e.settle(ctx, j, b, c, ChunkSent, failures)
				return
			}
			log.Printf("[Engine] Job %s submit failed for %s (attempt %d): %v",
				j.ID, c.Domain, c.Attempt, err)
			if e.scheduler.ShouldAbandon(c.Attempt + 1) {
				j.mu.Lock()
				j.attempting--
				j.mu.Unlock()
				e.settle(ctx, j, b, c, ChunkAbandoned, failures)
				return
			}
			if !e.retryWait(ctx, j, c, e.scheduler.RetryWait(c.Attempt)) {
				return
			}
		}
	}
}

// retryWait parks the chunk in retry_wait, then re-arms it with the next
// attempt and sender variant. Returns false when the wait was interrupted.
func (e *Engine) retryWait(ctx context.Context, j *Job, c *Chunk, wait time.Duration) bool {
	j.mu.Lock()
	c.State = ChunkRetryWait
	j.attempting--
	j.waiting++
	j.mu.Unlock()

	err := e.clock.Sleep(ctx, wait)

	j.mu.Lock()
	j.waiting--
	j.mu.Unlock()

	if err != nil || j.interrupted() {
		return false
	}
	c.Attempt++
	c.Variant++
	c.Sender = j.senderFor(c.rotation, c.Variant)
	return true
}

// settle records a terminal chunk transition: advance the cursor and the
// bucket's sender rotation, bump the in-memory counters, and persist the
// dispatch counts.
func (e *Engine) settle(ctx context.Context, j *Job, b *Bucket, c *Chunk, state ChunkState, failures *atomic.Int64) {
	n := int64(len(c.Recipients))

	j.mu.Lock()
	c.State = state
	b.advance(len(c.Recipients))
	b.rotation++
	var attempted, abandoned int64
	if state == ChunkSent {
		j.counters.Attempted += n
		attempted = n
	} else {
		j.counters.Abandoned += n
		abandoned = n
	}
	j.mu.Unlock()

	if err := e.store.AddDispatchCounts(ctx, j.ID, attempted, abandoned); err != nil {
		log.Printf("[Engine] Job %s counter write failed: %v", j.ID, err)
		if failures.Add(1) >= storeFailureLimit {
			// Wake parked workers so the run can fail out.
			j.mu.Lock()
			j.stopReq = true
			j.cond.Broadcast()
			j.mu.Unlock()
		}
		return
	}
	failures.Store(0)
	e.pauseIfKilled(ctx, j, failures)
}

// pauseIfKilled pauses the job when the kill switch trips. Called from
// bucket workers after each settle; only the first trip transitions the
// status.
func (e *Engine) pauseIfKilled(ctx context.Context, j *Job, failures *atomic.Int64) {
	reason := e.killReason(j)
	if reason == "" {
		return
	}
	j.mu.Lock()
	if j.status != StatusRunning {
		j.mu.Unlock()
		return
	}
	j.status = StatusPaused
	j.statusNote = reason
	j.mu.Unlock()
	log.Printf("[Engine] Job %s kill switch tripped: %s", j.ID, reason)
	e.persist(ctx, j, failures, StatusPaused, reason)
}

// finish resolves the terminal status once the run loop exits: completed if
// every recipient was settled, abandoned_partial if any remain.
func (e *Engine) finish(ctx context.Context, j *Job, failures *atomic.Int64) {
	j.mu.Lock()
	pending := 0
	for _, b := range j.buckets {
		pending += b.Remaining()
	}
	status := StatusCompleted
	note := ""
	if pending > 0 {
		status = StatusAbandonedPartial
		note = "stopped with recipients pending"
	}
	j.status = status
	j.statusNote = note
	j.mu.Unlock()

	// Terminal status writes outlive run-context cancellation.
	e.persist(context.WithoutCancel(ctx), j, failures, status, note)
	log.Printf("[Engine] Job %s finished: status=%s pending=%d", j.ID, status, pending)
}

func (e *Engine) fail(ctx context.Context, j *Job, note string) {
	j.mu.Lock()
	j.status = StatusFailed
	j.statusNote = note
	j.mu.Unlock()
	if err := e.store.UpdateJobStatus(context.WithoutCancel(ctx), j.ID, StatusFailed, note); err != nil {
		log.Printf("[Engine] Job %s failed-status write also failed: %v", j.ID, err)
	}
	log.Printf("[Engine] Job %s failed: %s", j.ID, note)
}

func (e *Engine) persist(ctx context.Context, j *Job, failures *atomic.Int64, status JobStatus, note string) {
	if err := e.store.UpdateJobStatus(ctx, j.ID, status, note); err != nil {
		log.Printf("[Engine] Job %s status write failed: %v", j.ID, err)
		failures.Add(1)
	}
}

// killReason evaluates the bounce/complaint kill switch against accounted
// outcomes. Empty string means keep going.
func (e *Engine) killReason(j *Job) string {
	if e.kill.MinSample <= 0 {
		return ""
	}
	c := j.CountersSnapshot()
	sample := c.Delivered + c.Bounced + c.Deferred + c.Complained
	if sample < int64(e.kill.MinSample) {
		return ""
	}
	if r := float64(c.Bounced) / float64(sample); e.kill.MaxHardBounceRate > 0 && r >= e.kill.MaxHardBounceRate {
		return "bounce rate exceeded threshold"
	}
	if r := float64(c.Complained) / float64(sample); e.kill.MaxComplaintRate > 0 && r >= e.kill.MaxComplaintRate {
		return "complaint rate exceeded threshold"
	}
	return ""
}

// waitQuota blocks until the domain limiter has released n tokens, in burst-
// sized bites since WaitN rejects requests above the burst.
func waitQuota(ctx context.Context, l *rate.Limiter, n int) error {
	if l == nil {
		return nil
	}
	burst := l.Burst()
	if burst <= 0 {
		return nil
	}
	for n > 0 {
		take := n
		if take > burst {
			take = burst
		}
		if err := l.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}
