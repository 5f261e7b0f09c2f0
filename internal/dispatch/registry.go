package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/ignite/mta-dispatch/internal/config"
)

var (
	// ErrDuplicateActiveJob means the campaign already has a non-terminal job.
	ErrDuplicateActiveJob = errors.New("campaign already has an active job")
	// ErrMTABusy means the health gate refused the start under strict policy.
	ErrMTABusy = errors.New("mta busy, refusing to start job")
	// ErrJobNotFound means no job with the given id is registered.
	ErrJobNotFound = errors.New("job not found")
	// ErrNoRecipients means the campaign resolved to zero valid recipients.
	ErrNoRecipients = errors.New("campaign has no valid recipients")
	// ErrNoSenders means the campaign carries an empty sender rotation.
	ErrNoSenders = errors.New("campaign has no senders")
)

// Campaign is the start-request payload: who to mail, as whom, and what.
type Campaign struct {
	ID         string   `json:"campaign_id"`
	Recipients []string `json:"recipients"`
	Senders    []Sender `json:"senders"`
	Subject    string   `json:"subject"`

	// SubjectVariants optionally replaces Subject with a rotation; each
	// recipient gets a deterministic pick from the list.
	SubjectVariants []string `json:"subject_variants,omitempty"`
	HTMLBody        string   `json:"html_body"`
	TextBody        string   `json:"text_body"`
}

// Registry tracks jobs, enforces the one-active-job-per-campaign guard and
// the MTA health gate, and owns the engine goroutines' lifetimes.
type Registry struct {
	engine   *Engine
	pressure PressureSource
	store    JobStore
	resolver *config.Resolver
	cfg      config.DispatchConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	byID map[string]*Job
	wg   sync.WaitGroup
}

// NewRegistry builds a registry. Job goroutines are parented to an internal
// context so HTTP request cancellation never kills a running job; Close
// tears them down.
func NewRegistry(engine *Engine, pressure PressureSource, store JobStore, resolver *config.Resolver, cfg config.DispatchConfig) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		engine:   engine,
		pressure: pressure,
		store:    store,
		resolver: resolver,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		byID:     make(map[string]*Job),
	}
}

// Start validates the campaign, applies the duplicate guard and health gate,
// persists the job row, and launches the engine. force bypasses both guards.
func (r *Registry) Start(ctx context.Context, campaign Campaign, force bool) (*Job, error) {
	if campaign.ID == "" {
		return nil, errors.New("campaign id required")
	}
	if len(campaign.Senders) == 0 {
		return nil, ErrNoSenders
	}

	var warning string
	if !force {
		if existing := r.ActiveJobForCampaign(campaign.ID); existing != nil {
			return nil, fmt.Errorf("%w: job %s is %s", ErrDuplicateActiveJob, existing.ID, existing.Status())
		}
		if busy, detail := r.mtaBusy(); busy {
			if r.resolver.Bool(config.KeyHealthGateStrict, r.cfg.HealthGateStrict) {
				return nil, fmt.Errorf("%w: %s", ErrMTABusy, detail)
			}
			warning = detail
		}
	}

	chunkSize := r.resolver.Int(config.KeyChunkSize, r.cfg.ChunkSize)
	workerLimit := r.resolver.Int(config.KeyWorkerLimit, r.cfg.WorkerLimit)
	job := NewJob(campaign.ID, campaign.Recipients, campaign.Senders, chunkSize, workerLimit)
	job.HealthWarning = warning
	job.Subject = campaign.Subject
	job.SubjectVariants = campaign.SubjectVariants
	job.HTMLBody = campaign.HTMLBody
	job.TextBody = campaign.TextBody
	if job.TotalRecipients() == 0 {
		return nil, ErrNoRecipients
	}

	if err := r.store.CreateJob(ctx, job.View()); err != nil {
		return nil, fmt.Errorf("persisting job: %w", err)
	}

	r.mu.Lock()
	r.byID[job.ID] = job
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.engine.Run(r.ctx, job)
	}()

	log.Printf("[Registry] Started job %s for campaign %s (force=%v warning=%q)",
		job.ID, campaign.ID, force, warning)
	return job, nil
}

// mtaBusy reports whether the pressure snapshot shows any busy threshold
// exceeded. A stale strict snapshot reads as busy through its level.
func (r *Registry) mtaBusy() (bool, string) {
	snap := r.pressure.Snapshot()
	if snap.Level > 0 {
		return true, fmt.Sprintf("pressure level %d (queued=%d spool=%d deferred=%d)",
			snap.Level, snap.QueuedRecipients, snap.SpoolRecipients, snap.DeferredCount)
	}
	return false, ""
}

// Get returns a registered job by id.
func (r *Registry) Get(jobID string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.byID[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j, nil
}

// List returns views of every registered job, newest first.
func (r *Registry) List() []StatusView {
	r.mu.Lock()
	jobs := make([]*Job, 0, len(r.byID))
	for _, j := range r.byID {
		jobs = append(jobs, j)
	}
	r.mu.Unlock()

	sort.Slice(jobs, func(a, b int) bool {
		return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
	})
	views := make([]StatusView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, j.View())
	}
	return views
}

// ActiveJobForCampaign returns the campaign's most recently started active
// job, or nil. Accounting uses this for campaign-level fallback resolution.
func (r *Registry) ActiveJobForCampaign(campaignID string) *Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *Job
	for _, j := range r.byID {
		if j.CampaignID != campaignID || !j.Status().Active() {
			continue
		}
		if best == nil || j.CreatedAt.After(best.CreatedAt) {
			best = j
		}
	}
	return best
}

// ActiveJobIDForCampaign is the accounting-facing form of
// ActiveJobForCampaign; "" means no active job.
func (r *Registry) ActiveJobIDForCampaign(campaignID string) string {
	if j := r.ActiveJobForCampaign(campaignID); j != nil {
		return j.ID
	}
	return ""
}

// RecordOutcome folds an accounting outcome into a registered job's live
// counters. Unknown job ids are ignored; their durable rows still count.
func (r *Registry) RecordOutcome(jobID, outcome string, n int64) {
	r.mu.Lock()
	j, ok := r.byID[jobID]
	r.mu.Unlock()
	if ok {
		j.RecordOutcome(outcome, n)
	}
}

// Pause pauses a job, preserving cursors.
func (r *Registry) Pause(ctx context.Context, jobID string) error {
	j, err := r.Get(jobID)
	if err != nil {
		return err
	}
	if !j.Pause() {
		return fmt.Errorf("job %s is %s, not pausable", jobID, j.Status())
	}
	if err := r.store.UpdateJobStatus(ctx, jobID, StatusPaused, "paused by operator"); err != nil {
		log.Printf("[Registry] Pause status write failed for %s: %v", jobID, err)
	}
	return nil
}

// Resume restarts a paused job from its cursors.
func (r *Registry) Resume(ctx context.Context, jobID string) error {
	j, err := r.Get(jobID)
	if err != nil {
		return err
	}
	if !j.Resume() {
		return fmt.Errorf("job %s is %s, not resumable", jobID, j.Status())
	}
	if err := r.store.UpdateJobStatus(ctx, jobID, StatusRunning, ""); err != nil {
		log.Printf("[Registry] Resume status write failed for %s: %v", jobID, err)
	}
	return nil
}

// Stop terminates a job. In-flight submission attempts finish; the engine
// records the terminal status itself.
func (r *Registry) Stop(jobID string) error {
	j, err := r.Get(jobID)
	if err != nil {
		return err
	}
	j.Stop()
	return nil
}

// Close stops every job goroutine and waits for them to exit.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
}
