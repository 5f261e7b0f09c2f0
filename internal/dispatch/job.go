package dispatch

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ignite/mta-dispatch/internal/mta"
)

// JobStatus is the lifecycle state of one campaign execution.
type JobStatus string

const (
	StatusQueued           JobStatus = "queued"
	StatusRunning          JobStatus = "running"
	StatusPaused           JobStatus = "paused"
	StatusBackoff          JobStatus = "backoff"
	StatusCompleted        JobStatus = "completed"
	StatusAbandonedPartial JobStatus = "abandoned_partial"
	StatusFailed           JobStatus = "failed"
)

// Active reports whether the status counts against the one-active-job-per-
// campaign invariant.
func (s JobStatus) Active() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusPaused, StatusBackoff:
		return true
	}
	return false
}

// Sender is one sending identity in a campaign's rotation list.
type Sender struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Counters is the per-job outcome tally. Attempted and Abandoned are owned
// by the dispatch engine; Delivered/Bounced/Deferred/Complained arrive later
// through accounting ingestion against the durable job row.
type Counters struct {
	Attempted  int64 `json:"attempted"`
	Delivered  int64 `json:"delivered"`
	Bounced    int64 `json:"bounced"`
	Deferred   int64 `json:"deferred"`
	Complained int64 `json:"complained"`
	Abandoned  int64 `json:"abandoned"`
}

// Bucket is a per-destination-domain queue of recipients with a cursor
// marking dispatch progress. Buckets are created lazily in first-sighting
// order and never merged or split. All access goes through the owning Job's
// lock; the engine is the only mutator.
type Bucket struct {
	Domain     string
	recipients []string
	cursor     int
	limiter    *rate.Limiter

	// rotation counts the bucket's settled chunks and selects the sender
	// for its next chunk. It advances only on a terminal settle, so an
	// interrupted chunk resumes under the same sender.
	rotation int
}

// Remaining returns the count of not-yet-dispatched recipients.
func (b *Bucket) Remaining() int { return len(b.recipients) - b.cursor }

// Total returns the bucket's full recipient count.
func (b *Bucket) Total() int { return len(b.recipients) }

func (b *Bucket) peek(n int) []string {
	end := b.cursor + n
	if end > len(b.recipients) {
		end = len(b.recipients)
	}
	return b.recipients[b.cursor:end]
}

func (b *Bucket) advance(n int) {
	b.cursor += n
	if b.cursor > len(b.recipients) {
		b.cursor = len(b.recipients)
	}
}

// Job is one execution instance of a campaign. The engine owns its buckets,
// cursors, and sender rotations exclusively; other components only read
// projections through StatusView.
type Job struct {
	ID          string
	CampaignID  string
	ChunkSize   int
	WorkerLimit int
	Senders     []Sender
	Subject     string
	HTMLBody    string
	TextBody    string
	CreatedAt   time.Time

	// SubjectVariants, when non-empty, gives the submitter a deterministic
	// per-recipient subject pick instead of the single Subject line.
	SubjectVariants []string

	// HealthWarning records a non-strict health-gate trip at start time.
	HealthWarning string

	mu         sync.Mutex
	cond       *sync.Cond
	status     JobStatus
	statusNote string
	startedAt  time.Time
	buckets    []*Bucket
	bucketIdx  map[string]int
	counters   Counters

	// waiting counts chunks currently in retry_wait; used to surface the
	// backoff status without a dedicated state transition.
	waiting    int
	attempting int
	stopReq    bool
}

// NewJob partitions recipients into destination buckets (first-sighting
// order) and returns a queued job. Malformed addresses are dropped.
func NewJob(campaignID string, recipients []string, senders []Sender, chunkSize, workerLimit int) *Job {
	j := &Job{
		ID:          newJobID(),
		CampaignID:  campaignID,
		ChunkSize:   chunkSize,
		WorkerLimit: workerLimit,
		Senders:     senders,
		CreatedAt:   time.Now(),
		status:      StatusQueued,
		bucketIdx:   make(map[string]int),
	}
	j.cond = sync.NewCond(&j.mu)

	for _, r := range recipients {
		addr := strings.ToLower(strings.TrimSpace(r))
		at := strings.LastIndex(addr, "@")
		if at <= 0 || at == len(addr)-1 {
			continue
		}
		domain := addr[at+1:]
		idx, ok := j.bucketIdx[domain]
		if !ok {
			pacing := mta.PacingForDomain(domain)
			idx = len(j.buckets)
			j.bucketIdx[domain] = idx
			j.buckets = append(j.buckets, &Bucket{
				Domain:  domain,
				limiter: rate.NewLimiter(rate.Limit(float64(pacing.RatePerMinute)/60.0), pacing.Burst),
			})
		}
		j.buckets[idx].recipients = append(j.buckets[idx].recipients, addr)
	}
	return j
}

// newJobID returns a 12-hex-char job identifier, short enough to embed in
// message identifiers for accounting correlation.
func newJobID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// TotalRecipients returns the number of valid recipients across buckets.
func (j *Job) TotalRecipients() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	total := 0
	for _, b := range j.buckets {
		total += b.Total()
	}
	return total
}

// Status returns the job's current lifecycle status, surfacing backoff when
// the job is running but every in-flight chunk is waiting out a backoff.
func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.statusLocked()
}

func (j *Job) statusLocked() JobStatus {
	if j.status == StatusRunning && j.waiting > 0 && j.attempting == 0 {
		return StatusBackoff
	}
	return j.status
}

// Counters returns a copy of the engine-owned counters.
func (j *Job) CountersSnapshot() Counters {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.counters
}

// StatusView is a read-only projection for the control surface.
type StatusView struct {
	JobID         string            `json:"job_id"`
	CampaignID    string            `json:"campaign_id"`
	Status        JobStatus         `json:"status"`
	StatusNote    string            `json:"status_note,omitempty"`
	HealthWarning string            `json:"health_warning,omitempty"`
	Total         int               `json:"total_recipients"`
	Pending       int               `json:"pending"`
	Counters      Counters          `json:"counters"`
	Buckets       []BucketView      `json:"buckets"`
	StartedAt     time.Time         `json:"started_at,omitzero"`
}

// BucketView summarizes one bucket's progress.
type BucketView struct {
	Domain    string `json:"domain"`
	Total     int    `json:"total"`
	Remaining int    `json:"remaining"`
}

// View builds the control-surface projection of the job.
func (j *Job) View() StatusView {
	j.mu.Lock()
	defer j.mu.Unlock()

	v := StatusView{
		JobID:         j.ID,
		CampaignID:    j.CampaignID,
		Status:        j.statusLocked(),
		StatusNote:    j.statusNote,
		HealthWarning: j.HealthWarning,
		Counters:      j.counters,
		StartedAt:     j.startedAt,
	}
	for _, b := range j.buckets {
		v.Total += b.Total()
		v.Pending += b.Remaining()
		v.Buckets = append(v.Buckets, BucketView{Domain: b.Domain, Total: b.Total(), Remaining: b.Remaining()})
	}
	return v
}

// Pause requests a pause. Cursors are preserved; in-flight attempts finish
// and waiting chunks park without advancing. Returns false when the job is
// not in a pausable state.
func (j *Job) Pause() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusRunning && j.status != StatusQueued {
		return false
	}
	j.status = StatusPaused
	j.cond.Broadcast()
	return true
}

// Resume restarts a paused job from its preserved cursors.
func (j *Job) Resume() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusPaused {
		return false
	}
	j.status = StatusRunning
	j.statusNote = ""
	j.cond.Broadcast()
	return true
}

// Stop requests termination. The engine finishes in-flight submission
// attempts, then exits; remaining recipients are not dispatched.
func (j *Job) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.stopReq = true
	j.cond.Broadcast()
}

// interrupted reports whether dispatch progress should halt (stop requested
// or operator pause).
func (j *Job) interrupted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stopReq || j.status == StatusPaused
}

// RecordOutcome folds an accounting outcome into the in-memory counters.
// The durable tally lives in the job store; this keeps live job views and
// the kill switch current between accounting writes.
func (j *Job) RecordOutcome(outcome string, n int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch outcome {
	case "delivered":
		j.counters.Delivered += n
	case "bounced":
		j.counters.Bounced += n
	case "deferred":
		j.counters.Deferred += n
	case "complained":
		j.counters.Complained += n
	}
}

// senderFor returns the sender for a rotation index offset by the retry
// variant, so retries of one chunk route around a failing sender/domain
// pairing without disturbing the job-level rotation.
func (j *Job) senderFor(rotation, variant int) Sender {
	if len(j.Senders) == 0 {
		return Sender{}
	}
	return j.Senders[(rotation+variant)%len(j.Senders)]
}
