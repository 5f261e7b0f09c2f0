package mta

import "time"

// QueueStatus is the MTA-reported load snapshot from the management API.
// A nil QueueStatus (with an error) means the MTA was unreachable, which is
// a distinct condition from a QueueStatus reporting zero load.
type QueueStatus struct {
	QueuedRecipients int       `json:"queued_recipients"`
	QueuedMessages   int       `json:"queued_messages"`
	SpoolRecipients  int       `json:"spool_recipients"`
	SpoolMessages    int       `json:"spool_messages"`
	DeferredCount    int       `json:"deferred_count"`
	CheckedAt        time.Time `json:"checked_at"`
}

// DomainDetail is one destination domain's delivery counters from the MTA.
type DomainDetail struct {
	Domain    string `json:"domain"`
	Queued    int    `json:"queued"`
	Deferrals int    `json:"deferrals"`
	Errors    int    `json:"errors"`
}

// Class is the delivery-health classification of a destination domain.
type Class string

const (
	ClassNormal  Class = "normal"
	ClassSlow    Class = "slow"
	ClassBackoff Class = "backoff"
)

// DomainStatus is the classification result for one destination domain.
type DomainStatus struct {
	Domain    string `json:"domain"`
	Deferrals int    `json:"deferrals"`
	Errors    int    `json:"errors"`
	Class     Class  `json:"class"`
}

// Snapshot is the pressure gauge's derived dispatch-parameter bundle.
// It is replaced wholesale on every sample; readers hold an immutable value.
type Snapshot struct {
	QueuedRecipients int `json:"queued_recipients"`
	QueuedMessages   int `json:"queued_messages"`
	SpoolRecipients  int `json:"spool_recipients"`
	SpoolMessages    int `json:"spool_messages"`
	DeferredCount    int `json:"deferred_count"`

	// Level 0–3: max of the per-category levels.
	Level int `json:"level"`

	// Effective dispatch restrictions for this level. Zero values mean
	// "no restriction beyond job-configured defaults" (level 0).
	Delay     time.Duration `json:"effective_delay"`
	WorkerCap int           `json:"effective_worker_cap"`
	ChunkCap  int           `json:"effective_chunk_cap"`
	MinSleep  time.Duration `json:"effective_sleep"`

	// Stale marks a snapshot retained after a failed sample. Stale-but-
	// present snapshots remain authoritative (fail open).
	Stale     bool      `json:"stale"`
	SampledAt time.Time `json:"sampled_at"`
}
