package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/mta-dispatch/internal/mta"
)

// ChunkState tracks one chunk through the dispatch state machine:
// pending -> attempting -> sent | retry_wait | abandoned, with retry_wait
// looping back to attempting.
type ChunkState string

const (
	ChunkPending    ChunkState = "pending"
	ChunkAttempting ChunkState = "attempting"
	ChunkRetryWait  ChunkState = "retry_wait"
	ChunkSent       ChunkState = "sent"
	ChunkAbandoned  ChunkState = "abandoned"
)

// Chunk is one dispatch unit: a slice of a single bucket's recipients bound
// to a sender. Variant counts retry re-routes; each retry bumps it so the
// next attempt rotates to a different sender for the same recipients.
type Chunk struct {
	JobID           string
	CampaignID      string
	Domain          string
	Recipients      []string
	Subject         string
	SubjectVariants []string
	HTMLBody        string
	TextBody        string
	Attempt         int
	Variant         int
	Sender          Sender
	State           ChunkState

	// rotation is the bucket sender rotation the chunk was built under;
	// retries offset it by Variant.
	rotation int
}

// Decision is a scheduler verdict for one chunk attempt.
type Decision int

const (
	// DecisionSend dispatches at the pressure-derived pace.
	DecisionSend Decision = iota
	// DecisionSendSlow dispatches with the reduced-throughput slow-domain
	// parameters applied on top of pressure pacing.
	DecisionSendSlow
	// DecisionWait parks the chunk in retry_wait for Evaluation.Wait.
	DecisionWait
	// DecisionAbandon gives up on the chunk's recipients.
	DecisionAbandon
)

func (d Decision) String() string {
	switch d {
	case DecisionSend:
		return "send"
	case DecisionSendSlow:
		return "send_slow"
	case DecisionWait:
		return "wait"
	case DecisionAbandon:
		return "abandon"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// Evaluation carries a decision plus its timing parameters.
type Evaluation struct {
	Decision Decision
	// Delay is the pre-send pause applied before submission (send paths).
	Delay time.Duration
	// Wait is how long the chunk sits in retry_wait (wait path).
	Wait time.Duration
	// Class is the destination domain's health class at evaluation time.
	Class mta.Class
	// Reason is a short operator-facing note for logs and job views.
	Reason string
}

// PressureSource yields the current global pressure snapshot.
type PressureSource interface {
	Snapshot() *mta.Snapshot
}

// HealthSource classifies a destination domain.
type HealthSource interface {
	Classify(ctx context.Context, domain string) mta.DomainStatus
}

// Scheduler decides, per chunk attempt, whether to send now, send slowly,
// back off, or abandon. It consults the shared pressure gauge and domain
// health tracker on every evaluation so decisions follow live MTA state.
type Scheduler struct {
	pressure  PressureSource
	health    HealthSource
	policy    RetryPolicy
	slowDelay time.Duration
}

// NewScheduler wires a scheduler. slowDelay is the extra per-chunk pacing
// applied to slow-class domains on top of pressure delay.
func NewScheduler(pressure PressureSource, health HealthSource, policy RetryPolicy, slowDelay time.Duration) *Scheduler {
	if slowDelay <= 0 {
		slowDelay = 2 * time.Second
	}
	return &Scheduler{
		pressure:  pressure,
		health:    health,
		policy:    policy,
		slowDelay: slowDelay,
	}
}

// Evaluate runs one scheduling decision for a chunk attempt. Retry
// exhaustion is checked first so a dead chunk never consumes another
// MTA sample.
func (s *Scheduler) Evaluate(ctx context.Context, c *Chunk) Evaluation {
	if s.policy.ShouldAbandon(c.Attempt) {
		return Evaluation{
			Decision: DecisionAbandon,
			Reason:   fmt.Sprintf("retries exhausted after attempt %d", c.Attempt),
		}
	}

	snap := s.pressure.Snapshot()
	status := s.health.Classify(ctx, c.Domain)

	switch status.Class {
	case mta.ClassBackoff:
		wait := s.policy.NextWait(c.Attempt)
		return Evaluation{
			Decision: DecisionWait,
			Wait:     wait,
			Class:    status.Class,
			Reason:   fmt.Sprintf("domain %s in backoff (deferrals=%d errors=%d)", c.Domain, status.Deferrals, status.Errors),
		}
	case mta.ClassSlow:
		delay := snap.Delay
		if s.slowDelay > delay {
			delay = s.slowDelay
		}
		return Evaluation{
			Decision: DecisionSendSlow,
			Delay:    delay,
			Class:    status.Class,
			Reason:   fmt.Sprintf("domain %s slow, pressure level %d", c.Domain, snap.Level),
		}
	default:
		return Evaluation{
			Decision: DecisionSend,
			Delay:    snap.Delay,
			Class:    status.Class,
			Reason:   fmt.Sprintf("pressure level %d", snap.Level),
		}
	}
}

// RetryWait exposes the policy's wait for a failed submission attempt so the
// engine applies the same backoff curve to transport errors as the scheduler
// applies to domain backoff.
func (s *Scheduler) RetryWait(attempt int) time.Duration {
	return s.policy.NextWait(attempt)
}

// ShouldAbandon mirrors the policy cutoff for engine-side checks.
func (s *Scheduler) ShouldAbandon(attempt int) bool {
	return s.policy.ShouldAbandon(attempt)
}
