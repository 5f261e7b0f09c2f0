package accounting

import (
	"context"
	"strings"
)

// JobChecker verifies a job id against the durable job table.
type JobChecker interface {
	JobExists(ctx context.Context, jobID string) (bool, error)
}

// ActiveIndex maps a campaign to its most recently started active job.
type ActiveIndex interface {
	ActiveJobIDForCampaign(campaignID string) string
}

// Resolver attributes an accounting record to a job id through an ordered
// strategy chain: explicit job header, then the job token embedded in the
// message identifier, then the campaign's active job. The first strategy
// that produces a token wins.
type Resolver struct {
	jobs   JobChecker
	active ActiveIndex
}

// NewResolver wires the resolution chain.
func NewResolver(jobs JobChecker, active ActiveIndex) *Resolver {
	return &Resolver{jobs: jobs, active: active}
}

// Resolve returns the job id for a record, or "" when no strategy matched.
func (r *Resolver) Resolve(ctx context.Context, rec Record) string {
	if id := strings.TrimSpace(rec.HeaderJobID); id != "" {
		return id
	}
	if id := strings.TrimSpace(rec.JobID); id != "" {
		return id
	}

	// Message identifiers carry the job id as the local-part prefix before
	// the first dot: <jobid.random@dispatch>. A format match alone is not
	// enough since foreign mail flows through the same MTA, so the extracted
	// token must exist before it counts.
	if id := jobTokenFromMessageID(rec.MessageID); id != "" && r.jobs != nil {
		if exists, err := r.jobs.JobExists(ctx, id); err == nil && exists {
			return id
		}
	}

	if campaign := strings.TrimSpace(rec.HeaderCampaignID); campaign != "" && r.active != nil {
		if id := r.active.ActiveJobIDForCampaign(campaign); id != "" {
			return id
		}
	}
	return ""
}

// jobTokenFromMessageID extracts the 12-hex-char job token from a message
// identifier, or "" when the format does not match.
func jobTokenFromMessageID(msgid string) string {
	msgid = strings.Trim(strings.TrimSpace(msgid), "<>")
	at := strings.Index(msgid, "@")
	if at < 0 {
		return ""
	}
	local := msgid[:at]
	dot := strings.Index(local, ".")
	if dot < 0 {
		return ""
	}
	token := local[:dot]
	if len(token) != 12 {
		return ""
	}
	for _, c := range token {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return ""
		}
	}
	return token
}
