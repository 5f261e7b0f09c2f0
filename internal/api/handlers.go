package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/mta-dispatch/internal/accounting"
	"github.com/ignite/mta-dispatch/internal/config"
	"github.com/ignite/mta-dispatch/internal/dispatch"
	"github.com/ignite/mta-dispatch/internal/mta"
	"github.com/ignite/mta-dispatch/internal/pkg/httputil"
	"github.com/ignite/mta-dispatch/internal/store"
)

// Handlers carries the wired components behind the control surface.
type Handlers struct {
	registry   *dispatch.Registry
	store      *store.Store
	gauge      *mta.Gauge
	tracker    *mta.HealthTracker
	poller     *accounting.Poller
	bridge     *accounting.BridgeClient
	resolver   *config.Resolver
	sourceKind string
	started    time.Time
}

// NewHandlers wires the handler set. sourceKind names the accounting cursor
// row this deployment polls.
func NewHandlers(registry *dispatch.Registry, st *store.Store, gauge *mta.Gauge, tracker *mta.HealthTracker, poller *accounting.Poller, bridge *accounting.BridgeClient, resolver *config.Resolver, sourceKind string) *Handlers {
	if sourceKind == "" {
		sourceKind = "acct"
	}
	return &Handlers{
		registry:   registry,
		store:      st,
		gauge:      gauge,
		tracker:    tracker,
		poller:     poller,
		bridge:     bridge,
		resolver:   resolver,
		sourceKind: sourceKind,
		started:    time.Now(),
	}
}

// HealthCheck reports process liveness and database reachability.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	}
	if h.store != nil {
		if err := h.store.DB().PingContext(r.Context()); err != nil {
			resp["status"] = "degraded"
			resp["database"] = err.Error()
		} else {
			resp["database"] = "ok"
		}
	}
	httputil.OK(w, resp)
}

type startJobRequest struct {
	dispatch.Campaign
	Force bool `json:"force"`
}

// StartJob validates and launches a campaign job.
func (h *Handlers) StartJob(w http.ResponseWriter, r *http.Request) {
	var req startJobRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	job, err := h.registry.Start(r.Context(), req.Campaign, req.Force)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrDuplicateActiveJob):
			httputil.Conflict(w, err.Error())
		case errors.Is(err, dispatch.ErrMTABusy):
			httputil.Unavailable(w, err.Error())
		case errors.Is(err, dispatch.ErrNoRecipients), errors.Is(err, dispatch.ErrNoSenders):
			httputil.BadRequest(w, err.Error())
		default:
			httputil.InternalError(w, err)
		}
		return
	}
	httputil.Created(w, job.View())
}

// ListJobs returns views of every job this process knows about.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{"jobs": h.registry.List()})
}

// JobStatus returns a job's live view when registered, falling back to the
// durable row for jobs from earlier process lifetimes. Live views carry the
// current pressure snapshot and per-bucket domain classes.
func (h *Handlers) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := h.registry.Get(jobID)
	if err == nil {
		view := job.View()
		resp := map[string]any{
			"job":      view,
			"pressure": h.gauge.Snapshot(),
		}
		domains := make(map[string]mta.Class, len(view.Buckets))
		for _, b := range view.Buckets {
			domains[b.Domain] = h.tracker.Classify(r.Context(), b.Domain).Class
		}
		resp["domains"] = domains

		if h.store != nil {
			if row, err := h.store.GetJob(r.Context(), jobID); err == nil && row != nil {
				resp["accounted"] = row.Counters
			}
		}
		httputil.OK(w, resp)
		return
	}

	if h.store != nil {
		row, err := h.store.GetJob(r.Context(), jobID)
		if err != nil {
			httputil.InternalError(w, err)
			return
		}
		if row != nil {
			httputil.OK(w, map[string]any{"job": row})
			return
		}
	}
	httputil.NotFound(w, "job not found")
}

// PauseJob pauses a running job, preserving cursors.
func (h *Handlers) PauseJob(w http.ResponseWriter, r *http.Request) {
	h.jobAction(w, r, h.registry.Pause)
}

// ResumeJob resumes a paused job.
func (h *Handlers) ResumeJob(w http.ResponseWriter, r *http.Request) {
	h.jobAction(w, r, h.registry.Resume)
}

// StopJob terminates a job after its in-flight attempts finish.
func (h *Handlers) StopJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := h.registry.Stop(jobID); err != nil {
		h.writeJobActionError(w, err)
		return
	}
	job, err := h.registry.Get(jobID)
	if err != nil {
		httputil.NotFound(w, "job not found")
		return
	}
	httputil.OK(w, job.View())
}

func (h *Handlers) jobAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, jobID string) error) {
	jobID := chi.URLParam(r, "jobID")
	if err := action(r.Context(), jobID); err != nil {
		h.writeJobActionError(w, err)
		return
	}
	job, err := h.registry.Get(jobID)
	if err != nil {
		httputil.NotFound(w, "job not found")
		return
	}
	httputil.OK(w, job.View())
}

func (h *Handlers) writeJobActionError(w http.ResponseWriter, err error) {
	if errors.Is(err, dispatch.ErrJobNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	httputil.Conflict(w, err.Error())
}

// Pressure returns the current pressure snapshot.
func (h *Handlers) Pressure(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, h.gauge.Snapshot())
}

// DomainHealth returns classifications for every sampled destination domain.
func (h *Handlers) DomainHealth(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{"domains": h.tracker.Statuses(r.Context())})
}

// PullNow triggers an immediate accounting poll cycle and returns its stats.
func (h *Handlers) PullNow(w http.ResponseWriter, r *http.Request) {
	if h.poller == nil {
		httputil.Unavailable(w, "accounting poller not configured")
		return
	}
	stats, err := h.poller.Cycle(r.Context())
	if err != nil {
		httputil.JSON(w, http.StatusBadGateway, map[string]any{
			"error": err.Error(),
			"stats": stats,
		})
		return
	}
	httputil.OK(w, stats)
}

// AccountingStatus returns the durable cursor state plus the bridge's own
// status when reachable.
func (h *Handlers) AccountingStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{}
	if h.store != nil {
		cur, err := h.store.LoadCursor(r.Context(), h.sourceKind)
		if err != nil {
			httputil.InternalError(w, err)
			return
		}
		resp["cursor"] = cur
	}
	if h.bridge != nil {
		if status, err := h.bridge.Status(r.Context()); err != nil {
			resp["bridge_error"] = err.Error()
		} else {
			resp["bridge"] = status
		}
	}
	httputil.OK(w, resp)
}

// ListOverrides returns the active runtime overrides.
func (h *Handlers) ListOverrides(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{"overrides": h.resolver.Overrides()})
}

type overrideRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SetOverride installs a runtime override for a known tunable.
func (h *Handlers) SetOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if !h.resolver.Known(req.Key) {
		httputil.BadRequest(w, "unknown tunable: "+req.Key)
		return
	}
	h.resolver.Set(req.Key, req.Value)
	httputil.OK(w, map[string]any{"overrides": h.resolver.Overrides()})
}

// ClearOverride removes a runtime override.
func (h *Handlers) ClearOverride(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	h.resolver.Clear(key)
	httputil.OK(w, map[string]any{"overrides": h.resolver.Overrides()})
}
