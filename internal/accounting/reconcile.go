package accounting

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ignite/mta-dispatch/internal/store"
)

// reconcileWindow bounds the nightly sweep to jobs touched recently; older
// rows have had every crash window closed for days.
const reconcileWindow = 48 * time.Hour

// Reconciler recomputes job counters from the seen-event table on a cron
// schedule. Incremental ingestion is correct on its own; the sweep exists to
// heal drift left by process crashes between a counter write and its read.
type Reconciler struct {
	store *store.Store
	cron  *cron.Cron
	spec  string
}

// NewReconciler builds a reconciler on the given cron spec (standard five
// field format).
func NewReconciler(st *store.Store, spec string) *Reconciler {
	if spec == "" {
		spec = "0 4 * * *"
	}
	return &Reconciler{store: st, cron: cron.New(), spec: spec}
}

// Start schedules the sweep and launches the cron runner.
func (r *Reconciler) Start() error {
	if _, err := r.cron.AddFunc(r.spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := r.Sweep(ctx); err != nil {
			log.Printf("[Reconcile] Sweep failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule reconciliation %q: %w", r.spec, err)
	}
	r.cron.Start()
	log.Printf("[Reconcile] Scheduled counter reconciliation: %s", r.spec)
	return nil
}

// Stop halts the cron runner, waiting for a running sweep to finish.
func (r *Reconciler) Stop() {
	<-r.cron.Stop().Done()
}

// Sweep reconciles every job updated inside the window.
func (r *Reconciler) Sweep(ctx context.Context) error {
	ids, err := r.store.RecentJobIDs(ctx, reconcileWindow)
	if err != nil {
		return fmt.Errorf("list recent jobs: %w", err)
	}
	var failed int
	for _, id := range ids {
		if err := r.store.ReconcileJob(ctx, id); err != nil {
			log.Printf("[Reconcile] Job %s: %v", id, err)
			failed++
		}
	}
	log.Printf("[Reconcile] Swept %d jobs (%d failed)", len(ids), failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs failed to reconcile", failed, len(ids))
	}
	return nil
}
