package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mta-dispatch/internal/mta"
)

func newTestRegistry(t *testing.T) (*Registry, *engineFixture) {
	t.Helper()
	f := newEngineFixture(t, 3)
	r := NewRegistry(f.engine, f.pressure, f.store, f.resolver, f.cfg)
	t.Cleanup(r.Close)
	return r, f
}

func testCampaign(id string) Campaign {
	return Campaign{
		ID:         id,
		Recipients: []string{"a@gmail.com", "b@yahoo.com"},
		Senders:    testSenders(2),
		Subject:    "hello",
		TextBody:   "hi",
	}
}

// blockSubmits makes every submission hang until the returned release func
// is called, keeping jobs active for guard tests.
func blockSubmits(t *testing.T, f *engineFixture) func() {
	t.Helper()
	block := make(chan struct{})
	f.submitter.onSub = func(c *Chunk) { <-block }
	released := false
	release := func() {
		if !released {
			released = true
			close(block)
		}
	}
	t.Cleanup(release)
	return release
}

func TestRegistryStartValidation(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Start(context.Background(), Campaign{}, false)
	assert.Error(t, err)

	c := testCampaign("camp-1")
	c.Senders = nil
	_, err = r.Start(context.Background(), c, false)
	assert.ErrorIs(t, err, ErrNoSenders)

	c = testCampaign("camp-1")
	c.Recipients = []string{"not-an-address"}
	_, err = r.Start(context.Background(), c, false)
	assert.ErrorIs(t, err, ErrNoRecipients)
}

func TestRegistryDuplicateActiveJobGuard(t *testing.T) {
	r, f := newTestRegistry(t)
	release := blockSubmits(t, f)

	first, err := r.Start(context.Background(), testCampaign("camp-1"), false)
	require.NoError(t, err)

	_, err = r.Start(context.Background(), testCampaign("camp-1"), false)
	assert.ErrorIs(t, err, ErrDuplicateActiveJob)

	forced, err := r.Start(context.Background(), testCampaign("camp-1"), true)
	require.NoError(t, err, "force bypasses the duplicate guard")
	assert.NotEqual(t, first.ID, forced.ID)

	// A different campaign is never blocked.
	_, err = r.Start(context.Background(), testCampaign("camp-2"), false)
	assert.NoError(t, err)

	release()
}

func TestRegistryHealthGate(t *testing.T) {
	r, f := newTestRegistry(t)
	blockSubmits(t, f)
	f.pressure.snap = &mta.Snapshot{Level: 2, QueuedRecipients: 140000}

	job, err := r.Start(context.Background(), testCampaign("camp-1"), false)
	require.NoError(t, err, "non-strict gate warns instead of refusing")
	assert.Contains(t, job.HealthWarning, "pressure level 2")
}

func TestRegistryHealthGateStrict(t *testing.T) {
	r, f := newTestRegistry(t)
	f.resolver.Set("dispatch.health_gate_strict", "true")
	f.pressure.snap = &mta.Snapshot{Level: 1, QueuedRecipients: 60000}

	_, err := r.Start(context.Background(), testCampaign("camp-1"), false)
	assert.ErrorIs(t, err, ErrMTABusy)

	blockSubmits(t, f)
	job, err := r.Start(context.Background(), testCampaign("camp-1"), true)
	require.NoError(t, err, "force bypasses the strict gate")
	assert.Empty(t, job.HealthWarning)
}

func TestRegistryActiveJobForCampaign(t *testing.T) {
	r, f := newTestRegistry(t)
	blockSubmits(t, f)

	first, err := r.Start(context.Background(), testCampaign("camp-1"), false)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond) // distinct CreatedAt
	second, err := r.Start(context.Background(), testCampaign("camp-1"), true)
	require.NoError(t, err)

	assert.Equal(t, second.ID, r.ActiveJobIDForCampaign("camp-1"), "most recently started active job wins")
	assert.Empty(t, r.ActiveJobIDForCampaign("nope"))
	_ = first
}

func TestRegistryRecordOutcome(t *testing.T) {
	r, f := newTestRegistry(t)
	blockSubmits(t, f)

	job, err := r.Start(context.Background(), testCampaign("camp-1"), false)
	require.NoError(t, err)

	r.RecordOutcome(job.ID, "delivered", 2)
	r.RecordOutcome("unknown-job", "delivered", 5)
	assert.Equal(t, int64(2), job.CountersSnapshot().Delivered)
}

func TestRegistryLifecycleActions(t *testing.T) {
	r, f := newTestRegistry(t)
	release := blockSubmits(t, f)

	job, err := r.Start(context.Background(), testCampaign("camp-1"), false)
	require.NoError(t, err)

	assert.ErrorIs(t, r.Pause(context.Background(), "missing"), ErrJobNotFound)

	require.Eventually(t, func() bool {
		return job.Status() == StatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, r.Pause(context.Background(), job.ID))
	assert.Equal(t, StatusPaused, job.Status())
	assert.Error(t, r.Pause(context.Background(), job.ID), "pausing twice fails")

	require.NoError(t, r.Resume(context.Background(), job.ID))
	assert.Error(t, r.Resume(context.Background(), job.ID), "resuming a running job fails")

	release()
	require.NoError(t, r.Stop(job.ID))
	require.Eventually(t, func() bool {
		s := job.Status()
		return s == StatusCompleted || s == StatusAbandonedPartial
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRegistryListNewestFirst(t *testing.T) {
	r, f := newTestRegistry(t)
	blockSubmits(t, f)

	_, err := r.Start(context.Background(), testCampaign("camp-1"), false)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := r.Start(context.Background(), testCampaign("camp-2"), false)
	require.NoError(t, err)

	views := r.List()
	require.Len(t, views, 2)
	assert.Equal(t, second.ID, views[0].JobID)
}
