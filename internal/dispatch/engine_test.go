package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mta-dispatch/internal/config"
	"github.com/ignite/mta-dispatch/internal/mta"
)

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  []time.Duration
	onSleep func(d time.Duration)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	hook := c.onSleep
	c.mu.Unlock()
	if hook != nil {
		hook(d)
	}
	return ctx.Err()
}

func (c *fakeClock) slept() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type stubPressure struct {
	mu   sync.Mutex
	snap *mta.Snapshot
}

func (s *stubPressure) Snapshot() *mta.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return &mta.Snapshot{}
	}
	return s.snap
}

type stubHealth struct {
	mu      sync.Mutex
	classes map[string]mta.Class
}

func (s *stubHealth) Classify(ctx context.Context, domain string) mta.DomainStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	class := mta.ClassNormal
	if s.classes != nil {
		if c, ok := s.classes[domain]; ok {
			class = c
		}
	}
	return mta.DomainStatus{Domain: domain, Class: class}
}

func (s *stubHealth) set(domain string, class mta.Class) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.classes == nil {
		s.classes = map[string]mta.Class{}
	}
	s.classes[domain] = class
}

type submitted struct {
	Domain     string
	Sender     string
	Recipients []string
	Attempt    int
}

type fakeSubmitter struct {
	mu    sync.Mutex
	sent  []submitted
	fail  func(c *Chunk) error
	onSub func(c *Chunk)
}

func (f *fakeSubmitter) Submit(ctx context.Context, c *Chunk) error {
	f.mu.Lock()
	fail, hook := f.fail, f.onSub
	f.mu.Unlock()
	if hook != nil {
		hook(c)
	}
	if fail != nil {
		if err := fail(c); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.sent = append(f.sent, submitted{
		Domain:     c.Domain,
		Sender:     c.Sender.Email,
		Recipients: append([]string(nil), c.Recipients...),
		Attempt:    c.Attempt,
	})
	f.mu.Unlock()
	return nil
}

func (f *fakeSubmitter) submissions() []submitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submitted(nil), f.sent...)
}

type fakeJobStore struct {
	mu        sync.Mutex
	statuses  []JobStatus
	attempted int64
	abandoned int64
	countsErr error
}

func (f *fakeJobStore) CreateJob(ctx context.Context, v StatusView) error { return nil }

func (f *fakeJobStore) UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeJobStore) AddDispatchCounts(ctx context.Context, jobID string, attempted, abandoned int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countsErr != nil {
		return f.countsErr
	}
	f.attempted += attempted
	f.abandoned += abandoned
	return nil
}

type engineFixture struct {
	engine    *Engine
	clock     *fakeClock
	pressure  *stubPressure
	health    *stubHealth
	submitter *fakeSubmitter
	store     *fakeJobStore
	resolver  *config.Resolver
	cfg       config.DispatchConfig
}

func newEngineFixture(t *testing.T, maxRetries int) *engineFixture {
	t.Helper()
	cfg := config.Default()
	f := &engineFixture{
		clock:     newFakeClock(),
		pressure:  &stubPressure{},
		health:    &stubHealth{},
		submitter: &fakeSubmitter{},
		store:     &fakeJobStore{},
		resolver:  config.NewResolver(cfg),
		cfg:       cfg.Dispatch,
	}
	policy := NewRetryPolicy(30*time.Second, 15*time.Minute, maxRetries)
	scheduler := NewScheduler(f.pressure, f.health, policy, 2*time.Second)
	f.engine = NewEngine(scheduler, f.submitter, f.pressure, f.health, f.store, f.resolver, f.clock, f.cfg)
	return f
}

func TestEngineCompletesJob(t *testing.T) {
	f := newEngineFixture(t, 3)
	f.resolver.Set(config.KeyChunkSize, "2")
	j := NewJob("camp-1", []string{
		"a@gmail.com", "b@gmail.com", "c@gmail.com",
		"d@yahoo.com",
	}, testSenders(2), 2, 4)

	f.engine.Run(context.Background(), j)

	assert.Equal(t, StatusCompleted, j.Status())
	c := j.CountersSnapshot()
	assert.Equal(t, int64(4), c.Attempted)
	assert.Equal(t, int64(0), c.Abandoned)
	assert.Equal(t, int64(4), f.store.attempted)
	assert.Equal(t, 0, j.View().Pending)
}

func TestEngineSenderRotatesPerBucketChunk(t *testing.T) {
	f := newEngineFixture(t, 3)
	f.resolver.Set(config.KeyChunkSize, "1")
	j := NewJob("camp-1", []string{
		"a@gmail.com", "b@yahoo.com", "c@outlook.com",
		"d@gmail.com", "e@yahoo.com", "f@outlook.com",
	}, testSenders(5), 1, 4)

	f.engine.Run(context.Background(), j)

	subs := f.submitter.submissions()
	require.Len(t, subs, 6)
	byDomain := map[string][]string{}
	for _, sub := range subs {
		byDomain[sub.Domain] = append(byDomain[sub.Domain], sub.Sender)
	}
	require.Len(t, byDomain, 3)
	for domain, senders := range byDomain {
		require.Len(t, senders, 2, domain)
		assert.Equal(t, j.Senders[0].Email, senders[0], "%s chunk 1 uses the first rotation sender", domain)
		assert.Equal(t, j.Senders[1].Email, senders[1], "%s chunk 2 uses the second rotation sender", domain)
	}
}

func TestEngineBackoffBucketDoesNotStallOthers(t *testing.T) {
	f := newEngineFixture(t, 5)
	f.resolver.Set(config.KeyChunkSize, "1")
	f.health.set("gmail.com", mta.ClassBackoff)

	// Hold the backed-off bucket inside its retry wait until the healthy
	// bucket has drained.
	release := make(chan struct{})
	f.clock.onSleep = func(d time.Duration) { <-release }

	j := NewJob("camp-1", []string{
		"a@gmail.com",
		"b@yahoo.com", "c@yahoo.com", "d@yahoo.com", "e@yahoo.com",
	}, testSenders(2), 1, 4)

	done := make(chan struct{})
	go func() {
		f.engine.Run(context.Background(), j)
		close(done)
	}()

	require.Eventually(t, func() bool {
		sent := 0
		for _, sub := range f.submitter.submissions() {
			if sub.Domain == "yahoo.com" {
				sent++
			}
		}
		return sent == 4
	}, 2*time.Second, 5*time.Millisecond, "yahoo.com chunks keep dispatching while gmail.com sits in retry_wait")

	f.health.set("gmail.com", mta.ClassNormal)
	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not finish after the backoff cleared")
	}
	assert.Equal(t, StatusCompleted, j.Status())
	assert.Equal(t, int64(5), j.CountersSnapshot().Attempted)
}

func TestEnginePausedRetryResumesSameRotationSender(t *testing.T) {
	f := newEngineFixture(t, 3)
	j := NewJob("camp-1", []string{"a@gmail.com"}, testSenders(3), 100, 4)

	var mu sync.Mutex
	var failed bool
	f.submitter.fail = func(c *Chunk) error {
		mu.Lock()
		defer mu.Unlock()
		if !failed {
			failed = true
			return errors.New("451 try later")
		}
		return nil
	}
	f.clock.onSleep = func(d time.Duration) {
		if d == 30*time.Second {
			j.Pause()
		}
	}

	done := make(chan struct{})
	go func() {
		f.engine.Run(context.Background(), j)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return j.Status() == StatusPaused
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, j.Resume())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not finish after resume")
	}

	subs := f.submitter.submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, j.Senders[0].Email, subs[0].Sender, "the rebuilt chunk stays on its rotation's sender")
	assert.Equal(t, StatusCompleted, j.Status())
}

func TestEngineRetriesThenAbandons(t *testing.T) {
	f := newEngineFixture(t, 1)
	f.submitter.fail = func(c *Chunk) error { return errors.New("451 try later") }
	j := NewJob("camp-1", []string{"a@gmail.com", "b@gmail.com"}, testSenders(2), 100, 4)

	f.engine.Run(context.Background(), j)

	assert.Equal(t, StatusCompleted, j.Status(), "abandoned chunks still settle the job")
	c := j.CountersSnapshot()
	assert.Equal(t, int64(0), c.Attempted)
	assert.Equal(t, int64(2), c.Abandoned)
	assert.Equal(t, int64(2), f.store.abandoned)
	assert.Contains(t, f.clock.slept(), 30*time.Second, "first retry waits the base backoff")
}

func TestEngineRetryRotatesSenderVariant(t *testing.T) {
	f := newEngineFixture(t, 3)
	var failures int
	var mu sync.Mutex
	f.submitter.fail = func(c *Chunk) error {
		mu.Lock()
		defer mu.Unlock()
		if failures < 1 {
			failures++
			return errors.New("transient")
		}
		return nil
	}
	j := NewJob("camp-1", []string{"a@gmail.com"}, testSenders(3), 100, 4)

	f.engine.Run(context.Background(), j)

	subs := f.submitter.submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, 1, subs[0].Attempt)
	assert.Equal(t, j.Senders[1].Email, subs[0].Sender, "retry routes through the next sender")
	assert.Equal(t, StatusCompleted, j.Status())
}

func TestEngineBackoffDomainWaitsThenSends(t *testing.T) {
	f := newEngineFixture(t, 3)
	f.health.set("gmail.com", mta.ClassBackoff)
	f.clock.onSleep = func(d time.Duration) {
		if d == 30*time.Second {
			f.health.set("gmail.com", mta.ClassNormal)
		}
	}
	j := NewJob("camp-1", []string{"a@gmail.com"}, testSenders(2), 100, 4)

	f.engine.Run(context.Background(), j)

	assert.Equal(t, StatusCompleted, j.Status())
	assert.Contains(t, f.clock.slept(), 30*time.Second)
	subs := f.submitter.submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, 1, subs[0].Attempt, "the backed-off attempt was consumed by the wait")
}

func TestEngineStopLeavesPendingAsAbandonedPartial(t *testing.T) {
	f := newEngineFixture(t, 10)
	f.health.set("gmail.com", mta.ClassBackoff)
	j := NewJob("camp-1", []string{"a@gmail.com", "b@yahoo.com"}, testSenders(1), 100, 4)

	// The healthy bucket submits first; the backed-off bucket's retry wait
	// then stops the job, leaving its recipient pending.
	yahooSent := make(chan struct{})
	f.submitter.onSub = func(c *Chunk) { close(yahooSent) }
	f.clock.onSleep = func(d time.Duration) {
		<-yahooSent
		j.Stop()
	}

	f.engine.Run(context.Background(), j)

	assert.Equal(t, StatusAbandonedPartial, j.Status())
	v := j.View()
	assert.Equal(t, 1, v.Pending, "stopped bucket keeps its cursor")
	assert.Equal(t, int64(1), j.CountersSnapshot().Attempted, "the healthy bucket finished its in-flight chunk")
}

func TestEnginePauseAndResume(t *testing.T) {
	f := newEngineFixture(t, 3)
	f.resolver.Set(config.KeyChunkSize, "1")

	j := NewJob("camp-1", []string{"a@gmail.com", "b@gmail.com"}, testSenders(1), 1, 4)
	var once sync.Once
	f.submitter.onSub = func(c *Chunk) {
		once.Do(func() { j.Pause() })
	}

	done := make(chan struct{})
	go func() {
		f.engine.Run(context.Background(), j)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return j.Status() == StatusPaused
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, j.View().Pending, "pause preserves the cursor")

	require.True(t, j.Resume())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not finish after resume")
	}
	assert.Equal(t, StatusCompleted, j.Status())
	assert.Equal(t, int64(2), j.CountersSnapshot().Attempted)
}

func TestEngineWorkerCapRespectsPressure(t *testing.T) {
	f := newEngineFixture(t, 3)
	f.pressure.snap = &mta.Snapshot{Level: 2, WorkerCap: 1, ChunkCap: 200}
	j := NewJob("camp-1", []string{"a@gmail.com", "b@yahoo.com"}, testSenders(1), 100, 8)

	cap := f.engine.workerCap(context.Background(), j, f.pressure.Snapshot(), j.buckets)
	assert.Equal(t, int64(1), cap)
}

func TestEngineWorkerCapSlowDomain(t *testing.T) {
	f := newEngineFixture(t, 3)
	f.health.set("yahoo.com", mta.ClassSlow)
	j := NewJob("camp-1", []string{"a@gmail.com", "b@yahoo.com"}, testSenders(1), 100, 8)

	cap := f.engine.workerCap(context.Background(), j, &mta.Snapshot{}, j.buckets)
	assert.Equal(t, int64(4), cap, "any slow bucket applies the slow worker cap")
}

func TestEngineChunkCapBoundsChunkSize(t *testing.T) {
	f := newEngineFixture(t, 3)
	j := NewJob("camp-1", []string{"a@g.com", "b@g.com", "c@g.com"}, testSenders(1), 100, 4)

	c := f.engine.buildChunk(j, j.buckets[0], 0, &mta.Snapshot{Level: 3, ChunkCap: 2})
	assert.Len(t, c.Recipients, 2)
}

func TestEngineStoreFailureFailsJob(t *testing.T) {
	f := newEngineFixture(t, 3)
	f.resolver.Set(config.KeyChunkSize, "1")
	f.store.countsErr = errors.New("database gone")
	j := NewJob("camp-1", []string{
		"a@gmail.com", "b@yahoo.com", "c@outlook.com",
	}, testSenders(1), 1, 4)

	f.engine.Run(context.Background(), j)

	assert.Equal(t, StatusFailed, j.Status())
}

func TestEngineKillSwitchPausesJob(t *testing.T) {
	f := newEngineFixture(t, 3)
	f.resolver.Set(config.KeyChunkSize, "1")
	f.cfg.KillSwitch = config.KillSwitchConfig{MinSample: 2, MaxHardBounceRate: 0.5, MaxComplaintRate: 0.01}
	policy := NewRetryPolicy(30*time.Second, 15*time.Minute, 3)
	scheduler := NewScheduler(f.pressure, f.health, policy, 2*time.Second)
	f.engine = NewEngine(scheduler, f.submitter, f.pressure, f.health, f.store, f.resolver, f.clock, f.cfg)

	j := NewJob("camp-1", []string{"a@gmail.com", "b@gmail.com", "c@gmail.com"}, testSenders(1), 1, 1)
	f.submitter.onSub = func(c *Chunk) {
		j.RecordOutcome("bounced", 1)
		j.RecordOutcome("delivered", 1)
	}

	done := make(chan struct{})
	go func() {
		f.engine.Run(context.Background(), j)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return j.Status() == StatusPaused
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, j.View().StatusNote, "bounce rate")

	j.Stop()
	<-done
}
