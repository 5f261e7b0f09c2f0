package mta

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mta-dispatch/internal/config"
)

type stubMetrics struct {
	qs    *QueueStatus
	err   error
	calls int
}

func (s *stubMetrics) QueueStatus(ctx context.Context) (*QueueStatus, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	qs := *s.qs
	qs.CheckedAt = time.Now()
	return &qs, nil
}

func newTestGauge(source MetricsSource, strict bool) *Gauge {
	cfg := config.Default()
	cfg.Pressure.Strict = strict
	return NewGauge(source, cfg.Pressure, config.NewResolver(cfg))
}

func TestGaugeLevels(t *testing.T) {
	tests := []struct {
		name  string
		qs    QueueStatus
		level int
	}{
		{"idle", QueueStatus{}, 0},
		{"below first threshold", QueueStatus{QueuedRecipients: 50000}, 0},
		{"just over first threshold", QueueStatus{QueuedRecipients: 50001}, 1},
		{"mid second band", QueueStatus{QueuedRecipients: 140000}, 2},
		{"over top threshold", QueueStatus{QueuedRecipients: 250001}, 3},
		{"spool drives level", QueueStatus{SpoolRecipients: 61000}, 2},
		{"deferred drives level", QueueStatus{DeferredCount: 60001}, 3},
		{"messages count against queue thresholds", QueueStatus{QueuedMessages: 130000}, 2},
		{"max across categories wins", QueueStatus{QueuedRecipients: 51000, DeferredCount: 21000}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &stubMetrics{qs: &tt.qs}
			g := newTestGauge(src, false)
			snap := g.Sample(context.Background())
			assert.Equal(t, tt.level, snap.Level)
			assert.False(t, snap.Stale)
		})
	}
}

func TestGaugeLevelParams(t *testing.T) {
	src := &stubMetrics{qs: &QueueStatus{QueuedRecipients: 140000}}
	g := newTestGauge(src, false)

	snap := g.Sample(context.Background())
	require.Equal(t, 2, snap.Level)
	assert.Equal(t, time.Second, snap.Delay)
	assert.Equal(t, 8, snap.WorkerCap)
	assert.Equal(t, 200, snap.ChunkCap)
	assert.Equal(t, 500*time.Millisecond, snap.MinSleep)
}

func TestGaugeLevelZeroUnrestricted(t *testing.T) {
	src := &stubMetrics{qs: &QueueStatus{QueuedRecipients: 10}}
	g := newTestGauge(src, false)

	snap := g.Sample(context.Background())
	assert.Equal(t, 0, snap.Level)
	assert.Zero(t, snap.Delay)
	assert.Zero(t, snap.WorkerCap)
	assert.Zero(t, snap.ChunkCap)
}

func TestGaugeMonotonicLevels(t *testing.T) {
	src := &stubMetrics{qs: &QueueStatus{}}
	g := newTestGauge(src, false)

	last := -1
	for _, queued := range []int{0, 30000, 60000, 125000, 200000, 260000, 500000} {
		src.qs = &QueueStatus{QueuedRecipients: queued}
		snap := g.Sample(context.Background())
		require.GreaterOrEqual(t, snap.Level, last, "level must not drop as load grows (queued=%d)", queued)
		last = snap.Level
	}
	assert.Equal(t, 3, last)
}

func TestGaugeFailedSampleFailOpen(t *testing.T) {
	src := &stubMetrics{qs: &QueueStatus{QueuedRecipients: 140000}}
	g := newTestGauge(src, false)
	g.Sample(context.Background())

	src.err = errors.New("connection refused")
	snap := g.Sample(context.Background())

	assert.True(t, snap.Stale)
	assert.Equal(t, 2, snap.Level, "stale snapshot keeps the last known level")
	assert.Equal(t, 140000, snap.QueuedRecipients)
}

func TestGaugeFailedSampleStrict(t *testing.T) {
	src := &stubMetrics{qs: &QueueStatus{}, err: errors.New("timeout")}
	g := newTestGauge(src, true)

	snap := g.Sample(context.Background())
	assert.True(t, snap.Stale)
	assert.Equal(t, 3, snap.Level)
	assert.Equal(t, 2, snap.WorkerCap, "strict failure applies the most restrictive bundle")
}

func TestGaugeInitialSnapshotFailOpen(t *testing.T) {
	g := newTestGauge(&stubMetrics{qs: &QueueStatus{}}, false)
	snap := g.Snapshot()
	require.NotNil(t, snap)
	assert.True(t, snap.Stale)
	assert.Equal(t, 0, snap.Level)
}

func TestGaugeStrictFlagFollowsResolver(t *testing.T) {
	cfg := config.Default()
	resolver := config.NewResolver(cfg)
	src := &stubMetrics{qs: &QueueStatus{}, err: errors.New("down")}
	g := NewGauge(src, cfg.Pressure, resolver)

	snap := g.Sample(context.Background())
	assert.Equal(t, 0, snap.Level, "non-strict failure stays at last level")

	resolver.Set(config.KeyPressureStrict, "true")
	snap = g.Sample(context.Background())
	assert.Equal(t, 3, snap.Level, "runtime strict override takes effect next sample")
}
