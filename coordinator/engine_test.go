package coordinator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	merchanthub "github.com/scr53005/merchant-hub"
	"github.com/scr53005/merchant-hub/accounts"
	"github.com/scr53005/merchant-hub/coordstore"
	"github.com/scr53005/merchant-hub/coordstore/memstore"
	"github.com/scr53005/merchant-hub/cursor"
	"github.com/scr53005/merchant-hub/detector"
	"github.com/scr53005/merchant-hub/heartbeat"
	"github.com/scr53005/merchant-hub/lease"
	"github.com/scr53005/merchant-hub/ledger"
	"github.com/scr53005/merchant-hub/ledger/ledgertest"
	"github.com/scr53005/merchant-hub/metrics"
	"github.com/scr53005/merchant-hub/stream"
)

const accountSet = `restaurants:
  - id: indies
    accounts:
      - account: indies.cafe
        currencies: [HBD]
  - id: croque
    accounts:
      - account: croque.bar
        currencies: [HBD]
`

// flakyStore fails XAdd while failPublish is set.
type flakyStore struct {
	coordstore.Store
	failPublish atomic.Bool
}

func (s *flakyStore) XAdd(ctx context.Context, key string, fields map[string]string, maxLen int64) (string, error) {
	if s.failPublish.Load() {
		return "", merchanthub.TransientSourceError{Source: "store XADD", Err: errors.New("connection reset")}
	}
	return s.Store.XAdd(ctx, key, fields, maxLen)
}

type harness struct {
	engine  *Engine
	store   *flakyStore
	source  *ledgertest.Source
	cursors *cursor.Registry
	clock   *memstore.ManualClock
}

func newHarness(t *testing.T, now func() time.Time) harness {
	t.Helper()
	var clock *memstore.ManualClock
	if now == nil {
		clock = memstore.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
		now = clock.Now
	}
	keys := coordstore.Keys{Namespace: "test"}
	store := &flakyStore{Store: memstore.New(memstore.WithClock(now))}
	registry, err := accounts.ParseRegistry([]byte(accountSet))
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)

	leases, err := lease.NewManager(store, keys, lease.WithClock(now))
	require.NoError(t, err)
	beats, err := heartbeat.NewController(store, keys, leases, logger)
	require.NoError(t, err)
	cursors, err := cursor.NewRegistry(store, keys)
	require.NoError(t, err)
	source := ledgertest.New()
	det, err := detector.New(detector.Config{
		Currencies: []detector.CurrencyConfig{{Symbol: "HBD", Source: merchanthub.SourceTransfers}},
	}, registry, cursors, source, nil, logger, detector.WithClock(now))
	require.NoError(t, err)
	streams, err := stream.New(store, keys, stream.Config{IdleThreshold: time.Minute}, logger)
	require.NoError(t, err)

	engine, err := NewEngine(Deps{
		Leases:    leases,
		Heartbeat: beats,
		Detector:  det,
		Streams:   streams,
		Accounts:  registry,
		Metrics:   metrics.New(),
		Logger:    logger,
		Now:       now,
	}, Config{LeaseTTL: 30 * time.Second, HeartbeatTimeout: 30 * time.Second, Group: "spokes"})
	require.NoError(t, err)
	return harness{engine: engine, store: store, source: source, cursors: cursors, clock: clock}
}

func row(id int64, to string) ledger.TransferRow {
	return ledger.TransferRow{ID: id, From: "guest", To: to, Amount: "2.000", Symbol: "HBD", Memo: "order", BlockNum: id}
}

func TestBecomeLeaderFailover(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	a, err := h.engine.BecomeLeader(ctx, "A")
	require.NoError(t, err)
	assert.True(t, a.Accepted)

	b, err := h.engine.BecomeLeader(ctx, "B")
	require.NoError(t, err)
	assert.False(t, b.Accepted)
	assert.Equal(t, "A", b.CurrentHolder)

	h.clock.Advance(31 * time.Second)
	b, err = h.engine.BecomeLeader(ctx, "B")
	require.NoError(t, err)
	assert.True(t, b.Accepted)

	status, err := h.engine.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Active)
	assert.Equal(t, "B", status.Holder)
	assert.Equal(t, merchanthub.ModeSlow, status.Mode, "no poll recorded yet")
	assert.Equal(t, int64(-1), status.MsSinceLastPoll)

	_, err = h.engine.BecomeLeader(ctx, " ")
	assert.ErrorIs(t, err, merchanthub.ErrInvalidRequest)
}

func TestRunPollCycleRequiresHolder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.engine.RunPollCycle(ctx, "A")
	var lost merchanthub.LeadershipLostError
	require.ErrorAs(t, err, &lost)
	assert.Empty(t, lost.Holder)

	_, err = h.engine.BecomeLeader(ctx, "A")
	require.NoError(t, err)
	_, err = h.engine.RunPollCycle(ctx, "B")
	require.ErrorAs(t, err, &lost)
	assert.Equal(t, "A", lost.Holder)
}

func TestRunPollCyclePublishesThenAdvances(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.source.AddTransfers(row(10, "indies.cafe"), row(11, "croque.bar"), row(12, "indies.cafe"))

	_, err := h.engine.BecomeLeader(ctx, "A")
	require.NoError(t, err)
	res, err := h.engine.RunPollCycle(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 3, res.TransfersFound)
	assert.Equal(t, map[string]int{"HBD": 3}, res.ByCurrency)
	assert.Equal(t, merchanthub.ModeFast, res.Mode)

	h.clock.Advance(2 * time.Second)
	status, err := h.engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, merchanthub.ModeFast, status.Mode)
	assert.Equal(t, int64(2000), status.MsSinceLastPoll)

	got, err := h.engine.Consume(ctx, "indies", "spoke-1", 10)
	require.NoError(t, err)
	require.Len(t, got.Deliveries, 2)
	assert.Equal(t, int64(10), got.Deliveries[0].Transfer.RecordID)
	assert.Equal(t, int64(12), got.Deliveries[1].Transfer.RecordID)

	again, err := h.engine.RunPollCycle(ctx, "A")
	require.NoError(t, err)
	assert.Zero(t, again.TransfersFound)
	cur, err := h.cursors.Get(ctx, "indies.cafe", "HBD")
	require.NoError(t, err)
	assert.Equal(t, int64(12), cur)
}

func TestRunPollCycleTransientFailureChangesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.source.AddTransfers(row(10, "indies.cafe"))
	h.source.Err = merchanthub.TransientSourceError{Source: "ledger transfers", Err: errors.New("timeout")}

	_, err := h.engine.BecomeLeader(ctx, "A")
	require.NoError(t, err)
	_, err = h.engine.RunPollCycle(ctx, "A")
	require.Error(t, err)
	assert.True(t, merchanthub.IsTransient(err))

	status, err := h.engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), status.MsSinceLastPoll, "heartbeat is not recorded")

	h.source.Err = nil
	res, err := h.engine.RunPollCycle(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 1, res.TransfersFound)
}

func TestRunPollCyclePublishFailureKeepsCursors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.source.AddTransfers(row(10, "indies.cafe"), row(11, "indies.cafe"))

	_, err := h.engine.BecomeLeader(ctx, "A")
	require.NoError(t, err)
	h.store.failPublish.Store(true)
	_, err = h.engine.RunPollCycle(ctx, "A")
	require.Error(t, err)
	cur, err := h.cursors.Get(ctx, "indies.cafe", "HBD")
	require.NoError(t, err)
	assert.Zero(t, cur)

	h.store.failPublish.Store(false)
	res, err := h.engine.RunPollCycle(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 2, res.TransfersFound)
	cur, err = h.cursors.Get(ctx, "indies.cafe", "HBD")
	require.NoError(t, err)
	assert.Equal(t, int64(11), cur)
}

func TestConsumeAndAcknowledge(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.source.AddTransfers(row(10, "croque.bar"), row(11, "croque.bar"))
	_, err := h.engine.BecomeLeader(ctx, "A")
	require.NoError(t, err)
	_, err = h.engine.RunPollCycle(ctx, "A")
	require.NoError(t, err)

	first, err := h.engine.Consume(ctx, "croque", "c1", 10)
	require.NoError(t, err)
	require.Len(t, first.Deliveries, 2)

	h.clock.Advance(61 * time.Second)
	reclaimed, err := h.engine.Consume(ctx, "croque", "c2", 10)
	require.NoError(t, err)
	require.Len(t, reclaimed.Deliveries, 2)
	assert.True(t, reclaimed.Reclaimed)

	ack, err := h.engine.Acknowledge(ctx, "croque", []string{reclaimed.Deliveries[0].EntryID, reclaimed.Deliveries[1].EntryID})
	require.NoError(t, err)
	assert.Equal(t, 2, ack.Acknowledged)

	after, err := h.engine.Consume(ctx, "croque", "c3", 10)
	require.NoError(t, err)
	assert.Empty(t, after.Deliveries)
	assert.Zero(t, after.Pending)

	stats, err := h.engine.StreamStats(ctx, "croque")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Length)
	require.Len(t, stats.Groups, 1)
	assert.Equal(t, int64(3), stats.Groups[0].Consumers)

	_, err = h.engine.Consume(ctx, "nobody", "c1", 1)
	assert.ErrorIs(t, err, ErrUnknownRecipient)
	_, err = h.engine.Acknowledge(ctx, "croque", nil)
	assert.ErrorIs(t, err, merchanthub.ErrInvalidRequest)
}

func TestFallbackSchedulerRunsOnlyInSlowMode(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.source.AddTransfers(row(10, "indies.cafe"))
	fallback, err := NewFallbackScheduler(h.engine, FallbackConfig{CandidateID: "fallback", Interval: time.Minute}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ran, res, err := fallback.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, res.TransfersFound)

	status, err := h.engine.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.Active, "lease is released after the cycle")
	assert.Equal(t, merchanthub.ModeSlow, status.Mode)
	assert.Equal(t, int64(0), status.MsSinceLastPoll)

	_, err = h.engine.BecomeLeader(ctx, "A")
	require.NoError(t, err)
	_, err = h.engine.RunPollCycle(ctx, "A")
	require.NoError(t, err)
	ran, _, err = fallback.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, ran, "a fast poller is active")

	h.clock.Advance(31 * time.Second)
	h.source.AddTransfers(row(20, "croque.bar"))
	ran, res, err = fallback.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, ran, "leader A stopped polling and its lease expired")
	assert.Equal(t, 1, res.TransfersFound)
}

func TestLeaderRunnerPollsAndReleasesOnShutdown(t *testing.T) {
	h := newHarness(t, time.Now)
	h.engine.cfg.LeaseTTL = 500 * time.Millisecond
	h.source.AddTransfers(row(10, "indies.cafe"))

	runner, err := NewLeaderRunner(h.engine, RunnerConfig{
		CandidateID:     "runner-a",
		RenewInterval:   50 * time.Millisecond,
		AcquireInterval: 20 * time.Millisecond,
		PollInterval:    20 * time.Millisecond,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()

	require.Eventually(t, runner.IsLeader, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		cur, err := h.cursors.Get(context.Background(), "indies.cafe", "HBD")
		return err == nil && cur == 10
	}, 2*time.Second, 10*time.Millisecond)

	h.source.AddTransfers(row(11, "indies.cafe"))
	require.Eventually(t, func() bool {
		cur, err := h.cursors.Get(context.Background(), "indies.cafe", "HBD")
		return err == nil && cur == 11
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(600 * time.Millisecond)
	status, err := h.engine.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "runner-a", status.Holder, "renewals keep the lease past its ttl")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("runner did not stop")
	}
	assert.False(t, runner.IsLeader())
	status, err = h.engine.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Active, "lease is released on shutdown")
}

func TestNewLeaderRunnerValidatesConfig(t *testing.T) {
	h := newHarness(t, nil)
	_, err := NewLeaderRunner(h.engine, RunnerConfig{CandidateID: "a", RenewInterval: time.Minute, AcquireInterval: time.Second, PollInterval: time.Second}, nil)
	assert.Error(t, err, "renew interval must be below the ttl")
	_, err = NewLeaderRunner(h.engine, RunnerConfig{RenewInterval: time.Second, AcquireInterval: time.Second, PollInterval: time.Second}, nil)
	assert.Error(t, err)
}
