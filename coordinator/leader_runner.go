package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	merchanthub "github.com/scr53005/merchant-hub"
	"github.com/scr53005/merchant-hub/lease"
)

const releaseTimeout = 5 * time.Second

// RunnerConfig drives the fast polling cadence.
type RunnerConfig struct {
	CandidateID     string
	RenewInterval   time.Duration
	AcquireInterval time.Duration
	PollInterval    time.Duration
}

// RunnerStatus is the runner's local view of its own leadership.
type RunnerStatus struct {
	Leader    bool      `json:"leader"`
	HolderID  string    `json:"holderId"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// LeaderRunner competes for the lease and, while holding it, polls at the
// fast interval and renews on its own ticker.
type LeaderRunner struct {
	engine *Engine
	cfg    RunnerConfig
	logger *zap.Logger

	mu     sync.Mutex
	status RunnerStatus
}

// NewLeaderRunner constructs a runner.
func NewLeaderRunner(engine *Engine, cfg RunnerConfig, logger *zap.Logger) (*LeaderRunner, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if cfg.CandidateID == "" {
		return nil, errors.New("candidate id is required")
	}
	if cfg.RenewInterval <= 0 || cfg.AcquireInterval <= 0 || cfg.PollInterval <= 0 {
		return nil, errors.New("renew, acquire and poll intervals must be positive")
	}
	if cfg.RenewInterval >= engine.cfg.LeaseTTL {
		return nil, errors.New("renew interval must be shorter than the lease ttl")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LeaderRunner{
		engine: engine,
		cfg:    cfg,
		logger: logger.With(zap.String("holder_id", cfg.CandidateID)),
		status: RunnerStatus{HolderID: cfg.CandidateID},
	}, nil
}

// Run blocks until ctx is done. Transient acquire failures back off
// exponentially from the acquire interval.
func (r *LeaderRunner) Run(ctx context.Context) {
	r.setStatus(RunnerStatus{HolderID: r.cfg.CandidateID})
	retry := r.newBackOff(r.cfg.AcquireInterval)

	for {
		if ctx.Err() != nil {
			return
		}
		delay := r.cfg.AcquireInterval
		res, err := r.engine.BecomeLeader(ctx, r.cfg.CandidateID)
		switch {
		case err != nil:
			delay = retry.NextBackOff()
			r.logger.Warn("leader_acquire_failed", zap.Duration("retry_in", delay), zap.Error(err))
		case !res.Accepted:
			retry.Reset()
			r.logger.Debug("leader_acquire_skipped", zap.String("current_holder", res.CurrentHolder))
		default:
			retry.Reset()
			r.runLeader(ctx, res)
		}

		if !sleepWithContext(ctx, delay) {
			return
		}
	}
}

// Status returns the runner's local leadership view.
func (r *LeaderRunner) Status() RunnerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// IsLeader reports whether the runner currently believes it holds the lease.
func (r *LeaderRunner) IsLeader() bool {
	return r.Status().Leader
}

func (r *LeaderRunner) runLeader(ctx context.Context, res LeaderResult) {
	lostCh := make(chan error, 1)
	var lostOnce sync.Once
	signalLoss := func(err error) {
		lostOnce.Do(func() {
			lostCh <- err
		})
	}

	r.setStatus(RunnerStatus{Leader: true, HolderID: r.cfg.CandidateID, ExpiresAt: res.ExpiresAt})
	r.engine.metrics.SetLeader(true)
	r.logger.Info("leader_acquired", zap.Time("expires_at", res.ExpiresAt))

	leaderCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.runRenewLoop(leaderCtx, signalLoss)
	}()
	go func() {
		defer wg.Done()
		r.runPollLoop(leaderCtx, signalLoss)
	}()

	var lost error
	select {
	case <-ctx.Done():
	case lost = <-lostCh:
	}
	cancel()
	wg.Wait()
	r.dropLeadership(lost)
}

func (r *LeaderRunner) runRenewLoop(ctx context.Context, signalLoss func(error)) {
	ticker := time.NewTicker(r.cfg.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, err := backoff.Retry(ctx, func() (lease.Status, error) {
				status, err := r.engine.RenewLeadership(ctx, r.cfg.CandidateID)
				if err != nil && !merchanthub.IsTransient(err) {
					return status, backoff.Permanent(err)
				}
				return status, err
			},
				backoff.WithBackOff(r.newBackOff(r.cfg.RenewInterval/10)),
				backoff.WithMaxElapsedTime(r.cfg.RenewInterval),
			)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Warn("leader_renew_failed", zap.Error(err))
				signalLoss(err)
				return
			}
			r.setStatus(RunnerStatus{Leader: true, HolderID: r.cfg.CandidateID, ExpiresAt: status.ExpiresAt})
			r.logger.Debug("leader_renewed", zap.Time("expires_at", status.ExpiresAt))
		}
	}
}

func (r *LeaderRunner) runPollLoop(ctx context.Context, signalLoss func(error)) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := r.engine.RunPollCycle(ctx, r.cfg.CandidateID); err != nil {
			if ctx.Err() != nil {
				return
			}
			if merchanthub.IsLeadershipLost(err) {
				signalLoss(err)
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *LeaderRunner) dropLeadership(err error) {
	r.setStatus(RunnerStatus{HolderID: r.cfg.CandidateID})
	r.engine.metrics.SetLeader(false)
	if err != nil {
		r.logger.Warn("leader_lost", zap.Error(err))
		return
	}
	// Shutdown: hand the lease over instead of letting it run out.
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	released, relErr := r.engine.ReleaseLeadership(ctx, r.cfg.CandidateID)
	if relErr != nil {
		r.logger.Warn("leader_release_failed", zap.Error(relErr))
		return
	}
	r.logger.Info("leader_released", zap.Bool("released", released))
}

func (r *LeaderRunner) setStatus(status RunnerStatus) {
	r.mu.Lock()
	r.status = status
	r.mu.Unlock()
}

func (r *LeaderRunner) newBackOff(initial time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = 4 * r.cfg.AcquireInterval
	return b
}

func sleepWithContext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
