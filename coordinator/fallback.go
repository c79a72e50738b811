package coordinator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	merchanthub "github.com/scr53005/merchant-hub"
)

// FallbackConfig drives the slow polling cadence.
type FallbackConfig struct {
	CandidateID string
	Interval    time.Duration
}

// FallbackScheduler polls at the slow interval while nobody polls at the
// fast one. It takes the lease for the duration of a single cycle so it never
// runs next to a fast poller.
type FallbackScheduler struct {
	engine *Engine
	cfg    FallbackConfig
	logger *zap.Logger
}

// NewFallbackScheduler constructs a scheduler.
func NewFallbackScheduler(engine *Engine, cfg FallbackConfig, logger *zap.Logger) (*FallbackScheduler, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if cfg.CandidateID == "" {
		return nil, errors.New("candidate id is required")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackScheduler{engine: engine, cfg: cfg, logger: logger.With(zap.String("holder_id", cfg.CandidateID))}, nil
}

// Run ticks until ctx is done.
func (f *FallbackScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := f.Tick(ctx); err != nil && ctx.Err() == nil {
				f.logger.Warn("fallback_poll_failed", zap.Error(err))
			}
		}
	}
}

// Tick runs one cycle when the mode is Slow and the lease is free. ran is
// false when a fast poller is active or another process won the lease.
func (f *FallbackScheduler) Tick(ctx context.Context) (ran bool, result CycleResult, err error) {
	mode, err := f.engine.RefreshMode(ctx)
	if err != nil {
		return false, CycleResult{}, err
	}
	if mode == merchanthub.ModeFast {
		return false, CycleResult{}, nil
	}
	leader, err := f.engine.BecomeLeader(ctx, f.cfg.CandidateID)
	if err != nil {
		return false, CycleResult{}, err
	}
	if !leader.Accepted {
		f.logger.Debug("fallback_skipped", zap.String("current_holder", leader.CurrentHolder))
		return false, CycleResult{}, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if _, relErr := f.engine.ReleaseLeadership(releaseCtx, f.cfg.CandidateID); relErr != nil {
			f.logger.Warn("fallback_release_failed", zap.Error(relErr))
		}
	}()

	result, err = f.engine.runCycle(ctx, f.cfg.CandidateID, false)
	if err != nil {
		return true, result, err
	}
	f.logger.Info("fallback_poll_completed", zap.Int("transfers_found", result.TransfersFound))
	return true, result, nil
}
