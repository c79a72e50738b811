// Package coordinator wires the lease, heartbeat, detector and stream
// components into the operations callers invoke, and runs the fast and slow
// polling cadences.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	merchanthub "github.com/scr53005/merchant-hub"
	"github.com/scr53005/merchant-hub/accounts"
	"github.com/scr53005/merchant-hub/detector"
	"github.com/scr53005/merchant-hub/heartbeat"
	"github.com/scr53005/merchant-hub/lease"
	"github.com/scr53005/merchant-hub/metrics"
	"github.com/scr53005/merchant-hub/stream"
)

// ErrUnknownRecipient reports a recipient id absent from the account set.
var ErrUnknownRecipient = errors.New("unknown recipient")

const (
	defaultLeaseTTL         = 30 * time.Second
	defaultHeartbeatTimeout = 30 * time.Second
	defaultCycleTimeout     = 10 * time.Second
	defaultGroup            = "spokes"
)

// Config holds engine timings.
type Config struct {
	LeaseTTL         time.Duration
	HeartbeatTimeout time.Duration
	CycleTimeout     time.Duration
	// Group is the consumer group spokes read through.
	Group string
}

// Deps are the components the engine drives.
type Deps struct {
	Leases    *lease.Manager
	Heartbeat *heartbeat.Controller
	Detector  *detector.Detector
	Streams   *stream.Client
	Accounts  accounts.Registry
	Metrics   *metrics.Registry
	Logger    *zap.Logger
	Now       func() time.Time
}

// LeaderResult answers become-leader.
type LeaderResult struct {
	Accepted      bool      `json:"accepted"`
	CurrentHolder string    `json:"currentHolder"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// CycleResult answers run-poll-cycle.
type CycleResult struct {
	TransfersFound int              `json:"transfersFound"`
	ByCurrency     map[string]int   `json:"byCurrency"`
	Dropped        int              `json:"dropped"`
	Mode           merchanthub.Mode `json:"mode,omitempty"`
}

// CoordinationStatus answers get-coordination-status. MsSinceLastPoll is -1
// when no poll was ever recorded.
type CoordinationStatus struct {
	Active          bool             `json:"active"`
	Holder          string           `json:"holder"`
	Mode            merchanthub.Mode `json:"mode"`
	MsSinceLastPoll int64            `json:"msSinceLastPoll"`
	LastPollAt      *time.Time       `json:"lastPollAt,omitempty"`
	LeaseExpiresAt  *time.Time       `json:"leaseExpiresAt,omitempty"`
}

// Engine exposes the caller-facing operations. It holds no authoritative
// state; every call reads the store.
type Engine struct {
	cfg       Config
	leases    *lease.Manager
	heartbeat *heartbeat.Controller
	detector  *detector.Detector
	streams   *stream.Client
	accounts  accounts.Registry
	metrics   *metrics.Registry
	logger    *zap.Logger
	now       func() time.Time
}

// NewEngine validates deps and applies config defaults.
func NewEngine(deps Deps, cfg Config) (*Engine, error) {
	if deps.Leases == nil || deps.Heartbeat == nil || deps.Detector == nil || deps.Streams == nil {
		return nil, errors.New("leases, heartbeat, detector and streams are required")
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = defaultCycleTimeout
	}
	if strings.TrimSpace(cfg.Group) == "" {
		cfg.Group = defaultGroup
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		cfg:       cfg,
		leases:    deps.Leases,
		heartbeat: deps.Heartbeat,
		detector:  deps.Detector,
		streams:   deps.Streams,
		accounts:  deps.Accounts,
		metrics:   deps.Metrics,
		logger:    logger,
		now:       now,
	}, nil
}

// BecomeLeader attempts to take the lease for candidateID. The current holder
// calling again has its lease renewed.
func (e *Engine) BecomeLeader(ctx context.Context, candidateID string) (LeaderResult, error) {
	res, err := e.leases.TryAcquire(ctx, candidateID, e.cfg.LeaseTTL)
	if err != nil {
		return LeaderResult{}, err
	}
	out := LeaderResult{Accepted: res.Acquired, CurrentHolder: res.Holder, ExpiresAt: res.ExpiresAt}
	if res.Acquired {
		e.metrics.ObserveLease("acquired")
		e.logger.Debug("leader_accepted", zap.String("holder_id", candidateID), zap.Time("expires_at", res.ExpiresAt))
		if err := e.heartbeat.NoteHolder(ctx, candidateID, e.now()); err != nil {
			e.logger.Warn("note_holder_failed", zap.String("holder_id", candidateID), zap.Error(err))
		}
	}
	return out, nil
}

// RenewLeadership extends the lease held by candidateID.
func (e *Engine) RenewLeadership(ctx context.Context, candidateID string) (lease.Status, error) {
	status, err := e.leases.Renew(ctx, candidateID, e.cfg.LeaseTTL)
	if err != nil {
		if merchanthub.IsLeadershipLost(err) {
			e.metrics.ObserveLease("lost")
		}
		return lease.Status{}, err
	}
	e.metrics.ObserveLease("renewed")
	return status, nil
}

// ReleaseLeadership gives the lease up if candidateID still holds it.
func (e *Engine) ReleaseLeadership(ctx context.Context, candidateID string) (bool, error) {
	released, err := e.leases.Release(ctx, candidateID)
	if err != nil {
		return false, err
	}
	if released {
		e.metrics.ObserveLease("released")
	}
	return released, nil
}

// RunPollCycle runs one detection pass over every configured currency on
// behalf of the lease holder candidateID. Each currency is published before
// its cursors advance; a currency whose publish fails keeps its cursors and
// is retried whole on the next cycle. The heartbeat is recorded and the lease
// renewed only when every currency succeeded.
func (e *Engine) RunPollCycle(ctx context.Context, candidateID string) (CycleResult, error) {
	return e.runCycle(ctx, candidateID, true)
}

func (e *Engine) runCycle(ctx context.Context, candidateID string, refreshMode bool) (CycleResult, error) {
	start := e.now()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CycleTimeout)
	defer cancel()

	result, err := e.cycle(ctx, candidateID, refreshMode)
	e.metrics.ObservePollCycle(cycleOutcome(err), e.now().Sub(start))
	if err != nil {
		e.logger.Warn("poll_cycle_failed", zap.String("holder_id", candidateID), zap.Int("transfers_found", result.TransfersFound), zap.Error(err))
		return result, err
	}
	e.logger.Info("poll_cycle_completed",
		zap.String("holder_id", candidateID),
		zap.Int("transfers_found", result.TransfersFound),
		zap.Int("dropped", result.Dropped),
		zap.Duration("duration", e.now().Sub(start)),
	)
	return result, nil
}

func (e *Engine) cycle(ctx context.Context, candidateID string, refreshMode bool) (CycleResult, error) {
	result := CycleResult{ByCurrency: map[string]int{}}
	status, err := e.leases.CurrentHolder(ctx)
	if err != nil {
		return result, err
	}
	if !status.Held || status.Holder != candidateID {
		return result, merchanthub.LeadershipLostError{Candidate: candidateID, Holder: status.Holder}
	}

	var errs []error
	for _, currency := range e.detector.Currencies() {
		n, dropped, err := e.pollCurrency(ctx, currency)
		result.Dropped += dropped
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", currency, err))
			continue
		}
		result.ByCurrency[currency] = n
		result.TransfersFound += n
	}
	if len(errs) > 0 {
		return result, errors.Join(errs...)
	}

	now := e.now()
	if err := e.heartbeat.RecordPoll(ctx, now); err != nil {
		return result, err
	}
	if err := e.heartbeat.NoteHolder(ctx, candidateID, now); err != nil {
		e.logger.Warn("note_holder_failed", zap.String("holder_id", candidateID), zap.Error(err))
	}
	if refreshMode {
		state, changed, err := e.heartbeat.Refresh(ctx, now, e.cfg.HeartbeatTimeout)
		if err != nil {
			e.logger.Warn("mode_refresh_failed", zap.Error(err))
		} else {
			result.Mode = state.Mode
			if changed {
				e.metrics.ObserveModeChange(string(state.Mode))
			}
		}
	}
	if _, err := e.RenewLeadership(ctx, candidateID); err != nil {
		return result, err
	}
	return result, nil
}

func (e *Engine) pollCurrency(ctx context.Context, currency string) (int, int, error) {
	batch, err := e.detector.Detect(ctx, currency)
	if err != nil {
		return 0, 0, err
	}
	e.detector.LogDropped(batch)
	for _, dropped := range batch.Dropped {
		e.metrics.ObserveDropped(currency, detector.DropReason(dropped))
	}
	if n, err := e.streams.PublishAll(ctx, batch.Transfers); err != nil {
		e.metrics.ObservePublishFailure(currency)
		return 0, len(batch.Dropped), fmt.Errorf("published %d of %d: %w", n, len(batch.Transfers), err)
	}
	if err := e.detector.Commit(ctx, batch); err != nil {
		return 0, len(batch.Dropped), err
	}
	e.metrics.ObserveTransfers(currency, len(batch.Transfers))
	return len(batch.Transfers), len(batch.Dropped), nil
}

func cycleOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case merchanthub.IsLeadershipLost(err):
		return "lost"
	case merchanthub.IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}

// Status reports the lease holder and the derived polling mode.
func (e *Engine) Status(ctx context.Context) (CoordinationStatus, error) {
	state, err := e.heartbeat.Read(ctx, e.now(), e.cfg.HeartbeatTimeout)
	if err != nil {
		return CoordinationStatus{}, err
	}
	return StatusOf(state), nil
}

// StatusOf converts a heartbeat read into the caller-facing status.
func StatusOf(state heartbeat.State) CoordinationStatus {
	out := CoordinationStatus{
		Active:          state.Lease.Held,
		Holder:          state.Lease.Holder,
		Mode:            state.Mode,
		MsSinceLastPoll: -1,
	}
	if !state.LastPollAt.IsZero() {
		at := state.LastPollAt
		out.LastPollAt = &at
		out.MsSinceLastPoll = state.SinceLastPoll.Milliseconds()
	}
	if state.Lease.Held {
		exp := state.Lease.ExpiresAt
		out.LeaseExpiresAt = &exp
	}
	return out
}

// RefreshMode stores the derived mode and broadcasts a change.
func (e *Engine) RefreshMode(ctx context.Context) (merchanthub.Mode, error) {
	state, changed, err := e.heartbeat.Refresh(ctx, e.now(), e.cfg.HeartbeatTimeout)
	if err != nil {
		return "", err
	}
	if changed {
		e.metrics.ObserveModeChange(string(state.Mode))
	}
	return state.Mode, nil
}

// Consume delivers transfers for recipientID to consumerID through the
// engine's consumer group.
func (e *Engine) Consume(ctx context.Context, recipientID, consumerID string, count int64) (stream.ConsumeResult, error) {
	if err := e.checkRecipient(recipientID); err != nil {
		return stream.ConsumeResult{}, err
	}
	res, err := e.streams.Consume(ctx, recipientID, e.cfg.Group, consumerID, count)
	if err != nil {
		return stream.ConsumeResult{}, err
	}
	e.metrics.ObserveConsumed(len(res.Deliveries), res.Reclaimed)
	return res, nil
}

// Acknowledge removes entryIDs from the group's pending list.
func (e *Engine) Acknowledge(ctx context.Context, recipientID string, entryIDs []string) (stream.AckResult, error) {
	if err := e.checkRecipient(recipientID); err != nil {
		return stream.AckResult{}, err
	}
	if len(entryIDs) == 0 {
		return stream.AckResult{}, fmt.Errorf("%w: entry ids are required", merchanthub.ErrInvalidRequest)
	}
	res, err := e.streams.Acknowledge(ctx, recipientID, e.cfg.Group, entryIDs)
	if err != nil {
		return stream.AckResult{}, err
	}
	e.metrics.ObserveAck(res.Requested, res.Acknowledged)
	return res, nil
}

// StreamStats reports the recipient stream length and group state.
func (e *Engine) StreamStats(ctx context.Context, recipientID string) (stream.Stats, error) {
	if err := e.checkRecipient(recipientID); err != nil {
		return stream.Stats{}, err
	}
	return e.streams.Stats(ctx, recipientID)
}

// Group is the consumer group used by Consume and Acknowledge.
func (e *Engine) Group() string {
	return e.cfg.Group
}

func (e *Engine) checkRecipient(recipientID string) error {
	if strings.TrimSpace(recipientID) == "" {
		return fmt.Errorf("%w: recipient id is required", merchanthub.ErrInvalidRequest)
	}
	if !e.accounts.HasRecipient(recipientID) {
		return fmt.Errorf("%w: %q", ErrUnknownRecipient, recipientID)
	}
	return nil
}
