// Package heartbeat records when the last poll happened and derives the
// polling cadence from it.
package heartbeat

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	merchanthub "github.com/scr53005/merchant-hub"
	"github.com/scr53005/merchant-hub/coordstore"
	"github.com/scr53005/merchant-hub/lease"
)

// Event kinds written to the notification stream.
const (
	EventModeChanged   = "mode_changed"
	EventLeaderChanged = "leader_changed"
)

const eventsMaxLen = 1000

// HolderReader reports the current lease.
type HolderReader interface {
	CurrentHolder(ctx context.Context) (lease.Status, error)
}

// State is the derived heartbeat view. CachedMode is whatever was last
// written to the store and may lag Mode.
type State struct {
	LastPollAt    time.Time
	SinceLastPoll time.Duration
	Mode          merchanthub.Mode
	CachedMode    merchanthub.Mode
	Lease         lease.Status
}

// Event is an informational notification; nothing depends on its delivery.
type Event struct {
	Kind   string
	Mode   merchanthub.Mode
	Holder string
	At     time.Time
}

// Controller reads and writes heartbeat fields of the shared state hash.
type Controller struct {
	store  coordstore.Store
	keys   coordstore.Keys
	leases HolderReader
	logger *zap.Logger
}

// NewController constructs a Controller.
func NewController(store coordstore.Store, keys coordstore.Keys, leases HolderReader, logger *zap.Logger) (*Controller, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if leases == nil {
		return nil, errors.New("lease reader is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{store: store, keys: keys, leases: leases, logger: logger}, nil
}

// RecordPoll sets last_poll_at to now.
func (c *Controller) RecordPoll(ctx context.Context, now time.Time) error {
	return c.store.HSet(ctx, c.keys.State(), map[string]string{
		coordstore.FieldLastPollAt: strconv.FormatInt(now.UnixMilli(), 10),
	})
}

// CurrentMode is Fast iff a lease is held and the last poll is younger than
// timeout. It is a pure read.
func (c *Controller) CurrentMode(ctx context.Context, now time.Time, timeout time.Duration) (merchanthub.Mode, error) {
	state, err := c.Read(ctx, now, timeout)
	if err != nil {
		return "", err
	}
	return state.Mode, nil
}

// Read loads the heartbeat fields and the lease in one pass and classifies them.
func (c *Controller) Read(ctx context.Context, now time.Time, timeout time.Duration) (State, error) {
	fields, err := c.store.HGetAll(ctx, c.keys.State())
	if err != nil {
		return State{}, err
	}
	status, err := c.leases.CurrentHolder(ctx)
	if err != nil {
		return State{}, err
	}
	state := State{Lease: status, CachedMode: merchanthub.Mode(fields[coordstore.FieldMode])}
	if raw, ok := fields[coordstore.FieldLastPollAt]; ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			state.LastPollAt = time.UnixMilli(ms).UTC()
			state.SinceLastPoll = now.Sub(state.LastPollAt)
		}
	}
	state.Mode = classify(state, timeout)
	return state, nil
}

func classify(state State, timeout time.Duration) merchanthub.Mode {
	if !state.Lease.Held || state.LastPollAt.IsZero() {
		return merchanthub.ModeSlow
	}
	if state.SinceLastPoll < timeout {
		return merchanthub.ModeFast
	}
	return merchanthub.ModeSlow
}

// Refresh recomputes the mode and, when it differs from the cached value,
// stores it and broadcasts a mode change. Broadcast failures are logged only.
func (c *Controller) Refresh(ctx context.Context, now time.Time, timeout time.Duration) (State, bool, error) {
	state, err := c.Read(ctx, now, timeout)
	if err != nil {
		return State{}, false, err
	}
	if state.Mode == state.CachedMode {
		return state, false, nil
	}
	if err := c.store.HSet(ctx, c.keys.State(), map[string]string{coordstore.FieldMode: string(state.Mode)}); err != nil {
		return State{}, false, err
	}
	c.logger.Info("mode_changed",
		zap.String("from", string(state.CachedMode)),
		zap.String("to", string(state.Mode)),
		zap.String("holder_id", state.Lease.Holder),
	)
	c.Broadcast(ctx, Event{Kind: EventModeChanged, Mode: state.Mode, Holder: state.Lease.Holder, At: now})
	state.CachedMode = state.Mode
	return state, true, nil
}

// NoteHolder records the holder that last polled and broadcasts a leader
// change when it differs from the previous one.
func (c *Controller) NoteHolder(ctx context.Context, holder string, now time.Time) error {
	fields, err := c.store.HGetAll(ctx, c.keys.State())
	if err != nil {
		return err
	}
	if fields[coordstore.FieldHolder] == holder {
		return nil
	}
	if err := c.store.HSet(ctx, c.keys.State(), map[string]string{coordstore.FieldHolder: holder}); err != nil {
		return err
	}
	c.Broadcast(ctx, Event{Kind: EventLeaderChanged, Holder: holder, At: now})
	return nil
}

// Broadcast appends ev to the notification stream. It never fails the caller.
func (c *Controller) Broadcast(ctx context.Context, ev Event) {
	fields := map[string]string{
		"event_id": uuid.NewString(),
		"kind":     ev.Kind,
		"at":       ev.At.UTC().Format(time.RFC3339Nano),
	}
	if ev.Mode != "" {
		fields["mode"] = string(ev.Mode)
	}
	if ev.Holder != "" {
		fields["holder"] = ev.Holder
	}
	if _, err := c.store.XAdd(ctx, c.keys.Events(), fields, eventsMaxLen); err != nil {
		c.logger.Warn("broadcast_failed", zap.String("kind", ev.Kind), zap.Error(err))
	}
}
