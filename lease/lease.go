// Package lease implements leader election over a single expiring key.
//
// Acquisition is one conditional create (SET NX with expiry); two candidates
// racing for a free lease cannot both win because the store decides. Expiry
// is the only failover mechanism: a holder that stops renewing loses the
// lease after its ttl and anyone may acquire it.
package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	merchanthub "github.com/scr53005/merchant-hub"
	"github.com/scr53005/merchant-hub/coordstore"
)

// Status is a point-in-time view of the lease.
type Status struct {
	Held      bool
	Holder    string
	ExpiresAt time.Time
}

// Result is the outcome of TryAcquire. Holder is always the current holder
// after the attempt, which is the candidate itself when Acquired is true.
type Result struct {
	Acquired  bool
	Holder    string
	ExpiresAt time.Time
}

// Manager performs lease operations against the coordination store. It keeps
// no lease state of its own.
type Manager struct {
	store coordstore.Store
	key   string
	now   func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source used to report expiry instants.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager constructs a Manager over the lease key of keys.
func NewManager(store coordstore.Store, keys coordstore.Keys, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	m := &Manager{store: store, key: keys.Lease(), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// TryAcquire takes the lease for candidateID if no unexpired lease exists.
// A candidate that already holds the lease has it renewed and is reported as
// acquired. A losing candidate is told the current holder; retrying is the
// caller's decision.
func (m *Manager) TryAcquire(ctx context.Context, candidateID string, ttl time.Duration) (Result, error) {
	candidateID = strings.TrimSpace(candidateID)
	if candidateID == "" {
		return Result{}, fmt.Errorf("%w: candidate id is required", merchanthub.ErrInvalidRequest)
	}
	if ttl <= 0 {
		return Result{}, fmt.Errorf("%w: lease ttl must be positive", merchanthub.ErrInvalidRequest)
	}

	ok, err := m.store.SetNX(ctx, m.key, candidateID, ttl)
	if err != nil {
		return Result{}, err
	}
	if ok {
		return Result{Acquired: true, Holder: candidateID, ExpiresAt: m.now().Add(ttl)}, nil
	}

	status, err := m.CurrentHolder(ctx)
	if err != nil {
		return Result{}, err
	}
	if status.Held && status.Holder == candidateID {
		renewed, err := m.Renew(ctx, candidateID, ttl)
		if err != nil {
			if merchanthub.IsLeadershipLost(err) {
				return Result{Holder: status.Holder}, nil
			}
			return Result{}, err
		}
		return Result{Acquired: true, Holder: candidateID, ExpiresAt: renewed.ExpiresAt}, nil
	}
	return Result{Acquired: false, Holder: status.Holder, ExpiresAt: status.ExpiresAt}, nil
}

// Renew refreshes the lease expiry for candidateID. When the candidate is no
// longer the holder nothing is written and a LeadershipLostError is returned.
// The check and the refresh are two store calls; a renew that lands just
// after losing the lease only extends the new holder's lease, which is
// harmless because acquisition is already exclusive.
func (m *Manager) Renew(ctx context.Context, candidateID string, ttl time.Duration) (Status, error) {
	status, err := m.CurrentHolder(ctx)
	if err != nil {
		return Status{}, err
	}
	if !status.Held || status.Holder != candidateID {
		return status, merchanthub.LeadershipLostError{Candidate: candidateID, Holder: status.Holder}
	}
	ok, err := m.store.Expire(ctx, m.key, ttl)
	if err != nil {
		return Status{}, err
	}
	if !ok {
		return Status{}, merchanthub.LeadershipLostError{Candidate: candidateID}
	}
	return Status{Held: true, Holder: candidateID, ExpiresAt: m.now().Add(ttl)}, nil
}

// Release deletes the lease only if candidateID holds it.
func (m *Manager) Release(ctx context.Context, candidateID string) (bool, error) {
	return m.store.DeleteIfEqual(ctx, m.key, candidateID)
}

// CurrentHolder reads the lease. Held is false when no unexpired lease exists.
func (m *Manager) CurrentHolder(ctx context.Context) (Status, error) {
	holder, ok, err := m.store.Get(ctx, m.key)
	if err != nil {
		return Status{}, err
	}
	if !ok {
		return Status{}, nil
	}
	ttl, err := m.store.TTL(ctx, m.key)
	if err != nil {
		return Status{}, err
	}
	status := Status{Held: true, Holder: holder}
	if ttl > 0 {
		status.ExpiresAt = m.now().Add(ttl)
	}
	return status, nil
}
