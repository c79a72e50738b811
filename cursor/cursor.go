// Package cursor tracks, per account and currency, the highest ledger record
// id already processed. Cursors only move up; the store enforces it.
package cursor

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/scr53005/merchant-hub/coordstore"
)

// Registry reads and advances cursors held in the shared state hash.
type Registry struct {
	store coordstore.Store
	keys  coordstore.Keys
}

// NewRegistry constructs a Registry.
func NewRegistry(store coordstore.Store, keys coordstore.Keys) (*Registry, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	return &Registry{store: store, keys: keys}, nil
}

// Snapshot is a consistent view of the cursors of several accounts for one
// currency, taken from a single hash read.
type Snapshot struct {
	Currency string
	accounts []string
	values   map[string]int64
	scan     int64
}

// Get returns the cursor of account, 0 when nothing was processed yet.
func (s Snapshot) Get(account string) int64 {
	return s.values[account]
}

// Floor is the minimum cursor across the snapshot's accounts.
func (s Snapshot) Floor() int64 {
	if len(s.accounts) == 0 {
		return 0
	}
	floor := s.values[s.accounts[0]]
	for _, account := range s.accounts[1:] {
		if v := s.values[account]; v < floor {
			floor = v
		}
	}
	return floor
}

// Scan is the highest record id examined for the currency by a source that
// cannot filter on the recipient, 0 when none was recorded.
func (s Snapshot) Scan() int64 {
	return s.scan
}

// Snapshot reads all requested cursors with one HGETALL.
func (r *Registry) Snapshot(ctx context.Context, accounts []string, currency string) (Snapshot, error) {
	fields, err := r.store.HGetAll(ctx, r.keys.State())
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		Currency: currency,
		accounts: append([]string(nil), accounts...),
		values:   make(map[string]int64, len(accounts)),
	}
	for _, account := range accounts {
		raw, ok := fields[coordstore.CursorField(account, currency)]
		if !ok {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Snapshot{}, fmt.Errorf("cursor %s/%s: %w", account, currency, err)
		}
		snap.values[account] = v
	}
	if raw, ok := fields[coordstore.ScanField(currency)]; ok {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Snapshot{}, fmt.Errorf("scan cursor %s: %w", currency, err)
		}
		snap.scan = v
	}
	return snap, nil
}

// Floor returns the minimum cursor across accounts for currency.
func (r *Registry) Floor(ctx context.Context, accounts []string, currency string) (int64, error) {
	snap, err := r.Snapshot(ctx, accounts, currency)
	if err != nil {
		return 0, err
	}
	return snap.Floor(), nil
}

// Get returns one cursor.
func (r *Registry) Get(ctx context.Context, account, currency string) (int64, error) {
	snap, err := r.Snapshot(ctx, []string{account}, currency)
	if err != nil {
		return 0, err
	}
	return snap.Get(account), nil
}

// AdvanceIfGreater moves the cursor to candidate when candidate is above the
// stored value and returns the cursor value afterwards. Results arriving out
// of order never pull a cursor back.
func (r *Registry) AdvanceIfGreater(ctx context.Context, account, currency string, candidate int64) (int64, error) {
	return r.store.HSetMax(ctx, r.keys.State(), coordstore.CursorField(account, currency), candidate)
}

// AdvanceScan moves the currency's scan cursor up to candidate.
func (r *Registry) AdvanceScan(ctx context.Context, currency string, candidate int64) (int64, error) {
	return r.store.HSetMax(ctx, r.keys.State(), coordstore.ScanField(currency), candidate)
}
