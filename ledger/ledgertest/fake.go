// Package ledgertest provides an in-memory ledger source with the same page
// shape as the SQL implementation.
package ledgertest

import (
	"context"
	"sort"
	"sync"

	"github.com/scr53005/merchant-hub/ledger"
)

// Source is a fake ledger.Source. Set Err to make every call fail.
type Source struct {
	mu sync.Mutex

	transfers []ledger.TransferRow
	messages  []ledger.MessageRow
	head      int64

	// Loose returns rows for any recipient, like a source that cannot filter
	// on the recipient column.
	Loose bool
	Err   error

	TransferQueries []ledger.TransferQuery
	MessageQueries  []ledger.MessageQuery
}

var _ ledger.Source = (*Source)(nil)

// New returns an empty source.
func New() *Source {
	return &Source{}
}

// AddTransfers appends tabular rows.
func (s *Source) AddTransfers(rows ...ledger.TransferRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfers = append(s.transfers, rows...)
}

// AddMessages appends message rows.
func (s *Source) AddMessages(rows ...ledger.MessageRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, rows...)
}

// SetHead sets the high-water block.
func (s *Source) SetHead(block int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.head = block
}

func (s *Source) HeadBlock(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	return s.head, nil
}

func (s *Source) Transfers(_ context.Context, q ledger.TransferQuery) ([]ledger.TransferRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TransferQueries = append(s.TransferQueries, q)
	if s.Err != nil {
		return nil, s.Err
	}
	wanted := make(map[string]bool, len(q.Recipients))
	for _, r := range q.Recipients {
		wanted[r] = true
	}
	var out []ledger.TransferRow
	for _, row := range s.transfers {
		if row.Symbol != q.Symbol || row.ID <= q.MinID {
			continue
		}
		if !s.Loose && !wanted[row.To] {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *Source) Messages(_ context.Context, q ledger.MessageQuery) ([]ledger.MessageRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MessageQueries = append(s.MessageQueries, q)
	if s.Err != nil {
		return nil, s.Err
	}
	var out []ledger.MessageRow
	for _, row := range s.messages {
		if row.MessageType != q.MessageType || row.ID <= q.MinID {
			continue
		}
		if row.BlockNum < q.FromBlock || row.BlockNum > q.ToBlock {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// Queries returns how many ledger queries were issued.
func (s *Source) Queries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.TransferQueries) + len(s.MessageQueries)
}
