// Package ledger is the read-only query surface over the external ledger.
//
// Two kinds of records exist: rows of a tabular transfer table that can be
// filtered by symbol and recipient and ordered by id, and custom JSON
// messages that only carry the recipient inside their payload. Messages have
// no "since this id" primitive of their own, so they are scanned in a
// trailing block window below the current high-water block.
package ledger

import (
	"context"
	"time"
)

// TransferRow is one row of the tabular transfer ledger. Amount is the
// ledger's textual decimal value.
type TransferRow struct {
	ID        int64
	From      string
	To        string
	Amount    string
	Symbol    string
	Memo      string
	BlockNum  int64
	Timestamp time.Time
}

// TransferQuery selects transfer rows above MinID for the given recipients.
type TransferQuery struct {
	Recipients []string
	Symbol     string
	MinID      int64
	Limit      int
}

// MessageRow is one structured message. RequiredAuths and
// RequiredPostingAuths are JSON arrays of account names.
type MessageRow struct {
	ID                   int64
	BlockNum             int64
	Timestamp            time.Time
	MessageType          string
	RequiredAuths        string
	RequiredPostingAuths string
	Payload              string
}

// MessageQuery selects messages of one type inside [FromBlock, ToBlock] with
// id above MinID. Contract, Action and Symbol narrow on payload fields.
type MessageQuery struct {
	FromBlock   int64
	ToBlock     int64
	MessageType string
	Contract    string
	Action      string
	Symbol      string
	MinID       int64
	Limit       int
}

// TransferSource answers tabular transfer queries. Rows are returned in
// descending id order and are the Limit lowest ids above MinID.
type TransferSource interface {
	Transfers(ctx context.Context, q TransferQuery) ([]TransferRow, error)
}

// MessageSource answers structured-message queries with the same ordering
// and page shape as TransferSource.
type MessageSource interface {
	HeadBlock(ctx context.Context) (int64, error)
	Messages(ctx context.Context, q MessageQuery) ([]MessageRow, error)
}

// Source serves both record kinds.
type Source interface {
	TransferSource
	MessageSource
}
