package merchanthub

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidRequest reports a caller-supplied argument that cannot be served.
var ErrInvalidRequest = errors.New("invalid request")

// Mode is the polling cadence classification derived from heartbeat recency.
type Mode string

const (
	// ModeFast means a lease holder has polled within the heartbeat timeout.
	ModeFast Mode = "fast"
	// ModeSlow means nobody is polling at high frequency; the fallback scheduler acts.
	ModeSlow Mode = "slow"
)

// SourceKind selects which ledger query surface a currency is read from.
type SourceKind string

const (
	// SourceTransfers is the tabular transfer ledger (symbol filter, exact recipient match).
	SourceTransfers SourceKind = "transfers"
	// SourceMessages is the structured-message ledger (custom JSON operations in a block window).
	SourceMessages SourceKind = "messages"
)

// Transfer is a detected incoming payment. It is immutable once detected.
// One ledger record may carry several payments; ActionIndex tells them apart.
type Transfer struct {
	RecordID     int64
	ActionIndex  int
	Recipient    string // restaurant id owning Account
	Account      string
	Counterparty string
	Amount       decimal.Decimal
	Currency     string
	Memo         string
	DetectedAt   time.Time
	Source       SourceKind
	BlockNum     int64
	Metadata     map[string]string
}

// Key identifies the payment across redeliveries. Consumers dedupe on it.
func (t Transfer) Key() string {
	return fmt.Sprintf("%s:%d:%d", t.Source, t.RecordID, t.ActionIndex)
}

// TransientSourceError wraps a ledger or store failure that is safe to retry
// from scratch. No cursor is advanced when a cycle ends with this error.
type TransientSourceError struct {
	Source string
	Err    error
}

func (e TransientSourceError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Source, e.Err)
}

func (e TransientSourceError) Unwrap() error {
	return e.Err
}

// UnknownRecipientError reports a ledger record whose target matches no configured account.
type UnknownRecipientError struct {
	RecordID int64
	Address  string
	Currency string
}

func (e UnknownRecipientError) Error() string {
	return fmt.Sprintf("record %d: unknown recipient %q for %s", e.RecordID, e.Address, e.Currency)
}

// MalformedRecordError reports a ledger record whose payload could not be parsed.
type MalformedRecordError struct {
	RecordID int64
	Reason   string
}

func (e MalformedRecordError) Error() string {
	return fmt.Sprintf("record %d: malformed: %s", e.RecordID, e.Reason)
}

// PartialAcknowledgmentError reports that fewer entries were acknowledged than requested.
type PartialAcknowledgmentError struct {
	Requested    int
	Acknowledged int
}

func (e PartialAcknowledgmentError) Error() string {
	return fmt.Sprintf("acknowledged %d of %d entries", e.Acknowledged, e.Requested)
}

// LeadershipLostError reports an operation attempted by a candidate that no
// longer holds the lease. Callers treat it as a no-op.
type LeadershipLostError struct {
	Candidate string
	Holder    string
}

func (e LeadershipLostError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("candidate %q does not hold the lease (no holder)", e.Candidate)
	}
	return fmt.Sprintf("candidate %q does not hold the lease (held by %q)", e.Candidate, e.Holder)
}

// IsTransient reports whether err is a TransientSourceError.
func IsTransient(err error) bool {
	var transient TransientSourceError
	return errors.As(err, &transient)
}

// IsLeadershipLost reports whether err is a LeadershipLostError.
func IsLeadershipLost(err error) bool {
	var lost LeadershipLostError
	return errors.As(err, &lost)
}
