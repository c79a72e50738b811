package coordstore

import "strings"

const defaultNamespace = "hub"

// Keys derives every store key from a namespace so that separate deployments
// sharing one store never collide.
type Keys struct {
	Namespace string
}

func (k Keys) prefix() string {
	ns := strings.TrimSpace(k.Namespace)
	if ns == "" {
		ns = defaultNamespace
	}
	return ns + ":"
}

// Lease is the single global lease key.
func (k Keys) Lease() string {
	return k.prefix() + "poller:lease"
}

// State is the hash holding heartbeat, mode and cursor fields.
func (k Keys) State() string {
	return k.prefix() + "poller:state"
}

// Events is the system-wide notification stream.
func (k Keys) Events() string {
	return k.prefix() + "events"
}

// Transfers is the durable stream for one recipient.
func (k Keys) Transfers(recipientID string) string {
	return k.prefix() + "transfers:" + recipientID
}

// Hash fields inside State.
const (
	FieldLastPollAt = "last_poll_at"
	FieldMode       = "mode"
	FieldHolder     = "last_holder"
	cursorPrefix    = "cursor:"
	scanPrefix      = "scan:"
)

// CursorField names the hash field for one account/currency cursor.
func CursorField(account, currency string) string {
	return cursorPrefix + account + ":" + currency
}

// ScanField names the hash field holding the highest message record id
// examined for currency, whatever its recipient.
func ScanField(currency string) string {
	return scanPrefix + currency
}
