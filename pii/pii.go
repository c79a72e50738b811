// Package pii keeps counterparties and memos out of logs in readable form.
package pii

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Hash returns the SHA-256 hash of a value for safe correlation.
func Hash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// ShortHash is the first 12 hex digits of Hash, enough to correlate log lines.
func ShortHash(value string) string {
	if value == "" {
		return ""
	}
	return Hash(value)[:12]
}

// Mask keeps the last four characters of an account name.
func Mask(account string) string {
	account = strings.TrimSpace(account)
	if account == "" {
		return ""
	}
	const keep = 4
	if len(account) <= keep {
		return account
	}
	return strings.Repeat("*", len(account)-keep) + account[len(account)-keep:]
}
