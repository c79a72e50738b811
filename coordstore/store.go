// Package coordstore is the narrow client over the external key/value and
// stream store that holds every piece of cross-invocation state: the lease,
// the combined heartbeat and cursor hash, and the per-recipient streams.
package coordstore

import (
	"context"
	"regexp"
	"time"
)

// Entry is a single stream entry. Fields are flat key/value pairs.
type Entry struct {
	ID     string
	Fields map[string]string
}

// GroupInfo mirrors one row of XINFO GROUPS.
type GroupInfo struct {
	Name            string
	Consumers       int64
	Pending         int64
	LastDeliveredID string
	Lag             int64
}

// Store is the set of atomic primitives the engine relies on. Implementations
// must make SetNX, DeleteIfEqual and HSetMax single atomic operations.
type Store interface {
	// SetNX creates key with value and ttl only if key does not exist.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get returns the value of key; ok is false when the key is absent or expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// TTL returns the remaining time to live; zero or negative when absent or persistent.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Expire refreshes the ttl of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// DeleteIfEqual removes key only when it currently holds value.
	DeleteIfEqual(ctx context.Context, key, value string) (bool, error)

	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, values map[string]string) error
	// HSetMax stores value in field only if it is greater than the current
	// integer value and returns the value held afterwards.
	HSetMax(ctx context.Context, key, field string, value int64) (int64, error)

	// XAdd appends an entry, trimming the stream to roughly maxLen when maxLen > 0.
	XAdd(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error)
	// EnsureGroup creates group at the start of stream, creating the stream if
	// needed. It returns created=false without error when the group exists.
	EnsureGroup(ctx context.Context, stream, group string) (created bool, err error)
	// XReadGroupNew delivers entries never delivered to any consumer of group.
	XReadGroupNew(ctx context.Context, stream, group, consumer string, count int64) ([]Entry, error)
	// XAutoClaim reassigns entries pending longer than minIdle to consumer.
	XAutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error)
	XAck(ctx context.Context, stream, group string, ids ...string) (int64, error)
	XPendingCount(ctx context.Context, stream, group string) (int64, error)
	XLen(ctx context.Context, stream string) (int64, error)
	XInfoGroups(ctx context.Context, stream string) ([]GroupInfo, error)
}

var entryIDPattern = regexp.MustCompile(`^[0-9]+(-[0-9]+)?$`)

// ValidEntryID reports whether id has the shape of a stream entry id.
func ValidEntryID(id string) bool {
	return entryIDPattern.MatchString(id)
}
