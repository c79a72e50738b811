// Package stream publishes detected transfers onto per-recipient durable
// streams and serves them to consumer groups with at-least-once delivery.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	merchanthub "github.com/scr53005/merchant-hub"
	"github.com/scr53005/merchant-hub/coordstore"
)

const (
	defaultIdleThreshold = 60 * time.Second
	maxConsumeCount      = 1000
)

// Config controls stream retention and reclaim.
type Config struct {
	// MaxLen caps each stream approximately; zero keeps everything.
	MaxLen int64
	// IdleThreshold is how long an entry stays pending before another
	// consumer may reclaim it.
	IdleThreshold time.Duration
}

// Delivery is one entry handed to a consumer. DecodeErr is set when the
// entry fields do not describe a transfer; the entry is still pending and
// should be acknowledged by the caller once handled.
type Delivery struct {
	EntryID   string
	Transfer  merchanthub.Transfer
	Reclaimed bool
	DecodeErr error
}

// ConsumeResult is the outcome of one Consume call.
type ConsumeResult struct {
	Deliveries []Delivery
	// Pending is the group's pending count after delivery.
	Pending int64
	// Reclaimed is true when the deliveries came from idle pending entries.
	Reclaimed bool
}

// AckResult reports how many of the requested entries were pending.
type AckResult struct {
	Requested    int
	Acknowledged int
	Invalid      []string
}

// Partial reports whether fewer entries were acknowledged than requested.
func (r AckResult) Partial() bool {
	return r.Acknowledged < r.Requested
}

// Err returns a PartialAcknowledgmentError for partial results and nil otherwise.
func (r AckResult) Err() error {
	if !r.Partial() {
		return nil
	}
	return merchanthub.PartialAcknowledgmentError{Requested: r.Requested, Acknowledged: r.Acknowledged}
}

// Stats summarizes a recipient stream.
type Stats struct {
	Recipient string
	Length    int64
	Groups    []coordstore.GroupInfo
}

// Client is both publisher and consumer.
type Client struct {
	store  coordstore.Store
	keys   coordstore.Keys
	cfg    Config
	logger *zap.Logger
}

// New constructs a Client.
func New(store coordstore.Store, keys coordstore.Keys, cfg Config, logger *zap.Logger) (*Client, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = defaultIdleThreshold
	}
	if cfg.MaxLen < 0 {
		return nil, errors.New("max length must not be negative")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{store: store, keys: keys, cfg: cfg, logger: logger}, nil
}

// Publish appends t to the stream of t.Recipient. Duplicate publishes of the
// same transfer are expected after a crash and are not detected here.
func (c *Client) Publish(ctx context.Context, t merchanthub.Transfer) (string, error) {
	if strings.TrimSpace(t.Recipient) == "" {
		return "", fmt.Errorf("%w: transfer %d has no recipient", merchanthub.ErrInvalidRequest, t.RecordID)
	}
	id, err := c.store.XAdd(ctx, c.keys.Transfers(t.Recipient), Encode(t), c.cfg.MaxLen)
	if err != nil {
		return "", err
	}
	c.logger.Debug("transfer_published",
		zap.String("recipient_id", t.Recipient),
		zap.Int64("record_id", t.RecordID),
		zap.String("entry_id", id),
	)
	return id, nil
}

// PublishAll publishes transfers in order and stops at the first failure,
// returning how many were appended.
func (c *Client) PublishAll(ctx context.Context, transfers []merchanthub.Transfer) (int, error) {
	for i, t := range transfers {
		if _, err := c.Publish(ctx, t); err != nil {
			return i, err
		}
	}
	return len(transfers), nil
}

// EnsureGroup creates group on the recipient stream when absent.
func (c *Client) EnsureGroup(ctx context.Context, recipientID, group string) (bool, error) {
	if err := validateNames(recipientID, group); err != nil {
		return false, err
	}
	created, err := c.store.EnsureGroup(ctx, c.keys.Transfers(recipientID), group)
	if err != nil {
		return false, err
	}
	if created {
		c.logger.Info("consumer_group_created", zap.String("recipient_id", recipientID), zap.String("group", group))
	}
	return created, nil
}

// Consume delivers up to count new entries to consumer. When nothing new is
// available it reclaims entries idle for longer than the idle threshold.
func (c *Client) Consume(ctx context.Context, recipientID, group, consumer string, count int64) (ConsumeResult, error) {
	if err := validateNames(recipientID, group); err != nil {
		return ConsumeResult{}, err
	}
	if strings.TrimSpace(consumer) == "" {
		return ConsumeResult{}, fmt.Errorf("%w: consumer id is required", merchanthub.ErrInvalidRequest)
	}
	if count <= 0 {
		return ConsumeResult{}, fmt.Errorf("%w: count must be positive", merchanthub.ErrInvalidRequest)
	}
	if count > maxConsumeCount {
		count = maxConsumeCount
	}
	if _, err := c.EnsureGroup(ctx, recipientID, group); err != nil {
		return ConsumeResult{}, err
	}

	key := c.keys.Transfers(recipientID)
	entries, err := c.store.XReadGroupNew(ctx, key, group, consumer, count)
	if err != nil {
		return ConsumeResult{}, err
	}
	reclaimed := false
	if len(entries) == 0 {
		entries, err = c.store.XAutoClaim(ctx, key, group, consumer, c.cfg.IdleThreshold, count)
		if err != nil {
			return ConsumeResult{}, err
		}
		reclaimed = len(entries) > 0
		if reclaimed {
			c.logger.Info("entries_reclaimed",
				zap.String("recipient_id", recipientID),
				zap.String("group", group),
				zap.String("consumer_id", consumer),
				zap.Int("count", len(entries)),
			)
		}
	}
	pending, err := c.store.XPendingCount(ctx, key, group)
	if err != nil {
		return ConsumeResult{}, err
	}

	result := ConsumeResult{Pending: pending, Reclaimed: reclaimed}
	for _, e := range entries {
		t, decodeErr := Decode(e.Fields)
		if decodeErr != nil {
			c.logger.Warn("entry_decode_failed", zap.String("recipient_id", recipientID), zap.String("entry_id", e.ID), zap.Error(decodeErr))
		}
		result.Deliveries = append(result.Deliveries, Delivery{EntryID: e.ID, Transfer: t, Reclaimed: reclaimed, DecodeErr: decodeErr})
	}
	return result, nil
}

// Acknowledge removes entryIDs from the group's pending list. Ids that are
// not well-formed are counted as not acknowledged and never sent; ids that
// are not pending also count as zero.
func (c *Client) Acknowledge(ctx context.Context, recipientID, group string, entryIDs []string) (AckResult, error) {
	if err := validateNames(recipientID, group); err != nil {
		return AckResult{}, err
	}
	result := AckResult{Requested: len(entryIDs)}
	seen := make(map[string]bool, len(entryIDs))
	valid := make([]string, 0, len(entryIDs))
	for _, id := range entryIDs {
		id = strings.TrimSpace(id)
		if !coordstore.ValidEntryID(id) {
			result.Invalid = append(result.Invalid, id)
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		valid = append(valid, id)
	}
	if len(valid) == 0 {
		return result, nil
	}
	n, err := c.store.XAck(ctx, c.keys.Transfers(recipientID), group, valid...)
	if err != nil {
		return AckResult{}, err
	}
	result.Acknowledged = int(n)
	if result.Partial() {
		c.logger.Info("partial_ack",
			zap.String("recipient_id", recipientID),
			zap.String("group", group),
			zap.Int("requested", result.Requested),
			zap.Int("acknowledged", result.Acknowledged),
		)
	}
	return result, nil
}

// Stats reports stream length and per-group delivery state.
func (c *Client) Stats(ctx context.Context, recipientID string) (Stats, error) {
	if strings.TrimSpace(recipientID) == "" {
		return Stats{}, fmt.Errorf("%w: recipient id is required", merchanthub.ErrInvalidRequest)
	}
	key := c.keys.Transfers(recipientID)
	length, err := c.store.XLen(ctx, key)
	if err != nil {
		return Stats{}, err
	}
	groups, err := c.store.XInfoGroups(ctx, key)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Recipient: recipientID, Length: length, Groups: groups}, nil
}

func validateNames(recipientID, group string) error {
	if strings.TrimSpace(recipientID) == "" {
		return fmt.Errorf("%w: recipient id is required", merchanthub.ErrInvalidRequest)
	}
	if strings.TrimSpace(group) == "" {
		return fmt.Errorf("%w: group is required", merchanthub.ErrInvalidRequest)
	}
	return nil
}
