package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Variant is one way of answering the same query.
type Variant[T any] struct {
	Name string
	Run  func(ctx context.Context) (T, error)
}

// Probe runs variants in order and returns the index and value of the first
// that succeeds. When all fail the joined errors are returned.
func Probe[T any](ctx context.Context, variants []Variant[T]) (int, T, error) {
	var zero T
	var errs []error
	for i, v := range variants {
		value, err := v.Run(ctx)
		if err == nil {
			return i, value, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", v.Name, err))
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return -1, zero, errors.New("no query variants configured")
	}
	return -1, zero, errors.Join(errs...)
}

// StrategyCache remembers which variant last worked. The pinned variant is
// tried alone; only when it fails are all variants probed again.
type StrategyCache[T any] struct {
	variants []Variant[T]

	mu     sync.Mutex
	pinned int
}

// NewStrategyCache constructs a cache over ordered variants.
func NewStrategyCache[T any](variants ...Variant[T]) *StrategyCache[T] {
	return &StrategyCache[T]{variants: variants, pinned: -1}
}

// Do answers the query and reports which variant produced the value.
func (c *StrategyCache[T]) Do(ctx context.Context) (T, string, error) {
	c.mu.Lock()
	pinned := c.pinned
	c.mu.Unlock()

	if pinned >= 0 {
		value, err := c.variants[pinned].Run(ctx)
		if err == nil {
			return value, c.variants[pinned].Name, nil
		}
	}

	idx, value, err := Probe(ctx, c.variants)
	c.mu.Lock()
	c.pinned = idx
	c.mu.Unlock()
	if err != nil {
		var zero T
		return zero, "", err
	}
	return value, c.variants[idx].Name, nil
}

// Pinned returns the name of the remembered variant, empty when none.
func (c *StrategyCache[T]) Pinned() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pinned < 0 {
		return ""
	}
	return c.variants[c.pinned].Name
}
