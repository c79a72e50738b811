// Package memstore is an in-process coordstore.Store. It follows the Redis
// semantics the engine depends on (expiring keys, consumer groups with a
// pending-entries list, idle-based reclaim) and takes an injectable clock so
// lease expiry and reclaim can be driven deterministically.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/scr53005/merchant-hub/coordstore"
)

// Store is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	now     func() time.Time
	values  map[string]stringValue
	hashes  map[string]map[string]string
	streams map[string]*stream
}

type stringValue struct {
	value     string
	expiresAt time.Time
}

type entryID struct {
	ms  int64
	seq int64
}

func (id entryID) String() string {
	return fmt.Sprintf("%d-%d", id.ms, id.seq)
}

func (id entryID) less(other entryID) bool {
	if id.ms != other.ms {
		return id.ms < other.ms
	}
	return id.seq < other.seq
}

type streamEntry struct {
	id     entryID
	fields map[string]string
}

type pendingEntry struct {
	consumer    string
	deliveredAt time.Time
	deliveries  int
}

type group struct {
	lastDelivered entryID
	pending       map[entryID]*pendingEntry
	consumers     map[string]struct{}
}

type stream struct {
	entries []streamEntry
	last    entryID
	groups  map[string]*group
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now as the store's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		now:     time.Now,
		values:  make(map[string]stringValue),
		hashes:  make(map[string]map[string]string),
		streams: make(map[string]*stream),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ coordstore.Store = (*Store)(nil)

func (s *Store) liveValue(key string, now time.Time) (stringValue, bool) {
	v, ok := s.values[key]
	if !ok {
		return stringValue{}, false
	}
	if !v.expiresAt.IsZero() && !now.Before(v.expiresAt) {
		delete(s.values, key)
		return stringValue{}, false
	}
	return v, true
}

func (s *Store) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if _, ok := s.liveValue(key, now); ok {
		return false, nil
	}
	v := stringValue{value: value}
	if ttl > 0 {
		v.expiresAt = now.Add(ttl)
	}
	s.values[key] = v
	return true, nil
}

func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.liveValue(key, s.now())
	return v.value, ok, nil
}

func (s *Store) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	v, ok := s.liveValue(key, now)
	if !ok || v.expiresAt.IsZero() {
		return 0, nil
	}
	return v.expiresAt.Sub(now), nil
}

func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	v, ok := s.liveValue(key, now)
	if !ok {
		return false, nil
	}
	v.expiresAt = now.Add(ttl)
	s.values[key] = v
	return true, nil
}

func (s *Store) DeleteIfEqual(_ context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.liveValue(key, s.now())
	if !ok || v.value != value {
		return false, nil
	}
	delete(s.values, key)
	return true, nil
}

func (s *Store) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.hashes[key]))
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (s *Store) HSet(_ context.Context, key string, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hash(key)
	for k, v := range values {
		h[k] = v
	}
	return nil
}

func (s *Store) HSetMax(_ context.Context, key, field string, value int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hash(key)
	current := int64(0)
	if raw, ok := h[field]; ok {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("field %q is not an integer: %w", field, err)
		}
		current = parsed
	}
	if value > current {
		h[field] = strconv.FormatInt(value, 10)
		return value, nil
	}
	return current, nil
}

func (s *Store) hash(key string) map[string]string {
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	return h
}

func (s *Store) XAdd(_ context.Context, name string, fields map[string]string, maxLen int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stream(name)
	ms := s.now().UnixMilli()
	id := entryID{ms: ms}
	if ms <= st.last.ms {
		id = entryID{ms: st.last.ms, seq: st.last.seq + 1}
	}
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	st.entries = append(st.entries, streamEntry{id: id, fields: copied})
	st.last = id
	if maxLen > 0 && int64(len(st.entries)) > maxLen {
		st.entries = st.entries[int64(len(st.entries))-maxLen:]
	}
	return id.String(), nil
}

func (s *Store) stream(name string) *stream {
	st, ok := s.streams[name]
	if !ok {
		st = &stream{groups: make(map[string]*group)}
		s.streams[name] = st
	}
	return st
}

func (s *Store) EnsureGroup(_ context.Context, name, groupName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stream(name)
	if _, ok := st.groups[groupName]; ok {
		return false, nil
	}
	st.groups[groupName] = &group{
		pending:   make(map[entryID]*pendingEntry),
		consumers: make(map[string]struct{}),
	}
	return true, nil
}

func (s *Store) lookupGroup(name, groupName string) (*stream, *group, error) {
	st, ok := s.streams[name]
	if !ok {
		return nil, nil, fmt.Errorf("NOGROUP no such key %q or consumer group %q", name, groupName)
	}
	g, ok := st.groups[groupName]
	if !ok {
		return nil, nil, fmt.Errorf("NOGROUP no such key %q or consumer group %q", name, groupName)
	}
	return st, g, nil
}

func (s *Store) XReadGroupNew(_ context.Context, name, groupName, consumer string, count int64) ([]coordstore.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, g, err := s.lookupGroup(name, groupName)
	if err != nil {
		return nil, err
	}
	g.consumers[consumer] = struct{}{}
	now := s.now()
	var out []coordstore.Entry
	for _, e := range st.entries {
		if count > 0 && int64(len(out)) >= count {
			break
		}
		if !g.lastDelivered.less(e.id) {
			continue
		}
		g.lastDelivered = e.id
		g.pending[e.id] = &pendingEntry{consumer: consumer, deliveredAt: now, deliveries: 1}
		out = append(out, toEntry(e))
	}
	return out, nil
}

func (s *Store) XAutoClaim(_ context.Context, name, groupName, consumer string, minIdle time.Duration, count int64) ([]coordstore.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, g, err := s.lookupGroup(name, groupName)
	if err != nil {
		return nil, err
	}
	g.consumers[consumer] = struct{}{}
	now := s.now()

	byID := make(map[entryID]streamEntry, len(st.entries))
	for _, e := range st.entries {
		byID[e.id] = e
	}
	ids := make([]entryID, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].less(ids[j]) })

	var out []coordstore.Entry
	for _, id := range ids {
		if count > 0 && int64(len(out)) >= count {
			break
		}
		p := g.pending[id]
		if now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		e, ok := byID[id]
		if !ok {
			// trimmed from the stream; Redis drops these from the PEL as well
			delete(g.pending, id)
			continue
		}
		p.consumer = consumer
		p.deliveredAt = now
		p.deliveries++
		out = append(out, toEntry(e))
	}
	return out, nil
}

func (s *Store) XAck(_ context.Context, name, groupName string, ids ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, g, err := s.lookupGroup(name, groupName)
	if err != nil {
		return 0, nil
	}
	var acked int64
	for _, raw := range ids {
		id, ok := parseEntryID(raw)
		if !ok {
			return 0, fmt.Errorf("ERR Invalid stream ID specified as stream command argument: %q", raw)
		}
		if _, pending := g.pending[id]; pending {
			delete(g.pending, id)
			acked++
		}
	}
	return acked, nil
}

func (s *Store) XPendingCount(_ context.Context, name, groupName string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, g, err := s.lookupGroup(name, groupName)
	if err != nil {
		return 0, err
	}
	return int64(len(g.pending)), nil
}

func (s *Store) XLen(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[name]
	if !ok {
		return 0, nil
	}
	return int64(len(st.entries)), nil
}

func (s *Store) XInfoGroups(_ context.Context, name string) ([]coordstore.GroupInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[name]
	if !ok {
		return nil, nil
	}
	names := make([]string, 0, len(st.groups))
	for n := range st.groups {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]coordstore.GroupInfo, 0, len(names))
	for _, n := range names {
		g := st.groups[n]
		var lag int64
		for _, e := range st.entries {
			if g.lastDelivered.less(e.id) {
				lag++
			}
		}
		out = append(out, coordstore.GroupInfo{
			Name:            n,
			Consumers:       int64(len(g.consumers)),
			Pending:         int64(len(g.pending)),
			LastDeliveredID: g.lastDelivered.String(),
			Lag:             lag,
		})
	}
	return out, nil
}

func toEntry(e streamEntry) coordstore.Entry {
	fields := make(map[string]string, len(e.fields))
	for k, v := range e.fields {
		fields[k] = v
	}
	return coordstore.Entry{ID: e.id.String(), Fields: fields}
}

func parseEntryID(raw string) (entryID, bool) {
	msPart, seqPart, hasSeq := strings.Cut(raw, "-")
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return entryID{}, false
	}
	if !hasSeq {
		return entryID{ms: ms}, true
	}
	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil {
		return entryID{}, false
	}
	return entryID{ms: ms, seq: seq}, true
}

// ManualClock is a settable time source for WithClock.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock starts a clock at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
