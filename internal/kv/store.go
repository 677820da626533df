// ABOUTME: Typed record store with secondary indices, sorted sets, and namespaces
// ABOUTME: Create/Get/Query/Delete plus atomic Transition for key-field mutations

package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Store is the typed record API over a Backend. Index updates are
// serialized per kind; record bodies are JSON.
type Store struct {
	backend Backend
	prefix  string
	logger  *slog.Logger
	bus     *Bus

	// kindMu serializes index maintenance per record kind.
	kindMu map[Kind]*sync.Mutex
}

// NewStore creates a store over the given backend scoped to a namespace.
// All keys are prefixed with "ember:<namespace>:"; Flush only removes keys
// under that prefix. Pass nil logger for default.
func NewStore(backend Backend, namespace string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "kv", "namespace", namespace)

	kindMu := make(map[Kind]*sync.Mutex, len(indexedFields))
	for kind := range indexedFields {
		kindMu[kind] = &sync.Mutex{}
	}

	return &Store{
		backend: backend,
		prefix:  "ember:" + namespace + ":",
		logger:  logger,
		bus:     NewBus(logger),
		kindMu:  kindMu,
	}
}

// Key helpers

func (s *Store) recKey(kind Kind, id string) string {
	return s.prefix + "rec:" + string(kind) + ":" + id
}

func (s *Store) allKey(kind Kind) string {
	return s.prefix + "all:" + string(kind)
}

func (s *Store) idxKey(kind Kind, field, value string) string {
	return s.prefix + "idx:" + string(kind) + ":" + field + ":" + value
}

func (s *Store) zsKey(kind Kind, field string) string {
	return s.prefix + "zs:" + string(kind) + ":" + field
}

func (s *Store) uniqKey(kind Kind, unique string) string {
	return s.prefix + "uniq:" + string(kind) + ":" + unique
}

// Create persists a new record, allocating an auto key if the record has
// none. Returns ErrDuplicate if a uniqueness constraint is violated.
// Free-text fields are truncated to MaxContentChars, never rejected.
func (s *Store) Create(ctx context.Context, rec Record) error {
	capFields(rec)

	if rec.Key() == "" {
		rec.setKey(uuid.New().String())
	}

	kind := rec.Kind()
	mu := s.kindMu[kind]
	if mu == nil {
		return fmt.Errorf("unknown record kind %q", kind)
	}
	mu.Lock()
	defer mu.Unlock()

	// Claim the uniqueness constraint before writing anything else.
	if unique := rec.uniqueKey(); unique != "" {
		ok, err := s.backend.SetNX(ctx, s.uniqKey(kind, unique), []byte(rec.Key()))
		if err != nil {
			return fmt.Errorf("claiming uniqueness: %w", err)
		}
		if !ok {
			return ErrDuplicate
		}
	}

	if err := s.writeRecord(ctx, rec); err != nil {
		return err
	}

	s.logger.Debug("record created", "kind", kind, "key", rec.Key())
	return nil
}

// writeRecord stores the record body and all its index entries.
// Caller must hold the kind mutex.
func (s *Store) writeRecord(ctx context.Context, rec Record) error {
	kind := rec.Kind()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding %s record: %w", kind, err)
	}
	if err := s.backend.Set(ctx, s.recKey(kind, rec.Key()), data); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}

	if err := s.backend.SAdd(ctx, s.allKey(kind), rec.Key()); err != nil {
		return fmt.Errorf("updating kind set: %w", err)
	}
	for field, value := range rec.indexed() {
		if err := s.backend.SAdd(ctx, s.idxKey(kind, field, value), rec.Key()); err != nil {
			return fmt.Errorf("updating index %s: %w", field, err)
		}
	}
	for field, score := range rec.sorted() {
		if err := s.backend.ZAdd(ctx, s.zsKey(kind, field), rec.Key(), score); err != nil {
			return fmt.Errorf("updating sorted set %s: %w", field, err)
		}
	}
	return nil
}

// Get returns the record of the given kind with the given primary key.
func (s *Store) Get(ctx context.Context, kind Kind, key string) (Record, error) {
	data, err := s.backend.Get(ctx, s.recKey(kind, key))
	if err != nil {
		return nil, err
	}
	rec, err := newRecord(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("decoding %s record %s: %w", kind, key, err)
	}
	return rec, nil
}

// Delete removes a record and all of its index entries. Deleting a record
// that does not exist is a no-op.
func (s *Store) Delete(ctx context.Context, rec Record) error {
	kind := rec.Kind()
	mu := s.kindMu[kind]
	if mu == nil {
		return fmt.Errorf("unknown record kind %q", kind)
	}
	mu.Lock()
	defer mu.Unlock()

	return s.deleteLocked(ctx, rec)
}

// deleteLocked removes the stored copy of rec. Caller must hold the kind mutex.
func (s *Store) deleteLocked(ctx context.Context, rec Record) error {
	kind := rec.Kind()

	// Use the stored copy for index cleanup so stale in-memory field values
	// cannot leave orphaned index entries.
	stored, err := s.Get(ctx, kind, rec.Key())
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	for field, value := range stored.indexed() {
		if err := s.backend.SRem(ctx, s.idxKey(kind, field, value), stored.Key()); err != nil {
			return fmt.Errorf("removing index %s: %w", field, err)
		}
	}
	for field := range stored.sorted() {
		if err := s.backend.ZRem(ctx, s.zsKey(kind, field), stored.Key()); err != nil {
			return fmt.Errorf("removing sorted set %s: %w", field, err)
		}
	}
	if unique := stored.uniqueKey(); unique != "" {
		if err := s.backend.Del(ctx, s.uniqKey(kind, unique)); err != nil {
			return fmt.Errorf("removing uniqueness claim: %w", err)
		}
	}
	if err := s.backend.SRem(ctx, s.allKey(kind), stored.Key()); err != nil {
		return fmt.Errorf("removing from kind set: %w", err)
	}
	if err := s.backend.Del(ctx, s.recKey(kind, stored.Key())); err != nil {
		return fmt.Errorf("removing record: %w", err)
	}

	s.logger.Debug("record deleted", "kind", kind, "key", stored.Key())
	return nil
}

// Transition atomically mutates a record, including its key-typed fields
// (status, project_key). The backing store cannot update index fields in
// place, so this is a delete+recreate under the kind lock. The record
// body is rewritten before stale index entries are removed, so no
// concurrent Get ever observes a missing record.
func (s *Store) Transition(ctx context.Context, kind Kind, key string, mutate func(Record) error) (Record, error) {
	mu := s.kindMu[kind]
	if mu == nil {
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}
	mu.Lock()
	defer mu.Unlock()

	old, err := s.Get(ctx, kind, key)
	if err != nil {
		return nil, err
	}

	updated, err := s.Get(ctx, kind, key)
	if err != nil {
		return nil, err
	}
	if err := mutate(updated); err != nil {
		return nil, err
	}
	if updated.Key() != key {
		return nil, fmt.Errorf("transition may not change the primary key")
	}
	capFields(updated)

	// Uniqueness claims move first so a conflicting concurrent Create fails.
	oldUnique, newUnique := old.uniqueKey(), updated.uniqueKey()
	if newUnique != oldUnique && newUnique != "" {
		ok, err := s.backend.SetNX(ctx, s.uniqKey(kind, newUnique), []byte(key))
		if err != nil {
			return nil, fmt.Errorf("claiming uniqueness: %w", err)
		}
		if !ok {
			return nil, ErrDuplicate
		}
	}

	// Write the new body and new index entries before removing the old ones.
	if err := s.writeRecord(ctx, updated); err != nil {
		return nil, err
	}

	// Remove index entries that no longer apply.
	newIdx := updated.indexed()
	for field, value := range old.indexed() {
		if newIdx[field] == value {
			continue
		}
		if err := s.backend.SRem(ctx, s.idxKey(kind, field, value), key); err != nil {
			return nil, fmt.Errorf("removing stale index %s: %w", field, err)
		}
	}
	if oldUnique != newUnique && oldUnique != "" {
		if err := s.backend.Del(ctx, s.uniqKey(kind, oldUnique)); err != nil {
			return nil, fmt.Errorf("removing stale uniqueness claim: %w", err)
		}
	}

	s.logger.Debug("record transitioned", "kind", kind, "key", key)
	return updated, nil
}

// Flush removes every key in this store's namespace. Other namespaces on
// the same backend are untouched.
func (s *Store) Flush(ctx context.Context) error {
	return s.backend.DelPrefix(ctx, s.prefix)
}

// Publish fans a payload out to all subscribers of the channel.
func (s *Store) Publish(channel string, payload any) {
	s.bus.Publish(channel, payload)
}

// Subscribe registers a handler on a channel. The returned function
// removes the subscription.
func (s *Store) Subscribe(channel string, handler Handler) func() {
	return s.bus.Subscribe(channel, handler)
}

// Close shuts down the pub/sub bus and the backend.
func (s *Store) Close() error {
	s.bus.Close()
	return s.backend.Close()
}

// Query starts a query over records of a kind.
func (s *Store) Query(kind Kind) *Query {
	return &Query{store: s, kind: kind, lo: math.Inf(-1), hi: math.Inf(1)}
}

// Query accumulates filter and range constraints and executes them with All.
type Query struct {
	store      *Store
	kind       Kind
	filters    map[string]string
	rangeField string
	lo, hi     float64
	err        error
}

// Filter adds an exact-match constraint on an indexed field. Filtering on
// a field not declared indexed for the kind is a programming error and
// fails at All.
func (q *Query) Filter(field, value string) *Query {
	if q.err != nil {
		return q
	}
	if !fieldIndexed(q.kind, field) {
		q.err = fmt.Errorf("field %q is not indexed on %s", field, q.kind)
		return q
	}
	if q.filters == nil {
		q.filters = make(map[string]string)
	}
	q.filters[field] = value
	return q
}

// Range constrains a sorted field to lo <= value <= hi and orders the
// results by that field ascending.
func (q *Query) Range(field string, lo, hi float64) *Query {
	if q.err != nil {
		return q
	}
	q.rangeField = field
	q.lo, q.hi = lo, hi
	return q
}

// All executes the query and returns matching records ordered by the range
// field, or by the kind's default sort field when no range is given.
func (q *Query) All(ctx context.Context) ([]Record, error) {
	if q.err != nil {
		return nil, q.err
	}
	s := q.store

	// Candidate keys: cheapest available source, then verify in memory.
	var candidates []string
	var err error
	switch {
	case len(q.filters) > 0:
		candidates, err = q.intersectFilters(ctx)
	case q.rangeField != "":
		candidates, err = s.backend.ZRangeByScore(ctx, s.zsKey(q.kind, q.rangeField), q.lo, q.hi)
	default:
		candidates, err = s.backend.SMembers(ctx, s.allKey(q.kind))
	}
	if err != nil {
		return nil, err
	}

	var results []Record
	for _, key := range candidates {
		rec, err := s.Get(ctx, q.kind, key)
		if err == ErrNotFound {
			// Deleted between candidate listing and load.
			continue
		}
		if err != nil {
			return nil, err
		}
		if !q.matches(rec) {
			continue
		}
		results = append(results, rec)
	}

	sortField := q.rangeField
	if sortField == "" {
		sortField = defaultSortField[q.kind]
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].sorted()[sortField] < results[j].sorted()[sortField]
	})

	return results, nil
}

// intersectFilters returns keys present in every filter's index set.
func (q *Query) intersectFilters(ctx context.Context) ([]string, error) {
	s := q.store

	var keys []string
	first := true
	for field, value := range q.filters {
		members, err := s.backend.SMembers(ctx, s.idxKey(q.kind, field, value))
		if err != nil {
			return nil, err
		}
		if first {
			keys = members
			first = false
			continue
		}
		seen := make(map[string]struct{}, len(members))
		for _, m := range members {
			seen[m] = struct{}{}
		}
		var kept []string
		for _, k := range keys {
			if _, ok := seen[k]; ok {
				kept = append(kept, k)
			}
		}
		keys = kept
		if len(keys) == 0 {
			return nil, nil
		}
	}
	return keys, nil
}

// matches re-verifies all constraints against a loaded record.
func (q *Query) matches(rec Record) bool {
	idx := rec.indexed()
	for field, value := range q.filters {
		if idx[field] != value {
			return false
		}
	}
	if q.rangeField != "" {
		score, ok := rec.sorted()[q.rangeField]
		if !ok || score < q.lo || score > q.hi {
			return false
		}
	}
	return true
}

func fieldIndexed(kind Kind, field string) bool {
	for _, f := range indexedFields[kind] {
		if f == field {
			return true
		}
	}
	return false
}
