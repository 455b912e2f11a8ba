package storage

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/juju/errors"
)

var errStoreClosed = errors.New("memory store is closed")

// MemoryStore keeps every table in process memory. Each operation holds
// the store lock for its whole duration, which makes it atomic.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]*memTable
	closed bool
}

type memTable struct {
	def  Table
	next uint64
	rows []memRow
}

type memRow struct {
	seq    uint64
	doc    []byte
	fields Row
}

// NewMemoryStore creates an empty store holding the given tables.
func NewMemoryStore(tables ...Table) *MemoryStore {
	s := &MemoryStore{tables: make(map[string]*memTable, len(tables))}
	for _, t := range tables {
		s.tables[t.Name] = &memTable{def: t}
	}
	return s
}

func (s *MemoryStore) table(name string) (*memTable, error) {
	if s.closed {
		return nil, failuref(errStoreClosed, "store closed")
	}
	t, ok := s.tables[name]
	if !ok {
		return nil, failuref(nil, "unknown table %q", name)
	}
	return t, nil
}

func (s *MemoryStore) Insert(ctx context.Context, table string, row Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r, err := newMemRow(row)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(table)
	if err != nil {
		return err
	}
	if err := t.checkUnique(r.fields, nil); err != nil {
		return err
	}
	t.next++
	r.seq = t.next
	t.rows = append(t.rows, r)
	return nil
}

func (s *MemoryStore) Select(ctx context.Context, table string, q Query) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.table(table)
	if err != nil {
		return nil, err
	}

	var matched []memRow
	for _, r := range t.rows {
		if matchAll(r.fields, q.Filters) {
			matched = append(matched, r)
		}
	}
	if q.Order != nil {
		field, desc := q.Order.Field, q.Order.Desc
		sort.SliceStable(matched, func(i, j int) bool {
			c, ok := compareField(matched[i].fields[field], matched[j].fields[field])
			if !ok || c == 0 {
				return false
			}
			if desc {
				return c > 0
			}
			return c < 0
		})
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	out := make([]Row, 0, len(matched))
	for _, r := range matched {
		row, err := decodeDoc(r.doc)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, table string, filters []Filter, patch Row) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validateFilters(filters); err != nil {
		return 0, err
	}
	if err := validatePatch(patch); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(table)
	if err != nil {
		return 0, err
	}

	updated := make(map[int]memRow)
	for i, r := range t.rows {
		if !matchAll(r.fields, filters) {
			continue
		}
		merged := make(Row, len(r.fields)+len(patch))
		for k, v := range r.fields {
			merged[k] = v
		}
		for k, v := range patch {
			merged[k] = v
		}
		nr, err := newMemRow(merged)
		if err != nil {
			return 0, err
		}
		nr.seq = r.seq
		updated[i] = nr
	}
	for i, nr := range updated {
		if err := t.checkUnique(nr.fields, updated, i); err != nil {
			return 0, err
		}
	}
	for i, nr := range updated {
		t.rows[i] = nr
	}
	return len(updated), nil
}

func (s *MemoryStore) Delete(ctx context.Context, table string, filters []Filter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validateFilters(filters); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(table)
	if err != nil {
		return 0, err
	}
	kept := t.rows[:0]
	removed := 0
	for _, r := range t.rows {
		if matchAll(r.fields, filters) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	t.rows = kept
	return removed, nil
}

// Close makes every later operation fail.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// checkUnique rejects fields that would duplicate a unique value held by
// another row. pending holds rows about to be replaced, keyed by index;
// skip is the index of the row being checked.
func (t *memTable) checkUnique(fields Row, pending map[int]memRow, skip ...int) error {
	for _, name := range t.def.Unique {
		v, ok := fields[name]
		if !ok || v == nil {
			continue
		}
		for i, r := range t.rows {
			if len(skip) > 0 && i == skip[0] {
				continue
			}
			other := r.fields
			if p, ok := pending[i]; ok {
				other = p.fields
			}
			if c, ok := compareField(other[name], v); ok && c == 0 {
				return alreadyExists(t.def.Name, name)
			}
		}
	}
	return nil
}

func newMemRow(row Row) (memRow, error) {
	doc, err := json.Marshal(row)
	if err != nil {
		return memRow{}, failuref(err, "encode row")
	}
	fields, err := decodeDoc(doc)
	if err != nil {
		return memRow{}, err
	}
	return memRow{doc: doc, fields: fields}, nil
}

func decodeDoc(doc []byte) (Row, error) {
	var row Row
	if err := json.Unmarshal(doc, &row); err != nil {
		return nil, failuref(err, "decode row")
	}
	return row, nil
}

func matchAll(fields Row, filters []Filter) bool {
	for _, f := range filters {
		if !match(fields, f) {
			return false
		}
	}
	return true
}

func match(fields Row, f Filter) bool {
	v, ok := fields[f.Field]
	if !ok || v == nil {
		return false
	}
	if f.Op == OpILike {
		s, ok := v.(string)
		return ok && strings.Contains(strings.ToLower(s), strings.ToLower(f.Value.(string)))
	}
	c, ok := compareField(v, f.Value)
	if !ok {
		return false
	}
	switch f.Op {
	case OpEq:
		return c == 0
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	}
	return false
}

// compareField orders two scalar values. ok is false when they are not
// comparable (different kinds, nil, or composite values).
func compareField(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if av == bv {
			return 0, true
		}
		if !av {
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
