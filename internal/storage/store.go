package storage

import (
	"context"
	"encoding/json"
	"regexp"

	"github.com/juju/errors"
)

// Row is one record of a table. Values round-trip through JSON, so numbers
// always come back as float64 regardless of the backend.
type Row map[string]any

// Op is a filter comparison.
type Op string

const (
	OpEq  Op = "eq"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
	// OpILike matches when the field contains Value as a substring,
	// ignoring case. Wildcard characters in Value are literal.
	OpILike Op = "ilike"
)

// Filter restricts a query to rows where Field Op Value holds. Rows where
// Field is absent never match.
type Filter struct {
	Field string
	Op    Op
	Value any
}

func Eq(field string, value any) Filter  { return Filter{Field: field, Op: OpEq, Value: value} }
func Gt(field string, value any) Filter  { return Filter{Field: field, Op: OpGt, Value: value} }
func Gte(field string, value any) Filter { return Filter{Field: field, Op: OpGte, Value: value} }
func ILike(field, substring string) Filter {
	return Filter{Field: field, Op: OpILike, Value: substring}
}

// Order sorts results by Field. Rows with equal values keep insertion order.
type Order struct {
	Field string
	Desc  bool
}

// Query selects rows. A zero Query returns every row in insertion order.
type Query struct {
	Filters []Filter
	Order   *Order
	Limit   int // <= 0 means unlimited
}

// Table declares a table and the fields that carry constraints. Unique
// fields reject a second row with the same non-null value; Indexed fields
// are a performance hint.
type Table struct {
	Name    string
	Unique  []string
	Indexed []string
}

// Store is the backing datastore. Every method is a single atomic
// operation; callers hold no locks of their own.
type Store interface {
	Insert(ctx context.Context, table string, row Row) error
	Select(ctx context.Context, table string, q Query) ([]Row, error)
	// Update merges patch into every row matching filters and returns how
	// many rows changed.
	Update(ctx context.Context, table string, filters []Filter, patch Row) (int, error)
	Delete(ctx context.Context, table string, filters []Filter) (int, error)
	Close() error
}

var fieldName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func validateQuery(q Query) error {
	if err := validateFilters(q.Filters); err != nil {
		return err
	}
	if q.Order != nil && !fieldName.MatchString(q.Order.Field) {
		return errors.NotValidf("order field %q", q.Order.Field)
	}
	return nil
}

func validateFilters(filters []Filter) error {
	for _, f := range filters {
		if !fieldName.MatchString(f.Field) {
			return errors.NotValidf("filter field %q", f.Field)
		}
		switch f.Op {
		case OpEq, OpGt, OpGte, OpLt, OpLte:
		case OpILike:
			if _, ok := f.Value.(string); !ok {
				return errors.NotValidf("ilike value for %q", f.Field)
			}
		default:
			return errors.NotValidf("filter op %q", f.Op)
		}
	}
	return nil
}

func validatePatch(patch Row) error {
	for field := range patch {
		if !fieldName.MatchString(field) {
			return errors.NotValidf("patch field %q", field)
		}
	}
	return nil
}

// Encode converts a tagged struct into a Row.
func Encode(v any) (Row, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Annotate(err, "storage encode")
	}
	var row Row
	if err := json.Unmarshal(b, &row); err != nil {
		return nil, errors.Annotate(err, "storage encode")
	}
	return row, nil
}

// Decode fills the struct pointed to by v from row.
func Decode(row Row, v any) error {
	b, err := json.Marshal(row)
	if err != nil {
		return errors.Annotate(err, "storage decode")
	}
	if err := json.Unmarshal(b, v); err != nil {
		return errors.Annotate(err, "storage decode")
	}
	return nil
}

// DecodeAll decodes rows into a slice of T.
func DecodeAll[T any](rows []Row) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		var v T
		if err := Decode(row, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
