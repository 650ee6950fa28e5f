package store

import "time"

// Operator is a filter comparison.
type Operator string

const (
	OpEq     Operator = "eq"
	OpNe     Operator = "ne"
	OpGt     Operator = "gt"
	OpGte    Operator = "gte"
	OpLt     Operator = "lt"
	OpLte    Operator = "lte"
	OpIn     Operator = "in"
	OpExists Operator = "exists"
)

// Filter compares a source field, addressed by a dotted path, with Value.
// OpNe also matches documents that lack the field. Time values and RFC 3339
// strings compare chronologically.
type Filter struct {
	Field string   `json:"field"`
	Op    Operator `json:"op"`
	Value any      `json:"value,omitempty"`
}

func Eq(field string, value any) Filter  { return Filter{Field: field, Op: OpEq, Value: value} }
func Ne(field string, value any) Filter  { return Filter{Field: field, Op: OpNe, Value: value} }
func Gt(field string, value any) Filter  { return Filter{Field: field, Op: OpGt, Value: value} }
func Gte(field string, value any) Filter { return Filter{Field: field, Op: OpGte, Value: value} }
func Lt(field string, value any) Filter  { return Filter{Field: field, Op: OpLt, Value: value} }
func Lte(field string, value any) Filter { return Filter{Field: field, Op: OpLte, Value: value} }
func Exists(field string) Filter         { return Filter{Field: field, Op: OpExists} }

// In matches when the field equals any of values.
func In(field string, values ...any) Filter {
	return Filter{Field: field, Op: OpIn, Value: values}
}

// Query is a conjunction of filters plus id constraints.
type Query struct {
	IDs        []string `json:"ids,omitempty"`
	ExcludeIDs []string `json:"exclude_ids,omitempty"`
	Filters    []Filter `json:"filters,omitempty"`
}

// IsZero reports whether q matches every document.
func (q Query) IsZero() bool {
	return len(q.IDs) == 0 && len(q.ExcludeIDs) == 0 && len(q.Filters) == 0
}

// And returns a copy of q with filters appended.
func (q Query) And(filters ...Filter) Query {
	out := q.Clone()
	out.Filters = append(out.Filters, filters...)
	return out
}

// Clone returns a deep enough copy to append to without aliasing.
func (q Query) Clone() Query {
	return Query{
		IDs:        append([]string(nil), q.IDs...),
		ExcludeIDs: append([]string(nil), q.ExcludeIDs...),
		Filters:    append([]Filter(nil), q.Filters...),
	}
}

// SortField orders results by a source field. Ties are broken by id.
type SortField struct {
	Field      string `json:"field"`
	Descending bool   `json:"desc,omitempty"`
}

func Asc(field string) SortField  { return SortField{Field: field} }
func Desc(field string) SortField { return SortField{Field: field, Descending: true} }

// CursorOptions opens a snapshot cursor over the result set.
type CursorOptions struct {
	KeepAlive time.Duration
}
