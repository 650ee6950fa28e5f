package memstore

import (
	"slices"

	"github.com/goliatone/go-repository-index/store"
)

func matchQuery(q store.Query, doc *document) bool {
	if len(q.IDs) > 0 && !slices.Contains(q.IDs, doc.id) {
		return false
	}
	if slices.Contains(q.ExcludeIDs, doc.id) {
		return false
	}
	for _, f := range q.Filters {
		if !matchFilter(f, doc.fields) {
			return false
		}
	}
	return true
}

func matchFilter(f store.Filter, fields map[string]any) bool {
	value, ok := store.Lookup(fields, f.Field)

	switch f.Op {
	case store.OpExists:
		return ok && value != nil
	case store.OpEq:
		return ok && termMatch(value, f.Value)
	case store.OpNe:
		return !ok || !termMatch(value, f.Value)
	case store.OpIn:
		if !ok {
			return false
		}
		for _, candidate := range store.Values(f.Value) {
			if termMatch(value, candidate) {
				return true
			}
		}
		return false
	case store.OpGt, store.OpGte, store.OpLt, store.OpLte:
		if !ok || value == nil {
			return false
		}
		cmp, comparable := store.CompareValues(value, f.Value)
		if !comparable {
			return false
		}
		switch f.Op {
		case store.OpGt:
			return cmp > 0
		case store.OpGte:
			return cmp >= 0
		case store.OpLt:
			return cmp < 0
		}
		return cmp <= 0
	}
	return false
}

// termMatch treats array fields as multi-valued, the way term queries do.
func termMatch(value, want any) bool {
	if values, ok := value.([]any); ok {
		if _, wantSlice := want.([]any); !wantSlice {
			for _, v := range values {
				if store.ValuesEqual(v, want) {
					return true
				}
			}
			return false
		}
	}
	return store.ValuesEqual(value, want)
}
