package store

import "sort"

// SortHits orders hits by sortBy, missing values last, then by id and index.
// fields[i] is the decoded source of hits[i].
func SortHits(hits []Hit, fields []map[string]any, sortBy []SortField) []Hit {
	order := make([]int, len(hits))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return lessHit(hits[order[a]], fields[order[a]], hits[order[b]], fields[order[b]], sortBy)
	})

	sorted := make([]Hit, len(hits))
	for i, j := range order {
		sorted[i] = hits[j]
	}
	return sorted
}

func lessHit(a Hit, af map[string]any, b Hit, bf map[string]any, sortBy []SortField) bool {
	for _, sf := range sortBy {
		av, aok := Lookup(af, sf.Field)
		bv, bok := Lookup(bf, sf.Field)
		aok = aok && av != nil
		bok = bok && bv != nil

		switch {
		case !aok && !bok:
			continue
		case !aok:
			return false
		case !bok:
			return true
		}

		cmp, ok := CompareValues(av, bv)
		if !ok || cmp == 0 {
			continue
		}
		if sf.Descending {
			return cmp > 0
		}
		return cmp < 0
	}

	if a.ID != b.ID {
		return a.ID < b.ID
	}
	return a.Index < b.Index
}
