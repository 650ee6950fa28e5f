package mongostore

import (
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/goliatone/go-repository-index/store"
)

// sourceToBSON decodes a JSON document into a bson.M. RFC 3339 strings become
// BSON dates so range filters and sorts on timestamps compare
// chronologically. Dates keep millisecond precision.
func sourceToBSON(source []byte) (bson.M, error) {
	var fields map[string]any
	if err := json.Unmarshal(source, &fields); err != nil {
		return nil, fmt.Errorf("mongostore: decode source: %w", err)
	}
	return toBSON(fields).(bson.M), nil
}

func toBSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(bson.M, len(t))
		for k, val := range t {
			out[k] = toBSON(val)
		}
		return out
	case []any:
		out := make(bson.A, len(t))
		for i, val := range t {
			out[i] = toBSON(val)
		}
		return out
	case string:
		if ts, ok := parseTime(t); ok {
			return primitive.NewDateTimeFromTime(ts)
		}
		return t
	case time.Time:
		return primitive.NewDateTimeFromTime(t)
	}
	return v
}

// sourceFromBSON renders a stored document back to JSON.
func sourceFromBSON(doc bson.M) (json.RawMessage, map[string]any, error) {
	fields, _ := fromBSON(doc).(map[string]any)
	if fields == nil {
		fields = map[string]any{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, nil, fmt.Errorf("mongostore: encode source: %w", err)
	}
	return data, fields, nil
}

func fromBSON(v any) any {
	switch t := v.(type) {
	case bson.M:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = fromBSON(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = fromBSON(val)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = fromBSON(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = fromBSON(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = fromBSON(val)
		}
		return out
	case primitive.DateTime:
		return t.Time().UTC().Format(time.RFC3339Nano)
	}
	return v
}

func parseTime(s string) (time.Time, bool) {
	if len(s) < len("2006-01-02T15:04:05Z") || s[4] != '-' || s[10] != 'T' {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	return ts, err == nil
}

func field(name string) string {
	return "src." + name
}

// buildFilter translates a store.Query into a MongoDB filter.
func buildFilter(q store.Query) bson.D {
	filter := bson.D{}

	idCond := bson.D{}
	if len(q.IDs) > 0 {
		idCond = append(idCond, bson.E{Key: "$in", Value: q.IDs})
	}
	if len(q.ExcludeIDs) > 0 {
		idCond = append(idCond, bson.E{Key: "$nin", Value: q.ExcludeIDs})
	}
	if len(idCond) > 0 {
		filter = append(filter, bson.E{Key: "_id", Value: idCond})
	}

	var clauses bson.A
	for _, f := range q.Filters {
		if clause := filterClause(f); clause != nil {
			clauses = append(clauses, clause)
		}
	}
	if len(clauses) > 0 {
		filter = append(filter, bson.E{Key: "$and", Value: clauses})
	}
	return filter
}

func filterClause(f store.Filter) bson.D {
	name := field(f.Field)
	value := toBSON(f.Value)

	switch f.Op {
	case store.OpEq:
		return bson.D{{Key: name, Value: bson.D{{Key: "$eq", Value: value}}}}
	case store.OpNe:
		return bson.D{{Key: name, Value: bson.D{{Key: "$ne", Value: value}}}}
	case store.OpGt:
		return bson.D{{Key: name, Value: bson.D{{Key: "$gt", Value: value}}}}
	case store.OpGte:
		return bson.D{{Key: name, Value: bson.D{{Key: "$gte", Value: value}}}}
	case store.OpLt:
		return bson.D{{Key: name, Value: bson.D{{Key: "$lt", Value: value}}}}
	case store.OpLte:
		return bson.D{{Key: name, Value: bson.D{{Key: "$lte", Value: value}}}}
	case store.OpIn:
		values := bson.A{}
		for _, v := range store.Values(f.Value) {
			values = append(values, toBSON(v))
		}
		return bson.D{{Key: name, Value: bson.D{{Key: "$in", Value: values}}}}
	case store.OpExists:
		return bson.D{{Key: name, Value: bson.D{{Key: "$exists", Value: true}, {Key: "$ne", Value: nil}}}}
	}
	return nil
}

func buildSort(sortBy []store.SortField) bson.D {
	out := bson.D{}
	for _, sf := range sortBy {
		dir := 1
		if sf.Descending {
			dir = -1
		}
		out = append(out, bson.E{Key: field(sf.Field), Value: dir})
	}
	return append(out, bson.E{Key: "_id", Value: 1})
}
