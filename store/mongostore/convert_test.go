package mongostore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/goliatone/go-repository-index/store"
)

func TestSourceRoundTripKeepsTimestamps(t *testing.T) {
	src := []byte(`{"name":"a","created_utc":"2024-03-01T10:00:00Z","tags":["x"],"n":2}`)

	doc, err := sourceToBSON(src)
	require.NoError(t, err)
	_, isDate := doc["created_utc"].(primitive.DateTime)
	assert.True(t, isDate)
	_, isArray := doc["tags"].(bson.A)
	assert.True(t, isArray)

	raw, fields, err := sourceFromBSON(doc)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01T10:00:00Z", fields["created_utc"])
	assert.JSONEq(t, string(src), string(raw))
}

func TestParseTimeRejectsPlainStrings(t *testing.T) {
	_, ok := parseTime("hello")
	assert.False(t, ok)
	_, ok = parseTime("2024-03-01")
	assert.False(t, ok)

	ts, ok := parseTime("2024-03-01T10:00:00.5Z")
	require.True(t, ok)
	assert.Equal(t, 500*time.Millisecond, time.Duration(ts.Nanosecond()))
}

func TestBuildFilter(t *testing.T) {
	q := store.Query{
		IDs:        []string{"a", "b"},
		ExcludeIDs: []string{"b"},
		Filters:    []store.Filter{store.Eq("status", "open"), store.Ne("is_deleted", true)},
	}

	filter := buildFilter(q)
	require.Len(t, filter, 2)
	assert.Equal(t, "_id", filter[0].Key)
	assert.Equal(t, bson.D{{Key: "$in", Value: []string{"a", "b"}}, {Key: "$nin", Value: []string{"b"}}}, filter[0].Value)

	assert.Equal(t, "$and", filter[1].Key)
	clauses := filter[1].Value.(bson.A)
	require.Len(t, clauses, 2)
	assert.Equal(t, bson.D{{Key: "src.status", Value: bson.D{{Key: "$eq", Value: "open"}}}}, clauses[0])
}

func TestBuildFilterEmptyQuery(t *testing.T) {
	assert.Empty(t, buildFilter(store.Query{}))
}

func TestBuildSortAddsIDTiebreak(t *testing.T) {
	sortBy := buildSort([]store.SortField{store.Desc("created_utc")})
	assert.Equal(t, bson.D{{Key: "src.created_utc", Value: -1}, {Key: "_id", Value: 1}}, sortBy)
}

func TestApplyAliasActions(t *testing.T) {
	colls := map[string]bool{"orders-v1": true, "orders-v2": true}
	table := map[string][]string{"orders": {"orders-v1"}}

	err := applyAliasActions(table, colls, []store.AliasAction{
		{Type: store.AliasRemove, Index: "orders-v1", Alias: "orders"},
		{Type: store.AliasAdd, Index: "orders-v2", Alias: "orders"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"orders-v2"}, table["orders"])

	err = applyAliasActions(table, colls, []store.AliasAction{{Type: store.AliasAdd, Index: "missing", Alias: "orders"}})
	assert.ErrorIs(t, err, store.ErrIndexNotFound)

	err = applyAliasActions(table, colls, []store.AliasAction{{Type: store.AliasAdd, Index: "orders-v1", Alias: "orders-v2"}})
	assert.Error(t, err)
}
