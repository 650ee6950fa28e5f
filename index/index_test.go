package index_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-repository-index/index"
	"github.com/goliatone/go-repository-index/store"
	"github.com/goliatone/go-repository-index/store/memstore"
)

type event struct {
	created time.Time
}

func (e *event) GetCreatedUTC() time.Time  { return e.created }
func (e *event) SetCreatedUTC(t time.Time) { e.created = t }
func (e *event) GetUpdatedUTC() time.Time  { return e.created }
func (e *event) SetUpdatedUTC(time.Time)   {}

func TestNames(t *testing.T) {
	now := time.Date(2024, 5, 17, 23, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	plain := index.New("orders", index.WithVersion(3))
	assert.Equal(t, "orders-v3", plain.VersionedName())
	assert.Equal(t, "orders", plain.ReadIndex())
	assert.Equal(t, "orders", plain.WriteIndex(&event{}))
	assert.True(t, plain.SupportsMultiGet())

	daily := index.New("logs", index.WithDailyShards(), index.WithClock(clock))
	assert.Equal(t, "logs-v1-2024.03.02", daily.WriteIndex(&event{created: time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC)}))
	assert.Equal(t, "logs-v1-2024.05.17", daily.WriteIndex(&event{}))
	assert.Equal(t, "logs-v1-2024.05.17", daily.WriteIndex(nil))
	assert.False(t, daily.SupportsMultiGet())

	monthly := index.New("logs", index.WithMonthlyShards(), index.WithVersion(2))
	assert.Equal(t, "logs-v2-2024.03", monthly.ShardName(time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)))

	assert.False(t, index.New("comments", index.WithParentChild()).SupportsMultiGet())
}

func TestConfigureCreatesAliasedVersion(t *testing.T) {
	ctx := context.Background()
	client := memstore.New()

	idx := index.New("orders", index.WithVersion(2))
	require.NoError(t, idx.Configure(ctx, client))
	require.NoError(t, idx.Configure(ctx, client))

	aliases, err := client.GetAliases(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"orders-v2": {"orders"}}, aliases)
}

type countingClient struct {
	store.Client
	creates atomic.Int32
}

func (c *countingClient) CreateIndex(ctx context.Context, req store.CreateIndexRequest) error {
	c.creates.Add(1)
	return c.Client.CreateIndex(ctx, req)
}

func TestEnsureOncePerName(t *testing.T) {
	ctx := context.Background()
	client := &countingClient{Client: memstore.New()}
	idx := index.New("logs", index.WithDailyShards())

	var wg sync.WaitGroup
	for n := 0; n < 8; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, idx.Ensure(ctx, client, "logs-v1-2024.01.01", "logs-v1-2024.01.02"))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 2, client.creates.Load())

	exists, err := client.IndexExists(ctx, "logs")
	require.NoError(t, err)
	assert.True(t, exists)
}
