package testsupport

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/goliatone/go-repository-index/store"
	"github.com/goliatone/go-repository-index/store/memstore"
)

func TestLoadFixture(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "test.txt")
	testContent := []byte("test fixture content")

	if err := os.WriteFile(testFile, testContent, 0o644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	result := LoadFixture(t, testFile)
	if string(result) != string(testContent) {
		t.Errorf("expected %q, got %q", testContent, result)
	}
}

func TestLoadFixtureJSON(t *testing.T) {
	var docs []map[string]any
	LoadFixtureJSON(t, FixturePath("orders.json"), &docs)

	if len(docs) != 5 {
		t.Fatalf("expected 5 fixture documents, got %d", len(docs))
	}
	if docs[0]["id"] != "ord-001" {
		t.Errorf("expected first id ord-001, got %v", docs[0]["id"])
	}
}

func TestWriteGoldenAndCompare(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.golden")
	data := []byte("golden content\n")

	WriteGolden(t, path, data)
	CompareWithGolden(t, path, data)

	created := filepath.Join(t.TempDir(), "created.golden")
	CompareWithGolden(t, created, data)
	if _, err := os.Stat(created); err != nil {
		t.Errorf("expected golden file to be created: %v", err)
	}
}

func TestSeedIndex(t *testing.T) {
	ctx := context.Background()
	client := memstore.New()

	ids := SeedIndex(t, client, "orders-v1", FixturePath("orders.json"))
	if len(ids) != 5 {
		t.Fatalf("expected 5 ids, got %d", len(ids))
	}

	n, err := client.Count(ctx, store.CountRequest{Indices: []string{"orders-v1"}})
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if n != 5 {
		t.Errorf("expected 5 searchable documents, got %d", n)
	}
}

func TestSeed_RequiresIDs(t *testing.T) {
	_, err := Seed(context.Background(), memstore.New(), "orders", []map[string]any{{"customer": "acme"}})
	if err == nil {
		t.Error("expected error for a document without id")
	}
}

func TestGoldenSearch(t *testing.T) {
	ctx := context.Background()
	client := memstore.New()
	SeedIndex(t, client, "orders-v1", FixturePath("orders.json"))

	resp, err := client.Search(ctx, store.SearchRequest{
		Indices: []string{"orders-v1"},
		Query: store.Query{Filters: []store.Filter{
			store.Eq("customer", "acme"),
			store.Ne("is_deleted", true),
		}},
		Sort: []store.SortField{store.Asc("total")},
		Size: 10,
	})
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}

	type row struct {
		ID    string  `json:"id"`
		Total float64 `json:"total"`
	}
	rows := make([]row, len(resp.Hits))
	for i, hit := range resp.Hits {
		var src row
		if err := json.Unmarshal(hit.Source, &src); err != nil {
			t.Fatalf("decode %s: %v", hit.ID, err)
		}
		rows[i] = src
	}
	CompareWithGoldenJSON(t, GoldenPath("acme_orders.json"), rows)
}

func TestFixturePath(t *testing.T) {
	if got, want := FixturePath("orders.json"), filepath.Join("testdata", "fixtures", "orders.json"); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestGoldenPath(t *testing.T) {
	if got, want := GoldenPath("out.json"), filepath.Join("testdata", "golden", "out.json"); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
