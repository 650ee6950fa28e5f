// Package testsupport holds helpers shared by the module's tests: fixture
// and golden file access, and seeding a store.Client from JSON fixtures.
package testsupport

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/goliatone/go-repository-index/store"
)

// LoadFixture loads test data from a fixture file.
// The path is relative to the test package directory.
func LoadFixture(tb testing.TB, path string) []byte {
	tb.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		tb.Fatalf("failed to load fixture from %s: %v", path, err)
	}
	return data
}

// LoadFixtureJSON loads JSON test data from a fixture file and unmarshals it.
func LoadFixtureJSON(tb testing.TB, path string, dest any) {
	tb.Helper()

	data := LoadFixture(tb, path)
	if err := json.Unmarshal(data, dest); err != nil {
		tb.Fatalf("failed to unmarshal JSON fixture from %s: %v", path, err)
	}
}

// WriteGolden writes test output to a golden file.
// This should typically only be called when updating golden files.
func WriteGolden(tb testing.TB, path string, data []byte) {
	tb.Helper()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		tb.Fatalf("failed to create directory %s: %v", dir, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		tb.Fatalf("failed to write golden file to %s: %v", path, err)
	}
}

// CompareWithGolden compares actual data with expected data from a golden file.
// If the golden file doesn't exist, it creates one with the actual data.
func CompareWithGolden(tb testing.TB, path string, actual []byte) {
	tb.Helper()

	expected, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			tb.Logf("Golden file %s does not exist, creating it", path)
			WriteGolden(tb, path, actual)
			return
		}
		tb.Fatalf("failed to read golden file %s: %v", path, err)
	}

	if string(actual) != string(expected) {
		tb.Errorf("output mismatch for %s:\nExpected:\n%s\nActual:\n%s", path, expected, actual)
	}
}

// CompareWithGoldenJSON indents actual as JSON before comparing it.
func CompareWithGoldenJSON(tb testing.TB, path string, actual any) {
	tb.Helper()

	data, err := json.MarshalIndent(actual, "", "  ")
	if err != nil {
		tb.Fatalf("failed to marshal JSON for golden file %s: %v", path, err)
	}
	CompareWithGolden(tb, path, append(data, '\n'))
}

// SeedIndex bulk-indexes the JSON array of documents in the fixture at
// path into index and refreshes it. Every document needs a string "id".
// It returns the ids in fixture order.
func SeedIndex(tb testing.TB, client store.Client, index, path string) []string {
	tb.Helper()

	var docs []map[string]any
	LoadFixtureJSON(tb, path, &docs)
	ids, err := Seed(context.Background(), client, index, docs)
	if err != nil {
		tb.Fatalf("failed to seed %s from %s: %v", index, path, err)
	}
	return ids
}

// Seed writes docs into index with a single refreshing bulk request.
func Seed(ctx context.Context, client store.Client, index string, docs []map[string]any) ([]string, error) {
	req := store.BulkRequest{Refresh: true}
	ids := make([]string, len(docs))
	for i, doc := range docs {
		id, _ := doc["id"].(string)
		if id == "" {
			return nil, fmt.Errorf("document %d has no id", i)
		}
		src, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", id, err)
		}
		ids[i] = id
		req.Ops = append(req.Ops, store.BulkOp{Action: store.ActionIndex, Index: index, ID: id, Source: src})
	}

	resp, err := client.Bulk(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, item := range resp.Items {
		if item.Err != nil {
			return nil, fmt.Errorf("index %s: %w", item.ID, item.Err)
		}
	}
	return ids, nil
}

// FixturePath constructs a path to a fixture file relative to the testdata directory.
func FixturePath(filename string) string {
	return filepath.Join("testdata", "fixtures", filename)
}

// GoldenPath constructs a path to a golden file relative to the testdata directory.
func GoldenPath(filename string) string {
	return filepath.Join("testdata", "golden", filename)
}
