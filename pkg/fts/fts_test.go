package fts

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/kvforge/pkg/filter"
	"github.com/cuemby/kvforge/pkg/keycodec"
	"github.com/cuemby/kvforge/pkg/storage"
)

func newTestSetup(t *testing.T) (*storage.Store, *Manager) {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	m, err := Open(s.DB())
	require.NoError(t, err)
	s.SetIndexer(m)
	return s, m
}

func TestCreateIndexRejectsEmptyFields(t *testing.T) {
	_, m := newTestSetup(t)
	err := m.CreateIndex(context.Background(), keycodec.Key{keycodec.Text("docs")}, nil, "")
	assert.Error(t, err)
}

func TestSetIndexesMatchingEntryAndSearchFindsIt(t *testing.T) {
	s, m := newTestSetup(t)
	ctx := context.Background()
	prefix := keycodec.Key{keycodec.Text("docs")}

	require.NoError(t, m.CreateIndex(ctx, prefix, []string{"title", "body"}, ""))

	_, err := s.Set(ctx, keycodec.Key{keycodec.Text("docs"), keycodec.Text("1")},
		map[string]any{"title": "Go Routines", "body": "goroutines are cheap"}, storage.SetOptions{})
	require.NoError(t, err)
	_, err = s.Set(ctx, keycodec.Key{keycodec.Text("docs"), keycodec.Text("2")},
		map[string]any{"title": "Rust Ownership", "body": "borrow checker basics"}, storage.SetOptions{})
	require.NoError(t, err)

	results, err := m.Search(ctx, prefix, "goroutines", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	body, _ := results[0].Value.(map[string]any)["body"].(string)
	assert.Equal(t, "goroutines are cheap", body)
}

func TestDeleteRemovesFromIndex(t *testing.T) {
	s, m := newTestSetup(t)
	ctx := context.Background()
	prefix := keycodec.Key{keycodec.Text("docs")}
	key := keycodec.Key{keycodec.Text("docs"), keycodec.Text("1")}

	require.NoError(t, m.CreateIndex(ctx, prefix, []string{"title"}, ""))
	_, err := s.Set(ctx, key, map[string]any{"title": "ephemeral"}, storage.SetOptions{})
	require.NoError(t, err)

	results, err := m.Search(ctx, prefix, "ephemeral", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)

	_, err = s.Delete(ctx, key, storage.DeleteOptions{})
	require.NoError(t, err)

	results, err = m.Search(ctx, prefix, "ephemeral", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchAppliesWhereFilter(t *testing.T) {
	s, m := newTestSetup(t)
	ctx := context.Background()
	prefix := keycodec.Key{keycodec.Text("docs")}
	require.NoError(t, m.CreateIndex(ctx, prefix, []string{"title"}, ""))

	_, err := s.Set(ctx, keycodec.Key{keycodec.Text("docs"), keycodec.Text("1")},
		map[string]any{"title": "searchable entry", "status": "published"}, storage.SetOptions{})
	require.NoError(t, err)
	_, err = s.Set(ctx, keycodec.Key{keycodec.Text("docs"), keycodec.Text("2")},
		map[string]any{"title": "searchable draft", "status": "draft"}, storage.SetOptions{})
	require.NoError(t, err)

	where := mustParseWhere(t, `{"status":{"eq":"published"}}`)
	results, err := m.Search(ctx, prefix, "searchable", SearchOptions{Where: where})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "published", results[0].Value.(map[string]any)["status"])
}

func TestSearchMissingIndexReturnsNotFound(t *testing.T) {
	_, m := newTestSetup(t)
	_, err := m.Search(context.Background(), keycodec.Key{keycodec.Text("nope")}, "x", SearchOptions{})
	assert.Error(t, err)
}

func TestExtractFieldNestedPath(t *testing.T) {
	value := map[string]any{
		"profile": map[string]any{"verified": true},
		"items":   []any{map[string]any{"price": 9.5}},
	}
	v, ok := extractField(value, "profile.verified")
	require.True(t, ok)
	assert.Equal(t, true, v)

	v, ok = extractField(value, "items[0].price")
	require.True(t, ok)
	assert.Equal(t, 9.5, v)

	_, ok = extractField(value, "missing.path")
	assert.False(t, ok)
}

func TestRecreatingIndexReplacesPriorDefinition(t *testing.T) {
	s, m := newTestSetup(t)
	ctx := context.Background()
	prefix := keycodec.Key{keycodec.Text("docs")}

	require.NoError(t, m.CreateIndex(ctx, prefix, []string{"title"}, ""))
	_, err := s.Set(ctx, keycodec.Key{keycodec.Text("docs"), keycodec.Text("1")},
		map[string]any{"title": "old schema", "summary": "ignored before recreate"}, storage.SetOptions{})
	require.NoError(t, err)

	require.NoError(t, m.CreateIndex(ctx, prefix, []string{"title", "summary"}, ""))
	_, err = s.Set(ctx, keycodec.Key{keycodec.Text("docs"), keycodec.Text("2")},
		map[string]any{"title": "new schema", "summary": "now indexed"}, storage.SetOptions{})
	require.NoError(t, err)

	results, err := m.Search(ctx, prefix, "indexed", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func mustParseWhere(t *testing.T, js string) *filter.Node {
	t.Helper()
	var n filter.Node
	require.NoError(t, json.Unmarshal([]byte(js), &n))
	return &n
}
