package tracker

import (
	"context"
	"testing"

	"github.com/codelens/codelens/internal/graph"
	"github.com/codelens/codelens/internal/units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	tr, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

// TestIncrementalSkip: indexing the same file content twice
// must report no need to reindex on the second pass.
func TestIncrementalSkip(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)

	needs, err := tr.NeedsReindex(ctx, "a.ts", "hash1", "model-a")
	require.NoError(t, err)
	assert.True(t, needs)

	u := &units.Unit{ID: "u1", File: "a.ts", Kind: units.KindFunction, Name: "foo"}
	require.NoError(t, tr.Record(ctx, "a.ts", "hash1", "model-a", []*units.Unit{u}, nil))

	needs, err = tr.NeedsReindex(ctx, "a.ts", "hash1", "model-a")
	require.NoError(t, err)
	assert.False(t, needs)
}

// TestContentChangeReplacesUnits covers the tracker-level expectation:
// after re-recording with a changed hash, the old symbol is gone.
func TestContentChangeReplacesUnits(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)

	foo := &units.Unit{ID: "u1", File: "a.ts", Kind: units.KindFunction, Name: "foo"}
	require.NoError(t, tr.Record(ctx, "a.ts", "hash1", "model-a", []*units.Unit{foo}, nil))

	bar := &units.Unit{ID: "u2", File: "a.ts", Kind: units.KindFunction, Name: "bar"}
	require.NoError(t, tr.Record(ctx, "a.ts", "hash2", "model-a", []*units.Unit{bar}, nil))

	all, err := tr.AllUnits(ctx)
	require.NoError(t, err)
	var names []string
	for _, u := range all {
		names = append(names, u.Name)
	}
	assert.Contains(t, names, "bar")
	assert.NotContains(t, names, "foo")
}

func TestDimensionMismatchReset(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)

	u := &units.Unit{ID: "u1", File: "a.go", Kind: units.KindFunction, Name: "foo"}
	require.NoError(t, tr.Record(ctx, "a.go", "h", "model-1024", []*units.Unit{u}, nil))

	require.NoError(t, tr.ResetForDimensionChange(ctx, "model-768"))

	files, err := tr.ListIndexedFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, files)

	v, ok, err := tr.GetMetadata(ctx, "embedding_model")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "model-768", v)
}

func TestResolveDanglingEdges(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)

	caller := &units.Unit{ID: "a#caller", File: "a.go", Kind: units.KindFunction, Name: "caller"}
	edges := []graph.Edge{{Source: "a#caller", Kind: graph.EdgeCall, Resolved: false, TargetName: "callee"}}
	require.NoError(t, tr.Record(ctx, "a.go", "h1", "m", []*units.Unit{caller}, edges))

	callee := &units.Unit{ID: "b#callee", File: "b.go", Kind: units.KindFunction, Name: "callee"}
	require.NoError(t, tr.Record(ctx, "b.go", "h2", "m", []*units.Unit{callee}, nil))

	all, err := tr.AllUnits(ctx)
	require.NoError(t, err)
	idx := graph.NewIndex(all)

	n, err := tr.ResolveDangling(ctx, idx, func(string) float64 { return 0 })
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	allEdges, err := tr.AllEdges(ctx)
	require.NoError(t, err)
	require.Len(t, allEdges, 1)
	assert.True(t, allEdges[0].Resolved)
	assert.Equal(t, "b#callee", allEdges[0].Target)
}
