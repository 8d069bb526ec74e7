package testsuite

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	adapter "github.com/deuxdrop/chat/server/db"
	"github.com/deuxdrop/chat/server/store/types"
)

func scan(t *testing.T, adp adapter.Adapter, index, param string, rng *types.ScanRange) []types.IndexEntry {
	t.Helper()
	got, err := adp.ScanIndex(context.Background(), "convs", index, param, rng)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func expectEntries(t *testing.T, got []types.IndexEntry, want ...types.IndexEntry) {
	t.Helper()
	if len(want) == 0 && len(got) == 0 {
		return
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("index entries mismatch (-want +got):\n%s", diff)
	}
}

func entry(obj string, score float64) types.IndexEntry {
	return types.IndexEntry{Object: obj, Score: score}
}

// RunIndexOrdering checks descending score order with ties broken by object name.
func RunIndexOrdering(t *testing.T, adp adapter.Adapter) {
	t.Helper()
	ctx := context.Background()

	for _, e := range []types.IndexEntry{entry("c", 5), entry("a", 5), entry("b", 7), entry("d", -1), entry("e", 0.5)} {
		if err := adp.UpdateIndexValue(ctx, "convs", "order", "u1", e.Object, e.Score); err != nil {
			t.Fatal(err)
		}
	}
	expectEntries(t, scan(t, adp, "order", "u1", nil),
		entry("b", 7), entry("a", 5), entry("c", 5), entry("e", 0.5), entry("d", -1))

	// Update may lower the score.
	if err := adp.UpdateIndexValue(ctx, "convs", "order", "u1", "b", 1); err != nil {
		t.Fatal(err)
	}
	expectEntries(t, scan(t, adp, "order", "u1", nil),
		entry("a", 5), entry("c", 5), entry("b", 1), entry("e", 0.5), entry("d", -1))

	if err := adp.DeleteIndexValue(ctx, "convs", "order", "u1", "c"); err != nil {
		t.Fatal(err)
	}
	// Deleting a missing object is not an error.
	if err := adp.DeleteIndexValue(ctx, "convs", "order", "u1", "zzz"); err != nil {
		t.Fatal(err)
	}
	expectEntries(t, scan(t, adp, "order", "u1", nil),
		entry("a", 5), entry("b", 1), entry("e", 0.5), entry("d", -1))

	expectEntries(t, scan(t, adp, "order", "u1", &types.ScanRange{Limit: 2}),
		entry("a", 5), entry("b", 1))
}

// RunIndexMaximize checks that maximize never lowers a score.
func RunIndexMaximize(t *testing.T, adp adapter.Adapter) {
	t.Helper()
	ctx := context.Background()

	if err := adp.UpdateIndexValue(ctx, "convs", "max", "", "A", 5); err != nil {
		t.Fatal(err)
	}
	if err := adp.MaximizeIndexValue(ctx, "convs", "max", "", "A", 2); err != nil {
		t.Fatal(err)
	}
	expectEntries(t, scan(t, adp, "max", "", nil), entry("A", 5))

	if err := adp.MaximizeIndexValue(ctx, "convs", "max", "", "A", 9); err != nil {
		t.Fatal(err)
	}
	// Maximize of a missing object inserts it.
	if err := adp.MaximizeIndexValue(ctx, "convs", "max", "", "B", 3); err != nil {
		t.Fatal(err)
	}
	expectEntries(t, scan(t, adp, "max", "", nil), entry("A", 9), entry("B", 3))
}

// RunIndexRange checks inclusive and exclusive scan bounds.
func RunIndexRange(t *testing.T, adp adapter.Adapter) {
	t.Helper()
	ctx := context.Background()

	for i, obj := range []string{"o1", "o2", "o3", "o4", "o5"} {
		if err := adp.UpdateIndexValue(ctx, "convs", "range", "", obj, float64(i+1)); err != nil {
			t.Fatal(err)
		}
	}

	expectEntries(t, scan(t, adp, "range", "", types.Between(2, 4)),
		entry("o4", 4), entry("o3", 3), entry("o2", 2))

	rng := types.Between(2, 4)
	rng.LowExclusive = true
	expectEntries(t, scan(t, adp, "range", "", rng), entry("o4", 4), entry("o3", 3))

	rng = types.Between(2, 4)
	rng.HighExclusive = true
	expectEntries(t, scan(t, adp, "range", "", rng), entry("o3", 3), entry("o2", 2))

	low := 4.0
	expectEntries(t, scan(t, adp, "range", "", &types.ScanRange{Low: &low}), entry("o5", 5), entry("o4", 4))

	high := 1.5
	expectEntries(t, scan(t, adp, "range", "", &types.ScanRange{High: &high}), entry("o1", 1))

	expectEntries(t, scan(t, adp, "range", "", types.Between(10, 20)))
}

// RunIndexNamespaces checks that index parameters are isolated from one another.
func RunIndexNamespaces(t *testing.T, adp adapter.Adapter) {
	t.Helper()
	ctx := context.Background()

	if err := adp.UpdateIndexValue(ctx, "convs", "byPeep", "alice", "c1", 10); err != nil {
		t.Fatal(err)
	}
	if err := adp.UpdateIndexValue(ctx, "convs", "byPeep", "alice/x", "c2", 20); err != nil {
		t.Fatal(err)
	}
	if err := adp.UpdateIndexValue(ctx, "convs", "byPeep", "bob", "c1", 30); err != nil {
		t.Fatal(err)
	}
	if err := adp.UpdateIndexValue(ctx, "convs", "byPeepx", "alice", "c9", 30); err != nil {
		t.Fatal(err)
	}

	expectEntries(t, scan(t, adp, "byPeep", "alice", nil), entry("c1", 10))
	expectEntries(t, scan(t, adp, "byPeep", "alice/x", nil), entry("c2", 20))
	expectEntries(t, scan(t, adp, "byPeep", "bob", nil), entry("c1", 30))
	expectEntries(t, scan(t, adp, "byPeep", "carol", nil))
}

// RunStringIndex checks the single-entry string variant.
func RunStringIndex(t *testing.T, adp adapter.Adapter) {
	t.Helper()
	ctx := context.Background()

	if err := adp.UpdateStringIndexValue(ctx, "convs", "alpha", "p1", "Bob"); err != nil {
		t.Fatal(err)
	}
	if err := adp.UpdateStringIndexValue(ctx, "convs", "alpha", "p1", "Robert"); err != nil {
		t.Fatal(err)
	}
	expectEntries(t, scan(t, adp, "alpha", "p1", nil), entry("Robert", 0))
}
