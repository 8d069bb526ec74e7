// Package testsuite contains the GenDb contract tests shared by all adapters.
package testsuite

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	adapter "github.com/deuxdrop/chat/server/db"
	"github.com/deuxdrop/chat/server/store"
	"github.com/deuxdrop/chat/server/store/types"
)

// RunAll runs every contract test against the adapter. The adapter must be open and
// its database created.
func RunAll(t *testing.T, adp adapter.Adapter) {
	t.Run("AbsentCells", func(t *testing.T) { RunAbsentCells(t, adp) })
	t.Run("PutGetCells", func(t *testing.T) { RunPutGetCells(t, adp) })
	t.Run("DeleteCells", func(t *testing.T) { RunDeleteCells(t, adp) })
	t.Run("IncrementCell", func(t *testing.T) { RunIncrementCell(t, adp) })
	t.Run("RaceCreateRow", func(t *testing.T) { RunRaceCreateRow(t, adp) })
	t.Run("IndexOrdering", func(t *testing.T) { RunIndexOrdering(t, adp) })
	t.Run("IndexMaximize", func(t *testing.T) { RunIndexMaximize(t, adp) })
	t.Run("IndexRange", func(t *testing.T) { RunIndexRange(t, adp) })
	t.Run("IndexNamespaces", func(t *testing.T) { RunIndexNamespaces(t, adp) })
	t.Run("StringIndex", func(t *testing.T) { RunStringIndex(t, adp) })
	t.Run("Queue", func(t *testing.T) { RunQueue(t, adp) })
	t.Run("QueueExhaust", func(t *testing.T) { RunQueueExhaust(t, adp) })
}

// RunAbsentCells checks that missing rows and cells are reported as absent, not as errors.
func RunAbsentCells(t *testing.T, adp adapter.Adapter) {
	t.Helper()
	ctx := context.Background()

	row, err := adp.GetRow(ctx, "convs", "absent/row")
	if err != nil {
		t.Fatal(err)
	}
	if row == nil || len(row) != 0 {
		t.Errorf("absent row: got %v want empty map", row)
	}

	val, err := adp.GetCell(ctx, "convs", "absent/row", "m:m")
	if err != nil {
		t.Fatal(err)
	}
	if !val.IsAbsent() {
		t.Errorf("absent cell: got %s", val)
	}
}

// RunPutGetCells writes cells and reads them back.
func RunPutGetCells(t *testing.T, adp adapter.Adapter) {
	t.Helper()
	ctx := context.Background()

	cells := types.Row{
		"m:i":  types.MustValue(map[string]string{"convId": "c1"}),
		"m:m":  types.IntValue(0),
		"m:pB": types.MustValue(true),
		"d:m0": types.MustValue("hello"),
	}
	if err := adp.PutCells(ctx, "convs", "put/c1", cells); err != nil {
		t.Fatal(err)
	}
	got, err := adp.GetRow(ctx, "convs", "put/c1")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(normalize(t, cells), normalize(t, got)); diff != "" {
		t.Errorf("row mismatch (-want +got):\n%s", diff)
	}

	// Overwrite one cell, add another.
	if err := adp.PutCells(ctx, "convs", "put/c1", types.Row{
		"d:m0": types.MustValue("bye"),
		"d:m1": types.MustValue(42),
	}); err != nil {
		t.Fatal(err)
	}
	val, err := adp.GetCell(ctx, "convs", "put/c1", "d:m0")
	if err != nil {
		t.Fatal(err)
	}
	var s string
	if err := val.Decode(&s); err != nil || s != "bye" {
		t.Errorf("overwritten cell: got %q (%v)", s, err)
	}
	got, err = adp.GetRow(ctx, "convs", "put/c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Errorf("cell count mismatch: got %v want %v", len(got), 5)
	}

	// Rows are isolated.
	other, err := adp.GetRow(ctx, "convs", "put/c2")
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Error("unrelated row is not empty:", other)
	}
	other, err = adp.GetRow(ctx, "peeps", "put/c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Error("same row key in another table is not empty:", other)
	}
}

// RunDeleteCells removes a cell then the whole row.
func RunDeleteCells(t *testing.T, adp adapter.Adapter) {
	t.Helper()
	ctx := context.Background()

	if err := adp.PutCells(ctx, "peeps", "del/p1", types.Row{
		"d:selfIdent": types.MustValue("ident"),
		"d:nunread":   types.IntValue(3),
	}); err != nil {
		t.Fatal(err)
	}
	if err := adp.DeleteCell(ctx, "peeps", "del/p1", "d:nunread"); err != nil {
		t.Fatal(err)
	}
	val, err := adp.GetCell(ctx, "peeps", "del/p1", "d:nunread")
	if err != nil {
		t.Fatal(err)
	}
	if !val.IsAbsent() {
		t.Error("deleted cell is still present:", string(val))
	}
	val, err = adp.GetCell(ctx, "peeps", "del/p1", "d:selfIdent")
	if err != nil {
		t.Fatal(err)
	}
	if val.IsAbsent() {
		t.Error("sibling of the deleted cell is gone")
	}

	// Deleting a missing cell is not an error.
	if err := adp.DeleteCell(ctx, "peeps", "del/p1", "d:missing"); err != nil {
		t.Error(err)
	}

	if err := adp.DeleteRow(ctx, "peeps", "del/p1"); err != nil {
		t.Fatal(err)
	}
	row, err := adp.GetRow(ctx, "peeps", "del/p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(row) != 0 {
		t.Error("deleted row still has cells:", row)
	}
}

// RunIncrementCell checks the atomic counter.
func RunIncrementCell(t *testing.T, adp adapter.Adapter) {
	t.Helper()
	ctx := context.Background()

	for i, step := range []struct{ delta, want int64 }{{1, 1}, {5, 6}, {-2, 4}, {0, 4}} {
		got, err := adp.IncrementCell(ctx, "convs", "inc/c1", "m:m", step.delta)
		if err != nil {
			t.Fatal(err)
		}
		if got != step.want {
			t.Errorf("step %d: got %v want %v", i, got, step.want)
		}
	}

	val, err := adp.GetCell(ctx, "convs", "inc/c1", "m:m")
	if err != nil {
		t.Fatal(err)
	}
	if n, ok := val.Int64(); !ok || n != 4 {
		t.Errorf("counter read back: got %s", val)
	}

	// Counter written with PutCells can be incremented.
	if err := adp.PutCells(ctx, "convs", "inc/c2", types.Row{"m:m": types.IntValue(10)}); err != nil {
		t.Fatal(err)
	}
	got, err := adp.IncrementCell(ctx, "convs", "inc/c2", "m:m", 1)
	if err != nil {
		t.Fatal(err)
	}
	if got != 11 {
		t.Errorf("increment of a stored counter: got %v want %v", got, 11)
	}

	// Concurrent increments are not lost.
	const workers, each = 8, 25
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				if _, err := adp.IncrementCell(ctx, "convs", "inc/c3", "m:m", 1); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	val, err = adp.GetCell(ctx, "convs", "inc/c3", "m:m")
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := val.Int64(); n != workers*each {
		t.Errorf("concurrent increments: got %v want %v", n, workers*each)
	}
}

// RunRaceCreateRow checks that exactly one of many concurrent creators wins and the
// losers' cells are never persisted.
func RunRaceCreateRow(t *testing.T, adp adapter.Adapter) {
	t.Helper()
	ctx := context.Background()

	const racers = 10
	var wg sync.WaitGroup
	winners := make(chan int, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			won, err := store.RaceCreateRow(ctx, adp, "convs", "race/c1", "m:race", types.Row{
				"m:i": types.MustValue(fmt.Sprintf("creator-%d", i)),
			})
			if err != nil {
				t.Error(err)
				return
			}
			if won {
				winners <- i
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	var won []int
	for w := range winners {
		won = append(won, w)
	}
	if len(won) != 1 {
		t.Fatalf("winners: got %v want exactly one", won)
	}

	val, err := adp.GetCell(ctx, "convs", "race/c1", "m:i")
	if err != nil {
		t.Fatal(err)
	}
	var creator string
	if err := val.Decode(&creator); err != nil {
		t.Fatal(err)
	}
	if want := fmt.Sprintf("creator-%d", won[0]); creator != want {
		t.Errorf("persisted cells: got %q want %q", creator, want)
	}

	// A late creator still loses.
	late, err := store.RaceCreateRow(ctx, adp, "convs", "race/c1", "m:race", types.Row{"m:i": types.MustValue("late")})
	if err != nil {
		t.Fatal(err)
	}
	if late {
		t.Error("late creator won the race")
	}
}

// normalize decodes values so that the comparison is insensitive to JSON formatting.
func normalize(t *testing.T, row types.Row) map[string]any {
	t.Helper()
	out := make(map[string]any, len(row))
	for k, v := range row {
		var x any
		if err := v.Decode(&x); err != nil {
			t.Fatalf("cell %s: %v", k, err)
		}
		out[k] = x
	}
	return out
}
