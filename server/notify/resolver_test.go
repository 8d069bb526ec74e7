package notify

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/deuxdrop/chat/server/db/memory"
	"github.com/deuxdrop/chat/server/schema"
	"github.com/deuxdrop/chat/server/store/types"
)

func TestStoreResolver(t *testing.T) {
	ctx := context.Background()
	db := memory.NewAdapter()
	if err := db.Open(nil); err != nil {
		t.Fatal(err)
	}
	if err := db.CreateDb(true); err != nil {
		t.Fatal(err)
	}

	const user = "alice"
	put := func(table, row string, cells types.Row) {
		if err := db.PutCells(ctx, table, schema.UserRow(user, row), cells); err != nil {
			t.Fatal(err)
		}
	}
	put(schema.TablePeeps, "bob", peep("Bob", 5))
	put(schema.TablePeeps, "carol", peep("Carol", 9))
	put(schema.TableConvs, "c1", types.Row{
		schema.CellConvHighSeq: types.IntValue(2),
		schema.ConvEntry(0):    types.MustValue("join"),
		schema.ConvEntry(1):    types.MustValue("hi"),
		schema.ConvMeta("B"):   types.MustValue("meta"),
	})
	for obj, score := range map[string]float64{"bob": 5, "carol": 9, "ghost": 1} {
		if err := db.UpdateIndexValue(ctx, schema.TablePeeps, schema.IndexPeepsRecency, schema.IndexParam(user, ""), obj, score); err != nil {
			t.Fatal(err)
		}
	}

	k := NewKing(user, &StoreResolver{DB: db})
	src, _ := k.RegisterNewQuerySource("bridge", nil)

	peeps, err := src.NewTrackedQuery(ctx, NsPeeps, QueryDef{SortCell: schema.CellPeepActivity})
	if err != nil {
		t.Fatal(err)
	}
	// The index entry without a row is skipped.
	if diff := cmp.Diff([]string{"carol", "bob"}, peeps.Members()); diff != "" {
		t.Errorf("peeps (-want +got):\n%s", diff)
	}

	msgs, err := src.NewTrackedQuery(ctx, NsConvMsgs, QueryDef{Param: "c1", SortCell: CellMsgSeq})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"c1/1", "c1/0"}, msgs.Members()); diff != "" {
		t.Errorf("messages (-want +got):\n%s", diff)
	}

	frame := src.Drain()
	if len(frame.Splices) != 2 {
		t.Errorf("expected one initial splice per query, got %v", frame.Splices)
	}
	if len(frame.DataDelta[NsPeeps]) != 2 || len(frame.DataDelta[NsConvMsgs]) != 2 {
		t.Errorf("unexpected data delta %v", frame.DataDelta)
	}
}
