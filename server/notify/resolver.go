package notify

import (
	"context"
	"strconv"

	adapter "github.com/deuxdrop/chat/server/db"
	"github.com/deuxdrop/chat/server/schema"
	"github.com/deuxdrop/chat/server/store/types"
)

// StoreResolver resolves query members from GenDb indices and rows.
type StoreResolver struct {
	DB adapter.Adapter
}

// MessageItem builds the NsConvMsgs item of a conversation entry.
func MessageItem(convID string, seq int64, entry types.Value) Item {
	return Item{
		ID: convID + "/" + strconv.FormatInt(seq, 10),
		Cells: types.Row{
			CellMsgConv: types.MustValue(convID),
			CellMsgSeq:  types.IntValue(seq),
			CellMsgBody: entry,
		},
	}
}

// Resolve implements Resolver.
func (r *StoreResolver) Resolve(ctx context.Context, user string, ns Namespace, def *QueryDef) ([]Item, error) {
	switch ns {
	case NsPeeps:
		return r.indexed(ctx, user, schema.TablePeeps, schema.TablePeeps, schema.IndexPeepsRecency, "")
	case NsConvAll:
		return r.indexed(ctx, user, schema.TableConvs, schema.TableConvs, schema.IndexConvsAll, "")
	case NsConvBlurbs:
		return r.indexed(ctx, user, schema.TableConvs, schema.TableConvs, schema.IndexConvsByPeep, def.Param)
	case NsConvMsgs:
		return r.messages(ctx, user, def.Param)
	}
	return nil, nil
}

// indexed loads the rows of all objects in the index namespace.
func (r *StoreResolver) indexed(ctx context.Context, user, rowTable, idxTable, index, param string) ([]Item, error) {
	entries, err := r.DB.ScanIndex(ctx, idxTable, index, schema.IndexParam(user, param), nil)
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(entries))
	for _, e := range entries {
		row, err := r.DB.GetRow(ctx, rowTable, schema.UserRow(user, e.Object))
		if err != nil {
			return nil, err
		}
		if len(row) == 0 {
			// Index is advisory and may be ahead of the rows.
			continue
		}
		items = append(items, Item{ID: e.Object, Cells: row})
	}
	return items, nil
}

func (r *StoreResolver) messages(ctx context.Context, user, convID string) ([]Item, error) {
	if convID == "" {
		return nil, nil
	}
	row, err := r.DB.GetRow(ctx, schema.TableConvs, schema.UserRow(user, convID))
	if err != nil {
		return nil, err
	}

	var items []Item
	for name, val := range row {
		seq, ok := schema.EntrySeqFromCell(name)
		if !ok {
			continue
		}
		items = append(items, MessageItem(convID, seq, val))
	}
	return items, nil
}
