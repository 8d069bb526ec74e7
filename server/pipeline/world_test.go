package pipeline_test

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/golang/mock/gomock"

	"github.com/deuxdrop/chat/server/crypto"
	adapter "github.com/deuxdrop/chat/server/db"
	"github.com/deuxdrop/chat/server/db/memory"
	"github.com/deuxdrop/chat/server/pipeline"
	"github.com/deuxdrop/chat/server/pipeline/mock_pipeline"
	"github.com/deuxdrop/chat/server/replica"
	"github.com/deuxdrop/chat/server/schema"
	"github.com/deuxdrop/chat/server/store/types"
)

var devices = []string{"phone", "laptop"}

// world is alice's server: alice is the hosted user, bob and carol are remote.
type world struct {
	t   *testing.T
	ctx context.Context

	db       adapter.Adapter
	delivery *replica.Delivery
	relay    *mock_pipeline.MockRelay
	keys     *crypto.Keychain
	env      *pipeline.Env
	proc     *pipeline.UserMessageProcessor

	alice, bob, carol *crypto.Keyring

	clock time.Time
	ids   int
}

func newKeyring(t *testing.T) *crypto.Keyring {
	k, err := crypto.GenerateKeyring(nil)
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func newWorld(t *testing.T) *world {
	w := &world{
		t:     t,
		ctx:   context.Background(),
		alice: newKeyring(t),
		bob:   newKeyring(t),
		carol: newKeyring(t),
		clock: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	db := memory.NewAdapter()
	if err := db.Open(nil); err != nil {
		t.Fatal(err)
	}
	if err := db.CreateDb(true); err != nil {
		t.Fatal(err)
	}
	w.db = db

	w.delivery = replica.NewDelivery(db, time.Minute)
	for _, dev := range devices {
		if err := w.delivery.RegisterClient(w.ctx, w.alice.RootKey(), dev, dev); err != nil {
			t.Fatal(err)
		}
	}

	w.keys = crypto.NewKeychain()
	w.keys.Add(w.alice)

	w.relay = mock_pipeline.NewMockRelay(gomock.NewController(t))
	w.env = &pipeline.Env{
		DB:       db,
		Keys:     w.keys,
		Replicas: w.delivery,
		Relay:    w.relay,
		NewID: func() string {
			w.ids++
			return "blk" + strconv.Itoa(w.ids)
		},
		Now: func() time.Time { return w.clock },
	}
	w.proc = pipeline.NewUserMessageProcessor(w.env, w.alice.RootKey(), w.alice)
	return w
}

func (w *world) millis() int64 {
	return w.clock.UnixMilli()
}

// seal boxes the JSON of v from the sender to alice.
func (w *world) seal(from *crypto.Keyring, v any) types.Envelope {
	plain, err := json.Marshal(v)
	if err != nil {
		w.t.Fatal(err)
	}
	boxed, nonce, err := from.Seal(plain, w.alice.BoxKey())
	if err != nil {
		w.t.Fatal(err)
	}
	return types.Envelope{Nonce: nonce, Boxed: boxed}
}

func (w *world) welcome(convID string, creator *crypto.Keyring, backlog ...types.Event) *types.WelcomeEvent {
	return &types.WelcomeEvent{
		ConvID:    convID,
		SenderKey: creator.BoxKey(),
		Envelope: w.seal(creator, &types.Invitation{
			ConvID:      convID,
			Creator:     creator.BoxKey(),
			CreatorRoot: creator.RootKey(),
		}),
		Backlog: backlog,
	}
}

func (w *world) join(convID string, inviter, invitee *crypto.Keyring) *types.JoinEvent {
	return &types.JoinEvent{
		ConvID:    convID,
		SenderKey: inviter.BoxKey(),
		Invitee:   invitee.BoxKey(),
		Envelope: w.seal(inviter, &types.JoinPayload{
			InviteeTellKey: invitee.BoxKey(),
			InviteeRootKey: invitee.RootKey(),
		}),
	}
}

func (w *world) message(convID string, from *crypto.Keyring, body string) *types.MessageEvent {
	return &types.MessageEvent{
		ConvID:     convID,
		SenderKey:  from.BoxKey(),
		ReceivedAt: w.millis(),
		Envelope:   w.seal(from, &types.MessagePayload{Body: []byte(body), SentAt: w.millis()}),
	}
}

func (w *world) meta(convID string, from *crypto.Keyring, seq, readThrough int64) *types.MetaEvent {
	return &types.MetaEvent{
		ConvID:    convID,
		SenderKey: from.BoxKey(),
		Seq:       seq,
		Envelope:  w.seal(from, &types.MetaPayload{Data: json.RawMessage(`{"pinned":true}`), ReadThrough: readThrough}),
	}
}

func (w *world) contactRequest(from *crypto.Keyring, payload *types.ContactRequestPayload) *types.ContactRequestEvent {
	return &types.ContactRequestEvent{
		SenderRootKey: from.RootKey(),
		SenderKey:     from.BoxKey(),
		ReceivedAt:    w.millis(),
		Envelope:      w.seal(from, payload),
	}
}

// selfIdent is a self-identification blob signed by the identity.
func (w *world) selfIdent(k *crypto.Keyring) json.RawMessage {
	blob, err := k.Authorize(k.BoxKey(), w.millis()-1000)
	if err != nil {
		w.t.Fatal(err)
	}
	return blob
}

func (w *world) process(ev types.Event) (*pipeline.Result, error) {
	return w.proc.Process(w.ctx, ev)
}

func (w *world) mustProcess(ev types.Event) *pipeline.Result {
	w.t.Helper()
	res, err := w.process(ev)
	if err != nil {
		w.t.Fatalf("%s: %v", ev.Kind(), err)
	}
	return res
}

func (w *world) row(table, id string) types.Row {
	w.t.Helper()
	row, err := w.db.GetRow(w.ctx, table, schema.UserRow(w.alice.RootKey(), id))
	if err != nil {
		w.t.Fatal(err)
	}
	return row
}

func (w *world) conv(convID string) types.Row {
	return w.row(schema.TableConvs, convID)
}

func (w *world) highSeq(convID string) int64 {
	w.t.Helper()
	n, ok := w.conv(convID).Get(schema.CellConvHighSeq).Int64()
	if !ok {
		w.t.Fatal("m:m is not an integer")
	}
	return n
}

// queued returns the blocks waiting in the device queue.
func (w *world) queued(client string) []*types.ReplicaBlock {
	w.t.Helper()
	items, err := w.db.QueuePeek(w.ctx, schema.TableClientQueues, schema.ClientQueue(client), 1000)
	if err != nil {
		w.t.Fatal(err)
	}
	blocks, err := replica.DecodeBlocks(items)
	if err != nil {
		w.t.Fatal(err)
	}
	return blocks
}

func blockKinds(blocks []*types.ReplicaBlock) []types.BlockKind {
	var kinds []types.BlockKind
	for _, b := range blocks {
		kinds = append(kinds, b.Kind)
	}
	return kinds
}

func expectClass(t *testing.T, err error, class types.ErrClass) {
	t.Helper()
	if got := types.Classify(err); got != class {
		t.Errorf("expected '%s', got '%s' (%v)", class, got, err)
	}
}
