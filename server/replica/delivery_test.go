package replica

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	adapter "github.com/deuxdrop/chat/server/db"
	"github.com/deuxdrop/chat/server/db/memory"
	"github.com/deuxdrop/chat/server/schema"
	"github.com/deuxdrop/chat/server/store/types"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   []envelope
	closed bool
	fail   bool
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broken pipe")
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// blockIDs returns the ids of the sent blocks.
func (f *fakeTransport) blockIDs(t *testing.T) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, env := range f.sent {
		b, err := types.DecodeReplicaBlock(env.Block)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, b.ID)
	}
	return ids
}

func newDelivery(t *testing.T, zombie time.Duration, clients ...string) (*Delivery, adapter.Adapter) {
	db := memory.NewAdapter()
	if err := db.Open(nil); err != nil {
		t.Fatal(err)
	}
	if err := db.CreateDb(true); err != nil {
		t.Fatal(err)
	}
	d := NewDelivery(db, zombie)
	for _, c := range clients {
		if err := d.RegisterClient(context.Background(), "alice", c, ""); err != nil {
			t.Fatal(err)
		}
	}
	return d, db
}

func relay(t *testing.T, d *Delivery, ids ...string) {
	for _, id := range ids {
		block := &types.ReplicaBlock{ID: id, Kind: types.BlockMessage, Table: schema.TableConvs, Row: "c1"}
		if err := d.RelayToAllClients(context.Background(), "alice", block); err != nil {
			t.Fatal(err)
		}
	}
}

func queued(t *testing.T, db adapter.Adapter, client string) []string {
	items, err := db.QueuePeek(context.Background(), schema.TableClientQueues, schema.ClientQueue(client), 100)
	if err != nil {
		t.Fatal(err)
	}
	blocks, err := DecodeBlocks(items)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, b := range blocks {
		ids = append(ids, b.ID)
	}
	return ids
}

func TestRelayToAllClients(t *testing.T) {
	d, db := newDelivery(t, 0, "phone", "laptop")
	tr := &fakeTransport{}
	if _, err := d.Connect(context.Background(), "alice", "phone", tr); err != nil {
		t.Fatal(err)
	}

	relay(t, d, "b1")

	for _, client := range []string{"phone", "laptop"} {
		if diff := cmp.Diff([]string{"b1"}, queued(t, db, client)); diff != "" {
			t.Errorf("%s queue (-want +got):\n%s", client, diff)
		}
	}
	if diff := cmp.Diff([]string{"b1"}, tr.blockIDs(t)); diff != "" {
		t.Errorf("sent (-want +got):\n%s", diff)
	}

	clients, _ := d.Clients(context.Background(), "alice")
	if diff := cmp.Diff([]string{"laptop", "phone"}, clients); diff != "" {
		t.Errorf("clients (-want +got):\n%s", diff)
	}
}

func TestFlowControl(t *testing.T) {
	ctx := context.Background()
	d, db := newDelivery(t, 0, "phone")
	tr := &fakeTransport{}
	conn, err := d.Connect(ctx, "alice", "phone", tr)
	if err != nil {
		t.Fatal(err)
	}
	if conn.State() != StateCaughtUp {
		t.Errorf("empty queue: expected caughtUp, got %s", conn.State())
	}
	if err := conn.Ack(ctx); err != ErrNothingInflight {
		t.Errorf("ack without a block in flight: %v", err)
	}

	relay(t, d, "b1", "b2", "b3")
	if diff := cmp.Diff([]string{"b1"}, tr.blockIDs(t)); diff != "" {
		t.Fatalf("only one block may be in flight (-want +got):\n%s", diff)
	}
	if conn.State() != StateInflight || !conn.Backlog() {
		t.Errorf("expected inflight with backlog, got %s %v", conn.State(), conn.Backlog())
	}

	for i := 0; i < 3; i++ {
		if err := conn.Ack(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if diff := cmp.Diff([]string{"b1", "b2", "b3"}, tr.blockIDs(t)); diff != "" {
		t.Errorf("sent (-want +got):\n%s", diff)
	}
	if conn.State() != StateCaughtUp || conn.Backlog() {
		t.Errorf("expected caughtUp without backlog, got %s %v", conn.State(), conn.Backlog())
	}
	if got := queued(t, db, "phone"); len(got) != 0 {
		t.Errorf("acknowledged blocks are still queued: %v", got)
	}
	if sent, acked := conn.Counters(); sent != 3 || acked != 3 {
		t.Errorf("counters: sent %d acked %d", sent, acked)
	}
	// Wire sequence numbers count the sent blocks.
	for i, env := range tr.sent {
		if env.Seq != uint64(i+1) {
			t.Errorf("block %d has seq %d", i, env.Seq)
		}
	}
}

func TestReattach(t *testing.T) {
	ctx := context.Background()
	d, _ := newDelivery(t, time.Minute, "phone")
	tr := &fakeTransport{}
	conn, _ := d.Connect(ctx, "alice", "phone", tr)

	relay(t, d, "b1")
	conn.Disconnect()
	if conn.State() != StateZombie || !tr.closed {
		t.Fatalf("expected zombie with closed transport, got %s", conn.State())
	}
	relay(t, d, "b2")

	tr2 := &fakeTransport{}
	got, err := d.Reattach(ctx, "phone", tr2, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got != conn || conn.State() != StateInflight {
		t.Fatalf("expected the same connection in flight, got %s", conn.State())
	}
	if len(tr2.blockIDs(t)) != 0 {
		t.Error("block in flight was re-sent on reattach")
	}
	if err := conn.Ack(ctx); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"b2"}, tr2.blockIDs(t)); diff != "" {
		t.Errorf("sent after reattach (-want +got):\n%s", diff)
	}
}

func TestReattachCaughtUpBacklog(t *testing.T) {
	ctx := context.Background()
	d, _ := newDelivery(t, time.Minute, "phone")
	conn, _ := d.Connect(ctx, "alice", "phone", &fakeTransport{})
	conn.Disconnect()
	relay(t, d, "b1")

	tr := &fakeTransport{}
	if _, err := d.Reattach(ctx, "phone", tr, 0, 0); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"b1"}, tr.blockIDs(t)); diff != "" {
		t.Errorf("sent after reattach (-want +got):\n%s", diff)
	}
}

func TestReattachMismatch(t *testing.T) {
	ctx := context.Background()
	d, _ := newDelivery(t, time.Minute, "phone")
	conn, _ := d.Connect(ctx, "alice", "phone", &fakeTransport{})
	relay(t, d, "b1")
	conn.Disconnect()

	if _, err := d.Reattach(ctx, "phone", &fakeTransport{}, 0, 0); err != ErrResync {
		t.Fatalf("expected ErrResync, got %v", err)
	}
	if conn.State() != StateDead || d.Conn("phone") != nil {
		t.Error("mismatched reattach must tear down the backside state")
	}

	// Full resync: the unacknowledged block is sent again from the queue.
	tr := &fakeTransport{}
	if _, err := d.Connect(ctx, "alice", "phone", tr); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"b1"}, tr.blockIDs(t)); diff != "" {
		t.Errorf("resync (-want +got):\n%s", diff)
	}
}

func TestZombieExpiry(t *testing.T) {
	ctx := context.Background()
	d, _ := newDelivery(t, 10*time.Millisecond, "phone")
	conn, _ := d.Connect(ctx, "alice", "phone", &fakeTransport{})
	conn.Disconnect()

	deadline := time.Now().Add(2 * time.Second)
	for conn.State() != StateDead && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if conn.State() != StateDead {
		t.Fatal("zombie did not expire")
	}
	if d.ConnCount() != 0 {
		t.Error("expired zombie is still registered")
	}
	if _, err := d.Reattach(ctx, "phone", &fakeTransport{}, 0, 0); err != ErrResync {
		t.Errorf("reattach after expiry: expected ErrResync, got %v", err)
	}
}

func TestSendFailure(t *testing.T) {
	ctx := context.Background()
	d, db := newDelivery(t, time.Minute, "phone")
	tr := &fakeTransport{fail: true}
	conn, _ := d.Connect(ctx, "alice", "phone", tr)

	relay(t, d, "b1")
	if conn.State() != StateZombie {
		t.Errorf("failed send: expected zombie, got %s", conn.State())
	}
	if diff := cmp.Diff([]string{"b1"}, queued(t, db, "phone")); diff != "" {
		t.Errorf("block must stay queued (-want +got):\n%s", diff)
	}
}

func TestReattachAfterFailedSend(t *testing.T) {
	ctx := context.Background()
	d, db := newDelivery(t, time.Minute, "phone")
	tr := &fakeTransport{fail: true}
	conn, _ := d.Connect(ctx, "alice", "phone", tr)

	relay(t, d, "b1")
	if !conn.Backlog() {
		t.Error("failed send must leave a backlog")
	}

	tr2 := &fakeTransport{}
	if _, err := d.Reattach(ctx, "phone", tr2, 0, 0); err != nil {
		t.Fatal(err)
	}
	if conn.State() != StateInflight {
		t.Errorf("expected inflight, got %s", conn.State())
	}
	if diff := cmp.Diff([]string{"b1"}, tr2.blockIDs(t)); diff != "" {
		t.Errorf("sent after reattach (-want +got):\n%s", diff)
	}
	if err := conn.Ack(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(queued(t, db, "phone")); n != 0 {
		t.Errorf("%d blocks left in the queue", n)
	}
}

func TestReattachAfterFailedSendOnAck(t *testing.T) {
	ctx := context.Background()
	d, db := newDelivery(t, time.Minute, "phone")
	tr := &fakeTransport{}
	conn, _ := d.Connect(ctx, "alice", "phone", tr)
	relay(t, d, "b1", "b2")

	// b1 is acknowledged, b2 cannot go out.
	tr.mu.Lock()
	tr.fail = true
	tr.mu.Unlock()
	if err := conn.Ack(ctx); err == nil {
		t.Fatal("expected the send of b2 to fail")
	}
	if conn.State() != StateZombie {
		t.Fatalf("expected zombie, got %s", conn.State())
	}

	tr2 := &fakeTransport{}
	if _, err := d.Reattach(ctx, "phone", tr2, 1, 1); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"b2"}, tr2.blockIDs(t)); diff != "" {
		t.Errorf("sent after reattach (-want +got):\n%s", diff)
	}
	if sent, acked := conn.Counters(); sent != 2 || acked != 1 {
		t.Errorf("counters: expected 2/1, got %d/%d", sent, acked)
	}
	if err := conn.Ack(ctx); err != nil {
		t.Fatal(err)
	}
	if conn.State() != StateCaughtUp {
		t.Errorf("expected caughtUp, got %s", conn.State())
	}
	if n := len(queued(t, db, "phone")); n != 0 {
		t.Errorf("%d blocks left in the queue", n)
	}
}

func TestConnectUnknown(t *testing.T) {
	d, _ := newDelivery(t, 0, "phone")
	if _, err := d.Connect(context.Background(), "alice", "tablet", &fakeTransport{}); err != ErrUnknownClient {
		t.Errorf("expected ErrUnknownClient, got %v", err)
	}
	if err := d.UnregisterClient(context.Background(), "alice", "phone"); err != nil {
		t.Fatal(err)
	}
	if clients, _ := d.Clients(context.Background(), "alice"); len(clients) != 0 {
		t.Errorf("unregistered client still listed: %v", clients)
	}
}

func TestTransitions(t *testing.T) {
	ctx := context.Background()
	d, _ := newDelivery(t, time.Minute, "phone")
	var seen []string
	d.OnTransition = func(from, to ConnState) {
		seen = append(seen, from.String()+">"+to.String())
	}
	conn, _ := d.Connect(ctx, "alice", "phone", &fakeTransport{})
	relay(t, d, "b1")
	conn.Ack(ctx)
	d.Close()

	want := []string{"idle>caughtUp", "caughtUp>inflight", "inflight>caughtUp", "caughtUp>dead"}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Errorf("transitions (-want +got):\n%s", diff)
	}
}
