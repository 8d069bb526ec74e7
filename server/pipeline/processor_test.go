package pipeline_test

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/deuxdrop/chat/server/crypto"
	"github.com/deuxdrop/chat/server/notify"
	"github.com/deuxdrop/chat/server/pipeline"
	"github.com/deuxdrop/chat/server/schema"
	"github.com/deuxdrop/chat/server/store/types"
)

func TestEndToEnd(t *testing.T) {
	w := newWorld(t)

	res := w.mustProcess(w.welcome("c1", w.carol, w.join("c1", w.carol, w.bob)))
	if diff := cmp.Diff([]types.BlockKind{types.BlockConvCreated, types.BlockJoin}, blockKinds(res.Blocks)); diff != "" {
		t.Errorf("welcome blocks (-want +got):\n%s", diff)
	}

	root := w.conv("c1")
	if root.Get(schema.ConvParticipant(w.bob.BoxKey())).IsAbsent() {
		t.Error("bob is not a participant")
	}
	if n := w.highSeq("c1"); n != 1 {
		t.Errorf("m:m after welcome: expected 1, got %d", n)
	}

	res = w.mustProcess(w.message("c1", w.bob, "hi"))
	root = w.conv("c1")
	var entry pipeline.Entry
	if err := root.Get(schema.ConvEntry(1)).Decode(&entry); err != nil {
		t.Fatal(err)
	}
	if entry.Kind != pipeline.EntryMessage || string(entry.Body) != "hi" || entry.By != w.bob.BoxKey() {
		t.Errorf("unexpected entry d:m1: %+v", entry)
	}
	if n := w.highSeq("c1"); n != 2 {
		t.Errorf("m:m after message: expected 2, got %d", n)
	}

	msgID := res.Blocks[0].ID
	for _, dev := range devices {
		blocks := w.queued(dev)
		if len(blocks) != 3 || blocks[2].ID != msgID {
			t.Errorf("device %s: message block not queued: %v", dev, blockKinds(blocks))
		}
	}

	// Peep bookkeeping.
	peep := w.row(schema.TablePeeps, w.bob.RootKey())
	if n, _ := peep.Get(schema.CellPeepUnread).Int64(); n != 1 {
		t.Errorf("bob unread: expected 1, got %d", n)
	}
	recent, err := w.db.ScanIndex(w.ctx, schema.TablePeeps, schema.IndexPeepsRecency,
		schema.IndexParam(w.alice.RootKey(), ""), nil)
	if err != nil {
		t.Fatal(err)
	}
	var recentPeeps []string
	for _, e := range recent {
		recentPeeps = append(recentPeeps, e.Object)
	}
	wantPeeps := []string{w.bob.RootKey(), w.carol.RootKey()}
	sort.Strings(recentPeeps)
	sort.Strings(wantPeeps)
	if diff := cmp.Diff(wantPeeps, recentPeeps); diff != "" {
		t.Errorf("recency index (-want +got):\n%s", diff)
	}
	carol := w.row(schema.TablePeeps, w.carol.RootKey())
	if n, _ := carol.Get(schema.CellPeepActivity).Int64(); n != w.millis() {
		t.Errorf("carol activity: expected %d, got %d", w.millis(), n)
	}
	if !carol.Get(schema.CellPeepUnread).IsAbsent() {
		t.Error("unread count set for a peep who did not send")
	}
	byPeep, err := w.db.ScanIndex(w.ctx, schema.TableConvs, schema.IndexConvsByPeep,
		schema.IndexParam(w.alice.RootKey(), w.carol.RootKey()), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(byPeep) != 1 || byPeep[0].Object != "c1" {
		t.Errorf("byPeep index of carol: %v", byPeep)
	}
}

func TestReplicaBlocksSigned(t *testing.T) {
	w := newWorld(t)
	res := w.mustProcess(w.welcome("c1", w.carol))
	block := res.Blocks[0]

	payload, err := block.SignedPayload()
	if err != nil {
		t.Fatal(err)
	}
	if !crypto.VerifySignature(w.alice.RootKey(), payload, block.Sig) {
		t.Error("replica block signature does not verify")
	}
}

func TestWelcomeIdempotent(t *testing.T) {
	w := newWorld(t)
	welcome := w.welcome("c1", w.carol,
		w.join("c1", w.carol, w.bob),
		w.message("c1", w.bob, "first"),
		w.message("c1", w.carol, "second"))

	src, err := w.proc.King().RegisterNewQuerySource("bridge", nil)
	if err != nil {
		t.Fatal(err)
	}
	q, err := src.NewTrackedQuery(w.ctx, notify.NsConvAll, notify.QueryDef{})
	if err != nil {
		t.Fatal(err)
	}

	w.mustProcess(welcome)
	conv := w.conv("c1")
	peeps := []types.Row{w.row(schema.TablePeeps, w.bob.RootKey()), w.row(schema.TablePeeps, w.carol.RootKey())}
	queued := len(w.queued("phone"))
	src.Drain()

	res := w.mustProcess(welcome)
	if len(res.Blocks) != 0 {
		t.Errorf("replay relayed %v", blockKinds(res.Blocks))
	}
	if diff := cmp.Diff(conv, w.conv("c1")); diff != "" {
		t.Errorf("conversation changed on replay (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(peeps, []types.Row{w.row(schema.TablePeeps, w.bob.RootKey()),
		w.row(schema.TablePeeps, w.carol.RootKey())}); diff != "" {
		t.Errorf("peeps changed on replay (-first +second):\n%s", diff)
	}
	if n := len(w.queued("phone")); n != queued {
		t.Errorf("replay queued %d more blocks", n-queued)
	}
	if frame := src.Drain(); frame != nil {
		t.Errorf("replay notified the bridge: %+v", frame)
	}
	if diff := cmp.Diff([]string{"c1"}, q.Members()); diff != "" {
		t.Errorf("conversation list (-want +got):\n%s", diff)
	}
}

func TestConvBlurbsFollowMessages(t *testing.T) {
	w := newWorld(t)
	w.mustProcess(w.welcome("c1", w.carol, w.join("c1", w.carol, w.bob)))

	src, err := w.proc.King().RegisterNewQuerySource("bridge", nil)
	if err != nil {
		t.Fatal(err)
	}
	q, err := src.NewTrackedQuery(w.ctx, notify.NsConvBlurbs, notify.QueryDef{
		Param:    w.bob.RootKey(),
		SortCell: schema.CellConvActivity,
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"c1"}, q.Members()); diff != "" {
		t.Fatalf("initial conversations with bob (-want +got):\n%s", diff)
	}
	src.Drain()

	// A conversation without bob stays out.
	w.mustProcess(w.welcome("c2", w.carol))
	if diff := cmp.Diff([]string{"c1"}, q.Members()); diff != "" {
		t.Errorf("conversations with bob after c2 (-want +got):\n%s", diff)
	}
	src.Drain()

	w.clock = w.clock.Add(time.Minute)
	w.mustProcess(w.message("c1", w.bob, "hi"))
	frame := src.Drain()
	if frame == nil {
		t.Fatal("message produced no frame")
	}
	if diff := cmp.Diff([]notify.Splice{
		{Query: q.ID(), Index: 0, HowMany: 1},
		{Query: q.ID(), Index: 0, Items: []string{"c1"}},
	}, frame.Splices); diff != "" {
		t.Errorf("splices (-want +got):\n%s", diff)
	}
	var activity int64
	if err = frame.DataDelta[notify.NsConvBlurbs]["c1"].Get(schema.CellConvActivity).Decode(&activity); err != nil {
		t.Fatal(err)
	}
	if activity != w.millis() {
		t.Errorf("activity in data delta: expected %d, got %d", w.millis(), activity)
	}
}

func TestJoinErrors(t *testing.T) {
	w := newWorld(t)
	w.mustProcess(w.welcome("c1", w.carol, w.join("c1", w.carol, w.bob)))

	stranger := newKeyring(t)
	mismatched := w.join("c1", w.carol, stranger)
	mismatched.Invitee = w.alice.BoxKey()

	tests := []struct {
		name  string
		ev    *types.JoinEvent
		class types.ErrClass
	}{
		{"unknown conversation", w.join("nope", w.carol, stranger), types.ErrMissingPrereqFatal},
		{"inviter not a participant", w.join("c1", stranger, w.alice), types.ErrUnauthorizedUser},
		{"invitee already joined", w.join("c1", w.carol, w.bob), types.ErrAlreadyHappened},
		{"payload names someone else", mismatched, types.ErrMalformedPayload},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := w.process(tc.ev)
			expectClass(t, err, tc.class)
		})
	}
	if n := w.highSeq("c1"); n != 1 {
		t.Errorf("failed joins moved m:m to %d", n)
	}
}

func TestMessageErrors(t *testing.T) {
	w := newWorld(t)
	w.mustProcess(w.welcome("c1", w.carol))

	dup := w.message("c1", w.carol, "once")
	w.mustProcess(dup)

	tampered := w.message("c1", w.carol, "x")
	tampered.Boxed[0] ^= 0xff

	noNonce := w.message("c1", w.carol, "x")
	noNonce.Nonce = nil

	tests := []struct {
		name  string
		ev    *types.MessageEvent
		class types.ErrClass
		stage string
	}{
		{"sender not yet joined", w.message("c1", w.bob, "early"), types.ErrNotYetAuthorized, "load"},
		{"unknown conversation", w.message("c2", w.carol, "x"), types.ErrMissingPrereqFatal, "load"},
		{"duplicate", dup, types.ErrAlreadyHappened, "load"},
		{"tampered", tampered, types.ErrBadBox, "validate"},
		{"no nonce", noNonce, types.ErrMalformedPayload, "load"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := w.process(tc.ev)
			if res != nil {
				t.Error("failed task returned a result")
			}
			expectClass(t, err, tc.class)
			var se *pipeline.StageError
			if !errors.As(err, &se) || se.Stage != tc.stage {
				t.Errorf("expected failure at %s, got %v", tc.stage, err)
			}
		})
	}

	if n := w.highSeq("c1"); n != 1 {
		t.Errorf("m:m: expected 1, got %d", n)
	}
	if _, err := w.process(w.message("c1", w.bob, "again")); !types.IsRetryable(err) {
		t.Errorf("expected a retryable error, got %v", err)
	}
}

func TestMetaLastWriteWins(t *testing.T) {
	w := newWorld(t)
	w.mustProcess(w.welcome("c1", w.carol))

	w.mustProcess(w.meta("c1", w.carol, 2, 0))
	_, err := w.process(w.meta("c1", w.carol, 1, 0))
	expectClass(t, err, types.ErrAlreadyHappened)
	_, err = w.process(w.meta("c1", w.carol, 2, 0))
	expectClass(t, err, types.ErrAlreadyHappened)

	var rec pipeline.MetaRecord
	if err = w.conv("c1").Get(schema.ConvMeta(w.carol.BoxKey())).Decode(&rec); err != nil {
		t.Fatal(err)
	}
	if rec.Seq != 2 || string(rec.Data) != `{"pinned":true}` {
		t.Errorf("unexpected meta record %+v", rec)
	}

	_, err = w.process(w.meta("c1", w.bob, 3, 0))
	expectClass(t, err, types.ErrUnauthorizedUser)
}

func TestNewMessagesMooted(t *testing.T) {
	w := newWorld(t)
	// d:m0 joins bob, d:m1 joins alice.
	w.mustProcess(w.welcome("c1", w.carol, w.join("c1", w.carol, w.bob), w.join("c1", w.carol, w.alice)))

	var released []int64
	w.proc.King().AddNewMessageListener(func(convID string, msgs []notify.NewishMessage) {
		for _, m := range msgs {
			released = append(released, m.Index)
		}
	})

	// Messages at 2, 3, 4; alice has read through 3 on another device.
	outs, err := w.proc.ProcessBatch(w.ctx, []types.Event{
		w.message("c1", w.bob, "one"),
		w.message("c1", w.bob, "two"),
		w.message("c1", w.bob, "three"),
		w.meta("c1", w.alice, 1, 3),
	})
	if err != nil {
		t.Fatal(err)
	}
	for i, out := range outs {
		if out.Err != nil {
			t.Fatalf("event %d: %v", i, out.Err)
		}
	}
	if diff := cmp.Diff([]int64{4}, released); diff != "" {
		t.Errorf("released notifications (-want +got):\n%s", diff)
	}

	// Own messages never count as new.
	released = nil
	w.mustProcess(w.message("c1", w.alice, "mine"))
	if len(released) != 0 {
		t.Errorf("own message released as new: %v", released)
	}
}

func TestNewMessagesHeldUntilPhaseDone(t *testing.T) {
	w := newWorld(t)
	w.mustProcess(w.welcome("c1", w.carol, w.join("c1", w.carol, w.bob), w.join("c1", w.carol, w.alice)))

	var released []int64
	w.proc.King().AddNewMessageListener(func(convID string, msgs []notify.NewishMessage) {
		for _, m := range msgs {
			released = append(released, m.Index)
		}
	})

	// Separate events: alice reads through 2 on another device after both arrived.
	w.mustProcess(w.message("c1", w.bob, "one"))
	w.mustProcess(w.message("c1", w.bob, "two"))
	if len(released) != 0 {
		t.Fatalf("released before the phase ended: %v", released)
	}
	w.mustProcess(w.meta("c1", w.alice, 1, 2))
	w.proc.PhaseDone()
	if diff := cmp.Diff([]int64{3}, released); diff != "" {
		t.Errorf("released notifications (-want +got):\n%s", diff)
	}

	released = nil
	w.proc.PhaseDone()
	if len(released) != 0 {
		t.Errorf("released twice: %v", released)
	}
}

func TestAbandonedBeforeStart(t *testing.T) {
	w := newWorld(t)
	ctx, cancel := context.WithCancel(w.ctx)
	cancel()

	_, err := w.proc.Process(ctx, w.welcome("c1", w.carol))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if len(w.conv("c1")) != 0 {
		t.Error("abandoned task wrote the conversation")
	}
}

func TestWelcomeBacklogFailure(t *testing.T) {
	w := newWorld(t)
	stranger := newKeyring(t)
	_, err := w.process(w.welcome("c1", w.carol, w.join("c1", stranger, w.bob)))
	expectClass(t, err, types.ErrUnauthorizedUser)
	// The conversation itself was created.
	if n := w.highSeq("c1"); n != 0 {
		t.Errorf("m:m: expected 0, got %d", n)
	}
}
