package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/deuxdrop/chat/server/crypto"
	"github.com/deuxdrop/chat/server/db/memory"
	"github.com/deuxdrop/chat/server/notify"
	"github.com/deuxdrop/chat/server/pipeline"
	"github.com/deuxdrop/chat/server/replica"
	"github.com/deuxdrop/chat/server/schema"
	"github.com/deuxdrop/chat/server/store/types"
)

// responses collects what the session writes to the websocket.
type responses struct {
	lock     sync.Mutex
	messages []*ServerComMessage
	closed   bool
}

func (r *responses) Send(data []byte) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		return errors.New("closed")
	}
	var msg ServerComMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	r.messages = append(r.messages, &msg)
	return nil
}

func (r *responses) Close() error {
	r.lock.Lock()
	r.closed = true
	r.lock.Unlock()
	return nil
}

// next waits for the n-th message, counting from 1.
func (r *responses) next(t *testing.T, n int) *ServerComMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r.lock.Lock()
		if len(r.messages) >= n {
			msg := r.messages[n-1]
			r.lock.Unlock()
			return msg
		}
		r.lock.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("message #%d not received", n)
	return nil
}

func expectCtrl(t *testing.T, msg *ServerComMessage, id string, code int) {
	t.Helper()
	if msg.Ctrl == nil {
		t.Fatalf("expected {ctrl}, got block %s frame %v", msg.Block, msg.Frame)
	}
	if msg.Ctrl.Code != code || msg.Ctrl.Id != id {
		t.Errorf("ctrl: expected %d '%s', got %d '%s' %s", code, id, msg.Ctrl.Code, msg.Ctrl.Id, msg.Ctrl.Text)
	}
}

// setUpServer hosts alice with one device "phone" and resets the globals.
func setUpServer(t *testing.T) *crypto.Keyring {
	db := memory.NewAdapter()
	if err := db.Open(nil); err != nil {
		t.Fatal(err)
	}
	if err := db.CreateDb(true); err != nil {
		t.Fatal(err)
	}

	alice, err := crypto.GenerateKeyring(nil)
	if err != nil {
		t.Fatal(err)
	}
	keys := crypto.NewKeychain()
	keys.Add(alice)

	ids := 0
	var idLock sync.Mutex
	globals.delivery = replica.NewDelivery(db, time.Minute)
	env := &pipeline.Env{
		DB:       db,
		Keys:     keys,
		Replicas: globals.delivery,
		Relay:    logRelay{},
		NewID: func() string {
			idLock.Lock()
			defer idLock.Unlock()
			ids++
			return "b" + strconv.Itoa(ids)
		},
	}
	globals.registry = pipeline.NewRegistry(env, 0, 0)
	globals.runner = pipeline.NewRunner(globals.registry, 2, 8, nil)
	globals.sessionStore = NewSessionStore()
	globals.requestTimeout = time.Second
	globals.taskTimeout = time.Second
	globals.sessionRate, globals.sessionBurst = 0, 0

	if err := registerUsers(context.Background(), []*crypto.Keyring{alice},
		[]userConfig{{Clients: []clientConfig{{Key: "phone", Name: "Phone"}}}}); err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		globals.runner.Stop()
		globals.delivery.Close()
	})
	return alice
}

func newTestSession(t *testing.T, sid string) (*Session, *responses) {
	out := &responses{}
	sess, _ := globals.sessionStore.NewSession(out, sid)
	if sess == nil {
		t.Fatal("session store is closed")
	}
	t.Cleanup(sess.cleanUp)
	return sess, out
}

func hello(user, client string) string {
	return `{"hello":{"id":"1","user":"` + user + `","client":"` + client + `"}}`
}

func TestNotifyNewMessages(t *testing.T) {
	alice := setUpServer(t)
	sess, out := newTestSession(t, "s1")
	_, idle := newTestSession(t, "s2")

	sess.dispatchRaw([]byte(hello(alice.RootKey(), "phone")))
	expectCtrl(t, out.next(t, 1), "1", http.StatusOK)

	notifyNewMessages(alice.RootKey(), "c1", []notify.NewishMessage{{ConvID: "c1", Index: 3}, {ConvID: "c1", Index: 5}})
	msg := out.next(t, 2)
	if msg.NewMessages == nil {
		t.Fatalf("expected {newMessages}, got %+v", msg)
	}
	if got := msg.NewMessages; got.Conv != "c1" || len(got.Seqs) != 2 || got.Seqs[0] != 3 || got.Seqs[1] != 5 {
		t.Errorf("unexpected notice %+v", got)
	}

	idle.lock.Lock()
	n := len(idle.messages)
	idle.lock.Unlock()
	if n != 0 {
		t.Errorf("session without hello got %d messages", n)
	}

	globals.sessionStore.Delete(sess)
	if got := globals.sessionStore.ForUser(alice.RootKey()); len(got) != 0 {
		t.Errorf("deleted session still attached: %d", len(got))
	}
}

func TestDispatchAttachFirst(t *testing.T) {
	setUpServer(t)
	sess, out := newTestSession(t, "s1")

	sess.dispatchRaw([]byte(`{"ack":{"id":"7"}}`))
	expectCtrl(t, out.next(t, 1), "7", http.StatusConflict)
}

func TestDispatchMalformed(t *testing.T) {
	setUpServer(t)
	sess, out := newTestSession(t, "s1")

	for i, raw := range []string{
		`not json`,
		`{}`,
		`{"ack":{},"kill":{"query":"1"}}`,
	} {
		sess.dispatchRaw([]byte(raw))
		expectCtrl(t, out.next(t, i+1), "", http.StatusBadRequest)
	}
}

func TestDispatchHello(t *testing.T) {
	alice := setUpServer(t)
	ctx := context.Background()

	block := &types.ReplicaBlock{ID: "x1", Kind: types.BlockMessage, Table: schema.TableConvs, Row: "c1"}
	if err := globals.delivery.RelayToAllClients(ctx, alice.RootKey(), block); err != nil {
		t.Fatal(err)
	}

	sess, out := newTestSession(t, "s1")
	sess.dispatchRaw([]byte(hello(alice.RootKey(), "phone")))

	// The head of the queue goes out as soon as the device attaches.
	first := out.next(t, 1)
	if first.Block == nil {
		t.Fatal("expected the queued block first")
	}
	var env struct {
		Seq   uint64              `json:"seq"`
		Block *types.ReplicaBlock `json:"block"`
	}
	if err := json.Unmarshal(first.Block, &env); err != nil {
		t.Fatal(err)
	}
	if env.Seq != 1 || env.Block.ID != "x1" {
		t.Errorf("block: expected #1 'x1', got #%d '%s'", env.Seq, env.Block.ID)
	}
	expectCtrl(t, out.next(t, 2), "1", http.StatusOK)

	// Repeated hello.
	sess.dispatchRaw([]byte(hello(alice.RootKey(), "phone")))
	expectCtrl(t, out.next(t, 3), "1", http.StatusConflict)

	// Silent ack, then an ack with nothing in flight.
	sess.dispatchRaw([]byte(`{"ack":{}}`))
	sess.dispatchRaw([]byte(`{"ack":{"id":"2"}}`))
	expectCtrl(t, out.next(t, 4), "2", http.StatusConflict)
	if sent, acked := sess.replica.Counters(); sent != 1 || acked != 1 {
		t.Errorf("counters: expected 1/1, got %d/%d", sent, acked)
	}
}

func TestDispatchHelloRejected(t *testing.T) {
	alice := setUpServer(t)

	tests := []struct {
		name   string
		user   string
		client string
		code   int
	}{
		{"unknown user", "stranger", "phone", http.StatusForbidden},
		{"unknown device", alice.RootKey(), "tablet", http.StatusNotFound},
		{"no device", alice.RootKey(), "", http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sess, out := newTestSession(t, "s-"+tc.name)
			sess.dispatchRaw([]byte(hello(tc.user, tc.client)))
			expectCtrl(t, out.next(t, 1), "1", tc.code)
			if sess.replica != nil {
				t.Error("session attached")
			}
		})
	}
}

func TestDispatchResume(t *testing.T) {
	alice := setUpServer(t)

	sess, out := newTestSession(t, "s1")
	sess.dispatchRaw([]byte(hello(alice.RootKey(), "phone")))
	expectCtrl(t, out.next(t, 1), "1", http.StatusOK)
	sess.cleanUp()

	// The zombie is resumed.
	again, out := newTestSession(t, "s2")
	again.dispatchRaw([]byte(`{"hello":{"id":"1","user":"` + alice.RootKey() + `","client":"phone","resume":true}}`))
	expectCtrl(t, out.next(t, 1), "1", http.StatusOK)
	again.cleanUp()

	// Counters from the future cannot be resumed, delivery starts over.
	third, out := newTestSession(t, "s3")
	third.dispatchRaw([]byte(`{"hello":{"id":"1","user":"` + alice.RootKey() +
		`","client":"phone","resume":true,"sent":5,"acked":5}}`))
	expectCtrl(t, out.next(t, 1), "1", http.StatusResetContent)
	if third.replica == nil {
		t.Error("session not attached after resync")
	}
}

func TestDispatchQuery(t *testing.T) {
	alice := setUpServer(t)
	sess, out := newTestSession(t, "s1")
	sess.dispatchRaw([]byte(hello(alice.RootKey(), "phone")))
	expectCtrl(t, out.next(t, 1), "1", http.StatusOK)

	sess.dispatchRaw([]byte(`{"query":{"id":"2","ns":"convall","def":{"sortCell":"m:activity"}}}`))
	reply := out.next(t, 2)
	expectCtrl(t, reply, "2", http.StatusOK)
	params, _ := reply.Ctrl.Params.(map[string]any)
	qid, _ := params["query"].(string)
	if qid == "" {
		t.Fatal("query id missing", reply.Ctrl.Params)
	}
	if globals.registry.Len() != 1 {
		t.Error("processor not cached")
	}

	sess.dispatchRaw([]byte(`{"kill":{"id":"3","query":"` + qid + `"}}`))
	expectCtrl(t, lastCtrl(t, out), "3", http.StatusOK)
	sess.dispatchRaw([]byte(`{"kill":{"id":"4","query":"` + qid + `"}}`))
	expectCtrl(t, lastCtrl(t, out), "4", http.StatusNotFound)
}

// lastCtrl returns the most recent {ctrl}, skipping frames.
func lastCtrl(t *testing.T, out *responses) *ServerComMessage {
	t.Helper()
	out.lock.Lock()
	defer out.lock.Unlock()
	for i := len(out.messages) - 1; i >= 0; i-- {
		if out.messages[i].Ctrl != nil {
			return out.messages[i]
		}
	}
	t.Fatal("no {ctrl} received")
	return nil
}

func TestDispatchEvent(t *testing.T) {
	alice := setUpServer(t)
	bob, err := crypto.GenerateKeyring(nil)
	if err != nil {
		t.Fatal(err)
	}

	sess, out := newTestSession(t, "s1")
	sess.dispatchRaw([]byte(hello(alice.RootKey(), "phone")))
	expectCtrl(t, out.next(t, 1), "1", http.StatusOK)

	// Conversation events come from the other servers only.
	sess.dispatchRaw([]byte(`{"event":{"id":"2","event":{"type":"message","convId":"c1","senderKey":"k"}}}`))
	expectCtrl(t, out.next(t, 2), "2", http.StatusForbidden)

	sess.dispatchRaw([]byte(`{"event":{"id":"3","event":{"type":"outgoingContact"}}}`))
	expectCtrl(t, out.next(t, 3), "3", http.StatusBadRequest)

	// Asking yourself to be a contact fails in the pipeline.
	sess.dispatchRaw([]byte(`{"event":{"id":"4","event":{"type":"outgoingContact","peerRootKey":"` +
		alice.RootKey() + `","peerServer":"mail.a.example"}}}`))
	expectCtrl(t, out.next(t, 4), "4", http.StatusBadRequest)

	sess.dispatchRaw([]byte(`{"event":{"id":"5","event":{"type":"outgoingContact","peerRootKey":"` +
		bob.RootKey() + `","peerServer":"mail.b.example"}}}`))

	// The pending request block and the reply race each other.
	var gotCtrl, gotBlock bool
	for n := 5; n <= 6; n++ {
		msg := out.next(t, n)
		switch {
		case msg.Ctrl != nil:
			expectCtrl(t, msg, "5", http.StatusOK)
			gotCtrl = true
		case msg.Block != nil:
			gotBlock = true
		}
	}
	if !gotCtrl || !gotBlock {
		t.Errorf("expected a reply and a block, got ctrl: %v block: %v", gotCtrl, gotBlock)
	}
}

func TestDispatchRateLimit(t *testing.T) {
	setUpServer(t)
	globals.sessionRate, globals.sessionBurst = rate.Every(time.Hour), 1
	sess, out := newTestSession(t, "s1")

	sess.dispatchRaw([]byte(`{"ack":{}}`))
	expectCtrl(t, out.next(t, 1), "", http.StatusConflict)
	sess.dispatchRaw([]byte(`{"ack":{}}`))
	expectCtrl(t, out.next(t, 2), "", http.StatusTooManyRequests)
}

func TestSessionStoreShutdown(t *testing.T) {
	setUpServer(t)
	sess, out := newTestSession(t, "s1")

	if got := globals.sessionStore.Get("s1"); got != sess {
		t.Error("session not found")
	}
	globals.sessionStore.Shutdown()
	expectCtrl(t, out.next(t, 1), "", http.StatusResetContent)
	out.lock.Lock()
	closed := out.closed
	out.lock.Unlock()
	if !closed {
		t.Error("socket not closed")
	}
	if s, _ := globals.sessionStore.NewSession(&responses{}, "s2"); s != nil {
		t.Error("session created after shutdown")
	}
	if n := globals.sessionStore.Delete(sess); n != 0 {
		t.Error("sessions left", n)
	}
}

func TestDecodeStoreError(t *testing.T) {
	now := time.Now()
	tests := []struct {
		err  error
		code int
	}{
		{nil, http.StatusOK},
		{replica.ErrUnknownClient, http.StatusNotFound},
		{pipeline.ErrStopped, http.StatusServiceUnavailable},
		{types.Errorf(types.ErrBadBox, "x"), http.StatusBadRequest},
		{types.Errorf(types.ErrUnauthorizedUserDataLeak, "x"), http.StatusForbidden},
		{types.Errorf(types.ErrAlreadyHappened, "x"), http.StatusNotModified},
		{types.Errorf(types.ErrApparentOutageMaybeLater, "x"), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := decodeStoreError(tc.err, "1", now); got.Ctrl.Code != tc.code {
			t.Errorf("%v: expected %d, got %d", tc.err, tc.code, got.Ctrl.Code)
		}
	}
}
