package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/google/go-cmp/cmp"

	"github.com/deuxdrop/chat/server/crypto"
	adapter "github.com/deuxdrop/chat/server/db"
	"github.com/deuxdrop/chat/server/pipeline"
	"github.com/deuxdrop/chat/server/schema"
	"github.com/deuxdrop/chat/server/store/types"
)

const bobServer = "mail.b.example"

func (w *world) requestFrom(k *crypto.Keyring) *types.ContactRequestEvent {
	return w.contactRequest(k, &types.ContactRequestPayload{
		Kind:      types.ContactRequestKind,
		From:      k.RootKey(),
		Server:    bobServer,
		SelfIdent: w.selfIdent(k),
		Message:   "hello",
	})
}

func (w *world) addContact(k *crypto.Keyring) *types.OutgoingContactEvent {
	return &types.OutgoingContactEvent{
		PeerRootKey:   k.RootKey(),
		PeerServer:    bobServer,
		PeerSelfIdent: w.selfIdent(k),
		Message:       "let's talk",
	}
}

// expectRelay expects the authorization and the request to be sent once, in this order.
func (w *world) expectRelay(k *crypto.Keyring) {
	gomock.InOrder(
		w.relay.EXPECT().AuthorizeSender(gomock.Any(), w.alice.RootKey(), k.RootKey(), bobServer, gomock.Any()).
			Return(nil).Times(1),
		w.relay.EXPECT().SendContactRequest(gomock.Any(), &pipeline.ContactRequest{
			From:    w.alice.RootKey(),
			To:      k.RootKey(),
			Server:  bobServer,
			Message: "let's talk",
		}).Return(nil).Times(1),
	)
}

// checkContact verifies the peep is an established contact and nothing is pending.
func (w *world) checkContact(k *crypto.Keyring) {
	w.t.Helper()
	peep := w.row(schema.TablePeeps, k.RootKey())
	if peep.Get(schema.CellPeepAuth).IsAbsent() {
		w.t.Fatal("peep has no authorization")
	}
	var graph pipeline.PeepGraph
	if err := peep.Get(schema.CellPeepGraph).Decode(&graph); err != nil {
		w.t.Fatal(err)
	}
	if diff := cmp.Diff(pipeline.PeepGraph{Contact: true, Server: bobServer}, graph); diff != "" {
		w.t.Errorf("peep graph (-want +got):\n%s", diff)
	}
	if pending := w.row(schema.TablePendingContacts, k.RootKey()); len(pending) != 0 {
		w.t.Errorf("pending row left behind: %v", pending.CellNames())
	}
}

func TestContactIncomingFirst(t *testing.T) {
	w := newWorld(t)

	res := w.mustProcess(w.requestFrom(w.bob))
	if diff := cmp.Diff([]types.BlockKind{types.BlockContactRequest}, blockKinds(res.Blocks)); diff != "" {
		t.Errorf("request blocks (-want +got):\n%s", diff)
	}
	var in pipeline.PendingIn
	if err := w.row(schema.TablePendingContacts, w.bob.RootKey()).Get(schema.CellPendingIn).Decode(&in); err != nil {
		t.Fatal(err)
	}
	if in.Server != bobServer || in.Message != "hello" || in.ReceivedAt != w.millis() {
		t.Errorf("unexpected pending request %+v", in)
	}

	_, err := w.process(w.requestFrom(w.bob))
	expectClass(t, err, types.ErrAlreadyHappened)

	w.expectRelay(w.bob)
	res = w.mustProcess(w.addContact(w.bob))
	if diff := cmp.Diff([]types.BlockKind{types.BlockContactAdded}, blockKinds(res.Blocks)); diff != "" {
		t.Errorf("completion blocks (-want +got):\n%s", diff)
	}
	w.checkContact(w.bob)

	_, err = w.process(w.requestFrom(w.bob))
	expectClass(t, err, types.ErrAlreadyHappened)
	_, err = w.process(w.addContact(w.bob))
	expectClass(t, err, types.ErrAlreadyHappened)
}

func TestContactOutgoingFirst(t *testing.T) {
	w := newWorld(t)

	w.expectRelay(w.bob)
	res := w.mustProcess(w.addContact(w.bob))
	if diff := cmp.Diff([]types.BlockKind{types.BlockContactPending}, blockKinds(res.Blocks)); diff != "" {
		t.Errorf("request blocks (-want +got):\n%s", diff)
	}
	var out pipeline.PendingOut
	if err := w.row(schema.TablePendingContacts, w.bob.RootKey()).Get(schema.CellPendingOut).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Auth) == 0 || out.Server != bobServer {
		t.Errorf("unexpected pending request %+v", out)
	}

	// Sent once only.
	_, err := w.process(w.addContact(w.bob))
	expectClass(t, err, types.ErrAlreadyHappened)

	res = w.mustProcess(w.requestFrom(w.bob))
	if diff := cmp.Diff([]types.BlockKind{types.BlockContactAdded}, blockKinds(res.Blocks)); diff != "" {
		t.Errorf("completion blocks (-want +got):\n%s", diff)
	}
	w.checkContact(w.bob)

	// The authorization handed to the peer's server is the one recorded.
	var auth []byte
	if err = w.row(schema.TablePeeps, w.bob.RootKey()).Get(schema.CellPeepAuth).Decode(&auth); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(out.Auth, auth); diff != "" {
		t.Errorf("authorization (-pending +peep):\n%s", diff)
	}
}

// failingAuthWrites fails the given number of peep authorization writes.
type failingAuthWrites struct {
	adapter.Adapter
	failures int
}

func (f *failingAuthWrites) PutCells(ctx context.Context, table, rowID string, cells types.Row) error {
	if table == schema.TablePeeps && !cells.Get(schema.CellPeepAuth).IsAbsent() && f.failures > 0 {
		f.failures--
		return errors.New("storage unavailable")
	}
	return f.Adapter.PutCells(ctx, table, rowID, cells)
}

func TestContactRetryAfterOutage(t *testing.T) {
	w := newWorld(t)
	w.expectRelay(w.bob)
	w.mustProcess(w.addContact(w.bob))

	env := *w.env
	env.DB = &failingAuthWrites{Adapter: w.db, failures: 1}
	proc := pipeline.NewUserMessageProcessor(&env, w.alice.RootKey(), w.alice)

	_, err := proc.Process(w.ctx, w.requestFrom(w.bob))
	expectClass(t, err, types.ErrApparentOutageMaybeLater)
	if !w.row(schema.TablePendingContacts, w.bob.RootKey()).Get(schema.CellPendingRace).IsAbsent() {
		t.Error("failed completion kept the race cell")
	}

	res, err := proc.Process(w.ctx, w.requestFrom(w.bob))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if diff := cmp.Diff([]types.BlockKind{types.BlockContactAdded}, blockKinds(res.Blocks)); diff != "" {
		t.Errorf("retry blocks (-want +got):\n%s", diff)
	}
	w.checkContact(w.bob)
}

func TestContactRequestRejected(t *testing.T) {
	w := newWorld(t)

	forged := w.requestFrom(w.bob)
	forged.SenderRootKey = w.carol.RootKey()
	forged.SenderKey = w.bob.BoxKey()

	wrongKind := w.contactRequest(w.bob, &types.ContactRequestPayload{Kind: "hello", From: w.bob.RootKey()})
	badIdent := w.contactRequest(w.bob, &types.ContactRequestPayload{
		Kind:      types.ContactRequestKind,
		From:      w.bob.RootKey(),
		SelfIdent: w.selfIdent(w.carol),
	})
	garbledIdent := w.contactRequest(w.bob, &types.ContactRequestPayload{
		Kind:      types.ContactRequestKind,
		From:      w.bob.RootKey(),
		SelfIdent: json.RawMessage(`{"auth":"e30="}`),
	})

	tests := []struct {
		name  string
		ev    *types.ContactRequestEvent
		class types.ErrClass
	}{
		{"claims another identity", forged, types.ErrUnauthorizedUserDataLeak},
		{"wrong kind", wrongKind, types.ErrMalformedPayload},
		{"self ident of someone else", badIdent, types.ErrBadSignature},
		{"garbled self ident", garbledIdent, types.ErrMalformedPayload},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := w.process(tc.ev)
			expectClass(t, err, tc.class)
			if pending := w.row(schema.TablePendingContacts, tc.ev.SenderRootKey); len(pending) != 0 {
				t.Errorf("rejected request persisted: %v", pending.CellNames())
			}
		})
	}

	_, err := w.process(forged)
	if !types.NeedsSecurityReview(err) {
		t.Errorf("forged request is not flagged: %v", err)
	}
	if len(w.queued("phone")) != 0 {
		t.Error("rejected requests reached the devices")
	}
}

func TestContactSuppression(t *testing.T) {
	w := newWorld(t)

	w.mustProcess(w.requestFrom(w.bob))
	res := w.mustProcess(&types.ContactRejectEvent{PeerRootKey: w.bob.RootKey(), Suppress: true})
	if diff := cmp.Diff([]types.BlockKind{types.BlockContactRejected}, blockKinds(res.Blocks)); diff != "" {
		t.Errorf("reject blocks (-want +got):\n%s", diff)
	}
	if pending := w.row(schema.TablePendingContacts, w.bob.RootKey()); len(pending) != 0 {
		t.Errorf("pending row left behind: %v", pending.CellNames())
	}
	if w.row(schema.TableSuppressions, w.bob.RootKey()).Get(schema.CellSuppressionReason).IsAbsent() {
		t.Fatal("requester is not suppressed")
	}

	// Nothing pending any more.
	_, err := w.process(&types.ContactRejectEvent{PeerRootKey: w.bob.RootKey()})
	expectClass(t, err, types.ErrAlreadyHappened)

	queued := len(w.queued("phone"))
	res = w.mustProcess(w.requestFrom(w.bob))
	if !res.Suppressed || len(res.Blocks) != 0 {
		t.Errorf("suppressed request was not dropped: %+v", res)
	}
	if len(w.queued("phone")) != queued {
		t.Error("suppressed request reached the devices")
	}

	// Reaching out lifts the suppression.
	w.expectRelay(w.bob)
	w.mustProcess(w.addContact(w.bob))
	if suppressed := w.row(schema.TableSuppressions, w.bob.RootKey()); len(suppressed) != 0 {
		t.Error("suppression survived the outgoing request")
	}
	w.mustProcess(w.requestFrom(w.bob))
	w.checkContact(w.bob)
}

func TestContactRejectWithoutSuppression(t *testing.T) {
	w := newWorld(t)

	w.mustProcess(w.requestFrom(w.carol))
	w.mustProcess(&types.ContactRejectEvent{PeerRootKey: w.carol.RootKey()})
	if len(w.row(schema.TableSuppressions, w.carol.RootKey())) != 0 {
		t.Error("plain reject suppressed the requester")
	}
	// May ask again.
	res := w.mustProcess(w.requestFrom(w.carol))
	if res.Suppressed {
		t.Error("request was suppressed")
	}
}

func TestOutgoingContactErrors(t *testing.T) {
	w := newWorld(t)

	noServer := w.addContact(w.bob)
	noServer.PeerServer = ""
	badIdent := w.addContact(w.bob)
	badIdent.PeerSelfIdent = w.selfIdent(w.carol)

	tests := []struct {
		name  string
		ev    *types.OutgoingContactEvent
		class types.ErrClass
	}{
		{"to self", &types.OutgoingContactEvent{PeerRootKey: w.alice.RootKey(), PeerServer: bobServer}, types.ErrMalformedPayload},
		{"no server", noServer, types.ErrMalformedPayload},
		{"self ident of someone else", badIdent, types.ErrBadSignature},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := w.process(tc.ev)
			expectClass(t, err, tc.class)
		})
	}
}

func TestOutgoingContactRelayDown(t *testing.T) {
	w := newWorld(t)

	w.relay.EXPECT().AuthorizeSender(gomock.Any(), w.alice.RootKey(), w.bob.RootKey(), bobServer, gomock.Any()).
		Return(errors.New("connection refused"))

	_, err := w.process(w.addContact(w.bob))
	expectClass(t, err, types.ErrApparentOutageMaybeLater)
	var se *pipeline.StageError
	if !errors.As(err, &se) || se.Stage != "persist" {
		t.Errorf("expected failure at persist, got %v", err)
	}
	if pending := w.row(schema.TablePendingContacts, w.bob.RootKey()); len(pending) != 0 {
		t.Errorf("failed request persisted: %v", pending.CellNames())
	}

	// A retry goes through.
	w.expectRelay(w.bob)
	w.mustProcess(w.addContact(w.bob))
}
