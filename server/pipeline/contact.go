package pipeline

import (
	"context"
	"encoding/json"

	"github.com/deuxdrop/chat/server/logs"
	"github.com/deuxdrop/chat/server/notify"
	"github.com/deuxdrop/chat/server/schema"
	"github.com/deuxdrop/chat/server/store"
	"github.com/deuxdrop/chat/server/store/types"
)

// Contact establishment is symmetric: both sides send a request. Whichever side sees the
// second request completes the contact. The pending row holds the request of either
// direction until then.

// establishedContact is the peep change made by a completed contact.
type establishedContact struct {
	peer          string
	base, mutated types.Row
}

func (p *UserMessageProcessor) isContact(ctx context.Context, peer string) (bool, error) {
	auth, err := p.env.DB.GetCell(ctx, schema.TablePeeps, schema.UserRow(p.user, peer), schema.CellPeepAuth)
	if err != nil {
		return false, outage(err, "load peep %s", peer)
	}
	return !auth.IsAbsent(), nil
}

// loadPending checks that the peer is not a contact yet and returns the pending row.
func (p *UserMessageProcessor) loadPending(ctx context.Context, peer string) (types.Row, error) {
	done, err := p.isContact(ctx, peer)
	if err != nil {
		return nil, err
	}
	if done {
		return nil, types.Errorf(types.ErrAlreadyHappened, "%s is already a contact", peer)
	}
	pending, err := p.env.DB.GetRow(ctx, schema.TablePendingContacts, schema.UserRow(p.user, peer))
	if err != nil {
		return nil, outage(err, "load pending %s", peer)
	}
	return pending, nil
}

// checkSelfIdent verifies that the self-identification blob is signed by the peer.
func (p *UserMessageProcessor) checkSelfIdent(selfIdent json.RawMessage, peer string, ts int64) error {
	if len(selfIdent) == 0 {
		return nil
	}
	ok, err := p.crypt.SignedAuthorizationValid(selfIdent, peer, ts)
	if err != nil {
		return types.Wrap(types.ErrMalformedPayload, err, "self ident")
	}
	if !ok {
		return types.Errorf(types.ErrBadSignature, "self ident of %s", peer)
	}
	return nil
}

// persistContact completes the contact. The race cell on the pending row lets exactly one
// completion through; the pending row is removed once the peep carries the authorization.
// A failed completion clears the race cell so that a retry can win it again.
func (p *UserMessageProcessor) persistContact(ctx context.Context, peer, server string, auth []byte,
	selfIdent json.RawMessage) (*establishedContact, error) {

	pendingRow := schema.UserRow(p.user, peer)
	won, err := store.RaceCreateRow(ctx, p.env.DB, schema.TablePendingContacts, pendingRow, schema.CellPendingRace, nil)
	if err != nil {
		return nil, outage(err, "complete %s", peer)
	}
	if !won {
		return nil, types.Errorf(types.ErrAlreadyHappened, "contact with %s is already being completed", peer)
	}

	c, err := p.completeContact(ctx, peer, server, auth, selfIdent)
	if err != nil {
		if derr := p.env.DB.DeleteCell(context.WithoutCancel(ctx), schema.TablePendingContacts, pendingRow,
			schema.CellPendingRace); derr != nil {
			logs.Warn.Printf("pipeline: release contact race %s for %s: %v", peer, p.user, derr)
		}
		return nil, err
	}
	return c, nil
}

func (p *UserMessageProcessor) completeContact(ctx context.Context, peer, server string, auth []byte,
	selfIdent json.RawMessage) (*establishedContact, error) {

	db := p.env.DB
	pendingRow := schema.UserRow(p.user, peer)
	if _, err := p.namecheck(ctx, peer, selfIdent, PeepGraph{}); err != nil {
		return nil, err
	}
	peepRow := schema.UserRow(p.user, peer)
	base, err := db.GetRow(ctx, schema.TablePeeps, peepRow)
	if err != nil {
		return nil, outage(err, "load peep %s", peer)
	}

	var graph PeepGraph
	if err = base.Get(schema.CellPeepGraph).Decode(&graph); err != nil {
		return nil, types.Wrap(types.ErrMissingPrereqFatal, err, "peep graph")
	}
	graph.Contact = true
	graph.Server = server

	now := p.millis()
	mutated := types.Row{
		schema.CellPeepAuth:     types.MustValue(auth),
		schema.CellPeepGraph:    types.MustValue(&graph),
		schema.CellPeepActivity: types.IntValue(now),
	}
	if len(selfIdent) > 0 {
		mutated[schema.CellPeepSelfIdent] = types.Value(selfIdent)
	}
	if err = db.PutCells(ctx, schema.TablePeeps, peepRow, mutated); err != nil {
		return nil, outage(err, "persist contact %s", peer)
	}
	if err = db.MaximizeIndexValue(ctx, schema.TablePeeps, schema.IndexPeepsRecency,
		schema.IndexParam(p.user, ""), peer, float64(now)); err != nil {
		return nil, outage(err, "index peep %s", peer)
	}
	if err = db.DeleteRow(ctx, schema.TablePendingContacts, pendingRow); err != nil {
		return nil, outage(err, "delete pending %s", peer)
	}
	return &establishedContact{peer: peer, base: base, mutated: mutated}, nil
}

func (p *UserMessageProcessor) relayContact(ctx context.Context, res *Result, c *establishedContact) error {
	if err := p.relay(ctx, res, types.BlockContactAdded, schema.TablePeeps, c.peer, c.mutated, 0); err != nil {
		return err
	}
	p.king.NamespaceItemModified(notify.NsPeeps, c.peer, c.base, c.mutated)
	return nil
}

// contactRequest handles a request from another identity.
func (p *UserMessageProcessor) contactRequest(ctx context.Context, ev *types.ContactRequestEvent, res *Result) error {
	peer := ev.SenderRootKey
	var pending, mutated types.Row
	var payload types.ContactRequestPayload
	var established *establishedContact

	return runStages(ctx, types.EventContactRequest,
		step{stageLoad, func(ctx context.Context) error {
			reason, err := p.env.DB.GetCell(ctx, schema.TableSuppressions, schema.UserRow(p.user, peer),
				schema.CellSuppressionReason)
			if err != nil {
				return outage(err, "load suppression %s", peer)
			}
			if !reason.IsAbsent() {
				res.Suppressed = true
				return errDone
			}
			if pending, err = p.loadPending(ctx, peer); err != nil {
				return err
			}
			if !pending.Get(schema.CellPendingIn).IsAbsent() {
				return types.Errorf(types.ErrAlreadyHappened, "request from %s is already pending", peer)
			}
			return nil
		}},
		step{stageValidate, func(ctx context.Context) error {
			senderKey := ev.SenderKey
			if senderKey == "" {
				senderKey = peer
			}
			if err := p.open(ev.Envelope, senderKey, &payload); err != nil {
				return err
			}
			if payload.Kind != types.ContactRequestKind {
				return types.Errorf(types.ErrMalformedPayload, "'%s' is not a contact request", payload.Kind)
			}
			if payload.From != peer {
				return types.Errorf(types.ErrUnauthorizedUserDataLeak, "request from %s claims to be from %s", peer, payload.From)
			}
			return p.checkSelfIdent(payload.SelfIdent, peer, ev.ReceivedAt)
		}},
		step{stagePersist, func(ctx context.Context) error {
			if out := pending.Get(schema.CellPendingOut); !out.IsAbsent() {
				// Both sides asked: complete.
				var rec PendingOut
				if err := out.Decode(&rec); err != nil {
					return types.Wrap(types.ErrMissingPrereqFatal, err, "pending request")
				}
				selfIdent := payload.SelfIdent
				if len(selfIdent) == 0 {
					selfIdent = rec.SelfIdent
				}
				var err error
				established, err = p.persistContact(ctx, peer, rec.Server, rec.Auth, selfIdent)
				return err
			}

			received := ev.ReceivedAt
			if received == 0 {
				received = p.millis()
			}
			rec := PendingIn{Server: payload.Server, Message: payload.Message, SelfIdent: payload.SelfIdent, ReceivedAt: received}
			mutated = types.Row{schema.CellPendingIn: types.MustValue(&rec)}
			if err := p.env.DB.PutCells(ctx, schema.TablePendingContacts, schema.UserRow(p.user, peer), mutated); err != nil {
				return outage(err, "persist request from %s", peer)
			}
			return nil
		}},
		step{stageRelay, func(ctx context.Context) error {
			if established != nil {
				return p.relayContact(ctx, res, established)
			}
			// A human decides.
			return p.relay(ctx, res, types.BlockContactRequest, schema.TablePendingContacts, peer, mutated, 0)
		}},
	)
}

// outgoingContact handles the user's request to add a contact.
func (p *UserMessageProcessor) outgoingContact(ctx context.Context, ev *types.OutgoingContactEvent, res *Result) error {
	peer := ev.PeerRootKey
	var pending, mutated types.Row
	var auth []byte
	var established *establishedContact

	return runStages(ctx, types.EventOutgoingContact,
		step{stageLoad, func(ctx context.Context) error {
			if peer == p.user {
				return types.Errorf(types.ErrMalformedPayload, "contact request to self")
			}
			var err error
			if pending, err = p.loadPending(ctx, peer); err != nil {
				return err
			}
			if !pending.Get(schema.CellPendingOut).IsAbsent() {
				return types.Errorf(types.ErrAlreadyHappened, "request to %s is already pending", peer)
			}
			return nil
		}},
		step{stageValidate, func(ctx context.Context) error {
			if ev.PeerServer == "" {
				return types.Errorf(types.ErrMalformedPayload, "no server for %s", peer)
			}
			now := p.millis()
			if err := p.checkSelfIdent(ev.PeerSelfIdent, peer, now); err != nil {
				return err
			}
			var err error
			if auth, err = p.crypt.Authorize(peer, now); err != nil {
				return types.Wrap(types.ErrBadSignature, err, "authorize "+peer)
			}
			return nil
		}},
		step{stagePersist, func(ctx context.Context) error {
			relay := p.env.Relay
			if err := relay.AuthorizeSender(ctx, p.user, peer, ev.PeerServer, auth); err != nil {
				return outage(err, "authorize %s at %s", peer, ev.PeerServer)
			}
			if err := relay.SendContactRequest(ctx, &ContactRequest{
				From:    p.user,
				To:      peer,
				Server:  ev.PeerServer,
				Message: ev.Message,
			}); err != nil {
				return outage(err, "send request to %s", peer)
			}
			// Reaching out lifts an earlier suppression.
			if err := p.env.DB.DeleteRow(ctx, schema.TableSuppressions, schema.UserRow(p.user, peer)); err != nil {
				return outage(err, "delete suppression %s", peer)
			}

			if in := pending.Get(schema.CellPendingIn); !in.IsAbsent() {
				var rec PendingIn
				if err := in.Decode(&rec); err != nil {
					return types.Wrap(types.ErrMissingPrereqFatal, err, "pending request")
				}
				selfIdent := ev.PeerSelfIdent
				if len(selfIdent) == 0 {
					selfIdent = rec.SelfIdent
				}
				var err error
				established, err = p.persistContact(ctx, peer, ev.PeerServer, auth, selfIdent)
				return err
			}

			rec := PendingOut{
				Server:    ev.PeerServer,
				Message:   ev.Message,
				SelfIdent: ev.PeerSelfIdent,
				Auth:      auth,
				SentAt:    p.millis(),
			}
			mutated = types.Row{schema.CellPendingOut: types.MustValue(&rec)}
			if err := p.env.DB.PutCells(ctx, schema.TablePendingContacts, schema.UserRow(p.user, peer), mutated); err != nil {
				return outage(err, "persist request to %s", peer)
			}
			return nil
		}},
		step{stageRelay, func(ctx context.Context) error {
			if established != nil {
				return p.relayContact(ctx, res, established)
			}
			return p.relay(ctx, res, types.BlockContactPending, schema.TablePendingContacts, peer, mutated, 0)
		}},
	)
}

// contactReject drops a pending incoming request, optionally suppressing the requester.
func (p *UserMessageProcessor) contactReject(ctx context.Context, ev *types.ContactRejectEvent, res *Result) error {
	peer := ev.PeerRootKey
	var mutated types.Row

	return runStages(ctx, types.EventContactReject,
		step{stageLoad, func(ctx context.Context) error {
			in, err := p.env.DB.GetCell(ctx, schema.TablePendingContacts, schema.UserRow(p.user, peer), schema.CellPendingIn)
			if err != nil {
				return outage(err, "load pending %s", peer)
			}
			if in.IsAbsent() {
				return types.Errorf(types.ErrAlreadyHappened, "no pending request from %s", peer)
			}
			return nil
		}},
		step{stagePersist, func(ctx context.Context) error {
			db := p.env.DB
			if err := db.DeleteRow(ctx, schema.TablePendingContacts, schema.UserRow(p.user, peer)); err != nil {
				return outage(err, "delete pending %s", peer)
			}
			if !ev.Suppress {
				return nil
			}
			mutated = types.Row{schema.CellSuppressionReason: types.MustValue("rejected")}
			if err := db.PutCells(ctx, schema.TableSuppressions, schema.UserRow(p.user, peer), mutated); err != nil {
				return outage(err, "suppress %s", peer)
			}
			return nil
		}},
		step{stageRelay, func(ctx context.Context) error {
			return p.relay(ctx, res, types.BlockContactRejected, schema.TablePendingContacts, peer, mutated, 0)
		}},
	)
}
