package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/deuxdrop/chat/server/notify"
	"github.com/deuxdrop/chat/server/schema"
	"github.com/deuxdrop/chat/server/store"
	"github.com/deuxdrop/chat/server/store/types"
)

// welcome creates the conversation root and replays the backlog. A lost creation race
// means a duplicate delivery: nothing is written or relayed but the backlog is still
// replayed, each replayed event being idempotent on its own.
func (p *UserMessageProcessor) welcome(ctx context.Context, ev *types.WelcomeEvent, res *Result) error {
	var inv types.Invitation
	var cells types.Row
	won := false

	err := runStages(ctx, types.EventWelcome,
		step{stageValidate, func(ctx context.Context) error {
			if err := p.open(ev.Envelope, ev.SenderKey, &inv); err != nil {
				return err
			}
			if inv.ConvID != ev.ConvID {
				return types.Errorf(types.ErrMalformedPayload, "invitation to %s delivered as %s", inv.ConvID, ev.ConvID)
			}
			if inv.Creator == "" {
				return types.Errorf(types.ErrMalformedPayload, "invitation to %s has no creator", ev.ConvID)
			}
			return nil
		}},
		step{stagePersist, func(ctx context.Context) error {
			now := p.millis()
			cells = types.Row{
				schema.CellConvInvite:               types.MustValue(&inv),
				schema.CellConvHighSeq:              types.IntValue(0),
				schema.CellConvActivity:             types.IntValue(now),
				schema.ConvParticipant(inv.Creator): types.MustValue(&Participant{RootKey: inv.CreatorRoot, JoinedAt: now, Seq: -1}),
			}
			if inv.CreatorRoot != "" {
				cells[schema.ConvPeer(inv.CreatorRoot)] = types.MustValue(inv.Creator)
			}

			var err error
			won, err = store.RaceCreateRow(ctx, p.env.DB, schema.TableConvs, schema.UserRow(p.user, ev.ConvID),
				schema.CellConvRace, cells)
			if err != nil {
				return outage(err, "create %s", ev.ConvID)
			}
			if !won {
				return errDone
			}

			if err = p.touchConv(ctx, ev.ConvID, now, p.peerRoots(cells)); err != nil {
				return err
			}
			if _, err = p.namecheck(ctx, inv.CreatorRoot, nil, PeepGraph{Conv: ev.ConvID}); err != nil {
				return err
			}
			return p.involve(ctx, inv.CreatorRoot)
		}},
		step{stageRelay, func(ctx context.Context) error {
			if err := p.relay(ctx, res, types.BlockConvCreated, schema.TableConvs, ev.ConvID, cells, 0); err != nil {
				return err
			}
			p.convAdded(ev.ConvID, cells)
			return nil
		}},
	)
	if err != nil {
		return err
	}

	for i, sub := range ev.Backlog {
		if err := p.dispatch(ctx, sub, res); err != nil && !types.IsNoop(err) {
			return fmt.Errorf("welcome %s backlog[%d]: %w", ev.ConvID, i, err)
		}
	}
	return nil
}

// join adds a participant invited by an existing participant.
func (p *UserMessageProcessor) join(ctx context.Context, ev *types.JoinEvent, res *Result) error {
	rowID := schema.UserRow(p.user, ev.ConvID)
	var root, mutated types.Row
	var payload types.JoinPayload
	var seq int64

	return runStages(ctx, types.EventJoin,
		step{stageLoad, func(ctx context.Context) error {
			var err error
			if root, err = p.loadConv(ctx, ev.ConvID); err != nil {
				return err
			}
			inviter, err := participant(root, ev.SenderKey)
			if err != nil {
				return err
			}
			if inviter == nil {
				return types.Errorf(types.ErrUnauthorizedUser, "%s is not a participant of %s", ev.SenderKey, ev.ConvID)
			}
			if !root.Get(schema.ConvParticipant(ev.Invitee)).IsAbsent() {
				return types.Errorf(types.ErrAlreadyHappened, "%s already joined %s", ev.Invitee, ev.ConvID)
			}
			return nil
		}},
		step{stageValidate, func(ctx context.Context) error {
			if err := p.open(ev.Envelope, ev.SenderKey, &payload); err != nil {
				return err
			}
			if payload.InviteeTellKey != ev.Invitee {
				return types.Errorf(types.ErrMalformedPayload, "join of %s names %s", ev.Invitee, payload.InviteeTellKey)
			}
			return nil
		}},
		step{stageSequence, func(ctx context.Context) error {
			n, err := p.env.DB.IncrementCell(ctx, schema.TableConvs, rowID, schema.CellConvHighSeq, 1)
			if err != nil {
				return outage(err, "sequence %s", ev.ConvID)
			}
			seq = n - 1
			return nil
		}},
		step{stagePersist, func(ctx context.Context) error {
			now := p.millis()
			entry := Entry{
				Kind:        EntryJoin,
				By:          ev.SenderKey,
				Invitee:     ev.Invitee,
				InviteeRoot: payload.InviteeRootKey,
				ReceivedAt:  now,
			}
			mutated = types.Row{
				schema.ConvEntry(seq):              types.MustValue(&entry),
				schema.ConvParticipant(ev.Invitee): types.MustValue(&Participant{RootKey: payload.InviteeRootKey, JoinedAt: now, Seq: seq}),
				schema.CellConvActivity:            types.IntValue(now),
			}
			if payload.InviteeRootKey != "" {
				mutated[schema.ConvPeer(payload.InviteeRootKey)] = types.MustValue(ev.Invitee)
			}
			if err := p.env.DB.PutCells(ctx, schema.TableConvs, rowID, mutated); err != nil {
				return outage(err, "persist join to %s", ev.ConvID)
			}

			if err := p.touchConv(ctx, ev.ConvID, now, p.peerRoots(root, mutated)); err != nil {
				return err
			}
			if _, err := p.namecheck(ctx, payload.InviteeRootKey, payload.SelfIdent,
				PeepGraph{Conv: ev.ConvID, Via: ev.SenderKey}); err != nil {
				return err
			}
			return p.involve(ctx, payload.InviteeRootKey)
		}},
		step{stageRelay, func(ctx context.Context) error {
			if err := p.relay(ctx, res, types.BlockJoin, schema.TableConvs, ev.ConvID, mutated, seq); err != nil {
				return err
			}
			p.convModified(ev.ConvID, root, mutated)
			item := notify.MessageItem(ev.ConvID, seq, mutated[schema.ConvEntry(seq)])
			p.king.NamespaceItemAdded(notify.NsConvMsgs, item.ID, nil, item.Cells)
			return nil
		}},
	)
}

type peepChange struct {
	root          string
	base, mutated types.Row
}

// message appends a human message. The body stays opaque.
func (p *UserMessageProcessor) message(ctx context.Context, ev *types.MessageEvent, res *Result) error {
	rowID := schema.UserRow(p.user, ev.ConvID)
	var root, mutated types.Row
	var peeps []peepChange
	var author *Participant
	var payload types.MessagePayload
	var nonceCell string
	var seq int64

	return runStages(ctx, types.EventMessage,
		step{stageLoad, func(ctx context.Context) error {
			if len(ev.Nonce) == 0 {
				return types.Errorf(types.ErrMalformedPayload, "message to %s without nonce", ev.ConvID)
			}
			var err error
			if root, err = p.loadConv(ctx, ev.ConvID); err != nil {
				return err
			}
			if author, err = participant(root, ev.SenderKey); err != nil {
				return err
			}
			if author == nil {
				// The join which authorizes the sender may still be on its way.
				return types.Errorf(types.ErrNotYetAuthorized, "%s is not yet a participant of %s", ev.SenderKey, ev.ConvID)
			}
			nonceCell = schema.ConvNonce(base64.RawURLEncoding.EncodeToString(ev.Nonce))
			if !root.Get(nonceCell).IsAbsent() {
				return types.Errorf(types.ErrAlreadyHappened, "message already in %s", ev.ConvID)
			}
			return nil
		}},
		step{stageValidate, func(ctx context.Context) error {
			return p.open(ev.Envelope, ev.SenderKey, &payload)
		}},
		step{stageSequence, func(ctx context.Context) error {
			n, err := p.env.DB.IncrementCell(ctx, schema.TableConvs, rowID, schema.CellConvHighSeq, 1)
			if err != nil {
				return outage(err, "sequence %s", ev.ConvID)
			}
			seq = n - 1
			return nil
		}},
		step{stagePersist, func(ctx context.Context) error {
			received := ev.ReceivedAt
			if received == 0 {
				received = p.millis()
			}
			entry := Entry{
				Kind:       EntryMessage,
				By:         ev.SenderKey,
				Body:       payload.Body,
				SentAt:     payload.SentAt,
				ReceivedAt: received,
			}
			mutated = types.Row{
				schema.ConvEntry(seq):   types.MustValue(&entry),
				nonceCell:               types.IntValue(seq),
				schema.CellConvActivity: types.IntValue(received),
			}
			db := p.env.DB
			if err := db.PutCells(ctx, schema.TableConvs, rowID, mutated); err != nil {
				return outage(err, "persist message to %s", ev.ConvID)
			}

			// Indices after the conversation row.
			peers := p.peerRoots(root)
			if err := p.touchConv(ctx, ev.ConvID, received, peers); err != nil {
				return err
			}
			// Each peep in the conversation moves up in the recency index. The sender also
			// gets an unread message.
			for _, peer := range peers {
				peepRow := schema.UserRow(p.user, peer)
				base, err := db.GetRow(ctx, schema.TablePeeps, peepRow)
				if err != nil {
					return outage(err, "load peep %s", peer)
				}
				if len(base) == 0 {
					continue
				}
				peepMutated := types.Row{schema.CellPeepActivity: types.IntValue(received)}
				if peer == author.RootKey {
					unread, err := db.IncrementCell(ctx, schema.TablePeeps, peepRow, schema.CellPeepUnread, 1)
					if err != nil {
						return outage(err, "count unread %s", peer)
					}
					peepMutated[schema.CellPeepUnread] = types.IntValue(unread)
				}
				if err = db.PutCells(ctx, schema.TablePeeps, peepRow, types.Row{
					schema.CellPeepActivity: types.IntValue(received),
				}); err != nil {
					return outage(err, "touch peep %s", peer)
				}
				if err = db.MaximizeIndexValue(ctx, schema.TablePeeps, schema.IndexPeepsRecency,
					schema.IndexParam(p.user, ""), peer, float64(received)); err != nil {
					return outage(err, "index peep %s", peer)
				}
				peeps = append(peeps, peepChange{peer, base, peepMutated})
			}
			return nil
		}},
		step{stageRelay, func(ctx context.Context) error {
			if err := p.relay(ctx, res, types.BlockMessage, schema.TableConvs, ev.ConvID, mutated, seq); err != nil {
				return err
			}
			p.convModified(ev.ConvID, root, mutated)
			item := notify.MessageItem(ev.ConvID, seq, mutated[schema.ConvEntry(seq)])
			p.king.NamespaceItemAdded(notify.NsConvMsgs, item.ID, nil, item.Cells)
			for _, c := range peeps {
				p.king.NamespaceItemModified(notify.NsPeeps, c.root, c.base, c.mutated)
			}
			if author.RootKey != p.user {
				p.king.TrackNewishMessage(ev.ConvID, seq, item)
			}
			return nil
		}},
	)
}

// meta replaces the metadata of a participant, last write by sequence wins.
func (p *UserMessageProcessor) meta(ctx context.Context, ev *types.MetaEvent, res *Result) error {
	rowID := schema.UserRow(p.user, ev.ConvID)
	var root, mutated types.Row
	var author *Participant
	var payload types.MetaPayload

	return runStages(ctx, types.EventMeta,
		step{stageLoad, func(ctx context.Context) error {
			var err error
			if root, err = p.loadConv(ctx, ev.ConvID); err != nil {
				return err
			}
			if author, err = participant(root, ev.SenderKey); err != nil {
				return err
			}
			if author == nil {
				return types.Errorf(types.ErrUnauthorizedUser, "%s is not a participant of %s", ev.SenderKey, ev.ConvID)
			}
			if prev := root.Get(schema.ConvMeta(ev.SenderKey)); !prev.IsAbsent() {
				var rec MetaRecord
				if err = prev.Decode(&rec); err != nil {
					return types.Wrap(types.ErrMissingPrereqFatal, err, "meta record")
				}
				if rec.Seq >= ev.Seq {
					return types.Errorf(types.ErrAlreadyHappened, "meta of %s at %d superseded by %d", ev.SenderKey, ev.Seq, rec.Seq)
				}
			}
			return nil
		}},
		step{stageValidate, func(ctx context.Context) error {
			return p.open(ev.Envelope, ev.SenderKey, &payload)
		}},
		step{stagePersist, func(ctx context.Context) error {
			rec := MetaRecord{Seq: ev.Seq, ReadThrough: payload.ReadThrough, Data: payload.Data}
			mutated = types.Row{schema.ConvMeta(ev.SenderKey): types.MustValue(&rec)}
			if err := p.env.DB.PutCells(ctx, schema.TableConvs, rowID, mutated); err != nil {
				return outage(err, "persist meta of %s", ev.ConvID)
			}
			return nil
		}},
		step{stageRelay, func(ctx context.Context) error {
			if err := p.relay(ctx, res, types.BlockMeta, schema.TableConvs, ev.ConvID, mutated, ev.Seq); err != nil {
				return err
			}
			p.convModified(ev.ConvID, root, mutated)
			if author.RootKey == p.user && payload.ReadThrough > 0 {
				// The user has read these on another device.
				p.king.MootNewForMessages(ev.ConvID, payload.ReadThrough+1)
			}
			return nil
		}},
	)
}
