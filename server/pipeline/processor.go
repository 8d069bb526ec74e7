package pipeline

import (
	"container/list"
	"context"
	"encoding/json"
	"time"

	"github.com/deuxdrop/chat/server/concurrency"
	"github.com/deuxdrop/chat/server/crypto"
	"github.com/deuxdrop/chat/server/notify"
	"github.com/deuxdrop/chat/server/schema"
	"github.com/deuxdrop/chat/server/store"
	"github.com/deuxdrop/chat/server/store/types"
)

// UserMessageProcessor applies the inbound events of one user. Events are applied one at
// a time: a task runs all of its stages before the next task of the same user starts.
type UserMessageProcessor struct {
	env   *Env
	user  string
	crypt crypto.Boundary
	king  *notify.King
	lock  concurrency.SimpleMutex

	// Guarded by the registry lock.
	lastUsed time.Time
	elem     *list.Element
	tellKeys []string
}

// NewUserMessageProcessor creates a processor outside of any registry.
func NewUserMessageProcessor(env *Env, userRootKey string, crypt crypto.Boundary) *UserMessageProcessor {
	king := notify.NewKing(userRootKey, &notify.StoreResolver{DB: env.DB})
	if sink := env.NewMessages; sink != nil {
		king.AddNewMessageListener(func(convID string, msgs []notify.NewishMessage) {
			sink(userRootKey, convID, msgs)
		})
	}
	return &UserMessageProcessor{
		env:   env,
		user:  userRootKey,
		crypt: crypt,
		king:  king,
		lock:  concurrency.NewSimpleMutex(),
	}
}

// User returns the root key of the user.
func (p *UserMessageProcessor) User() string {
	return p.user
}

// King returns the live query tracker of the user.
func (p *UserMessageProcessor) King() *notify.King {
	return p.king
}

// Process applies a single event. New-message notifications stay buffered until
// PhaseDone so that a later event may still moot them.
func (p *UserMessageProcessor) Process(ctx context.Context, ev types.Event) (*Result, error) {
	outs, err := p.apply(ctx, []types.Event{ev})
	if err != nil {
		return nil, err
	}
	return outs[0].Result, outs[0].Err
}

// ProcessBatch applies the events in order as one update phase: new-message
// notifications are released once the whole batch is applied. The error is returned only
// if the batch could not start at all.
func (p *UserMessageProcessor) ProcessBatch(ctx context.Context, events []types.Event) ([]Outcome, error) {
	outs, err := p.apply(ctx, events)
	if err != nil {
		return nil, err
	}
	p.PhaseDone()
	return outs, nil
}

// PhaseDone ends the update phase: the buffered new-message notifications which were not
// mooted are released to the listeners.
func (p *UserMessageProcessor) PhaseDone() {
	p.king.UpdatePhaseDoneReleaseNotifications()
}

func (p *UserMessageProcessor) apply(ctx context.Context, events []types.Event) ([]Outcome, error) {
	if err := p.lock.LockContext(ctx); err != nil {
		return nil, err
	}
	defer p.lock.Unlock()

	outs := make([]Outcome, len(events))
	for i, ev := range events {
		if err := ctx.Err(); err != nil {
			// Not started yet: abandon.
			outs[i].Err = err
			continue
		}
		res := &Result{Event: ev.Kind()}
		if err := p.dispatch(ctx, ev, res); err != nil {
			outs[i].Err = err
		} else {
			outs[i].Result = res
		}
	}

	p.king.FlushAll()
	return outs, nil
}

func (p *UserMessageProcessor) dispatch(ctx context.Context, ev types.Event, res *Result) error {
	switch e := ev.(type) {
	case *types.WelcomeEvent:
		return p.welcome(ctx, e, res)
	case *types.JoinEvent:
		return p.join(ctx, e, res)
	case *types.MessageEvent:
		return p.message(ctx, e, res)
	case *types.MetaEvent:
		return p.meta(ctx, e, res)
	case *types.ContactRequestEvent:
		return p.contactRequest(ctx, e, res)
	case *types.OutgoingContactEvent:
		return p.outgoingContact(ctx, e, res)
	case *types.ContactRejectEvent:
		return p.contactReject(ctx, e, res)
	}
	return types.Errorf(types.ErrMalformedPayload, "unsupported event %T", ev)
}

func (p *UserMessageProcessor) millis() int64 {
	return p.env.now().UnixMilli()
}

// open opens the envelope and decodes the JSON plaintext into dst.
func (p *UserMessageProcessor) open(env types.Envelope, senderKey string, dst any) error {
	plain, err := p.crypt.OpenEnvelope(env.Boxed, env.Nonce, senderKey)
	if err != nil {
		return types.Wrap(types.ErrBadBox, err, "")
	}
	if err = json.Unmarshal(plain, dst); err != nil {
		return types.Wrap(types.ErrMalformedPayload, err, "plaintext")
	}
	return nil
}

// relay signs the block and queues it for every device of the user.
func (p *UserMessageProcessor) relay(ctx context.Context, res *Result, kind types.BlockKind, table, row string,
	cells types.Row, seq int64) error {

	block := &types.ReplicaBlock{
		ID:        p.env.NewID(),
		Kind:      kind,
		Table:     table,
		Row:       row,
		Cells:     cells,
		Seq:       seq,
		CreatedAt: p.env.now().UTC().Round(time.Millisecond),
	}
	payload, err := block.SignedPayload()
	if err != nil {
		return err
	}
	if block.Sig, err = p.crypt.Sign(payload); err != nil {
		return types.Wrap(types.ErrBadSignature, err, "sign replica block")
	}
	if err = p.env.Replicas.RelayToAllClients(ctx, p.user, block); err != nil {
		return outage(err, "relay %s", kind)
	}
	res.Blocks = append(res.Blocks, block)
	return nil
}

// loadConv returns the conversation root. A missing root is fatal.
func (p *UserMessageProcessor) loadConv(ctx context.Context, convID string) (types.Row, error) {
	row, err := p.env.DB.GetRow(ctx, schema.TableConvs, schema.UserRow(p.user, convID))
	if err != nil {
		return nil, outage(err, "load %s", convID)
	}
	if len(row) == 0 {
		return nil, types.Errorf(types.ErrMissingPrereqFatal, "conversation %s is unknown", convID)
	}
	return row, nil
}

// participant returns the membership record of the tell key or nil.
func participant(root types.Row, tellKey string) (*Participant, error) {
	val := root.Get(schema.ConvParticipant(tellKey))
	if val.IsAbsent() {
		return nil, nil
	}
	var part Participant
	if err := val.Decode(&part); err != nil {
		return nil, types.Wrap(types.ErrMissingPrereqFatal, err, "participant record")
	}
	return &part, nil
}

// peerRoots returns the root keys of the participants other than the user.
func (p *UserMessageProcessor) peerRoots(rows ...types.Row) []string {
	seen := map[string]bool{}
	var roots []string
	for _, row := range rows {
		for name := range row {
			if root, ok := schema.PeerFromCell(name); ok && root != p.user && !seen[root] {
				seen[root] = true
				roots = append(roots, root)
			}
		}
	}
	return roots
}

// touchConv moves the conversation up in the conversation indices.
func (p *UserMessageProcessor) touchConv(ctx context.Context, convID string, ts int64, peers []string) error {
	db := p.env.DB
	score := float64(ts)
	if err := db.MaximizeIndexValue(ctx, schema.TableConvs, schema.IndexConvsAll,
		schema.IndexParam(p.user, ""), convID, score); err != nil {
		return outage(err, "index %s", convID)
	}
	for _, peer := range peers {
		if err := db.MaximizeIndexValue(ctx, schema.TableConvs, schema.IndexConvsByPeep,
			schema.IndexParam(p.user, peer), convID, score); err != nil {
			return outage(err, "index %s", convID)
		}
	}
	return nil
}

// convAdded reports a new conversation to the live queries over conversations.
func (p *UserMessageProcessor) convAdded(convID string, cells types.Row) {
	p.king.NamespaceItemAdded(notify.NsConvAll, convID, nil, cells)
	p.king.NamespaceItemAdded(notify.NsConvBlurbs, convID, nil, cells)
}

func (p *UserMessageProcessor) convModified(convID string, base, mutated types.Row) {
	p.king.NamespaceItemModified(notify.NsConvAll, convID, base, mutated)
	p.king.NamespaceItemModified(notify.NsConvBlurbs, convID, base, mutated)
}

// namecheck creates the peep row on the first mention of the identity. Returns true if
// the row was created by this call.
func (p *UserMessageProcessor) namecheck(ctx context.Context, rootKey string, selfIdent json.RawMessage,
	graph PeepGraph) (bool, error) {

	if rootKey == "" || rootKey == p.user {
		return false, nil
	}
	cells := types.Row{schema.CellPeepGraph: types.MustValue(&graph)}
	if len(selfIdent) > 0 {
		cells[schema.CellPeepSelfIdent] = types.Value(selfIdent)
	}
	won, err := store.RaceCreateRow(ctx, p.env.DB, schema.TablePeeps, schema.UserRow(p.user, rootKey),
		schema.CellPeepRace, cells)
	if err != nil {
		return false, outage(err, "namecheck %s", rootKey)
	}
	if won {
		p.king.NamespaceItemAdded(notify.NsPeeps, rootKey, nil, cells)
	}
	return won, nil
}

// involve counts a new conversation of the peep.
func (p *UserMessageProcessor) involve(ctx context.Context, rootKey string) error {
	if rootKey == "" || rootKey == p.user {
		return nil
	}
	if _, err := p.env.DB.IncrementCell(ctx, schema.TablePeeps, schema.UserRow(p.user, rootKey),
		schema.CellPeepConvs, 1); err != nil {
		return outage(err, "involve %s", rootKey)
	}
	return nil
}
