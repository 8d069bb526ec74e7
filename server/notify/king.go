// Package notify implements NotificationKing: tracking of live queries issued by the
// user's UI bridges, incremental splice updates on storage mutations, and latching of
// new-message notifications until the replica backlog has been replayed.
//
// There is one King per user. All methods are safe for concurrent use.
package notify

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/deuxdrop/chat/server/store/types"
)

// Resolver loads the initial items of a query from storage.
type Resolver interface {
	Resolve(ctx context.Context, userRootKey string, ns Namespace, def *QueryDef) ([]Item, error)
}

// NewishMessage is a candidate new-message notification.
type NewishMessage struct {
	ConvID string `json:"convId"`
	// Sequence number of the message in the conversation.
	Index int64 `json:"index"`
	Item  any   `json:"item,omitempty"`
}

// NewMessageListener is told about released new-message notifications, one call per
// conversation.
type NewMessageListener func(convID string, msgs []NewishMessage)

// King tracks the live queries of one user.
type King struct {
	mu       sync.Mutex
	user     string
	resolver Resolver

	sources map[string]*QuerySource
	// Live queries by namespace.
	byNs map[Namespace][]*QueryHandle

	// Candidate new-message notifications by conversation id, in arrival order.
	newish    map[string][]NewishMessage
	listeners []NewMessageListener
}

// NewKing creates the king of the user. Resolver may be nil, then queries start empty.
func NewKing(userRootKey string, resolver Resolver) *King {
	return &King{
		user:     userRootKey,
		resolver: resolver,
		sources:  map[string]*QuerySource{},
		byNs:     map[Namespace][]*QueryHandle{},
		newish:   map[string][]NewishMessage{},
	}
}

// User returns the root key of the user the king belongs to.
func (k *King) User() string {
	return k.user
}

// RegisterNewQuerySource registers a far side consumer. The sink, if not nil, receives
// the frames on FlushAll; otherwise the owner drains the source itself.
func (k *King) RegisterNewQuerySource(id string, sink FrameSink) (*QuerySource, error) {
	if id == "" {
		return nil, errors.New("notify: empty query source id")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if _, ok := k.sources[id]; ok {
		return nil, errors.New("notify: duplicate query source " + id)
	}
	src := &QuerySource{
		id:      id,
		king:    k,
		sink:    sink,
		queries: map[string]*QueryHandle{},
		cache:   map[Namespace]map[string]types.Row{},
		delta:   DataDelta{},
	}
	k.sources[id] = src
	return src, nil
}

// SourceCount returns the number of live query sources.
func (k *King) SourceCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.sources)
}

// NamespaceItemAdded reports a new item. Cells are the base cells with the mutated cells
// applied on top.
func (k *King) NamespaceItemAdded(ns Namespace, id string, base, mutated types.Row) {
	k.itemChanged(ns, id, base.Merge(mutated))
}

// NamespaceItemModified reports a change of an existing item.
func (k *King) NamespaceItemModified(ns Namespace, id string, base, mutated types.Row) {
	k.itemChanged(ns, id, base.Merge(mutated))
}

// NamespaceItemDeleted reports removal of an item.
func (k *King) NamespaceItemDeleted(ns Namespace, id string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, q := range k.byNs[ns] {
		if pos := q.position(id); pos >= 0 {
			q.remove(pos)
		}
	}
	for _, src := range k.sources {
		src.forget(ns, id)
	}
}

func (k *King) itemChanged(ns Namespace, id string, cells types.Row) {
	k.mu.Lock()
	defer k.mu.Unlock()

	// Items the far side already has are refreshed even if no longer a member.
	for _, src := range k.sources {
		src.refresh(ns, id, cells)
	}
	for _, q := range k.byNs[ns] {
		if q.evaluate(id, cells) {
			q.source.reference(ns, id, cells)
		}
	}
}

// FlushAll drains every source which has a sink and hands the frames to the sinks.
func (k *King) FlushAll() {
	type pending struct {
		src   *QuerySource
		frame *Frame
	}
	var out []pending

	k.mu.Lock()
	for _, src := range k.sources {
		if src.sink == nil {
			continue
		}
		if frame := src.drain(); frame != nil {
			out = append(out, pending{src, frame})
		}
	}
	k.mu.Unlock()

	// Sinks may block on the network.
	for _, p := range out {
		p.src.sink(p.src, p.frame)
	}
}

// FlushSource returns the pending frame of the source and clears it.
func (k *King) FlushSource(src *QuerySource) *Frame {
	return src.Drain()
}

// killQuery must be called with the lock held.
func (k *King) killQuery(q *QueryHandle) {
	if q.state == handleDead {
		return
	}
	q.state = handleDead
	q.members = nil
	q.splices = nil
	delete(q.source.queries, q.id)

	live := k.byNs[q.ns]
	for i, other := range live {
		if other == q {
			k.byNs[q.ns] = append(live[:i], live[i+1:]...)
			break
		}
	}
}

// AddNewMessageListener registers a receiver of released new-message notifications.
func (k *King) AddNewMessageListener(fn NewMessageListener) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.listeners = append(k.listeners, fn)
}

// TrackNewishMessage buffers a candidate notification. Nothing is reported until
// UpdatePhaseDoneReleaseNotifications.
func (k *King) TrackNewishMessage(convID string, index int64, item any) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.newish[convID] = append(k.newish[convID], NewishMessage{ConvID: convID, Index: index, Item: item})
}

// MootNewForMessages drops the candidates of the conversation with index below
// firstUnreadIndex: the user has already seen them.
func (k *King) MootNewForMessages(convID string, firstUnreadIndex int64) {
	k.mu.Lock()
	defer k.mu.Unlock()

	candidates := k.newish[convID]
	kept := candidates[:0]
	for _, msg := range candidates {
		if msg.Index >= firstUnreadIndex {
			kept = append(kept, msg)
		}
	}
	if len(kept) == 0 {
		delete(k.newish, convID)
	} else {
		k.newish[convID] = kept
	}
}

// NewishCandidates returns the indices of the buffered candidates of the conversation.
func (k *King) NewishCandidates(convID string) []int64 {
	k.mu.Lock()
	defer k.mu.Unlock()

	var out []int64
	for _, msg := range k.newish[convID] {
		out = append(out, msg.Index)
	}
	return out
}

// PendingNewish returns the number of buffered candidates over all conversations.
func (k *King) PendingNewish() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	n := 0
	for _, msgs := range k.newish {
		n += len(msgs)
	}
	return n
}

// UpdatePhaseDoneReleaseNotifications turns the surviving candidates into notifications
// and empties the buffer. Called once the replica backlog has been replayed.
func (k *King) UpdatePhaseDoneReleaseNotifications() {
	k.mu.Lock()
	released := k.newish
	k.newish = map[string][]NewishMessage{}
	listeners := append([]NewMessageListener(nil), k.listeners...)
	k.mu.Unlock()

	convs := make([]string, 0, len(released))
	for convID := range released {
		convs = append(convs, convID)
	}
	sort.Strings(convs)

	for _, convID := range convs {
		for _, fn := range listeners {
			fn(convID, released[convID])
		}
	}
}
