package notify

import (
	"bytes"
	"sort"

	"github.com/deuxdrop/chat/server/schema"
	"github.com/deuxdrop/chat/server/store/types"
)

// Namespace groups items which queries can be issued against.
type Namespace string

// Query namespaces.
const (
	// Contacts and other known identities of the user.
	NsPeeps Namespace = "peeps"
	// Conversations involving a given peep.
	NsConvBlurbs Namespace = "convblurbs"
	// All conversations of the user.
	NsConvAll Namespace = "convall"
	// Messages of one conversation.
	NsConvMsgs Namespace = "convmsgs"
)

// Cells of items in the NsConvMsgs namespace.
const (
	CellMsgConv = "d:conv"
	CellMsgSeq  = "d:seq"
	CellMsgBody = "d:entry"
)

// QueryDef selects and orders items of a namespace. An item is a member if it has every
// cell in HasCells and every cell in Match has an equal value.
type QueryDef struct {
	// Parameter of the initial resolution, e.g. the peep root key of NsConvBlurbs or the
	// conversation id of NsConvMsgs.
	Param    string    `json:"param,omitempty"`
	HasCells []string  `json:"hasCells,omitempty"`
	Match    types.Row `json:"match,omitempty"`
	// Members are ordered by descending numeric value of this cell, ties by id.
	// Absent or non-numeric values count as 0.
	SortCell string `json:"sortCell,omitempty"`
}

// Matches checks membership of an item with the given cells.
func (d *QueryDef) Matches(cells types.Row) bool {
	for _, name := range d.HasCells {
		if cells.Get(name).IsAbsent() {
			return false
		}
	}
	for name, want := range d.Match {
		if !bytes.Equal(bytes.TrimSpace(cells.Get(name)), bytes.TrimSpace(want)) {
			return false
		}
	}
	return true
}

// Score returns the sort score of the item.
func (d *QueryDef) Score(cells types.Row) float64 {
	if d.SortCell == "" {
		return 0
	}
	var score float64
	if err := cells.Get(d.SortCell).Decode(&score); err != nil {
		return 0
	}
	return score
}

// Splice is an ordered-list diff: remove HowMany items at Index then insert Items there.
type Splice struct {
	Query   string   `json:"query"`
	Index   int      `json:"index"`
	HowMany int      `json:"howMany"`
	Items   []string `json:"items,omitempty"`
}

// Item is a single namespace item.
type Item struct {
	ID    string
	Cells types.Row
}

type handleState int

const (
	handleActive handleState = iota
	handleDead
)

type member struct {
	id    string
	score float64
}

// before reports whether m sorts ahead of the other member.
func (m member) before(other member) bool {
	if m.score != other.score {
		return m.score > other.score
	}
	return m.id < other.id
}

// QueryHandle is a live query of one namespace. It is owned by a QuerySource and must not
// be used after the source is retired.
type QueryHandle struct {
	id     string
	ns     Namespace
	def    QueryDef
	source *QuerySource
	state  handleState

	// Current members in query order. This is what the far side has.
	members []member
	// Splices not yet drained.
	splices []Splice
}

// ID is the query id as used in splices.
func (q *QueryHandle) ID() string {
	return q.id
}

// Namespace returns the namespace of the query.
func (q *QueryHandle) Namespace() Namespace {
	return q.ns
}

// Members returns the ids of the current members in query order.
func (q *QueryHandle) Members() []string {
	q.source.king.mu.Lock()
	defer q.source.king.mu.Unlock()

	ids := make([]string, len(q.members))
	for i, m := range q.members {
		ids[i] = m.id
	}
	return ids
}

// Kill stops tracking the query. The source and its other queries stay alive.
func (q *QueryHandle) Kill() {
	k := q.source.king
	k.mu.Lock()
	defer k.mu.Unlock()
	k.killQuery(q)
}

func (q *QueryHandle) position(id string) int {
	for i, m := range q.members {
		if m.id == id {
			return i
		}
	}
	return -1
}

func (q *QueryHandle) insertPosition(m member) int {
	return sort.Search(len(q.members), func(i int) bool {
		return m.before(q.members[i])
	})
}

func (q *QueryHandle) remove(pos int) {
	q.members = append(q.members[:pos], q.members[pos+1:]...)
	q.splices = append(q.splices, Splice{Query: q.id, Index: pos, HowMany: 1})
}

func (q *QueryHandle) insert(m member) {
	pos := q.insertPosition(m)
	q.members = append(q.members, member{})
	copy(q.members[pos+1:], q.members[pos:])
	q.members[pos] = m
	q.splices = append(q.splices, Splice{Query: q.id, Index: pos, Items: []string{m.id}})
}

// inScope checks the item against the query parameter: the conversation of NsConvMsgs
// or the peep of NsConvBlurbs. An empty parameter selects everything.
func (q *QueryHandle) inScope(cells types.Row) bool {
	if q.def.Param == "" {
		return true
	}
	switch q.ns {
	case NsConvMsgs:
		var conv string
		if err := cells.Get(CellMsgConv).Decode(&conv); err != nil {
			return false
		}
		return conv == q.def.Param
	case NsConvBlurbs:
		return !cells.Get(schema.ConvPeer(q.def.Param)).IsAbsent()
	}
	return true
}

func (q *QueryHandle) matches(cells types.Row) bool {
	return q.inScope(cells) && q.def.Matches(cells)
}

// evaluate applies a change of one item to the query and reports whether the item is a
// member afterwards.
func (q *QueryHandle) evaluate(id string, cells types.Row) bool {
	pos := q.position(id)
	if !q.matches(cells) {
		if pos >= 0 {
			q.remove(pos)
		}
		return false
	}

	m := member{id: id, score: q.def.Score(cells)}
	if pos >= 0 {
		if q.members[pos].score == m.score {
			return true
		}
		// Reordered: splice out then splice in at the new position.
		q.remove(pos)
	}
	q.insert(m)
	return true
}

// populate sets the initial members and records them as a single splice.
func (q *QueryHandle) populate(items []Item) []Item {
	var added []Item
	for _, item := range items {
		if q.matches(item.Cells) {
			q.members = append(q.members, member{id: item.ID, score: q.def.Score(item.Cells)})
			added = append(added, item)
		}
	}
	sort.Slice(q.members, func(i, j int) bool {
		return q.members[i].before(q.members[j])
	})
	if len(q.members) > 0 {
		ids := make([]string, len(q.members))
		for i, m := range q.members {
			ids[i] = m.id
		}
		q.splices = append(q.splices, Splice{Query: q.id, Items: ids})
	}
	return added
}
