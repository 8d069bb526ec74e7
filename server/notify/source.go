package notify

import (
	"context"
	"errors"
	"strconv"

	"github.com/deuxdrop/chat/server/store/types"
)

// ErrRetired is returned by operations on a retired query source.
var ErrRetired = errors.New("notify: query source retired")

// DataDelta maps namespace and item id to the item cells. A nil row means the item was
// deleted.
type DataDelta map[Namespace]map[string]types.Row

func (d DataDelta) set(ns Namespace, id string, cells types.Row) {
	items := d[ns]
	if items == nil {
		items = map[string]types.Row{}
		d[ns] = items
	}
	items[id] = cells
}

// Frame is the update sent to the far side after a batch of mutations.
type Frame struct {
	Splices   []Splice  `json:"splices"`
	DataDelta DataDelta `json:"dataDelta"`
}

// FrameSink receives frames of a source when the king flushes.
type FrameSink func(src *QuerySource, frame *Frame)

// QuerySource is one far side consumer of queries, e.g. a UI bridge. It owns its queries
// and the cache of items they reference.
type QuerySource struct {
	id   string
	king *King
	sink FrameSink

	queries map[string]*QueryHandle
	// Items referenced by any query of this source, i.e. known to the far side.
	cache map[Namespace]map[string]types.Row
	delta DataDelta
	// Query ids are local to the source.
	nextQuery int
	retired   bool
}

// ID returns the source id.
func (s *QuerySource) ID() string {
	return s.id
}

// NewTrackedQuery issues a query. The initial members are resolved from storage and
// reported in the next frame as a single splice.
func (s *QuerySource) NewTrackedQuery(ctx context.Context, ns Namespace, def QueryDef) (*QueryHandle, error) {
	k := s.king

	// Resolve outside the lock: it is storage I/O.
	var items []Item
	if k.resolver != nil {
		var err error
		if items, err = k.resolver.Resolve(ctx, k.user, ns, &def); err != nil {
			return nil, err
		}
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if s.retired {
		return nil, ErrRetired
	}

	s.nextQuery++
	q := &QueryHandle{
		id:     s.id + ":" + strconv.Itoa(s.nextQuery),
		ns:     ns,
		def:    def,
		source: s,
	}
	s.queries[q.id] = q
	k.byNs[ns] = append(k.byNs[ns], q)

	for _, item := range q.populate(items) {
		s.reference(ns, item.ID, item.Cells)
	}
	return q, nil
}

// Drain returns the pending frame and clears it. Returns nil if nothing changed.
func (s *QuerySource) Drain() *Frame {
	s.king.mu.Lock()
	defer s.king.mu.Unlock()
	return s.drain()
}

// Retire kills all queries of the source and drops its cache.
func (s *QuerySource) Retire() {
	k := s.king
	k.mu.Lock()
	defer k.mu.Unlock()

	if s.retired {
		return
	}
	for _, q := range s.queries {
		k.killQuery(q)
	}
	s.retired = true
	s.cache = nil
	s.delta = nil
	delete(k.sources, s.id)
}

// Cached returns the cached cells of the item or nil. Used by bridges to answer
// re-requests without storage I/O.
func (s *QuerySource) Cached(ns Namespace, id string) types.Row {
	s.king.mu.Lock()
	defer s.king.mu.Unlock()
	return s.cache[ns][id]
}

func (s *QuerySource) drain() *Frame {
	var splices []Splice
	for _, q := range s.queries {
		splices = append(splices, q.splices...)
		q.splices = nil
	}
	if len(splices) == 0 && len(s.delta) == 0 {
		return nil
	}
	frame := &Frame{Splices: splices, DataDelta: s.delta}
	if frame.DataDelta == nil {
		frame.DataDelta = DataDelta{}
	}
	s.delta = DataDelta{}
	return frame
}

// reference records the item in the cache. The first reference puts the item into the
// data delta; later ones reuse the cached representation.
func (s *QuerySource) reference(ns Namespace, id string, cells types.Row) {
	items := s.cache[ns]
	if items == nil {
		items = map[string]types.Row{}
		s.cache[ns] = items
	}
	if _, ok := items[id]; ok {
		return
	}
	items[id] = cells
	s.delta.set(ns, id, cells)
}

// refresh updates a cached item which changed.
func (s *QuerySource) refresh(ns Namespace, id string, cells types.Row) {
	if _, ok := s.cache[ns][id]; !ok {
		return
	}
	s.cache[ns][id] = cells
	s.delta.set(ns, id, cells)
}

// forget removes a deleted item from the cache.
func (s *QuerySource) forget(ns Namespace, id string) {
	if _, ok := s.cache[ns][id]; !ok {
		return
	}
	delete(s.cache[ns], id)
	s.delta.set(ns, id, nil)
}
