package pipeline

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/deuxdrop/chat/server/schema"
	"github.com/deuxdrop/chat/server/store/types"
)

// Registry owns the processors of the hosted users. Processors are kept in a list
// sorted by last use, most recent on top, and indexed by root key and by tell key.
// Idle processors are evicted when they expire or when the registry is over capacity.
type Registry struct {
	env *Env

	lock     sync.Mutex
	lru      *list.List
	lifeTime time.Duration
	maxSize  int

	procs map[string]*UserMessageProcessor
	// Tell key -> root key.
	tell map[string]string
}

// NewRegistry creates a registry. Zero maxSize or lifetime means no limit.
func NewRegistry(env *Env, maxSize int, lifetime time.Duration) *Registry {
	return &Registry{
		env:      env,
		lru:      list.New(),
		lifeTime: lifetime,
		maxSize:  maxSize,
		procs:    make(map[string]*UserMessageProcessor),
		tell:     make(map[string]string),
	}
}

// RegisterUser persists the tell key of a hosted user so GetByTellKey can find the user.
func (r *Registry) RegisterUser(ctx context.Context, rootKey, tellKey string) error {
	db := r.env.DB
	if err := db.PutCells(ctx, schema.TableUsers, rootKey, types.Row{
		schema.CellUserTellKey: types.MustValue(tellKey),
	}); err != nil {
		return outage(err, "register %s", rootKey)
	}
	if err := db.UpdateStringIndexValue(ctx, schema.TableUsers, schema.IndexUsersByTellKey, tellKey, rootKey); err != nil {
		return outage(err, "register %s", rootKey)
	}
	return nil
}

// Get returns the processor of the user, creating it on demand.
func (r *Registry) Get(rootKey string) (*UserMessageProcessor, error) {
	now := r.env.now()

	r.lock.Lock()
	defer r.lock.Unlock()

	if p := r.procs[rootKey]; p != nil {
		r.lru.MoveToFront(p.elem)
		p.lastUsed = now
		return p, nil
	}

	crypt, err := r.env.Keys.Boundary(rootKey)
	if err != nil {
		return nil, types.Wrap(types.ErrUnauthorizedUser, err, "user "+rootKey)
	}
	p := NewUserMessageProcessor(r.env, rootKey, crypt)
	p.lastUsed = now
	p.elem = r.lru.PushFront(p)
	r.procs[rootKey] = p

	r.expire(now)
	return p, nil
}

// cached returns the processor of the user if there is one.
func (r *Registry) cached(rootKey string) *UserMessageProcessor {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.procs[rootKey]
}

// GetByTellKey returns the processor of the user who owns the tell key.
func (r *Registry) GetByTellKey(ctx context.Context, tellKey string) (*UserMessageProcessor, error) {
	r.lock.Lock()
	root, ok := r.tell[tellKey]
	r.lock.Unlock()

	if !ok {
		entries, err := r.env.DB.ScanIndex(ctx, schema.TableUsers, schema.IndexUsersByTellKey, tellKey, nil)
		if err != nil {
			return nil, outage(err, "tell key %s", tellKey)
		}
		if len(entries) == 0 {
			return nil, types.Errorf(types.ErrUnauthorizedUser, "unknown tell key %s", tellKey)
		}
		root = entries[0].Object
	}

	p, err := r.Get(root)
	if err != nil {
		return nil, err
	}
	if !ok {
		r.lock.Lock()
		if r.procs[root] == p {
			r.tell[tellKey] = root
			p.tellKeys = append(p.tellKeys, tellKey)
		}
		r.lock.Unlock()
	}
	return p, nil
}

// Evict removes the processor of the user if it is idle. Returns true if removed.
func (r *Registry) Evict(rootKey string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	p := r.procs[rootKey]
	if p == nil || !p.idle() {
		return false
	}
	r.remove(p)
	return true
}

// Len returns the number of cached processors.
func (r *Registry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.procs)
}

// expire removes idle processors from the back of the list. Must be called with the lock held.
func (r *Registry) expire(now time.Time) {
	var deadline time.Time
	if r.lifeTime > 0 {
		deadline = now.Add(-r.lifeTime)
	}
	for elem := r.lru.Back(); elem != nil && elem != r.lru.Front(); {
		p := elem.Value.(*UserMessageProcessor)
		prev := elem.Prev()
		over := r.maxSize > 0 && len(r.procs) > r.maxSize
		stale := r.lifeTime > 0 && p.lastUsed.Before(deadline)
		if !over && !stale {
			// The rest are more recent.
			break
		}
		if p.idle() {
			r.remove(p)
		}
		elem = prev
	}
}

func (r *Registry) remove(p *UserMessageProcessor) {
	r.lru.Remove(p.elem)
	delete(r.procs, p.user)
	for _, key := range p.tellKeys {
		delete(r.tell, key)
	}
}

// idle checks that nothing runs on the processor, no live query depends on its king and
// no notification awaits the end of the update phase.
func (p *UserMessageProcessor) idle() bool {
	if p.king.SourceCount() > 0 || p.king.PendingNewish() > 0 {
		return false
	}
	if !p.lock.TryLock() {
		return false
	}
	p.lock.Unlock()
	return true
}
