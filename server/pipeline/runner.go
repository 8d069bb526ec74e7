package pipeline

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/deuxdrop/chat/server/logs"
	"github.com/deuxdrop/chat/server/ringhash"
	"github.com/deuxdrop/chat/server/store/types"
)

// ErrStopped is returned for events submitted to or pending in a stopped runner.
var ErrStopped = errors.New("pipeline: runner stopped")

// Number of ring replicas per lane.
const laneReplicas = 53

// Observer is told about every finished task.
type Observer interface {
	TaskDone(kind types.EventKind, err error, took time.Duration)
}

type job struct {
	ctx  context.Context
	user string
	ev   types.Event
	done chan Outcome
}

// Runner executes events on a fixed number of lanes. All events of a user go to the same
// lane, so they are applied in submission order; users on different lanes run in parallel.
// The events of a user queued back to back form one update phase: new-message
// notifications are released when the last of them is done.
type Runner struct {
	reg   *Registry
	ring  *ringhash.Ring
	lanes map[string]chan *job
	obs   Observer

	mu sync.Mutex
	// Submitted and not yet finished events by user.
	pending map[string]int

	wg   sync.WaitGroup
	once sync.Once
	stop chan struct{}
}

// NewRunner starts numLanes lanes each with a queue of queueLen events. Observer may be nil.
func NewRunner(reg *Registry, numLanes, queueLen int, obs Observer) *Runner {
	if numLanes <= 0 {
		numLanes = 1
	}
	r := &Runner{
		reg:     reg,
		ring:    ringhash.New(laneReplicas, nil),
		lanes:   make(map[string]chan *job, numLanes),
		obs:     obs,
		pending: make(map[string]int),
		stop:    make(chan struct{}),
	}
	for i := 0; i < numLanes; i++ {
		name := "lane" + strconv.Itoa(i)
		ch := make(chan *job, queueLen)
		r.lanes[name] = ch
		r.ring.Add(name)
		r.wg.Add(1)
		go r.lane(ch)
	}
	return r
}

// Registry returns the processor registry of the runner.
func (r *Runner) Registry() *Registry {
	return r.reg
}

// Submit queues the event of the user. The returned channel receives exactly one outcome.
// An event whose context is done before it starts is abandoned.
func (r *Runner) Submit(ctx context.Context, userRootKey string, ev types.Event) (<-chan Outcome, error) {
	j := &job{ctx: ctx, user: userRootKey, ev: ev, done: make(chan Outcome, 1)}
	select {
	case <-r.stop:
		return nil, ErrStopped
	default:
	}

	r.begin(userRootKey)
	select {
	case r.lanes[r.ring.Get(userRootKey)] <- j:
		return j.done, nil
	case <-ctx.Done():
		r.finish(userRootKey, nil)
		return nil, ctx.Err()
	case <-r.stop:
		r.finish(userRootKey, nil)
		return nil, ErrStopped
	}
}

func (r *Runner) begin(user string) {
	r.mu.Lock()
	r.pending[user]++
	r.mu.Unlock()
}

// finish counts a finished event of the user. The phase ends with the last pending event.
func (r *Runner) finish(user string, p *UserMessageProcessor) {
	r.mu.Lock()
	r.pending[user]--
	last := r.pending[user] <= 0
	if last {
		delete(r.pending, user)
	}
	r.mu.Unlock()

	if !last {
		return
	}
	if p == nil {
		p = r.reg.cached(user)
	}
	if p != nil {
		p.PhaseDone()
	}
}

// SubmitForTellKey is Submit for events addressed to a tell key.
func (r *Runner) SubmitForTellKey(ctx context.Context, tellKey string, ev types.Event) (<-chan Outcome, error) {
	p, err := r.reg.GetByTellKey(ctx, tellKey)
	if err != nil {
		return nil, err
	}
	return r.Submit(ctx, p.User(), ev)
}

// Stop waits for the running tasks to complete. Queued events fail with ErrStopped.
func (r *Runner) Stop() {
	r.once.Do(func() {
		close(r.stop)
	})
	r.wg.Wait()
}

func (r *Runner) lane(ch chan *job) {
	defer r.wg.Done()
	for {
		select {
		case j := <-ch:
			r.run(j)
		case <-r.stop:
			for {
				select {
				case j := <-ch:
					r.finish(j.user, nil)
					j.done <- Outcome{Err: ErrStopped}
				default:
					return
				}
			}
		}
	}
}

func (r *Runner) run(j *job) {
	start := time.Now()
	var out Outcome
	var p *UserMessageProcessor
	if err := j.ctx.Err(); err != nil {
		out.Err = err
	} else if p, err = r.reg.Get(j.user); err != nil {
		out.Err = err
	} else {
		out.Result, out.Err = p.Process(j.ctx, j.ev)
	}
	r.finish(j.user, p)

	logOutcome(j.user, j.ev.Kind(), out.Err)
	if r.obs != nil {
		r.obs.TaskDone(j.ev.Kind(), out.Err, time.Since(start))
	}
	j.done <- out
}

func logOutcome(user string, kind types.EventKind, err error) {
	switch {
	case err == nil:
	case types.IsNoop(err):
		logs.Info.Printf("pipeline: %s for %s: %v", kind, user, err)
	case types.NeedsSecurityReview(err):
		logs.Err.Printf("pipeline: SECURITY %s for %s: %v", kind, user, err)
	case types.IsFatal(err):
		logs.Err.Printf("pipeline: %s for %s: %v", kind, user, err)
	default:
		logs.Warn.Printf("pipeline: %s for %s: %v", kind, user, err)
	}
}
