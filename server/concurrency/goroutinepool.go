/******************************************************************************
 *
 *  Description :
 *    A small pool of goroutines shared by concurrent lookups of the user
 *    pipelines.
 *
 *****************************************************************************/

// Package concurrency contains the goroutine pool and the channel mutex used by the task pipeline.
package concurrency

import "context"

// Task represents a work task to be run on the specified thread pool.
type Task func()

// GoRoutinePool runs tasks on at most numWorkers goroutines. Idle workers exit on Stop.
type GoRoutinePool struct {
	// Work queue.
	work chan Task
	// Counter to control the number of already allocated/running goroutines.
	sem chan struct{}
	// Exit knob.
	stop chan struct{}
}

// NewGoRoutinePool allocates a new thread pool with `numWorkers` goroutines.
func NewGoRoutinePool(numWorkers int) *GoRoutinePool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &GoRoutinePool{
		work: make(chan Task),
		sem:  make(chan struct{}, numWorkers),
		stop: make(chan struct{}),
	}
}

// Schedule enqueues a closure to run on the GoRoutinePool's goroutines. Blocks while
// all workers are busy.
func (p *GoRoutinePool) Schedule(task Task) {
	p.ScheduleContext(context.Background(), task)
}

// ScheduleContext is like Schedule but gives up when the context is done before a worker
// becomes available. The task is not run in that case.
func (p *GoRoutinePool) ScheduleContext(ctx context.Context, task Task) error {
	select {
	case p.work <- task:
		return nil
	case p.sem <- struct{}{}:
		go p.worker(task)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop signals all idle and future idle workers to exit. Tasks which are already
// running complete.
func (p *GoRoutinePool) Stop() {
	close(p.stop)
}

// Thread pool worker goroutine.
func (p *GoRoutinePool) worker(task Task) {
	defer func() { <-p.sem }()
	for {
		task()
		select {
		case task = <-p.work:
		case <-p.stop:
			return
		}
	}
}
