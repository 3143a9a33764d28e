//go:build linux
// +build linux

// Package runtime implements a single-threaded, cooperative task executor
// on top of Linux epoll, eventfd, and timerfd. It runs everything on the
// goroutine that calls BlockOn: tasks are polled one at a time, in the
// order they become runnable, and the executor blocks in epoll_wait only
// when nothing is left to do.
package runtime

import (
	"github.com/pkg/errors"

	"github.com/bryanburgers/guillotine/internal/locker"
	"github.com/bryanburgers/guillotine/internal/poller"
	"github.com/bryanburgers/guillotine/internal/taskid"
	"github.com/bryanburgers/guillotine/log"
	"github.com/bryanburgers/guillotine/metrics"
)

// Task is a pinned, unit-output asynchronous computation. Poll drives it
// forward one step and reports whether it has finished. A task that
// returns false must, before returning, have arranged to be polled again,
// either by handing its waker to something that will call it or by
// registering an fd through Context.Register; failing to do so parks it
// forever.
type Task interface {
	Poll() bool
}

// Future is the generic counterpart of Task for computations that
// produce a value. BlockOn and task.Spawn both bridge a Future into a
// Task internally; most code calling into this package only ever sees
// Task.
type Future[T any] interface {
	Poll() (T, bool)
}

// admission is a task waiting to be polled for the first time.
type admission struct {
	id   taskid.ID
	task Task
}

// parked is a task that returned Pending on its last poll, together with
// the waker it was handed for that poll.
type parked struct {
	waker *Waker
	task  Task
}

// Runtime is one executor instance: one generator of task ids, one
// readiness registry, and the bookkeeping needed to run tasks to
// completion one at a time. A Runtime is meant to be driven by exactly
// one goroutine via BlockOn; nothing about it is safe for concurrent use
// from the outside beyond what Waker.Wake and spawn_blocking completions
// already allow.
type Runtime struct {
	borrow locker.Locker

	gen      taskid.Generator
	registry *poller.Registry

	admitQueue []admission
	parked     map[taskid.ID]parked
}

type options struct {
	eventBatch int
}

// Option configures a Runtime at construction time.
type Option func(*options)

// WithEventBatch sets how many ready descriptors the readiness registry
// may pull out of the kernel in a single epoll_wait call. It does not
// change the executor's one-task-per-readiness-event contract, only how
// efficiently the underlying batches are gathered.
func WithEventBatch(n int) Option {
	return func(o *options) {
		o.eventBatch = n
	}
}

// New creates a Runtime backed by a fresh epoll instance.
func New(opts ...Option) (*Runtime, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	registry, err := poller.New(o.eventBatch)
	if err != nil {
		return nil, errors.Wrap(err, "create readiness registry")
	}
	return &Runtime{
		registry: registry,
		parked:   make(map[taskid.ID]parked),
	}, nil
}

// withBorrow runs f while holding the runtime's internal state lock.
// Every critical section here is short and never itself calls back into
// withBorrow, so contention only ever happens if that invariant is
// violated by a bug; TryLock failing is treated the same way a reentrant
// RefCell borrow would be: a programming error worth panicking over
// rather than silently corrupting state.
func (rt *Runtime) withBorrow(f func()) {
	if !rt.borrow.TryLock() {
		panic("guillotine/runtime: runtime state borrowed reentrantly")
	}
	defer rt.borrow.Unlock()
	f()
}

// spawn admits task into the runtime and returns its fresh id. It is
// valid to call both before the runtime starts running (BlockOn's own
// entry point) and from within a task's Poll via Context.Spawn; both
// paths go through the exact same admission queue.
func (rt *Runtime) spawn(task Task) taskid.ID {
	var id taskid.ID
	rt.withBorrow(func() {
		id = rt.gen.Fresh()
		rt.admitQueue = append(rt.admitQueue, admission{id: id, task: task})
	})
	metrics.Add(metrics.TasksSpawned, 1)
	return id
}

// Spawn admits task into the runtime from outside any task's Poll call.
// This is the entry point BlockOn uses to seed the root task; code
// running inside a task should use Context.Spawn instead.
func (rt *Runtime) Spawn(task Task) taskid.ID {
	return rt.spawn(task)
}

func (rt *Runtime) registerFD(fd int, id taskid.ID) error {
	return rt.registry.Add(fd, id)
}

// Close tears down the runtime's readiness registry. Any task still
// parked (true only if the caller gives up on a BlockOn that never
// returned, e.g. after a perpetual server is signaled to stop) has its
// waker deregistered and closed first, since the registry is about to
// become invalid out from under it. Call this once, after the runtime is
// no longer going to be driven by BlockOn again.
func (rt *Runtime) Close() error {
	rt.withBorrow(func() {
		for id, p := range rt.parked {
			if err := rt.registry.Remove(p.waker.fd()); err != nil {
				log.Warnf("guillotine/runtime: deregister waker for task %s: %v", id, err)
			}
			p.waker.close()
			delete(rt.parked, id)
		}
	})
	return rt.registry.Close()
}

// run drives the executor loop until there is nothing left to admit or
// resume. It always returns once every spawned task, transitively, has
// completed.
func (rt *Runtime) run() {
	for {
		adm, hasAdmission := rt.nextAdmission()
		if hasAdmission {
			rt.pollNew(adm)
			continue
		}

		if !rt.hasParked() {
			return
		}

		id, err := rt.registry.Wait()
		if err != nil {
			log.Errorf("guillotine/runtime: readiness wait: %v", err)
			continue
		}

		p, ok := rt.takeParked(id)
		if !ok {
			log.Warnf("guillotine/runtime: readiness event for unknown task %s", id)
			continue
		}
		rt.resume(id, p)
	}
}

func (rt *Runtime) nextAdmission() (admission, bool) {
	var adm admission
	var ok bool
	rt.withBorrow(func() {
		if len(rt.admitQueue) > 0 {
			adm = rt.admitQueue[0]
			rt.admitQueue = rt.admitQueue[1:]
			ok = true
		}
	})
	return adm, ok
}

func (rt *Runtime) hasParked() bool {
	var any bool
	rt.withBorrow(func() {
		any = len(rt.parked) > 0
	})
	return any
}

func (rt *Runtime) takeParked(id taskid.ID) (parked, bool) {
	var p parked
	var ok bool
	rt.withBorrow(func() {
		p, ok = rt.parked[id]
		if ok {
			delete(rt.parked, id)
		}
	})
	return p, ok
}

func (rt *Runtime) park(id taskid.ID, p parked) {
	rt.withBorrow(func() {
		rt.parked[id] = p
	})
}

// pollNew polls a freshly-admitted task for the first time, minting it a
// waker and registering that waker's eventfd with the readiness registry
// before the poll happens, exactly like a leaf future registering its
// own fd: the task must not be able to miss a wakeup that races with its
// own first poll.
func (rt *Runtime) pollNew(adm admission) {
	waker, err := newWaker()
	if err != nil {
		log.Errorf("guillotine/runtime: create waker for task %s: %v", adm.id, err)
		return
	}
	if err := rt.registry.Add(waker.fd(), adm.id); err != nil {
		panic(errors.Wrapf(err, "guillotine/runtime: register waker for task %s", adm.id))
	}

	done := rt.poll(adm.id, waker, adm.task)
	if done {
		waker.close()
		metrics.Add(metrics.TasksCompleted, 1)
		return
	}
	rt.park(adm.id, parked{waker: waker, task: adm.task})
}

func (rt *Runtime) resume(id taskid.ID, p parked) {
	done := rt.poll(id, p.waker, p.task)
	if done {
		p.waker.close()
		metrics.Add(metrics.TasksCompleted, 1)
		return
	}
	// A task that was woken and polled again but still isn't ready used
	// its wakeup without finishing: the harmless "spurious extra poll"
	// the wakeup plane's over-wakeup tolerance is allowed to produce.
	metrics.Add(metrics.WakerSpuriousWakeups, 1)
	rt.park(id, p)
}

func (rt *Runtime) poll(id taskid.ID, waker *Waker, task Task) bool {
	ctx := &Context{rt: rt, id: id, waker: waker}
	activate(ctx)
	defer deactivate()
	metrics.Add(metrics.TasksPolled, 1)
	return task.Poll()
}

// futureTask adapts a Future[T] into a Task by stashing its eventual
// value for whoever is waiting on it.
type futureTask[T any] struct {
	future Future[T]
	result func(T)
}

func (t *futureTask[T]) Poll() bool {
	v, ready := t.future.Poll()
	if !ready {
		return false
	}
	t.result(v)
	return true
}

// BlockOn runs a Future to completion on a fresh run of the given
// runtime's executor loop and returns its value. It is the only way to
// get a value out of this package's asynchronous machinery from ordinary
// synchronous code, and is meant to be called once, at the top of a
// program, exactly the way a main function would.
func BlockOn[T any](rt *Runtime, f Future[T]) T {
	ch := make(chan T, 1)
	task := &futureTask[T]{
		future: f,
		result: func(v T) { ch <- v },
	}
	rt.Spawn(task)
	rt.run()
	return <-ch
}

// Ready is a Future that is immediately, trivially ready with a fixed
// value. It's useful for adapting a plain value into places that expect
// a Future, and as a building block for hand-written state machines
// that need a no-op final step.
type Ready[T any] struct {
	Value T
}

// Poll always reports ready immediately.
func (r Ready[T]) Poll() (T, bool) {
	return r.Value, true
}
