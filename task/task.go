//go:build linux
// +build linux

// Package task provides the library-user-facing spawn primitives built
// on top of the bare core in package runtime: a join handle that lets one
// task await another's result, and an off-thread blocking helper backed
// by a goroutine pool for CPU- or blocking-bound work.
package task

import (
	"github.com/panjf2000/ants/v2"

	"github.com/bryanburgers/guillotine/log"
	"github.com/bryanburgers/guillotine/metrics"
	"github.com/bryanburgers/guillotine/runtime"
)

// completer is the write side of a join handle's rendezvous: exactly one
// value is ever sent, and the capturing task's waker is triggered
// afterward so it gets polled again.
type completer[T any] struct {
	tx    chan T
	waker *runtime.Waker
}

func (c *completer[T]) complete(v T) {
	select {
	case c.tx <- v:
	default:
		// The channel has capacity 1 and is only ever written once, so
		// this branch is unreachable in practice; it exists so a stray
		// second call can never block instead of just being dropped.
	}
	c.waker.Wake()
}

// JoinHandle is a Future over another task's eventual output. It holds
// no strong reference back to the runtime; the task holding it is woken
// by the completing task (or blocking worker) through the waker captured
// at spawn time, which is what makes JoinHandle safe against the
// runtime's no-cyclic-reference design.
type JoinHandle[T any] struct {
	rx chan T
}

// Poll implements runtime.Future[T]. It never blocks: the completing
// task's waker is what causes the owning task to be polled again, so a
// plain non-blocking receive is all that's needed here.
func (h *JoinHandle[T]) Poll() (T, bool) {
	select {
	case v := <-h.rx:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

func newJoinHandlePair[T any](waker *runtime.Waker) (*JoinHandle[T], *completer[T]) {
	ch := make(chan T, 1)
	return &JoinHandle[T]{rx: ch}, &completer[T]{tx: ch, waker: waker}
}

// spawnedTask adapts a Future[T] plus its completer into a unit-output
// runtime.Task, which is the only shape the core scheduler knows how to
// admit.
type spawnedTask[T any] struct {
	future    runtime.Future[T]
	completer *completer[T]
}

func (t *spawnedTask[T]) Poll() bool {
	v, ready := t.future.Poll()
	if !ready {
		return false
	}
	t.completer.complete(v)
	return true
}

// Spawn admits f as a new concurrently-running task and returns a handle
// for awaiting its result. It must be called from within another task's
// Poll: the handle captures that task's ambient waker so it is re-polled
// once f finishes.
func Spawn[T any](f runtime.Future[T]) *JoinHandle[T] {
	ctx := runtime.Current()
	handle, completer := newJoinHandlePair[T](ctx.Waker())
	ctx.Spawn(&spawnedTask[T]{future: f, completer: completer})
	return handle
}

// blockingPool runs SpawnBlocking closures. Its size is unbounded
// (ants.NewPool(0) means INT32_MAX), because blocking work is expected
// to actually block
// an OS thread for a while and must not be starved by a small cap.
var blockingPool, blockingPoolErr = ants.NewPool(0)

// SpawnBlocking runs f on a pooled OS thread and returns a handle for
// its result, for CPU-bound or syscall-blocking work that would
// otherwise stall the single-threaded executor. Its contract with the
// core is identical to JoinHandle's: capture the ambient waker at spawn
// time, trigger it once f returns.
func SpawnBlocking[T any](f func() T) *JoinHandle[T] {
	ctx := runtime.Current()
	handle, completer := newJoinHandlePair[T](ctx.Waker())
	metrics.Add(metrics.BlockingTasksSpawned, 1)

	submit := func() {
		completer.complete(f())
	}
	if blockingPoolErr != nil || blockingPool.Submit(submit) != nil {
		log.Warnf("guillotine/task: blocking pool unavailable, falling back to a bare goroutine")
		go submit()
	}
	return handle
}
