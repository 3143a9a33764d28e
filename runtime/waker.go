//go:build linux
// +build linux

package runtime

import (
	"github.com/bryanburgers/guillotine/internal/fd"
	"github.com/bryanburgers/guillotine/internal/safejob"
	"github.com/bryanburgers/guillotine/log"
	"github.com/bryanburgers/guillotine/metrics"
)

// Waker is a cheap, freely-shareable handle a parked task hands out to
// whatever will eventually make it ready again: another goroutine, a
// completion callback, a spawn_blocking worker. Calling Wake, or readiness
// on an fd the task registered through Context.Register, is what gets a
// task that returned Pending polled again. Unlike a
// future-aware runtime with reference-counted wakers, a Waker here is
// just a pointer: readiness plumbing (the eventfd write) is already
// safe to call from any number of goroutines concurrently, so sharing
// the pointer around is all "cloning" ever needs to do.
type Waker struct {
	ev   *fd.EventFd
	once safejob.OnceJob
}

func newWaker() (*Waker, error) {
	ev, err := fd.NewEventFd()
	if err != nil {
		return nil, err
	}
	return &Waker{ev: ev}, nil
}

// Wake marks the task this Waker belongs to as runnable again. It is safe
// to call from any goroutine, any number of times, including after the
// task has already completed (a "spurious" wake): the worst that happens
// is the task gets polled once more and returns Pending, or the wakeup is
// silently absorbed if the waker's eventfd has already been closed.
func (w *Waker) Wake() {
	if w.once.Closed() {
		return
	}
	metrics.Add(metrics.WakerSignalCalls, 1)
	if err := w.ev.Signal(); err != nil {
		log.Errorf("guillotine/runtime: waker signal: %v", err)
	}
}

func (w *Waker) fd() int {
	return w.ev.Fd()
}

// close releases the waker's eventfd. Safe to call more than once; only
// the first call has any effect, matching the rest of the parked task's
// single completion path.
func (w *Waker) close() {
	if w.once.Begin() {
		w.ev.Close()
	}
}
