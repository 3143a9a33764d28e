//go:build linux
// +build linux

// Package poller wraps a single Linux epoll instance into a readiness
// registry: file descriptors go in tagged with a task id, and Wait hands
// those ids back out one at a time as the kernel reports their readiness.
// The registry itself batches epoll_wait internally for efficiency, but
// that batching never leaks through its one-id-per-call contract.
package poller

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/bryanburgers/guillotine/internal/taskid"
	"github.com/bryanburgers/guillotine/log"
	"github.com/bryanburgers/guillotine/metrics"
)

const defaultEventBatch = 64

// Registry is a single epoll instance plus the pending-id queue that lets
// Wait drain one task id per call even though the underlying syscall
// returns many events at once. It is not safe for concurrent use beyond
// one waiter calling Wait while any number of goroutines call Add or
// Close; that matches the executor, which is the only caller of Wait.
type Registry struct {
	epfd   int
	events []unix.EpollEvent

	mu      sync.Mutex
	pending []taskid.ID
}

// New creates an epoll instance sized to deliver up to eventBatch ready
// descriptors per underlying epoll_wait call. A non-positive eventBatch
// falls back to a sane default.
func New(eventBatch int) (*Registry, error) {
	if eventBatch <= 0 {
		eventBatch = defaultEventBatch
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &Registry{
		epfd:   epfd,
		events: make([]unix.EpollEvent, eventBatch),
	}, nil
}

// encode packs a task id into the 32-bit Fd/Pad fields epoll_event's union
// exposes as plain data, since this registry never needs Data's raw fd
// semantics: the fd being watched is already known to the caller that
// requested it, only the task id needs to survive the round trip.
func encode(id taskid.ID) (fd, pad int32) {
	return int32(uint32(id)), int32(uint32(id >> 32))
}

func decode(fd, pad int32) taskid.ID {
	return taskid.ID(uint32(fd)) | taskid.ID(uint32(pad))<<32
}

// Add registers fd for readable and writable readiness, edge-triggered,
// tagging every event it produces with task. Re-registering the same fd
// is idempotent: EEXIST is treated as success, because leaf futures for
// the same fd routinely try to register more than once before their first
// wakeup.
func (r *Registry) Add(fd int, task taskid.ID) error {
	evFd, evPad := encode(task)
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLET,
		Fd:     evFd,
		Pad:    evPad,
	}
	err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	if err == nil || err == unix.EEXIST {
		return nil
	}
	return os.NewSyscallError("epoll_ctl add", err)
}

// Remove deregisters fd. Callers only need this when a task is abandoned
// without its fd being closed; closing the fd already implicitly removes
// it, since nothing in this module ever dup()s a registered fd.
func (r *Registry) Remove(fd int) error {
	err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT {
		return os.NewSyscallError("epoll_ctl del", err)
	}
	return nil
}

// Wait blocks until at least one registered fd is ready and returns the
// task id tagging it. Successive calls drain the same underlying batch
// before issuing another epoll_wait, so this call only blocks in the
// kernel when the pending queue is empty.
func (r *Registry) Wait() (taskid.ID, error) {
	for {
		r.mu.Lock()
		if len(r.pending) > 0 {
			id := r.pending[0]
			r.pending = r.pending[1:]
			r.mu.Unlock()
			return id, nil
		}
		r.mu.Unlock()

		n, err := unix.EpollWait(r.epfd, r.events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, os.NewSyscallError("epoll_wait", err)
		}
		metrics.Add(metrics.EpollWaitCalls, 1)
		metrics.Add(metrics.EpollEventsReturned, uint64(n))
		if n == 0 {
			continue
		}

		r.mu.Lock()
		for i := 0; i < n; i++ {
			id := decode(r.events[i].Fd, r.events[i].Pad)
			r.pending = append(r.pending, id)
		}
		r.mu.Unlock()
	}
}

// Close closes the underlying epoll instance. It is reached through
// Runtime.Close; closing the descriptor does not wake a goroutine that is
// already blocked in Wait.
func (r *Registry) Close() error {
	if err := unix.Close(r.epfd); err != nil {
		log.Debugf("guillotine/poller: close epoll %d: %v", r.epfd, err)
		return errors.Wrap(err, "close epoll")
	}
	return nil
}
