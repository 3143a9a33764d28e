//go:build linux
// +build linux

// Package fd provides thin, owned wrappers around the raw Linux kernel
// primitives the executor is built on: eventfd (the wakeup plane) and
// timerfd (the clock package's leaf futures). Each wrapper is a
// value-with-destructor: creation can fail, and Close logs rather than
// propagates, matching the rest of the module's destructor contract.
package fd

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/bryanburgers/guillotine/log"
)

// EventFd is a non-blocking, semaphoreless Linux eventfd. Writing to it is a
// single atomic syscall safe to call concurrently from any number of
// goroutines; this is the entire cross-thread wakeup mechanism the executor
// relies on.
type EventFd struct {
	fd int
}

// NewEventFd creates a fresh eventfd with an initial counter of zero.
func NewEventFd() (*EventFd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("eventfd", err)
	}
	return &EventFd{fd: fd}, nil
}

// Fd returns the raw file descriptor number, for registration with a
// readiness registry.
func (e *EventFd) Fd() int {
	return e.fd
}

// Signal performs the 8-byte write that marks the eventfd ready, which in
// turn wakes anyone blocked on an epoll instance this fd is registered
// with. A would-block error means the eventfd's 64-bit counter is already
// saturated by a prior unconsumed signal; that's fine, so it is swallowed.
func (e *EventFd) Signal() error {
	var buf [8]byte
	buf[0] = 1
	if _, err := unix.Write(e.fd, buf[:]); err != nil && err != unix.EAGAIN {
		return os.NewSyscallError("write", err)
	}
	return nil
}

// Close closes the underlying fd. Because there is no dup anywhere in this
// fd's lifetime, closing it implicitly removes it from whatever epoll
// instance it was registered with (see SPEC_FULL.md's open question on
// event-fd lifetime). Close failures are logged, never returned: nothing
// meaningful could be done with them anyway.
func (e *EventFd) Close() {
	if err := unix.Close(e.fd); err != nil {
		log.Debugf("guillotine/fd: close eventfd %d: %v", e.fd, err)
	}
}
