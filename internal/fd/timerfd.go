//go:build linux
// +build linux

package fd

import (
	"encoding/binary"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bryanburgers/guillotine/log"
)

// TimerFd is a non-blocking Linux timerfd driven off CLOCK_MONOTONIC. It
// backs both one-shot sleeps and repeating intervals: a zero repeat
// duration fires exactly once, a non-zero one fires forever at that
// period.
type TimerFd struct {
	fd int
}

// NewTimerFd arms a timerfd to first expire after delay, then (if repeat is
// non-zero) every repeat thereafter.
func NewTimerFd(delay, repeat time.Duration) (*TimerFd, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("timerfd_create", err)
	}

	spec := unix.ItimerSpec{
		Value:    unix.NsecToTimespec(delay.Nanoseconds()),
		Interval: unix.NsecToTimespec(repeat.Nanoseconds()),
	}
	if delay <= 0 {
		// timerfd_settime treats an all-zero Value as "disarm", so a
		// sleep of zero (or negative) duration is nudged to the
		// smallest representable positive delay to still fire.
		spec.Value = unix.NsecToTimespec(1)
	}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("timerfd_settime", err)
	}

	return &TimerFd{fd: fd}, nil
}

// Fd returns the raw file descriptor number, for registration with a
// readiness registry.
func (t *TimerFd) Fd() int {
	return t.fd
}

// Read returns the number of expirations that have elapsed since the last
// successful Read, or unix.EAGAIN if the timer has not fired yet.
func (t *TimerFd) Read() (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(t.fd, buf[:])
	if err != nil {
		return 0, err
	}
	if n != 8 {
		return 0, os.NewSyscallError("read", unix.EIO)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Close closes the underlying fd, implicitly deregistering it from any
// epoll instance since it is never duplicated.
func (t *TimerFd) Close() {
	if err := unix.Close(t.fd); err != nil {
		log.Debugf("guillotine/fd: close timerfd %d: %v", t.fd, err)
	}
}
