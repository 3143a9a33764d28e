//go:build linux
// +build linux

// Package clock provides timer-backed leaf futures: a one-shot Sleep and
// a repeating Interval, both driven by a Linux timerfd rather than a Go
// time.Timer so their readiness flows through the same epoll-based
// registry as every other leaf future in this module.
package clock

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/bryanburgers/guillotine/internal/fd"
	"github.com/bryanburgers/guillotine/runtime"
)

// Sleep is a leaf future that becomes ready once, after d has elapsed.
type Sleep struct {
	timer *fd.TimerFd
}

// NewSleep arms a one-shot timer for d.
func NewSleep(d time.Duration) (*Sleep, error) {
	timer, err := fd.NewTimerFd(d, 0)
	if err != nil {
		return nil, err
	}
	return &Sleep{timer: timer}, nil
}

// Poll implements runtime.Future[struct{}].
func (s *Sleep) Poll() (struct{}, bool) {
	if _, err := s.timer.Read(); err != nil {
		if err == unix.EAGAIN {
			if regErr := runtime.Current().Register(s.timer.Fd()); regErr != nil {
				panic(regErr)
			}
			return struct{}{}, false
		}
		panic(err)
	}
	s.timer.Close()
	return struct{}{}, true
}

// Interval fires repeatedly, every period, once started. Unlike Sleep it
// is not itself a future: call Tick to get the future for the next
// firing.
type Interval struct {
	timer *fd.TimerFd
}

// NewInterval arms a repeating timer that first fires after period, then
// every period thereafter.
func NewInterval(period time.Duration) (*Interval, error) {
	timer, err := fd.NewTimerFd(period, period)
	if err != nil {
		return nil, err
	}
	return &Interval{timer: timer}, nil
}

// Tick returns a leaf future for the interval's next firing. The
// returned value is the number of expirations the kernel coalesced
// since the last successful read; under normal load this is always 1.
func (iv *Interval) Tick() *Tick {
	return &Tick{interval: iv}
}

// Close releases the interval's underlying timer.
func (iv *Interval) Close() {
	iv.timer.Close()
}

// Tick is the leaf future behind Interval.Tick.
type Tick struct {
	interval *Interval
}

// Poll implements runtime.Future[uint64].
func (t *Tick) Poll() (uint64, bool) {
	n, err := t.interval.timer.Read()
	if err != nil {
		if err == unix.EAGAIN {
			if regErr := runtime.Current().Register(t.interval.timer.Fd()); regErr != nil {
				panic(regErr)
			}
			return 0, false
		}
		panic(err)
	}
	return n, true
}
