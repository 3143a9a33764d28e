// Package metrics provides lightweight runtime counters for the executor:
// how often the readiness registry blocks in the kernel, how many tasks
// get polled, and how the wakeup plane is used. It is a good tool for
// understanding whether a workload is dominated by real I/O waits or by
// spurious wakeups.
package metrics

import (
	"fmt"
	"time"

	"go.uber.org/atomic"
)

// All metrics definitions.
const (
	// Epoll / readiness registry metrics
	EpollWaitCalls = iota
	EpollEventsReturned

	// Wakeup plane metrics
	WakerSignalCalls
	WakerSpuriousWakeups

	// Executor metrics
	TasksSpawned
	TasksPolled
	TasksCompleted
	BlockingTasksSpawned

	Max
)

var metrics [Max]atomic.Uint64

// Add metrics counter.
func Add(name int, delta uint64) {
	if name >= Max {
		return
	}
	metrics[name].Add(delta)
}

// Get one metric counter.
func Get(name int) uint64 {
	if name >= Max {
		return 0
	}
	return metrics[name].Load()
}

// GetAll get all metrics.
func GetAll() [Max]uint64 {
	var m [Max]uint64
	for i := range metrics {
		m[i] = metrics[i].Load()
	}
	return m
}

// ShowMetricsOfPeriod shows metric info of duration d from now on.
// It will block d duration, and then prints metrics info.
func ShowMetricsOfPeriod(d time.Duration) {
	old := GetAll()
	<-time.After(d)
	current := GetAll()
	var m [Max]uint64
	for i := range metrics {
		m[i] = current[i] - old[i]
	}
	showAll(m)
}

// ShowMetrics shows metric info in console.
func ShowMetrics() {
	showAll(GetAll())
}

func showAll(m [Max]uint64) {
	fmt.Println("######### guillotine metrics (", time.Now().Format("2006-01-02 15:04:05"), ") ###########")
	showEpollMetrics(m)
	showExecutorMetrics(m)
	fmt.Printf("\n")
}

func showEpollMetrics(m [Max]uint64) {
	fmt.Printf("%-59s: %d\n", "# EPOLL - number of epoll_wait calls", m[EpollWaitCalls])
	fmt.Printf("%-59s: %d\n", "# EPOLL - number of events returned", m[EpollEventsReturned])
	if m[EpollWaitCalls] > 0 {
		fmt.Printf("%-59s: %.2f\n", "# EPOLL - average events per epoll_wait",
			float64(m[EpollEventsReturned])/float64(m[EpollWaitCalls]))
	}
}

func showExecutorMetrics(m [Max]uint64) {
	fmt.Printf("%-59s: %d\n", "# TASK - number of tasks spawned", m[TasksSpawned])
	fmt.Printf("%-59s: %d\n", "# TASK - number of poll calls", m[TasksPolled])
	fmt.Printf("%-59s: %d\n", "# TASK - number of tasks completed", m[TasksCompleted])
	fmt.Printf("%-59s: %d\n", "# TASK - number of spawn_blocking calls", m[BlockingTasksSpawned])
	fmt.Printf("%-59s: %d\n", "# WAKER - number of signal() calls", m[WakerSignalCalls])
	fmt.Printf("%-59s: %d\n", "# WAKER - number of spurious wakeups observed", m[WakerSpuriousWakeups])
}
