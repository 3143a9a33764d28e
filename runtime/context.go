//go:build linux
// +build linux

package runtime

import "github.com/bryanburgers/guillotine/internal/taskid"

// Context is the ambient state visible to whatever task is currently
// being polled: which runtime it belongs to, its id, and the waker that
// will put it back on the run queue. The executor is single-goroutine by
// design, so this is carried as package state rather than threaded
// through every Poll call explicitly, the same way a real multi-threaded
// reimplementation would carry it as per-worker-thread state instead.
type Context struct {
	rt    *Runtime
	id    taskid.ID
	waker *Waker
}

// activeCtx holds the context of whichever task is currently inside a
// Poll call. It is nil between polls and while the runtime itself is
// idle. Only the executor loop in runtime.go ever sets or clears it.
var activeCtx *Context

func activate(ctx *Context) {
	if activeCtx != nil {
		panic("guillotine/runtime: a task context is already active; Poll was re-entered")
	}
	activeCtx = ctx
}

func deactivate() {
	activeCtx = nil
}

// Current returns the context of the task presently being polled. It
// panics outside of a Poll call: Register and Spawn only make sense
// while a task is running, exactly like the ambient context they read.
func Current() *Context {
	if activeCtx == nil {
		panic("guillotine/runtime: no active task context; Register/Spawn must run inside Poll")
	}
	return activeCtx
}

// TryCurrent returns the active context and whether one exists, without
// panicking. Useful for code that can run both inside and outside a
// poll (tests, mostly).
func TryCurrent() (*Context, bool) {
	return activeCtx, activeCtx != nil
}

// ID returns the id of the task this context belongs to.
func (c *Context) ID() taskid.ID {
	return c.id
}

// Waker returns the waker for the task this context belongs to. Leaf
// futures hand it to whatever will eventually make their fd ready, or to
// a spawn_blocking worker, so the task gets polled again once it's worth
// doing so.
func (c *Context) Waker() *Waker {
	return c.waker
}

// Register adds fd to the runtime's readiness registry tagged with this
// task's id, so the next time it becomes readable or writable the
// executor polls this task again. It is idempotent: registering the same
// fd more than once (as leaf futures routinely do, once per WouldBlock)
// is a no-op past the first call.
func (c *Context) Register(fdNum int) error {
	return c.rt.registerFD(fdNum, c.id)
}

// Spawn admits a new task into this context's runtime, to run
// concurrently with the task that spawned it.
func (c *Context) Spawn(task Task) taskid.ID {
	return c.rt.spawn(task)
}
