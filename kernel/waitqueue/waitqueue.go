// Package waitqueue implements the suspend/wakeup semantics that sit on top
// of a task.Queue: the scheduler-aware half of component F. The plain
// intrusive list and its spinlock live in kernel/task (as task.Queue) so that
// task.Task can hold a queue back-pointer, and so that a task's own
// IPCSenders queue and the scheduler's ready/sleeping/zombie queues can all
// share the same concrete type. This package only adds the calls into the
// scheduler that turn "unlink from this list" into "becomes Ready again".
package waitqueue

import "rainbow/kernel/task"

// scheduleFn and addReadyFn are resolved by kernel/sched's package init, via
// SetHooks. Doing it through function variables rather than a direct import
// keeps this package decoupled from the scheduler's own use of task.Queue.
var (
	scheduleFn = func() {}
	addReadyFn = func(*task.Task) {}
)

// SetHooks wires this package to the running scheduler. Called once from
// kernel/sched's package init.
func SetHooks(schedule func(), addReady func(*task.Task)) {
	scheduleFn = schedule
	addReadyFn = addReady
}

// Suspend blocks the calling task on q with the given reason state and
// invokes the scheduler. Must be called with interrupts disabled and the BKL
// held; the caller is responsible for having set self.State == Running
// beforehand, matching the scheduler's invariants.
func Suspend(q *task.Queue, self *task.Task, reason task.State) {
	q.Lock.Acquire()
	self.State = reason
	q.PushBack(self)
	q.Lock.Release()

	scheduleFn()
}

// Wakeup unlinks t from q (if it is still linked there) and hands it to the
// scheduler's ready queue. A no-op if t is not currently in q.
func Wakeup(q *task.Queue, t *task.Task) {
	q.Lock.Acquire()
	if t.Queue != q {
		q.Lock.Release()
		return
	}
	q.Remove(t)
	q.Lock.Release()

	addReadyFn(t)
}

// WakeupN wakes up to n tasks from the front of q, in FIFO order, and
// returns the number actually woken.
func WakeupN(q *task.Queue, n int) int {
	q.Lock.Acquire()
	var woken []*task.Task
	for ; !q.Empty() && n > 0; n-- {
		woken = append(woken, q.PopFront())
	}
	q.Lock.Release()

	for _, t := range woken {
		addReadyFn(t)
	}
	return len(woken)
}

// WakeupAll wakes every task currently in q and returns the number woken.
func WakeupAll(q *task.Queue) int {
	return WakeupN(q, 1<<30)
}

// WakeupUntil wakes every task in q whose SleepUntil deadline is <= nowNs.
// Used by the scheduler on every Schedule call to move expired sleepers back
// to the ready queue.
func WakeupUntil(q *task.Queue, nowNs uint64) int {
	q.Lock.Acquire()
	var woken []*task.Task
	for t := q.Front(); t != nil; {
		next := t.Next
		if t.SleepUntil <= nowNs {
			q.Remove(t)
			woken = append(woken, t)
		}
		t = next
	}
	q.Lock.Release()

	for _, t := range woken {
		addReadyFn(t)
	}
	return len(woken)
}

// PopFront removes and returns the task at the head of q without resuming
// it, transferring ownership to the caller. Used by ipc_wait to dequeue a
// sender directly instead of routing it back through the ready queue.
func PopFront(q *task.Queue) *task.Task {
	q.Lock.Acquire()
	defer q.Lock.Release()
	return q.PopFront()
}
