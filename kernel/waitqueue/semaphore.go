package waitqueue

import "rainbow/kernel/task"

// currentTaskFn resolves the task currently running on the calling CPU. Set
// by kernel/sched's package init via SetCurrentTaskFn so this package never
// imports sched.
var currentTaskFn = func() *task.Task { return nil }

// SetCurrentTaskFn registers the accessor used to find the calling task.
// Called once from kernel/sched's package init.
func SetCurrentTaskFn(fn func() *task.Task) {
	currentTaskFn = fn
}

// Semaphore is a counting semaphore: a free-running counter plus the wait
// queue of tasks blocked trying to decrement it past zero.
type Semaphore struct {
	lock  task.Queue // Lock guards count; reused as the wait queue itself.
	count int
}

// NewSemaphore returns a semaphore initialized with the given count, which
// must be >= 0.
func NewSemaphore(count int) *Semaphore {
	return &Semaphore{count: count}
}

// Lock decrements the semaphore, blocking the calling task (state Mutex) if
// the count is already zero.
func (s *Semaphore) Lock() {
	s.lock.Lock.Acquire()
	if s.count > 0 {
		s.count--
		s.lock.Lock.Release()
		return
	}
	s.lock.Lock.Release()

	Suspend(&s.lock, currentTaskFn(), task.StateMutex)
}

// TryLock attempts to decrement the semaphore without blocking, returning
// true on success.
func (s *Semaphore) TryLock() bool {
	s.lock.Lock.Acquire()
	defer s.lock.Lock.Release()
	if s.count > 0 {
		s.count--
		return true
	}
	return false
}

// Unlock increments the semaphore, or if a task is already waiting, wakes
// the oldest one instead of incrementing.
func (s *Semaphore) Unlock() {
	s.lock.Lock.Acquire()
	waiter := s.lock.Front()
	if waiter == nil {
		s.count++
		s.lock.Lock.Release()
		return
	}
	s.lock.Lock.Release()

	Wakeup(&s.lock, waiter)
}

// Mutex is a binary semaphore: a Semaphore whose count is capped at one.
// Per the supplemented design decision recorded for this kernel, both
// Semaphore and Mutex are first-class primitives rather than Mutex being
// implemented independently, since a mutex is exactly a semaphore with an
// initial count of one.
type Mutex struct {
	sem Semaphore
}

// NewMutex returns an unlocked mutex.
func NewMutex() *Mutex {
	return &Mutex{sem: Semaphore{count: 1}}
}

// Lock blocks the calling task until the mutex is acquired.
func (m *Mutex) Lock() { m.sem.Lock() }

// TryLock attempts to acquire the mutex without blocking.
func (m *Mutex) TryLock() bool { return m.sem.TryLock() }

// Unlock releases the mutex.
func (m *Mutex) Unlock() { m.sem.Unlock() }
