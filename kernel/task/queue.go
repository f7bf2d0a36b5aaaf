package task

import (
	"rainbow/kernel/sync"
	"unsafe"
)

// Queue is an intrusive, doubly-linked FIFO of tasks protected by its own
// spinlock. It supplies only the list mechanics (push/remove/pop); the
// suspend/wakeup semantics that talk to the scheduler live one layer up, in
// kernel/waitqueue, which embeds a Queue. Task.IPCSenders also embeds one
// directly since every task owns its own sender queue.
//
// A task is in at most one Queue at a time; Task.Queue is the authoritative
// owner while the task is linked in.
type Queue struct {
	Lock       sync.Spinlock
	head, tail *Task
}

// PushBack appends t to the end of the queue and sets its back-pointer.
// Caller must already hold q.Lock.
func (q *Queue) PushBack(t *Task) {
	t.Next = nil
	t.Prev = q.tail
	if q.tail != nil {
		q.tail.Next = t
	} else {
		q.head = t
	}
	q.tail = t
	t.Queue = q
}

// Remove unlinks t from the queue. Caller must already hold q.Lock and must
// know that t.Queue == q.
func (q *Queue) Remove(t *Task) {
	if t.Prev != nil {
		t.Prev.Next = t.Next
	} else {
		q.head = t.Next
	}
	if t.Next != nil {
		t.Next.Prev = t.Prev
	} else {
		q.tail = t.Prev
	}
	t.Next, t.Prev, t.Queue = nil, nil, nil
}

// PopFront removes and returns the task at the head of the queue, or nil if
// the queue is empty. Caller must already hold q.Lock.
func (q *Queue) PopFront() *Task {
	t := q.head
	if t == nil {
		return nil
	}
	q.Remove(t)
	return t
}

// Front returns the head of the queue without removing it, or nil if empty.
// Caller must already hold q.Lock.
func (q *Queue) Front() *Task {
	return q.head
}

// Empty reports whether the queue currently has no tasks linked in. Caller
// must already hold q.Lock (or tolerate a racy read, as the idle loop does).
func (q *Queue) Empty() bool {
	return q.head == nil
}

// ptrFromUintptr reinterprets a raw memory address as a *Task. It is used
// only when carving a Task out of memory the caller already owns (a freshly
// allocated kernel stack, or the boot stack for task 0).
func ptrFromUintptr(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr)
}
