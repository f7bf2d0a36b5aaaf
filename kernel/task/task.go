// Package task implements the kernel's task control block (TCB): the unit of
// schedulable execution. A Task owns its own kernel stack, a handle to a
// shared page table, the saved register context used by context switches,
// and the bookkeeping the scheduler, wait queues and IPC core need to move it
// between states.
package task

import (
	"rainbow/kernel/mem/vmm"
	"rainbow/kernel/sync"
)

// ID uniquely identifies a task. IDs are monotonically assigned and never
// reused within a boot.
type ID int32

// State describes where a task currently sits in its lifecycle. A task is
// considered blocked when its state is >= Sleep.
type State uint8

const (
	// StateInit is assigned to a task that has been allocated but not yet
	// scheduled for the first time.
	StateInit State = iota

	// StateRunning is held by exactly one task per CPU at any instant.
	StateRunning

	// StateReady marks a task sitting in the ready queue, waiting for its
	// turn to run.
	StateReady

	// StateSleep marks a task suspended in the sleeping queue until its
	// SleepUntil deadline elapses.
	StateSleep

	// StateZombie marks a task that has called Die and is waiting for the
	// scheduler to reclaim its resources.
	StateZombie

	// StateIPCSend marks a task blocked in ipc_call, waiting for a
	// receiver to accept the message.
	StateIPCSend

	// StateIPCReceive marks a task blocked in ipc_wait, or a task that has
	// handed off its message to a receiver and is waiting for the reply.
	StateIPCReceive

	// StateMutex marks a task blocked acquiring a semaphore or mutex.
	StateMutex

	// StateFutex is reserved for a future fast userspace mutex. Nothing in
	// this kernel currently transitions a task into this state.
	StateFutex
)

// Blocked reports whether state represents a blocked task (state >= Sleep).
func (s State) Blocked() bool {
	return s >= StateSleep
}

// Priority orders tasks within the ready queue. Idle tasks only run when
// every other priority's queue is empty.
type Priority uint8

const (
	// PriorityIdle is reserved for each CPU's idle task.
	PriorityIdle Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh

	// PriorityCount is the number of distinct priority levels.
	PriorityCount
)

// EntryPoint is the function signature used to start a brand new task. args
// points at a copy of the caller-supplied argument block staged at the top
// of the new task's kernel stack.
type EntryPoint func(t *Task, args uintptr)

// FPUState holds the 512-byte, 16-byte-aligned FXSAVE/FXRSTOR legacy area.
type FPUState struct {
	area [512]byte
}

// Area returns a pointer to the raw FXSAVE/FXRSTOR area, for cpu.FXSave and
// cpu.FXRestore to operate on directly.
func (f *FPUState) Area() *[512]byte {
	return &f.area
}

// Task is the kernel's TCB. A Task lives at the base of its own kernel
// stack, the same way task 0 is carved out of the boot stack by the
// scheduler; KernelStackTop records where that stack ends.
type Task struct {
	ID       ID
	State    State
	Priority Priority

	// Queue points at the task.Queue that currently links this task in, or
	// nil. Queue.PushBack and Queue.Remove maintain it; kernel/waitqueue's
	// Wakeup reads it to check that the task is still in the queue it is
	// being woken from.
	Queue *Queue

	// Next/Prev link this task into whichever Queue currently owns it.
	Next, Prev *Task

	// StackPointer is the saved stack pointer for this task's kernel
	// context, written by cpu.SwitchContext on every switch away from this
	// task and read back in to resume it.
	StackPointer uintptr

	// KernelStackTop is one byte past the top of this task's kernel stack
	// (the address loaded into TSS.RSP0 while the task runs).
	KernelStackTop uintptr

	// PageTable is the (possibly shared) address space this task runs in.
	PageTable *vmm.PageDirectoryTable

	// SleepUntil holds the monotonic-clock deadline (nanoseconds since
	// boot) below which a task in StateSleep will not be woken by
	// WakeupUntil.
	SleepUntil uint64

	// UserStackTop/UserStackBottom bound the user-mode stack, if any.
	UserStackTop, UserStackBottom uintptr

	// UserTLSBase is the FS-segment base installed for this task while it
	// runs in user mode.
	UserTLSBase uintptr

	// IPCSenders queues tasks blocked in ipc_call targeting this task.
	IPCSenders Queue

	// IPCPartner is who this task is currently rendezvousing with over
	// IPC: the sender while the task is in StateIPCReceive, or the
	// receiver while the task is in StateIPCSend.
	IPCPartner ID

	// IPCRegs are the 64 virtual IPC registers used to pass a message
	// in-line without touching the target address space.
	IPCRegs [64]uintptr

	// FPU holds this task's saved FPU/SSE state.
	FPU FPUState

	// FPUDirty is set the first time this task touches the FPU after
	// becoming Running, and cleared whenever its state is saved out. The
	// scheduler only pays for FXSave/FXRestore on a CPU migration or
	// switch where two different tasks actually used the FPU, implementing
	// a lazy save/restore scheme.
	FPUDirty bool
}

var (
	tableLock sync.Spinlock
	nextID    ID
	// byID is a flat lookup table, sized generously, rather than a hash
	// map, since the kernel heap may not be available when early tasks are
	// created.
	byID [4096]*Task
)

// New places a new Task descriptor at memory (the base of a kernel stack
// that ends at stackTop), records pt as its page table and registers it
// under a freshly assigned ID. The task starts in StateInit with
// PriorityNormal.
func New(memory uintptr, stackTop uintptr, pt *vmm.PageDirectoryTable) *Task {
	t := (*Task)(ptrFromUintptr(memory))
	*t = Task{}

	tableLock.Acquire()
	id := nextID
	nextID++
	tableLock.Release()

	t.ID = id
	t.State = StateInit
	t.Priority = PriorityNormal
	t.PageTable = pt
	t.KernelStackTop = stackTop

	tableLock.Acquire()
	byID[id%ID(len(byID))] = t
	tableLock.Release()

	return t
}

// Get returns the Task registered under id, or nil if no such task exists.
func Get(id ID) *Task {
	tableLock.Acquire()
	defer tableLock.Release()
	return byID[id%ID(len(byID))]
}

// Forget removes a task's entry from the lookup table. Called by the
// scheduler's zombie reaper once a task's resources have been released.
func Forget(id ID) {
	tableLock.Acquire()
	defer tableLock.Release()
	if byID[id%ID(len(byID))] != nil && byID[id%ID(len(byID))].ID == id {
		byID[id%ID(len(byID))] = nil
	}
}
