// Package sched implements component H: task 0 adoption, the scheduling
// decision, context switches, voluntary yield/sleep/die and the per-CPU idle
// loop. It owns the ready queue (component G) and the sleeping/zombie wait
// queues, and wires kernel/waitqueue's scheduler hooks back to itself so
// that Semaphore/Mutex and ordinary wait queues can resume blocked tasks.
package sched

import (
	"unsafe"

	"rainbow/kernel"
	"rainbow/kernel/cpu"
	"rainbow/kernel/kfmt"
	"rainbow/kernel/mem"
	"rainbow/kernel/mem/vmm"
	"rainbow/kernel/sync"
	"rainbow/kernel/task"
	"rainbow/kernel/waitqueue"
)

// StackPageCount is the number of pages reserved for each task's kernel
// stack, giving room for a deep interrupt/exception nesting.
const StackPageCount = 2

var (
	ready    readyQueue
	sleeping task.Queue
	zombies  task.Queue

	// shouldSwitch is set by the timer ISR (component K) and checked after
	// every interrupt dispatch and inside the idle loop.
	shouldSwitch bool

	// nowFn resolves the monotonic clock. Set by cmd/kernel via SetClock
	// once the clock is initialized; kept as a function variable so sched
	// does not need to
	// import clock (clock has no need to import sched either, but the
	// indirection matches the rest of this kernel's cross-package wiring
	// style and keeps clock free to be initialized in either order).
	nowFn = func() uint64 { return 0 }

	errStackTooSmall = &kernel.Error{Module: "sched", Message: "boot stack too small for a kernel stack"}
)

// SetClock registers the monotonic clock reader used for sleep deadlines.
func SetClock(fn func() uint64) {
	nowFn = fn
}

func init() {
	waitqueue.SetHooks(Schedule, addReady)
	waitqueue.SetCurrentTaskFn(Current)
}

// addReady is the scheduler-side half of waitqueue's wakeup hook: it hands a
// woken task to ready.Queue, which marks it Ready and takes the matching
// priority FIFO's own lock.
func addReady(t *task.Task) {
	ready.Queue(t)
}

// Current returns the task presently running on the calling CPU.
func Current() *task.Task {
	c := cpu.Current()
	if c.CurrentTask == 0 {
		return nil
	}
	return (*task.Task)(unsafe.Pointer(c.CurrentTask))
}

// setCurrentTask records t as the task running on cpuBlock. CurrentTask is
// stored as a uintptr rather than *task.Task so that kernel/cpu, which sits
// below kernel/task in the import graph (task -> vmm -> cpu), does not need
// to import it back.
func setCurrentTask(cpuBlock *cpu.PerCPU, t *task.Task) {
	cpuBlock.CurrentTask = uintptr(unsafe.Pointer(t))
}

// Init recognizes the calling context as task 0: it carves a TCB out of the
// top of the supplied boot stack, adopts the currently active page table,
// marks the task Running, installs it as this CPU's current task and arms
// the periodic preemption timer through armTimer. Must be called once,
// during early boot, with interrupts disabled.
func Init(bootStackBottom, bootStackTop uintptr, kernelPT *vmm.PageDirectoryTable, armTimer func(hz uint32, cb func())) *kernel.Error {
	kernelStackBytes := uintptr(StackPageCount) * uintptr(mem.PageSize)
	if bootStackTop-bootStackBottom < kernelStackBytes {
		return errStackTooSmall
	}

	taskMem := bootStackTop - kernelStackBytes
	task0 := task.New(taskMem, bootStackTop, kernelPT)
	if task0.ID != 0 {
		return &kernel.Error{Module: "sched", Message: "task 0 did not get id 0"}
	}
	task0.State = task.StateRunning

	cpuBlock := cpu.AllocPerCPU(cpu.APICID(), true)
	setCurrentTask(cpuBlock, task0)
	cpuBlock.SetKernelStack(bootStackTop)
	cpuBlock.LoadPerCPU()

	// Free the unused portion of the boot stack below the carved-out TCB.
	if pagesToFree := (taskMem - bootStackBottom) >> mem.PageShift; pagesToFree > 0 {
		vmm.FreePages(vmm.PageFromAddress(bootStackBottom), uint64(pagesToFree))
	}

	if armTimer != nil {
		armTimer(200, func() { shouldSwitch = true })
	}

	return nil
}

// InitAP recognizes the calling context as the initial task of an
// application processor brought up by kernel/smp: it installs apTask (a
// task already created via NewTask, with its own kernel stack) as this CPU's
// current task and loads this CPU's own GDT/TSS. Must run once per AP,
// before interrupts are enabled, right after the trampoline hands off into
// Go code.
func InitAP(apTask *task.Task) {
	apTask.State = task.StateRunning

	cpuBlock := cpu.AllocPerCPU(cpu.APICID(), false)
	setCurrentTask(cpuBlock, apTask)
	cpuBlock.SetKernelStack(apTask.KernelStackTop)
	cpuBlock.LoadPerCPU()
}

// NewTask allocates a fresh task with its own two-page kernel stack and
// registers entry as the function it will start executing the first time it
// is switched to. The new task begins in state Init and must be handed to
// AddTask before it can run.
func NewTask(pt *vmm.PageDirectoryTable, entry task.EntryPoint, args uintptr, argsLen uintptr) (*task.Task, *kernel.Error) {
	page, err := vmm.AllocatePages(StackPageCount)
	if err != nil {
		return nil, err
	}

	stackBase := page.Address()
	stackTop := stackBase + uintptr(StackPageCount)*uintptr(mem.PageSize)
	t := task.New(stackBase, stackTop, pt)

	var argsPtr uintptr
	if argsLen > 0 {
		argsPtr = stackBase + unsafe.Sizeof(task.Task{})
		mem.Memcopy(args, argsPtr, mem.Size(argsLen))
	}

	archInitTaskContext(t, entry, argsPtr)
	return t, nil
}

// AddTask marks t Ready and places it in the ready queue. Used both for
// brand new tasks and for tasks resumed by a wait queue wakeup.
func AddTask(t *task.Task) {
	ready.Queue(t)
}

// Schedule is the scheduling decision (component H). Must be called with
// interrupts disabled and the BKL held. If the current task is still
// Running, it is pushed back onto the ready queue; the highest-priority
// ready task is then popped and switched to, unless the ready queue is
// empty, in which case the current task keeps running.
func Schedule() {
	current := Current()

	if current.State == task.StateRunning {
		ready.Queue(current)
	}

	next := ready.Pop()
	if next != nil {
		doSwitch(current, next)
	}

	current = Current()
	if current.State != task.StateZombie {
		reapZombies(current)
	}

	sleeping.Lock.Acquire()
	nowNs := nowFn()
	sleeping.Lock.Release()
	waitqueue.WakeupUntil(&sleeping, nowNs)
}

// reapZombies destroys every zombie except the one currently running (a task
// that just called Die cannot free its own kernel stack out from under
// itself; it is collected on the schedule after some other task has run).
func reapZombies(current *task.Task) {
	for {
		zombies.Lock.Acquire()
		z := zombies.PopFront()
		zombies.Lock.Release()
		if z == nil {
			return
		}
		if z == current {
			continue
		}
		destroy(z)
	}
}

// destroy releases a dead task's kernel stack and removes it from the id
// table. Page table reference counting (for tasks that do not share the
// kernel page table with anyone else) is left to the page table's own
// lifetime management.
func destroy(t *task.Task) {
	task.Forget(t.ID)
	vmm.FreePages(vmm.PageFromAddress(t.KernelStackTop-uintptr(StackPageCount)*uintptr(mem.PageSize)), StackPageCount)
}

// doSwitch performs the context switch side of Schedule: TSS/per-CPU
// bookkeeping, CR3 reload if the address space changes, FS-base reload for
// user TLS, and finally the register-level stack swap.
func doSwitch(current, next *task.Task) {
	next.State = task.StateRunning

	cpuBlock := cpu.Current()
	setCurrentTask(cpuBlock, next)
	cpuBlock.SetKernelStack(next.KernelStackTop)

	if current != nil && current.FPUDirty {
		cpu.FXSave(current.FPU.Area())
		current.FPUDirty = false
	}
	// Mark the FPU unavailable; next's first FXSAVE/FXRSTOR-using
	// instruction traps DeviceNotAvailable, where HandleDeviceNotAvailable
	// lazily restores its state. Avoids an FXRSTOR on every switch for
	// tasks that never touch the FPU.
	cpu.SetTS()

	if current == nil || current.PageTable == nil || next.PageTable == nil || current.PageTable.Root() != next.PageTable.Root() {
		if next.PageTable != nil {
			next.PageTable.Activate()
		}
	}

	if next.UserTLSBase != 0 {
		cpu.WriteFSBase(uint64(next.UserTLSBase))
	}

	var oldSlot *uintptr
	if current != nil {
		oldSlot = &current.StackPointer
	} else {
		var discard uintptr
		oldSlot = &discard
	}

	cpu.SwitchContext(oldSlot, &next.StackPointer)
}

// HandleDeviceNotAvailable services the DeviceNotAvailable exception raised
// by the first FPU/SSE instruction a task executes after doSwitch set
// CR0.TS. It clears TS and restores the running task's saved FPU state,
// completing the lazy FPU switch. Registered against
// irq.DeviceNotAvailable by cmd/kernel's boot wiring.
func HandleDeviceNotAvailable() {
	cpu.ClearTS()
	t := Current()
	cpu.FXRestore(t.FPU.Area())
	t.FPUDirty = true
}

// Yield voluntarily gives up the remainder of the current task's time
// slice.
func Yield() {
	shouldSwitch = true
	Schedule()
}

// Sleep suspends the calling task until durationNs nanoseconds have elapsed
// on the monotonic clock.
func Sleep(durationNs uint64) {
	SleepUntil(nowFn() + durationNs)
}

// SleepUntil suspends the calling task until the monotonic clock reaches
// deadlineNs.
func SleepUntil(deadlineNs uint64) {
	t := Current()
	t.SleepUntil = deadlineNs
	waitqueue.Suspend(&sleeping, t, task.StateSleep)
}

// Die moves the calling task into the zombie queue and never returns; the
// task's resources are reclaimed by a later Schedule call running on behalf
// of some other task.
func Die() {
	t := Current()
	waitqueue.Suspend(&zombies, t, task.StateZombie)
	kfmt.Printf("[sched] task %d resumed after death\n", t.ID)
	for {
		cpu.Pause()
	}
}

// ShouldSwitch reports and clears the flag set by the timer ISR, for use by
// the interrupt dispatch path (component J) after running a handler.
func ShouldSwitch() bool {
	if shouldSwitch {
		shouldSwitch = false
		return true
	}
	return false
}

// IdleLoop is the body of each CPU's idle task (priority Idle). Interrupts
// are enabled only inside this loop; every other moment in the kernel runs
// with interrupts disabled, per the concurrency model.
func IdleLoop() {
	Current().Priority = task.PriorityIdle

	for {
		if !ready.Empty() {
			Schedule()
			continue
		}

		sync.BKL.Unlock()
		cpu.EnableInterrupts()
		cpu.Pause()
		cpu.DisableInterrupts()
		sync.BKL.Lock()
	}
}
