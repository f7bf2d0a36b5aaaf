// +build amd64

package sched

import (
	"reflect"
	"unsafe"

	"rainbow/kernel/task"
)

// initialContext is the layout cpu.SwitchContext's restore side expects to
// find at the top of a suspended task's stack: the callee-saved registers
// (rbx, rbp, r12-r15) followed by the return address execution resumes at.
// A brand new task has never been switched away from, so
// archInitTaskContext synthesizes this frame by hand instead of capturing it
// from a live switch.
type initialContext struct {
	r15, r14, r13, r12, rbp, rbx uintptr
	returnRIP                    uintptr
}

// trampolineEntry is the very first code a new task runs. cpu.SwitchContext
// resumes every fresh task here; it pops the entry point and argument
// pointer staged just below the initialContext frame by archInitTaskContext,
// calls entry(sched.Current(), args), and hands off to Die if entry ever
// returns.
func trampolineEntry()

// archInitTaskContext lays out a brand new task's kernel stack so that the
// first cpu.SwitchContext that resumes it lands in trampolineEntry with
// entry and args ready to read.
func archInitTaskContext(t *task.Task, entry task.EntryPoint, args uintptr) {
	sp := t.KernelStackTop

	// Stage entry and args just below the top of the stack; trampolineEntry
	// pops them before calling into entry.
	sp -= unsafe.Sizeof(args)
	*(*uintptr)(unsafe.Pointer(sp)) = args

	sp -= unsafe.Sizeof(entry)
	*(*task.EntryPoint)(unsafe.Pointer(sp)) = entry

	sp -= unsafe.Sizeof(initialContext{})
	frame := (*initialContext)(unsafe.Pointer(sp))
	*frame = initialContext{}
	frame.returnRIP = uintptr(reflect.ValueOf(trampolineEntry).Pointer())

	t.StackPointer = sp
	t.State = task.StateInit
}
