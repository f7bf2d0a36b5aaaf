// Package ipc implements synchronous rendezvous between tasks over the 64
// virtual IPC registers each TCB carries. The queue discipline below is
// built entirely out of task.Task's existing IPCSenders/IPCPartner/IPCRegs
// fields and kernel/waitqueue's suspend/wakeup primitives.
//
// A task waiting in Wait with no sender yet parks itself at the front of its
// own IPCSenders queue in state IPCReceive; Call recognizes that front entry
// and delivers the message directly instead of queueing behind it. This
// keeps the queue doing double duty (pending senders, or a single waiting
// receiver) without adding a field to the TCB.
package ipc

import (
	"rainbow/kernel"
	"rainbow/kernel/sched"
	"rainbow/kernel/task"
	"rainbow/kernel/waitqueue"
)

// MaxRegs is the number of virtual IPC registers a message may occupy,
// matching Task.IPCRegs's fixed size.
const MaxRegs = 64

var (
	errNoSuchTask      = &kernel.Error{Module: "ipc", Message: "target task does not exist"}
	errMessageTooLarge = &kernel.Error{Module: "ipc", Message: "message exceeds the virtual IPC register file"}

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler, the same indirection kernel/mem/vmm uses for
	// readCR2Fn/translateFn so its fault handlers can be tested without real
	// hardware state. ipc calls straight into sched/task everywhere else, so
	// these three are the only seam needed to drive Call/Wait/Reply from a
	// test with synthetic tasks instead of a live scheduler.
	currentTaskFn = sched.Current
	taskGetFn     = task.Get
	addTaskFn     = sched.AddTask
)

// Call sends msgIn to target and blocks until target (or whoever it
// delegates to via ReplyAndWait) replies, copying the reply into msgOut.
// Returns the number of words copied into msgOut.
func Call(target task.ID, msgIn, msgOut []uintptr) (int, *kernel.Error) {
	if len(msgIn) > MaxRegs || len(msgOut) > MaxRegs {
		return 0, errMessageTooLarge
	}

	self := currentTaskFn()
	receiver := taskGetFn(target)
	if receiver == nil {
		return 0, errNoSuchTask
	}

	copy(self.IPCRegs[:], msgIn)
	self.IPCPartner = target

	receiver.IPCSenders.Lock.Acquire()
	waiting := receiver.IPCSenders.Front()
	if waiting != nil && waiting.ID == receiver.ID && waiting.State == task.StateIPCReceive {
		receiver.IPCSenders.Remove(waiting)
		receiver.IPCSenders.Lock.Release()

		waiting.IPCRegs = self.IPCRegs
		waiting.IPCPartner = self.ID
		addTaskFn(waiting)
	} else {
		receiver.IPCSenders.Lock.Release()
	}

	// Either the direct handoff above already delivered the message and
	// we are now just waiting on the reply, or no receiver was parked
	// and we join the senders queue for a future ipc_wait to find.
	// Suspend handles both cases identically: an ipc_call always ends in
	// state IpcSend on receiver.IPCSenders until the reply arrives.
	waitqueue.Suspend(&receiver.IPCSenders, self, task.StateIPCSend)

	return copy(msgOut, self.IPCRegs[:]), nil
}

// Wait receives the next call targeting the calling task, blocking if none
// is pending. It returns the sender's id and the number of words copied
// into buf. The sender remains blocked (state IPCReceive) until a matching
// Reply arrives.
func Wait(buf []uintptr) (task.ID, int) {
	self := currentTaskFn()

	self.IPCSenders.Lock.Acquire()
	sender := self.IPCSenders.PopFront()
	self.IPCSenders.Lock.Release()

	if sender != nil {
		sender.State = task.StateIPCReceive
		self.IPCPartner = sender.ID
		return sender.ID, copy(buf, sender.IPCRegs[:])
	}

	waitqueue.Suspend(&self.IPCSenders, self, task.StateIPCReceive)

	// Resumed: Call's direct-handoff path populated IPCRegs/IPCPartner
	// for us before waking us up.
	return self.IPCPartner, copy(buf, self.IPCRegs[:])
}

// Reply delivers msg to caller's virtual IPC registers and wakes it, ending
// the rendezvous that caller's Call began. caller must currently be blocked
// on the reply (state IPCReceive, per Wait's contract).
func Reply(caller task.ID, msg []uintptr) *kernel.Error {
	if len(msg) > MaxRegs {
		return errMessageTooLarge
	}

	t := taskGetFn(caller)
	if t == nil {
		return errNoSuchTask
	}

	copy(t.IPCRegs[:], msg)
	t.IPCPartner = currentTaskFn().ID

	if t.Queue != nil {
		waitqueue.Wakeup(t.Queue, t)
	} else {
		addTaskFn(t)
	}
	return nil
}

// ReplyAndWait fuses Reply and Wait into a single kernel entry for the
// common server loop shape, saving a round trip through the
// scheduler between answering one client and waiting for the next.
func ReplyAndWait(caller task.ID, msg []uintptr, buf []uintptr) (task.ID, int, *kernel.Error) {
	if err := Reply(caller, msg); err != nil {
		return 0, 0, err
	}
	sender, n := Wait(buf)
	return sender, n, nil
}
