package irq

import "rainbow/kernel/sync"

// Init performs the CPU-specific work needed before any interrupt can be
// taken: building and loading the IDT. Must run once per CPU during boot,
// with interrupts still disabled.
func Init() {
	installIDT()
}

// installIDT populates the IDT descriptor with the address of the IDT and
// loads it onto the calling CPU. Every gate starts out marked non-present;
// HandleException, HandleExceptionWithCode and HandleVector fill them in.
func installIDT()

// HandleVector registers handler as the raw entry point for IDT vector
// vector. Unlike HandleException/HandleExceptionWithCode it is not limited
// to the fixed ExceptionNum set, so it is how hardware IRQ lines (remapped
// past the CPU's 32 reserved exception vectors) get their handlers
// installed. Covers the full 0-255 vector space, split across the
// Frame/Regs pair the rest of this package (and kernel/mem/vmm's fault
// handlers) already use.
func HandleVector(vector uint8, handler func(*Frame, *Regs))

// ControllerOps is the interrupt-controller contract every hardware
// interrupt source implements: init, is-spurious, acknowledge, enable,
// disable. kernel/driver/pic exposes exactly this function set at package
// scope; cmd/kernel closes it into a ControllerOps value and hands it to
// SetController. kernel/driver/apic does not implement this set. Only one
// controller is active at a time.
type ControllerOps struct {
	Init        func(baseVector uint8)
	IsSpurious  func(irqLine uint8) bool
	Acknowledge func(irqLine uint8)
	Enable      func(irqLine uint8)
	Disable     func(irqLine uint8)
}

var (
	controller *ControllerOps
	irqBase    uint8

	// scheduleFn/shouldSwitchFn are resolved by SetScheduler, called once
	// from cmd/kernel. Kept as function variables rather than a direct
	// import of kernel/sched, matching the cross-package wiring style used
	// throughout this kernel (kernel/waitqueue's SetHooks, kernel/sched's
	// SetClock).
	scheduleFn     = func() {}
	shouldSwitchFn = func() bool { return false }

	// handleVectorFn indirects HandleIRQ's call into HandleVector so tests
	// can substitute a fake registry instead of linking the real
	// assembly-backed IDT.
	handleVectorFn = HandleVector
)

// SetController installs the active interrupt controller and remaps its
// IRQ 0 to baseVector, the vector space hardware IRQ lines occupy from then
// on. Only one controller is active at a time.
func SetController(c *ControllerOps, baseVector uint8) {
	controller = c
	irqBase = baseVector
	c.Init(baseVector)
}

// SetScheduler wires the scheduling hooks HandleIRQ's dispatch wrapper
// consults after running a handler: call schedule() if shouldSwitch
// reports true.
func SetScheduler(schedule func(), shouldSwitch func() bool) {
	scheduleFn = schedule
	shouldSwitchFn = shouldSwitch
}

// EnableIRQ unmasks hardware interrupt line irqLine at the active
// controller.
func EnableIRQ(irqLine uint8) {
	if controller != nil {
		controller.Enable(irqLine)
	}
}

// DisableIRQ masks hardware interrupt line irqLine at the active
// controller.
func DisableIRQ(irqLine uint8) {
	if controller != nil {
		controller.Disable(irqLine)
	}
}

// HandleIRQ registers handler for hardware IRQ line irqLine (0-15 for the
// 8259A pair, or an I/O APIC input). It wraps the caller's handler with BKL
// acquisition, the spurious-IRQ filter, controller acknowledgment and a
// conditional reschedule, so the caller only needs to care about servicing
// the device. Register save/restore and iret remain the assembly stub's
// job, same as HandleException.
func HandleIRQ(irqLine uint8, handler func(*Frame, *Regs)) {
	handleVectorFn(irqBase+irqLine, func(frame *Frame, regs *Regs) {
		sync.BKL.Lock()
		defer sync.BKL.Unlock()

		if controller != nil && controller.IsSpurious(irqLine) {
			return
		}

		handler(frame, regs)

		if controller != nil {
			controller.Acknowledge(irqLine)
		}

		if shouldSwitchFn() {
			scheduleFn()
		}
	})
}
