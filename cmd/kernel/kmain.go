package main

import (
	"unsafe"

	"rainbow/bootcfg"
	"rainbow/device/acpi"
	"rainbow/device/acpi/table"
	"rainbow/kernel"
	"rainbow/kernel/clock"
	"rainbow/kernel/driver/apic"
	"rainbow/kernel/driver/pic"
	"rainbow/kernel/goruntime"
	"rainbow/kernel/hal"
	"rainbow/kernel/hal/bootinfo"
	"rainbow/kernel/hal/multiboot"
	"rainbow/kernel/irq"
	"rainbow/kernel/kfmt"
	"rainbow/kernel/mem/pmm/allocator"
	"rainbow/kernel/mem/vmm"
	"rainbow/kernel/sched"
	"rainbow/kernel/smp"
	"rainbow/kernel/sync"
)

// kernelVMA is the virtual base address this kernel image is linked at. ELF
// section virtual addresses recovered from the multiboot tag stream have
// this offset subtracted to get their physical load address, the standard
// x86-64 higher-half kernel layout (the top 2GiB of the address space).
const kernelVMA = 0xffffffff80000000

// Vector assignments for the devices cmd/kernel wires up. IRQ lines 0-15 sit
// at [picBaseVector, picBaseVector+16) once pic.Init remaps them; the local
// APIC's spurious vector and periodic timer get two vectors of their own,
// clear of both ranges and of the CPU's 32 reserved exception vectors.
const (
	picBaseVector  = 0x20
	spuriousVector = 0xf0
	timerVector    = 0xf1
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// bootStackBottom and bootStackTop bound the small bootstrap stack rt0
// allocates before handing off to main; assembled alongside this kernel's
// other IDT/GDT/trampoline code, not part of this Go source tree.
func bootStackBottom() uintptr
func bootStackTop() uintptr

// Kmain is the kernel's real entry point, called once by main (via rt0)
// with interrupts disabled and a single CPU running. It brings up physical
// and virtual memory, the Go runtime's allocator, the device/driver
// registry, the scheduler, interrupt dispatch and (if the firmware
// describes more than one logical CPU) the rest of the system's
// processors, then falls into task 0's idle loop by returning into
// sched.IdleLoop. Kmain is not expected to return; if it does, that is
// itself a fatal error.
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)
	bootinfo.SetBootInfo(multiboot.ToBootInfo(kernelStart, kernelEnd))

	if err := allocator.Init(bootinfo.Current()); err != nil {
		kfmt.Panic(err)
	}

	vmm.SetFrameAllocator(allocator.AllocFrame)
	if err := vmm.Init(kernelVMA); err != nil {
		kfmt.Panic(err)
	}

	if err := vmm.EstablishDirectMap(bootinfo.HighestFrame(), vmm.KernelDataRW.Flags(vmm.WriteBack)); err != nil {
		kfmt.Panic(err)
	}

	if err := goruntime.Init(); err != nil {
		kfmt.Panic(err)
	}

	hal.DetectHardware()
	cfg := bootcfg.Parse()

	acpiDrv := activeACPIDriver()
	if acpiDrv == nil {
		kfmt.Panic(&kernel.Error{Module: "kmain", Message: "no ACPI tables found"})
	}

	madt := acpiDrv.MADT()
	if madt == nil {
		kfmt.Panic(&kernel.Error{Module: "kmain", Message: "ACPI did not provide a MADT"})
	}

	if err := apic.Init(uintptr(madt.LocalControllerAddress), spuriousVector); err != nil {
		kfmt.Panic(err)
	}
	irq.HandleVector(spuriousVector, func(*irq.Frame, *irq.Regs) {})

	initClock(acpiDrv, cfg)

	picOps := &irq.ControllerOps{
		Init:        pic.Init,
		IsSpurious:  pic.IsSpurious,
		Acknowledge: pic.Acknowledge,
		Enable:      pic.Enable,
		Disable:     pic.Disable,
	}
	irq.SetController(picOps, picBaseVector)
	irq.SetScheduler(sched.Schedule, sched.ShouldSwitch)
	irq.Init()
	irq.HandleException(irq.DeviceNotAvailable, func(*irq.Frame, *irq.Regs) {
		sched.HandleDeviceNotAvailable()
	})

	if err := sched.Init(bootStackBottom(), bootStackTop(), vmm.KernelPageTable(), armTimer); err != nil {
		kfmt.Panic(err)
	}

	smp.SetFrameAllocatorUnder(allocator.AllocFrameUnder)
	bringUpAPs(acpiDrv, cfg)

	sched.IdleLoop()

	kfmt.Panic(errKmainReturned)
}

// activeACPIDriver finds the ACPI driver instance hal.DetectHardware
// probed, or nil if the firmware did not expose ACPI tables.
func activeACPIDriver() *acpi.Driver {
	for _, drv := range hal.ActiveDrivers() {
		if acpiDrv, ok := drv.(*acpi.Driver); ok {
			return acpiDrv
		}
	}
	return nil
}

// initClock configures the monotonic clock from the FADT's PM timer block.
// cfg.Clock's PIT override is acknowledged but not honored: this kernel
// never implements a legacy PIT clock source, only the ACPI PM timer, so a
// "clockSource=pit" boot argument falls back to the PM timer with a logged
// warning rather than silently ignoring the request.
func initClock(acpiDrv *acpi.Driver, cfg bootcfg.Config) {
	fadt := acpiDrv.FADT()
	if fadt == nil {
		kfmt.Panic(&kernel.Error{Module: "kmain", Message: "ACPI did not provide a FADT"})
	}

	if cfg.Clock == bootcfg.ClockSourceForcePIT {
		kfmt.Printf("[kmain] clockSource=pit requested but no PIT clock is implemented; using the ACPI PM timer\n")
	}

	port := uint16(fadt.PMTimerBlock)
	if port == 0 {
		port = uint16(fadt.Ext.PMTimerBlock.Address)
	}
	clock.Init(port, fadt.Flags&clock.FADTTimerValExt != 0)
	sched.SetClock(clock.NowNs)
}

// armTimer is sched.Init's periodic-preemption callback: it registers the
// local APIC timer vector, wrapping cb in the same lock/acknowledge
// discipline irq.HandleIRQ applies to ordinary hardware interrupts, then
// arms the timer via clock.ArmPeriodic.
func armTimer(hz uint32, cb func()) {
	irq.HandleVector(timerVector, func(*irq.Frame, *irq.Regs) {
		sync.BKL.Lock()
		defer sync.BKL.Unlock()

		cb()
		apic.EOI()

		if sched.ShouldSwitch() {
			sched.Schedule()
		}
	})
	clock.ArmPeriodic(timerVector, hz)
}

// bringUpAPs enumerates the MADT's local APIC entries into smp.CPUDescriptor
// values, applies cfg.MaxCPUs as a cap on how many application processors
// are actually started, and starts them.
func bringUpAPs(acpiDrv *acpi.Driver, cfg bootcfg.Config) {
	var cpus []smp.CPUDescriptor
	bsp := apic.ID()

	acpiDrv.VisitMADTEntries(func(entryType table.MADTEntryType, ptr unsafe.Pointer) bool {
		if entryType != table.MADTEntryTypeLocalAPIC {
			return true
		}

		entry := (*table.MADTEntryLocalAPIC)(ptr)
		cpus = append(cpus, smp.CPUDescriptor{
			APICID:    entry.APICID,
			Enabled:   entry.Flags&1 != 0,
			Bootstrap: entry.APICID == bsp,
		})
		return true
	})

	cpus = capEnabledAPs(cpus, cfg.MaxCPUs)
	if len(cpus) == 0 {
		return
	}

	if err := smp.Start(cpus); err != nil {
		kfmt.Printf("[kmain] SMP bring-up failed: %s\n", err.Message)
	}
}

// capEnabledAPs limits the number of enabled, non-bootstrap entries in cpus
// to max, leaving the bootstrap entry and every disabled entry untouched. A
// max of zero means no cap.
func capEnabledAPs(cpus []smp.CPUDescriptor, max int) []smp.CPUDescriptor {
	if max <= 0 {
		return cpus
	}

	out := make([]smp.CPUDescriptor, 0, len(cpus))
	started := 0
	for _, c := range cpus {
		if c.Enabled && !c.Bootstrap {
			if started >= max {
				continue
			}
			started++
		}
		out = append(out, c)
	}
	return out
}
