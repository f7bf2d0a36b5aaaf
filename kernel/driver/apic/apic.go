// Package apic drives each CPU's local Advanced Programmable Interrupt
// Controller: the per-CPU device used to send end-of-interrupt signals,
// mask/unmask the local timer, and send the INIT/STARTUP IPIs that bring up
// application processors during SMP bring-up.
package apic

import (
	"unsafe"

	"rainbow/kernel"
	"rainbow/kernel/mem"
	"rainbow/kernel/mem/pmm"
	"rainbow/kernel/mem/vmm"
)

func ptr(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr)
}

// Register offsets into the local APIC's 4 KiB MMIO page.
const (
	regID            = 0x020
	regVersion       = 0x030
	regEOI           = 0x0B0
	regSpuriousVec   = 0x0F0
	regICRLow        = 0x300
	regICRHigh       = 0x310
	regLVTTimer      = 0x320
	regLVTLINT0      = 0x350
	regLVTLINT1      = 0x360
	regTimerInitial  = 0x380
	regTimerCurrent  = 0x390
	regTimerDivisor  = 0x3E0
)

// deliveryInit and deliveryStartup are the ICR delivery mode encodings used
// to assemble the INIT and STARTUP IPIs sent during SMP bring-up.
const (
	icrLevelAssert    = 1 << 14
	icrTriggerLevel   = 1 << 15
	deliveryInit      = 0x500
	deliveryStartup   = 0x600
)

var base uintptr

// Init maps the local APIC's MMIO page at physAddr (the MADT's
// LocalControllerAddress) and enables it by setting the spurious interrupt
// vector with bit 8 (APIC software enable) set. spuriousVector should be a
// vector number the IDT maps to a handler that just returns (component J's
// dispatch treats it as a no-op).
func Init(physAddr uintptr, spuriousVector uint8) *kernel.Error {
	page, err := vmm.MapRegion(pmm.Frame(physAddr>>mem.PageShift), mem.PageSize, vmm.MMIO.Flags(vmm.Uncacheable))
	if err != nil {
		return err
	}
	base = page.Address()

	write(regSpuriousVec, uint32(spuriousVector)|0x100)
	return nil
}

func read(offset uintptr) uint32 {
	return *(*uint32)(ptr(base + offset))
}

func write(offset uintptr, value uint32) {
	*(*uint32)(ptr(base + offset)) = value
}

// ID returns the calling CPU's local APIC id.
func ID() uint8 {
	return uint8(read(regID) >> 24)
}

// EOI signals end-of-interrupt to the local APIC. Unlike the 8259A, a single
// write always suffices regardless of which vector fired.
func EOI() {
	write(regEOI, 0)
}

// ArmTimer configures the local APIC timer in periodic mode at the given
// initial count, firing vector on every expiry. divisor must be one of the
// APIC's supported values (1, 2, 4, ..., 128); callers pick it together with
// initialCount to hit a target frequency against the bus clock.
func ArmTimer(vector uint8, divisor, initialCount uint32) {
	const periodic = 1 << 17
	write(regTimerDivisor, timerDivisorEncoding(divisor))
	write(regLVTTimer, uint32(vector)|periodic)
	write(regTimerInitial, initialCount)
}

// timerDivisorEncoding converts a divisor value into the APIC's scrambled
// 4-bit encoding for the divide configuration register.
func timerDivisorEncoding(divisor uint32) uint32 {
	switch divisor {
	case 1:
		return 0xB
	case 2:
		return 0x0
	case 4:
		return 0x1
	case 8:
		return 0x2
	case 16:
		return 0x3
	case 32:
		return 0x8
	case 64:
		return 0x9
	case 128:
		return 0xA
	default:
		return 0x3 // 16, a safe default
	}
}

// SendInit sends the INIT IPI to the local APIC identified by apicID, the
// first step of the INIT-STARTUP-STARTUP bring-up sequence.
func SendInit(apicID uint8) {
	write(regICRHigh, uint32(apicID)<<24)
	write(regICRLow, deliveryInit|icrLevelAssert|icrTriggerLevel)
	waitPending()
}

// SendStartup sends a STARTUP IPI pointing the target CPU at the real-mode
// trampoline page (vector = the trampoline's page number, since the CPU
// starts execution at physical address vector<<12 in real mode).
func SendStartup(apicID uint8, trampolinePage uint8) {
	write(regICRHigh, uint32(apicID)<<24)
	write(regICRLow, deliveryStartup|uint32(trampolinePage))
	waitPending()
}

// CurrentCount reads the local APIC timer's current-count register, used by
// kernel/clock to calibrate the timer's initial count against the PM timer.
func CurrentCount() uint32 {
	return read(regTimerCurrent)
}

// waitPending busy-waits for the ICR's delivery-status bit to clear,
// indicating the IPI has been accepted by the APIC bus.
func waitPending() {
	const deliveryPending = 1 << 12
	for read(regICRLow)&deliveryPending != 0 {
	}
}
