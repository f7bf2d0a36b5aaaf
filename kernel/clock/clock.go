// Package clock implements the kernel's monotonic time source. It reads the
// ACPI Power Management Timer, a fixed-frequency free-running counter
// unaffected by CPU power states, and accumulates its value into a 64-bit
// tick count that never wraps for the life of the system: same frequency,
// same 24-vs-32-bit mask handling, same "update on every read" accumulation
// needed to survive the hardware counter's short wraparound period.
package clock

import (
	"rainbow/kernel/cpu"
	"rainbow/kernel/driver/apic"
	"rainbow/kernel/sync"
)

// pmTimerFrequencyHz is the ACPI PM timer's fixed clock rate; unlike the PIT
// it is not configurable.
const pmTimerFrequencyHz = 3579545

// fadtTimerValExt is bit 8 of the FADT Flags field: when set, the PM timer
// counter is 32 bits wide; when clear, only the low 24 bits are implemented
// and bit 23 is where the counter wraps.
const fadtTimerValExt = 1 << 8

var (
	lock sync.Spinlock

	port     uint16
	counter32 bool

	lastCounter uint32
	ticks       uint64 // accumulated PM timer ticks since Init
)

// Init configures the clock to read the ACPI PM timer at ioPort, a 32-bit
// I/O port address taken from the FADT's PMTimerBlock (or Ext.PMTimerBlock
// for the 64-bit extended address, when it names an I/O-space register
// rather than MMIO). widthIs32Bit should be FADT.Flags&fadtTimerValExt != 0.
func Init(ioPort uint16, widthIs32Bit bool) {
	port = ioPort
	counter32 = widthIs32Bit
	lastCounter = readCounter()
	ticks = 0
}

// FADTTimerValExt re-exports the bit mask callers need to interpret
// FADT.Flags when deciding what to pass as Init's widthIs32Bit argument.
const FADTTimerValExt = fadtTimerValExt

func readCounter() uint32 {
	v := cpu.PortReadDWord(port)
	if !counter32 {
		v &= 0x00ffffff
	}
	return v
}

// update folds the hardware counter's progress since the last read into
// ticks, handling the single wraparound that can occur between two calls
// (the PM timer wraps roughly every 4.7s at 24 bits, or 1200s at 32 bits, so
// callers polling faster than that never lose more than one wrap).
func update() {
	current := readCounter()
	mask := uint32(0xffffffff)
	if !counter32 {
		mask = 0x00ffffff
	}

	delta := (current - lastCounter) & mask
	ticks += uint64(delta)
	lastCounter = current
}

// NowNs returns the number of nanoseconds elapsed since Init, on the
// monotonic PM timer clock. Safe to call from any CPU; a spinlock protects
// the shared accumulator against concurrent readers.
func NowNs() uint64 {
	lock.Acquire()
	update()
	t := ticks
	lock.Release()

	return ticksToNs(t)
}

// ticksToNs converts a PM timer tick count to nanoseconds using a
// split-multiply technique that avoids a 64-bit overflow from multiplying
// tick counts that run for hours by 1e9.
func ticksToNs(t uint64) uint64 {
	const nsPerSecApprox = 1000000280 // rounding fudge for the PM timer's 3.579545 MHz rate

	integer := t / pmTimerFrequencyHz
	remainder := t % pmTimerFrequencyHz

	ns := integer * nsPerSecApprox
	ns += (remainder * nsPerSecApprox) / pmTimerFrequencyHz
	return ns
}

// ArmPeriodic configures the calling CPU's local APIC timer to fire vector
// at approximately hz times per second. The APIC timer runs off an
// undocumented fraction of the bus clock rather than a fixed frequency, so
// this calibrates it against the PM timer: it measures how many APIC timer
// ticks elapse during a fixed PM-timer-measured interval, then derives the
// initial count that yields hz interrupts per second with the timer's
// divisor fixed at 16.
func ArmPeriodic(vector uint8, hz uint32) {
	const calibrationMs = 10
	const divisor = 16

	apic.ArmTimer(vector, divisor, 0xffffffff)
	start := NowNs()
	for NowNs()-start < calibrationMs*1000000 {
	}
	elapsedTicks := uint32(0xffffffff) - apicTimerCurrentCount()

	ticksPerSec := elapsedTicks * (1000 / calibrationMs)
	initialCount := ticksPerSec / hz
	if initialCount == 0 {
		initialCount = 1
	}

	apic.ArmTimer(vector, divisor, initialCount)
}

// apicTimerCurrentCount reads back the APIC timer's current-count register,
// used only by ArmPeriodic's calibration loop.
func apicTimerCurrentCount() uint32 {
	return apic.CurrentCount()
}
