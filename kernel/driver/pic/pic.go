// Package pic drives the legacy 8259A Programmable Interrupt Controller
// pair (master/slave), remapped above the CPU's exception vectors. It
// implements the interrupt controller contract kernel/irq expects (init,
// is-spurious, acknowledge, enable, disable), and is the controller
// cmd/kernel installs into kernel/irq; no I/O APIC controller exists.
package pic

import "rainbow/kernel/cpu"

const (
	masterCommand = 0x20
	masterData    = 0x21
	slaveCommand  = 0xA0
	slaveData     = 0xA1

	cmdInit = 0x11 // ICW1: edge-triggered, cascade mode, ICW4 present
	cmdEOI  = 0x20

	readISR = 0x0B
	readIRR = 0x0A
)

// base is the interrupt vector IRQ 0 was remapped to by Init.
var base uint8

// Init remaps the PIC pair so that IRQ 0-15 land on vectors
// [baseVector, baseVector+16) instead of their default 0x08-0x0F/0x70-0x77
// range (which collides with CPU exceptions), then masks every line except
// the master's IRQ 2 cascade input. Lines are unmasked individually via
// Enable.
func Init(baseVector uint8) {
	base = baseVector

	cpu.PortWriteByte(masterCommand, cmdInit)
	cpu.PortWriteByte(slaveCommand, cmdInit)

	cpu.PortWriteByte(masterData, baseVector)
	cpu.PortWriteByte(slaveData, baseVector+8)

	cpu.PortWriteByte(masterData, 1<<2) // slave cascaded on IRQ 2
	cpu.PortWriteByte(slaveData, 2)

	cpu.PortWriteByte(masterData, 1) // 8086 mode
	cpu.PortWriteByte(slaveData, 1)

	cpu.PortWriteByte(masterData, 0xfb) // all masked except cascade line
	cpu.PortWriteByte(slaveData, 0xff)
}

// IsSpurious reports whether irq (a 0-15 PIC line) is a spurious interrupt:
// IRQ 7 or 15 raised by the PIC without a corresponding bit set in the
// in-service register. Only those two lines can ever be spurious on the
// 8259A.
func IsSpurious(irq uint8) bool {
	if irq != 7 && irq != 15 {
		return false
	}

	mask := uint16(1) << irq
	if irq < 8 {
		cpu.PortWriteByte(masterCommand, readISR)
		inService := uint16(cpu.PortReadByte(masterCommand))
		cpu.PortWriteByte(masterCommand, readIRR)
		return inService&mask == 0
	}

	cpu.PortWriteByte(slaveCommand, readISR)
	inService := uint16(cpu.PortReadByte(slaveCommand))
	cpu.PortWriteByte(slaveCommand, readIRR)
	if inService&(mask>>8) == 0 {
		// The master never saw this as spurious; it still needs its EOI.
		cpu.PortWriteByte(masterCommand, cmdEOI)
		return true
	}
	return false
}

// Acknowledge sends an end-of-interrupt for irq, re-arming the line (and its
// cascade, for slave lines) for the next interrupt.
func Acknowledge(irq uint8) {
	if irq >= 8 {
		cpu.PortWriteByte(slaveCommand, cmdEOI)
	}
	cpu.PortWriteByte(masterCommand, cmdEOI)
}

// Enable unmasks irq.
func Enable(irq uint8) {
	if irq < 8 {
		mask := cpu.PortReadByte(masterData)
		cpu.PortWriteByte(masterData, mask&^(1<<irq))
		return
	}
	mask := cpu.PortReadByte(slaveData)
	cpu.PortWriteByte(slaveData, mask&^(1<<(irq-8)))
}

// Disable masks irq.
func Disable(irq uint8) {
	if irq < 8 {
		mask := cpu.PortReadByte(masterData)
		cpu.PortWriteByte(masterData, mask|(1<<irq))
		return
	}
	mask := cpu.PortReadByte(slaveData)
	cpu.PortWriteByte(slaveData, mask|(1<<(irq-8)))
}
