package device

import (
	"io"
	"rainbow/kernel"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. Diagnostic output is
	// written to w, which the HAL prefixes with the driver's name before
	// handing it over.
	DriverInit(w io.Writer) *kernel.Error
}
