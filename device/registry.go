package device

// DetectOrder controls the relative order in which registered drivers are
// probed. Lower values run first.
type DetectOrder int

const (
	// DetectOrderEarly is used by drivers that must run before everything
	// else (e.g. the serial console, needed to report errors from every
	// later probe).
	DetectOrderEarly DetectOrder = iota

	// DetectOrderBeforeACPI is used by drivers that ACPI enumeration
	// itself depends on.
	DetectOrderBeforeACPI

	// DetectOrderACPI is used by the ACPI driver.
	DetectOrderACPI

	// DetectOrderLast is used by drivers that should only run once
	// everything else has been detected.
	DetectOrderLast
)

// DriverInfo describes a registered driver probe.
type DriverInfo struct {
	// Order controls when Probe is invoked relative to other registered
	// drivers.
	Order DetectOrder

	// Probe attempts to detect the corresponding hardware and, if found,
	// returns a Driver instance ready to be initialized. It returns nil
	// if the hardware is not present.
	Probe func() Driver
}

// DriverInfoList implements sort.Interface, ordering entries by Order.
type DriverInfoList []*DriverInfo

func (l DriverInfoList) Len() int           { return len(l) }
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }
func (l DriverInfoList) Swap(i, j int)      { l[i], l[j] = l[j], l[i] }

var registeredDrivers DriverInfoList

// RegisterDriver adds info to the set of drivers that DetectHardware will
// probe. It is typically called from an init() function in the driver's
// package.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns the currently registered driver probes.
func DriverList() DriverInfoList {
	return registeredDrivers
}
