// Package bootcfg turns the loader's boot command line into a typed
// Config, parsed once during early boot and consulted by SMP bring-up and
// the clock setup. The console fields are parsed here but not read by the
// console code: hal.onConsoleInit looks up consoleLogo and consoleFont on
// the command line itself. It builds on kernel/hal/multiboot's
// GetBootCmdLine, which already tokenizes the command line into
// space-separated key=value pairs; this package only adds the typed
// lookups on top (int/bool/enum) that hal.onConsoleInit otherwise does
// inline for its own two keys.
package bootcfg

import (
	"strconv"

	"rainbow/kernel/hal/multiboot"
)

// ClockSource selects which hardware timer component clock.Init drives the
// monotonic clock from.
type ClockSource int

const (
	// ClockSourceACPIPM is the default: the ACPI Power Management Timer.
	ClockSourceACPIPM ClockSource = iota

	// ClockSourceForcePIT records a "clockSource=pit" request for the
	// legacy 8253/8254 PIT. No PIT clock source is implemented: cmd/kernel
	// logs a warning and keeps the ACPI PM timer.
	ClockSourceForcePIT
)

// Config is the parsed, typed form of the boot command line.
type Config struct {
	// MaxCPUs caps the number of application processors smp.Start brings
	// up, regardless of how many the MADT describes. Zero means no cap:
	// bring up every enabled, non-bootstrap entry.
	MaxCPUs int

	// Clock selects the timer backing the monotonic clock.
	Clock ClockSource

	// ConsoleLogo mirrors hal.onConsoleInit's "consoleLogo=off" check.
	ConsoleLogo bool

	// ConsoleFont mirrors hal.onConsoleInit's "consoleFont=<name>" check;
	// empty means no override was requested.
	ConsoleFont string
}

// Default returns the configuration used when the boot command line names
// none of the keys this package recognizes.
func Default() Config {
	return Config{
		MaxCPUs:     0,
		Clock:       ClockSourceACPIPM,
		ConsoleLogo: true,
		ConsoleFont: "",
	}
}

// cmdLineFn indirects Parse's source of boot command-line key=value pairs
// so tests can supply a fixed map instead of reading the real loader tag.
var cmdLineFn = multiboot.GetBootCmdLine

// Parse reads the boot command line via cmdLineFn and returns the resulting
// Config, falling back to Default's value for any key that is absent or
// fails to parse.
func Parse() Config {
	cfg := Default()

	for k, v := range cmdLineFn() {
		switch k {
		case "smpMaxCPUs":
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				cfg.MaxCPUs = n
			}
		case "clockSource":
			if v == "pit" {
				cfg.Clock = ClockSourceForcePIT
			}
		case "consoleLogo":
			cfg.ConsoleLogo = v != "off"
		case "consoleFont":
			cfg.ConsoleFont = v
		}
	}

	return cfg
}
