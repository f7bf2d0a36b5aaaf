package vmm

import "rainbow/kernel/cpu"

var (
	// supportedFlagsMask is intersected with every mapping's flags at the
	// last paging level the same way original boot code's vmm_map_page
	// masks its caller-supplied flags against a remembered supportedFlags
	// word before installing an entry. It starts with FlagNoExecute masked
	// out, matching a CPU that has not been probed yet; probeNX folds the
	// bit back in once EFER.NXE is confirmed enabled.
	supportedFlagsMask = ^PageTableEntryFlag(0) &^ FlagNoExecute

	// supportsNXFn, readMSRFn and writeMSRFn are mocked by tests and are
	// automatically inlined by the compiler, the same seam idiom
	// flushTLBEntryFn uses to keep this package's tests off real hardware.
	supportsNXFn = cpu.SupportsNX
	readMSRFn    = cpu.ReadMSR
	writeMSRFn   = cpu.WriteMSR
)

// probeNX checks CPUID for no-execute page support and, when present, sets
// IA32_EFER.NXE and widens supportedFlagsMask to let FlagNoExecute through
// to Map. Must run once during Init, before any caller requests a mapping
// with FlagNoExecute set.
func probeNX() {
	if !supportsNXFn() {
		return
	}

	efer := readMSRFn(cpu.MSREFER)
	writeMSRFn(cpu.MSREFER, efer|cpu.EFERNXE)
	supportedFlagsMask |= FlagNoExecute
}
