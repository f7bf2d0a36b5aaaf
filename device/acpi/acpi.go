// Package acpi locates and parses the firmware ACPI tables. It only
// implements the fixed-layout tables the rest of the kernel needs to read
// directly -- the MADT (to enumerate logical CPUs and I/O APICs for SMP
// bring-up) and the FADT (to locate the ACPI PM timer used as the monotonic
// clock's tick source). Full AML bytecode evaluation is out of
// scope; the DSDT/SSDT are located and checksum-verified but never
// interpreted.
package acpi

import (
	"io"
	"unsafe"

	"rainbow/device"
	"rainbow/device/acpi/table"
	"rainbow/kernel"
	"rainbow/kernel/kfmt"
	"rainbow/kernel/mem/pmm"
	"rainbow/kernel/mem/vmm"
)

const (
	acpiRev1     uint8 = 0
	acpiRev2Plus uint8 = 2
)

var (
	errMissingRSDP           = &kernel.Error{Module: "acpi", Message: "could not locate ACPI RSDP"}
	errTableChecksumMismatch = &kernel.Error{Module: "acpi", Message: "detected checksum mismatch while parsing ACPI table header"}

	mapFn         = vmm.Map
	identityMapFn = vmm.IdentityMapRegion
	unmapFn       = vmm.Unmap

	// The RSDP must be located in the physical memory region 0xe0000 to 0xfffff.
	rsdpLocationLow uintptr = 0xe0000
	rsdpLocationHi  uintptr = 0xfffff
	rsdpAlignment   uintptr = 16

	rsdpSignature = [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '}
	fadtSignature = "FACP"
	madtSignature = "APIC"
)

// Driver locates, maps and parses the system's ACPI tables.
type Driver struct {
	// rsdtAddr holds the address to the root system descriptor table.
	rsdtAddr uintptr

	// useXSDT specifies if the driver must use the XSDT or the RSDT table.
	useXSDT bool

	// tableMap allows the driver to look up an ACPI table header by its
	// signature. Every table in this map has already been mapped into
	// memory.
	tableMap map[string]*table.SDTHeader
}

// DriverInit initializes this driver.
func (drv *Driver) DriverInit(w io.Writer) *kernel.Error {
	if err := drv.enumerateTables(w); err != nil {
		return err
	}

	drv.printTableInfo(w)

	return nil
}

// DriverName returns the name of this driver.
func (*Driver) DriverName() string {
	return "ACPI"
}

// DriverVersion returns the version of this driver.
func (*Driver) DriverVersion() (uint16, uint16, uint16) {
	return 0, 0, 1
}

// Table returns the mapped header for the ACPI table with the given
// signature (e.g. "APIC" for the MADT, "FACP" for the FADT), or nil if the
// firmware did not provide one.
func (drv *Driver) Table(signature string) *table.SDTHeader {
	return drv.tableMap[signature]
}

// MADT returns the parsed Multiple APIC Description Table, or nil if the
// firmware did not provide one. It is the only source of truth for SMP
// bring-up: every entry describes either a logical CPU (its APIC id) or an
// I/O APIC.
func (drv *Driver) MADT() *table.MADT {
	header := drv.tableMap[madtSignature]
	if header == nil {
		return nil
	}
	return (*table.MADT)(unsafe.Pointer(header))
}

// MADTEntryVisitor is invoked once per variable-length record that follows
// the MADT header. Returning false aborts the scan early.
type MADTEntryVisitor func(entryType table.MADTEntryType, entry unsafe.Pointer) bool

// VisitMADTEntries walks the variable-length records following the MADT
// header (local APIC, I/O APIC, interrupt source override, NMI) and invokes
// visitor for each one.
func (drv *Driver) VisitMADTEntries(visitor MADTEntryVisitor) {
	header := drv.tableMap[madtSignature]
	if header == nil {
		return
	}

	madt := (*table.MADT)(unsafe.Pointer(header))
	curPtr := uintptr(unsafe.Pointer(madt)) + unsafe.Sizeof(table.MADT{})
	endPtr := uintptr(unsafe.Pointer(header)) + uintptr(header.Length)

	for curPtr < endPtr {
		entryHeader := (*table.MADTEntry)(unsafe.Pointer(curPtr))
		if entryHeader.Length == 0 {
			return
		}

		if !visitor(entryHeader.Type, unsafe.Pointer(curPtr+unsafe.Sizeof(table.MADTEntry{}))) {
			return
		}

		curPtr += uintptr(entryHeader.Length)
	}
}

// FADT returns the parsed Fixed ACPI Description Table, or nil if the
// firmware did not provide one. The clock package reads the ACPI PM timer
// block address out of it.
func (drv *Driver) FADT() *table.FADT {
	header := drv.tableMap[fadtSignature]
	if header == nil {
		return nil
	}
	return (*table.FADT)(unsafe.Pointer(header))
}

func (drv *Driver) printTableInfo(w io.Writer) {
	for name, header := range drv.tableMap {
		kfmt.Fprintf(w, "%s at 0x%16x %6x (%6s %8s)\n",
			name,
			uintptr(unsafe.Pointer(header)),
			header.Length,
			string(header.OEMID[:]),
			string(header.OEMTableID[:]),
		)
	}
}

// enumerateTables detects and maps all ACPI tables that are present. Besides
// the table list defined by the RSDP, this method will also peek into the
// FADT (if found) looking for the address of the DSDT.
func (drv *Driver) enumerateTables(w io.Writer) *kernel.Error {
	header, sizeofHeader, err := mapACPITable(drv.rsdtAddr)
	if err != nil {
		return err
	}

	drv.tableMap = make(map[string]*table.SDTHeader)

	var (
		acpiRev      = header.Revision
		payloadLen   = header.Length - uint32(sizeofHeader)
		sdtAddresses []uintptr
	)

	// RSDT uses 4-byte pointers whereas the XSDT uses 8-byte pointers.
	switch drv.useXSDT {
	case true:
		sdtAddresses = make([]uintptr, payloadLen>>3)
		for curPtr, i := drv.rsdtAddr+sizeofHeader, 0; i < len(sdtAddresses); curPtr, i = curPtr+8, i+1 {
			sdtAddresses[i] = uintptr(*(*uint64)(unsafe.Pointer(curPtr)))
		}
	default:
		sdtAddresses = make([]uintptr, payloadLen>>2)
		for curPtr, i := drv.rsdtAddr+sizeofHeader, 0; i < len(sdtAddresses); curPtr, i = curPtr+4, i+1 {
			sdtAddresses[i] = uintptr(*(*uint32)(unsafe.Pointer(curPtr)))
		}
	}

	for _, addr := range sdtAddresses {
		if header, _, err = mapACPITable(addr); err != nil {
			switch err {
			case errTableChecksumMismatch:
				kfmt.Fprintf(w, "%s at 0x%16x %6x [checksum mismatch; skipping]\n",
					string(header.Signature[:]),
					uintptr(unsafe.Pointer(header)),
					header.Length,
				)
				continue
			default:
				return err
			}
		}

		signature := string(header.Signature[:])
		drv.tableMap[signature] = header

		// The FADT allows us to lookup the DSDT table address.
		if signature == fadtSignature {
			fadt := (*table.FADT)(unsafe.Pointer(header))

			dsdtAddr := uintptr(fadt.Dsdt)
			if acpiRev >= acpiRev2Plus {
				dsdtAddr = uintptr(fadt.Ext.Dsdt)
			}

			if header, _, err = mapACPITable(dsdtAddr); err != nil {
				switch err {
				case errTableChecksumMismatch:
					kfmt.Fprintf(w, "%s at 0x%16x %6x [checksum mismatch; skipping]\n",
						string(header.Signature[:]),
						uintptr(unsafe.Pointer(header)),
						header.Length,
					)
					continue
				default:
					return err
				}
			}

			drv.tableMap[string(header.Signature[:])] = header
		}
	}

	return nil
}

// mapACPITable attempts to map and parse the header for the ACPI table
// starting at the given address. It then uses the length field of the
// header to expand the mapping to cover the table contents and verifies the
// checksum before returning a pointer to the table header.
func mapACPITable(tableAddr uintptr) (header *table.SDTHeader, sizeofHeader uintptr, err *kernel.Error) {
	var headerPage vmm.Page

	// Identity-map the table header so we can access its length field.
	sizeofHeader = unsafe.Sizeof(table.SDTHeader{})
	if headerPage, err = identityMapFn(pmm.FrameFromAddress(tableAddr), sizeofHeader, vmm.KernelDataRO.Flags(vmm.WriteBack)); err != nil {
		return nil, sizeofHeader, err
	}

	// Expand the mapping to cover the table contents.
	headerPageAddr := headerPage.Address() + vmm.PageOffset(tableAddr)
	header = (*table.SDTHeader)(unsafe.Pointer(headerPageAddr))
	if _, err = identityMapFn(pmm.FrameFromAddress(tableAddr), uintptr(header.Length), vmm.KernelDataRO.Flags(vmm.WriteBack)); err != nil {
		return nil, sizeofHeader, err
	}

	if !validTable(headerPageAddr, header.Length) {
		err = errTableChecksumMismatch
	}

	return header, sizeofHeader, err
}

// locateRSDT scans the memory region [rsdpLocationLow, rsdpLocationHi]
// looking for the signature of the root system descriptor pointer (RSDP).
// If the RSDP is found and is valid, locateRSDT returns the physical address
// of the root system descriptor table (RSDT), or the extended system
// descriptor table (XSDT) if the system supports ACPI 2.0+.
func locateRSDT() (uintptr, bool, *kernel.Error) {
	var (
		rsdp  *table.RSDPDescriptor
		rsdp2 *table.ExtRSDPDescriptor
	)

	defer func() {
		for curPage := vmm.PageFromAddress(rsdpLocationLow); curPage <= vmm.PageFromAddress(rsdpLocationHi); curPage++ {
			unmapFn(curPage)
		}
	}()

	// Set up a temporary identity mapping so we can scan for the header.
	for curPage := vmm.PageFromAddress(rsdpLocationLow); curPage <= vmm.PageFromAddress(rsdpLocationHi); curPage++ {
		if err := mapFn(curPage, pmm.Frame(curPage), vmm.KernelDataRO.Flags(vmm.WriteBack)); err != nil {
			return 0, false, err
		}
	}

	// The RSDP is aligned on a 16-byte boundary.
checkNextBlock:
	for curPtr := rsdpLocationLow; curPtr < rsdpLocationHi; curPtr += rsdpAlignment {
		rsdp = (*table.RSDPDescriptor)(unsafe.Pointer(curPtr))
		for i, b := range rsdpSignature {
			if rsdp.Signature[i] != b {
				continue checkNextBlock
			}
		}

		if rsdp.Revision == acpiRev1 {
			if !validTable(curPtr, uint32(unsafe.Sizeof(*rsdp))) {
				continue
			}

			return uintptr(rsdp.RSDTAddr), false, nil
		}

		// System uses ACPI revision > 1 and provides an extended RSDP
		// accessible at the same location.
		rsdp2 = (*table.ExtRSDPDescriptor)(unsafe.Pointer(curPtr))
		if !validTable(curPtr, uint32(unsafe.Sizeof(*rsdp2))) {
			continue
		}

		return uintptr(rsdp2.XSDTAddr), true, nil
	}

	return 0, false, errMissingRSDP
}

// validTable calculates the checksum for an ACPI table of length tableLength
// starting at tablePtr and returns true if the table is valid.
func validTable(tablePtr uintptr, tableLength uint32) bool {
	var (
		i   uint32
		sum uint8
	)

	for i = 0; i < tableLength; i++ {
		sum += *(*uint8)(unsafe.Pointer(tablePtr + uintptr(i)))
	}

	return sum == 0
}

func probeForACPI() device.Driver {
	if rsdtAddr, useXSDT, err := locateRSDT(); err == nil {
		return &Driver{
			rsdtAddr: rsdtAddr,
			useXSDT:  useXSDT,
		}
	}

	return nil
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderACPI,
		Probe: probeForACPI,
	})
}
