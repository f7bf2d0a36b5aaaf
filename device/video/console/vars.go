package console

import (
	"rainbow/kernel/cpu"
	"rainbow/kernel/hal/multiboot"
	"rainbow/kernel/mem/vmm"
)

var (
	getFramebufferInfoFn = multiboot.GetFramebufferInfo
	mapRegionFn          = vmm.MapRegion
	portWriteByteFn      = cpu.PortWriteByte
)
