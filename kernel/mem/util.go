package mem

import "rainbow/kernel"

// Memset sets size bytes at addr to value. Thin wrapper around
// kernel.Memset that accepts a Size instead of a bare uintptr, so callers
// throughout kernel/mem/vmm can express lengths in the same unit as
// PageSize and friends.
func Memset(addr uintptr, value byte, size Size) {
	kernel.Memset(addr, value, uintptr(size))
}

// Memcopy copies size bytes from src to dst. Thin wrapper around
// kernel.Memcopy; see Memset.
func Memcopy(src, dst uintptr, size Size) {
	kernel.Memcopy(src, dst, uintptr(size))
}
