package kernel

import "unsafe"

// Memset sets size bytes at the given address to the supplied value. Instead
// of a byte loop it performs log2(size) copy calls, doubling the initialized
// prefix each time.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	target := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)

	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memcopy copies size bytes from src to dst. The regions may overlap.
func Memcopy(src, dst uintptr, size uintptr) {
	if size == 0 {
		return
	}

	copy(
		unsafe.Slice((*byte)(unsafe.Pointer(dst)), size),
		unsafe.Slice((*byte)(unsafe.Pointer(src)), size),
	)
}

// ReadUint32 returns the little-endian 32-bit value stored at addr.
func ReadUint32(addr uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(addr))
}

// WriteUint32 stores a 32-bit value at addr.
func WriteUint32(addr uintptr, value uint32) {
	*(*uint32)(unsafe.Pointer(addr)) = value
}

// ReadUint64 returns the 64-bit value stored at addr.
func ReadUint64(addr uintptr) uint64 {
	return *(*uint64)(unsafe.Pointer(addr))
}

// WriteUint64 stores a 64-bit value at addr.
func WriteUint64(addr uintptr, value uint64) {
	*(*uint64)(unsafe.Pointer(addr)) = value
}
