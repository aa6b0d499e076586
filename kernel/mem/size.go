// Package mem defines the memory units shared by the boot allocators.
package mem

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Pages returns the number of pages needed to hold a block of this size.
func (s Size) Pages() uint64 {
	return uint64((s + PageSize - 1) >> PageShift)
}

// Align rounds value up to the next multiple of align. An align of 0 or 1
// leaves value unchanged; any other align must be a power of 2.
func Align(value, align uint64) uint64 {
	if align <= 1 {
		return value
	}
	return value + ((align - value) & (align - 1))
}

// IsPowerOfTwo reports whether v is a non-zero power of 2.
func IsPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}
