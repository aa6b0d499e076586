// Package cpu exposes the handful of privileged amd64 instructions that the
// boot path needs. The function bodies live in cpu_amd64.s.
package cpu

var (
	cpuidFn = ID
)

// DisableInterrupts disables interrupt handling. Module loading runs with
// interrupts disabled from start to finish.
func DisableInterrupts()

// Halt stops instruction execution. It never returns.
func Halt()

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and ECX=0 and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// MaxLeaf returns the highest basic CPUID leaf supported by the processor.
func MaxLeaf() uint32 {
	eax, _, _, _ := cpuidFn(0)
	return eax
}

// PortWriteByte writes a uint8 value to the requested port.
func PortWriteByte(port uint16, val uint8)

// PortReadByte reads a uint8 value from the requested port.
func PortReadByte(port uint16) uint8
