// Package serial provides the debug serial port used as the kfmt output
// sink.
package serial

import "github.com/mrf-git/alt-os/kernel/cpu"

// These are mocked by tests and are automatically inlined by the compiler.
var (
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte
)

// 16550 register offsets.
const (
	regData        = 0
	regIntEnable   = 1
	regFIFOControl = 2
	regLineControl = 3
	regModemCtrl   = 4
	regLineStatus  = 5

	// lineStatusTHRE is set while the transmit holding register is empty.
	lineStatusTHRE = 0x20

	// maxTxSpins bounds the wait for the transmitter so that a missing
	// UART cannot hang the boot.
	maxTxSpins = 1 << 16

	lineControlDLAB = 0x80
	lineControl8N1  = 0x03

	// fifoEnable enables and clears both FIFOs with a 14-byte threshold.
	fifoEnable = 0xc7

	// modemDTRRTSOut2 asserts DTR, RTS and OUT2.
	modemDTRRTSOut2 = 0x0b

	baseClock = 115200
)

// Port writes bytes to a serial port with one OUT instruction per byte.
// Before each byte it waits for the transmitter to drain.
type Port struct {
	addr uint16
}

// NewPort returns a writer for the serial port at I/O address addr.
func NewPort(addr uint16) Port {
	return Port{addr: addr}
}

// Init programs the UART at the port address for 8N1 transmission at
// the requested baud rate with interrupts disabled and FIFOs enabled. A zero
// baud rate selects the base clock rate.
func (p Port) Init(baud uint32) {
	divisor := uint32(1)
	if baud != 0 && baud < baseClock {
		divisor = baseClock / baud
	}

	portWriteByteFn(p.addr+regIntEnable, 0)
	portWriteByteFn(p.addr+regLineControl, lineControlDLAB)
	portWriteByteFn(p.addr+regData, uint8(divisor))
	portWriteByteFn(p.addr+regIntEnable, uint8(divisor>>8))
	portWriteByteFn(p.addr+regLineControl, lineControl8N1)
	portWriteByteFn(p.addr+regFIFOControl, fifoEnable)
	portWriteByteFn(p.addr+regModemCtrl, modemDTRRTSOut2)
}

// Write implements io.Writer.
func (p Port) Write(data []byte) (int, error) {
	for _, b := range data {
		for spin := 0; spin < maxTxSpins && portReadByteFn(p.addr+regLineStatus)&lineStatusTHRE == 0; spin++ {
		}
		portWriteByteFn(p.addr+regData, b)
	}
	return len(data), nil
}
