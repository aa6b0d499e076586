package serial

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mrf-git/alt-os/kernel/cpu"
	"github.com/mrf-git/alt-os/kernel/kfmt"
)

type portWrite struct {
	Port uint16
	Val  uint8
}

func recordWrites() *[]portWrite {
	var writes []portWrite
	portWriteByteFn = func(port uint16, val uint8) {
		writes = append(writes, portWrite{port, val})
	}
	portReadByteFn = func(_ uint16) uint8 { return lineStatusTHRE }
	return &writes
}

func restorePorts() {
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn = cpu.PortReadByte
}

func TestPortWrite(t *testing.T) {
	defer restorePorts()
	writes := recordWrites()

	n, err := NewPort(0x3f8).Write([]byte("ok\n"))
	if err != nil || n != 3 {
		t.Fatalf("expected to write 3 bytes; got %d, %v", n, err)
	}

	exp := []portWrite{{0x3f8, 'o'}, {0x3f8, 'k'}, {0x3f8, '\n'}}
	if diff := cmp.Diff(exp, *writes); diff != "" {
		t.Fatalf("unexpected port writes (-want +got):\n%s", diff)
	}
}

func TestPortWriteWaitsForTransmitter(t *testing.T) {
	defer restorePorts()
	writes := recordWrites()

	var polls int
	portReadByteFn = func(port uint16) uint8 {
		if port != 0x3f8+regLineStatus {
			t.Errorf("unexpected read from port 0x%x", port)
		}
		if polls++; polls < 3 {
			return 0
		}
		return lineStatusTHRE
	}

	NewPort(0x3f8).Write([]byte{'x'})
	if polls != 3 || len(*writes) != 1 {
		t.Fatalf("expected 3 status polls before a single write; got %d polls, %d writes", polls, len(*writes))
	}
}

func TestPortWriteGivesUpOnMissingUART(t *testing.T) {
	defer restorePorts()
	writes := recordWrites()

	var polls int
	portReadByteFn = func(_ uint16) uint8 {
		polls++
		return 0
	}

	NewPort(0x3f8).Write([]byte{'x'})
	if polls != maxTxSpins || len(*writes) != 1 {
		t.Fatalf("expected %d polls before writing anyway; got %d polls, %d writes", maxTxSpins, polls, len(*writes))
	}
}

func TestPortInit(t *testing.T) {
	defer restorePorts()

	specs := []struct {
		baud         uint32
		divLo, divHi uint8
	}{
		{0, 1, 0},
		{115200, 1, 0},
		{9600, 12, 0},
		{50, 0x00, 0x09},
	}

	for specIndex, spec := range specs {
		writes := recordWrites()
		NewPort(0x2f8).Init(spec.baud)

		exp := []portWrite{
			{0x2f9, 0},
			{0x2fb, 0x80},
			{0x2f8, spec.divLo},
			{0x2f9, spec.divHi},
			{0x2fb, 0x03},
			{0x2fa, 0xc7},
			{0x2fc, 0x0b},
		}
		if diff := cmp.Diff(exp, *writes); diff != "" {
			t.Errorf("[spec %d] unexpected port writes (-want +got):\n%s", specIndex, diff)
		}
	}
}

func TestPortAsOutputSink(t *testing.T) {
	defer func() {
		restorePorts()
		kfmt.SetOutputSink(nil)
	}()
	writes := recordWrites()

	kfmt.SetOutputSink(NewPort(0x3f8))
	kfmt.Printf("[boot] %d\n", 42)

	var got []byte
	for _, w := range *writes {
		got = append(got, w.Val)
	}

	if exp := "[boot] 42\n"; string(got[len(got)-len(exp):]) != exp {
		t.Fatalf("expected serial output to end with %q; got %q", exp, got)
	}
}
