package pmm

import "testing"

func TestFrameAddressRoundTrip(t *testing.T) {
	specs := []struct {
		addr     uintptr
		expFrame Frame
		expBase  uintptr
	}{
		{0, 0, 0},
		{4095, 0, 0},
		{4096, 1, 4096},
		{4123, 1, 4096},
		{0x100000000, 0x100000, 0x100000000},
		{0xffffffffffff, 0xfffffffff, 0xfffffffff000},
	}

	for specIndex, spec := range specs {
		frame := FrameFromAddress(spec.addr)
		if frame != spec.expFrame {
			t.Errorf("[spec %d] expected frame 0x%x; got 0x%x", specIndex, spec.expFrame, frame)
		}
		if got := frame.Address(); got != spec.expBase {
			t.Errorf("[spec %d] expected frame address 0x%x; got 0x%x", specIndex, spec.expBase, got)
		}
	}
}
