package mem

import "testing"

func TestSizePages(t *testing.T) {
	specs := []struct {
		size Size
		exp  uint64
	}{
		{0, 0},
		{1, 1},
		{PageSize, 1},
		{PageSize + 1, 2},
		{2 * Mb, 512},
	}

	for specIndex, spec := range specs {
		if got := spec.size.Pages(); got != spec.exp {
			t.Errorf("[spec %d] expected %d pages; got %d", specIndex, spec.exp, got)
		}
	}
}

func TestAlign(t *testing.T) {
	specs := []struct {
		value, align, exp uint64
	}{
		{0, 0, 0},
		{13, 0, 13},
		{13, 1, 13},
		{13, 8, 16},
		{16, 8, 16},
		{0x1001, 0x1000, 0x2000},
		{0, 16, 0},
	}

	for specIndex, spec := range specs {
		if got := Align(spec.value, spec.align); got != spec.exp {
			t.Errorf("[spec %d] expected Align(%d, %d) to return %d; got %d", specIndex, spec.value, spec.align, spec.exp, got)
		}
	}

	for _, v := range []uint64{1, 2, 64, 1 << 40} {
		if !IsPowerOfTwo(v) {
			t.Errorf("expected %d to be a power of 2", v)
		}
	}
	for _, v := range []uint64{0, 3, 24} {
		if IsPowerOfTwo(v) {
			t.Errorf("expected %d not to be a power of 2", v)
		}
	}
}
