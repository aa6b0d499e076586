package allocator

import (
	"bytes"
	"encoding/binary"
	"runtime"
	"strings"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"github.com/mrf-git/alt-os/kernel/hal/multiboot"
	"github.com/mrf-git/alt-os/kernel/kfmt"
	"github.com/mrf-git/alt-os/kernel/mem"
)

// setMultibootInfo installs a boot information structure holding the
// supplied memory map and boot modules.
func setMultibootInfo(t *testing.T, regions []multiboot.MemoryMapEntry, modules [][2]uint32) {
	t.Helper()

	le := binary.LittleEndian
	buf := make([]byte, 8)
	tag := func(typ uint32, payload []byte) {
		var hdr [8]byte
		le.PutUint32(hdr[0:], typ)
		le.PutUint32(hdr[4:], uint32(8+len(payload)))
		buf = append(append(buf, hdr[:]...), payload...)
		for len(buf)%8 != 0 {
			buf = append(buf, 0)
		}
	}

	for _, mod := range modules {
		payload := make([]byte, 9)
		le.PutUint32(payload[0:], mod[0])
		le.PutUint32(payload[4:], mod[1])
		tag(3, payload)
	}

	mmap := make([]byte, 8+24*len(regions))
	le.PutUint32(mmap[0:], 24)
	for i, r := range regions {
		le.PutUint64(mmap[8+24*i:], r.PhysAddress)
		le.PutUint64(mmap[16+24*i:], r.Length)
		le.PutUint32(mmap[24+24*i:], uint32(r.Type))
	}
	tag(6, mmap)
	tag(0, nil)
	le.PutUint32(buf[0:], uint32(len(buf)))

	words := make([]uint64, len(buf)/8)
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(buf)), buf)
	multiboot.SetInfoPtr(uintptr(unsafe.Pointer(&words[0])))
	t.Cleanup(func() {
		multiboot.SetInfoPtr(0)
		runtime.KeepAlive(words)
	})
}

func TestAllocPages(t *testing.T) {
	var alloc PageAllocator

	if _, err := alloc.AllocPages(1, false); err != errOutOfMemory {
		t.Fatalf("expected errOutOfMemory from empty allocator; got %v", err)
	}

	for _, r := range []struct {
		addr  uintptr
		pages uint64
		flags RegionFlag
	}{
		{0x100000, 16, 0},
		{0x200000, 4, 0},
		{0x300000, 64, RegionPersistent},
		{0x400000, 2, RegionSpecial},
		{0x100000000, 8, 0},
	} {
		if err := alloc.AddRegion(r.addr, r.pages, r.flags); err != nil {
			t.Fatalf("unexpected AddRegion error: %v", err)
		}
	}

	specs := []struct {
		descr   string
		pages   uint64
		low     bool
		expAddr uintptr
		expErr  bool
	}{
		{"exact fit", 4, false, 0x200000, false},
		{"smallest leftover", 3, false, 0x100000000, false},
		{"low memory only", 5, true, 0x100000, false},
		{"continues after used pages", 2, true, 0x105000, false},
		{"skips persistent and special regions", 10, false, 0, true},
		{"zero pages", 0, false, 0, true},
		{"remaining high pages", 5, false, 0x100003000, false},
		{"remaining low pages", 9, false, 0x107000, false},
		{"exhausted", 1, false, 0, true},
	}

	for _, spec := range specs {
		addr, err := alloc.AllocPages(spec.pages, spec.low)
		if spec.expErr {
			if err == nil {
				t.Errorf("%s: expected an error; got address 0x%x", spec.descr, addr)
			}
			continue
		}

		if err != nil {
			t.Errorf("%s: unexpected error: %v", spec.descr, err)
			continue
		}
		if addr != spec.expAddr {
			t.Errorf("%s: expected address 0x%x; got 0x%x", spec.descr, spec.expAddr, addr)
		}
	}

	if free := alloc.FreePages(); free != 0 {
		t.Errorf("expected no free pages; got %d", free)
	}
}

func TestAddRegionErrors(t *testing.T) {
	var alloc PageAllocator

	if err := alloc.AddRegion(0x1001, 1, 0); err != errBadRegion {
		t.Errorf("expected errBadRegion; got %v", err)
	}

	if err := alloc.AddRegion(0x1000, 0, 0); err != nil || alloc.numRegions != 0 {
		t.Errorf("expected empty region to be ignored; got %v with %d regions", err, alloc.numRegions)
	}

	for i := 0; i < MaxRegions; i++ {
		if err := alloc.AddRegion(uintptr(i+1)*uintptr(mem.PageSize), 1, 0); err != nil {
			t.Fatalf("[region %d] unexpected error: %v", i, err)
		}
	}
	if err := alloc.AddRegion(0x1000000, 1, 0); err != errTooManyRegions {
		t.Errorf("expected errTooManyRegions; got %v", err)
	}
}

func TestFromMultiboot(t *testing.T) {
	setMultibootInfo(t,
		[]multiboot.MemoryMapEntry{
			{PhysAddress: 0, Length: 0x9fc00, Type: multiboot.MemAvailable},
			{PhysAddress: 0x9fc00, Length: 0x400, Type: multiboot.MemReserved},
			{PhysAddress: 0x100000, Length: 0x7ee0000, Type: multiboot.MemAvailable},
			{PhysAddress: 0x100000000, Length: 0x10000800, Type: multiboot.MemAvailable},
		},
		[][2]uint32{
			{0x400000, 0x400100},
			{0x401000, 0x402800},
		},
	)

	// the info structure lives in Go memory; it must not intersect the
	// memory map for the expected regions to hold
	infoStart, infoEnd := multiboot.InfoRange()
	for _, r := range [][2]uintptr{{0, 0x9fc00}, {0x100000, 0x7fe0000}, {0x100000000, 0x110000800}} {
		if infoStart < r[1] && infoEnd > r[0] {
			t.Skip("boot information buffer overlaps the test memory map")
		}
	}

	var alloc PageAllocator
	if err := alloc.FromMultiboot(0x100000, 0x180800); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	type span struct {
		Start uintptr
		Pages uint64
	}

	var got []span
	for i := 0; i < alloc.numRegions; i++ {
		got = append(got, span{alloc.regions[i].start.Address(), alloc.regions[i].pages})
	}

	exp := []span{
		// page 0 is skipped and the end is rounded down
		{0x1000, 0x9e},
		// kernel image [0x100000, 0x181000) and modules [0x400000, 0x403000)
		{0x181000, 0x27f},
		{0x403000, 0x7bdd},
		{0x100000000, 0x10000},
	}

	if diff := cmp.Diff(exp, got); diff != "" {
		t.Fatalf("unexpected regions (-want +got):\n%s", diff)
	}
}

func TestPrintMemoryMap(t *testing.T) {
	setMultibootInfo(t, []multiboot.MemoryMapEntry{
		{PhysAddress: 0x100000, Length: 0x100000, Type: multiboot.MemAvailable},
		{PhysAddress: 0x200000, Length: 0x1000, Type: multiboot.MemNvs},
	}, nil)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	var alloc PageAllocator
	_ = alloc.AddRegion(0x100000, 256, 0)
	alloc.PrintMemoryMap()

	for _, exp := range []string{
		"[page_alloc] system memory map:",
		"type: NVS",
		"available memory: 1024Kb",
		"region 0: 0x0000100000, pages: 256, used: 0",
	} {
		if !strings.Contains(buf.String(), exp) {
			t.Errorf("expected output to contain %q; got:\n%s", exp, buf.String())
		}
	}
}
