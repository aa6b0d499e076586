package kernel

import (
	"testing"
	"unsafe"
)

func TestMemset(t *testing.T) {
	// memset with a 0 size should be a no-op
	Memset(uintptr(0), 0x00, 0)

	for _, size := range []int{1, 3, 4096, 4096*3 + 17} {
		buf := make([]byte, size+2)
		for i := 0; i < len(buf); i++ {
			buf[i] = 0xFE
		}

		Memset(uintptr(unsafe.Pointer(&buf[1])), 0x00, uintptr(size))

		for i := 1; i <= size; i++ {
			if got := buf[i]; got != 0x00 {
				t.Fatalf("[size %d] expected byte %d to be 0x00; got 0x%x", size, i, got)
			}
		}

		if buf[0] != 0xFE || buf[size+1] != 0xFE {
			t.Fatalf("[size %d] Memset wrote outside the requested range", size)
		}
	}
}

func TestMemcopy(t *testing.T) {
	// memcopy with a 0 size should be a no-op
	Memcopy(uintptr(0), uintptr(0), 0)

	src := make([]byte, 300)
	for i := range src {
		src[i] = byte(i)
	}
	dst := make([]byte, len(src))

	Memcopy(uintptr(unsafe.Pointer(&src[0])), uintptr(unsafe.Pointer(&dst[0])), uintptr(len(src)))
	for i := range src {
		if dst[i] != src[i] {
			t.Fatalf("expected dst[%d] to be %d; got %d", i, src[i], dst[i])
		}
	}
}

func TestReadWriteWords(t *testing.T) {
	buf := make([]byte, 16)
	addr := uintptr(unsafe.Pointer(&buf[0]))

	WriteUint32(addr, 0xdeadbeef)
	WriteUint64(addr+8, 0x0102030405060708)

	if exp, got := []byte{0xef, 0xbe, 0xad, 0xde}, buf[:4]; string(exp) != string(got) {
		t.Fatalf("expected little-endian encoding %x; got %x", exp, got)
	}

	if got := ReadUint32(addr); got != 0xdeadbeef {
		t.Fatalf("expected to read back 0xdeadbeef; got 0x%x", got)
	}

	if got := ReadUint64(addr + 8); got != 0x0102030405060708 {
		t.Fatalf("expected to read back 0x0102030405060708; got 0x%x", got)
	}
}
