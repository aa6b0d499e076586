package kfmt

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestRingBuffer(t *testing.T) {
	diag := "[loader] relocation at 0x401003 does not reference counter\n"

	// loaderOutput returns n diagnostic lines numbered from 0.
	loaderOutput := func(n int) string {
		var sb strings.Builder
		for i := 0; i < n; i++ {
			sb.WriteString(diag[:9])
			sb.WriteString(strings.Repeat("x", i%10))
			sb.WriteString(diag[9:])
		}
		return sb.String()
	}

	long := loaderOutput(200)

	specs := []struct {
		descr      string
		start      int
		writes     []string
		exp        string
		expDropped uint64
	}{
		{
			"single diagnostic",
			0,
			[]string{diag},
			diag,
			0,
		},
		{
			"diagnostic split across the end of the buffer",
			ringBufferSize - 10,
			[]string{diag},
			diag,
			0,
		},
		{
			"exactly full",
			0,
			[]string{strings.Repeat("a", ringBufferSize-len(diag)), diag},
			strings.Repeat("a", ringBufferSize-len(diag)) + diag,
			0,
		},
		{
			"wrapped output keeps the newest bytes",
			0,
			[]string{long},
			long[len(long)-ringBufferSize:],
			uint64(len(long) - ringBufferSize),
		},
		{
			"many small writes",
			ringBufferSize / 2,
			strings.SplitAfter(long, "\n"),
			long[len(long)-ringBufferSize:],
			uint64(len(long) - ringBufferSize),
		},
	}

	for specIndex, spec := range specs {
		rb := ringBuffer{start: spec.start}
		for _, w := range spec.writes {
			if n, err := rb.Write([]byte(w)); err != nil || n != len(w) {
				t.Fatalf("[spec %d] expected to write %d bytes; wrote %d (err: %v)", specIndex, len(w), n, err)
			}
		}

		if rb.dropped != spec.expDropped {
			t.Errorf("[spec %d] expected %d dropped bytes; got %d", specIndex, spec.expDropped, rb.dropped)
		}

		var buf bytes.Buffer
		n, err := rb.WriteTo(&buf)
		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
		}
		if got := buf.String(); got != spec.exp {
			t.Errorf("[spec %d] expected to flush %d bytes ending in %q; got %d bytes ending in %q",
				specIndex, len(spec.exp), spec.exp[max(0, len(spec.exp)-len(diag)):], len(got), got[max(0, len(got)-len(diag)):])
		}
		if n != int64(len(spec.exp)) {
			t.Errorf("[spec %d] expected WriteTo to report %d bytes; got %d", specIndex, len(spec.exp), n)
		}

		buf.Reset()
		if n, _ := rb.WriteTo(&buf); n != 0 || buf.Len() != 0 {
			t.Errorf("[spec %d] expected buffer to be empty after flushing; got %q", specIndex, buf.String())
		}
	}
}

func TestRingBufferFlushError(t *testing.T) {
	expErr := errors.New("serial port gone")

	rb := ringBuffer{start: ringBufferSize - 4}
	rb.Write([]byte("[boot] loading app.so\n"))

	if _, err := rb.WriteTo(writerThatAlwaysErrors{expErr}); err != expErr {
		t.Fatalf("expected error %v; got %v", expErr, err)
	}
	if rb.count != 0 {
		t.Fatalf("expected buffer to be drained after a failed flush; %d bytes left", rb.count)
	}
}
