package conf

import (
	"bytes"
	"testing"

	"github.com/mrf-git/alt-os/kernel"
	"github.com/mrf-git/alt-os/kernel/kfmt"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.GraphicsOff {
		t.Error("expected graphics to be enabled by default")
	}
	if cfg.DebugPort != 0 {
		t.Errorf("expected default debug port to be 0; got %d", cfg.DebugPort)
	}
	if got := string(cfg.InitString()); got != defaultInitString {
		t.Errorf("expected default init string %q; got %q", defaultInitString, got)
	}
}

func TestParse(t *testing.T) {
	specs := []struct {
		descr       string
		input       string
		graphicsOff bool
		debugPort   uint32
		initString  string
	}{
		{"empty file", "", false, 0, defaultInitString},
		{"graphics off", "ISGRAPHICSOFF=TRUE\n", true, 0, defaultInitString},
		{"lower-case names and values", "isgraphicsoff=yes", true, 0, defaultInitString},
		{"boolean zero", "IsGraphicsOff=0", false, 0, defaultInitString},
		{"decimal port", "DEBUGPORT=1016", false, 1016, defaultInitString},
		{"hex port", "DEBUGPORT=0x3F8", false, 0x3f8, defaultInitString},
		{"max port value", "DEBUGPORT=0XFFFFFFFF", false, 0xffffffff, defaultInitString},
		{"semicolon separators", "DEBUGPORT=0x2f8;ISGRAPHICSOFF=NO;", false, 0x2f8, defaultInitString},
		{"CRLF line endings", "DEBUGPORT=0x3f8\r\nISGRAPHICSOFF=1\r\n", true, 0x3f8, defaultInitString},
		{"statement without value is skipped", "DEBUGPORT=\nISGRAPHICSOFF\n", false, 0, defaultInitString},
		{"later statements win", "DEBUGPORT=1;DEBUGPORT=2", false, 2, defaultInitString},
		{"parsing stops at NUL", "DEBUGPORT=1\x00bogus!", false, 1, defaultInitString},
		{"init string keeps case", "OSINITSTRING=Hello World", false, 0, "Hello World"},
		{"init string escapes", `OSINITSTRING=\r\NBoot\n`, false, 0, "\r\nBoot\n"},
		{"unknown escape keeps backslash", `OSINITSTRING=a\b`, false, 0, `a\b`},
		{"trailing backslash", `OSINITSTRING=ab\`, false, 0, `ab\`},
	}

	for specIndex, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			cfg, err := Parse([]byte(spec.input))
			if err != nil {
				t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
			}

			if cfg.GraphicsOff != spec.graphicsOff {
				t.Errorf("[spec %d] expected GraphicsOff to be %t", specIndex, spec.graphicsOff)
			}
			if cfg.DebugPort != spec.debugPort {
				t.Errorf("[spec %d] expected DebugPort to be 0x%x; got 0x%x", specIndex, spec.debugPort, cfg.DebugPort)
			}
			if got := string(cfg.InitString()); got != spec.initString {
				t.Errorf("[spec %d] expected init string %q; got %q", specIndex, spec.initString, got)
			}
		})
	}
}

func TestParseDoesNotModifyInput(t *testing.T) {
	input := []byte("debugport=0x3f8;osinitstring=hi")
	orig := append([]byte(nil), input...)

	if _, err := Parse(input); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(input, orig) {
		t.Fatalf("expected input to be left intact; got %q", input)
	}
}

func TestParseErrors(t *testing.T) {
	defer kfmt.SetOutputSink(nil)

	specs := []struct {
		descr  string
		input  string
		expErr *kernel.Error
	}{
		{"invalid character", "DEBUGPORT=0x3f8!", errBadChar},
		{"dot in name", "DEBUG.PORT=1", errBadChar},
		{"tab", "DEBUGPORT=\t1", errBadChar},
		{"empty name", "=1", errBadStatement},
		{"double assignment", "DEBUGPORT=1=2", errBadStatement},
		{"unknown option", "VERBOSE=1", errUnknownOption},
		{"padded name", "DEBUGPORT =1", errUnknownOption},
		{"bad boolean", "ISGRAPHICSOFF=MAYBE", errBadValue},
		{"negative port", "DEBUGPORT=-1", errBadValue},
		{"port overflow", "DEBUGPORT=0x100000000", errBadValue},
		{"decimal overflow", "DEBUGPORT=4294967296", errBadValue},
		{"hex digits without prefix", "DEBUGPORT=3F8", errBadValue},
		{"bare hex prefix", "DEBUGPORT=0x", errBadValue},
		{"init string too long", "OSINITSTRING=" + string(bytes.Repeat([]byte{'a'}, MaxValueLen+1)), errBadValue},
		{"escape overflows init string", "OSINITSTRING=" + string(bytes.Repeat([]byte{'a'}, MaxValueLen-1)) + `\x`, errBadValue},
	}

	for specIndex, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			var buf bytes.Buffer
			kfmt.SetOutputSink(&buf)

			if _, err := Parse([]byte(spec.input)); err != spec.expErr {
				t.Fatalf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
			}

			if !bytes.Contains(buf.Bytes(), []byte("[conf]")) {
				t.Errorf("[spec %d] expected error details to be logged; got %q", specIndex, buf.String())
			}
		})
	}
}

func TestInitStringMaxLength(t *testing.T) {
	value := bytes.Repeat([]byte{'x'}, MaxValueLen)
	cfg, err := Parse(append([]byte("OSINITSTRING="), value...))
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(cfg.InitString(), value) {
		t.Fatalf("expected init string of length %d; got %d", MaxValueLen, len(cfg.InitString()))
	}
}
