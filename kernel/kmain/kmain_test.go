package kmain

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"github.com/mrf-git/alt-os/kernel/boot"
	"github.com/mrf-git/alt-os/kernel/boot/conf"
	"github.com/mrf-git/alt-os/kernel/hal/multiboot"
	"github.com/mrf-git/alt-os/kernel/kfmt"
)

type fakeModule struct {
	cmdLine string
	data    []byte
}

// mockModules makes visitModulesFn enumerate mods.
func mockModules(t *testing.T, mods ...fakeModule) {
	t.Helper()
	t.Cleanup(func() {
		runtime.KeepAlive(mods)
		visitModulesFn = multiboot.VisitModules
	})

	visitModulesFn = func(visitor multiboot.ModuleVisitor) {
		for _, m := range mods {
			start := uintptr(unsafe.Pointer(unsafe.SliceData(m.data)))
			mod := multiboot.Module{Start: start, End: start + uintptr(len(m.data)), CmdLine: m.cmdLine}
			if !visitor(&mod) {
				return
			}
		}
	}
}

func TestLoadConfig(t *testing.T) {
	t.Run("no config module", func(t *testing.T) {
		mockModules(t, fakeModule{"common.so", []byte{0x7f}})

		cfg, err := loadConfig()
		if err != nil {
			t.Fatal(err)
		}
		def := conf.Default()
		if cfg.DebugPort != def.DebugPort || cfg.GraphicsOff != def.GraphicsOff || string(cfg.InitString()) != string(def.InitString()) {
			t.Fatal("expected default configuration")
		}
	})

	t.Run("config module", func(t *testing.T) {
		mockModules(t,
			fakeModule{"common.so", []byte{0x7f}},
			fakeModule{conf.FileName, []byte("DEBUGPORT=0x3f8\nISGRAPHICSOFF=YES\n")},
		)

		cfg, err := loadConfig()
		if err != nil {
			t.Fatal(err)
		}
		if cfg.DebugPort != 0x3f8 || !cfg.GraphicsOff {
			t.Fatalf("unexpected configuration: port 0x%x, graphics off %t", cfg.DebugPort, cfg.GraphicsOff)
		}
	})

	t.Run("bad config module", func(t *testing.T) {
		defer kfmt.SetOutputSink(nil)
		kfmt.SetOutputSink(discard{})
		mockModules(t, fakeModule{conf.FileName, []byte("DEBUGPORT=x")})

		if _, err := loadConfig(); err == nil || err.Module != "conf" {
			t.Fatalf("expected a conf error; got %v", err)
		}
	})
}

func TestCollectModules(t *testing.T) {
	mockModules(t,
		fakeModule{"common.so", []byte("common")},
		fakeModule{conf.FileName, []byte("DEBUGPORT=0")},
		fakeModule{"memory.so", []byte("memory")},
	)

	var mods [MaxModules]boot.Module
	count, err := collectModules(&mods)
	if err != nil {
		t.Fatal(err)
	}

	exp := []boot.Module{
		{Name: "common.so", Image: []byte("common")},
		{Name: "memory.so", Image: []byte("memory")},
	}
	if diff := cmp.Diff(exp, mods[:count]); diff != "" {
		t.Fatalf("unexpected modules (-want +got):\n%s", diff)
	}
}

func TestCollectTooManyModules(t *testing.T) {
	fakes := make([]fakeModule, MaxModules+1)
	for i := range fakes {
		fakes[i] = fakeModule{"m.so", []byte{byte(i)}}
	}
	mockModules(t, fakes...)

	var mods [MaxModules]boot.Module
	if _, err := collectModules(&mods); err != errTooManyModules {
		t.Fatalf("expected errTooManyModules; got %v", err)
	}
}

func TestKfmtWriter(t *testing.T) {
	defer kfmt.SetOutputSink(nil)

	var got capture
	kfmt.SetOutputSink(&got)
	got = got[:0]

	boot.DumpRegistry(kfmtWriter{}, &Registry)
	n, err := kfmtWriter{}.Write([]byte("registry\n"))
	if n != 9 || err != nil {
		t.Fatalf("unexpected write result: %d, %v", n, err)
	}

	if string(got) != "registry\n" {
		t.Fatalf("expected output to be forwarded; got %q", got)
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

type capture []byte

func (c *capture) Write(p []byte) (int, error) {
	*c = append(*c, p...)
	return len(p), nil
}
