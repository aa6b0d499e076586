// Package kmain contains the entry point that the rt0 code jumps to once the
// CPU is in long mode.
package kmain

import (
	"github.com/mrf-git/alt-os/device/serial"
	"github.com/mrf-git/alt-os/device/video/fb"
	"github.com/mrf-git/alt-os/kernel"
	"github.com/mrf-git/alt-os/kernel/boot"
	"github.com/mrf-git/alt-os/kernel/boot/conf"
	"github.com/mrf-git/alt-os/kernel/cpu"
	"github.com/mrf-git/alt-os/kernel/hal/multiboot"
	"github.com/mrf-git/alt-os/kernel/kfmt"
	"github.com/mrf-git/alt-os/kernel/link/symtab"
	"github.com/mrf-git/alt-os/kernel/mem"
	"github.com/mrf-git/alt-os/kernel/mem/arena"
	"github.com/mrf-git/alt-os/kernel/mem/pmm/allocator"
)

const (
	// MaxModules is the maximum number of component images that can be
	// passed to the loader.
	MaxModules = 64

	scratchPages = 256
	serialBaud   = 115200
)

var (
	errKmainReturned  = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
	errTooManyModules = &kernel.Error{Module: "kmain", Message: "too many boot modules"}

	// visitModulesFn is mocked by tests.
	visitModulesFn = multiboot.VisitModules

	// Nothing below is heap allocated; the Go allocator is not available
	// while the boot modules are loaded.
	cfg        conf.Config
	debugPort  serial.Port
	pageAlloc  allocator.PageAllocator
	scratch    arena.Arena
	bootCtx    boot.Context
	modules    [MaxModules]boot.Module
	numModules int

	// Registry holds the symbols published by the loaded modules.
	Registry symtab.Registry
)

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. The rt0 code passes the address of the multiboot info
// payload provided by the bootloader as well as the physical addresses for
// the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	cpu.DisableInterrupts()
	multiboot.SetInfoPtr(multibootInfoPtr)

	var err *kernel.Error
	if cfg, err = loadConfig(); err != nil {
		kfmt.Panic(err)
	}

	switch {
	case cfg.DebugPort > 0xffff:
		kfmt.Printf("[kmain] debug port 0x%x is not an I/O port; serial output disabled\n", cfg.DebugPort)
	case cfg.DebugPort != 0:
		debugPort = serial.NewPort(uint16(cfg.DebugPort))
		debugPort.Init(serialBaud)
		kfmt.SetOutputSink(&debugPort)
		debugPort.Write(cfg.InitString())
	}

	kfmt.Printf("[kmain] cpu: intel %t, max cpuid leaf 0x%x\n", cpu.IsIntel(), cpu.MaxLeaf())

	if !cfg.GraphicsOff {
		if screen, ok := fb.FromMultiboot(); ok {
			screen.Clear(0)
		}
	}

	if err = pageAlloc.FromMultiboot(kernelStart, kernelEnd); err != nil {
		kfmt.Panic(err)
	}
	pageAlloc.PrintMemoryMap()

	scratchBase, err := pageAlloc.AllocPages(scratchPages, false)
	if err != nil {
		kfmt.Panic(err)
	}
	scratch = arena.New(scratchBase, scratchPages*mem.PageSize)

	if numModules, err = collectModules(&modules); err != nil {
		kfmt.Panic(err)
	}

	bootCtx = boot.Context{
		Scratch:  &scratch,
		Pages:    &pageAlloc,
		Registry: &Registry,
	}
	boot.Init(&bootCtx, modules[:numModules])
	boot.DumpRegistry(kfmtWriter{}, &Registry)

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}

// kfmtWriter forwards writes to the active kfmt output.
type kfmtWriter struct{}

func (kfmtWriter) Write(p []byte) (int, error) {
	kfmt.Printf("%s", p)
	return len(p), nil
}

// loadConfig parses the first boot module named conf.FileName. The default
// configuration is returned if there is none.
func loadConfig() (conf.Config, *kernel.Error) {
	var (
		data  []byte
		found bool
	)

	visitModulesFn(func(mod *multiboot.Module) bool {
		if mod.CmdLine != conf.FileName {
			return true
		}
		data, found = mod.Bytes(), true
		return false
	})

	if !found {
		return conf.Default(), nil
	}
	return conf.Parse(data)
}

// collectModules fills mods with every boot module except the configuration
// file, in the order the bootloader lists them.
func collectModules(mods *[MaxModules]boot.Module) (int, *kernel.Error) {
	var (
		count int
		err   *kernel.Error
	)

	visitModulesFn(func(mod *multiboot.Module) bool {
		if mod.CmdLine == conf.FileName {
			return true
		}
		if count == MaxModules {
			err = errTooManyModules
			return false
		}

		mods[count] = boot.Module{Name: mod.CmdLine, Image: mod.Bytes()}
		count++
		return true
	})

	return count, err
}
