// Package boot drives the module load loop: every boot module is read,
// placed into freshly allocated pages, relocated against the symbols
// published by the modules loaded before it and finally publishes its own
// global functions.
package boot

import (
	"io"

	"github.com/mrf-git/alt-os/kernel"
	"github.com/mrf-git/alt-os/kernel/kfmt"
	"github.com/mrf-git/alt-os/kernel/link/loader"
	"github.com/mrf-git/alt-os/kernel/link/symtab"
	"github.com/mrf-git/alt-os/kernel/mem"
	"github.com/mrf-git/alt-os/kernel/mem/arena"
)

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errBadAlignment = &kernel.Error{Module: "boot", Message: "module requires more than page alignment"}
)

// PageSource hands out physically contiguous, page-aligned memory.
type PageSource interface {
	// AllocPages reserves count pages. If low is set the pages must lie
	// below the 4 GiB boundary.
	AllocPages(count uint64, low bool) (uintptr, *kernel.Error)
}

// Module is a component image waiting to be loaded.
type Module struct {
	Name  string
	Image []byte
}

// Context holds the resources shared by all module loads.
type Context struct {
	// Scratch holds the image descriptors of the module being loaded. It
	// is reset after each module.
	Scratch *arena.Arena

	// Pages provides the memory that loaded modules live in.
	Pages PageSource

	// Registry receives the symbols published by loaded modules.
	Registry *symtab.Registry
}

// Placement records where the memory classes of a loaded module live. A
// class with a zero size has a zero address.
type Placement struct {
	Code, Data, ROData             uintptr
	CodeSize, DataSize, RODataSize uint64
}

// LoadModule reads, places and links a single module.
func LoadModule(ctx *Context, mod *Module) (Placement, *kernel.Error) {
	var p Placement

	mark := ctx.Scratch.Mark()
	defer ctx.Scratch.Reset(mark)

	img, err := loader.ReadImage(mod.Image, ctx.Scratch)
	if err != nil {
		kfmt.Printf("[boot] %s: could not read image\n", mod.Name)
		return p, err
	}

	p.CodeSize, p.DataSize, p.RODataSize = img.CodeSize(), img.DataSize(), img.RODataSize()
	for _, class := range [...]struct {
		c    loader.MemClass
		addr *uintptr
	}{
		{loader.ClassCode, &p.Code},
		{loader.ClassData, &p.Data},
		{loader.ClassROData, &p.ROData},
	} {
		if *class.addr, err = allocClass(ctx.Pages, &img, class.c); err != nil {
			kfmt.Printf("[boot] %s: could not allocate memory\n", mod.Name)
			return Placement{}, err
		}
	}

	if err = loader.LoadImage(&img, p.Code, p.Data, p.ROData, ctx.Registry, ctx.Scratch); err != nil {
		kfmt.Printf("[boot] %s: could not link image\n", mod.Name)
		return Placement{}, err
	}

	kfmt.Printf("[boot] loaded %s: code %d bytes at 0x%x, data %d bytes at 0x%x, rodata %d bytes at 0x%x\n",
		mod.Name,
		p.CodeSize, p.Code,
		p.DataSize, p.Data,
		p.RODataSize, p.ROData,
	)
	return p, nil
}

// allocClass reserves the pages for one memory class of img. Classes with a
// zero footprint get a zero base.
func allocClass(pages PageSource, img *loader.Image, class loader.MemClass) (uintptr, *kernel.Error) {
	size := img.Footprint(class)
	if size == 0 {
		return 0, nil
	}

	if img.ClassAlign(class) > uint64(mem.PageSize) {
		return 0, errBadAlignment
	}

	// Modules reach each other through 32-bit relative displacements so
	// keep everything below 4 GiB.
	return pages.AllocPages(mem.Size(size).Pages(), true)
}

// LoadModules loads mods in order and stops at the first failure.
func LoadModules(ctx *Context, mods []Module) *kernel.Error {
	for i := range mods {
		if _, err := LoadModule(ctx, &mods[i]); err != nil {
			return err
		}
	}
	return nil
}

// DumpRegistry writes every published symbol and its address to w in
// publication order.
func DumpRegistry(w io.Writer, reg *symtab.Registry) {
	for i := 0; i < reg.NumKeys(); i++ {
		name := reg.Key(i)
		addr, _ := reg.Get(name)
		kfmt.Fprintf(w, "0x%16x %s\n", addr, name)
	}
}

// Init loads the boot modules. It does not return if any module fails to
// load.
func Init(ctx *Context, mods []Module) {
	if err := LoadModules(ctx, mods); err != nil {
		panicFn(err)
		return
	}

	kfmt.Printf("init: everything ok\n")
}
