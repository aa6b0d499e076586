// Command sysboot runs the boot module loader inside a regular process. It
// reads a boot manifest, loads and links every module it lists into
// anonymous mappings and reports the resulting symbol registry.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/xyproto/env/v2"
	"golang.org/x/sys/unix"

	"github.com/mrf-git/alt-os/internal/hostmem"
	"github.com/mrf-git/alt-os/internal/logging"
	"github.com/mrf-git/alt-os/internal/manifest"
	"github.com/mrf-git/alt-os/kernel/boot"
	"github.com/mrf-git/alt-os/kernel/boot/conf"
	"github.com/mrf-git/alt-os/kernel/kfmt"
	"github.com/mrf-git/alt-os/kernel/link/symtab"
)

type options struct {
	manifest     string
	logLevel     string
	json         bool
	dump         bool
	scratchPages uint64
}

// parseOptions reads the environment and then the command line. Flags take
// precedence over environment variables.
func parseOptions(args []string, stderr io.Writer) (options, error) {
	var opts options

	fs := flag.NewFlagSet("sysboot", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.manifest, "manifest", env.Str("SYSBOOT_MANIFEST", "boot.hcl"), "boot manifest `path`")
	fs.StringVar(&opts.logLevel, "log-level", env.Str("SYSBOOT_LOG_LEVEL", "info"), "log level (trace, debug, info, warn, error)")
	fs.BoolVar(&opts.json, "json", env.Bool("SYSBOOT_LOG_JSON"), "log in JSON format")
	fs.BoolVar(&opts.dump, "dump", false, "print the symbol registry after loading")
	fs.Uint64Var(&opts.scratchPages, "scratch-pages", uint64(max(env.Int("SYSBOOT_SCRATCH_PAGES", 0), 0)), "scratch arena size in pages; overrides the manifest")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() != 0 {
		return opts, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseOptions(args, stderr)
	if err != nil {
		return 2
	}

	log := logging.New(logging.Config{
		Enabled: true,
		Level:   opts.logLevel,
		JSON:    opts.json,
		Tag:     "sysboot",
	}, stderr)

	if err := loadAll(opts, log, stdout); err != nil {
		log.WithError(err).Error("boot failed")
		return 1
	}
	return 0
}

// loadAll maps the loader memory and loads every module in the manifest.
func loadAll(opts options, log *logrus.Entry, stdout io.Writer) error {
	m, err := manifest.Load(opts.manifest)
	if err != nil {
		return err
	}
	if opts.scratchPages != 0 {
		m.Memory.ScratchPages = opts.scratchPages
	}

	if m.SysConf != "" {
		if err := reportConfig(m.SysConf, log); err != nil {
			return err
		}
	}

	// Route loader diagnostics into the log.
	lw := logging.NewLineWriter(log.WithField("src", "loader"), logrus.DebugLevel)
	kfmt.SetOutputSink(&kfmt.PrefixWriter{Sink: lw, Prefix: []byte("kfmt: ")})
	defer func() {
		lw.Flush()
		kfmt.SetOutputSink(nil)
	}()

	scratchRegion, err := hostmem.Map(m.Memory.ScratchPages)
	if err != nil {
		return err
	}
	defer scratchRegion.Close()

	scratch, kerr := scratchRegion.Arena(m.Memory.ScratchPages)
	if kerr != nil {
		return kerr
	}

	pool := make(hostmem.Pool, 0, m.Memory.Regions)
	defer func() { pool.Close() }()
	for i := 0; i < m.Memory.Regions; i++ {
		r, err := hostmem.Map(m.Memory.RegionPages)
		if err != nil {
			return err
		}
		pool = append(pool, r)
	}

	ctx := &boot.Context{
		Scratch:  &scratch,
		Pages:    pool,
		Registry: new(symtab.Registry),
	}

	for _, mod := range m.Modules {
		data, err := os.ReadFile(mod.Path)
		if err != nil {
			return fmt.Errorf("module %s: %w", mod.Name, err)
		}

		p, kerr := boot.LoadModule(ctx, &boot.Module{Name: mod.Name, Image: data})
		if kerr != nil {
			return fmt.Errorf("module %s: %w", mod.Name, kerr)
		}

		if p.CodeSize != 0 {
			if err := pool.Region(p.Code).Protect(p.Code, p.CodeSize, unix.PROT_READ|unix.PROT_EXEC); err != nil {
				return fmt.Errorf("module %s: %w", mod.Name, err)
			}
		}

		log.WithFields(logrus.Fields{
			"module": mod.Name,
			"code":   fmt.Sprintf("%#x", p.Code),
			"data":   fmt.Sprintf("%#x", p.Data),
			"rodata": fmt.Sprintf("%#x", p.ROData),
		}).Info("module loaded")
	}

	log.WithFields(logrus.Fields{
		"modules": len(m.Modules),
		"symbols": ctx.Registry.NumKeys(),
	}).Info("init: everything ok")

	if opts.dump {
		boot.DumpRegistry(stdout, ctx.Registry)
	}
	return nil
}

func reportConfig(path string, log *logrus.Entry) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	cfg, kerr := conf.Parse(data)
	if kerr != nil {
		return fmt.Errorf("%s: %w", path, kerr)
	}

	log.WithFields(logrus.Fields{
		"graphics_off": cfg.GraphicsOff,
		"debug_port":   fmt.Sprintf("%#x", cfg.DebugPort),
		"init_string":  string(cfg.InitString()),
	}).Info("boot configuration")
	return nil
}
