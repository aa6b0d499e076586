// Package manifest decodes the HCL boot manifest that lists the modules the
// hosted boot tool loads.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/mrf-git/alt-os/kernel/mem"
)

// Defaults applied to a manifest without a memory block.
const (
	DefaultScratchPages = 256
	DefaultRegionPages  = 4096
	DefaultRegions      = 1
)

// Manifest is a decoded boot manifest.
type Manifest struct {
	// SysConf optionally names a SYS.CONF file.
	SysConf string   `hcl:"sys_conf,optional"`
	Memory  *Memory  `hcl:"memory,block"`
	Modules []Module `hcl:"module,block"`
}

// Memory sizes the mappings that back the loader.
type Memory struct {
	ScratchPages uint64 `hcl:"scratch_pages,optional"`
	RegionPages  uint64 `hcl:"region_pages,optional"`
	Regions      int    `hcl:"regions,optional"`
}

// Module is a component image. Modules load in declaration order.
type Module struct {
	Name string `hcl:"name,label"`
	Path string `hcl:"path"`
}

// Load reads and decodes the manifest at path.
func Load(path string) (*Manifest, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}

	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}

	return Parse(src, path, dir)
}

// Parse decodes manifest source. Relative module and configuration paths are
// resolved against dir, which is also exposed to expressions as manifest_dir.
func Parse(src []byte, filename, dir string) (*Manifest, error) {
	file, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("manifest: failed to parse %s: %s", filename, diags.Error())
	}

	var m Manifest
	if diags = gohcl.DecodeBody(file.Body, evalContext(dir), &m); diags.HasErrors() {
		return nil, fmt.Errorf("manifest: failed to decode %s: %s", filename, diags.Error())
	}

	if err := m.normalize(dir); err != nil {
		return nil, fmt.Errorf("manifest: %s: %w", filename, err)
	}
	return &m, nil
}

func evalContext(dir string) *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"page_size":    cty.NumberUIntVal(uint64(mem.PageSize)),
			"manifest_dir": cty.StringVal(dir),
		},
	}
}

func (m *Manifest) normalize(dir string) error {
	if m.Memory == nil {
		m.Memory = &Memory{}
	}
	if m.Memory.ScratchPages == 0 {
		m.Memory.ScratchPages = DefaultScratchPages
	}
	if m.Memory.RegionPages == 0 {
		m.Memory.RegionPages = DefaultRegionPages
	}
	if m.Memory.Regions == 0 {
		m.Memory.Regions = DefaultRegions
	}
	if m.Memory.Regions < 0 {
		return fmt.Errorf("regions must be positive; got %d", m.Memory.Regions)
	}

	if len(m.Modules) == 0 {
		return fmt.Errorf("no modules declared")
	}

	seen := make(map[string]bool, len(m.Modules))
	for i := range m.Modules {
		mod := &m.Modules[i]
		if seen[mod.Name] {
			return fmt.Errorf("duplicate module %q", mod.Name)
		}
		seen[mod.Name] = true

		if mod.Path == "" {
			return fmt.Errorf("module %q has no path", mod.Name)
		}
		mod.Path = resolve(dir, mod.Path)
	}

	if m.SysConf != "" {
		m.SysConf = resolve(dir, m.SysConf)
	}
	return nil
}

func resolve(dir, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(dir, path)
}
