package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParse(t *testing.T) {
	src := `
sys_conf = "SYS.CONF"

memory {
  scratch_pages = page_size / 64
  region_pages  = 1024
  regions       = 2
}

module "common" {
  path = "${manifest_dir}/common.so"
}

module "memory" {
  path = "lib/memory.so"
}

module "abs" {
  path = "/boot/abs.so"
}
`

	m, err := Parse([]byte(src), "boot.hcl", "/srv/boot")
	if err != nil {
		t.Fatal(err)
	}

	exp := &Manifest{
		SysConf: "/srv/boot/SYS.CONF",
		Memory:  &Memory{ScratchPages: 64, RegionPages: 1024, Regions: 2},
		Modules: []Module{
			{Name: "common", Path: "/srv/boot/common.so"},
			{Name: "memory", Path: "/srv/boot/lib/memory.so"},
			{Name: "abs", Path: "/boot/abs.so"},
		},
	}
	if diff := cmp.Diff(exp, m); diff != "" {
		t.Fatalf("unexpected manifest (-want +got):\n%s", diff)
	}
}

func TestParseDefaults(t *testing.T) {
	m, err := Parse([]byte(`module "only" { path = "only.so" }`), "boot.hcl", "/boot")
	if err != nil {
		t.Fatal(err)
	}

	exp := &Memory{ScratchPages: DefaultScratchPages, RegionPages: DefaultRegionPages, Regions: DefaultRegions}
	if diff := cmp.Diff(exp, m.Memory); diff != "" {
		t.Fatalf("unexpected memory settings (-want +got):\n%s", diff)
	}
	if m.SysConf != "" {
		t.Errorf("expected no SYS.CONF path; got %q", m.SysConf)
	}
}

func TestParseErrors(t *testing.T) {
	specs := []struct {
		descr  string
		src    string
		expErr string
	}{
		{"syntax error", `module "a" {`, "failed to parse"},
		{"unknown attribute", `colour = "red"`, "failed to decode"},
		{"missing path", `module "a" {}`, "failed to decode"},
		{"unknown variable", `module "a" { path = "${kernel_dir}/a.so" }`, "failed to decode"},
		{"no modules", `sys_conf = "SYS.CONF"`, "no modules declared"},
		{"empty path", `module "a" { path = "" }`, `module "a" has no path`},
		{"duplicate module", "module \"a\" { path = \"a.so\" }\nmodule \"a\" { path = \"b.so\" }", `duplicate module "a"`},
		{"negative regions", "memory { regions = -1 }\nmodule \"a\" { path = \"a.so\" }", "regions must be positive"},
	}

	for specIndex, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			_, err := Parse([]byte(spec.src), "boot.hcl", "/boot")
			if err == nil || !strings.Contains(err.Error(), spec.expErr) {
				t.Fatalf("[spec %d] expected error containing %q; got %v", specIndex, spec.expErr, err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boot.hcl")
	if err := os.WriteFile(path, []byte(`module "common" { path = "common.so" }`), 0o600); err != nil {
		t.Fatal(err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if exp := filepath.Join(dir, "common.so"); m.Modules[0].Path != exp {
		t.Fatalf("expected module path %q; got %q", exp, m.Modules[0].Path)
	}

	if _, err := Load(filepath.Join(dir, "missing.hcl")); err == nil {
		t.Fatal("expected an error for a missing manifest")
	}
}
