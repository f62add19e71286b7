package pyenv

import (
	"os"
	"path/filepath"
	"testing"
)

func writeVenv(t *testing.T, cfg string) string {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "pyvenv.cfg"), []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestLoad(t *testing.T) {
	root := writeVenv(t, `home = /usr/bin
include-system-site-packages = false
version = 3.11.4
`)

	ctx, err := Load(root)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !ctx.IsVirtual {
		t.Error("IsVirtual = false, want true")
	}
	if got := ctx.Version.String(); got != "3.11.4" {
		t.Errorf("Version = %s, want 3.11.4", got)
	}
	if got := ctx.PythonTag(); got != "py311" {
		t.Errorf("PythonTag() = %q, want py311", got)
	}
	if got := ctx.RequiresPython(); got != ">=3.11,<3.12" {
		t.Errorf("RequiresPython() = %q, want >=3.11,<3.12", got)
	}
	if got := ctx.Executable; got != filepath.Join(root, "bin", "python") {
		t.Errorf("Executable = %q", got)
	}
	if got := ctx.SitePackages(); got != filepath.Join(root, "lib", "python3.11", "site-packages") {
		t.Errorf("SitePackages() = %q", got)
	}
}

func TestLoadVersionInfo(t *testing.T) {
	root := writeVenv(t, `home = /usr/local/bin
version_info = 3.12.1
`)

	ctx, err := Load(root)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := ctx.PythonTag(); got != "py312" {
		t.Errorf("PythonTag() = %q, want py312", got)
	}
}

func TestLoadMissingVersion(t *testing.T) {
	root := writeVenv(t, "home = /usr/bin\n")
	if _, err := Load(root); err == nil {
		t.Error("Load() expected error for missing version entry")
	}
}

func TestDetectOutsideVenv(t *testing.T) {
	t.Setenv("VIRTUAL_ENV", "")

	ctx, err := Detect()
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if ctx.IsVirtual {
		t.Error("IsVirtual = true outside a virtual environment")
	}
	if ctx.PythonTag() != "" {
		t.Errorf("PythonTag() = %q, want empty", ctx.PythonTag())
	}
}

func TestDetectInsideVenv(t *testing.T) {
	root := writeVenv(t, "version = 3.10.9\n")
	t.Setenv("VIRTUAL_ENV", root)

	ctx, err := Detect()
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if !ctx.IsVirtual {
		t.Error("IsVirtual = false, want true")
	}
	if got := ctx.PythonTag(); got != "py310" {
		t.Errorf("PythonTag() = %q, want py310", got)
	}
}
