package pyenv

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Context describes the Python environment a command runs against. The
// interpreter version always comes from the active virtual environment, never
// from whatever interpreter happens to be first on PATH.
type Context struct {
	VenvRoot   string
	IsVirtual  bool
	Version    *semver.Version // interpreter version, e.g. 3.11.4
	Executable string          // venv interpreter binary
}

// EnvironmentGuardError signals an operation that refuses to run outside an
// isolated virtual environment. Retryable after activating one.
type EnvironmentGuardError struct {
	Op string
}

func (e *EnvironmentGuardError) Error() string {
	return fmt.Sprintf("environment guard: %s requires an active virtual environment", e.Op)
}

// Detect reads the active virtual environment from VIRTUAL_ENV. Outside a
// virtual environment it returns a context with IsVirtual unset and no
// interpreter information.
func Detect() (*Context, error) {
	root := os.Getenv("VIRTUAL_ENV")
	if root == "" {
		return &Context{}, nil
	}
	return Load(root)
}

// Load builds a Context from a virtual environment directory by parsing its
// pyvenv.cfg.
func Load(root string) (*Context, error) {
	cfgPath := filepath.Join(root, "pyvenv.cfg")
	file, err := os.Open(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", cfgPath, err)
	}
	defer file.Close()

	var raw string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "version", "version_info":
			if raw == "" {
				raw = strings.TrimSpace(value)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", cfgPath, err)
	}
	if raw == "" {
		return nil, fmt.Errorf("%s has no version entry", cfgPath)
	}

	version, err := semver.NewVersion(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing interpreter version %q: %w", raw, err)
	}

	return &Context{
		VenvRoot:   root,
		IsVirtual:  true,
		Version:    version,
		Executable: filepath.Join(root, "bin", "python"),
	}, nil
}

// PythonTag returns the compatibility tag of the environment interpreter,
// e.g. "py311".
func (c *Context) PythonTag() string {
	if c.Version == nil {
		return ""
	}
	return fmt.Sprintf("py%d%d", c.Version.Major(), c.Version.Minor())
}

// RequiresPython returns the Requires-Python constraint pinning an artifact
// to the environment's interpreter minor version.
func (c *Context) RequiresPython() string {
	if c.Version == nil {
		return ""
	}
	return fmt.Sprintf(">=%d.%d,<%d.%d", c.Version.Major(), c.Version.Minor(), c.Version.Major(), c.Version.Minor()+1)
}

// SitePackages returns the environment's site-packages directory.
func (c *Context) SitePackages() string {
	if c.VenvRoot == "" || c.Version == nil {
		return ""
	}
	python := fmt.Sprintf("python%d.%d", c.Version.Major(), c.Version.Minor())
	return filepath.Join(c.VenvRoot, "lib", python, "site-packages")
}
