package syncer

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/ziphy/compactor/internal/depspec"
	"github.com/ziphy/compactor/internal/manifest"
	"github.com/ziphy/compactor/internal/pyenv"
	"github.com/ziphy/compactor/internal/resolver"
)

// Runner executes host package-manager commands. The real implementation
// shells out; tests substitute a recorder.
type Runner interface {
	Run(name string, args ...string) error
}

// ExecRunner runs host commands in the project directory.
type ExecRunner struct {
	Dir     string
	Verbose bool
}

// Run executes a command, streaming output only in verbose mode.
func (r *ExecRunner) Run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Dir = r.Dir
	if r.Verbose {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("running %s: %w", name, err)
	}
	return nil
}

// Syncer applies resolved replacements to the project manifest and lock
// state, delegating resolution and locking mechanics to the host package
// manager.
type Syncer struct {
	runner Runner
	env    *pyenv.Context
	logFn  func(string, ...interface{})
}

// New creates a syncer bound to an explicit environment context, so both the
// virtual and the system case can be exercised deterministically.
func New(runner Runner, env *pyenv.Context, verbose bool) *Syncer {
	return &Syncer{
		runner: runner,
		env:    env,
		logFn: func(format string, args ...interface{}) {
			if verbose {
				fmt.Printf(format+"\n", args...)
			}
		},
	}
}

// lockFile is the slice of the uv lock format the freshness check reads.
type lockFile struct {
	Packages []struct {
		Name string `toml:"name"`
	} `toml:"package"`
}

// CheckLock verifies the project lock state before a replace is attempted:
// the lock file must exist and must record every main dependency of the
// manifest. A lock that does not cover the manifest means the manifest was
// edited since the last resolution.
func CheckLock(projectDir string, main []depspec.Requirement) error {
	data, err := os.ReadFile(filepath.Join(projectDir, "uv.lock"))
	if err != nil {
		return fmt.Errorf("lock file does not exist, run `uv lock` first: %w", err)
	}

	var lock lockFile
	if err := toml.Unmarshal(data, &lock); err != nil {
		return fmt.Errorf("parsing uv.lock: %w", err)
	}
	locked := make(map[string]bool, len(lock.Packages))
	for _, pkg := range lock.Packages {
		locked[depspec.NormalizeName(pkg.Name)] = true
	}

	for _, req := range main {
		if !locked[depspec.NormalizeName(req.Name)] {
			return fmt.Errorf("uv.lock does not record %s, run `uv lock` to refresh it", req.Name)
		}
	}
	return nil
}

// Apply rewrites the manifest for every replacement, regenerates the lock,
// and syncs the environment. The sync step runs only inside a virtual
// environment; requesting it outside one fails before anything is written.
// Any failure after the manifest write restores the pre-write state, lock
// included, so no half-rewritten project is ever left behind.
func (s *Syncer) Apply(mf *manifest.File, replacements []resolver.Replacement, sync bool) error {
	if sync && !s.env.IsVirtual {
		return &pyenv.EnvironmentGuardError{Op: "dependency sync"}
	}
	if len(replacements) == 0 {
		return nil
	}

	backup := mf.Raw()
	for _, rep := range replacements {
		if err := mf.ReplaceRequirement(rep.Original.Raw, rep.Compact.Raw); err != nil {
			mf.SetRaw(backup)
			return fmt.Errorf("rewriting manifest: %w", err)
		}
	}

	if err := mf.WriteAtomic(); err != nil {
		mf.SetRaw(backup)
		return fmt.Errorf("writing manifest: %w", err)
	}

	s.logFn("Regenerating lock state")
	if err := s.runner.Run("uv", "lock"); err != nil {
		return s.rollback(mf, backup, err)
	}

	if sync {
		s.logFn("Syncing environment")
		if err := s.runner.Run("uv", "sync"); err != nil {
			return s.rollback(mf, backup, err)
		}
	}
	return nil
}

// rollback restores the pre-write manifest and re-locks it so the lock file
// matches again. The original failure is what surfaces to the caller.
func (s *Syncer) rollback(mf *manifest.File, backup []byte, cause error) error {
	mf.SetRaw(backup)
	if err := mf.WriteAtomic(); err != nil {
		return fmt.Errorf("restoring manifest after %v: %w", cause, err)
	}
	if err := s.runner.Run("uv", "lock"); err != nil {
		s.logFn("warning: could not restore lock state: %v", err)
	}
	return cause
}
