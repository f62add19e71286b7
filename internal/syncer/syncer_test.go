package syncer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ziphy/compactor/internal/depspec"
	"github.com/ziphy/compactor/internal/manifest"
	"github.com/ziphy/compactor/internal/pyenv"
	"github.com/ziphy/compactor/internal/resolver"
)

const samplePyproject = `[project]
name = "myapp"
version = "0.5.0"
dependencies = [
    "mylib>=2.0",
    "otherlib>=1.0",
]
`

// fakeRunner records host package-manager invocations and can be told to
// fail on a given command.
type fakeRunner struct {
	calls  []string
	failOn string
}

func (r *fakeRunner) Run(name string, args ...string) error {
	call := strings.Join(append([]string{name}, args...), " ")
	r.calls = append(r.calls, call)
	if r.failOn != "" && call == r.failOn {
		return fmt.Errorf("%s failed", call)
	}
	return nil
}

func loadManifest(t *testing.T) *manifest.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pyproject.toml")
	if err := os.WriteFile(path, []byte(samplePyproject), 0644); err != nil {
		t.Fatal(err)
	}
	mf, err := manifest.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	return mf
}

func replacement(t *testing.T) resolver.Replacement {
	t.Helper()
	orig, err := depspec.Parse("mylib>=2.0")
	if err != nil {
		t.Fatal(err)
	}
	compact := depspec.Requirement{Name: "mylib-compact", Constraint: "==2.3.1"}
	compact.Raw = compact.String()
	return resolver.Replacement{Original: orig, Compact: compact, Version: "2.3.1"}
}

func TestApply(t *testing.T) {
	mf := loadManifest(t)
	runner := &fakeRunner{}
	s := New(runner, &pyenv.Context{IsVirtual: true}, false)

	if err := s.Apply(mf, []resolver.Replacement{replacement(t)}, true); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	data, err := os.ReadFile(mf.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"mylib-compact==2.3.1"`) {
		t.Errorf("manifest not rewritten:\n%s", data)
	}
	if !strings.Contains(string(data), `"otherlib>=1.0"`) {
		t.Errorf("untouched dependency changed:\n%s", data)
	}

	want := []string{"uv lock", "uv sync"}
	if len(runner.calls) != len(want) {
		t.Fatalf("runner calls = %v, want %v", runner.calls, want)
	}
	for i := range want {
		if runner.calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, runner.calls[i], want[i])
		}
	}
}

func TestApplyGuardOutsideVenv(t *testing.T) {
	mf := loadManifest(t)
	runner := &fakeRunner{}
	s := New(runner, &pyenv.Context{IsVirtual: false}, false)

	err := s.Apply(mf, []resolver.Replacement{replacement(t)}, true)
	var guard *pyenv.EnvironmentGuardError
	if !errors.As(err, &guard) {
		t.Fatalf("Apply() error = %v, want EnvironmentGuardError", err)
	}

	// Nothing may have been written or executed.
	data, err := os.ReadFile(mf.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != samplePyproject {
		t.Error("manifest modified despite guard")
	}
	if len(runner.calls) != 0 {
		t.Errorf("runner invoked despite guard: %v", runner.calls)
	}
}

func TestApplyNoSyncOutsideVenvIsAllowed(t *testing.T) {
	mf := loadManifest(t)
	runner := &fakeRunner{}
	s := New(runner, &pyenv.Context{IsVirtual: false}, false)

	if err := s.Apply(mf, []resolver.Replacement{replacement(t)}, false); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	for _, call := range runner.calls {
		if call == "uv sync" {
			t.Error("sync ran without being requested")
		}
	}
}

func TestApplyNoReplacements(t *testing.T) {
	mf := loadManifest(t)
	runner := &fakeRunner{}
	s := New(runner, &pyenv.Context{IsVirtual: true}, false)

	if err := s.Apply(mf, nil, true); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(runner.calls) != 0 {
		t.Errorf("runner invoked with nothing to replace: %v", runner.calls)
	}
}

func TestApplyRollsBackOnLockFailure(t *testing.T) {
	mf := loadManifest(t)
	runner := &fakeRunner{failOn: "uv lock"}
	s := New(runner, &pyenv.Context{IsVirtual: true}, false)

	err := s.Apply(mf, []resolver.Replacement{replacement(t)}, true)
	if err == nil {
		t.Fatal("Apply() expected error when lock fails")
	}

	data, readErr := os.ReadFile(mf.Path)
	if readErr != nil {
		t.Fatal(readErr)
	}
	if string(data) != samplePyproject {
		t.Errorf("manifest not rolled back:\n%s", data)
	}
}

func TestApplyRollsBackOnSyncFailure(t *testing.T) {
	mf := loadManifest(t)
	runner := &fakeRunner{failOn: "uv sync"}
	s := New(runner, &pyenv.Context{IsVirtual: true}, false)

	if err := s.Apply(mf, []resolver.Replacement{replacement(t)}, true); err == nil {
		t.Fatal("Apply() expected error when sync fails")
	}

	data, err := os.ReadFile(mf.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != samplePyproject {
		t.Errorf("manifest not rolled back:\n%s", data)
	}
	// Rollback re-locks the restored manifest.
	if runner.calls[len(runner.calls)-1] != "uv lock" {
		t.Errorf("calls = %v, want trailing uv lock", runner.calls)
	}
}

func mainRequirements(t *testing.T, raws ...string) []depspec.Requirement {
	t.Helper()
	var reqs []depspec.Requirement
	for _, raw := range raws {
		req, err := depspec.Parse(raw)
		if err != nil {
			t.Fatal(err)
		}
		reqs = append(reqs, req)
	}
	return reqs
}

func TestCheckLock(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "uv.lock")
	main := mainRequirements(t, "mylib>=2.0", "Other_Lib>=1.0")

	if err := CheckLock(dir, main); err == nil {
		t.Error("CheckLock() expected error with no lock file")
	}

	lock := `version = 1

[[package]]
name = "mylib"
version = "2.3.1"

[[package]]
name = "other-lib"
version = "1.4.0"
`
	if err := os.WriteFile(lockPath, []byte(lock), 0644); err != nil {
		t.Fatal(err)
	}
	if err := CheckLock(dir, main); err != nil {
		t.Errorf("CheckLock() error = %v, want nil", err)
	}

	// A dependency added to the manifest after the last resolution is not
	// recorded in the lock.
	stale := mainRequirements(t, "mylib>=2.0", "newlib>=3.0")
	err := CheckLock(dir, stale)
	if err == nil {
		t.Fatal("CheckLock() expected error for stale lock")
	}
	if !strings.Contains(err.Error(), "newlib") {
		t.Errorf("CheckLock() error = %v, want mention of newlib", err)
	}

	if err := os.WriteFile(lockPath, []byte("version = [broken\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := CheckLock(dir, main); err == nil {
		t.Error("CheckLock() expected error for unparseable lock")
	}
}
