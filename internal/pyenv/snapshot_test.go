package pyenv

import (
	"os"
	"path/filepath"
	"testing"
)

func TestScanSnapshot(t *testing.T) {
	site := t.TempDir()

	dirs := []string{
		"mylib-2.3.1.dist-info",
		"My_Lib.Extra-0.4.0.dist-info",
		"requests-2.31.0.dist-info",
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(filepath.Join(site, dir), 0755); err != nil {
			t.Fatal(err)
		}
	}
	// Regular package directories and loose files must be ignored.
	if err := os.MkdirAll(filepath.Join(site, "mylib"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(site, "six.py"), []byte("pass\n"), 0644); err != nil {
		t.Fatal(err)
	}

	snap, err := ScanSnapshot(site)
	if err != nil {
		t.Fatalf("ScanSnapshot() error = %v", err)
	}

	tests := []struct {
		name    string
		version string
	}{
		{"mylib", "2.3.1"},
		{"my-lib-extra", "0.4.0"},
		{"requests", "2.31.0"},
	}
	for _, tt := range tests {
		got, ok := snap.Version(tt.name)
		if !ok {
			t.Errorf("Version(%q) not found", tt.name)
			continue
		}
		if got != tt.version {
			t.Errorf("Version(%q) = %q, want %q", tt.name, got, tt.version)
		}
	}

	if _, ok := snap.Version("six"); ok {
		t.Error("loose module six.py must not appear in the snapshot")
	}
	if len(snap) != 3 {
		t.Errorf("snapshot has %d entries, want 3", len(snap))
	}
}

func TestVersionNormalizesLookup(t *testing.T) {
	snap := Snapshot{"my-lib": "1.0.0"}
	if got, ok := snap.Version("My_Lib"); !ok || got != "1.0.0" {
		t.Errorf("Version(My_Lib) = %q, %v", got, ok)
	}
}

func TestScanSnapshotMissingDir(t *testing.T) {
	if _, err := ScanSnapshot(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("ScanSnapshot() expected error for missing directory")
	}
}
