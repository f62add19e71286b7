package manifest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/ziphy/compactor/internal/depspec"
)

// File is a loaded pyproject.toml. The raw bytes are kept alongside the
// decoded dependency lists so rewrites can be purely textual: untouched
// declarations and all surrounding formatting stay byte-identical.
type File struct {
	Path    string
	Name    string
	Version string
	Main    []depspec.Requirement            // [project] dependencies
	Groups  map[string][]depspec.Requirement // optional-dependencies and dependency-groups
	raw     []byte
}

type pyprojectDoc struct {
	Project struct {
		Name                 string              `toml:"name"`
		Version              string              `toml:"version"`
		Dependencies         []string            `toml:"dependencies"`
		OptionalDependencies map[string][]string `toml:"optional-dependencies"`
	} `toml:"project"`
	DependencyGroups map[string][]string `toml:"dependency-groups"`
}

// Load reads and decodes a pyproject.toml file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var doc pyprojectDoc
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	file := &File{
		Path:    path,
		Name:    doc.Project.Name,
		Version: doc.Project.Version,
		Groups:  make(map[string][]depspec.Requirement),
		raw:     data,
	}

	file.Main, err = parseAll(doc.Project.Dependencies)
	if err != nil {
		return nil, fmt.Errorf("in %s [project] dependencies: %w", path, err)
	}
	for group, entries := range doc.Project.OptionalDependencies {
		reqs, err := parseAll(entries)
		if err != nil {
			return nil, fmt.Errorf("in %s optional-dependencies.%s: %w", path, group, err)
		}
		file.Groups[group] = reqs
	}
	for group, entries := range doc.DependencyGroups {
		reqs, err := parseAll(entries)
		if err != nil {
			return nil, fmt.Errorf("in %s dependency-groups.%s: %w", path, group, err)
		}
		file.Groups[group] = reqs
	}
	return file, nil
}

func parseAll(entries []string) ([]depspec.Requirement, error) {
	reqs := make([]depspec.Requirement, 0, len(entries))
	for _, entry := range entries {
		req, err := depspec.Parse(entry)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// Raw returns a copy of the current file content.
func (f *File) Raw() []byte {
	return bytes.Clone(f.raw)
}

// SetRaw replaces the in-memory content, for restoring a backup.
func (f *File) SetRaw(data []byte) {
	f.raw = bytes.Clone(data)
}

// ReplaceRequirement swaps one declared requirement string for another in the
// in-memory content. The old declaration must appear exactly once as a quoted
// TOML string; partial rewrites are refused so a failed run can never leave a
// half-edited manifest.
func (f *File) ReplaceRequirement(oldRaw, newRaw string) error {
	for _, quote := range []string{`"`, `'`} {
		old := []byte(quote + oldRaw + quote)
		switch bytes.Count(f.raw, old) {
		case 0:
			continue
		case 1:
			f.raw = bytes.Replace(f.raw, old, []byte(quote+newRaw+quote), 1)
			return nil
		default:
			return fmt.Errorf("declaration %q appears more than once in %s", oldRaw, f.Path)
		}
	}
	return fmt.Errorf("declaration %q not found in %s", oldRaw, f.Path)
}

// WriteAtomic persists the in-memory content with a temp-file-then-rename in
// the manifest's directory. The temp file is removed on every failure path.
func (f *File) WriteAtomic() error {
	dir := filepath.Dir(f.Path)
	tmp, err := os.CreateTemp(dir, ".pyproject-*.toml")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(f.raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, f.Path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
