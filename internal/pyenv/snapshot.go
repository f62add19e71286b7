package pyenv

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ziphy/compactor/internal/depspec"
)

// Snapshot maps PEP 503 normalized package names to the exact version
// installed in the environment. It is read once per invocation and must be
// treated as immutable afterwards.
type Snapshot map[string]string

var distInfoRe = regexp.MustCompile(`^(.+)-([^-]+)\.dist-info$`)

// ScanSnapshot reads installed package versions from the *.dist-info
// directories of a site-packages directory. Directory names carry
// name-version; the METADATA file is the fallback for names that do not
// parse.
func ScanSnapshot(siteDir string) (Snapshot, error) {
	entries, err := os.ReadDir(siteDir)
	if err != nil {
		return nil, fmt.Errorf("reading site-packages: %w", err)
	}

	snap := make(Snapshot)
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasSuffix(entry.Name(), ".dist-info") {
			continue
		}

		if matches := distInfoRe.FindStringSubmatch(entry.Name()); matches != nil {
			snap[depspec.NormalizeName(matches[1])] = matches[2]
			continue
		}

		name, version, err := readMetadataIdentity(filepath.Join(siteDir, entry.Name(), "METADATA"))
		if err != nil {
			continue
		}
		snap[depspec.NormalizeName(name)] = version
	}
	return snap, nil
}

// Version returns the installed version for a declared package name, if any.
func (s Snapshot) Version(name string) (string, bool) {
	version, ok := s[depspec.NormalizeName(name)]
	return version, ok
}

func readMetadataIdentity(path string) (name, version string, err error) {
	file, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch key {
		case "Name":
			name = strings.TrimSpace(value)
		case "Version":
			version = strings.TrimSpace(value)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", "", err
	}
	if name == "" || version == "" {
		return "", "", fmt.Errorf("incomplete metadata in %s", path)
	}
	return name, version, nil
}
