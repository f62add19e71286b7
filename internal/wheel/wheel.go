package wheel

import (
	"archive/zip"
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ziphy/compactor/internal/depspec"
	"github.com/ziphy/compactor/internal/metadata"
)

// PackagingError reports a malformed input wheel, which points at a host
// build-step bug rather than at this tool. Non-retryable.
type PackagingError struct {
	Reason string
	Err    error
}

func (e *PackagingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("packaging error: %s: %v", e.Reason, e.Err)
	}
	return "packaging error: " + e.Reason
}

func (e *PackagingError) Unwrap() error {
	return e.Err
}

// Unpack extracts a wheel archive into destDir.
func Unpack(whlPath, destDir string) error {
	reader, err := zip.OpenReader(whlPath)
	if err != nil {
		return &PackagingError{Reason: fmt.Sprintf("opening %s", whlPath), Err: err}
	}
	defer reader.Close()

	for _, file := range reader.File {
		target := filepath.Join(destDir, filepath.FromSlash(file.Name))
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return &PackagingError{Reason: fmt.Sprintf("archive entry %q escapes the extraction directory", file.Name)}
		}

		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		if err := extractOne(file, target); err != nil {
			return fmt.Errorf("extracting %s: %w", file.Name, err)
		}
	}
	return nil
}

func extractOne(file *zip.File, target string) error {
	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// ReadDistInfo locates the single *.dist-info directory of an unpacked tree
// and parses its METADATA. The required metadata sections missing or the
// dist-info duplicated both mean the input wheel is malformed.
func ReadDistInfo(root string) (string, *metadata.Dist, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", nil, err
	}

	var infoDir string
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasSuffix(entry.Name(), ".dist-info") {
			continue
		}
		if infoDir != "" {
			return "", nil, &PackagingError{Reason: "wheel contains more than one dist-info directory"}
		}
		infoDir = entry.Name()
	}
	if infoDir == "" {
		return "", nil, &PackagingError{Reason: "wheel has no dist-info directory"}
	}

	data, err := os.ReadFile(filepath.Join(root, infoDir, "METADATA"))
	if err != nil {
		return "", nil, &PackagingError{Reason: "wheel has no METADATA file", Err: err}
	}
	dist, err := metadata.Parse(data)
	if err != nil {
		return "", nil, &PackagingError{Reason: "malformed METADATA", Err: err}
	}
	if _, err := os.Stat(filepath.Join(root, infoDir, "WHEEL")); err != nil {
		return "", nil, &PackagingError{Reason: "wheel has no WHEEL file", Err: err}
	}
	return infoDir, dist, nil
}

// Pack assembles the transformed tree into a compact wheel in outDir. The
// dist-info directory is renamed after the compact distribution, METADATA
// and WHEEL are rewritten, and RECORD is regenerated over the final file
// set. Returns the path of the written wheel.
func Pack(root, oldInfoDir string, dist *metadata.Dist, pythonTag, outDir string) (string, error) {
	distName := depspec.DistName(dist.Name)
	newInfoDir := fmt.Sprintf("%s-%s.dist-info", distName, dist.Version)

	if oldInfoDir != newInfoDir {
		if err := os.Rename(filepath.Join(root, oldInfoDir), filepath.Join(root, newInfoDir)); err != nil {
			return "", fmt.Errorf("renaming dist-info: %w", err)
		}
	}

	infoPath := filepath.Join(root, newInfoDir)
	if err := os.WriteFile(filepath.Join(infoPath, "METADATA"), dist.Encode(), 0644); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(infoPath, "WHEEL"), metadata.WheelFile(pythonTag), 0644); err != nil {
		return "", err
	}
	// Stale entries referencing stripped sources must never survive into the
	// regenerated record.
	if err := os.Remove(filepath.Join(infoPath, "RECORD")); err != nil && !os.IsNotExist(err) {
		return "", err
	}

	record, err := buildRecord(root, newInfoDir)
	if err != nil {
		return "", fmt.Errorf("building RECORD: %w", err)
	}
	if err := os.WriteFile(filepath.Join(infoPath, "RECORD"), record, 0644); err != nil {
		return "", err
	}

	wheelName := fmt.Sprintf("%s-%s-%s-none-any.whl", distName, dist.Version, pythonTag)
	outPath := filepath.Join(outDir, wheelName)
	if err := archive(root, outPath); err != nil {
		return "", err
	}
	return outPath, nil
}

// buildRecord enumerates the final tree, digesting every file. The RECORD
// file itself is listed last with an empty digest.
func buildRecord(root, infoDir string) ([]byte, error) {
	var lines []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		line, err := recordLine(filepath.ToSlash(rel), path)
		if err != nil {
			return err
		}
		lines = append(lines, line)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(lines)
	lines = append(lines, fmt.Sprintf("%s/RECORD,,", infoDir))
	return []byte(strings.Join(lines, "\n") + "\n"), nil
}

func recordLine(rel, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s,sha256=%x,%d", rel, hash.Sum(nil), size), nil
}

// archive zips the tree into outPath via a temp file in the same directory,
// renamed only once the archive is complete.
func archive(root, outPath string) error {
	tmp, err := os.CreateTemp(filepath.Dir(outPath), ".compactor-*.whl")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if err := writeZip(tmp, root); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func writeZip(w io.Writer, root string) error {
	zw := zip.NewWriter(w)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		entry, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(entry, file)
		file.Close()
		return err
	})
	if err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}
