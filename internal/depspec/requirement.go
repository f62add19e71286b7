package depspec

import (
	"fmt"
	"regexp"
	"strings"
)

// Requirement represents a single PEP 508 dependency declaration.
type Requirement struct {
	Name       string   // declared name, original spelling
	Extras     []string // e.g. [security, toml]
	Constraint string   // version constraint, e.g. ">=2.0,<3.0" ("" means any)
	Marker     string   // environment marker after ";" ("" means none)
	Raw        string   // the source text, preserved verbatim for passthrough
}

var (
	headRe        = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*)\s*(?:\[([^\]]*)\])?\s*(.*)$`)
	normRe        = regexp.MustCompile(`[-_.]+`)
	extraMarkerRe = regexp.MustCompile(`\bextra\s*==`)
)

// Parse parses a PEP 508 requirement string such as
// "mylib[extra1,extra2]>=2.0,<3.0; python_version < '3.12'".
func Parse(raw string) (Requirement, error) {
	req := Requirement{Raw: raw}

	spec := strings.TrimSpace(raw)
	if spec == "" {
		return req, fmt.Errorf("empty requirement")
	}

	// Marker comes after the first ";"; markers themselves never contain one.
	if idx := strings.Index(spec, ";"); idx != -1 {
		req.Marker = strings.TrimSpace(spec[idx+1:])
		spec = strings.TrimSpace(spec[:idx])
	}

	matches := headRe.FindStringSubmatch(spec)
	if matches == nil {
		return req, fmt.Errorf("unparseable requirement %q", raw)
	}

	req.Name = matches[1]
	if matches[2] != "" {
		for _, extra := range strings.Split(matches[2], ",") {
			if e := strings.TrimSpace(extra); e != "" {
				req.Extras = append(req.Extras, e)
			}
		}
	}

	constraint := strings.TrimSpace(matches[3])
	// Parenthesized constraints ("requests (>=2.0)") are legal in core metadata.
	constraint = strings.TrimPrefix(constraint, "(")
	constraint = strings.TrimSuffix(constraint, ")")
	req.Constraint = strings.TrimSpace(constraint)

	return req, nil
}

// String re-emits the requirement in canonical PEP 508 form. Declarations
// that were never rewritten should use Raw instead, so unmodified entries
// round-trip byte-identical.
func (r Requirement) String() string {
	var b strings.Builder
	b.WriteString(r.Name)
	if len(r.Extras) > 0 {
		b.WriteString("[")
		b.WriteString(strings.Join(r.Extras, ","))
		b.WriteString("]")
	}
	if r.Constraint != "" {
		b.WriteString(r.Constraint)
	}
	if r.Marker != "" {
		b.WriteString("; ")
		b.WriteString(r.Marker)
	}
	return b.String()
}

// InExtra reports whether the requirement is conditional on an extra, i.e.
// carries an `extra == "..."` marker. Such entries in wheel metadata belong
// to optional feature sets, not to the main dependency list.
func (r Requirement) InExtra() bool {
	return extraMarkerRe.MatchString(r.Marker)
}

// NormalizeName applies PEP 503 name normalization: lowercase with runs of
// "-", "_" and "." collapsed to a single "-".
func NormalizeName(name string) string {
	return normRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
}

// HasSuffix reports whether name already carries the compact suffix, under
// PEP 503 normalization.
func HasSuffix(name, suffix string) bool {
	return strings.HasSuffix(NormalizeName(name), NormalizeName(suffix))
}

// DistName converts a distribution name to the escaped form used in wheel
// filenames and dist-info directories (PEP 503 normalization, "-" to "_").
func DistName(name string) string {
	return strings.ReplaceAll(NormalizeName(name), "-", "_")
}
