package metadata

import (
	"fmt"
	"strings"
)

// Field is one core-metadata header. Order is significant and preserved.
type Field struct {
	Key   string
	Value string
}

// Dist is a parsed core-metadata (METADATA) record. Name and Version mirror
// the corresponding Fields entries for convenient access.
type Dist struct {
	Name    string
	Version string
	Fields  []Field
	Body    string // description payload after the blank line, verbatim
}

// Parse reads a core-metadata document. Continuation lines (leading
// whitespace) are folded into the previous field.
func Parse(data []byte) (*Dist, error) {
	head, body, _ := strings.Cut(string(data), "\n\n")

	dist := &Dist{Body: body}
	for _, line := range strings.Split(head, "\n") {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if len(dist.Fields) == 0 {
				return nil, fmt.Errorf("metadata starts with a continuation line")
			}
			last := &dist.Fields[len(dist.Fields)-1]
			last.Value += "\n" + line
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed metadata line %q", line)
		}
		field := Field{Key: strings.TrimSpace(key), Value: strings.TrimSpace(value)}
		dist.Fields = append(dist.Fields, field)

		switch field.Key {
		case "Name":
			dist.Name = field.Value
		case "Version":
			dist.Version = field.Value
		}
	}

	if dist.Name == "" {
		return nil, fmt.Errorf("metadata has no Name field")
	}
	if dist.Version == "" {
		return nil, fmt.Errorf("metadata has no Version field")
	}
	return dist, nil
}

// Encode re-emits the record as core-metadata text.
func (d *Dist) Encode() []byte {
	var b strings.Builder
	for _, field := range d.Fields {
		b.WriteString(field.Key)
		b.WriteString(": ")
		b.WriteString(field.Value)
		b.WriteString("\n")
	}
	if d.Body != "" {
		b.WriteString("\n")
		b.WriteString(d.Body)
	}
	return []byte(b.String())
}

// Requires returns the raw Requires-Dist values in declaration order.
func (d *Dist) Requires() []string {
	var reqs []string
	for _, field := range d.Fields {
		if field.Key == "Requires-Dist" {
			reqs = append(reqs, field.Value)
		}
	}
	return reqs
}

// Rename produces the compact metadata record: name gets the suffix, version
// stays unchanged, Requires-Python is narrowed to the compiled interpreter,
// and every Requires-Dist value is passed through rewrite. Fields the rename
// does not touch are carried over verbatim, in order. The receiver is never
// modified.
func (d *Dist) Rename(suffix, requiresPython string, rewrite func(string) (string, error)) (*Dist, error) {
	out := &Dist{
		Name:    d.Name + suffix,
		Version: d.Version,
		Body:    d.Body,
		Fields:  make([]Field, 0, len(d.Fields)),
	}

	pinned := false
	for _, field := range d.Fields {
		switch field.Key {
		case "Name":
			field.Value = out.Name
		case "Requires-Python":
			if requiresPython != "" {
				field.Value = requiresPython
			}
			pinned = true
		case "Requires-Dist":
			rewritten, err := rewrite(field.Value)
			if err != nil {
				return nil, fmt.Errorf("rewriting dependency %q: %w", field.Value, err)
			}
			field.Value = rewritten
		}
		out.Fields = append(out.Fields, field)
	}

	// Requires-Python is optional in the source metadata, but the compact
	// bytecode only runs on the interpreter it was compiled for.
	if !pinned && requiresPython != "" {
		out.Fields = append(out.Fields, Field{Key: "Requires-Python", Value: requiresPython})
	}
	return out, nil
}

// WheelFile emits the WHEEL metadata for a pure, single-interpreter wheel.
func WheelFile(pythonTag string) []byte {
	return []byte(fmt.Sprintf(`Wheel-Version: 1.0
Generator: compactor
Root-Is-Purelib: true
Tag: %s-none-any
`, pythonTag))
}
