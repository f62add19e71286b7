package resolver

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/ziphy/compactor/internal/config"
	"github.com/ziphy/compactor/internal/depspec"
	"github.com/ziphy/compactor/internal/pyenv"
)

// Replacement records one dependency swap for downstream manifest and lock
// editing.
type Replacement struct {
	Original depspec.Requirement
	Compact  depspec.Requirement
	Version  string // exact installed version the replacement is pinned to
}

// UnresolvedVersionError reports a dependency that matched a rule but has no
// installed version to pin against. The environment is likely out of sync
// with the manifest; retryable after the user syncs it.
type UnresolvedVersionError struct {
	Name string
}

func (e *UnresolvedVersionError) Error() string {
	return fmt.Sprintf("no installed version for matched dependency %q (sync the environment first)", e.Name)
}

// Resolver computes compact replacements for declared main dependencies.
type Resolver struct {
	suffix   string
	rules    []config.MatchRule
	snapshot pyenv.Snapshot
	logFn    func(string, ...interface{})
}

// New creates a resolver over the given configuration and installed-package
// snapshot.
func New(cfg *config.Config, snap pyenv.Snapshot, verbose bool) *Resolver {
	return &Resolver{
		suffix:   cfg.Suffix,
		rules:    cfg.Rules,
		snapshot: snap,
		logFn: func(format string, args ...interface{}) {
			if verbose {
				fmt.Printf(format+"\n", args...)
			}
		},
	}
}

// Match reports whether a dependency name is eligible for substitution.
// Exact-name rules always win over prefix rules regardless of declaration
// order; among rules of the same kind the first declared wins. Names already
// carrying the suffix never prefix-match, so repeated runs are idempotent.
func (r *Resolver) Match(name string) bool {
	normalized := depspec.NormalizeName(name)

	for _, rule := range r.rules {
		if !rule.Prefix && depspec.NormalizeName(rule.Pattern) == normalized {
			return true
		}
	}

	if depspec.HasSuffix(name, r.suffix) {
		return false
	}
	for _, rule := range r.rules {
		if rule.Prefix && strings.HasPrefix(normalized, depspec.NormalizeName(rule.Pattern)) {
			return true
		}
	}
	return false
}

// Substitute re-evaluates every declared dependency against the match rules.
// Matched entries are replaced by their compact requirement pinned to the
// exact installed version; everything else passes through untouched, raw
// text included.
func (r *Resolver) Substitute(reqs []depspec.Requirement) ([]depspec.Requirement, []Replacement, error) {
	out := make([]depspec.Requirement, 0, len(reqs))
	var replacements []Replacement

	for _, req := range reqs {
		if !r.Match(req.Name) {
			out = append(out, req)
			continue
		}

		compact, version, err := r.replace(req)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, compact)
		replacements = append(replacements, Replacement{Original: req, Compact: compact, Version: version})
	}
	return out, replacements, nil
}

// Rewrite substitutes a single raw requirement line, as found in wheel
// metadata. Entries conditional on an extra are optional features, not main
// dependencies, and always pass through. The bool result reports whether the
// line was replaced.
func (r *Resolver) Rewrite(raw string) (string, bool, error) {
	req, err := depspec.Parse(raw)
	if err != nil {
		return "", false, err
	}
	if req.InExtra() || !r.Match(req.Name) {
		return raw, false, nil
	}
	compact, _, err := r.replace(req)
	if err != nil {
		return "", false, err
	}
	return compact.Raw, true, nil
}

func (r *Resolver) replace(req depspec.Requirement) (depspec.Requirement, string, error) {
	version, ok := r.snapshot.Version(req.Name)
	if !ok {
		return depspec.Requirement{}, "", &UnresolvedVersionError{Name: req.Name}
	}

	r.warnConstraint(req, version)

	compact := depspec.Requirement{
		Name:       req.Name + r.suffix,
		Extras:     req.Extras,
		Constraint: "==" + version,
		Marker:     req.Marker,
	}
	compact.Raw = compact.String()
	return compact, version, nil
}

// warnConstraint flags pins that fall outside the originally declared range.
// Constraint grammars that semver cannot express are skipped silently.
func (r *Resolver) warnConstraint(req depspec.Requirement, installed string) {
	if req.Constraint == "" {
		return
	}
	constraint, err := semver.NewConstraint(req.Constraint)
	if err != nil {
		return
	}
	version, err := semver.NewVersion(installed)
	if err != nil {
		return
	}
	if !constraint.Check(version) {
		r.logFn("warning: installed %s %s does not satisfy declared constraint %q", req.Name, installed, req.Constraint)
	}
}

// Suffix returns the configured compact suffix.
func (r *Resolver) Suffix() string {
	return r.suffix
}
