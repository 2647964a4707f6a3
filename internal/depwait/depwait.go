// Package depwait works out which build dependencies of a source package
// cannot be satisfied from a build environment's package lists.
package depwait

import (
	"strings"

	"pault.ag/go/debian/control"

	"git.home.luguber.info/inful/pkgbuildd/internal/aptindex"
	"git.home.luguber.info/inful/pkgbuildd/internal/debian/relation"
	"git.home.luguber.info/inful/pkgbuildd/internal/debian/version"
	"git.home.luguber.info/inful/pkgbuildd/internal/foundation/errors"
)

// BuildDepends reads the build-dependency relations of a .dsc file:
// Build-Depends, plus Build-Depends-Indep when archIndep is set. Absent
// fields contribute nothing.
func BuildDepends(dscPath string, archIndep bool) (relation.Relations, error) {
	dsc, err := control.ParseDscFile(dscPath)
	if err != nil {
		return nil, errors.DependencyError("read source package").
			WithCause(err).
			WithContext("path", dscPath).
			Build()
	}
	fields := []string{"Build-Depends"}
	if archIndep {
		fields = append(fields, "Build-Depends-Indep")
	}
	var parts []string
	for _, field := range fields {
		if v := strings.TrimSpace(dsc.Values[field]); v != "" {
			parts = append(parts, strings.ReplaceAll(v, "\n", " "))
		}
	}
	rels, err := relation.Parse(strings.Join(parts, ", "))
	if err != nil {
		return nil, errors.DependencyError("parse build dependencies").
			WithCause(err).
			WithContext("path", dscPath).
			Build()
	}
	return rels, nil
}

// Matches reports whether idx offers something satisfying rel. An
// unversioned provider only satisfies unversioned relations.
func Matches(rel relation.Relation, idx aptindex.Index) bool {
	available, ok := idx.Lookup(rel.Name)
	if !ok {
		return false
	}
	if rel.Constraint == nil {
		return true
	}
	want, err := version.Parse(rel.Constraint.Version)
	if err != nil {
		return false
	}
	for _, candidate := range available.Concrete() {
		have, err := version.Parse(candidate)
		if err != nil {
			continue
		}
		if rel.Constraint.Op.Satisfied(version.Compare(have, want)) {
			return true
		}
	}
	return false
}

// Analyzer evaluates relations against an index. When Arch is set,
// relations restricted to other architectures are skipped.
type Analyzer struct {
	Arch string
}

// Unsatisfied returns the or-groups of which no member matches idx.
func (a Analyzer) Unsatisfied(rels relation.Relations, idx aptindex.Index) relation.Relations {
	var out relation.Relations
	for _, group := range rels {
		applicable := a.applicable(group)
		if len(applicable) == 0 {
			continue
		}
		satisfied := false
		for _, rel := range applicable {
			if Matches(rel, idx) {
				satisfied = true
				break
			}
		}
		if !satisfied {
			out = append(out, applicable)
		}
	}
	return out
}

// Analyze renders the unsatisfied or-groups. ok is false when everything
// is satisfiable, in which case the failure has some other cause.
func (a Analyzer) Analyze(rels relation.Relations, idx aptindex.Index) (string, bool) {
	unsat := a.Unsatisfied(rels, idx)
	if len(unsat) == 0 {
		return "", false
	}
	return unsat.String(), true
}

// AnalyzeBuild loads the build-dependencies of dscPath and the package
// index under root, and analyzes one against the other.
func (a Analyzer) AnalyzeBuild(dscPath, root string, archIndep bool) (string, bool, error) {
	rels, err := BuildDepends(dscPath, archIndep)
	if err != nil {
		return "", false, err
	}
	idx, err := aptindex.Load(root)
	if err != nil {
		return "", false, err
	}
	dep, ok := a.Analyze(rels, idx)
	return dep, ok, nil
}

func (a Analyzer) applicable(group relation.Alternatives) relation.Alternatives {
	if a.Arch == "" {
		return group
	}
	var out relation.Alternatives
	for _, rel := range group {
		if archApplies(rel.Architectures, a.Arch) {
			out = append(out, rel)
		}
	}
	return out
}

// archApplies evaluates a "[amd64 !i386]" style restriction list.
func archApplies(restrictions []string, arch string) bool {
	if len(restrictions) == 0 {
		return true
	}
	negated := strings.HasPrefix(restrictions[0], "!")
	for _, r := range restrictions {
		name := strings.TrimPrefix(r, "!")
		if archMatches(name, arch) {
			return !negated
		}
	}
	return negated
}

func archMatches(pattern, arch string) bool {
	switch pattern {
	case arch, "any", "linux-any":
		return true
	}
	return pattern == "any-"+arch
}
