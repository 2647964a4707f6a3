// Package relation parses and renders Debian package relationship fields
// such as Build-Depends.
package relation

import (
	"regexp"
	"strings"

	"git.home.luguber.info/inful/pkgbuildd/internal/foundation/errors"
)

// Operator is a version comparison operator as written in a relation.
type Operator string

const (
	Earlier      Operator = "<<"
	EarlierEqual Operator = "<="
	Equal        Operator = "="
	LaterEqual   Operator = ">="
	Later        Operator = ">>"

	// Obsolete spellings, kept verbatim when rendering.
	ObsoleteEarlier Operator = "<"
	ObsoleteLater   Operator = ">"
)

// Satisfied reports whether a comparison result (candidate vs required,
// as returned by version.Compare) meets the operator. The obsolete "<" and
// ">" mean "<=" and ">=".
func (o Operator) Satisfied(cmp int) bool {
	switch o {
	case Earlier:
		return cmp < 0
	case EarlierEqual, ObsoleteEarlier:
		return cmp <= 0
	case Equal:
		return cmp == 0
	case LaterEqual, ObsoleteLater:
		return cmp >= 0
	case Later:
		return cmp > 0
	}
	return false
}

func (o Operator) valid() bool {
	switch o {
	case Earlier, EarlierEqual, Equal, LaterEqual, Later, ObsoleteEarlier, ObsoleteLater:
		return true
	}
	return false
}

// Constraint is an optional version restriction on a relation.
type Constraint struct {
	Op      Operator
	Version string
}

// Relation is a single package reference.
type Relation struct {
	Name string
	// ArchQualifier is the ":any" / ":native" suffix, if present.
	ArchQualifier string
	Constraint    *Constraint
	// Architectures and Profiles hold the raw "[...]" and "<...>" restriction
	// lists. Like ArchQualifier they do not affect rendering.
	Architectures []string
	Profiles      string
}

// String renders "name" or "name (op version)". The arch qualifier is
// left out, as apt names the package without it.
func (r Relation) String() string {
	var b strings.Builder
	b.WriteString(r.Name)
	if r.Constraint != nil {
		b.WriteString(" (")
		b.WriteString(string(r.Constraint.Op))
		b.WriteByte(' ')
		b.WriteString(r.Constraint.Version)
		b.WriteByte(')')
	}
	return b.String()
}

// Alternatives is an or-group: any one member satisfies it.
type Alternatives []Relation

func (a Alternatives) String() string {
	parts := make([]string, len(a))
	for i, r := range a {
		parts[i] = r.String()
	}
	return strings.Join(parts, " | ")
}

// Relations is a full relationship field: every group must be satisfied.
type Relations []Alternatives

func (rs Relations) String() string {
	parts := make([]string, len(rs))
	for i, g := range rs {
		parts[i] = g.String()
	}
	return strings.Join(parts, ", ")
}

var relationRE = regexp.MustCompile(
	`^([a-zA-Z0-9][a-zA-Z0-9+.\-]*)` + // name
		`(?::([a-zA-Z0-9][a-zA-Z0-9\-]*))?` + // arch qualifier
		`\s*(?:\(\s*([<>=]+)\s*([0-9a-zA-Z:\-+~.]+)\s*\))?` + // version constraint
		`\s*(?:\[([^\]]*)\])?` + // architecture restriction
		`\s*((?:<[^>]*>\s*)*)$`) // build profiles

// Parse parses a relationship field. Empty groups (such as those left by a
// trailing comma) are skipped.
func Parse(field string) (Relations, error) {
	var out Relations
	for _, group := range strings.Split(field, ",") {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}
		var alts Alternatives
		for _, item := range strings.Split(group, "|") {
			rel, err := ParseOne(item)
			if err != nil {
				return nil, err
			}
			alts = append(alts, rel)
		}
		out = append(out, alts)
	}
	return out, nil
}

// ParseOne parses a single relation such as "foo:any (>= 1.0) [amd64]".
func ParseOne(s string) (Relation, error) {
	s = strings.Join(strings.Fields(s), " ")
	m := relationRE.FindStringSubmatch(s)
	if m == nil {
		return Relation{}, errors.ValidationError("unparsable relation").
			WithContext("relation", s).
			Build()
	}
	rel := Relation{
		Name:          m[1],
		ArchQualifier: m[2],
		Profiles:      strings.TrimSpace(m[6]),
	}
	if m[3] != "" {
		op := Operator(m[3])
		if !op.valid() {
			return Relation{}, errors.ValidationError("unknown version operator").
				WithContext("relation", s).
				WithContext("operator", m[3]).
				Build()
		}
		rel.Constraint = &Constraint{Op: op, Version: m[4]}
	}
	if m[5] != "" {
		rel.Architectures = strings.Fields(m[5])
	}
	return rel, nil
}
