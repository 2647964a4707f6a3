package buildlog

import "regexp"

// Rule is one log pattern. When Pattern matches, Template is expanded over
// its named groups to yield a dependency string. Rules with Analyze set
// yield no string of their own; the caller must work the dependency out by
// analysing the build environment instead.
type Rule struct {
	Name     string
	Pattern  *regexp.Regexp
	Template string
	// Last selects the final match in the scanned region.
	Last    bool
	Analyze bool
}

// Rules is the log scanning configuration for one build type.
type Rules struct {
	// GiveBack patterns turn a DEPFAIL or PACKAGEFAIL into GIVENBACK.
	GiveBack []Rule
	// DepWait patterns extract the missing dependency from a DEPFAIL.
	DepWait []Rule
	// Stop ends the scanned region at the first line matching any entry.
	Stop []*regexp.Regexp
}

const (
	pkgChars = `[\-+.\w]+`
	verChars = `[\-.+\w:~]+`
	dummy    = `(?m)^\s*sbuild-build-depends-[\w.+\-]+-dummy : Depends: `
)

// SbuildRules are the patterns for sbuild logs.
var SbuildRules = Rules{
	GiveBack: []Rule{
		{Name: "force-yes", Pattern: regexp.MustCompile(`(?m)^E: There are problems and -y was used without --force-yes`)},
	},
	DepWait: []Rule{
		{
			Name:     "inst-later",
			Pattern:  regexp.MustCompile(`(?P<p>` + pkgChars + `)\(inst [^ ]+ ! >> wanted (?P<v>` + verChars + `)\)`),
			Template: "${p} (>> ${v})",
		},
		{
			Name:     "inst-later-equal",
			Pattern:  regexp.MustCompile(`(?P<p>` + pkgChars + `)\(inst [^ ]+ ! >?= wanted (?P<v>` + verChars + `)\)`),
			Template: "${p} (>= ${v})",
		},
		{
			Name:     "couldnt-find",
			Pattern:  regexp.MustCompile(`(?m)^E: Couldn't find package (?P<p>` + pkgChars + `)`),
			Template: "${p}",
			Last:     true,
		},
		{
			Name:     "no-candidate",
			Pattern:  regexp.MustCompile(`(?m)^E: Package '?(?P<p>` + pkgChars + `)'? has no installation candidate`),
			Template: "${p}",
			Last:     true,
		},
		{
			Name:     "unable-to-locate",
			Pattern:  regexp.MustCompile(`(?m)^E: Unable to locate package (?P<p>` + pkgChars + `)`),
			Template: "${p}",
			Last:     true,
		},
		{
			Name: "wrong-version",
			Pattern: regexp.MustCompile(dummy + `(?P<p>` + pkgChars + `) \((?P<op><<|<=|=|>=|>>|<|>) (?P<v>` + verChars +
				`)\) but ` + verChars + ` is (?:to be )?installed`),
			Template: "${p} (${op} ${v})",
		},
		{
			Name:     "not-installable",
			Pattern:  regexp.MustCompile(dummy + `(?P<p>` + pkgChars + `) but it is not installable`),
			Template: "${p}",
		},
		{
			Name:    "not-going-to-be-installed",
			Pattern: regexp.MustCompile(dummy + pkgChars + `(?: \([^)]*\))? but it is not going to be installed`),
			Analyze: true,
		},
	},
	Stop: []*regexp.Regexp{
		regexp.MustCompile(`^Toolchain package versions:`),
		regexp.MustCompile(`^Fail-Stage:`),
	},
}

// RecipeRules are the patterns for recipe build logs.
var RecipeRules = Rules{
	DepWait: []Rule{
		{
			Name: "unmet-dependency",
			Pattern: regexp.MustCompile(`(?m)The following packages have unmet dependencies:\n` +
				`.*: Depends: (?P<d>[^ \n]*(?: \([^)]*\))?)`),
			Template: "${d}",
		},
	},
}
