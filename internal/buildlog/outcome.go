package buildlog

// Outcome is the classified result of a build.
type Outcome string

const (
	OutcomeOK          Outcome = "OK"
	OutcomeDepFail     Outcome = "DEPFAIL"
	OutcomeGivenBack   Outcome = "GIVENBACK"
	OutcomePackageFail Outcome = "PACKAGEFAIL"
	OutcomeChrootFail  Outcome = "CHROOTFAIL"
	OutcomeBuilderFail Outcome = "BUILDERFAIL"
	OutcomeAborted     Outcome = "ABORTED"
)

// Failed reports whether the outcome is anything other than success.
func (o Outcome) Failed() bool {
	return o != OutcomeOK && o != ""
}

// CodeTable maps a build helper's exit status onto a raw outcome.
type CodeTable struct {
	Codes   map[int]Outcome
	Default Outcome
}

// Outcome looks up code; unknown codes map to Default.
func (t CodeTable) Outcome(code int) Outcome {
	if o, ok := t.Codes[code]; ok {
		return o
	}
	return t.Default
}

// SbuildCodes is the exit status table of the binary package build helper.
var SbuildCodes = CodeTable{
	Codes: map[int]Outcome{
		0: OutcomeOK,
		1: OutcomeDepFail,
		2: OutcomeGivenBack,
		3: OutcomePackageFail,
	},
	Default: OutcomeBuilderFail,
}

// RecipeCodes is the exit status table of the recipe build helper.
var RecipeCodes = CodeTable{
	Codes: map[int]Outcome{
		0:   OutcomeOK,
		200: OutcomePackageFail, // installing the build environment failed
		201: OutcomePackageFail, // building the tree failed
		202: OutcomeDepFail,     // installing build dependencies failed
		203: OutcomePackageFail, // building the source package failed
	},
	Default: OutcomeBuilderFail,
}

// ArtifactCodes is the exit status table shared by the snap and charm helpers.
var ArtifactCodes = CodeTable{
	Codes: map[int]Outcome{
		0:   OutcomeOK,
		200: OutcomePackageFail,
		201: OutcomePackageFail,
	},
	Default: OutcomeBuilderFail,
}
