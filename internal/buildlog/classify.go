// Package buildlog classifies build helper results by exit status and by
// scanning the build log for known failure signatures.
package buildlog

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"git.home.luguber.info/inful/pkgbuildd/internal/foundation/errors"
	"git.home.luguber.info/inful/pkgbuildd/internal/logfields"
)

// MaxScanBytes bounds how much of a log is read when no stop marker appears.
const MaxScanBytes = 64 << 20

// Classification is the result of scanning a log.
type Classification struct {
	Outcome    Outcome
	Dependency string
	// Rule names the pattern that decided the outcome, if any.
	Rule string
	// NeedsAnalysis is set when the log shows an uninstallable dependency
	// but not which one; Outcome is then DEPFAIL with no Dependency.
	NeedsAnalysis bool
}

// Region returns the log text up to (not including) the first line that
// matches a stop marker. Only the first MaxScanBytes are read; the rest of
// a longer log is ignored with a warning.
func Region(r io.Reader, stop []*regexp.Regexp) (string, error) {
	return scanRegion(r, stop, MaxScanBytes, slog.Default())
}

func scanRegion(r io.Reader, stop []*regexp.Regexp, limit int, logger *slog.Logger) (string, error) {
	var b strings.Builder
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		if b.Len() >= limit {
			if _, err := br.Peek(1); err == nil {
				logger.Warn("Build log truncated for classification", slog.Int("limit_bytes", limit))
			}
			break
		}
		line, err := br.ReadString('\n')
		if line != "" {
			if isStop(strings.TrimRight(line, "\r\n"), stop) {
				break
			}
			b.WriteString(line)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", errors.WrapError(err, errors.CategoryFileSystem, "read build log").Build()
		}
	}
	return b.String(), nil
}

func isStop(line string, stop []*regexp.Regexp) bool {
	for _, re := range stop {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// Classify refines a raw exit-status outcome using the log region. GiveBack
// rules apply to DEPFAIL and PACKAGEFAIL; DepWait rules apply to DEPFAIL
// only, and a DEPFAIL no rule explains becomes PACKAGEFAIL.
func (rs Rules) Classify(raw Outcome, region string) Classification {
	if raw == OutcomeDepFail || raw == OutcomePackageFail {
		for _, rule := range rs.GiveBack {
			if _, ok := rule.match(region); ok {
				return Classification{Outcome: OutcomeGivenBack, Rule: rule.Name}
			}
		}
	}
	if raw != OutcomeDepFail {
		return Classification{Outcome: raw}
	}
	for _, rule := range rs.DepWait {
		dep, ok := rule.match(region)
		if !ok {
			continue
		}
		if rule.Analyze {
			return Classification{Outcome: OutcomeDepFail, Rule: rule.Name, NeedsAnalysis: true}
		}
		return Classification{Outcome: OutcomeDepFail, Dependency: dep, Rule: rule.Name}
	}
	return Classification{Outcome: OutcomePackageFail}
}

// ClassifyFile reads the region of the log at path and classifies it.
func (rs Rules) ClassifyFile(path string, raw Outcome) (Classification, error) {
	if raw != OutcomeDepFail && raw != OutcomePackageFail {
		return Classification{Outcome: raw}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Classification{}, errors.WrapError(err, errors.CategoryFileSystem, "open build log").
			WithContext("path", path).
			Build()
	}
	defer func() { _ = f.Close() }()

	region, err := scanRegion(f, rs.Stop, MaxScanBytes, slog.Default().With(logfields.Path(path)))
	if err != nil {
		return Classification{}, err
	}
	return rs.Classify(raw, region), nil
}

func (r Rule) match(text string) (string, bool) {
	var loc []int
	if r.Last {
		all := r.Pattern.FindAllStringSubmatchIndex(text, -1)
		if len(all) == 0 {
			return "", false
		}
		loc = all[len(all)-1]
	} else {
		loc = r.Pattern.FindStringSubmatchIndex(text)
		if loc == nil {
			return "", false
		}
	}
	if r.Template == "" {
		return "", true
	}
	return string(r.Pattern.ExpandString(nil, r.Template, text, loc)), true
}
