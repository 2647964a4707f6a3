// Package version implements Debian package version parsing and ordering.
package version

import (
	"strconv"
	"strings"

	"git.home.luguber.info/inful/pkgbuildd/internal/foundation/errors"
)

// Version is a parsed Debian version: [epoch:]upstream[-revision].
type Version struct {
	Epoch    uint
	Upstream string
	Revision string
}

// Parse splits s into its epoch, upstream and revision parts.
func Parse(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Version{}, errors.ValidationError("empty version").Build()
	}
	var v Version
	if i := strings.IndexByte(s, ':'); i >= 0 {
		epoch, err := strconv.ParseUint(s[:i], 10, 32)
		if err != nil {
			return Version{}, errors.WrapError(err, errors.CategoryValidation, "invalid epoch").
				WithContext("version", s).
				Build()
		}
		v.Epoch = uint(epoch)
		s = s[i+1:]
	}
	if i := strings.LastIndexByte(s, '-'); i >= 0 {
		v.Upstream, v.Revision = s[:i], s[i+1:]
	} else {
		v.Upstream = s
	}
	if v.Upstream == "" || !isDigit(v.Upstream[0]) {
		return Version{}, errors.ValidationError("upstream version must start with a digit").
			WithContext("version", s).
			Build()
	}
	for i := 0; i < len(s); i++ {
		if !validChar(s[i]) {
			return Version{}, errors.ValidationError("invalid character in version").
				WithContext("version", s).
				Build()
		}
	}
	return v, nil
}

// MustParse is Parse for known-good literals.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Version) String() string {
	var b strings.Builder
	if v.Epoch > 0 {
		b.WriteString(strconv.FormatUint(uint64(v.Epoch), 10))
		b.WriteByte(':')
	}
	b.WriteString(v.Upstream)
	if v.Revision != "" {
		b.WriteByte('-')
		b.WriteString(v.Revision)
	}
	return b.String()
}

// Compare returns -1, 0 or +1 following dpkg ordering.
func Compare(a, b Version) int {
	switch {
	case a.Epoch < b.Epoch:
		return -1
	case a.Epoch > b.Epoch:
		return 1
	}
	if c := compareFragment(a.Upstream, b.Upstream); c != 0 {
		return sign(c)
	}
	return sign(compareFragment(a.Revision, b.Revision))
}

// CompareStrings parses both operands and compares them.
func CompareStrings(a, b string) (int, error) {
	va, err := Parse(a)
	if err != nil {
		return 0, err
	}
	vb, err := Parse(b)
	if err != nil {
		return 0, err
	}
	return Compare(va, vb), nil
}

// compareFragment is dpkg's verrevcmp: alternating non-digit and digit runs,
// where '~' sorts before everything including the end of the string and
// letters sort before other punctuation.
func compareFragment(a, b string) int {
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		for (i < len(a) && !isDigit(a[i])) || (j < len(b) && !isDigit(b[j])) {
			ac, bc := order(a, i), order(b, j)
			if ac != bc {
				return ac - bc
			}
			i++
			j++
		}
		for i < len(a) && a[i] == '0' {
			i++
		}
		for j < len(b) && b[j] == '0' {
			j++
		}
		firstDiff := 0
		for i < len(a) && isDigit(a[i]) && j < len(b) && isDigit(b[j]) {
			if firstDiff == 0 {
				firstDiff = int(a[i]) - int(b[j])
			}
			i++
			j++
		}
		if i < len(a) && isDigit(a[i]) {
			return 1
		}
		if j < len(b) && isDigit(b[j]) {
			return -1
		}
		if firstDiff != 0 {
			return firstDiff
		}
	}
	return 0
}

func order(s string, i int) int {
	if i >= len(s) {
		return 0
	}
	c := s[i]
	switch {
	case isDigit(c):
		return 0
	case isAlpha(c):
		return int(c)
	case c == '~':
		return -1
	default:
		return int(c) + 256
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isAlpha(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }

func validChar(c byte) bool {
	return isDigit(c) || isAlpha(c) || strings.IndexByte(".+-~:", c) >= 0
}

func sign(c int) int {
	switch {
	case c < 0:
		return -1
	case c > 0:
		return 1
	}
	return 0
}
