// Package aptindex builds an in-memory view of what a build environment's
// apt package lists make available.
package aptindex

import (
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"

	"pault.ag/go/debian/control"

	"git.home.luguber.info/inful/pkgbuildd/internal/foundation/errors"
)

// ListsDir is the apt lists directory relative to a target root.
const ListsDir = "var/lib/apt/lists"

// packagesSuffix selects package-list cache files inside ListsDir.
const packagesSuffix = "_Packages"

// Versions is the set of versions observed for one name. Unversioned is set
// when the name was supplied by a Provides entry without a version.
type Versions struct {
	concrete    map[string]struct{}
	unversioned bool
}

// Add records a concrete version.
func (v *Versions) Add(version string) {
	if v.concrete == nil {
		v.concrete = make(map[string]struct{})
	}
	v.concrete[version] = struct{}{}
}

// AddUnversioned records that an unversioned provider exists.
func (v *Versions) AddUnversioned() {
	v.unversioned = true
}

// Concrete returns the concrete versions in lexical order.
func (v *Versions) Concrete() []string {
	out := make([]string, 0, len(v.concrete))
	for ver := range v.concrete {
		out = append(out, ver)
	}
	sort.Strings(out)
	return out
}

// HasUnversioned reports whether an unversioned provider was seen.
func (v *Versions) HasUnversioned() bool {
	return v.unversioned
}

// Contains reports whether version was recorded.
func (v *Versions) Contains(version string) bool {
	_, ok := v.concrete[version]
	return ok
}

// Index maps package (and virtual package) names to available versions.
type Index map[string]*Versions

func (idx Index) entry(name string) *Versions {
	v, ok := idx[name]
	if !ok {
		v = &Versions{}
		idx[name] = v
	}
	return v
}

// Add records name at version.
func (idx Index) Add(name, version string) {
	idx.entry(name).Add(version)
}

// AddUnversioned records an unversioned provider of name.
func (idx Index) AddUnversioned(name string) {
	idx.entry(name).AddUnversioned()
}

// Lookup returns the versions known for name.
func (idx Index) Lookup(name string) (*Versions, bool) {
	v, ok := idx[name]
	return v, ok
}

// Names returns every known name in sorted order.
func (idx Index) Names() []string {
	names := make([]string, 0, len(idx))
	for name := range idx {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

var provideRE = regexp.MustCompile(`^\s*([^\s(]+)\s*(?:\(\s*=\s*(\S+)\s*\))?`)

// Parse reads one Packages stream into idx. Each stanza contributes
// Package/Version; each Provides entry contributes its name with its
// "(= version)" if given, otherwise an unversioned marker.
func Parse(r io.Reader, idx Index) error {
	reader, err := control.NewParagraphReader(r, nil)
	if err == io.EOF {
		// Too short to hold a stanza.
		return nil
	}
	if err != nil {
		return err
	}
	for {
		p, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		name, version := p.Values["Package"], p.Values["Version"]
		if name == "" {
			continue
		}
		idx.Add(name, version)

		provides := strings.ReplaceAll(p.Values["Provides"], "\n", " ")
		for _, item := range strings.Split(provides, ",") {
			m := provideRE.FindStringSubmatch(item)
			if m == nil {
				continue
			}
			if m[2] != "" {
				idx.Add(m[1], m[2])
			} else {
				idx.AddUnversioned(m[1])
			}
		}
	}
}

// Load builds an index from every package-list cache file under the target
// root's apt lists directory. Other files in the directory are ignored.
func Load(root string) (Index, error) {
	dir := filepath.Join(root, ListsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryFileSystem, "read apt lists").
			WithContext("path", dir).
			Build()
	}

	idx := make(Index)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), packagesSuffix) {
			continue
		}
		if err := loadFile(filepath.Join(dir, entry.Name()), idx); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

func loadFile(path string, idx Index) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.WrapError(err, errors.CategoryFileSystem, "open package list").
			WithContext("path", path).
			Build()
	}
	defer func() { _ = f.Close() }()
	if err := Parse(f, idx); err != nil {
		return errors.WrapError(err, errors.CategoryFileSystem, "parse package list").
			WithContext("path", path).
			Build()
	}
	return nil
}
