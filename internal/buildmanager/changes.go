package buildmanager

import (
	"path/filepath"

	"pault.ag/go/debian/control"

	"git.home.luguber.info/inful/pkgbuildd/internal/foundation/errors"
)

// changesFiles returns the paths of a .changes file and of every file its
// Files section lists, resolved against the .changes file's directory.
func changesFiles(changesPath string) ([]string, error) {
	changes, err := control.ParseChangesFile(changesPath)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryPackage, "read changes file").
			WithContext("path", changesPath).
			Build()
	}
	dir := filepath.Dir(changesPath)
	out := []string{changesPath}
	for _, f := range changes.Files {
		name := f.Filename
		if name == "" || filepath.Base(name) != name {
			return nil, errors.PackageError("changes file lists a path outside its directory").
				WithContext("path", changesPath).
				WithContext("file", name).
				Build()
		}
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

// globFiles returns the files in dir whose names end in one of suffixes.
func globFiles(dir string, suffixes ...string) ([]string, error) {
	var out []string
	for _, suffix := range suffixes {
		matches, err := filepath.Glob(filepath.Join(dir, "*"+suffix))
		if err != nil {
			return nil, errors.WrapError(err, errors.CategoryInternal, "glob results").Build()
		}
		out = append(out, matches...)
	}
	return out, nil
}
