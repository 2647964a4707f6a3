package buildmanager

import (
	"os"
	"path/filepath"

	"git.home.luguber.info/inful/pkgbuildd/internal/buildlog"
	"git.home.luguber.info/inful/pkgbuildd/internal/foundation/errors"
	"git.home.luguber.info/inful/pkgbuildd/internal/process"
)

// StateBuildRecipe is the run state of recipe builds.
const StateBuildRecipe State = "BUILD_RECIPE"

// recipeWorkDir is where the recipe helper works inside the build root.
var recipeWorkDir = filepath.Join("home", "buildd", "work")

// Recipe assembles a source package from a recipe of branches.
type Recipe struct {
	noAnalysis
}

func (*Recipe) Name() string    { return "sourcepackagerecipe" }
func (*Recipe) RunState() State { return StateBuildRecipe }

func (r *Recipe) Prepare(b *Build) error {
	for field, value := range map[string]string{
		"recipe_text":  b.Args.RecipeText,
		"suite":        b.Args.Suite,
		"author_name":  b.Args.AuthorName,
		"author_email": b.Args.AuthorEmail,
	} {
		if err := requireArg(r.Name(), field, value); err != nil {
			return err
		}
	}
	return nil
}

// Command writes the recipe into the build root and runs the helper.
func (r *Recipe) Command(b *Build, h Helpers) (process.Command, error) {
	work := b.RootPath(recipeWorkDir)
	if err := os.MkdirAll(work, 0o755); err != nil {
		return process.Command{}, errors.WrapError(err, errors.CategoryFileSystem, "create recipe work directory").
			WithContext("path", work).
			Build()
	}
	if err := os.WriteFile(filepath.Join(work, "recipe"), []byte(b.Args.RecipeText), 0o644); err != nil {
		return process.Command{}, errors.WrapError(err, errors.CategoryFileSystem, "write recipe").Build()
	}
	return h.InTarget(b, "buildrecipe",
		b.Args.AuthorName, b.Args.AuthorEmail, b.Args.Suite,
		b.Series(), b.Args.Component, b.Args.ArchivePurpose), nil
}

func (*Recipe) Codes() buildlog.CodeTable { return buildlog.RecipeCodes }
func (*Recipe) Rules() buildlog.Rules     { return buildlog.RecipeRules }

// Gather returns the source .changes, the files it lists and the manifest.
func (*Recipe) Gather(b *Build) ([]string, error) {
	work := b.RootPath(recipeWorkDir)
	matches, err := globFiles(work, "_source.changes")
	if err != nil {
		return nil, err
	}
	if len(matches) != 1 {
		return nil, errors.PackageError("expected exactly one source changes file").
			WithContext("path", work).
			WithContext("found", len(matches)).
			Build()
	}
	files, err := changesFiles(matches[0])
	if err != nil {
		return nil, err
	}
	manifest := filepath.Join(work, "manifest")
	if _, err := os.Stat(manifest); err == nil {
		files = append(files, manifest)
	}
	return files, nil
}
