package config

import (
	"os"

	"github.com/joho/godotenv"

	"git.home.luguber.info/inful/pkgbuildd/internal/foundation/errors"
)

// envFiles are merged into the process environment before a config file is
// expanded, in this order.
var envFiles = []string{".env", ".env.local"}

// LoadEnvFiles loads every env file that exists and returns their names.
// Variables already set in the environment are not overwritten.
func LoadEnvFiles() ([]string, error) {
	var loaded []string
	for _, name := range envFiles {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			return loaded, errors.WrapError(err, errors.CategoryConfig, "failed to load env file").
				WithContext("path", name).
				Build()
		}
		loaded = append(loaded, name)
	}
	return loaded, nil
}
