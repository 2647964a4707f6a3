// Package errors provides classified error primitives for pkgbuildd.
//
// Every error that crosses a package boundary carries a category, a
// severity and a retry hint. The build manager uses the category to pick
// a build outcome when an internal step fails, the HTTP API uses it to pick
// a status code, and the CLI uses it to pick an exit code.
//
// Example usage:
//
//	err := errors.WrapError(cause, errors.CategoryProcess, "failed to start helper").
//		WithContext("helper", "in-target").
//		Build()
package errors
