// Package handlers contains the HTTP handlers of the build daemon.
//
// The build farm drives a builder through these endpoints: it polls status,
// uploads inputs into the file cache, starts, aborts and cleans builds, and
// downloads the waiting result files. Errors are written through the
// foundation/errors HTTP adapter.
package handlers
