package commands

import (
	"context"
	stdErrors "errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/pkgbuildd/internal/builder"
	"git.home.luguber.info/inful/pkgbuildd/internal/buildmanager"
	"git.home.luguber.info/inful/pkgbuildd/internal/filecache"
	"git.home.luguber.info/inful/pkgbuildd/internal/foundation/errors"
	"git.home.luguber.info/inful/pkgbuildd/internal/logfields"
)

// BuildCmd implements the 'build' command.
type BuildCmd struct {
	Request string            `arg:"" type:"existingfile" help:"Build request file (YAML or JSON)"`
	File    map[string]string `short:"f" help:"Input file as name=path, added to the file cache"`
	Chroot  string            `type:"existingfile" help:"Build environment tarball, added to the file cache"`
	Keep    bool              `help:"Leave the builder WAITING instead of cleaning up"`
}

func (b *BuildCmd) Run(g *Global, root *CLI) error {
	cfg, logger, err := loadConfig(root)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	req, err := readRequest(b.Request)
	if err != nil {
		return err
	}

	cache, err := filecache.New(cfg.Builder.CacheDir)
	if err != nil {
		return err
	}
	if req.Files == nil {
		req.Files = make(map[string]string, len(b.File))
	}
	for name, path := range b.File {
		sum, err := cache.AddFile(path)
		if err != nil {
			return err
		}
		req.Files[name] = sum
	}
	if b.Chroot != "" {
		if req.Chroot, err = cache.AddFile(b.Chroot); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(cfg.Builder.Home, 0o750); err != nil {
		return errors.WrapError(err, errors.CategoryFileSystem, "failed to create builder home").
			WithContext("path", cfg.Builder.Home).
			Build()
	}
	bld, err := builder.New(builder.Config{
		Home:        cfg.Builder.Home,
		SharePath:   cfg.Builder.SharePath,
		Backend:     cfg.Builder.Backend,
		Arch:        cfg.Builder.Arch,
		ReapTimeout: cfg.Builder.ReapTimeout,
		Env:         cfg.Builder.EnvList(),
		TypeOptions: buildmanager.TypeOptions{SbuildArgs: cfg.BuildTypes.SbuildArgs},
		Cache:       cache,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	if err := bld.StartBuild(req); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		if err := bld.Abort(); err != nil && !stdErrors.Is(err, builder.ErrNotBuilding) {
			logger.Warn("Abort failed", logfields.Error(err))
		}
	}()
	bld.Wait()

	snap := bld.Status()
	if err := printResult(g, snap); err != nil {
		return err
	}
	if !b.Keep {
		if err := bld.Clean(); err != nil {
			logger.Warn("Clean failed", logfields.Error(err))
		}
	}
	if snap.Outcome.Failed() {
		return fmt.Errorf("build %s finished with %s", snap.BuildID, snap.Outcome)
	}
	return nil
}

func readRequest(path string) (builder.Request, error) {
	var req builder.Request
	// #nosec G304 -- operator supplied request file
	data, err := os.ReadFile(path)
	if err != nil {
		return req, errors.WrapError(err, errors.CategoryFileSystem, "failed to read build request").
			WithContext("path", path).
			Build()
	}
	if err := yaml.Unmarshal(data, &req); err != nil {
		return req, errors.WrapError(err, errors.CategoryValidation, "invalid build request").
			WithContext("path", path).
			Build()
	}
	if req.BuildID == "" {
		req.BuildID = uuid.NewString()
	}
	return req, nil
}

func printResult(g *Global, snap builder.Snapshot) error {
	w := g.out()
	line := fmt.Sprintf("%s %s", snap.BuildID, snap.Outcome)
	if snap.Dependency != "" {
		line += " " + snap.Dependency
	}
	if _, err := fmt.Fprintln(w, line); err != nil {
		return err
	}
	names := make([]string, 0, len(snap.WaitingFiles))
	for name := range snap.WaitingFiles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := fmt.Fprintf(w, "  %s %s\n", snap.WaitingFiles[name], name); err != nil {
			return err
		}
	}
	return nil
}
