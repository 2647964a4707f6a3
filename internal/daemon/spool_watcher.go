package daemon

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/pkgbuildd/internal/builder"
	"git.home.luguber.info/inful/pkgbuildd/internal/logfields"
)

const (
	spoolProcessedDir = "processed"
	spoolFailedDir    = "failed"
)

// SpoolWatcher starts builds from request files dropped into a directory.
// Writers should create files under a hidden name and rename them into
// place. A request the builder is too busy for stays in the spool and is
// retried on the next scan.
type SpoolWatcher struct {
	dir          string
	submit       func(builder.Request) error
	logger       *slog.Logger
	watcher      *fsnotify.Watcher
	scanMu       sync.Mutex
	pending      chan struct{}
	stopChan     chan struct{}
	stopOnce     sync.Once
	debounceTime time.Duration
}

// NewSpoolWatcher creates the spool directories and a file watcher.
func NewSpoolWatcher(dir string, submit func(builder.Request) error, logger *slog.Logger) (*SpoolWatcher, error) {
	for _, d := range []string{dir, filepath.Join(dir, spoolProcessedDir), filepath.Join(dir, spoolFailedDir)} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create spool directory %s: %w", d, err)
		}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &SpoolWatcher{
		dir:          dir,
		submit:       submit,
		logger:       logger,
		watcher:      watcher,
		pending:      make(chan struct{}, 1),
		stopChan:     make(chan struct{}),
		debounceTime: 250 * time.Millisecond,
	}, nil
}

// Start watches the spool and schedules an initial scan.
func (sw *SpoolWatcher) Start(ctx context.Context) error {
	if err := sw.watcher.Add(sw.dir); err != nil {
		return fmt.Errorf("failed to watch spool directory %s: %w", sw.dir, err)
	}
	sw.logger.Info("Starting spool watcher", logfields.Path(sw.dir))

	go sw.watchLoop(ctx)
	go sw.scanLoop(ctx)
	sw.Trigger()
	return nil
}

// Stop stops the watcher goroutines.
func (sw *SpoolWatcher) Stop() {
	sw.stopOnce.Do(func() {
		close(sw.stopChan)
		if err := sw.watcher.Close(); err != nil {
			sw.logger.Error("Error closing spool watcher", logfields.Error(err))
		}
	})
}

// Trigger schedules a debounced scan.
func (sw *SpoolWatcher) Trigger() {
	select {
	case sw.pending <- struct{}{}:
	default:
	}
}

func (sw *SpoolWatcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sw.stopChan:
			return
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if !isRequestFile(filepath.Base(event.Name)) {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				sw.logger.Debug("Spool request detected", logfields.Path(event.Name))
				sw.Trigger()
			}
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.logger.Error("Spool watcher error", logfields.Error(err))
		}
	}
}

func (sw *SpoolWatcher) scanLoop(ctx context.Context) {
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sw.stopChan:
			return
		case <-sw.pending:
			if timer == nil {
				timer = time.NewTimer(sw.debounceTime)
			} else {
				timer.Reset(sw.debounceTime)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			sw.Scan()
		}
	}
}

// Scan submits spooled requests in name order. It stops at the first
// request the builder is too busy to take.
func (sw *SpoolWatcher) Scan() {
	sw.scanMu.Lock()
	defer sw.scanMu.Unlock()

	entries, err := os.ReadDir(sw.dir)
	if err != nil {
		sw.logger.Error("Failed to read spool directory", logfields.Path(sw.dir), logfields.Error(err))
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && isRequestFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if err := sw.process(name); stdErrors.Is(err, builder.ErrBusy) {
			sw.logger.Debug("Builder busy, leaving spooled request", logfields.Path(name))
			return
		}
	}
}

func (sw *SpoolWatcher) process(name string) error {
	path := filepath.Join(sw.dir, name)
	// #nosec G304 -- file in the operator configured spool
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		sw.logger.Error("Failed to read spooled request", logfields.Path(path), logfields.Error(err))
		return err
	}

	var req builder.Request
	if err := yaml.Unmarshal(data, &req); err != nil {
		sw.reject(name, fmt.Errorf("invalid request: %w", err))
		return err
	}
	if req.BuildID == "" {
		req.BuildID = uuid.NewString()
	}

	if err := sw.submit(req); err != nil {
		if stdErrors.Is(err, builder.ErrBusy) {
			return err
		}
		sw.reject(name, err)
		return err
	}
	sw.logger.Info("Spooled build started", logfields.BuildID(req.BuildID), logfields.Path(path))
	sw.move(name, spoolProcessedDir)
	return nil
}

// reject moves a request to failed/ next to a .error file holding err.
func (sw *SpoolWatcher) reject(name string, err error) {
	sw.logger.Warn("Rejected spooled request", logfields.Path(name), logfields.Error(err))
	errPath := filepath.Join(sw.dir, spoolFailedDir, name+".error")
	if werr := os.WriteFile(errPath, []byte(err.Error()+"\n"), 0o600); werr != nil {
		sw.logger.Error("Failed to write rejection reason", logfields.Path(errPath), logfields.Error(werr))
	}
	sw.move(name, spoolFailedDir)
}

func (sw *SpoolWatcher) move(name, sub string) {
	if err := os.Rename(filepath.Join(sw.dir, name), filepath.Join(sw.dir, sub, name)); err != nil {
		sw.logger.Error("Failed to move spooled request", logfields.Path(name), logfields.Error(err))
	}
}

func isRequestFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
