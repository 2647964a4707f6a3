package builder

import (
	"io"
	"os"
	"sync"

	"git.home.luguber.info/inful/pkgbuildd/internal/foundation/errors"
)

// logFile is the build log. Helper output and status lines are appended
// from several goroutines.
type logFile struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

// reset truncates the log and keeps it open for appending.
func (l *logFile) reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f != nil {
		_ = l.f.Close()
		l.f = nil
	}
	// #nosec G304 -- configured log path
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.WrapError(err, errors.CategoryFileSystem, "open build log").
			WithContext("path", l.path).
			Build()
	}
	l.f = f
	return nil
}

func (l *logFile) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return len(p), nil
	}
	return l.f.Write(p)
}

func (l *logFile) WriteString(s string) {
	_, _ = l.Write([]byte(s))
}

func (l *logFile) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f != nil {
		_ = l.f.Close()
		l.f = nil
	}
}

// tail returns at most n bytes from the end of the log.
func (l *logFile) tail(n int64) ([]byte, error) {
	// #nosec G304 -- configured log path
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WrapError(err, errors.CategoryFileSystem, "open build log").Build()
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryFileSystem, "stat build log").Build()
	}
	offset := info.Size() - n
	if n <= 0 || offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, errors.WrapError(err, errors.CategoryFileSystem, "seek build log").Build()
	}
	return io.ReadAll(f)
}
