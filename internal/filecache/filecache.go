// Package filecache stores build inputs and results by SHA-1 checksum.
//
// Objects live in a content-addressable layout under the cache directory:
//
//	<dir>/
//	  ab/
//	    cd1234... (first 2 hex digits = subdir, rest = filename)
package filecache

import (
	"crypto/sha1" // #nosec G505 -- checksums name files for the build farm, not for security
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync"

	"git.home.luguber.info/inful/pkgbuildd/internal/foundation/errors"
)

const sumLen = sha1.Size * 2

// Store is a filesystem file cache keyed by SHA-1.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New opens the cache rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.WrapError(err, errors.CategoryFileSystem, "create file cache").
			WithContext("path", dir).
			Build()
	}
	return &Store{dir: dir}, nil
}

// Dir returns the cache root.
func (s *Store) Dir() string { return s.dir }

// Put copies r into the cache and returns its checksum. Content already in
// the cache is not written twice.
func (s *Store) Put(r io.Reader) (string, error) {
	tmp, err := os.CreateTemp(s.dir, ".incoming-*")
	if err != nil {
		return "", errors.WrapError(err, errors.CategoryFileSystem, "create cache temp file").Build()
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	h := sha1.New() // #nosec G401
	if _, err := io.Copy(io.MultiWriter(tmp, h), r); err != nil {
		_ = tmp.Close()
		return "", errors.WrapError(err, errors.CategoryFileSystem, "write cache object").Build()
	}
	if err := tmp.Close(); err != nil {
		return "", errors.WrapError(err, errors.CategoryFileSystem, "close cache object").Build()
	}
	sum := hex.EncodeToString(h.Sum(nil))

	s.mu.Lock()
	defer s.mu.Unlock()

	dst := s.objectPath(sum)
	if _, err := os.Stat(dst); err == nil {
		return sum, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return "", errors.WrapError(err, errors.CategoryFileSystem, "create cache directory").Build()
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", errors.WrapError(err, errors.CategoryFileSystem, "store cache object").
			WithContext("sha1", sum).
			Build()
	}
	return sum, nil
}

// AddFile stores the file at path and returns its checksum.
func (s *Store) AddFile(path string) (string, error) {
	// #nosec G304 -- path is a gathered build result
	f, err := os.Open(path)
	if err != nil {
		return "", errors.WrapError(err, errors.CategoryFileSystem, "open result file").
			WithContext("path", path).
			Build()
	}
	defer func() { _ = f.Close() }()
	return s.Put(f)
}

// Path returns the location of the object with checksum sum.
func (s *Store) Path(sum string) (string, error) {
	if !validSum(sum) {
		return "", errors.ValidationError("invalid sha1").WithContext("sha1", sum).Build()
	}
	path := s.objectPath(sum)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", errors.NotFoundError("file not in cache").WithContext("sha1", sum).Build()
		}
		return "", errors.WrapError(err, errors.CategoryFileSystem, "stat cache object").Build()
	}
	return path, nil
}

// Open opens the object with checksum sum for reading.
func (s *Store) Open(sum string) (*os.File, error) {
	path, err := s.Path(sum)
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- path is built from a validated checksum
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryFileSystem, "open cache object").Build()
	}
	return f, nil
}

// Exists reports whether the object with checksum sum is cached.
func (s *Store) Exists(sum string) bool {
	_, err := s.Path(sum)
	return err == nil
}

// Remove deletes the object with checksum sum.
func (s *Store) Remove(sum string) error {
	path, err := s.Path(sum)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil {
		return errors.WrapError(err, errors.CategoryFileSystem, "remove cache object").Build()
	}
	_ = os.Remove(filepath.Dir(path)) // only succeeds when empty
	return nil
}

func (s *Store) objectPath(sum string) string {
	return filepath.Join(s.dir, sum[:2], sum[2:])
}

func validSum(sum string) bool {
	if len(sum) != sumLen {
		return false
	}
	for _, c := range sum {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
