// Package blob stores uploaded source files on the local filesystem and
// fingerprints them while they are written.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a reference does not name a stored object.
var ErrNotFound = errors.New("blob not found")

// Object describes a stored file.
type Object struct {
	Ref    string // opaque name relative to the store root
	Size   int64
	SHA256 string // hex-encoded content fingerprint
}

// FileStore keeps objects as flat files under a root directory.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root %s: %w", root, err)
	}
	return &FileStore{root: root}, nil
}

// Root returns the store directory.
func (s *FileStore) Root() string { return s.root }

// Put streams r into a new object named after a fresh UUID, keeping the
// extension of originalName. The SHA-256 of the content is computed on the way.
func (s *FileStore) Put(ctx context.Context, originalName string, r io.Reader) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}

	ref := uuid.NewString() + strings.ToLower(filepath.Ext(originalName))
	f, err := os.OpenFile(filepath.Join(s.root, ref), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return Object{}, fmt.Errorf("create blob: %w", err)
	}

	h := sha256.New()
	n, copyErr := io.Copy(io.MultiWriter(f, h), r)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(filepath.Join(s.root, ref))
		return Object{}, fmt.Errorf("write blob: %w", err)
	}

	return Object{Ref: ref, Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

// Path resolves a reference to its absolute location. References never
// escape the root.
func (s *FileStore) Path(ref string) string {
	return filepath.Join(s.root, filepath.Base(ref))
}

// Open returns a reader for a stored object.
func (s *FileStore) Open(ref string) (io.ReadCloser, error) {
	f, err := os.Open(s.Path(ref))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// Delete removes an object. Deleting a missing object is not an error.
func (s *FileStore) Delete(ref string) error {
	err := os.Remove(s.Path(ref))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete blob %s: %w", ref, err)
	}
	return nil
}

// Fingerprint returns the hex SHA-256 of data.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
