package iot

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var ErrBlobTooLarge = errors.New("blob exceeds size limit")

type BlobStore interface {
	// Save stores at most maxBytes of r and returns a reference for Open and
	// Delete. maxBytes <= 0 means unlimited.
	Save(ownerID, filename string, r io.Reader, maxBytes int64) (ref string, size int64, err error)
	Open(ref string) (io.ReadCloser, error)
	Delete(ref string) error
}

// LocalBlobStore keeps images on the local filesystem under Dir/<owner>/.
type LocalBlobStore struct {
	Dir string
}

func NewLocalBlobStore(dir string) (*LocalBlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &LocalBlobStore{Dir: dir}, nil
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

func safeSegment(s string) string {
	s = unsafePathChars.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

func (s *LocalBlobStore) path(ref string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid blob ref %q", ref)
	}
	return filepath.Join(s.Dir, clean), nil
}

func (s *LocalBlobStore) Save(ownerID, filename string, r io.Reader, maxBytes int64) (string, int64, error) {
	name := uuid.NewString()
	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" && len(ext) <= 8 {
		name += unsafePathChars.ReplaceAllString(ext, "")
	}
	ref := safeSegment(ownerID) + "/" + name

	full, err := s.path(ref)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", 0, err
	}

	f, err := os.Create(full)
	if err != nil {
		return "", 0, err
	}

	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	size, err := io.Copy(f, src)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil && maxBytes > 0 && size > maxBytes {
		err = ErrBlobTooLarge
	}
	if err != nil {
		_ = os.Remove(full)
		return "", 0, err
	}

	return ref, size, nil
}

func (s *LocalBlobStore) Open(ref string) (io.ReadCloser, error) {
	full, err := s.path(ref)
	if err != nil {
		return nil, err
	}
	return os.Open(full)
}

func (s *LocalBlobStore) Delete(ref string) error {
	full, err := s.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
