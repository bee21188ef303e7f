package dataset

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrUploadNotFound is returned when a file ID has no stored upload.
var ErrUploadNotFound = errors.New("upload not found")

// ErrUploadTooLarge is returned when an upload exceeds the size cap.
var ErrUploadTooLarge = errors.New("upload exceeds size limit")

// UploadStore keeps raw uploaded files on disk keyed by opaque file IDs.
type UploadStore struct {
	dir      string
	maxBytes int64
}

// NewUploadStore creates the upload directory if needed.
func NewUploadStore(dir string, maxBytes int64) (*UploadStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload dir: %w", err)
	}
	return &UploadStore{dir: dir, maxBytes: maxBytes}, nil
}

// Save streams the upload to disk and returns its file ID. Reads at most
// maxBytes+1 so oversized uploads fail without buffering the whole body.
func (s *UploadStore) Save(r io.Reader, filename string) (string, error) {
	fileID := "file_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]

	ext := filepath.Ext(filepath.Base(filename))
	path := filepath.Join(s.dir, fileID+ext)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("creating upload file: %w", err)
	}

	written, err := io.Copy(f, io.LimitReader(r, s.maxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("writing upload: %w", err)
	}
	if written > s.maxBytes {
		os.Remove(path)
		return "", ErrUploadTooLarge
	}
	return fileID, nil
}

// Open returns a reader over a stored upload. File IDs that do not match
// a stored file, including any containing path separators, are rejected.
func (s *UploadStore) Open(fileID string) (io.ReadCloser, error) {
	if fileID == "" || fileID != filepath.Base(fileID) || strings.Contains(fileID, "..") {
		return nil, ErrUploadNotFound
	}

	matches, err := filepath.Glob(filepath.Join(s.dir, fileID+"*"))
	if err != nil || len(matches) == 0 {
		return nil, ErrUploadNotFound
	}

	f, err := os.Open(matches[0])
	if err != nil {
		return nil, ErrUploadNotFound
	}
	return f, nil
}

// Remove deletes a stored upload. Missing files are not an error.
func (s *UploadStore) Remove(fileID string) error {
	if fileID == "" || fileID != filepath.Base(fileID) {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(s.dir, fileID+"*"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
