package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const fileScheme = "file://"

// File stores archived output under a local directory.
type File struct {
	root   string
	prefix string
}

var _ Archive = (*File)(nil)

// NewFile returns a file archive rooted at dir, creating it if needed.
func NewFile(dir, prefix string) (*File, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("archive dir is required")
	}
	root, err := filepath.Abs(filepath.Clean(dir))
	if err != nil {
		return nil, fmt.Errorf("resolve archive dir: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &File{root: root, prefix: prefix}, nil
}

// Put writes data atomically and returns a file:// reference.
func (f *File) Put(_ context.Context, key string, data []byte) (string, error) {
	key, err := cleanKey(f.prefix, key)
	if err != nil {
		return "", err
	}
	path := filepath.Join(f.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", &Error{Op: "Put", Backend: BackendFile, Key: key, Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".archive-*")
	if err != nil {
		return "", &Error{Op: "Put", Backend: BackendFile, Key: key, Err: err}
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", &Error{Op: "Put", Backend: BackendFile, Key: key, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return "", &Error{Op: "Put", Backend: BackendFile, Key: key, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", &Error{Op: "Put", Backend: BackendFile, Key: key, Err: err}
	}
	return fileScheme + filepath.ToSlash(path), nil
}

// Get reads a reference returned by Put.
func (f *File) Get(_ context.Context, ref string) ([]byte, error) {
	if !strings.HasPrefix(ref, fileScheme) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRef, ref)
	}
	path := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(ref, fileScheme)))
	rel, err := filepath.Rel(f.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRef, ref)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &Error{Op: "Get", Backend: BackendFile, Key: rel, Err: ErrNotFound}
	}
	if err != nil {
		return nil, &Error{Op: "Get", Backend: BackendFile, Key: rel, Err: err}
	}
	return data, nil
}

func (f *File) Close() error { return nil }
