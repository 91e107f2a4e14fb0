package storage

import (
	"context"
	"os"
	"path/filepath"
)

// Local writes objects below a root directory. The HTTP server exposes the
// root under URLPrefix.
type Local struct {
	root      string
	urlPrefix string
}

// NewLocal creates a Local backend rooted at dir, served under urlPrefix
// (for example "/assets"). The directory is created if missing.
func NewLocal(dir, urlPrefix string) (*Local, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &Local{root: abs, urlPrefix: urlPrefix}, nil
}

// Root returns the absolute directory objects are written to.
func (l *Local) Root() string {
	return l.root
}

func (l *Local) resolve(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(key))
}

// Put writes data to a temporary file and renames it into place so readers
// never observe a partial object.
func (l *Local) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	full := l.resolve(key)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".tmp-*")
	if err != nil {
		return "", err
	}
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err = os.Rename(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return l.urlPrefix + "/" + key, nil
}

var _ Backend = (*Local)(nil)
