// Package webroot serves files from an on-disk directory without letting a
// request escape it, through ".." segments or symlinks.
package webroot

import (
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var ErrOutsideRoot = errors.New("path must be inside the static root")

type Root struct {
	dir  string
	real string
}

func New(dir string) (*Root, error) {
	resolved := filepath.Clean(dir)
	real, err := filepath.EvalSymlinks(resolved)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(real)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("static root must be a directory")
	}
	return &Root{dir: resolved, real: real}, nil
}

func (r *Root) Dir() string {
	return r.real
}

// Resolve maps a URL path to a file under the root. Directories resolve to
// their index.html. Dot files are never served.
func (r *Root) Resolve(urlPath string) (string, error) {
	cleaned := strings.TrimPrefix(path.Clean("/"+urlPath), "/")
	for _, segment := range strings.Split(cleaned, "/") {
		if strings.HasPrefix(segment, ".") {
			return "", os.ErrNotExist
		}
	}

	target := filepath.Join(r.real, filepath.FromSlash(cleaned))
	real, err := filepath.EvalSymlinks(target)
	if err != nil {
		return "", err
	}
	if real != r.real && !strings.HasPrefix(real, r.real+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}

	info, err := os.Stat(real)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return r.Resolve(path.Join(cleaned, "index.html"))
	}
	return real, nil
}

// ReadFile returns the contents of the file urlPath resolves to, along with
// its on-disk name.
func (r *Root) ReadFile(urlPath string) ([]byte, string, error) {
	resolved, err := r.Resolve(urlPath)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, "", err
	}
	return data, resolved, nil
}
