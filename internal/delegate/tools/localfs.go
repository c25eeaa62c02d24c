package tools

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/agentoven/agentoven/control-plane/internal/delegate"
)

// LocalFS is a delegate.FS rooted at a single directory. Any path that resolves
// outside the root is rejected with ErrPathEscape: absolute paths are refused, and
// a joined, cleaned path whose relative form starts with ".." is refused.
type LocalFS struct {
	root string
}

// NewLocalFS returns a LocalFS jailed to root. root is resolved to an absolute path
// at construction so later escape checks are stable regardless of working directory.
func NewLocalFS(root string) (*LocalFS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &LocalFS{root: abs}, nil
}

func (f *LocalFS) Root() string { return f.root }

func (f *LocalFS) resolve(path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", delegate.NewTaskError(delegate.ErrPathEscape, "fs",
			"absolute paths are not permitted: "+path, nil, "path", path)
	}
	joined := filepath.Join(f.root, path)
	cleaned := filepath.Clean(joined)
	rel, err := filepath.Rel(f.root, cleaned)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", delegate.NewTaskError(delegate.ErrPathEscape, "fs",
			"path escapes root: "+path, nil, "path", path)
	}
	return cleaned, nil
}

func (f *LocalFS) ReadFile(path string) ([]byte, error) {
	resolved, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, delegate.NewTaskError(delegate.ErrFileMissing, "fs", "file not found: "+path, err, "path", path)
		}
		return nil, err
	}
	return data, nil
}

func (f *LocalFS) WriteFile(path string, data []byte) error {
	resolved, err := f.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return err
	}
	return os.WriteFile(resolved, data, 0o644)
}

func (f *LocalFS) Stat(path string) (exists bool, isDir bool, err error) {
	resolved, err := f.resolve(path)
	if err != nil {
		return false, false, err
	}
	info, statErr := os.Stat(resolved)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return false, false, nil
		}
		return false, false, statErr
	}
	return true, info.IsDir(), nil
}

func (f *LocalFS) List(path string) ([]string, error) {
	resolved, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, delegate.NewTaskError(delegate.ErrFileMissing, "fs", "directory not found: "+path, err, "path", path)
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return names, nil
}
