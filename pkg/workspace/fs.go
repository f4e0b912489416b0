package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileSystem is the file surface tools write through
type FileSystem interface {
	Write(ctx context.Context, path, content string) error
	// Read returns ok=false when the file does not exist
	Read(ctx context.Context, path string) (content string, ok bool, err error)
	// List returns the entries of a directory; directories end in "/"
	List(ctx context.Context, path string) ([]string, error)
	// Tree returns every file path below the root, sorted
	Tree(ctx context.Context) ([]string, error)
}

// ignoredDirs are skipped by Tree
var ignoredDirs = map[string]bool{"node_modules": true, ".git": true}

// OSFileSystem is rooted at a directory; paths may not escape it
type OSFileSystem struct {
	root string
}

// NewOSFileSystem creates root if needed
func NewOSFileSystem(root string) (*OSFileSystem, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	return &OSFileSystem{root: abs}, nil
}

// Root returns the absolute workspace directory
func (f *OSFileSystem) Root() string { return f.root }

// Resolve maps a workspace-relative path onto the host, rejecting escapes
func (f *OSFileSystem) Resolve(p string) (string, error) {
	return resolvePathInWorkspace(f.root, p)
}

func (f *OSFileSystem) Write(ctx context.Context, p, content string) error {
	target, err := f.Resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.WriteFile(target, []byte(content), 0644)
}

func (f *OSFileSystem) Read(ctx context.Context, p string) (string, bool, error) {
	target, err := f.Resolve(p)
	if err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(target)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

func (f *OSFileSystem) List(ctx context.Context, p string) ([]string, error) {
	if strings.TrimSpace(p) == "" {
		p = "."
	}
	target, err := f.Resolve(p)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(target)
	if err != nil {
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
	sort.Strings(names)
	return names, nil
}

func (f *OSFileSystem) Tree(ctx context.Context) ([]string, error) {
	var files []string
	err := filepath.WalkDir(f.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if ignoredDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return ctx.Err()
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func resolvePathInWorkspace(root, p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.Contains(p, "://") {
		return "", fmt.Errorf("path must be a local file")
	}
	candidate := p
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return "", err
	}
	if rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..") {
		return candidate, nil
	}
	return "", fmt.Errorf("path %q is outside the workspace", p)
}

// MemoryFS is an in-process filesystem for mock mode
type MemoryFS struct {
	mu    sync.RWMutex
	files map[string]string
}

// NewMemoryFS creates an empty filesystem
func NewMemoryFS() *MemoryFS {
	return &MemoryFS{files: make(map[string]string)}
}

func cleanMemPath(p string) (string, error) {
	p = strings.TrimSpace(filepath.ToSlash(p))
	if p == "" {
		return "", fmt.Errorf("path is required")
	}
	clean := path.Clean("/" + p)
	return strings.TrimPrefix(clean, "/"), nil
}

func (m *MemoryFS) Write(ctx context.Context, p, content string) error {
	key, err := cleanMemPath(p)
	if err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("cannot write to the workspace root")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[key] = content
	return nil
}

func (m *MemoryFS) Read(ctx context.Context, p string) (string, bool, error) {
	key, err := cleanMemPath(p)
	if err != nil {
		return "", false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	content, ok := m.files[key]
	return content, ok, nil
}

func (m *MemoryFS) List(ctx context.Context, p string) ([]string, error) {
	if strings.TrimSpace(p) == "" {
		p = "."
	}
	dir, err := cleanMemPath(p)
	if err != nil {
		return nil, err
	}
	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := map[string]bool{}
	for name := range m.files {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := strings.TrimPrefix(name, prefix)
		if i := strings.Index(rest, "/"); i >= 0 {
			seen[rest[:i+1]] = true
		} else {
			seen[rest] = true
		}
	}
	if len(seen) == 0 && dir != "" {
		return nil, fmt.Errorf("directory not found: %s", p)
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryFS) Tree(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	files := make([]string, 0, len(m.files))
	for name := range m.files {
		files = append(files, name)
	}
	sort.Strings(files)
	return files, nil
}
