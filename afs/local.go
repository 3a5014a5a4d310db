package afs

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
)

func init() {
	RegisterConnector("nio", func(connectionString string) (Connector, error) {
		return NewLocalConnector(connectionString)
	})
}

// PathResolver maps a BlobPath to a backend-native locator.
type PathResolver interface {
	Resolve(path BlobPath) (string, error)
}

// LocalPathResolver joins path elements with the platform separator under its
// root; a root of "~" or starting with "~/" is expanded to the user's home
// directory when the resolver is built.
type LocalPathResolver struct {
	root string
}

// NewLocalPathResolver builds a resolver rooted at root (which may itself start
// with "~" to mean the user's home directory).
func NewLocalPathResolver(root string) (*LocalPathResolver, error) {
	expanded, err := expandHome(root)
	if err != nil {
		return nil, err
	}
	return &LocalPathResolver{root: expanded}, nil
}

// Resolve implements PathResolver.
func (r *LocalPathResolver) Resolve(path BlobPath) (string, error) {
	elements := path.Elements()
	for _, e := range elements {
		if strings.Contains(e, "..") {
			return "", ErrInvalidPath
		}
	}
	return filepath.Join(append([]string{r.root}, elements...)...), nil
}

func expandHome(root string) (string, error) {
	if root == "~" || strings.HasPrefix(root, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if root == "~" {
			return home, nil
		}
		return filepath.Join(home, root[2:]), nil
	}
	return root, nil
}

// LocalConnector implements Connector over a local directory tree. Data-file
// appends use explicit O_APPEND mode and never go through Write, which
// truncates.
type LocalConnector struct {
	resolver *LocalPathResolver

	mu      sync.Mutex
	handles map[string]*os.File // cached append handles, keyed by resolved path
}

// NewLocalConnector builds a LocalConnector rooted at root.
func NewLocalConnector(root string) (*LocalConnector, error) {
	resolver, err := NewLocalPathResolver(root)
	if err != nil {
		return nil, err
	}
	return &LocalConnector{resolver: resolver, handles: make(map[string]*os.File)}, nil
}

func (c *LocalConnector) resolve(path BlobPath) (string, error) {
	return c.resolver.Resolve(path)
}

func toIOErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if errors.Is(err, os.ErrExist) {
		return ErrAlreadyExists
	}
	return err
}

// FileExists implements Connector.
func (c *LocalConnector) FileExists(_ context.Context, path BlobPath) (bool, error) {
	p, err := c.resolve(path)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}

// DirExists implements Connector.
func (c *LocalConnector) DirExists(_ context.Context, path BlobPath) (bool, error) {
	p, err := c.resolve(path)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

// CreateDir implements Connector.
func (c *LocalConnector) CreateDir(_ context.Context, path BlobPath) error {
	p, err := c.resolve(path)
	if err != nil {
		return err
	}
	return os.MkdirAll(p, 0o755)
}

// CreateFile implements Connector.
func (c *LocalConnector) CreateFile(_ context.Context, path BlobPath) error {
	p, err := c.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return toIOErr(err)
	}
	return f.Close()
}

// DeleteFile implements Connector. Closes and evicts any cached append handle first.
func (c *LocalConnector) DeleteFile(_ context.Context, path BlobPath) error {
	p, err := c.resolve(path)
	if err != nil {
		return err
	}
	c.closeHandle(p)
	err = os.Remove(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Read implements Connector.
func (c *LocalConnector) Read(_ context.Context, path BlobPath, offset, length int64) ([]byte, error) {
	p, err := c.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, toIOErr(err)
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

// ReadInto implements Connector.
func (c *LocalConnector) ReadInto(_ context.Context, path BlobPath, buf []byte, offset int64) (uint64, error) {
	p, err := c.resolve(path)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(p)
	if err != nil {
		return 0, toIOErr(err)
	}
	defer f.Close()

	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return uint64(n), err
	}
	return uint64(n), nil
}

// Write implements Connector: truncating overwrite. Never used for data-file
// appends (see Append).
func (c *LocalConnector) Write(_ context.Context, path BlobPath, chunks [][]byte) (uint64, error) {
	p, err := c.resolve(path)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return 0, err
	}
	c.closeHandle(p)
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, toIOErr(err)
	}
	defer f.Close()

	var total uint64
	for _, chunk := range chunks {
		n, err := f.Write(chunk)
		total += uint64(n)
		if err != nil {
			return total, err
		}
	}
	return total, f.Sync()
}

// Append implements Connector using an explicit append-mode handle, cached per path.
func (c *LocalConnector) Append(_ context.Context, path BlobPath, chunks [][]byte) (uint64, error) {
	p, err := c.resolve(path)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return 0, err
	}

	f, err := c.handleFor(p)
	if err != nil {
		return 0, toIOErr(err)
	}

	var total uint64
	for _, chunk := range chunks {
		n, err := f.Write(chunk)
		total += uint64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *LocalConnector) handleFor(resolvedPath string) (*os.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.handles[resolvedPath]; ok {
		return f, nil
	}
	f, err := os.OpenFile(resolvedPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	c.handles[resolvedPath] = f
	return f, nil
}

func (c *LocalConnector) closeHandle(resolvedPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.handles[resolvedPath]; ok {
		_ = f.Close()
		delete(c.handles, resolvedPath)
	}
}

// GetSize implements Connector.
func (c *LocalConnector) GetSize(_ context.Context, path BlobPath) (uint64, error) {
	p, err := c.resolve(path)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return 0, toIOErr(err)
	}
	return uint64(info.Size()), nil
}

// ListFiles implements Connector.
func (c *LocalConnector) ListFiles(_ context.Context, dir BlobPath) ([]DirEntry, error) {
	return c.list(dir, false)
}

// ListDirs implements Connector.
func (c *LocalConnector) ListDirs(_ context.Context, dir BlobPath) ([]DirEntry, error) {
	return c.list(dir, true)
}

func (c *LocalConnector) list(dir BlobPath, wantDirs bool) ([]DirEntry, error) {
	p, err := c.resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var out []DirEntry
	for _, e := range entries {
		if e.IsDir() != wantDirs {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, DirEntry{Name: e.Name(), Size: uint64(info.Size()), IsDir: e.IsDir()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// MoveFile implements Connector. On POSIX filesystems within the same
// container (directory tree on one device) os.Rename is atomic; moves across
// devices fall back to copy+delete, which is not atomic — see DESIGN.md.
func (c *LocalConnector) MoveFile(_ context.Context, src, dst BlobPath, overwrite bool) error {
	srcPath, err := c.resolve(src)
	if err != nil {
		return err
	}
	dstPath, err := c.resolve(dst)
	if err != nil {
		return err
	}
	c.closeHandle(srcPath)
	c.closeHandle(dstPath)

	if !overwrite {
		if _, err := os.Stat(dstPath); err == nil {
			return ErrAlreadyExists
		}
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return err
	}
	if err := os.Rename(srcPath, dstPath); err != nil {
		if errors.Is(err, syscall.EXDEV) {
			return c.crossDeviceMove(srcPath, dstPath)
		}
		return err
	}
	return nil
}

func (c *LocalConnector) crossDeviceMove(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return toIOErr(err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return toIOErr(err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return err
	}
	dst.Close()
	return os.Remove(srcPath)
}

// CopyFile implements Connector.
func (c *LocalConnector) CopyFile(_ context.Context, src, dst BlobPath, offset, length int64) (uint64, error) {
	srcPath, err := c.resolve(src)
	if err != nil {
		return 0, err
	}
	dstPath, err := c.resolve(dst)
	if err != nil {
		return 0, err
	}

	in, err := os.Open(srcPath)
	if err != nil {
		return 0, toIOErr(err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return 0, err
	}
	out, err := os.OpenFile(dstPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, toIOErr(err)
	}
	defer out.Close()

	n, err := io.Copy(out, io.NewSectionReader(in, offset, length))
	if err != nil {
		return uint64(n), err
	}
	return uint64(n), out.Sync()
}

// Truncate implements Connector.
func (c *LocalConnector) Truncate(_ context.Context, path BlobPath, newLength uint64) error {
	p, err := c.resolve(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	f, ok := c.handles[p]
	c.mu.Unlock()
	if ok {
		return f.Truncate(int64(newLength))
	}
	return os.Truncate(p, int64(newLength))
}

// Sync implements Connector: fsyncs the cached append handle for path, if
// one is open, otherwise opens the file just to sync it. A missing file is
// not an error — there is nothing to persist.
func (c *LocalConnector) Sync(_ context.Context, path BlobPath) error {
	p, err := c.resolve(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	f, ok := c.handles[p]
	c.mu.Unlock()
	if ok {
		return f.Sync()
	}

	f, err = os.OpenFile(p, os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return toIOErr(err)
	}
	defer f.Close()
	return f.Sync()
}

// IsEmpty implements Connector.
func (c *LocalConnector) IsEmpty(ctx context.Context, path BlobPath) (bool, error) {
	size, err := c.GetSize(ctx, path)
	if err != nil {
		return false, err
	}
	return size == 0, nil
}

// VisitChildren implements Connector, visiting both files and subdirectories.
func (c *LocalConnector) VisitChildren(_ context.Context, dir BlobPath, visit Visitor) error {
	p, err := c.resolve(dir)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !visit(DirEntry{Name: e.Name(), Size: uint64(info.Size()), IsDir: e.IsDir()}) {
			break
		}
	}
	return nil
}

// Close releases every cached append handle. Safe to call more than once.
func (c *LocalConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for p, f := range c.handles {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.handles, p)
	}
	return firstErr
}

var _ Connector = (*LocalConnector)(nil)
