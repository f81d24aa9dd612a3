package workspace

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Manager owns a root directory with one isolated subdirectory per agent
// and mediates all file access to those subdirectories. It keeps no state
// besides the root path and is safe for concurrent use; callers serialize
// writes to a single agent's workspace themselves.
type Manager struct {
	root string
}

// New creates the root directory if needed. The root is stored in canonical
// form so containment checks compare symlink-free paths.
func New(root string) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	return &Manager{root: canonical}, nil
}

func (m *Manager) Root() string {
	return m.root
}

// AgentPath returns the absolute workspace directory for agentID. The id is
// used verbatim as the directory name and must not contain separators.
func (m *Manager) AgentPath(agentID string) (string, error) {
	if err := validateAgentID(agentID); err != nil {
		return "", err
	}
	return filepath.Join(m.root, agentID), nil
}

func validateAgentID(agentID string) error {
	switch {
	case agentID == "":
		return &Error{Kind: ErrInvalidAgentID, Err: errors.New("empty id")}
	case agentID == "." || agentID == "..":
		return &Error{Kind: ErrInvalidAgentID, AgentID: agentID, Err: errors.New("reserved name")}
	case strings.ContainsAny(agentID, `/\`), strings.ContainsRune(agentID, 0):
		return &Error{Kind: ErrInvalidAgentID, AgentID: agentID, Err: errors.New("contains a separator")}
	}
	return nil
}

// CreateWorkspace makes sure the agent directory exists. With clean set an
// existing directory is removed first. Calling it repeatedly without clean
// leaves existing files untouched.
func (m *Manager) CreateWorkspace(agentID string, clean bool) (string, error) {
	dir, err := m.AgentPath(agentID)
	if err != nil {
		return "", err
	}

	if clean {
		if _, err := os.Lstat(dir); err == nil {
			slog.Warn("cleaning workspace", "agent", agentID, "path", dir)
			if err := os.RemoveAll(dir); err != nil {
				return "", ioFailure(agentID, "", err)
			}
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", ioFailure(agentID, "", err)
	}

	slog.Debug("workspace ready", "agent", agentID, "path", dir)
	return dir, nil
}

// ResolvePath canonicalizes rel against the agent's directory and returns
// the absolute result. Symlinks are followed only as far as the path
// exists on disk; the canonical result must be the agent directory or a
// descendant of it. No filesystem mutation happens here.
func (m *Manager) ResolvePath(agentID, rel string) (string, error) {
	dir, err := m.AgentPath(agentID)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(rel) || strings.ContainsRune(rel, 0) {
		return "", traversal(agentID, rel)
	}

	joined := filepath.Join(dir, rel)
	if !within(dir, joined) {
		return "", traversal(agentID, rel)
	}

	base, err := canonicalize(dir)
	if err != nil {
		return "", ioFailure(agentID, rel, err)
	}
	target, err := canonicalize(joined)
	if err != nil {
		return "", ioFailure(agentID, rel, err)
	}
	if !within(base, target) {
		return "", traversal(agentID, rel)
	}
	return target, nil
}

// canonicalize resolves symlinks in the longest existing prefix of p and
// appends the remaining, not yet existing, components unchanged. A dangling
// symlink is followed to wherever it points.
func canonicalize(p string) (string, error) {
	return canonicalizeHops(p, 0)
}

const maxSymlinkHops = 40

func canonicalizeHops(p string, hops int) (string, error) {
	existing := p
	var rest []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err == nil {
		return filepath.Join(append([]string{resolved}, rest...)...), nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	// Every parent of existing resolved, so its last component is a
	// symlink whose target is missing.
	if hops >= maxSymlinkHops {
		return "", fmt.Errorf("%s: too many links", p)
	}
	info, lerr := os.Lstat(existing)
	if lerr != nil || info.Mode()&fs.ModeSymlink == 0 {
		return "", err
	}
	dest, lerr := os.Readlink(existing)
	if lerr != nil {
		return "", lerr
	}
	if !filepath.IsAbs(dest) {
		parent, perr := filepath.EvalSymlinks(filepath.Dir(existing))
		if perr != nil {
			return "", perr
		}
		dest = filepath.Join(parent, dest)
	}
	return canonicalizeHops(filepath.Join(append([]string{dest}, rest...)...), hops+1)
}

func within(base, p string) bool {
	rel, err := filepath.Rel(base, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// openRoot resolves rel and opens an os.Root on the agent directory, so the
// actual I/O is also confined by the kernel. The returned name is relative
// to the root.
func (m *Manager) openRoot(agentID, rel string, create bool) (*os.Root, string, error) {
	target, err := m.ResolvePath(agentID, rel)
	if err != nil {
		return nil, "", err
	}
	dir, _ := m.AgentPath(agentID)
	if create {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, "", ioFailure(agentID, rel, err)
		}
	}
	base, err := canonicalize(dir)
	if err != nil {
		return nil, "", ioFailure(agentID, rel, err)
	}

	root, err := os.OpenRoot(base)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "", notFound(agentID, rel, err)
		}
		return nil, "", ioFailure(agentID, rel, err)
	}
	name, err := filepath.Rel(base, target)
	if err != nil {
		root.Close()
		return nil, "", traversal(agentID, rel)
	}
	return root, name, nil
}

// WriteFile writes content to rel, creating parent directories.
func (m *Manager) WriteFile(agentID, rel string, content []byte) error {
	root, name, err := m.openRoot(agentID, rel, true)
	if err != nil {
		return err
	}
	defer root.Close()

	if dir := filepath.Dir(name); dir != "." {
		if err := root.MkdirAll(dir, 0o755); err != nil {
			return ioFailure(agentID, rel, err)
		}
	}
	if err := root.WriteFile(name, content, 0o644); err != nil {
		return ioFailure(agentID, rel, err)
	}

	slog.Debug("wrote file", "agent", agentID, "path", rel, "bytes", len(content))
	return nil
}

func (m *Manager) ReadFile(agentID, rel string) ([]byte, error) {
	root, name, err := m.openRoot(agentID, rel, false)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	data, err := root.ReadFile(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound(agentID, rel, err)
		}
		return nil, ioFailure(agentID, rel, err)
	}
	return data, nil
}

// ListFiles yields the slash-separated relative paths of regular files in
// the agent's workspace, in lexical order. The sequence is lazy and can be
// ranged over again to re-walk the tree. An empty pattern matches every
// file; a pattern without a slash matches base names at any depth; a
// pattern with a slash matches the whole relative path. Symlinks are never
// followed.
func (m *Manager) ListFiles(agentID, pattern string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		dir, err := m.AgentPath(agentID)
		if err != nil {
			yield("", err)
			return
		}
		if pattern != "" {
			if _, err := path.Match(pattern, ""); err != nil {
				yield("", err)
				return
			}
		}

		root, err := os.OpenRoot(dir)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				yield("", ioFailure(agentID, "", err))
			}
			return
		}
		defer root.Close()

		_ = fs.WalkDir(root.FS(), ".", func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				yield("", ioFailure(agentID, p, err))
				return fs.SkipAll
			}
			if !d.Type().IsRegular() || !matchPattern(pattern, p) {
				return nil
			}
			if !yield(p, nil) {
				return fs.SkipAll
			}
			return nil
		})
	}
}

func matchPattern(pattern, p string) bool {
	if pattern == "" {
		return true
	}
	name := p
	if !strings.Contains(pattern, "/") {
		name = path.Base(p)
	}
	ok, _ := path.Match(pattern, name)
	return ok
}

// DeleteFile removes a single file. Directories are refused.
func (m *Manager) DeleteFile(agentID, rel string) error {
	root, name, err := m.openRoot(agentID, rel, false)
	if err != nil {
		return err
	}
	defer root.Close()

	info, err := root.Lstat(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return notFound(agentID, rel, err)
		}
		return ioFailure(agentID, rel, err)
	}
	if info.IsDir() {
		return ioFailure(agentID, rel, errors.New("is a directory"))
	}
	if err := root.Remove(name); err != nil {
		return ioFailure(agentID, rel, err)
	}

	slog.Info("deleted file", "agent", agentID, "path", rel)
	return nil
}

// ClearWorkspace removes everything inside the agent's directory and keeps
// the directory itself.
func (m *Manager) ClearWorkspace(agentID string) error {
	dir, err := m.AgentPath(agentID)
	if err != nil {
		return err
	}

	root, err := os.OpenRoot(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return ioFailure(agentID, "", err)
			}
			return nil
		}
		return ioFailure(agentID, "", err)
	}
	defer root.Close()

	entries, err := fs.ReadDir(root.FS(), ".")
	if err != nil {
		return ioFailure(agentID, "", err)
	}
	for _, e := range entries {
		if err := root.RemoveAll(e.Name()); err != nil {
			return ioFailure(agentID, e.Name(), err)
		}
	}

	slog.Info("cleared workspace", "agent", agentID, "path", dir)
	return nil
}

// CopyToWorkspace imports the file at externalPath into relDest. The
// destination is checked before the source is touched. File mode and
// modification time are preserved.
func (m *Manager) CopyToWorkspace(agentID, externalPath, relDest string) (string, error) {
	target, err := m.ResolvePath(agentID, relDest)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(externalPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", notFound(agentID, externalPath, err)
		}
		return "", ioFailure(agentID, externalPath, err)
	}
	if !info.Mode().IsRegular() {
		return "", ioFailure(agentID, externalPath, errors.New("source is not a regular file"))
	}

	src, err := os.Open(externalPath)
	if err != nil {
		return "", ioFailure(agentID, externalPath, err)
	}
	defer src.Close()

	root, name, err := m.openRoot(agentID, relDest, true)
	if err != nil {
		return "", err
	}
	defer root.Close()

	if dir := filepath.Dir(name); dir != "." {
		if err := root.MkdirAll(dir, 0o755); err != nil {
			return "", ioFailure(agentID, relDest, err)
		}
	}
	dst, err := root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return "", ioFailure(agentID, relDest, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", ioFailure(agentID, relDest, err)
	}
	if err := dst.Close(); err != nil {
		return "", ioFailure(agentID, relDest, err)
	}
	if err := root.Chmod(name, info.Mode().Perm()); err != nil {
		return "", ioFailure(agentID, relDest, err)
	}
	if err := root.Chtimes(name, time.Now(), info.ModTime()); err != nil {
		return "", ioFailure(agentID, relDest, err)
	}

	slog.Info("copied file into workspace", "agent", agentID, "source", externalPath, "dest", relDest)
	return target, nil
}

// WorkspaceSize sums the sizes of all regular files in the workspace. A
// workspace that does not exist has size 0.
func (m *Manager) WorkspaceSize(agentID string) (int64, error) {
	dir, err := m.AgentPath(agentID)
	if err != nil {
		return 0, err
	}

	var total int64
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, ioFailure(agentID, "", err)
	}
	return total, nil
}
