package workspace

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	goarchive "github.com/moby/go-archive"
)

// Snapshot writes the agent's workspace to w as a zstd-compressed tar.
func (m *Manager) Snapshot(agentID string, w io.Writer) error {
	dir, err := m.AgentPath(agentID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return notFound(agentID, "", err)
		}
		return ioFailure(agentID, "", err)
	}

	tr, err := goarchive.TarWithOptions(dir, &goarchive.TarOptions{})
	if err != nil {
		return ioFailure(agentID, "", fmt.Errorf("create tar stream: %w", err))
	}
	defer tr.Close()

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return ioFailure(agentID, "", fmt.Errorf("create zstd writer: %w", err))
	}
	if _, err := io.Copy(zw, tr); err != nil {
		zw.Close()
		return ioFailure(agentID, "", fmt.Errorf("write snapshot: %w", err))
	}
	// Close explicitly to catch the final flush error
	if err := zw.Close(); err != nil {
		return ioFailure(agentID, "", fmt.Errorf("close zstd: %w", err))
	}

	slog.Info("workspace snapshot written", "agent", agentID)
	return nil
}

// Restore extracts a snapshot produced by Snapshot into the agent's
// workspace. Every entry passes through ResolvePath before anything is
// written for it; the first entry that escapes aborts the restore. Links
// and special files are skipped.
func (m *Manager) Restore(agentID string, r io.Reader) error {
	if _, err := m.CreateWorkspace(agentID, false); err != nil {
		return err
	}

	zr, err := zstd.NewReader(r)
	if err != nil {
		return ioFailure(agentID, "", fmt.Errorf("create zstd reader: %w", err))
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	restored := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return ioFailure(agentID, "", fmt.Errorf("read tar entry: %w", err))
		}

		name := filepath.FromSlash(hdr.Name)
		if _, err := m.ResolvePath(agentID, name); err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			root, rel, err := m.openRoot(agentID, name, true)
			if err != nil {
				return err
			}
			if rel != "." {
				err = root.MkdirAll(rel, 0o755)
			}
			root.Close()
			if err != nil {
				return ioFailure(agentID, hdr.Name, err)
			}
		case tar.TypeReg:
			if err := m.restoreFile(agentID, name, hdr, tr); err != nil {
				return err
			}
			restored++
		default:
			slog.Warn("skipping snapshot entry", "agent", agentID, "name", hdr.Name, "type", hdr.Typeflag)
		}
	}

	slog.Info("workspace restored", "agent", agentID, "files", restored)
	return nil
}

func (m *Manager) restoreFile(agentID, name string, hdr *tar.Header, src io.Reader) error {
	root, rel, err := m.openRoot(agentID, name, true)
	if err != nil {
		return err
	}
	defer root.Close()

	if dir := filepath.Dir(rel); dir != "." {
		if err := root.MkdirAll(dir, 0o755); err != nil {
			return ioFailure(agentID, hdr.Name, err)
		}
	}
	f, err := root.OpenFile(rel, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fs.FileMode(hdr.Mode).Perm())
	if err != nil {
		return ioFailure(agentID, hdr.Name, err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return ioFailure(agentID, hdr.Name, err)
	}
	if err := f.Close(); err != nil {
		return ioFailure(agentID, hdr.Name, err)
	}
	return nil
}
