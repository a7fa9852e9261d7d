package sandbox

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/michaelbrown/runbox/internal/model"
)

// workspace is a private host directory bind mounted into one container.
//
// When the service runs as root the mounted directory is handed to the
// container user and closed to everyone else. Otherwise it has to stay
// world-readable, so it sits under a 0711 parent with an unguessable name
// that other host users cannot list.
type workspace struct {
	parent string
	dir    string
	uid    int // -1 leaves ownership alone
	gid    int
}

// newWorkspace creates a fresh directory under root (os.TempDir when empty)
// for the container user owner, a numeric uid:gid.
func newWorkspace(root, owner string) (*workspace, error) {
	if root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("creating workspace root: %w", err)
		}
	}
	parent, err := os.MkdirTemp(root, "runbox-*")
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	w := &workspace{parent: parent, dir: filepath.Join(parent, uuid.NewString()), uid: -1, gid: -1}
	if os.Geteuid() == 0 {
		if w.uid, w.gid, err = parseOwner(owner); err != nil {
			os.RemoveAll(parent)
			return nil, err
		}
	}
	if err := os.Chmod(parent, 0o711); err != nil {
		os.RemoveAll(parent)
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	if err := os.Mkdir(w.dir, w.dirMode()); err != nil {
		os.RemoveAll(parent)
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	// Mkdir is subject to the umask.
	if err := os.Chmod(w.dir, w.dirMode()); err != nil {
		os.RemoveAll(parent)
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	return w, nil
}

// parseOwner reads a numeric "uid:gid".
func parseOwner(owner string) (int, int, error) {
	u, g, ok := strings.Cut(owner, ":")
	uid, uerr := strconv.Atoi(u)
	gid, gerr := strconv.Atoi(g)
	if !ok || uerr != nil || gerr != nil || uid < 0 || gid < 0 {
		return 0, 0, fmt.Errorf("container user %q is not a numeric uid:gid", owner)
	}
	return uid, gid, nil
}

func (w *workspace) owned() bool { return w.uid >= 0 }

func (w *workspace) dirMode() fs.FileMode {
	if w.owned() {
		return 0o700
	}
	return 0o755
}

func (w *workspace) fileMode() fs.FileMode {
	if w.owned() {
		return 0o600
	}
	return 0o644
}

// write materialises files, refusing any path that escapes the workspace.
func (w *workspace) write(files []model.File) error {
	for _, f := range files {
		rel := filepath.FromSlash(f.Path)
		if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("path %q escapes the workspace", f.Path)
		}
		dst := filepath.Join(w.dir, rel)
		if r, err := filepath.Rel(w.dir, dst); err != nil || strings.HasPrefix(r, "..") {
			return fmt.Errorf("path %q escapes the workspace", f.Path)
		}
		if err := os.MkdirAll(filepath.Dir(dst), w.dirMode()); err != nil {
			return fmt.Errorf("creating directory for %s: %w", f.Path, err)
		}
		if err := os.WriteFile(dst, []byte(f.Content), w.fileMode()); err != nil {
			return fmt.Errorf("writing %s: %w", f.Path, err)
		}
	}
	if !w.owned() {
		return nil
	}
	return filepath.WalkDir(w.dir, func(p string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := os.Lchown(p, w.uid, w.gid); err != nil {
			return fmt.Errorf("handing workspace to the container user: %w", err)
		}
		return nil
	})
}

func (w *workspace) remove() error {
	return os.RemoveAll(w.parent)
}
