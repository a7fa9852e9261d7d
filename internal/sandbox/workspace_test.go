package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/michaelbrown/runbox/internal/model"
)

func TestWorkspaceIsPrivate(t *testing.T) {
	root := t.TempDir()
	ws, err := newWorkspace(root, "65534:65534")
	if err != nil {
		t.Fatalf("newWorkspace: %v", err)
	}
	if err := ws.write([]model.File{{Path: "pkg/calc.py", Content: "x = 1"}}); err != nil {
		t.Fatalf("write: %v", err)
	}

	parent, err := os.Stat(filepath.Dir(ws.dir))
	if err != nil {
		t.Fatal(err)
	}
	if parent.Mode().Perm() != 0o711 {
		t.Errorf("parent mode = %v, want 0711", parent.Mode().Perm())
	}
	if filepath.Dir(filepath.Dir(ws.dir)) != root {
		t.Errorf("workspace %s is not under %s", ws.dir, root)
	}

	wantDir, wantFile := os.FileMode(0o755), os.FileMode(0o644)
	if os.Geteuid() == 0 {
		wantDir, wantFile = 0o700, 0o600
	}
	for path, want := range map[string]os.FileMode{
		ws.dir:                                  wantDir,
		filepath.Join(ws.dir, "pkg"):            wantDir,
		filepath.Join(ws.dir, "pkg", "calc.py"): wantFile,
	} {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != want {
			t.Errorf("%s mode = %v, want %v", path, info.Mode().Perm(), want)
		}
	}

	if err := ws.remove(); err != nil {
		t.Fatalf("remove: %v", err)
	}
	entries, _ := os.ReadDir(root)
	if len(entries) != 0 {
		t.Errorf("root not empty after remove: %d entries", len(entries))
	}
}

func TestWorkspaceRejectsEscapingPaths(t *testing.T) {
	ws, err := newWorkspace(t.TempDir(), "65534:65534")
	if err != nil {
		t.Fatalf("newWorkspace: %v", err)
	}
	defer ws.remove()
	for _, p := range []string{"../x.py", "/etc/passwd", "a/../../x.py"} {
		if err := ws.write([]model.File{{Path: p, Content: "x"}}); err == nil {
			t.Errorf("write(%q) should fail", p)
		}
	}
}

func TestParseOwner(t *testing.T) {
	uid, gid, err := parseOwner("65534:100")
	if err != nil || uid != 65534 || gid != 100 {
		t.Errorf("parseOwner = %d, %d, %v", uid, gid, err)
	}
	for _, bad := range []string{"nobody", "65534", "-1:0", "1:x"} {
		if _, _, err := parseOwner(bad); err == nil {
			t.Errorf("parseOwner(%q) should fail", bad)
		}
	}
}
