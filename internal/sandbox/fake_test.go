package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// fakeRuntime stands in for the container engine. respond decides the exit
// code and output from the workspace files seen at Create time.
type fakeRuntime struct {
	mu sync.Mutex

	pingErr   error
	createErr error
	hang      bool
	logsHang  bool // Logs writes its output, then blocks until ctx ends
	missing   map[string]bool
	respond   func(spec ContainerSpec, files map[string]string) (exit int64, stdout, stderr string)

	specs        []ContainerSpec
	files        map[string]string
	killed       []string
	killedLabels []string
	removed      []string
	pulled       []string

	waits map[string]chan WaitResult
	out   map[string][2]string
	exits map[string]int64
}

func newFakeRuntime(respond func(ContainerSpec, map[string]string) (int64, string, string)) *fakeRuntime {
	return &fakeRuntime{
		respond: respond,
		waits:   map[string]chan WaitResult{},
		out:     map[string][2]string{},
		exits:   map[string]int64{},
	}
}

func (f *fakeRuntime) Ping(context.Context) error { return f.pingErr }

func (f *fakeRuntime) Create(_ context.Context, spec ContainerSpec) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.mu.Lock()
	absent := f.missing[spec.Image]
	f.mu.Unlock()
	if absent {
		return "", fmt.Errorf("creating container: %w", ErrImageNotFound)
	}
	files := map[string]string{}
	err := filepath.WalkDir(spec.HostDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(spec.HostDir, p)
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	id := "c" + string(rune('0'+len(f.specs)))
	f.specs = append(f.specs, spec)
	f.files = files
	f.waits[id] = make(chan WaitResult, 1)
	if f.respond != nil {
		exit, stdout, stderr := f.respond(spec, files)
		f.exits[id] = exit
		f.out[id] = [2]string{stdout, stderr}
	}
	return id, nil
}

func (f *fakeRuntime) Start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hang {
		f.waits[id] <- WaitResult{ExitCode: f.exits[id]}
	}
	return nil
}

func (f *fakeRuntime) Wait(_ context.Context, id string) <-chan WaitResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waits[id]
}

func (f *fakeRuntime) Logs(ctx context.Context, id string, stdout, stderr io.Writer) error {
	f.mu.Lock()
	out := f.out[id]
	f.mu.Unlock()
	if _, err := io.WriteString(stdout, out[0]); err != nil {
		return err
	}
	if _, err := io.WriteString(stderr, out[1]); err != nil {
		return err
	}
	if f.logsHang {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeRuntime) Kill(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, id)
	select {
	case f.waits[id] <- WaitResult{ExitCode: 137}:
	default:
	}
	return nil
}

func (f *fakeRuntime) KillLabelled(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killedLabels = append(f.killedLabels, key+"="+value)
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRuntime) EnsureImage(_ context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if image == "broken:latest" {
		return errors.New("pull failed")
	}
	f.pulled = append(f.pulled, image)
	delete(f.missing, image)
	return nil
}
