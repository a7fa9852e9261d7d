package sandbox

import (
	"context"
	"errors"
	"io"

	"github.com/michaelbrown/runbox/internal/model"
)

// Request describes one execution. Exactly one of Code (challenge) or Files
// (project) is used, selected by Kind.
type Request struct {
	Language  model.Language
	Kind      model.Kind
	Code      string
	Files     []model.File
	Suite     model.TestSuite
	Overrides *model.LimitOverrides
}

// Sandbox runs a request to completion. Any attempt that reached a verdict
// returns a result; an error means the sandbox itself faulted.
type Sandbox interface {
	Execute(ctx context.Context, req Request) (*model.ExecutionResult, error)
}

// ContainerSpec is everything a Runtime needs to create one run container.
type ContainerSpec struct {
	Image      string
	Cmd        []string
	Env        []string
	WorkingDir string
	User       string
	Labels     map[string]string
	// HostDir is bind mounted read-write at WorkingDir.
	HostDir   string
	Isolation Isolation
}

// WaitResult is delivered once when the container stops.
type WaitResult struct {
	ExitCode int64
	Err      error
}

// ErrImageNotFound is wrapped by Runtime.Create when the image is not
// present locally.
var ErrImageNotFound = errors.New("image not found")

// Runtime is the container engine seen by the executor.
type Runtime interface {
	Ping(ctx context.Context) error
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Start(ctx context.Context, id string) error
	// Wait must be called before Start; the channel yields exactly once.
	Wait(ctx context.Context, id string) <-chan WaitResult
	Logs(ctx context.Context, id string, stdout, stderr io.Writer) error
	Kill(ctx context.Context, id string) error
	KillLabelled(ctx context.Context, key, value string) error
	Remove(ctx context.Context, id string) error
	EnsureImage(ctx context.Context, image string) error
}
