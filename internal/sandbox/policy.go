package sandbox

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/michaelbrown/runbox/internal/model"
)

// Labels attached to every run container.
const (
	LabelManaged = "dev.runbox.managed"
	LabelRun     = "dev.runbox.run"
)

// Policy is the isolation baseline shared by every run. Per-run CPU and
// memory come from model.Limits.
type Policy struct {
	User      string   // numeric uid:gid, never root
	PidsLimit int64    // fork-bomb ceiling
	TmpfsSize string   // size of the writable /tmp
	Network   bool     // whether network access is allowed
	Images    []string // images the executor may pull and run
	// LogMaxSize and LogMaxFiles bound what the engine stores of a run's
	// output on the host.
	LogMaxSize  string
	LogMaxFiles int
}

// DefaultPolicy returns safe defaults for code execution.
func DefaultPolicy() Policy {
	return Policy{
		User:        "65534:65534",
		PidsLimit:   128,
		TmpfsSize:   "256m",
		Network:     false,
		LogMaxSize:  "8m",
		LogMaxFiles: 2,
		Images: []string{
			DefaultJavaImage,
			DefaultPythonImage,
			DefaultGoImage,
		},
	}
}

// IsImageAllowed checks if an image is on the allowlist.
func (p Policy) IsImageAllowed(image string) bool {
	return slices.Contains(p.Images, image)
}

// Allow adds image to the allowlist.
func (p *Policy) Allow(image string) {
	if image != "" && !p.IsImageAllowed(image) {
		p.Images = append(p.Images, image)
	}
}

// Isolation is the resolved container confinement for one run.
type Isolation struct {
	NanoCPUs       int64
	MemoryBytes    int64
	PidsLimit      int64
	NetworkMode    string
	ReadonlyRootfs bool
	CapDrop        []string
	SecurityOpt    []string
	Tmpfs          map[string]string
	LogOpts        map[string]string // json-file driver options, nil for the engine default
}

// Isolation resolves the confinement for a run with the given limits.
// seccompProfile is the JSON profile, or empty to keep the engine default.
func (p Policy) Isolation(limits model.Limits, seccompProfile string) Isolation {
	network := "none"
	if p.Network {
		network = "bridge"
	}
	iso := Isolation{
		NanoCPUs:       int64(limits.CPUCores * 1e9),
		MemoryBytes:    int64(limits.MemoryMB) * 1024 * 1024,
		PidsLimit:      p.PidsLimit,
		NetworkMode:    network,
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs: map[string]string{
			"/tmp": fmt.Sprintf("rw,exec,nosuid,nodev,size=%s,mode=1777", p.TmpfsSize),
		},
	}
	if p.LogMaxSize != "" {
		iso.LogOpts = map[string]string{
			"max-size": p.LogMaxSize,
			"max-file": strconv.Itoa(max(p.LogMaxFiles, 1)),
		}
	}
	if seccompProfile != "" {
		iso.SecurityOpt = append(iso.SecurityOpt, "seccomp="+seccompProfile)
	}
	return iso
}
