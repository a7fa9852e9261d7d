package model

// Limits bounds a single run. A value is immutable once a run starts.
type Limits struct {
	CPUCores         float64 `json:"cpuCores" mapstructure:"cpu_cores"`
	MemoryMB         int     `json:"memoryMb" mapstructure:"memory_mb"`
	TimeoutMs        int     `json:"timeoutMs" mapstructure:"timeout_ms"`
	OutputLimitBytes int     `json:"outputLimitBytes" mapstructure:"output_limit_bytes"`
}

// LimitOverrides is a caller-supplied partial Limits. Nil fields keep the
// configured default.
type LimitOverrides struct {
	CPUCores         *float64 `json:"cpuCores,omitempty"`
	MemoryMB         *int     `json:"memoryMb,omitempty"`
	TimeoutMs        *int     `json:"timeoutMs,omitempty"`
	OutputLimitBytes *int     `json:"outputLimitBytes,omitempty"`
}

// ExecutionResult is the canonical outcome of one sandboxed run.
type ExecutionResult struct {
	Passed          bool          `json:"passed"`
	Compile         CompileResult `json:"compile"`
	Tests           []TestResult  `json:"tests"`
	Stdout          string        `json:"stdout,omitempty"`
	Stderr          string        `json:"stderr,omitempty"`
	TimingMs        int64         `json:"timingMs"`
	OutputTruncated bool          `json:"outputTruncated"`
	Limits          Limits        `json:"limits"`
}

// CompileResult reports whether the solution built.
type CompileResult struct {
	OK     bool   `json:"ok"`
	Stderr string `json:"stderr,omitempty"`
}

// TestResult is the outcome of one test case.
type TestResult struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Expected any    `json:"expected"`
	Actual   any    `json:"actual"`
	Stderr   string `json:"stderr,omitempty"`
}

// FailedCount returns the number of failed tests.
func (r *ExecutionResult) FailedCount() int {
	n := 0
	for _, t := range r.Tests {
		if !t.Passed {
			n++
		}
	}
	return n
}

// CompileFailure builds the result shape shared by validation failures,
// build errors, timeouts and an unreachable runtime.
func CompileFailure(stderr string, timingMs int64, limits Limits) *ExecutionResult {
	return &ExecutionResult{
		Passed:   false,
		Compile:  CompileResult{OK: false, Stderr: stderr},
		Tests:    []TestResult{},
		TimingMs: timingMs,
		Limits:   limits,
	}
}
