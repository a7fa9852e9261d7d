package sandbox

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/michaelbrown/runbox/internal/metrics"
	"github.com/michaelbrown/runbox/internal/model"
	"github.com/michaelbrown/runbox/internal/policy"
	"github.com/michaelbrown/runbox/internal/validate"
)

// Fixed stderr messages for attempts that never produced output.
const (
	RuntimeUnavailable = "runtime unavailable"
	TimeLimitExceeded  = "Time limit exceeded"
)

const (
	containerWorkdir = "/workspace"
	buildLog         = "/tmp/runbox-build.log"
	// reportTailBytes bounds how much trailing stdout is kept to find the
	// report line.
	reportTailBytes = 4 << 20
	cleanupTimeout  = 30 * time.Second
	// logsTimeout bounds reading output once the container has exited.
	logsTimeout     = 30 * time.Second
	pullParallelism = 3
)

// Options configures an Executor.
type Options struct {
	Runtime       Runtime
	Strategies    map[model.Language]Strategy
	Policy        Policy
	Limits        policy.Table
	Ceiling       policy.Ceiling
	Rules         validate.Rules
	WorkspaceDir  string
	MaxConcurrent int
	Logger        *zap.Logger
}

// Executor runs requests in disposable containers, one container per run.
type Executor struct {
	runtime       Runtime
	strategies    map[model.Language]Strategy
	isolation     Policy
	limits        policy.Table
	ceiling       policy.Ceiling
	rules         validate.Rules
	workspaceRoot string
	sem           *semaphore.Weighted
	pulls         singleflight.Group
	logsTimeout   time.Duration
	logger        *zap.Logger
}

// NewExecutor builds an executor. Missing strategies, limits and rules fall
// back to the built-in defaults.
func NewExecutor(opts Options) *Executor {
	if opts.Strategies == nil {
		opts.Strategies = DefaultStrategies()
	}
	if opts.Limits == nil {
		opts.Limits = policy.DefaultTable()
	}
	if opts.Rules == (validate.Rules{}) {
		opts.Rules = validate.DefaultRules()
	}
	if opts.Policy.User == "" {
		opts.Policy = DefaultPolicy()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	for _, s := range opts.Strategies {
		opts.Policy.Allow(s.Image())
	}

	return &Executor{
		runtime:       opts.Runtime,
		strategies:    opts.Strategies,
		isolation:     opts.Policy,
		limits:        opts.Limits,
		ceiling:       opts.Ceiling,
		rules:         opts.Rules,
		workspaceRoot: opts.WorkspaceDir,
		sem:           semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		logsTimeout:   logsTimeout,
		logger:        opts.Logger,
	}
}

// Limits resolves the effective limits for a language and overrides.
func (e *Executor) Limits(lang model.Language, o *model.LimitOverrides) model.Limits {
	base, err := e.limits.For(lang)
	if err != nil {
		return model.Limits{}
	}
	return policy.Merge(base, o, e.ceiling)
}

// Execute validates req, runs it in a fresh container and decodes the
// harness report. A non-nil error means the sandbox itself failed.
func (e *Executor) Execute(ctx context.Context, req Request) (*model.ExecutionResult, error) {
	limits := e.Limits(req.Language, req.Overrides)
	lang := string(req.Language)
	log := e.logger.With(zap.String("language", lang), zap.String("kind", string(req.Kind)))

	if err := e.validate(req); err != nil {
		metrics.ExecutionsTotal.WithLabelValues(lang, "invalid").Inc()
		return model.CompileFailure(err.Error(), 0, limits), nil
	}
	strategy, ok := e.strategies[req.Language]
	if !ok {
		return nil, fmt.Errorf("no strategy registered for %q", req.Language)
	}

	if err := e.runtime.Ping(ctx); err != nil {
		log.Warn("container runtime unavailable", zap.Error(err))
		metrics.ExecutionsTotal.WithLabelValues(lang, "unavailable").Inc()
		return model.CompileFailure(RuntimeUnavailable, 0, limits), nil
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for a container slot: %w", err)
	}
	defer e.sem.Release(1)

	res, err := e.run(ctx, log, strategy, req, limits)
	if err != nil {
		metrics.ExecutionsTotal.WithLabelValues(lang, "error").Inc()
		return nil, err
	}
	metrics.ExecutionsTotal.WithLabelValues(lang, outcome(res)).Inc()
	metrics.ExecutionDuration.WithLabelValues(lang).Observe(float64(res.TimingMs))
	return res, nil
}

func (e *Executor) validate(req Request) error {
	switch req.Kind {
	case model.KindChallenge:
		return e.rules.Challenge(req.Language, req.Code, req.Suite)
	case model.KindProject:
		return e.rules.Project(req.Language, req.Files, req.Suite)
	}
	return validate.Violations{fmt.Sprintf("unsupported kind %q", req.Kind)}
}

func (e *Executor) run(ctx context.Context, log *zap.Logger, strategy Strategy, req Request, limits model.Limits) (*model.ExecutionResult, error) {
	files, err := strategy.Prepare(req)
	if err != nil {
		return model.CompileFailure(err.Error(), 0, limits), nil
	}

	ws, err := newWorkspace(e.workspaceRoot, e.isolation.User)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := ws.remove(); err != nil {
			log.Error("removing workspace", zap.String("dir", ws.dir), zap.Error(err))
		}
	}()
	if err := ws.write(files); err != nil {
		return nil, err
	}

	build, run := strategy.Commands(files)
	profile := ""
	if strategy.Seccomp() {
		profile = SeccompProfile()
	}
	runID := uuid.NewString()
	log = log.With(zap.String("run_id", runID))
	sentinel := buildSentinel(runID)

	spec := ContainerSpec{
		Image:      strategy.Image(),
		Cmd:        []string{"sh", "-c", buildScript(build, run, sentinel)},
		Env:        strategy.Env(),
		WorkingDir: containerWorkdir,
		User:       e.isolation.User,
		Labels:     map[string]string{LabelManaged: "true", LabelRun: runID},
		HostDir:    ws.dir,
		Isolation:  e.isolation.Isolation(limits, profile),
	}

	createStart := time.Now()
	id, err := e.create(ctx, log, spec)
	if err != nil {
		return nil, err
	}
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if err := e.runtime.Remove(rmCtx, id); err != nil {
			log.Error("removing container", zap.String("container", id), zap.Error(err))
		}
	}()

	waitCh := e.runtime.Wait(ctx, id)
	if err := e.runtime.Start(ctx, id); err != nil {
		return nil, err
	}
	metrics.ContainerCreationTime.Observe(float64(time.Since(createStart).Milliseconds()))
	metrics.ActiveContainers.Inc()
	defer metrics.ActiveContainers.Dec()
	log.Debug("container started", zap.String("container", id), zap.String("image", spec.Image))

	started := time.Now()
	timer := time.NewTimer(time.Duration(limits.TimeoutMs) * time.Millisecond)
	defer timer.Stop()

	var exit WaitResult
	select {
	case exit = <-waitCh:
	case <-timer.C:
		e.kill(ctx, log, id, runID)
		log.Info("time limit exceeded", zap.Int("timeout_ms", limits.TimeoutMs))
		return model.CompileFailure(TimeLimitExceeded, int64(limits.TimeoutMs), limits), nil
	case <-ctx.Done():
		e.kill(ctx, log, id, runID)
		return nil, ctx.Err()
	}
	elapsed := time.Since(started).Milliseconds()
	if exit.Err != nil {
		return nil, exit.Err
	}

	headCap := max(limits.OutputLimitBytes, 0)
	stdout := newCapture(headCap, max(reportTailBytes, headCap))
	stderr := newCapture(headCap+len(sentinel)+1, 0)
	logsCtx, cancel := context.WithTimeout(ctx, e.logsTimeout)
	defer cancel()
	logsCut := false
	if err := e.runtime.Logs(logsCtx, id, stdout, stderr); err != nil {
		if ctx.Err() != nil || !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		log.Warn("reading output timed out", zap.Duration("timeout", e.logsTimeout),
			zap.Int("stdout_bytes", stdout.Total()), zap.Int("stderr_bytes", stderr.Total()))
		logsCut = true
	}

	res := assemble(strategy.BuildMarker(), sentinel, exit.ExitCode, stdout, stderr, elapsed, limits)
	if logsCut {
		res.OutputTruncated = true
	}
	log.Debug("run finished",
		zap.Int64("exit_code", exit.ExitCode),
		zap.Int64("timing_ms", elapsed),
		zap.Bool("compile_ok", res.Compile.OK),
		zap.Bool("passed", res.Passed))
	return res, nil
}

// create creates the container, pulling its image first if the engine does
// not have it. Concurrent runs share one pull per image.
func (e *Executor) create(ctx context.Context, log *zap.Logger, spec ContainerSpec) (string, error) {
	id, err := e.runtime.Create(ctx, spec)
	if !errors.Is(err, ErrImageNotFound) {
		return id, err
	}
	log.Info("image missing, pulling", zap.String("image", spec.Image))
	_, err, _ = e.pulls.Do(spec.Image, func() (any, error) {
		return nil, e.Pull(ctx, spec.Image)
	})
	if err != nil {
		return "", err
	}
	return e.runtime.Create(ctx, spec)
}

// kill stops the run by container id and, for anything the id missed, by
// run label.
func (e *Executor) kill(ctx context.Context, log *zap.Logger, id, runID string) {
	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := e.runtime.Kill(killCtx, id); err != nil {
		log.Warn("killing container", zap.String("container", id), zap.Error(err))
	}
	if err := e.runtime.KillLabelled(killCtx, LabelRun, runID); err != nil {
		log.Warn("killing labelled containers", zap.String("run_id", runID), zap.Error(err))
	}
}

// assemble turns a finished container's exit code and output into the
// canonical result. Only BuildFailedExitCode with sentinel leading stderr
// counts as a failed build step.
func assemble(marker, sentinel string, exitCode int64, stdout, stderr *capture, elapsed int64, limits model.Limits) *model.ExecutionResult {
	res := &model.ExecutionResult{TimingMs: elapsed, Limits: limits, Tests: []model.TestResult{}}

	tests, lineStart, ok := parseReport(stdout.Tail())

	display, displayTotal := stdout.Head(), stdout.Total()
	if ok {
		// Drop the report line and the separator newline before it.
		tail := stdout.Tail()
		cut := stdout.Total() - (len(tail) - lineStart)
		if lineStart > 0 {
			cut--
		}
		display = display[:min(len(display), cut)]
		displayTotal = cut
	}
	rawErr, errTotal := stderr.Head(), stderr.Total()
	built := true
	if exitCode == BuildFailedExitCode && sentinel != "" && strings.HasPrefix(rawErr, sentinel+"\n") {
		built = false
		rawErr = rawErr[len(sentinel)+1:]
		errTotal -= len(sentinel) + 1
	}

	outs, truncated := truncateStreams(limits.OutputLimitBytes,
		stream{content: sanitize(display), total: displayTotal},
		stream{content: sanitize(rawErr), total: errTotal},
	)
	res.Stdout, res.Stderr, res.OutputTruncated = outs[0], outs[1], truncated

	buildFailed := !built ||
		(!ok && exitCode != 0 && marker != "" && strings.Contains(rawErr, marker))
	if buildFailed {
		res.Compile = model.CompileResult{OK: false, Stderr: res.Stderr}
		return res
	}

	res.Compile.OK = true
	if ok {
		res.Tests = tests
	} else {
		res.Tests = parseFailure(noReportDetail(exitCode))
	}
	res.Passed = allPassed(res.Tests)
	return res
}

func noReportDetail(exitCode int64) string {
	switch exitCode {
	case 0:
		return "harness produced no report"
	case 137:
		return "process killed (exit code 137), likely out of memory"
	}
	return fmt.Sprintf("harness produced no report (exit code %d)", exitCode)
}

func outcome(res *model.ExecutionResult) string {
	switch {
	case !res.Compile.OK && res.Compile.Stderr == TimeLimitExceeded:
		return "timeout"
	case !res.Compile.OK:
		return "compile_error"
	case res.Passed:
		return "passed"
	}
	return "failed"
}

// buildSentinel is the first stderr line of a failed build. The run id in it
// is out of the solution's reach once the script has exec'd.
func buildSentinel(runID string) string {
	return "runbox: build failed " + runID
}

// buildScript runs build, reports a failure as sentinel followed by the build
// output on stderr and BuildFailedExitCode, then execs run.
func buildScript(build, run []string, sentinel string) string {
	var b strings.Builder
	if len(build) > 0 {
		fmt.Fprintf(&b, "%s >%s 2>&1 || { echo %s >&2; cat %s >&2; exit %d; }; ",
			shellJoin(build), buildLog, shellJoin([]string{sentinel}), buildLog, BuildFailedExitCode)
	}
	b.WriteString("exec ")
	b.WriteString(shellJoin(run))
	return b.String()
}

var shellSafeRe = regexp.MustCompile(`^[A-Za-z0-9_./=:@%+,-]+$`)

func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		if shellSafeRe.MatchString(a) {
			quoted[i] = a
		} else {
			quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		}
	}
	return strings.Join(quoted, " ")
}

// Images returns the image of every registered strategy, sorted.
func (e *Executor) Images() []string {
	images := make([]string, 0, len(e.strategies))
	for _, s := range e.strategies {
		images = append(images, s.Image())
	}
	sort.Strings(images)
	return images
}

// EnsureImages pulls every strategy image that is missing locally.
func (e *Executor) EnsureImages(ctx context.Context) error {
	return e.Pull(ctx, e.Images()...)
}

// Pull fetches allowlisted images concurrently.
func (e *Executor) Pull(ctx context.Context, images ...string) error {
	for _, img := range images {
		if !e.isolation.IsImageAllowed(img) {
			return fmt.Errorf("image %q not in allowlist", img)
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pullParallelism)
	for _, img := range images {
		g.Go(func() error {
			return e.runtime.EnsureImage(gctx, img)
		})
	}
	return g.Wait()
}
