package submission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/runbox/internal/apperr"
	"github.com/michaelbrown/runbox/internal/curriculum"
	"github.com/michaelbrown/runbox/internal/model"
	"github.com/michaelbrown/runbox/internal/policy"
	"github.com/michaelbrown/runbox/internal/ratelimit"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/storage"
	"github.com/michaelbrown/runbox/internal/storage/sqlite"
)

type staticCatalog map[model.Kind]map[string]*curriculum.Item

func (c staticCatalog) Challenge(id string) (*curriculum.Item, error) {
	if it, ok := c[model.KindChallenge][id]; ok {
		return it, nil
	}
	return nil, apperr.Newf(apperr.NotFound, "challenge not found: %s", id)
}

func (c staticCatalog) Project(id string) (*curriculum.Item, error) {
	if it, ok := c[model.KindProject][id]; ok {
		return it, nil
	}
	return nil, apperr.Newf(apperr.NotFound, "project not found: %s", id)
}

func testCatalog() staticCatalog {
	spec := curriculum.SuiteSpec{
		Function: "add",
		Tests: []model.CaseValues{
			{Name: "small", Input: []any{1, 2}, Output: 3},
			{Name: "zero", Input: []any{0, 0}, Output: 0},
		},
	}
	return staticCatalog{
		model.KindChallenge: {
			"add": {ID: "add", Kind: model.KindChallenge, Languages: []model.Language{model.Python, model.Go}, Suite: spec},
		},
		model.KindProject: {
			"calc": {ID: "calc", Kind: model.KindProject, Suite: spec},
		},
	}
}

type sandboxFunc func(context.Context, sandbox.Request) (*model.ExecutionResult, error)

func (f sandboxFunc) Execute(ctx context.Context, req sandbox.Request) (*model.ExecutionResult, error) {
	return f(ctx, req)
}

func passing(_ context.Context, req sandbox.Request) (*model.ExecutionResult, error) {
	res := &model.ExecutionResult{Passed: true, Compile: model.CompileResult{OK: true}, TimingMs: 250}
	for i := range req.Suite.Tests {
		res.Tests = append(res.Tests, model.TestResult{Name: req.Suite.CaseName(i), Passed: true})
	}
	return res, nil
}

type fixture struct {
	store *sqlite.SQLiteStore
	orch  *Orchestrator
	ids   int
	mu    sync.Mutex
}

func newFixture(t *testing.T, sb sandbox.Sandbox, mutate func(*Options)) *fixture {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{store: store}
	opts := Options{
		Store:   store,
		Catalog: testCatalog(),
		Sandbox: sb,
		NewID: func() string {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.ids++
			return "sub-" + string(rune('0'+f.ids))
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.orch = New(opts)
	return f
}

func (f *fixture) logs(t *testing.T) []storage.LogEntry {
	t.Helper()
	entries, err := f.store.ListLogs(context.Background(), storage.LogListOptions{})
	require.NoError(t, err)
	return entries
}

func challengeRun() RunRequest {
	return RunRequest{
		UserID:   "u1",
		Kind:     model.KindChallenge,
		ItemID:   "add",
		Language: model.Python,
		Code:     "def add(a, b):\n    return a + b\n",
	}
}

func TestRunPassingChallenge(t *testing.T) {
	var got sandbox.Request
	f := newFixture(t, sandboxFunc(func(ctx context.Context, req sandbox.Request) (*model.ExecutionResult, error) {
		got = req
		return passing(ctx, req)
	}), nil)

	events, cancel := f.orch.Hub().Subscribe("sub-1")
	defer cancel()

	out, err := f.orch.Run(context.Background(), challengeRun())
	require.NoError(t, err)
	require.Equal(t, storage.StatusPassed, out.Submission.Status)
	require.True(t, out.Result.Passed)
	require.Len(t, out.Result.Tests, 2)

	require.Equal(t, model.KindChallenge, got.Kind)
	require.Equal(t, "add", got.Suite.Callable())
	require.Empty(t, got.Files)

	var statuses []storage.SubmissionStatus
	for e := range events {
		statuses = append(statuses, e.Status)
	}
	require.Equal(t, []storage.SubmissionStatus{storage.StatusQueued, storage.StatusRunning, storage.StatusPassed}, statuses)

	stored, err := f.store.GetSubmission(context.Background(), "sub-1")
	require.NoError(t, err)
	require.Equal(t, storage.StatusPassed, stored.Status)
	require.NotNil(t, stored.Result)

	logs := f.logs(t)
	require.Len(t, logs, 1)
	require.Equal(t, storage.LogPassed, logs[0].Status)
	require.Equal(t, "sub-1", logs[0].SubmissionID)
	require.Equal(t, "add", logs[0].ItemID)
	require.Equal(t, int64(250), logs[0].TimingMs)
	require.True(t, logs[0].CompileOK)
	require.Equal(t, 0, *logs[0].TestsFailed)
}

func TestRunFailingProject(t *testing.T) {
	f := newFixture(t, sandboxFunc(func(_ context.Context, req sandbox.Request) (*model.ExecutionResult, error) {
		require.Equal(t, model.KindProject, req.Kind)
		require.Empty(t, req.Code)
		require.Len(t, req.Files, 1)
		return &model.ExecutionResult{
			Compile: model.CompileResult{OK: true},
			Tests:   []model.TestResult{{Name: "small", Passed: true}, {Name: "zero", Passed: false}},
		}, nil
	}), nil)

	out, err := f.orch.Run(context.Background(), RunRequest{
		UserID:   "u1",
		Kind:     model.KindProject,
		ItemID:   "calc",
		Language: model.Java,
		Code:     "ignored",
		Files:    []model.File{{Path: "Solution.java", Content: "class Solution {}"}},
	})
	require.NoError(t, err)
	require.Equal(t, storage.StatusFailed, out.Submission.Status)
	require.Equal(t, "calc", out.Submission.ProjectID)
	require.Empty(t, out.Submission.Code)

	logs := f.logs(t)
	require.Len(t, logs, 1)
	require.Equal(t, storage.LogFailed, logs[0].Status)
	require.Equal(t, "calc", logs[0].ProjectID)
	require.Equal(t, 1, *logs[0].TestsFailed)
	require.False(t, *logs[0].TestsPassed)
}

func TestRunSandboxFaultIsTerminal(t *testing.T) {
	tests := map[string]sandboxFunc{
		"error": func(context.Context, sandbox.Request) (*model.ExecutionResult, error) {
			return nil, errors.New("docker went away")
		},
		"panic": func(context.Context, sandbox.Request) (*model.ExecutionResult, error) {
			panic("nil map")
		},
	}
	for name, sb := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, sb, nil)

			_, err := f.orch.Run(context.Background(), challengeRun())
			require.Equal(t, apperr.Internal, apperr.CodeOf(err))
			e, _ := apperr.As(err)
			require.Equal(t, "sub-1", e.Details["submissionId"])

			stored, err := f.store.GetSubmission(context.Background(), "sub-1")
			require.NoError(t, err)
			require.Equal(t, storage.StatusError, stored.Status)
			require.NotEmpty(t, stored.ErrorMessage)

			logs := f.logs(t)
			require.Len(t, logs, 1)
			require.Equal(t, storage.LogError, logs[0].Status)
			require.Nil(t, logs[0].TestsPassed)
		})
	}
}

func TestRunRuntimeUnavailableIsError(t *testing.T) {
	f := newFixture(t, sandboxFunc(func(context.Context, sandbox.Request) (*model.ExecutionResult, error) {
		return model.CompileFailure(sandbox.RuntimeUnavailable, 0, model.Limits{}), nil
	}), nil)

	out, err := f.orch.Run(context.Background(), challengeRun())
	require.NoError(t, err)
	require.Equal(t, storage.StatusError, out.Submission.Status)
	require.False(t, out.Result.Compile.OK)
	require.Equal(t, storage.LogError, f.logs(t)[0].Status)
}

func TestRunRateLimited(t *testing.T) {
	f := newFixture(t, sandboxFunc(passing), func(o *Options) {
		o.Limiter = ratelimit.NewLimiter(ratelimit.NewMemoryCounters(), time.Minute, 1)
	})
	ctx := context.Background()

	_, err := f.orch.Run(ctx, challengeRun())
	require.NoError(t, err)

	_, err = f.orch.Run(ctx, challengeRun())
	require.Equal(t, apperr.RateLimited, apperr.CodeOf(err))
	e, _ := apperr.As(err)
	require.Positive(t, e.Details["retryAfterMs"])

	subs, err := f.store.ListSubmissions(ctx, storage.SubmissionListOptions{})
	require.NoError(t, err)
	require.Len(t, subs, 1, "a blocked attempt creates no submission")

	logs := f.logs(t)
	require.Len(t, logs, 2)
	require.Equal(t, storage.LogRateLimited, logs[0].Status)
	require.Empty(t, logs[0].SubmissionID)
}

func TestRunQuotaExceeded(t *testing.T) {
	clock, err := policy.NewClock("America/New_York")
	require.NoError(t, err)
	now := time.Date(2026, 6, 1, 15, 0, 0, 0, clock.Location())
	clock = clock.WithNow(func() time.Time { return now })

	f := newFixture(t, sandboxFunc(passing), func(o *Options) {
		o.Quota = ratelimit.NewQuota(ratelimit.NewMemoryCounters(), 1, clock)
	})
	ctx := context.Background()

	_, err = f.orch.Run(ctx, challengeRun())
	require.NoError(t, err)

	_, err = f.orch.Run(ctx, challengeRun())
	require.Equal(t, apperr.QuotaExceeded, apperr.CodeOf(err))
	e, _ := apperr.As(err)
	require.Equal(t, "2026-06-02T00:00:00-04:00", e.Details["resetAt"])

	require.Equal(t, storage.LogQuotaExceeded, f.logs(t)[0].Status)
}

func TestRunUnknownItem(t *testing.T) {
	f := newFixture(t, sandboxFunc(passing), nil)

	req := challengeRun()
	req.ItemID = "missing"
	_, err := f.orch.Run(context.Background(), req)
	require.Equal(t, apperr.NotFound, apperr.CodeOf(err))
	require.Empty(t, f.logs(t))
}

func TestRunUnsupportedLanguage(t *testing.T) {
	f := newFixture(t, sandboxFunc(passing), nil)

	req := challengeRun()
	req.Language = model.Java
	_, err := f.orch.Run(context.Background(), req)
	require.Equal(t, apperr.ValidationFailed, apperr.CodeOf(err))
}

func TestRunRequiresUser(t *testing.T) {
	f := newFixture(t, sandboxFunc(passing), nil)

	req := challengeRun()
	req.UserID = ""
	_, err := f.orch.Run(context.Background(), req)
	require.Equal(t, apperr.Unauthorized, apperr.CodeOf(err))
}

func TestRunIgnoresCallerCancellation(t *testing.T) {
	f := newFixture(t, sandboxFunc(func(ctx context.Context, req sandbox.Request) (*model.ExecutionResult, error) {
		require.NoError(t, ctx.Err())
		return passing(ctx, req)
	}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := f.orch.Run(ctx, challengeRun())
	require.NoError(t, err)
	require.Equal(t, storage.StatusPassed, out.Submission.Status)
}
