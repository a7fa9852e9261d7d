package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/michaelbrown/runbox/internal/apperr"
	"github.com/michaelbrown/runbox/internal/model"
	"github.com/michaelbrown/runbox/internal/storage"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening memory db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func challenge(id, user string) *storage.Submission {
	return &storage.Submission{
		ID:       id,
		UserID:   user,
		Kind:     model.KindChallenge,
		ItemID:   "two-sum",
		Language: model.Python,
		Code:     "def add(a, b):\n    return a + b\n",
	}
}

func TestCreateAndGetSubmission(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sub := challenge("abc12345-0000-0000-0000-000000000000", "u1")
	if err := s.CreateSubmission(ctx, sub); err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}

	got, err := s.GetSubmission(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubmission: %v", err)
	}

	if got.Status != storage.StatusQueued {
		t.Errorf("status = %q, want %q", got.Status, storage.StatusQueued)
	}
	if got.Code != sub.Code {
		t.Errorf("code = %q, want %q", got.Code, sub.Code)
	}
	if got.Files != nil {
		t.Errorf("files = %v, want nil for a challenge", got.Files)
	}
	if got.Result != nil {
		t.Error("a queued submission has no result")
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at should not be zero")
	}
}

func TestProjectFilesRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sub := &storage.Submission{
		ID:        "proj1",
		UserID:    "u1",
		Kind:      model.KindProject,
		ProjectID: "calc",
		Language:  model.Java,
		Files: []model.File{
			{Path: "app/Calculator.java", Content: "package app;"},
			{Path: "app/Util.java", Content: "package app;"},
		},
	}
	if err := s.CreateSubmission(ctx, sub); err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}

	got, err := s.GetSubmission(ctx, "proj1")
	if err != nil {
		t.Fatalf("GetSubmission: %v", err)
	}
	if len(got.Files) != 2 || got.Files[1].Path != "app/Util.java" {
		t.Errorf("files = %+v", got.Files)
	}
	if got.Target() != "calc" {
		t.Errorf("target = %q", got.Target())
	}
}

func TestGetSubmissionByPrefix(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sub := challenge("abc12345-0000-0000-0000-000000000000", "u1")
	if err := s.CreateSubmission(ctx, sub); err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}

	got, err := s.ResolveSubmission(ctx, "abc12345")
	if err != nil {
		t.Fatalf("ResolveSubmission by prefix: %v", err)
	}
	if got.ID != sub.ID {
		t.Errorf("got ID %q, want %q", got.ID, sub.ID)
	}
}

func TestGetSubmissionAmbiguousPrefix(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{
		"abc00000-0000-0000-0000-000000000000",
		"abc11111-0000-0000-0000-000000000000",
	} {
		if err := s.CreateSubmission(ctx, challenge(id, "u1")); err != nil {
			t.Fatalf("CreateSubmission: %v", err)
		}
	}

	if _, err := s.ResolveSubmission(ctx, "abc"); err == nil {
		t.Fatal("expected error for ambiguous prefix")
	}
}

func TestGetSubmissionIsExact(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateSubmission(ctx, challenge("abc12345-0000-0000-0000-000000000000", "u1")); err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}
	_, err := s.GetSubmission(ctx, "abc12345")
	if apperr.CodeOf(err) != apperr.NotFound {
		t.Errorf("prefix lookup through GetSubmission = %v, want not found", err)
	}
}

func TestResolveSubmissionTreatsWildcardsLiterally(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"abc12345-0000", "x_y-0000", `back\slash-0000`} {
		if err := s.CreateSubmission(ctx, challenge(id, "u1")); err != nil {
			t.Fatalf("CreateSubmission: %v", err)
		}
	}

	for _, pattern := range []string{"%", "_", "a%", "___", "%0000"} {
		if _, err := s.ResolveSubmission(ctx, pattern); apperr.CodeOf(err) != apperr.NotFound {
			t.Errorf("ResolveSubmission(%q) = %v, want not found", pattern, err)
		}
	}

	got, err := s.ResolveSubmission(ctx, "x_")
	if err != nil || got.ID != "x_y-0000" {
		t.Errorf("ResolveSubmission(x_) = %v, %v", got, err)
	}
	got, err = s.ResolveSubmission(ctx, `back\`)
	if err != nil || got.ID != `back\slash-0000` {
		t.Errorf("ResolveSubmission(back\\) = %v, %v", got, err)
	}
}

func TestGetSubmissionNotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.GetSubmission(context.Background(), "missing")
	if apperr.CodeOf(err) != apperr.NotFound {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

func TestListSubmissionsFilters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.CreateSubmission(ctx, challenge("a1", "u1"))
	s.CreateSubmission(ctx, challenge("a2", "u2"))
	s.CreateSubmission(ctx, challenge("a3", "u1"))
	s.Transition(ctx, "a3", storage.StatusRunning, nil, "")

	subs, err := s.ListSubmissions(ctx, storage.SubmissionListOptions{UserID: "u1"})
	if err != nil {
		t.Fatalf("ListSubmissions: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("got %d submissions for u1, want 2", len(subs))
	}
	if subs[0].ID != "a3" {
		t.Errorf("newest first: got %q", subs[0].ID)
	}

	subs, _ = s.ListSubmissions(ctx, storage.SubmissionListOptions{Status: storage.StatusRunning})
	if len(subs) != 1 {
		t.Errorf("got %d running submissions, want 1", len(subs))
	}

	subs, _ = s.ListSubmissions(ctx, storage.SubmissionListOptions{Limit: 2})
	if len(subs) != 2 {
		t.Errorf("got %d submissions with limit 2", len(subs))
	}

	subs, _ = s.ListSubmissions(ctx, storage.SubmissionListOptions{UserID: "nobody"})
	if subs == nil || len(subs) != 0 {
		t.Errorf("empty list should be non-nil, got %v", subs)
	}
}

func TestTransitionStoresResult(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.CreateSubmission(ctx, challenge("t1", "u1"))
	if err := s.Transition(ctx, "t1", storage.StatusRunning, nil, ""); err != nil {
		t.Fatalf("to running: %v", err)
	}

	result := &model.ExecutionResult{
		Passed:  true,
		Compile: model.CompileResult{OK: true},
		Tests: []model.TestResult{
			{Name: "test_0", Passed: true, Expected: json.Number("3"), Actual: json.Number("3")},
		},
		Stdout:   "hello\n",
		TimingMs: 120,
		Limits:   model.Limits{CPUCores: 0.5, MemoryMB: 256, TimeoutMs: 5000, OutputLimitBytes: 65536},
	}
	if err := s.Transition(ctx, "t1", storage.StatusPassed, result, ""); err != nil {
		t.Fatalf("to passed: %v", err)
	}

	got, err := s.GetSubmission(ctx, "t1")
	if err != nil {
		t.Fatalf("GetSubmission: %v", err)
	}
	if got.Status != storage.StatusPassed {
		t.Errorf("status = %q", got.Status)
	}
	if got.Result == nil || !got.Result.Passed || got.Result.Stdout != "hello\n" {
		t.Fatalf("result = %+v", got.Result)
	}
	if got.Result.Tests[0].Expected != json.Number("3") {
		t.Errorf("expected = %#v", got.Result.Tests[0].Expected)
	}
	if got.Result.Limits.MemoryMB != 256 {
		t.Errorf("limits = %+v", got.Result.Limits)
	}
}

func TestTransitionRejectsLeavingTerminal(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.CreateSubmission(ctx, challenge("t2", "u1"))
	if err := s.Transition(ctx, "t2", storage.StatusError, nil, "boom"); err != nil {
		t.Fatalf("to error: %v", err)
	}

	for _, to := range []storage.SubmissionStatus{storage.StatusRunning, storage.StatusPassed, storage.StatusFailed, storage.StatusQueued} {
		err := s.Transition(ctx, "t2", to, nil, "")
		if apperr.CodeOf(err) != apperr.Conflict {
			t.Errorf("error -> %s: err = %v, want CONFLICT", to, err)
		}
	}

	got, _ := s.GetSubmission(ctx, "t2")
	if got.Status != storage.StatusError || got.ErrorMessage != "boom" {
		t.Errorf("terminal row changed: %+v", got)
	}
}

func TestTransitionMissingSubmission(t *testing.T) {
	s := testStore(t)
	err := s.Transition(context.Background(), "nope", storage.StatusRunning, nil, "")
	if !errors.Is(err, apperr.New(apperr.NotFound)) {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

func TestAppendAndListLogs(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	passed := false
	failed := 2
	entries := []*storage.LogEntry{
		{UserID: "u1", Kind: model.KindChallenge, ItemID: "two-sum", Language: model.Go,
			StartedAt: start, FinishedAt: start, Status: storage.LogRateLimited},
		{UserID: "u1", Kind: model.KindChallenge, ItemID: "two-sum", SubmissionID: "s1", Language: model.Go,
			StartedAt: start.Add(time.Minute), FinishedAt: start.Add(time.Minute + time.Second),
			Status: storage.LogFailed, TimingMs: 900, CompileOK: true, TestsPassed: &passed, TestsFailed: &failed},
		{UserID: "u2", Kind: model.KindProject, ProjectID: "calc", Language: model.Java,
			StartedAt: start, FinishedAt: start, Status: storage.LogQuotaExceeded},
	}
	for _, e := range entries {
		if err := s.AppendLog(ctx, e); err != nil {
			t.Fatalf("AppendLog: %v", err)
		}
		if e.ID == 0 {
			t.Error("AppendLog should set the ID")
		}
	}

	got, err := s.ListLogs(ctx, storage.LogListOptions{UserID: "u1"})
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	latest := got[0]
	if latest.Status != storage.LogFailed || latest.SubmissionID != "s1" {
		t.Errorf("latest = %+v", latest)
	}
	if latest.TestsPassed == nil || *latest.TestsPassed || latest.TestsFailed == nil || *latest.TestsFailed != 2 {
		t.Errorf("test counts = %v %v", latest.TestsPassed, latest.TestsFailed)
	}
	if !latest.CompileOK || latest.TimingMs != 900 {
		t.Errorf("compile/timing = %v %d", latest.CompileOK, latest.TimingMs)
	}
	if !latest.FinishedAt.Equal(start.Add(time.Minute + time.Second)) {
		t.Errorf("finished_at = %v", latest.FinishedAt)
	}
	if blocked := got[1]; blocked.TestsPassed != nil || blocked.TestsFailed != nil {
		t.Errorf("blocked entry should carry no test counts: %+v", blocked)
	}

	got, _ = s.ListLogs(ctx, storage.LogListOptions{Status: storage.LogQuotaExceeded})
	if len(got) != 1 || got[0].ProjectID != "calc" {
		t.Errorf("status filter = %+v", got)
	}
}

func TestOpenFileDatabaseTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "runbox.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.CreateSubmission(context.Background(), challenge("f1", "u1")); err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.GetSubmission(context.Background(), "f1"); err != nil {
		t.Fatalf("GetSubmission after reopen: %v", err)
	}
}
