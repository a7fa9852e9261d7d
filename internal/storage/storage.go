package storage

import (
	"context"
	"slices"
	"time"

	"github.com/michaelbrown/runbox/internal/model"
)

// SubmissionStatus represents the lifecycle state of a submission.
type SubmissionStatus string

const (
	StatusQueued  SubmissionStatus = "queued"
	StatusRunning SubmissionStatus = "running"
	StatusPassed  SubmissionStatus = "passed"
	StatusFailed  SubmissionStatus = "failed"
	StatusError   SubmissionStatus = "error"
)

// Terminal reports whether no further transition is allowed.
func (s SubmissionStatus) Terminal() bool {
	return s == StatusPassed || s == StatusFailed || s == StatusError
}

// Predecessors lists the states a submission may be in when it moves to s.
func (s SubmissionStatus) Predecessors() []SubmissionStatus {
	switch s {
	case StatusRunning:
		return []SubmissionStatus{StatusQueued}
	case StatusPassed, StatusFailed, StatusError:
		return []SubmissionStatus{StatusQueued, StatusRunning}
	}
	return nil
}

// CanTransition reports whether from -> to respects the status order
// queued -> running -> {passed, failed, error}.
func CanTransition(from, to SubmissionStatus) bool {
	return slices.Contains(to.Predecessors(), from)
}

// Submission is one learner attempt at a challenge or project. Exactly one
// of Code or Files is populated, depending on Kind.
type Submission struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"userId"`
	Kind         model.Kind             `json:"kind"`
	ItemID       string                 `json:"itemId,omitempty"`
	ProjectID    string                 `json:"projectId,omitempty"`
	Language     model.Language         `json:"language"`
	Code         string                 `json:"code,omitempty"`
	Files        []model.File           `json:"files,omitempty"`
	Status       SubmissionStatus       `json:"status"`
	Result       *model.ExecutionResult `json:"result,omitempty"`
	ErrorMessage string                 `json:"errorMessage,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
}

// Target returns the challenge or project id the submission refers to.
func (s *Submission) Target() string {
	if s.Kind == model.KindProject {
		return s.ProjectID
	}
	return s.ItemID
}

// SubmissionListOptions controls filtering and pagination for ListSubmissions.
type SubmissionListOptions struct {
	UserID string
	Status SubmissionStatus
	Kind   model.Kind
	Limit  int
	Offset int
}

// LogStatus is the outcome recorded for one attempt.
type LogStatus string

const (
	LogPassed        LogStatus = "passed"
	LogFailed        LogStatus = "failed"
	LogError         LogStatus = "error"
	LogRateLimited   LogStatus = "rate_limited"
	LogQuotaExceeded LogStatus = "quota_exceeded"
)

// LogEntry is an append-only record of one attempt, written even when the
// attempt was blocked before anything ran.
type LogEntry struct {
	ID           int64          `json:"id"`
	UserID       string         `json:"userId"`
	Kind         model.Kind     `json:"kind"`
	ItemID       string         `json:"itemId,omitempty"`
	ProjectID    string         `json:"projectId,omitempty"`
	SubmissionID string         `json:"submissionId,omitempty"`
	Language     model.Language `json:"language"`
	StartedAt    time.Time      `json:"startedAt"`
	FinishedAt   time.Time      `json:"finishedAt"`
	Status       LogStatus      `json:"status"`
	TimingMs     int64          `json:"timingMs"`
	CompileOK    bool           `json:"compileOk"`
	TestsPassed  *bool          `json:"testsPassed,omitempty"`
	TestsFailed  *int           `json:"testsFailedCount,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
}

// LogListOptions controls filtering and pagination for ListLogs.
type LogListOptions struct {
	UserID string
	Status LogStatus
	Limit  int
	Offset int
}

// Store is the persistence interface for submissions and execution logs.
type Store interface {
	// CreateSubmission inserts a new submission. The ID field must be set by
	// the caller; Status defaults to queued.
	CreateSubmission(ctx context.Context, s *Submission) error

	// GetSubmission returns the submission with exactly this ID.
	GetSubmission(ctx context.Context, id string) (*Submission, error)

	// ResolveSubmission accepts a full ID or a unique ID prefix, taken
	// literally. Operator tooling only.
	ResolveSubmission(ctx context.Context, prefix string) (*Submission, error)

	// ListSubmissions returns submissions ordered by created_at descending.
	ListSubmissions(ctx context.Context, opts SubmissionListOptions) ([]Submission, error)

	// Transition moves a submission to status, storing result and errMsg.
	// A transition out of a terminal state fails with a Conflict error.
	Transition(ctx context.Context, id string, status SubmissionStatus, result *model.ExecutionResult, errMsg string) error

	// AppendLog writes one execution log entry and sets its ID.
	AppendLog(ctx context.Context, e *LogEntry) error

	// ListLogs returns log entries ordered by started_at descending.
	ListLogs(ctx context.Context, opts LogListOptions) ([]LogEntry, error)

	// Close releases resources.
	Close() error
}
