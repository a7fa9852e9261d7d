// Package submission turns a learner's run request into a persisted,
// logged, terminal submission: rate limit, quota, persist, execute, record.
package submission

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/apperr"
	"github.com/michaelbrown/runbox/internal/curriculum"
	"github.com/michaelbrown/runbox/internal/metrics"
	"github.com/michaelbrown/runbox/internal/model"
	"github.com/michaelbrown/runbox/internal/ratelimit"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/storage"
)

// RunAction is the rate-limit action key for challenge and project runs.
const RunAction = "run"

// Options wires an Orchestrator to its collaborators.
type Options struct {
	Store   storage.Store
	Catalog curriculum.Catalog
	Sandbox sandbox.Sandbox
	Limiter *ratelimit.Limiter
	Quota   *ratelimit.Quota
	Hub     *Hub
	Logger  *zap.Logger
	Now     func() time.Time
	NewID   func() string
}

// Orchestrator runs submissions. It is safe for concurrent use.
type Orchestrator struct {
	store   storage.Store
	catalog curriculum.Catalog
	sandbox sandbox.Sandbox
	limiter *ratelimit.Limiter
	quota   *ratelimit.Quota
	hub     *Hub
	logger  *zap.Logger
	now     func() time.Time
	newID   func() string
}

// New creates an Orchestrator. Limiter and Quota may be nil to disable them.
func New(opts Options) *Orchestrator {
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Orchestrator{
		store:   opts.Store,
		catalog: opts.Catalog,
		sandbox: opts.Sandbox,
		limiter: opts.Limiter,
		quota:   opts.Quota,
		hub:     opts.Hub,
		logger:  opts.Logger,
		now:     opts.Now,
		newID:   opts.NewID,
	}
}

// Hub returns the event hub transitions are published on.
func (o *Orchestrator) Hub() *Hub { return o.hub }

// RunRequest is one learner attempt. Code is used for challenges and Files
// for projects; the other is ignored.
type RunRequest struct {
	UserID   string
	Kind     model.Kind
	ItemID   string
	Language model.Language
	Code     string
	Files    []model.File
}

// Outcome is what a completed run returns to the caller.
type Outcome struct {
	Submission *storage.Submission    `json:"submission"`
	Result     *model.ExecutionResult `json:"result"`
}

// Run executes one attempt. Blocked attempts return a RateLimited or
// QuotaExceeded error carrying retryAfterMs or resetAt. Once a submission has
// been created it is always terminal when Run returns, and exactly one log
// entry is written per attempt that got past item resolution.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*Outcome, error) {
	if req.UserID == "" {
		return nil, apperr.New(apperr.Unauthorized)
	}
	item, err := o.resolve(req)
	if err != nil {
		return nil, err
	}
	suite, err := item.SuiteFor(req.Language)
	if err != nil {
		return nil, err
	}

	// Accounting and execution must not be cut short by a departing client.
	ctx = context.WithoutCancel(ctx)
	log := o.logger.With(
		zap.String("user_id", req.UserID),
		zap.String("kind", string(req.Kind)),
		zap.String("item_id", req.ItemID),
		zap.String("language", string(req.Language)),
	)

	entry := &storage.LogEntry{
		UserID:    req.UserID,
		Kind:      req.Kind,
		Language:  req.Language,
		StartedAt: o.now(),
	}
	if req.Kind == model.KindProject {
		entry.ProjectID = req.ItemID
	} else {
		entry.ItemID = req.ItemID
	}

	if err := o.admit(ctx, log, req.UserID, entry); err != nil {
		return nil, err
	}

	sub := &storage.Submission{
		ID:       o.newID(),
		UserID:   req.UserID,
		Kind:     req.Kind,
		Language: req.Language,
		Status:   storage.StatusQueued,
	}
	if req.Kind == model.KindProject {
		sub.ProjectID = req.ItemID
		sub.Files = req.Files
	} else {
		sub.ItemID = req.ItemID
		sub.Code = req.Code
	}
	if err := o.store.CreateSubmission(ctx, sub); err != nil {
		log.Error("persisting submission", zap.Error(err))
		o.writeLog(ctx, log, entry, storage.LogError, nil, err.Error())
		return nil, apperr.Wrap(err, apperr.Internal, "persisting submission")
	}
	entry.SubmissionID = sub.ID
	log = log.With(zap.String("submission_id", sub.ID))
	o.publish(sub, "")

	result, runErr := o.execute(ctx, log, sub, suite)

	status, errMsg := terminalStatus(result, runErr)
	if err := o.store.Transition(ctx, sub.ID, status, result, errMsg); err != nil {
		log.Error("recording terminal status", zap.String("status", string(status)), zap.Error(err))
	}
	sub.Status = status
	sub.Result = result
	sub.ErrorMessage = errMsg
	sub.UpdatedAt = o.now()
	o.publish(sub, errMsg)
	metrics.SubmissionsTotal.WithLabelValues(string(req.Kind), string(status)).Inc()

	o.writeLog(ctx, log, entry, storage.LogStatus(status), result, errMsg)
	log.Info("submission finished", zap.String("status", string(status)), zap.Int64("timing_ms", entry.TimingMs))

	if runErr != nil && result == nil {
		return nil, apperr.Wrap(runErr, apperr.Internal, "execution failed").WithDetail("submissionId", sub.ID)
	}
	return &Outcome{Submission: sub, Result: result}, nil
}

func (o *Orchestrator) resolve(req RunRequest) (*curriculum.Item, error) {
	switch req.Kind {
	case model.KindChallenge:
		return o.catalog.Challenge(req.ItemID)
	case model.KindProject:
		return o.catalog.Project(req.ItemID)
	}
	return nil, apperr.Newf(apperr.ValidationFailed, "unsupported kind %q", req.Kind)
}

// admit applies the rate limiter, then the quota. A refusal is logged before
// it is returned.
func (o *Orchestrator) admit(ctx context.Context, log *zap.Logger, userID string, entry *storage.LogEntry) error {
	if o.limiter != nil {
		d, err := o.limiter.Allow(ctx, userID, RunAction)
		if err != nil {
			log.Error("rate limiter failed", zap.Error(err))
			o.writeLog(ctx, log, entry, storage.LogError, nil, err.Error())
			return apperr.Wrap(err, apperr.Internal, "rate limiter failed")
		}
		if !d.Allowed {
			metrics.BlockedAttempts.WithLabelValues(string(storage.LogRateLimited)).Inc()
			o.writeLog(ctx, log, entry, storage.LogRateLimited, nil, "")
			log.Info("attempt rate limited", zap.Duration("retry_after", d.RetryAfter))
			return apperr.New(apperr.RateLimited).WithDetail("retryAfterMs", d.RetryAfter.Milliseconds())
		}
	}

	if o.quota != nil {
		d, err := o.quota.Consume(ctx, userID)
		if err != nil {
			log.Error("quota tracker failed", zap.Error(err))
			o.writeLog(ctx, log, entry, storage.LogError, nil, err.Error())
			return apperr.Wrap(err, apperr.Internal, "quota tracker failed")
		}
		if !d.Allowed {
			metrics.BlockedAttempts.WithLabelValues(string(storage.LogQuotaExceeded)).Inc()
			o.writeLog(ctx, log, entry, storage.LogQuotaExceeded, nil, "")
			log.Info("daily quota exhausted", zap.Time("reset_at", d.ResetAt))
			return apperr.New(apperr.QuotaExceeded).WithDetail("resetAt", d.ResetAt.Format(time.RFC3339))
		}
	}
	return nil
}

// execute moves the submission to running and invokes the sandbox. Panics
// are recovered into an error.
func (o *Orchestrator) execute(ctx context.Context, log *zap.Logger, sub *storage.Submission, suite model.TestSuite) (res *model.ExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("executor panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			res, err = nil, fmt.Errorf("executor panic: %v", r)
		}
	}()

	if err := o.store.Transition(ctx, sub.ID, storage.StatusRunning, nil, ""); err != nil {
		return nil, fmt.Errorf("marking running: %w", err)
	}
	sub.Status = storage.StatusRunning
	o.publish(sub, "")

	return o.sandbox.Execute(ctx, sandbox.Request{
		Language: sub.Language,
		Kind:     sub.Kind,
		Code:     sub.Code,
		Files:    sub.Files,
		Suite:    suite,
	})
}

// terminalStatus maps an execution outcome onto passed, failed or error. An
// unreachable container runtime is an environment fault, not a failed
// attempt.
func terminalStatus(res *model.ExecutionResult, err error) (storage.SubmissionStatus, string) {
	switch {
	case err != nil:
		return storage.StatusError, err.Error()
	case res == nil:
		return storage.StatusError, "executor returned no result"
	case !res.Compile.OK && res.Compile.Stderr == sandbox.RuntimeUnavailable:
		return storage.StatusError, sandbox.RuntimeUnavailable
	case res.Passed:
		return storage.StatusPassed, ""
	default:
		return storage.StatusFailed, ""
	}
}

func (o *Orchestrator) publish(sub *storage.Submission, errMsg string) {
	o.hub.Publish(Event{
		SubmissionID: sub.ID,
		Status:       sub.Status,
		Result:       sub.Result,
		Error:        errMsg,
		At:           o.now(),
	})
}

func (o *Orchestrator) writeLog(ctx context.Context, log *zap.Logger, entry *storage.LogEntry, status storage.LogStatus, res *model.ExecutionResult, errMsg string) {
	entry.FinishedAt = o.now()
	entry.Status = status
	entry.ErrorMessage = errMsg
	if res != nil {
		entry.TimingMs = res.TimingMs
		entry.CompileOK = res.Compile.OK
		passed := res.Passed
		failed := res.FailedCount()
		entry.TestsPassed = &passed
		entry.TestsFailed = &failed
	}
	if err := o.store.AppendLog(ctx, entry); err != nil {
		log.Error("writing execution log", zap.Error(err))
	}
}
