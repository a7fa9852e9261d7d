package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/apperr"
	"github.com/michaelbrown/runbox/internal/model"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/storage"
	"github.com/michaelbrown/runbox/internal/submission"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders err as {code, message, ...details} with the status its
// code maps to. Causes of internal errors are logged, never sent.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := apperr.As(err)
	if !ok {
		e = apperr.Wrap(err, apperr.Internal, "")
	}
	if e.Code == apperr.Internal {
		s.logger.Error("request failed",
			zap.String("request_id", requestID(r)), zap.String("path", r.URL.Path), zap.Error(err))
	}

	body := map[string]any{"code": e.Code, "message": e.Message}
	for k, v := range e.Details {
		body[k] = v
	}
	if ms, ok := e.Details["retryAfterMs"].(int64); ok {
		w.Header().Set("Retry-After", strconv.FormatInt((ms+999)/1000, 10))
	}
	writeJSON(w, e.Code.HTTPStatus(), body)
}

// decodeJSON reads at most s.maxBody bytes of r's body into v.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, s.maxBody)
	defer body.Close()
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Newf(apperr.ValidationFailed, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return apperr.Newf(apperr.ValidationFailed, "invalid JSON: %v", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- Executor boundary ---

type executeRequest struct {
	Code      string                `json:"code"`
	Files     []model.File          `json:"files"`
	TestSuite model.TestSuite       `json:"testSuite"`
	Limits    *model.LimitOverrides `json:"limits"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	lang, err := model.ParseLanguage(chi.URLParam(r, "language"))
	if err != nil {
		s.writeError(w, r, apperr.Wrap(err, apperr.ValidationFailed, err.Error()))
		return
	}
	kind, err := model.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		s.writeError(w, r, apperr.Wrap(err, apperr.ValidationFailed, err.Error()))
		return
	}

	var req executeRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	// A completed attempt is returned even if the client has gone.
	res, err := s.executor.Execute(context.WithoutCancel(r.Context()), sandbox.Request{
		Language:  lang,
		Kind:      kind,
		Code:      req.Code,
		Files:     req.Files,
		Suite:     req.TestSuite,
		Overrides: req.Limits,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Submission API ---

type runRequest struct {
	Language string       `json:"language"`
	Code     string       `json:"code"`
	Files    []model.File `json:"files"`
}

func (s *Server) handleRunChallenge(w http.ResponseWriter, r *http.Request) {
	s.handleRun(w, r, model.KindChallenge)
}

func (s *Server) handleRunProject(w http.ResponseWriter, r *http.Request) {
	s.handleRun(w, r, model.KindProject)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request, kind model.Kind) {
	var req runRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	lang, err := model.ParseLanguage(req.Language)
	if err != nil {
		s.writeError(w, r, apperr.Wrap(err, apperr.ValidationFailed, err.Error()))
		return
	}

	out, err := s.runs.Run(r.Context(), submission.RunRequest{
		UserID:   userID(r.Context()),
		Kind:     kind,
		ItemID:   chi.URLParam(r, "id"),
		Language: lang,
		Code:     req.Code,
		Files:    req.Files,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	opts := storage.SubmissionListOptions{UserID: userID(r.Context())}

	q := r.URL.Query()
	if status := q.Get("status"); status != "" {
		opts.Status = storage.SubmissionStatus(status)
	}
	if kind := q.Get("kind"); kind != "" {
		opts.Kind = model.Kind(kind)
	}
	opts.Limit, opts.Offset = pagination(r)

	subs, err := s.store.ListSubmissions(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := s.ownedSubmission(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// ownedSubmission loads the {id} submission. Another user's submission is
// reported as missing.
func (s *Server) ownedSubmission(r *http.Request) (*storage.Submission, error) {
	id := chi.URLParam(r, "id")
	sub, err := s.store.GetSubmission(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if sub.UserID != userID(r.Context()) {
		return nil, apperr.Newf(apperr.NotFound, "submission not found: %s", id)
	}
	return sub, nil
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	opts := storage.LogListOptions{UserID: userID(r.Context())}
	if status := r.URL.Query().Get("status"); status != "" {
		opts.Status = storage.LogStatus(status)
	}
	opts.Limit, opts.Offset = pagination(r)

	entries, err := s.store.ListLogs(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func pagination(r *http.Request) (limit, offset int) {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			offset = n
		}
	}
	return limit, offset
}

func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}
