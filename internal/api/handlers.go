package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sonsusit20051/ConvertSP/internal/coordinator"
	"github.com/sonsusit20051/ConvertSP/internal/jobs"
	"github.com/sonsusit20051/ConvertSP/internal/linknorm"
)

const readyTimeout = 2 * time.Second

type createJobRequest struct {
	URL *string `json:"url" validate:"required"`
}

type createJobResponse struct {
	JobID  string      `json:"jobId"`
	Status jobs.Status `json:"status"`
}

type completeJobRequest struct {
	AffLink string `json:"affLink" validate:"required"`
}

type failJobRequest struct {
	Error *string `json:"error"`
}

type nextJobResponse struct {
	Job *jobs.Claim `json:"job"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type healthResponse struct {
	OK   bool      `json:"ok"`
	Time time.Time `json:"time"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if _, err := s.svc.Stats(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{OK: true, Time: s.clock.Now().UTC()})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.svc.Stats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": counts})
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	id, err := s.svc.Submit(r.Context(), *req.URL, clientKey(r, s.opts.TrustForwardedFor))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createJobResponse{JobID: id, Status: jobs.StatusPending})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.Status(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) nextJob(w http.ResponseWriter, r *http.Request) {
	claim, ok, err := s.svc.ClaimNext(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := nextJobResponse{}
	if ok {
		resp.Job = &claim
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) completeJob(w http.ResponseWriter, r *http.Request) {
	var req completeJobRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	if err := s.svc.Complete(r.Context(), chi.URLParam(r, "job_id"), req.AffLink); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) failJob(w http.ResponseWriter, r *http.Request) {
	var req failJobRequest
	if !s.decode(w, r, &req, true) {
		return
	}
	msg := ""
	if req.Error != nil {
		msg = *req.Error
	}
	if err := s.svc.Fail(r.Context(), chi.URLParam(r, "job_id"), msg); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// decode reads a JSON body into dst and validates it. It writes the error
// response itself and reports whether the handler should continue.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	switch {
	case errors.Is(err, io.EOF) && allowEmpty:
	case err != nil:
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return false
		}
		writeError(w, http.StatusUnprocessableEntity, "invalid payload: malformed JSON")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusUnprocessableEntity, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		first := verrs[0]
		return "invalid payload: " + jsonFieldName(first.StructField()) + " is " + first.Tag()
	}
	return "invalid payload"
}

func jsonFieldName(field string) string {
	switch field {
	case "URL":
		return "url"
	case "AffLink":
		return "affLink"
	default:
		return field
	}
}

// fail maps service errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var rej *linknorm.Rejection
	switch {
	case errors.As(err, &rej):
		writeError(w, http.StatusBadRequest, rej.Message)
	case errors.Is(err, coordinator.ErrInvalidReport):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, coordinator.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, coordinator.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, jobs.ErrCapacity):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", RequestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
