package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/cncaiprojem/jobcore/internal/config"
	"github.com/cncaiprojem/jobcore/internal/domain"
	"github.com/cncaiprojem/jobcore/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg      config.Config
	Dispatch usecase.Dispatcher
	Cancel   usecase.CancelService
	Progress usecase.ProgressService
	DLQ      *usecase.DLQHandler
	Store    domain.JobStore

	DBCheck     func(ctx context.Context) error
	RedisCheck  func(ctx context.Context) error
	BrokerCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, dispatch usecase.Dispatcher, cancel usecase.CancelService, progress usecase.ProgressService, dlq *usecase.DLQHandler, store domain.JobStore, dbCheck, redisCheck, brokerCheck func(context.Context) error) *Server {
	return &Server{
		Cfg: cfg, Dispatch: dispatch, Cancel: cancel, Progress: progress, DLQ: dlq, Store: store,
		DBCheck: dbCheck, RedisCheck: redisCheck, BrokerCheck: brokerCheck,
	}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type submitRequest struct {
	Class    string          `json:"class" validate:"required"`
	Input    json.RawMessage `json:"input"`
	Priority string          `json:"priority" validate:"omitempty,oneof=low normal high"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type jobResponse struct {
	ID              string          `json:"id"`
	Class           string          `json:"class"`
	State           domain.State    `json:"state"`
	Priority        domain.Priority `json:"priority"`
	Progress        int             `json:"progress"`
	Attempts        int             `json:"attempts"`
	RetryCount      int             `json:"retry_count"`
	CancelRequested bool            `json:"cancel_requested"`
	Output          json.RawMessage `json:"output,omitempty"`
	Step            string          `json:"step,omitempty"`
	Message         string          `json:"message,omitempty"`
	ErrorCode       string          `json:"error_code,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func toJobResponse(j domain.Job) jobResponse {
	return jobResponse{
		ID:              j.ID,
		Class:           j.Class,
		State:           j.State,
		Priority:        j.Priority,
		Progress:        j.Progress,
		Attempts:        j.Attempts,
		RetryCount:      j.RetryCount,
		CancelRequested: j.CancelRequested,
		Output:          j.Output,
		Step:            j.Metrics["step"],
		Message:         j.Metrics["message"],
		ErrorCode:       j.ErrorCode,
		ErrorMessage:    j.ErrorMessage,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		FinishedAt:      j.FinishedAt,
		UpdatedAt:       j.UpdatedAt,
	}
}

// SubmitHandler accepts a job submission and responds 202 once the record is
// queued (or 503 when the broker rejected it).
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "application/json") {
			writeError(w, r, fmt.Errorf("%w: content-type must be application/json", domain.ErrInvalidArgument), nil)
			return
		}
		// Cap the body at the payload limit plus envelope slack; the
		// dispatcher enforces the exact input limit.
		r.Body = http.MaxBytesReader(w, r.Body, s.Cfg.MaxMessageBytes+64*1024)
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, r, fmt.Errorf("%w: request body exceeds %d bytes", domain.ErrPayloadTooLarge, tooLarge.Limit), nil)
				return
			}
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		var req submitRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if !s.Cfg.KnownClass(req.Class) {
			writeError(w, r, fmt.Errorf("%w: unknown class %q", domain.ErrInvalidArgument, req.Class),
				map[string]any{"classes": s.Cfg.Classes})
			return
		}
		job, err := s.Dispatch.Submit(r.Context(), usecase.SubmitRequest{
			Class:    req.Class,
			Input:    req.Input,
			Priority: domain.Priority(req.Priority),
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, toJobResponse(job))
	}
}

// GetHandler returns the stored job record.
func (s *Server) GetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := s.Store.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, map[string]string{"id": id})
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job))
	}
}

// CancelHandler requests cooperative cancellation. Terminal jobs return their
// unchanged record; repeated requests are no-ops.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req cancelRequest
		if r.Body != nil {
			// Body is optional; a missing or empty one means no reason.
			_ = json.NewDecoder(r.Body).Decode(&req)
		}
		job, err := s.Cancel.Request(r.Context(), id, req.Reason)
		if err != nil {
			writeError(w, r, err, map[string]string{"id": id})
			return
		}
		writeJSON(w, http.StatusAccepted, toJobResponse(job))
	}
}

type progressResponse struct {
	JobID     string       `json:"job_id"`
	State     domain.State `json:"state"`
	Progress  int          `json:"progress"`
	Step      string       `json:"step,omitempty"`
	Message   string       `json:"message,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// ProgressHandler returns the latest progress snapshot for a job.
func (s *Server) ProgressHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := s.Store.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, map[string]string{"id": id})
			return
		}
		writeJSON(w, http.StatusOK, progressResponse{
			JobID:     job.ID,
			State:     job.State,
			Progress:  job.Progress,
			Step:      job.Metrics["step"],
			Message:   job.Metrics["message"],
			UpdatedAt: job.UpdatedAt,
		})
	}
}

type recoverRequest struct {
	Record domain.DLQRecord `json:"record"`
	Queue  string           `json:"queue,omitempty"`
}

// RecoverHandler re-dispatches one DLQ record as a fresh submission,
// optionally onto a different class queue.
func (s *Server) RecoverHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req recoverRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if req.Record.TaskID == "" && len(req.Record.Args) == 0 {
			writeError(w, r, fmt.Errorf("%w: empty dlq record", domain.ErrInvalidArgument), nil)
			return
		}
		job, err := s.DLQ.Recover(r.Context(), req.Record, req.Queue)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, toJobResponse(job))
	}
}

// ReadyzHandler reports dependency health.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type readiness struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := map[string]string{}
		ok := true
		for name, check := range map[string]func(context.Context) error{
			"db":     s.DBCheck,
			"redis":  s.RedisCheck,
			"broker": s.BrokerCheck,
		} {
			if check == nil {
				continue
			}
			if err := check(ctx); err != nil {
				checks[name] = err.Error()
				ok = false
				continue
			}
			checks[name] = "ok"
		}
		st := http.StatusOK
		status := "ready"
		if !ok {
			st = http.StatusServiceUnavailable
			status = "degraded"
		}
		writeJSON(w, st, readiness{Status: status, Checks: checks})
	}
}
