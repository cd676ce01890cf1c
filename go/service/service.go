// Package service is the REST boundary of the probe. It translates HTTP
// requests into scheduler asks on the guardian's current scheduler, and
// maps scheduler errors onto status codes. It holds no state of its own.
package service

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/scheduler"
	log "github.com/sirupsen/logrus"
)

// Provider yields the currently live scheduler, or nil while the guardian
// is between restarts. A nil scheduler is answered with 503.
type Provider func() *scheduler.Scheduler

// NewRouter builds the probe's HTTP API over |provider|.
func NewRouter(provider Provider) http.Handler {
	var r = chi.NewRouter()
	r.Use(middleware.Recoverer)

	var s = &server{provider: provider}
	r.Post("/initialize", s.initialize)
	r.Post("/start", s.start)
	r.Get("/status/{testId}", s.status)
	r.Get("/queue", s.queue)
	r.Delete("/{testId}", s.cancel)
	return r
}

type server struct {
	provider Provider
}

type startRequest struct {
	TestID   string `json:"testId"`
	Bucket   string `json:"bucket"`
	TestType string `json:"testType,omitempty"`
}

type startResponse struct {
	Accepted bool   `json:"accepted"`
	TestType string `json:"testType,omitempty"`
	Message  string `json:"message,omitempty"`
}

type cancelResponse struct {
	Cancelled bool   `json:"cancelled"`
	Message   string `json:"message,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *server) scheduler(w http.ResponseWriter) *scheduler.Scheduler {
	var sched = s.provider()
	if sched == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "scheduler is unavailable"})
	}
	return sched
}

func (s *server) initialize(w http.ResponseWriter, req *http.Request) {
	var sched = s.scheduler(w)
	if sched == nil {
		return
	}

	var id, err = sched.Initialize(req.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"testId": id.String()})
}

func (s *server) start(w http.ResponseWriter, req *http.Request) {
	var sched = s.scheduler(w)
	if sched == nil {
		return
	}

	var body startRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, startResponse{Message: "malformed request body"})
		return
	}
	id, err := uuid.Parse(body.TestID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, startResponse{Message: "testId must be a UUID"})
		return
	}

	if err = sched.Start(req.Context(), id, body.Bucket, body.TestType); err != nil {
		writeJSON(w, statusOf(err), startResponse{Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{Accepted: true, TestType: body.TestType})
}

func (s *server) status(w http.ResponseWriter, req *http.Request) {
	var sched = s.scheduler(w)
	if sched == nil {
		return
	}

	var id, err = uuid.Parse(chi.URLParam(req, "testId"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "testId must be a UUID"})
		return
	}

	status, err := sched.Status(req.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *server) queue(w http.ResponseWriter, req *http.Request) {
	var sched = s.scheduler(w)
	if sched == nil {
		return
	}

	var id *uuid.UUID
	if raw := req.URL.Query().Get("testId"); raw != "" {
		var parsed, err = uuid.Parse(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "testId must be a UUID"})
			return
		}
		id = &parsed
	}

	var status, err = sched.Queue(req.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *server) cancel(w http.ResponseWriter, req *http.Request) {
	var sched = s.scheduler(w)
	if sched == nil {
		return
	}

	var id, err = uuid.Parse(chi.URLParam(req, "testId"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "testId must be a UUID"})
		return
	}

	cancelled, err := sched.Cancel(req.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	var resp = cancelResponse{Cancelled: cancelled}
	if !cancelled {
		resp.Message = "test is already terminal"
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusOf maps scheduler errors onto HTTP statuses.
func statusOf(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithField("err", err).Warn("failed to encode response body")
	}
}
