package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ILLUVRSE/season-planner/internal/auth"
	"github.com/ILLUVRSE/season-planner/internal/events"
	"github.com/ILLUVRSE/season-planner/internal/metrics"
	"github.com/ILLUVRSE/season-planner/internal/models"
	"github.com/ILLUVRSE/season-planner/internal/orchestrator"
	"github.com/ILLUVRSE/season-planner/internal/paramextract"
	"github.com/ILLUVRSE/season-planner/internal/store"
)

type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Store        store.Store
	Verifier     *auth.Verifier
	// Extractor is optional; without it the extract route answers 503.
	Extractor      paramextract.Client
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
	RequestTimeout time.Duration
	SSEKeepalive   time.Duration
}

type Server struct {
	orch      *orchestrator.Orchestrator
	store     store.Store
	verifier  *auth.Verifier
	extractor paramextract.Client
	metrics   *metrics.Metrics
	logger    *slog.Logger
	timeout   time.Duration
	keepalive time.Duration
}

func New(cfg Config) *Server {
	s := &Server{
		orch:      cfg.Orchestrator,
		store:     cfg.Store,
		verifier:  cfg.Verifier,
		extractor: cfg.Extractor,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		timeout:   cfg.RequestTimeout,
		keepalive: cfg.SSEKeepalive,
	}
	if s.verifier == nil {
		s.verifier = auth.NewVerifier(auth.Config{})
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.timeout <= 0 {
		s.timeout = 30 * time.Second
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/planner", func(r chi.Router) {
		// The event stream outlives the request timeout.
		r.Get("/workflows/{id}/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.timeout))

			r.Get("/workflows", s.handleListWorkflows)
			r.Get("/workflows/{id}", s.handleGetWorkflow)
			r.Get("/workflows/{id}/forecast", s.handleForecast)
			r.Get("/workflows/{id}/allocation", s.handleAllocation)
			r.Get("/workflows/{id}/markdown", s.handleMarkdown)
			r.Get("/workflows/{id}/variance", s.handleVariance)
			r.Get("/workflows/{id}/shipments", s.handleShipments)

			r.Group(func(r chi.Router) {
				r.Use(s.verifier.Middleware)
				r.Post("/parameters/extract", s.handleExtract)
				r.Post("/workflows", s.handleCreate)
				r.Post("/workflows/{id}/start", s.handleStart)
				r.Post("/workflows/{id}/approval", s.handleApproval)
				r.Post("/workflows/{id}/cancel", s.handleCancel)
				r.Post("/workflows/{id}/actuals", s.handleActuals)
				r.Post("/workflows/{id}/advance", s.handleAdvance)
			})
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

type extractRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	if s.extractor == nil {
		respondError(w, http.StatusServiceUnavailable, "parameter extraction not configured")
		return
	}
	var req extractRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.extractor.Extract(r.Context(), req.Prompt)
	if err != nil {
		if errors.Is(err, models.ErrInvalidParameters) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var in models.WorkflowInput
	if err := decodeJSON(w, r, &in); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := s.orch.Create(r.Context(), in)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, st)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	filter := store.ListWorkflowsFilter{}
	if v := r.URL.Query().Get("stage"); v != "" {
		for _, stage := range strings.Split(v, ",") {
			filter.Stages = append(filter.Stages, models.Stage(strings.TrimSpace(stage)))
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	list, err := s.orch.ListWorkflows(r.Context(), filter)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if list == nil {
		list = []models.WorkflowState{}
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}
	st, err := s.orch.GetWorkflow(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}
	var opts orchestrator.StartOptions
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &opts); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	st, err := s.orch.Start(r.Context(), id, opts)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, st)
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}
	var d models.ApprovalDecision
	if err := decodeJSON(w, r, &d); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if d.Actor == "" {
		d.Actor = auth.PrincipalFrom(r.Context())
	}
	st, err := s.orch.Approve(r.Context(), id, d)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}
	st, err := s.orch.Cancel(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

type actualsRequest struct {
	Period  int                         `json:"period"`
	Records []orchestrator.ActualsInput `json:"records"`
}

func (s *Server) handleActuals(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}
	var req actualsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	v, err := s.orch.IngestActuals(r.Context(), id, req.Period, req.Records)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, v)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}
	st, err := s.orch.AdvanceWeek(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}
	f, err := s.orch.Forecast(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, f)
}

func (s *Server) handleAllocation(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}
	p, err := s.orch.Allocation(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleMarkdown(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}
	d, err := s.orch.Markdown(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) handleVariance(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}
	v, err := s.orch.Variance(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}

func (s *Server) handleShipments(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}
	out, err := s.orch.Shipments(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}
	sub, err := s.orch.Subscribe(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	events.ServeSSE(w, r, sub, s.keepalive)
}

// respondErr maps orchestrator errors onto status codes.
func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "err", err)
	}
	respondError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidParameters):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrActualsPending),
		errors.Is(err, models.ErrNoPendingApproval),
		errors.Is(err, models.ErrStaleRevision):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func workflowID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid workflow id %q", chi.URLParam(r, "id")))
		return uuid.Nil, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
