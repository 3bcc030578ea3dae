package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"k8s.io/apimachinery/pkg/util/validation/field"

	"github.com/policy-hub/coordinator/internal/apperror"
	"github.com/policy-hub/coordinator/internal/auth"
	"github.com/policy-hub/coordinator/internal/metrics"
	"github.com/policy-hub/coordinator/internal/telemetry/ingest"
	"github.com/policy-hub/coordinator/internal/telemetry/models"
	"github.com/policy-hub/coordinator/internal/telemetry/simulation"
)

// handlerFunc serves an authenticated, authorized request.
type handlerFunc func(w http.ResponseWriter, r *http.Request, cred *auth.Credential) error

type route struct {
	name   string
	method string
	path   string
	scope  string
	handle handlerFunc
}

func (s *Server) routes() []route {
	return []route{
		// Node endpoints. /simulation/pending must precede /simulation/{id}.
		{"pollPending", http.MethodGet, "/simulation/pending", auth.ScopeSimulationRead, s.handlePollPending},
		{"submitResult", http.MethodPost, "/simulation/{id}/result", auth.ScopeSimulationWrite, s.handleSubmitResult},
		{"ingestValidation", http.MethodPost, "/telemetry/validation", auth.ScopeTelemetryWrite, s.handleIngestValidation},
		{"validationSummary", http.MethodGet, "/telemetry/validation/summary", auth.ScopeTelemetryWrite, s.handleValidationSummary},
		{"heartbeat", http.MethodPost, "/cluster/heartbeat", auth.ScopeTelemetryWrite, s.handleHeartbeat},

		// Simulation management.
		{"createSimulation", http.MethodPost, "/simulation", auth.ScopeSimulationWrite, s.handleCreateSimulation},
		{"listSimulations", http.MethodGet, "/simulation", auth.ScopeSimulationRead, s.handleListSimulations},
		{"getSimulation", http.MethodGet, "/simulation/{id}", auth.ScopeSimulationRead, s.handleGetSimulation},
		{"cancelSimulation", http.MethodPost, "/simulation/{id}/cancel", auth.ScopeSimulationWrite, s.handleCancelSimulation},
		{"deleteSimulation", http.MethodDelete, "/simulation/{id}", auth.ScopeSimulationWrite, s.handleDeleteSimulation},

		// Paths the node operator calls.
		{"operatorPollPending", http.MethodGet, "/api/operator/simulation/pending", auth.ScopeSimulationRead, s.handlePollPending},
		{"operatorSubmitResult", http.MethodPost, "/api/operator/simulation/results", auth.ScopeSimulationWrite, s.handleSubmitResult},
		{"operatorIngestValidation", http.MethodPost, "/api/operator/validation", auth.ScopeTelemetryWrite, s.handleIngestValidation},
		{"operatorHeartbeat", http.MethodPost, "/api/operator/heartbeat", auth.ScopeTelemetryWrite, s.handleHeartbeat},
	}
}

// wrap authenticates, authorizes and rate limits a route, and records its metrics.
func (s *Server) wrap(rt route) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := metrics.Tracer().Start(r.Context(), "http."+rt.name)
		defer span.End()
		r = r.WithContext(ctx)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		if err := s.serve(sw, r, rt); err != nil {
			if apperror.KindOf(err) == apperror.KindInternal {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			s.writeError(sw, r, err)
		}

		span.SetAttributes(attribute.String("http.method", r.Method), attribute.Int("http.status_code", sw.status))
		s.metrics.ObserveHTTP(rt.name, r.Method, sw.status, time.Since(start))
	})
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, rt route) error {
	bearer, err := auth.BearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return err
	}
	cred, err := auth.Resolve(r.Context(), s.auth, bearer)
	if err != nil {
		return err
	}
	if err := auth.Authorize(cred, rt.scope); err != nil {
		return err
	}
	if s.limiter != nil {
		if err := s.limiter.Allow(limitKey(cred)); err != nil {
			return err
		}
	}

	r = r.WithContext(auth.WithCredential(r.Context(), cred))
	return rt.handle(w, r, cred)
}

func limitKey(cred *auth.Credential) string {
	if cred.ClusterBound() {
		return "cluster:" + cred.ClusterID
	}
	return "org:" + cred.OrganizationID
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	return ingest.DecodeJSON(http.MaxBytesReader(w, r.Body, s.maxBody), v)
}

// PendingResponse is the body of a poll.
type PendingResponse struct {
	Success     bool              `json:"success"`
	Simulations []models.WorkItem `json:"simulations"`
	NodeName    string            `json:"nodeName"`
}

func (s *Server) handlePollPending(w http.ResponseWriter, r *http.Request, cred *auth.Credential) error {
	clusterID, err := auth.RequireCluster(cred)
	if err != nil {
		return err
	}
	nodeName := r.Header.Get(NodeNameHeader)
	if nodeName == "" {
		return apperror.Validation(field.ErrorList{field.Required(field.NewPath(NodeNameHeader), "header identifies the polling node")})
	}

	items, err := s.dispatcher.Poll(r.Context(), clusterID, nodeName)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, PendingResponse{Success: true, Simulations: items, NodeName: nodeName})
	return nil
}

// handleSubmitResult serves both the path form, with the id in the URL, and the
// operator form, with the id in the body.
func (s *Server) handleSubmitResult(w http.ResponseWriter, r *http.Request, cred *auth.Credential) error {
	var body models.ResultSubmission
	if err := s.decode(w, r, &body); err != nil {
		return err
	}

	var errs field.ErrorList
	id, inPath := mux.Vars(r)["id"]
	switch {
	case !inPath:
		id = body.SimulationID
		if id == "" {
			errs = append(errs, field.Required(field.NewPath("simulationId"), ""))
		}
	case body.SimulationID != "" && body.SimulationID != id:
		errs = append(errs, field.Invalid(field.NewPath("simulationId"), body.SimulationID, "does not match the simulation in the path"))
	}

	nodeName := r.Header.Get(NodeNameHeader)
	switch {
	case nodeName == "":
		nodeName = body.NodeName
	case body.NodeName != "" && body.NodeName != nodeName:
		errs = append(errs, field.Invalid(field.NewPath("nodeName"), body.NodeName, fmt.Sprintf("does not match the %s header", NodeNameHeader)))
	}
	if err := apperror.Validation(errs); err != nil {
		return err
	}

	resp, err := s.dispatcher.Submit(r.Context(), cred, id, nodeName, &body.PartialResult)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (s *Server) handleIngestValidation(w http.ResponseWriter, r *http.Request, cred *auth.Credential) error {
	var body models.ValidationIngestion
	if err := s.decode(w, r, &body); err != nil {
		return err
	}
	if body.NodeName == "" {
		body.NodeName = r.Header.Get(NodeNameHeader)
	}

	result, err := s.validation.Ingest(r.Context(), cred, &body)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, result)
	return nil
}

// SummaryResponse is the body of the validation summary query.
type SummaryResponse struct {
	Success bool `json:"success"`
	*models.SummaryReport
}

func (s *Server) handleValidationSummary(w http.ResponseWriter, r *http.Request, cred *auth.Credential) error {
	q := r.URL.Query()
	hours, err := intParam(q.Get("hours"), "hours")
	if err != nil {
		return err
	}

	report, err := s.validation.Summary(r.Context(), cred, q.Get("clusterId"), hours)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, SummaryResponse{Success: true, SummaryReport: report})
	return nil
}

// HeartbeatResponse is the body of a heartbeat reply.
type HeartbeatResponse struct {
	Success   bool   `json:"success"`
	ClusterID string `json:"clusterId"`
	NodeCount int    `json:"nodeCount"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request, cred *auth.Credential) error {
	var body models.HeartbeatRequest
	if err := s.decode(w, r, &body); err != nil {
		return err
	}

	c, err := s.clusters.Heartbeat(r.Context(), cred, body)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, HeartbeatResponse{Success: true, ClusterID: c.ID, NodeCount: c.NodeCount})
	return nil
}

// StatusResponse reports a simulation's id and status after a change.
type StatusResponse struct {
	Success      bool          `json:"success"`
	SimulationID string        `json:"simulationId"`
	Status       models.Status `json:"status"`
}

func (s *Server) handleCreateSimulation(w http.ResponseWriter, r *http.Request, cred *auth.Credential) error {
	var body models.CreateSimulationRequest
	if err := s.decode(w, r, &body); err != nil {
		return err
	}

	sim, err := s.simulations.Create(r.Context(), cred, &body)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, StatusResponse{Success: true, SimulationID: sim.ID, Status: sim.Status})
	return nil
}

// ListResponse is the body of a simulation listing.
type ListResponse struct {
	Success     bool                 `json:"success"`
	Simulations []*models.Simulation `json:"simulations"`
	Count       int                  `json:"count"`
}

func (s *Server) handleListSimulations(w http.ResponseWriter, r *http.Request, cred *auth.Credential) error {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		return err
	}

	sims, err := s.simulations.List(r.Context(), cred, simulation.ListOptions{
		ClusterID: q.Get("clusterId"),
		Status:    models.Status(q.Get("status")),
		Limit:     limit,
	})
	if err != nil {
		return err
	}
	if sims == nil {
		sims = []*models.Simulation{}
	}
	writeJSON(w, http.StatusOK, ListResponse{Success: true, Simulations: sims, Count: len(sims)})
	return nil
}

// SimulationResponse wraps a single simulation.
type SimulationResponse struct {
	Success    bool               `json:"success"`
	Simulation *models.Simulation `json:"simulation"`
}

func (s *Server) handleGetSimulation(w http.ResponseWriter, r *http.Request, cred *auth.Credential) error {
	sim, err := s.simulations.Get(r.Context(), cred, mux.Vars(r)["id"])
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, SimulationResponse{Success: true, Simulation: sim})
	return nil
}

func (s *Server) handleCancelSimulation(w http.ResponseWriter, r *http.Request, cred *auth.Credential) error {
	sim, err := s.simulations.Cancel(r.Context(), cred, mux.Vars(r)["id"])
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, StatusResponse{Success: true, SimulationID: sim.ID, Status: sim.Status})
	return nil
}

func (s *Server) handleDeleteSimulation(w http.ResponseWriter, r *http.Request, cred *auth.Credential) error {
	if err := s.simulations.Delete(r.Context(), cred, mux.Vars(r)["id"]); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
	}{Success: true})
	return nil
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperror.Validation(field.ErrorList{field.Invalid(field.NewPath(name), raw, "must be an integer")})
	}
	return n, nil
}
