package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/mindfulhome/sessiond/pkg/backend"
	"github.com/mindfulhome/sessiond/pkg/common"
	"github.com/mindfulhome/sessiond/pkg/karma"
	"github.com/mindfulhome/sessiond/pkg/negotiation"
	"github.com/mindfulhome/sessiond/pkg/policy"
	"github.com/mindfulhome/sessiond/pkg/session"
)

// Handler serves the control API consumed by the launcher UI and its
// notification layer.
type Handler struct {
	controller   *session.Controller
	orchestrator *negotiation.Orchestrator
	karma        *karma.Engine
	client       *backend.Client
	tokens       *backend.TokenManager
	policy       *policy.Config
}

// NewHandler creates the control API handler. client and tokens may be nil
// when no remote backend is configured.
func NewHandler(controller *session.Controller, orchestrator *negotiation.Orchestrator, karmaEngine *karma.Engine, client *backend.Client, tokens *backend.TokenManager, policyCfg *policy.Config) *Handler {
	return &Handler{
		controller:   controller,
		orchestrator: orchestrator,
		karma:        karmaEngine,
		client:       client,
		tokens:       tokens,
		policy:       policyCfg,
	}
}

// Routes builds the chi router for the control API.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(2 * time.Minute))
	r.Use(traceMiddleware)

	r.Get("/healthz", h.health)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/session", h.sessionSnapshot)
		r.Post("/session/start", h.sessionStart)
		r.Post("/session/extend", h.sessionExtend)
		r.Post("/session/stop", h.sessionStop)
		r.Post("/session/reply", h.sessionReply)

		r.Post("/negotiation/gatekeeper", h.negotiationGatekeeper)
		r.Post("/negotiation/general", h.negotiationGeneral)
		r.Post("/negotiation/reply", h.negotiationReply)
		r.Post("/negotiation/end", h.negotiationEnd)

		r.Get("/karma", h.karmaAll)
		r.Get("/karma/hidden", h.karmaHidden)
		r.Post("/karma/recovery", h.karmaRecovery)
		r.Get("/karma/{appId}", h.karmaGet)
		r.Post("/karma/{appId}/forgive", h.karmaForgive)
		r.Post("/karma/{appId}/optout", h.karmaOptOut)

		r.Get("/models", h.models)
		r.Get("/auth/status", h.authStatus)
	})

	return r
}

// traceMiddleware opens a span per request and carries the trace-tagged
// logger in the request context.
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := common.ChildScopeFromRemoteScope(r.Context(), r.Method+" "+r.URL.Path)
		defer scope.Finish()

		scope.AddBaggage("http.method", r.Method)
		scope.AddBaggage("http.path", r.URL.Path)
		scope.Log.Debugf("handling %s %s", r.Method, r.URL.Path)

		next.ServeHTTP(w, r.WithContext(scope.Ctx))
	})
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) sessionSnapshot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.controller.Snapshot(r.Context()))
}

func (h *Handler) sessionStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AppID           string `json:"appId"`
		DurationMinutes int    `json:"durationMinutes"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AppID == "" {
		respondError(w, http.StatusBadRequest, "appId is required")
		return
	}

	state := h.controller.Start(r.Context(), req.AppID, req.DurationMinutes)
	respondJSON(w, http.StatusOK, state)
}

func (h *Handler) sessionExtend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Minutes int `json:"minutes"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Minutes <= 0 {
		respondError(w, http.StatusBadRequest, "minutes must be positive")
		return
	}

	state := h.controller.Extend(r.Context(), req.Minutes)
	respondJSON(w, http.StatusOK, state)
}

func (h *Handler) sessionStop(w http.ResponseWriter, r *http.Request) {
	summary := h.controller.Stop(r.Context())
	respondJSON(w, http.StatusOK, map[string]any{"summary": summary})
}

func (h *Handler) sessionReply(w http.ResponseWriter, r *http.Request) {
	text, ok := h.replyText(w, r)
	if !ok {
		return
	}

	result, err := h.controller.Reply(r.Context(), text)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handler) negotiationGatekeeper(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AppID string `json:"appId"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AppID == "" {
		respondError(w, http.StatusBadRequest, "appId is required")
		return
	}

	result, err := h.orchestrator.StartGatekeeper(r.Context(), req.AppID)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handler) negotiationGeneral(w http.ResponseWriter, r *http.Request) {
	greeting, err := h.orchestrator.StartGeneral(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"greeting": greeting})
}

func (h *Handler) negotiationReply(w http.ResponseWriter, r *http.Request) {
	text, ok := h.replyText(w, r)
	if !ok {
		return
	}

	result, err := h.orchestrator.Reply(r.Context(), text)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handler) negotiationEnd(w http.ResponseWriter, _ *http.Request) {
	h.orchestrator.End()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) karmaAll(w http.ResponseWriter, r *http.Request) {
	records, err := h.karma.All(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, recordsOrEmpty(records))
}

func (h *Handler) karmaHidden(w http.ResponseWriter, r *http.Request) {
	records, err := h.karma.Hidden(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, recordsOrEmpty(records))
}

func (h *Handler) karmaGet(w http.ResponseWriter, r *http.Request) {
	record, err := h.karma.Get(r.Context(), chi.URLParam(r, "appId"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (h *Handler) karmaForgive(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appId")
	if err := h.karma.Forgive(r.Context(), appID); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	record, err := h.karma.Get(r.Context(), appID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (h *Handler) karmaOptOut(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OptedOut bool `json:"optedOut"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	appID := chi.URLParam(r, "appId")
	if err := h.karma.SetOptedOut(r.Context(), appID, req.OptedOut); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	record, err := h.karma.Get(r.Context(), appID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (h *Handler) karmaRecovery(w http.ResponseWriter, r *http.Request) {
	recovered, err := h.karma.DailyRecovery(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"recovered": recovered})
}

// models proxies the backend catalog, falling back to the policy file's
// catalog when the backend is unreachable or unconfigured.
func (h *Handler) models(w http.ResponseWriter, r *http.Request) {
	if h.client != nil {
		resp, err := h.client.Models(r.Context())
		if err == nil {
			respondJSON(w, http.StatusOK, resp)
			return
		}
		logrus.Warnf("failed to fetch backend model catalog, using fallback: %v", err)
	}

	models := make([]backend.ModelInfo, 0, len(h.policy.Negotiation.Models))
	for _, m := range h.policy.Negotiation.Models {
		models = append(models, backend.ModelInfo{ID: m.ID, Label: m.Label, Description: m.Description})
	}
	respondJSON(w, http.StatusOK, &backend.ModelsResponse{
		Models:  models,
		Default: h.policy.Negotiation.DefaultModel,
	})
}

func (h *Handler) authStatus(w http.ResponseWriter, r *http.Request) {
	if h.tokens == nil {
		respondJSON(w, http.StatusOK, map[string]bool{"authenticated": false})
		return
	}

	ok, err := h.tokens.CheckToken(r.Context())
	if err != nil {
		// Transport failures do not prove the token invalid.
		logrus.Warnf("auth status check failed, assuming cached token valid: %v", err)
		ok = h.tokens.HasToken(r.Context())
	}
	respondJSON(w, http.StatusOK, map[string]bool{"authenticated": ok})
}

func (h *Handler) replyText(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	if req.Text == "" {
		respondError(w, http.StatusBadRequest, "text is required")
		return "", false
	}
	return req.Text, true
}

func decodeBody(r *http.Request, out any) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func recordsOrEmpty(records []*karma.Record) []*karma.Record {
	if records == nil {
		return []*karma.Record{}
	}
	return records
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logrus.Errorf("failed to encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// HTTPServer manages the control API HTTP server.
type HTTPServer struct {
	server *http.Server
	port   int
}

// NewHTTPServer creates the control API server.
func NewHTTPServer(port int, handler *Handler) *HTTPServer {
	return &HTTPServer{
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: handler.Routes(),
		},
		port: port,
	}
}

// Start begins serving the control API.
func (s *HTTPServer) Start(_ context.Context) error {
	go func() {
		logrus.Infof("control API listening on port %d", s.port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("control API server failed: %v", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the control API server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	logrus.Info("shutting down control API server...")
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	logrus.Info("control API server stopped")
	return nil
}
