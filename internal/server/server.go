// Package server provides the administrative HTTP surface of the
// gateway.
//
// Every endpoint maps 1:1 onto a configuration-provider, submission
// or retry state-machine operation:
//
//   - PUT    /admin/pmode                      - Upload exchange configuration
//   - GET    /admin/pmode                      - Download the active document
//   - GET    /admin/pmode/version              - Active configuration version
//   - POST   /admin/messages                   - Submit a message for delivery
//   - GET    /admin/messages/{id}              - Delivery log of a message
//   - POST   /admin/messages/{id}/restore      - Restore a failed message
//   - POST   /admin/messages/{id}/resend       - Resend failed or enqueued
//   - DELETE /admin/messages/{id}              - Delete a message
//   - POST   /admin/messages/restore           - Bulk restore by failure period
//   - GET    /admin/pull-locks                 - List pull locks by state
//
// Admin endpoints authenticate with the X-Admin-Key header. Health and
// readiness probes are unauthenticated.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sirosfoundation/go-gateway/internal/config"
	"github.com/sirosfoundation/go-gateway/internal/pull"
	"github.com/sirosfoundation/go-gateway/internal/storage"
	"github.com/sirosfoundation/go-gateway/internal/submit"
	"github.com/sirosfoundation/go-gateway/pkg/pmode"
	"github.com/sirosfoundation/go-gateway/pkg/reliability"
)

// maxConfigSize bounds an uploaded exchange-configuration document.
const maxConfigSize = 8 << 20

// maxSubmitSize bounds a submitted message, payload included.
const maxSubmitSize = 64 << 20

// Server is the gateway admin HTTP server
type Server struct {
	config   *config.Config
	logger   *slog.Logger
	httpSrv  *http.Server
	store    storage.Store
	provider *pmode.Provider
	retry    *reliability.Service
	pull     *pull.Coordinator
	submit   *submit.Service

	mu          sync.RWMutex
	rawDocument []byte
}

// New creates the admin server.
func New(cfg *config.Config, store storage.Store, provider *pmode.Provider, retry *reliability.Service, pullCoordinator *pull.Coordinator, submitter *submit.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:   cfg,
		logger:   logger,
		store:    store,
		provider: provider,
		retry:    retry,
		pull:     pullCoordinator,
		submit:   submitter,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpSrv = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start begins listening on the specified address
func (s *Server) Start(addr string) error {
	s.httpSrv.Addr = addr
	s.logger.Info("starting admin server", "addr", addr, "tls", s.config.Server.TLS.Enabled)
	if s.config.Server.TLS.Enabled {
		return s.httpSrv.ListenAndServeTLS(
			s.config.Server.TLS.CertFile,
			s.config.Server.TLS.KeyFile,
		)
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return err
	}
	if s.store != nil {
		return s.store.Close(ctx)
	}
	return nil
}

// Handler exposes the route table, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	mux.HandleFunc("PUT /admin/pmode", s.withAdmin(s.handleUploadConfiguration))
	mux.HandleFunc("GET /admin/pmode", s.withAdmin(s.handleDownloadConfiguration))
	mux.HandleFunc("GET /admin/pmode/version", s.withAdmin(s.handleConfigurationVersion))

	mux.HandleFunc("POST /admin/messages", s.withAdmin(s.handleSubmitMessage))
	mux.HandleFunc("GET /admin/messages/{messageID}", s.withAdmin(s.handleGetDeliveryLog))
	mux.HandleFunc("POST /admin/messages/{messageID}/restore", s.withAdmin(s.handleRestoreMessage))
	mux.HandleFunc("POST /admin/messages/{messageID}/resend", s.withAdmin(s.handleResendMessage))
	mux.HandleFunc("DELETE /admin/messages/{messageID}", s.withAdmin(s.handleDeleteMessage))
	mux.HandleFunc("POST /admin/messages/restore", s.withAdmin(s.handleBulkRestore))

	mux.HandleFunc("GET /admin/pull-locks", s.withAdmin(s.handleListPullLocks))
}

// withAdmin checks the admin API key
func (s *Server) withAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-Admin-Key")
		if apiKey == "" || apiKey != s.config.Server.AdminKey {
			s.jsonError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// Health handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.jsonError(w, "database not ready", http.StatusServiceUnavailable)
		return
	}
	s.jsonResponse(w, map[string]string{"status": "ready"}, http.StatusOK)
}

// Configuration handlers

func (s *Server) handleUploadConfiguration(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxConfigSize))
	if err != nil {
		s.jsonError(w, "reading request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	warnings, err := s.provider.Load(r.Context(), data)
	if err != nil {
		var verr *pmode.ValidationError
		if errors.As(err, &verr) {
			s.jsonResponse(w, map[string]any{
				"error":  "configuration rejected",
				"issues": verr.Issues,
			}, http.StatusUnprocessableEntity)
			return
		}
		s.logger.Error("loading configuration", "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	s.rawDocument = data
	s.mu.Unlock()

	if warnings == nil {
		warnings = []string{}
	}
	s.jsonResponse(w, map[string]any{
		"version":  s.provider.Version(),
		"warnings": warnings,
	}, http.StatusOK)
}

func (s *Server) handleDownloadConfiguration(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	data := s.rawDocument
	s.mu.RUnlock()
	if data == nil {
		s.jsonError(w, "no configuration loaded", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleConfigurationVersion(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]any{
		"version": s.provider.Version(),
		"loaded":  s.provider.HasConfiguration(),
	}, http.StatusOK)
}

// Message handlers

func (s *Server) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageID            string `json:"messageId"`
		ConversationID       string `json:"conversationId"`
		FromPartyID          string `json:"fromPartyId"`
		ToPartyID            string `json:"toPartyId"`
		Service              string `json:"service"`
		Action               string `json:"action"`
		Agreement            string `json:"agreement"`
		Mpc                  string `json:"mpc"`
		FinalRecipient       string `json:"finalRecipient"`
		Payload              []byte `json:"payload"`
		NotificationRequired bool   `json:"notificationRequired"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitSize)).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.FromPartyID == "" || req.ToPartyID == "" || req.Service == "" || req.Action == "" {
		s.jsonError(w, "fromPartyId, toPartyId, service and action are required", http.StatusBadRequest)
		return
	}

	msg := &storage.Message{
		MessageID:      req.MessageID,
		ConversationID: req.ConversationID,
		FromPartyID:    req.FromPartyID,
		ToPartyID:      req.ToPartyID,
		Service:        req.Service,
		Action:         req.Action,
		Agreement:      req.Agreement,
		Mpc:            req.Mpc,
		FinalRecipient: req.FinalRecipient,
		Payload:        req.Payload,
	}

	messageID, err := s.submit.Submit(r.Context(), msg, req.NotificationRequired)
	var rerr *pmode.RoutingError
	switch {
	case errors.Is(err, submit.ErrDuplicate):
		s.jsonError(w, "message id already exists", http.StatusConflict)
	case errors.As(err, &rerr), errors.Is(err, pmode.ErrNoConfiguration):
		s.jsonError(w, err.Error(), http.StatusUnprocessableEntity)
	case err != nil:
		s.logger.Error("submitting message", "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
	default:
		s.jsonResponse(w, map[string]string{
			"id":     messageID,
			"status": "accepted",
		}, http.StatusCreated)
	}
}

func (s *Server) handleGetDeliveryLog(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("messageID")

	log, err := s.store.GetDeliveryLog(r.Context(), messageID)
	if errors.Is(err, storage.ErrNotFound) {
		s.jsonError(w, "message not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("loading delivery log", "message_id", messageID, "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := map[string]any{"deliveryLog": log}
	if elapsed, err := s.retry.FailedMessageElapsedTime(r.Context(), messageID); err == nil {
		resp["failedFor"] = elapsed.String()
	}
	s.jsonResponse(w, resp, http.StatusOK)
}

func (s *Server) handleRestoreMessage(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("messageID")
	s.messageOperation(w, messageID, s.retry.RestoreFailedMessage(r.Context(), messageID), "restored")
}

func (s *Server) handleResendMessage(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("messageID")
	s.messageOperation(w, messageID, s.retry.ResendFailedOrSendEnqueuedMessage(r.Context(), messageID), "resent")
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("messageID")
	err := s.retry.DeleteMessage(r.Context(), messageID)
	switch {
	case errors.Is(err, reliability.ErrNotFound):
		s.jsonError(w, "message not found", http.StatusNotFound)
	case errors.Is(err, reliability.ErrAlreadyDeleted):
		s.jsonError(w, "message already deleted", http.StatusConflict)
	case err != nil:
		s.logger.Error("deleting message", "message_id", messageID, "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleBulkRestore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Start.IsZero() || req.End.IsZero() || req.End.Before(req.Start) {
		s.jsonError(w, "start and end must form a valid period", http.StatusBadRequest)
		return
	}

	restored, err := s.retry.RestoreFailedMessagesDuringPeriod(r.Context(), req.Start, req.End)
	if err != nil {
		s.logger.Error("bulk restore failed", "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if restored == nil {
		restored = []string{}
	}
	s.jsonResponse(w, map[string]any{
		"restored": restored,
		"total":    len(restored),
	}, http.StatusOK)
}

func (s *Server) messageOperation(w http.ResponseWriter, messageID string, err error, verb string) {
	switch {
	case errors.Is(err, reliability.ErrNotFound):
		s.jsonError(w, "message not found", http.StatusNotFound)
	case errors.Is(err, reliability.ErrAlreadyDeleted):
		s.jsonError(w, "message already deleted", http.StatusConflict)
	case errors.Is(err, reliability.ErrInvalidState):
		s.jsonError(w, err.Error(), http.StatusConflict)
	case err != nil:
		s.logger.Error("message operation failed", "message_id", messageID, "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
	default:
		s.jsonResponse(w, map[string]string{
			"id":     messageID,
			"status": verb,
		}, http.StatusOK)
	}
}

// Pull lock handlers

func (s *Server) handleListPullLocks(w http.ResponseWriter, r *http.Request) {
	state := storage.PullLockState(r.URL.Query().Get("state"))

	var (
		locks []*storage.PullLock
		err   error
	)
	switch state {
	case "":
		locks, err = s.store.FindPullLocksByState(r.Context(), storage.PullWaitingForPull)
	case storage.PullStaled:
		locks, err = s.pull.StaledLocks(r.Context())
	default:
		locks, err = s.store.FindPullLocksByState(r.Context(), state)
	}
	if err != nil {
		s.logger.Error("listing pull locks", "state", state, "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if locks == nil {
		locks = []*storage.PullLock{}
	}
	s.jsonResponse(w, map[string]any{
		"locks": locks,
		"total": len(locks),
	}, http.StatusOK)
}

// Helper functions

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) jsonError(w http.ResponseWriter, message string, status int) {
	s.jsonResponse(w, map[string]string{"error": message}, status)
}
