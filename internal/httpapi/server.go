// Package httpapi exposes the daemon's REST and websocket surface on
// the loopback listener.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gestorlite/zapbridge/internal/avatar"
	"github.com/gestorlite/zapbridge/internal/bus"
	"github.com/gestorlite/zapbridge/internal/convo"
	"github.com/gestorlite/zapbridge/internal/metrics"
	"github.com/gestorlite/zapbridge/internal/readstatus"
	"github.com/gestorlite/zapbridge/internal/status"
	"github.com/gestorlite/zapbridge/internal/store"
	"github.com/gestorlite/zapbridge/internal/wa"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadReporter pushes read state back to the provider so other devices
// clear their badges too. Optional.
type ReadReporter interface {
	MarkRead(peerJID string, msgIDs []string) error
}

// Authenticator drives the provider QR login flow. Optional.
type Authenticator interface {
	IsLoggedIn() bool
	StartQRAuth(ctx context.Context) (<-chan wa.AuthEvent, error)
}

// Server is the daemon's HTTP surface.
type Server struct {
	httpServer *http.Server
	machine    *status.Machine
	convos     *convo.Store
	tracker    *readstatus.Tracker
	avatars    *avatar.Cache
	db         *store.DB
	broker     *bus.Broker
	metrics    *metrics.Set
	reporter   ReadReporter
	auth       Authenticator
	logger     *zap.Logger
}

// Deps carries the collaborators the server needs. Avatars and Reporter
// may be nil.
type Deps struct {
	Machine  *status.Machine
	Convos   *convo.Store
	Tracker  *readstatus.Tracker
	Avatars  *avatar.Cache
	DB       *store.DB
	Broker   *bus.Broker
	Metrics  *metrics.Set
	Reporter ReadReporter
	Auth     Authenticator
	Logger   *zap.Logger
}

// NewServer creates the HTTP server bound to addr.
func NewServer(addr string, d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		machine:  d.Machine,
		convos:   d.Convos,
		tracker:  d.Tracker,
		avatars:  d.Avatars,
		db:       d.DB,
		broker:   d.Broker,
		metrics:  d.Metrics,
		reporter: d.Reporter,
		auth:     d.Auth,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(d.Metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	mux.HandleFunc("GET /api/conversations/{peer}/messages", s.handleMessages)
	mux.HandleFunc("POST /api/conversations/{peer}/read", s.handleMarkRead)
	mux.HandleFunc("DELETE /api/conversations/{peer}", s.handleDeleteConversation)
	mux.HandleFunc("POST /api/messages", s.handleSendMessage)
	mux.HandleFunc("GET /api/avatars", s.handleAvatars)
	mux.HandleFunc("POST /api/auth/qr", s.handleStartQRAuth)
	mux.HandleFunc("GET /ws", s.handleWS)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info("http api listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server exited", zap.Error(err))
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// HealthResponse is the /health payload. Clients use the HTTP status
// code for liveness decisions and the body for detail.
type HealthResponse struct {
	OK       bool             `json:"ok"`
	WhatsApp status.Readiness `json:"whatsapp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ready := s.machine.Readiness()
	resp := HealthResponse{
		OK:       ready.State != string(status.Error),
		WhatsApp: ready,
	}
	code := http.StatusOK
	if !resp.OK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	snaps := s.convos.List()
	out := make([]convo.Summary, 0, len(snaps))
	for _, snap := range snaps {
		sum := convo.Summary{
			PeerID:         snap.PeerID,
			DisplayName:    snap.DisplayName,
			AvatarURL:      snap.AvatarURL,
			UnreadCount:    snap.UnreadCount,
			LastActivityAt: snap.LastActivityAt,
		}
		if snap.LastMessage != nil {
			sum.LastMsgID = snap.LastMessage.MsgID
		}
		out = append(out, sum)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	peer := r.PathValue("peer")
	if _, ok := s.convos.Get(peer); !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	since := int64(-1)
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		since = v
	}

	msgs := s.convos.MessagesSince(peer, since)
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	peer := r.PathValue("peer")
	snap, ok := s.convos.Get(peer)
	if !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	user := r.URL.Query().Get("user")
	if err := s.tracker.MarkFullyRead(peer, user); err != nil {
		s.logger.Error("failed to advance read cursor", zap.String("peer", peer), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update read state")
		return
	}
	if err := s.convos.MarkUnreadCleared(peer); err != nil {
		s.logger.Error("failed to clear unread counter", zap.String("peer", peer), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update read state")
		return
	}

	// Best effort: report read state upstream so the sender sees it.
	if s.reporter != nil && snap.LastMessage != nil && !snap.LastMessage.FromMe {
		if err := s.reporter.MarkRead(peer, []string{snap.LastMessage.MsgID}); err != nil {
			s.logger.Warn("failed to report read receipt", zap.String("peer", peer), zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"peer_id": peer, "unread_count": 0})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	peer := r.PathValue("peer")
	err := s.convos.Delete(peer)
	switch {
	case errors.Is(err, convo.ErrNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case err != nil:
		s.logger.Error("failed to delete conversation", zap.String("peer", peer), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "delete failed")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// SendRequest is the POST /api/messages body.
type SendRequest struct {
	PeerID string `json:"peer_id"`
	Body   string `json:"body"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.PeerID = strings.TrimSpace(req.PeerID)
	if req.PeerID == "" || req.Body == "" {
		writeError(w, http.StatusBadRequest, "peer_id and body are required")
		return
	}

	clientMsgID := uuid.NewString()
	if err := s.db.QueueOutbox(clientMsgID, req.PeerID, req.Body); err != nil {
		s.logger.Error("failed to queue message", zap.String("peer", req.PeerID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to queue message")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"client_msg_id": clientMsgID})
}

func (s *Server) handleStartQRAuth(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		writeError(w, http.StatusServiceUnavailable, "authentication not available")
		return
	}
	if s.auth.IsLoggedIn() {
		writeError(w, http.StatusConflict, "already authenticated")
		return
	}

	// Auth events reach clients through the websocket feed, so the
	// channel only needs draining here.
	events, err := s.auth.StartQRAuth(context.Background())
	if err != nil {
		s.logger.Error("failed to start qr auth", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start authentication")
		return
	}
	go func() {
		for range events {
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleAvatars(w http.ResponseWriter, r *http.Request) {
	if s.avatars == nil {
		writeError(w, http.StatusServiceUnavailable, "avatar cache disabled")
		return
	}
	raw := r.URL.Query().Get("peers")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "peers query parameter is required")
		return
	}
	peers := strings.Split(raw, ",")
	out := s.avatars.GetMany(r.Context(), peers)
	writeJSON(w, http.StatusOK, out)
}
