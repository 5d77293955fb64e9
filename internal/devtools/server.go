// Package devtools serves a local HTTP inspection API over a running
// offline client, with a websocket stream of queue, status and conflict
// events.
package devtools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/kimhsiao/marketsync/internal/errors"
	"github.com/kimhsiao/marketsync/internal/logging"
	"github.com/kimhsiao/marketsync/internal/models"
	"github.com/kimhsiao/marketsync/internal/network"
	"github.com/kimhsiao/marketsync/internal/offline"
	"github.com/kimhsiao/marketsync/internal/sync/conflict"
	"github.com/kimhsiao/marketsync/internal/sync/queue"
)

const (
	maxBodyBytes         = 1 << 20
	defaultConflictLimit = 50
)

// Backend is the part of the offline client the server exposes.
type Backend interface {
	Stats(ctx context.Context) (offline.Stats, error)
	QueueItems(ctx context.Context) ([]*models.QueueEntry, error)
	Conflicts(ctx context.Context, limit int) ([]models.ConflictRecord, error)
	ForceSync(ctx context.Context) (*queue.DrainResult, error)
	RetryFailed(ctx context.Context) (int64, error)
	ResolveConflict(ctx context.Context, entryID string, outcome conflict.Outcome, payload models.Payload) error
	Export(ctx context.Context, w io.Writer) error
	Clear(ctx context.Context) error
	SubscribeStats(fn func(queue.Stats)) (unsubscribe func())
	SubscribeStatus(fn func(network.Status)) (unsubscribe func())
	SubscribeConflicts(fn func(conflict.Notification)) (unsubscribe func())
}

// Server is the inspection server.
type Server struct {
	backend Backend
	hub     *Hub
}

// NewServer creates a Server for b.
func NewServer(b Backend) *Server {
	return &Server{backend: b, hub: NewHub()}
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Attach starts the hub and forwards backend events to it until ctx is
// done.
func (s *Server) Attach(ctx context.Context) {
	go s.hub.Run(ctx)

	unsubs := []func(){
		s.backend.SubscribeStats(func(st queue.Stats) {
			s.hub.Broadcast(EventQueueStats, st)
		}),
		s.backend.SubscribeStatus(func(st network.Status) {
			s.hub.Broadcast(EventNetworkStatus, st)
		}),
		s.backend.SubscribeConflicts(func(n conflict.Notification) {
			s.hub.Broadcast(EventConflict, n)
		}),
	}
	go func() {
		<-ctx.Done()
		for _, u := range unsubs {
			u()
		}
	}()
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/queue", s.handleQueue)
		r.Post("/queue/sync", s.handleSync)
		r.Post("/queue/retry-failed", s.handleRetryFailed)
		r.Get("/conflicts", s.handleConflicts)
		r.Post("/conflicts/{id}/resolve", s.handleResolve)
		r.Get("/export", s.handleExport)
		r.Post("/clear", s.handleClear)
		r.Get("/ws", s.handleWS)
	})

	return r
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.Attach(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Info("Devtools server listening", map[string]interface{}{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.backend.Stats(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	items, err := s.backend.QueueItems(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	if items == nil {
		items = []*models.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.backend.ForceSync(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := s.backend.RetryFailed(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"revived": n})
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	limit := defaultConflictLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	recs, err := s.backend.Conflicts(r.Context(), limit)
	if err != nil {
		handleError(w, err)
		return
	}
	if recs == nil {
		recs = []models.ConflictRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": recs})
}

type resolveRequest struct {
	Outcome conflict.Outcome `json:"outcome"`
	// Payload is a {"type","data"} envelope; required for client-wins
	// and merged.
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req resolveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Outcome == "" {
		writeError(w, http.StatusBadRequest, "outcome is required")
		return
	}

	var payload models.Payload
	if len(req.Payload) > 0 && string(req.Payload) != "null" {
		p, err := models.UnmarshalPayload(req.Payload)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		payload = p
	}

	if err := s.backend.ResolveConflict(r.Context(), id, req.Outcome, payload); err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "outcome": string(req.Outcome)})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="marketsync-export.json"`)
	if err := s.backend.Export(r.Context(), w); err != nil {
		// Headers may already be out; log and best-effort report.
		logging.Error("Export failed", err)
		handleError(w, err)
	}
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Clear(r.Context()); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r, func() (string, any) {
		st, err := s.backend.Stats(r.Context())
		if err != nil {
			return EventQueueStats, queue.Stats{}
		}
		return EventQueueStats, st.Queue
	})
}

func handleError(w http.ResponseWriter, err error) {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case apperrors.ErrInvalid, apperrors.ErrValidation:
		writeError(w, http.StatusBadRequest, err.Error())
	case apperrors.ErrSyncConflict, apperrors.ErrDuplicate:
		writeError(w, http.StatusConflict, err.Error())
	default:
		logging.Error("Devtools request failed", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
