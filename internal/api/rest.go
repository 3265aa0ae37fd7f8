// Package api is the HTTP shim at the lifecycle boundary. It writes
// desired-state records and reads status; it never authenticates or rate
// limits — that belongs to the external edge layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deskforge/deskd/internal/models"
	"github.com/deskforge/deskd/internal/router"
	"github.com/deskforge/deskd/internal/storage"
)

// Publisher mirrors the controller's event-bus surface; nil disables
// create notifications.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// ReadyChecker is the controller's readiness signal, surfaced to the
// hosting substrate through /readyz.
type ReadyChecker interface {
	Ready() bool
}

// Options carry the boundary defaults an external caller may omit.
type Options struct {
	DefaultImage string
	DefaultTTL   time.Duration
	MinTTL       time.Duration
}

func DefaultOptions() Options {
	return Options{
		DefaultImage: "deskforge/desktop:latest",
		DefaultTTL:   24 * time.Hour,
		MinTTL:       time.Second,
	}
}

type Handler struct {
	store     storage.Store
	router    *router.Router
	ready     ReadyChecker
	publisher Publisher
	opts      Options
	logger    *zap.Logger
}

func NewHandler(store storage.Store, rt *router.Router, ready ReadyChecker, pub Publisher, opts Options, logger *zap.Logger) http.Handler {
	if opts.DefaultImage == "" {
		opts = DefaultOptions()
	}
	h := &Handler{
		store:     store,
		router:    rt,
		ready:     ready,
		publisher: pub,
		opts:      opts,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /desktops", h.handleCreate)
	mux.HandleFunc("GET /desktops", h.handleList)
	mux.HandleFunc("GET /desktops/{id}", h.handleGet)
	mux.HandleFunc("DELETE /desktops/{id}", h.handleTerminate)
	mux.HandleFunc("GET /resolve/{id}", h.handleResolve)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /readyz", h.handleReadyz)
	return mux
}

type createRequest struct {
	Owner string `json:"owner"`
	Image string `json:"image,omitempty"`
	TTLMs int64  `json:"ttl_ms,omitempty"`
}

type desktopResponse struct {
	ID        string                `json:"id"`
	Owner     string                `json:"owner"`
	Phase     models.Phase          `json:"phase"`
	Endpoint  string                `json:"endpoint,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
	ExpiresAt time.Time             `json:"expires_at"`
	LastError *models.FailureRecord `json:"last_error,omitempty"`
}

func toResponse(d *models.Desktop) desktopResponse {
	return desktopResponse{
		ID:        d.ID,
		Owner:     d.Owner,
		Phase:     d.Phase,
		Endpoint:  d.Endpoint,
		CreatedAt: d.CreatedAt,
		ExpiresAt: d.ExpiresAt,
		LastError: d.LastError,
	}
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.Owner == "" {
		h.writeError(w, http.StatusBadRequest, "owner required")
		return
	}
	ttl := h.opts.DefaultTTL
	if req.TTLMs != 0 {
		ttl = time.Duration(req.TTLMs) * time.Millisecond
	}
	if ttl < h.opts.MinTTL {
		h.writeError(w, http.StatusBadRequest, "ttl_ms below minimum")
		return
	}
	image := req.Image
	if image == "" {
		image = h.opts.DefaultImage
	}

	now := time.Now().UTC()
	d := &models.Desktop{
		ID:         uuid.NewString(),
		Owner:      req.Owner,
		Image:      image,
		Desired:    models.DesiredPresent,
		Phase:      models.PhasePending,
		Generation: 1,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := h.store.Put(r.Context(), d); err != nil {
		h.logger.Error("create desktop failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to create desktop")
		return
	}

	if h.publisher != nil {
		ev := map[string]any{
			"event": "desktops.created",
			"id":    d.ID,
			"owner": d.Owner,
			"time":  now.Unix(),
		}
		payload, _ := json.Marshal(ev)
		if err := h.publisher.Publish(r.Context(), "desktops.created", payload); err != nil {
			h.logger.Warn("create event publish failed", zap.Error(err))
		}
	}

	h.writeJSON(w, http.StatusCreated, map[string]any{"id": d.ID, "phase": d.Phase})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	d, err := h.store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "desktop not found")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to load desktop")
		return
	}
	h.writeJSON(w, http.StatusOK, toResponse(d))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	f := storage.Filter{Phase: models.Phase(r.URL.Query().Get("phase"))}
	all, err := h.store.List(r.Context(), f)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to list desktops")
		return
	}
	out := make([]desktopResponse, 0, len(all))
	for _, d := range all {
		out = append(out, toResponse(d))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"desktops": out})
}

func (h *Handler) handleTerminate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	d, err := h.store.Get(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "desktop not found")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to load desktop")
		return
	}
	if d.Desired == models.DesiredAbsent || d.Phase.Terminal() {
		h.writeJSON(w, http.StatusOK, map[string]any{"id": d.ID, "desired": models.DesiredAbsent})
		return
	}

	next := d.Clone()
	next.Desired = models.DesiredAbsent
	next.Generation = d.Generation + 1
	switch err := h.store.Put(r.Context(), next); {
	case errors.Is(err, storage.ErrStaleGeneration):
		h.writeError(w, http.StatusConflict, "concurrent update, retry")
	case err != nil:
		h.logger.Error("terminate desktop failed", zap.String("desktop", id), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to terminate desktop")
	default:
		h.writeJSON(w, http.StatusOK, map[string]any{"id": d.ID, "desired": models.DesiredAbsent})
	}
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	endpoint, err := h.router.Resolve(r.PathValue("id"))
	switch {
	case errors.Is(err, router.ErrNotReady):
		h.writeError(w, http.StatusConflict, "desktop not ready")
	case errors.Is(err, router.ErrGone):
		h.writeError(w, http.StatusGone, "desktop gone")
	case err != nil:
		h.writeError(w, http.StatusInternalServerError, "resolve failed")
	default:
		h.writeJSON(w, http.StatusOK, map[string]any{"endpoint": endpoint})
	}
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if h.ready != nil && !h.ready.Ready() {
		h.writeError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
	if status >= http.StatusInternalServerError {
		h.logger.Error("http error", zap.Int("status", status), zap.String("msg", msg))
	}
}
