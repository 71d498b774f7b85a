package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/crystalline/internal/collective"
	"github.com/nidhogg/crystalline/internal/engine"
	"github.com/nidhogg/crystalline/internal/gateway"
	"github.com/nidhogg/crystalline/internal/graph"
	"github.com/nidhogg/crystalline/internal/memory"
	"github.com/nidhogg/crystalline/internal/vectorstore"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// Searcher finds an owner's crystals semantically close to a query.
type Searcher interface {
	Search(ctx context.Context, owner, query string, limit int) ([]vectorstore.Hit, error)
}

// Associator walks the crystal graph.
type Associator interface {
	Associations(ctx context.Context, owner, crystalID string, depth, limit int) ([]graph.Association, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	registry    *engine.Registry
	index       Searcher
	graph       Associator
	broadcaster *gateway.Broadcaster
	checks      map[string]HealthCheck
	logger      *zap.Logger
}

// NewHandler creates a new API handler. Optional dependencies are set
// with the Set methods before Router is called.
func NewHandler(registry *engine.Registry, logger *zap.Logger) *Handler {
	return &Handler{
		registry: registry,
		checks:   make(map[string]HealthCheck),
		logger:   logger,
	}
}

func (h *Handler) SetIndex(s Searcher)                       { h.index = s }
func (h *Handler) SetGraph(a Associator)                     { h.graph = a }
func (h *Handler) SetBroadcaster(b *gateway.Broadcaster)     { h.broadcaster = b }
func (h *Handler) AddHealthCheck(name string, c HealthCheck) { h.checks[name] = c }

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/collective/announcements", h.announcements)

		r.Route("/owners/{owner}", func(r chi.Router) {
			r.Post("/experiences", h.submitExperience)
			r.Get("/memory", h.queryMemory)
			r.Get("/essence", h.essenceState)
			r.Get("/crystals/{id}/related", h.related)
			r.Get("/crystals/{id}/associations", h.associations)
			r.Get("/collective/{category}", h.pullCollective)
			r.Get("/similar", h.similar)
		})
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "ok"
	deps := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name](r.Context()); err != nil {
			deps[name] = err.Error()
			status = "degraded"
			continue
		}
		deps[name] = "ok"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       status,
		"service":      "crystalline",
		"dependencies": deps,
	})
}

type submitResponse struct {
	*engine.SubmitResult
	Error string `json:"error,omitempty"`
}

func (h *Handler) submitExperience(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	var rec memory.ExperienceRecord
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&rec); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}

	res, err := h.registry.SubmitExperience(r.Context(), owner, rec)
	var perr *memory.PersistenceError
	switch {
	case err != nil && res != nil && errors.As(err, &perr):
		// Integrated in memory but not yet durable.
		writeJSON(w, http.StatusAccepted, submitResponse{SubmitResult: res, Error: err.Error()})
	case err != nil:
		h.writeError(w, err)
	case res.CreatedCrystal:
		writeJSON(w, http.StatusCreated, submitResponse{SubmitResult: res})
	default:
		writeJSON(w, http.StatusOK, submitResponse{SubmitResult: res})
	}
}

func (h *Handler) queryMemory(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	topN, ok := intParam(w, r, "top_n", 0)
	if !ok {
		return
	}
	views, err := h.registry.QueryMemory(r.Context(), owner, r.URL.Query().Get("q"), topN)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if views == nil {
		views = []memory.CrystalView{}
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) essenceState(w http.ResponseWriter, r *http.Request) {
	v, err := h.registry.EssenceState(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) related(w http.ResponseWriter, r *http.Request) {
	v, err := h.registry.Related(r.Context(), chi.URLParam(r, "owner"), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) associations(w http.ResponseWriter, r *http.Request) {
	if h.graph == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "graph not configured"})
		return
	}
	depth, ok := intParam(w, r, "depth", 2)
	if !ok {
		return
	}
	limit, ok := intParam(w, r, "limit", 10)
	if !ok {
		return
	}
	owner := chi.URLParam(r, "owner")
	if err := memory.ValidateOwnerID(owner); err != nil {
		h.writeError(w, err)
		return
	}
	out, err := h.graph.Associations(r.Context(), owner, chi.URLParam(r, "id"), depth, limit)
	if err != nil {
		h.logger.Error("association walk failed", zap.String("owner", owner), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	if out == nil {
		out = []graph.Association{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) pullCollective(w http.ResponseWriter, r *http.Request) {
	cat, err := memory.ParseCategory(chi.URLParam(r, "category"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	entries, err := h.registry.PullCollective(r.Context(), chi.URLParam(r, "owner"), cat)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []collective.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type similarHit struct {
	memory.CrystalView
	Score float32 `json:"score"`
}

func (h *Handler) similar(w http.ResponseWriter, r *http.Request) {
	if h.index == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "semantic index not configured"})
		return
	}
	owner := chi.URLParam(r, "owner")
	query := r.URL.Query().Get("q")
	if query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "q is required"})
		return
	}
	limit, ok := intParam(w, r, "limit", 10)
	if !ok {
		return
	}

	// Resolve the owner first so unknown owners get 404, not an empty index.
	if _, err := h.registry.EssenceState(r.Context(), owner); err != nil {
		h.writeError(w, err)
		return
	}
	hits, err := h.index.Search(r.Context(), owner, query, limit)
	if err != nil {
		h.logger.Error("similar search failed", zap.String("owner", owner), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	ids := make([]string, len(hits))
	scores := make(map[string]float32, len(hits))
	for i, hit := range hits {
		ids[i] = hit.CrystalID
		scores[hit.CrystalID] = hit.Score
	}
	views, err := h.registry.Crystals(r.Context(), owner, ids)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]similarHit, 0, len(views))
	for _, v := range views {
		out = append(out, similarHit{CrystalView: v, Score: scores[v.ID]})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) announcements(w http.ResponseWriter, r *http.Request) {
	if h.broadcaster == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "gateway not configured"})
		return
	}
	limit, ok := intParam(w, r, "limit", 20)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.broadcaster.History(limit))
}

// intParam reads an optional non-negative integer query parameter. It
// writes a 400 and returns false when the value is malformed.
func intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": name + " must be a non-negative integer"})
		return 0, false
	}
	return n, true
}

// writeError maps domain errors onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var (
		verr *memory.ValidationError
		derr *memory.DuplicateIDError
		cerr *memory.CapacityError
		perr *memory.PersistenceError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, memory.ErrUnknownOwner), errors.Is(err, memory.ErrCrystalNotFound):
		status = http.StatusNotFound
	case errors.As(err, &verr):
		status = http.StatusBadRequest
	case errors.As(err, &derr):
		status = http.StatusConflict
	case errors.As(err, &cerr):
		status = http.StatusInsufficientStorage
	case errors.As(err, &perr), errors.Is(err, engine.ErrCollectiveDisabled), errors.Is(err, engine.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
