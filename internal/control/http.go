package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bdougie/scenewatch/internal/enrich"
	"github.com/bdougie/scenewatch/internal/mode"
	"github.com/bdougie/scenewatch/internal/models"
	"github.com/bdougie/scenewatch/internal/storage"
)

const (
	defaultSimilarLimit = 5
	maxSimilarLimit     = 100
)

// RecordSource lists stored description records
type RecordSource interface {
	Records(ctx context.Context) ([]models.DescriptionRecord, error)
}

// Asker answers a free-form question about the latest composite
type Asker interface {
	Ask(ctx context.Context, prompt string) (string, error)
}

// APIOption configures an API
type APIOption func(*API)

// WithSimilarity enables GET /descriptions/similar, which ranks stored
// records against the embedding of the record returned by latest
func WithSimilarity(searcher storage.Searcher, latest func() *models.DescriptionRecord) APIOption {
	return func(a *API) {
		a.searcher = searcher
		a.latest = latest
	}
}

// API serves the HTTP control surface
type API struct {
	modes    Modes
	records  RecordSource
	asker    Asker
	status   StatusFunc
	searcher storage.Searcher
	latest   func() *models.DescriptionRecord
	logger   *slog.Logger
	router   chi.Router
}

// NewAPI builds the router. records, asker and status may be nil; their
// endpoints then answer 503, as does similarity search without
// WithSimilarity.
func NewAPI(modes Modes, records RecordSource, asker Asker, status StatusFunc, logger *slog.Logger, opts ...APIOption) *API {
	if logger == nil {
		logger = slog.Default()
	}
	a := &API{
		modes:   modes,
		records: records,
		asker:   asker,
		status:  status,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(a)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/stats", a.handleStats)
	r.Get("/mode", a.handleGetMode)
	r.Put("/mode/{n}", a.handleSelectMode)
	r.Put("/keyword", a.handleSetKeyword)
	r.Get("/descriptions", a.handleDescriptions)
	r.Get("/descriptions/similar", a.handleSimilar)
	r.Post("/ask", a.handleAsk)

	a.router = r
	return a
}

// ServeHTTP implements http.Handler
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

// Run serves on addr until ctx ends, then shuts down gracefully
func (a *API) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		a.logger.Info("control api starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("control api: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("control api shutdown", "error", err)
	}
	a.logger.Info("control api stopped")
	return nil
}

type modeResponse struct {
	Mode    int      `json:"mode"`
	Prompt  string   `json:"prompt"`
	Keyword string   `json:"keyword,omitempty"`
	Prompts []string `json:"prompts"`
}

func (a *API) modeState() modeResponse {
	n, prompt := a.modes.Current()
	return modeResponse{Mode: n, Prompt: prompt, Keyword: a.modes.Keyword(), Prompts: a.modes.Prompts()}
}

func (a *API) handleStats(w http.ResponseWriter, _ *http.Request) {
	if a.status == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("stats unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, a.status())
}

func (a *API) handleGetMode(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.modeState())
}

func (a *API) handleSelectMode(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("mode must be an integer"))
		return
	}
	if err := a.modes.Select(n); err != nil {
		if errors.Is(err, mode.ErrInvalidMode) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if n == mode.QuitMode {
		writeJSON(w, http.StatusAccepted, map[string]bool{"shutdown_initiated": true})
		return
	}
	writeJSON(w, http.StatusOK, a.modeState())
}

func (a *API) handleSetKeyword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Keyword string `json:"keyword"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body"))
		return
	}
	if err := a.modes.SetKeyword(body.Keyword); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, a.modeState())
}

func (a *API) handleDescriptions(w http.ResponseWriter, r *http.Request) {
	if a.records == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no description store"))
		return
	}
	recs, err := a.records.Records(r.Context())
	if err != nil {
		a.logger.Error("failed to list descriptions", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if limit := queryInt(r, "limit", 0); limit > 0 && len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	if recs == nil {
		recs = []models.DescriptionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

type similarResponse struct {
	Query   string                 `json:"query"`
	Results []storage.SearchResult `json:"results"`
}

func (a *API) handleSimilar(w http.ResponseWriter, r *http.Request) {
	if a.searcher == nil || a.latest == nil {
		writeError(w, http.StatusServiceUnavailable, storage.ErrSearchUnsupported)
		return
	}
	last := a.latest()
	if last == nil || len(last.Embedding) == 0 {
		writeError(w, http.StatusConflict, errors.New("no described batch with an embedding yet"))
		return
	}

	limit := queryInt(r, "limit", defaultSimilarLimit)
	if limit < 1 {
		limit = defaultSimilarLimit
	}
	if limit > maxSimilarLimit {
		limit = maxSimilarLimit
	}

	results, err := a.searcher.SearchSimilar(r.Context(), last.Embedding, limit)
	switch {
	case errors.Is(err, storage.ErrSearchUnsupported):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		a.logger.Error("similarity search failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if results == nil {
		results = []storage.SearchResult{}
	}
	writeJSON(w, http.StatusOK, similarResponse{Query: last.ID, Results: results})
}

func (a *API) handleAsk(w http.ResponseWriter, r *http.Request) {
	if a.asker == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("ask unavailable"))
		return
	}
	var body struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Prompt == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("body must be {\"prompt\": \"...\"}"))
		return
	}

	answer, err := a.asker.Ask(r.Context(), body.Prompt)
	switch {
	case errors.Is(err, enrich.ErrNoComposite):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		a.logger.Error("ask failed", "error", err)
		writeError(w, http.StatusBadGateway, err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"prompt": body.Prompt, "answer": answer})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
